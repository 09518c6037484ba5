package migration

import (
	"context"
	"sort"
	"time"

	"github.com/feral-file/ff-ecash-ledger/internal/domain"
	"github.com/feral-file/ff-ecash-ledger/internal/store"
)

// Migration is a versioned bulk correction of token records
type Migration interface {
	// Name identifies the migration and keys its state row
	Name() string
	// Version is bumped when the correction logic changes
	Version() int
	// Description is shown by the CLI
	Description() string

	// Preview counts the records the migration would change without writing
	Preview(ctx context.Context, st store.Store) (*Preview, error)
	// Snapshot captures the restorable state of every record the migration will change
	Snapshot(ctx context.Context, st store.Store) ([]store.TokenStateSnapshot, error)
	// Apply performs the correction and returns the number of records changed
	Apply(ctx context.Context, st store.Store, at time.Time) (int64, error)
	// Remaining counts records still non-conforming after Apply
	Remaining(ctx context.Context, st store.Store) (int64, error)
}

// Preview is the read-only impact of a migration
type Preview struct {
	Name            string                       `json:"name"`
	Version         int                          `json:"version"`
	TokensToMigrate int64                        `json:"tokens_to_migrate"`
	AmountToMigrate int64                        `json:"amount_to_migrate"`
	OwnersAffected  int                          `json:"owners_affected"`
	ByOwner         map[string]store.OwnerImpact `json:"by_owner"`
}

// Registry holds the known migrations by name
type Registry struct {
	migrations map[string]Migration
}

// NewRegistry creates a registry of the given migrations
func NewRegistry(migrations ...Migration) *Registry {
	r := &Registry{migrations: make(map[string]Migration, len(migrations))}
	for _, m := range migrations {
		r.migrations[m.Name()] = m
	}
	return r
}

// DefaultRegistry returns every migration shipped with the ledger
func DefaultRegistry() *Registry {
	return NewRegistry(NewFixMeltedStatus())
}

// Get returns the migration named name
func (r *Registry) Get(name string) (Migration, error) {
	m, ok := r.migrations[name]
	if !ok {
		return nil, domain.Errorf(domain.ErrCodeNotFound, "unknown migration %q", name)
	}
	return m, nil
}

// List returns the migrations ordered by name
func (r *Registry) List() []Migration {
	out := make([]Migration, 0, len(r.migrations))
	for _, m := range r.migrations {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
