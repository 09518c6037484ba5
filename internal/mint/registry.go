package mint

import (
	"strings"
	"sync"

	"github.com/feral-file/ff-ecash-ledger/internal/domain"
)

// Factory creates a client for a mint URL
type Factory func(mintURL string) Client

// Registry hands out one client per trusted mint
type Registry struct {
	mu      sync.Mutex
	factory Factory
	trusted map[string]struct{}
	clients map[string]Client
}

// NewRegistry creates a registry that only serves the given mints
func NewRegistry(factory Factory, trustedMints ...string) *Registry {
	trusted := make(map[string]struct{}, len(trustedMints))
	for _, m := range trustedMints {
		trusted[normalize(m)] = struct{}{}
	}
	return &Registry{
		factory: factory,
		trusted: trusted,
		clients: make(map[string]Client),
	}
}

func normalize(mintURL string) string {
	return strings.TrimRight(mintURL, "/")
}

// Get returns the client for mintRef
func (r *Registry) Get(mintRef string) (Client, error) {
	key := normalize(mintRef)

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[key]; ok {
		return c, nil
	}
	if _, ok := r.trusted[key]; !ok {
		return nil, domain.NewError(domain.ErrCodeMintUnavailable, "mint is not configured").WithDetail("mint", mintRef)
	}

	c := r.factory(key)
	r.clients[key] = c
	return c, nil
}

// Mints returns the configured mint URLs
func (r *Registry) Mints() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.trusted))
	for m := range r.trusted {
		out = append(out, m)
	}
	return out
}
