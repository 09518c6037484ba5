package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/feral-file/ff-ecash-ledger/internal/adapter"
	"github.com/feral-file/ff-ecash-ledger/internal/domain"
	"github.com/feral-file/ff-ecash-ledger/internal/store"
	"github.com/feral-file/ff-ecash-ledger/internal/store/schema"
)

// OperationType names the kind of mutating operation an operation hash covers
type OperationType string

const (
	OperationTypeMelt OperationType = "melt"
)

// OperationParams are the fields fingerprinted by an operation hash
type OperationParams struct {
	OwnerID        string
	MintRef        string
	Amount         int64
	SourceTokenIDs []string
	OperationType  OperationType
}

// Guard enforces transaction id uniqueness, duplicate operation detection and the
// optimistic concurrency check on source records. Checks take the store to read from so they
// run inside the unit of work of the caller.
type Guard struct {
	jcs    adapter.JCS
	clock  adapter.Clock
	window time.Duration
}

// NewGuard creates a guard. A zero window uses domain.DefaultDuplicateWindow.
func NewGuard(jcs adapter.JCS, clock adapter.Clock, window time.Duration) *Guard {
	if window <= 0 {
		window = domain.DefaultDuplicateWindow
	}
	return &Guard{jcs: jcs, clock: clock, window: window}
}

// ValidateTransactionIDFormat checks the shape of a caller transaction id without touching the store
func ValidateTransactionIDFormat(id string) error {
	if strings.TrimSpace(id) == "" {
		return domain.NewError(domain.ErrCodeInvalidFormat, "transaction_id must be a non-empty string")
	}
	if n := len(id); n < domain.TransactionIDMinLength || n > domain.TransactionIDMaxLength {
		return domain.Errorf(domain.ErrCodeInvalidLength,
			"transaction_id length must be between %d and %d, got %d",
			domain.TransactionIDMinLength, domain.TransactionIDMaxLength, n)
	}
	return nil
}

// ValidateTransactionID checks the format of id and that no record or melt already used it
func (g *Guard) ValidateTransactionID(ctx context.Context, st store.Store, id string) error {
	if err := ValidateTransactionIDFormat(id); err != nil {
		return err
	}

	exists, err := st.TransactionIDExists(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to check transaction id: %w", err)
	}
	if exists {
		return domain.NewError(domain.ErrCodeDuplicateTransactionID, "transaction_id already used").
			WithDetail("transaction_id", id)
	}
	return nil
}

// OperationHash returns the hex sha256 of the canonical JSON of params. Source ids are
// sorted first so the hash does not depend on caller ordering.
func (g *Guard) OperationHash(params OperationParams) (string, error) {
	ids := append([]string(nil), params.SourceTokenIDs...)
	sort.Strings(ids)

	raw, err := json.Marshal(map[string]any{
		"owner_id":         params.OwnerID,
		"mint_ref":         params.MintRef,
		"amount":           params.Amount,
		"source_token_ids": ids,
		"operation_type":   params.OperationType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal operation params: %w", err)
	}

	canonical, err := g.jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize operation params: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// CheckDuplicate fails with DUPLICATE_OPERATION when a record of the owner carries hash
// within the trailing window. The error points at the original transaction.
func (g *Guard) CheckDuplicate(ctx context.Context, st store.Store, ownerID, hash string) error {
	since := g.clock.Now().Add(-g.window)
	prior, err := st.FindTokenByOperationHash(ctx, ownerID, hash, since)
	if err != nil {
		return fmt.Errorf("failed to look up operation hash: %w", err)
	}
	if prior == nil {
		return nil
	}

	return domain.NewError(domain.ErrCodeDuplicateOperation, "identical operation already executed").
		WithDetail("original_transaction_id", originalTransactionID(prior))
}

func originalTransactionID(t *schema.Token) string {
	if t.SpentTransactionID != nil {
		return *t.SpentTransactionID
	}
	if m, err := t.DecodedMetadata(); err == nil {
		switch v := m.(type) {
		case domain.ChangeMetadata:
			return v.ParentTransactionID
		case domain.SentMetadata:
			if v.ParentTransactionID != "" {
				return v.ParentTransactionID
			}
		}
	}
	return t.TransactionID
}

// CheckSourcesUnspent re-reads the source records right before mutation and fails with
// CONCURRENT_OPERATION if any of them is no longer unspent. Missing records or records of
// another owner fail with NOT_FOUND.
func (g *Guard) CheckSourcesUnspent(ctx context.Context, st store.Store, ownerID string, ids []string) ([]*schema.Token, error) {
	tokens, err := st.LockTokens(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to re-read source records: %w", err)
	}

	byID := make(map[string]*schema.Token, len(tokens))
	for _, t := range tokens {
		byID[t.ID] = t
	}

	ordered := make([]*schema.Token, 0, len(ids))
	for _, id := range ids {
		t, ok := byID[id]
		if !ok || t.OwnerID != ownerID {
			return nil, domain.NewError(domain.ErrCodeNotFound, "source record not found").
				WithDetail("token_id", id)
		}
		if t.Status != domain.TokenStatusUnspent {
			return nil, domain.Errorf(domain.ErrCodeConcurrentOperation,
				"source record is %s, expected unspent", t.Status).
				WithDetail("token_id", id)
		}
		ordered = append(ordered, t)
	}
	return ordered, nil
}
