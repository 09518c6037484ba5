package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"gorm.io/datatypes"

	"github.com/feral-file/ff-ecash-ledger/internal/domain"
	"github.com/feral-file/ff-ecash-ledger/internal/store/schema"
)

// memoryStore keeps records in process memory. Every method is atomic on its own but the
// store has no multi-record transaction, so it does not implement Transactor.
type memoryStore struct {
	mu         sync.RWMutex
	tokens     map[string]*schema.Token
	migrations map[string]*schema.MigrationState
	journal    []*schema.LedgerJournal
	journalSeq int64
}

// NewMemoryStore creates an in-memory store for tests and single-node deployments
func NewMemoryStore() Store {
	return NewMemoryStoreWithTokens()
}

func copyToken(t *schema.Token) *schema.Token {
	c := *t
	c.Proofs = slices.Clone(t.Proofs)
	c.Metadata = slices.Clone(t.Metadata)
	if t.SpentAt != nil {
		at := *t.SpentAt
		c.SpentAt = &at
	}
	return &c
}

func copyTokens(tokens []*schema.Token) []*schema.Token {
	out := make([]*schema.Token, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, copyToken(t))
	}
	return out
}

func (s *memoryStore) activeSecretsLocked(secrets []string) []string {
	want := make(map[string]struct{}, len(secrets))
	for _, secret := range secrets {
		want[secret] = struct{}{}
	}

	found := make(map[string]struct{})
	for _, t := range s.tokens {
		if !t.Status.ConsumesSecrets() {
			continue
		}
		for _, p := range t.Proofs {
			if _, ok := want[p.Secret]; ok {
				found[p.Secret] = struct{}{}
			}
		}
	}

	active := make([]string, 0, len(found))
	for secret := range found {
		active = append(active, secret)
	}
	sort.Strings(active)
	return active
}

func (s *memoryStore) CreateToken(_ context.Context, input CreateTokenInput) (*schema.Token, error) {
	meta, err := validateTokenInput(input)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if active := s.activeSecretsLocked(domain.Secrets(input.Proofs)); len(active) > 0 {
		return nil, doubleIssuanceError(active)
	}
	for _, t := range s.tokens {
		if t.TransactionID == input.TransactionID {
			return nil, domain.NewError(domain.ErrCodeDuplicateTransactionID, "transaction id already used").
				WithDetail("transaction_id", input.TransactionID)
		}
	}
	if _, ok := s.tokens[input.ID]; ok {
		return nil, domain.Errorf(domain.ErrCodeInvariantViolation, "token %s already exists", input.ID)
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	proofs := datatypes.JSONSlice[domain.Proof](slices.Clone(input.Proofs))
	if proofs == nil {
		proofs = datatypes.JSONSlice[domain.Proof]{}
	}

	token := &schema.Token{
		ID:            input.ID,
		OwnerID:       input.OwnerID,
		WalletRef:     input.WalletRef,
		MintRef:       input.MintRef,
		Proofs:        proofs,
		TotalAmount:   domain.SumProofs(input.Proofs),
		Status:        input.Status,
		Kind:          input.Metadata.Kind(),
		Metadata:      datatypes.JSON(meta),
		TransactionID: input.TransactionID,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
	s.tokens[token.ID] = token

	return copyToken(token), nil
}

func (s *memoryStore) GetTokenByID(_ context.Context, id string) (*schema.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[id]
	if !ok {
		return nil, nil
	}
	return copyToken(t), nil
}

func (s *memoryStore) GetTokensByIDs(_ context.Context, ids []string) ([]*schema.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.byIDsLocked(ids), nil
}

func (s *memoryStore) byIDsLocked(ids []string) []*schema.Token {
	out := make([]*schema.Token, 0, len(ids))
	for _, id := range ids {
		if t, ok := s.tokens[id]; ok {
			out = append(out, copyToken(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LockTokens is a plain re-read: the memory store has no row locks
func (s *memoryStore) LockTokens(ctx context.Context, ids []string) ([]*schema.Token, error) {
	return s.GetTokensByIDs(ctx, ids)
}

func (s *memoryStore) GetTokenByTransactionID(_ context.Context, transactionID string) (*schema.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tokens {
		if t.TransactionID == transactionID {
			return copyToken(t), nil
		}
	}
	return nil, nil
}

func (s *memoryStore) TransactionIDExists(_ context.Context, transactionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := domain.MeltRecordIDs(transactionID)
	for _, t := range s.tokens {
		if slices.Contains(ids, t.TransactionID) {
			return true, nil
		}
		if t.SpentTransactionID != nil && *t.SpentTransactionID == transactionID {
			return true, nil
		}
	}
	return false, nil
}

func (s *memoryStore) FindTokenByOperationHash(_ context.Context, ownerID, operationHash string, since time.Time) (*schema.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *schema.Token
	for _, t := range s.tokens {
		if t.OwnerID != ownerID || !tokenCarriesHash(t, operationHash, since) {
			continue
		}
		if latest == nil || t.UpdatedAt.After(latest.UpdatedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil, nil
	}
	return copyToken(latest), nil
}

func tokenCarriesHash(t *schema.Token, operationHash string, since time.Time) bool {
	if t.SpentOperationHash != nil && *t.SpentOperationHash == operationHash &&
		t.SpentAt != nil && !t.SpentAt.Before(since) {
		return true
	}
	if t.CreatedAt.Before(since) || len(t.Metadata) == 0 {
		return false
	}

	var meta struct {
		OperationHash string `json:"operation_hash"`
	}
	if err := json.Unmarshal(t.Metadata, &meta); err != nil {
		return false
	}
	return meta.OperationHash == operationHash
}

func (s *memoryStore) FindUnspent(_ context.Context, ownerID, mintRef string) ([]*schema.Token, error) {
	return s.findByStatus(ownerID, mintRef, domain.TokenStatusUnspent), nil
}

func (s *memoryStore) FindPending(_ context.Context, ownerID, mintRef string) ([]*schema.Token, error) {
	return s.findByStatus(ownerID, mintRef, domain.TokenStatusPending), nil
}

func (s *memoryStore) findByStatus(ownerID, mintRef string, status domain.TokenStatus) []*schema.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*schema.Token, 0)
	for _, t := range s.tokens {
		if t.OwnerID != ownerID || t.Status != status {
			continue
		}
		if mintRef != "" && t.MintRef != mintRef {
			continue
		}
		out = append(out, copyToken(t))
	}
	sortBySelectionOrder(out)
	return out
}

// sortBySelectionOrder orders records by ascending amount, then age, then id
func sortBySelectionOrder(tokens []*schema.Token) {
	sort.Slice(tokens, func(i, j int) bool {
		a, b := tokens[i], tokens[j]
		if a.TotalAmount != b.TotalAmount {
			return a.TotalAmount < b.TotalAmount
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func (s *memoryStore) FindActiveSecrets(_ context.Context, secrets []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.activeSecretsLocked(secrets), nil
}

func (s *memoryStore) GetBalance(_ context.Context, filter BalanceFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, t := range s.tokens {
		if filter.OwnerID != "" && t.OwnerID != filter.OwnerID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, t.Status) {
			continue
		}
		if filter.MintRef != "" && t.MintRef != filter.MintRef {
			continue
		}
		total += t.TotalAmount
	}
	return total, nil
}

func (s *memoryStore) GetBalancesByStatus(_ context.Context, ownerID string) (map[domain.TokenStatus]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[domain.TokenStatus]int64)
	for _, t := range s.tokens {
		if t.OwnerID == ownerID {
			result[t.Status] += t.TotalAmount
		}
	}
	return result, nil
}

func (s *memoryStore) MarkTokensSpent(_ context.Context, input MarkSpentInput) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated int64
	for _, id := range input.TokenIDs {
		t, ok := s.tokens[id]
		if !ok || t.Status != domain.TokenStatusUnspent {
			continue
		}
		at := input.SpentAt
		t.Status = domain.TokenStatusSpent
		t.SpentAt = &at
		t.UpdatedAt = at
		if input.TransactionID != "" {
			txID := input.TransactionID
			t.SpentTransactionID = &txID
		}
		if input.OperationHash != "" {
			hash := input.OperationHash
			t.SpentOperationHash = &hash
		}
		updated++
	}
	return updated, nil
}

func (s *memoryStore) UpdateTokenStatus(_ context.Context, id string, from, to domain.TokenStatus, at time.Time) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, domain.Errorf(domain.ErrCodeInvalidStatusTransition, "%s -> %s", from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[id]
	if !ok || t.Status != from {
		return false, nil
	}
	t.Status = to
	t.UpdatedAt = at
	if to == domain.TokenStatusSpent && t.SpentAt == nil {
		spentAt := at
		t.SpentAt = &spentAt
	}
	return true, nil
}

func (s *memoryStore) SetRecoveryState(_ context.Context, id string, state schema.RecoveryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[id]
	if !ok {
		return domain.ErrTokenNotFound
	}
	st := state
	t.RecoveryState = &st
	t.UpdatedAt = time.Now()
	return nil
}

func (s *memoryStore) stalePendingLocked(olderThan time.Time) []*schema.Token {
	out := make([]*schema.Token, 0)
	for _, t := range s.tokens {
		if t.Status == domain.TokenStatusPending && t.CreatedAt.Before(olderThan) && t.RecoveryState == nil {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *memoryStore) GetStalePendingTokens(_ context.Context, olderThan time.Time, limit int) ([]*schema.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stale := s.stalePendingLocked(olderThan)
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return copyTokens(stale), nil
}

func (s *memoryStore) CountStalePendingTokens(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.stalePendingLocked(olderThan))), nil
}

func (s *memoryStore) SnapshotTokensByStatus(_ context.Context, status domain.TokenStatus) ([]TokenStateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshots := make([]TokenStateSnapshot, 0)
	for _, t := range s.tokens {
		if t.Status != status {
			continue
		}
		snap := TokenStateSnapshot{
			ID:      t.ID,
			OwnerID: t.OwnerID,
			Amount:  t.TotalAmount,
			Status:  t.Status,
		}
		if t.SpentAt != nil {
			at := *t.SpentAt
			snap.SpentAt = &at
		}
		snapshots = append(snapshots, snap)
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].ID < snapshots[j].ID })
	return snapshots, nil
}

func (s *memoryStore) CountTokensByStatus(_ context.Context, status domain.TokenStatus) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, t := range s.tokens {
		if t.Status == status {
			count++
		}
	}
	return count, nil
}

func (s *memoryStore) GetStatusImpactByOwner(_ context.Context, status domain.TokenStatus) (map[string]OwnerImpact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]OwnerImpact)
	for _, t := range s.tokens {
		if t.Status != status {
			continue
		}
		impact := result[t.OwnerID]
		impact.Tokens++
		impact.Amount += t.TotalAmount
		result[t.OwnerID] = impact
	}
	return result, nil
}

func (s *memoryStore) CorrectTokenStatus(_ context.Context, from, to domain.TokenStatus, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated int64
	for _, t := range s.tokens {
		if t.Status != from {
			continue
		}
		t.Status = to
		t.UpdatedAt = at
		if to == domain.TokenStatusSpent && t.SpentAt == nil {
			spentAt := t.CreatedAt
			t.SpentAt = &spentAt
		}
		updated++
	}
	return updated, nil
}

func (s *memoryStore) RestoreTokenStates(_ context.Context, snapshots []TokenStateSnapshot) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var restored int64
	for _, snap := range snapshots {
		t, ok := s.tokens[snap.ID]
		if !ok {
			continue
		}
		t.Status = snap.Status
		if snap.SpentAt != nil {
			at := *snap.SpentAt
			t.SpentAt = &at
		} else {
			t.SpentAt = nil
		}
		restored++
	}
	return restored, nil
}

func copyMigrationState(m *schema.MigrationState) *schema.MigrationState {
	c := *m
	c.BackupSnapshot = slices.Clone(m.BackupSnapshot)
	return &c
}

func (s *memoryStore) CreateMigrationState(_ context.Context, state *schema.MigrationState) (bool, *schema.MigrationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.migrations[state.Name]; ok {
		return false, copyMigrationState(existing), nil
	}

	now := time.Now()
	stored := copyMigrationState(state)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.migrations[state.Name] = stored
	return true, copyMigrationState(stored), nil
}

func (s *memoryStore) ClaimMigrationState(_ context.Context, name string, version int, startedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.migrations[name]
	if !ok || !m.Status.Claimable() {
		return false, nil
	}
	at := startedAt
	m.Status = schema.MigrationStatusRunning
	m.Version = version
	m.StartedAt = &at
	m.CompletedAt = nil
	m.AffectedCount = 0
	m.Error = nil
	m.UpdatedAt = startedAt
	return true, nil
}

func (s *memoryStore) ReleaseMigrationState(_ context.Context, name string, startedBefore time.Time, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.migrations[name]
	if !ok || m.Status != schema.MigrationStatusRunning {
		return false, nil
	}
	if m.StartedAt != nil && !m.StartedAt.Before(startedBefore) {
		return false, nil
	}
	m.Status = schema.MigrationStatusFailed
	m.Error = &reason
	m.UpdatedAt = time.Now()
	return true, nil
}

func (s *memoryStore) GetMigrationState(_ context.Context, name string) (*schema.MigrationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.migrations[name]
	if !ok {
		return nil, nil
	}
	return copyMigrationState(m), nil
}

func (s *memoryStore) UpdateMigrationState(_ context.Context, name string, update MigrationStateUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.migrations[name]
	if !ok {
		return domain.ErrMigrationStateNotFound
	}
	if update.Version != 0 {
		m.Version = update.Version
	}
	if update.Status != "" {
		m.Status = update.Status
	}
	if update.StartedAt != nil {
		at := *update.StartedAt
		m.StartedAt = &at
	}
	if update.CompletedAt != nil {
		at := *update.CompletedAt
		m.CompletedAt = &at
	}
	if update.AffectedCount != nil {
		m.AffectedCount = *update.AffectedCount
	}
	if update.BackupSnapshot != nil {
		m.BackupSnapshot = datatypes.JSON(slices.Clone(update.BackupSnapshot))
	}
	if update.Error != nil {
		msg := *update.Error
		m.Error = &msg
	} else if update.ClearError {
		m.Error = nil
	}
	m.UpdatedAt = time.Now()
	return nil
}

func (s *memoryStore) AppendJournal(_ context.Context, input CreateJournalEntryInput) error {
	var meta datatypes.JSON
	if input.Meta != nil {
		raw, err := json.Marshal(input.Meta)
		if err != nil {
			return fmt.Errorf("failed to marshal journal meta: %w", err)
		}
		meta = datatypes.JSON(raw)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.journalSeq++
	entry := &schema.LedgerJournal{
		ID:             s.journalSeq,
		OwnerID:        input.OwnerID,
		TokenID:        input.TokenID,
		TransactionID:  input.TransactionID,
		EntryType:      input.EntryType,
		Classification: input.Classification,
		Severity:       input.Severity,
		Resolved:       input.Resolved,
		Meta:           meta,
		CreatedAt:      input.CreatedAt,
	}
	if input.Resolved {
		at := input.CreatedAt
		entry.ResolvedAt = &at
	}
	s.journal = append(s.journal, entry)
	return nil
}

func (s *memoryStore) GetJournal(_ context.Context, filter JournalFilter) ([]*schema.LedgerJournal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*schema.LedgerJournal, 0)
	for i := len(s.journal) - 1; i >= 0; i-- {
		e := s.journal[i]
		if filter.OwnerID != "" && e.OwnerID != filter.OwnerID {
			continue
		}
		if filter.EntryType != "" && e.EntryType != filter.EntryType {
			continue
		}
		if filter.UnresolvedOnly && e.Resolved {
			continue
		}
		c := *e
		out = append(out, &c)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *memoryStore) CountUnresolvedJournal(_ context.Context, ownerID string, severity schema.Severity) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, e := range s.journal {
		if e.OwnerID == ownerID && e.Severity == severity && !e.Resolved {
			count++
		}
	}
	return count, nil
}

func (s *memoryStore) ResolveJournalEntry(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.journal {
		if e.ID == id {
			resolvedAt := at
			e.Resolved = true
			e.ResolvedAt = &resolvedAt
			return nil
		}
	}
	return domain.Errorf(domain.ErrCodeNotFound, "journal entry %d not found", id)
}

// NewMemoryStoreWithTokens creates an in-memory store preloaded with records as given,
// including legacy statuses the write path no longer accepts
func NewMemoryStoreWithTokens(tokens ...*schema.Token) Store {
	s := &memoryStore{
		tokens:     make(map[string]*schema.Token, len(tokens)),
		migrations: make(map[string]*schema.MigrationState),
	}
	for _, t := range tokens {
		s.tokens[t.ID] = copyToken(t)
	}
	return s
}
