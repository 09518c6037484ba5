package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/feral-file/ff-ecash-ledger/internal/domain"
	"github.com/feral-file/ff-ecash-ledger/internal/logger"
	"github.com/feral-file/ff-ecash-ledger/internal/store/schema"
)

// pgUniqueViolation is the SQLSTATE for unique constraint violations
const pgUniqueViolation = "23505"

// nonConsumingStatuses are the statuses whose records do not hold their secrets
var nonConsumingStatuses = []domain.TokenStatus{domain.TokenStatusSpent, domain.TokenStatusMelted}

type pgStore struct {
	db *gorm.DB
}

// NewPGStore creates a new PostgreSQL store instance
func NewPGStore(db *gorm.DB) Store {
	return &pgStore{db: db}
}

// ConfigureConnectionPool configures the connection pool settings for a GORM database connection.
// It accesses the underlying *sql.DB and sets the pool configuration.
// If any of the pool settings are 0 or empty, reasonable defaults are used:
//   - MaxOpenConns: 20 (if 0)
//   - MaxIdleConns: 5 (if 0)
//   - ConnMaxLifetime: 5 minutes (if 0)
//   - ConnMaxIdleTime: 10 minutes (if 0)
func ConfigureConnectionPool(db *gorm.DB, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime =
		NormalizeConnectionPoolSettings(maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime)

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	return nil
}

// NormalizeConnectionPoolSettings applies defaults and clamps pool settings into safe values.
//
// Defaults (when zero):
//   - MaxOpenConns: 20
//   - MaxIdleConns: 5
//   - ConnMaxLifetime: 5 minutes
//   - ConnMaxIdleTime: 10 minutes
//
// Notes:
//   - database/sql treats MaxOpenConns=0 as "unlimited"
//   - database/sql treats MaxIdleConns=0 as "no idle connections"
func NormalizeConnectionPoolSettings(maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (int, int, time.Duration, time.Duration) {
	if maxOpenConns == 0 {
		maxOpenConns = 20
	}
	if maxIdleConns == 0 {
		maxIdleConns = 5
	}
	if connMaxLifetime == 0 {
		connMaxLifetime = 5 * time.Minute
	}
	if connMaxIdleTime == 0 {
		connMaxIdleTime = 10 * time.Minute
	}

	// Ensure MaxIdleConns doesn't exceed MaxOpenConns
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}

	return maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime
}

// isUniqueViolation reports whether err is a unique constraint violation
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// WithTransaction runs fn inside a single database transaction
func (s *pgStore) WithTransaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&pgStore{db: tx})
	})
}

// CreateToken validates and persists a new token record
func (s *pgStore) CreateToken(ctx context.Context, input CreateTokenInput) (*schema.Token, error) {
	meta, err := validateTokenInput(input)
	if err != nil {
		return nil, err
	}

	token := &schema.Token{
		ID:            input.ID,
		OwnerID:       input.OwnerID,
		WalletRef:     input.WalletRef,
		MintRef:       input.MintRef,
		Proofs:        datatypes.JSONSlice[domain.Proof](input.Proofs),
		TotalAmount:   domain.SumProofs(input.Proofs),
		Status:        input.Status,
		Kind:          input.Metadata.Kind(),
		Metadata:      datatypes.JSON(meta),
		TransactionID: input.TransactionID,
		CreatedAt:     input.CreatedAt,
		UpdatedAt:     input.CreatedAt,
	}
	if token.Proofs == nil {
		token.Proofs = datatypes.JSONSlice[domain.Proof]{}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		secrets := domain.Secrets(input.Proofs)
		if len(secrets) > 0 {
			// Serialize concurrent writers of the same secrets until commit
			sorted := append([]string(nil), secrets...)
			sort.Strings(sorted)
			for _, secret := range sorted {
				if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtextextended(?, 0))", secret).Error; err != nil {
					return fmt.Errorf("failed to lock secret: %w", err)
				}
			}

			active, err := findActiveSecrets(tx, secrets)
			if err != nil {
				return err
			}
			if len(active) > 0 {
				return doubleIssuanceError(active)
			}
		}

		if err := tx.Create(token).Error; err != nil {
			if isUniqueViolation(err) {
				return domain.NewError(domain.ErrCodeDuplicateTransactionID, "transaction id already used").
					WithDetail("transaction_id", input.TransactionID)
			}
			return fmt.Errorf("failed to create token: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return token, nil
}

// GetTokenByID retrieves a token by its id
func (s *pgStore) GetTokenByID(ctx context.Context, id string) (*schema.Token, error) {
	var token schema.Token
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return &token, nil
}

// GetTokensByIDs retrieves tokens by ids
func (s *pgStore) GetTokensByIDs(ctx context.Context, ids []string) ([]*schema.Token, error) {
	if len(ids) == 0 {
		return []*schema.Token{}, nil
	}

	var tokens []*schema.Token
	err := s.db.WithContext(ctx).Where("id IN ?", ids).Order("id").Find(&tokens).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get tokens by ids: %w", err)
	}
	return tokens, nil
}

// LockTokens re-reads tokens with FOR UPDATE. Rows are locked in id order to avoid deadlocks.
func (s *pgStore) LockTokens(ctx context.Context, ids []string) ([]*schema.Token, error) {
	if len(ids) == 0 {
		return []*schema.Token{}, nil
	}

	var tokens []*schema.Token
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", ids).
		Order("id").
		Find(&tokens).Error
	if err != nil {
		return nil, fmt.Errorf("failed to lock tokens: %w", err)
	}
	return tokens, nil
}

// GetTokenByTransactionID retrieves a token by its transaction id
func (s *pgStore) GetTokenByTransactionID(ctx context.Context, transactionID string) (*schema.Token, error) {
	var token schema.Token
	err := s.db.WithContext(ctx).Where("transaction_id = ?", transactionID).First(&token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get token by transaction id: %w", err)
	}
	return &token, nil
}

// TransactionIDExists reports whether a record or a melt already used the transaction id
func (s *pgStore) TransactionIDExists(ctx context.Context, transactionID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&schema.Token{}).
		Where("transaction_id IN ? OR spent_transaction_id = ?",
			domain.MeltRecordIDs(transactionID),
			transactionID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check transaction id: %w", err)
	}
	return count > 0, nil
}

// FindTokenByOperationHash finds the latest record of the owner carrying the operation hash
func (s *pgStore) FindTokenByOperationHash(ctx context.Context, ownerID, operationHash string, since time.Time) (*schema.Token, error) {
	var token schema.Token
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Where("(metadata ->> 'operation_hash' = ? AND created_at >= ?) OR (spent_operation_hash = ? AND spent_at >= ?)",
			operationHash, since, operationHash, since).
		Order("updated_at DESC").
		First(&token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find token by operation hash: %w", err)
	}
	return &token, nil
}

// FindUnspent returns unspent tokens of the owner, smallest first
func (s *pgStore) FindUnspent(ctx context.Context, ownerID, mintRef string) ([]*schema.Token, error) {
	return s.findByStatus(ctx, ownerID, mintRef, domain.TokenStatusUnspent)
}

// FindPending returns pending tokens of the owner, smallest first
func (s *pgStore) FindPending(ctx context.Context, ownerID, mintRef string) ([]*schema.Token, error) {
	return s.findByStatus(ctx, ownerID, mintRef, domain.TokenStatusPending)
}

func (s *pgStore) findByStatus(ctx context.Context, ownerID, mintRef string, status domain.TokenStatus) ([]*schema.Token, error) {
	query := s.db.WithContext(ctx).
		Where("owner_id = ? AND status = ?", ownerID, status)
	if mintRef != "" {
		query = query.Where("mint_ref = ?", mintRef)
	}

	var tokens []*schema.Token
	err := query.Order("total_amount ASC, created_at ASC, id ASC").Find(&tokens).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find %s tokens: %w", status, err)
	}
	return tokens, nil
}

// FindActiveSecrets returns which of the given secrets are held by records not spent
func (s *pgStore) FindActiveSecrets(ctx context.Context, secrets []string) ([]string, error) {
	return findActiveSecrets(s.db.WithContext(ctx), secrets)
}

func findActiveSecrets(db *gorm.DB, secrets []string) ([]string, error) {
	if len(secrets) == 0 {
		return []string{}, nil
	}

	var active []string
	err := db.Raw(`
		SELECT DISTINCT p ->> 'secret'
		FROM tokens t, jsonb_array_elements(t.proofs) p
		WHERE t.status NOT IN ? AND p ->> 'secret' IN ?`,
		nonConsumingStatuses, secrets).
		Scan(&active).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find active secrets: %w", err)
	}
	return active, nil
}

// GetBalance sums total_amount over matching records
func (s *pgStore) GetBalance(ctx context.Context, filter BalanceFilter) (int64, error) {
	query := s.db.WithContext(ctx).Model(&schema.Token{})
	if filter.OwnerID != "" {
		query = query.Where("owner_id = ?", filter.OwnerID)
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if filter.MintRef != "" {
		query = query.Where("mint_ref = ?", filter.MintRef)
	}

	var total int64
	if err := query.Select("COALESCE(SUM(total_amount), 0)").Scan(&total).Error; err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return total, nil
}

// GetBalancesByStatus sums total_amount per status for an owner
func (s *pgStore) GetBalancesByStatus(ctx context.Context, ownerID string) (map[domain.TokenStatus]int64, error) {
	var rows []struct {
		Status domain.TokenStatus
		Total  int64
	}
	err := s.db.WithContext(ctx).
		Model(&schema.Token{}).
		Select("status, COALESCE(SUM(total_amount), 0) AS total").
		Where("owner_id = ?", ownerID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get balances by status: %w", err)
	}

	result := make(map[domain.TokenStatus]int64, len(rows))
	for _, row := range rows {
		result[row.Status] = row.Total
	}
	return result, nil
}

// MarkTokensSpent moves the given unspent tokens to spent
func (s *pgStore) MarkTokensSpent(ctx context.Context, input MarkSpentInput) (int64, error) {
	if len(input.TokenIDs) == 0 {
		return 0, nil
	}

	updates := map[string]interface{}{
		"status":     domain.TokenStatusSpent,
		"spent_at":   input.SpentAt,
		"updated_at": input.SpentAt,
	}
	if input.TransactionID != "" {
		updates["spent_transaction_id"] = input.TransactionID
	}
	if input.OperationHash != "" {
		updates["spent_operation_hash"] = input.OperationHash
	}

	result := s.db.WithContext(ctx).
		Model(&schema.Token{}).
		Where("id IN ? AND status = ?", input.TokenIDs, domain.TokenStatusUnspent).
		Updates(updates)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to mark tokens spent: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// UpdateTokenStatus moves a token from one status to another if it is still in from
func (s *pgStore) UpdateTokenStatus(ctx context.Context, id string, from, to domain.TokenStatus, at time.Time) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, domain.Errorf(domain.ErrCodeInvalidStatusTransition, "%s -> %s", from, to)
	}

	updates := map[string]interface{}{
		"status":     to,
		"updated_at": at,
	}
	if to == domain.TokenStatusSpent {
		// spent_at is written once and never overwritten
		updates["spent_at"] = gorm.Expr("COALESCE(spent_at, ?)", at)
	}

	result := s.db.WithContext(ctx).
		Model(&schema.Token{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("failed to update token status: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// SetRecoveryState marks a token with a recovery outcome
func (s *pgStore) SetRecoveryState(ctx context.Context, id string, state schema.RecoveryState) error {
	result := s.db.WithContext(ctx).
		Model(&schema.Token{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"recovery_state": state,
			"updated_at":     time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to set recovery state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrTokenNotFound
	}
	return nil
}

func (s *pgStore) stalePendingQuery(ctx context.Context, olderThan time.Time) *gorm.DB {
	return s.db.WithContext(ctx).
		Model(&schema.Token{}).
		Where("status = ? AND created_at < ? AND recovery_state IS NULL", domain.TokenStatusPending, olderThan)
}

// GetStalePendingTokens returns pending tokens created before olderThan, oldest first
func (s *pgStore) GetStalePendingTokens(ctx context.Context, olderThan time.Time, limit int) ([]*schema.Token, error) {
	var tokens []*schema.Token
	err := s.stalePendingQuery(ctx, olderThan).
		Order("created_at ASC").
		Limit(limit).
		Find(&tokens).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get stale pending tokens: %w", err)
	}
	return tokens, nil
}

// CountStalePendingTokens counts pending tokens created before olderThan
func (s *pgStore) CountStalePendingTokens(ctx context.Context, olderThan time.Time) (int64, error) {
	var count int64
	if err := s.stalePendingQuery(ctx, olderThan).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count stale pending tokens: %w", err)
	}
	return count, nil
}

// SnapshotTokensByStatus returns the restorable state of every token in status
func (s *pgStore) SnapshotTokensByStatus(ctx context.Context, status domain.TokenStatus) ([]TokenStateSnapshot, error) {
	var snapshots []TokenStateSnapshot
	err := s.db.WithContext(ctx).
		Model(&schema.Token{}).
		Select("id, owner_id, total_amount AS amount, status, spent_at").
		Where("status = ?", status).
		Order("id").
		Scan(&snapshots).Error
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot tokens: %w", err)
	}
	return snapshots, nil
}

// CountTokensByStatus counts tokens in status
func (s *pgStore) CountTokensByStatus(ctx context.Context, status domain.TokenStatus) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&schema.Token{}).
		Where("status = ?", status).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count tokens by status: %w", err)
	}
	return count, nil
}

// GetStatusImpactByOwner groups tokens in status by owner
func (s *pgStore) GetStatusImpactByOwner(ctx context.Context, status domain.TokenStatus) (map[string]OwnerImpact, error) {
	var rows []struct {
		OwnerID string
		Tokens  int64
		Amount  int64
	}
	err := s.db.WithContext(ctx).
		Model(&schema.Token{}).
		Select("owner_id, COUNT(*) AS tokens, COALESCE(SUM(total_amount), 0) AS amount").
		Where("status = ?", status).
		Group("owner_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get status impact by owner: %w", err)
	}

	result := make(map[string]OwnerImpact, len(rows))
	for _, row := range rows {
		result[row.OwnerID] = OwnerImpact{Tokens: row.Tokens, Amount: row.Amount}
	}
	return result, nil
}

// CorrectTokenStatus rewrites every token in from to to
func (s *pgStore) CorrectTokenStatus(ctx context.Context, from, to domain.TokenStatus, at time.Time) (int64, error) {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": at,
	}
	if to == domain.TokenStatusSpent {
		// Legacy rows were written when the proofs were consumed
		updates["spent_at"] = gorm.Expr("COALESCE(spent_at, created_at)")
	}

	result := s.db.WithContext(ctx).
		Model(&schema.Token{}).
		Where("status = ?", from).
		Updates(updates)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to correct token status: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// RestoreTokenStates writes back status and spent_at from snapshots
func (s *pgStore) RestoreTokenStates(ctx context.Context, snapshots []TokenStateSnapshot) (int64, error) {
	var restored int64
	for _, snap := range snapshots {
		result := s.db.WithContext(ctx).
			Model(&schema.Token{}).
			Where("id = ?", snap.ID).
			Updates(map[string]interface{}{
				"status":   snap.Status,
				"spent_at": snap.SpentAt,
			})
		if result.Error != nil {
			return restored, fmt.Errorf("failed to restore token %s: %w", snap.ID, result.Error)
		}
		restored += result.RowsAffected
	}
	return restored, nil
}

// CreateMigrationState inserts a migration state unless one exists
func (s *pgStore) CreateMigrationState(ctx context.Context, state *schema.MigrationState) (bool, *schema.MigrationState, error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(state)
	if result.Error != nil {
		return false, nil, fmt.Errorf("failed to create migration state: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return true, state, nil
	}

	existing, err := s.GetMigrationState(ctx, state.Name)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// ClaimMigrationState moves a claimable migration state to running
func (s *pgStore) ClaimMigrationState(ctx context.Context, name string, version int, startedAt time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&schema.MigrationState{}).
		Where("name = ? AND status IN ?", name, []schema.MigrationStatus{
			schema.MigrationStatusPending,
			schema.MigrationStatusFailed,
			schema.MigrationStatusRolledBack,
		}).
		Updates(map[string]interface{}{
			"status":         schema.MigrationStatusRunning,
			"version":        version,
			"started_at":     startedAt,
			"completed_at":   nil,
			"affected_count": 0,
			"error":          nil,
			"updated_at":     startedAt,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim migration state: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ReleaseMigrationState fails a running migration whose claim predates startedBefore
func (s *pgStore) ReleaseMigrationState(ctx context.Context, name string, startedBefore time.Time, reason string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&schema.MigrationState{}).
		Where("name = ? AND status = ? AND started_at < ?", name, schema.MigrationStatusRunning, startedBefore).
		Updates(map[string]interface{}{
			"status":     schema.MigrationStatusFailed,
			"error":      reason,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to release migration state: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// GetMigrationState retrieves a migration state
func (s *pgStore) GetMigrationState(ctx context.Context, name string) (*schema.MigrationState, error) {
	var state schema.MigrationState
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get migration state: %w", err)
	}
	return &state, nil
}

// UpdateMigrationState updates a migration state
func (s *pgStore) UpdateMigrationState(ctx context.Context, name string, update MigrationStateUpdate) error {
	updates := map[string]interface{}{
		"updated_at": time.Now(),
	}
	if update.Version != 0 {
		updates["version"] = update.Version
	}
	if update.Status != "" {
		updates["status"] = update.Status
	}
	if update.StartedAt != nil {
		updates["started_at"] = *update.StartedAt
	}
	if update.CompletedAt != nil {
		updates["completed_at"] = *update.CompletedAt
	}
	if update.AffectedCount != nil {
		updates["affected_count"] = *update.AffectedCount
	}
	if update.BackupSnapshot != nil {
		updates["backup_snapshot"] = datatypes.JSON(update.BackupSnapshot)
	}
	if update.Error != nil {
		updates["error"] = *update.Error
	} else if update.ClearError {
		updates["error"] = nil
	}

	result := s.db.WithContext(ctx).
		Model(&schema.MigrationState{}).
		Where("name = ?", name).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update migration state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrMigrationStateNotFound
	}
	return nil
}

// AppendJournal appends an entry to the ledger journal
func (s *pgStore) AppendJournal(ctx context.Context, input CreateJournalEntryInput) error {
	var meta datatypes.JSON
	if input.Meta != nil {
		raw, err := json.Marshal(input.Meta)
		if err != nil {
			return fmt.Errorf("failed to marshal journal meta: %w", err)
		}
		meta = datatypes.JSON(raw)
	}

	entry := &schema.LedgerJournal{
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

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}

	logger.DebugCtx(ctx, "Appended ledger journal entry",
		zap.String("owner_id", input.OwnerID),
		zap.String("entry_type", string(input.EntryType)),
		zap.String("classification", input.Classification),
	)
	return nil
}

// GetJournal lists journal entries, newest first
func (s *pgStore) GetJournal(ctx context.Context, filter JournalFilter) ([]*schema.LedgerJournal, error) {
	query := s.db.WithContext(ctx).Model(&schema.LedgerJournal{})
	if filter.OwnerID != "" {
		query = query.Where("owner_id = ?", filter.OwnerID)
	}
	if filter.EntryType != "" {
		query = query.Where("entry_type = ?", filter.EntryType)
	}
	if filter.UnresolvedOnly {
		query = query.Where("resolved = false")
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var entries []*schema.LedgerJournal
	if err := query.Order("id DESC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to get journal: %w", err)
	}
	return entries, nil
}

// CountUnresolvedJournal counts unresolved entries for an owner at the given severity
func (s *pgStore) CountUnresolvedJournal(ctx context.Context, ownerID string, severity schema.Severity) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&schema.LedgerJournal{}).
		Where("owner_id = ? AND severity = ? AND resolved = false", ownerID, severity).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count unresolved journal entries: %w", err)
	}
	return count, nil
}

// ResolveJournalEntry marks an entry resolved
func (s *pgStore) ResolveJournalEntry(ctx context.Context, id int64, at time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&schema.LedgerJournal{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"resolved":    true,
			"resolved_at": at,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to resolve journal entry: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.Errorf(domain.ErrCodeNotFound, "journal entry %d not found", id)
	}
	return nil
}
