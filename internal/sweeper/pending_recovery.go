package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/feral-file/ff-ecash-ledger/internal/adapter"
	"github.com/feral-file/ff-ecash-ledger/internal/alert"
	"github.com/feral-file/ff-ecash-ledger/internal/domain"
	"github.com/feral-file/ff-ecash-ledger/internal/logger"
	"github.com/feral-file/ff-ecash-ledger/internal/mint"
	"github.com/feral-file/ff-ecash-ledger/internal/monitoring"
	"github.com/feral-file/ff-ecash-ledger/internal/reconciliation"
	"github.com/feral-file/ff-ecash-ledger/internal/store"
	"github.com/feral-file/ff-ecash-ledger/internal/store/schema"
)

// Action is what the recovery sweeper did with a pending record
type Action string

const (
	// ActionMarkedSpent moved the record to spent because the mint consumed its proofs
	ActionMarkedSpent Action = "marked_spent"
	// ActionReturnedUnspent moved the record back to unspent because the mint never consumed its proofs
	ActionReturnedUnspent Action = "returned_unspent"
	// ActionRecoveredInFlight returned the proofs of an unpaid melt to the wallet as a change record
	ActionRecoveredInFlight Action = "recovered_in_flight"
	// ActionRetryLater left the record pending because the mint has no final answer yet
	ActionRetryLater Action = "retry_later"
	// ActionSkipped found the record already moved by someone else
	ActionSkipped Action = "skipped"
	// ActionFailed marked the record with a failed recovery state and alerted
	ActionFailed Action = "failed"
)

// PendingRecoveryConfig holds configuration for the pending recovery sweeper
type PendingRecoveryConfig struct {
	BatchSize      int           // Records to examine per cycle
	WorkerPoolSize int           // Concurrent workers
	PendingAge     time.Duration // Only records pending longer than this are examined
	Interval       time.Duration // Sleep between cycles
	MintTimeout    time.Duration // Per mint call
	RetryInitial   time.Duration // First backoff interval for transient mint errors
	RetryMaxTotal  time.Duration // Total retry time per record within one cycle
}

// DefaultPendingRecoveryConfig returns the default configuration
func DefaultPendingRecoveryConfig() PendingRecoveryConfig {
	return PendingRecoveryConfig{
		BatchSize:      100,
		WorkerPoolSize: 4,
		PendingAge:     10 * time.Minute,
		Interval:       5 * time.Minute,
		MintTimeout:    10 * time.Second,
		RetryInitial:   2 * time.Second,
		RetryMaxTotal:  time.Minute,
	}
}

// CycleResult counts what one cycle did
type CycleResult struct {
	Examined int            `json:"examined"`
	Actions  map[Action]int `json:"actions"`
}

// PendingRecoverySweeper completes pending records left behind by interrupted operations.
// The mint is the source of truth: records move only to the state the mint reports.
type PendingRecoverySweeper struct {
	config   PendingRecoveryConfig
	store    store.Store
	executor store.AtomicExecutor
	mints    reconciliation.MintResolver
	monitor  *monitoring.Monitor
	alerter  alert.Alerter
	clock    adapter.Clock

	running   atomic.Bool
	stopChan  chan struct{}
	stoppedCh chan struct{}
}

// NewPendingRecoverySweeper creates a new pending recovery sweeper
func NewPendingRecoverySweeper(
	config PendingRecoveryConfig,
	st store.Store,
	mints reconciliation.MintResolver,
	monitor *monitoring.Monitor,
	alerter alert.Alerter,
	clock adapter.Clock,
) *PendingRecoverySweeper {
	return &PendingRecoverySweeper{
		config:    config,
		store:     st,
		executor:  store.NewAtomicExecutor(st),
		mints:     mints,
		monitor:   monitor,
		alerter:   alerter,
		clock:     clock,
		stopChan:  make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Name returns the sweeper's name
func (s *PendingRecoverySweeper) Name() string {
	return "pending-recovery-sweeper"
}

// Start runs recovery cycles until the context is canceled or Stop is called
func (s *PendingRecoverySweeper) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("sweeper already running")
	}
	defer func() {
		s.running.Store(false)
		close(s.stoppedCh)
	}()

	logger.InfoCtx(ctx, "Starting pending recovery sweeper",
		zap.Int("batch_size", s.config.BatchSize),
		zap.Int("worker_pool_size", s.config.WorkerPoolSize),
		zap.Duration("pending_age", s.config.PendingAge),
		zap.Duration("interval", s.config.Interval),
	)

	for {
		select {
		case <-ctx.Done():
			logger.InfoCtx(ctx, "Pending recovery sweeper stopping due to context cancellation", zap.Error(ctx.Err()))
			return nil
		case <-s.stopChan:
			logger.InfoCtx(ctx, "Pending recovery sweeper stop requested")
			return nil
		default:
			if _, err := s.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.ErrorCtx(ctx, err)
			}
			if !s.sleep(ctx, s.config.Interval) {
				return nil
			}
		}
	}
}

// Stop gracefully stops the sweeper
func (s *PendingRecoverySweeper) Stop(ctx context.Context) error {
	if !s.running.Load() {
		return nil
	}

	logger.InfoCtx(ctx, "Stopping pending recovery sweeper")
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}

	select {
	case <-s.stoppedCh:
		logger.InfoCtx(ctx, "Pending recovery sweeper stopped gracefully")
		return nil
	case <-ctx.Done():
		logger.WarnCtx(ctx, "Pending recovery sweeper stop interrupted by context timeout")
		return ctx.Err()
	}
}

func (s *PendingRecoverySweeper) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-s.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	case <-s.stopChan:
		return false
	}
}

// RunCycle examines one batch of stale pending records
func (s *PendingRecoverySweeper) RunCycle(ctx context.Context) (*CycleResult, error) {
	startTime := s.clock.Now()

	tokens, err := s.store.GetStalePendingTokens(ctx, startTime.Add(-s.config.PendingAge), s.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to get stale pending records: %w", err)
	}

	result := &CycleResult{Examined: len(tokens), Actions: make(map[Action]int)}
	if len(tokens) == 0 {
		logger.DebugCtx(ctx, "No stale pending records")
		return result, nil
	}

	logger.InfoCtx(ctx, "Found stale pending records", zap.Int("count", len(tokens)))

	var mu sync.Mutex
	pool := pond.NewPool(
		s.config.WorkerPoolSize,
		pond.WithQueueSize(len(tokens)),
		pond.WithContext(ctx),
	)
	for _, token := range tokens {
		pool.Submit(func() {
			action := s.recoverWithRetry(ctx, token)
			mu.Lock()
			result.Actions[action]++
			mu.Unlock()
		})
	}
	pool.StopAndWait()

	logger.InfoCtx(ctx, "Recovery cycle completed",
		zap.Duration("duration", s.clock.Since(startTime)),
		zap.Int("examined", result.Examined),
		zap.Any("actions", result.Actions),
	)
	return result, nil
}

// recoverWithRetry retries transient failures with backoff. Permanent failures mark the record.
func (s *PendingRecoverySweeper) recoverWithRetry(ctx context.Context, token *schema.Token) Action {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.RetryInitial
	b.MaxInterval = s.config.RetryMaxTotal
	b.MaxElapsedTime = s.config.RetryMaxTotal
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.5

	var (
		action       Action
		attemptCount int
	)
	operation := func() error {
		var err error
		action, err = s.recoverToken(ctx, token)
		if err != nil && isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notifyOnError := func(err error, d time.Duration) {
		attemptCount++
		logger.WarnCtx(ctx, "Pending record recovery failed, retrying",
			zap.String("token_id", token.ID),
			zap.Error(err),
			zap.Int("attempt", attemptCount),
			zap.Duration("next_retry_in", d),
		)
	}

	var err error
	_ = s.monitor.Track(monitoring.CategoryRecovery, func() error {
		err = backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notifyOnError)
		return err
	})
	if err == nil {
		return action
	}
	if ctx.Err() != nil {
		return ActionRetryLater
	}
	if !isPermanent(err) {
		logger.ErrorCtx(ctx, fmt.Errorf("pending record recovery gave up for this cycle: %w", err),
			zap.String("token_id", token.ID),
			zap.Int("attempts", attemptCount+1),
		)
		return ActionRetryLater
	}

	s.markFailed(ctx, token, err)
	return ActionFailed
}

// isPermanent reports whether retrying cannot change the outcome
func isPermanent(err error) bool {
	code := domain.CodeOf(err)
	if code == "" {
		return false
	}
	switch code.Category() {
	case domain.ErrorCategoryExternal, domain.ErrorCategoryConcurrency:
		return false
	}
	return true
}

// recoverToken decides a single record from the mint's answer
func (s *PendingRecoverySweeper) recoverToken(ctx context.Context, token *schema.Token) (Action, error) {
	client, err := s.mints.Get(token.MintRef)
	if err != nil {
		return "", domain.WrapError(domain.ErrCodeNotFound, "mint of pending record is not configured", err).
			WithDetail("mint", token.MintRef)
	}

	meta, err := domain.DecodeMetadata(token.Kind, token.Metadata)
	if err != nil {
		return "", domain.WrapError(domain.ErrCodeMissingMetadata, "pending record metadata is unreadable", err)
	}

	if sent, ok := meta.(domain.SentMetadata); ok && len(sent.InFlightProofs) > 0 {
		return s.recoverInFlight(ctx, client, token, sent)
	}
	if len(token.Proofs) == 0 {
		return "", domain.NewError(domain.ErrCodeInvariantViolation, "pending record holds no proofs to check")
	}
	if quoteID := domain.QuoteIDOf(meta); quoteID != "" {
		return s.recoverByQuote(ctx, client, token, quoteID)
	}
	return s.recoverByProofStates(ctx, client, token)
}

// recoverInFlight settles the placeholder of a melt whose payment outcome was unknown
func (s *PendingRecoverySweeper) recoverInFlight(ctx context.Context, client mint.Client, token *schema.Token, meta domain.SentMetadata) (Action, error) {
	quote, err := s.checkQuote(ctx, client, meta.QuoteID)
	if err != nil {
		return "", err
	}

	switch quote.State {
	case domain.MeltQuoteStatePaid:
		journalMeta := map[string]any{
			"quote_id":       meta.QuoteID,
			"in_flight":      meta.InFlightAmount,
			"parent_tx":      meta.ParentTransactionID,
			"operation_hash": meta.OperationHash,
		}
		if len(quote.Change) == 0 {
			return s.transition(ctx, token, domain.TokenStatusSpent, "IN_FLIGHT_PAID", journalMeta)
		}
		return s.settlePaidWithChange(ctx, token, meta, quote.Change, journalMeta)
	case domain.MeltQuoteStatePending:
		return ActionRetryLater, nil
	case domain.MeltQuoteStateUnpaid:
	default:
		return "", domain.Errorf(domain.ErrCodeInvariantViolation, "unknown quote state %q", quote.State)
	}

	// Unpaid: the mint must confirm the proofs are still live before they return to the wallet
	states, err := s.proofStates(ctx, client, meta.InFlightProofs)
	if err != nil {
		return "", err
	}
	if agreed, ok := uniformState(meta.InFlightProofs, states); !ok || agreed != domain.ProofStateUnspent {
		return "", domain.NewError(domain.ErrCodeInvariantViolation, "quote is unpaid but in-flight proofs are not all unspent at the mint").
			WithDetail("quote_id", meta.QuoteID)
	}

	now := s.clock.Now()
	recovered := store.CreateTokenInput{
		ID:        uuid.NewString(),
		OwnerID:   token.OwnerID,
		WalletRef: token.WalletRef,
		MintRef:   token.MintRef,
		Proofs:    meta.InFlightProofs,
		Status:    domain.TokenStatusUnspent,
		Metadata: domain.ChangeMetadata{
			ParentTransactionID: meta.ParentTransactionID,
			OperationHash:       meta.OperationHash,
			Source:              domain.ChangeSourceKeep,
			QuoteID:             meta.QuoteID,
		},
		TransactionID: meta.ParentTransactionID + domain.RecoveredSuffix,
		CreatedAt:     now,
	}

	action := ActionRecoveredInFlight
	err = s.executor.Execute(ctx, func(st store.Store) error {
		moved, err := st.UpdateTokenStatus(ctx, token.ID, domain.TokenStatusPending, domain.TokenStatusSpent, now)
		if err != nil {
			return err
		}
		if !moved {
			action = ActionSkipped
			return nil
		}
		if _, err := st.CreateToken(ctx, recovered); err != nil {
			return fmt.Errorf("failed to create recovered record: %w", err)
		}
		return s.journal(ctx, st, token, "IN_FLIGHT_UNPAID", map[string]any{
			"quote_id":           meta.QuoteID,
			"recovered_token_id": recovered.ID,
			"recovered_amount":   domain.SumProofs(meta.InFlightProofs),
			"parent_tx":          meta.ParentTransactionID,
		})
	})
	if err != nil {
		return "", err
	}

	if action == ActionRecoveredInFlight {
		logger.InfoCtx(ctx, "Returned in-flight proofs of unpaid melt",
			logger.OwnerID(token.OwnerID),
			logger.TransactionID(meta.ParentTransactionID),
			zap.String("quote_id", meta.QuoteID),
			zap.Int64("amount", domain.SumProofs(meta.InFlightProofs)),
		)
	}
	return action, nil
}

// settlePaidWithChange marks the placeholder spent and records the fee reserve change
// the mint returned, the same way a melt records its _melt_change
func (s *PendingRecoverySweeper) settlePaidWithChange(ctx context.Context, token *schema.Token, meta domain.SentMetadata, change []domain.Proof, journalMeta map[string]any) (Action, error) {
	now := s.clock.Now()
	changeInput := store.CreateTokenInput{
		ID:        uuid.NewString(),
		OwnerID:   token.OwnerID,
		WalletRef: token.WalletRef,
		MintRef:   token.MintRef,
		Proofs:    change,
		Status:    domain.TokenStatusUnspent,
		Metadata: domain.ChangeMetadata{
			ParentTransactionID: meta.ParentTransactionID,
			OperationHash:       meta.OperationHash,
			Source:              domain.ChangeSourceMeltChange,
			QuoteID:             meta.QuoteID,
		},
		TransactionID: meta.ParentTransactionID + domain.MeltChangeSuffix,
		CreatedAt:     now,
	}

	action := ActionMarkedSpent
	err := s.executor.Execute(ctx, func(st store.Store) error {
		moved, err := st.UpdateTokenStatus(ctx, token.ID, domain.TokenStatusPending, domain.TokenStatusSpent, now)
		if err != nil {
			return err
		}
		if !moved {
			action = ActionSkipped
			return nil
		}
		if _, err := st.CreateToken(ctx, changeInput); err != nil {
			return fmt.Errorf("failed to create melt change record: %w", err)
		}
		journalMeta["from"] = domain.TokenStatusPending
		journalMeta["to"] = domain.TokenStatusSpent
		journalMeta["change_token_id"] = changeInput.ID
		journalMeta["change_amount"] = domain.SumProofs(change)
		return s.journal(ctx, st, token, "IN_FLIGHT_PAID", journalMeta)
	})
	if err != nil {
		return "", err
	}

	if action == ActionMarkedSpent {
		logger.InfoCtx(ctx, "Settled paid in-flight melt with change",
			logger.OwnerID(token.OwnerID),
			logger.TransactionID(meta.ParentTransactionID),
			zap.String("quote_id", meta.QuoteID),
			zap.Int64("change", domain.SumProofs(change)),
		)
	}
	return action, nil
}

// recoverByQuote settles a pending record that carries its own proofs and a melt quote
func (s *PendingRecoverySweeper) recoverByQuote(ctx context.Context, client mint.Client, token *schema.Token, quoteID string) (Action, error) {
	quote, err := s.checkQuote(ctx, client, quoteID)
	if err != nil {
		return "", err
	}

	meta := map[string]any{"quote_id": quoteID, "quote_state": quote.State}
	switch quote.State {
	case domain.MeltQuoteStatePaid:
		return s.transition(ctx, token, domain.TokenStatusSpent, "QUOTE_PAID", meta)
	case domain.MeltQuoteStateUnpaid:
		return s.transition(ctx, token, domain.TokenStatusUnspent, "QUOTE_UNPAID", meta)
	case domain.MeltQuoteStatePending:
		return ActionRetryLater, nil
	default:
		return "", domain.Errorf(domain.ErrCodeInvariantViolation, "unknown quote state %q", quote.State)
	}
}

// recoverByProofStates settles a pending record from the mint state of its proofs
func (s *PendingRecoverySweeper) recoverByProofStates(ctx context.Context, client mint.Client, token *schema.Token) (Action, error) {
	proofs := []domain.Proof(token.Proofs)
	states, err := s.proofStates(ctx, client, proofs)
	if err != nil {
		return "", err
	}

	state, ok := uniformState(proofs, states)
	if !ok {
		return "", domain.NewError(domain.ErrCodeInvariantViolation, "proofs of pending record disagree at the mint")
	}

	meta := map[string]any{"mint_state": state, "proofs": len(proofs)}
	switch state {
	case domain.ProofStateSpent:
		return s.transition(ctx, token, domain.TokenStatusSpent, string(reconciliation.ClassDBPendingMintSpent), meta)
	case domain.ProofStateUnspent:
		return s.transition(ctx, token, domain.TokenStatusUnspent, string(reconciliation.ClassDBPendingMintUnspent), meta)
	default:
		return ActionRetryLater, nil
	}
}

// uniformState returns the state every proof shares. Proofs the mint does not report break uniformity.
func uniformState(proofs []domain.Proof, states map[string]domain.ProofState) (domain.ProofState, bool) {
	var agreed domain.ProofState
	for i, p := range proofs {
		st, ok := states[p.Secret]
		if !ok {
			return "", false
		}
		if i == 0 {
			agreed = st
			continue
		}
		if st != agreed {
			return "", false
		}
	}
	return agreed, agreed != ""
}

func (s *PendingRecoverySweeper) checkQuote(ctx context.Context, client mint.Client, quoteID string) (*domain.MeltQuote, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.config.MintTimeout)
	defer cancel()

	quote, err := client.CheckMeltQuote(callCtx, quoteID)
	if err != nil {
		return nil, fmt.Errorf("failed to check melt quote: %w", err)
	}
	if quote == nil {
		return nil, domain.NewError(domain.ErrCodeMintUnavailable, "mint returned no quote").WithDetail("quote_id", quoteID)
	}
	return quote, nil
}

func (s *PendingRecoverySweeper) proofStates(ctx context.Context, client mint.Client, proofs []domain.Proof) (map[string]domain.ProofState, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.config.MintTimeout)
	defer cancel()

	states, err := client.GetProofStates(callCtx, domain.Secrets(proofs))
	if err != nil {
		return nil, fmt.Errorf("failed to get proof states: %w", err)
	}
	return states, nil
}

// transition moves the record out of pending and journals the decision as one unit
func (s *PendingRecoverySweeper) transition(ctx context.Context, token *schema.Token, to domain.TokenStatus, classification string, meta map[string]any) (Action, error) {
	now := s.clock.Now()
	action := ActionMarkedSpent
	if to == domain.TokenStatusUnspent {
		action = ActionReturnedUnspent
	}

	err := s.executor.Execute(ctx, func(st store.Store) error {
		moved, err := st.UpdateTokenStatus(ctx, token.ID, domain.TokenStatusPending, to, now)
		if err != nil {
			return err
		}
		if !moved {
			action = ActionSkipped
			return nil
		}
		meta["from"] = domain.TokenStatusPending
		meta["to"] = to
		return s.journal(ctx, st, token, classification, meta)
	})
	if err != nil {
		return "", err
	}

	logger.InfoCtx(ctx, "Recovered pending record",
		logger.OwnerID(token.OwnerID),
		zap.String("token_id", token.ID),
		zap.String("action", string(action)),
		zap.String("classification", classification),
	)
	return action, nil
}

func (s *PendingRecoverySweeper) journal(ctx context.Context, st store.Store, token *schema.Token, classification string, meta map[string]any) error {
	tokenID := token.ID
	txID := token.TransactionID
	return st.AppendJournal(ctx, store.CreateJournalEntryInput{
		OwnerID:        token.OwnerID,
		TokenID:        &tokenID,
		TransactionID:  &txID,
		EntryType:      schema.JournalEntryTypeRecovery,
		Classification: classification,
		Severity:       schema.SeverityMedium,
		Resolved:       true,
		Meta:           meta,
		CreatedAt:      s.clock.Now(),
	})
}

// markFailed parks the record for an operator. It stays pending and leaves the sweep set.
func (s *PendingRecoverySweeper) markFailed(ctx context.Context, token *schema.Token, cause error) {
	logger.ErrorCtx(ctx, fmt.Errorf("pending record cannot be recovered: %w", cause),
		logger.OwnerID(token.OwnerID),
		zap.String("token_id", token.ID),
	)

	if err := s.store.SetRecoveryState(ctx, token.ID, schema.RecoveryStateFailed); err != nil {
		logger.ErrorCtx(ctx, fmt.Errorf("failed to set recovery state: %w", err), zap.String("token_id", token.ID))
	}

	tokenID := token.ID
	txID := token.TransactionID
	if err := s.store.AppendJournal(ctx, store.CreateJournalEntryInput{
		OwnerID:        token.OwnerID,
		TokenID:        &tokenID,
		TransactionID:  &txID,
		EntryType:      schema.JournalEntryTypeRecovery,
		Classification: "RECOVERY_FAILED",
		Severity:       schema.SeverityMedium,
		Meta:           map[string]any{"error": cause.Error()},
		CreatedAt:      s.clock.Now(),
	}); err != nil {
		logger.ErrorCtx(ctx, fmt.Errorf("failed to journal recovery failure: %w", err), zap.String("token_id", token.ID))
	}

	if err := s.alerter.Send(ctx, alert.Alert{
		Type:     alert.TypeRecoveryFailed,
		Severity: alert.SeverityCritical,
		Title:    "Pending record recovery failed",
		Message:  cause.Error(),
		Key:      token.ID,
		Fields: map[string]string{
			"owner_id":       token.OwnerID,
			"token_id":       token.ID,
			"transaction_id": token.TransactionID,
			"mint":           token.MintRef,
		},
	}); err != nil {
		logger.WarnCtx(ctx, "Failed to send alert", zap.Error(err))
	}
}
