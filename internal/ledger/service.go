package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

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

// Config holds the melt service settings
type Config struct {
	// DefaultMintRef is used when a request names no mint
	DefaultMintRef string
	// MintTimeout bounds every mint call of a melt
	MintTimeout time.Duration
	// DuplicateWindow is how far back an identical operation is rejected
	DuplicateWindow time.Duration
}

// MeltRequest asks to pay an invoice from the owner's unspent records
type MeltRequest struct {
	OwnerID string
	Invoice string
	MintRef string
	// TransactionID is chosen by the caller and reused on retries
	TransactionID string
}

// MeltOutcome is returned to the calling layer after a paid melt
type MeltOutcome struct {
	TransactionID string                           `json:"transaction_id"`
	QuoteID       string                           `json:"quote_id"`
	PaymentResult domain.MeltQuoteState            `json:"payment_result"`
	PaidAmount    int64                            `json:"paid_amount"`
	FeesPaid      int64                            `json:"fees_paid"`
	ChangeAmount  int64                            `json:"change_amount"`
	Preimage      string                           `json:"preimage,omitempty"`
	AtomicResult  *MeltResult                      `json:"atomic_result"`
	PreFlight     *reconciliation.PreFlightResult  `json:"pre_flight,omitempty"`
	PostFlight    *reconciliation.PostFlightResult `json:"post_flight,omitempty"`
}

// Service is the ledger entry point used by the calling layer
type Service struct {
	cfg      Config
	store    store.Store
	guard    *Guard
	engine   *MeltEngine
	recon    *reconciliation.Engine
	mints    reconciliation.MintResolver
	monitor  *monitoring.Monitor
	alerter  alert.Alerter
	clock    adapter.Clock
	executor store.AtomicExecutor
}

// NewService wires a ledger service. The atomic executor is chosen from the store capability.
func NewService(
	cfg Config,
	st store.Store,
	recon *reconciliation.Engine,
	mints reconciliation.MintResolver,
	monitor *monitoring.Monitor,
	alerter alert.Alerter,
	jcs adapter.JCS,
	clock adapter.Clock,
) *Service {
	if cfg.MintTimeout <= 0 {
		cfg.MintTimeout = 30 * time.Second
	}
	executor := store.NewAtomicExecutor(st)
	guard := NewGuard(jcs, clock, cfg.DuplicateWindow)
	return &Service{
		cfg:      cfg,
		store:    st,
		guard:    guard,
		engine:   NewMeltEngine(executor, guard, clock),
		recon:    recon,
		mints:    mints,
		monitor:  monitor,
		alerter:  alerter,
		clock:    clock,
		executor: executor,
	}
}

// Engine returns the atomic melt engine
func (s *Service) Engine() *MeltEngine {
	return s.engine
}

// Balances returns {total, unspent, pending, spent} of the owner
func (s *Service) Balances(ctx context.Context, ownerID string) (domain.Balances, error) {
	if ownerID == "" {
		return domain.Balances{}, domain.NewError(domain.ErrCodeMissingMetadata, "owner_id is required")
	}
	return store.OwnerBalances(ctx, s.store, ownerID)
}

// Balance sums total_amount over the records matching filter
func (s *Service) Balance(ctx context.Context, filter store.BalanceFilter) (int64, error) {
	if filter.OwnerID == "" {
		return 0, domain.NewError(domain.ErrCodeMissingMetadata, "owner_id is required")
	}
	for _, st := range filter.Statuses {
		if !st.Valid() {
			return 0, domain.Errorf(domain.ErrCodeInvalidFormat, "unknown status %q", st)
		}
	}
	return s.store.GetBalance(ctx, filter)
}

// CreateToken records minted, received or sent proofs. Change records only come from melts.
func (s *Service) CreateToken(ctx context.Context, input store.CreateTokenInput) (*schema.Token, error) {
	if input.Metadata != nil && input.Metadata.Kind() == domain.TokenKindChange {
		return nil, domain.NewError(domain.ErrCodeInvariantViolation, "change records are created by melts only")
	}
	if input.ID == "" {
		input.ID = uuid.NewString()
	}
	if input.CreatedAt.IsZero() {
		input.CreatedAt = s.clock.Now()
	}

	var token *schema.Token
	err := s.executor.Execute(ctx, func(st store.Store) error {
		if err := s.guard.ValidateTransactionID(ctx, st, input.TransactionID); err != nil {
			return err
		}
		var err error
		token, err = st.CreateToken(ctx, input)
		return err
	})
	if err != nil {
		return nil, err
	}

	logger.InfoCtx(ctx, "Token record created",
		logger.OwnerID(token.OwnerID),
		logger.TransactionID(token.TransactionID),
		zap.String("kind", string(token.Kind)),
		zap.String("status", string(token.Status)),
		zap.Int64("amount", token.TotalAmount),
	)
	return token, nil
}

// TransitionStatus moves a record along the status state machine
func (s *Service) TransitionStatus(ctx context.Context, id string, to domain.TokenStatus) (*schema.Token, error) {
	token, err := s.store.GetTokenByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, domain.NewError(domain.ErrCodeNotFound, "token not found").WithDetail("token_id", id)
	}
	if !token.Status.CanTransitionTo(to) {
		return nil, domain.Errorf(domain.ErrCodeInvalidStatusTransition, "cannot move %s record to %s", token.Status, to).
			WithDetail("token_id", id)
	}

	ok, err := s.store.UpdateTokenStatus(ctx, id, token.Status, to, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.NewError(domain.ErrCodeConcurrentOperation, "record changed while updating").
			WithDetail("token_id", id)
	}
	return s.store.GetTokenByID(ctx, id)
}

// Melt pays an invoice from the owner's unspent records and records the change.
//
// The flow is quote, selection, pre-flight reconciliation, optional swap, payment, atomic
// commit and post-flight reconciliation. Nothing is written before the payment outcome is
// known unless a swap already consumed the sources at the mint.
func (s *Service) Melt(ctx context.Context, req MeltRequest) (*MeltOutcome, error) {
	var outcome *MeltOutcome
	err := s.monitor.Track(monitoring.CategoryMelt, func() error {
		var err error
		outcome, err = s.melt(ctx, req)
		return err
	})
	if err != nil && domain.RequiresManualIntervention(err) {
		s.escalate(ctx, req, err)
	}
	return outcome, err
}

func (s *Service) melt(ctx context.Context, req MeltRequest) (*MeltOutcome, error) {
	if req.OwnerID == "" {
		return nil, domain.NewError(domain.ErrCodeMissingMetadata, "owner_id is required")
	}
	if req.Invoice == "" {
		return nil, domain.NewError(domain.ErrCodeMissingMetadata, "invoice is required")
	}
	if req.MintRef == "" {
		req.MintRef = s.cfg.DefaultMintRef
	}
	if req.TransactionID == "" {
		// A generated id would make every retry look like a new operation
		return nil, domain.NewError(domain.ErrCodeMissingMetadata, "transaction_id is required")
	}
	// Checked again inside the atomic unit; this early check keeps a retried request from paying twice
	if err := s.guard.ValidateTransactionID(ctx, s.store, req.TransactionID); err != nil {
		return nil, err
	}

	client, err := s.mints.Get(req.MintRef)
	if err != nil {
		return nil, err
	}
	if err := s.recon.Gate(ctx, req.OwnerID); err != nil {
		return nil, err
	}

	quote, err := s.withTimeout(ctx, func(ctx context.Context) (*domain.MeltQuote, error) {
		return client.CreateMeltQuote(ctx, req.Invoice)
	})
	if err != nil {
		return nil, err
	}
	need := quote.Amount + quote.FeeReserve

	unspent, err := s.store.FindUnspent(ctx, req.OwnerID, req.MintRef)
	if err != nil {
		return nil, fmt.Errorf("failed to load unspent records: %w", err)
	}
	sources, err := SelectSources(unspent, need)
	if err != nil {
		return nil, err
	}

	preFlight, err := s.recon.PreFlight(ctx, req.OwnerID, req.MintRef, sources)
	if err != nil {
		return nil, err
	}

	// Taken after pre-flight so records it corrected are part of the baseline
	before, err := store.OwnerBalances(ctx, s.store, req.OwnerID)
	if err != nil {
		return nil, err
	}

	input := MeltInput{
		TransactionID:  req.TransactionID,
		OwnerID:        req.OwnerID,
		WalletRef:      sources[0].WalletRef,
		MintRef:        req.MintRef,
		Amount:         quote.Amount,
		QuoteID:        quote.QuoteID,
		SourceTokenIDs: tokenIDs(sources),
	}

	sendProofs := allProofs(sources)
	swapped := false
	if total := domain.SumProofs(sendProofs); total > need {
		split, err := s.withSwapTimeout(ctx, client, sendProofs, need)
		if err != nil {
			return nil, err
		}
		sendProofs = split.Send
		input.KeepProofs = split.Keep
		swapped = true
	}

	payCtx, cancel := context.WithTimeout(ctx, s.cfg.MintTimeout)
	payment, payErr := client.PayMeltQuote(payCtx, quote.QuoteID, sendProofs)
	cancel()

	switch {
	case payErr == nil && payment.Paid():
		input.MeltChangeProofs = payment.ChangeProofs
		result, err := s.engine.Execute(ctx, input)
		if err != nil {
			return nil, domain.WrapError(domain.ErrCodeCriticalPartialFailure,
				"payment succeeded but the ledger commit failed", err).
				WithDetail("quote_id", quote.QuoteID).
				WithDetail("transaction_id", req.TransactionID).
				WithManualIntervention()
		}

		outcome := &MeltOutcome{
			TransactionID: req.TransactionID,
			QuoteID:       quote.QuoteID,
			PaymentResult: payment.State,
			PaidAmount:    payment.PaidAmount,
			FeesPaid:      payment.FeesPaid,
			ChangeAmount:  result.KeepAmount + result.MeltChangeAmount,
			Preimage:      payment.Preimage,
			AtomicResult:  result,
			PreFlight:     preFlight,
		}
		outcome.PostFlight = s.recon.PostFlight(ctx, postFlightInput(req.OwnerID, before, result))
		return outcome, nil

	case isDefinitiveFailure(payment, payErr):
		if payErr == nil {
			if payment == nil {
				payErr = domain.NewError(domain.ErrCodePaymentFailed, "mint returned no payment result")
			} else {
				payErr = domain.Errorf(domain.ErrCodePaymentFailed, "mint reported quote %s", payment.State)
			}
		}
		if !swapped {
			return nil, payErr
		}

		// The swap consumed the sources at the mint: keep every returned proof
		input.KeepProofs = append(append([]domain.Proof(nil), input.KeepProofs...), sendProofs...)
		result, err := s.engine.Execute(ctx, input)
		if err != nil {
			return nil, domain.WrapError(domain.ErrCodeCriticalPartialFailure,
				"payment failed after swap and the replacement commit failed", err).
				WithDetail("quote_id", quote.QuoteID).
				WithDetail("transaction_id", req.TransactionID).
				WithManualIntervention()
		}
		s.recon.PostFlight(ctx, postFlightInput(req.OwnerID, before, result))
		return nil, payErr

	default:
		// Outcome unknown: the sent proofs are parked on a pending placeholder for recovery
		input.InFlight = &InFlightPayment{QuoteID: quote.QuoteID, Proofs: sendProofs}
		result, err := s.engine.Execute(ctx, input)
		if err != nil {
			return nil, domain.WrapError(domain.ErrCodeCriticalPartialFailure,
				"payment outcome unknown and the in-flight commit failed", err).
				WithDetail("quote_id", quote.QuoteID).
				WithDetail("transaction_id", req.TransactionID).
				WithManualIntervention()
		}
		s.recon.PostFlight(ctx, postFlightInput(req.OwnerID, before, result))

		timeoutErr := domain.NewError(domain.ErrCodeMintTimeout, "payment outcome unknown").
			WithDetail("quote_id", quote.QuoteID).
			WithDetail("transaction_id", req.TransactionID).
			WithManualIntervention()
		if payErr != nil {
			timeoutErr.Err = payErr
		}
		return nil, timeoutErr
	}
}

// isDefinitiveFailure reports whether the mint clearly did not pay
func isDefinitiveFailure(payment *domain.MeltPayment, err error) bool {
	if err != nil {
		return domain.CodeOf(err) == domain.ErrCodePaymentFailed
	}
	return payment == nil || payment.State == domain.MeltQuoteStateUnpaid
}

func (s *Service) withTimeout(ctx context.Context, fn func(ctx context.Context) (*domain.MeltQuote, error)) (*domain.MeltQuote, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.MintTimeout)
	defer cancel()
	return fn(callCtx)
}

func (s *Service) withSwapTimeout(ctx context.Context, client mint.Client, proofs []domain.Proof, amount int64) (*domain.SwapResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.MintTimeout)
	defer cancel()

	split, err := client.Swap(callCtx, proofs, amount)
	if err != nil {
		if domain.CodeOf(err) == domain.ErrCodeMintTimeout || errors.Is(err, context.DeadlineExceeded) {
			// The mint may have consumed the inputs; the next pre-flight will surface it
			return nil, domain.WrapError(domain.ErrCodeMintTimeout, "swap outcome unknown", err).WithManualIntervention()
		}
		return nil, err
	}
	if domain.SumProofs(split.Send) != amount {
		return nil, domain.Errorf(domain.ErrCodeInvariantViolation,
			"swap returned %d, requested %d", domain.SumProofs(split.Send), amount).WithManualIntervention()
	}
	return split, nil
}

func (s *Service) escalate(ctx context.Context, req MeltRequest, err error) {
	var le *domain.LedgerError
	if !errors.As(err, &le) || le.Code == domain.ErrCodeHighSeverityDiscrepancies {
		// reconciliation alerts on its own findings
		return
	}

	alertType := alert.TypeManualIntervention
	if le.Code == domain.ErrCodeCriticalPartialFailure {
		alertType = alert.TypeCriticalFailure
	}

	fields := map[string]string{"owner_id": req.OwnerID, "code": string(le.Code)}
	for k, v := range le.Details {
		fields[k] = v
	}

	logger.ErrorCtx(ctx, err, logger.OwnerID(req.OwnerID), zap.String("code", string(le.Code)))
	if sendErr := s.alerter.Send(ctx, alert.Alert{
		Type:     alertType,
		Severity: alert.SeverityCritical,
		Title:    "Melt requires manual intervention",
		Message:  le.Error(),
		Key:      req.OwnerID,
		Fields:   fields,
	}); sendErr != nil {
		logger.WarnCtx(ctx, "Failed to send alert", zap.Error(sendErr))
	}
}

// SelectSources picks unspent records in ascending amount order until they cover need
func SelectSources(unspent []*schema.Token, need int64) ([]*schema.Token, error) {
	var (
		selected []*schema.Token
		total    int64
	)
	for _, t := range unspent {
		if total >= need {
			break
		}
		if t.Status != domain.TokenStatusUnspent || t.TotalAmount <= 0 {
			continue
		}
		selected = append(selected, t)
		total += t.TotalAmount
	}
	if total < need || len(selected) == 0 {
		return nil, domain.Errorf(domain.ErrCodeInsufficientBalance, "need %d, available %d", need, total)
	}
	return selected, nil
}

func postFlightInput(ownerID string, before domain.Balances, r *MeltResult) reconciliation.PostFlightInput {
	var sourceIDs []string
	for _, op := range r.Operations {
		if op.Kind == OperationMarkSpent {
			sourceIDs = append(sourceIDs, op.TokenIDs...)
		}
	}
	return reconciliation.PostFlightInput{
		OwnerID:           ownerID,
		TransactionID:     r.TransactionID,
		Before:            before,
		SourceIDs:         sourceIDs,
		SpentAmount:       r.SpentAmount,
		KeepTokenID:       r.KeepTokenID,
		KeepAmount:        r.KeepAmount,
		MeltChangeTokenID: r.MeltChangeTokenID,
		MeltChangeAmount:  r.MeltChangeAmount,
	}
}

func tokenIDs(tokens []*schema.Token) []string {
	ids := make([]string, len(tokens))
	for i, t := range tokens {
		ids[i] = t.ID
	}
	return ids
}

func allProofs(tokens []*schema.Token) []domain.Proof {
	var out []domain.Proof
	for _, t := range tokens {
		out = append(out, t.Proofs...)
	}
	return out
}
