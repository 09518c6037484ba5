package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/feral-file/ff-ecash-ledger/internal/adapter"
	"github.com/feral-file/ff-ecash-ledger/internal/alert"
	"github.com/feral-file/ff-ecash-ledger/internal/domain"
	"github.com/feral-file/ff-ecash-ledger/internal/logger"
	"github.com/feral-file/ff-ecash-ledger/internal/mint"
	"github.com/feral-file/ff-ecash-ledger/internal/monitoring"
	"github.com/feral-file/ff-ecash-ledger/internal/store"
	"github.com/feral-file/ff-ecash-ledger/internal/store/schema"
)

// DefaultMintCheckTimeout bounds the proof state queries of one reconciliation pass
const DefaultMintCheckTimeout = 10 * time.Second

// MintResolver returns the client of a mint
type MintResolver interface {
	Get(mintRef string) (mint.Client, error)
}

// Discrepancy is a proof whose local status disagrees with the mint
type Discrepancy struct {
	TokenID        string             `json:"token_id"`
	OwnerID        string             `json:"owner_id"`
	MintRef        string             `json:"mint_ref"`
	Secret         string             `json:"secret"`
	LocalStatus    domain.TokenStatus `json:"local_status"`
	MintState      domain.ProofState  `json:"mint_state,omitempty"`
	Classification Classification     `json:"classification"`
	Severity       schema.Severity    `json:"severity"`
}

// PreFlightResult is the outcome of a pre-flight pass
type PreFlightResult struct {
	Checked       int           `json:"checked"`
	Discrepancies []Discrepancy `json:"discrepancies"`
	// Resolved lists the token ids corrected from pending to spent
	Resolved []string `json:"resolved"`
}

// HighSeverity returns the high severity findings
func (r *PreFlightResult) HighSeverity() []Discrepancy {
	var out []Discrepancy
	for _, d := range r.Discrepancies {
		if d.Severity == schema.SeverityHigh {
			out = append(out, d)
		}
	}
	return out
}

// PostFlightInput describes a committed melt for verification
type PostFlightInput struct {
	OwnerID           string
	TransactionID     string
	Before            domain.Balances
	SourceIDs         []string
	SpentAmount       int64
	KeepTokenID       string
	KeepAmount        int64
	MeltChangeTokenID string
	MeltChangeAmount  int64
}

// PostFlightResult is the outcome of a post-flight pass
type PostFlightResult struct {
	Expected domain.Balances `json:"expected"`
	Actual   domain.Balances `json:"actual"`
	Findings []Finding       `json:"findings"`
}

// Consistent reports whether the post-flight found nothing
func (r *PostFlightResult) Consistent() bool {
	return len(r.Findings) == 0
}

// Finding is a post-flight mismatch
type Finding struct {
	Classification Classification  `json:"classification"`
	Severity       schema.Severity `json:"severity"`
	TokenID        string          `json:"token_id,omitempty"`
	Expected       int64           `json:"expected"`
	Actual         int64           `json:"actual"`
}

// Engine compares local records with the mint around state-changing operations
type Engine struct {
	store    store.Store
	executor store.AtomicExecutor
	mints    MintResolver
	alerter  alert.Alerter
	monitor  *monitoring.Monitor
	clock    adapter.Clock
	timeout  time.Duration
}

// NewEngine creates a reconciliation engine. A zero timeout uses DefaultMintCheckTimeout.
func NewEngine(
	st store.Store,
	executor store.AtomicExecutor,
	mints MintResolver,
	alerter alert.Alerter,
	monitor *monitoring.Monitor,
	clock adapter.Clock,
	timeout time.Duration,
) *Engine {
	if timeout <= 0 {
		timeout = DefaultMintCheckTimeout
	}
	return &Engine{
		store:    st,
		executor: executor,
		mints:    mints,
		alerter:  alerter,
		monitor:  monitor,
		clock:    clock,
		timeout:  timeout,
	}
}

// Gate fails with HIGH_SEVERITY_DISCREPANCIES while the owner has unresolved high severity findings
func (e *Engine) Gate(ctx context.Context, ownerID string) error {
	n, err := e.store.CountUnresolvedJournal(ctx, ownerID, schema.SeverityHigh)
	if err != nil {
		return fmt.Errorf("failed to count unresolved discrepancies: %w", err)
	}
	if n > 0 {
		return domain.Errorf(domain.ErrCodeHighSeverityDiscrepancies,
			"%d unresolved high severity discrepancies", n).
			WithDetail("owner_id", ownerID).
			WithManualIntervention()
	}
	return nil
}

// CheckProofStates asks the mints for the state of every proof of the given tokens and
// classifies each one. Mints are queried concurrently under the engine timeout.
func (e *Engine) CheckProofStates(ctx context.Context, tokens []*schema.Token) ([]Discrepancy, int, error) {
	byMint := make(map[string][]*schema.Token)
	for _, t := range tokens {
		byMint[t.MintRef] = append(byMint[t.MintRef], t)
	}

	mintRefs := make([]string, 0, len(byMint))
	for ref := range byMint {
		mintRefs = append(mintRefs, ref)
	}
	sort.Strings(mintRefs)

	states := make([]map[string]domain.ProofState, len(mintRefs))

	checkCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(checkCtx)
	for i, ref := range mintRefs {
		client, err := e.mints.Get(ref)
		if err != nil {
			return nil, 0, err
		}

		var secrets []string
		for _, t := range byMint[ref] {
			secrets = append(secrets, domain.Secrets(t.Proofs)...)
		}

		g.Go(func() error {
			s, err := client.GetProofStates(gctx, secrets)
			if err != nil {
				return err
			}
			states[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(checkCtx.Err(), context.DeadlineExceeded) && domain.CodeOf(err) == "" {
			return nil, 0, domain.WrapError(domain.ErrCodeMintTimeout, "proof state check timed out", err)
		}
		return nil, 0, err
	}

	var (
		out     []Discrepancy
		checked int
	)
	for i, ref := range mintRefs {
		for _, t := range byMint[ref] {
			for _, p := range t.Proofs {
				checked++
				state, known := states[i][p.Secret]
				class := Classify(t.Status, state, known)
				if class == ClassConsistent {
					continue
				}
				out = append(out, Discrepancy{
					TokenID:        t.ID,
					OwnerID:        t.OwnerID,
					MintRef:        t.MintRef,
					Secret:         p.Secret,
					LocalStatus:    t.Status,
					MintState:      state,
					Classification: class,
					Severity:       class.Severity(),
				})
			}
		}
	}
	return out, checked, nil
}

// PreFlight verifies the sources of an operation and the owner's pending records against the mint.
// High severity findings are journaled and fail the call before anything is changed.
// Pending records whose proofs are all spent at the mint are corrected to spent.
func (e *Engine) PreFlight(ctx context.Context, ownerID, mintRef string, sources []*schema.Token) (*PreFlightResult, error) {
	var result *PreFlightResult
	err := e.monitor.Track(monitoring.CategoryReconciliation, func() error {
		var err error
		result, err = e.preFlight(ctx, ownerID, mintRef, sources)
		return err
	})
	return result, err
}

func (e *Engine) preFlight(ctx context.Context, ownerID, mintRef string, sources []*schema.Token) (*PreFlightResult, error) {
	if err := e.Gate(ctx, ownerID); err != nil {
		return nil, err
	}

	pending, err := e.store.FindPending(ctx, ownerID, mintRef)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending records: %w", err)
	}

	tokens := make([]*schema.Token, 0, len(sources)+len(pending))
	tokens = append(tokens, sources...)
	tokens = append(tokens, pending...)

	found, checked, err := e.CheckProofStates(ctx, tokens)
	if err != nil {
		return nil, err
	}
	result := &PreFlightResult{Checked: checked, Discrepancies: found}

	if high := result.HighSeverity(); len(high) > 0 {
		for _, d := range high {
			if err := e.journalDiscrepancy(ctx, e.store, d, false); err != nil {
				return result, err
			}
		}
		e.sendAlert(ctx, alert.Alert{
			Type:     alert.TypeDiscrepancy,
			Severity: alert.SeverityCritical,
			Title:    "High severity ledger discrepancy",
			Message:  fmt.Sprintf("%d proofs are unspent locally but spent at the mint", len(high)),
			Key:      ownerID,
			Fields: map[string]string{
				"owner_id": ownerID,
				"count":    strconv.Itoa(len(high)),
			},
		})
		logger.WarnCtx(ctx, "Pre-flight blocked by high severity discrepancies",
			logger.OwnerID(ownerID),
			zap.Int("count", len(high)),
		)
		return result, domain.Errorf(domain.ErrCodeHighSeverityDiscrepancies,
			"%d high severity discrepancies found", len(high)).
			WithDetail("owner_id", ownerID).
			WithManualIntervention()
	}

	resolvable := resolvablePending(tokens, found)
	if len(resolvable) > 0 {
		now := e.clock.Now()
		err := e.executor.Execute(ctx, func(st store.Store) error {
			for _, id := range resolvable {
				ok, err := st.UpdateTokenStatus(ctx, id, domain.TokenStatusPending, domain.TokenStatusSpent, now)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				tokenID := id
				if err := st.AppendJournal(ctx, store.CreateJournalEntryInput{
					OwnerID:        ownerID,
					TokenID:        &tokenID,
					EntryType:      schema.JournalEntryTypeReconciliationAction,
					Classification: string(ClassDBPendingMintSpent),
					Severity:       schema.SeverityMedium,
					Resolved:       true,
					Meta: map[string]any{
						"from": domain.TokenStatusPending,
						"to":   domain.TokenStatusSpent,
					},
					CreatedAt: now,
				}); err != nil {
					return err
				}
				result.Resolved = append(result.Resolved, id)
			}
			return nil
		})
		if err != nil {
			return result, fmt.Errorf("failed to resolve pending records: %w", err)
		}
		logger.InfoCtx(ctx, "Corrected pending records spent at the mint",
			logger.OwnerID(ownerID),
			zap.Int("count", len(result.Resolved)),
		)
	}

	resolved := make(map[string]bool, len(result.Resolved))
	for _, id := range result.Resolved {
		resolved[id] = true
	}
	unresolvedMedium := 0
	for _, d := range found {
		switch {
		case d.Severity == schema.SeverityLow:
		case d.Severity == schema.SeverityMedium && !resolved[d.TokenID]:
			// e.g. a pending record only partly spent at the mint
			unresolvedMedium++
		default:
			continue
		}
		if err := e.journalDiscrepancy(ctx, e.store, d, false); err != nil {
			return result, err
		}
	}
	if unresolvedMedium > 0 {
		logger.WarnCtx(ctx, "Pre-flight left medium discrepancies unresolved",
			logger.OwnerID(ownerID),
			zap.Int("count", unresolvedMedium),
		)
	}

	return result, nil
}

// resolvablePending returns pending token ids whose every proof is spent at the mint
func resolvablePending(tokens []*schema.Token, found []Discrepancy) []string {
	spentProofs := make(map[string]int)
	for _, d := range found {
		if d.Classification == ClassDBPendingMintSpent {
			spentProofs[d.TokenID]++
		}
	}

	var ids []string
	seen := make(map[string]bool)
	for _, t := range tokens {
		if seen[t.ID] || t.Status != domain.TokenStatusPending {
			continue
		}
		seen[t.ID] = true
		if n := spentProofs[t.ID]; n > 0 && n == len(t.Proofs) {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// PostFlight verifies a committed melt. Findings are journaled and alerted but never returned as errors.
func (e *Engine) PostFlight(ctx context.Context, in PostFlightInput) *PostFlightResult {
	result := &PostFlightResult{
		Expected: domain.Balances{
			Unspent: in.Before.Unspent - in.SpentAmount + in.KeepAmount + in.MeltChangeAmount,
			Pending: in.Before.Pending,
			Spent:   in.Before.Spent + in.SpentAmount,
		},
	}
	result.Expected.Total = result.Expected.Unspent + result.Expected.Pending + result.Expected.Spent

	if err := e.postFlight(ctx, in, result); err != nil {
		logger.WarnCtx(ctx, "Post-flight verification incomplete",
			logger.OwnerID(in.OwnerID),
			logger.TransactionID(in.TransactionID),
			zap.Error(err),
		)
		return result
	}

	if result.Consistent() {
		return result
	}

	now := e.clock.Now()
	txID := in.TransactionID
	high := 0
	for _, f := range result.Findings {
		if f.Severity == schema.SeverityHigh {
			high++
		}
		input := store.CreateJournalEntryInput{
			OwnerID:        in.OwnerID,
			TransactionID:  &txID,
			EntryType:      schema.JournalEntryTypeDiscrepancy,
			Classification: string(f.Classification),
			Severity:       f.Severity,
			Meta: map[string]any{
				"expected": f.Expected,
				"actual":   f.Actual,
				"phase":    "post_flight",
			},
			CreatedAt: now,
		}
		if f.TokenID != "" {
			tokenID := f.TokenID
			input.TokenID = &tokenID
		}
		if err := e.store.AppendJournal(ctx, input); err != nil {
			logger.WarnCtx(ctx, "Failed to journal post-flight finding", zap.Error(err))
		}
	}

	severity := alert.SeverityWarning
	if high > 0 {
		severity = alert.SeverityCritical
	}
	e.sendAlert(ctx, alert.Alert{
		Type:     alert.TypeDiscrepancy,
		Severity: severity,
		Title:    "Post-flight balance mismatch",
		Message:  fmt.Sprintf("%d findings after melt %s", len(result.Findings), in.TransactionID),
		Key:      in.OwnerID,
		Fields: map[string]string{
			"owner_id":         in.OwnerID,
			"transaction_id":   in.TransactionID,
			"expected_unspent": strconv.FormatInt(result.Expected.Unspent, 10),
			"actual_unspent":   strconv.FormatInt(result.Actual.Unspent, 10),
		},
	})
	return result
}

func (e *Engine) postFlight(ctx context.Context, in PostFlightInput, result *PostFlightResult) error {
	actual, err := store.OwnerBalances(ctx, e.store, in.OwnerID)
	if err != nil {
		return err
	}
	result.Actual = actual

	sources, err := e.store.GetTokensByIDs(ctx, in.SourceIDs)
	if err != nil {
		return err
	}
	got := make(map[string]*schema.Token, len(sources))
	for _, t := range sources {
		got[t.ID] = t
	}
	for _, id := range in.SourceIDs {
		t := got[id]
		if t == nil || t.Status != domain.TokenStatusSpent ||
			t.SpentTransactionID == nil || *t.SpentTransactionID != in.TransactionID {
			var amount int64
			if t != nil {
				amount = t.TotalAmount
			}
			result.Findings = append(result.Findings, Finding{
				Classification: ClassSourceNotSpent,
				Severity:       ClassSourceNotSpent.Severity(),
				TokenID:        id,
				Expected:       amount,
			})
		}
	}

	for _, c := range []struct {
		id     string
		amount int64
	}{
		{in.KeepTokenID, in.KeepAmount},
		{in.MeltChangeTokenID, in.MeltChangeAmount},
	} {
		if c.id == "" {
			continue
		}
		t, err := e.store.GetTokenByID(ctx, c.id)
		if err != nil {
			return err
		}
		if t == nil || t.TotalAmount != c.amount || t.Status != domain.TokenStatusUnspent {
			var actualAmount int64
			if t != nil {
				actualAmount = t.TotalAmount
			}
			result.Findings = append(result.Findings, Finding{
				Classification: ClassChangeRecordMissing,
				Severity:       ClassChangeRecordMissing.Severity(),
				TokenID:        c.id,
				Expected:       c.amount,
				Actual:         actualAmount,
			})
		}
	}

	if actual.Unspent != result.Expected.Unspent {
		result.Findings = append(result.Findings, Finding{
			Classification: ClassBalanceDeltaMismatch,
			Severity:       ClassBalanceDeltaMismatch.Severity(),
			Expected:       result.Expected.Unspent,
			Actual:         actual.Unspent,
		})
	}
	if actual.Spent != result.Expected.Spent {
		result.Findings = append(result.Findings, Finding{
			Classification: ClassBalanceDeltaMismatch,
			Severity:       ClassBalanceDeltaMismatch.Severity(),
			Expected:       result.Expected.Spent,
			Actual:         actual.Spent,
		})
	}
	return nil
}

// ResolveJournalEntry marks a finding resolved so it no longer gates the owner
func (e *Engine) ResolveJournalEntry(ctx context.Context, id int64) error {
	if err := e.store.ResolveJournalEntry(ctx, id, e.clock.Now()); err != nil {
		return err
	}
	logger.InfoCtx(ctx, "Resolved journal entry", zap.Int64("id", id))
	return nil
}

func (e *Engine) journalDiscrepancy(ctx context.Context, st store.Store, d Discrepancy, resolved bool) error {
	tokenID := d.TokenID
	err := st.AppendJournal(ctx, store.CreateJournalEntryInput{
		OwnerID:        d.OwnerID,
		TokenID:        &tokenID,
		EntryType:      schema.JournalEntryTypeDiscrepancy,
		Classification: string(d.Classification),
		Severity:       d.Severity,
		Resolved:       resolved,
		Meta: map[string]any{
			"secret":       domain.Redact(d.Secret),
			"local_status": d.LocalStatus,
			"mint_state":   d.MintState,
			"mint_ref":     d.MintRef,
		},
		CreatedAt: e.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to journal discrepancy: %w", err)
	}
	return nil
}

func (e *Engine) sendAlert(ctx context.Context, a alert.Alert) {
	if err := e.alerter.Send(ctx, a); err != nil {
		logger.WarnCtx(ctx, "Failed to send alert", zap.String("type", string(a.Type)), zap.Error(err))
	}
}
