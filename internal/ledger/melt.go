package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/feral-file/ff-ecash-ledger/internal/adapter"
	"github.com/feral-file/ff-ecash-ledger/internal/domain"
	"github.com/feral-file/ff-ecash-ledger/internal/logger"
	"github.com/feral-file/ff-ecash-ledger/internal/store"
)

// InFlightPayment describes proofs handed to the mint whose payment outcome is unknown
type InFlightPayment struct {
	QuoteID string
	Proofs  []domain.Proof
}

// MeltInput is one melt unit of work
type MeltInput struct {
	TransactionID  string
	OwnerID        string
	WalletRef      string
	MintRef        string
	Amount         int64
	QuoteID        string
	SourceTokenIDs []string
	// KeepProofs are leftover proofs kept by the wallet
	KeepProofs []domain.Proof
	// MeltChangeProofs are returned by the mint from its fee reserve
	MeltChangeProofs []domain.Proof
	// InFlight records an unsettled payment as a pending placeholder
	InFlight *InFlightPayment
}

// OperationKind names one step of a committed melt
type OperationKind string

const (
	OperationMarkSpent        OperationKind = "mark_spent"
	OperationCreateKeep       OperationKind = "create_keep"
	OperationCreateMeltChange OperationKind = "create_melt_change"
	OperationCreateInFlight   OperationKind = "create_in_flight"
)

// Operation is one step applied by a melt
type Operation struct {
	Kind          OperationKind `json:"kind"`
	TokenIDs      []string      `json:"token_ids"`
	TransactionID string        `json:"transaction_id"`
	Amount        int64         `json:"amount"`
}

// MeltResult is the outcome of a committed melt
type MeltResult struct {
	Success           bool                `json:"success"`
	TransactionID     string              `json:"transaction_id"`
	OperationHash     string              `json:"operation_hash"`
	Mode              store.ExecutionMode `json:"mode"`
	SourceTokensSpent int                 `json:"source_tokens_spent"`
	SpentAmount       int64               `json:"spent_amount"`
	KeepTokenID       string              `json:"keep_token_id,omitempty"`
	KeepAmount        int64               `json:"keep_amount"`
	MeltChangeTokenID string              `json:"melt_change_token_id,omitempty"`
	MeltChangeAmount  int64               `json:"melt_change_amount"`
	InFlightTokenID   string              `json:"in_flight_token_id,omitempty"`
	InFlightAmount    int64               `json:"in_flight_amount"`
	Operations        []Operation         `json:"operations"`
}

// MeltEngine applies the spend-to-change transition of a melt as one unit. Consumed proofs are
// never written back: only the new keep and melt change proofs become records.
type MeltEngine struct {
	executor store.AtomicExecutor
	guard    *Guard
	clock    adapter.Clock
}

// NewMeltEngine creates a melt engine
func NewMeltEngine(executor store.AtomicExecutor, guard *Guard, clock adapter.Clock) *MeltEngine {
	return &MeltEngine{executor: executor, guard: guard, clock: clock}
}

// Mode reports how the engine applies melts
func (e *MeltEngine) Mode() store.ExecutionMode {
	return e.executor.Mode()
}

func validateMeltInput(in MeltInput) error {
	if in.OwnerID == "" {
		return domain.NewError(domain.ErrCodeMissingMetadata, "owner_id is required")
	}
	if in.WalletRef == "" {
		return domain.NewError(domain.ErrCodeMissingMetadata, "wallet_ref is required")
	}
	if in.MintRef == "" {
		return domain.NewError(domain.ErrCodeMissingMetadata, "mint_ref is required")
	}
	if in.Amount <= 0 {
		return domain.Errorf(domain.ErrCodeInvalidFormat, "amount must be positive, got %d", in.Amount)
	}
	if len(in.SourceTokenIDs) == 0 {
		return domain.NewError(domain.ErrCodeMissingMetadata, "at least one source record is required")
	}

	seen := make(map[string]struct{}, len(in.SourceTokenIDs))
	for _, id := range in.SourceTokenIDs {
		if _, ok := seen[id]; ok {
			return domain.NewError(domain.ErrCodeInvalidFormat, "source record listed twice").WithDetail("token_id", id)
		}
		seen[id] = struct{}{}
	}

	if in.InFlight != nil && (in.InFlight.QuoteID == "" || len(in.InFlight.Proofs) == 0) {
		return domain.NewError(domain.ErrCodeMissingMetadata, "in-flight payment requires a quote and proofs")
	}
	return ValidateTransactionIDFormat(in.TransactionID)
}

// Execute runs the melt. All validation, including the authoritative transaction id and
// duplicate checks, happens before the first write.
func (e *MeltEngine) Execute(ctx context.Context, in MeltInput) (*MeltResult, error) {
	if err := validateMeltInput(in); err != nil {
		return nil, err
	}

	hash, err := e.guard.OperationHash(OperationParams{
		OwnerID:        in.OwnerID,
		MintRef:        in.MintRef,
		Amount:         in.Amount,
		SourceTokenIDs: in.SourceTokenIDs,
		OperationType:  OperationTypeMelt,
	})
	if err != nil {
		return nil, err
	}

	result := &MeltResult{
		TransactionID: in.TransactionID,
		OperationHash: hash,
		Mode:          e.executor.Mode(),
	}

	err = e.executor.Execute(ctx, func(st store.Store) error {
		result.Operations = nil

		if err := e.guard.ValidateTransactionID(ctx, st, in.TransactionID); err != nil {
			return err
		}
		if err := e.guard.CheckDuplicate(ctx, st, in.OwnerID, hash); err != nil {
			return err
		}

		sources, err := e.guard.CheckSourcesUnspent(ctx, st, in.OwnerID, in.SourceTokenIDs)
		if err != nil {
			return err
		}

		var spentAmount int64
		for _, t := range sources {
			if t.MintRef != in.MintRef {
				return domain.NewError(domain.ErrCodeInvariantViolation, "source record belongs to another mint").
					WithDetail("token_id", t.ID)
			}
			spentAmount += t.TotalAmount
		}

		now := e.clock.Now()
		records, err := e.buildRecords(in, hash, now)
		if err != nil {
			return err
		}

		var produced int64
		for _, r := range records {
			produced += domain.SumProofs(r.input.Proofs)
		}
		if in.InFlight != nil {
			produced += domain.SumProofs(in.InFlight.Proofs)
		}
		if produced > spentAmount {
			return domain.Errorf(domain.ErrCodeInvariantViolation,
				"melt produces %d from %d spent", produced, spentAmount)
		}

		if err := checkFreshSecrets(ctx, st, records); err != nil {
			return err
		}

		// Writes start here
		updated, err := st.MarkTokensSpent(ctx, store.MarkSpentInput{
			TokenIDs:      in.SourceTokenIDs,
			SpentAt:       now,
			TransactionID: in.TransactionID,
			OperationHash: hash,
		})
		if err != nil {
			return fmt.Errorf("failed to mark source records spent: %w", err)
		}
		if updated != int64(len(in.SourceTokenIDs)) {
			return domain.Errorf(domain.ErrCodeConcurrentOperation,
				"marked %d of %d source records spent", updated, len(in.SourceTokenIDs))
		}
		result.SourceTokensSpent = int(updated)
		result.SpentAmount = spentAmount
		result.Operations = append(result.Operations, Operation{
			Kind:          OperationMarkSpent,
			TokenIDs:      in.SourceTokenIDs,
			TransactionID: in.TransactionID,
			Amount:        spentAmount,
		})

		for _, r := range records {
			token, err := st.CreateToken(ctx, r.input)
			if err != nil {
				return err
			}
			amount := token.TotalAmount
			switch r.kind {
			case OperationCreateKeep:
				result.KeepTokenID, result.KeepAmount = token.ID, amount
			case OperationCreateMeltChange:
				result.MeltChangeTokenID, result.MeltChangeAmount = token.ID, amount
			case OperationCreateInFlight:
				result.InFlightTokenID, result.InFlightAmount = token.ID, domain.SumProofs(in.InFlight.Proofs)
			}
			result.Operations = append(result.Operations, Operation{
				Kind:          r.kind,
				TokenIDs:      []string{token.ID},
				TransactionID: token.TransactionID,
				Amount:        amount,
			})
		}
		return nil
	})
	if err != nil {
		logger.WarnCtx(ctx, "Melt rejected",
			logger.OwnerID(in.OwnerID),
			logger.TransactionID(in.TransactionID),
			zap.String("mode", string(e.executor.Mode())),
			zap.Error(err),
		)
		return nil, err
	}

	result.Success = true
	logger.InfoCtx(ctx, "Melt committed",
		logger.OwnerID(in.OwnerID),
		logger.TransactionID(in.TransactionID),
		logger.Redacted("operation_hash", hash),
		logger.Redacted("quote_id", in.QuoteID),
		zap.String("mode", string(result.Mode)),
		zap.Int("sources", result.SourceTokensSpent),
		zap.Int64("spent_amount", result.SpentAmount),
		zap.Int64("keep_amount", result.KeepAmount),
		zap.Int64("melt_change_amount", result.MeltChangeAmount),
		zap.Int64("in_flight_amount", result.InFlightAmount),
		zap.Int("operations", len(result.Operations)),
	)
	return result, nil
}

type plannedRecord struct {
	kind  OperationKind
	input store.CreateTokenInput
}

// buildRecords prepares and validates every record the melt creates
func (e *MeltEngine) buildRecords(in MeltInput, hash string, now time.Time) ([]plannedRecord, error) {
	var records []plannedRecord

	change := func(kind OperationKind, suffix string, source domain.ChangeSource, proofs []domain.Proof) {
		records = append(records, plannedRecord{
			kind: kind,
			input: store.CreateTokenInput{
				ID:        uuid.NewString(),
				OwnerID:   in.OwnerID,
				WalletRef: in.WalletRef,
				MintRef:   in.MintRef,
				Proofs:    proofs,
				Status:    domain.TokenStatusUnspent,
				Metadata: domain.ChangeMetadata{
					ParentTransactionID: in.TransactionID,
					OperationHash:       hash,
					Source:              source,
					QuoteID:             in.QuoteID,
				},
				TransactionID: in.TransactionID + suffix,
				CreatedAt:     now,
			},
		})
	}

	if len(in.KeepProofs) > 0 {
		change(OperationCreateKeep, domain.KeepSuffix, domain.ChangeSourceKeep, in.KeepProofs)
	}
	if len(in.MeltChangeProofs) > 0 {
		change(OperationCreateMeltChange, domain.MeltChangeSuffix, domain.ChangeSourceMeltChange, in.MeltChangeProofs)
	}
	if in.InFlight != nil {
		records = append(records, plannedRecord{
			kind: OperationCreateInFlight,
			input: store.CreateTokenInput{
				ID:        uuid.NewString(),
				OwnerID:   in.OwnerID,
				WalletRef: in.WalletRef,
				MintRef:   in.MintRef,
				Status:    domain.TokenStatusPending,
				Metadata: domain.SentMetadata{
					QuoteID:             in.InFlight.QuoteID,
					ParentTransactionID: in.TransactionID,
					OperationHash:       hash,
					InFlightAmount:      domain.SumProofs(in.InFlight.Proofs),
					InFlightProofs:      in.InFlight.Proofs,
				},
				TransactionID: in.TransactionID + domain.InFlightSuffix,
				CreatedAt:     now,
			},
		})
	}

	for _, r := range records {
		if err := store.ValidateTokenInput(r.input); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// checkFreshSecrets rejects new proofs whose secrets are already held by a live record
func checkFreshSecrets(ctx context.Context, st store.Store, records []plannedRecord) error {
	var secrets []string
	seen := make(map[string]struct{})
	for _, r := range records {
		for _, s := range domain.Secrets(r.input.Proofs) {
			if _, ok := seen[s]; ok {
				return domain.NewError(domain.ErrCodeDoubleIssuance, "secret repeated across change records").
					WithDetail("secret", domain.Redact(s))
			}
			seen[s] = struct{}{}
			secrets = append(secrets, s)
		}
	}
	if len(secrets) == 0 {
		return nil
	}

	active, err := st.FindActiveSecrets(ctx, secrets)
	if err != nil {
		return fmt.Errorf("failed to check change secrets: %w", err)
	}
	if len(active) > 0 {
		return domain.Errorf(domain.ErrCodeDoubleIssuance, "%d change secret(s) already held by a live record", len(active)).
			WithDetail("secret", domain.Redact(active[0]))
	}
	return nil
}
