package store

import (
	"github.com/feral-file/ff-ecash-ledger/internal/domain"
)

// validateTokenInput checks the record invariants that do not need the database
func validateTokenInput(input CreateTokenInput) ([]byte, error) {
	if input.OwnerID == "" {
		return nil, domain.NewError(domain.ErrCodeMissingMetadata, "owner_id is required")
	}
	if input.WalletRef == "" {
		return nil, domain.NewError(domain.ErrCodeMissingMetadata, "wallet_ref is required")
	}
	if input.MintRef == "" {
		return nil, domain.NewError(domain.ErrCodeMissingMetadata, "mint_ref is required")
	}
	if input.TransactionID == "" {
		return nil, domain.NewError(domain.ErrCodeInvalidFormat, "transaction_id is required")
	}
	if !input.Status.Valid() {
		return nil, domain.Errorf(domain.ErrCodeInvariantViolation, "invalid status %q", input.Status)
	}
	if input.Metadata == nil || !input.Metadata.Kind().Valid() {
		return nil, domain.NewError(domain.ErrCodeMissingMetadata, "typed metadata is required")
	}

	if len(input.Proofs) == 0 && input.Status != domain.TokenStatusPending {
		return nil, domain.Errorf(domain.ErrCodeInvariantViolation, "%s record requires at least one proof", input.Status)
	}

	seen := make(map[string]struct{}, len(input.Proofs))
	for _, p := range input.Proofs {
		if p.Amount <= 0 {
			return nil, domain.Errorf(domain.ErrCodeInvariantViolation, "proof amount must be positive, got %d", p.Amount)
		}
		if p.Secret == "" {
			return nil, domain.NewError(domain.ErrCodeInvariantViolation, "proof secret is required")
		}
		if _, ok := seen[p.Secret]; ok {
			return nil, domain.NewError(domain.ErrCodeDoubleIssuance, "secret repeated within record").
				WithDetail("secret", domain.Redact(p.Secret))
		}
		seen[p.Secret] = struct{}{}
	}

	return domain.EncodeMetadata(input.Metadata)
}

// ValidateTokenInput checks a record input without writing it. Callers use it to validate
// every record of a multi-record unit before the first write.
func ValidateTokenInput(input CreateTokenInput) error {
	_, err := validateTokenInput(input)
	return err
}

// doubleIssuanceError builds the rejection for secrets already held by live records
func doubleIssuanceError(secrets []string) error {
	err := domain.Errorf(domain.ErrCodeDoubleIssuance, "%d secret(s) already held by a non-spent record", len(secrets))
	if len(secrets) > 0 {
		err = err.WithDetail("secret", domain.Redact(secrets[0]))
	}
	return err
}
