package mint

import (
	"context"

	"github.com/feral-file/ff-ecash-ledger/internal/domain"
)

// Client is the mint collaborator. The ledger treats its answers as ground truth for
// reconciliation and never inspects the cryptography behind them.
//
//go:generate mockgen -source=client.go -destination=../mocks/mint_client.go -package=mocks -mock_names=Client=MockMintClient
type Client interface {
	// URL returns the mint reference this client talks to
	URL() string

	// GetProofStates returns the mint state of each secret. Secrets the mint does not
	// report are absent from the map.
	GetProofStates(ctx context.Context, secrets []string) (map[string]domain.ProofState, error)

	// CreateMeltQuote asks the mint for a quote to pay the invoice
	CreateMeltQuote(ctx context.Context, invoice string) (*domain.MeltQuote, error)

	// CheckMeltQuote returns the current state of a quote
	CheckMeltQuote(ctx context.Context, quoteID string) (*domain.MeltQuote, error)

	// PayMeltQuote pays the quote with the given proofs. The request is sent once:
	// an error of code MINT_TIMEOUT means the outcome at the mint is unknown.
	PayMeltQuote(ctx context.Context, quoteID string, proofs []domain.Proof) (*domain.MeltPayment, error)

	// Swap exchanges proofs for a set worth exactly amount plus the leftover
	Swap(ctx context.Context, proofs []domain.Proof, amount int64) (*domain.SwapResult, error)
}
