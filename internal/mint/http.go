package mint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/feral-file/ff-ecash-ledger/internal/adapter"
	"github.com/feral-file/ff-ecash-ledger/internal/domain"
	"github.com/feral-file/ff-ecash-ledger/internal/logger"
	"github.com/feral-file/ff-ecash-ledger/internal/ratelimit"
)

const contentTypeJSON = "application/json"

type checkStateRequest struct {
	Secrets []string `json:"secrets"`
}

type checkStateResponse struct {
	States []struct {
		Secret string `json:"secret"`
		State  string `json:"state"`
	} `json:"states"`
}

type meltQuoteRequest struct {
	Request string `json:"request"`
	Unit    string `json:"unit"`
}

type meltRequest struct {
	Quote  string         `json:"quote"`
	Inputs []domain.Proof `json:"inputs"`
}

type swapRequest struct {
	Inputs []domain.Proof `json:"inputs"`
	Amount int64          `json:"amount"`
}

// httpClient talks to a mint gateway over its REST API
type httpClient struct {
	baseURL string
	unit    string
	http    adapter.HTTPClient
	limiter ratelimit.Limiter
}

// NewHTTPClient creates a mint client for the gateway at baseURL.
// Every request first waits on limiter under the mint URL.
func NewHTTPClient(baseURL string, hc adapter.HTTPClient, limiter ratelimit.Limiter) Client {
	return &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		unit:    "sat",
		http:    hc,
		limiter: limiter,
	}
}

func (c *httpClient) URL() string {
	return c.baseURL
}

func (c *httpClient) endpoint(path string) string {
	return c.baseURL + path
}

// unavailable converts a transport failure into a ledger error
func (c *httpClient) unavailable(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapError(domain.ErrCodeMintTimeout, op+" timed out", err).WithDetail("mint", c.baseURL)
	}
	return domain.WrapError(domain.ErrCodeMintUnavailable, op+" failed", err).WithDetail("mint", c.baseURL)
}

func (c *httpClient) post(ctx context.Context, op, path string, req, resp any) error {
	if err := c.limiter.Wait(ctx, c.baseURL); err != nil {
		return c.unavailable(op, err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	raw, err := c.http.Post(ctx, c.endpoint(path), contentTypeJSON, body)
	if err != nil {
		return c.unavailable(op, err)
	}

	if err := json.Unmarshal(raw, resp); err != nil {
		return domain.WrapError(domain.ErrCodeMintUnavailable, "malformed "+op+" response", err)
	}
	return nil
}

func (c *httpClient) GetProofStates(ctx context.Context, secrets []string) (map[string]domain.ProofState, error) {
	if len(secrets) == 0 {
		return map[string]domain.ProofState{}, nil
	}

	var resp checkStateResponse
	if err := c.post(ctx, "checkstate", "/v1/checkstate", checkStateRequest{Secrets: secrets}, &resp); err != nil {
		return nil, err
	}

	states := make(map[string]domain.ProofState, len(resp.States))
	for _, s := range resp.States {
		states[s.Secret] = domain.ProofState(strings.ToLower(s.State))
	}
	return states, nil
}

func (c *httpClient) CreateMeltQuote(ctx context.Context, invoice string) (*domain.MeltQuote, error) {
	if invoice == "" {
		return nil, domain.NewError(domain.ErrCodeInvalidFormat, "invoice is required")
	}

	var quote domain.MeltQuote
	if err := c.post(ctx, "melt quote", "/v1/melt/quote/bolt11", meltQuoteRequest{Request: invoice, Unit: c.unit}, &quote); err != nil {
		return nil, err
	}
	if quote.QuoteID == "" || quote.Amount <= 0 {
		return nil, domain.NewError(domain.ErrCodeMintUnavailable, "mint returned an incomplete quote")
	}
	return &quote, nil
}

func (c *httpClient) CheckMeltQuote(ctx context.Context, quoteID string) (*domain.MeltQuote, error) {
	if err := c.limiter.Wait(ctx, c.baseURL); err != nil {
		return nil, c.unavailable("check melt quote", err)
	}

	raw, err := c.http.Get(ctx, c.endpoint("/v1/melt/quote/bolt11/"+url.PathEscape(quoteID)))
	if err != nil {
		return nil, c.unavailable("check melt quote", err)
	}

	var quote domain.MeltQuote
	if err := json.Unmarshal(raw, &quote); err != nil {
		return nil, domain.WrapError(domain.ErrCodeMintUnavailable, "malformed melt quote response", err)
	}
	return &quote, nil
}

func (c *httpClient) PayMeltQuote(ctx context.Context, quoteID string, proofs []domain.Proof) (*domain.MeltPayment, error) {
	// Failures before the request goes out are definitive: the mint never saw the proofs
	if err := c.limiter.Wait(ctx, c.baseURL); err != nil {
		return nil, domain.WrapError(domain.ErrCodePaymentFailed, "melt not sent", err).
			WithDetail("quote_id", quoteID).
			WithDetail("mint", c.baseURL)
	}

	body, err := json.Marshal(meltRequest{Quote: quoteID, Inputs: proofs})
	if err != nil {
		return nil, domain.WrapError(domain.ErrCodePaymentFailed, "melt not sent", err).
			WithDetail("quote_id", quoteID)
	}

	raw, err := c.http.PostOnce(ctx, c.endpoint("/v1/melt/bolt11"), contentTypeJSON, body)
	if err != nil {
		var se *adapter.StatusError
		if errors.As(err, &se) && !se.Temporary() {
			return nil, domain.WrapError(domain.ErrCodePaymentFailed, "mint rejected the payment", err).
				WithDetail("quote_id", quoteID)
		}

		logger.WarnCtx(ctx, "Melt outcome unknown", zap.String("quote_id", quoteID), zap.Error(err))
		return nil, domain.WrapError(domain.ErrCodeMintTimeout, "melt outcome unknown", err).
			WithDetail("quote_id", quoteID).
			WithManualIntervention()
	}

	var payment domain.MeltPayment
	if err := json.Unmarshal(raw, &payment); err != nil {
		return nil, domain.WrapError(domain.ErrCodeMintTimeout, "malformed melt response", err).
			WithDetail("quote_id", quoteID).
			WithManualIntervention()
	}
	if payment.QuoteID == "" {
		payment.QuoteID = quoteID
	}
	return &payment, nil
}

func (c *httpClient) Swap(ctx context.Context, proofs []domain.Proof, amount int64) (*domain.SwapResult, error) {
	var result domain.SwapResult
	if err := c.post(ctx, "swap", "/v1/swap", swapRequest{Inputs: proofs, Amount: amount}, &result); err != nil {
		return nil, err
	}
	if domain.SumProofs(result.Send) != amount {
		return nil, domain.Errorf(domain.ErrCodeMintUnavailable, "swap returned %d, requested %d", domain.SumProofs(result.Send), amount)
	}
	return &result, nil
}
