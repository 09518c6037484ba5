package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feral-file/ff-ecash-ledger/internal/api/middleware"
	"github.com/feral-file/ff-ecash-ledger/internal/domain"
	"github.com/feral-file/ff-ecash-ledger/internal/ledger"
	"github.com/feral-file/ff-ecash-ledger/internal/migration"
	"github.com/feral-file/ff-ecash-ledger/internal/monitoring"
	"github.com/feral-file/ff-ecash-ledger/internal/store"
	"github.com/feral-file/ff-ecash-ledger/internal/store/schema"
)

const testAPIKey = "operator-key"

type fakeLedger struct {
	balances domain.Balances
	outcome  *ledger.MeltOutcome
	err      error
	lastMelt ledger.MeltRequest
}

func (f *fakeLedger) Balances(_ context.Context, _ string) (domain.Balances, error) {
	return f.balances, f.err
}

func (f *fakeLedger) Melt(_ context.Context, req ledger.MeltRequest) (*ledger.MeltOutcome, error) {
	f.lastMelt = req
	return f.outcome, f.err
}

type fakeJournal struct {
	entries    []*schema.LedgerJournal
	lastFilter store.JournalFilter
	resolved   []int64
	err        error
}

func (f *fakeJournal) GetJournal(_ context.Context, filter store.JournalFilter) ([]*schema.LedgerJournal, error) {
	f.lastFilter = filter
	return f.entries, f.err
}

func (f *fakeJournal) ResolveJournalEntry(_ context.Context, id int64) error {
	f.resolved = append(f.resolved, id)
	return f.err
}

type fakeMigrations struct{}

func (fakeMigrations) Registry() *migration.Registry { return migration.DefaultRegistry() }

func (fakeMigrations) Status(_ context.Context, name string) (*migration.Status, error) {
	if name != migration.FixMeltedStatusName {
		return nil, domain.Errorf(domain.ErrCodeNotFound, "unknown migration %q", name)
	}
	return &migration.Status{Name: name, Version: 1, Status: schema.MigrationStatusPending, Remaining: 4}, nil
}

func (fakeMigrations) Preview(_ context.Context, name string) (*migration.Preview, error) {
	return &migration.Preview{Name: name, Version: 1, TokensToMigrate: 4, AmountToMigrate: 400, OwnersAffected: 2}, nil
}

type fakeStats struct{}

func (fakeStats) Snapshot() map[monitoring.Category]monitoring.Stats {
	return map[monitoring.Category]monitoring.Stats{monitoring.CategoryMelt: {Attempts: 3, Successes: 3, SuccessRate: 1}}
}

func setupRouter(t *testing.T, l *fakeLedger, j *fakeJournal) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	SetupRoutes(router, NewHandler(l, j, fakeMigrations{}, fakeStats{}), middleware.AuthConfig{APIKeys: []string{testAPIKey}})
	return router
}

func doRequest(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "ApiKey "+testAPIKey)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) APIError {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func TestGetBalances(t *testing.T) {
	l := &fakeLedger{balances: domain.Balances{Total: 150, Unspent: 100, Pending: 50}}
	router := setupRouter(t, l, &fakeJournal{})

	w := doRequest(router, http.MethodGet, "/api/v1/owners/alice/balances", "")
	require.Equal(t, http.StatusOK, w.Code)

	var got domain.Balances
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, l.balances, got)
}

func TestRequiresAuth(t *testing.T) {
	router := setupRouter(t, &fakeLedger{}, &fakeJournal{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/owners/alice/balances", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestOwnerMismatchForbidden(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(&fakeLedger{}, &fakeJournal{}, fakeMigrations{}, fakeStats{})
	router := gin.New()
	router.GET("/owners/:owner_id/balances", func(c *gin.Context) {
		c.Set(string(middleware.AUTH_TYPE_KEY), middleware.AuthTypeJWT)
		c.Set(string(middleware.AUTH_SUBJECT_KEY), "bob")
		c.Next()
	}, h.GetBalances)

	req := httptest.NewRequest(http.MethodGet, "/owners/alice/balances", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", decodeError(t, w).Code)
}

func TestMelt(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		l := &fakeLedger{outcome: &ledger.MeltOutcome{
			TransactionID: "melt_01JG8XAMPLE",
			QuoteID:       "quote-1",
			PaymentResult: domain.MeltQuoteStatePaid,
			PaidAmount:    100,
			FeesPaid:      2,
			ChangeAmount:  8,
		}}
		router := setupRouter(t, l, &fakeJournal{})

		w := doRequest(router, http.MethodPost, "/api/v1/owners/alice/melt",
			`{"invoice":"lnbc1000n1...","mint_url":"https://mint.example.com","transaction_id":"client-tx-0001"}`)
		require.Equal(t, http.StatusOK, w.Code)

		assert.Equal(t, "alice", l.lastMelt.OwnerID)
		assert.Equal(t, "lnbc1000n1...", l.lastMelt.Invoice)
		assert.Equal(t, "https://mint.example.com", l.lastMelt.MintRef)
		assert.Equal(t, "client-tx-0001", l.lastMelt.TransactionID)

		var got map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, "melt_01JG8XAMPLE", got["transaction_id"])
		assert.Equal(t, "PAID", got["payment_result"])
	})

	t.Run("missing invoice", func(t *testing.T) {
		router := setupRouter(t, &fakeLedger{}, &fakeJournal{})
		w := doRequest(router, http.MethodPost, "/api/v1/owners/alice/melt", `{"mint_url":"https://mint.example.com"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "BAD_REQUEST", decodeError(t, w).Code)
	})

	t.Run("missing transaction id", func(t *testing.T) {
		router := setupRouter(t, &fakeLedger{}, &fakeJournal{})
		w := doRequest(router, http.MethodPost, "/api/v1/owners/alice/melt", `{"invoice":"lnbc1"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("ledger errors map to status codes", func(t *testing.T) {
		tests := []struct {
			err       error
			status    int
			retryable bool
			manual    bool
		}{
			{domain.NewError(domain.ErrCodeInsufficientBalance, "not enough"), http.StatusUnprocessableEntity, false, false},
			{domain.NewError(domain.ErrCodeDuplicateOperation, "dup"), http.StatusConflict, false, false},
			{domain.NewError(domain.ErrCodeConcurrentOperation, "busy"), http.StatusConflict, true, false},
			{domain.NewError(domain.ErrCodeHighSeverityDiscrepancies, "blocked"), http.StatusLocked, false, false},
			{domain.NewError(domain.ErrCodeMintTimeout, "slow"), http.StatusGatewayTimeout, false, false},
			{domain.NewError(domain.ErrCodeCriticalPartialFailure, "unknown").WithDetail("quote_id", "q1"), http.StatusInternalServerError, false, true},
		}
		for _, tt := range tests {
			t.Run(string(domain.CodeOf(tt.err)), func(t *testing.T) {
				router := setupRouter(t, &fakeLedger{err: tt.err}, &fakeJournal{})
				w := doRequest(router, http.MethodPost, "/api/v1/owners/alice/melt", `{"invoice":"lnbc1","transaction_id":"client-tx-0002"}`)
				require.Equal(t, tt.status, w.Code)

				apiErr := decodeError(t, w)
				assert.Equal(t, string(domain.CodeOf(tt.err)), apiErr.Code)
				assert.Equal(t, tt.retryable, apiErr.Retryable)
				assert.Equal(t, tt.manual, apiErr.RequiresManualIntervention)
			})
		}
	})

	t.Run("untyped errors are hidden", func(t *testing.T) {
		router := setupRouter(t, &fakeLedger{err: errors.New("pq: connection refused")}, &fakeJournal{})
		w := doRequest(router, http.MethodPost, "/api/v1/owners/alice/melt", `{"invoice":"lnbc1","transaction_id":"client-tx-0002"}`)
		require.Equal(t, http.StatusInternalServerError, w.Code)
		apiErr := decodeError(t, w)
		assert.Equal(t, "INTERNAL_ERROR", apiErr.Code)
		assert.NotContains(t, apiErr.Message, "pq")
	})
}

func TestGetJournal(t *testing.T) {
	j := &fakeJournal{entries: []*schema.LedgerJournal{
		{ID: 7, OwnerID: "alice", EntryType: schema.JournalEntryTypeDiscrepancy, Classification: "DB_UNSPENT_MINT_SPENT", Severity: schema.SeverityHigh},
	}}
	router := setupRouter(t, &fakeLedger{}, j)

	w := doRequest(router, http.MethodGet, "/api/v1/owners/alice/journal?unresolved=true&limit=500", "")
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "alice", j.lastFilter.OwnerID)
	assert.True(t, j.lastFilter.UnresolvedOnly)
	assert.Equal(t, MAX_PAGE_SIZE, j.lastFilter.Limit)

	var resp struct {
		Entries []map[string]any `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 1)
}

func TestGetJournal_EmptyIsArray(t *testing.T) {
	router := setupRouter(t, &fakeLedger{}, &fakeJournal{})

	w := doRequest(router, http.MethodGet, "/api/v1/owners/alice/journal", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"entries":[]}`, w.Body.String())
}

func TestResolveJournalEntry(t *testing.T) {
	j := &fakeJournal{}
	router := setupRouter(t, &fakeLedger{}, j)

	w := doRequest(router, http.MethodPost, "/api/v1/journal/7/resolve", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int64{7}, j.resolved)

	w = doRequest(router, http.MethodPost, "/api/v1/journal/abc/resolve", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	j.err = domain.NewError(domain.ErrCodeNotFound, "journal entry not found")
	w = doRequest(router, http.MethodPost, "/api/v1/journal/8/resolve", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMigrations(t *testing.T) {
	router := setupRouter(t, &fakeLedger{}, &fakeJournal{})

	w := doRequest(router, http.MethodGet, "/api/v1/migrations", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), migration.FixMeltedStatusName)

	w = doRequest(router, http.MethodGet, "/api/v1/migrations/"+migration.FixMeltedStatusName, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"remaining":4`)

	w = doRequest(router, http.MethodGet, "/api/v1/migrations/"+migration.FixMeltedStatusName+"/preview", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"tokens_to_migrate":4`)

	w = doRequest(router, http.MethodGet, "/api/v1/migrations/no-such-migration", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthCheck(t *testing.T) {
	router := setupRouter(t, &fakeLedger{}, &fakeJournal{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
	assert.Contains(t, w.Body.String(), `"melt"`)
}
