package rest

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/feral-file/ff-ecash-ledger/internal/api/middleware"
	"github.com/feral-file/ff-ecash-ledger/internal/domain"
	"github.com/feral-file/ff-ecash-ledger/internal/ledger"
	"github.com/feral-file/ff-ecash-ledger/internal/migration"
	"github.com/feral-file/ff-ecash-ledger/internal/monitoring"
	"github.com/feral-file/ff-ecash-ledger/internal/store"
	"github.com/feral-file/ff-ecash-ledger/internal/store/schema"
)

// LedgerService is the part of the ledger service the API calls
type LedgerService interface {
	Balances(ctx context.Context, ownerID string) (domain.Balances, error)
	Melt(ctx context.Context, req ledger.MeltRequest) (*ledger.MeltOutcome, error)
}

// JournalService reads and resolves journal entries
type JournalService interface {
	GetJournal(ctx context.Context, filter store.JournalFilter) ([]*schema.LedgerJournal, error)
	ResolveJournalEntry(ctx context.Context, id int64) error
}

type journalReader interface {
	GetJournal(ctx context.Context, filter store.JournalFilter) ([]*schema.LedgerJournal, error)
}

type journalResolver interface {
	ResolveJournalEntry(ctx context.Context, id int64) error
}

type journalService struct {
	journalReader
	journalResolver
}

// NewJournalService reads from the store and resolves through the reconciliation engine
func NewJournalService(reader journalReader, resolver journalResolver) JournalService {
	return journalService{journalReader: reader, journalResolver: resolver}
}

// MigrationService is the read side of the migration engine. Runs are CLI only.
type MigrationService interface {
	Registry() *migration.Registry
	Status(ctx context.Context, name string) (*migration.Status, error)
	Preview(ctx context.Context, name string) (*migration.Preview, error)
}

// StatsProvider exposes the monitor counters
type StatsProvider interface {
	Snapshot() map[monitoring.Category]monitoring.Stats
}

// Handler defines the interface for REST API handlers
type Handler interface {
	// GetBalances returns the owner's balances
	// GET /api/v1/owners/:owner_id/balances
	GetBalances(c *gin.Context)

	// Melt pays a lightning invoice from the owner's unspent records
	// POST /api/v1/owners/:owner_id/melt
	Melt(c *gin.Context)

	// GetJournal lists the owner's journal entries, newest first
	// GET /api/v1/owners/:owner_id/journal?unresolved=<bool>&entry_type=<type>&limit=<limit>
	GetJournal(c *gin.Context)

	// ResolveJournalEntry marks a journal entry resolved (operator only)
	// POST /api/v1/journal/:id/resolve
	ResolveJournalEntry(c *gin.Context)

	// ListMigrations lists registered migrations with their status (operator only)
	// GET /api/v1/migrations
	ListMigrations(c *gin.Context)

	// GetMigration returns the status of a migration (operator only)
	// GET /api/v1/migrations/:name
	GetMigration(c *gin.Context)

	// PreviewMigration counts what a migration would change (operator only)
	// GET /api/v1/migrations/:name/preview
	PreviewMigration(c *gin.Context)

	// HealthCheck returns the health status of the API
	// GET /health
	HealthCheck(c *gin.Context)
}

type handler struct {
	ledger     LedgerService
	journal    JournalService
	migrations MigrationService
	stats      StatsProvider
}

// NewHandler creates a new REST API handler
func NewHandler(ledger LedgerService, journal JournalService, migrations MigrationService, stats StatsProvider) Handler {
	return &handler{
		ledger:     ledger,
		journal:    journal,
		migrations: migrations,
		stats:      stats,
	}
}

// ownerParam reads :owner_id and checks the caller may act for it
func ownerParam(c *gin.Context) (string, bool) {
	ownerID := c.Param("owner_id")
	if ownerID == "" {
		respondBadRequest(c, "owner_id is required")
		return "", false
	}
	if !middleware.CanAccessOwner(c, ownerID) {
		respondForbidden(c)
		return "", false
	}
	return ownerID, true
}

func (h *handler) GetBalances(c *gin.Context) {
	ownerID, ok := ownerParam(c)
	if !ok {
		return
	}

	balances, err := h.ledger.Balances(c.Request.Context(), ownerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, balances)
}

func (h *handler) Melt(c *gin.Context) {
	ownerID, ok := ownerParam(c)
	if !ok {
		return
	}

	var body MeltBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondBadRequest(c, "invalid request body: "+err.Error())
		return
	}

	outcome, err := h.ledger.Melt(c.Request.Context(), ledger.MeltRequest{
		OwnerID:       ownerID,
		Invoice:       body.Invoice,
		MintRef:       body.MintURL,
		TransactionID: body.TransactionID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (h *handler) GetJournal(c *gin.Context) {
	ownerID, ok := ownerParam(c)
	if !ok {
		return
	}

	params, err := ParseJournalQuery(c)
	if err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	entries, err := h.journal.GetJournal(c.Request.Context(), store.JournalFilter{
		OwnerID:        ownerID,
		EntryType:      params.JournalEntryType(),
		UnresolvedOnly: params.Unresolved,
		Limit:          params.Limit,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if entries == nil {
		entries = []*schema.LedgerJournal{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *handler) ResolveJournalEntry(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respondBadRequest(c, "invalid journal entry id")
		return
	}

	if err := h.journal.ResolveJournalEntry(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "resolved": true})
}

func (h *handler) ListMigrations(c *gin.Context) {
	list := h.migrations.Registry().List()
	statuses := make([]*migration.Status, 0, len(list))
	for _, m := range list {
		status, err := h.migrations.Status(c.Request.Context(), m.Name())
		if err != nil {
			respondError(c, err)
			return
		}
		statuses = append(statuses, status)
	}
	c.JSON(http.StatusOK, gin.H{"migrations": statuses})
}

func (h *handler) GetMigration(c *gin.Context) {
	status, err := h.migrations.Status(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *handler) PreviewMigration(c *gin.Context) {
	preview, err := h.migrations.Preview(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, preview)
}

func (h *handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"service":    "ff-ecash-ledger",
		"operations": h.stats.Snapshot(),
	})
}
