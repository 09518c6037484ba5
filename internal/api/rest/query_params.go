package rest

import (
	"github.com/gin-gonic/gin"

	"github.com/feral-file/ff-ecash-ledger/internal/store/schema"
)

const MAX_PAGE_SIZE = 100

// JournalQueryParams holds query parameters for GET /owners/:owner_id/journal
type JournalQueryParams struct {
	Unresolved bool   `form:"unresolved,default=false"`
	EntryType  string `form:"entry_type"`
	Limit      int    `form:"limit,default=50"`
}

// ParseJournalQuery parses and caps the journal query parameters
func ParseJournalQuery(c *gin.Context) (*JournalQueryParams, error) {
	var params JournalQueryParams
	if err := c.ShouldBindQuery(&params); err != nil {
		return nil, err
	}

	if params.Limit <= 0 || params.Limit > MAX_PAGE_SIZE {
		params.Limit = MAX_PAGE_SIZE
	}
	return &params, nil
}

// JournalEntryType returns the entry type filter
func (p *JournalQueryParams) JournalEntryType() schema.JournalEntryType {
	return schema.JournalEntryType(p.EntryType)
}

// MeltBody is the body of POST /owners/:owner_id/melt
type MeltBody struct {
	Invoice       string `json:"invoice" binding:"required"`
	MintURL       string `json:"mint_url"`
	TransactionID string `json:"transaction_id" binding:"required"` // reused by the caller on retries
}
