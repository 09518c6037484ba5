package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feral-file/ff-ecash-ledger/internal/domain"
	"github.com/feral-file/ff-ecash-ledger/internal/logger"
)

// APIError is the error body of every failed request
type APIError struct {
	Code                       string            `json:"code"`
	Message                    string            `json:"message"`
	Details                    map[string]string `json:"details,omitempty"`
	Retryable                  bool              `json:"retryable"`
	RequiresManualIntervention bool              `json:"requires_manual_intervention,omitempty"`
}

// ErrorResponse wraps an APIError
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// StatusOf maps a ledger error code to an HTTP status
func StatusOf(code domain.ErrorCode) int {
	switch code {
	case "":
		return http.StatusInternalServerError
	case domain.ErrCodeNotFound:
		return http.StatusNotFound
	case domain.ErrCodeInsufficientBalance:
		return http.StatusUnprocessableEntity
	case domain.ErrCodeInvalidStatusTransition:
		return http.StatusConflict
	case domain.ErrCodeHighSeverityDiscrepancies:
		return http.StatusLocked
	case domain.ErrCodeMintTimeout:
		return http.StatusGatewayTimeout
	case domain.ErrCodeMintUnavailable:
		return http.StatusServiceUnavailable
	case domain.ErrCodePaymentFailed:
		return http.StatusPaymentRequired
	case domain.ErrCodeMigrationFailed:
		return http.StatusInternalServerError
	}

	switch code.Category() {
	case domain.ErrorCategoryIdempotency, domain.ErrorCategoryConcurrency, domain.ErrorCategoryMigration:
		return http.StatusConflict
	case domain.ErrorCategoryCritical:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// respondError writes a ledger error. Untyped errors are logged and hidden behind a generic message.
func respondError(c *gin.Context, err error) {
	var le *domain.LedgerError
	if !errors.As(err, &le) {
		logger.ErrorCtx(c.Request.Context(), err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: APIError{
			Code:    "INTERNAL_ERROR",
			Message: "Internal server error",
		}})
		return
	}

	status := StatusOf(le.Code)
	if status >= http.StatusInternalServerError {
		logger.ErrorCtx(c.Request.Context(), err)
	}

	message := le.Message
	if message == "" {
		message = string(le.Code)
	}
	c.JSON(status, ErrorResponse{Error: APIError{
		Code:                       string(le.Code),
		Message:                    message,
		Details:                    le.Details,
		Retryable:                  le.Code.Retryable(),
		RequiresManualIntervention: domain.RequiresManualIntervention(err),
	}})
}

// respondBadRequest responds with a bad request error
func respondBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: APIError{Code: "BAD_REQUEST", Message: message}})
}

// respondForbidden responds when the caller may not act for the owner
func respondForbidden(c *gin.Context) {
	c.JSON(http.StatusForbidden, ErrorResponse{Error: APIError{Code: "FORBIDDEN", Message: "Access to this owner is not allowed"}})
}
