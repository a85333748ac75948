// Package handlers provides HTTP handler implementations for the public API.
//
// This file defines the response helpers shared by every endpoint: the error
// envelope, the translation of service errors into statuses, and pagination
// metadata for list responses.
//
// Example error response:
//
//	HTTP/1.1 404 Not Found
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "not_found",
//	  "message": "application not found"
//	}
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-tuition-backend/internal/http/middleware"
	"github.com/tbourn/go-tuition-backend/internal/services"
	"github.com/tbourn/go-tuition-backend/internal/utils"
)

// retryAfterSeconds is advertised on 503 responses.
const retryAfterSeconds = "5"

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code" example:"not_found"`
	// Human-readable message (safe to show to users)
	Message string `json:"message" example:"application not found"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(pg services.Page, total int64) Pagination {
	totalPages := utils.TotalPages(total, pg.Size)
	return Pagination{
		Page:       pg.Number,
		PageSize:   pg.Size,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    pg.Number < totalPages,
	}
}

// fail aborts with the error envelope and logs server-side failures.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().Int("status", status).Str("code", code).Msg(msg)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: middleware.RequestIDFrom(c),
		Code:      code,
		Message:   msg,
	})
}

// Fail is the exported variant of fail() for the router's fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// kindStatus maps service error kinds onto HTTP statuses and error codes.
var kindStatus = map[string]struct {
	status int
	code   string
}{
	"unauthorized":  {http.StatusUnauthorized, ErrCodeUnauthorized},
	"forbidden":     {http.StatusForbidden, ErrCodeForbidden},
	"invalid_state": {http.StatusConflict, ErrCodeInvalidState},
	"not_found":     {http.StatusNotFound, ErrCodeNotFound},
	"conflict":      {http.StatusConflict, ErrCodeConflict},
	"validation":    {http.StatusBadRequest, ErrCodeValidation},
}

// failErr maps a service error onto the envelope. Internal errors never leak
// their message to the client.
func failErr(c *gin.Context, err error) {
	kind := services.Kind(err)
	if m, found := kindStatus[kind]; found {
		fail(c, m.status, m.code, err.Error())
		return
	}
	if kind == "unavailable" {
		c.Header("Retry-After", retryAfterSeconds)
		middleware.LoggerFrom(c).Warn().Err(err).Msg("collaborator unavailable")
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "payment gateway unavailable, retry later")
		return
	}
	middleware.LoggerFrom(c).Error().Err(err).Msg("unexpected service error")
	fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal error")
}

func ok(c *gin.Context, status int, body any) { c.JSON(status, body) }

func noContent(c *gin.Context) { c.Status(http.StatusNoContent) }
