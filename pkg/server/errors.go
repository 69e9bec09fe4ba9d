package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/aaroniumii/dividemp4online/pkg/store"
)

// ErrorResponse is the standard JSON error payload.
// Used consistently across all API endpoints for error responses.
//
// Example:
//
//	{
//	  "error": "Not Found",
//	  "code": "JOB_NOT_FOUND",
//	  "message": "job \"abc\" not found"
//	}
type ErrorResponse struct {
	Error   string `json:"error"`             // Short error type (e.g., "Not Found")
	Code    string `json:"code,omitempty"`    // Machine-readable error code
	Message string `json:"message,omitempty"` // Detailed error message (optional)
}

// writeError maps an error to a JSON error response. NotFoundError and
// InvalidInputError from the store become 404/400, everything else 500.
func writeError(c *gin.Context, err error) {
	var statusCode int
	var errorType string
	var errorCode string

	var notFoundErr *store.NotFoundError
	var invalidInputErr *store.InvalidInputError
	switch {
	case errors.As(err, &notFoundErr):
		statusCode = http.StatusNotFound
		errorType = "Not Found"
		errorCode = "JOB_NOT_FOUND"
	case errors.As(err, &invalidInputErr):
		statusCode = http.StatusBadRequest
		errorType = "Bad Request"
		errorCode = "INVALID_INPUT"
	default:
		statusCode = http.StatusInternalServerError
		errorType = "Internal Server Error"
		errorCode = "INTERNAL_ERROR"
	}

	logEvent := log.Error().
		Str("component", "server").
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int("status", statusCode).
		Str("error_code", errorCode).
		Err(err)
	if statusCode == http.StatusNotFound {
		logEvent.Msg("Resource not found")
	} else if statusCode >= 500 {
		logEvent.Msg("Internal server error")
	} else {
		logEvent.Msg("Client error")
	}

	c.AbortWithStatusJSON(statusCode, ErrorResponse{
		Error:   errorType,
		Code:    errorCode,
		Message: err.Error(),
	})
}

// writeJSONError writes a custom JSON error response with a specific
// status code. Use this when the status is known at the call site.
func writeJSONError(c *gin.Context, statusCode int, errorType, errorCode, message string) {
	c.AbortWithStatusJSON(statusCode, ErrorResponse{
		Error:   errorType,
		Code:    errorCode,
		Message: message,
	})
}
