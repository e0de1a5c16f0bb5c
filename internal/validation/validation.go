// Package validation provides request validation middleware for the
// scoring API.
package validation

import (
	"net/http"
	"strings"
	"unicode"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskengine/internal/fraud"
)

// MaxRequestSize is the maximum request body size (1MB). A full batch of
// transactions with metadata fits well inside it.
const MaxRequestSize = 1 << 20

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// CheckID validates an entity identifier taken from a URL or query.
// Identifiers are opaque but must be non-empty, bounded and printable.
func CheckID(field, id string) *fraud.ValidationError {
	if strings.TrimSpace(id) == "" {
		return fraud.Invalid(fraud.CodeRequired, field, "is required")
	}
	if len(id) > fraud.MaxIDLength {
		return fraud.Invalid(fraud.CodeTooLong, field, "exceeds maximum length")
	}
	for _, r := range id {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return fraud.Invalid(fraud.CodeMalformed, field, "must not contain whitespace or control characters")
		}
	}
	return nil
}

// IDParamMiddleware validates the named URL parameter on routes that use
// it, rejecting malformed identifiers before they reach a store.
func IDParamMiddleware(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if verr := CheckID(param, c.Param(param)); verr != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"code":    verr.Code,
				"field":   verr.Field,
				"message": verr.Message,
			})
			return
		}
		c.Next()
	}
}
