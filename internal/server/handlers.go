package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskengine/internal/dedup"
	"github.com/mbd888/riskengine/internal/engine"
	"github.com/mbd888/riskengine/internal/fraud"
	"github.com/mbd888/riskengine/internal/health"
	"github.com/mbd888/riskengine/internal/logging"
	"github.com/mbd888/riskengine/internal/profile"
)

// BatchRequest is the body of POST /v1/transactions/batch.
type BatchRequest struct {
	Transactions []fraud.Transaction `json:"transactions"`
}

// BatchItemResponse is one batch position: a result or an error.
type BatchItemResponse struct {
	Index  int                `json:"index"`
	Result *fraud.ScoreResult `json:"result,omitempty"`
	Error  *ItemError         `json:"error,omitempty"`
}

// ItemError describes why one batch item was not scored.
type ItemError struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
}

// BatchResponse is the body returned for a batch.
type BatchResponse struct {
	Results []BatchItemResponse `json:"results"`
	Summary engine.BatchSummary `json:"summary"`
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) scoreHandler(c *gin.Context) {
	var tx fraud.Transaction
	if err := c.ShouldBindJSON(&tx); err != nil {
		s.badBody(c, err)
		return
	}

	res, err := s.engine.Score(c.Request.Context(), tx)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) batchHandler(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badBody(c, err)
		return
	}

	batch, err := s.engine.ScoreBatch(c.Request.Context(), req.Transactions)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, BatchResponse{
		Results: BatchItems(batch.Items, 0),
		Summary: batch.Summary,
	})
}

// BatchItems renders engine batch items, numbering them from offset.
func BatchItems(items []engine.BatchItem, offset int) []BatchItemResponse {
	out := make([]BatchItemResponse, len(items))
	for i, item := range items {
		out[i] = BatchItemResponse{Index: offset + i, Result: item.Result}
		if item.Err != nil {
			out[i].Error = itemError(item.Err)
		}
	}
	return out
}

func (s *Server) userProfileHandler(c *gin.Context) {
	view, err := s.engine.UserProfile(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) merchantProfileHandler(c *gin.Context) {
	view, err := s.engine.MerchantProfile(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.engine.Health(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		for _, ch := range checks {
			// A failing scorer only degrades decisions to rules.
			if strings.HasPrefix(ch.Detail, "degraded:") {
				status = "degraded"
			}
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

func (s *Server) badBody(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "request_too_large",
			"message": "Request body exceeds the size limit",
		})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"code":    fraud.CodeMalformed,
		"message": err.Error(),
	})
}

// writeError maps engine errors to responses. Validation failures are the
// caller's fault; dependency failures are retryable.
func (s *Server) writeError(c *gin.Context, err error) {
	var verr *fraud.ValidationError
	if errors.As(err, &verr) {
		status := http.StatusBadRequest
		if verr.Code == fraud.CodeBatchTooLarge {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, gin.H{
			"error":   "invalid_transaction",
			"code":    verr.Code,
			"field":   verr.Field,
			"message": verr.Message,
		})
		return
	}

	if retryable(err) {
		body := gin.H{
			"error":   "unavailable",
			"message": "Scoring dependencies are unavailable; retry later",
		}
		var serr *engine.StageError
		if errors.As(err, &serr) {
			body["stage"] = serr.Stage
		}
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}

	logging.L(c.Request.Context()).Error("request failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "An unexpected error occurred",
	})
}

func retryable(err error) bool {
	var serr *engine.StageError
	return errors.As(err, &serr) ||
		errors.Is(err, engine.ErrCanceled) ||
		errors.Is(err, profile.ErrUnavailable) ||
		errors.Is(err, dedup.ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

func itemError(err error) *ItemError {
	var verr *fraud.ValidationError
	if errors.As(err, &verr) {
		return &ItemError{Code: verr.Code, Field: verr.Field, Message: verr.Message}
	}
	ie := &ItemError{Code: "unavailable", Message: err.Error()}
	var serr *engine.StageError
	if errors.As(err, &serr) {
		ie.Stage = string(serr.Stage)
	}
	if errors.Is(err, engine.ErrCanceled) {
		ie.Code = "canceled"
	}
	return ie
}
