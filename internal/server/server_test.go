package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskengine/internal/config"
	"github.com/mbd888/riskengine/internal/dedup"
	"github.com/mbd888/riskengine/internal/engine"
	"github.com/mbd888/riskengine/internal/fraud"
	"github.com/mbd888/riskengine/internal/health"
	"github.com/mbd888/riskengine/internal/model"
	"github.com/mbd888/riskengine/internal/profile"
	"github.com/mbd888/riskengine/internal/realtime"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:           "0",
		Env:            "development",
		LogLevel:       "error",
		LogFormat:      "text",
		RateLimitRPM:   0,
		RateLimitBurst: 0,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer creates a server over a real engine with in-memory stores.
func newTestServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	rt, err := config.DefaultScoring().Compile()
	if err != nil {
		t.Fatalf("compile scoring: %v", err)
	}
	eng := engine.New(
		profile.NewMemoryStore(48*time.Hour),
		dedup.NewMemoryLedger(dedup.DefaultLease, dedup.DefaultRetention),
		model.DefaultLogistic(),
		rt,
		engine.WithLogger(quietLogger()),
		engine.WithPool(engine.NewPool(4)),
		engine.WithMaxBatchSize(10),
	)
	s, err := New(testConfig(), eng, WithLogger(quietLogger()), WithDrainDelay(0),
		WithHub(realtime.NewHub(quietLogger())))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(s.rateLimiter.Stop)
	return s, eng
}

func txJSON(id, user, amount string) map[string]any {
	return map[string]any{
		"transaction_id": id,
		"user_id":        user,
		"merchant_id":    "m1",
		"amount":         amount,
		"currency":       "usd",
		"timestamp":      time.Now().UTC().Add(-time.Minute).Format(time.RFC3339),
		"location":       map[string]any{"latitude": 40.7128, "longitude": -74.0060},
	}
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
	return v
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	resp := decode[HealthResponse](t, w)
	if resp.Status != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp.Status)
	}
	if len(resp.Checks) != 3 {
		t.Errorf("Expected 3 checks, got %+v", resp.Checks)
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	if w := do(t, s, http.MethodGet, "/health/live", nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	// Not ready until Run starts serving.
	if w := do(t, s, http.MethodGet, "/health/ready", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 before Run, got %d", w.Code)
	}
	s.ready.Store(true)
	if w := do(t, s, http.MethodGet, "/health/ready", nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200 when ready, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	do(t, s, http.MethodPost, "/v1/transactions", txJSON("tx_metrics", "u_metrics", "10"))
	w := do(t, s, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "riskengine_transactions_total") {
		t.Error("Expected pipeline metrics in exposition")
	}
}

// ---------------------------------------------------------------------------
// Scoring endpoint tests
// ---------------------------------------------------------------------------

func TestScoreTransaction(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, http.MethodPost, "/v1/transactions", txJSON("tx_1", "u1", "150.00"))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header")
	}

	res := decode[fraud.ScoreResult](t, w)
	if res.TransactionID != "tx_1" || res.UserID != "u1" {
		t.Errorf("Unexpected result identity: %+v", res)
	}
	if res.RiskLevel != fraud.RiskLow || res.Action != fraud.ActionAllow {
		t.Errorf("Expected LOW/ALLOW, got %s/%s", res.RiskLevel, res.Action)
	}
	if res.RiskScore < 0 || res.RiskScore > 1 {
		t.Errorf("Risk score out of range: %v", res.RiskScore)
	}
}

func TestScoreTransaction_DuplicateReturnsSameResult(t *testing.T) {
	s, _ := newTestServer(t)

	first := decode[fraud.ScoreResult](t, do(t, s, http.MethodPost, "/v1/transactions", txJSON("tx_dup", "u1", "75")))
	w := do(t, s, http.MethodPost, "/v1/transactions", txJSON("tx_dup", "u1", "75"))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for replay, got %d", w.Code)
	}
	second := decode[fraud.ScoreResult](t, w)
	if first.RiskScore != second.RiskScore || !first.Timestamp.Equal(second.Timestamp) {
		t.Errorf("Replay should return the stored result: %+v vs %+v", first, second)
	}
}

func TestScoreTransaction_ValidationError(t *testing.T) {
	s, _ := newTestServer(t)

	tx := txJSON("tx_neg", "u1", "-5")
	w := do(t, s, http.MethodPost, "/v1/transactions", tx)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
	body := decode[map[string]string](t, w)
	if body["code"] != fraud.CodeInvalidAmount || body["field"] != "amount" {
		t.Errorf("Unexpected error body: %v", body)
	}

	tx = txJSON("tx_nouser", "", "5")
	w = do(t, s, http.MethodPost, "/v1/transactions", tx)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
	if body := decode[map[string]string](t, w); body["code"] != fraud.CodeRequired {
		t.Errorf("Unexpected error body: %v", body)
	}
}

func TestScoreTransaction_MalformedBody(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, http.MethodPost, "/v1/transactions", `{"transaction_id": "tx_1", "amount": "lots"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
	if body := decode[map[string]string](t, w); body["code"] != fraud.CodeMalformed {
		t.Errorf("Unexpected error body: %v", body)
	}
}

// ---------------------------------------------------------------------------
// Batch endpoint tests
// ---------------------------------------------------------------------------

func TestScoreBatch_OrderAndInvalidItem(t *testing.T) {
	s, _ := newTestServer(t)

	txs := []map[string]any{
		txJSON("b_0", "u_batch", "20"),
		txJSON("b_1", "u_batch", "0"),
		txJSON("b_2", "u_other", "40"),
	}
	w := do(t, s, http.MethodPost, "/v1/transactions/batch", map[string]any{"transactions": txs})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	resp := decode[BatchResponse](t, w)
	if len(resp.Results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(resp.Results))
	}
	for i, item := range resp.Results {
		if item.Index != i {
			t.Errorf("Result %d has index %d", i, item.Index)
		}
	}
	if resp.Results[0].Result == nil || resp.Results[0].Result.TransactionID != "b_0" {
		t.Errorf("Expected b_0 first, got %+v", resp.Results[0])
	}
	if resp.Results[1].Error == nil || resp.Results[1].Error.Code != fraud.CodeInvalidAmount {
		t.Errorf("Expected invalid_amount at index 1, got %+v", resp.Results[1])
	}
	if resp.Results[2].Result == nil || resp.Results[2].Result.TransactionID != "b_2" {
		t.Errorf("Expected b_2 last, got %+v", resp.Results[2])
	}
	if resp.Summary.Processed != 2 || resp.Summary.Failed != 1 {
		t.Errorf("Unexpected summary: %+v", resp.Summary)
	}
}

func TestScoreBatch_TooLarge(t *testing.T) {
	s, _ := newTestServer(t)

	txs := make([]map[string]any, 11)
	for i := range txs {
		txs[i] = txJSON(fmt.Sprintf("big_%d", i), "u1", "1")
	}
	w := do(t, s, http.MethodPost, "/v1/transactions/batch", map[string]any{"transactions": txs})
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("Expected 413, got %d", w.Code)
	}
	if body := decode[map[string]string](t, w); body["code"] != fraud.CodeBatchTooLarge {
		t.Errorf("Unexpected error body: %v", body)
	}
}

// ---------------------------------------------------------------------------
// Profile endpoint tests
// ---------------------------------------------------------------------------

func TestUserProfileEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		w := do(t, s, http.MethodPost, "/v1/transactions", txJSON(fmt.Sprintf("p_%d", i), "u_prof", "100"))
		if w.Code != http.StatusOK {
			t.Fatalf("score %d: %d", i, w.Code)
		}
	}

	w := do(t, s, http.MethodGet, "/v1/users/u_prof/profile", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	view := decode[engine.UserView](t, w)
	if view.Profile == nil || view.Profile.TransactionCount != 3 {
		t.Errorf("Expected 3 transactions in profile, got %+v", view.Profile)
	}
	if len(view.Velocity) != 3 {
		t.Errorf("Expected 3 velocity windows, got %d", len(view.Velocity))
	}
	if view.Assessment.RiskLevel == "" {
		t.Error("Expected a derived risk level")
	}
}

func TestMerchantProfileEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	do(t, s, http.MethodPost, "/v1/transactions", txJSON("mp_1", "u1", "100"))

	w := do(t, s, http.MethodGet, "/v1/merchants/m1/profile", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	view := decode[engine.MerchantView](t, w)
	if view.Profile == nil || view.Profile.TransactionCount != 1 {
		t.Errorf("Expected 1 transaction in merchant profile, got %+v", view.Profile)
	}

	long := strings.Repeat("m", fraud.MaxIDLength+1)
	if w := do(t, s, http.MethodGet, "/v1/merchants/"+long+"/profile", nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for oversize id, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Error mapping tests
// ---------------------------------------------------------------------------

// stubEngine returns fixed errors.
type stubEngine struct {
	err     error
	healthy bool
	checks  []health.Status
}

func (s *stubEngine) Score(context.Context, fraud.Transaction) (*fraud.ScoreResult, error) {
	return nil, s.err
}

func (s *stubEngine) ScoreBatch(context.Context, []fraud.Transaction) (*engine.BatchResult, error) {
	return &engine.BatchResult{Items: []engine.BatchItem{{Err: s.err}}, Summary: engine.BatchSummary{Failed: 1}}, nil
}

func (s *stubEngine) UserProfile(context.Context, string) (*engine.UserView, error) {
	return nil, s.err
}

func (s *stubEngine) MerchantProfile(context.Context, string) (*engine.MerchantView, error) {
	return nil, s.err
}

func (s *stubEngine) Health(context.Context) (bool, []health.Status) {
	return s.healthy, s.checks
}

func newStubServer(t *testing.T, eng *stubEngine) *Server {
	t.Helper()
	s, err := New(testConfig(), eng, WithLogger(quietLogger()), WithDrainDelay(0))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(s.rateLimiter.Stop)
	return s
}

func TestErrorMapping(t *testing.T) {
	stageErr := &engine.StageError{Stage: engine.StagePersisted, TxID: "tx_1", Err: profile.ErrUnavailable}

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"stage error", stageErr, http.StatusServiceUnavailable, "unavailable"},
		{"pool exhausted", engine.ErrCanceled, http.StatusServiceUnavailable, "unavailable"},
		{"profile store down", fmt.Errorf("user u1: %w", profile.ErrUnavailable), http.StatusServiceUnavailable, "unavailable"},
		{"unexpected", fmt.Errorf("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStubServer(t, &stubEngine{err: tc.err, healthy: true})

			w := do(t, s, http.MethodPost, "/v1/transactions", txJSON("tx_1", "u1", "1"))
			if w.Code != tc.status {
				t.Fatalf("Expected %d, got %d", tc.status, w.Code)
			}
			body := decode[map[string]any](t, w)
			if body["error"] != tc.code {
				t.Errorf("Expected error %q, got %v", tc.code, body["error"])
			}
			if tc.status == http.StatusServiceUnavailable && w.Header().Get("Retry-After") == "" {
				t.Error("Expected Retry-After on 503")
			}
		})
	}

	s := newStubServer(t, &stubEngine{err: stageErr, healthy: true})
	w := do(t, s, http.MethodPost, "/v1/transactions", txJSON("tx_1", "u1", "1"))
	if body := decode[map[string]any](t, w); body["stage"] != string(engine.StagePersisted) {
		t.Errorf("Expected failing stage in body, got %v", body)
	}

	w = do(t, s, http.MethodPost, "/v1/transactions/batch", map[string]any{"transactions": []any{txJSON("tx_1", "u1", "1")}})
	resp := decode[BatchResponse](t, w)
	if resp.Results[0].Error == nil || resp.Results[0].Error.Stage != string(engine.StagePersisted) {
		t.Errorf("Expected batch item stage error, got %+v", resp.Results[0])
	}
}

func TestHealthEndpoint_Statuses(t *testing.T) {
	s := newStubServer(t, &stubEngine{healthy: false, checks: []health.Status{{Name: "profile_store", Detail: "down"}}})
	if w := do(t, s, http.MethodGet, "/health", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 for unhealthy store, got %d", w.Code)
	}

	s = newStubServer(t, &stubEngine{healthy: true, checks: []health.Status{
		{Name: "scorer", Healthy: true, Detail: "degraded: circuit open"},
	}})
	w := do(t, s, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for degraded scorer, got %d", w.Code)
	}
	if resp := decode[HealthResponse](t, w); resp.Status != "degraded" {
		t.Errorf("Expected degraded, got %s", resp.Status)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, http.MethodGet, "/v1/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "upstream-123")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "upstream-123" {
		t.Errorf("Expected upstream request id, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "has space")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); !strings.HasPrefix(got, "req_") {
		t.Errorf("Expected generated request id, got %q", got)
	}
}

func TestRunAndShutdown(t *testing.T) {
	s, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !s.ready.Load() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !s.ready.Load() {
		t.Fatal("server never became ready")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if s.ready.Load() {
		t.Error("server should not be ready after shutdown")
	}
}
