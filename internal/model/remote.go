package model

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Remote calls an HTTP scoring service:
//
//	POST {url}  {"features": [...]}  ->  {"score": 0.42}
//
// When a secret is set the body is signed in X-Risk-Signature.
type Remote struct {
	url    string
	secret string
	client *http.Client
}

// NewRemote creates a remote scorer. timeout defaults to 1s.
func NewRemote(url, secret string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Remote{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: timeout},
	}
}

func (r *Remote) Name() string { return TypeRemote }

type remoteRequest struct {
	Features []float64 `json:"features"`
}

type remoteResponse struct {
	Score *float64 `json:"score"`
}

func (r *Remote) Score(ctx context.Context, x []float64) (float64, error) {
	payload, err := json.Marshal(remoteRequest{Features: x})
	if err != nil {
		return 0, fmt.Errorf("model: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("model: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.secret != "" {
		mac := hmac.New(sha256.New, []byte(r.secret))
		mac.Write(payload)
		req.Header.Set("X-Risk-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("model: remote request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("model: remote status %d", resp.StatusCode)
	}
	var out remoteResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
		return 0, fmt.Errorf("model: decode response: %w", err)
	}
	if out.Score == nil {
		return 0, fmt.Errorf("model: response has no score")
	}
	return *out.Score, nil
}
