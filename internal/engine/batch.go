package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/riskengine/internal/fraud"
)

// BatchItem is the per-transaction outcome of a batch, aligned with the
// input position.
type BatchItem struct {
	Result *fraud.ScoreResult
	Err    error
}

// BatchSummary aggregates the successful items of a batch.
type BatchSummary struct {
	Processed      int     `json:"processed"`
	Failed         int     `json:"failed"`
	FraudCount     int     `json:"fraud_count"`
	AverageScore   float64 `json:"average_score"`
	TotalLatencyMs float64 `json:"total_latency_ms"`
}

// BatchResult holds one item per input transaction in input order.
type BatchResult struct {
	Items   []BatchItem
	Summary BatchSummary
}

// ScoreBatch scores independent transactions concurrently on the shared
// pool. One item's failure does not affect the others. When ctx ends,
// items not yet started fail with ErrCanceled while started items finish.
func (e *Engine) ScoreBatch(ctx context.Context, txs []fraud.Transaction) (*BatchResult, error) {
	if len(txs) > e.maxBatch {
		return nil, fraud.Invalid(fraud.CodeBatchTooLarge, "transactions",
			fmt.Sprintf("batch of %d exceeds the limit of %d", len(txs), e.maxBatch))
	}

	start := time.Now()
	items := make([]BatchItem, len(txs))
	var wg sync.WaitGroup
	for i := range txs {
		if ctx.Err() != nil || e.pool.Acquire(ctx) != nil {
			for j := i; j < len(txs); j++ {
				items[j].Err = ErrCanceled
			}
			break
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer e.pool.Release()
			items[i].Result, items[i].Err = e.Process(context.WithoutCancel(ctx), txs[i])
		}(i)
	}
	wg.Wait()

	return &BatchResult{Items: items, Summary: summarize(items, time.Since(start))}, nil
}

func summarize(items []BatchItem, elapsed time.Duration) BatchSummary {
	var (
		s   BatchSummary
		sum float64
	)
	for _, it := range items {
		if it.Err != nil {
			s.Failed++
			continue
		}
		s.Processed++
		sum += it.Result.RiskScore
		if it.Result.IsFraud {
			s.FraudCount++
		}
	}
	if s.Processed > 0 {
		s.AverageScore = sum / float64(s.Processed)
	}
	s.TotalLatencyMs = float64(elapsed.Microseconds()) / 1000
	return s
}
