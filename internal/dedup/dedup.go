// Package dedup is the idempotency ledger: it records which transaction ids
// have been claimed or completed so a replayed transaction returns the
// original result instead of being scored twice.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/riskengine/internal/fraud"
	"github.com/mbd888/riskengine/internal/retry"
)

var (
	// ErrUnavailable wraps ledger backend failures.
	ErrUnavailable = errors.New("dedup: ledger unavailable")
	// ErrInFlight is returned by Await when another worker still holds the
	// claim at the deadline.
	ErrInFlight = errors.New("dedup: transaction in flight")
)

// State is the outcome of a claim attempt.
type State int

const (
	// Claimed means the caller now owns the transaction and must Complete
	// or Release it.
	Claimed State = iota
	// Completed means the transaction was already scored; Result is set.
	Completed
	// InFlight means another worker holds an unexpired claim.
	InFlight
)

func (s State) String() string {
	switch s {
	case Claimed:
		return "claimed"
	case Completed:
		return "completed"
	case InFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// Claim is the result of Ledger.Claim.
type Claim struct {
	State  State
	Result *fraud.ScoreResult
}

// Ledger tracks transaction ids. Claims expire after a lease so a crashed
// worker does not block a transaction forever; completed results are kept
// for the retention period.
type Ledger interface {
	Claim(ctx context.Context, txID string) (Claim, error)
	Complete(ctx context.Context, txID string, result *fraud.ScoreResult) error
	Release(ctx context.Context, txID string) error
	Lookup(ctx context.Context, txID string) (*fraud.ScoreResult, bool, error)
	Ping(ctx context.Context) error
}

// Defaults for lease and retention.
const (
	DefaultLease     = 30 * time.Second
	DefaultRetention = 24 * time.Hour
)

// Await claims txID, polling with backoff while another worker holds it.
// It returns once the caller owns the claim or a completed result exists,
// or ErrInFlight when ctx ends first.
func Await(ctx context.Context, l Ledger, txID string) (Claim, error) {
	backoff := retry.Backoff{Base: 2 * time.Millisecond, Max: 50 * time.Millisecond}
	for {
		c, err := l.Claim(ctx, txID)
		if err != nil || c.State != InFlight {
			return c, err
		}
		select {
		case <-ctx.Done():
			return c, fmt.Errorf("%s: %w: %w", txID, ErrInFlight, ctx.Err())
		case <-time.After(backoff.Next()):
		}
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
