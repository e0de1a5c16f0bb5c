// Package engine runs the scoring pipeline: validation, idempotency claim,
// feature extraction, rule evaluation, model fusion, profile write-back and
// result emission.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/riskengine/internal/circuitbreaker"
	"github.com/mbd888/riskengine/internal/config"
	"github.com/mbd888/riskengine/internal/dedup"
	"github.com/mbd888/riskengine/internal/features"
	"github.com/mbd888/riskengine/internal/fraud"
	"github.com/mbd888/riskengine/internal/health"
	"github.com/mbd888/riskengine/internal/logging"
	"github.com/mbd888/riskengine/internal/metrics"
	"github.com/mbd888/riskengine/internal/profile"
	"github.com/mbd888/riskengine/internal/retry"
	"github.com/mbd888/riskengine/internal/rules"
	"github.com/mbd888/riskengine/internal/traces"
	"github.com/mbd888/riskengine/internal/velocity"
)

// Defaults applied when no option overrides them.
const (
	DefaultStoreTimeout = 250 * time.Millisecond
	DefaultMaxBatchSize = 100
	DefaultClockSkew    = 5 * time.Minute

	storeAttempts  = 3
	storeBaseDelay = 5 * time.Millisecond
	storeMaxDelay  = 50 * time.Millisecond
)

// Scorer is the anomaly model as seen by the pipeline. Failures degrade the
// decision to rules only.
type Scorer interface {
	Name() string
	Score(ctx context.Context, features []float64) (float64, error)
}

// Emitter receives every freshly scored result. Emit must not block for
// long; failures are the emitter's concern.
type Emitter interface {
	Emit(ctx context.Context, r *fraud.ScoreResult)
}

// EmitterFunc adapts a function into an Emitter.
type EmitterFunc func(ctx context.Context, r *fraud.ScoreResult)

func (f EmitterFunc) Emit(ctx context.Context, r *fraud.ScoreResult) { f(ctx, r) }

// Engine scores transactions against the profile store. It is safe for
// concurrent use; scoring settings can be swapped at any time and apply
// from the next transaction on.
type Engine struct {
	store    profile.Store
	ledger   dedup.Ledger
	scorer   Scorer
	rt       atomic.Pointer[config.Runtime]
	pool     *Pool
	emitters []Emitter
	health   *health.Registry
	logger   *slog.Logger

	storeTimeout time.Duration
	maxBatch     int
	clockSkew    time.Duration
	now          func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithPool shares a worker pool with other callers such as the stream
// consumer. The default pool has 2×GOMAXPROCS slots.
func WithPool(p *Pool) Option { return func(e *Engine) { e.pool = p } }

// WithEmitter adds a result sink.
func WithEmitter(em Emitter) Option {
	return func(e *Engine) { e.emitters = append(e.emitters, em) }
}

// WithStoreTimeout bounds every store and ledger operation including
// retries.
func WithStoreTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.storeTimeout = d
		}
	}
}

func WithMaxBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxBatch = n
		}
	}
}

// WithClockSkew sets how far in the future a timestamp may be.
func WithClockSkew(d time.Duration) Option { return func(e *Engine) { e.clockSkew = d } }

// WithClock replaces the wall clock used for validation and result stamps.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New creates an engine over a compiled runtime.
func New(store profile.Store, ledger dedup.Ledger, scorer Scorer, rt *config.Runtime, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		ledger:       ledger,
		scorer:       scorer,
		logger:       slog.Default(),
		storeTimeout: DefaultStoreTimeout,
		maxBatch:     DefaultMaxBatchSize,
		clockSkew:    DefaultClockSkew,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.pool == nil {
		e.pool = NewPool(2 * runtime.GOMAXPROCS(0))
	}
	e.rt.Store(rt)
	e.health = e.newHealthRegistry()
	return e
}

// SetRuntime swaps the scoring settings. Transactions already past
// RECEIVED finish with the settings they started with.
func (e *Engine) SetRuntime(rt *config.Runtime) {
	e.rt.Store(rt)
	e.logger.Info("scoring settings applied",
		"windows", len(rt.Windows),
		"rules", len(rt.Rules.Definitions()),
		"threshold", rt.Policy.Threshold)
}

// Runtime returns the settings currently in effect.
func (e *Engine) Runtime() *config.Runtime { return e.rt.Load() }

// Pool returns the worker pool shared by every scoring path.
func (e *Engine) Pool() *Pool { return e.pool }

// Score runs one transaction through the pipeline on a pool slot.
func (e *Engine) Score(ctx context.Context, tx fraud.Transaction) (*fraud.ScoreResult, error) {
	if err := e.pool.Acquire(ctx); err != nil {
		return nil, ErrCanceled
	}
	defer e.pool.Release()
	return e.Process(ctx, tx)
}

// Process runs the pipeline without taking a pool slot. Callers that
// manage slots themselves, such as the stream consumer, use it directly.
//
// A *fraud.ValidationError means the input is invalid and must not be
// retried. A *StageError means a dependency failed; no partial state is
// visible and the transaction may be retried. A duplicate of a completed
// transaction returns the cached result.
func (e *Engine) Process(ctx context.Context, tx fraud.Transaction) (*fraud.ScoreResult, error) {
	start := time.Now()
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	tx = tx.Normalize()
	ctx = logging.WithLogger(logging.WithTx(ctx, tx.ID), e.logger)
	ctx, span := traces.StartSpan(ctx, "engine.Process",
		traces.TxID(tx.ID), traces.UserID(tx.UserID), traces.MerchantID(tx.MerchantID))

	res, err := e.process(ctx, tx, start)
	if err == nil {
		span.SetAttributes(traces.RiskScore(res.RiskScore))
	}
	traces.End(span, err)
	return res, err
}

func (e *Engine) process(ctx context.Context, tx fraud.Transaction, start time.Time) (*fraud.ScoreResult, error) {
	rt := e.rt.Load()

	// RECEIVED
	stageStart := time.Now()
	if err := tx.Validate(e.now(), e.clockSkew); err != nil {
		metrics.TransactionsTotal.WithLabelValues("invalid").Inc()
		logging.L(ctx).Debug("transaction rejected", "error", err)
		return nil, err
	}

	claim, err := e.claim(ctx, tx.ID)
	if err != nil {
		return nil, e.fail(ctx, StageReceived, tx.ID, "claim", err)
	}
	if claim.State == dedup.Completed {
		metrics.DedupTotal.WithLabelValues("completed").Inc()
		metrics.TransactionsTotal.WithLabelValues("duplicate").Inc()
		logging.L(ctx).Debug("duplicate transaction, returning cached result")
		return claim.Result.Clone(), nil
	}
	metrics.DedupTotal.WithLabelValues("claimed").Inc()
	observe(StageReceived, stageStart)

	res, stage, err := e.score(ctx, rt, tx, start)
	if err != nil {
		// The claim must not outlive a failure or the retry would wait
		// for the lease.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.storeTimeout)
		if rerr := e.ledger.Release(rctx, tx.ID); rerr != nil {
			logging.L(ctx).Warn("release claim failed", "error", rerr)
		}
		cancel()
		return nil, e.fail(ctx, stage, tx.ID, "score", err)
	}

	// EMITTED
	stageStart = time.Now()
	for _, em := range e.emitters {
		em.Emit(ctx, res.Clone())
	}
	observe(StageEmitted, stageStart)

	metrics.TransactionsTotal.WithLabelValues("scored").Inc()
	metrics.DecisionsTotal.WithLabelValues(string(res.RiskLevel)).Inc()
	for _, f := range res.Flags {
		metrics.RuleHitsTotal.WithLabelValues(f).Inc()
	}
	metrics.ScoringDuration.Observe(time.Since(start).Seconds())
	return res, nil
}

// score runs FEATURED through PERSISTED and reports the stage it stopped
// at on failure.
func (e *Engine) score(ctx context.Context, rt *config.Runtime, tx fraud.Transaction, start time.Time) (*fraud.ScoreResult, Stage, error) {
	// FEATURED
	stageStart := time.Now()
	var (
		user             *profile.UserProfile
		merchant         *profile.MerchantProfile
		userVelocity     velocity.Snapshot
		merchantVelocity velocity.Snapshot
	)
	tracker := velocity.NewTracker(e.store, rt.Windows)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.withStore(gctx, "load_user", func(ctx context.Context) (err error) {
			user, err = e.store.User(ctx, tx.UserID)
			return err
		})
	})
	g.Go(func() error {
		return e.withStore(gctx, "load_merchant", func(ctx context.Context) (err error) {
			merchant, err = e.store.Merchant(ctx, tx.MerchantID)
			return err
		})
	})
	g.Go(func() error {
		return e.withStore(gctx, "user_velocity", func(ctx context.Context) (err error) {
			userVelocity, err = tracker.RecordAndQuery(ctx, profile.UserKey(tx.UserID), tx.ID, tx.Amount, tx.Timestamp)
			return err
		})
	})
	g.Go(func() error {
		return e.withStore(gctx, "merchant_velocity", func(ctx context.Context) (err error) {
			merchantVelocity, err = tracker.RecordAndQuery(ctx, profile.MerchantKey(tx.MerchantID), tx.ID, tx.Amount, tx.Timestamp)
			return err
		})
	})
	if err := g.Wait(); err != nil {
		return nil, StageFeatured, err
	}
	vec := features.Extract(features.Input{
		Tx:               &tx,
		User:             user,
		Merchant:         merchant,
		UserVelocity:     userVelocity,
		MerchantVelocity: merchantVelocity,
	}, rt.Features)
	observe(StageFeatured, stageStart)

	// RULED
	stageStart = time.Now()
	outcome := rt.Rules.Evaluate(rules.Input{Tx: &tx, Features: vec})
	observe(StageRuled, stageStart)

	// FUSED
	stageStart = time.Now()
	ml, err := e.scorer.Score(ctx, vec.Values())
	if err != nil {
		reason := degradeReason(err)
		metrics.DegradedTotal.WithLabelValues(reason).Inc()
		logging.L(logging.WithStage(ctx, string(StageFused))).Warn("model unavailable, scoring with rules only",
			"reason", reason, "error", err)
	}
	d := rt.Policy.Decide(outcome, ml, err == nil)
	observe(StageFused, stageStart)

	flags := d.Flags
	if flags == nil {
		flags = []string{}
	}
	res := &fraud.ScoreResult{
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		MerchantID:    tx.MerchantID,
		RiskScore:     d.RiskScore,
		RiskLevel:     d.Level,
		IsFraud:       d.IsFraud,
		Action:        d.Action,
		Flags:         flags,
		MLScore:       d.MLScore,
		RuleScore:     d.RuleScore,
		Explanation:   d.Explanation,
		Degraded:      d.Degraded,
		Timestamp:     e.now().UTC(),
	}

	// PERSISTED
	stageStart = time.Now()
	o := profile.Outcome{
		TxID:       tx.ID,
		UserID:     tx.UserID,
		MerchantID: tx.MerchantID,
		Amount:     tx.Amount,
		Timestamp:  tx.Timestamp,
		Location:   tx.Location,
		DeviceID:   tx.DeviceID,
		Category:   tx.MerchantCategory(),
		RiskScore:  res.RiskScore,
		IsFraud:    res.IsFraud,
	}
	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.withStore(gctx, "apply_user", func(ctx context.Context) error {
			_, err := e.store.ApplyUser(ctx, tx.UserID, o)
			return err
		})
	})
	g.Go(func() error {
		return e.withStore(gctx, "apply_merchant", func(ctx context.Context) error {
			_, err := e.store.ApplyMerchant(ctx, tx.MerchantID, o)
			return err
		})
	})
	if err := g.Wait(); err != nil {
		return nil, StagePersisted, err
	}

	res.ProcessingTimeMs = float64(time.Since(start).Microseconds()) / 1000
	if err := e.withStore(ctx, "complete", func(ctx context.Context) error {
		return e.ledger.Complete(ctx, tx.ID, res)
	}); err != nil {
		return nil, StagePersisted, err
	}
	observe(StagePersisted, stageStart)
	return res, "", nil
}

// claim takes ownership of txID, waiting out another worker's claim for at
// most the store timeout.
func (e *Engine) claim(ctx context.Context, txID string) (dedup.Claim, error) {
	var c dedup.Claim
	err := e.withStore(ctx, "claim", func(ctx context.Context) (err error) {
		c, err = dedup.Await(ctx, e.ledger, txID)
		return err
	})
	return c, err
}

// withStore runs fn under the store timeout, retrying transient failures
// with bounded backoff.
func (e *Engine) withStore(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()

	policy := retry.Policy{Attempts: storeAttempts, BaseDelay: storeBaseDelay, MaxDelay: storeMaxDelay}
	err := policy.Do(ctx, func(int) error {
		err := fn(ctx)
		if err == nil || transient(err) {
			return err
		}
		return retry.Permanent(err)
	})
	if err != nil {
		metrics.DependencyErrorsTotal.WithLabelValues(dependencyOf(op), op).Inc()
	}
	return err
}

func (e *Engine) fail(ctx context.Context, stage Stage, txID, op string, err error) error {
	metrics.TransactionsTotal.WithLabelValues("failed").Inc()
	logging.L(logging.WithStage(ctx, string(stage))).Error("transaction failed", "op", op, "error", err)
	return stageErr(stage, txID, err)
}

func transient(err error) bool {
	return errors.Is(err, profile.ErrUnavailable) ||
		errors.Is(err, profile.ErrConflict) ||
		errors.Is(err, dedup.ErrUnavailable)
}

func dependencyOf(op string) string {
	if op == "claim" || op == "complete" {
		return "ledger"
	}
	return "profile_store"
}

func degradeReason(err error) string {
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

func observe(stage Stage, since time.Time) {
	metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(since).Seconds())
}
