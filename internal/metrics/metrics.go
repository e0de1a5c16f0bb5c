// Package metrics provides Prometheus instrumentation for the risk engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const namespace = "riskengine"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransactionsTotal counts pipeline outcomes: scored, duplicate, invalid, failed.
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Transactions processed by outcome.",
		},
		[]string{"outcome"},
	)

	// DecisionsTotal counts emitted decisions by risk level.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Emitted score results by risk level.",
		},
		[]string{"risk_level"},
	)

	// RuleHitsTotal counts triggered flags by code.
	RuleHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_hits_total",
			Help:      "Triggered rule and degradation flags by code.",
		},
		[]string{"flag"},
	)

	// StageDuration observes per-stage pipeline latency.
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage latency in seconds.",
			Buckets:   []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		},
		[]string{"stage"},
	)

	// ScoringDuration observes end-to-end scoring latency.
	ScoringDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "scoring_duration_seconds",
		Help:      "End-to-end scoring latency in seconds.",
		Buckets:   []float64{.0005, .001, .0025, .005, .0075, .01, .025, .05, .1, .25, .5},
	})

	// DegradedTotal counts rule-only decisions taken because the model was unavailable.
	DegradedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_scoring_total",
			Help:      "Rule-only decisions by model failure reason.",
		},
		[]string{"reason"},
	)

	// DedupTotal counts idempotency ledger claim results.
	DedupTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_claims_total",
			Help:      "Idempotency claims by result: claimed, completed, in_flight.",
		},
		[]string{"result"},
	)

	// DependencyErrorsTotal counts failed calls to stores by dependency and operation.
	DependencyErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dependency_errors_total",
			Help:      "Dependency call failures by dependency and operation.",
		},
		[]string{"dependency", "op"},
	)

	// InFlight tracks transactions currently inside the pipeline.
	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "in_flight_transactions",
		Help:      "Transactions currently being scored.",
	})

	// PoolCapacity tracks the worker pool size.
	PoolCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_pool_capacity",
		Help:      "Configured worker pool slots.",
	})

	// StreamMessagesTotal counts stream messages by disposition.
	StreamMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_messages_total",
			Help:      "Stream messages by disposition: acked, dead_lettered, redeliver.",
		},
		[]string{"disposition"},
	)

	// StreamPauses counts consumer backoff pauses after dependency failures.
	StreamPauses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_backoff_pauses_total",
		Help:      "Times the stream consumer paused fetching after dependency failures.",
	})

	// StreamPending is the consumer group's delivered but unacknowledged
	// entry count.
	StreamPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stream_pending_messages",
		Help:      "Entries delivered to the consumer group but not yet acknowledged.",
	})

	// ConfigReloadsTotal counts scoring configuration reloads by result.
	ConfigReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Scoring configuration reload attempts by result.",
		},
		[]string{"result"},
	)

	// RateLimitedTotal counts requests rejected by the API rate limiter.
	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_requests_total",
		Help:      "HTTP requests rejected with 429.",
	})

	// ActiveWebSocketClients tracks connected result-feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// DBOpenConnections tracks open ledger database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use ledger database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// RedisTotalConns tracks connections in the Redis pool.
	RedisTotalConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "redis_pool_total_connections",
		Help: "Connections in the Redis pool.",
	})
	// RedisPoolTimeouts tracks Redis pool wait timeouts.
	RedisPoolTimeouts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "redis_pool_timeouts_total",
		Help: "Times a Redis pool connection wait timed out.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransactionsTotal,
		DecisionsTotal,
		RuleHitsTotal,
		StageDuration,
		ScoringDuration,
		DegradedTotal,
		DedupTotal,
		DependencyErrorsTotal,
		InFlight,
		PoolCapacity,
		StreamMessagesTotal,
		StreamPauses,
		StreamPending,
		ConfigReloadsTotal,
		RateLimitedTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		RedisTotalConns,
		RedisPoolTimeouts,
		GoroutineCount,
	)
}

// StartPoolStatsCollector samples connection pool stats of whichever
// backends are configured (nil ones are skipped) plus the goroutine count.
// Call in a goroutine; exits when ctx is done.
func StartPoolStatsCollector(ctx context.Context, db *sql.DB, rdb *redis.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if db != nil {
				stats := db.Stats()
				DBOpenConnections.Set(float64(stats.OpenConnections))
				DBInUseConnections.Set(float64(stats.InUse))
			}
			if rdb != nil {
				stats := rdb.PoolStats()
				RedisTotalConns.Set(float64(stats.TotalConns))
				RedisPoolTimeouts.Set(float64(stats.Timeouts))
			}
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Route pattern, not raw path, keeps label cardinality bounded.
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, c.FullPath()))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
