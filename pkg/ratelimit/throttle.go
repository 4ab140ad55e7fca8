package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	throttleDeniedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "odata_throttle_denied_total",
		Help: "Total number of requests dropped by the client throttle",
	})

	throttleWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "odata_throttle_wait_seconds",
		Help:    "Time spent waiting for a throttle token",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})
)

// Throttle is a token bucket for one execution scope.
type Throttle struct {
	scope    string
	config   Config
	limiter  *rate.Limiter
	logger   zerolog.Logger
	admitted atomic.Int64
	denied   atomic.Int64
}

// NewThrottle creates a throttle. Invalid limits fall back to the defaults.
func NewThrottle(scope string, cfg Config, logger zerolog.Logger) *Throttle {
	if cfg.MaxRequestsPerSecond <= 0 {
		cfg.MaxRequestsPerSecond = DefaultRequestsPerSecond
	}
	if cfg.BurstSize < 1 {
		cfg.BurstSize = DefaultBurstSize
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyDelay
	}

	return &Throttle{
		scope:   scope,
		config:  cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), cfg.BurstSize),
		logger:  logger.With().Str("scope", scope).Logger(),
	}
}

// Acquire takes one token. With the delay strategy it blocks until a token
// is available or ctx is done. With the drop strategy it returns false
// immediately when the bucket is empty.
func (t *Throttle) Acquire(ctx context.Context) (bool, error) {
	if !t.config.Enabled {
		t.admitted.Add(1)
		return true, nil
	}

	if t.config.Strategy == StrategyDrop {
		if !t.limiter.Allow() {
			t.denied.Add(1)
			throttleDeniedTotal.Inc()
			t.logger.Warn().Msg("Request dropped by throttle")
			return false, nil
		}
		t.admitted.Add(1)
		return true, nil
	}

	start := time.Now()
	if err := t.limiter.Wait(ctx); err != nil {
		return false, err
	}
	waited := time.Since(start)
	throttleWaitSeconds.Observe(waited.Seconds())
	if waited > 100*time.Millisecond {
		t.logger.Debug().Dur("waited", waited).Msg("Request delayed by throttle")
	}
	t.admitted.Add(1)
	return true, nil
}

// State returns a snapshot of the bucket.
func (t *Throttle) State() State {
	return State{
		Scope:           t.scope,
		Enabled:         t.config.Enabled,
		Strategy:        t.config.Strategy,
		TokensAvailable: t.limiter.Tokens(),
		Admitted:        t.admitted.Load(),
		Denied:          t.denied.Load(),
	}
}
