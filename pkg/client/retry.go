package client

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odata_retries_total",
		Help: "Total number of retry attempts by error kind",
	}, []string{"reason"})

	retryBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "odata_retry_backoff_seconds",
		Help:    "Backoff duration before a retry",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odata_retry_exhausted_total",
		Help: "Total number of requests that failed after all retry attempts",
	}, []string{"reason"})
)

// RetryPolicy configures retry behavior with exponential backoff.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first
	MaxAttempts int

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration

	// MaxDelay caps every delay, jitter included
	MaxDelay time.Duration

	// BackoffFactor multiplies the delay after each attempt
	BackoffFactor float64

	// RetryableStatusCodes lists the HTTP statuses that are retried
	RetryableStatusCodes map[int]bool

	// RetryNetworkErrors enables retries of transport failures
	RetryNetworkErrors bool
}

// DefaultRetryPolicy returns the default policy: 3 attempts starting at 1s,
// doubling up to 30s, retrying 429, 503, 504 and transport errors.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		RetryableStatusCodes: map[int]bool{
			http.StatusTooManyRequests:    true,
			http.StatusServiceUnavailable: true,
			http.StatusGatewayTimeout:     true,
		},
		RetryNetworkErrors: true,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = def.BackoffFactor
	}
	if p.RetryableStatusCodes == nil {
		p.RetryableStatusCodes = def.RetryableStatusCodes
	}
	return p
}

// BaseDelay returns the backoff before jitter for a zero-based attempt.
func (p RetryPolicy) BaseDelay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Delay returns the backoff for attempt with jitter in [0,1) mapped to
// 0-20% of the base delay, capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int, jitter float64) time.Duration {
	base := p.BaseDelay(attempt)
	d := base + time.Duration(float64(base)*0.2*jitter)
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// IsRetryable reports whether err is retried under p.
func (p RetryPolicy) IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		switch {
		case e.Kind == KindTransport:
			return p.RetryNetworkErrors
		case e.StatusCode > 0:
			return p.RetryableStatusCodes[e.StatusCode]
		default:
			return false
		}
	}
	return p.RetryNetworkErrors && isTransportError(err)
}

// RetryObserver is called before each backoff sleep.
type RetryObserver func(attempt int, err error, delay time.Duration)

// Retrier executes operations under a RetryPolicy.
type Retrier struct {
	policy   RetryPolicy
	observer RetryObserver
	timer    retry.Timer
	jitter   func() float64
	logger   zerolog.Logger
}

// RetrierOption configures a Retrier.
type RetrierOption func(*Retrier)

// WithRetryObserver registers an observer.
func WithRetryObserver(fn RetryObserver) RetrierOption {
	return func(r *Retrier) { r.observer = fn }
}

// WithRetryTimer replaces the sleep timer (for testing).
func WithRetryTimer(t retry.Timer) RetrierOption {
	return func(r *Retrier) { r.timer = t }
}

// WithJitter replaces the jitter source. It must return values in [0,1).
func WithJitter(fn func() float64) RetrierOption {
	return func(r *Retrier) { r.jitter = fn }
}

// NewRetrier creates a Retrier.
func NewRetrier(policy RetryPolicy, logger zerolog.Logger, opts ...RetrierOption) *Retrier {
	r := &Retrier{
		policy: policy.withDefaults(),
		jitter: rand.Float64,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the effective policy.
func (r *Retrier) Policy() RetryPolicy {
	return r.policy
}

// Do runs fn until it succeeds, fails with a non-retryable error or the
// attempts are exhausted. The last error is returned unchanged.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempt := 0

	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(r.policy.MaxAttempts)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return ctx.Err() == nil && r.policy.IsRetryable(err)
		}),
		retry.DelayType(func(_ uint, err error, _ *retry.Config) time.Duration {
			delay := r.delayFor(attempt-1, err)
			reason := reasonOf(err)

			retriesTotal.WithLabelValues(reason).Inc()
			retryBackoffSeconds.Observe(delay.Seconds())
			r.logger.Warn().
				Err(err).
				Int("attempt", attempt).
				Int("max_attempts", r.policy.MaxAttempts).
				Dur("backoff", delay).
				Str("reason", reason).
				Msg("Retrying SAP request")

			if r.observer != nil {
				r.observer(attempt-1, err, delay)
			}
			return delay
		}),
	}
	if r.timer != nil {
		opts = append(opts, retry.WithTimer(r.timer))
	}

	err := retry.Do(func() error {
		attempt++
		return fn(ctx)
	}, opts...)

	// Cancellation wins over the error of the interrupted attempt
	if ctxErr := ctx.Err(); err != nil && ctxErr != nil && !errors.Is(err, ctxErr) {
		return ctxErr
	}

	if err != nil && attempt >= r.policy.MaxAttempts && r.policy.IsRetryable(err) {
		reason := reasonOf(err)
		retryExhaustedTotal.WithLabelValues(reason).Inc()
		r.logger.Error().
			Err(err).
			Int("attempts", attempt).
			Str("reason", reason).
			Msg("Retry attempts exhausted")
	}
	return err
}

// delayFor computes the backoff for a zero-based attempt, raised to the
// server's Retry-After when present.
func (r *Retrier) delayFor(attempt int, err error) time.Duration {
	delay := r.policy.Delay(attempt, r.jitter())

	var e *Error
	if errors.As(err, &e) && e.Header != nil {
		if after, ok := parseRetryAfter(e.Header.Get("Retry-After"), time.Now()); ok && after > delay {
			delay = after
		}
	}
	if delay > r.policy.MaxDelay {
		delay = r.policy.MaxDelay
	}
	return delay
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func reasonOf(err error) string {
	if kind := KindOf(err); kind != "" {
		return string(kind)
	}
	if isTransportError(err) {
		return string(KindTransport)
	}
	return "unknown"
}
