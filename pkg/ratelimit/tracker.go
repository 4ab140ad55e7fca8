package ratelimit

import (
	"sync"

	"github.com/rs/zerolog"
)

// Tracker owns one Throttle per execution scope.
type Tracker struct {
	mu        sync.Mutex
	config    Config
	throttles map[string]*Throttle
	logger    zerolog.Logger
}

// NewTracker creates a tracker that builds throttles from cfg.
func NewTracker(cfg Config, logger zerolog.Logger) *Tracker {
	return &Tracker{
		config:    cfg,
		throttles: make(map[string]*Throttle),
		logger:    logger,
	}
}

// For returns the throttle of scope, creating it on first use.
func (t *Tracker) For(scope string) *Throttle {
	t.mu.Lock()
	defer t.mu.Unlock()

	if th, ok := t.throttles[scope]; ok {
		return th
	}
	th := NewThrottle(scope, t.config, t.logger)
	t.throttles[scope] = th
	t.logger.Debug().Str("scope", scope).Msg("Throttle created")
	return th
}

// Release drops the throttle of scope.
func (t *Tracker) Release(scope string) {
	t.mu.Lock()
	delete(t.throttles, scope)
	t.mu.Unlock()
}

// States returns a snapshot of every live throttle.
func (t *Tracker) States() []State {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]State, 0, len(t.throttles))
	for _, th := range t.throttles {
		out = append(out, th.State())
	}
	return out
}
