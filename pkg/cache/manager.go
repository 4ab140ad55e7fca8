package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Manager stores typed, expiring entries in a Store.
type Manager struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source used for entry expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the manager logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a new cache manager over store.
func NewManager(store Store, opts ...Option) *Manager {
	if store == nil {
		panic("cache store cannot be nil")
	}
	m := &Manager{
		store:  store,
		logger: log.With().Str("component", "cache").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the underlying store.
func (m *Manager) Store() Store {
	return m.store
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time {
	return m.now()
}

// GetEntry retrieves a typed entry.
// Returns ErrCacheMiss if the key doesn't exist or the entry is expired.
func GetEntry[T any](ctx context.Context, m *Manager, key Key) (T, error) {
	var zero T
	cacheKey := key.String()
	kind := string(key.Kind)

	data, err := m.store.Get(ctx, cacheKey)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			CacheMisses.WithLabelValues(kind).Inc()
			return zero, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return zero, err
	}

	var entry Entry[T]
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return zero, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	// Lazy expiry: the backend may still hold the key
	if entry.IsExpired(m.now()) {
		_ = m.Delete(ctx, key)
		CacheMisses.WithLabelValues(kind).Inc()
		return zero, ErrCacheMiss
	}

	CacheHits.WithLabelValues(kind).Inc()
	return entry.Value, nil
}

// SetEntry stores value under key for ttl. Non-positive TTLs are not cached.
func SetEntry[T any](ctx context.Context, m *Manager, key Key, value T, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	entry := Entry[T]{Value: value, ExpiresAt: m.now().Add(ttl)}
	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := m.store.Set(ctx, key.String(), data, ttl); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return err
	}
	return nil
}

// Delete removes a cache entry.
func (m *Manager) Delete(ctx context.Context, key Key) error {
	if err := m.store.Delete(ctx, key.String()); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		m.logger.Warn().Err(err).Str("kind", string(key.Kind)).Msg("Cache delete failed")
		return err
	}
	return nil
}
