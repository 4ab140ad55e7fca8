package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/sap-odata-client/pkg/cache"
)

var storeErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "odata_session_store_errors_total",
		Help: "Total number of session store failures",
	},
	[]string{"op"}, // "get", "set", "delete", "decode"
)

// Config holds session lifetimes.
type Config struct {
	SessionTimeout time.Duration
	CSRFTimeout    time.Duration
}

// DefaultConfig returns the default session lifetimes.
func DefaultConfig() Config {
	return Config{
		SessionTimeout: DefaultSessionTimeout,
		CSRFTimeout:    DefaultCSRFTimeout,
	}
}

// Manager owns session state in a cache.Store.
// Store failures are logged and treated as an absent session.
type Manager struct {
	store  cache.Store
	config Config
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	written map[string]struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the manager logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a session manager.
func NewManager(store cache.Store, cfg Config, opts ...Option) *Manager {
	if store == nil {
		panic("session store cannot be nil")
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.CSRFTimeout <= 0 {
		cfg.CSRFTimeout = DefaultCSRFTimeout
	}

	m := &Manager{
		store:   store,
		config:  cfg,
		logger:  log.With().Str("component", "session").Logger(),
		now:     time.Now,
		written: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetSession returns the session for key, or nil if absent or expired.
func (m *Manager) GetSession(ctx context.Context, key Key) *Session {
	return m.load(ctx, key.String())
}

func (m *Manager) load(ctx context.Context, storeKey string) *Session {
	data, err := m.store.Get(ctx, storeKey)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			storeErrors.WithLabelValues("get").Inc()
			m.logger.Warn().Err(err).Msg("Session read failed")
		}
		return nil
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		storeErrors.WithLabelValues("decode").Inc()
		m.logger.Warn().Err(err).Msg("Discarding undecodable session")
		_ = m.store.Delete(ctx, storeKey)
		return nil
	}

	if !m.now().Before(s.ExpiresAt) {
		_ = m.store.Delete(ctx, storeKey)
		m.forget(storeKey)
		return nil
	}
	return &s
}

// SetSession merges u into the stored session, creating it if needed, and
// refreshes LastActivity and ExpiresAt.
func (m *Manager) SetSession(ctx context.Context, key Key, u Update) *Session {
	storeKey := key.String()

	s := m.load(ctx, storeKey)
	if s == nil {
		s = &Session{}
	}
	if u.CSRFToken != nil {
		s.CSRFToken = *u.CSRFToken
	}
	if len(u.Cookies) > 0 {
		s.Cookies = mergeCookies(s.Cookies, u.Cookies)
	}
	if u.ContextID != nil {
		s.ContextID = *u.ContextID
	}

	now := m.now()
	s.LastActivity = now
	s.ExpiresAt = now.Add(m.config.SessionTimeout)

	m.save(ctx, storeKey, s)
	return s
}

func (m *Manager) save(ctx context.Context, storeKey string, s *Session) {
	data, err := json.Marshal(s)
	if err != nil {
		storeErrors.WithLabelValues("set").Inc()
		m.logger.Warn().Err(err).Msg("Session encode failed")
		return
	}
	if err := m.store.Set(ctx, storeKey, data, m.config.SessionTimeout); err != nil {
		storeErrors.WithLabelValues("set").Inc()
		m.logger.Warn().Err(err).Msg("Session write failed")
		return
	}

	m.mu.Lock()
	m.written[storeKey] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) forget(storeKey string) {
	m.mu.Lock()
	delete(m.written, storeKey)
	m.mu.Unlock()
}

// Touch refreshes the activity timestamps of an existing session.
// It does not create a session.
func (m *Manager) Touch(ctx context.Context, key Key) {
	if m.GetSession(ctx, key) == nil {
		return
	}
	m.SetSession(ctx, key, Update{})
}

// GetCSRFToken returns the cached token, or "" when the session is absent
// or the token is older than the CSRF freshness window.
func (m *Manager) GetCSRFToken(ctx context.Context, key Key) string {
	s := m.GetSession(ctx, key)
	if s == nil || !IsUsableToken(s.CSRFToken) {
		return ""
	}
	if m.now().Sub(s.LastActivity) > m.config.CSRFTimeout {
		return ""
	}
	return s.CSRFToken
}

// UpdateCSRFToken stores token. An empty token invalidates the cached one.
// Protocol markers such as "Required" are ignored.
func (m *Manager) UpdateCSRFToken(ctx context.Context, key Key, token string) {
	token = strings.TrimSpace(token)
	if token != "" && !IsUsableToken(token) {
		return
	}
	m.SetSession(ctx, key, Update{CSRFToken: &token})
}

// UpdateCookies merges Set-Cookie header values into the session.
func (m *Manager) UpdateCookies(ctx context.Context, key Key, setCookies []string) {
	if len(setCookies) == 0 {
		return
	}
	m.SetSession(ctx, key, Update{Cookies: setCookies})
}

// CookieHeader renders the stored cookies as a Cookie header value.
func (m *Manager) CookieHeader(ctx context.Context, key Key) string {
	s := m.GetSession(ctx, key)
	if s == nil {
		return ""
	}
	return strings.Join(s.Cookies, "; ")
}

// ContextID returns the stored SAP-ContextId.
func (m *Manager) ContextID(ctx context.Context, key Key) string {
	s := m.GetSession(ctx, key)
	if s == nil {
		return ""
	}
	return s.ContextID
}

// UpdateContextID stores the SAP-ContextId.
func (m *Manager) UpdateContextID(ctx context.Context, key Key, id string) {
	m.SetSession(ctx, key, Update{ContextID: &id})
}

// ClearSession deletes the session.
func (m *Manager) ClearSession(ctx context.Context, key Key) {
	storeKey := key.String()
	if err := m.store.Delete(ctx, storeKey); err != nil {
		storeErrors.WithLabelValues("delete").Inc()
		m.logger.Warn().Err(err).Msg("Session delete failed")
	}
	m.forget(storeKey)
}

// CleanupExpired deletes expired sessions written by this manager and
// returns how many were removed. Sessions the store has already expired
// on its own are counted as removed too.
func (m *Manager) CleanupExpired(ctx context.Context) int {
	m.mu.Lock()
	keys := make([]string, 0, len(m.written))
	for k := range m.written {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	removed := 0
	for _, k := range keys {
		data, err := m.store.Get(ctx, k)
		if errors.Is(err, cache.ErrCacheMiss) {
			m.forget(k)
			removed++
			continue
		}
		if err != nil {
			storeErrors.WithLabelValues("get").Inc()
			continue
		}

		var s Session
		if err := json.Unmarshal(data, &s); err != nil || !m.now().Before(s.ExpiresAt) {
			_ = m.store.Delete(ctx, k)
			m.forget(k)
			removed++
		}
	}

	if removed > 0 {
		m.logger.Debug().Int("removed", removed).Msg("Expired sessions cleaned up")
	}
	return removed
}
