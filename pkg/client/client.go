// Package client provides the SAP Gateway OData request executor with CSRF
// handling, session persistence, throttling, retries and metadata caching.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/sap-odata-client/pkg/batch"
	"github.com/Sternrassler/sap-odata-client/pkg/cache"
	"github.com/Sternrassler/sap-odata-client/pkg/logging"
	"github.com/Sternrassler/sap-odata-client/pkg/odata"
	"github.com/Sternrassler/sap-odata-client/pkg/ratelimit"
	"github.com/Sternrassler/sap-odata-client/pkg/session"
)

// Prometheus metrics for client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odata_requests_total",
		Help: "Total SAP OData requests by method and status",
	}, []string{"method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odata_request_duration_seconds",
		Help:    "SAP OData request duration in seconds by method, retries included",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odata_errors_total",
		Help: "Total failed SAP OData operations by error kind",
	}, []string{"kind"})

	csrfFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odata_csrf_fetches_total",
		Help: "CSRF token lookups by result",
	}, []string{"result"}) // "cached", "fetched", "failed"

	batchOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odata_batch_operations_total",
		Help: "Batch operations by result",
	}, []string{"result"}) // "success", "failure"
)

// CatalogServicePath is the SAP Gateway service catalog.
const CatalogServicePath = "/sap/opu/odata/IWFND/CATALOGSERVICE;v=2/"

// Config holds the client configuration.
type Config struct {
	// Credentials of the SAP system (REQUIRED)
	Credentials Credentials

	// ServicePath is the default service for requests without their own
	ServicePath ServicePathSource

	// Scope isolates sessions, caches and the throttle of one execution
	Scope string

	// Store persists sessions, metadata and tokens (REQUIRED)
	Store cache.Store

	// Retry
	Retry RetryPolicy

	// Throttling
	Throttle ratelimit.Config

	// Transport
	Pool              PoolConfig
	AllowPrivateHosts bool
	Headers           map[string]string
	UserAgent         string

	// Sessions
	SessionTimeout time.Duration
	CSRFTimeout    time.Duration

	// Caching
	MetadataTTL time.Duration
	CatalogTTL  time.Duration

	// Writes
	UpdateMethod string // PATCH (default), PUT or MERGE
	MaxBatchSize int
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(store cache.Store, creds Credentials) Config {
	return Config{
		Credentials:    creds,
		Scope:          "default",
		Store:          store,
		Retry:          DefaultRetryPolicy(),
		Throttle:       ratelimit.DefaultConfig(),
		Pool:           DefaultPoolConfig(),
		UserAgent:      "sap-odata-client/1.0",
		SessionTimeout: session.DefaultSessionTimeout,
		CSRFTimeout:    session.DefaultCSRFTimeout,
		MetadataTTL:    1 * time.Hour,
		CatalogTTL:     1 * time.Hour,
		UpdateMethod:   http.MethodPatch,
		MaxBatchSize:   batch.DefaultMaxBatchSize,
	}
}

// Client executes requests against one SAP system.
type Client struct {
	transport Transport
	builder   *RequestBuilder
	sessions  *session.Manager
	cache     *cache.Manager
	throttles *ratelimit.Tracker
	throttle  *ratelimit.Throttle
	retrier   *Retrier
	tokens    *tokenSource
	config    Config
	logger    zerolog.Logger
}

// Option configures a Client.
type Option func(*options)

type options struct {
	transport    Transport
	tracker      *ratelimit.Tracker
	logger       *zerolog.Logger
	now          func() time.Time
	retrierOpts  []RetrierOption
	resolver     Resolver
	oauthHTTPCli *http.Client
}

// WithTransport replaces the HTTP transport.
func WithTransport(t Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithThrottleTracker shares a throttle tracker between clients.
func WithThrottleTracker(t *ratelimit.Tracker) Option {
	return func(o *options) { o.tracker = t }
}

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// WithClock overrides the time source of sessions and caches.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRetrierOptions passes options to the retrier.
func WithRetrierOptions(opts ...RetrierOption) Option {
	return func(o *options) { o.retrierOpts = append(o.retrierOpts, opts...) }
}

// WithResolver replaces the DNS resolver used for host validation.
func WithResolver(r Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithOAuthHTTPClient sets the HTTP client used for token requests.
func WithOAuthHTTPClient(c *http.Client) Option {
	return func(o *options) { o.oauthHTTPCli = c }
}

// New creates a new SAP OData client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if err := cfg.Credentials.Validate(); err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}
	if _, err := url.Parse(cfg.Credentials.Host); err != nil {
		return nil, fmt.Errorf("invalid host: %w", err)
	}
	if err := cfg.Throttle.Validate(); err != nil {
		return nil, fmt.Errorf("throttle: %w", err)
	}
	if cfg.Scope == "" {
		cfg.Scope = "default"
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = batch.DefaultMaxBatchSize
	}
	if cfg.UpdateMethod == "" {
		cfg.UpdateMethod = http.MethodPatch
	}
	switch strings.ToUpper(cfg.UpdateMethod) {
	case http.MethodPatch, http.MethodPut, "MERGE":
		cfg.UpdateMethod = strings.ToUpper(cfg.UpdateMethod)
	default:
		return nil, fmt.Errorf("unsupported update method %q", cfg.UpdateMethod)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	// Initialize logger
	logger := logging.NewLogger("odata-client")
	if o.logger != nil {
		logger = *o.logger
	}
	logger = logger.With().Str("scope", cfg.Scope).Logger()

	transport := o.transport
	if transport == nil {
		transport = NewHTTPTransport(cfg.Pool)
	}
	oauthClient := o.oauthHTTPCli
	if hc, ok := transport.(*http.Client); ok && oauthClient == nil {
		oauthClient = hc
	}

	var cacheOpts []cache.Option
	sessionOpts := []session.Option{session.WithLogger(logger)}
	if o.now != nil {
		cacheOpts = append(cacheOpts, cache.WithClock(o.now))
		sessionOpts = append(sessionOpts, session.WithClock(o.now))
	}
	cacheOpts = append(cacheOpts, cache.WithLogger(logger))

	tracker := o.tracker
	if tracker == nil {
		tracker = ratelimit.NewTracker(cfg.Throttle, logger)
	}

	builder := NewRequestBuilder()
	if o.resolver != nil {
		builder.resolve = o.resolver
	}

	c := &Client{
		transport: transport,
		builder:   builder,
		sessions: session.NewManager(cfg.Store, session.Config{
			SessionTimeout: cfg.SessionTimeout,
			CSRFTimeout:    cfg.CSRFTimeout,
		}, sessionOpts...),
		cache:     cache.NewManager(cfg.Store, cacheOpts...),
		throttles: tracker,
		throttle:  tracker.For(cfg.Scope),
		retrier:   NewRetrier(cfg.Retry, logger, o.retrierOpts...),
		config:    cfg,
		logger:    logger,
	}

	if cfg.Credentials.AuthMode == AuthOAuth2 {
		c.tokens = &tokenSource{
			creds:      cfg.Credentials.OAuth,
			scope:      cfg.Scope,
			cache:      c.cache,
			httpClient: oauthClient,
			logger:     logger,
		}
	}

	return c, nil
}

// Request is one logical OData call.
type Request struct {
	Method      string
	Resource    string
	Query       url.Values
	Body        any
	ContentType string
	Accept      string
	ServicePath ServicePathSource
	Headers     map[string]string
}

// Response is a successful OData response with its body read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return decodeError("decode response body", err)
	}
	return nil
}

// Envelope decodes the body and classifies its OData envelope.
func (r *Response) Envelope() (odata.Envelope, error) {
	if len(r.Body) == 0 {
		return odata.Classify(nil), nil
	}
	env, err := odata.Decode(r.Body)
	if err != nil {
		return odata.Envelope{}, decodeError("decode response body", err)
	}
	return env, nil
}

// exchange is one wire request, reissued on every retry attempt.
type exchange struct {
	method      string
	servicePath string
	resource    string
	query       url.Values
	body        []byte
	contentType string
	accept      string
	headers     map[string]string
	csrf        string
	bearer      string
	session     session.Key
}

// Execute performs a request with CSRF handling, throttling, auth and
// retries. Session cookies, CSRF token and SAP-ContextId are updated from
// every response.
func (c *Client) Execute(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	// Start request timing
	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(method).Observe(time.Since(startTime).Seconds())
	}()

	resp, err := c.execute(ctx, method, req)
	if err != nil {
		kind := string(KindOf(err))
		if kind == "" {
			kind = "other"
		}
		errorsTotal.WithLabelValues(kind).Inc()
		return nil, err
	}
	return resp, nil
}

func (c *Client) execute(ctx context.Context, method string, req Request) (*Response, error) {
	// Step 1: Resolve service path
	servicePath := c.resolveServicePath(req.ServicePath)
	key := c.sessionKey(servicePath)

	body, contentType, err := encodeBody(req.Body, req.ContentType)
	if err != nil {
		return nil, validationError(err)
	}

	ex := exchange{
		method:      method,
		servicePath: servicePath,
		resource:    req.Resource,
		query:       req.Query,
		body:        body,
		contentType: contentType,
		accept:      req.Accept,
		headers:     c.mergeHeaders(req.Headers),
		session:     key,
	}

	// Step 2: CSRF token for modifying requests
	if requiresCSRF(method) {
		if ex.csrf, err = c.csrfToken(ctx, key, servicePath); err != nil {
			return nil, err
		}
	}

	// Step 3: Throttle
	allowed, err := c.throttle.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if !allowed {
		requestsTotal.WithLabelValues(method, "throttled").Inc()
		return nil, &Error{Kind: KindRateLimited, Message: "request dropped by client throttle"}
	}

	// Step 4: Bearer token
	if ex.bearer, err = c.bearerToken(ctx); err != nil {
		return nil, err
	}

	// Step 5: Execute with retries
	c.logger.Debug().
		Str("method", method).
		Str("service_path", servicePath).
		Str("resource", req.Resource).
		Msg("Executing SAP request")

	resp, err := c.roundTrip(ctx, ex)

	// Step 6: Stale CSRF token, refetch and retry once
	if err != nil && requiresCSRF(method) && isCSRFRejection(err) {
		c.logger.Debug().Str("service_path", servicePath).Msg("CSRF token rejected, refetching")
		c.sessions.UpdateCSRFToken(ctx, key, "")
		if ex.csrf, err = c.fetchCSRFToken(ctx, key, servicePath); err != nil {
			return nil, err
		}
		resp, err = c.roundTrip(ctx, ex)
	}

	// Step 7: A 404 may mean the cached metadata is stale
	if err != nil && KindOf(err) == KindNotFound {
		c.invalidateMetadata(ctx, servicePath)
	}
	if err != nil {
		c.logger.Warn().
			Err(err).
			Str("method", method).
			Str("resource", req.Resource).
			Msg("SAP request failed")
		return nil, err
	}
	return resp, nil
}

// roundTrip sends ex through the retrier.
func (c *Client) roundTrip(ctx context.Context, ex exchange) (*Response, error) {
	var out *Response

	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		spec := RequestSpec{
			Method:            ex.method,
			Host:              c.config.Credentials.Host,
			ServicePath:       ex.servicePath,
			Resource:          ex.resource,
			Query:             ex.query,
			Body:              ex.body,
			ContentType:       ex.contentType,
			Accept:            ex.accept,
			Credentials:       c.config.Credentials,
			BearerToken:       ex.bearer,
			CSRFToken:         ex.csrf,
			Headers:           ex.headers,
			AllowPrivateHosts: c.config.AllowPrivateHosts,
		}
		if s := c.sessions.GetSession(ctx, ex.session); s != nil {
			spec.Cookie = strings.Join(s.Cookies, "; ")
			spec.ContextID = s.ContextID
		}

		httpReq, err := c.builder.Build(ctx, spec)
		if err != nil {
			return validationError(err)
		}
		if c.config.UserAgent != "" {
			httpReq.Header.Set("User-Agent", c.config.UserAgent)
		}

		resp, err := c.transport.Do(httpReq)
		if err != nil {
			requestsTotal.WithLabelValues(ex.method, "transport_error").Inc()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return &Error{Kind: KindTransport, Message: "request failed", Err: err}
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			requestsTotal.WithLabelValues(ex.method, "transport_error").Inc()
			return &Error{Kind: KindTransport, Message: "read response body", Err: err}
		}

		c.captureSession(ctx, ex.session, resp.Header)
		requestsTotal.WithLabelValues(ex.method, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode >= 400 {
			return newStatusError(resp, data)
		}

		out = &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       data,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// captureSession stores cookies, CSRF token and context id from a response.
func (c *Client) captureSession(ctx context.Context, key session.Key, h http.Header) {
	var u session.Update
	changed := false

	if cookies := h.Values("Set-Cookie"); len(cookies) > 0 {
		u.Cookies = cookies
		changed = true
	}
	if tok := h.Get("X-CSRF-Token"); session.IsUsableToken(tok) {
		u.CSRFToken = &tok
		changed = true
	}
	if id := h.Get("SAP-ContextId"); id != "" {
		u.ContextID = &id
		changed = true
	}

	if changed {
		c.sessions.SetSession(ctx, key, u)
		return
	}
	c.sessions.Touch(ctx, key)
}

func (c *Client) csrfToken(ctx context.Context, key session.Key, servicePath string) (string, error) {
	if tok := c.sessions.GetCSRFToken(ctx, key); tok != "" {
		csrfFetchesTotal.WithLabelValues("cached").Inc()
		return tok, nil
	}
	return c.fetchCSRFToken(ctx, key, servicePath)
}

// fetchCSRFToken issues GET <servicePath> with "X-CSRF-Token: Fetch".
func (c *Client) fetchCSRFToken(ctx context.Context, key session.Key, servicePath string) (string, error) {
	bearer, err := c.bearerToken(ctx)
	if err != nil {
		return "", err
	}

	resp, err := c.roundTrip(ctx, exchange{
		method:      http.MethodGet,
		servicePath: servicePath,
		csrf:        "Fetch",
		bearer:      bearer,
		headers:     c.mergeHeaders(nil),
		session:     key,
	})
	if err != nil {
		csrfFetchesTotal.WithLabelValues("failed").Inc()
		return "", err
	}

	token := resp.Header.Get("X-CSRF-Token")
	if !session.IsUsableToken(token) {
		csrfFetchesTotal.WithLabelValues("failed").Inc()
		return "", &Error{
			Kind:       KindAuth,
			StatusCode: resp.StatusCode,
			Message:    "server did not return a CSRF token",
		}
	}

	csrfFetchesTotal.WithLabelValues("fetched").Inc()
	c.logger.Debug().Str("service_path", servicePath).Msg("CSRF token fetched")
	return token, nil
}

func (c *Client) bearerToken(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", nil
	}
	return c.tokens.Token(ctx)
}

func isCSRFRejection(err error) bool {
	var e *Error
	if !errors.As(err, &e) || e.StatusCode != http.StatusForbidden || e.Header == nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(e.Header.Get("X-CSRF-Token")), "required")
}

func requiresCSRF(method string) bool {
	return method != http.MethodGet && method != http.MethodHead && method != http.MethodOptions
}

func encodeBody(body any, contentType string) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, contentType, nil
	case []byte:
		return b, contentType, nil
	case json.RawMessage:
		return b, contentType, nil
	case string:
		return []byte(b), contentType, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, "", fmt.Errorf("encode request body: %w", err)
	}
	if contentType == "" {
		contentType = "application/json"
	}
	return data, contentType, nil
}

func (c *Client) mergeHeaders(extra map[string]string) map[string]string {
	if len(c.config.Headers) == 0 {
		return extra
	}
	out := make(map[string]string, len(c.config.Headers)+len(extra))
	for k, v := range c.config.Headers {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func (c *Client) resolveServicePath(src ServicePathSource) string {
	if !src.IsZero() {
		return src.Resolve()
	}
	if !c.config.ServicePath.IsZero() {
		return c.config.ServicePath.Resolve()
	}
	return "/"
}

func (c *Client) sessionKey(servicePath string) session.Key {
	return session.Key{
		Scope:       c.config.Scope,
		Host:        c.config.Credentials.Host,
		ServicePath: servicePath,
		Username:    c.config.Credentials.identity(),
	}
}

// SessionKey returns the session key used for a service path.
func (c *Client) SessionKey(src ServicePathSource) session.Key {
	return c.sessionKey(c.resolveServicePath(src))
}

// Sessions returns the session manager.
func (c *Client) Sessions() *session.Manager {
	return c.sessions
}

// Throttle returns the throttle of the client's scope.
func (c *Client) Throttle() *ratelimit.Throttle {
	return c.throttle
}

// CleanupSessions removes expired sessions written by this client.
func (c *Client) CleanupSessions(ctx context.Context) int {
	return c.sessions.CleanupExpired(ctx)
}

// Close releases the scope's throttle.
func (c *Client) Close() error {
	c.throttles.Release(c.config.Scope)
	return nil
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, resource string, query url.Values) (*Response, error) {
	return c.Execute(ctx, Request{Method: http.MethodGet, Resource: resource, Query: query})
}

// GetEntity reads one entity by key.
func (c *Client) GetEntity(ctx context.Context, entitySet string, key any, query url.Values) (*Response, error) {
	path, err := odata.EntityPath(entitySet, key)
	if err != nil {
		return nil, validationError(err)
	}
	return c.Get(ctx, path, query)
}

// Create posts data to an entity set.
func (c *Client) Create(ctx context.Context, entitySet string, data any) (*Response, error) {
	path, err := odata.EntityPath(entitySet, nil)
	if err != nil {
		return nil, validationError(err)
	}
	return c.Execute(ctx, Request{Method: http.MethodPost, Resource: path, Body: data})
}

// Update modifies an entity with the configured update method.
func (c *Client) Update(ctx context.Context, entitySet string, key any, data any) (*Response, error) {
	if key == nil {
		return nil, validationError(fmt.Errorf("%w: entity key is required", odata.ErrValidation))
	}
	path, err := odata.EntityPath(entitySet, key)
	if err != nil {
		return nil, validationError(err)
	}

	req := Request{Method: c.config.UpdateMethod, Resource: path, Body: data}
	if req.Method == "MERGE" {
		req.Method = http.MethodPost
		req.Headers = map[string]string{"X-HTTP-Method": "MERGE"}
	}
	return c.Execute(ctx, req)
}

// Delete removes an entity.
func (c *Client) Delete(ctx context.Context, entitySet string, key any) (*Response, error) {
	if key == nil {
		return nil, validationError(fmt.Errorf("%w: entity key is required", odata.ErrValidation))
	}
	path, err := odata.EntityPath(entitySet, key)
	if err != nil {
		return nil, validationError(err)
	}
	return c.Execute(ctx, Request{Method: http.MethodDelete, Resource: path})
}
