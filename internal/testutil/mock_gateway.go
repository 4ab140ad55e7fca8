// Package testutil provides testing utilities for the SAP OData client.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// DefaultCSRFToken is the token handed out until RotateCSRFToken is called.
const DefaultCSRFToken = "mock-csrf-token-1"

// SessionCookie is set on every CSRF fetch.
const SessionCookie = "SAP_SESSIONID_MCK_100=mock-session; path=/; HttpOnly"

// MockResponse defines the behavior for a mock Gateway endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// RecordedRequest is a request seen by the mock.
type RecordedRequest struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     string
}

// MockGateway is a configurable mock SAP Gateway. It answers CSRF fetches,
// rejects writes carrying a stale token with 403 "X-CSRF-Token: Required"
// and dispatches everything else to per-path handlers.
type MockGateway struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	csrfToken   string
	requireCSRF bool

	// Tracking
	RequestCount   int
	CSRFFetchCount int
	CSRFRejections int
	requests       []RecordedRequest
}

// NewMockGateway creates a new mock Gateway with CSRF enforcement on.
func NewMockGateway() *MockGateway {
	mock := &MockGateway{
		handlers:    make(map[string]func(w http.ResponseWriter, r *http.Request)),
		csrfToken:   DefaultCSRFToken,
		requireCSRF: true,
	}

	mock.server = httptest.NewServer(http.HandlerFunc(mock.serve))
	return mock
}

func (m *MockGateway) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	r.Body = io.NopCloser(bytes.NewReader(body))

	m.mu.Lock()
	m.RequestCount++
	m.requests = append(m.requests, RecordedRequest{
		Method:   r.Method,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header.Clone(),
		Body:     string(body),
	})
	token := m.csrfToken
	require := m.requireCSRF
	m.mu.Unlock()

	// CSRF fetch
	if strings.EqualFold(r.Header.Get("X-CSRF-Token"), "Fetch") {
		m.mu.Lock()
		m.CSRFFetchCount++
		m.mu.Unlock()

		w.Header().Set("X-CSRF-Token", token)
		w.Header().Add("Set-Cookie", SessionCookie)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"d":{"EntitySets":[]}}`))
		return
	}

	if require && isWrite(r.Method) && r.Header.Get("X-CSRF-Token") != token {
		m.mu.Lock()
		m.CSRFRejections++
		m.mu.Unlock()

		w.Header().Set("X-CSRF-Token", "Required")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("CSRF token validation failed"))
		return
	}

	m.mu.RLock()
	handler, exists := m.handlers[r.URL.Path]
	m.mu.RUnlock()

	if exists {
		handler(w, r)
		return
	}
	m.defaultHandler(w, r)
}

func isWrite(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// URL returns the mock server URL.
func (m *MockGateway) URL() string {
	return m.server.URL
}

// Client returns an HTTP client talking to the mock.
func (m *MockGateway) Client() *http.Client {
	return m.server.Client()
}

// Close shuts down the mock server.
func (m *MockGateway) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockGateway) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.CSRFFetchCount = 0
	m.CSRFRejections = 0
	m.requests = nil
}

// RequireCSRF toggles CSRF enforcement for writes.
func (m *MockGateway) RequireCSRF(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requireCSRF = on
}

// RotateCSRFToken invalidates the current token, as a session timeout on
// the server would.
func (m *MockGateway) RotateCSRFToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.csrfToken = token
}

// SetHandler sets a custom handler for a specific path.
func (m *MockGateway) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockGateway) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			_, _ = w.Write([]byte(resp.Body))
		}
	})
}

// SetSequence answers successive requests to path with resps in order,
// repeating the last one.
func (m *MockGateway) SetSequence(path string, resps ...MockResponse) {
	var mu sync.Mutex
	n := 0
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := resps[min(n, len(resps)-1)]
		n++
		mu.Unlock()

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			_, _ = w.Write([]byte(resp.Body))
		}
	})
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockGateway) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetCSRFFetchCount returns the number of CSRF token fetches.
func (m *MockGateway) GetCSRFFetchCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CSRFFetchCount
}

// Requests returns a copy of the recorded requests.
func (m *MockGateway) Requests() []RecordedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// RequestsTo returns the recorded requests for path.
func (m *MockGateway) RequestsTo(path string) []RecordedRequest {
	var out []RecordedRequest
	for _, r := range m.Requests() {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// defaultHandler answers unknown paths the way Gateway does.
func (m *MockGateway) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(ErrorBody("/IWFND/MED/170", fmt.Sprintf("No service found for namespace, name %s", r.URL.Path))))
}

// V2Collection renders items as a V2 {"d":{"results":[...]}} body.
func V2Collection(items []map[string]any, next string) string {
	d := map[string]any{"results": items}
	if next != "" {
		d["__next"] = next
	}
	data, _ := json.Marshal(map[string]any{"d": d})
	return string(data)
}

// V4Collection renders items as a V4 {"value":[...]} body.
func V4Collection(items []map[string]any, next string) string {
	body := map[string]any{"value": items}
	if next != "" {
		body["@odata.nextLink"] = next
	}
	data, _ := json.Marshal(body)
	return string(data)
}

// ErrorBody renders a V2 Gateway error document.
func ErrorBody(code, message string) string {
	data, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": map[string]any{"lang": "en", "value": message},
		},
	})
	return string(data)
}

// NewJSONResponse creates a 200 OK JSON response.
func NewJSONResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewErrorResponse creates a Gateway error response.
func NewErrorResponse(status int, code, message string) MockResponse {
	return MockResponse{
		StatusCode: status,
		Body:       ErrorBody(code, message),
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfter string) MockResponse {
	resp := NewErrorResponse(http.StatusTooManyRequests, "RATE_LIMIT", "Too many requests")
	if retryAfter != "" {
		resp.Headers["Retry-After"] = retryAfter
	}
	return resp
}

// NewServiceUnavailableResponse creates a 503 response.
func NewServiceUnavailableResponse() MockResponse {
	return NewErrorResponse(http.StatusServiceUnavailable, "/IWFND/CM_BEC/026", "Service temporarily unavailable")
}

// EchoBatch answers every operation of a $batch request with 200 and a body
// {"d":{"n":<position in the request>}}.
func EchoBatch(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	n := strings.Count(string(body), " HTTP/1.1\r\n")

	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteString("--resp\r\nContent-Type: application/http\r\n\r\n")
		b.WriteString("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\n\r\n")
		fmt.Fprintf(&b, "{\"d\":{\"n\":%d}}\r\n", i)
	}
	b.WriteString("--resp--\r\n")

	w.Header().Set("Content-Type", "multipart/mixed; boundary=resp")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(b.String()))
}
