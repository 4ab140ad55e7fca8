package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"
)

// AuthMode selects how requests are authenticated.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthBasic  AuthMode = "basic"
	AuthOAuth2 AuthMode = "oauth2"
)

// OAuthCredentials configures the client-credentials grant.
type OAuthCredentials struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Credentials describe one SAP system and user.
type Credentials struct {
	Host        string
	AuthMode    AuthMode
	Username    string
	Password    string
	OAuth       OAuthCredentials
	SAPClient   string
	SAPLanguage string
}

// Validate checks the fields required by the auth mode.
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("host is required")
	}
	switch c.AuthMode {
	case AuthNone, "":
	case AuthBasic:
		if c.Username == "" {
			return fmt.Errorf("username is required for basic auth")
		}
	case AuthOAuth2:
		if c.OAuth.TokenURL == "" || c.OAuth.ClientID == "" {
			return fmt.Errorf("oauth token url and client id are required for oauth2")
		}
	default:
		return fmt.Errorf("unknown auth mode %q", c.AuthMode)
	}
	return nil
}

// identity is the user the session belongs to.
func (c Credentials) identity() string {
	if c.AuthMode == AuthOAuth2 {
		return "oauth:" + c.OAuth.ClientID
	}
	return c.Username
}

// PoolConfig configures the pooled HTTP transport.
type PoolConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	Timeout             time.Duration
	InsecureSkipVerify  bool
}

// DefaultPoolConfig returns the default connection pool settings.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		Timeout:             120 * time.Second,
	}
}

// Transport sends HTTP requests. *http.Client satisfies it.
type Transport interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewHTTPTransport builds an *http.Client with a pooled transport.
func NewHTTPTransport(p PoolConfig) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = p.MaxIdleConns
	transport.MaxIdleConnsPerHost = p.MaxIdleConnsPerHost
	transport.IdleConnTimeout = p.IdleConnTimeout
	if p.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for test systems
	}
	return &http.Client{
		Transport: transport,
		Timeout:   p.Timeout,
	}
}

// RequestSpec is everything needed to build one wire request.
type RequestSpec struct {
	Method      string
	Host        string
	ServicePath string
	Resource    string
	Query       url.Values
	Body        []byte
	ContentType string
	Accept      string

	Credentials Credentials
	BearerToken string
	CSRFToken   string
	Cookie      string
	ContextID   string
	Headers     map[string]string

	AllowPrivateHosts bool
}

// Resolver looks up host addresses.
type Resolver func(ctx context.Context, host string) ([]net.IP, error)

// RequestBuilder turns RequestSpecs into validated *http.Requests.
type RequestBuilder struct {
	resolve Resolver
}

// NewRequestBuilder creates a builder using the system resolver.
func NewRequestBuilder() *RequestBuilder {
	return &RequestBuilder{
		resolve: func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, 0, len(addrs))
			for _, a := range addrs {
				ips = append(ips, a.IP)
			}
			return ips, nil
		},
	}
}

// Build validates the target and assembles the request.
func (b *RequestBuilder) Build(ctx context.Context, spec RequestSpec) (*http.Request, error) {
	target, err := BuildURL(spec.Host, spec.ServicePath, spec.Resource, spec.Query)
	if err != nil {
		return nil, err
	}
	if err := b.ValidateHost(ctx, target, spec.AllowPrivateHosts); err != nil {
		return nil, err
	}

	method := strings.ToUpper(spec.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body *bytes.Reader
	if len(spec.Body) > 0 {
		body = bytes.NewReader(spec.Body)
	}

	var req *http.Request
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, target, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, target, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for name, values := range SanitizeHeaders(spec.Headers) {
		req.Header[name] = values
	}

	accept := spec.Accept
	if accept == "" {
		accept = "application/json"
	}
	req.Header.Set("Accept", accept)
	if body != nil {
		ct := spec.ContentType
		if ct == "" {
			ct = "application/json"
		}
		req.Header.Set("Content-Type", ct)
	}

	switch {
	case spec.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+spec.BearerToken)
	case spec.Credentials.AuthMode == AuthBasic:
		raw := spec.Credentials.Username + ":" + spec.Credentials.Password
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(raw)))
	}

	if spec.CSRFToken != "" {
		req.Header.Set("X-CSRF-Token", spec.CSRFToken)
	}
	if spec.Credentials.SAPClient != "" {
		req.Header.Set("sap-client", spec.Credentials.SAPClient)
	}
	if spec.Credentials.SAPLanguage != "" {
		req.Header.Set("sap-language", spec.Credentials.SAPLanguage)
	}
	if spec.Cookie != "" {
		req.Header.Set("Cookie", spec.Cookie)
	}
	if spec.ContextID != "" {
		req.Header.Set("SAP-ContextId", spec.ContextID)
	}

	return req, nil
}

// BuildURL joins host, service path and resource. An absolute resource
// (for example a next link) must point at the same host. A resource that
// starts with "/" is taken as a host-relative path.
func BuildURL(host, servicePath, resource string, query url.Values) (string, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(host), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("invalid host %q", host)
	}

	var target *url.URL
	switch {
	case strings.HasPrefix(resource, "http://"), strings.HasPrefix(resource, "https://"):
		target, err = url.Parse(resource)
		if err != nil {
			return "", fmt.Errorf("invalid resource url: %w", err)
		}
		if !strings.EqualFold(target.Host, base.Host) {
			return "", fmt.Errorf("resource host %q does not match %q", target.Host, base.Host)
		}
	case strings.HasPrefix(resource, "/"):
		target, err = url.Parse(base.Scheme + "://" + base.Host + resource)
	default:
		path := servicePath
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		if !strings.HasSuffix(path, "/") {
			path += "/"
		}
		target, err = url.Parse(base.Scheme + "://" + base.Host + strings.TrimRight(base.Path, "/") + path + resource)
	}
	if err != nil {
		return "", fmt.Errorf("invalid resource: %w", err)
	}

	merged := target.Query()
	for k, vs := range query {
		merged[k] = vs
	}
	target.RawQuery = encodeQuery(merged)
	return target.String(), nil
}

// encodeQuery encodes values with sorted keys, "%20" for spaces and an
// unescaped "$" so system query options stay readable.
func encodeQuery(v url.Values) string {
	if len(v) == 0 {
		return ""
	}
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		name := strings.ReplaceAll(url.QueryEscape(k), "%24", "$")
		for _, val := range v[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(name)
			b.WriteByte('=')
			b.WriteString(strings.ReplaceAll(url.QueryEscape(val), "+", "%20"))
		}
	}
	return b.String()
}

// ValidateHost rejects non-HTTP schemes and, unless allowPrivate is set,
// targets that resolve to loopback, private or link-local addresses.
func (b *RequestBuilder) ValidateHost(ctx context.Context, rawURL string, allowPrivate bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	hostname := u.Hostname()
	if hostname == "" {
		return fmt.Errorf("url has no host")
	}
	if allowPrivate {
		return nil
	}

	if ip := net.ParseIP(hostname); ip != nil {
		if isPrivateIP(ip) {
			return fmt.Errorf("host %s resolves to a private address", hostname)
		}
		return nil
	}
	if strings.EqualFold(hostname, "localhost") {
		return fmt.Errorf("host %s resolves to a private address", hostname)
	}

	ips, err := b.resolve(ctx, hostname)
	if err != nil {
		return fmt.Errorf("resolve host %s: %w", hostname, err)
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return fmt.Errorf("host %s resolves to a private address", hostname)
		}
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

var headerNamePattern = regexp.MustCompile("^[A-Za-z0-9!#$%&'*+.^_`|~-]+$")

// reservedHeaders are managed by the builder and dropped from custom headers.
var reservedHeaders = map[string]bool{
	"Authorization":       true,
	"Proxy-Authorization": true,
	"Cookie":              true,
	"Host":                true,
	"Content-Length":      true,
	"Transfer-Encoding":   true,
	"Connection":          true,
	"Keep-Alive":          true,
	"Upgrade":             true,
	"Te":                  true,
	"Trailer":             true,
	"X-Csrf-Token":        true,
}

// SanitizeHeaders drops invalid names, values containing CR or LF, and
// headers the builder manages itself.
func SanitizeHeaders(in map[string]string) http.Header {
	out := http.Header{}
	for name, value := range in {
		if !headerNamePattern.MatchString(name) {
			continue
		}
		if strings.ContainsAny(value, "\r\n") {
			continue
		}
		canonical := http.CanonicalHeaderKey(name)
		if reservedHeaders[canonical] {
			continue
		}
		out.Set(canonical, value)
	}
	return out
}
