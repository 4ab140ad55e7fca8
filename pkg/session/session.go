// Package session persists SAP Gateway session state (CSRF token, cookies
// and SAP-ContextId) per host, service path and credential identity.
//
// Sessions are stored in a cache.Store so that several processes sharing a
// Redis instance reuse the same CSRF token and session cookies. A session
// expires SessionTimeout after its last activity; its CSRF token is only
// handed out while it is younger than CSRFTimeout.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/Sternrassler/sap-odata-client/pkg/odata"
)

const (
	// DefaultSessionTimeout is the idle lifetime of a session.
	DefaultSessionTimeout = 30 * time.Minute

	// DefaultCSRFTimeout is the freshness window of a CSRF token.
	DefaultCSRFTimeout = 10 * time.Minute

	keyPrefix = "sap:session"
)

// Session is the persisted state for one (host, service path, user) triple.
type Session struct {
	CSRFToken    string    `json:"csrf_token,omitempty"`
	Cookies      []string  `json:"cookies,omitempty"`
	ContextID    string    `json:"context_id,omitempty"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Update is a partial session change. Nil fields keep their prior value.
type Update struct {
	CSRFToken *string
	Cookies   []string
	ContextID *string
}

// Key identifies a session. The password never participates.
type Key struct {
	Scope       string
	Host        string
	ServicePath string
	Username    string
}

// String renders the store key.
// Format: sap:session:<scope>:<host>:<path>:<user hash>
func (k Key) String() string {
	scope := k.Scope
	if scope == "" {
		scope = "default"
	}
	return strings.Join([]string{
		keyPrefix,
		scope,
		strings.TrimRight(k.Host, "/"),
		odata.NormalizeServicePath(k.ServicePath),
		credentialHash(k.Username),
	}, ":")
}

func credentialHash(username string) string {
	if username == "" {
		return "anonymous"
	}
	sum := sha256.Sum256([]byte(username))
	return hex.EncodeToString(sum[:])[:16]
}

// IsUsableToken reports whether a CSRF header value is a real token.
// "Required" and "Fetch" are protocol markers, not tokens.
func IsUsableToken(token string) bool {
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}
	return !strings.EqualFold(token, "required") && !strings.EqualFold(token, "fetch")
}

// mergeCookies overwrites same-named cookies and keeps the rest in order.
// Only the name=value pair of each Set-Cookie header is retained.
func mergeCookies(existing, setCookies []string) []string {
	out := make([]string, 0, len(existing)+len(setCookies))
	index := map[string]int{}
	add := func(pair string) {
		name, _, ok := strings.Cut(pair, "=")
		if !ok {
			return
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return
		}
		if i, seen := index[name]; seen {
			out[i] = pair
			return
		}
		index[name] = len(out)
		out = append(out, pair)
	}

	for _, c := range existing {
		add(strings.TrimSpace(c))
	}
	for _, header := range setCookies {
		pair, _, _ := strings.Cut(header, ";")
		add(strings.TrimSpace(pair))
	}
	return out
}
