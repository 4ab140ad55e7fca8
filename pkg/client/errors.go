package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/Sternrassler/sap-odata-client/pkg/odata"
)

// ErrorKind represents a classification of request failures.
type ErrorKind string

const (
	// KindTransport represents connection resets, timeouts, DNS and refused connections.
	KindTransport ErrorKind = "transport"

	// KindRateLimited represents 429 responses and throttle drops.
	KindRateLimited ErrorKind = "rate_limited"

	// KindServerTransient represents 503 and 504 responses.
	KindServerTransient ErrorKind = "server_transient"

	// KindAuth represents 401 and 403 responses and token acquisition failures.
	KindAuth ErrorKind = "auth"

	// KindNotFound represents 404 responses.
	KindNotFound ErrorKind = "not_found"

	// KindClient represents the remaining 4xx responses.
	KindClient ErrorKind = "client"

	// KindServer represents the remaining 5xx responses.
	KindServer ErrorKind = "server"

	// KindValidation represents inputs rejected before anything was sent.
	KindValidation ErrorKind = "validation"

	// KindProtocolDecode represents unparseable responses.
	KindProtocolDecode ErrorKind = "protocol_decode"
)

// Sentinel errors for errors.Is. They match any *Error of the same kind.
var (
	ErrValidation     = &Error{Kind: KindValidation}
	ErrProtocolDecode = &Error{Kind: KindProtocolDecode}
	ErrRateLimited    = &Error{Kind: KindRateLimited}
	ErrAuth           = &Error{Kind: KindAuth}
	ErrNotFound       = &Error{Kind: KindNotFound}
)

// Error is returned by every client operation that fails.
// It never carries credentials.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Code       string
	Message    string
	Header     http.Header
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	switch {
	case e.StatusCode > 0 && e.Err != nil:
		return fmt.Sprintf("sap odata %s error (status %d): %s: %v", e.Kind, e.StatusCode, msg, e.Err)
	case e.StatusCode > 0:
		return fmt.Sprintf("sap odata %s error (status %d): %s", e.Kind, e.StatusCode, msg)
	case e.Err != nil && msg != "":
		return fmt.Sprintf("sap odata %s error: %s: %v", e.Kind, msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("sap odata %s error: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("sap odata %s error: %s", e.Kind, msg)
	}
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == e {
		return ok
	}
	return t.StatusCode == 0 && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind of err, or "" if it is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// classifyStatus maps an HTTP status to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return KindServerTransient
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusNotFound:
		return KindNotFound
	case status >= 400 && status < 500:
		return KindClient
	default:
		return KindServer
	}
}

// newStatusError builds an error from a failed response, extracting the SAP
// error code and message when the body carries them.
func newStatusError(resp *http.Response, body []byte) *Error {
	e := &Error{
		Kind:       classifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
		Header:     resp.Header.Clone(),
	}
	if se, ok := odata.ParseError(body); ok {
		e.Code = se.Code
		if se.Message != "" {
			e.Message = se.Message
		}
	}
	return e
}

func validationError(err error) *Error {
	return &Error{Kind: KindValidation, Message: "invalid request", Err: err}
}

func decodeError(msg string, err error) *Error {
	return &Error{Kind: KindProtocolDecode, Message: msg, Err: err}
}

// isTransportError reports whether err is a network level failure worth
// retrying.
func isTransportError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var e *Error
	if errors.As(err, &e) && e.Kind == KindTransport {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded)
}
