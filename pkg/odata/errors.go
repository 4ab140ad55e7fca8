package odata

import (
	"encoding/json"
	"errors"
	"strings"
)

var (
	// ErrValidation is wrapped by every input validation failure in this package.
	ErrValidation = errors.New("odata: validation failed")

	// ErrInvalidMetadata is returned when a $metadata document cannot be parsed.
	ErrInvalidMetadata = errors.New("odata: invalid metadata document")
)

// ServiceError is the error payload SAP Gateway returns in failed responses.
type ServiceError struct {
	Code    string
	Message string
}

// ParseError extracts the SAP error code and message from a response body.
// V2 bodies carry error.message.value, V4 bodies a plain error.message string.
func ParseError(body []byte) (ServiceError, bool) {
	var envelope struct {
		Error *struct {
			Code    string          `json:"code"`
			Message json.RawMessage `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error == nil {
		return ServiceError{}, false
	}

	out := ServiceError{Code: envelope.Error.Code}
	raw := envelope.Error.Message
	if len(raw) == 0 {
		return out, out.Code != ""
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		out.Message = text
		return out, true
	}

	var v2 struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &v2); err == nil {
		out.Message = v2.Value
	}
	return out, out.Code != "" || out.Message != ""
}

// NormalizeServicePath ensures a leading and trailing slash and collapses
// duplicate slashes.
func NormalizeServicePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return "/"
	}

	var b strings.Builder
	b.Grow(len(path) + 2)
	if path[0] != '/' {
		b.WriteByte('/')
	}
	prevSlash := false
	for i := 0; i < len(path); i++ {
		c := path[i]
		if c == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteByte(c)
	}
	out := b.String()
	if !strings.HasSuffix(out, "/") {
		out += "/"
	}
	return out
}
