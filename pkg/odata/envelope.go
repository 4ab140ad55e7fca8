package odata

import (
	"encoding/json"
	"strconv"
)

// Version identifies the envelope shape of a decoded response body.
type Version int

const (
	// VersionRaw is any body that is neither a V2 nor a V4 envelope.
	VersionRaw Version = iota
	// VersionV2 bodies are wrapped in a "d" object.
	VersionV2
	// VersionV4 bodies carry a top-level "value" and @odata annotations.
	VersionV4
)

func (v Version) String() string {
	switch v {
	case VersionV2:
		return "v2"
	case VersionV4:
		return "v4"
	default:
		return "raw"
	}
}

// Envelope is a classified response body.
type Envelope struct {
	Version Version
	body    any
	root    map[string]any
	d       any
}

// Decode parses a JSON response body and classifies it.
func Decode(data []byte) (Envelope, error) {
	var body any
	if err := json.Unmarshal(data, &body); err != nil {
		return Envelope{}, err
	}
	return Classify(body), nil
}

// Classify inspects an already decoded body.
func Classify(body any) Envelope {
	env := Envelope{Version: VersionRaw, body: body}
	root, ok := body.(map[string]any)
	if !ok {
		return env
	}
	env.root = root

	if d, ok := root["d"]; ok {
		env.Version = VersionV2
		env.d = d
		return env
	}
	if _, ok := root["value"]; ok {
		env.Version = VersionV4
		return env
	}
	if _, ok := root["@odata.context"]; ok {
		env.Version = VersionV4
	}
	return env
}

// Body returns the decoded body as passed to Classify.
func (e Envelope) Body() any {
	return e.body
}

// IsCollection reports whether the body is a V2 results list or a V4 value list.
func (e Envelope) IsCollection() bool {
	switch e.Version {
	case VersionV2:
		if d, ok := e.d.(map[string]any); ok {
			return isListOrNull(d, "results")
		}
		_, isList := e.d.([]any)
		return isList
	case VersionV4:
		return isListOrNull(e.root, "value")
	}
	return false
}

// isListOrNull reports whether m[key] is a JSON array or an explicit null.
func isListOrNull(m map[string]any, key string) bool {
	v, ok := m[key]
	if !ok {
		return false
	}
	_, isList := v.([]any)
	return isList || v == nil
}

// Items returns the entities carried by the body. A non-empty prop names a
// caller-specified results property that takes precedence over the
// envelope conventions. A results list that is present but null is an
// empty page. A single V2 entity and any other object become a one-element
// list; a top-level JSON array is returned as is.
func (e Envelope) Items(prop string) []any {
	if prop != "" {
		if isListOrNull(e.root, prop) {
			list, _ := e.root[prop].([]any)
			return list
		}
		if d, ok := e.d.(map[string]any); ok && isListOrNull(d, prop) {
			list, _ := d[prop].([]any)
			return list
		}
	}

	switch e.Version {
	case VersionV2:
		switch d := e.d.(type) {
		case map[string]any:
			if isListOrNull(d, "results") {
				list, _ := d["results"].([]any)
				return list
			}
			return []any{d}
		case []any:
			return d
		case nil:
			return nil
		default:
			return []any{d}
		}
	case VersionV4:
		if isListOrNull(e.root, "value") {
			list, _ := e.root["value"].([]any)
			return list
		}
	}

	switch b := e.body.(type) {
	case nil:
		return nil
	case []any:
		return b
	default:
		return []any{b}
	}
}

// NextLink returns d.__next for V2 bodies and @odata.nextLink for V4 bodies.
func (e Envelope) NextLink() string {
	if d, ok := e.d.(map[string]any); ok {
		if next, ok := d["__next"].(string); ok && next != "" {
			return next
		}
	}
	if next, ok := e.root["@odata.nextLink"].(string); ok {
		return next
	}
	return ""
}

// Count returns the inline count requested with $inlinecount or $count.
func (e Envelope) Count() (int, bool) {
	var raw any
	if d, ok := e.d.(map[string]any); ok {
		raw = d["__count"]
	}
	if raw == nil && e.root != nil {
		raw = e.root["@odata.count"]
	}

	switch v := raw.(type) {
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return n, true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}
