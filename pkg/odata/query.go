package odata

import (
	"encoding/json"
	"fmt"
	"net/url"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	entitySetPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	// propertyPathPattern matches a property or a navigation path like Customer/Name
	propertyPathPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(/[A-Za-z_][A-Za-z0-9_]*)*$`)
)

// queryOptions lists the system query options BuildQuery accepts, without
// the leading "$".
var queryOptions = map[string]bool{
	"filter":      true,
	"select":      true,
	"expand":      true,
	"orderby":     true,
	"top":         true,
	"skip":        true,
	"search":      true,
	"count":       true,
	"inlinecount": true,
	"format":      true,
	"skiptoken":   true,
}

// RawKey is an entity key that is already rendered in OData key syntax,
// for example "SalesOrder='1',Item='10'". It is used verbatim.
type RawKey string

// ValidateEntitySetName rejects names outside [A-Za-z0-9_].
func ValidateEntitySetName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: entity set name is required", ErrValidation)
	}
	if !entitySetPattern.MatchString(name) {
		return fmt.Errorf("%w: invalid entity set name %q", ErrValidation, name)
	}
	return nil
}

// EscapeString doubles single quotes for use inside an OData string literal.
func EscapeString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// FormatLiteral renders a Go value as an OData literal. Strings are quoted,
// numbers and booleans are rendered as is and nil becomes null. A time.Time
// becomes a V2 datetime literal in UTC. Composite values are rejected.
func FormatLiteral(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "null", nil
	case string:
		return "'" + EscapeString(val) + "'", nil
	case bool:
		return strconv.FormatBool(val), nil
	case json.Number:
		return val.String(), nil
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case time.Time:
		return "datetime'" + val.UTC().Format("2006-01-02T15:04:05.999") + "'", nil
	case *time.Time:
		if val == nil {
			return "null", nil
		}
		return FormatLiteral(*val)
	case fmt.Stringer:
		return "'" + EscapeString(val.String()) + "'", nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10), nil
	case reflect.String:
		return "'" + EscapeString(rv.String()) + "'", nil
	}
	return "", fmt.Errorf("%w: unsupported literal type %T", ErrValidation, v)
}

// BuildFilter renders equality conditions joined by " and ". Keys are sorted
// so the same map always yields the same filter.
func BuildFilter(conditions map[string]any) (string, error) {
	if len(conditions) == 0 {
		return "", nil
	}

	keys := make([]string, 0, len(conditions))
	for k := range conditions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if !propertyPathPattern.MatchString(k) {
			return "", fmt.Errorf("%w: invalid filter property %q", ErrValidation, k)
		}
		lit, err := FormatLiteral(conditions[k])
		if err != nil {
			return "", fmt.Errorf("filter %s: %w", k, err)
		}
		parts = append(parts, k+" eq "+lit)
	}
	return strings.Join(parts, " and "), nil
}

// BuildQuery converts loose query options into query values. Option names
// may be given with or without the "$" prefix.
func BuildQuery(options map[string]any) (url.Values, error) {
	values := url.Values{}
	for rawKey, v := range options {
		name := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(rawKey)), "$")
		if !queryOptions[name] {
			return nil, fmt.Errorf("%w: unknown query option %q", ErrValidation, rawKey)
		}
		if v == nil {
			continue
		}

		var (
			rendered string
			err      error
		)
		switch name {
		case "top", "skip":
			rendered, err = nonNegative(name, v)
		case "filter":
			rendered, err = filterValue(v)
		case "select", "expand", "orderby":
			rendered, err = listValue(name, v)
		case "count":
			rendered, err = boolValue(name, v)
		default:
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%w: $%s must be a string", ErrValidation, name)
			}
			rendered = s
		}
		if err != nil {
			return nil, err
		}
		if rendered != "" {
			values.Set("$"+name, rendered)
		}
	}
	return values, nil
}

func nonNegative(name string, v any) (string, error) {
	var n int64
	switch val := v.(type) {
	case int:
		n = int64(val)
	case int32:
		n = int64(val)
	case int64:
		n = val
	case float64:
		if val != float64(int64(val)) {
			return "", fmt.Errorf("%w: $%s must be an integer", ErrValidation, name)
		}
		n = int64(val)
	case string:
		parsed, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return "", fmt.Errorf("%w: $%s must be an integer", ErrValidation, name)
		}
		n = parsed
	default:
		return "", fmt.Errorf("%w: $%s must be an integer", ErrValidation, name)
	}
	if n < 0 {
		return "", fmt.Errorf("%w: $%s must not be negative", ErrValidation, name)
	}
	return strconv.FormatInt(n, 10), nil
}

func filterValue(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case map[string]any:
		return BuildFilter(val)
	}
	return "", fmt.Errorf("%w: $filter must be a string or a condition map", ErrValidation)
}

func listValue(name string, v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case []string:
		return strings.Join(val, ","), nil
	case []any:
		parts := make([]string, 0, len(val))
		for _, p := range val {
			s, ok := p.(string)
			if !ok {
				return "", fmt.Errorf("%w: $%s entries must be strings", ErrValidation, name)
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	}
	return "", fmt.Errorf("%w: $%s must be a string or a list of strings", ErrValidation, name)
}

func boolValue(name string, v any) (string, error) {
	switch val := v.(type) {
	case bool:
		return strconv.FormatBool(val), nil
	case string:
		b, err := strconv.ParseBool(val)
		if err != nil {
			return "", fmt.Errorf("%w: $%s must be a boolean", ErrValidation, name)
		}
		return strconv.FormatBool(b), nil
	}
	return "", fmt.Errorf("%w: $%s must be a boolean", ErrValidation, name)
}

// FormatKey renders an entity key for use inside parentheses. Strings are
// quoted, numbers are literal, maps become composite keys sorted by name.
func FormatKey(key any) (string, error) {
	switch k := key.(type) {
	case nil:
		return "", fmt.Errorf("%w: entity key is required", ErrValidation)
	case RawKey:
		if k == "" {
			return "", fmt.Errorf("%w: entity key is required", ErrValidation)
		}
		return string(k), nil
	case string:
		if k == "" {
			return "", fmt.Errorf("%w: entity key is required", ErrValidation)
		}
		return "'" + EscapeString(k) + "'", nil
	case map[string]any:
		if len(k) == 0 {
			return "", fmt.Errorf("%w: entity key is required", ErrValidation)
		}
		names := make([]string, 0, len(k))
		for name := range k {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			lit, err := FormatLiteral(k[name])
			if err != nil {
				return "", fmt.Errorf("key %s: %w", name, err)
			}
			parts = append(parts, name+"="+lit)
		}
		return strings.Join(parts, ","), nil
	case map[string]string:
		generic := make(map[string]any, len(k))
		for name, v := range k {
			generic[name] = v
		}
		return FormatKey(generic)
	}
	return FormatLiteral(key)
}

// EntityPath returns "EntitySet" or "EntitySet(key)" when key is non-nil.
func EntityPath(entitySet string, key any) (string, error) {
	if err := ValidateEntitySetName(entitySet); err != nil {
		return "", err
	}
	if key == nil {
		return entitySet, nil
	}
	k, err := FormatKey(key)
	if err != nil {
		return "", err
	}
	return entitySet + "(" + k + ")", nil
}
