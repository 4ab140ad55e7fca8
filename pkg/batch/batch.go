// Package batch encodes OData $batch requests as multipart/mixed bodies and
// decodes the multipart responses.
//
// Operations are either sent independently, one top-level part each, so
// that some may succeed while others fail, or grouped into a single
// changeset that the server applies atomically. Reads are not allowed
// inside a changeset.
package batch

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Sternrassler/sap-odata-client/pkg/odata"
)

// DefaultMaxBatchSize is the number of operations per $batch request.
const DefaultMaxBatchSize = 100

var (
	// ErrInvalidOperation wraps every operation validation failure.
	ErrInvalidOperation = errors.New("batch: invalid operation")

	// ErrMalformedResponse is returned for undecodable batch responses.
	ErrMalformedResponse = errors.New("batch: malformed response")
)

// OperationType is the kind of change an operation performs.
type OperationType string

const (
	OpCreate OperationType = "CREATE"
	OpUpdate OperationType = "UPDATE"
	OpDelete OperationType = "DELETE"
	OpGet    OperationType = "GET"
)

// Operation is one request inside a batch.
type Operation struct {
	Type        OperationType     `json:"type"`
	EntitySet   string            `json:"entitySet"`
	EntityKey   any               `json:"entityKey,omitempty"`
	Data        any               `json:"data,omitempty"`
	QueryParams map[string]string `json:"queryParams,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	// UpdateMethod is PATCH (default), PUT or MERGE for OpUpdate
	UpdateMethod string `json:"updateMethod,omitempty"`
}

// Method returns the HTTP method of the operation.
func (op Operation) Method() string {
	switch op.Type {
	case OpCreate:
		return "POST"
	case OpUpdate:
		if op.UpdateMethod != "" {
			return strings.ToUpper(op.UpdateMethod)
		}
		return "PATCH"
	case OpDelete:
		return "DELETE"
	default:
		return "GET"
	}
}

// URL returns the request target relative to the service root.
func (op Operation) URL() (string, error) {
	var key any
	if op.Type != OpCreate && op.EntityKey != nil {
		key = op.EntityKey
	}
	path, err := odata.EntityPath(op.EntitySet, key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	if len(op.QueryParams) == 0 {
		return path, nil
	}

	names := make([]string, 0, len(op.QueryParams))
	for name := range op.QueryParams {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+escapeQueryValue(op.QueryParams[name]))
	}
	return path + "?" + strings.Join(parts, "&"), nil
}

func escapeQueryValue(v string) string {
	r := strings.NewReplacer(" ", "%20", "&", "%26", "#", "%23", "\r", "", "\n", "")
	return r.Replace(v)
}

// Validate checks an operation before anything is sent.
func Validate(op Operation) error {
	if op.EntitySet == "" {
		return fmt.Errorf("%w: entity set is required", ErrInvalidOperation)
	}
	if err := odata.ValidateEntitySetName(op.EntitySet); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	switch op.Type {
	case OpCreate:
		if op.Data == nil {
			return fmt.Errorf("%w: %s on %s requires data", ErrInvalidOperation, op.Type, op.EntitySet)
		}
	case OpUpdate:
		if op.Data == nil {
			return fmt.Errorf("%w: %s on %s requires data", ErrInvalidOperation, op.Type, op.EntitySet)
		}
		if isEmptyKey(op.EntityKey) {
			return fmt.Errorf("%w: %s on %s requires an entity key", ErrInvalidOperation, op.Type, op.EntitySet)
		}
		switch strings.ToUpper(op.UpdateMethod) {
		case "", "PATCH", "PUT", "MERGE":
		default:
			return fmt.Errorf("%w: unsupported update method %q", ErrInvalidOperation, op.UpdateMethod)
		}
	case OpDelete:
		if isEmptyKey(op.EntityKey) {
			return fmt.Errorf("%w: %s on %s requires an entity key", ErrInvalidOperation, op.Type, op.EntitySet)
		}
	case OpGet:
	default:
		return fmt.Errorf("%w: unknown operation type %q", ErrInvalidOperation, op.Type)
	}
	if op.EntityKey != nil {
		if _, err := odata.FormatKey(op.EntityKey); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
		}
	}
	for name, value := range op.Headers {
		if strings.ContainsAny(name+value, "\r\n") || strings.ContainsAny(name, " :") {
			return fmt.Errorf("%w: invalid header %q", ErrInvalidOperation, name)
		}
	}
	return nil
}

func isEmptyKey(key any) bool {
	switch k := key.(type) {
	case nil:
		return true
	case string:
		return k == ""
	case odata.RawKey:
		return k == ""
	case map[string]any:
		return len(k) == 0
	case map[string]string:
		return len(k) == 0
	}
	return false
}

// Split chunks ops into slices of at most size operations.
func Split(ops []Operation, size int) [][]Operation {
	if size <= 0 {
		size = DefaultMaxBatchSize
	}
	var chunks [][]Operation
	for start := 0; start < len(ops); start += size {
		end := min(start+size, len(ops))
		chunks = append(chunks, ops[start:end])
	}
	return chunks
}

// OperationError is the SAP error attached to a failed operation.
type OperationError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *OperationError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Result is the outcome of one operation.
type Result struct {
	Index      int               `json:"index"`
	StatusCode int               `json:"statusCode"`
	Success    bool              `json:"success"`
	Data       any               `json:"data,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Error      *OperationError   `json:"error,omitempty"`
	// ChangeSet is the 1-based changeset the result belongs to, 0 if none
	ChangeSet int `json:"changeSet,omitempty"`
}
