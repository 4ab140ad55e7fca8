package batch

import (
	"encoding/json"
	"fmt"
	"mime"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/Sternrassler/sap-odata-client/pkg/odata"
)

const crlf = "\r\n"

// Request is an encoded $batch body.
type Request struct {
	Body        string
	ContentType string
	Boundary    string
	// ServicePath is the normalized service root the batch is posted to
	ServicePath string
}

// Build encodes ops. With useChangeSet every operation goes into one
// changeset; otherwise each operation is its own top-level part, with
// writes wrapped in a one-operation changeset as OData V2 requires.
func Build(ops []Operation, servicePath string, useChangeSet bool) (*Request, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("%w: no operations", ErrInvalidOperation)
	}
	for i, op := range ops {
		if err := Validate(op); err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		if useChangeSet && op.Type == OpGet {
			return nil, fmt.Errorf("operation %d: %w: GET is not allowed in a changeset", i, ErrInvalidOperation)
		}
	}

	boundary := "batch_" + uuid.NewString()
	var b strings.Builder

	if useChangeSet {
		if err := writeChangeSet(&b, boundary, ops, 1); err != nil {
			return nil, err
		}
	} else {
		contentID := 1
		for _, op := range ops {
			if op.Type == OpGet {
				b.WriteString("--" + boundary + crlf)
				if err := writeOperation(&b, op, 0); err != nil {
					return nil, err
				}
				continue
			}
			if err := writeChangeSet(&b, boundary, []Operation{op}, contentID); err != nil {
				return nil, err
			}
			contentID++
		}
	}
	b.WriteString("--" + boundary + "--" + crlf)

	return &Request{
		Body:        b.String(),
		ContentType: "multipart/mixed; boundary=" + boundary,
		Boundary:    boundary,
		ServicePath: odata.NormalizeServicePath(servicePath),
	}, nil
}

func writeChangeSet(b *strings.Builder, boundary string, ops []Operation, firstContentID int) error {
	cs := "changeset_" + uuid.NewString()
	b.WriteString("--" + boundary + crlf)
	b.WriteString("Content-Type: multipart/mixed; boundary=" + cs + crlf)
	b.WriteString(crlf)
	for i, op := range ops {
		b.WriteString("--" + cs + crlf)
		if err := writeOperation(b, op, firstContentID+i); err != nil {
			return err
		}
	}
	b.WriteString("--" + cs + "--" + crlf)
	b.WriteString(crlf)
	return nil
}

// writeOperation writes one application/http part. contentID 0 omits the
// Content-ID header.
func writeOperation(b *strings.Builder, op Operation, contentID int) error {
	target, err := op.URL()
	if err != nil {
		return err
	}

	b.WriteString("Content-Type: application/http" + crlf)
	b.WriteString("Content-Transfer-Encoding: binary" + crlf)
	if contentID > 0 {
		b.WriteString("Content-ID: " + strconv.Itoa(contentID) + crlf)
	}
	b.WriteString(crlf)

	b.WriteString(op.Method() + " " + target + " HTTP/1.1" + crlf)
	b.WriteString("Accept: application/json" + crlf)

	names := make([]string, 0, len(op.Headers))
	for name := range op.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteString(name + ": " + op.Headers[name] + crlf)
	}

	if op.Type == OpCreate || op.Type == OpUpdate {
		payload, err := json.Marshal(op.Data)
		if err != nil {
			return fmt.Errorf("%w: encode data: %v", ErrInvalidOperation, err)
		}
		b.WriteString("Content-Type: application/json" + crlf)
		b.WriteString("Content-Length: " + strconv.Itoa(len(payload)) + crlf)
		b.WriteString(crlf)
		b.Write(payload)
		b.WriteString(crlf)
	} else {
		b.WriteString(crlf)
	}
	b.WriteString(crlf)
	return nil
}

var statusLinePattern = regexp.MustCompile(`^HTTP/\d(?:\.\d)?\s+(\d{3})`)

// BoundaryFromContentType extracts the boundary parameter of a multipart
// Content-Type header.
func BoundaryFromContentType(contentType string) string {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return params["boundary"]
}

// ParseResponse decodes a multipart/mixed batch response. Nested changeset
// responses are flattened in order; if any operation in a changeset failed,
// every result of that changeset is marked failed. Both CRLF and LF line
// endings are accepted.
func ParseResponse(body, boundary string) ([]Result, error) {
	text := strings.ReplaceAll(body, "\r\n", "\n")
	if boundary == "" {
		boundary = detectBoundary(text)
	}
	if boundary == "" {
		return nil, fmt.Errorf("%w: no boundary", ErrMalformedResponse)
	}

	parts := splitParts(text, boundary)
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: no parts for boundary %s", ErrMalformedResponse, boundary)
	}

	var results []Result
	changeSet := 0
	for _, part := range parts {
		headers, content := splitHeaders(part)
		ct := headers["content-type"]
		if strings.HasPrefix(strings.ToLower(ct), "multipart/mixed") {
			nested := BoundaryFromContentType(ct)
			if nested == "" {
				return nil, fmt.Errorf("%w: changeset without boundary", ErrMalformedResponse)
			}
			changeSet++
			group, err := parseChangeSet(content, nested, changeSet)
			if err != nil {
				return nil, err
			}
			results = append(results, group...)
			continue
		}

		r, err := parseHTTPPart(content)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}

	for i := range results {
		results[i].Index = i
	}
	return results, nil
}

func parseChangeSet(content, boundary string, id int) ([]Result, error) {
	parts := splitParts(content, boundary)
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty changeset", ErrMalformedResponse)
	}

	group := make([]Result, 0, len(parts))
	var firstErr *OperationError
	for _, part := range parts {
		_, inner := splitHeaders(part)
		r, err := parseHTTPPart(inner)
		if err != nil {
			return nil, err
		}
		r.ChangeSet = id
		if !r.Success && firstErr == nil {
			firstErr = r.Error
		}
		group = append(group, r)
	}

	if firstErr != nil {
		for i := range group {
			group[i].Success = false
			if group[i].Error == nil {
				group[i].Error = &OperationError{
					Code:    firstErr.Code,
					Message: "changeset rolled back: " + firstErr.Message,
				}
			}
		}
	}
	return group, nil
}

// parseHTTPPart decodes an embedded HTTP response.
func parseHTTPPart(content string) (Result, error) {
	content = strings.TrimLeft(content, "\n")
	statusLine, rest, _ := strings.Cut(content, "\n")
	m := statusLinePattern.FindStringSubmatch(strings.TrimSpace(statusLine))
	if m == nil {
		return Result{}, fmt.Errorf("%w: missing status line", ErrMalformedResponse)
	}
	status, _ := strconv.Atoi(m[1])

	headers, payload := splitHeaders(rest)
	payload = strings.TrimSpace(payload)

	r := Result{
		StatusCode: status,
		Success:    status >= 200 && status < 300,
		Headers:    headers,
	}

	if payload != "" {
		var decoded any
		if err := json.Unmarshal([]byte(payload), &decoded); err == nil {
			r.Data = unwrapEntity(decoded)
		} else {
			r.Data = payload
		}
	}

	if !r.Success {
		r.Error = &OperationError{Message: fmt.Sprintf("HTTP %d", status)}
		if se, ok := odata.ParseError([]byte(payload)); ok {
			r.Error.Code = se.Code
			if se.Message != "" {
				r.Error.Message = se.Message
			}
		}
		r.Data = nil
	}
	return r, nil
}

// unwrapEntity strips the V2 "d" wrapper from a single entity.
func unwrapEntity(v any) any {
	if m, ok := v.(map[string]any); ok {
		if d, ok := m["d"]; ok && len(m) == 1 {
			return d
		}
	}
	return v
}

// splitParts returns the bodies between "--boundary" delimiter lines,
// stopping at the closing delimiter. text uses LF line endings.
func splitParts(text, boundary string) []string {
	delim := "--" + boundary
	var parts []string
	var current []string
	inPart := false

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimRight(line, " \t")
		switch trimmed {
		case delim + "--":
			if inPart {
				parts = append(parts, strings.Join(current, "\n"))
			}
			return parts
		case delim:
			if inPart {
				parts = append(parts, strings.Join(current, "\n"))
			}
			current = current[:0:0]
			inPart = true
			continue
		}
		if inPart {
			current = append(current, line)
		}
	}
	if inPart && len(current) > 0 {
		parts = append(parts, strings.Join(current, "\n"))
	}
	return parts
}

// splitHeaders separates a MIME header block from its content. Header
// names are lower-cased.
func splitHeaders(part string) (map[string]string, string) {
	headers := map[string]string{}
	if strings.HasPrefix(part, "\n") {
		return headers, part[1:]
	}
	block, content, found := strings.Cut(part, "\n\n")
	if !found {
		block, content = part, ""
	}
	for _, line := range strings.Split(block, "\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
	return headers, content
}

func detectBoundary(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "--") && len(line) > 2 {
			return strings.TrimSuffix(strings.TrimPrefix(line, "--"), "--")
		}
	}
	return ""
}
