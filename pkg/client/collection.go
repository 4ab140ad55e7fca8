package client

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"

	"github.com/Sternrassler/sap-odata-client/pkg/batch"
	"github.com/Sternrassler/sap-odata-client/pkg/odata"
	"github.com/Sternrassler/sap-odata-client/pkg/pagination"
)

// ListRequest describes a paginated read of a collection.
type ListRequest struct {
	Resource    string
	Query       url.Values
	ServicePath ServicePathSource
	Pagination  pagination.Config
}

// GetAll reads every page of a collection.
func (c *Client) GetAll(ctx context.Context, req ListRequest) (*pagination.Result, error) {
	if err := validateResource(req.Resource); err != nil {
		return nil, err
	}
	return pagination.FetchAllWithResult(ctx, c.pageFunc(req), c.paginationConfig(req))
}

// Stream yields the items of a collection as pages arrive.
func (c *Client) Stream(ctx context.Context, req ListRequest) iter.Seq2[any, error] {
	if err := validateResource(req.Resource); err != nil {
		return func(yield func(any, error) bool) { yield(nil, err) }
	}
	return pagination.Stream(ctx, c.pageFunc(req), c.paginationConfig(req))
}

func (c *Client) paginationConfig(req ListRequest) pagination.Config {
	cfg := req.Pagination
	if cfg.PageSize <= 0 {
		def := pagination.DefaultConfig()
		cfg.PageSize = def.PageSize
		if cfg.MaxPages == 0 {
			cfg.MaxPages = def.MaxPages
		}
	}
	return cfg
}

func validateResource(resource string) error {
	if resource == "" {
		return validationError(fmt.Errorf("%w: resource is required", odata.ErrValidation))
	}
	return nil
}

// pageFunc requests the first page with $top, later pages by next link or
// by $skip. A $skip already in the query is the offset of the first page.
func (c *Client) pageFunc(lr ListRequest) pagination.PageFunc {
	return func(ctx context.Context, pr pagination.PageRequest) (any, error) {
		req := Request{Method: http.MethodGet, ServicePath: lr.ServicePath}

		baseSkip := 0
		if raw := lr.Query.Get("$skip"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return nil, validationError(fmt.Errorf("%w: $skip must be a non-negative integer, got %q", odata.ErrValidation, raw))
			}
			baseSkip = n
		}

		if pr.NextLink != "" {
			req.Resource = pr.NextLink
		} else {
			q := url.Values{}
			for k, v := range lr.Query {
				q[k] = append([]string(nil), v...)
			}
			if pr.Top > 0 && q.Get("$top") == "" {
				q.Set("$top", strconv.Itoa(pr.Top))
			}
			if pr.Skip > 0 {
				q.Set("$skip", strconv.Itoa(baseSkip+pr.Skip))
			}
			req.Resource = lr.Resource
			req.Query = q
		}

		resp, err := c.Execute(ctx, req)
		if err != nil {
			return nil, err
		}
		if len(resp.Body) == 0 {
			return nil, nil
		}

		var body any
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			return nil, decodeError("decode page", err)
		}
		return body, nil
	}
}

// BatchOptions configures ExecuteBatch.
type BatchOptions struct {
	// UseChangeSet sends all writes of a chunk as one atomic changeset
	UseChangeSet bool

	ServicePath ServicePathSource
}

// ExecuteBatch sends ops as $batch requests of at most MaxBatchSize
// operations each. All operations are validated before anything is sent.
// The result slice has one entry per operation, in order; results of
// chunks sent before a failing request are returned with the error.
func (c *Client) ExecuteBatch(ctx context.Context, ops []batch.Operation, opts BatchOptions) ([]batch.Result, error) {
	if len(ops) == 0 {
		return nil, validationError(fmt.Errorf("%w: no operations", batch.ErrInvalidOperation))
	}
	for i, op := range ops {
		if err := batch.Validate(op); err != nil {
			return nil, validationError(fmt.Errorf("operation %d: %w", i, err))
		}
		if opts.UseChangeSet && op.Type == batch.OpGet {
			return nil, validationError(fmt.Errorf("operation %d: %w: GET is not allowed in a changeset", i, batch.ErrInvalidOperation))
		}
	}

	ops = c.withUpdateMethod(ops)
	servicePath := c.resolveServicePath(opts.ServicePath)
	results := make([]batch.Result, 0, len(ops))
	offset := 0

	for n, chunk := range batch.Split(ops, c.config.MaxBatchSize) {
		breq, err := batch.Build(chunk, servicePath, opts.UseChangeSet)
		if err != nil {
			return results, validationError(err)
		}

		c.logger.Debug().
			Int("chunk", n+1).
			Int("operations", len(chunk)).
			Bool("changeset", opts.UseChangeSet).
			Msg("Sending batch request")

		resp, err := c.Execute(ctx, Request{
			Method:      http.MethodPost,
			Resource:    "$batch",
			Body:        []byte(breq.Body),
			ContentType: breq.ContentType,
			Accept:      "multipart/mixed",
			ServicePath: FromCustom(breq.ServicePath),
		})
		if err != nil {
			return results, err
		}

		boundary := batch.BoundaryFromContentType(resp.Header.Get("Content-Type"))
		parsed, err := batch.ParseResponse(string(resp.Body), boundary)
		if err != nil {
			return results, decodeError("parse batch response", err)
		}

		parsed = alignResults(parsed, len(chunk), opts.UseChangeSet)
		for i := range parsed {
			parsed[i].Index = offset + i
			if parsed[i].Success {
				batchOperationsTotal.WithLabelValues("success").Inc()
			} else {
				batchOperationsTotal.WithLabelValues("failure").Inc()
			}
		}
		results = append(results, parsed...)
		offset += len(chunk)
	}

	return results, nil
}

// withUpdateMethod returns a copy of ops in which updates without their own
// method use the client's update method.
func (c *Client) withUpdateMethod(ops []batch.Operation) []batch.Operation {
	out := make([]batch.Operation, len(ops))
	for i, op := range ops {
		if op.Type == batch.OpUpdate && op.UpdateMethod == "" {
			op.UpdateMethod = c.config.UpdateMethod
		}
		out[i] = op
	}
	return out
}

// alignResults returns exactly n results. A changeset rejected as a whole
// yields one response, which is applied to every operation; operations the
// server did not answer are marked failed.
func alignResults(parsed []batch.Result, n int, changeSet bool) []batch.Result {
	if len(parsed) == n {
		return parsed
	}
	if len(parsed) > n {
		return parsed[:n]
	}

	if changeSet && len(parsed) == 1 && !parsed[0].Success {
		out := make([]batch.Result, n)
		for i := range out {
			out[i] = parsed[0]
		}
		return out
	}

	out := append([]batch.Result(nil), parsed...)
	for len(out) < n {
		out = append(out, batch.Result{
			Success: false,
			Error:   &batch.OperationError{Message: "no response for operation"},
		})
	}
	return out
}
