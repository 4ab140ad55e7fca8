package pagination

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// v2Pages serves total items in V2 envelopes of size pageSize, linking
// pages with d.__next.
func v2Pages(total, pageSize int, calls *int) PageFunc {
	return func(_ context.Context, req PageRequest) (any, error) {
		*calls++
		start := 0
		if req.NextLink != "" {
			_, _ = fmt.Sscanf(req.NextLink, "Orders?$skiptoken=%d", &start)
		}
		end := min(start+pageSize, total)

		results := make([]any, 0, end-start)
		for i := start; i < end; i++ {
			results = append(results, map[string]any{"ID": float64(i)})
		}
		d := map[string]any{"results": results}
		if end < total {
			d["__next"] = fmt.Sprintf("Orders?$skiptoken=%d", end)
		}
		return map[string]any{"d": d}, nil
	}
}

// skipPages serves V4 pages by $top/$skip without next links.
func skipPages(total int, requests *[]PageRequest) PageFunc {
	return func(_ context.Context, req PageRequest) (any, error) {
		*requests = append(*requests, req)
		end := min(req.Skip+req.Top, total)
		values := []any{}
		for i := req.Skip; i < end; i++ {
			values = append(values, float64(i))
		}
		return map[string]any{"value": values}, nil
	}
}

func TestFetchAll_FollowsNextLinks(t *testing.T) {
	calls := 0
	items, err := FetchAll(context.Background(), v2Pages(250, 100, &calls), DefaultConfig())
	require.NoError(t, err)
	assert.Len(t, items, 250)
	assert.Equal(t, 3, calls)
	assert.Equal(t, map[string]any{"ID": float64(249)}, items[249])
}

func TestFetchAll_SkipFallbackTerminates(t *testing.T) {
	tests := []struct {
		name      string
		total     int
		wantCalls int
	}{
		{name: "empty", total: 0, wantCalls: 1},
		{name: "partial first page", total: 42, wantCalls: 1},
		{name: "exact multiple ends on empty page", total: 200, wantCalls: 3},
		{name: "remainder", total: 230, wantCalls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var requests []PageRequest
			items, err := FetchAll(context.Background(), skipPages(tt.total, &requests), DefaultConfig())
			require.NoError(t, err)
			assert.Len(t, items, tt.total)
			assert.Len(t, requests, tt.wantCalls)
			for i, r := range requests {
				assert.Equal(t, i*100, r.Skip, "request %d skip", i)
				assert.Equal(t, 100, r.Top)
			}
		})
	}
}

func TestFetchAll_MaxPagesGuard(t *testing.T) {
	calls := 0
	// Always returns a full page and never a link
	endless := func(_ context.Context, _ PageRequest) (any, error) {
		calls++
		values := make([]any, 10)
		return map[string]any{"value": values}, nil
	}

	cfg := Config{PageSize: 10, MaxPages: 5}
	items, err := FetchAll(context.Background(), endless, cfg)
	require.NoError(t, err)
	assert.Len(t, items, 50)
	assert.Equal(t, 5, calls)
}

func TestFetchAllWithResult_Cap(t *testing.T) {
	calls := 0
	cfg := DefaultConfig()
	cfg.MaxItems = 150

	res, err := FetchAllWithResult(context.Background(), v2Pages(1000, 100, &calls), cfg)
	require.NoError(t, err)
	assert.Len(t, res.Data, 150)
	assert.True(t, res.LimitReached)
	assert.False(t, res.Partial)
	assert.Equal(t, 2, calls, "no page is fetched after the cap")
	assert.Contains(t, res.Message, "150")
}

func TestFetchAll_ErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	inner := v2Pages(300, 100, &calls)
	failing := func(ctx context.Context, req PageRequest) (any, error) {
		if req.Page == 2 {
			return nil, boom
		}
		return inner(ctx, req)
	}

	items, err := FetchAll(context.Background(), failing, DefaultConfig())
	assert.Nil(t, items)
	require.ErrorIs(t, err, boom)

	var pe PageError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 2, pe.Page)
	assert.Equal(t, 100, pe.ItemsFetchedSoFar)
}

func TestFetchAllWithResult_ContinueOnFail(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	inner := v2Pages(300, 100, &calls)
	failing := func(ctx context.Context, req PageRequest) (any, error) {
		if req.Page == 3 {
			return nil, boom
		}
		return inner(ctx, req)
	}

	cfg := DefaultConfig()
	cfg.ContinueOnFail = true

	res, err := FetchAllWithResult(context.Background(), failing, cfg)
	require.NoError(t, err)
	assert.Len(t, res.Data, 200)
	assert.True(t, res.Partial)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 3, res.Errors[0].Page)
	assert.ErrorIs(t, res.Errors[0], boom)
}

func TestFetchAllWithResult_Count(t *testing.T) {
	fetch := func(_ context.Context, _ PageRequest) (any, error) {
		return map[string]any{"d": map[string]any{"results": []any{1.0}, "__count": "17"}}, nil
	}
	res, err := FetchAllWithResult(context.Background(), fetch, DefaultConfig())
	require.NoError(t, err)
	assert.True(t, res.HasCount)
	assert.Equal(t, 17, res.TotalCount)
}

func TestStream_StopsWhenConsumerStops(t *testing.T) {
	calls := 0
	seen := 0
	for item, err := range Stream(context.Background(), v2Pages(1000, 100, &calls), DefaultConfig()) {
		require.NoError(t, err)
		require.NotNil(t, item)
		seen++
		if seen == 150 {
			break
		}
	}
	assert.Equal(t, 150, seen)
	assert.Equal(t, 2, calls)
}

func TestStream_YieldsErrorAfterItems(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	inner := v2Pages(300, 100, &calls)
	failing := func(ctx context.Context, req PageRequest) (any, error) {
		if req.Page == 2 {
			return nil, boom
		}
		return inner(ctx, req)
	}

	var items int
	var gotErr error
	for _, err := range Stream(context.Background(), failing, DefaultConfig()) {
		if err != nil {
			gotErr = err
			continue
		}
		items++
	}
	assert.Equal(t, 100, items)
	assert.ErrorIs(t, gotErr, boom)
}

func TestStream_ContinueOnFailReportsPageError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	inner := v2Pages(300, 100, &calls)
	failing := func(ctx context.Context, req PageRequest) (any, error) {
		if req.Page == 3 {
			return nil, boom
		}
		return inner(ctx, req)
	}

	cfg := DefaultConfig()
	cfg.ContinueOnFail = true

	var items int
	var errs []error
	for _, err := range Stream(context.Background(), failing, cfg) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		items++
	}
	assert.Equal(t, 200, items)
	require.Len(t, errs, 1)
	var pe PageError
	require.ErrorAs(t, errs[0], &pe)
	assert.Equal(t, 3, pe.Page)
	assert.Equal(t, 200, pe.ItemsFetchedSoFar)
	assert.ErrorIs(t, errs[0], boom)
}

func TestStream_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	inner := v2Pages(1000, 100, &calls)
	fetch := func(ctx context.Context, req PageRequest) (any, error) {
		if req.Page == 2 {
			cancel()
		}
		return inner(ctx, req)
	}

	var gotErr error
	for _, err := range Stream(ctx, fetch, DefaultConfig()) {
		if err != nil {
			gotErr = err
		}
	}
	assert.ErrorIs(t, gotErr, context.Canceled)
	assert.Equal(t, 2, calls)
}
