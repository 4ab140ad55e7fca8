package pagination

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/sap-odata-client/pkg/odata"
)

var pagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "odata_pagination_pages_total",
	Help: "Total number of collection pages fetched",
})

// Config holds pagination settings
type Config struct {
	// PageSize is the $top used for client-side paging
	PageSize int
	// MaxItems caps the number of items returned (0 = unlimited)
	MaxItems int
	// MaxPages bounds the number of page requests (0 = unlimited)
	MaxPages int
	// ResultsProperty overrides where items are read from
	ResultsProperty string
	// ContinueOnFail returns accumulated items instead of failing
	ContinueOnFail bool
}

// DefaultConfig returns the default pagination settings
func DefaultConfig() Config {
	return Config{
		PageSize: 100,
		MaxPages: 10000,
	}
}

// PageRequest describes the page to fetch. When NextLink is set it must be
// requested verbatim; otherwise Top and Skip apply.
type PageRequest struct {
	Page     int
	NextLink string
	Top      int
	Skip     int
}

// PageFunc fetches one page and returns the decoded JSON body.
type PageFunc func(ctx context.Context, req PageRequest) (any, error)

// PageError records a failed page.
type PageError struct {
	Page              int
	Err               error
	ItemsFetchedSoFar int
}

func (e PageError) Error() string {
	return fmt.Sprintf("page %d failed after %d items: %v", e.Page, e.ItemsFetchedSoFar, e.Err)
}

func (e PageError) Unwrap() error {
	return e.Err
}

// State is the progress of one walk.
type State struct {
	NextLink     string
	CurrentSkip  int
	ItemsFetched int
	Pages        int
	LimitReached bool
	Errors       []PageError
}

// Result is an eager fetch outcome with metadata.
type Result struct {
	Data         []any
	Partial      bool
	LimitReached bool
	Errors       []PageError
	Message      string
	// TotalCount is the server-side inline count when requested
	TotalCount int
	HasCount   bool
}

var errStopped = errors.New("consumer stopped")

// walk fetches pages sequentially and passes each item to yield.
func walk(ctx context.Context, fetch PageFunc, cfg Config, yield func(any) bool, onCount func(int)) (*State, error) {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultConfig().PageSize
	}

	state := &State{}
	req := PageRequest{Page: 1, Top: cfg.PageSize}

	for {
		if cfg.MaxPages > 0 && req.Page > cfg.MaxPages {
			log.Warn().Int("max_pages", cfg.MaxPages).Int("items", state.ItemsFetched).Msg("Pagination stopped at page limit")
			return state, nil
		}
		if err := ctx.Err(); err != nil {
			return state, err
		}

		body, err := fetch(ctx, req)
		if err != nil {
			pe := PageError{Page: req.Page, Err: err, ItemsFetchedSoFar: state.ItemsFetched}
			state.Errors = append(state.Errors, pe)
			if cfg.ContinueOnFail {
				log.Warn().Err(err).Int("page", req.Page).Int("items", state.ItemsFetched).Msg("Page fetch failed, returning partial results")
				return state, nil
			}
			return state, pe
		}
		pagesFetchedTotal.Inc()
		state.Pages++

		env := odata.Classify(body)
		if onCount != nil && req.Page == 1 {
			if n, ok := env.Count(); ok {
				onCount(n)
			}
		}

		items := env.Items(cfg.ResultsProperty)
		state.CurrentSkip += len(items)
		for _, item := range items {
			if cfg.MaxItems > 0 && state.ItemsFetched >= cfg.MaxItems {
				break
			}
			if !yield(item) {
				return state, errStopped
			}
			state.ItemsFetched++
		}
		if cfg.MaxItems > 0 && state.ItemsFetched >= cfg.MaxItems {
			state.LimitReached = true
			return state, nil
		}

		log.Debug().Int("page", req.Page).Int("items", len(items)).Int("total", state.ItemsFetched).Msg("Page fetched")

		if next := env.NextLink(); next != "" {
			state.NextLink = next
			req = PageRequest{Page: req.Page + 1, NextLink: next}
			continue
		}
		state.NextLink = ""

		// No link: a full collection page may still have a successor
		if env.IsCollection() && len(items) == cfg.PageSize {
			req = PageRequest{Page: req.Page + 1, Top: cfg.PageSize, Skip: state.CurrentSkip}
			continue
		}
		return state, nil
	}
}

// FetchAll returns every item. Without ContinueOnFail any page failure is
// returned as an error and no items are returned.
func FetchAll(ctx context.Context, fetch PageFunc, cfg Config) ([]any, error) {
	var items []any
	_, err := walk(ctx, fetch, cfg, func(item any) bool {
		items = append(items, item)
		return true
	}, nil)
	if err != nil {
		return nil, err
	}
	return items, nil
}

// FetchAllWithResult returns every item together with partial-result and
// limit metadata.
func FetchAllWithResult(ctx context.Context, fetch PageFunc, cfg Config) (*Result, error) {
	res := &Result{}
	state, err := walk(ctx, fetch, cfg, func(item any) bool {
		res.Data = append(res.Data, item)
		return true
	}, func(n int) {
		res.TotalCount = n
		res.HasCount = true
	})
	if err != nil {
		return nil, err
	}

	res.LimitReached = state.LimitReached
	res.Errors = state.Errors
	res.Partial = len(state.Errors) > 0
	switch {
	case res.Partial:
		res.Message = fmt.Sprintf("partial results: fetched %d items before page %d failed", len(res.Data), state.Errors[0].Page)
	case res.LimitReached:
		res.Message = fmt.Sprintf("item limit of %d reached", cfg.MaxItems)
	}
	return res, nil
}

// Stream yields items as pages arrive. A page failure is yielded as the
// final error, as a PageError, with or without ContinueOnFail.
func Stream(ctx context.Context, fetch PageFunc, cfg Config) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		state, err := walk(ctx, fetch, cfg, func(item any) bool {
			return yield(item, nil)
		}, nil)
		switch {
		case errors.Is(err, errStopped):
		case err != nil:
			yield(nil, err)
		case len(state.Errors) > 0:
			yield(nil, state.Errors[0])
		}
	}
}
