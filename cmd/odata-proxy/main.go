package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/sap-odata-client/pkg/batch"
	"github.com/Sternrassler/sap-odata-client/pkg/cache"
	"github.com/Sternrassler/sap-odata-client/pkg/client"
	"github.com/Sternrassler/sap-odata-client/pkg/config"
	"github.com/Sternrassler/sap-odata-client/pkg/logging"
	"github.com/Sternrassler/sap-odata-client/pkg/metrics"
	"github.com/Sternrassler/sap-odata-client/pkg/pagination"
)

const (
	requestTimeout  = 120 * time.Second
	cleanupInterval = 5 * time.Minute
	maxBodyBytes    = 10 << 20
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging())
	logger := logging.NewLogger("proxy")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, ping, closeStore, err := newStore(ctx, cfg.Redis.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer closeStore()
	if cfg.Redis.URL != "" {
		logger.Info().Msg("Using Redis session store")
	} else {
		logger.Info().Msg("Using in-memory session store")
	}

	odataClient, err := client.New(cfg.ToClientConfig(store))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create OData client")
	}
	defer odataClient.Close()

	go cleanupSessions(ctx, odataClient, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           newMux(odataClient, ping, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().
		Str("addr", srv.Addr).
		Str("host", cfg.SAP.Host).
		Str("service_path", cfg.SAP.ServicePath).
		Msg("Starting OData proxy server")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("Server failed")
	}
	logger.Info().Msg("Server stopped")
}

// newStore connects to Redis when redisURL is set and falls back to process
// memory otherwise. redisURL is either a redis:// URL or host:port.
func newStore(ctx context.Context, redisURL string) (cache.Store, func(context.Context) error, func(), error) {
	if redisURL == "" {
		return cache.NewMemoryStore(), nil, func() {}, nil
	}

	opts := &redis.Options{Addr: redisURL}
	if strings.Contains(redisURL, "://") {
		parsed, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, nil, fmt.Errorf("ping redis at %s: %w", opts.Addr, err)
	}

	ping := func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	return cache.NewRedisStore(rdb), ping, func() { _ = rdb.Close() }, nil
}

func cleanupSessions(ctx context.Context, c *client.Client, logger zerolog.Logger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.CleanupSessions(ctx); n > 0 {
				logger.Debug().Int("sessions", n).Msg("Expired sessions removed")
			}
		}
	}
}

func newMux(c *client.Client, ping func(context.Context) error, logger zerolog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler(ping))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/odata/", odataProxyHandler(c))
	mux.HandleFunc("/batch", batchHandler(c))
	mux.HandleFunc("/services", catalogHandler(c))
	mux.HandleFunc("/entitysets", entitySetsHandler(c))
	return withRequestID(mux, logger)
}

// withRequestID tags every request with X-Request-ID and logs it.
func withRequestID(next http.Handler, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func readyHandler(ping func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				http.Error(w, "store unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

// servicePath reads the target service from ?service= or X-SAP-Service-Path.
// An empty result selects the configured default.
func servicePath(r *http.Request) client.ServicePathSource {
	if s := r.URL.Query().Get("service"); s != "" {
		return client.FromLegacy(s)
	}
	if s := r.Header.Get("X-SAP-Service-Path"); s != "" {
		return client.FromLegacy(s)
	}
	return client.ServicePathSource{}
}

// odataProxyHandler forwards /odata/<resource> to the service. GET with
// ?all=true reads every page and answers with the collected items.
func odataProxyHandler(c *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resource := strings.TrimPrefix(r.URL.Path, "/odata/")

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		query := url.Values{}
		for k, v := range r.URL.Query() {
			switch k {
			case "all", "service", "maxItems":
				continue
			}
			query[k] = v
		}

		if r.Method == http.MethodGet && r.URL.Query().Get("all") == "true" {
			cfg := pagination.DefaultConfig()
			if n, err := strconv.Atoi(r.URL.Query().Get("maxItems")); err == nil && n > 0 {
				cfg.MaxItems = n
			}
			result, err := c.GetAll(ctx, client.ListRequest{
				Resource:    resource,
				Query:       query,
				ServicePath: servicePath(r),
				Pagination:  cfg,
			})
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, collectionBody(result))
			return
		}

		req := client.Request{
			Method:      r.Method,
			Resource:    resource,
			Query:       query,
			ServicePath: servicePath(r),
			Accept:      r.Header.Get("Accept"),
		}
		if r.Method != http.MethodGet && r.Method != http.MethodDelete {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				http.Error(w, "failed to read request body", http.StatusBadRequest)
				return
			}
			req.Body = body
			req.ContentType = r.Header.Get("Content-Type")
			if req.ContentType == "" && len(body) > 0 {
				req.ContentType = "application/json"
			}
		}
		if r.Method == http.MethodPut || r.Method == http.MethodPatch || r.Method == http.MethodDelete {
			if ifMatch := r.Header.Get("If-Match"); ifMatch != "" {
				req.Headers = map[string]string{"If-Match": ifMatch}
			}
		}

		resp, err := c.Execute(ctx, req)
		if err != nil {
			writeError(w, err)
			return
		}

		for _, h := range []string{"Content-Type", "ETag", "Location"} {
			if v := resp.Header.Get(h); v != "" {
				w.Header().Set(h, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(resp.Body)
	}
}

type collectionResponse struct {
	Results      []any    `json:"results"`
	Count        int      `json:"count"`
	TotalCount   *int     `json:"totalCount,omitempty"`
	Partial      bool     `json:"partial,omitempty"`
	LimitReached bool     `json:"limitReached,omitempty"`
	Message      string   `json:"message,omitempty"`
	Errors       []string `json:"errors,omitempty"`
}

func collectionBody(r *pagination.Result) collectionResponse {
	body := collectionResponse{
		Results:      r.Data,
		Count:        len(r.Data),
		Partial:      r.Partial,
		LimitReached: r.LimitReached,
		Message:      r.Message,
	}
	for _, e := range r.Errors {
		body.Errors = append(body.Errors, e.Error())
	}
	if body.Results == nil {
		body.Results = []any{}
	}
	if r.HasCount {
		total := r.TotalCount
		body.TotalCount = &total
	}
	return body
}

type batchRequest struct {
	Operations   []batch.Operation `json:"operations"`
	UseChangeSet bool              `json:"useChangeSet"`
	ServicePath  string            `json:"servicePath"`
}

type batchResponse struct {
	Results []batch.Result `json:"results"`
	Error   *errorBody     `json:"error,omitempty"`
}

// batchHandler accepts a JSON list of operations and sends them as $batch.
func batchHandler(c *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var in batchRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&in); err != nil {
			http.Error(w, fmt.Sprintf("invalid batch request: %v", err), http.StatusBadRequest)
			return
		}

		opts := client.BatchOptions{UseChangeSet: in.UseChangeSet}
		if in.ServicePath != "" {
			opts.ServicePath = client.FromLegacy(in.ServicePath)
		}

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		results, err := c.ExecuteBatch(ctx, in.Operations, opts)
		if err != nil {
			if len(results) == 0 {
				writeError(w, err)
				return
			}
			// Chunks sent before the failure stay visible to the caller
			body := toErrorBody(err)
			writeJSON(w, http.StatusBadGateway, batchResponse{Results: results, Error: &body})
			return
		}
		writeJSON(w, http.StatusOK, batchResponse{Results: results})
	}
}

func catalogHandler(c *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		services, err := c.ServiceCatalog(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"services": services})
	}
}

func entitySetsHandler(c *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sets, err := c.EntitySets(r.Context(), servicePath(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entitySets": sets})
	}
}

type errorBody struct {
	Kind    client.ErrorKind `json:"kind"`
	Code    string           `json:"code,omitempty"`
	Message string           `json:"message"`
}

func toErrorBody(err error) errorBody {
	body := errorBody{Kind: client.KindOf(err), Message: err.Error()}
	var ce *client.Error
	if errors.As(err, &ce) {
		body.Code = ce.Code
		if ce.Message != "" {
			body.Message = ce.Message
		}
	}
	return body
}

// statusFor maps a client error onto the proxy's response status.
func statusFor(err error) int {
	var ce *client.Error
	if errors.As(err, &ce) && ce.StatusCode > 0 {
		return ce.StatusCode
	}
	switch client.KindOf(err) {
	case client.KindValidation:
		return http.StatusBadRequest
	case client.KindRateLimited:
		return http.StatusTooManyRequests
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]any{"error": toErrorBody(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
