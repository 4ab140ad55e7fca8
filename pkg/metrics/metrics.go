// Package metrics provides the Prometheus registry and HTTP handler for the
// SAP OData client. All metrics are defined in their respective packages
// (client, cache, session, ratelimit, pagination) to maintain modularity and
// avoid circular dependencies.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer matching Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler serves every registered metric in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - odata_requests_total{method, status} (Counter): Requests by HTTP method and final status
//   - odata_request_duration_seconds{method} (Histogram): Duration including retries
//   - odata_errors_total{kind} (Counter): Failed operations by kind (transport, rate_limited, auth, ...)
//   - odata_csrf_fetches_total{result} (Counter): CSRF lookups (cached, fetched, failed)
//   - odata_batch_operations_total{result} (Counter): Batch operations (success, failure)
//
// Retry Metrics (pkg/client):
//   - odata_retries_total{reason} (Counter): Retry attempts by error kind
//   - odata_retry_backoff_seconds (Histogram): Backoff before each retry
//   - odata_retry_exhausted_total{reason} (Counter): Requests that used every attempt
//
// Throttle Metrics (pkg/ratelimit):
//   - odata_throttle_denied_total (Counter): Requests dropped by the drop strategy
//   - odata_throttle_wait_seconds (Histogram): Time spent waiting under the delay strategy
//
// Cache Metrics (pkg/cache):
//   - odata_cache_hits_total{kind} (Counter): Hits by kind (metadata, entity_sets, catalog, oauth, ...)
//   - odata_cache_misses_total{kind} (Counter): Misses by kind
//   - odata_cache_errors_total{operation} (Counter): Store failures (get, set, delete)
//
// Session Metrics (pkg/session):
//   - odata_session_store_errors_total{op} (Counter): Session store failures
//
// Pagination Metrics (pkg/pagination):
//   - odata_pagination_pages_total (Counter): Collection pages fetched
//
// Example Prometheus Queries:
//
//	# Metadata cache hit rate
//	sum(rate(odata_cache_hits_total{kind="metadata"}[5m])) /
//	(sum(rate(odata_cache_hits_total{kind="metadata"}[5m])) + sum(rate(odata_cache_misses_total{kind="metadata"}[5m])))
//
//	# CSRF refetch rate
//	rate(odata_csrf_fetches_total{result="fetched"}[5m])
//
//	# Request error rate by kind
//	sum by (kind) (rate(odata_errors_total[5m]))
//
//	# P95 request latency
//	histogram_quantile(0.95, rate(odata_request_duration_seconds_bucket[5m]))
