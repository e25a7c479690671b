// Package metrics provides the centralized Prometheus metrics registry for
// the scanner. All metrics are defined in their respective packages
// (client, ratelimit, pagination, batch, syncer) to maintain modularity
// and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the scanner.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - scanner_rate_limit_acquires_total{class} (Counter): Admissions by endpoint class
//   - scanner_rate_limit_wait_seconds{class} (Histogram): Time spent waiting for admission
//   - scanner_rate_limit_cost_total{class} (Counter): Budget units debited by class
//
// Request Metrics (pkg/client):
//   - scanner_requests_total{step, status} (Counter): Requests by pipeline step and HTTP status
//   - scanner_request_duration_seconds{step} (Histogram): Request duration by step
//   - scanner_errors_total{class} (Counter): Errors by class (transient, permanent, credential)
//   - scanner_auth_refreshes_total{outcome} (Counter): Forced credential refreshes by outcome
//
// Retry Metrics (pkg/client):
//   - scanner_retries_total{step} (Counter): Retry attempts by step
//   - scanner_retry_backoff_seconds{step} (Histogram): Backoff duration by step
//   - scanner_retry_exhausted_total{step} (Counter): Calls that exhausted max retries
//
// Pagination Metrics (pkg/pagination):
//   - scanner_pages_fetched_total{step} (Counter): Pages fetched by step
//   - scanner_page_items_total{step} (Counter): Items yielded by step
//
// Batch Metrics (pkg/batch):
//   - scanner_batch_chunks_total{step} (Counter): Composite requests submitted by step
//   - scanner_batch_entities_total{step, outcome} (Counter): Entities processed by outcome
//
// Sync Metrics (internal/syncer):
//   - scanner_sync_runs_total{provider, outcome} (Counter): Sync runs by provider and outcome
//   - scanner_sync_step_duration_seconds{provider, step} (Histogram): Step duration
//   - scanner_sync_records_total{provider, step} (Counter): Records reconciled per step
//   - scanner_sync_noise_filtered_total{provider} (Counter): Records dropped by the noise filter
//
// Example Prometheus Queries:
//
//   # Request Error Rate
//   rate(scanner_errors_total[5m])
//
//   # P95 Request Latency per Step
//   histogram_quantile(0.95, rate(scanner_request_duration_seconds_bucket[5m]))
//
//   # Budget Pressure (time spent blocked on admission)
//   rate(scanner_rate_limit_wait_seconds_sum[5m])
//
//   # Sync Failure Rate by Provider
//   sum by (provider) (rate(scanner_sync_runs_total{outcome!="success"}[1h]))
