// Package client provides the request executor: the single choke-point for
// outbound provider API calls. It injects bearer credentials, debits the
// weighted rate budget, classifies failures, and retries transient errors
// with bounded exponential backoff.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Mubeen213/saas-risk-scanner-backend/pkg/ratelimit"
)

// Prometheus metrics for executor operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanner_requests_total",
		Help: "Total provider requests by step and status",
	}, []string{"step", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scanner_request_duration_seconds",
		Help:    "Provider request duration in seconds by step",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"step"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanner_errors_total",
		Help: "Total provider errors by class",
	}, []string{"class"})

	authRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanner_auth_refreshes_total",
		Help: "Forced credential refreshes triggered by 401 responses, by outcome",
	}, []string{"outcome"})
)

// AuthContext is a usable bearer credential for one connection.
type AuthContext struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
}

// AuthorizationHeader renders the credential as an Authorization header value.
func (a AuthContext) AuthorizationHeader() string {
	tokenType := a.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return tokenType + " " + a.AccessToken
}

// CredentialSource supplies credentials for a single connection and decides
// how to react to auth failures. The credential manager implements it.
type CredentialSource interface {
	// Credential returns a currently valid bearer credential, refreshing
	// proactively if needed.
	Credential(ctx context.Context) (AuthContext, error)

	// HandleAuthFailure reacts to a 401 or 403 from the provider. It
	// returns retry=true when a forced refresh succeeded and the request
	// should be re-sent once with fresh credentials.
	HandleAuthFailure(ctx context.Context, statusCode int) (retry bool, err error)
}

// RequestDefinition describes one outbound call.
type RequestDefinition struct {
	Method string
	URL    string
	Query  url.Values
	Header http.Header
	Body   []byte

	// Cost is the weight of this call against the rate budget (default 1).
	// Composite batch calls must carry the sum of their sub-request costs.
	Cost int

	// Class selects an optional per-endpoint-class rate sub-bucket.
	Class string

	// Step labels the originating pipeline step for logs and metrics.
	Step string

	// NoAuth skips credential injection and the forced-refresh-on-401
	// rule. Token refresh calls set it to avoid infinite recursion.
	NoAuth bool
}

// Response is the decoded outcome of a successful call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Doer executes request definitions. Satisfied by *Executor; components
// like the pager, the batch executor and provider plugins depend on this
// interface so tests can substitute fakes.
type Doer interface {
	Execute(ctx context.Context, def RequestDefinition, creds CredentialSource) (*Response, error)
}

// Config holds the executor configuration.
type Config struct {
	// UserAgent identifies this scanner to the provider.
	UserAgent string

	// Timeout bounds every individual call. Exceeding it is a transient
	// error subject to the normal retry policy.
	Timeout time.Duration

	// Retry controls transient-error backoff.
	Retry RetryConfig
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		UserAgent: userAgent,
		Timeout:   30 * time.Second,
		Retry:     DefaultRetryConfig(),
	}
}

// Executor is the request execution layer.
type Executor struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	config     Config
	logger     zerolog.Logger
}

var _ Doer = (*Executor)(nil)

// New creates a new executor.
func New(cfg Config, limiter *ratelimit.Limiter, logger zerolog.Logger) (*Executor, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	return &Executor{
		httpClient: &http.Client{},
		limiter:    limiter,
		config:     cfg,
		logger:     logger,
	}, nil
}

// Execute performs one call with rate admission, auth injection, retry and
// error classification. On 401 it forces exactly one credential refresh and
// re-sends once; a second 401 surfaces as a CredentialError without
// recursing. 403 is permanent. 429 and 5xx are transient.
func (e *Executor) Execute(ctx context.Context, def RequestDefinition, creds CredentialSource) (*Response, error) {
	cost := def.Cost
	if cost < 1 {
		cost = 1
	}
	if !def.NoAuth && creds == nil {
		return nil, &PermanentError{Message: "credential source is required for authenticated requests"}
	}

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(def.Step).Observe(time.Since(startTime).Seconds())
	}()

	if err := e.limiter.Acquire(ctx, def.Class, cost); err != nil {
		return nil, fmt.Errorf("rate limit admission: %w", err)
	}

	e.logger.Debug().
		Str("step", def.Step).
		Str("method", def.Method).
		Str("url", def.URL).
		Int("cost", cost).
		Msg("Executing provider request")

	// One forced refresh per Execute call, across all retry attempts.
	authRetried := false

	var resp *Response
	err := retryWithBackoff(ctx, e.logger, e.config.Retry, def.Step, func() error {
		for {
			var auth *AuthContext
			if !def.NoAuth {
				a, err := creds.Credential(ctx)
				if err != nil {
					return &CredentialError{Message: "obtain credential", Err: err}
				}
				auth = &a
			}

			r, err := e.do(ctx, def, auth)
			if err != nil {
				errorsTotal.WithLabelValues(string(ErrorClassTransient)).Inc()
				requestsTotal.WithLabelValues(def.Step, "network_error").Inc()
				return err
			}

			requestsTotal.WithLabelValues(def.Step, strconv.Itoa(r.StatusCode)).Inc()

			if r.StatusCode == http.StatusUnauthorized && !def.NoAuth && !authRetried {
				authRetried = true
				retry, herr := creds.HandleAuthFailure(ctx, r.StatusCode)
				if herr == nil && retry {
					authRefreshesTotal.WithLabelValues("recovered").Inc()
					e.logger.Info().
						Str("step", def.Step).
						Msg("Credential refreshed after 401, re-sending request")
					continue
				}
				authRefreshesTotal.WithLabelValues("failed").Inc()
				errorsTotal.WithLabelValues(string(ErrorClassCredential)).Inc()
				return &CredentialError{StatusCode: r.StatusCode, Message: "forced refresh failed", Err: herr}
			}

			if cerr := e.classifyStatus(ctx, def, creds, r, authRetried); cerr != nil {
				return cerr
			}

			resp = r
			return nil
		}
	})
	if err != nil {
		e.logger.Warn().
			Err(err).
			Str("step", def.Step).
			Int("cost", cost).
			Str("error_class", string(Classify(err))).
			Msg("Provider request failed")
		return nil, err
	}

	e.logger.Debug().
		Str("step", def.Step).
		Int("status", resp.StatusCode).
		Int("cost", cost).
		Dur("duration", time.Since(startTime)).
		Msg("Provider request completed")

	return resp, nil
}

// do performs a single HTTP round-trip under the per-call timeout.
func (e *Executor) do(ctx context.Context, def RequestDefinition, auth *AuthContext) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	target := def.URL
	if len(def.Query) > 0 {
		target = target + "?" + def.Query.Encode()
	}

	var body io.Reader
	if len(def.Body) > 0 {
		body = bytes.NewReader(def.Body)
	}

	req, err := http.NewRequestWithContext(callCtx, def.Method, target, body)
	if err != nil {
		return nil, &PermanentError{Message: fmt.Sprintf("create request: %v", err)}
	}

	for key, values := range def.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("User-Agent", e.config.UserAgent)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if auth != nil {
		req.Header.Set("Authorization", auth.AuthorizationHeader())
	}

	httpResp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Message: "http request", Err: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &TransientError{StatusCode: httpResp.StatusCode, Message: "read response body", Err: err}
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       respBody,
	}, nil
}

// classifyStatus turns a non-retriable or retriable HTTP status into the
// matching error type. Returns nil for success statuses.
func (e *Executor) classifyStatus(ctx context.Context, def RequestDefinition, creds CredentialSource, r *Response, authRetried bool) error {
	switch {
	case r.StatusCode >= 200 && r.StatusCode < 300:
		return nil

	case r.StatusCode == http.StatusUnauthorized:
		// Either NoAuth or the single forced refresh was already spent.
		errorsTotal.WithLabelValues(string(ErrorClassCredential)).Inc()
		return &CredentialError{StatusCode: r.StatusCode, Message: "unauthorized"}

	case r.StatusCode == http.StatusForbidden:
		// Insufficient or revoked permission, not a token problem.
		if !def.NoAuth && creds != nil {
			if _, err := creds.HandleAuthFailure(ctx, r.StatusCode); err != nil {
				e.logger.Warn().Err(err).Str("step", def.Step).Msg("Recording 403 on connection failed")
			}
		}
		errorsTotal.WithLabelValues(string(ErrorClassPermanent)).Inc()
		return &PermanentError{StatusCode: r.StatusCode, Message: "forbidden: " + truncate(r.Body, 200)}

	case r.StatusCode == http.StatusTooManyRequests:
		errorsTotal.WithLabelValues(string(ErrorClassTransient)).Inc()
		return &TransientError{
			StatusCode: r.StatusCode,
			Message:    "rate limited by provider",
			RetryAfter: parseRetryAfter(r.Header),
		}

	case r.StatusCode >= 500:
		errorsTotal.WithLabelValues(string(ErrorClassTransient)).Inc()
		return &TransientError{StatusCode: r.StatusCode, Message: "server error"}

	default:
		errorsTotal.WithLabelValues(string(ErrorClassPermanent)).Inc()
		return &PermanentError{StatusCode: r.StatusCode, Message: truncate(r.Body, 200)}
	}
}

// parseRetryAfter reads a Retry-After header given in seconds.
func parseRetryAfter(header http.Header) time.Duration {
	value := header.Get("Retry-After")
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func truncate(body []byte, max int) string {
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (e *Executor) SetHTTPClient(httpClient *http.Client) {
	e.httpClient = httpClient
}
