package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Mubeen213/saas-risk-scanner-backend/pkg/ratelimit"
)

// fakeCredentials implements CredentialSource for testing.
type fakeCredentials struct {
	token          string
	refreshed      atomic.Int32
	refreshOutcome bool
	failures       atomic.Int32
}

func (f *fakeCredentials) Credential(ctx context.Context) (AuthContext, error) {
	return AuthContext{AccessToken: f.token, TokenType: "Bearer"}, nil
}

func (f *fakeCredentials) HandleAuthFailure(ctx context.Context, statusCode int) (bool, error) {
	f.failures.Add(1)
	if statusCode == http.StatusUnauthorized && f.refreshOutcome {
		f.refreshed.Add(1)
		f.token = "refreshed-token"
		return true, nil
	}
	return false, nil
}

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()

	limiter, err := ratelimit.New(ratelimit.BucketConfig{PerSecond: 10000, Burst: 1000}, disabledLogger())
	if err != nil {
		t.Fatalf("ratelimit.New() error = %v", err)
	}

	cfg := DefaultConfig("saas-risk-scanner/1.0 (test)")
	cfg.Retry = retryTestConfig()

	exec, err := New(cfg, limiter, disabledLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return exec
}

func TestNew_Validation(t *testing.T) {
	limiter, err := ratelimit.New(ratelimit.DefaultBucketConfig(), disabledLogger())
	if err != nil {
		t.Fatalf("ratelimit.New() error = %v", err)
	}

	tests := []struct {
		name        string
		config      Config
		limiter     *ratelimit.Limiter
		expectError bool
	}{
		{
			name:        "valid config",
			config:      DefaultConfig("scanner/1.0"),
			limiter:     limiter,
			expectError: false,
		},
		{
			name:        "empty user agent",
			config:      Config{},
			limiter:     limiter,
			expectError: true,
		},
		{
			name:        "nil limiter",
			config:      DefaultConfig("scanner/1.0"),
			limiter:     nil,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config, tt.limiter, disabledLogger())
			if tt.expectError && err == nil {
				t.Error("Expected error but got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestExecute_Success(t *testing.T) {
	var gotAuth, gotAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAgent = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"users": []}`))
	}))
	defer server.Close()

	exec := newTestExecutor(t)
	creds := &fakeCredentials{token: "test-token"}

	resp, err := exec.Execute(context.Background(), RequestDefinition{
		Method: http.MethodGet,
		URL:    server.URL + "/admin/directory/v1/users",
		Query:  url.Values{"customer": {"my_customer"}},
		Step:   "users",
	}, creds)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if string(resp.Body) != `{"users": []}` {
		t.Errorf("Body = %q", resp.Body)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q, want Bearer test-token", gotAuth)
	}
	if gotAgent != "saas-risk-scanner/1.0 (test)" {
		t.Errorf("User-Agent = %q", gotAgent)
	}
}

func TestExecute_401TriggersSingleRefresh(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Authorization") != "Bearer refreshed-token" {
			t.Errorf("retry carried stale credential: %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	exec := newTestExecutor(t)
	creds := &fakeCredentials{token: "stale-token", refreshOutcome: true}

	resp, err := exec.Execute(context.Background(), RequestDefinition{
		Method: http.MethodGet,
		URL:    server.URL,
		Step:   "users",
	}, creds)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if got := creds.refreshed.Load(); got != 1 {
		t.Errorf("refreshes = %d, want exactly 1", got)
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}
}

func TestExecute_SecondConsecutive401DoesNotRecurse(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	exec := newTestExecutor(t)
	creds := &fakeCredentials{token: "stale-token", refreshOutcome: true}

	_, err := exec.Execute(context.Background(), RequestDefinition{
		Method: http.MethodGet,
		URL:    server.URL,
		Step:   "users",
	}, creds)
	if !IsCredential(err) {
		t.Fatalf("expected credential error, got %v", err)
	}

	if got := creds.refreshed.Load(); got != 1 {
		t.Errorf("refreshes = %d, want exactly 1 (no recursion)", got)
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("requests = %d, want 2 (original + single retry)", got)
	}
}

func TestExecute_401RefreshFailureIsCredentialError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	exec := newTestExecutor(t)
	creds := &fakeCredentials{token: "stale-token", refreshOutcome: false}

	_, err := exec.Execute(context.Background(), RequestDefinition{
		Method: http.MethodGet,
		URL:    server.URL,
		Step:   "users",
	}, creds)
	if !IsCredential(err) {
		t.Fatalf("expected credential error, got %v", err)
	}
}

func TestExecute_403IsPermanentWithoutRetry(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error": "insufficient permissions"}`))
	}))
	defer server.Close()

	exec := newTestExecutor(t)
	creds := &fakeCredentials{token: "test-token"}

	_, err := exec.Execute(context.Background(), RequestDefinition{
		Method: http.MethodGet,
		URL:    server.URL,
		Step:   "events",
	}, creds)
	if Classify(err) != ErrorClassPermanent {
		t.Fatalf("expected permanent error, got %v", err)
	}

	if got := requests.Load(); got != 1 {
		t.Errorf("requests = %d, want 1 (no retries on 403)", got)
	}
	if got := creds.failures.Load(); got != 1 {
		t.Errorf("HandleAuthFailure calls = %d, want 1 (connection marked)", got)
	}
	if got := creds.refreshed.Load(); got != 0 {
		t.Errorf("refreshes = %d, want 0 (403 is not a token problem)", got)
	}
}

func TestExecute_429RetriesThenSucceeds(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	exec := newTestExecutor(t)
	creds := &fakeCredentials{token: "test-token"}

	resp, err := exec.Execute(context.Background(), RequestDefinition{
		Method: http.MethodGet,
		URL:    server.URL,
		Step:   "events",
	}, creds)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}
}

func TestExecute_5xxExhaustsAsTransient(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	exec := newTestExecutor(t)
	creds := &fakeCredentials{token: "test-token"}

	_, err := exec.Execute(context.Background(), RequestDefinition{
		Method: http.MethodGet,
		URL:    server.URL,
		Step:   "users",
	}, creds)
	if !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}

	if got := requests.Load(); got != 3 {
		t.Errorf("requests = %d, want 3 (max attempts)", got)
	}
}

func TestExecute_TimeoutIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	limiter, err := ratelimit.New(ratelimit.BucketConfig{PerSecond: 10000, Burst: 1000}, disabledLogger())
	if err != nil {
		t.Fatalf("ratelimit.New() error = %v", err)
	}

	cfg := DefaultConfig("scanner/1.0")
	cfg.Timeout = 20 * time.Millisecond
	cfg.Retry = RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1}

	exec, err := New(cfg, limiter, disabledLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = exec.Execute(context.Background(), RequestDefinition{
		Method: http.MethodGet,
		URL:    server.URL,
		Step:   "users",
	}, &fakeCredentials{token: "t"})
	if !IsTransient(err) {
		t.Fatalf("expected transient error for timeout, got %v", err)
	}
}

func TestExecute_NoAuthSkipsCredentialInjection(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"access_token": "x"}`))
	}))
	defer server.Close()

	exec := newTestExecutor(t)

	resp, err := exec.Execute(context.Background(), RequestDefinition{
		Method: http.MethodPost,
		URL:    server.URL + "/token",
		Body:   []byte("grant_type=refresh_token"),
		Step:   "token_refresh",
		NoAuth: true,
	}, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if gotAuth != "" {
		t.Errorf("Authorization = %q, want empty for NoAuth request", gotAuth)
	}
}

func TestExecute_NoAuth401DoesNotRefresh(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	exec := newTestExecutor(t)

	// The refresh path itself is exempt from forced refresh: a 401 here
	// must surface directly instead of recursing.
	_, err := exec.Execute(context.Background(), RequestDefinition{
		Method: http.MethodPost,
		URL:    server.URL,
		Step:   "token_refresh",
		NoAuth: true,
	}, nil)
	if !IsCredential(err) {
		t.Fatalf("expected credential error, got %v", err)
	}
}
