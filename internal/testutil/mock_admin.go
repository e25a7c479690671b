// Package testutil provides testing utilities for the sync engine,
// chiefly a configurable mock of the Workspace admin APIs.
package testutil

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
)

// MockAdminResponse defines the behavior for one mock endpoint.
type MockAdminResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
}

// MockAdmin is a configurable mock of the Workspace Directory, Reports,
// batch and OAuth token endpoints. Fixture setters cover the common paths;
// SetHandler overrides any path for failure injection.
type MockAdmin struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc

	// Fixtures: raw JSON objects as strings.
	users        []string
	groups       []string
	groupMembers map[string][]string
	userTokens   map[string][]string
	tokenEvents  []string

	// Tracking
	RequestCount   int
	RefreshCount   int
	RevokedTokens  []string
	LastAuthHeader string

	// AcceptToken, when set, is the only bearer token answered with 200;
	// all other authenticated requests get a 401.
	AcceptToken string
}

// NewMockAdmin creates a mock admin API server with empty fixtures.
func NewMockAdmin() *MockAdmin {
	mock := &MockAdmin{
		handlers:     make(map[string]http.HandlerFunc),
		groupMembers: make(map[string][]string),
		userTokens:   make(map[string][]string),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.LastAuthHeader = r.Header.Get("Authorization")
		mock.mu.Unlock()

		mock.route(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockAdmin) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockAdmin) Close() {
	m.server.Close()
}

// SetHandler installs a custom handler for a path, overriding fixtures.
func (m *MockAdmin) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a static response for a path.
func (m *MockAdmin) SetResponse(path string, resp MockAdminResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetUsers installs the directory users fixture. Each entry is one raw
// user object.
func (m *MockAdmin) SetUsers(users ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = users
}

// SetGroups installs the directory groups fixture.
func (m *MockAdmin) SetGroups(groups ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups = groups
}

// SetGroupMembers installs one group's members fixture.
func (m *MockAdmin) SetGroupMembers(groupID string, members ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groupMembers[groupID] = members
}

// SetUserTokens installs one user's token listing fixture.
func (m *MockAdmin) SetUserTokens(userID string, tokens ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userTokens[userID] = tokens
}

// SetTokenEvents installs the Reports API token activity fixture.
func (m *MockAdmin) SetTokenEvents(events ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenEvents = events
}

// GetRequestCount returns the number of requests received.
func (m *MockAdmin) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetRefreshCount returns the number of token refresh calls received.
func (m *MockAdmin) GetRefreshCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RefreshCount
}

// GetRevokedTokens returns "userID/clientID" pairs deleted so far.
func (m *MockAdmin) GetRevokedTokens() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.RevokedTokens...)
}

// route dispatches to a custom handler when present, checks bearer auth,
// then falls through to the fixture endpoints.
func (m *MockAdmin) route(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	handler, exists := m.handlers[r.URL.Path]
	accept := m.AcceptToken
	m.mu.RUnlock()

	if exists {
		handler(w, r)
		return
	}

	if accept != "" && r.URL.Path != "/token" {
		if r.Header.Get("Authorization") != "Bearer "+accept {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error": {"code": 401, "message": "Invalid Credentials"}}`))
			return
		}
	}

	m.serveFixture(w, r)
}

// serveFixture answers one request from the fixture state.
func (m *MockAdmin) serveFixture(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/token":
		m.handleTokenRefresh(w, r)

	case path == "/batch":
		m.handleBatch(w, r)

	case path == "/admin/directory/v1/users":
		m.mu.RLock()
		users := m.users
		m.mu.RUnlock()
		writeListing(w, "users", users)

	case path == "/admin/directory/v1/groups":
		m.mu.RLock()
		groups := m.groups
		m.mu.RUnlock()
		writeListing(w, "groups", groups)

	case path == "/admin/reports/v1/activity/users/all/applications/token":
		m.mu.RLock()
		events := m.tokenEvents
		m.mu.RUnlock()
		writeListing(w, "items", events)

	case strings.HasPrefix(path, "/admin/directory/v1/groups/") && strings.HasSuffix(path, "/members"):
		groupID := strings.TrimSuffix(strings.TrimPrefix(path, "/admin/directory/v1/groups/"), "/members")
		m.mu.RLock()
		members, ok := m.groupMembers[groupID]
		m.mu.RUnlock()
		if !ok {
			writeAdminError(w, http.StatusNotFound, "Resource Not Found: groupKey")
			return
		}
		writeListing(w, "members", members)

	case strings.HasPrefix(path, "/admin/directory/v1/users/") && strings.HasSuffix(path, "/tokens"):
		userID := strings.TrimSuffix(strings.TrimPrefix(path, "/admin/directory/v1/users/"), "/tokens")
		m.mu.RLock()
		tokens, ok := m.userTokens[userID]
		m.mu.RUnlock()
		if !ok {
			writeAdminError(w, http.StatusNotFound, "Resource Not Found: userKey")
			return
		}
		writeListing(w, "items", tokens)

	case strings.HasPrefix(path, "/admin/directory/v1/users/") && strings.Contains(path, "/tokens/") && r.Method == http.MethodDelete:
		suffix := strings.TrimPrefix(path, "/admin/directory/v1/users/")
		userID, clientID, _ := strings.Cut(suffix, "/tokens/")
		m.mu.Lock()
		m.RevokedTokens = append(m.RevokedTokens, userID+"/"+clientID)
		m.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)

	default:
		writeAdminError(w, http.StatusNotFound, "Resource Not Found")
	}
}

// handleBatch executes each embedded sub-request against the fixtures and
// assembles the multipart/mixed composite response.
func (m *MockAdmin) handleBatch(w http.ResponseWriter, r *http.Request) {
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || params["boundary"] == "" {
		http.Error(w, "expected multipart/mixed body", http.StatusBadRequest)
		return
	}

	writer := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/mixed; boundary="+writer.Boundary())
	w.WriteHeader(http.StatusOK)

	reader := multipart.NewReader(r.Body, params["boundary"])
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return
		}

		contentID := strings.Trim(part.Header.Get("Content-ID"), "<>")

		subReq, err := http.ReadRequest(bufio.NewReader(part))
		if err != nil {
			continue
		}
		subReq.Header.Set("Authorization", r.Header.Get("Authorization"))

		recorder := httptest.NewRecorder()
		m.serveFixture(recorder, subReq)

		header := textproto.MIMEHeader{}
		header.Set("Content-Type", "application/http")
		header.Set("Content-ID", "<response-"+contentID+">")
		out, err := writer.CreatePart(header)
		if err != nil {
			return
		}

		body := recorder.Body.Bytes()
		fmt.Fprintf(out, "HTTP/1.1 %d %s\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s",
			recorder.Code, http.StatusText(recorder.Code), len(body), body)
	}
	writer.Close()
}

// handleTokenRefresh answers the OAuth refresh exchange with a fresh
// access token.
func (m *MockAdmin) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.RefreshCount++
	count := m.RefreshCount
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"access_token": "refreshed-token-%d", "expires_in": 3600, "token_type": "Bearer"}`, count)
}

// writeListing serves a one-page Directory-style listing: the items under
// key, no nextPageToken.
func writeListing(w http.ResponseWriter, key string, items []string) {
	raw := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		raw = append(raw, json.RawMessage(item))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{key: raw})
}

// writeAdminError mimics the Admin SDK error envelope.
func writeAdminError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error": {"code": %d, "message": %q}}`, status, message)
}
