package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// MemStore is an in-memory Store used by tests and local development. All
// methods are safe for concurrent use.
type MemStore struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	checkpoints map[string]*Checkpoint
	users       map[string]*WorkspaceUser
	groups      map[string]*WorkspaceGroup
	memberships map[string]*GroupMembership
	apps        map[string]*App
	grants      map[string]*Grant
	events      map[string]*Event
	runs        map[string]*SyncRun
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		connections: make(map[string]*Connection),
		checkpoints: make(map[string]*Checkpoint),
		users:       make(map[string]*WorkspaceUser),
		groups:      make(map[string]*WorkspaceGroup),
		memberships: make(map[string]*GroupMembership),
		apps:        make(map[string]*App),
		grants:      make(map[string]*Grant),
		events:      make(map[string]*Event),
		runs:        make(map[string]*SyncRun),
	}
}

func checkpointKey(connectionID, step string) string {
	return connectionID + "/" + step
}

func userKey(connectionID, externalID string) string {
	return connectionID + "/" + externalID
}

func grantKey(connectionID, userExternalID, clientID string) string {
	return connectionID + "/" + userExternalID + "/" + clientID
}

func eventKey(ev *Event) string {
	return fmt.Sprintf("%s/%s/%s/%s/%d",
		ev.ConnectionID, ev.UserExternalID, ev.ClientID, ev.Type, ev.EventTime.UnixNano())
}

func (s *MemStore) CreateConnection(ctx context.Context, conn *Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conn.ID == "" {
		conn.ID = ulid.Make().String()
	}
	now := time.Now().UTC()
	conn.CreatedAt = now
	conn.UpdatedAt = now

	cp := *conn
	s.connections[conn.ID] = &cp
	return nil
}

func (s *MemStore) GetConnection(ctx context.Context, id string) (*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conn, ok := s.connections[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *conn
	return &cp, nil
}

func (s *MemStore) GetConnectionByOrgProvider(ctx context.Context, orgID, provider string) (*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, conn := range s.connections {
		if conn.OrgID == orgID && conn.Provider == provider {
			cp := *conn
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) UpdateConnectionTokens(ctx context.Context, id string, access, refresh []byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.connections[id]
	if !ok {
		return ErrNotFound
	}
	conn.AccessCiphertext = access
	if len(refresh) > 0 {
		conn.RefreshCiphertext = refresh
	}
	conn.TokenExpiresAt = expiresAt
	conn.Status = ConnectionConnected
	conn.LastError = ""
	conn.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemStore) UpdateConnectionStatus(ctx context.Context, id string, status ConnectionStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.connections[id]
	if !ok {
		return ErrNotFound
	}
	conn.Status = status
	conn.LastError = lastError
	conn.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemStore) GetCheckpoint(ctx context.Context, connectionID, step string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[checkpointKey(connectionID, step)]
	if !ok {
		return nil, ErrNotFound
	}
	out := *cp
	return &out, nil
}

func (s *MemStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := *cp
	s.checkpoints[checkpointKey(cp.ConnectionID, cp.Step)] = &out
	return nil
}

func (s *MemStore) UpsertUser(ctx context.Context, user *WorkspaceUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := userKey(user.ConnectionID, user.ExternalID)
	if existing, ok := s.users[key]; ok {
		user.ID = existing.ID
	} else if user.ID == "" {
		user.ID = ulid.Make().String()
	}
	user.UpdatedAt = time.Now().UTC()

	cp := *user
	s.users[key] = &cp
	return nil
}

func (s *MemStore) GetUserByEmail(ctx context.Context, connectionID, email string) (*WorkspaceUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.users {
		if user.ConnectionID == connectionID && user.PrimaryEmail == email {
			cp := *user
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) ListUserExternalIDs(ctx context.Context, connectionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for _, user := range s.users {
		if user.ConnectionID == connectionID {
			ids = append(ids, user.ExternalID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemStore) UpsertGroup(ctx context.Context, group *WorkspaceGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := userKey(group.ConnectionID, group.ExternalID)
	if existing, ok := s.groups[key]; ok {
		group.ID = existing.ID
	} else if group.ID == "" {
		group.ID = ulid.Make().String()
	}
	group.UpdatedAt = time.Now().UTC()

	cp := *group
	s.groups[key] = &cp
	return nil
}

func (s *MemStore) ListGroupExternalIDs(ctx context.Context, connectionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for _, group := range s.groups {
		if group.ConnectionID == connectionID {
			ids = append(ids, group.ExternalID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemStore) UpsertMembership(ctx context.Context, m *GroupMembership) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := m.ConnectionID + "/" + m.GroupExternalID + "/" + m.MemberExternalID
	if existing, ok := s.memberships[key]; ok {
		m.ID = existing.ID
	} else if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	m.UpdatedAt = time.Now().UTC()

	cp := *m
	s.memberships[key] = &cp
	return nil
}

func (s *MemStore) UpsertApp(ctx context.Context, app *App) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := app.ConnectionID + "/" + app.ClientID
	if existing, ok := s.apps[key]; ok {
		// First-seen instant and identity are stable across re-observation.
		app.ID = existing.ID
		app.FirstSeenAt = existing.FirstSeenAt
		if app.DisplayName == "" {
			app.DisplayName = existing.DisplayName
		}
		if app.ClientType == "" {
			app.ClientType = existing.ClientType
		}
		if app.LastSeenAt.Before(existing.LastSeenAt) {
			app.LastSeenAt = existing.LastSeenAt
		}
		app.ScopeSummary = mergeScopes(existing.ScopeSummary, app.ScopeSummary)
	} else {
		if app.ID == "" {
			app.ID = ulid.Make().String()
		}
		if app.FirstSeenAt.IsZero() {
			app.FirstSeenAt = time.Now().UTC()
		}
	}
	if app.LastSeenAt.IsZero() {
		app.LastSeenAt = time.Now().UTC()
	}

	cp := *app
	s.apps[key] = &cp
	return nil
}

func (s *MemStore) GetGrant(ctx context.Context, connectionID, userExternalID, clientID string) (*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	grant, ok := s.grants[grantKey(connectionID, userExternalID, clientID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *grant
	return &cp, nil
}

func (s *MemStore) UpsertGrant(ctx context.Context, grant *Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := grantKey(grant.ConnectionID, grant.UserExternalID, grant.ClientID)
	now := time.Now().UTC()
	if existing, ok := s.grants[key]; ok {
		grant.ID = existing.ID
		grant.CreatedAt = existing.CreatedAt
	} else {
		if grant.ID == "" {
			grant.ID = ulid.Make().String()
		}
		grant.CreatedAt = now
	}
	grant.UpdatedAt = now

	cp := *grant
	s.grants[key] = &cp
	return nil
}

func (s *MemStore) InsertEvent(ctx context.Context, ev *Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventKey(ev)
	if _, ok := s.events[key]; ok {
		return false, nil
	}

	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now().UTC()
	}

	cp := *ev
	s.events[key] = &cp
	return true, nil
}

func (s *MemStore) CountEvents(ctx context.Context, connectionID, userExternalID, clientID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, ev := range s.events {
		if ev.ConnectionID == connectionID && ev.UserExternalID == userExternalID && ev.ClientID == clientID {
			count++
		}
	}
	return count, nil
}

func (s *MemStore) ListEvents(ctx context.Context, connectionID, userExternalID, clientID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []Event
	for _, ev := range s.events {
		if ev.ConnectionID == connectionID && ev.UserExternalID == userExternalID && ev.ClientID == clientID {
			events = append(events, *ev)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].EventTime.Before(events[j].EventTime)
	})
	return events, nil
}

func (s *MemStore) CreateSyncRun(ctx context.Context, run *SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = ulid.Make().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	run.Status = SyncRunRunning

	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemStore) FinishSyncRun(ctx context.Context, id string, status SyncRunStatus, failedStep, runErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	run.Status = status
	run.FinishedAt = &now
	run.FailedStep = failedStep
	run.Error = runErr
	return nil
}

// GetSyncRun returns one run record; used by tests and the CLI.
func (s *MemStore) GetSyncRun(ctx context.Context, id string) (*SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

// GetApp returns one discovered app; used by tests.
func (s *MemStore) GetApp(ctx context.Context, connectionID, clientID string) (*App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	app, ok := s.apps[connectionID+"/"+clientID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *app
	return &cp, nil
}

// mergeScopes unions two scope lists, preserving first-appearance order.
func mergeScopes(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, scope := range list {
			if !seen[scope] {
				seen[scope] = true
				out = append(out, scope)
			}
		}
	}
	return out
}

var _ Store = (*MemStore)(nil)
