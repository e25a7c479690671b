// Package store defines the persistence model of the scanner: connections,
// sync checkpoints, directory entities, applications, grants, and the
// append-only event log. Implementations must make every write idempotent
// so a sync run can be replayed from its first step without duplicating
// state.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// ConnectionStatus is the lifecycle state of a provider connection.
// Transitions are driven only by the credential manager.
type ConnectionStatus string

const (
	ConnectionPending   ConnectionStatus = "pending"
	ConnectionConnected ConnectionStatus = "connected"
	ConnectionExpired   ConnectionStatus = "expired"
	ConnectionRevoked   ConnectionStatus = "revoked"
	ConnectionError     ConnectionStatus = "error"
)

// Connection is one (organization, provider) OAuth link. Token material is
// stored encrypted; only the credential manager sees plaintext.
type Connection struct {
	ID                 string
	OrgID              string
	Provider           string
	Status             ConnectionStatus
	AccessCiphertext   []byte
	RefreshCiphertext  []byte
	TokenExpiresAt     time.Time
	GrantedScopes      []string
	LastError          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Checkpoint records sync progress for one pipeline step of a connection.
// The cursor is advanced only after the step fully completes.
type Checkpoint struct {
	ConnectionID string
	Step         string
	Kind         string
	Cursor       string
	StartedAt    time.Time
	CompletedAt  time.Time
}

// WorkspaceUser is one directory account observed during sync.
type WorkspaceUser struct {
	ID           string
	ConnectionID string
	ExternalID   string
	PrimaryEmail string
	DisplayName  string
	Admin        bool
	Suspended    bool
	UpdatedAt    time.Time
}

// WorkspaceGroup is one directory group.
type WorkspaceGroup struct {
	ID           string
	ConnectionID string
	ExternalID   string
	Email        string
	Name         string
	UpdatedAt    time.Time
}

// GroupMembership links a member to a group by provider identifiers.
type GroupMembership struct {
	ID               string
	ConnectionID     string
	GroupExternalID  string
	MemberExternalID string
	MemberEmail      string
	Role             string
	Type             string
	UpdatedAt        time.Time
}

// App is one third-party application discovered through grants or events.
// Re-observation merges: display name and client type keep the last
// non-empty value, first seen is stable, last seen advances, and the
// scope summary grows to the union of every scope ever observed.
type App struct {
	ID           string
	ConnectionID string
	ClientID     string
	DisplayName  string
	ClientType   string
	ScopeSummary []string
	FirstSeenAt  time.Time
	LastSeenAt   time.Time
}

// GrantStatus is the current state of one (user, application) authorization.
type GrantStatus string

const (
	GrantActive  GrantStatus = "active"
	GrantRevoked GrantStatus = "revoked"
)

// Grant is the current-state record of one user's authorization to one
// application. There is at most one Grant per (connection, user, client)
// triple; it is never deleted, only marked revoked.
type Grant struct {
	ID             string
	ConnectionID   string
	UserExternalID string
	ClientID       string
	Scopes         []string
	Status         GrantStatus
	LastSnapshotAt *time.Time
	LastAccessedAt *time.Time
	RevokedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Event is one immutable entry of the audit log. Identity for idempotent
// insertion is (connection, user, client, type, event time).
type Event struct {
	ID             string
	ConnectionID   string
	UserExternalID string
	ClientID       string
	Type           string
	Scopes         []string
	EventTime      time.Time
	RecordedAt     time.Time
	Raw            json.RawMessage
}

// SyncRunStatus is the outcome of one pipeline invocation.
type SyncRunStatus string

const (
	SyncRunRunning SyncRunStatus = "running"
	SyncRunSuccess SyncRunStatus = "success"
	SyncRunFailed  SyncRunStatus = "failed"
)

// SyncRun records one orchestrator invocation for a connection.
type SyncRun struct {
	ID           string
	ConnectionID string
	Status       SyncRunStatus
	StartedAt    time.Time
	FinishedAt   *time.Time
	FailedStep   string
	Error        string
}

// Store is the persistence collaborator consumed by the credential manager,
// orchestrator, and reconciler.
type Store interface {
	// Connections.
	CreateConnection(ctx context.Context, conn *Connection) error
	GetConnection(ctx context.Context, id string) (*Connection, error)
	GetConnectionByOrgProvider(ctx context.Context, orgID, provider string) (*Connection, error)
	UpdateConnectionTokens(ctx context.Context, id string, access, refresh []byte, expiresAt time.Time) error
	UpdateConnectionStatus(ctx context.Context, id string, status ConnectionStatus, lastError string) error

	// Checkpoints.
	GetCheckpoint(ctx context.Context, connectionID, step string) (*Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error

	// Directory entities. All upserts key on the provider external ID.
	UpsertUser(ctx context.Context, user *WorkspaceUser) error
	GetUserByEmail(ctx context.Context, connectionID, email string) (*WorkspaceUser, error)
	ListUserExternalIDs(ctx context.Context, connectionID string) ([]string, error)
	UpsertGroup(ctx context.Context, group *WorkspaceGroup) error
	ListGroupExternalIDs(ctx context.Context, connectionID string) ([]string, error)
	UpsertMembership(ctx context.Context, m *GroupMembership) error

	// Applications and grants.
	UpsertApp(ctx context.Context, app *App) error
	GetGrant(ctx context.Context, connectionID, userExternalID, clientID string) (*Grant, error)
	UpsertGrant(ctx context.Context, grant *Grant) error

	// Events. InsertEvent reports false without error when an event with
	// the same identity already exists. CountEvents counts entries for
	// one (user, client) pair regardless of type.
	InsertEvent(ctx context.Context, ev *Event) (bool, error)
	CountEvents(ctx context.Context, connectionID, userExternalID, clientID string) (int, error)
	ListEvents(ctx context.Context, connectionID, userExternalID, clientID string) ([]Event, error)

	// Sync run history.
	CreateSyncRun(ctx context.Context, run *SyncRun) error
	FinishSyncRun(ctx context.Context, id string, status SyncRunStatus, failedStep, runErr string) error
}
