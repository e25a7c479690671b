// Package provider defines the plugin contract between the sync core and a
// concrete SaaS platform. The core never branches on a provider's identity:
// everything it needs — pipeline shape, pagination, request construction,
// record normalization, token refresh — comes through this interface.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/Mubeen213/saas-risk-scanner-backend/pkg/batch"
	"github.com/Mubeen213/saas-risk-scanner-backend/pkg/client"
	"github.com/Mubeen213/saas-risk-scanner-backend/pkg/pagination"
)

// StepKind distinguishes full point-in-time reads from incremental event
// tails. The orchestrator derives checkpoint cursor semantics from it.
type StepKind string

const (
	// KindSnapshot re-reads the provider's full current state each run.
	KindSnapshot StepKind = "snapshot"
	// KindStream tails an append-only event feed from a cursor.
	KindStream StepKind = "stream"
)

// Step is one stage of a provider's sync pipeline. Ordering in
// SyncPipeline encodes data dependencies: memberships cannot be linked
// before users exist.
type Step struct {
	// Name identifies the step in checkpoints, logs, and metrics.
	Name string

	// Kind selects snapshot or stream checkpoint semantics.
	Kind StepKind

	// Class names the rate-limit sub-bucket this step draws from. Empty
	// means the global bucket only.
	Class string

	// Batched marks steps whose queries are per-entity and must go
	// through the batch executor instead of plain pagination.
	Batched bool

	// BatchOver names the entity set a batched step fans out across.
	BatchOver BatchSource

	// PageCap bounds pages fetched per paginated call; zero means no cap.
	PageCap int
}

// BatchSource selects the identifier set a batched step iterates.
type BatchSource string

const (
	// BatchOverUsers fans out across synced directory users (default).
	BatchOverUsers BatchSource = "users"
	// BatchOverGroups fans out across synced directory groups.
	BatchOverGroups BatchSource = "groups"
)

// Params carries per-invocation inputs when building a step's request.
type Params struct {
	// Cursor is the stream position for KindStream steps, opaque to the
	// core. Empty on a first run.
	Cursor string
}

// RecordKind tags the variant held by a Record.
type RecordKind string

const (
	KindUser          RecordKind = "user"
	KindGroup         RecordKind = "group"
	KindMembership    RecordKind = "membership"
	KindGrantSnapshot RecordKind = "grant_snapshot"
	KindTokenEvent    RecordKind = "token_event"
)

// EventType classifies one observed authorization fact.
type EventType string

const (
	EventAuthorize EventType = "authorize"
	EventRevoke    EventType = "revoke"
	EventActivity  EventType = "activity"
	// EventImported is synthesized when a grant predates observable
	// history; providers never emit it.
	EventImported EventType = "imported"
)

// Record is the provider-agnostic representation of one normalized fact.
// Exactly one variant pointer is set, matching Kind. Raw preserves the
// provider payload for forensic replay and is never interpreted by the
// core.
type Record struct {
	Kind RecordKind
	Raw  json.RawMessage

	User          *UserRecord
	Group         *GroupRecord
	Membership    *MembershipRecord
	GrantSnapshot *GrantSnapshotRecord
	TokenEvent    *TokenEventRecord
}

// UserRecord is one directory account.
type UserRecord struct {
	ExternalID   string
	PrimaryEmail string
	DisplayName  string
	Admin        bool
	Suspended    bool
}

// GroupRecord is one directory group.
type GroupRecord struct {
	ExternalID string
	Email      string
	Name       string
}

// MembershipRecord links a member to a group. Member identifiers are the
// provider's, resolved against previously synced users during
// reconciliation.
type MembershipRecord struct {
	GroupExternalID  string
	MemberExternalID string
	MemberEmail      string
	Role             string
	Type             string
}

// GrantSnapshotRecord is a point-in-time observation that a user currently
// holds a token for an application with the given scopes.
type GrantSnapshotRecord struct {
	UserExternalID string
	UserEmail      string
	ClientID       string
	AppName        string
	Scopes         []string
}

// TokenEventRecord is one entry from the provider's audit stream.
type TokenEventRecord struct {
	Type       EventType
	ActorEmail string
	ClientID   string
	AppName    string
	ClientType string
	Scopes     []string
	EventTime  time.Time
}

// DisplayName returns the human-facing name carried by the record, used by
// the noise filter. Empty when the variant has none.
func (r Record) DisplayName() string {
	switch r.Kind {
	case KindGrantSnapshot:
		if r.GrantSnapshot != nil {
			return r.GrantSnapshot.AppName
		}
	case KindTokenEvent:
		if r.TokenEvent != nil {
			return r.TokenEvent.AppName
		}
	}
	return ""
}

// Provider is the plugin contract one external platform implements.
type Provider interface {
	// Slug is the stable identifier stored on connections ("google").
	Slug() string

	// SyncPipeline returns the ordered steps of one full sync run.
	SyncPipeline() []Step

	// RequestDefinition builds the initial request for a step.
	RequestDefinition(step Step, params Params) (client.RequestDefinition, error)

	// Pagination returns the strategy for a non-batched step.
	Pagination(step Step) (pagination.Strategy, error)

	// BatchCodec returns the composite codec for a batched step.
	BatchCodec(step Step) (batch.Codec, error)

	// Normalize converts one raw provider item into zero or more records.
	Normalize(step Step, item json.RawMessage) ([]Record, error)

	// RefreshToken exchanges a refresh token for a new token pair. The
	// call must not itself trigger forced-refresh handling.
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// RevokeGrant revokes one user's token for an application at the
	// provider.
	RevokeGrant(ctx context.Context, creds client.CredentialSource, userExternalID, clientID string) error
}

// Registry maps provider slugs to implementations. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider. Registering a duplicate slug is an error.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return fmt.Errorf("provider is nil")
	}
	slug := p.Slug()
	if slug == "" {
		return fmt.Errorf("provider slug is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[slug]; exists {
		return fmt.Errorf("provider %q already registered", slug)
	}
	r.providers[slug] = p
	return nil
}

// Get returns the provider for slug.
func (r *Registry) Get(slug string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[slug]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", slug)
	}
	return p, nil
}

// Slugs lists registered slugs in sorted order.
func (r *Registry) Slugs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slugs := make([]string, 0, len(r.providers))
	for slug := range r.providers {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}
