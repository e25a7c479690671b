// Package googleworkspace implements the provider contract against the
// Google Workspace Admin SDK: the Directory API for users, groups,
// memberships and per-user token snapshots, and the Reports API for the
// OAuth token activity stream.
package googleworkspace

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/Mubeen213/saas-risk-scanner-backend/pkg/batch"
	"github.com/Mubeen213/saas-risk-scanner-backend/pkg/client"
	"github.com/Mubeen213/saas-risk-scanner-backend/pkg/pagination"
	"github.com/Mubeen213/saas-risk-scanner-backend/pkg/provider"
)

const (
	// Slug identifies this provider on connections.
	Slug = "google-workspace"

	directoryAPIBase = "https://admin.googleapis.com/admin/directory/v1"
	reportsAPIBase   = "https://admin.googleapis.com/admin/reports/v1"
	batchEndpoint    = "https://admin.googleapis.com/batch"

	defaultPageSize = 100

	// Rate limit classes; the Reports API has a far tighter quota than
	// the Directory API.
	ClassDirectory = "directory"
	ClassReports   = "reports"
)

// Pipeline step names.
const (
	StepUsers        = "users"
	StepGroups       = "groups"
	StepGroupMembers = "group_members"
	StepUserTokens   = "user_tokens"
	StepTokenEvents  = "token_events"
)

// AdminScopes are the Workspace admin scopes the connection must grant.
var AdminScopes = []string{
	"https://www.googleapis.com/auth/admin.reports.audit.readonly",
	"https://www.googleapis.com/auth/admin.directory.user.readonly",
	"https://www.googleapis.com/auth/admin.directory.group.readonly",
	"https://www.googleapis.com/auth/admin.directory.user.security",
}

// Config holds the OAuth client and tenancy settings.
type Config struct {
	ClientID     string
	ClientSecret string
	// CustomerID scopes Directory API listings; "my_customer" targets
	// the authorizing admin's own tenant.
	CustomerID string

	// Base URL overrides for tests; empty selects the production endpoints.
	DirectoryBaseURL string
	ReportsBaseURL   string
	BatchURL         string
	TokenURL         string
}

// Provider implements the plugin contract for Google Workspace.
type Provider struct {
	config Config
	doer   client.Doer
	logger zerolog.Logger
}

var _ provider.Provider = (*Provider)(nil)

// New creates the provider. The executor is used for token refresh and
// grant revocation calls.
func New(cfg Config, doer client.Doer, logger zerolog.Logger) (*Provider, error) {
	if doer == nil {
		return nil, fmt.Errorf("request executor is required")
	}
	if cfg.CustomerID == "" {
		cfg.CustomerID = "my_customer"
	}
	if cfg.DirectoryBaseURL == "" {
		cfg.DirectoryBaseURL = directoryAPIBase
	}
	if cfg.ReportsBaseURL == "" {
		cfg.ReportsBaseURL = reportsAPIBase
	}
	if cfg.BatchURL == "" {
		cfg.BatchURL = batchEndpoint
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = google.Endpoint.TokenURL
	}
	return &Provider{config: cfg, doer: doer, logger: logger}, nil
}

func (p *Provider) Slug() string { return Slug }

// SyncPipeline orders steps by data dependency: memberships and token
// snapshots need users and groups in place first; the event stream runs
// last so its actors resolve against a fresh directory.
func (p *Provider) SyncPipeline() []provider.Step {
	return []provider.Step{
		{Name: StepUsers, Kind: provider.KindSnapshot, Class: ClassDirectory},
		{Name: StepGroups, Kind: provider.KindSnapshot, Class: ClassDirectory},
		{Name: StepGroupMembers, Kind: provider.KindSnapshot, Class: ClassDirectory,
			Batched: true, BatchOver: provider.BatchOverGroups},
		{Name: StepUserTokens, Kind: provider.KindSnapshot, Class: ClassDirectory,
			Batched: true, BatchOver: provider.BatchOverUsers},
		{Name: StepTokenEvents, Kind: provider.KindStream, Class: ClassReports},
	}
}

func (p *Provider) RequestDefinition(step provider.Step, params provider.Params) (client.RequestDefinition, error) {
	query := url.Values{}

	switch step.Name {
	case StepUsers:
		query.Set("customer", p.config.CustomerID)
		return client.RequestDefinition{
			Method: http.MethodGet,
			URL:    p.config.DirectoryBaseURL + "/users",
			Query:  query,
		}, nil

	case StepGroups:
		query.Set("customer", p.config.CustomerID)
		return client.RequestDefinition{
			Method: http.MethodGet,
			URL:    p.config.DirectoryBaseURL + "/groups",
			Query:  query,
		}, nil

	case StepTokenEvents:
		if params.Cursor != "" {
			query.Set("startTime", params.Cursor)
		}
		return client.RequestDefinition{
			Method: http.MethodGet,
			URL:    p.config.ReportsBaseURL + "/activity/users/all/applications/token",
			Query:  query,
		}, nil

	default:
		return client.RequestDefinition{}, fmt.Errorf("step %s has no single-request form", step.Name)
	}
}

func (p *Provider) Pagination(step provider.Step) (pagination.Strategy, error) {
	itemsKey := ""
	switch step.Name {
	case StepUsers:
		itemsKey = "users"
	case StepGroups:
		itemsKey = "groups"
	case StepTokenEvents:
		itemsKey = "items"
	default:
		return nil, fmt.Errorf("step %s is not paginated", step.Name)
	}

	return pagination.PageToken{
		ItemsKey:   itemsKey,
		TokenKey:   "nextPageToken",
		TokenParam: "pageToken",
		SizeParam:  "maxResults",
		PageSize:   defaultPageSize,
	}, nil
}

func (p *Provider) BatchCodec(step provider.Step) (batch.Codec, error) {
	switch step.Name {
	case StepGroupMembers:
		return &directoryBatchCodec{
			step:     step.Name,
			batchURL: p.config.BatchURL,
			pathFor:  func(id string) string { return "/admin/directory/v1/groups/" + url.PathEscape(id) + "/members" },
			envelope: "members",
			idField:  "groupId",
		}, nil
	case StepUserTokens:
		return &directoryBatchCodec{
			step:     step.Name,
			batchURL: p.config.BatchURL,
			pathFor:  func(id string) string { return "/admin/directory/v1/users/" + url.PathEscape(id) + "/tokens" },
			envelope: "items",
			idField:  "userId",
		}, nil
	default:
		return nil, fmt.Errorf("step %s is not batched", step.Name)
	}
}

// Normalize converts raw Directory/Reports payloads into provider-agnostic
// records. Items that cannot represent an authorization fact (no actor, no
// client id) are dropped, matching the upstream data's looseness.
func (p *Provider) Normalize(step provider.Step, item json.RawMessage) ([]provider.Record, error) {
	switch step.Name {
	case StepUsers:
		return normalizeUser(item)
	case StepGroups:
		return normalizeGroup(item)
	case StepGroupMembers:
		return normalizeGroupMembers(item)
	case StepUserTokens:
		return normalizeUserTokens(item)
	case StepTokenEvents:
		return normalizeTokenEvent(item)
	default:
		return nil, fmt.Errorf("unknown step %s", step.Name)
	}
}

// RefreshToken exchanges the refresh token at the Google OAuth endpoint.
// The call goes through the request executor for rate limiting and retry
// but skips credential injection: a refresh must never trigger another
// forced refresh.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", p.config.ClientID)
	form.Set("client_secret", p.config.ClientSecret)

	header := http.Header{}
	header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.doer.Execute(ctx, client.RequestDefinition{
		Method: http.MethodPost,
		URL:    p.config.TokenURL,
		Header: header,
		Body:   []byte(form.Encode()),
		Step:   "token_refresh",
		NoAuth: true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		TokenType    string `json:"token_type"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, &client.PermanentError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("malformed token response: %v", err),
		}
	}
	if payload.AccessToken == "" {
		return nil, &client.PermanentError{
			StatusCode: resp.StatusCode,
			Message:    "token response missing access_token",
		}
	}

	token := &oauth2.Token{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		TokenType:    payload.TokenType,
	}
	if payload.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second).UTC()
	}
	return token, nil
}

// RevokeGrant deletes one user's token for a client at the provider.
func (p *Provider) RevokeGrant(ctx context.Context, creds client.CredentialSource, userExternalID, clientID string) error {
	_, err := p.doer.Execute(ctx, client.RequestDefinition{
		Method: http.MethodDelete,
		URL: p.config.DirectoryBaseURL + "/users/" + url.PathEscape(userExternalID) +
			"/tokens/" + url.PathEscape(clientID),
		Step:  "revoke_grant",
		Class: ClassDirectory,
	}, creds)
	if err != nil {
		return fmt.Errorf("revoke grant for %s: %w", userExternalID, err)
	}

	p.logger.Info().
		Str("user", userExternalID).
		Str("client_id", clientID).
		Msg("Revoked grant at provider")
	return nil
}

func normalizeUser(item json.RawMessage) ([]provider.Record, error) {
	var raw struct {
		ID           string `json:"id"`
		PrimaryEmail string `json:"primaryEmail"`
		Name         struct {
			FullName string `json:"fullName"`
		} `json:"name"`
		IsAdmin   bool `json:"isAdmin"`
		Suspended bool `json:"suspended"`
	}
	if err := json.Unmarshal(item, &raw); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	if raw.ID == "" {
		return nil, nil
	}

	return []provider.Record{{
		Kind: provider.KindUser,
		Raw:  item,
		User: &provider.UserRecord{
			ExternalID:   raw.ID,
			PrimaryEmail: raw.PrimaryEmail,
			DisplayName:  raw.Name.FullName,
			Admin:        raw.IsAdmin,
			Suspended:    raw.Suspended,
		},
	}}, nil
}

func normalizeGroup(item json.RawMessage) ([]provider.Record, error) {
	var raw struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal(item, &raw); err != nil {
		return nil, fmt.Errorf("decode group: %w", err)
	}
	if raw.ID == "" {
		return nil, nil
	}

	return []provider.Record{{
		Kind: provider.KindGroup,
		Raw:  item,
		Group: &provider.GroupRecord{
			ExternalID: raw.ID,
			Email:      raw.Email,
			Name:       raw.Name,
		},
	}}, nil
}

// normalizeGroupMembers consumes the codec envelope wrapping one group's
// members listing.
func normalizeGroupMembers(item json.RawMessage) ([]provider.Record, error) {
	var raw struct {
		GroupID string `json:"groupId"`
		Members []struct {
			ID    string `json:"id"`
			Email string `json:"email"`
			Role  string `json:"role"`
			Type  string `json:"type"`
		} `json:"members"`
	}
	if err := json.Unmarshal(item, &raw); err != nil {
		return nil, fmt.Errorf("decode group members: %w", err)
	}

	var records []provider.Record
	for _, m := range raw.Members {
		// Nested groups are expanded by their own listing, not linked
		// as memberships.
		if m.Type != "USER" {
			continue
		}
		records = append(records, provider.Record{
			Kind: provider.KindMembership,
			Raw:  item,
			Membership: &provider.MembershipRecord{
				GroupExternalID:  raw.GroupID,
				MemberExternalID: m.ID,
				MemberEmail:      m.Email,
				Role:             m.Role,
				Type:             m.Type,
			},
		})
	}
	return records, nil
}

// normalizeUserTokens consumes the codec envelope wrapping one user's
// current token listing.
func normalizeUserTokens(item json.RawMessage) ([]provider.Record, error) {
	var raw struct {
		UserID string `json:"userId"`
		Items  []struct {
			ClientID    string   `json:"clientId"`
			DisplayText string   `json:"displayText"`
			Scopes      []string `json:"scopes"`
		} `json:"items"`
	}
	if err := json.Unmarshal(item, &raw); err != nil {
		return nil, fmt.Errorf("decode user tokens: %w", err)
	}

	var records []provider.Record
	for _, tok := range raw.Items {
		if tok.ClientID == "" {
			continue
		}
		records = append(records, provider.Record{
			Kind: provider.KindGrantSnapshot,
			Raw:  item,
			GrantSnapshot: &provider.GrantSnapshotRecord{
				UserExternalID: raw.UserID,
				ClientID:       tok.ClientID,
				AppName:        tok.DisplayText,
				Scopes:         tok.Scopes,
			},
		})
	}
	return records, nil
}

// normalizeTokenEvent flattens one Reports API activity entry. An entry
// carries the actor, a timestamp, and a list of sub-events whose
// parameters hold the client id, app name, and requested scopes.
func normalizeTokenEvent(item json.RawMessage) ([]provider.Record, error) {
	var raw struct {
		ID struct {
			Time string `json:"time"`
		} `json:"id"`
		Actor struct {
			Email string `json:"email"`
		} `json:"actor"`
		Events []struct {
			Name       string `json:"name"`
			Parameters []struct {
				Name       string   `json:"name"`
				Value      string   `json:"value"`
				MultiValue []string `json:"multiValue"`
			} `json:"parameters"`
		} `json:"events"`
	}
	if err := json.Unmarshal(item, &raw); err != nil {
		return nil, fmt.Errorf("decode token event: %w", err)
	}
	if raw.Actor.Email == "" || len(raw.Events) == 0 {
		return nil, nil
	}

	eventTime, err := time.Parse(time.RFC3339, raw.ID.Time)
	if err != nil {
		return nil, nil
	}

	var records []provider.Record
	for _, ev := range raw.Events {
		evType, ok := eventType(ev.Name)
		if !ok {
			continue
		}

		var clientID, appName, clientType string
		var scopes []string
		for _, param := range ev.Parameters {
			switch param.Name {
			case "client_id":
				clientID = param.Value
			case "app_name":
				appName = param.Value
			case "client_type":
				clientType = param.Value
			case "scope":
				scopes = param.MultiValue
				if scopes == nil && param.Value != "" {
					scopes = []string{param.Value}
				}
			}
		}
		if clientID == "" {
			continue
		}

		records = append(records, provider.Record{
			Kind: provider.KindTokenEvent,
			Raw:  item,
			TokenEvent: &provider.TokenEventRecord{
				Type:       evType,
				ActorEmail: raw.Actor.Email,
				ClientID:   clientID,
				AppName:    appName,
				ClientType: clientType,
				Scopes:     scopes,
				EventTime:  eventTime.UTC(),
			},
		})
	}
	return records, nil
}

func eventType(name string) (provider.EventType, bool) {
	switch strings.ToLower(name) {
	case "authorize":
		return provider.EventAuthorize, true
	case "revoke":
		return provider.EventRevoke, true
	case "activity":
		return provider.EventActivity, true
	default:
		return "", false
	}
}
