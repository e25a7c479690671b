package googleworkspace

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2/google"

	"github.com/Mubeen213/saas-risk-scanner-backend/pkg/client"
	"github.com/Mubeen213/saas-risk-scanner-backend/pkg/provider"
)

type fakeDoer struct {
	lastDef client.RequestDefinition
	resp    *client.Response
	err     error
}

func (f *fakeDoer) Execute(ctx context.Context, def client.RequestDefinition, creds client.CredentialSource) (*client.Response, error) {
	f.lastDef = def
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func newTestProvider(t *testing.T, doer client.Doer) *Provider {
	t.Helper()
	p, err := New(Config{ClientID: "cid", ClientSecret: "secret"}, doer, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestSyncPipeline_OrderAndShape(t *testing.T) {
	p := newTestProvider(t, &fakeDoer{})

	steps := p.SyncPipeline()
	wantNames := []string{StepUsers, StepGroups, StepGroupMembers, StepUserTokens, StepTokenEvents}
	if len(steps) != len(wantNames) {
		t.Fatalf("pipeline has %d steps, want %d", len(steps), len(wantNames))
	}
	for i, step := range steps {
		if step.Name != wantNames[i] {
			t.Errorf("step[%d].Name = %q, want %q", i, step.Name, wantNames[i])
		}
	}

	if steps[2].BatchOver != provider.BatchOverGroups || !steps[2].Batched {
		t.Errorf("group_members should batch over groups, got %+v", steps[2])
	}
	if steps[3].BatchOver != provider.BatchOverUsers || !steps[3].Batched {
		t.Errorf("user_tokens should batch over users, got %+v", steps[3])
	}
	if steps[4].Kind != provider.KindStream {
		t.Errorf("token_events kind = %q, want stream", steps[4].Kind)
	}
	if steps[4].Class != ClassReports {
		t.Errorf("token_events class = %q, want %q", steps[4].Class, ClassReports)
	}
}

func TestRequestDefinition_DefaultsCustomer(t *testing.T) {
	p := newTestProvider(t, &fakeDoer{})

	def, err := p.RequestDefinition(provider.Step{Name: StepUsers}, provider.Params{})
	if err != nil {
		t.Fatalf("RequestDefinition() error = %v", err)
	}
	if def.URL != directoryAPIBase+"/users" {
		t.Errorf("URL = %q", def.URL)
	}
	if got := def.Query.Get("customer"); got != "my_customer" {
		t.Errorf("customer = %q, want my_customer", got)
	}
}

func TestRequestDefinition_StreamCursor(t *testing.T) {
	p := newTestProvider(t, &fakeDoer{})

	def, err := p.RequestDefinition(provider.Step{Name: StepTokenEvents}, provider.Params{Cursor: "2026-08-01T00:00:00Z"})
	if err != nil {
		t.Fatalf("RequestDefinition() error = %v", err)
	}
	if got := def.Query.Get("startTime"); got != "2026-08-01T00:00:00Z" {
		t.Errorf("startTime = %q", got)
	}

	def, err = p.RequestDefinition(provider.Step{Name: StepTokenEvents}, provider.Params{})
	if err != nil {
		t.Fatalf("RequestDefinition() error = %v", err)
	}
	if _, ok := def.Query["startTime"]; ok {
		t.Error("first run should not send startTime")
	}
}

func TestRequestDefinition_BatchedStepRejected(t *testing.T) {
	p := newTestProvider(t, &fakeDoer{})

	if _, err := p.RequestDefinition(provider.Step{Name: StepUserTokens}, provider.Params{}); err == nil {
		t.Error("expected error for batched step")
	}
}

func TestPagination_ItemsKeys(t *testing.T) {
	p := newTestProvider(t, &fakeDoer{})

	tests := []struct {
		step     string
		itemsKey string
	}{
		{StepUsers, "users"},
		{StepGroups, "groups"},
		{StepTokenEvents, "items"},
	}
	for _, tc := range tests {
		strategy, err := p.Pagination(provider.Step{Name: tc.step})
		if err != nil {
			t.Fatalf("Pagination(%s) error = %v", tc.step, err)
		}
		page, err := strategy.ExtractItems(&client.Response{
			Body: []byte(`{"` + tc.itemsKey + `":[{"a":1}],"nextPageToken":"t"}`),
		})
		if err != nil {
			t.Fatalf("ExtractItems(%s) error = %v", tc.step, err)
		}
		if len(page) != 1 {
			t.Errorf("step %s: extracted %d items under %q, want 1", tc.step, len(page), tc.itemsKey)
		}
	}

	if _, err := p.Pagination(provider.Step{Name: StepGroupMembers}); err == nil {
		t.Error("batched step should not paginate")
	}
}

func TestNormalize_User(t *testing.T) {
	p := newTestProvider(t, &fakeDoer{})

	item := json.RawMessage(`{
		"id": "u-1",
		"primaryEmail": "alice@example.com",
		"name": {"fullName": "Alice Adams"},
		"isAdmin": true,
		"suspended": false
	}`)

	records, err := p.Normalize(provider.Step{Name: StepUsers}, item)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if len(records) != 1 || records[0].Kind != provider.KindUser {
		t.Fatalf("got %d records", len(records))
	}
	u := records[0].User
	if u.ExternalID != "u-1" || u.PrimaryEmail != "alice@example.com" || u.DisplayName != "Alice Adams" || !u.Admin {
		t.Errorf("user = %+v", u)
	}
}

func TestNormalize_UserWithoutID_Dropped(t *testing.T) {
	p := newTestProvider(t, &fakeDoer{})

	records, err := p.Normalize(provider.Step{Name: StepUsers}, json.RawMessage(`{"primaryEmail":"x@example.com"}`))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("got %d records, want 0", len(records))
	}
}

func TestNormalize_GroupMembers_FiltersNestedGroups(t *testing.T) {
	p := newTestProvider(t, &fakeDoer{})

	item := json.RawMessage(`{
		"groupId": "g-1",
		"members": [
			{"id": "u-1", "email": "alice@example.com", "role": "OWNER", "type": "USER"},
			{"id": "g-2", "email": "nested@example.com", "role": "MEMBER", "type": "GROUP"},
			{"id": "u-2", "email": "bob@example.com", "role": "MEMBER", "type": "USER"}
		]
	}`)

	records, err := p.Normalize(provider.Step{Name: StepGroupMembers}, item)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2 (nested group dropped)", len(records))
	}
	for _, rec := range records {
		if rec.Membership.GroupExternalID != "g-1" {
			t.Errorf("group id = %q", rec.Membership.GroupExternalID)
		}
	}
	if records[0].Membership.MemberExternalID != "u-1" || records[1].Membership.MemberExternalID != "u-2" {
		t.Errorf("members = %q, %q", records[0].Membership.MemberExternalID, records[1].Membership.MemberExternalID)
	}
}

func TestNormalize_UserTokens(t *testing.T) {
	p := newTestProvider(t, &fakeDoer{})

	item := json.RawMessage(`{
		"userId": "u-1",
		"items": [
			{"clientId": "app-1.apps.googleusercontent.com", "displayText": "Acme Mail", "scopes": ["email", "profile"]},
			{"displayText": "no client id"}
		]
	}`)

	records, err := p.Normalize(provider.Step{Name: StepUserTokens}, item)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1 (missing clientId dropped)", len(records))
	}
	snap := records[0].GrantSnapshot
	if snap.UserExternalID != "u-1" || snap.ClientID != "app-1.apps.googleusercontent.com" || snap.AppName != "Acme Mail" {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(snap.Scopes) != 2 {
		t.Errorf("scopes = %v", snap.Scopes)
	}
}

func TestNormalize_TokenEvent(t *testing.T) {
	p := newTestProvider(t, &fakeDoer{})

	item := json.RawMessage(`{
		"id": {"time": "2026-08-15T10:30:00.000Z"},
		"actor": {"email": "alice@example.com"},
		"events": [{
			"name": "authorize",
			"parameters": [
				{"name": "client_id", "value": "app-1"},
				{"name": "app_name", "value": "Acme Mail"},
				{"name": "scope", "multiValue": ["email", "profile"]}
			]
		}]
	}`)

	records, err := p.Normalize(provider.Step{Name: StepTokenEvents}, item)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	ev := records[0].TokenEvent
	if ev.Type != provider.EventAuthorize || ev.ActorEmail != "alice@example.com" || ev.ClientID != "app-1" || ev.AppName != "Acme Mail" {
		t.Errorf("event = %+v", ev)
	}
	want := time.Date(2026, 8, 15, 10, 30, 0, 0, time.UTC)
	if !ev.EventTime.Equal(want) {
		t.Errorf("event time = %v, want %v", ev.EventTime, want)
	}
	if len(ev.Scopes) != 2 {
		t.Errorf("scopes = %v", ev.Scopes)
	}
}

func TestNormalize_TokenEvent_UnknownNameDropped(t *testing.T) {
	p := newTestProvider(t, &fakeDoer{})

	item := json.RawMessage(`{
		"id": {"time": "2026-08-15T10:30:00Z"},
		"actor": {"email": "alice@example.com"},
		"events": [{"name": "request", "parameters": [{"name": "client_id", "value": "app-1"}]}]
	}`)

	records, err := p.Normalize(provider.Step{Name: StepTokenEvents}, item)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("got %d records, want 0", len(records))
	}
}

func TestNormalize_TokenEvent_NoActorDropped(t *testing.T) {
	p := newTestProvider(t, &fakeDoer{})

	item := json.RawMessage(`{
		"id": {"time": "2026-08-15T10:30:00Z"},
		"events": [{"name": "revoke", "parameters": [{"name": "client_id", "value": "app-1"}]}]
	}`)

	records, err := p.Normalize(provider.Step{Name: StepTokenEvents}, item)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("got %d records, want 0", len(records))
	}
}

func TestRefreshToken_ExchangesForm(t *testing.T) {
	doer := &fakeDoer{resp: &client.Response{
		StatusCode: http.StatusOK,
		Body:       []byte(`{"access_token":"new-at","refresh_token":"new-rt","expires_in":3600,"token_type":"Bearer"}`),
	}}
	p := newTestProvider(t, doer)

	before := time.Now()
	token, err := p.RefreshToken(context.Background(), "old-rt")
	if err != nil {
		t.Fatalf("RefreshToken() error = %v", err)
	}

	if token.AccessToken != "new-at" || token.RefreshToken != "new-rt" {
		t.Errorf("token = %+v", token)
	}
	if token.Expiry.Before(before.Add(59*time.Minute)) || token.Expiry.After(before.Add(61*time.Minute)) {
		t.Errorf("expiry = %v, want ~1h out", token.Expiry)
	}

	def := doer.lastDef
	if !def.NoAuth {
		t.Error("refresh request must skip credential injection")
	}
	if def.URL != google.Endpoint.TokenURL || def.Method != http.MethodPost {
		t.Errorf("def = %s %s", def.Method, def.URL)
	}
	form, err := url.ParseQuery(string(def.Body))
	if err != nil {
		t.Fatalf("parse form: %v", err)
	}
	if form.Get("grant_type") != "refresh_token" || form.Get("refresh_token") != "old-rt" || form.Get("client_id") != "cid" {
		t.Errorf("form = %v", form)
	}
}

func TestRefreshToken_MissingAccessToken(t *testing.T) {
	doer := &fakeDoer{resp: &client.Response{StatusCode: http.StatusOK, Body: []byte(`{}`)}}
	p := newTestProvider(t, doer)

	_, err := p.RefreshToken(context.Background(), "old-rt")
	var perm *client.PermanentError
	if !errors.As(err, &perm) {
		t.Fatalf("error = %v, want PermanentError", err)
	}
}

func TestRevokeGrant_BuildsDelete(t *testing.T) {
	doer := &fakeDoer{resp: &client.Response{StatusCode: http.StatusNoContent}}
	p := newTestProvider(t, doer)

	if err := p.RevokeGrant(context.Background(), nil, "u-1", "app-1"); err != nil {
		t.Fatalf("RevokeGrant() error = %v", err)
	}

	def := doer.lastDef
	if def.Method != http.MethodDelete {
		t.Errorf("method = %s", def.Method)
	}
	want := directoryAPIBase + "/users/u-1/tokens/app-1"
	if def.URL != want {
		t.Errorf("URL = %q, want %q", def.URL, want)
	}
}
