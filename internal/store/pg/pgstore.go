// Package pg implements the store on PostgreSQL through the pgx stdlib
// driver. Every write is an idempotent upsert keyed on the entity's
// provider identity, which makes full pipeline replays safe.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/oklog/ulid/v2"

	"github.com/Mubeen213/saas-risk-scanner-backend/internal/store"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to PostgreSQL.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle; used by tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func scopesJSON(scopes []string) ([]byte, error) {
	if scopes == nil {
		scopes = []string{}
	}
	return json.Marshal(scopes)
}

func scanScopes(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var scopes []string
	if err := json.Unmarshal(raw, &scopes); err != nil {
		return nil, fmt.Errorf("decode scopes: %w", err)
	}
	return scopes, nil
}

func (s *Store) CreateConnection(ctx context.Context, conn *store.Connection) error {
	if conn.ID == "" {
		conn.ID = ulid.Make().String()
	}
	if conn.Status == "" {
		conn.Status = store.ConnectionPending
	}
	scopes, err := scopesJSON(conn.GrantedScopes)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	conn.CreatedAt = now
	conn.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		insert into connections(id, org_id, provider, status, access_ciphertext,
			refresh_ciphertext, token_expires_at, granted_scopes, last_error,
			created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
	`, conn.ID, conn.OrgID, conn.Provider, conn.Status, conn.AccessCiphertext,
		conn.RefreshCiphertext, conn.TokenExpiresAt, scopes, conn.LastError, now)
	if err != nil {
		return fmt.Errorf("create connection: %w", err)
	}
	return nil
}

func (s *Store) scanConnection(row *sql.Row) (*store.Connection, error) {
	var conn store.Connection
	var scopes []byte
	err := row.Scan(&conn.ID, &conn.OrgID, &conn.Provider, &conn.Status,
		&conn.AccessCiphertext, &conn.RefreshCiphertext, &conn.TokenExpiresAt,
		&scopes, &conn.LastError, &conn.CreatedAt, &conn.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan connection: %w", err)
	}
	if conn.GrantedScopes, err = scanScopes(scopes); err != nil {
		return nil, err
	}
	return &conn, nil
}

const connectionColumns = `id, org_id, provider, status, access_ciphertext,
	refresh_ciphertext, token_expires_at, granted_scopes, last_error,
	created_at, updated_at`

func (s *Store) GetConnection(ctx context.Context, id string) (*store.Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+connectionColumns+` from connections where id=$1`, id)
	return s.scanConnection(row)
}

func (s *Store) GetConnectionByOrgProvider(ctx context.Context, orgID, provider string) (*store.Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+connectionColumns+` from connections where org_id=$1 and provider=$2`,
		orgID, provider)
	return s.scanConnection(row)
}

func (s *Store) UpdateConnectionTokens(ctx context.Context, id string, access, refresh []byte, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update connections
		set access_ciphertext=$2,
			refresh_ciphertext=case when length($3)>0 then $3 else refresh_ciphertext end,
			token_expires_at=$4, status='connected', last_error='', updated_at=now()
		where id=$1
	`, id, access, refresh, expiresAt)
	if err != nil {
		return fmt.Errorf("update connection tokens: %w", err)
	}
	return requireRow(res)
}

func (s *Store) UpdateConnectionStatus(ctx context.Context, id string, status store.ConnectionStatus, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		update connections set status=$2, last_error=$3, updated_at=now() where id=$1
	`, id, status, lastError)
	if err != nil {
		return fmt.Errorf("update connection status: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetCheckpoint(ctx context.Context, connectionID, step string) (*store.Checkpoint, error) {
	var cp store.Checkpoint
	var completed sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select connection_id, step, kind, cursor, started_at, completed_at
		from checkpoints where connection_id=$1 and step=$2
	`, connectionID, step).Scan(&cp.ConnectionID, &cp.Step, &cp.Kind, &cp.Cursor,
		&cp.StartedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	if completed.Valid {
		cp.CompletedAt = completed.Time
	}
	return &cp, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp *store.Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		insert into checkpoints(connection_id, step, kind, cursor, started_at, completed_at)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (connection_id, step) do update
		set kind=excluded.kind, cursor=excluded.cursor,
			started_at=excluded.started_at, completed_at=excluded.completed_at
	`, cp.ConnectionID, cp.Step, cp.Kind, cp.Cursor, cp.StartedAt, cp.CompletedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *Store) UpsertUser(ctx context.Context, user *store.WorkspaceUser) error {
	if user.ID == "" {
		user.ID = ulid.Make().String()
	}
	user.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		insert into workspace_users(id, connection_id, external_id, primary_email,
			display_name, is_admin, is_suspended, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
		on conflict (connection_id, external_id) do update
		set primary_email=excluded.primary_email, display_name=excluded.display_name,
			is_admin=excluded.is_admin, is_suspended=excluded.is_suspended,
			updated_at=excluded.updated_at
	`, user.ID, user.ConnectionID, user.ExternalID, user.PrimaryEmail,
		user.DisplayName, user.Admin, user.Suspended, user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *Store) GetUserByEmail(ctx context.Context, connectionID, email string) (*store.WorkspaceUser, error) {
	var user store.WorkspaceUser
	err := s.db.QueryRowContext(ctx, `
		select id, connection_id, external_id, primary_email, display_name,
			is_admin, is_suspended, updated_at
		from workspace_users where connection_id=$1 and primary_email=$2
	`, connectionID, email).Scan(&user.ID, &user.ConnectionID, &user.ExternalID,
		&user.PrimaryEmail, &user.DisplayName, &user.Admin, &user.Suspended, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return &user, nil
}

func (s *Store) ListUserExternalIDs(ctx context.Context, connectionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select external_id from workspace_users
		where connection_id=$1 order by external_id
	`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) UpsertGroup(ctx context.Context, group *store.WorkspaceGroup) error {
	if group.ID == "" {
		group.ID = ulid.Make().String()
	}
	group.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		insert into workspace_groups(id, connection_id, external_id, email, name, updated_at)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (connection_id, external_id) do update
		set email=excluded.email, name=excluded.name, updated_at=excluded.updated_at
	`, group.ID, group.ConnectionID, group.ExternalID, group.Email, group.Name, group.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert group: %w", err)
	}
	return nil
}

func (s *Store) ListGroupExternalIDs(ctx context.Context, connectionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select external_id from workspace_groups
		where connection_id=$1 order by external_id
	`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("list group ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) UpsertMembership(ctx context.Context, m *store.GroupMembership) error {
	if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	m.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		insert into group_memberships(id, connection_id, group_external_id,
			member_external_id, member_email, role, member_type, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
		on conflict (connection_id, group_external_id, member_external_id) do update
		set member_email=excluded.member_email, role=excluded.role,
			member_type=excluded.member_type, updated_at=excluded.updated_at
	`, m.ID, m.ConnectionID, m.GroupExternalID, m.MemberExternalID,
		m.MemberEmail, m.Role, m.Type, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

func (s *Store) UpsertApp(ctx context.Context, app *store.App) error {
	if app.ID == "" {
		app.ID = ulid.Make().String()
	}
	if app.FirstSeenAt.IsZero() {
		app.FirstSeenAt = time.Now().UTC()
	}
	if app.LastSeenAt.IsZero() {
		app.LastSeenAt = time.Now().UTC()
	}
	scopes, err := scopesJSON(app.ScopeSummary)
	if err != nil {
		return fmt.Errorf("marshal scope summary: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		insert into apps(id, connection_id, client_id, display_name, client_type,
			scope_summary, first_seen_at, last_seen_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
		on conflict (connection_id, client_id) do update
		set display_name=case when excluded.display_name<>'' then excluded.display_name
			else apps.display_name end,
		    client_type=case when excluded.client_type<>'' then excluded.client_type
			else apps.client_type end,
		    last_seen_at=greatest(excluded.last_seen_at, apps.last_seen_at),
		    scope_summary=(
			select coalesce(jsonb_agg(distinct value), '[]'::jsonb)
			from (
				select jsonb_array_elements_text(apps.scope_summary) as value
				union
				select jsonb_array_elements_text(excluded.scope_summary) as value
			) merged
		    )
	`, app.ID, app.ConnectionID, app.ClientID, app.DisplayName, app.ClientType,
		scopes, app.FirstSeenAt, app.LastSeenAt)
	if err != nil {
		return fmt.Errorf("upsert app: %w", err)
	}
	return nil
}

func (s *Store) GetGrant(ctx context.Context, connectionID, userExternalID, clientID string) (*store.Grant, error) {
	var grant store.Grant
	var scopes []byte
	var lastSnapshot, lastAccessed, revoked sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select id, connection_id, user_external_id, client_id, scopes, status,
			last_snapshot_at, last_accessed_at, revoked_at, created_at, updated_at
		from grants where connection_id=$1 and user_external_id=$2 and client_id=$3
	`, connectionID, userExternalID, clientID).Scan(&grant.ID, &grant.ConnectionID,
		&grant.UserExternalID, &grant.ClientID, &scopes, &grant.Status,
		&lastSnapshot, &lastAccessed, &revoked, &grant.CreatedAt, &grant.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get grant: %w", err)
	}
	if grant.Scopes, err = scanScopes(scopes); err != nil {
		return nil, err
	}
	if lastSnapshot.Valid {
		grant.LastSnapshotAt = &lastSnapshot.Time
	}
	if lastAccessed.Valid {
		grant.LastAccessedAt = &lastAccessed.Time
	}
	if revoked.Valid {
		grant.RevokedAt = &revoked.Time
	}
	return &grant, nil
}

func (s *Store) UpsertGrant(ctx context.Context, grant *store.Grant) error {
	if grant.ID == "" {
		grant.ID = ulid.Make().String()
	}
	scopes, err := scopesJSON(grant.Scopes)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		insert into grants(id, connection_id, user_external_id, client_id, scopes,
			status, last_snapshot_at, last_accessed_at, revoked_at, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
		on conflict (connection_id, user_external_id, client_id) do update
		set scopes=excluded.scopes, status=excluded.status,
			last_snapshot_at=excluded.last_snapshot_at,
			last_accessed_at=excluded.last_accessed_at,
			revoked_at=excluded.revoked_at, updated_at=excluded.updated_at
	`, grant.ID, grant.ConnectionID, grant.UserExternalID, grant.ClientID, scopes,
		grant.Status, nullTime(grant.LastSnapshotAt), nullTime(grant.LastAccessedAt),
		nullTime(grant.RevokedAt), now)
	if err != nil {
		return fmt.Errorf("upsert grant: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (s *Store) InsertEvent(ctx context.Context, ev *store.Event) (bool, error) {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now().UTC()
	}
	scopes, err := scopesJSON(ev.Scopes)
	if err != nil {
		return false, err
	}
	raw := ev.Raw
	if raw == nil {
		raw = json.RawMessage("null")
	}

	res, err := s.db.ExecContext(ctx, `
		insert into events(id, connection_id, user_external_id, client_id,
			event_type, scopes, event_time, recorded_at, raw)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		on conflict (connection_id, user_external_id, client_id, event_type, event_time)
		do nothing
	`, ev.ID, ev.ConnectionID, ev.UserExternalID, ev.ClientID, ev.Type,
		scopes, ev.EventTime, ev.RecordedAt, []byte(raw))
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) CountEvents(ctx context.Context, connectionID, userExternalID, clientID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from events
		where connection_id=$1 and user_external_id=$2 and client_id=$3
	`, connectionID, userExternalID, clientID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

func (s *Store) ListEvents(ctx context.Context, connectionID, userExternalID, clientID string) ([]store.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, connection_id, user_external_id, client_id, event_type,
			scopes, event_time, recorded_at, raw
		from events
		where connection_id=$1 and user_external_id=$2 and client_id=$3
		order by event_time asc
	`, connectionID, userExternalID, clientID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []store.Event
	for rows.Next() {
		var ev store.Event
		var scopes, raw []byte
		if err := rows.Scan(&ev.ID, &ev.ConnectionID, &ev.UserExternalID,
			&ev.ClientID, &ev.Type, &scopes, &ev.EventTime, &ev.RecordedAt, &raw); err != nil {
			return nil, err
		}
		if ev.Scopes, err = scanScopes(scopes); err != nil {
			return nil, err
		}
		ev.Raw = json.RawMessage(raw)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) CreateSyncRun(ctx context.Context, run *store.SyncRun) error {
	if run.ID == "" {
		run.ID = ulid.Make().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	run.Status = store.SyncRunRunning

	_, err := s.db.ExecContext(ctx, `
		insert into sync_runs(id, connection_id, status, started_at)
		values ($1,$2,$3,$4)
	`, run.ID, run.ConnectionID, run.Status, run.StartedAt)
	if err != nil {
		return fmt.Errorf("create sync run: %w", err)
	}
	return nil
}

func (s *Store) FinishSyncRun(ctx context.Context, id string, status store.SyncRunStatus, failedStep, runErr string) error {
	res, err := s.db.ExecContext(ctx, `
		update sync_runs set status=$2, finished_at=now(), failed_step=$3, error=$4
		where id=$1
	`, id, status, failedStep, runErr)
	if err != nil {
		return fmt.Errorf("finish sync run: %w", err)
	}
	return requireRow(res)
}
