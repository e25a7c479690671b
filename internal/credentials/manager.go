// Package credentials manages the OAuth token lifecycle for provider
// connections: proactive refresh inside a safety window, a single forced
// refresh on auth failure, and the connection status transitions that
// follow. It is the only component that sees token plaintext.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Mubeen213/saas-risk-scanner-backend/internal/store"
	"github.com/Mubeen213/saas-risk-scanner-backend/pkg/client"
	"github.com/Mubeen213/saas-risk-scanner-backend/pkg/provider"
)

// ErrConnectionUnusable marks a connection whose credentials cannot serve
// requests until an external re-authorization flow restores them.
var ErrConnectionUnusable = errors.New("connection credentials unusable")

// Config holds credential manager configuration.
type Config struct {
	// RefreshWindow triggers a proactive refresh when the access token
	// expires within this duration (default 5 minutes).
	RefreshWindow time.Duration
}

// DefaultConfig returns safe defaults.
func DefaultConfig() Config {
	return Config{RefreshWindow: 5 * time.Minute}
}

// Manager hands out per-connection credential sources.
type Manager struct {
	store    store.Store
	cipher   *Cipher
	registry *provider.Registry
	config   Config
	logger   zerolog.Logger

	mu      sync.Mutex
	sources map[string]*source
}

// NewManager creates a credential manager.
func NewManager(st store.Store, cipher *Cipher, registry *provider.Registry, cfg Config, logger zerolog.Logger) (*Manager, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cipher == nil {
		return nil, fmt.Errorf("cipher is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if cfg.RefreshWindow <= 0 {
		cfg.RefreshWindow = 5 * time.Minute
	}

	return &Manager{
		store:    st,
		cipher:   cipher,
		registry: registry,
		config:   cfg,
		logger:   logger,
		sources:  make(map[string]*source),
	}, nil
}

// Source returns the credential source for one connection. Sources are
// cached so concurrent requests for the same connection serialize their
// refresh attempts.
func (m *Manager) Source(connectionID string) client.CredentialSource {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.sources[connectionID]
	if !ok {
		src = &source{manager: m, connectionID: connectionID}
		m.sources[connectionID] = src
	}
	return src
}

// StoreTokens encrypts and persists a fresh token pair, used by the
// authorization callback flow.
func (m *Manager) StoreTokens(ctx context.Context, connectionID, accessToken, refreshToken string, expiresAt time.Time) error {
	access, err := m.cipher.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	var refresh []byte
	if refreshToken != "" {
		if refresh, err = m.cipher.Encrypt(refreshToken); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	return m.store.UpdateConnectionTokens(ctx, connectionID, access, refresh, expiresAt.UTC())
}

// source is one connection's view of the manager. A mutex serializes
// refresh attempts so concurrent 401s trigger one provider call.
type source struct {
	manager      *Manager
	connectionID string
	mu           sync.Mutex
}

var _ client.CredentialSource = (*source)(nil)

// Credential returns a usable bearer credential, refreshing proactively
// when the stored token is inside the safety window.
func (s *source) Credential(ctx context.Context) (client.AuthContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.load(ctx)
	if err != nil {
		return client.AuthContext{}, err
	}

	if time.Until(conn.TokenExpiresAt) < s.manager.config.RefreshWindow {
		if conn, err = s.refreshLocked(ctx, conn); err != nil {
			return client.AuthContext{}, err
		}
	}

	accessToken, err := s.manager.cipher.Decrypt(conn.AccessCiphertext)
	if err != nil {
		return client.AuthContext{}, fmt.Errorf("decrypt access token: %w", err)
	}

	return client.AuthContext{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresAt:   conn.TokenExpiresAt,
	}, nil
}

// HandleAuthFailure reacts to an auth-classed HTTP status. On 401 it
// attempts one forced refresh and reports whether the caller should
// retry. On 403 the permission itself is gone, so the connection is
// marked errored and no retry is advised.
func (s *source) HandleAuthFailure(ctx context.Context, statusCode int) (bool, error) {
	switch statusCode {
	case http.StatusUnauthorized:
		s.mu.Lock()
		defer s.mu.Unlock()

		conn, err := s.load(ctx)
		if err != nil {
			return false, err
		}
		if _, err := s.refreshLocked(ctx, conn); err != nil {
			return false, err
		}
		return true, nil

	case http.StatusForbidden:
		err := s.manager.store.UpdateConnectionStatus(ctx, s.connectionID,
			store.ConnectionError, "permission revoked or insufficient")
		if err != nil {
			s.manager.logger.Error().Err(err).
				Str("connection_id", s.connectionID).
				Msg("Failed to record permission failure")
		}
		return false, nil

	default:
		return false, nil
	}
}

// load fetches the connection and rejects ones already known unusable so
// runs short-circuit instead of hammering the provider.
func (s *source) load(ctx context.Context) (*store.Connection, error) {
	conn, err := s.manager.store.GetConnection(ctx, s.connectionID)
	if err != nil {
		return nil, fmt.Errorf("load connection: %w", err)
	}

	switch conn.Status {
	case store.ConnectionExpired, store.ConnectionRevoked, store.ConnectionError:
		return nil, &client.CredentialError{
			Message: fmt.Sprintf("connection %s is %s: %s", conn.ID, conn.Status, conn.LastError),
			Err:     ErrConnectionUnusable,
		}
	}
	return conn, nil
}

// refreshLocked exchanges the stored refresh token for a new pair. The
// caller holds s.mu. Failure marks the connection expired.
func (s *source) refreshLocked(ctx context.Context, conn *store.Connection) (*store.Connection, error) {
	prov, err := s.manager.registry.Get(conn.Provider)
	if err != nil {
		return nil, err
	}

	refreshToken, err := s.manager.cipher.Decrypt(conn.RefreshCiphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}

	s.manager.logger.Info().
		Str("connection_id", conn.ID).
		Str("provider", conn.Provider).
		Time("expires_at", conn.TokenExpiresAt).
		Msg("Refreshing access token")

	token, err := prov.RefreshToken(ctx, refreshToken)
	if err != nil {
		markErr := s.manager.store.UpdateConnectionStatus(ctx, conn.ID,
			store.ConnectionExpired, fmt.Sprintf("token refresh failed: %v", err))
		if markErr != nil {
			s.manager.logger.Error().Err(markErr).
				Str("connection_id", conn.ID).
				Msg("Failed to mark connection expired")
		}
		return nil, &client.CredentialError{
			Message: "token refresh failed",
			Err:     err,
		}
	}

	if err := s.manager.StoreTokens(ctx, conn.ID, token.AccessToken, token.RefreshToken, token.Expiry); err != nil {
		return nil, fmt.Errorf("persist refreshed tokens: %w", err)
	}

	return s.manager.store.GetConnection(ctx, conn.ID)
}
