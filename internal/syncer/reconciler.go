// Package syncer contains the sync orchestrator and the reconciler: the
// orchestrator drives a provider's pipeline step by step, the reconciler
// folds the normalized records each step yields into the current-state
// grant model and the append-only event log.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Mubeen213/saas-risk-scanner-backend/internal/store"
	"github.com/Mubeen213/saas-risk-scanner-backend/pkg/provider"
)

// Prometheus metrics for reconciliation.
var (
	noiseFilteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanner_sync_noise_filtered_total",
		Help: "Records dropped by the noise filter, by provider",
	}, []string{"provider"})
)

// Reconciler applies normalized records to the store. Snapshot records
// overwrite grant scopes (ground truth wins); stream events append to the
// audit log and update grants under the snapshot precedence rule.
type Reconciler struct {
	store        store.Store
	providerSlug string
	noise        map[string]bool
	logger       zerolog.Logger

	// now is injectable for tests.
	now func() time.Time
}

// NewReconciler creates a reconciler. noiseFilter lists application
// display names (case-insensitive) dropped before any state change.
func NewReconciler(st store.Store, providerSlug string, noiseFilter []string, logger zerolog.Logger) *Reconciler {
	noise := make(map[string]bool, len(noiseFilter))
	for _, name := range noiseFilter {
		noise[strings.ToLower(name)] = true
	}
	return &Reconciler{
		store:        st,
		providerSlug: providerSlug,
		noise:        noise,
		logger:       logger,
		now:          time.Now,
	}
}

// Apply folds one record into the store.
func (r *Reconciler) Apply(ctx context.Context, connectionID string, rec provider.Record) error {
	if name := rec.DisplayName(); name != "" && r.noise[strings.ToLower(name)] {
		noiseFilteredTotal.WithLabelValues(r.providerSlug).Inc()
		r.logger.Debug().Str("app_name", name).Msg("Record dropped by noise filter")
		return nil
	}

	switch rec.Kind {
	case provider.KindUser:
		if rec.User == nil {
			return fmt.Errorf("user record without payload")
		}
		return r.store.UpsertUser(ctx, &store.WorkspaceUser{
			ConnectionID: connectionID,
			ExternalID:   rec.User.ExternalID,
			PrimaryEmail: rec.User.PrimaryEmail,
			DisplayName:  rec.User.DisplayName,
			Admin:        rec.User.Admin,
			Suspended:    rec.User.Suspended,
		})

	case provider.KindGroup:
		if rec.Group == nil {
			return fmt.Errorf("group record without payload")
		}
		return r.store.UpsertGroup(ctx, &store.WorkspaceGroup{
			ConnectionID: connectionID,
			ExternalID:   rec.Group.ExternalID,
			Email:        rec.Group.Email,
			Name:         rec.Group.Name,
		})

	case provider.KindMembership:
		if rec.Membership == nil {
			return fmt.Errorf("membership record without payload")
		}
		return r.store.UpsertMembership(ctx, &store.GroupMembership{
			ConnectionID:     connectionID,
			GroupExternalID:  rec.Membership.GroupExternalID,
			MemberExternalID: rec.Membership.MemberExternalID,
			MemberEmail:      rec.Membership.MemberEmail,
			Role:             rec.Membership.Role,
			Type:             rec.Membership.Type,
		})

	case provider.KindGrantSnapshot:
		if rec.GrantSnapshot == nil {
			return fmt.Errorf("grant snapshot record without payload")
		}
		return r.applySnapshot(ctx, connectionID, rec)

	case provider.KindTokenEvent:
		if rec.TokenEvent == nil {
			return fmt.Errorf("token event record without payload")
		}
		return r.applyEvent(ctx, connectionID, rec)

	default:
		return fmt.Errorf("unknown record kind %q", rec.Kind)
	}
}

// applySnapshot handles one current-state grant observation.
func (r *Reconciler) applySnapshot(ctx context.Context, connectionID string, rec provider.Record) error {
	snap := rec.GrantSnapshot
	now := r.now().UTC()

	if err := r.store.UpsertApp(ctx, &store.App{
		ConnectionID: connectionID,
		ClientID:     snap.ClientID,
		DisplayName:  snap.AppName,
		ScopeSummary: snap.Scopes,
		LastSeenAt:   now,
	}); err != nil {
		return err
	}

	existing, err := r.store.GetGrant(ctx, connectionID, snap.UserExternalID, snap.ClientID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	wasRevoked := existing != nil && existing.Status == store.GrantRevoked

	grant := &store.Grant{
		ConnectionID:   connectionID,
		UserExternalID: snap.UserExternalID,
		ClientID:       snap.ClientID,
		Scopes:         snap.Scopes,
		Status:         store.GrantActive,
		LastSnapshotAt: &now,
	}
	if existing != nil {
		grant.LastAccessedAt = existing.LastAccessedAt
	}
	if err := r.store.UpsertGrant(ctx, grant); err != nil {
		return err
	}

	priorEvents, err := r.store.CountEvents(ctx, connectionID, snap.UserExternalID, snap.ClientID)
	if err != nil {
		return err
	}

	if priorEvents == 0 {
		// The grant predates observable history: mark the gap exactly once.
		_, err := r.store.InsertEvent(ctx, &store.Event{
			ConnectionID:   connectionID,
			UserExternalID: snap.UserExternalID,
			ClientID:       snap.ClientID,
			Type:           string(provider.EventImported),
			Scopes:         snap.Scopes,
			EventTime:      now,
			Raw:            rec.Raw,
		})
		if err != nil {
			return err
		}
	}

	if wasRevoked {
		// A revoked grant reappearing in a snapshot is a re-authorization.
		_, err := r.store.InsertEvent(ctx, &store.Event{
			ConnectionID:   connectionID,
			UserExternalID: snap.UserExternalID,
			ClientID:       snap.ClientID,
			Type:           string(provider.EventAuthorize),
			Scopes:         snap.Scopes,
			EventTime:      now,
			Raw:            rec.Raw,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// applyEvent handles one audit stream entry.
func (r *Reconciler) applyEvent(ctx context.Context, connectionID string, rec provider.Record) error {
	ev := rec.TokenEvent

	userExternalID := ev.ActorEmail
	if user, err := r.store.GetUserByEmail(ctx, connectionID, ev.ActorEmail); err == nil {
		userExternalID = user.ExternalID
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if err := r.store.UpsertApp(ctx, &store.App{
		ConnectionID: connectionID,
		ClientID:     ev.ClientID,
		DisplayName:  ev.AppName,
		ClientType:   ev.ClientType,
		ScopeSummary: ev.Scopes,
		LastSeenAt:   ev.EventTime,
	}); err != nil {
		return err
	}

	existing, err := r.store.GetGrant(ctx, connectionID, userExternalID, ev.ClientID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	switch ev.Type {
	case provider.EventAuthorize:
		grant := existing
		if grant == nil {
			grant = &store.Grant{
				ConnectionID:   connectionID,
				UserExternalID: userExternalID,
				ClientID:       ev.ClientID,
				Scopes:         ev.Scopes,
			}
		} else if grant.LastSnapshotAt == nil || grant.LastSnapshotAt.Before(ev.EventTime) {
			// No snapshot outranks this event; widen to the union.
			grant.Scopes = unionScopes(grant.Scopes, ev.Scopes)
		}
		grant.Status = store.GrantActive
		grant.RevokedAt = nil
		if err := r.store.UpsertGrant(ctx, grant); err != nil {
			return err
		}

	case provider.EventRevoke:
		grant := existing
		if grant == nil {
			// Ghost revoke: the grant predates history, record it anyway.
			grant = &store.Grant{
				ConnectionID:   connectionID,
				UserExternalID: userExternalID,
				ClientID:       ev.ClientID,
				Scopes:         ev.Scopes,
			}
		}
		eventTime := ev.EventTime
		grant.Status = store.GrantRevoked
		grant.RevokedAt = &eventTime
		if err := r.store.UpsertGrant(ctx, grant); err != nil {
			return err
		}

	case provider.EventActivity:
		grant := existing
		if grant == nil {
			grant = &store.Grant{
				ConnectionID:   connectionID,
				UserExternalID: userExternalID,
				ClientID:       ev.ClientID,
				Status:         store.GrantActive,
			}
		}
		if grant.LastAccessedAt == nil || grant.LastAccessedAt.Before(ev.EventTime) {
			eventTime := ev.EventTime
			grant.LastAccessedAt = &eventTime
		}
		if err := r.store.UpsertGrant(ctx, grant); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}

	// The audit row carries exactly the scopes observed at that moment.
	_, err = r.store.InsertEvent(ctx, &store.Event{
		ConnectionID:   connectionID,
		UserExternalID: userExternalID,
		ClientID:       ev.ClientID,
		Type:           string(ev.Type),
		Scopes:         ev.Scopes,
		EventTime:      ev.EventTime,
		Raw:            rec.Raw,
	})
	return err
}

func unionScopes(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, lists := range [][]string{a, b} {
		for _, scope := range lists {
			if !seen[scope] {
				seen[scope] = true
				out = append(out, scope)
			}
		}
	}
	return out
}
