// Package presence implements the reconciliation core: each tick compares a
// fresh chatters snapshot against the tenant's last committed presence set and
// turns the difference into durable join/leave events and visitor sessions.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/presence-tracker/telemetry"
	"github.com/onnwee/presence-tracker/tenant"
	"github.com/onnwee/presence-tracker/twitchapi"
)

// Store is the durable side of reconciliation.
type Store interface {
	EventJoin(ctx context.Context, channel, username string, ts time.Time) error
	EventLeave(ctx context.Context, channel, username string, ts time.Time) error
	OpenSet(ctx context.Context, channel string) (map[string]struct{}, error)
}

// SnapshotSource fetches the full chatters list for a channel.
type SnapshotSource interface {
	GetChatters(ctx context.Context, token, broadcasterID, moderatorID string) (map[string]struct{}, error)
}

// Enqueuer receives usernames that newly joined, for profile backfill.
type Enqueuer interface {
	Enqueue(username string)
}

// TokenRefresher brings a tenant's access token up to date before a poll and
// recovers from tokens rejected mid-lifetime.
type TokenRefresher interface {
	EnsureFresh(ctx context.Context, t *tenant.State) error
	ForceRefresh(ctx context.Context, t *tenant.State) error
}

// errTickDeferred aborts a tick cleanly after a mid-tick token refresh; the
// next scheduled tick polls with the new token.
var errTickDeferred = errors.New("tick deferred after token refresh")

// Reconciler runs presence ticks for tenants.
type Reconciler struct {
	Store    Store
	Source   SnapshotSource
	Tokens   TokenRefresher
	Enricher Enqueuer
}

// Tick polls the tenant's channel once and reconciles the snapshot against the
// last committed set. Tenants that are not fully onboarded are skipped. On any
// failure the in-memory presence set is left untouched so the next successful
// tick emits the catch-up diff; partial event writes stay in the store and are
// not rolled back.
func (r *Reconciler) Tick(ctx context.Context, t *tenant.State) error {
	if !t.Ready() {
		return nil
	}
	_, bcLogin := t.Channel()
	ctx, span := telemetry.StartSpan(ctx, "presence", "presence.tick",
		attribute.String("channel", bcLogin))
	defer span.End()
	start := time.Now()
	gen := t.Generation()
	err := r.tick(ctx, t, gen)
	if telemetry.TickDuration != nil {
		telemetry.TickDuration.Observe(time.Since(start).Seconds())
	}
	if telemetry.Ticks != nil {
		telemetry.Ticks.Inc()
	}
	if errors.Is(err, errTickDeferred) {
		// Recovered credentials, nothing reconciled. Not an error.
		return nil
	}
	if err != nil {
		t.SetError(err.Error(), time.Now().UTC())
		telemetry.RecordError(span, err)
		if telemetry.TickErrors != nil {
			telemetry.TickErrors.Inc()
		}
	}
	return err
}

func (r *Reconciler) tick(ctx context.Context, t *tenant.State, gen uint64) error {
	if err := r.Tokens.EnsureFresh(ctx, t); err != nil {
		return fmt.Errorf("ensure fresh token: %w", err)
	}
	bcID, bcLogin := t.Channel()
	modID, _ := t.Identity()

	// After a restart or channel switch the baseline is reconstructed from
	// the store's open sessions, so visitors present across the gap don't
	// produce a spurious join.
	if !t.Seeded() {
		open, err := r.Store.OpenSet(ctx, bcLogin)
		if err != nil {
			return fmt.Errorf("seed baseline: %w", err)
		}
		t.SeedPresence(gen, open)
	}

	snapshot, err := r.fetchSnapshot(ctx, t, bcID, modID)
	if err != nil {
		return err
	}

	prev := t.PresenceSet()
	joins, leaves := diff(prev, snapshot)
	ts := time.Now().UTC()

	for _, username := range joins {
		if err := r.Store.EventJoin(ctx, bcLogin, username, ts); err != nil {
			return fmt.Errorf("record join %s: %w", username, err)
		}
		if telemetry.Joins != nil {
			telemetry.Joins.Inc()
		}
		if r.Enricher != nil {
			r.Enricher.Enqueue(username)
		}
	}
	for _, username := range leaves {
		if err := r.Store.EventLeave(ctx, bcLogin, username, ts); err != nil {
			return fmt.Errorf("record leave %s: %w", username, err)
		}
		if telemetry.Leaves != nil {
			telemetry.Leaves.Inc()
		}
	}

	if !t.CommitPresence(gen, snapshot, ts) {
		// Channel switched or tenant logged out mid-tick; the new
		// generation reseeds from the store, so dropping this commit
		// loses nothing.
		slog.Debug("presence commit voided by generation change", "channel", bcLogin)
		return nil
	}
	if len(joins) > 0 || len(leaves) > 0 {
		slog.Info("presence reconciled",
			"channel", bcLogin, "joins", len(joins), "leaves", len(leaves), "present", len(snapshot))
	}
	return nil
}

// fetchSnapshot pulls the chatters list. When Helix rejects the token
// mid-lifetime and a refresh token is on hand, it refreshes exactly once and
// defers the tick; the next scheduled tick polls with the new token.
func (r *Reconciler) fetchSnapshot(ctx context.Context, t *tenant.State, bcID, modID string) (map[string]struct{}, error) {
	access, refresh, _ := t.Credentials()
	snapshot, err := r.Source.GetChatters(ctx, access, bcID, modID)
	if err == nil {
		return snapshot, nil
	}
	if !twitchapi.IsUnauthorized(err) || refresh == "" {
		return nil, fmt.Errorf("fetch chatters: %w", err)
	}
	if rerr := r.Tokens.ForceRefresh(ctx, t); rerr != nil {
		return nil, fmt.Errorf("refresh after 401: %w", rerr)
	}
	return nil, errTickDeferred
}

// diff returns the usernames that appear only in next (joins) and only in
// prev (leaves), each sorted for deterministic event ordering.
func diff(prev, next map[string]struct{}) (joins, leaves []string) {
	for u := range next {
		if _, ok := prev[u]; !ok {
			joins = append(joins, u)
		}
	}
	for u := range prev {
		if _, ok := next[u]; !ok {
			leaves = append(leaves, u)
		}
	}
	sort.Strings(joins)
	sort.Strings(leaves)
	return joins, leaves
}
