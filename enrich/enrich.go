// Package enrich backfills visitor profile metadata (display name, broadcaster
// type, follower count) for usernames first seen in a presence poll. Lookups
// run against Helix with an app access token, decoupled from the per-tenant
// user tokens the polling path uses.
package enrich

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/presence-tracker/db"
	"github.com/onnwee/presence-tracker/telemetry"
	"github.com/onnwee/presence-tracker/twitchapi"
)

// drainBatchSize bounds how many usernames a single drain pass resolves.
const drainBatchSize = 50

// TokenSource yields an app access token for Helix lookups.
type TokenSource interface {
	Get(ctx context.Context) (string, error)
}

// ProfileSource resolves logins to user records and per-user follower counts.
type ProfileSource interface {
	GetUsersByLogin(ctx context.Context, token string, logins []string) ([]twitchapi.User, error)
	GetFollowerCount(ctx context.Context, token, broadcasterID string) (int64, error)
}

// ProfileStore persists resolved profiles.
type ProfileStore interface {
	SaveProfile(ctx context.Context, p db.Profile) error
}

// Stats is a point-in-time view of the queue for observability reads.
type Stats struct {
	Queued  int  `json:"queued"`
	Running bool `json:"running"`
}

// Queue is a deduplicating set of usernames awaiting profile enrichment.
// Enqueueing an already-pending username is a no-op, so repeated joins of the
// same visitor between drains cost one lookup.
type Queue struct {
	Tokens TokenSource
	Source ProfileSource
	Store  ProfileStore

	mu      sync.Mutex
	pending map[string]struct{}
	running bool
}

// NewQueue returns an empty queue wired to the given token source, Helix
// client, and store.
func NewQueue(tokens TokenSource, source ProfileSource, store ProfileStore) *Queue {
	return &Queue{
		Tokens:  tokens,
		Source:  source,
		Store:   store,
		pending: make(map[string]struct{}),
	}
}

// Enqueue adds a username to the pending set. Empty and whitespace-only names
// are dropped; names are normalized to lowercase.
func (q *Queue) Enqueue(username string) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return
	}
	q.mu.Lock()
	q.pending[username] = struct{}{}
	depth := len(q.pending)
	q.mu.Unlock()
	telemetry.SetQueueDepth(depth)
}

// Stats returns the current queue depth and whether a drain is in flight.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Queued: len(q.pending), Running: q.running}
}

// Drain resolves up to drainBatchSize pending usernames and persists their
// profiles. At most one drain runs at a time; overlapping calls return
// immediately. Usernames are removed from the pending set before the network
// round trip, so a name re-enqueued mid-drain is picked up by the next pass.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if q.running || len(q.pending) == 0 {
		q.mu.Unlock()
		return nil
	}
	q.running = true
	batch := make([]string, 0, drainBatchSize)
	for name := range q.pending {
		if len(batch) == drainBatchSize {
			break
		}
		batch = append(batch, name)
		delete(q.pending, name)
	}
	depth := len(q.pending)
	q.mu.Unlock()

	telemetry.SetQueueDepth(depth)
	defer func() {
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
	}()

	ctx, span := telemetry.StartSpan(ctx, "enrich", "enrich.drain",
		attribute.Int("batch_size", len(batch)))
	defer span.End()

	start := time.Now()
	err := q.drainBatch(ctx, batch)
	if telemetry.DrainDuration != nil {
		telemetry.DrainDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		telemetry.RecordError(span, err)
	}
	return err
}

func (q *Queue) drainBatch(ctx context.Context, batch []string) error {
	token, err := q.Tokens.Get(ctx)
	if err != nil {
		if telemetry.EnrichErrors != nil {
			telemetry.EnrichErrors.Inc()
		}
		return err
	}
	users, err := q.Source.GetUsersByLogin(ctx, token, batch)
	if err != nil {
		if telemetry.EnrichErrors != nil {
			telemetry.EnrichErrors.Inc()
		}
		return err
	}

	now := time.Now().UTC()
	for _, u := range users {
		p := db.Profile{
			Username:        strings.ToLower(u.Login),
			UserID:          u.ID,
			DisplayName:     u.DisplayName,
			BroadcasterType: u.BroadcasterType,
			ProfileImageURL: u.ProfileImageURL,
			UpdatedAt:       now,
		}
		// A failed follower lookup degrades this one profile, not the batch.
		if count, ferr := q.Source.GetFollowerCount(ctx, token, u.ID); ferr != nil {
			slog.Warn("follower count lookup failed", "username", p.Username, "err", ferr)
			if telemetry.EnrichErrors != nil {
				telemetry.EnrichErrors.Inc()
			}
		} else {
			p.FollowerCount = &count
		}
		if serr := q.Store.SaveProfile(ctx, p); serr != nil {
			slog.Warn("save profile failed", "username", p.Username, "err", serr)
			continue
		}
		if telemetry.EnrichLookups != nil {
			telemetry.EnrichLookups.Inc()
		}
	}
	return nil
}
