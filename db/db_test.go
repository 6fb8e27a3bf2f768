package db_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/onnwee/presence-tracker/db"
	"github.com/onnwee/presence-tracker/testutil"
)

// uniqueChannel returns a channel name no other test run has touched, so tests
// can share one database without truncating tables.
func uniqueChannel(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("testchan_%d", time.Now().UnixNano())
}

func TestEventJoinLeaveSessionLifecycle(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := db.NewStore(database)
	ctx := context.Background()
	channel := uniqueChannel(t)

	t0 := time.Now().UTC().Truncate(time.Second)
	if err := store.EventJoin(ctx, channel, "alice", t0); err != nil {
		t.Fatalf("EventJoin: %v", err)
	}

	open, err := store.OpenSet(ctx, channel)
	if err != nil {
		t.Fatalf("OpenSet: %v", err)
	}
	if _, ok := open["alice"]; !ok || len(open) != 1 {
		t.Fatalf("open set = %v, want {alice}", open)
	}

	if err := store.EventLeave(ctx, channel, "alice", t0.Add(3*time.Second)); err != nil {
		t.Fatalf("EventLeave: %v", err)
	}

	open, err = store.OpenSet(ctx, channel)
	if err != nil {
		t.Fatalf("OpenSet: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("open set = %v after leave, want empty", open)
	}

	sessions, err := store.Sessions(ctx, channel, 10, 0, false)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	s := sessions[0]
	if s.LeftAt == nil || s.DurationSeconds == nil {
		t.Fatalf("session not closed: %+v", s)
	}
	if *s.DurationSeconds != 3 {
		t.Errorf("duration = %d, want 3", *s.DurationSeconds)
	}

	events, err := store.Events(ctx, channel, 10, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	// newest first
	if events[0].Kind != "leave" || events[1].Kind != "join" {
		t.Errorf("event kinds = [%s %s], want [leave join]", events[0].Kind, events[1].Kind)
	}
}

func TestEventLeaveClockSkewClampsToZero(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := db.NewStore(database)
	ctx := context.Background()
	channel := uniqueChannel(t)

	t0 := time.Now().UTC()
	if err := store.EventJoin(ctx, channel, "bob", t0); err != nil {
		t.Fatalf("EventJoin: %v", err)
	}
	// Leave timestamped before the join (clock went backwards).
	if err := store.EventLeave(ctx, channel, "bob", t0.Add(-5*time.Second)); err != nil {
		t.Fatalf("EventLeave: %v", err)
	}
	sessions, err := store.Sessions(ctx, channel, 10, 0, false)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].DurationSeconds == nil {
		t.Fatalf("sessions = %+v", sessions)
	}
	if *sessions[0].DurationSeconds != 0 {
		t.Errorf("duration = %d, want 0 (clamped)", *sessions[0].DurationSeconds)
	}
}

func TestEventLeaveWithoutOpenSession(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := db.NewStore(database)
	ctx := context.Background()
	channel := uniqueChannel(t)

	// No join first: the event is still recorded, nothing to close.
	if err := store.EventLeave(ctx, channel, "ghost", time.Now().UTC()); err != nil {
		t.Fatalf("EventLeave: %v", err)
	}
	events, err := store.Events(ctx, channel, 10, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 || events[0].Kind != "leave" {
		t.Fatalf("events = %+v, want one leave", events)
	}
	sessions, err := store.Sessions(ctx, channel, 10, 0, false)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("sessions = %d, want 0", len(sessions))
	}
}

func TestEventLeaveClosesMostRecentSession(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := db.NewStore(database)
	ctx := context.Background()
	channel := uniqueChannel(t)

	t0 := time.Now().UTC().Truncate(time.Second)
	// Two visits: the first closed, the second still open.
	if err := store.EventJoin(ctx, channel, "carol", t0); err != nil {
		t.Fatal(err)
	}
	if err := store.EventLeave(ctx, channel, "carol", t0.Add(10*time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := store.EventJoin(ctx, channel, "carol", t0.Add(20*time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := store.EventLeave(ctx, channel, "carol", t0.Add(25*time.Second)); err != nil {
		t.Fatal(err)
	}

	sessions, err := store.Sessions(ctx, channel, 10, 0, false)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}
	// newest first: 5s visit, then 10s visit
	if *sessions[0].DurationSeconds != 5 || *sessions[1].DurationSeconds != 10 {
		t.Errorf("durations = [%d %d], want [5 10]",
			*sessions[0].DurationSeconds, *sessions[1].DurationSeconds)
	}
}

func TestOpenSessionCount(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := db.NewStore(database)
	ctx := context.Background()
	channel := uniqueChannel(t)
	other := uniqueChannel(t)

	t0 := time.Now().UTC().Truncate(time.Second)
	for _, u := range []string{"alice", "bob", "carol"} {
		if err := store.EventJoin(ctx, channel, u, t0); err != nil {
			t.Fatalf("EventJoin(%s): %v", u, err)
		}
	}
	if err := store.EventJoin(ctx, other, "dave", t0); err != nil {
		t.Fatalf("EventJoin(dave): %v", err)
	}
	if err := store.EventLeave(ctx, channel, "bob", t0.Add(time.Minute)); err != nil {
		t.Fatalf("EventLeave(bob): %v", err)
	}

	n, err := store.OpenSessionCount(ctx, channel)
	if err != nil {
		t.Fatalf("OpenSessionCount: %v", err)
	}
	if n != 2 {
		t.Errorf("open sessions = %d, want 2 (bob left, dave is elsewhere)", n)
	}
}

func TestProfileUpsert(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := db.NewStore(database)
	ctx := context.Background()
	username := fmt.Sprintf("testuser_%d", time.Now().UnixNano())

	got, err := store.GetProfile(ctx, username)
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got != nil {
		t.Fatalf("profile = %+v before save, want nil", got)
	}

	count := int64(42)
	p := db.Profile{
		Username:      username,
		UserID:        "123",
		DisplayName:   "TestUser",
		FollowerCount: &count,
	}
	if err := store.SaveProfile(ctx, p); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}

	// Upsert with unknown follower count clears it to NULL.
	p.FollowerCount = nil
	p.DisplayName = "TestUser2"
	if err := store.SaveProfile(ctx, p); err != nil {
		t.Fatalf("SaveProfile upsert: %v", err)
	}

	got, err = store.GetProfile(ctx, username)
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got == nil || got.DisplayName != "TestUser2" {
		t.Fatalf("profile = %+v", got)
	}
	if got.FollowerCount != nil {
		t.Errorf("follower count = %d, want nil", *got.FollowerCount)
	}
}

func TestPruneKeepsOpenSessions(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := db.NewStore(database)
	ctx := context.Background()
	channel := uniqueChannel(t)

	old := time.Now().UTC().Add(-48 * time.Hour)
	if err := store.EventJoin(ctx, channel, "old_closed", old); err != nil {
		t.Fatal(err)
	}
	if err := store.EventLeave(ctx, channel, "old_closed", old.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := store.EventJoin(ctx, channel, "old_open", old); err != nil {
		t.Fatal(err)
	}

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	if _, _, err := store.PruneOlderThan(ctx, cutoff); err != nil {
		t.Fatalf("PruneOlderThan: %v", err)
	}

	open, err := store.OpenSet(ctx, channel)
	if err != nil {
		t.Fatalf("OpenSet: %v", err)
	}
	if _, ok := open["old_open"]; !ok {
		t.Error("open session pruned; restart would lose its baseline")
	}
	sessions, err := store.Sessions(ctx, channel, 10, 0, false)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	for _, s := range sessions {
		if s.Username == "old_closed" {
			t.Error("closed session older than cutoff survived prune")
		}
	}
}

func TestKVRoundTrip(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := db.NewStore(database)
	ctx := context.Background()
	key := fmt.Sprintf("cfg:test_%d", time.Now().UnixNano())

	v, err := store.GetKV(ctx, key)
	if err != nil {
		t.Fatalf("GetKV: %v", err)
	}
	if v != "" {
		t.Fatalf("GetKV = %q before set, want empty", v)
	}
	if err := store.SetKV(ctx, key, "one"); err != nil {
		t.Fatalf("SetKV: %v", err)
	}
	if err := store.SetKV(ctx, key, "two"); err != nil {
		t.Fatalf("SetKV upsert: %v", err)
	}
	v, err = store.GetKV(ctx, key)
	if err != nil {
		t.Fatalf("GetKV: %v", err)
	}
	if v != "two" {
		t.Errorf("GetKV = %q, want two", v)
	}
}

func TestCredentialsRoundTrip(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	sid := fmt.Sprintf("sess_%d", time.Now().UnixNano())

	got, err := db.LoadCredentials(ctx, database, sid)
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if got != nil {
		t.Fatalf("credentials = %+v before save, want nil", got)
	}

	exp := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	snap := db.CredentialSnapshot{
		SessionID:        sid,
		AccessToken:      "access",
		RefreshToken:     "refresh",
		ExpiresAt:        exp,
		Scopes:           "moderator:read:chatters",
		ModeratorID:      "1",
		ModeratorLogin:   "mod",
		BroadcasterID:    "2",
		BroadcasterLogin: "chan",
	}
	if err := db.SaveCredentials(ctx, database, snap); err != nil {
		t.Fatalf("SaveCredentials: %v", err)
	}

	got, err = db.LoadCredentials(ctx, database, sid)
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if got == nil {
		t.Fatal("credentials missing after save")
	}
	if got.AccessToken != "access" || got.RefreshToken != "refresh" {
		t.Errorf("tokens = (%q, %q)", got.AccessToken, got.RefreshToken)
	}
	if !got.ExpiresAt.Equal(exp) {
		t.Errorf("expires_at = %v, want %v", got.ExpiresAt, exp)
	}
	if got.BroadcasterLogin != "chan" || got.ModeratorID != "1" {
		t.Errorf("identity fields = %+v", got)
	}

	// Upsert replaces the row.
	snap.AccessToken = "access2"
	if err := db.SaveCredentials(ctx, database, snap); err != nil {
		t.Fatalf("SaveCredentials upsert: %v", err)
	}
	got, err = db.LoadCredentials(ctx, database, sid)
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if got.AccessToken != "access2" {
		t.Errorf("access token = %q after upsert, want access2", got.AccessToken)
	}

	if err := db.DeleteCredentials(ctx, database, sid); err != nil {
		t.Fatalf("DeleteCredentials: %v", err)
	}
	got, err = db.LoadCredentials(ctx, database, sid)
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if got != nil {
		t.Errorf("credentials = %+v after delete, want nil", got)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	database := testutil.SetupTestDB(t)
	// SetupTestDB already migrated once; a second run must be a no-op.
	if err := db.Migrate(context.Background(), database); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}
