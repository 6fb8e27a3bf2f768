package tenant

import (
	"testing"
	"time"
)

func TestStateReady(t *testing.T) {
	st := NewState("s1")
	if st.Ready() {
		t.Error("empty state reported ready")
	}
	st.SetTokens("at", "rt", time.Now().Add(time.Hour), nil)
	if st.Ready() {
		t.Error("ready without a channel")
	}
	st.SetIdentity("1", "mod")
	st.SetChannel("2", "chan")
	if !st.Ready() {
		t.Error("fully onboarded state not ready")
	}
}

func TestSeedPresence(t *testing.T) {
	st := NewState("s1")
	gen := st.Generation()
	if !st.SeedPresence(gen, map[string]struct{}{"alice": {}}) {
		t.Fatal("seed rejected on matching generation")
	}
	if !st.Seeded() || st.PresenceCount() != 1 {
		t.Errorf("seeded=%v count=%d", st.Seeded(), st.PresenceCount())
	}
	// Second seed is ignored: baseline is only reconstructed once.
	if st.SeedPresence(gen, map[string]struct{}{"bob": {}, "carol": {}}) {
		t.Error("second seed accepted")
	}
	if st.PresenceCount() != 1 {
		t.Errorf("count = %d after rejected seed, want 1", st.PresenceCount())
	}
}

func TestSeedPresenceStaleGeneration(t *testing.T) {
	st := NewState("s1")
	gen := st.Generation()
	st.SetChannel("2", "chan") // advances generation
	if st.SeedPresence(gen, map[string]struct{}{"alice": {}}) {
		t.Error("stale-generation seed accepted")
	}
	if st.Seeded() {
		t.Error("state marked seeded by stale seed")
	}
}

func TestCommitPresenceGenerationGuard(t *testing.T) {
	st := NewState("s1")
	gen := st.Generation()
	ts := time.Now()
	if !st.CommitPresence(gen, map[string]struct{}{"alice": {}}, ts) {
		t.Fatal("commit rejected on matching generation")
	}
	if st.PresenceCount() != 1 {
		t.Errorf("count = %d, want 1", st.PresenceCount())
	}

	// A channel switch mid-tick voids the in-flight commit.
	st.SetChannel("9", "other")
	if st.CommitPresence(gen, map[string]struct{}{"bob": {}, "carol": {}}, ts) {
		t.Error("stale-generation commit accepted")
	}
	if st.PresenceCount() != 0 {
		t.Errorf("count = %d after voided commit, want 0", st.PresenceCount())
	}
}

func TestCommitPresenceClearsError(t *testing.T) {
	st := NewState("s1")
	st.SetError("helix unavailable", time.Now())
	if st.LastError() == "" {
		t.Fatal("error not recorded")
	}
	st.CommitPresence(st.Generation(), map[string]struct{}{}, time.Now())
	if st.LastError() != "" {
		t.Errorf("error %q survived a successful commit", st.LastError())
	}
}

func TestPresenceSetIsCopy(t *testing.T) {
	st := NewState("s1")
	st.CommitPresence(st.Generation(), map[string]struct{}{"alice": {}}, time.Now())
	got := st.PresenceSet()
	delete(got, "alice")
	if st.PresenceCount() != 1 {
		t.Error("caller mutation leaked into internal presence set")
	}
}

func TestReset(t *testing.T) {
	st := NewState("s1")
	st.SetTokens("at", "rt", time.Now().Add(time.Hour), []string{"a"})
	st.SetIdentity("1", "mod")
	st.SetChannel("2", "chan")
	gen := st.Generation()
	st.CommitPresence(gen, map[string]struct{}{"alice": {}}, time.Now())

	st.Reset()
	if st.Status().Authenticated {
		t.Error("authenticated after reset")
	}
	if st.PresenceCount() != 0 {
		t.Error("presence survived reset")
	}
	if st.Generation() == gen {
		t.Error("generation did not advance on reset")
	}
	if st.CommitPresence(gen, map[string]struct{}{"bob": {}}, time.Now()) {
		t.Error("pre-reset commit accepted")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	src := NewState("sess-7")
	src.SetTokens("at", "rt", exp, []string{"moderator:read:chatters"})
	src.SetIdentity("10", "mod")
	src.SetChannel("20", "chan")

	snap := src.CredentialSnapshot()
	dst := NewState(snap.SessionID)
	dst.ApplySnapshot(snap)

	access, refresh, expiresAt := dst.Credentials()
	if access != "at" || refresh != "rt" || !expiresAt.Equal(exp) {
		t.Errorf("credentials = (%q, %q, %v)", access, refresh, expiresAt)
	}
	if id, login := dst.Identity(); id != "10" || login != "mod" {
		t.Errorf("identity = (%q, %q)", id, login)
	}
	if id, login := dst.Channel(); id != "20" || login != "chan" {
		t.Errorf("channel = (%q, %q)", id, login)
	}
	// Presence is reseeded from the store, never from a snapshot.
	if dst.Seeded() || dst.PresenceCount() != 0 {
		t.Error("snapshot restore must not seed presence")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get("a"); ok {
		t.Error("Get on empty registry returned a state")
	}
	a := r.GetOrCreate("a")
	if a2 := r.GetOrCreate("a"); a2 != a {
		t.Error("GetOrCreate returned a new state for an existing session")
	}
	r.GetOrCreate("c")
	r.GetOrCreate("b")
	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}

	all := r.All()
	if len(all) != 3 {
		t.Fatalf("All() returned %d states", len(all))
	}
	for i, want := range []string{"a", "b", "c"} {
		if got := all[i].SessionID(); got != want {
			t.Errorf("All()[%d] = %q, want %q", i, got, want)
		}
	}

	r.Remove("b")
	if _, ok := r.Get("b"); ok || r.Len() != 2 {
		t.Error("Remove did not drop the session")
	}
}
