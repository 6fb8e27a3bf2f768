package presence

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/onnwee/presence-tracker/tenant"
	"github.com/onnwee/presence-tracker/twitchapi"
)

type fakeStore struct {
	open      map[string]struct{}
	openErr   error
	joins     []string
	leaves    []string
	joinErr   error
	openCalls int
}

func (f *fakeStore) EventJoin(ctx context.Context, channel, username string, ts time.Time) error {
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joins = append(f.joins, username)
	return nil
}

func (f *fakeStore) EventLeave(ctx context.Context, channel, username string, ts time.Time) error {
	f.leaves = append(f.leaves, username)
	return nil
}

func (f *fakeStore) OpenSet(ctx context.Context, channel string) (map[string]struct{}, error) {
	f.openCalls++
	if f.openErr != nil {
		return nil, f.openErr
	}
	set := make(map[string]struct{}, len(f.open))
	for u := range f.open {
		set[u] = struct{}{}
	}
	return set, nil
}

type fakeSnapshots struct {
	snapshots []map[string]struct{}
	errs      []error
	calls     int
	tokens    []string
}

func (f *fakeSnapshots) GetChatters(ctx context.Context, token, broadcasterID, moderatorID string) (map[string]struct{}, error) {
	i := f.calls
	f.calls++
	f.tokens = append(f.tokens, token)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.snapshots) {
		return f.snapshots[i], nil
	}
	return map[string]struct{}{}, nil
}

type fakeRefresher struct {
	ensureCalls int
	forceCalls  int
	forceErr    error
	newToken    string
}

func (f *fakeRefresher) EnsureFresh(ctx context.Context, t *tenant.State) error {
	f.ensureCalls++
	return nil
}

func (f *fakeRefresher) ForceRefresh(ctx context.Context, t *tenant.State) error {
	f.forceCalls++
	if f.forceErr != nil {
		return f.forceErr
	}
	t.SetTokens(f.newToken, "rt", time.Now().Add(time.Hour), nil)
	return nil
}

type fakeEnqueuer struct{ enqueued []string }

func (f *fakeEnqueuer) Enqueue(username string) { f.enqueued = append(f.enqueued, username) }

func set(names ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func readyState() *tenant.State {
	st := tenant.NewState("s1")
	st.SetTokens("at", "rt", time.Now().Add(time.Hour), nil)
	st.SetIdentity("100", "mod")
	st.SetChannel("200", "chan")
	return st
}

func newReconciler(store *fakeStore, src *fakeSnapshots) (*Reconciler, *fakeRefresher, *fakeEnqueuer) {
	ref := &fakeRefresher{newToken: "at2"}
	enq := &fakeEnqueuer{}
	return &Reconciler{Store: store, Source: src, Tokens: ref, Enricher: enq}, ref, enq
}

func TestTickSkipsUnreadyTenant(t *testing.T) {
	store := &fakeStore{}
	src := &fakeSnapshots{}
	r, ref, _ := newReconciler(store, src)

	st := tenant.NewState("s1") // no token, no channel
	if err := r.Tick(context.Background(), st); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if src.calls != 0 || ref.ensureCalls != 0 {
		t.Error("unready tenant still polled")
	}
	if st.LastError() != "" {
		t.Error("skip recorded an error")
	}
}

func TestTickLifecycle(t *testing.T) {
	// {} -> {alice,bob} -> {alice} -> {}
	store := &fakeStore{}
	src := &fakeSnapshots{snapshots: []map[string]struct{}{
		set("alice", "bob"),
		set("alice"),
		set(),
	}}
	r, ref, enq := newReconciler(store, src)
	st := readyState()

	for i := 0; i < 3; i++ {
		if err := r.Tick(context.Background(), st); err != nil {
			t.Fatalf("tick %d error = %v", i, err)
		}
	}

	if want := []string{"alice", "bob"}; !reflect.DeepEqual(store.joins, want) {
		t.Errorf("joins = %v, want %v", store.joins, want)
	}
	if want := []string{"bob", "alice"}; !reflect.DeepEqual(store.leaves, want) {
		t.Errorf("leaves = %v, want %v", store.leaves, want)
	}
	if want := []string{"alice", "bob"}; !reflect.DeepEqual(enq.enqueued, want) {
		t.Errorf("enqueued = %v, want %v", enq.enqueued, want)
	}
	if st.PresenceCount() != 0 {
		t.Errorf("final presence count = %d, want 0", st.PresenceCount())
	}
	if ref.ensureCalls != 3 {
		t.Errorf("EnsureFresh calls = %d, want 3", ref.ensureCalls)
	}
	// Baseline is seeded once, not per tick.
	if store.openCalls != 1 {
		t.Errorf("OpenSet calls = %d, want 1", store.openCalls)
	}
}

func TestTickSeedsBaselineFromOpenSessions(t *testing.T) {
	// alice was present before the restart; she must not rejoin.
	store := &fakeStore{open: set("alice")}
	src := &fakeSnapshots{snapshots: []map[string]struct{}{set("alice", "bob")}}
	r, _, _ := newReconciler(store, src)
	st := readyState()

	if err := r.Tick(context.Background(), st); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if want := []string{"bob"}; !reflect.DeepEqual(store.joins, want) {
		t.Errorf("joins = %v, want %v", store.joins, want)
	}
	if len(store.leaves) != 0 {
		t.Errorf("leaves = %v, want none", store.leaves)
	}
}

func TestTickUnauthorizedRefreshesOnceAndDefers(t *testing.T) {
	store := &fakeStore{}
	src := &fakeSnapshots{
		errs:      []error{&twitchapi.APIError{StatusCode: 401, Body: "invalid token"}},
		snapshots: []map[string]struct{}{nil, set("alice")},
	}
	r, ref, _ := newReconciler(store, src)
	st := readyState()

	// Tick 1: 401, one forced refresh, clean abort.
	if err := r.Tick(context.Background(), st); err != nil {
		t.Fatalf("deferred tick returned error: %v", err)
	}
	if ref.forceCalls != 1 {
		t.Fatalf("ForceRefresh calls = %d, want 1", ref.forceCalls)
	}
	if src.calls != 1 {
		t.Fatalf("chatters calls = %d, want 1 (no retry within the tick)", src.calls)
	}
	if st.LastError() != "" {
		t.Errorf("clean abort recorded error %q", st.LastError())
	}
	if len(store.joins) != 0 {
		t.Errorf("joins = %v, want none on deferred tick", store.joins)
	}

	// Tick 2 uses the refreshed token.
	if err := r.Tick(context.Background(), st); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if got := src.tokens[1]; got != "at2" {
		t.Errorf("second fetch used token %q, want at2", got)
	}
	if want := []string{"alice"}; !reflect.DeepEqual(store.joins, want) {
		t.Errorf("joins = %v, want %v", store.joins, want)
	}
}

func TestTickUnauthorizedRefreshFailureDegrades(t *testing.T) {
	store := &fakeStore{}
	src := &fakeSnapshots{errs: []error{&twitchapi.APIError{StatusCode: 401, Body: "invalid token"}}}
	r, ref, _ := newReconciler(store, src)
	ref.forceErr = errors.New("refresh token revoked")
	st := readyState()
	st.CommitPresence(st.Generation(), set("alice"), time.Now())

	if err := r.Tick(context.Background(), st); err == nil {
		t.Fatal("expected error when refresh fails")
	}
	if st.LastError() == "" {
		t.Error("refresh failure not recorded on tenant")
	}
	if st.PresenceCount() != 1 {
		t.Error("presence set mutated by failed tick")
	}
}

func TestTickUnauthorizedWithoutRefreshTokenFails(t *testing.T) {
	store := &fakeStore{}
	src := &fakeSnapshots{errs: []error{&twitchapi.APIError{StatusCode: 401, Body: "invalid token"}}}
	r, ref, _ := newReconciler(store, src)
	st := tenant.NewState("s1")
	st.SetTokens("static-at", "", time.Time{}, nil)
	st.SetIdentity("100", "mod")
	st.SetChannel("200", "chan")

	if err := r.Tick(context.Background(), st); err == nil {
		t.Fatal("expected error for 401 without refresh token")
	}
	if ref.forceCalls != 0 {
		t.Errorf("ForceRefresh calls = %d, want 0", ref.forceCalls)
	}
}

func TestTickFetchFailureLeavesPresenceUntouched(t *testing.T) {
	store := &fakeStore{}
	src := &fakeSnapshots{
		snapshots: []map[string]struct{}{set("alice", "bob")},
		errs:      []error{nil, errors.New("connection reset")},
	}
	r, _, _ := newReconciler(store, src)
	st := readyState()

	if err := r.Tick(context.Background(), st); err != nil {
		t.Fatalf("first tick error = %v", err)
	}
	if err := r.Tick(context.Background(), st); err == nil {
		t.Fatal("expected error from failed fetch")
	}
	if st.PresenceCount() != 2 {
		t.Errorf("presence count = %d after failed tick, want 2", st.PresenceCount())
	}
	if st.LastError() == "" {
		t.Error("fetch failure not recorded")
	}
	if len(store.leaves) != 0 {
		t.Errorf("leaves = %v, want none from failed tick", store.leaves)
	}
}

func TestTickPersistFailureAbortsWithoutCommit(t *testing.T) {
	store := &fakeStore{joinErr: errors.New("db down")}
	src := &fakeSnapshots{snapshots: []map[string]struct{}{set("alice")}}
	r, _, _ := newReconciler(store, src)
	st := readyState()

	if err := r.Tick(context.Background(), st); err == nil {
		t.Fatal("expected error from failed join write")
	}
	// The set stays empty, so the next tick re-derives alice's join.
	if st.PresenceCount() != 0 {
		t.Errorf("presence count = %d, want 0", st.PresenceCount())
	}
}

func TestTickChannelSwitchVoidsCommit(t *testing.T) {
	store := &fakeStore{}
	src := &fakeSnapshots{snapshots: []map[string]struct{}{set("alice")}}
	r, _, _ := newReconciler(store, src)
	st := readyState()

	// The snapshot source flips the channel mid-tick, as a concurrent
	// SetChannel would.
	switching := &channelSwitchSource{inner: src, st: st}
	r.Source = switching

	if err := r.Tick(context.Background(), st); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if st.PresenceCount() != 0 {
		t.Error("stale snapshot committed after channel switch")
	}
	if st.Seeded() {
		t.Error("new channel generation marked seeded by stale tick")
	}
}

type channelSwitchSource struct {
	inner SnapshotSource
	st    *tenant.State
}

func (c *channelSwitchSource) GetChatters(ctx context.Context, token, broadcasterID, moderatorID string) (map[string]struct{}, error) {
	snap, err := c.inner.GetChatters(ctx, token, broadcasterID, moderatorID)
	c.st.SetChannel("999", "otherchan")
	return snap, err
}

func TestDiff(t *testing.T) {
	tests := []struct {
		name       string
		prev, next map[string]struct{}
		joins      []string
		leaves     []string
	}{
		{"both empty", set(), set(), nil, nil},
		{"all join", set(), set("b", "a"), []string{"a", "b"}, nil},
		{"all leave", set("b", "a"), set(), nil, []string{"a", "b"}},
		{"no change", set("a", "b"), set("a", "b"), nil, nil},
		{"churn", set("a", "b"), set("b", "c"), []string{"c"}, []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			joins, leaves := diff(tt.prev, tt.next)
			if !reflect.DeepEqual(joins, tt.joins) {
				t.Errorf("joins = %v, want %v", joins, tt.joins)
			}
			if !reflect.DeepEqual(leaves, tt.leaves) {
				t.Errorf("leaves = %v, want %v", leaves, tt.leaves)
			}
		})
	}
}
