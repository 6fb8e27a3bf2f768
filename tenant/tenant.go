// Package tenant holds per-operator-session auth state and the process-wide
// registry. A tenant is one authenticated browser session tracking one
// channel; its lifecycle is Unauthenticated -> Authenticated (code exchange)
// -> Authenticated (refresh self-loop) -> Degraded (refresh failure or
// unrecoverable 401; polling pauses until the next scheduled tick) ->
// Unauthenticated (logout).
package tenant

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/presence-tracker/db"
)

// State is one tenant's mutable auth and presence state. All accessors are
// safe for concurrent use; the poll job is the only writer of the presence
// set, while HTTP handlers may change tokens and channel at any time. Channel
// switches and logout bump a generation counter so an in-flight tick cannot
// commit a snapshot taken for the previous channel.
type State struct {
	mu        sync.Mutex
	sessionID string

	accessToken  string
	refreshToken string
	expiresAt    time.Time
	scopes       []string

	moderatorID      string
	moderatorLogin   string
	broadcasterID    string
	broadcasterLogin string

	presence map[string]struct{}
	seeded   bool
	gen      uint64

	lastPoll time.Time
	lastErr  string
}

// NewState creates an empty (unauthenticated) tenant state.
func NewState(sessionID string) *State {
	return &State{sessionID: sessionID, presence: make(map[string]struct{})}
}

// SessionID returns the opaque registry key for this tenant.
func (t *State) SessionID() string { return t.sessionID }

// Credentials returns the current token triple.
func (t *State) Credentials() (access, refresh string, expiresAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.accessToken, t.refreshToken, t.expiresAt
}

// SetTokens replaces the token triple and scopes.
func (t *State) SetTokens(access, refresh string, expiresAt time.Time, scopes []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accessToken = access
	t.refreshToken = refresh
	t.expiresAt = expiresAt
	t.scopes = scopes
}

// SetIdentity records the moderator identity resolved from the user token.
func (t *State) SetIdentity(id, login string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.moderatorID = id
	t.moderatorLogin = strings.ToLower(login)
}

// Identity returns the moderator id and login.
func (t *State) Identity() (id, login string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.moderatorID, t.moderatorLogin
}

// SetChannel switches the tracked channel. The in-memory presence baseline is
// discarded and reseeded from the store on the next tick.
func (t *State) SetChannel(id, login string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broadcasterID = id
	t.broadcasterLogin = strings.ToLower(login)
	t.presence = make(map[string]struct{})
	t.seeded = false
	t.lastErr = ""
	t.gen++
}

// Channel returns the broadcaster id and login of the tracked channel.
func (t *State) Channel() (id, login string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.broadcasterID, t.broadcasterLogin
}

// Ready reports whether the tenant is fully onboarded for polling: a token,
// a moderator identity, and a resolved channel.
func (t *State) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.accessToken != "" && t.moderatorID != "" && t.broadcasterID != "" && t.broadcasterLogin != ""
}

// Generation returns the counter guarding presence commits across channel
// switches and logouts.
func (t *State) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

// Seeded reports whether the presence baseline was reconstructed since the
// last channel switch or restart.
func (t *State) Seeded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seeded
}

// SeedPresence installs the baseline reconstructed from the store's open
// sessions. It is a no-op when the generation moved on.
func (t *State) SeedPresence(gen uint64, set map[string]struct{}) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen || t.seeded {
		return false
	}
	t.presence = set
	t.seeded = true
	return true
}

// PresenceSet returns a copy of the last committed presence set.
func (t *State) PresenceSet() map[string]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]struct{}, len(t.presence))
	for u := range t.presence {
		out[u] = struct{}{}
	}
	return out
}

// PresenceCount returns the size of the last committed presence set.
func (t *State) PresenceCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.presence)
}

// CommitPresence replaces the presence set after a successful tick and clears
// the last error. It refuses to commit when the generation moved on (the
// channel changed mid-tick).
func (t *State) CommitPresence(gen uint64, set map[string]struct{}, ts time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen {
		return false
	}
	t.presence = set
	t.seeded = true
	t.lastPoll = ts
	t.lastErr = ""
	return true
}

// SetError records a failed tick; the presence set is left untouched.
func (t *State) SetError(msg string, ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastErr = msg
	t.lastPoll = ts
}

// LastError returns the most recent tick error, empty when healthy.
func (t *State) LastError() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Status is a point-in-time read of tenant state for the API layer.
type Status struct {
	Authenticated  bool      `json:"authenticated"`
	ModeratorLogin string    `json:"moderator_login,omitempty"`
	Channel        string    `json:"channel,omitempty"`
	PresenceCount  int       `json:"presence_count"`
	LastPoll       time.Time `json:"last_poll,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	HasError       bool      `json:"has_error"`
}

// Status returns a consistent snapshot for observability reads.
func (t *State) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{
		Authenticated:  t.accessToken != "",
		ModeratorLogin: t.moderatorLogin,
		Channel:        t.broadcasterLogin,
		PresenceCount:  len(t.presence),
		LastPoll:       t.lastPoll,
		LastError:      t.lastErr,
		HasError:       t.lastErr != "",
	}
}

// Reset clears all auth and presence state (logout).
func (t *State) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accessToken = ""
	t.refreshToken = ""
	t.expiresAt = time.Time{}
	t.scopes = nil
	t.moderatorID = ""
	t.moderatorLogin = ""
	t.broadcasterID = ""
	t.broadcasterLogin = ""
	t.presence = make(map[string]struct{})
	t.seeded = false
	t.lastPoll = time.Time{}
	t.lastErr = ""
	t.gen++
}

// CredentialSnapshot exports the persistable credential state. The presence
// set is deliberately excluded; it is recomputed from the store at startup.
func (t *State) CredentialSnapshot() db.CredentialSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return db.CredentialSnapshot{
		SessionID:        t.sessionID,
		AccessToken:      t.accessToken,
		RefreshToken:     t.refreshToken,
		ExpiresAt:        t.expiresAt,
		Scopes:           strings.Join(t.scopes, " "),
		ModeratorID:      t.moderatorID,
		ModeratorLogin:   t.moderatorLogin,
		BroadcasterID:    t.broadcasterID,
		BroadcasterLogin: t.broadcasterLogin,
	}
}

// ApplySnapshot restores credential state loaded from the store.
func (t *State) ApplySnapshot(snap db.CredentialSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accessToken = snap.AccessToken
	t.refreshToken = snap.RefreshToken
	t.expiresAt = snap.ExpiresAt
	if snap.Scopes != "" {
		t.scopes = strings.Fields(snap.Scopes)
	}
	t.moderatorID = snap.ModeratorID
	t.moderatorLogin = snap.ModeratorLogin
	t.broadcasterID = snap.BroadcasterID
	t.broadcasterLogin = snap.BroadcasterLogin
	t.presence = make(map[string]struct{})
	t.seeded = false
}

// Registry is the process-wide collection of tenant states, keyed by opaque
// session id. It is the only shared mutable state the presence core depends on.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*State
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tenants: make(map[string]*State)}
}

// Get returns the tenant for a session id if registered.
func (r *Registry) Get(sessionID string) (*State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[sessionID]
	return t, ok
}

// GetOrCreate returns the tenant for a session id, registering an empty state
// on first contact.
func (r *Registry) GetOrCreate(sessionID string) *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tenants[sessionID]; ok {
		return t
	}
	t := NewState(sessionID)
	r.tenants[sessionID] = t
	return t
}

// Remove deletes a tenant from the registry.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tenants, sessionID)
}

// Len returns the number of registered tenants.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tenants)
}

// All returns the registered tenants in a fixed order (sorted session ids) so
// each poll round visits tenants deterministically.
func (r *Registry) All() []*State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tenants))
	for id := range r.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*State, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.tenants[id])
	}
	return out
}

// Restore rebuilds the registry from persisted credential snapshots at
// startup. Presence sets start empty and are reseeded from the store on the
// first tick, never trusted from disk.
func (r *Registry) Restore(ctx context.Context, dbx *sql.DB) error {
	snaps, err := db.LoadAllCredentials(ctx, dbx)
	if err != nil {
		return err
	}
	for _, snap := range snaps {
		t := r.GetOrCreate(snap.SessionID)
		t.ApplySnapshot(snap)
	}
	return nil
}
