// Package server exposes the HTTP API handlers.
package server

import (
	"database/sql"
	"net/http"
	"sync"
	"time"

	dbpkg "github.com/onnwee/presence-tracker/db"
	"github.com/onnwee/presence-tracker/enrich"
	"github.com/onnwee/presence-tracker/tenant"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000

	// Name of the opaque session cookie binding a browser to its tenant
	sessionCookieName = "sid"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db         *sql.DB
	store      *dbpkg.Store
	registry   *tenant.Registry
	manager    *tenant.Manager
	queue      *enrich.Queue
	stateStore map[string]time.Time
	stateMu    sync.RWMutex
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(db *sql.DB, reg *tenant.Registry, mgr *tenant.Manager, q *enrich.Queue) *Handlers {
	return &Handlers{
		db:         db,
		store:      dbpkg.NewStore(db),
		registry:   reg,
		manager:    mgr,
		queue:      q,
		stateStore: make(map[string]time.Time),
	}
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState adds a new OAuth state to the store with cleanup if needed.
func (h *Handlers) addOAuthState(state string, expiry time.Time) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	// Clean expired states periodically to prevent unbounded growth
	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}

	// If we're still over the limit after cleanup, refuse to add more
	if len(h.stateStore) >= maxOAuthStates {
		// Dropping the state fails the OAuth flow, which is better than
		// a memory exhaustion attack
		return
	}

	h.stateStore[state] = expiry
}

// consumeOAuthState validates and removes a state, returning whether it was
// valid and unexpired.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	if !ok {
		return false
	}
	delete(h.stateStore, state)
	return time.Now().Before(exp)
}

// sessionTenant returns the tenant bound to the request's session cookie, or
// nil when no session cookie is present or no such tenant exists.
func (h *Handlers) sessionTenant(r *http.Request) *tenant.State {
	c, err := r.Cookie(sessionCookieName)
	if err != nil || c.Value == "" {
		return nil
	}
	t, ok := h.registry.Get(c.Value)
	if !ok {
		return nil
	}
	return t
}
