package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
)

// HandleStatus returns the session tenant's polling status plus global queue
// stats.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]any{
		"tenants":      h.registry.Len(),
		"enrich_queue": h.queue.Stats(),
	}
	if t := h.sessionTenant(r); t != nil {
		resp["session"] = t.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

// HandlePresence returns the current in-memory presence set for the session's
// channel, sorted for stable rendering.
func (h *Handlers) HandlePresence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	t := h.sessionTenant(r)
	if t == nil {
		http.Error(w, "not authenticated", http.StatusUnauthorized)
		return
	}
	set := t.PresenceSet()
	names := make([]string, 0, len(set))
	for u := range set {
		names = append(names, u)
	}
	sort.Strings(names)
	_, channel := t.Channel()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"channel": channel,
		"count":   len(names),
		"present": names,
	})
}

// HandleEvents lists recent join/leave events for the session's channel.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	t := h.sessionTenant(r)
	if t == nil {
		http.Error(w, "not authenticated", http.StatusUnauthorized)
		return
	}
	_, channel := t.Channel()
	limit := parseIntQuery(r, "limit", 100)
	offset := parseIntQuery(r, "offset", 0)
	events, err := h.store.Events(r.Context(), channel, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(events)
}

// HandleSessions lists visitor sessions for the session's channel. With
// ?open=1 only sessions still in progress are returned.
func (h *Handlers) HandleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	t := h.sessionTenant(r)
	if t == nil {
		http.Error(w, "not authenticated", http.StatusUnauthorized)
		return
	}
	_, channel := t.Channel()
	limit := parseIntQuery(r, "limit", 100)
	offset := parseIntQuery(r, "offset", 0)
	openOnly := r.URL.Query().Get("open") == "1"
	sessions, err := h.store.Sessions(r.Context(), channel, limit, offset, openOnly)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if openOnly {
		// The rows are paginated; the count is the full open set.
		count, err := h.store.OpenSessionCount(r.Context(), channel)
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"open_count": count,
			"sessions":   sessions,
		})
		return
	}
	_ = json.NewEncoder(w).Encode(sessions)
}

// HandlePopularVisitors returns visitors ranked by accumulated watch time.
func (h *Handlers) HandlePopularVisitors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	t := h.sessionTenant(r)
	if t == nil {
		http.Error(w, "not authenticated", http.StatusUnauthorized)
		return
	}
	_, channel := t.Channel()
	limit := parseIntQuery(r, "limit", 25)
	visitors, err := h.store.PopularVisitors(r.Context(), channel, limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(visitors)
}

// HandleProfile returns the enriched profile for a single visitor, or 404 when
// enrichment hasn't reached them yet.
func (h *Handlers) HandleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	username := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("username")))
	if username == "" {
		http.Error(w, "missing username", 400)
		return
	}
	p, err := h.store.GetProfile(r.Context(), username)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if p == nil {
		http.Error(w, "profile not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(p)
}
