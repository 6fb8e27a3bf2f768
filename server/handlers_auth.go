package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/presence-tracker/config"
	"github.com/onnwee/presence-tracker/twitchapi"
)

// ensureSessionCookie returns the request's session id, minting one (and
// setting the cookie) when the browser has none yet.
func ensureSessionCookie(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	sid := uuid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int((365 * 24 * time.Hour).Seconds()),
	})
	return sid
}

// HandleOAuthStart initiates the Twitch OAuth flow by redirecting to Twitch.
func (h *Handlers) HandleOAuthStart(w http.ResponseWriter, r *http.Request) {
	cfg, _ := config.Load() // ignore error; minimal usage
	if err := cfg.ValidateOAuthReady(); err != nil {
		http.Error(w, "oauth not configured (need TWITCH_CLIENT_ID + TWITCH_CLIENT_SECRET + TWITCH_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	ensureSessionCookie(w, r)
	// generate state
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", 500)
		return
	}
	st := hex.EncodeToString(b)
	h.addOAuthState(st, time.Now().Add(10*time.Minute))
	authURL, err := twitchapi.BuildAuthorizeURL(cfg.TwitchClientID, cfg.TwitchRedirectURI, cfg.TwitchScopes, st)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleOAuthCallback completes the OAuth flow: exchanges the code, resolves
// the moderator identity, and binds the credentials to the session's tenant.
func (h *Handlers) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", 400)
		return
	}
	if !h.consumeOAuthState(st) {
		http.Error(w, "invalid state", 400)
		return
	}
	sid := ensureSessionCookie(w, r)
	t := h.registry.GetOrCreate(sid)
	if err := h.manager.Authenticate(r.Context(), t, code); err != nil {
		slog.Warn("oauth exchange failed", slog.Any("err", err))
		http.Error(w, err.Error(), 500)
		return
	}
	_, login := t.Identity()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"status": "ok", "moderator_login": login}); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

// HandleLogout clears the session's credentials and presence state.
func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	t := h.sessionTenant(r)
	if t == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := h.manager.Logout(r.Context(), t); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	h.registry.Remove(t.SessionID())
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// HandleChannel gets or sets the channel the session's tenant tracks.
func (h *Handlers) HandleChannel(w http.ResponseWriter, r *http.Request) {
	t := h.sessionTenant(r)
	if t == nil {
		http.Error(w, "not authenticated", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodGet:
		_, login := t.Channel()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"channel": login})
	case http.MethodPost, http.MethodPut:
		var body struct {
			Channel string `json:"channel"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", 400)
			return
		}
		if err := h.manager.SetChannel(r.Context(), t, body.Channel); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		_, login := t.Channel()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"channel": login})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
