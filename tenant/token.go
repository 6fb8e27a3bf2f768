package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/onnwee/presence-tracker/db"
	"github.com/onnwee/presence-tracker/telemetry"
	"github.com/onnwee/presence-tracker/twitchapi"
)

// refreshMargin is how long before expiry a token is refreshed.
const refreshMargin = 60 * time.Second

// OAuthClient is the id.twitch.tv surface the manager depends on.
type OAuthClient interface {
	Exchange(ctx context.Context, code string) (*twitchapi.TokenResult, error)
	Refresh(ctx context.Context, refreshToken string) (*twitchapi.TokenResult, error)
}

// IdentityClient resolves users behind tokens and channel logins.
type IdentityClient interface {
	GetMe(ctx context.Context, token string) (*twitchapi.User, error)
	GetUserByLogin(ctx context.Context, token, login string) (*twitchapi.User, error)
}

// TwitchOAuth implements OAuthClient against id.twitch.tv.
type TwitchOAuth struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

func (o *TwitchOAuth) Exchange(ctx context.Context, code string) (*twitchapi.TokenResult, error) {
	return twitchapi.ExchangeAuthCode(ctx, o.ClientID, o.ClientSecret, code, o.RedirectURI)
}

func (o *TwitchOAuth) Refresh(ctx context.Context, refreshToken string) (*twitchapi.TokenResult, error) {
	return twitchapi.RefreshToken(ctx, o.ClientID, o.ClientSecret, refreshToken)
}

// CredentialStore persists per-tenant credential snapshots.
type CredentialStore interface {
	Save(ctx context.Context, snap db.CredentialSnapshot) error
	Delete(ctx context.Context, sessionID string) error
}

// SQLCredentialStore is the Postgres-backed CredentialStore.
type SQLCredentialStore struct{ DB *sql.DB }

func (s *SQLCredentialStore) Save(ctx context.Context, snap db.CredentialSnapshot) error {
	return db.SaveCredentials(ctx, s.DB, snap)
}

func (s *SQLCredentialStore) Delete(ctx context.Context, sessionID string) error {
	return db.DeleteCredentials(ctx, s.DB, sessionID)
}

// Manager owns the credential lifecycle of tenants: code exchange, identity
// resolution, refresh-before-expiry, and persistence of every successful
// credential change.
type Manager struct {
	OAuth OAuthClient
	Helix IdentityClient
	Creds CredentialStore
}

// EnsureFresh refreshes the tenant's token when it expires within
// refreshMargin. A tenant with no refresh token or no recorded expiry is
// assumed to hold a static, externally supplied token and is left alone.
// Refresh failures propagate to the caller.
func (m *Manager) EnsureFresh(ctx context.Context, t *State) error {
	_, refresh, expiresAt := t.Credentials()
	if refresh == "" || expiresAt.IsZero() {
		return nil
	}
	if time.Until(expiresAt) > refreshMargin {
		return nil
	}
	return m.refresh(ctx, t, refresh)
}

// ForceRefresh refreshes immediately regardless of recorded expiry. It is the
// recovery path for tokens Twitch rejects mid-lifetime.
func (m *Manager) ForceRefresh(ctx context.Context, t *State) error {
	_, refresh, _ := t.Credentials()
	if refresh == "" {
		return errors.New("no refresh token")
	}
	return m.refresh(ctx, t, refresh)
}

func (m *Manager) refresh(ctx context.Context, t *State, refresh string) error {
	res, err := m.OAuth.Refresh(ctx, refresh)
	if err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	newRefresh := res.RefreshToken
	if newRefresh == "" {
		// Twitch may omit the refresh token when it is unchanged.
		newRefresh = refresh
	}
	t.SetTokens(res.AccessToken, newRefresh, twitchapi.ComputeExpiry(res.ExpiresIn), res.Scope)
	if telemetry.TokenRefreshes != nil {
		telemetry.TokenRefreshes.Inc()
	}
	return m.persist(ctx, t)
}

// Authenticate completes the authorization-code flow: exchanges the code,
// resolves the moderator identity behind the token, and persists the
// credential snapshot.
func (m *Manager) Authenticate(ctx context.Context, t *State, code string) error {
	res, err := m.OAuth.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange auth code: %w", err)
	}
	t.SetTokens(res.AccessToken, res.RefreshToken, twitchapi.ComputeExpiry(res.ExpiresIn), res.Scope)
	me, err := m.Helix.GetMe(ctx, res.AccessToken)
	if err != nil {
		return fmt.Errorf("resolve moderator identity: %w", err)
	}
	t.SetIdentity(me.ID, me.Login)
	return m.persist(ctx, t)
}

// SetChannel resolves a channel login to its broadcaster identity and switches
// the tenant to it, resetting the presence baseline.
func (m *Manager) SetChannel(ctx context.Context, t *State, login string) error {
	access, _, _ := t.Credentials()
	if access == "" {
		return errors.New("not authenticated")
	}
	login = strings.ToLower(strings.TrimSpace(login))
	if login == "" {
		return errors.New("channel login empty")
	}
	u, err := m.Helix.GetUserByLogin(ctx, access, login)
	if err != nil {
		return fmt.Errorf("resolve broadcaster %q: %w", login, err)
	}
	t.SetChannel(u.ID, u.Login)
	return m.persist(ctx, t)
}

// Logout clears the tenant's in-memory state (including the presence set)
// and deletes the persisted credential row.
func (m *Manager) Logout(ctx context.Context, t *State) error {
	t.Reset()
	return m.Creds.Delete(ctx, t.SessionID())
}

func (m *Manager) persist(ctx context.Context, t *State) error {
	if err := m.Creds.Save(ctx, t.CredentialSnapshot()); err != nil {
		return fmt.Errorf("persist credentials: %w", err)
	}
	return nil
}
