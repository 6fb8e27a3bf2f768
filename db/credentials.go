package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/onnwee/presence-tracker/crypto"
)

// CredentialSnapshot is the durable per-tenant credential state, rewritten in
// full after every successful token or identity change. Absence of a row is a
// valid "not yet authenticated" state, not an error.
type CredentialSnapshot struct {
	SessionID        string
	AccessToken      string
	RefreshToken     string
	ExpiresAt        time.Time
	Scopes           string
	ModeratorID      string
	ModeratorLogin   string
	BroadcasterID    string
	BroadcasterLogin string
}

// SaveCredentials stores or updates the credential snapshot for a tenant.
// If encryption is enabled (ENCRYPTION_KEY set), tokens are encrypted before
// storage; encryption_version=1 indicates encrypted tokens, version=0 plaintext.
func SaveCredentials(ctx context.Context, dbx *sql.DB, snap CredentialSnapshot) error {
	enc, err := getEncryptor()
	if err != nil {
		return fmt.Errorf("get encryptor: %w", err)
	}

	encVersion := 0
	encKeyID := ""
	accessToStore := snap.AccessToken
	refreshToStore := snap.RefreshToken

	if enc != nil {
		encVersion = 1
		encKeyID = "default"
		if snap.AccessToken != "" {
			encAccess, err := crypto.EncryptString(enc, snap.AccessToken)
			if err != nil {
				return fmt.Errorf("encrypt access token: %w", err)
			}
			accessToStore = encAccess
		}
		if snap.RefreshToken != "" {
			encRefresh, err := crypto.EncryptString(enc, snap.RefreshToken)
			if err != nil {
				return fmt.Errorf("encrypt refresh token: %w", err)
			}
			refreshToStore = encRefresh
		}
	}

	q := `INSERT INTO tenant_credentials
	        (session_id, access_token, refresh_token, expires_at, scope,
	         moderator_id, moderator_login, broadcaster_id, broadcaster_login,
	         encryption_version, encryption_key_id, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW())
	      ON CONFLICT(session_id) DO UPDATE SET
	        access_token=EXCLUDED.access_token,
	        refresh_token=EXCLUDED.refresh_token,
	        expires_at=EXCLUDED.expires_at,
	        scope=EXCLUDED.scope,
	        moderator_id=EXCLUDED.moderator_id,
	        moderator_login=EXCLUDED.moderator_login,
	        broadcaster_id=EXCLUDED.broadcaster_id,
	        broadcaster_login=EXCLUDED.broadcaster_login,
	        encryption_version=EXCLUDED.encryption_version,
	        encryption_key_id=EXCLUDED.encryption_key_id,
	        updated_at=NOW()`
	_, err = dbx.ExecContext(ctx, q,
		snap.SessionID, accessToStore, refreshToStore, snap.ExpiresAt, snap.Scopes,
		snap.ModeratorID, snap.ModeratorLogin, snap.BroadcasterID, snap.BroadcasterLogin,
		encVersion, encKeyID)
	return err
}

// LoadCredentials retrieves a tenant's stored snapshot; returns nil if not found.
// Automatically decrypts tokens if encryption_version=1 and encryption is configured.
func LoadCredentials(ctx context.Context, dbx *sql.DB, sessionID string) (*CredentialSnapshot, error) {
	row := dbx.QueryRowContext(ctx,
		`SELECT session_id, access_token, refresh_token, expires_at, scope,
		        moderator_id, moderator_login, broadcaster_id, broadcaster_login,
		        COALESCE(encryption_version, 0)
		 FROM tenant_credentials WHERE session_id=$1`, sessionID)
	snap, err := scanCredentials(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// LoadAllCredentials retrieves every persisted tenant snapshot, used to
// restore the registry at startup.
func LoadAllCredentials(ctx context.Context, dbx *sql.DB) ([]CredentialSnapshot, error) {
	rows, err := dbx.QueryContext(ctx,
		`SELECT session_id, access_token, refresh_token, expires_at, scope,
		        moderator_id, moderator_login, broadcaster_id, broadcaster_login,
		        COALESCE(encryption_version, 0)
		 FROM tenant_credentials`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck
	var out []CredentialSnapshot
	for rows.Next() {
		snap, err := scanCredentials(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

// DeleteCredentials removes a tenant's persisted snapshot (logout).
func DeleteCredentials(ctx context.Context, dbx *sql.DB, sessionID string) error {
	_, err := dbx.ExecContext(ctx, `DELETE FROM tenant_credentials WHERE session_id=$1`, sessionID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredentials(row rowScanner) (*CredentialSnapshot, error) {
	var snap CredentialSnapshot
	var encVersion int
	var access, refresh, scope, modID, modLogin, bcID, bcLogin sql.NullString
	var expires sql.NullTime
	if err := row.Scan(&snap.SessionID, &access, &refresh, &expires, &scope,
		&modID, &modLogin, &bcID, &bcLogin, &encVersion); err != nil {
		return nil, err
	}
	snap.AccessToken = access.String
	snap.RefreshToken = refresh.String
	snap.ExpiresAt = expires.Time
	snap.Scopes = scope.String
	snap.ModeratorID = modID.String
	snap.ModeratorLogin = modLogin.String
	snap.BroadcasterID = bcID.String
	snap.BroadcasterLogin = bcLogin.String

	if encVersion == 1 {
		enc, encErr := getEncryptor()
		if encErr != nil {
			return nil, fmt.Errorf("get encryptor for decryption: %w", encErr)
		}
		if enc == nil {
			return nil, fmt.Errorf("credentials are encrypted but ENCRYPTION_KEY not configured")
		}
		if snap.AccessToken != "" {
			dec, err := crypto.DecryptString(enc, snap.AccessToken)
			if err != nil {
				return nil, fmt.Errorf("decrypt access token: %w", err)
			}
			snap.AccessToken = dec
		}
		if snap.RefreshToken != "" {
			dec, err := crypto.DecryptString(enc, snap.RefreshToken)
			if err != nil {
				return nil, fmt.Errorf("decrypt refresh token: %w", err)
			}
			snap.RefreshToken = dec
		}
	}

	return &snap, nil
}
