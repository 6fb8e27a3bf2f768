// Package twitchapi contains helpers to interact with Twitch Helix APIs
// (chatters snapshot, user lookup, follower counts) and the id.twitch.tv
// OAuth endpoints, using per-tenant user tokens or an app access token.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

const (
	// chattersPageSize is the maximum page size the chatters endpoint accepts.
	chattersPageSize = 1000
	// maxChatterPages bounds pagination against a misbehaving cursor.
	maxChatterPages = 20
	// usersBatchSize is the provider-side limit on logins per users request.
	usersBatchSize = 100
)

// User is a Helix user record as returned by /helix/users.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	BroadcasterType string `json:"broadcaster_type"`
	ProfileImageURL string `json:"profile_image_url"`
}

// HelixClient provides the Helix methods needed for presence tracking.
// Tokens are passed per call because most endpoints require the tenant's
// user token rather than an app token.
type HelixClient struct {
	ClientID   string
	HTTPClient *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) do(ctx context.Context, token, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetChatters fetches the current set of lowercase logins present in the
// broadcaster's chat. It follows pagination cursors up to maxChatterPages.
// Requires a user token carrying moderator:read:chatters for moderatorID.
func (hc *HelixClient) GetChatters(ctx context.Context, token, broadcasterID, moderatorID string) (map[string]struct{}, error) {
	if broadcasterID == "" || moderatorID == "" {
		return nil, fmt.Errorf("broadcasterID/moderatorID empty")
	}
	set := make(map[string]struct{})
	cursor := ""
	for page := 0; page < maxChatterPages; page++ {
		u := fmt.Sprintf("https://api.twitch.tv/helix/chat/chatters?broadcaster_id=%s&moderator_id=%s&first=%d",
			broadcasterID, moderatorID, chattersPageSize)
		if cursor != "" {
			u += "&after=" + cursor
		}
		var body struct {
			Data []struct {
				UserLogin string `json:"user_login"`
			} `json:"data"`
			Pagination struct {
				Cursor string `json:"cursor"`
			} `json:"pagination"`
		}
		if err := hc.do(ctx, token, u, &body); err != nil {
			return nil, err
		}
		for _, c := range body.Data {
			login := strings.ToLower(strings.TrimSpace(c.UserLogin))
			if login != "" {
				set[login] = struct{}{}
			}
		}
		cursor = body.Pagination.Cursor
		if cursor == "" {
			break
		}
	}
	return set, nil
}

// GetUsersByLogin resolves a batch of logins to user records, chunking
// requests at the provider's batch-size limit. Unknown logins are simply
// absent from the result.
func (hc *HelixClient) GetUsersByLogin(ctx context.Context, token string, logins []string) ([]User, error) {
	out := make([]User, 0, len(logins))
	for start := 0; start < len(logins); start += usersBatchSize {
		end := start + usersBatchSize
		if end > len(logins) {
			end = len(logins)
		}
		q := url.Values{}
		for _, login := range logins[start:end] {
			q.Add("login", login)
		}
		u := "https://api.twitch.tv/helix/users?" + q.Encode()
		var body struct {
			Data []User `json:"data"`
		}
		if err := hc.do(ctx, token, u, &body); err != nil {
			return nil, err
		}
		out = append(out, body.Data...)
	}
	return out, nil
}

// GetUserByLogin resolves a single login to its user record.
func (hc *HelixClient) GetUserByLogin(ctx context.Context, token, login string) (*User, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	users, err := hc.GetUsersByLogin(ctx, token, []string{strings.ToLower(login)})
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("user not found: %s", login)
	}
	return &users[0], nil
}

// GetMe resolves the identity behind a user token (no login parameter).
func (hc *HelixClient) GetMe(ctx context.Context, token string) (*User, error) {
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.do(ctx, token, "https://api.twitch.tv/helix/users", &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("no identity returned for token")
	}
	return &body.Data[0], nil
}

// GetFollowerCount returns the total follower count for a broadcaster.
func (hc *HelixClient) GetFollowerCount(ctx context.Context, token, broadcasterID string) (int64, error) {
	if broadcasterID == "" {
		return 0, fmt.Errorf("broadcasterID empty")
	}
	var body struct {
		Total int64 `json:"total"`
	}
	u := "https://api.twitch.tv/helix/channels/followers?first=1&broadcaster_id=" + broadcasterID
	if err := hc.do(ctx, token, u, &body); err != nil {
		return 0, err
	}
	return body.Total, nil
}
