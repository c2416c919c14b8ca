// Package osuapi is a minimal osu! API v2 client using the client-credentials
// grant. Tokens are acquired and refreshed transparently by the oauth2
// transport.
package osuapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// User is the subset of the osu! user payload the service stores.
type User struct {
	ID                int64    `json:"id"`
	Username          string   `json:"username"`
	CountryCode       string   `json:"country_code"`
	PreviousUsernames []string `json:"previous_usernames"`
}

// Client calls the osu! API v2.
type Client struct {
	base string
	http *http.Client
}

// New builds a client against base (e.g. https://osu.ppy.sh) with the given
// client credentials. The returned client owns token refresh.
func New(ctx context.Context, clientID, clientSecret, base string) *Client {
	cc := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     base + "/oauth/token",
		Scopes:       []string{"public"},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	httpClient := cc.Client(ctx)
	httpClient.Timeout = 15 * time.Second
	return &Client{base: base, http: httpClient}
}

// GetUser fetches a user by stable id.
func (c *Client) GetUser(ctx context.Context, id int64) (*User, error) {
	url := fmt.Sprintf("%s/api/v2/users/%d?key=id", c.base, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("osu api get user %d: %w", id, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("osu api get user %d: status %d", id, resp.StatusCode)
	}
	var u User
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, fmt.Errorf("osu api decode user %d: %w", id, err)
	}
	return &u, nil
}
