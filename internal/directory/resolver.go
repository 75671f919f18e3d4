// Package directory resolves user IDs to display profiles so the UI can show
// who is calling instead of a raw ID.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("directory")

// Profile is the public face of a user.
type Profile struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
}

// Resolver looks up the profile for a user ID.
type Resolver interface {
	Resolve(ctx context.Context, userID string) (Profile, error)
}

// Static is a fixed in-memory resolver, useful for tests and small
// deployments. Unknown IDs resolve to a profile whose name is the ID itself.
type Static map[string]Profile

func (s Static) Resolve(_ context.Context, userID string) (Profile, error) {
	if p, ok := s[userID]; ok {
		return p, nil
	}
	return Profile{ID: userID, Name: userID}, nil
}

// Client resolves profiles over the directory REST endpoint:
// GET {base}/users?id=eq.{id}&select=id,name,image.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient returns a Resolver backed by the HTTP directory at baseURL.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Resolve(ctx context.Context, userID string) (Profile, error) {
	u := fmt.Sprintf("%s/users?id=eq.%s&select=id,name,image", c.baseURL, url.QueryEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Profile{}, err
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("directory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return Profile{}, fmt.Errorf("directory: lookup %s: status %d", userID, resp.StatusCode)
	}

	var rows []Profile
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return Profile{}, fmt.Errorf("directory: decode: %w", err)
	}
	if len(rows) == 0 {
		log.Debugf("no profile for %s", userID)
		return Profile{ID: userID, Name: userID}, nil
	}
	return rows[0], nil
}
