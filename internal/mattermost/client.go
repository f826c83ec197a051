package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	apiPrefix         = "/api/v4"
	defaultTimeout    = 30 * time.Second
	maxErrorBodyBytes = 64 << 10
)

// Client is an authenticated REST client for one bot identity. Safe for
// concurrent use.
type Client struct {
	serverURL string
	token     string
	http      *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a client for serverURL (e.g. "https://chat.example.com").
func NewClient(serverURL, token string, opts ...Option) *Client {
	c := &Client{
		serverURL: strings.TrimRight(serverURL, "/"),
		token:     token,
		http:      &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ServerURL returns the normalized server URL.
func (c *Client) ServerURL() string { return c.serverURL }

// GetMe fetches the identity behind the token.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/users/me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetMyTeams lists the teams the bot belongs to.
func (c *Client) GetMyTeams(ctx context.Context) ([]Team, error) {
	var teams []Team
	if err := c.do(ctx, http.MethodGet, "/users/me/teams", nil, &teams); err != nil {
		return nil, err
	}
	return teams, nil
}

// GetChannelByName looks up a channel by its URL name inside a team.
// A missing channel yields an *APIError with StatusCode 404 (see IsNotFound).
func (c *Client) GetChannelByName(ctx context.Context, teamID, name string) (*Channel, error) {
	path := "/teams/" + url.PathEscape(teamID) + "/channels/name/" + url.PathEscape(name)
	var ch Channel
	if err := c.do(ctx, http.MethodGet, path, nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// GetPostsForChannel returns one page of channel posts, newest first.
func (c *Client) GetPostsForChannel(ctx context.Context, channelID string, page, perPage int) (*PostList, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	path := "/channels/" + url.PathEscape(channelID) + "/posts?" + q.Encode()

	var list PostList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// CreatePost publishes a message; RootID makes it a thread reply.
func (c *Client) CreatePost(ctx context.Context, req CreatePostRequest) (*Post, error) {
	var p Post
	if err := c.do(ctx, http.MethodPost, "/posts", req, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, fmt.Errorf("mattermost: create post: response without id")
	}
	return &p, nil
}

// SendTyping publishes a typing indicator for the bot in a channel.
func (c *Client) SendTyping(ctx context.Context, channelID, parentID string) error {
	return c.do(ctx, http.MethodPost, "/users/me/typing", typingRequest{ChannelID: channelID, ParentID: parentID}, nil)
}

// WebSocketURL returns the event stream endpoint (http→ws, https→wss).
func (c *Client) WebSocketURL() string {
	u := c.serverURL + apiPrefix + "/websocket"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// OpenStream dials the event stream with the client's credentials.
func (c *Client) OpenStream(ctx context.Context) (*Stream, error) {
	return DialStream(ctx, c.WebSocketURL(), c.token, c.http)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("mattermost: marshal %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+apiPrefix+path, reader)
	if err != nil {
		return fmt.Errorf("mattermost: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("mattermost: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Method: method, Path: stripQuery(path), StatusCode: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		_ = json.Unmarshal(raw, apiErr)
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("mattermost: decode %s %s: %w", method, path, err)
	}
	return nil
}

// IsNotFound reports whether err is a 404 API error.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// StatusCode returns the HTTP status of an *APIError in err's chain, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func stripQuery(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}
