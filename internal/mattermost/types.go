// Package mattermost implements the subset of the Mattermost v4 REST API and
// WebSocket event stream needed to run bot identities: identity probe, team
// and channel lookup, channel history, posting and typing indicators.
package mattermost

import (
	"fmt"
	"regexp"
	"time"
)

// idPattern matches Mattermost object identifiers (26 lowercase base32 chars).
var idPattern = regexp.MustCompile(`^[a-z0-9]{26}$`)

// IsID reports whether s has the shape of a Mattermost identifier.
func IsID(s string) bool { return idPattern.MatchString(s) }

// User is the response of GET /users/me.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsBot    bool   `json:"is_bot,omitempty"`
}

// Team is one entry of GET /users/me/teams.
type Team struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
}

// Channel is the response of GET /teams/{team}/channels/name/{name}.
type Channel struct {
	ID          string `json:"id"`
	TeamID      string `json:"team_id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Type        string `json:"type,omitempty"`
}

// Post is a platform message.
type Post struct {
	ID        string         `json:"id"`
	CreateAt  int64          `json:"create_at"`
	UpdateAt  int64          `json:"update_at,omitempty"`
	DeleteAt  int64          `json:"delete_at,omitempty"`
	UserID    string         `json:"user_id"`
	ChannelID string         `json:"channel_id"`
	RootID    string         `json:"root_id,omitempty"`
	Message   string         `json:"message"`
	Type      string         `json:"type,omitempty"`
	Props     map[string]any `json:"props,omitempty"`
}

// CreatedAt returns the post creation instant.
func (p *Post) CreatedAt() time.Time { return time.UnixMilli(p.CreateAt) }

// FromBot reports whether the post was authored through a bot account or
// integration. The server sets props.from_bot to "true" (older servers send a bool).
func (p *Post) FromBot() bool {
	switch v := p.Props["from_bot"].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

// PostList is the response of GET /channels/{id}/posts. Order lists post IDs
// newest first.
type PostList struct {
	Order []string         `json:"order"`
	Posts map[string]*Post `json:"posts"`
}

// Ordered returns the posts in Order sequence, skipping dangling IDs.
func (l *PostList) Ordered() []*Post {
	if l == nil {
		return nil
	}
	out := make([]*Post, 0, len(l.Order))
	for _, id := range l.Order {
		if p, ok := l.Posts[id]; ok && p != nil {
			out = append(out, p)
		}
	}
	return out
}

// CreatePostRequest is the body of POST /posts.
type CreatePostRequest struct {
	ChannelID string `json:"channel_id"`
	Message   string `json:"message"`
	RootID    string `json:"root_id,omitempty"`
}

// typingRequest is the body of POST /users/me/typing.
type typingRequest struct {
	ChannelID string `json:"channel_id"`
	ParentID  string `json:"parent_id,omitempty"`
}

// APIError is a non-2xx response from the REST API.
type APIError struct {
	Method     string `json:"-"`
	Path       string `json:"-"`
	StatusCode int    `json:"status_code"`
	ID         string `json:"id"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("mattermost: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("mattermost: %s %s: status %d", e.Method, e.Path, e.StatusCode)
}
