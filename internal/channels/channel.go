// Package channels is the messaging integration layer between bot instances
// on a chat platform and the rest of the system.
//
// One persistent stream per bot instance is owned by ConnectionManager.
// Raw post events flow through a bounded queue into Pipeline, which drops
// backlog and self-authored traffic and hands the rest to an injected
// Handler together with recent channel history. Dispatcher delivers
// outbound messages, using Resolver to turn channel names into platform IDs
// and Router to pick among candidate channels when routing is enabled.
package channels

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/chatbridge/internal/bots"
	"github.com/nextlevelbuilder/chatbridge/internal/mattermost"
)

// DefaultHistoryLimit is the number of prior channel posts handed to the handler.
const DefaultHistoryLimit = 10

// NormalizedMessage is a platform post in platform-neutral form.
type NormalizedMessage struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	ChannelID  string    `json:"channel_id"`
	RootID     string    `json:"root_id,omitempty"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	IsFromBot  bool      `json:"is_from_bot"`
	Mentions   []string  `json:"mentions,omitempty"`
	IsMention  bool      `json:"is_mention"`
}

// ThreadID returns the id replies to this message should be attached to.
func (m NormalizedMessage) ThreadID() string {
	if m.RootID != "" {
		return m.RootID
	}
	return m.ID
}

// ChannelDescriptor identifies a resolved platform channel.
type ChannelDescriptor struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	TeamID string `json:"team_id"`
}

// RoutingCandidate is one channel considered by the router.
type RoutingCandidate struct {
	ChannelID string         `json:"channel_id"`
	Score     float64        `json:"score"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Handler produces a reply for an inbound message. It is implemented outside
// this package (LLM invocation, command processing, ...). An empty reply
// means nothing is posted back.
type Handler interface {
	HandleMessage(ctx context.Context, msg NormalizedMessage, history []NormalizedMessage, bot bots.BotInstanceConfig) (string, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg NormalizedMessage, history []NormalizedMessage, bot bots.BotInstanceConfig) (string, error)

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(ctx context.Context, msg NormalizedMessage, history []NormalizedMessage, bot bots.BotInstanceConfig) (string, error) {
	return f(ctx, msg, history, bot)
}

// SessionSnapshot is the connection state a stream event was received under.
type SessionSnapshot struct {
	Instance      string
	SelfUserID    string
	SelfUsername  string
	JoinTimestamp time.Time
}

// ConnectionState is a point-in-time view of one instance's connection.
type ConnectionState struct {
	Instance      string    `json:"instance"`
	Connected     bool      `json:"connected"`
	SelfUserID    string    `json:"self_user_id,omitempty"`
	SelfUsername  string    `json:"self_username,omitempty"`
	JoinTimestamp time.Time `json:"joined_at,omitempty"`
	Reconnects    int       `json:"reconnects"`
	LastError     string    `json:"last_error,omitempty"`
}

// Snapshot returns the session fields of the state.
func (s ConnectionState) Snapshot() SessionSnapshot {
	return SessionSnapshot{
		Instance:      s.Instance,
		SelfUserID:    s.SelfUserID,
		SelfUsername:  s.SelfUsername,
		JoinTimestamp: s.JoinTimestamp,
	}
}

// InboundEvent is a parsed stream event queued for ingestion.
type InboundEvent struct {
	Bot        bots.BotInstanceConfig
	Session    SessionSnapshot
	Event      string // mattermost.EventPosted, EventPostEdited, EventPostDeleted
	Post       *mattermost.Post
	SenderName string
	ReceivedAt time.Time
}
