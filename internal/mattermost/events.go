package mattermost

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Post event names carried by the WebSocket envelope.
const (
	EventPosted      = "posted"
	EventPostEdited  = "post_edited"
	EventPostDeleted = "post_deleted"
)

var (
	// ErrUnrecognizedEvent marks a well-formed frame that is not a post event
	// (hello, typing, status_change, seq replies, ...).
	ErrUnrecognizedEvent = errors.New("unrecognized event")
	// ErrMalformedEvent marks a frame that cannot be decoded.
	ErrMalformedEvent = errors.New("malformed event")
)

// envelope is the outer WebSocket frame.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Seq   int64           `json:"seq"`
}

// postEventData is the data of post events. Post is itself JSON-encoded.
type postEventData struct {
	Post        string `json:"post"`
	SenderName  string `json:"sender_name"`
	ChannelName string `json:"channel_name"`
	TeamID      string `json:"team_id"`
}

// PostEvent is a decoded posted / post_edited / post_deleted frame.
type PostEvent struct {
	Event       string
	Post        *Post
	SenderName  string // "@alice" as sent by the server, may be empty
	ChannelName string
	TeamID      string
}

// ParseEvent decodes one WebSocket frame. Non-post events return an error
// wrapping ErrUnrecognizedEvent; undecodable input wraps ErrMalformedEvent.
func ParseEvent(frame []byte) (*PostEvent, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrMalformedEvent, err)
	}

	switch env.Event {
	case EventPosted, EventPostEdited, EventPostDeleted:
	case "":
		return nil, fmt.Errorf("%w: frame without event name", ErrUnrecognizedEvent)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnrecognizedEvent, env.Event)
	}

	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%w: %s without data", ErrMalformedEvent, env.Event)
	}
	var data postEventData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: %s data: %v", ErrMalformedEvent, env.Event, err)
	}
	if strings.TrimSpace(data.Post) == "" {
		return nil, fmt.Errorf("%w: %s without post", ErrMalformedEvent, env.Event)
	}

	var post Post
	if err := json.Unmarshal([]byte(data.Post), &post); err != nil {
		return nil, fmt.Errorf("%w: %s post: %v", ErrMalformedEvent, env.Event, err)
	}
	if post.ID == "" || post.ChannelID == "" {
		return nil, fmt.Errorf("%w: %s post missing id or channel", ErrMalformedEvent, env.Event)
	}

	return &PostEvent{
		Event:       env.Event,
		Post:        &post,
		SenderName:  data.SenderName,
		ChannelName: data.ChannelName,
		TeamID:      data.TeamID,
	}, nil
}

// EncodePostEvent builds the wire envelope for a post event. Used by fakes
// and tests to produce frames the way the server does.
func EncodePostEvent(event string, post *Post, senderName string) ([]byte, error) {
	inner, err := json.Marshal(post)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"event": event,
		"data": map[string]any{
			"post":        string(inner),
			"sender_name": senderName,
		},
	})
}
