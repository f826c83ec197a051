package mattermost

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

const streamReadLimit = 1 << 20 // 1MB

// Stream is a live WebSocket event stream. Read must be called from a single
// goroutine; Ping and Close are safe to call concurrently with Read.
type Stream struct {
	conn *websocket.Conn
}

// DialStream connects to a Mattermost WebSocket endpoint authenticating with
// a bearer token. hc may be nil.
func DialStream(ctx context.Context, wsURL, token string, hc *http.Client) (*Stream, error) {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)

	opts := &websocket.DialOptions{HTTPHeader: h}
	if hc != nil {
		// Dial applies its own deadline from ctx; a client timeout would cut the stream.
		opts.HTTPClient = &http.Client{Transport: hc.Transport, Jar: hc.Jar}
	}

	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return nil, fmt.Errorf("mattermost: ws dial: %w", err)
	}
	conn.SetReadLimit(streamReadLimit)
	return &Stream{conn: conn}, nil
}

// Read blocks until the next event frame arrives, ctx is cancelled or the
// connection is closed.
func (s *Stream) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	return data, err
}

// Ping sends a ping and waits for the pong. Requires a concurrent Read.
func (s *Stream) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close sends a normal close frame.
func (s *Stream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
