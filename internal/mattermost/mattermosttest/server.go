// Package mattermosttest provides an in-process fake Mattermost server for
// tests: the REST endpoints used by chatbridge plus the WebSocket stream.
package mattermosttest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/chatbridge/internal/mattermost"
)

// NewID returns a random identifier with the platform ID shape.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:26]
}

// Server is a fake Mattermost server. Configure it with AddUser, AddTeam,
// AddChannel and AddPost before or during a test.
type Server struct {
	*httptest.Server

	upgrader websocket.Upgrader

	mu        sync.Mutex
	users     map[string]mattermost.User   // token → user
	teams     map[string][]mattermost.Team // token → teams
	channels  map[string]map[string]mattermost.Channel
	posts     map[string][]*mattermost.Post // channel → posts, oldest first
	typing    []string                      // channel ids
	rejects   map[string]int                // token → status for POST /posts
	requests  map[string]int                // "METHOD path" → count
	conns     map[string][]*wsConn          // token → live sockets
	dialCount map[string]int
}

type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// NewServer starts a fake server. Call Close when done.
func NewServer() *Server {
	s := &Server{
		users:     make(map[string]mattermost.User),
		teams:     make(map[string][]mattermost.Team),
		channels:  make(map[string]map[string]mattermost.Channel),
		posts:     make(map[string][]*mattermost.Post),
		rejects:   make(map[string]int),
		requests:  make(map[string]int),
		conns:     make(map[string][]*wsConn),
		dialCount: make(map[string]int),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	return s
}

// AddUser registers a token and the identity it authenticates as.
func (s *Server) AddUser(token, id, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[token] = mattermost.User{ID: id, Username: username, IsBot: true}
}

// AddTeam makes the token's user a member of a team.
func (s *Server) AddTeam(token string, team mattermost.Team) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teams[token] = append(s.teams[token], team)
}

// AddChannel registers a channel inside its team.
func (s *Server) AddChannel(ch mattermost.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels[ch.TeamID] == nil {
		s.channels[ch.TeamID] = make(map[string]mattermost.Channel)
	}
	s.channels[ch.TeamID][ch.Name] = ch
}

// AddPost appends an existing post to a channel's history.
func (s *Server) AddPost(p *mattermost.Post) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts[p.ChannelID] = append(s.posts[p.ChannelID], p)
}

// RejectPosts makes POST /posts fail with status for the token (0 clears).
func (s *Server) RejectPosts(token string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.rejects, token)
		return
	}
	s.rejects[token] = status
}

// Posts returns the posts stored for a channel, oldest first.
func (s *Server) Posts(channelID string) []mattermost.Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mattermost.Post, 0, len(s.posts[channelID]))
	for _, p := range s.posts[channelID] {
		out = append(out, *p)
	}
	return out
}

// Typing returns the channel ids that received typing indicators.
func (s *Server) Typing() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.typing...)
}

// Requests returns how many times "METHOD /api/v4/path" was called.
func (s *Server) Requests(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[method+" "+path]
}

// TotalRequests returns the number of REST calls received.
func (s *Server) TotalRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.requests {
		n += c
	}
	return n
}

// Dials returns how many WebSocket connections the token has opened.
func (s *Server) Dials(token string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialCount[token]
}

// Connections returns the number of live sockets for the token.
func (s *Server) Connections(token string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[token])
}

// Push writes a raw frame to every live socket of the token.
func (s *Server) Push(token string, frame []byte) error {
	s.mu.Lock()
	conns := append([]*wsConn(nil), s.conns[token]...)
	s.mu.Unlock()
	if len(conns) == 0 {
		return fmt.Errorf("no live connection for token")
	}
	for _, c := range conns {
		if err := c.write(frame); err != nil {
			return err
		}
	}
	return nil
}

// PushPost sends a post event frame to the token's sockets.
func (s *Server) PushPost(token, event string, p *mattermost.Post, senderName string) error {
	frame, err := mattermost.EncodePostEvent(event, p, senderName)
	if err != nil {
		return err
	}
	return s.Push(token, frame)
}

// DropConnections closes every live socket of the token.
func (s *Server) DropConnections(token string) {
	s.mu.Lock()
	conns := s.conns[token]
	delete(s.conns, token)
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close()
	}
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	s.mu.Lock()
	s.requests[r.Method+" "+r.URL.Path]++
	user, authed := s.users[token]
	s.mu.Unlock()

	if !authed {
		writeError(w, http.StatusUnauthorized, "api.context.session_expired.app_error", "Invalid or expired session")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/v4")
	switch {
	case path == "/websocket":
		s.serveWS(w, r, token)
	case r.Method == http.MethodGet && path == "/users/me":
		writeJSON(w, http.StatusOK, user)
	case r.Method == http.MethodGet && path == "/users/me/teams":
		s.mu.Lock()
		teams := append([]mattermost.Team{}, s.teams[token]...)
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, teams)
	case r.Method == http.MethodPost && path == "/users/me/typing":
		var body struct {
			ChannelID string `json:"channel_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.mu.Lock()
		s.typing = append(s.typing, body.ChannelID)
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
	case r.Method == http.MethodPost && path == "/posts":
		s.createPost(w, r, token, user)
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/teams/"):
		s.channelByName(w, path)
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/channels/") && strings.HasSuffix(path, "/posts"):
		s.channelPosts(w, r, path)
	default:
		writeError(w, http.StatusNotFound, "api.context.404.app_error", "not found")
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, token string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{conn: conn}

	s.mu.Lock()
	s.conns[token] = append(s.conns[token], c)
	s.dialCount[token]++
	s.mu.Unlock()

	_ = c.write([]byte(`{"event":"hello","data":{"server_version":"fake"},"seq":0}`))

	// Reading services ping/close control frames.
	go func() {
		defer s.forget(token, c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) forget(token string, c *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := s.conns[token][:0]
	for _, other := range s.conns[token] {
		if other != c {
			live = append(live, other)
		}
	}
	if len(live) == 0 {
		delete(s.conns, token)
	} else {
		s.conns[token] = live
	}
	_ = c.conn.Close()
}

func (s *Server) createPost(w http.ResponseWriter, r *http.Request, token string, user mattermost.User) {
	var req mattermost.CreatePostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "api.post.create_post.invalid_body", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if status, ok := s.rejects[token]; ok {
		writeError(w, status, "api.post.create_post.rejected", "rejected by test server")
		return
	}
	if !s.channelExistsLocked(req.ChannelID) {
		writeError(w, http.StatusBadRequest, "api.post.create_post.channel_invalid", "invalid channel_id")
		return
	}

	p := &mattermost.Post{
		ID:        NewID(),
		CreateAt:  time.Now().UnixMilli(),
		UserID:    user.ID,
		ChannelID: req.ChannelID,
		RootID:    req.RootID,
		Message:   req.Message,
		Props:     map[string]any{"from_bot": "true"},
	}
	s.posts[req.ChannelID] = append(s.posts[req.ChannelID], p)
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) channelExistsLocked(id string) bool {
	for _, byName := range s.channels {
		for _, ch := range byName {
			if ch.ID == id {
				return true
			}
		}
	}
	return false
}

// channelByName serves /teams/{team}/channels/name/{name}.
func (s *Server) channelByName(w http.ResponseWriter, path string) {
	parts := strings.Split(strings.TrimPrefix(path, "/teams/"), "/")
	if len(parts) != 4 || parts[1] != "channels" || parts[2] != "name" {
		writeError(w, http.StatusNotFound, "api.context.404.app_error", "not found")
		return
	}
	s.mu.Lock()
	ch, ok := s.channels[parts[0]][parts[3]]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "app.channel.get_by_name.missing.app_error", "Channel does not exist.")
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// channelPosts serves /channels/{id}/posts?page&per_page, newest first.
func (s *Server) channelPosts(w http.ResponseWriter, r *http.Request, path string) {
	channelID := strings.TrimSuffix(strings.TrimPrefix(path, "/channels/"), "/posts")
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage <= 0 {
		perPage = 60
	}

	s.mu.Lock()
	all := append([]*mattermost.Post(nil), s.posts[channelID]...)
	s.mu.Unlock()

	sort.SliceStable(all, func(i, j int) bool { return all[i].CreateAt > all[j].CreateAt })

	list := mattermost.PostList{Order: []string{}, Posts: map[string]*mattermost.Post{}}
	start := page * perPage
	for i := start; i < len(all) && i < start+perPage; i++ {
		list.Order = append(list.Order, all[i].ID)
		list.Posts[all[i].ID] = all[i]
	}
	writeJSON(w, http.StatusOK, list)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, id, msg string) {
	writeJSON(w, status, map[string]any{"id": id, "message": msg, "status_code": status})
}
