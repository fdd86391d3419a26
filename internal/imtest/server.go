// Package imtest provides an in-process IM server for tests: the REST
// endpoints the remote client calls and the JSON stream the transport dials.
package imtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/matheus3301/imcore/internal/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Frame is a stream frame as seen by the server.
type Frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Server is a fake IM backend. All state is guarded by mu and can be seeded
// or inspected from tests.
type Server struct {
	*httptest.Server

	mu            sync.Mutex
	me            model.User
	users         map[string]model.User
	conversations []model.Conversation
	messages      map[string][]model.Message
	unread        model.UnreadSummary
	streamToken   string
	nextID        int

	rejectStream  bool
	failSends     int
	echoSends     bool
	streamDials   int
	conns         []*streamConn
	received      []Frame
	reads         []string
	sendCalls     int
	uploads       []string
	tokenRequests int
	authToken     string
}

type streamConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *streamConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// NewServer starts a fake server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		me:          model.User{ID: "me", Name: "Me", Status: model.PresenceOnline},
		users:       make(map[string]model.User),
		messages:    make(map[string][]model.Message),
		streamToken: "stream-token",
	}
	s.users["me"] = s.me
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Route("/api/im", func(r chi.Router) {
		r.Get("/ws", s.handleStream)
		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Get("/me", s.handleMe)
			r.Get("/ws-token", s.handleToken)
			r.Get("/users", s.handleUsers)
			r.Get("/unread-count", s.handleUnread)
			r.Post("/upload", s.handleUpload)
			r.Get("/conversations", s.handleListConversations)
			r.Post("/conversations", s.handleCreateConversation)
			r.Get("/conversations/{id}/messages", s.handleListMessages)
			r.Post("/conversations/{id}/messages", s.handleSendMessage)
			r.Post("/conversations/{id}/read", s.handleMarkRead)
		})
	})
	return r
}

// RequireAuth makes every REST route demand the given bearer token.
func (s *Server) RequireAuth(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authToken = token
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		want := s.authToken
		s.mu.Unlock()
		if want != "" && r.Header.Get("Authorization") != "Bearer "+want {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Close closes every stream connection and shuts the server down.
func (s *Server) Close() {
	s.DropStreams()
	s.Server.Close()
}

// StreamURL returns the ws:// endpoint of the stream.
func (s *Server) StreamURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/api/im/ws"
}

// StreamToken returns the token the stream endpoint accepts.
func (s *Server) StreamToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamToken
}

// SetStreamToken replaces the token handed out and accepted by the stream.
func (s *Server) SetStreamToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamToken = token
}

// TokenRequests returns how many times the stream token was fetched.
func (s *Server) TokenRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenRequests
}

// Uploads returns the names of uploaded files.
func (s *Server) Uploads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.uploads)
}

// SetMe replaces the authenticated user.
func (s *Server) SetMe(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.me = u
	s.users[u.ID] = u
}

// AddUsers seeds the user directory.
func (s *Server) AddUsers(users ...model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range users {
		s.users[u.ID] = u
	}
}

// AddConversation seeds a conversation.
func (s *Server) AddConversation(c model.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = append(s.conversations, c)
}

// AddMessages seeds history for a conversation, oldest first.
func (s *Server) AddMessages(convID string, msgs ...model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[convID] = append(s.messages[convID], msgs...)
}

// SetUnread sets the unread summary returned to pollers.
func (s *Server) SetUnread(u model.UnreadSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread = u
}

// RejectStream makes the stream endpoint refuse upgrades.
func (s *Server) RejectStream(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectStream = reject
}

// FailSends makes the next n send calls fail with 500.
func (s *Server) FailSends(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSends = n
}

// EchoSends makes persisted messages be broadcast on the stream as well.
func (s *Server) EchoSends(echo bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.echoSends = echo
}

// StreamDials returns how many stream connection attempts reached the server.
func (s *Server) StreamDials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamDials
}

// OpenStreams returns the number of live stream connections.
func (s *Server) OpenStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Received returns a copy of every frame received on the stream.
func (s *Server) Received() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.received)
}

// ReceivedOfType returns received frames with the given type.
func (s *Server) ReceivedOfType(typ string) []Frame {
	var out []Frame
	for _, f := range s.Received() {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

// MarkedRead returns the conversation ids marked read, in call order.
func (s *Server) MarkedRead() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.reads)
}

// SendCalls returns how many send requests were served.
func (s *Server) SendCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendCalls
}

// Messages returns the persisted history of a conversation.
func (s *Server) Messages(convID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages[convID])
}

// Push broadcasts a frame to every stream connection. data may be a
// json.RawMessage to send bytes verbatim.
func (s *Server) Push(typ string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(fmt.Sprintf("imtest: marshal push data: %v", err))
	}
	s.broadcast(Frame{Type: typ, Data: raw, Timestamp: time.Now().UnixMilli()})
}

// PushRaw writes bytes verbatim to every stream connection.
func (s *Server) PushRaw(payload []byte) {
	for _, c := range s.liveConns() {
		c.mu.Lock()
		_ = c.conn.WriteMessage(websocket.TextMessage, payload)
		c.mu.Unlock()
	}
}

// DropStreams closes every live stream connection from the server side.
func (s *Server) DropStreams() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close()
	}
}

// CloseStreams ends every open stream with a normal close frame.
func (s *Server) CloseStreams() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutdown")
	for _, c := range conns {
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.mu.Unlock()
		_ = c.conn.Close()
	}
}

func (s *Server) liveConns() []*streamConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.conns)
}

func (s *Server) broadcast(f Frame) {
	for _, c := range s.liveConns() {
		_ = c.writeJSON(f)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.streamDials++
	reject := s.rejectStream
	token := s.streamToken
	s.mu.Unlock()

	if reject {
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}
	if r.URL.Query().Get("token") != token {
		http.Error(w, "bad token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sc := &streamConn{conn: conn}
	s.mu.Lock()
	s.conns = append(s.conns, sc)
	me := s.me.ID
	s.mu.Unlock()

	hello, _ := json.Marshal(map[string]string{"userId": me})
	_ = sc.writeJSON(Frame{Type: "connected", Data: hello, Timestamp: time.Now().UnixMilli()})

	go s.readStream(sc)
}

func (s *Server) readStream(sc *streamConn) {
	defer s.removeConn(sc)
	for {
		_, data, err := sc.conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, f)
		s.mu.Unlock()
		if f.Type == "ping" {
			_ = sc.writeJSON(Frame{Type: "pong", Timestamp: time.Now().UnixMilli()})
		}
	}
}

func (s *Server) removeConn(sc *streamConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns = slices.DeleteFunc(s.conns, func(c *streamConn) bool { return c == sc })
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	me := s.me
	s.mu.Unlock()
	writeData(w, http.StatusOK, me)
}

func (s *Server) handleToken(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.tokenRequests++
	token := s.streamToken
	s.mu.Unlock()
	writeData(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	q := strings.ToLower(r.URL.Query().Get("q"))
	s.mu.Lock()
	var out []model.User
	for _, u := range s.users {
		if q == "" || strings.Contains(strings.ToLower(u.Name), q) || strings.Contains(strings.ToLower(u.Email), q) {
			out = append(out, u)
		}
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b model.User) int { return strings.Compare(a.ID, b.ID) })
	writeData(w, http.StatusOK, out)
}

func (s *Server) handleUnread(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	u := s.unread
	s.mu.Unlock()
	writeData(w, http.StatusOK, u)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file")
		return
	}
	defer func() { _ = file.Close() }()
	n, _ := io.Copy(io.Discard, file)

	s.mu.Lock()
	s.uploads = append(s.uploads, header.Filename)
	s.mu.Unlock()
	writeData(w, http.StatusCreated, model.Attachment{
		Name:     header.Filename,
		URL:      s.URL + "/files/" + header.Filename,
		Size:     n,
		MimeType: header.Header.Get("Content-Type"),
	})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("type")
	project := r.URL.Query().Get("projectId")
	s.mu.Lock()
	var out []model.Conversation
	for _, c := range s.conversations {
		if kind != "" && string(c.Kind) != kind {
			continue
		}
		if project != "" && c.ProjectID != project {
			continue
		}
		out = append(out, c.Clone())
	}
	s.mu.Unlock()
	writeData(w, http.StatusOK, out)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type           string   `json:"type"`
		Name           string   `json:"name"`
		ProjectID      string   `json:"projectId"`
		ParticipantIDs []string `json:"participantIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	s.mu.Lock()
	s.nextID++
	c := model.Conversation{
		ID:             "conv-" + strconv.Itoa(s.nextID),
		Kind:           model.ParseConversationKind(req.Type),
		Name:           req.Name,
		ProjectID:      req.ProjectID,
		ParticipantIDs: append([]string{s.me.ID}, req.ParticipantIDs...),
		LastActivity:   time.Now(),
	}
	s.conversations = append(s.conversations, c)
	s.mu.Unlock()
	writeData(w, http.StatusCreated, c)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 50
	}

	s.mu.Lock()
	all := s.messages[id]
	// Page 1 is the newest slice; each page is returned oldest first.
	end := len(all) - (page-1)*size
	if end < 0 {
		end = 0
	}
	start := max(end-size, 0)
	msgs := slices.Clone(all[start:end])
	s.mu.Unlock()

	writeData(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"page":     page,
		"pageSize": size,
		"total":    len(all),
		"hasMore":  start > 0,
	})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Content     string             `json:"content"`
		MessageType string             `json:"messageType"`
		ReplyTo     string             `json:"replyTo"`
		ClientID    string             `json:"clientId"`
		Attachments []model.Attachment `json:"attachments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	s.mu.Lock()
	s.sendCalls++
	if s.failSends > 0 {
		s.failSends--
		s.mu.Unlock()
		writeError(w, http.StatusInternalServerError, "message rejected")
		return
	}
	s.nextID++
	msg := model.Message{
		ID:             "srv-" + strconv.Itoa(s.nextID),
		ClientID:       req.ClientID,
		ConversationID: id,
		SenderID:       s.me.ID,
		Content:        req.Content,
		Kind:           model.ParseMessageKind(req.MessageType),
		Status:         model.StatusSent,
		ReplyTo:        req.ReplyTo,
		Attachments:    req.Attachments,
		Timestamp:      time.Now().UTC(),
	}
	s.messages[id] = append(s.messages[id], msg)
	echo := s.echoSends
	s.mu.Unlock()

	if echo {
		s.Push("message", msg)
	}
	writeData(w, http.StatusCreated, msg)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	s.reads = append(s.reads, id)
	for i := range s.conversations {
		if s.conversations[i].ID == id {
			s.conversations[i].UnreadCount = 0
		}
	}
	s.mu.Unlock()
	writeData(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeData(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": v})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}
