package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/matheus3301/imcore/internal/imtest"
	"github.com/matheus3301/imcore/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededServer(t *testing.T) *imtest.Server {
	t.Helper()
	srv := imtest.NewServer(t)
	srv.AddUsers(
		model.User{ID: "u1", Name: "Alice", Email: "alice@example.com"},
		model.User{ID: "u2", Name: "Bob", Email: "bob@example.com"},
	)
	srv.AddConversation(model.Conversation{ID: "c1", Kind: model.KindPrivate, Name: "Alice", ParticipantIDs: []string{"me", "u1"}, UnreadCount: 2})
	srv.AddConversation(model.Conversation{ID: "c2", Kind: model.KindProject, ProjectID: "p1", Name: "Apollo", ParticipantIDs: []string{"me", "u1", "u2"}})
	return srv
}

func TestCurrentUser(t *testing.T) {
	srv := seededServer(t)
	c := New(srv.URL, "")

	u, err := c.CurrentUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "me", u.ID)
}

func TestListConversationsFilters(t *testing.T) {
	srv := seededServer(t)
	c := New(srv.URL, "")
	ctx := context.Background()

	all, err := c.ListConversations(ctx, ConversationQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	projects, err := c.ListConversations(ctx, ConversationQuery{Kind: model.KindProject})
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "c2", projects[0].ID)

	byProject, err := c.ListConversations(ctx, ConversationQuery{ProjectID: "nope"})
	require.NoError(t, err)
	assert.Empty(t, byProject)
}

func TestListMessagesPaging(t *testing.T) {
	srv := seededServer(t)
	base := time.Now().Add(-time.Hour)
	for i := 1; i <= 5; i++ {
		srv.AddMessages("c1", model.Message{
			ID:        fmt.Sprintf("m%d", i),
			SenderID:  "u1",
			Content:   fmt.Sprintf("msg %d", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}
	c := New(srv.URL, "")
	ctx := context.Background()

	newest, err := c.ListMessages(ctx, "c1", Page{Number: 1, Size: 2})
	require.NoError(t, err)
	require.Len(t, newest.Messages, 2)
	assert.Equal(t, "m4", newest.Messages[0].ID)
	assert.Equal(t, "m5", newest.Messages[1].ID)
	assert.True(t, newest.HasMore)
	assert.Equal(t, "c1", newest.Messages[0].ConversationID)

	last, err := c.ListMessages(ctx, "c1", Page{Number: 3, Size: 2})
	require.NoError(t, err)
	require.Len(t, last.Messages, 1)
	assert.Equal(t, "m1", last.Messages[0].ID)
	assert.False(t, last.HasMore)
}

func TestSendMessage(t *testing.T) {
	srv := seededServer(t)
	c := New(srv.URL, "")

	msg, err := c.SendMessage(context.Background(), SendMessageRequest{
		ConversationID: "c1",
		Content:        "hello",
		Kind:           model.MessageText,
		ClientID:       "cid-1",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(msg.ID, "srv-"))
	assert.Equal(t, "cid-1", msg.ClientID)
	assert.Equal(t, "c1", msg.ConversationID)
	assert.Len(t, srv.Messages("c1"), 1)
}

func TestSendMessageValidation(t *testing.T) {
	srv := seededServer(t)
	c := New(srv.URL, "")
	ctx := context.Background()

	tests := []struct {
		name string
		req  SendMessageRequest
	}{
		{"missing conversation", SendMessageRequest{Content: "x"}},
		{"empty content without attachments", SendMessageRequest{ConversationID: "c1"}},
		{"unknown kind", SendMessageRequest{ConversationID: "c1", Content: "x", Kind: "sticker"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.SendMessage(ctx, tt.req)
			assert.Error(t, err)
		})
	}
	assert.Zero(t, srv.SendCalls(), "invalid requests never reach the server")

	_, err := c.SendMessage(ctx, SendMessageRequest{
		ConversationID: "c1",
		Kind:           model.MessageFile,
		Attachments:    []model.Attachment{{Name: "a.txt", URL: "http://x/a.txt"}},
	})
	assert.NoError(t, err, "attachment-only message is valid")
}

func TestSendMessageServerFailure(t *testing.T) {
	srv := seededServer(t)
	srv.FailSends(1)
	c := New(srv.URL, "")

	_, err := c.SendMessage(context.Background(), SendMessageRequest{ConversationID: "c1", Content: "x"})
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "message rejected", apiErr.Message)
}

func TestUnauthorizedIsSentinel(t *testing.T) {
	srv := seededServer(t)
	srv.RequireAuth("secret")

	_, err := New(srv.URL, "wrong").CurrentUser(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = New(srv.URL, "secret").CurrentUser(context.Background())
	assert.NoError(t, err)
}

func TestMarkRead(t *testing.T) {
	srv := seededServer(t)
	c := New(srv.URL, "")
	require.NoError(t, c.MarkRead(context.Background(), "c1"))
	assert.Equal(t, []string{"c1"}, srv.MarkedRead())
}

func TestCreateConversation(t *testing.T) {
	srv := seededServer(t)
	c := New(srv.URL, "")
	ctx := context.Background()

	_, err := c.CreateConversation(ctx, CreateConversationRequest{Kind: model.KindProject, ParticipantIDs: []string{"u1"}})
	assert.Error(t, err, "project conversation needs a project id")

	conv, err := c.CreateConversation(ctx, CreateConversationRequest{Kind: model.KindPrivate, ParticipantIDs: []string{"u2"}})
	require.NoError(t, err)
	assert.Equal(t, model.KindPrivate, conv.Kind)
	assert.Contains(t, conv.ParticipantIDs, "u2")
}

func TestSearchUsers(t *testing.T) {
	srv := seededServer(t)
	c := New(srv.URL, "")

	users, err := c.SearchUsers(context.Background(), "ali")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "u1", users[0].ID)
}

func TestUpload(t *testing.T) {
	srv := seededServer(t)
	c := New(srv.URL, "")

	att, err := c.Upload(context.Background(), "notes.txt", strings.NewReader("hello world"))
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", att.Name)
	assert.Equal(t, int64(11), att.Size)
	assert.NotEmpty(t, att.URL)
	assert.Equal(t, []string{"notes.txt"}, srv.Uploads())
}

func TestUnreadSummary(t *testing.T) {
	srv := seededServer(t)
	srv.SetUnread(model.UnreadSummary{Total: 4, System: 1, Conversations: map[string]int{"c1": 3}})
	c := New(srv.URL, "")

	u, err := c.UnreadSummary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, u.Total)
	assert.Equal(t, 1, u.System)
	assert.Equal(t, 3, u.Conversations["c1"])
}

func TestNonJSONErrorBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := New(ts.URL, "").CurrentUser(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "bad gateway", apiErr.Message)
}

func TestUnsuccessfulEnvelopeIsError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":false,"error":"content rejected"}`))
	}))
	defer ts.Close()

	msg, err := New(ts.URL, "").SendMessage(context.Background(), SendMessageRequest{ConversationID: "c1", Content: "hi"})
	require.Error(t, err)
	assert.Nil(t, msg)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusOK, apiErr.StatusCode)
	assert.Equal(t, "content rejected", apiErr.Message)
}

func TestSendMessageWithoutIDIsError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"content":"hi"}}`))
	}))
	defer ts.Close()

	msg, err := New(ts.URL, "").SendMessage(context.Background(), SendMessageRequest{ConversationID: "c1", Content: "hi"})
	assert.ErrorIs(t, err, ErrMissingID)
	assert.Nil(t, msg)
}

type recordingObserver struct {
	ops []string
}

func (r *recordingObserver) ObserveRequest(op string, code int, _ time.Duration) {
	r.ops = append(r.ops, fmt.Sprintf("%s:%d", op, code))
}

func TestObserverSeesEveryCall(t *testing.T) {
	srv := seededServer(t)
	obs := &recordingObserver{}
	c := New(srv.URL, "", WithObserver(obs))

	_, _ = c.CurrentUser(context.Background())
	_ = c.MarkRead(context.Background(), "c1")
	assert.Equal(t, []string{"current_user:200", "mark_read:200"}, obs.ops)
}

func TestTokenSourceCachesOpaqueToken(t *testing.T) {
	srv := seededServer(t)
	ts := NewTokenSource(New(srv.URL, ""))
	ctx := context.Background()

	tok, err := ts.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, srv.StreamToken(), tok)

	_, err = ts.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, srv.TokenRequests())

	ts.Invalidate()
	_, err = ts.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, srv.TokenRequests())
}

func TestTokenSourceRefreshesBeforeJWTExpiry(t *testing.T) {
	srv := seededServer(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(2 * time.Minute)),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)
	srv.SetStreamToken(signed)

	ts := NewTokenSource(New(srv.URL, ""))
	ts.now = func() time.Time { return now }
	ctx := context.Background()

	_, err = ts.Token(ctx)
	require.NoError(t, err)

	now = now.Add(time.Minute)
	_, err = ts.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, srv.TokenRequests(), "still well before exp")

	now = now.Add(45 * time.Second)
	_, err = ts.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, srv.TokenRequests(), "inside refresh skew")
}
