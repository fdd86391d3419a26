package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/imcore/internal/bus"
	"github.com/matheus3301/imcore/internal/model"
	"github.com/matheus3301/imcore/internal/notify"
	"github.com/matheus3301/imcore/internal/remote"
	"github.com/matheus3301/imcore/internal/status"
	"github.com/matheus3301/imcore/internal/store"
	"github.com/matheus3301/imcore/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type remoteMock struct {
	mock.Mock
}

func (m *remoteMock) ListConversations(ctx context.Context, q remote.ConversationQuery) ([]model.Conversation, error) {
	args := m.Called(ctx, q)
	var list []model.Conversation
	if v := args.Get(0); v != nil {
		list = v.([]model.Conversation)
	}
	return list, args.Error(1)
}

func (m *remoteMock) ListMessages(ctx context.Context, id string, p remote.Page) (*remote.MessagePage, error) {
	args := m.Called(ctx, id, p)
	var page *remote.MessagePage
	if v := args.Get(0); v != nil {
		page = v.(*remote.MessagePage)
	}
	return page, args.Error(1)
}

func (m *remoteMock) MarkRead(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *remoteMock) UnreadSummary(ctx context.Context) (*model.UnreadSummary, error) {
	args := m.Called(ctx)
	var sum *model.UnreadSummary
	if v := args.Get(0); v != nil {
		sum = v.(*model.UnreadSummary)
	}
	return sum, args.Error(1)
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	engine *Engine
	store  *store.Store
	remote *remoteMock
	rec    *notify.Recorder
	bus    *bus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := bus.New()
	rec := &notify.Recorder{}
	st := store.New(store.Options{LocalUserID: "me", Bus: b})
	st.SetConversations([]model.Conversation{
		{ID: "c1", Kind: model.KindPrivate, Name: "Alice", ParticipantIDs: []string{"me", "u1"}},
		{ID: "c2", Kind: model.KindProject, Name: "Apollo", ParticipantIDs: []string{"me", "u1", "u2"}},
	})
	st.UpsertUsers(model.User{ID: "u1", Name: "Alice"})
	rm := &remoteMock{}
	e := NewEngine(Options{
		Store:     st,
		Remote:    rm,
		Notifier:  notify.NewBridge(notify.Options{Notifier: rec}),
		Bus:       b,
		TypingTTL: 30 * time.Millisecond,
		PageSize:  2,
	})
	t.Cleanup(e.Stop)
	return &fixture{engine: e, store: st, remote: rm, rec: rec, bus: b}
}

func frame(t *testing.T, typ transport.EventType, data any) transport.Event {
	t.Helper()
	evt, err := transport.NewEvent(typ, data)
	require.NoError(t, err)
	return evt
}

func TestMessageEventAppendsAndNotifies(t *testing.T) {
	f := newFixture(t)
	f.engine.Handle(frame(t, transport.TypeMessage, transport.MessageData{
		ID: "m1", ConversationID: "c1", SenderID: "u1", Content: "hello", Timestamp: t0,
	}))

	assert.Equal(t, 1, f.store.TotalUnread())
	got := f.rec.Notifications()
	require.Len(t, got, 1)
	assert.Equal(t, "Alice", got[0].Title)
	assert.Equal(t, "hello", got[0].Body)

	// Duplicate delivery changes nothing.
	f.engine.Handle(frame(t, transport.TypeMessage, transport.MessageData{
		ID: "m1", ConversationID: "c1", SenderID: "u1", Content: "hello", Timestamp: t0,
	}))
	assert.Equal(t, 1, f.store.TotalUnread())
	assert.Len(t, f.rec.Notifications(), 1)
}

func TestOwnMessageDoesNotNotify(t *testing.T) {
	f := newFixture(t)
	f.engine.Handle(frame(t, transport.TypeMessage, transport.MessageData{
		ID: "m1", ConversationID: "c1", SenderID: "me", Content: "from my phone", Timestamp: t0,
	}))
	assert.Zero(t, f.store.TotalUnread())
	assert.Empty(t, f.rec.Notifications())
	assert.Len(t, f.store.Messages("c1"), 1)
}

func TestUnknownConversationTriggersListRefresh(t *testing.T) {
	f := newFixture(t)
	f.engine.Start(context.Background())
	f.remote.On("ListConversations", mock.Anything, remote.ConversationQuery{}).Return([]model.Conversation{
		{ID: "c1"}, {ID: "c2"}, {ID: "c3", Kind: model.KindPrivate, UnreadCount: 1},
	}, nil).Once()

	f.engine.Handle(frame(t, transport.TypeMessage, transport.MessageData{
		ID: "m1", ConversationID: "c3", SenderID: "u2", Content: "new chat", Timestamp: t0,
	}))

	require.Eventually(t, func() bool {
		_, ok := f.store.Conversation("c3")
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.store.TotalUnread())
	f.remote.AssertExpectations(t)
}

func TestTypingExpires(t *testing.T) {
	f := newFixture(t)
	f.engine.Handle(frame(t, transport.TypeTyping, transport.TypingData{ConversationID: "c2", UserID: "u2", IsTyping: true}))
	assert.Equal(t, []string{"u2"}, f.store.TypingUsers("c2"))

	require.Eventually(t, func() bool { return len(f.store.TypingUsers("c2")) == 0 }, time.Second, 5*time.Millisecond)
}

func TestTypingClearedByMessage(t *testing.T) {
	f := newFixture(t)
	f.engine.typingTTL = time.Hour
	f.engine.Handle(frame(t, transport.TypeTyping, transport.TypingData{ConversationID: "c2", UserID: "u2", IsTyping: true}))
	f.engine.Handle(frame(t, transport.TypeMessage, transport.MessageData{ID: "m1", ConversationID: "c2", SenderID: "u2", Content: "done", Timestamp: t0}))
	assert.Empty(t, f.store.TypingUsers("c2"))
}

func TestOwnTypingIgnored(t *testing.T) {
	f := newFixture(t)
	f.engine.Handle(frame(t, transport.TypeTyping, transport.TypingData{ConversationID: "c2", UserID: "me", IsTyping: true}))
	assert.Empty(t, f.store.TypingUsers("c2"))
}

func TestReadReceipts(t *testing.T) {
	f := newFixture(t)
	f.store.AppendMessage(model.Message{ID: "m1", ConversationID: "c1", SenderID: "me", Status: model.StatusSent, Timestamp: t0})
	f.store.AppendMessage(model.Message{ID: "m2", ConversationID: "c1", SenderID: "u1", Timestamp: t0.Add(time.Second)})

	f.engine.Handle(frame(t, transport.TypeRead, transport.ReadData{ConversationID: "c1", UserID: "u1", MessageID: "m1"}))
	m1, _ := f.store.Message("c1", "m1")
	assert.Equal(t, model.StatusRead, m1.Status)
	assert.Equal(t, 1, f.store.TotalUnread(), "their receipt leaves our unread alone")

	f.engine.Handle(frame(t, transport.TypeRead, transport.ReadData{ConversationID: "c1", UserID: "me"}))
	assert.Zero(t, f.store.TotalUnread(), "read on another device")
}

func TestUserStatus(t *testing.T) {
	f := newFixture(t)
	f.engine.Handle(frame(t, transport.TypeUserStatus, transport.UserStatusData{UserID: "u1", Status: "online"}))
	assert.Equal(t, []string{"u1"}, f.store.OnlineUsers())
	f.engine.Handle(frame(t, transport.TypeUserStatus, transport.UserStatusData{UserID: "u1", Status: "gone fishing"}))
	assert.Empty(t, f.store.OnlineUsers())
}

func TestServerErrorPublished(t *testing.T) {
	f := newFixture(t)
	ch, unsub := f.bus.Subscribe(bus.ConnectionServerError, 1)
	defer unsub()

	f.engine.Handle(frame(t, transport.TypeError, transport.ErrorData{Message: "rate limited", Code: "429"}))
	select {
	case evt := <-ch:
		d, ok := evt.Payload.(transport.ErrorData)
		require.True(t, ok)
		assert.Equal(t, "rate limited", d.Message)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for server error event")
	}
}

func TestMalformedEventIgnored(t *testing.T) {
	f := newFixture(t)
	f.engine.Handle(transport.Event{Type: transport.TypeMessage, Data: []byte(`"not an object"`)})
	f.engine.Handle(transport.Event{Type: transport.TypeMessage, Data: []byte(`{"content":"no id"}`)})
	assert.Empty(t, f.store.Messages("c1"))
}

func TestOpenConversation(t *testing.T) {
	f := newFixture(t)
	f.store.AppendMessage(model.Message{ID: "x", ConversationID: "c1", SenderID: "u1", Timestamp: t0})
	require.Equal(t, 1, f.store.TotalUnread())

	f.remote.On("ListMessages", mock.Anything, "c1", remote.Page{Number: 1, Size: 2}).Return(&remote.MessagePage{
		Messages: []model.Message{
			{ID: "m4", ConversationID: "c1", SenderID: "u1", Timestamp: t0.Add(4 * time.Minute)},
			{ID: "m5", ConversationID: "c1", SenderID: "u1", Timestamp: t0.Add(5 * time.Minute)},
		},
		HasMore: true,
	}, nil).Once()
	f.remote.On("MarkRead", mock.Anything, "c1").Return(nil).Once()
	f.remote.On("ListMessages", mock.Anything, "c1", remote.Page{Number: 2, Size: 2}).Return(&remote.MessagePage{
		Messages: []model.Message{
			{ID: "m3", ConversationID: "c1", SenderID: "u1", Timestamp: t0.Add(3 * time.Minute)},
		},
	}, nil).Once()

	require.NoError(t, f.engine.OpenConversation(context.Background(), "c1"))
	assert.Equal(t, "c1", f.store.Current())
	assert.Zero(t, f.store.TotalUnread())
	assert.True(t, f.store.HasMore("c1"))

	require.NoError(t, f.engine.LoadMore(context.Background(), "c1"))
	var ids []string
	for _, m := range f.store.Messages("c1") {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"m3", "m4", "m5"}, ids)
	assert.False(t, f.store.HasMore("c1"))

	// Nothing left to load: no call.
	require.NoError(t, f.engine.LoadMore(context.Background(), "c1"))
	f.remote.AssertExpectations(t)

	f.engine.CloseConversation()
	assert.Empty(t, f.store.Current())
}

func TestOpenUnknownConversation(t *testing.T) {
	f := newFixture(t)
	err := f.engine.OpenConversation(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownConversation)
}

func TestOpenConversationHistoryFailure(t *testing.T) {
	f := newFixture(t)
	f.remote.On("ListMessages", mock.Anything, "c1", mock.Anything).Return(nil, errors.New("boom")).Once()

	err := f.engine.OpenConversation(context.Background(), "c1")
	require.Error(t, err)
	assert.False(t, f.store.Loading("c1"), "loading flag cleared on failure")
}

func TestConnectTriggersResync(t *testing.T) {
	f := newFixture(t)
	f.engine.Start(context.Background())
	f.remote.On("ListConversations", mock.Anything, mock.Anything).Return([]model.Conversation{
		{ID: "c1", UnreadCount: 2}, {ID: "c2"},
	}, nil).Once()

	m := status.NewMachine(f.bus)
	require.NoError(t, m.Transition(status.Connecting))
	require.NoError(t, m.Transition(status.Connected))
	f.bus.Emit(bus.ConnectionConnected, nil)

	require.Eventually(t, func() bool { return f.store.TotalUnread() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.store.Connection() == status.Connected }, time.Second, 5*time.Millisecond)
	f.remote.AssertExpectations(t)
}

func TestRefreshWhileDisconnectedReloadsList(t *testing.T) {
	f := newFixture(t)
	f.remote.On("UnreadSummary", mock.Anything).Return(&model.UnreadSummary{Total: 3, System: 1, Conversations: map[string]int{"c2": 3}}, nil).Twice()
	f.remote.On("ListConversations", mock.Anything, mock.Anything).Return([]model.Conversation{{ID: "c1"}, {ID: "c2"}}, nil).Once()

	require.NoError(t, f.engine.Refresh(context.Background()))
	assert.Equal(t, 3, f.store.TotalUnread())
	assert.Equal(t, 1, f.store.SystemUnread())

	// Connected: only the summary is fetched.
	f.store.SetConnectionStatus(status.Connected)
	require.NoError(t, f.engine.Refresh(context.Background()))
	f.remote.AssertExpectations(t)
}
