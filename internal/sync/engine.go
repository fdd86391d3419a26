package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/matheus3301/imcore/internal/bus"
	"github.com/matheus3301/imcore/internal/model"
	"github.com/matheus3301/imcore/internal/remote"
	"github.com/matheus3301/imcore/internal/status"
	"github.com/matheus3301/imcore/internal/store"
	"github.com/matheus3301/imcore/internal/transport"
	"go.uber.org/zap"
)

const (
	DefaultTypingTTL = 6 * time.Second
	DefaultPageSize  = 50
)

// ErrUnknownConversation is returned when an operation names a conversation
// the store does not hold.
var ErrUnknownConversation = errors.New("unknown conversation")

// Remote is the subset of the REST client the engine reads from.
type Remote interface {
	ListConversations(ctx context.Context, q remote.ConversationQuery) ([]model.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, p remote.Page) (*remote.MessagePage, error)
	MarkRead(ctx context.Context, conversationID string) error
	UnreadSummary(ctx context.Context) (*model.UnreadSummary, error)
}

// Notifier is told about every message that reached the store from the
// stream.
type Notifier interface {
	MessageReceived(msg model.Message, conv *model.Conversation, sender *model.User, localUserID, currentConvID string) bool
}

// Options configures an Engine.
type Options struct {
	Store     *store.Store
	Remote    Remote
	Notifier  Notifier
	Bus       *bus.Bus
	Logger    *zap.Logger
	TypingTTL time.Duration
	PageSize  int
}

// Engine applies stream events and REST fetches to the store. It is the
// transport's dispatcher.
type Engine struct {
	store     *store.Store
	remote    Remote
	notifier  Notifier
	bus       *bus.Bus
	logger    *zap.Logger
	typingTTL time.Duration
	pageSize  int

	mu     gosync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	typing map[typingKey]*time.Timer
	pages  map[string]int
	wg     gosync.WaitGroup
}

type typingKey struct{ conv, user string }

// NewEngine creates a new sync engine.
func NewEngine(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = DefaultTypingTTL
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	return &Engine{
		store:     opts.Store,
		remote:    opts.Remote,
		notifier:  opts.Notifier,
		bus:       opts.Bus,
		logger:    opts.Logger.Named("sync"),
		typingTTL: opts.TypingTTL,
		pageSize:  opts.PageSize,
		ctx:       context.Background(),
		typing:    make(map[typingKey]*time.Timer),
		pages:     make(map[string]int),
	}
}

// Start subscribes to connection events on the bus. Status changes are
// mirrored into the store and every successful connect triggers a resync.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.ctx, e.cancel = ctx, cancel
	e.mu.Unlock()

	ch, unsub := e.bus.Subscribe("connection.", 64)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleConnection(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels background work and pending typing timers.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	for k, t := range e.typing {
		t.Stop()
		delete(e.typing, k)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) handleConnection(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.ConnectionStatusChanged:
		if ch, ok := evt.Payload.(status.StatusChange); ok {
			e.store.SetConnectionStatus(ch.To)
		}
	case bus.ConnectionConnected:
		if err := e.Resync(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("resync after connect failed", zap.Error(err))
		}
	}
}

// Handle implements transport.Dispatcher. It runs on the transport's read
// goroutine and never blocks on the network.
func (e *Engine) Handle(evt transport.Event) {
	var err error
	switch evt.Type {
	case transport.TypeMessage:
		err = e.onMessage(evt)
	case transport.TypeTyping:
		err = e.onTyping(evt)
	case transport.TypeRead:
		err = e.onRead(evt)
	case transport.TypeUserStatus:
		err = e.onUserStatus(evt)
	case transport.TypeError:
		err = e.onServerError(evt)
	case transport.TypeConnected:
		var d transport.ConnectedData
		if err = evt.Decode(&d); err == nil {
			e.logger.Info("stream ready", zap.String("user_id", d.UserID))
			if d.UserID != "" && e.store.LocalUserID() == "" {
				e.store.SetLocalUserID(d.UserID)
			}
		}
	default:
		e.logger.Debug("ignoring event", zap.String("type", string(evt.Type)))
	}
	if err != nil {
		e.logger.Warn("dropping malformed event", zap.String("type", string(evt.Type)), zap.Error(err))
	}
}

func (e *Engine) onMessage(evt transport.Event) error {
	var d transport.MessageData
	if err := evt.Decode(&d); err != nil {
		return err
	}
	if d.ID == "" || d.ConversationID == "" {
		return fmt.Errorf("message without id or conversation")
	}
	msg := d.Message()
	e.clearTyping(msg.ConversationID, msg.SenderID)

	res := e.store.AppendMessage(msg)
	if res.UnknownConversation {
		e.logger.Info("message for unknown conversation, refreshing list", zap.String("conversation_id", msg.ConversationID))
		e.background(func(ctx context.Context) {
			if err := e.LoadConversations(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("conversation refresh failed", zap.Error(err))
			}
		})
	}
	if !res.Appended || e.notifier == nil {
		return nil
	}

	var convPtr *model.Conversation
	if conv, ok := e.store.Conversation(msg.ConversationID); ok {
		convPtr = &conv
	}
	var senderPtr *model.User
	if u, ok := e.store.User(msg.SenderID); ok {
		senderPtr = &u
	}
	e.notifier.MessageReceived(msg, convPtr, senderPtr, e.store.LocalUserID(), e.store.Current())
	return nil
}

func (e *Engine) onTyping(evt transport.Event) error {
	var d transport.TypingData
	if err := evt.Decode(&d); err != nil {
		return err
	}
	if d.UserID == "" || d.UserID == e.store.LocalUserID() {
		return nil
	}
	if !d.IsTyping {
		e.clearTyping(d.ConversationID, d.UserID)
		return nil
	}

	key := typingKey{d.ConversationID, d.UserID}
	e.mu.Lock()
	if t, ok := e.typing[key]; ok {
		t.Reset(e.typingTTL)
		e.mu.Unlock()
		return nil
	}
	var timer *time.Timer
	timer = time.AfterFunc(e.typingTTL, func() {
		e.mu.Lock()
		if e.typing[key] != timer {
			e.mu.Unlock()
			return
		}
		delete(e.typing, key)
		e.mu.Unlock()
		e.store.SetTyping(key.conv, key.user, false)
	})
	e.typing[key] = timer
	e.mu.Unlock()

	e.store.SetTyping(d.ConversationID, d.UserID, true)
	return nil
}

func (e *Engine) clearTyping(convID, userID string) {
	key := typingKey{convID, userID}
	e.mu.Lock()
	if t, ok := e.typing[key]; ok {
		t.Stop()
		delete(e.typing, key)
	}
	e.mu.Unlock()
	e.store.SetTyping(convID, userID, false)
}

func (e *Engine) onRead(evt transport.Event) error {
	var d transport.ReadData
	if err := evt.Decode(&d); err != nil {
		return err
	}
	if d.ConversationID == "" {
		return fmt.Errorf("read receipt without conversation")
	}
	if d.UserID == e.store.LocalUserID() {
		// Read on another device.
		e.store.MarkConversationRead(d.ConversationID)
		return nil
	}
	e.store.MarkOwnMessagesRead(d.ConversationID, d.MessageID)
	return nil
}

func (e *Engine) onUserStatus(evt transport.Event) error {
	var d transport.UserStatusData
	if err := evt.Decode(&d); err != nil {
		return err
	}
	e.store.SetUserPresence(d.UserID, model.ParsePresence(d.Status), d.LastSeen)
	return nil
}

func (e *Engine) onServerError(evt transport.Event) error {
	var d transport.ErrorData
	if err := evt.Decode(&d); err != nil {
		return err
	}
	e.logger.Warn("server error", zap.String("message", d.Message), zap.String("code", d.Code))
	e.bus.Emit(bus.ConnectionServerError, d)
	return nil
}

// background runs fn under the engine's context and tracks it for Stop.
func (e *Engine) background(fn func(ctx context.Context)) {
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(ctx)
	}()
}

// LoadConversations replaces the store's conversation list with the server's.
func (e *Engine) LoadConversations(ctx context.Context) error {
	list, err := e.remote.ListConversations(ctx, remote.ConversationQuery{})
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	e.store.SetConversations(list)
	e.logger.Debug("conversations loaded", zap.Int("count", len(list)))
	return nil
}

// OpenConversation selects id, loads its newest history page and tells the
// server it has been read.
func (e *Engine) OpenConversation(ctx context.Context, id string) error {
	if _, ok := e.store.Conversation(id); !ok {
		return fmt.Errorf("open %s: %w", id, ErrUnknownConversation)
	}
	e.store.SelectConversation(id)

	page, err := e.remote.ListMessages(ctx, id, remote.Page{Number: 1, Size: e.pageSize})
	if err != nil {
		e.store.SetLoading(id, false)
		return fmt.Errorf("load history: %w", err)
	}
	e.store.SetMessages(id, page.Messages, page.HasMore)
	e.mu.Lock()
	e.pages[id] = 1
	e.mu.Unlock()

	if err := e.remote.MarkRead(ctx, id); err != nil {
		e.logger.Warn("mark read failed", zap.String("conversation_id", id), zap.Error(err))
	}
	return nil
}

// LoadMore prepends the next older history page. It is a no-op when the
// server reported no more history.
func (e *Engine) LoadMore(ctx context.Context, id string) error {
	if !e.store.HasMore(id) || e.store.Loading(id) {
		return nil
	}
	e.mu.Lock()
	next := e.pages[id] + 1
	e.mu.Unlock()

	e.store.SetLoading(id, true)
	page, err := e.remote.ListMessages(ctx, id, remote.Page{Number: next, Size: e.pageSize})
	if err != nil {
		e.store.SetLoading(id, false)
		return fmt.Errorf("load page %d: %w", next, err)
	}
	// Pages are offset based; overlap from messages that arrived since the
	// first page is dropped by id.
	e.store.PrependMessages(id, page.Messages, page.HasMore)
	e.mu.Lock()
	e.pages[id] = next
	e.mu.Unlock()
	return nil
}

// CloseConversation clears the open conversation.
func (e *Engine) CloseConversation() {
	e.store.SelectConversation("")
}

// MarkRead clears a conversation's unread count locally and on the server.
func (e *Engine) MarkRead(ctx context.Context, id string) error {
	e.store.MarkConversationRead(id)
	if err := e.remote.MarkRead(ctx, id); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// Resync reloads the conversation list and the open conversation's newest
// page. Messages already buffered are kept.
func (e *Engine) Resync(ctx context.Context) error {
	if err := e.LoadConversations(ctx); err != nil {
		return err
	}
	cur := e.store.Current()
	if cur == "" {
		return nil
	}
	page, err := e.remote.ListMessages(ctx, cur, remote.Page{Number: 1, Size: e.pageSize})
	if err != nil {
		return fmt.Errorf("reload history: %w", err)
	}
	e.store.SetMessages(cur, page.Messages, page.HasMore || e.store.HasMore(cur))
	return nil
}

// Refresh is the polling callback. It applies the unread summary and, while
// the stream is down, reloads the conversation list.
func (e *Engine) Refresh(ctx context.Context) error {
	sum, err := e.remote.UnreadSummary(ctx)
	if err != nil {
		return fmt.Errorf("unread summary: %w", err)
	}
	if e.store.Connection() != status.Connected {
		if err := e.LoadConversations(ctx); err != nil {
			return err
		}
	}
	e.store.ApplyUnreadSummary(*sum)
	return nil
}
