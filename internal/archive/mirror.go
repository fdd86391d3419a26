package archive

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/matheus3301/imcore/internal/bus"
	"github.com/matheus3301/imcore/internal/model"
	"github.com/matheus3301/imcore/internal/store"
	"go.uber.org/zap"
)

// Mirror copies store mutations into the archive. It only ever writes; a
// failed write is logged and the event is skipped.
type Mirror struct {
	db     *DB
	store  *store.Store
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMirror creates a mirror writing to db.
func NewMirror(db *DB, st *store.Store, b *bus.Bus, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{db: db, store: st, bus: b, logger: logger.Named("archive")}
}

// Start subscribes to store events and applies them until ctx is done or
// Stop is called.
func (m *Mirror) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	ch, unsub := m.bus.Subscribe("store.", 512)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-ch:
				m.apply(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the subscription and waits for the writer to drain.
func (m *Mirror) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Mirror) apply(evt bus.Event) {
	var err error
	switch evt.Kind {
	case bus.StoreConversations:
		if list, ok := evt.Payload.([]model.Conversation); ok {
			err = m.db.UpsertConversations(list)
		}
	case bus.StoreMessages:
		if p, ok := evt.Payload.(store.MessagesLoaded); ok {
			err = m.db.UpsertMessages(p.Messages)
		}
	case bus.StoreMessage:
		if c, ok := evt.Payload.(store.MessageChange); ok {
			err = m.applyChange(c)
		}
	case bus.StorePresence:
		err = m.applyPresence(evt.Payload)
	case bus.StoreReset:
		if id, ok := evt.Payload.(string); ok && id != "" {
			err = m.db.SetCheckpoint(CheckpointLocalUserID, id)
		}
	default:
		return
	}
	if err != nil {
		m.logger.Warn("archive write failed", zap.String("event", evt.Kind), zap.Error(err))
		return
	}
	_ = m.db.SetCheckpoint(CheckpointLastEvent, strconv.FormatInt(evt.Timestamp.UnixMilli(), 10))
}

func (m *Mirror) applyChange(c store.MessageChange) error {
	var err error
	switch c.Op {
	case store.OpAppended, store.OpUpdated:
		err = m.db.UpsertMessage(c.Message)
	case store.OpReconciled:
		if c.PreviousID == "" {
			err = m.db.UpsertMessage(c.Message)
		} else {
			err = m.db.RekeyMessage(c.ConversationID, c.PreviousID, c.Message)
		}
	case store.OpRemoved:
		return m.db.DeleteMessage(c.ConversationID, c.MessageID)
	}
	if err != nil {
		return err
	}
	// Message changes move the preview without a store.conversations event.
	if conv, ok := m.store.Conversation(c.ConversationID); ok {
		return m.db.UpsertConversations([]model.Conversation{conv})
	}
	return nil
}

func (m *Mirror) applyPresence(payload any) error {
	id, _ := payload.(string)
	if id != "" {
		u, ok := m.store.User(id)
		if !ok {
			return nil
		}
		return m.db.UpsertUsers([]model.User{u})
	}
	users := m.store.Snapshot().Users
	list := make([]model.User, 0, len(users))
	for _, u := range users {
		list = append(list, u)
	}
	return m.db.UpsertUsers(list)
}

// LastEvent returns when the mirror last applied an event, or the zero time.
func (m *Mirror) LastEvent() time.Time {
	v, err := m.db.Checkpoint(CheckpointLastEvent)
	if err != nil || v == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
