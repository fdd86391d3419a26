// Package store holds the client-side conversation and message state. It is
// the single writer of conversations, messages, unread counters, typing sets
// and presence; everything else reads snapshots or subscribes to store.*
// events on the bus.
package store

import (
	"maps"
	"slices"
	"sync"

	"github.com/matheus3301/imcore/internal/bus"
	"github.com/matheus3301/imcore/internal/model"
	"github.com/matheus3301/imcore/internal/status"
	"go.uber.org/zap"
)

// Options configures a Store.
type Options struct {
	LocalUserID string
	Bus         *bus.Bus
	Badge       Badge
	Logger      *zap.Logger
}

// Store is the shared state container. All mutations serialize on one lock
// and publish a store.* event when they change anything.
type Store struct {
	mu     sync.Mutex
	bus    *bus.Bus
	badge  Badge
	logger *zap.Logger

	localUserID   string
	conversations []model.Conversation
	index         map[string]int
	messages      map[string][]model.Message
	hasMore       map[string]bool
	loading       map[string]bool
	current       string
	users         map[string]model.User
	typing        map[string]map[string]struct{}
	unread        map[string]int
	total         int
	systemUnread  int
	connection    status.State
	filter        Filter
	drafts        map[string]string
}

// New creates an empty store for the given local user.
func New(opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	s := &Store{
		bus:    opts.Bus,
		badge:  opts.Badge,
		logger: opts.Logger.Named("store"),
	}
	s.resetLocked(opts.LocalUserID)
	return s
}

// SetBadge installs the unread badge sink. The current total is pushed
// immediately.
func (s *Store) SetBadge(b Badge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.badge = b
	if b != nil {
		b.SetUnreadTotal(s.total)
	}
}

// Reset drops all state and starts over for a new local user. Used on session
// start and sign-out.
func (s *Store) Reset(localUserID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.total
	s.resetLocked(localUserID)
	s.emit(bus.StoreReset, localUserID)
	if prev != 0 {
		s.emit(bus.StoreUnread, UnreadChange{Previous: prev, Total: 0})
		if s.badge != nil {
			s.badge.SetUnreadTotal(0)
		}
	}
}

func (s *Store) resetLocked(localUserID string) {
	s.localUserID = localUserID
	s.conversations = nil
	s.index = make(map[string]int)
	s.messages = make(map[string][]model.Message)
	s.hasMore = make(map[string]bool)
	s.loading = make(map[string]bool)
	s.current = ""
	s.users = make(map[string]model.User)
	s.typing = make(map[string]map[string]struct{})
	s.unread = make(map[string]int)
	s.total = 0
	s.systemUnread = 0
	s.connection = status.Disconnected
	s.filter = Filter{}
	s.drafts = make(map[string]string)
}

// LocalUserID returns the id of the signed-in user.
func (s *Store) LocalUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localUserID
}

// SetLocalUserID changes the local user without dropping state.
func (s *Store) SetLocalUserID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localUserID = id
}

// Subscribe returns store.* events. See bus.Bus.Subscribe.
func (s *Store) Subscribe(bufSize int) (<-chan bus.Event, func()) {
	return s.bus.Subscribe("store.", bufSize)
}

// emit publishes with the lock held so subscribers see events in mutation
// order. Publishing never blocks.
func (s *Store) emit(kind string, payload any) {
	s.bus.Emit(kind, payload)
}

// recomputeLocked rebuilds the unread aggregate from the conversation list.
// The current conversation is forced to zero and negative counts are clamped.
func (s *Store) recomputeLocked() {
	unread := make(map[string]int, len(s.conversations))
	total := 0
	for i := range s.conversations {
		c := &s.conversations[i]
		if c.ID == s.current || c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		unread[c.ID] = c.UnreadCount
		total += c.UnreadCount
	}
	s.unread = unread

	if total == s.total {
		return
	}
	prev := s.total
	s.total = total
	s.emit(bus.StoreUnread, UnreadChange{Previous: prev, Total: total})
	if s.badge != nil {
		s.badge.SetUnreadTotal(total)
	}
}

func (s *Store) reindexLocked() {
	s.index = make(map[string]int, len(s.conversations))
	for i, c := range s.conversations {
		s.index[c.ID] = i
	}
}

func (s *Store) conversationLocked(id string) *model.Conversation {
	i, ok := s.index[id]
	if !ok {
		return nil
	}
	return &s.conversations[i]
}

func (s *Store) conversationsCopyLocked() []model.Conversation {
	out := make([]model.Conversation, len(s.conversations))
	for i, c := range s.conversations {
		out[i] = c.Clone()
	}
	return out
}

func cloneMessages(in []model.Message) []model.Message {
	out := make([]model.Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}

// Snapshot returns a copy of the whole state. Messages holds the current
// conversation's buffer only.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	typing := make(map[string][]string, len(s.typing))
	for conv, set := range s.typing {
		typing[conv] = sortedKeys(set)
	}
	snap := Snapshot{
		LocalUserID:   s.localUserID,
		Conversations: s.conversationsCopyLocked(),
		Current:       s.current,
		Unread:        maps.Clone(s.unread),
		TotalUnread:   s.total,
		SystemUnread:  s.systemUnread,
		Connection:    s.connection,
		Typing:        typing,
		Users:         maps.Clone(s.users),
		Filter:        s.filter,
		Drafts:        maps.Clone(s.drafts),
	}
	if s.current != "" {
		snap.Messages = cloneMessages(s.messages[s.current])
		snap.MessagesLoading = s.loading[s.current]
		snap.HasMore = s.hasMore[s.current]
	}
	return snap
}

// Select applies fn to a fresh snapshot.
func Select[T any](s *Store, fn func(Snapshot) T) T {
	return fn(s.Snapshot())
}

func sortedKeys(set map[string]struct{}) []string {
	return slices.Sorted(maps.Keys(set))
}
