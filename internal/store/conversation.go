package store

import (
	"cmp"
	"maps"
	"slices"
	"strings"

	"github.com/matheus3301/imcore/internal/bus"
	"github.com/matheus3301/imcore/internal/model"
	"github.com/matheus3301/imcore/internal/status"
)

// SetConversations replaces the conversation list wholesale and recomputes
// the unread aggregate from each conversation's counter. This is the
// authoritative resync point.
func (s *Store) SetConversations(list []model.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations = make([]model.Conversation, 0, len(list))
	seen := make(map[string]bool, len(list))
	for _, c := range list {
		if c.ID == "" || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		s.conversations = append(s.conversations, c.Clone())
	}
	s.reindexLocked()
	s.recomputeLocked()
	s.emit(bus.StoreConversations, s.conversationsCopyLocked())
}

// UpsertConversation inserts or replaces a single conversation.
func (s *Store) UpsertConversation(c model.Conversation) {
	if c.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.conversationLocked(c.ID); existing != nil {
		*existing = c.Clone()
	} else {
		s.conversations = append(s.conversations, c.Clone())
		s.reindexLocked()
	}
	s.recomputeLocked()
	s.emit(bus.StoreConversations, s.conversationsCopyLocked())
}

// SelectConversation makes id the open conversation. Its unread counter is
// cleared and its message buffer emptied and marked loading until history is
// set. An empty id closes the current conversation.
func (s *Store) SelectConversation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = id
	if id != "" {
		s.messages[id] = nil
		s.hasMore[id] = false
		s.loading[id] = true
	}
	s.recomputeLocked()
	s.emit(bus.StoreSelection, id)
}

// MarkConversationRead zeroes one conversation's unread counter.
func (s *Store) MarkConversationRead(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conversationLocked(id)
	if c == nil || c.UnreadCount == 0 {
		return
	}
	c.UnreadCount = 0
	s.recomputeLocked()
	s.emit(bus.StoreConversations, s.conversationsCopyLocked())
}

// ApplyUnreadSummary folds a polled unread summary into the store: the system
// counter is replaced and listed conversations take the server's count.
func (s *Store) ApplyUnreadSummary(u model.UnreadSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for id, n := range u.Conversations {
		c := s.conversationLocked(id)
		if c == nil || c.UnreadCount == n {
			continue
		}
		c.UnreadCount = n
		changed = true
	}
	s.recomputeLocked()
	if changed {
		s.emit(bus.StoreConversations, s.conversationsCopyLocked())
	}
	s.setSystemUnreadLocked(u.System)
}

// SetSystemUnread sets the system-notice unread counter.
func (s *Store) SetSystemUnread(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setSystemUnreadLocked(n)
}

func (s *Store) setSystemUnreadLocked(n int) {
	n = max(n, 0)
	if n == s.systemUnread {
		return
	}
	s.systemUnread = n
	s.emit(bus.StoreUI, "system_unread")
}

// SetConnectionStatus mirrors the transport state into the store.
func (s *Store) SetConnectionStatus(st status.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connection == st {
		return
	}
	s.connection = st
	s.emit(bus.StoreUI, "connection")
}

// Connection returns the last mirrored transport state.
func (s *Store) Connection() status.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connection
}

// Conversations returns a copy of the conversation list in stored order.
func (s *Store) Conversations() []model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationsCopyLocked()
}

// Conversation returns one conversation.
func (s *Store) Conversation(id string) (model.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conversationLocked(id)
	if c == nil {
		return model.Conversation{}, false
	}
	return c.Clone(), true
}

// Current returns the open conversation id, or "".
func (s *Store) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// TotalUnread returns the aggregate unread count.
func (s *Store) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// UnreadCounts returns a copy of the per-conversation unread map.
func (s *Store) UnreadCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.unread)
}

// SystemUnread returns the system-notice unread counter.
func (s *Store) SystemUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.systemUnread
}

// FilteredConversations applies the current filter and orders the result:
// pinned first, then priority, then most recent activity.
func (s *Store) FilteredConversations() []model.Conversation {
	s.mu.Lock()
	f := s.filter
	list := s.conversationsCopyLocked()
	s.mu.Unlock()
	return ApplyFilter(list, f)
}

// ApplyFilter filters and orders a conversation list.
func ApplyFilter(list []model.Conversation, f Filter) []model.Conversation {
	q := strings.ToLower(strings.TrimSpace(f.Query))
	out := slices.DeleteFunc(list, func(c model.Conversation) bool {
		switch {
		case c.Archived && !f.ShowArchived:
			return true
		case f.Kind != "" && c.Kind != f.Kind:
			return true
		case f.ProjectID != "" && c.ProjectID != f.ProjectID:
			return true
		case f.UnreadOnly && c.UnreadCount == 0:
			return true
		case q != "" && !matchesQuery(c, q):
			return true
		}
		return false
	})
	slices.SortStableFunc(out, func(a, b model.Conversation) int {
		if a.Pinned != b.Pinned {
			if a.Pinned {
				return -1
			}
			return 1
		}
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return b.LastActivity.Compare(a.LastActivity)
	})
	return out
}

func matchesQuery(c model.Conversation, q string) bool {
	if strings.Contains(strings.ToLower(c.Name), q) {
		return true
	}
	return c.LastMessage != nil && strings.Contains(strings.ToLower(c.LastMessage.Content), q)
}
