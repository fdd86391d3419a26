package store

import (
	"slices"

	"github.com/matheus3301/imcore/internal/bus"
	"github.com/matheus3301/imcore/internal/model"
	"go.uber.org/zap"
)

// SetMessages merges a freshly loaded newest page into a conversation's
// buffer and clears its loading flag.
func (s *Store) SetMessages(convID string, msgs []model.Message, hasMore bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]model.Message, 0, len(msgs))
	seen := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		if m.ID == "" || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		m.ConversationID = convID
		buf = append(buf, m.Clone())
	}
	// Keep what is already buffered: stream arrivals while history was in
	// flight, older pages on a resync.
	merged := false
	for _, m := range s.messages[convID] {
		if !seen[m.ID] {
			seen[m.ID] = true
			buf = append(buf, m)
			merged = true
		}
	}
	if merged {
		slices.SortStableFunc(buf, func(a, b model.Message) int { return a.Timestamp.Compare(b.Timestamp) })
	}
	s.messages[convID] = buf
	s.hasMore[convID] = hasMore
	s.loading[convID] = false
	s.emit(bus.StoreMessages, MessagesLoaded{ConversationID: convID, HasMore: hasMore, Messages: cloneMessages(buf)})
}

// PrependMessages adds an older page in front of the buffer. Ids already in
// the buffer are skipped.
func (s *Store) PrependMessages(convID string, older []model.Message, hasMore bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.messages[convID]
	seen := make(map[string]bool, len(existing))
	for _, m := range existing {
		seen[m.ID] = true
	}
	page := make([]model.Message, 0, len(older))
	for _, m := range older {
		if m.ID == "" || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		m.ConversationID = convID
		page = append(page, m.Clone())
	}
	s.messages[convID] = append(page, existing...)
	s.hasMore[convID] = hasMore
	s.loading[convID] = false
	s.emit(bus.StoreMessages, MessagesLoaded{ConversationID: convID, Prepended: true, HasMore: hasMore, Messages: cloneMessages(page)})
}

// AppendMessage adds a message from a local send or the stream. It is
// idempotent by id. A message carrying the client id of a pending local
// record replaces that record instead of being appended. The conversation's
// unread counter goes up only for messages from other users in a
// conversation that is not open.
func (s *Store) AppendMessage(msg model.Message) AppendResult {
	if msg.ID == "" || msg.ConversationID == "" {
		s.logger.Warn("ignoring message without id", zap.String("conversation_id", msg.ConversationID))
		return AppendResult{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.messages[msg.ConversationID]
	if indexOf(buf, msg.ID) >= 0 {
		return AppendResult{}
	}

	res := AppendResult{Appended: true}
	if msg.ClientID != "" && !msg.IsTransient() {
		if i := slices.IndexFunc(buf, func(m model.Message) bool {
			return m.ClientID == msg.ClientID && m.IsTransient()
		}); i >= 0 {
			prev := buf[i].ID
			buf[i] = mergeServer(buf[i], msg)
			s.touchLastMessageLocked(buf[i])
			s.emit(bus.StoreMessage, MessageChange{Op: OpReconciled, ConversationID: msg.ConversationID, MessageID: msg.ID, PreviousID: prev, Message: buf[i].Clone()})
			return AppendResult{Appended: false, Reconciled: true}
		}
	}

	s.messages[msg.ConversationID] = append(buf, msg.Clone())

	conv := s.conversationLocked(msg.ConversationID)
	if conv == nil {
		res.UnknownConversation = true
	} else {
		s.touchLastMessageLocked(msg)
		if msg.SenderID != s.localUserID && msg.ConversationID != s.current {
			conv.UnreadCount++
			res.Incremented = true
		}
		s.recomputeLocked()
	}
	s.emit(bus.StoreMessage, MessageChange{Op: OpAppended, ConversationID: msg.ConversationID, MessageID: msg.ID, Message: msg.Clone()})
	return res
}

// touchLastMessageLocked moves the conversation's preview forward unless msg
// is older than what is already shown.
func (s *Store) touchLastMessageLocked(msg model.Message) {
	conv := s.conversationLocked(msg.ConversationID)
	if conv == nil {
		return
	}
	if conv.LastMessage != nil && msg.Timestamp.Before(conv.LastActivity) {
		return
	}
	conv.LastMessage = msg.Summary()
	conv.LastActivity = msg.Timestamp
}

// UpdateMessage merges a patch into one message. It never affects unread
// counters. Returns false when the message is not in the buffer.
func (s *Store) UpdateMessage(convID, msgID string, p MessagePatch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.messages[convID]
	i := indexOf(buf, msgID)
	if i < 0 {
		return false
	}
	m := &buf[i]
	if p.Status != nil {
		m.Status = *p.Status
	}
	if p.Content != nil && *p.Content != m.Content {
		m.Content = *p.Content
		m.Edited = true
	}
	if p.Error != nil {
		m.Error = *p.Error
	}
	if p.Reactions != nil {
		m.Reactions = model.Message{Reactions: p.Reactions}.Clone().Reactions
	}
	if conv := s.conversationLocked(convID); conv != nil && conv.LastMessage != nil && i == len(buf)-1 {
		conv.LastMessage.Content = m.Content
	}
	s.emit(bus.StoreMessage, MessageChange{Op: OpUpdated, ConversationID: convID, MessageID: msgID, Message: m.Clone()})
	return true
}

// ReconcileSent folds the server's copy of a locally sent message into the
// buffer. The transient record is updated in place; if the server id is
// already present (the stream echo won the race) the transient record is
// dropped instead. Either way exactly one record remains. A server copy
// without an id is refused and reported false; the transient record is left
// untouched.
func (s *Store) ReconcileSent(convID, transientID string, server model.Message) bool {
	if server.ID == "" {
		return false
	}
	if server.ConversationID == "" {
		server.ConversationID = convID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.messages[convID]
	ti := indexOf(buf, transientID)
	si := indexOf(buf, server.ID)

	switch {
	case ti >= 0 && si < 0:
		buf[ti] = mergeServer(buf[ti], server)
		s.touchLastMessageLocked(buf[ti])
		s.emit(bus.StoreMessage, MessageChange{Op: OpReconciled, ConversationID: convID, MessageID: server.ID, PreviousID: transientID, Message: buf[ti].Clone()})
	case ti >= 0 && si >= 0:
		s.messages[convID] = slices.Delete(buf, ti, ti+1)
		s.emit(bus.StoreMessage, MessageChange{Op: OpRemoved, ConversationID: convID, MessageID: transientID})
	case ti < 0 && si < 0:
		// The buffer was cleared (conversation reselected) while the send
		// was in flight.
		s.messages[convID] = append(buf, server.Clone())
		s.touchLastMessageLocked(server)
		s.emit(bus.StoreMessage, MessageChange{Op: OpAppended, ConversationID: convID, MessageID: server.ID, Message: server.Clone()})
	}
	return true
}

// RemoveMessage drops a message from the buffer. Only pending local records
// are removed this way; server messages are never deleted by the client.
func (s *Store) RemoveMessage(convID, msgID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.messages[convID]
	i := indexOf(buf, msgID)
	if i < 0 || !buf[i].IsTransient() {
		return false
	}
	s.messages[convID] = slices.Delete(buf, i, i+1)
	s.emit(bus.StoreMessage, MessageChange{Op: OpRemoved, ConversationID: convID, MessageID: msgID})
	return true
}

// MarkOwnMessagesRead sets status read on the local user's messages up to and
// including upToID. An empty upToID marks all of them.
func (s *Store) MarkOwnMessagesRead(convID, upToID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.messages[convID]
	end := len(buf) - 1
	if upToID != "" {
		end = indexOf(buf, upToID)
		if end < 0 {
			return 0
		}
	}
	n := 0
	for i := 0; i <= end; i++ {
		m := &buf[i]
		if m.SenderID != s.localUserID || m.Status == model.StatusRead || m.Status == model.StatusFailed || m.Status == model.StatusSending {
			continue
		}
		m.Status = model.StatusRead
		n++
		s.emit(bus.StoreMessage, MessageChange{Op: OpUpdated, ConversationID: convID, MessageID: m.ID, Message: m.Clone()})
	}
	return n
}

// Messages returns a copy of a conversation's buffer.
func (s *Store) Messages(convID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMessages(s.messages[convID])
}

// Message returns one message from a conversation's buffer.
func (s *Store) Message(convID, msgID string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.messages[convID]
	i := indexOf(buf, msgID)
	if i < 0 {
		return model.Message{}, false
	}
	return buf[i].Clone(), true
}

// HasMore reports whether older history can be loaded for convID.
func (s *Store) HasMore(convID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore[convID]
}

// Loading reports whether convID's history is being fetched.
func (s *Store) Loading(convID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading[convID]
}

// SetLoading flags a conversation's history as in flight.
func (s *Store) SetLoading(convID string, loading bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading[convID] = loading
}

// mergeServer applies the authoritative fields of server onto a local record.
func mergeServer(local, server model.Message) model.Message {
	out := server.Clone()
	if out.ClientID == "" {
		out.ClientID = local.ClientID
	}
	if out.Content == "" {
		out.Content = local.Content
	}
	if len(out.Attachments) == 0 {
		out.Attachments = local.Attachments
	}
	if out.Status == "" || out.Status == model.StatusSending {
		out.Status = model.StatusSent
	}
	out.Error = ""
	return out
}

func indexOf(buf []model.Message, id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(buf, func(m model.Message) bool { return m.ID == id })
}
