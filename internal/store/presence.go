package store

import (
	"time"

	"github.com/matheus3301/imcore/internal/bus"
	"github.com/matheus3301/imcore/internal/model"
)

// UpsertUsers merges users into the normalized user table. A known user's
// presence is kept when the incoming record carries none.
func (s *Store) UpsertUsers(users ...model.User) {
	if len(users) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range users {
		if u.ID == "" {
			continue
		}
		if prev, ok := s.users[u.ID]; ok {
			if u.Status == "" {
				u.Status = prev.Status
			}
			if u.LastSeen.IsZero() {
				u.LastSeen = prev.LastSeen
			}
		}
		s.users[u.ID] = u
	}
	s.emit(bus.StorePresence, "")
}

// SetUserPresence updates one user's online status. Unknown users get a
// placeholder record.
func (s *Store) SetUserPresence(userID string, p model.Presence, lastSeen time.Time) {
	if userID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		u = model.User{ID: userID}
	}
	if u.Status == p && (lastSeen.IsZero() || lastSeen.Equal(u.LastSeen)) {
		return
	}
	u.Status = p
	if !lastSeen.IsZero() {
		u.LastSeen = lastSeen
	}
	s.users[userID] = u
	s.emit(bus.StorePresence, userID)
}

// User returns one user from the table.
func (s *Store) User(id string) (model.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok
}

// OnlineUsers returns the ids of users whose presence is online.
func (s *Store) OnlineUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]struct{})
	for id, u := range s.users {
		if u.Status == model.PresenceOnline {
			set[id] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// Participants resolves a conversation's participant ids against the user
// table. Ids with no user record yield a placeholder carrying only the id.
func (s *Store) Participants(convID string) []model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conversationLocked(convID)
	if c == nil {
		return nil
	}
	out := make([]model.User, 0, len(c.ParticipantIDs))
	for _, id := range c.ParticipantIDs {
		u, ok := s.users[id]
		if !ok {
			u = model.User{ID: id}
		}
		out = append(out, u)
	}
	return out
}

// SetTyping adds or removes userID from a conversation's typing set. The
// store never expires entries on its own.
func (s *Store) SetTyping(convID, userID string, typing bool) {
	if convID == "" || userID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.typing[convID]
	_, present := set[userID]
	if typing == present {
		return
	}
	if typing {
		if set == nil {
			set = make(map[string]struct{})
			s.typing[convID] = set
		}
		set[userID] = struct{}{}
	} else {
		delete(set, userID)
		if len(set) == 0 {
			delete(s.typing, convID)
		}
	}
	s.emit(bus.StoreTyping, TypingChange{ConversationID: convID, UserIDs: sortedKeys(s.typing[convID])})
}

// TypingUsers returns who is typing in a conversation, sorted.
func (s *Store) TypingUsers(convID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.typing[convID])
}
