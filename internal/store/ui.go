package store

import "github.com/matheus3301/imcore/internal/bus"

// SetFilter replaces the conversation list filter.
func (s *Store) SetFilter(f Filter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filter == f {
		return
	}
	s.filter = f
	s.emit(bus.StoreUI, "filter")
}

// Filter returns the current conversation list filter.
func (s *Store) Filter() Filter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

// SetDraft stores unsent composer text for a conversation. Empty text
// deletes the draft.
func (s *Store) SetDraft(convID, text string) {
	if convID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drafts[convID] == text {
		return
	}
	if text == "" {
		delete(s.drafts, convID)
	} else {
		s.drafts[convID] = text
	}
	s.emit(bus.StoreUI, "draft")
}

// Draft returns the stored draft for a conversation.
func (s *Store) Draft(convID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drafts[convID]
}
