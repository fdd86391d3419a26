package model

import "testing"

func TestParseMessageKind(t *testing.T) {
	tests := []struct {
		in   string
		want MessageKind
	}{
		{"text", MessageText},
		{"IMAGE", MessageImage},
		{"announcement", MessageAnnouncement},
		{"", MessageText},
		{"sticker", MessageText},
	}
	for _, tt := range tests {
		if got := ParseMessageKind(tt.in); got != tt.want {
			t.Errorf("ParseMessageKind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseConversationKind(t *testing.T) {
	tests := []struct {
		in   string
		want ConversationKind
	}{
		{"private", KindPrivate},
		{"project", KindProject},
		{"group", KindProject},
		{"system", KindSystem},
		{"channel", ""},
	}
	for _, tt := range tests {
		if got := ParseConversationKind(tt.in); got != tt.want {
			t.Errorf("ParseConversationKind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParsePresenceDefaultsOffline(t *testing.T) {
	if got := ParsePresence("invisible"); got != PresenceOffline {
		t.Errorf("ParsePresence(invisible) = %q, want offline", got)
	}
	if got := ParsePresence("Away"); got != PresenceAway {
		t.Errorf("ParsePresence(Away) = %q, want away", got)
	}
}

func TestIsTransient(t *testing.T) {
	m := Message{ID: TransientPrefix + "abc"}
	if !m.IsTransient() {
		t.Error("IsTransient() = false for local id")
	}
	m.ID = "srv-1"
	if m.IsTransient() {
		t.Error("IsTransient() = true for server id")
	}
}

func TestCloneIsDeep(t *testing.T) {
	c := Conversation{ID: "c1", ParticipantIDs: []string{"u1"}, LastMessage: &MessageSummary{Content: "hi"}}
	cp := c.Clone()
	cp.ParticipantIDs[0] = "u2"
	cp.LastMessage.Content = "changed"
	if c.ParticipantIDs[0] != "u1" || c.LastMessage.Content != "hi" {
		t.Errorf("Clone shares state with original: %+v", c)
	}

	m := Message{ID: "m1", Reactions: map[string][]string{"+1": {"u1"}}}
	mc := m.Clone()
	mc.Reactions["+1"][0] = "u9"
	if m.Reactions["+1"][0] != "u1" {
		t.Error("Message.Clone shares reaction slices")
	}
}
