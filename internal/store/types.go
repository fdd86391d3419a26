package store

import (
	"github.com/matheus3301/imcore/internal/model"
	"github.com/matheus3301/imcore/internal/status"
)

// Badge receives the aggregate unread total every time it changes. It is
// called with the store lock held and must not call back into the Store.
type Badge interface {
	SetUnreadTotal(total int)
}

// BadgeFunc adapts a function to Badge.
type BadgeFunc func(total int)

// SetUnreadTotal calls f(total).
func (f BadgeFunc) SetUnreadTotal(total int) { f(total) }

// Filter narrows the conversation list shown to the user.
type Filter struct {
	Kind         model.ConversationKind `json:"kind,omitempty"`
	ProjectID    string                 `json:"projectId,omitempty"`
	Query        string                 `json:"query,omitempty"`
	ShowArchived bool                   `json:"showArchived,omitempty"`
	UnreadOnly   bool                   `json:"unreadOnly,omitempty"`
}

// AppendResult describes what AppendMessage did.
type AppendResult struct {
	// Appended is false when the id was already present.
	Appended bool
	// Reconciled is true when the message replaced a pending local record
	// with the same client id.
	Reconciled bool
	// Incremented is true when the conversation's unread counter went up.
	Incremented bool
	// UnknownConversation is true when no conversation with that id is known.
	UnknownConversation bool
}

// MessagePatch is a partial update. Nil fields are left unchanged.
type MessagePatch struct {
	Status    *model.MessageStatus
	Content   *string
	Error     *string
	Reactions map[string][]string
}

// ChangeOp names a message-level mutation.
type ChangeOp string

const (
	OpAppended   ChangeOp = "appended"
	OpUpdated    ChangeOp = "updated"
	OpReconciled ChangeOp = "reconciled"
	OpRemoved    ChangeOp = "removed"
)

// MessageChange is the payload of store.message events.
type MessageChange struct {
	Op             ChangeOp
	ConversationID string
	MessageID      string
	// PreviousID is the transient id a reconciled record carried before.
	PreviousID string
	Message    model.Message
}

// MessagesLoaded is the payload of store.messages events.
type MessagesLoaded struct {
	ConversationID string
	Prepended      bool
	HasMore        bool
	Messages       []model.Message
}

// UnreadChange is the payload of store.unread events.
type UnreadChange struct {
	Previous int
	Total    int
}

// TypingChange is the payload of store.typing events.
type TypingChange struct {
	ConversationID string
	UserIDs        []string
}

// Snapshot is an immutable copy of the store's state.
type Snapshot struct {
	LocalUserID     string
	Conversations   []model.Conversation
	Current         string
	Messages        []model.Message
	MessagesLoading bool
	HasMore         bool
	Unread          map[string]int
	TotalUnread     int
	SystemUnread    int
	Connection      status.State
	Typing          map[string][]string
	Users           map[string]model.User
	Filter          Filter
	Drafts          map[string]string
}
