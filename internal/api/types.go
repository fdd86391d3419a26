package api

import (
	"github.com/matheus3301/imcore/internal/archive"
	"github.com/matheus3301/imcore/internal/model"
	"github.com/matheus3301/imcore/internal/store"
)

// Empty is used by methods without arguments or results.
type Empty struct{}

// StatusView is the Status response.
type StatusView struct {
	Session       string `json:"session"`
	Connection    string `json:"connection"`
	Attempts      int    `json:"attempts"`
	LocalUserID   string `json:"localUserId"`
	Current       string `json:"current,omitempty"`
	TotalUnread   int    `json:"totalUnread"`
	SystemUnread  int    `json:"systemUnread"`
	Conversations int    `json:"conversations"`
	Archived      int64  `json:"archivedMessages"`
	Visible       bool   `json:"visible"`
	UptimeMs      int64  `json:"uptimeMs"`
}

// ListConversationsRequest optionally replaces the store's filter before
// listing.
type ListConversationsRequest struct {
	Filter *store.Filter `json:"filter,omitempty"`
}

// ConversationList is the ListConversations response.
type ConversationList struct {
	Conversations []model.Conversation `json:"conversations"`
	Total         int                  `json:"totalUnread"`
}

// ConversationRequest names one conversation.
type ConversationRequest struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

// ListMessagesRequest reads the store's buffer, or the archive when
// FromArchive is set.
type ListMessagesRequest struct {
	ConversationID string `json:"conversationId" validate:"required"`
	Limit          int    `json:"limit" validate:"gte=0,lte=500"`
	FromArchive    bool   `json:"fromArchive,omitempty"`
}

// MessageList is returned by ListMessages, Open and LoadMore.
type MessageList struct {
	ConversationID string          `json:"conversationId"`
	Messages       []model.Message `json:"messages"`
	HasMore        bool            `json:"hasMore"`
	Typing         []string        `json:"typing,omitempty"`
}

// SendRequest is a message composed from the CLI.
type SendRequest struct {
	ConversationID string   `json:"conversationId" validate:"required"`
	Content        string   `json:"content" validate:"max=10000"`
	Kind           string   `json:"messageType,omitempty"`
	ReplyTo        string   `json:"replyTo,omitempty"`
	Files          []string `json:"files,omitempty" validate:"dive,required"`
}

// RetryRequest names a failed message.
type RetryRequest struct {
	ConversationID string `json:"conversationId" validate:"required"`
	MessageID      string `json:"messageId" validate:"required"`
}

// SendResult carries the message's final state. Error is set when the
// message ended up failed; it can be passed to Retry.
type SendResult struct {
	Message model.Message `json:"message"`
	Error   string        `json:"error,omitempty"`
}

// VisibilityRequest reports whether the user is looking at the client.
type VisibilityRequest struct {
	Visible bool `json:"visible"`
}

// DraftRequest stores unsent text for a conversation.
type DraftRequest struct {
	ConversationID string `json:"conversationId" validate:"required"`
	Text           string `json:"text"`
}

// SearchRequest queries the archive.
type SearchRequest struct {
	Query          string `json:"query" validate:"required"`
	ConversationID string `json:"conversationId,omitempty"`
	Limit          int    `json:"limit" validate:"gte=0,lte=500"`
}

// SearchResults is the Search response.
type SearchResults struct {
	Results []archive.SearchResult `json:"results"`
}

// UserSearchRequest queries the server's user directory.
type UserSearchRequest struct {
	Query string `json:"query" validate:"required"`
}

// UserList is the SearchUsers response.
type UserList struct {
	Users []model.User `json:"users"`
}

// WatchRequest selects bus namespaces; empty means store and connection
// events.
type WatchRequest struct {
	Namespaces []string `json:"namespaces,omitempty"`
}

// EventView is one streamed bus event.
type EventView struct {
	Kind      string `json:"kind"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}
