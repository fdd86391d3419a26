package model

import (
	"slices"
	"strings"
	"time"
)

// ConversationKind distinguishes project group chats, private chats and
// system notice channels.
type ConversationKind string

const (
	KindProject ConversationKind = "project"
	KindPrivate ConversationKind = "private"
	KindSystem  ConversationKind = "system"
)

// MessageKind is the content type of a message.
type MessageKind string

const (
	MessageText         MessageKind = "text"
	MessageImage        MessageKind = "image"
	MessageFile         MessageKind = "file"
	MessageVoice        MessageKind = "voice"
	MessageVideo        MessageKind = "video"
	MessageSystem       MessageKind = "system"
	MessageAnnouncement MessageKind = "announcement"
)

// MessageStatus is the delivery status of a message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Presence is a user's online status.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceAway    Presence = "away"
	PresenceBusy    Presence = "busy"
	PresenceOffline Presence = "offline"
)

// TransientPrefix marks message ids generated locally before the server has
// assigned one.
const TransientPrefix = "local-"

// User is a chat participant.
type User struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Email    string    `json:"email,omitempty"`
	Avatar   string    `json:"avatar,omitempty"`
	Status   Presence  `json:"status,omitempty"`
	LastSeen time.Time `json:"lastSeen,omitzero"`
}

// DisplayName returns the user's name, falling back to the id.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.Name != "" {
		return u.Name
	}
	return u.ID
}

// MessageSummary is the last-message preview kept on a conversation.
type MessageSummary struct {
	Content   string      `json:"content"`
	SenderID  string      `json:"senderId"`
	Kind      MessageKind `json:"messageType"`
	Timestamp time.Time   `json:"timestamp"`
}

// Conversation is a chat thread. Participants are referenced by id into the
// store's user table.
type Conversation struct {
	ID             string           `json:"id"`
	Kind           ConversationKind `json:"type"`
	ProjectID      string           `json:"projectId,omitempty"`
	Name           string           `json:"name"`
	Avatar         string           `json:"avatar,omitempty"`
	ParticipantIDs []string         `json:"participantIds"`
	LastMessage    *MessageSummary  `json:"lastMessage,omitempty"`
	UnreadCount    int              `json:"unreadCount"`
	Pinned         bool             `json:"isPinned"`
	Muted          bool             `json:"isMuted"`
	Archived       bool             `json:"isArchived"`
	Priority       int              `json:"priority"`
	LastActivity   time.Time        `json:"lastActivity"`
}

// Clone returns a deep copy safe to hand out of the store.
func (c Conversation) Clone() Conversation {
	c.ParticipantIDs = slices.Clone(c.ParticipantIDs)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		c.LastMessage = &lm
	}
	return c
}

// Attachment is a file reference carried by a message.
type Attachment struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType,omitempty"`
}

// Message is a single chat message.
type Message struct {
	ID             string              `json:"id"`
	ClientID       string              `json:"clientId,omitempty"`
	ConversationID string              `json:"conversationId"`
	SenderID       string              `json:"senderId"`
	Content        string              `json:"content"`
	Kind           MessageKind         `json:"messageType"`
	Status         MessageStatus       `json:"status"`
	Timestamp      time.Time           `json:"timestamp"`
	ReplyTo        string              `json:"replyTo,omitempty"`
	Attachments    []Attachment        `json:"attachments,omitempty"`
	Reactions      map[string][]string `json:"reactions,omitempty"`
	Error          string              `json:"error,omitempty"`
	Edited         bool                `json:"edited,omitempty"`
}

// IsTransient reports whether the message still carries a locally generated id.
func (m *Message) IsTransient() bool {
	return strings.HasPrefix(m.ID, TransientPrefix)
}

// Summary returns the last-message preview for this message.
func (m *Message) Summary() *MessageSummary {
	return &MessageSummary{
		Content:   m.Content,
		SenderID:  m.SenderID,
		Kind:      m.Kind,
		Timestamp: m.Timestamp,
	}
}

// Clone returns a deep copy safe to hand out of the store.
func (m Message) Clone() Message {
	m.Attachments = slices.Clone(m.Attachments)
	if m.Reactions != nil {
		r := make(map[string][]string, len(m.Reactions))
		for k, v := range m.Reactions {
			r[k] = slices.Clone(v)
		}
		m.Reactions = r
	}
	return m
}

// UnreadSummary is the polled unread-count summary.
type UnreadSummary struct {
	Total         int            `json:"total"`
	System        int            `json:"system"`
	Conversations map[string]int `json:"conversations,omitempty"`
}

// ParseMessageKind normalises a wire message type, defaulting to text.
func ParseMessageKind(s string) MessageKind {
	switch k := MessageKind(strings.ToLower(s)); k {
	case MessageText, MessageImage, MessageFile, MessageVoice, MessageVideo, MessageSystem, MessageAnnouncement:
		return k
	}
	return MessageText
}

// ParseMessageStatus normalises a wire delivery status, defaulting to sent.
func ParseMessageStatus(s string) MessageStatus {
	switch st := MessageStatus(strings.ToLower(s)); st {
	case StatusSending, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return st
	}
	return StatusSent
}

// ParseConversationKind normalises a wire conversation type. Unknown values
// return the empty kind.
func ParseConversationKind(s string) ConversationKind {
	switch k := ConversationKind(strings.ToLower(s)); k {
	case KindProject, KindPrivate, KindSystem:
		return k
	case "group":
		return KindProject
	}
	return ""
}

// ParsePresence normalises a wire presence value, defaulting to offline.
func ParsePresence(s string) Presence {
	switch p := Presence(strings.ToLower(s)); p {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceOffline:
		return p
	}
	return PresenceOffline
}
