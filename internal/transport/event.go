package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/imcore/internal/model"
)

// EventType discriminates stream frames.
type EventType string

const (
	TypeMessage    EventType = "message"
	TypeTyping     EventType = "typing"
	TypeRead       EventType = "read"
	TypeUserStatus EventType = "user_status"
	TypeError      EventType = "error"
	TypeConnected  EventType = "connected"
	TypePing       EventType = "ping"
	TypePong       EventType = "pong"
)

// Known reports whether t is a type the dispatcher understands.
func (t EventType) Known() bool {
	switch t {
	case TypeMessage, TypeTyping, TypeRead, TypeUserStatus, TypeError, TypeConnected, TypePing, TypePong:
		return true
	}
	return false
}

// Event is one JSON frame on the stream.
type Event struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// NewEvent builds an event with data marshalled to JSON.
func NewEvent(t EventType, data any) (Event, error) {
	evt := Event{Type: t, Timestamp: time.Now().UnixMilli()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s data: %w", t, err)
		}
		evt.Data = raw
	}
	return evt, nil
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s event has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", e.Type, err)
	}
	return nil
}

// MessageData is the payload of a message frame.
type MessageData struct {
	ID             string             `json:"id"`
	ClientID       string             `json:"clientId,omitempty"`
	ConversationID string             `json:"conversationId"`
	SenderID       string             `json:"senderId"`
	Content        string             `json:"content"`
	MessageType    string             `json:"messageType,omitempty"`
	Status         string             `json:"status,omitempty"`
	ReplyTo        string             `json:"replyTo,omitempty"`
	Attachments    []model.Attachment `json:"attachments,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

// Message converts the payload into a store message.
func (d MessageData) Message() model.Message {
	ts := d.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return model.Message{
		ID:             d.ID,
		ClientID:       d.ClientID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Content:        d.Content,
		Kind:           model.ParseMessageKind(d.MessageType),
		Status:         model.ParseMessageStatus(d.Status),
		ReplyTo:        d.ReplyTo,
		Attachments:    d.Attachments,
		Timestamp:      ts,
	}
}

// MessageDataFrom builds a message payload from a store message.
func MessageDataFrom(m model.Message) MessageData {
	return MessageData{
		ID:             m.ID,
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		MessageType:    string(m.Kind),
		Status:         string(m.Status),
		ReplyTo:        m.ReplyTo,
		Attachments:    m.Attachments,
		Timestamp:      m.Timestamp,
	}
}

// TypingData is the payload of a typing frame.
type TypingData struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// ReadData is the payload of a read receipt frame.
type ReadData struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	MessageID      string `json:"messageId,omitempty"`
}

// UserStatusData is the payload of a presence frame.
type UserStatusData struct {
	UserID   string    `json:"userId"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"lastSeen,omitzero"`
}

// ErrorData is the payload of a server error frame.
type ErrorData struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ConnectedData is the payload of the server hello frame.
type ConnectedData struct {
	UserID string `json:"userId"`
}
