package outbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/imcore/internal/bus"
	"github.com/matheus3301/imcore/internal/model"
	"github.com/matheus3301/imcore/internal/remote"
	"github.com/matheus3301/imcore/internal/store"
	"github.com/matheus3301/imcore/internal/transport"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned by Retry for a message the store does not hold.
	ErrNotFound = errors.New("message not found")
	// ErrNotFailed is returned by Retry for a message that did not fail.
	ErrNotFailed = errors.New("message has not failed")
	// ErrEmpty is returned for a draft with neither text nor files.
	ErrEmpty = errors.New("empty message")
)

// Remote is the subset of the REST client used to send.
type Remote interface {
	SendMessage(ctx context.Context, req remote.SendMessageRequest) (*model.Message, error)
	Upload(ctx context.Context, name string, r io.Reader) (*model.Attachment, error)
}

// Broadcaster pushes a frame on the stream. Send reports false when the
// stream is down.
type Broadcaster interface {
	Send(evt transport.Event) bool
}

// Metrics counts send outcomes.
type Metrics interface {
	MessageSent(ok bool)
}

// Draft is a message composed by the user.
type Draft struct {
	ConversationID string
	Content        string
	Kind           model.MessageKind
	ReplyTo        string
	// Files are local paths uploaded before the message is sent.
	Files []string
}

// Ack is the payload of message.send_ack events.
type Ack struct {
	ConversationID string
	ClientID       string
	TransientID    string
	ServerID       string
}

// Failure is the payload of message.send_failed events.
type Failure struct {
	ConversationID string
	ClientID       string
	TransientID    string
	Error          string
}

// Sender inserts drafts into the store optimistically and delivers them.
type Sender struct {
	store   *store.Store
	remote  Remote
	channel Broadcaster
	bus     *bus.Bus
	metrics Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu      gosync.Mutex
	pending map[string]Draft
}

// NewSender creates a new outbox sender. channel and m may be nil.
func NewSender(st *store.Store, r Remote, channel Broadcaster, b *bus.Bus, m Metrics, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		store:   st,
		remote:  r,
		channel: channel,
		bus:     b,
		metrics: m,
		logger:  logger.Named("outbox"),
		now:     time.Now,
		pending: make(map[string]Draft),
	}
}

// Send shows d in the store immediately with status sending, then delivers
// it. On success the local record takes the server's id; on failure it is
// marked failed and kept for Retry. The returned message is the record's
// final state.
func (s *Sender) Send(ctx context.Context, d Draft) (model.Message, error) {
	if d.ConversationID == "" {
		return model.Message{}, fmt.Errorf("send: missing conversation")
	}
	if strings.TrimSpace(d.Content) == "" && len(d.Files) == 0 {
		return model.Message{}, ErrEmpty
	}

	clientID := uuid.NewString()
	msg := model.Message{
		ID:             model.TransientPrefix + clientID,
		ClientID:       clientID,
		ConversationID: d.ConversationID,
		SenderID:       s.store.LocalUserID(),
		Content:        d.Content,
		Kind:           kindOf(d),
		Status:         model.StatusSending,
		Timestamp:      s.now(),
		ReplyTo:        d.ReplyTo,
	}
	for _, p := range d.Files {
		msg.Attachments = append(msg.Attachments, model.Attachment{Name: filepath.Base(p)})
	}

	// Optimistic insert: show the message immediately.
	s.store.AppendMessage(msg)
	s.mu.Lock()
	s.pruneLocked()
	s.pending[msg.ID] = d
	s.mu.Unlock()

	return s.deliver(ctx, msg, d)
}

// Retry resends a failed message.
func (s *Sender) Retry(ctx context.Context, convID, transientID string) (model.Message, error) {
	msg, ok := s.store.Message(convID, transientID)
	if !ok {
		return model.Message{}, fmt.Errorf("retry %s: %w", transientID, ErrNotFound)
	}
	if msg.Status != model.StatusFailed {
		return model.Message{}, fmt.Errorf("retry %s: %w", transientID, ErrNotFailed)
	}

	s.mu.Lock()
	d, ok := s.pending[transientID]
	s.pruneLocked()
	s.mu.Unlock()
	if !ok {
		d = Draft{ConversationID: convID, Content: msg.Content, Kind: msg.Kind, ReplyTo: msg.ReplyTo}
	}

	sending := model.StatusSending
	none := ""
	s.store.UpdateMessage(convID, transientID, store.MessagePatch{Status: &sending, Error: &none})
	msg.Status = sending
	msg.Error = ""
	return s.deliver(ctx, msg, d)
}

// pruneLocked forgets drafts whose record the store no longer holds, which
// happens when a conversation is reselected or the store is reset. s.mu must
// be held.
func (s *Sender) pruneLocked() {
	for id, d := range s.pending {
		if _, ok := s.store.Message(d.ConversationID, id); !ok {
			delete(s.pending, id)
		}
	}
}

func (s *Sender) deliver(ctx context.Context, msg model.Message, d Draft) (model.Message, error) {
	atts, err := s.upload(ctx, d.Files)
	if err != nil {
		return s.fail(msg, err)
	}

	sent, err := s.remote.SendMessage(ctx, remote.SendMessageRequest{
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		Kind:           msg.Kind,
		ReplyTo:        msg.ReplyTo,
		ClientID:       msg.ClientID,
		Attachments:    atts,
	})
	if err != nil {
		return s.fail(msg, err)
	}
	if sent.ClientID == "" {
		sent.ClientID = msg.ClientID
	}

	if !s.store.ReconcileSent(msg.ConversationID, msg.ID, *sent) {
		return s.fail(msg, remote.ErrMissingID)
	}
	s.mu.Lock()
	delete(s.pending, msg.ID)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.MessageSent(true)
	}

	s.broadcast(*sent)
	s.logger.Info("message sent", zap.String("client_msg_id", msg.ClientID), zap.String("server_msg_id", sent.ID))
	s.bus.Emit(bus.MessageSendAck, Ack{
		ConversationID: msg.ConversationID,
		ClientID:       msg.ClientID,
		TransientID:    msg.ID,
		ServerID:       sent.ID,
	})

	if out, ok := s.store.Message(msg.ConversationID, sent.ID); ok {
		return out, nil
	}
	return *sent, nil
}

func (s *Sender) fail(msg model.Message, cause error) (model.Message, error) {
	s.logger.Error("failed to send message", zap.Error(cause), zap.String("client_msg_id", msg.ClientID))
	failed := model.StatusFailed
	text := cause.Error()
	s.store.UpdateMessage(msg.ConversationID, msg.ID, store.MessagePatch{Status: &failed, Error: &text})
	if s.metrics != nil {
		s.metrics.MessageSent(false)
	}
	s.bus.Emit(bus.MessageSendFailed, Failure{
		ConversationID: msg.ConversationID,
		ClientID:       msg.ClientID,
		TransientID:    msg.ID,
		Error:          text,
	})
	msg.Status = failed
	msg.Error = text
	return msg, fmt.Errorf("send message: %w", cause)
}

// broadcast tells other stream participants about the message. The server
// fans out on its own, so a closed stream is not an error.
func (s *Sender) broadcast(m model.Message) {
	if s.channel == nil {
		return
	}
	evt, err := transport.NewEvent(transport.TypeMessage, transport.MessageDataFrom(m))
	if err != nil {
		s.logger.Warn("encode echo", zap.Error(err))
		return
	}
	if !s.channel.Send(evt) {
		s.logger.Debug("stream down, echo skipped", zap.String("message_id", m.ID))
	}
}

func (s *Sender) upload(ctx context.Context, paths []string) ([]model.Attachment, error) {
	var out []model.Attachment
	for _, p := range paths {
		att, err := s.uploadOne(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, *att)
	}
	return out, nil
}

func (s *Sender) uploadOne(ctx context.Context, path string) (*model.Attachment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open attachment: %w", err)
	}
	defer func() { _ = f.Close() }()
	att, err := s.remote.Upload(ctx, filepath.Base(path), f)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", filepath.Base(path), err)
	}
	if att.MimeType == "" {
		att.MimeType = mime.TypeByExtension(filepath.Ext(path))
	}
	return att, nil
}

// kindOf picks the message kind: explicit, else image when every file looks
// like an image, else file, else text.
func kindOf(d Draft) model.MessageKind {
	if d.Kind != "" {
		return d.Kind
	}
	if len(d.Files) == 0 {
		return model.MessageText
	}
	for _, p := range d.Files {
		if !strings.HasPrefix(mime.TypeByExtension(filepath.Ext(p)), "image/") {
			return model.MessageFile
		}
	}
	return model.MessageImage
}
