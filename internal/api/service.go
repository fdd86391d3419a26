// Package api serves the daemon's control surface over gRPC. imctl is its
// only client.
package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/matheus3301/imcore/internal/archive"
	"github.com/matheus3301/imcore/internal/bus"
	"github.com/matheus3301/imcore/internal/model"
	"github.com/matheus3301/imcore/internal/outbox"
	"github.com/matheus3301/imcore/internal/remote"
	"github.com/matheus3301/imcore/internal/status"
	"github.com/matheus3301/imcore/internal/store"
	intsync "github.com/matheus3301/imcore/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Engine is the subset of the sync engine the API drives.
type Engine interface {
	OpenConversation(ctx context.Context, id string) error
	LoadMore(ctx context.Context, id string) error
	CloseConversation()
	MarkRead(ctx context.Context, id string) error
}

// Outbox sends and retries messages.
type Outbox interface {
	Send(ctx context.Context, d outbox.Draft) (model.Message, error)
	Retry(ctx context.Context, convID, transientID string) (model.Message, error)
}

// Connection is the stream channel.
type Connection interface {
	Status() status.State
	Attempts() int
	Reconnect()
}

// Archive is the local message archive.
type Archive interface {
	SearchMessages(query, convID string, limit int) ([]archive.SearchResult, error)
	ListMessages(convID string, before time.Time, limit int) ([]model.Message, error)
	MessageCount() (int64, error)
}

// Directory looks users up on the server.
type Directory interface {
	SearchUsers(ctx context.Context, query string) ([]model.User, error)
}

// Visibility reports whether the poller currently treats the client as
// visible.
type Visibility interface {
	Visible() bool
}

// Options wires a Service. Archive, Directory and Visibility may be nil.
type Options struct {
	SessionName string
	Store       *store.Store
	Engine      Engine
	Outbox      Outbox
	Connection  Connection
	Archive     Archive
	Directory   Directory
	Visibility  Visibility
	Bus         *bus.Bus
	Logger      *zap.Logger
}

// Service implements the imcore.v1.Control gRPC service.
type Service struct {
	session   string
	startedAt time.Time
	store     *store.Store
	engine    Engine
	outbox    Outbox
	conn      Connection
	archive   Archive
	directory Directory
	visible   Visibility
	bus       *bus.Bus
	validator *validator.Validate
	logger    *zap.Logger
}

// NewService creates the control service.
func NewService(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		session:   opts.SessionName,
		startedAt: time.Now(),
		store:     opts.Store,
		engine:    opts.Engine,
		outbox:    opts.Outbox,
		conn:      opts.Connection,
		archive:   opts.Archive,
		directory: opts.Directory,
		visible:   opts.Visibility,
		bus:       opts.Bus,
		validator: validator.New(),
		logger:    opts.Logger.Named("api"),
	}
}

func (s *Service) Status(_ context.Context, _ Empty) (StatusView, error) {
	snap := s.store.Snapshot()
	v := StatusView{
		Session:       s.session,
		Connection:    string(snap.Connection),
		LocalUserID:   snap.LocalUserID,
		Current:       snap.Current,
		TotalUnread:   snap.TotalUnread,
		SystemUnread:  snap.SystemUnread,
		Conversations: len(snap.Conversations),
		Visible:       true,
		UptimeMs:      time.Since(s.startedAt).Milliseconds(),
	}
	if s.conn != nil {
		v.Connection = string(s.conn.Status())
		v.Attempts = s.conn.Attempts()
	}
	if s.visible != nil {
		v.Visible = s.visible.Visible()
	}
	if s.archive != nil {
		if n, err := s.archive.MessageCount(); err == nil {
			v.Archived = n
		}
	}
	return v, nil
}

func (s *Service) ListConversations(_ context.Context, req ListConversationsRequest) (ConversationList, error) {
	if req.Filter != nil {
		s.store.SetFilter(*req.Filter)
	}
	return ConversationList{
		Conversations: s.store.FilteredConversations(),
		Total:         s.store.TotalUnread(),
	}, nil
}

func (s *Service) ListMessages(_ context.Context, req ListMessagesRequest) (MessageList, error) {
	if req.FromArchive {
		if s.archive == nil {
			return MessageList{}, grpcstatus.Error(codes.Unavailable, "archive disabled")
		}
		msgs, err := s.archive.ListMessages(req.ConversationID, time.Time{}, req.Limit)
		if err != nil {
			return MessageList{}, err
		}
		// Archive pages are newest first; present them oldest first like the store.
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
		return MessageList{ConversationID: req.ConversationID, Messages: msgs}, nil
	}
	return s.messageList(req.ConversationID, req.Limit), nil
}

func (s *Service) Open(ctx context.Context, req ConversationRequest) (MessageList, error) {
	if err := s.engine.OpenConversation(ctx, req.ConversationID); err != nil {
		return MessageList{}, err
	}
	return s.messageList(req.ConversationID, 0), nil
}

func (s *Service) Close(_ context.Context, _ Empty) (Empty, error) {
	s.engine.CloseConversation()
	return Empty{}, nil
}

func (s *Service) LoadMore(ctx context.Context, req ConversationRequest) (MessageList, error) {
	if err := s.engine.LoadMore(ctx, req.ConversationID); err != nil {
		return MessageList{}, err
	}
	return s.messageList(req.ConversationID, 0), nil
}

func (s *Service) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	msg, err := s.outbox.Send(ctx, outbox.Draft{
		ConversationID: req.ConversationID,
		Content:        req.Content,
		Kind:           model.MessageKind(req.Kind),
		ReplyTo:        req.ReplyTo,
		Files:          req.Files,
	})
	return sendResult(msg, err)
}

func (s *Service) Retry(ctx context.Context, req RetryRequest) (SendResult, error) {
	msg, err := s.outbox.Retry(ctx, req.ConversationID, req.MessageID)
	return sendResult(msg, err)
}

func (s *Service) MarkRead(ctx context.Context, req ConversationRequest) (Empty, error) {
	return Empty{}, s.engine.MarkRead(ctx, req.ConversationID)
}

func (s *Service) Reconnect(_ context.Context, _ Empty) (Empty, error) {
	if s.conn == nil {
		return Empty{}, grpcstatus.Error(codes.Unavailable, "stream disabled")
	}
	s.conn.Reconnect()
	return Empty{}, nil
}

// SetVisibility publishes a host visibility change; the poller follows it.
func (s *Service) SetVisibility(_ context.Context, req VisibilityRequest) (Empty, error) {
	s.bus.Emit(bus.HostVisibility, req.Visible)
	return Empty{}, nil
}

func (s *Service) SetDraft(_ context.Context, req DraftRequest) (Empty, error) {
	s.store.SetDraft(req.ConversationID, req.Text)
	return Empty{}, nil
}

func (s *Service) Search(_ context.Context, req SearchRequest) (SearchResults, error) {
	if s.archive == nil {
		return SearchResults{}, grpcstatus.Error(codes.Unavailable, "archive disabled")
	}
	results, err := s.archive.SearchMessages(req.Query, req.ConversationID, req.Limit)
	if err != nil {
		return SearchResults{}, err
	}
	return SearchResults{Results: results}, nil
}

func (s *Service) SearchUsers(ctx context.Context, req UserSearchRequest) (UserList, error) {
	if s.directory == nil {
		return UserList{}, grpcstatus.Error(codes.Unavailable, "directory disabled")
	}
	users, err := s.directory.SearchUsers(ctx, req.Query)
	if err != nil {
		return UserList{}, err
	}
	return UserList{Users: users}, nil
}

// Watch streams bus events until the client goes away.
func (s *Service) Watch(req WatchRequest, stream grpc.ServerStream) error {
	namespaces := req.Namespaces
	if len(namespaces) == 0 {
		namespaces = []string{"store.", "connection."}
	}
	ch, unsub := s.bus.Subscribe("", 256)
	defer unsub()

	ctx := stream.Context()
	for {
		select {
		case evt := <-ch:
			if !matchesAny(evt.Kind, namespaces) {
				continue
			}
			out, err := encode(EventView{Kind: evt.Kind, Timestamp: evt.Timestamp.UnixMilli(), Payload: evt.Payload})
			if err != nil {
				s.logger.Warn("unencodable event payload", zap.String("kind", evt.Kind), zap.Error(err))
				out, _ = encode(EventView{Kind: evt.Kind, Timestamp: evt.Timestamp.UnixMilli()})
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Service) messageList(convID string, limit int) MessageList {
	msgs := s.store.Messages(convID)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return MessageList{
		ConversationID: convID,
		Messages:       msgs,
		HasMore:        s.store.HasMore(convID),
		Typing:         s.store.TypingUsers(convID),
	}
}

func (s *Service) validate(req any) error {
	if err := s.validator.Struct(req); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			// Non-struct requests carry nothing to validate.
			return nil
		}
		return grpcstatus.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	return nil
}

func sendResult(msg model.Message, err error) (SendResult, error) {
	// A delivery failure still leaves a failed record the caller can retry.
	if err != nil && msg.ID != "" && msg.Status == model.StatusFailed {
		return SendResult{Message: msg, Error: err.Error()}, nil
	}
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{Message: msg}, nil
}

func matchesAny(kind string, namespaces []string) bool {
	for _, ns := range namespaces {
		if strings.HasPrefix(kind, ns) {
			return true
		}
	}
	return false
}

// toStatus maps domain errors onto gRPC codes. Errors that already carry a
// status pass through.
func toStatus(err error) error {
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, intsync.ErrUnknownConversation),
		errors.Is(err, outbox.ErrNotFound),
		errors.Is(err, remote.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, outbox.ErrEmpty):
		code = codes.InvalidArgument
	case errors.Is(err, outbox.ErrNotFailed):
		code = codes.FailedPrecondition
	case errors.Is(err, remote.ErrUnauthorized):
		code = codes.Unauthenticated
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return grpcstatus.Error(code, err.Error())
}
