package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/matheus3301/imcore/internal/model"
	"go.uber.org/zap"
)

const defaultTimeout = 15 * time.Second

var (
	// ErrUnauthorized matches *APIError values with status 401.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound matches *APIError values with status 404.
	ErrNotFound = errors.New("not found")
	// ErrMissingID is returned when the server acknowledges a send without
	// assigning the message an id.
	ErrMissingID = errors.New("server returned no message id")
)

// APIError is a non-2xx response from the IM API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("im api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("im api: status %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is match on the status-code sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// RequestObserver records the outcome of each API call.
type RequestObserver interface {
	ObserveRequest(op string, code int, d time.Duration)
}

// Client calls the IM REST API. It never touches local state; callers decide
// how to fold results in.
type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	validate *validator.Validate
	observer RequestObserver
	logger   *zap.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithObserver installs a request observer.
func WithObserver(o RequestObserver) Option {
	return func(c *Client) { c.observer = o }
}

// WithLogger sets the client's logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l.Named("remote") }
}

// New creates a client for the API rooted at baseURL, authenticating with a
// bearer token when one is given.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		http:     &http.Client{Timeout: defaultTimeout},
		validate: validator.New(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ConversationQuery filters ListConversations.
type ConversationQuery struct {
	Kind      model.ConversationKind
	ProjectID string
}

// Page selects a page of history. Page 1 is the newest.
type Page struct {
	Number int
	Size   int
}

// MessagePage is one page of history, oldest first.
type MessagePage struct {
	Messages []model.Message `json:"messages"`
	Page     int             `json:"page"`
	PageSize int             `json:"pageSize"`
	Total    int             `json:"total"`
	HasMore  bool            `json:"hasMore"`
}

// SendMessageRequest is the body of a send call.
type SendMessageRequest struct {
	ConversationID string             `json:"-" validate:"required"`
	Content        string             `json:"content" validate:"required_without=Attachments,max=10000"`
	Kind           model.MessageKind  `json:"messageType,omitempty" validate:"omitempty,oneof=text image file voice video system announcement"`
	ReplyTo        string             `json:"replyTo,omitempty"`
	ClientID       string             `json:"clientId,omitempty"`
	Attachments    []model.Attachment `json:"attachments,omitempty" validate:"omitempty,dive"`
}

// CreateConversationRequest is the body of a create call.
type CreateConversationRequest struct {
	Kind           model.ConversationKind `json:"type" validate:"required,oneof=project private system"`
	Name           string                 `json:"name,omitempty" validate:"max=200"`
	ProjectID      string                 `json:"projectId,omitempty" validate:"required_if=Kind project"`
	ParticipantIDs []string               `json:"participantIds" validate:"required,min=1,dive,required"`
}

// CurrentUser returns the authenticated user.
func (c *Client) CurrentUser(ctx context.Context) (*model.User, error) {
	var u model.User
	if err := c.do(ctx, "current_user", http.MethodGet, "/api/im/me", nil, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// StreamToken fetches a short-lived token for the stream endpoint.
func (c *Client) StreamToken(ctx context.Context) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, "stream_token", http.MethodGet, "/api/im/ws-token", nil, nil, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", errors.New("stream token: empty token in response")
	}
	return out.Token, nil
}

// ListConversations returns the conversations visible to the user.
func (c *Client) ListConversations(ctx context.Context, q ConversationQuery) ([]model.Conversation, error) {
	params := url.Values{}
	if q.Kind != "" {
		params.Set("type", string(q.Kind))
	}
	if q.ProjectID != "" {
		params.Set("projectId", q.ProjectID)
	}
	var convs []model.Conversation
	if err := c.do(ctx, "list_conversations", http.MethodGet, "/api/im/conversations", params, nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// CreateConversation creates a conversation and returns it.
func (c *Client) CreateConversation(ctx context.Context, req CreateConversationRequest) (*model.Conversation, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid conversation: %w", err)
	}
	var conv model.Conversation
	if err := c.do(ctx, "create_conversation", http.MethodPost, "/api/im/conversations", nil, req, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListMessages returns one page of a conversation's history.
func (c *Client) ListMessages(ctx context.Context, conversationID string, p Page) (*MessagePage, error) {
	if conversationID == "" {
		return nil, errors.New("list messages: empty conversation id")
	}
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = 50
	}
	params := url.Values{}
	params.Set("page", strconv.Itoa(p.Number))
	params.Set("pageSize", strconv.Itoa(p.Size))

	var page MessagePage
	path := "/api/im/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, "list_messages", http.MethodGet, path, params, nil, &page); err != nil {
		return nil, err
	}
	for i := range page.Messages {
		if page.Messages[i].ConversationID == "" {
			page.Messages[i].ConversationID = conversationID
		}
	}
	return &page, nil
}

// SendMessage persists a message and returns the server's copy.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*model.Message, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	var msg model.Message
	path := "/api/im/conversations/" + url.PathEscape(req.ConversationID) + "/messages"
	if err := c.do(ctx, "send_message", http.MethodPost, path, nil, req, &msg); err != nil {
		return nil, err
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("send_message: %w", ErrMissingID)
	}
	if msg.ConversationID == "" {
		msg.ConversationID = req.ConversationID
	}
	return &msg, nil
}

// MarkRead marks every message of a conversation as read.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := "/api/im/conversations/" + url.PathEscape(conversationID) + "/read"
	return c.do(ctx, "mark_read", http.MethodPost, path, nil, struct{}{}, nil)
}

// SearchUsers lists users matching query. An empty query lists everyone.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]model.User, error) {
	params := url.Values{}
	if query != "" {
		params.Set("q", query)
	}
	var users []model.User
	if err := c.do(ctx, "search_users", http.MethodGet, "/api/im/users", params, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// UnreadSummary returns the server's unread counters.
func (c *Client) UnreadSummary(ctx context.Context) (*model.UnreadSummary, error) {
	var u model.UnreadSummary
	if err := c.do(ctx, "unread_summary", http.MethodGet, "/api/im/unread-count", nil, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Upload sends a file and returns the attachment reference.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader) (*model.Attachment, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, fmt.Errorf("upload form: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("upload read: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("upload form: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/im/upload", nil, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var att model.Attachment
	if err := c.send(req, "upload", &att); err != nil {
		return nil, err
	}
	return &att, nil
}

// envelope is the response wrapper used by every endpoint.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (c *Client) do(ctx context.Context, op, method, path string, params url.Values, body, out any) error {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		r = bytes.NewReader(raw)
	}
	req, err := c.newRequest(ctx, method, path, params, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, op, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, params url.Values, body io.Reader) (*http.Request, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) send(req *http.Request, op string, out any) error {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe(op, 0, start)
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()
	c.observe(op, resp.StatusCode, start)
	c.logger.Debug("api call",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%s: read body: %w", op, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(data, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: env.Error}
		if decodeErr != nil {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return fmt.Errorf("%s: %w", op, apiErr)
	}
	if decodeErr != nil {
		return fmt.Errorf("%s: decode response: %w", op, decodeErr)
	}
	if !env.Success {
		return fmt.Errorf("%s: %w", op, &APIError{StatusCode: resp.StatusCode, Message: env.Error})
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%s: decode data: %w", op, err)
	}
	return nil
}

func (c *Client) observe(op string, code int, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveRequest(op, code, time.Since(start))
	}
}
