package outbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/imcore/internal/bus"
	"github.com/matheus3301/imcore/internal/imtest"
	"github.com/matheus3301/imcore/internal/model"
	"github.com/matheus3301/imcore/internal/remote"
	"github.com/matheus3301/imcore/internal/store"
	"github.com/matheus3301/imcore/internal/transport"
)

// mockRemote records calls and returns configurable results.
type mockRemote struct {
	mu      sync.Mutex
	calls   []remote.SendMessageRequest
	uploads []string
	err     error
	// seen is called with the store state while the request is in flight.
	seen func()
}

func (m *mockRemote) SendMessage(_ context.Context, req remote.SendMessageRequest) (*model.Message, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	n := len(m.calls)
	err := m.err
	m.mu.Unlock()
	if m.seen != nil {
		m.seen()
	}
	if err != nil {
		return nil, err
	}
	return &model.Message{
		ID:             fmt.Sprintf("srv-%d", n),
		ClientID:       req.ClientID,
		ConversationID: req.ConversationID,
		SenderID:       "me",
		Content:        req.Content,
		Kind:           req.Kind,
		Status:         model.StatusSent,
		Attachments:    req.Attachments,
		Timestamp:      time.Now(),
	}, nil
}

func (m *mockRemote) Upload(_ context.Context, name string, r io.Reader) (*model.Attachment, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.uploads = append(m.uploads, name)
	m.mu.Unlock()
	return &model.Attachment{Name: name, URL: "https://files.example/" + name, Size: int64(len(data))}, nil
}

type stubChannel struct {
	up   bool
	sent []transport.Event
}

func (c *stubChannel) Send(evt transport.Event) bool {
	if !c.up {
		return false
	}
	c.sent = append(c.sent, evt)
	return true
}

func testStore(t *testing.T, b *bus.Bus) *store.Store {
	t.Helper()
	s := store.New(store.Options{LocalUserID: "me", Bus: b})
	s.SetConversations([]model.Conversation{{ID: "c1", Kind: model.KindPrivate}})
	return s
}

func TestSendReconcilesOptimisticMessage(t *testing.T) {
	b := bus.New()
	st := testStore(t, b)
	mock := &mockRemote{}
	ch := &stubChannel{up: true}
	s := NewSender(st, mock, ch, b, nil, nil)

	acks, unsub := b.Subscribe(bus.MessageSendAck, 10)
	defer unsub()

	// Observe the intermediate state while the request is in flight.
	mock.seen = func() {
		msgs := st.Messages("c1")
		if len(msgs) != 1 {
			t.Errorf("in flight: got %d messages, want 1", len(msgs))
			return
		}
		if msgs[0].Status != model.StatusSending || !msgs[0].IsTransient() {
			t.Errorf("in flight: status = %q id = %q, want sending transient", msgs[0].Status, msgs[0].ID)
		}
	}

	got, err := s.Send(context.Background(), Draft{ConversationID: "c1", Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "srv-1" || got.Status != model.StatusSent {
		t.Errorf("result = %q/%q, want srv-1/sent", got.ID, got.Status)
	}

	msgs := st.Messages("c1")
	if len(msgs) != 1 || msgs[0].ID != "srv-1" {
		t.Fatalf("store = %+v, want single srv-1", msgs)
	}
	if mock.calls[0].ClientID == "" || mock.calls[0].ClientID != msgs[0].ClientID {
		t.Errorf("client id not carried: request %q, stored %q", mock.calls[0].ClientID, msgs[0].ClientID)
	}
	if len(ch.sent) != 1 || ch.sent[0].Type != transport.TypeMessage {
		t.Errorf("echo frames = %v, want one message frame", ch.sent)
	}

	select {
	case evt := <-acks:
		ack, ok := evt.Payload.(Ack)
		if !ok || ack.ServerID != "srv-1" || !strings.HasPrefix(ack.TransientID, model.TransientPrefix) {
			t.Errorf("ack = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for send_ack")
	}
}

func TestSendWithStreamDown(t *testing.T) {
	st := testStore(t, nil)
	s := NewSender(st, &mockRemote{}, &stubChannel{up: false}, nil, nil, nil)

	if _, err := s.Send(context.Background(), Draft{ConversationID: "c1", Content: "hello"}); err != nil {
		t.Fatalf("closed stream must not fail the send: %v", err)
	}
	if msgs := st.Messages("c1"); len(msgs) != 1 || msgs[0].Status != model.StatusSent {
		t.Errorf("store = %+v, want one sent message", msgs)
	}
}

func TestSendFailureMarksFailed(t *testing.T) {
	b := bus.New()
	st := testStore(t, b)
	mock := &mockRemote{err: errors.New("connection refused")}
	s := NewSender(st, mock, nil, b, nil, nil)

	failures, unsub := b.Subscribe(bus.MessageSendFailed, 10)
	defer unsub()

	got, err := s.Send(context.Background(), Draft{ConversationID: "c1", Content: "hello"})
	if err == nil {
		t.Fatal("expected error")
	}
	if got.Status != model.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}

	msgs := st.Messages("c1")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want the failed one kept", len(msgs))
	}
	if msgs[0].Status != model.StatusFailed || msgs[0].Error != "connection refused" {
		t.Errorf("stored = %q/%q, want failed/connection refused", msgs[0].Status, msgs[0].Error)
	}

	select {
	case evt := <-failures:
		f, ok := evt.Payload.(Failure)
		if !ok || f.Error != "connection refused" {
			t.Errorf("failure = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for send_failed")
	}
}

func TestRetry(t *testing.T) {
	st := testStore(t, nil)
	mock := &mockRemote{err: errors.New("offline")}
	s := NewSender(st, mock, nil, nil, nil, nil)

	failed, _ := s.Send(context.Background(), Draft{ConversationID: "c1", Content: "hello"})

	mock.err = nil
	got, err := s.Retry(context.Background(), "c1", failed.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusSent || got.Error != "" {
		t.Errorf("retried = %q/%q, want sent without error", got.Status, got.Error)
	}
	msgs := st.Messages("c1")
	if len(msgs) != 1 || msgs[0].ID != got.ID {
		t.Errorf("store = %+v, want single %s", msgs, got.ID)
	}
	if mock.calls[0].ClientID != mock.calls[1].ClientID {
		t.Error("retry must reuse the client id")
	}

	// Only failed messages can be retried.
	if _, err := s.Retry(context.Background(), "c1", got.ID); !errors.Is(err, ErrNotFailed) {
		t.Errorf("retry of sent message: err = %v, want ErrNotFailed", err)
	}
	if _, err := s.Retry(context.Background(), "c1", "local-nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("retry of missing message: err = %v, want ErrNotFound", err)
	}
}

func TestSendRejectsEmptyDraft(t *testing.T) {
	st := testStore(t, nil)
	s := NewSender(st, &mockRemote{}, nil, nil, nil, nil)
	if _, err := s.Send(context.Background(), Draft{ConversationID: "c1", Content: "   "}); !errors.Is(err, ErrEmpty) {
		t.Errorf("err = %v, want ErrEmpty", err)
	}
	if len(st.Messages("c1")) != 0 {
		t.Error("empty draft reached the store")
	}
}

func TestSendUploadsAttachments(t *testing.T) {
	st := testStore(t, nil)
	mock := &mockRemote{}
	s := NewSender(st, mock, nil, nil, nil, nil)

	dir := t.TempDir()
	img := filepath.Join(dir, "diagram.png")
	if err := os.WriteFile(img, []byte("png bytes"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := s.Send(context.Background(), Draft{ConversationID: "c1", Files: []string{img}})
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != model.MessageImage {
		t.Errorf("kind = %q, want image", got.Kind)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].URL == "" || got.Attachments[0].MimeType != "image/png" {
		t.Errorf("attachments = %+v", got.Attachments)
	}

	// Missing file fails the send and keeps the message for retry.
	failed, err := s.Send(context.Background(), Draft{ConversationID: "c1", Files: []string{filepath.Join(dir, "gone.pdf")}})
	if err == nil || failed.Status != model.StatusFailed {
		t.Errorf("missing file: status = %q err = %v, want failed", failed.Status, err)
	}
	if failed.Kind != model.MessageFile {
		t.Errorf("kind = %q, want file", failed.Kind)
	}
}

type countingMetrics struct{ ok, failed int }

func (m *countingMetrics) MessageSent(ok bool) {
	if ok {
		m.ok++
	} else {
		m.failed++
	}
}

func TestSendAgainstServer(t *testing.T) {
	srv := imtest.NewServer(t)
	srv.AddConversation(model.Conversation{ID: "c1", Kind: model.KindPrivate})
	srv.FailSends(1)

	st := testStore(t, nil)
	m := &countingMetrics{}
	s := NewSender(st, remote.New(srv.URL, ""), nil, nil, m, nil)
	ctx := context.Background()

	failed, err := s.Send(ctx, Draft{ConversationID: "c1", Content: "first try"})
	if err == nil {
		t.Fatal("expected server rejection")
	}
	got, err := s.Retry(ctx, "c1", failed.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got.ID, "srv-") {
		t.Errorf("id = %q, want server id", got.ID)
	}
	if n := len(srv.Messages("c1")); n != 1 {
		t.Errorf("server holds %d messages, want 1", n)
	}
	if m.ok != 1 || m.failed != 1 {
		t.Errorf("metrics ok=%d failed=%d, want 1/1", m.ok, m.failed)
	}
}

func TestSendRejectedInEnvelopeMarksFailed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":false,"error":"content rejected"}`))
	}))
	defer ts.Close()

	st := testStore(t, nil)
	s := NewSender(st, remote.New(ts.URL, ""), nil, nil, nil, nil)

	got, err := s.Send(context.Background(), Draft{ConversationID: "c1", Content: "hello"})
	var apiErr *remote.APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "content rejected" {
		t.Fatalf("err = %v, want content rejected", err)
	}
	if got.Status != model.StatusFailed || !got.IsTransient() {
		t.Errorf("result = %q/%q, want failed transient", got.ID, got.Status)
	}

	msgs := st.Messages("c1")
	if len(msgs) != 1 || msgs[0].ID != got.ID {
		t.Fatalf("store = %+v, want the transient record kept", msgs)
	}
	if msgs[0].Status != model.StatusFailed || !strings.Contains(msgs[0].Error, "content rejected") {
		t.Errorf("stored = %q/%q, want failed/content rejected", msgs[0].Status, msgs[0].Error)
	}
}

// idlessRemote acknowledges every send with a copy that carries no id.
type idlessRemote struct{ mockRemote }

func (r *idlessRemote) SendMessage(ctx context.Context, req remote.SendMessageRequest) (*model.Message, error) {
	m, err := r.mockRemote.SendMessage(ctx, req)
	if m != nil {
		m.ID = ""
	}
	return m, err
}

func TestSendWithoutServerIDMarksFailed(t *testing.T) {
	st := testStore(t, nil)
	s := NewSender(st, &idlessRemote{}, nil, nil, nil, nil)

	got, err := s.Send(context.Background(), Draft{ConversationID: "c1", Content: "hello"})
	if !errors.Is(err, remote.ErrMissingID) {
		t.Fatalf("err = %v, want ErrMissingID", err)
	}
	msgs := st.Messages("c1")
	if len(msgs) != 1 || msgs[0].ID != got.ID || msgs[0].ID == "" || msgs[0].Status != model.StatusFailed {
		t.Errorf("store = %+v, want one failed transient record", msgs)
	}
}

func TestAbandonedFailuresAreForgotten(t *testing.T) {
	st := testStore(t, nil)
	mock := &mockRemote{err: errors.New("offline")}
	s := NewSender(st, mock, nil, nil, nil, nil)
	ctx := context.Background()

	first, _ := s.Send(ctx, Draft{ConversationID: "c1", Content: "one"})
	second, _ := s.Send(ctx, Draft{ConversationID: "c1", Content: "two"})
	pending := func() int {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.pending)
	}
	if n := pending(); n != 2 {
		t.Fatalf("pending = %d, want 2", n)
	}

	// Reselecting clears the buffer, dropping both failed records.
	st.SelectConversation("c1")
	third, _ := s.Send(ctx, Draft{ConversationID: "c1", Content: "three"})

	s.mu.Lock()
	_, firstKept := s.pending[first.ID]
	_, secondKept := s.pending[second.ID]
	_, thirdKept := s.pending[third.ID]
	s.mu.Unlock()
	if firstKept || secondKept || !thirdKept {
		t.Errorf("pending first=%v second=%v third=%v, want only the third", firstKept, secondKept, thirdKept)
	}

	st.Reset("me")
	if _, err := s.Retry(ctx, "c1", third.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("retry after reset: err = %v, want ErrNotFound", err)
	}
	// A later send sweeps the draft the reset orphaned.
	_, _ = s.Send(ctx, Draft{ConversationID: "c1", Content: "four"})
	if n := pending(); n != 1 {
		t.Errorf("pending = %d after reset, want 1", n)
	}
}
