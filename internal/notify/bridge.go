package notify

import (
	"sync"

	"github.com/matheus3301/imcore/internal/model"
	"go.uber.org/zap"
)

// Options configures a Bridge.
type Options struct {
	// BaseTitle is the window title without the unread prefix.
	BaseTitle string
	Title     TitleSink
	Notifier  Notifier
	// Open is bound to each notification's OnClick.
	Open   func(convID string)
	Logger *zap.Logger
}

// Bridge turns store changes into host side effects. It implements
// store.Badge, so SetUnreadTotal runs under the store lock and never calls
// back into the store.
type Bridge struct {
	mu       sync.Mutex
	base     string
	title    TitleSink
	notifier Notifier
	open     func(string)
	logger   *zap.Logger
	total    int
	enabled  bool
}

// NewBridge creates a Bridge. Desktop notifications start enabled when a
// Notifier is set.
func NewBridge(opts Options) *Bridge {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Bridge{
		base:     opts.BaseTitle,
		title:    opts.Title,
		notifier: opts.Notifier,
		open:     opts.Open,
		logger:   opts.Logger.Named("notify"),
		enabled:  opts.Notifier != nil,
	}
}

// SetUnreadTotal rewrites the title prefix.
func (b *Bridge) SetUnreadTotal(total int) {
	b.mu.Lock()
	b.total = total
	base, sink := b.base, b.title
	b.mu.Unlock()
	if sink != nil {
		sink.SetTitle(FormatTitle(base, total))
	}
}

// SetBaseTitle changes the title the prefix is applied to.
func (b *Bridge) SetBaseTitle(title string) {
	b.mu.Lock()
	b.base = title
	total, sink := b.total, b.title
	b.mu.Unlock()
	if sink != nil {
		sink.SetTitle(FormatTitle(title, total))
	}
}

// SetOpen binds the click handler after construction.
func (b *Bridge) SetOpen(fn func(convID string)) {
	b.mu.Lock()
	b.open = fn
	b.mu.Unlock()
}

// SetEnabled turns desktop notifications on or off. The title keeps updating.
func (b *Bridge) SetEnabled(on bool) {
	b.mu.Lock()
	b.enabled = on
	b.mu.Unlock()
}

// Title returns the title for the last known total.
func (b *Bridge) Title() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return FormatTitle(b.base, b.total)
}

// MessageReceived raises a notification for msg if it qualifies. Muted
// conversations and system-kind notices count as unread but stay silent.
// Delivery failures are logged. Returns whether a notification was sent.
func (b *Bridge) MessageReceived(msg model.Message, conv *model.Conversation, sender *model.User, localUserID, currentConvID string) bool {
	if !ShouldNotify(msg, localUserID, currentConvID) {
		return false
	}
	if conv != nil && conv.Muted {
		return false
	}
	if msg.Kind == model.MessageSystem && conv != nil && conv.Kind == model.KindSystem {
		return false
	}

	b.mu.Lock()
	enabled, notifier, open := b.enabled, b.notifier, b.open
	b.mu.Unlock()
	if !enabled || notifier == nil {
		return false
	}

	n := Build(msg, conv, sender)
	if open != nil {
		id := msg.ConversationID
		n.OnClick = func() { open(id) }
	}
	if err := notifier.Notify(n); err != nil {
		b.logger.Warn("notification failed", zap.String("conversation_id", msg.ConversationID), zap.Error(err))
		return false
	}
	b.logger.Debug("notified", zap.String("conversation_id", msg.ConversationID), zap.String("message_id", msg.ID))
	return true
}
