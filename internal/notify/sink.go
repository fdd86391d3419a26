package notify

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/gen2brain/beeep"
)

// Notifier delivers notifications to the user.
type Notifier interface {
	Notify(n Notification) error
}

// TitleSink receives the host window title.
type TitleSink interface {
	SetTitle(title string)
}

// Desktop shows notifications through the OS notification service.
type Desktop struct {
	// Icon is used when a notification carries none.
	Icon string
}

// Notify implements Notifier.
func (d Desktop) Notify(n Notification) error {
	icon := n.Icon
	if icon == "" || strings.HasPrefix(icon, "http") {
		icon = d.Icon
	}
	if err := beeep.Notify(n.Title, n.Body, icon); err != nil {
		return fmt.Errorf("desktop notify: %w", err)
	}
	return nil
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

// Notify implements Notifier.
func (r *Recorder) Notify(n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
	return nil
}

// Notifications returns everything recorded so far.
func (r *Recorder) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.items...)
}

// Terminal sets the title of the terminal emulator attached to w with an
// OSC 0 escape sequence.
type Terminal struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTerminal returns a TitleSink writing to w.
func NewTerminal(w io.Writer) *Terminal {
	return &Terminal{w: w}
}

// SetTitle implements TitleSink.
func (t *Terminal) SetTitle(title string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// Control characters would terminate the escape early.
	title = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, title)
	_, _ = fmt.Fprintf(t.w, "\x1b]0;%s\x07", title)
}

// MemoryTitle holds the title in memory. The daemon exposes it over the
// control API.
type MemoryTitle struct {
	mu      sync.Mutex
	title   string
	history []string
}

// SetTitle implements TitleSink.
func (m *MemoryTitle) SetTitle(title string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.title = title
	m.history = append(m.history, title)
}

// Title returns the last title set.
func (m *MemoryTitle) Title() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.title
}

// History returns every title set, oldest first.
func (m *MemoryTitle) History() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.history...)
}

// MultiTitle fans one title out to several sinks.
type MultiTitle []TitleSink

// SetTitle implements TitleSink.
func (m MultiTitle) SetTitle(title string) {
	for _, s := range m {
		s.SetTitle(title)
	}
}
