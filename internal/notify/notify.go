// Package notify decides when an incoming message should raise a desktop
// notification and keeps the host title prefixed with the unread total.
package notify

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/matheus3301/imcore/internal/model"
)

// PreviewLength is the maximum body length in runes.
const PreviewLength = 80

// Notification is a desktop notification payload.
type Notification struct {
	Title          string
	Body           string
	Icon           string
	ConversationID string
	Kind           model.ConversationKind
	// OnClick opens the conversation, which also clears its unread count.
	OnClick func()
}

// ShouldNotify reports whether msg is externally sourced and lands outside the
// open conversation.
func ShouldNotify(msg model.Message, localUserID, currentConvID string) bool {
	return msg.SenderID != localUserID && msg.ConversationID != currentConvID
}

// Build renders the notification for msg. conv and sender may be nil when the
// store does not know them yet.
func Build(msg model.Message, conv *model.Conversation, sender *model.User) Notification {
	name := sender.DisplayName()
	if name == "" {
		name = msg.SenderID
	}
	n := Notification{
		Body:           Preview(msg),
		ConversationID: msg.ConversationID,
	}
	if sender != nil {
		n.Icon = sender.Avatar
	}

	kind := model.KindPrivate
	if conv != nil {
		kind = conv.Kind
	}
	n.Kind = kind
	switch kind {
	case model.KindProject:
		group := msg.ConversationID
		if conv.Name != "" {
			group = conv.Name
		}
		n.Title = fmt.Sprintf("%s @ %s", name, group)
		if conv.Avatar != "" {
			n.Icon = conv.Avatar
		}
	case model.KindSystem:
		n.Title = "System notice"
	default:
		n.Title = name
	}
	return n
}

// Preview returns a short body for msg. Non-text kinds render as a bracketed
// placeholder followed by any caption.
func Preview(msg model.Message) string {
	var body string
	switch msg.Kind {
	case model.MessageText, model.MessageSystem, model.MessageAnnouncement, "":
		body = msg.Content
	default:
		body = "[" + string(msg.Kind) + "]"
		if c := strings.TrimSpace(msg.Content); c != "" {
			body += " " + c
		}
	}
	body = strings.Join(strings.Fields(body), " ")
	return truncate(body, PreviewLength)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

var titlePrefix = regexp.MustCompile(`^\(\d+\) `)

// FormatTitle strips any existing "(N) " prefix from title and re-applies it
// when total is positive.
func FormatTitle(title string, total int) string {
	base := titlePrefix.ReplaceAllString(title, "")
	if total <= 0 {
		return base
	}
	return "(" + strconv.Itoa(total) + ") " + base
}
