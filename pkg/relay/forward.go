package relay

import (
	"context"
	"strings"

	"github.com/sipeed/maxbridge/pkg/max"
)

// attachment is an attachment descriptor plus the message it belongs to,
// which URL resolution needs.
type attachment struct {
	max.Attach
	ChatID    max.ID
	MessageID max.ID
}

func attachmentsOf(chatID max.ID, msg max.Message) []attachment {
	out := make([]attachment, 0, len(msg.Attaches))
	for _, a := range msg.Attaches {
		out = append(out, attachment{Attach: a, ChatID: chatID, MessageID: msg.ID})
	}
	return out
}

// assembleMessage returns the text and attachments to relay for msg. A
// forwarded sub-message is unwrapped one level: its text is appended as a
// labeled quotation and its attachments are appended to the outer ones.
func assembleMessage(ctx context.Context, names func(context.Context, max.ID) string, chatID max.ID, msg max.Message) (string, []attachment) {
	text := msg.Text
	attaches := attachmentsOf(chatID, msg)

	link := msg.Link
	if link == nil || link.Type != max.LinkForward || link.Message == nil {
		return text, attaches
	}

	inner := link.Message
	origin := chatID
	if link.ChatID != "" {
		origin = link.ChatID
	}

	quoted := forwardHeader(names(ctx, inner.Sender))
	if body := strings.TrimSpace(inner.Text); body != "" {
		quoted += "\n" + quote(body)
	}

	if strings.TrimSpace(text) == "" {
		text = quoted
	} else {
		text = text + "\n\n" + quoted
	}

	// nested links inside inner are not expanded
	return text, append(attaches, attachmentsOf(origin, *inner)...)
}

func forwardHeader(name string) string {
	if name == "" {
		return "↪️ Forwarded message:"
	}
	return "↪️ Forwarded from " + name + ":"
}

func quote(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = "> " + line
	}
	return strings.Join(lines, "\n")
}
