// Package chatport is C5, the chat provider port: an abstract verb set
// (send text with inline buttons, answer callback, edit message) that
// the domain drives without knowing which chat provider is behind it.
package chatport

import (
	"context"
	"errors"
	"strings"
)

// Button is one inline keyboard button. CallbackData must stay within
// the provider's size bound (Telegram: 64 bytes) — spec §6 fixes the
// domain's own encoding to "v1|{action}|{incident-id}", which comfortably
// fits under that bound for UUID incident ids.
type Button struct {
	Text         string
	CallbackData string
}

// Provider is the verb set spec §4.5 requires of any chat adapter.
type Provider interface {
	// SendMessage sends text with an optional single row of inline
	// buttons and returns the provider's message id.
	SendMessage(ctx context.Context, chatID int64, text string, buttons []Button) (messageID string, err error)

	// AnswerCallback acknowledges an inline button press with a short
	// ephemeral notice, per spec's callback verb.
	AnswerCallback(ctx context.Context, callbackID, shortText string) error

	// EditMessage replaces the text (and optionally the buttons) of a
	// previously sent message, used for reminders and "handled" notices.
	EditMessage(ctx context.Context, chatID int64, messageID string, text string, buttons []Button) error
}

// EncodeCallbackData builds the v1|{action}|{incident-id} encoding spec
// §6 fixes for inline-button callback data.
func EncodeCallbackData(action, incidentID string) string {
	return "v1|" + action + "|" + incidentID
}

// ErrMalformedCallback is returned by DecodeCallbackData for any string
// that doesn't match the v1|{action}|{incident-id} shape.
var ErrMalformedCallback = errors.New("chatport: malformed callback data")

// DecodeCallbackData parses the v1|{action}|{incident-id} encoding.
func DecodeCallbackData(data string) (action, incidentID string, err error) {
	parts := strings.SplitN(data, "|", 3)
	if len(parts) != 3 || parts[0] != "v1" || parts[1] == "" || parts[2] == "" {
		return "", "", ErrMalformedCallback
	}
	return parts[1], parts[2], nil
}
