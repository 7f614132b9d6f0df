package chatport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/protectogram/panic-core/internal/store"
)

// PayloadKind discriminates the single outbox.Sender adapter this
// package exposes between the chat port's three verbs. Routing every
// chat provider call through the outbox — sends AND edits AND callback
// acks — keeps C3's idempotency-key discipline in force for all of them,
// not just the initial alert message.
type PayloadKind string

const (
	KindSend           PayloadKind = "send"
	KindEditByKey      PayloadKind = "edit_by_key"
	KindAnswerCallback PayloadKind = "answer_callback"
)

// Payload is the outbox payload shape this sender understands. Only the
// fields relevant to Kind are populated.
type Payload struct {
	Kind PayloadKind `json:"kind"`

	ChatID  int64    `json:"chat_id,omitempty"`
	Text    string   `json:"text,omitempty"`
	Buttons []Button `json:"buttons,omitempty"`

	// SourceKey names the outbox idempotency-key of the message being
	// edited, for KindEditByKey.
	SourceKey string `json:"source_key,omitempty"`

	CallbackID string `json:"callback_id,omitempty"`
}

func EncodeSend(chatID int64, text string, buttons []Button) []byte {
	b, _ := json.Marshal(Payload{Kind: KindSend, ChatID: chatID, Text: text, Buttons: buttons})
	return b
}

func EncodeEditByKey(chatID int64, sourceKey, text string, buttons []Button) []byte {
	b, _ := json.Marshal(Payload{Kind: KindEditByKey, ChatID: chatID, SourceKey: sourceKey, Text: text, Buttons: buttons})
	return b
}

func EncodeAnswerCallback(callbackID, shortText string) []byte {
	b, _ := json.Marshal(Payload{Kind: KindAnswerCallback, CallbackID: callbackID, Text: shortText})
	return b
}

// OutboxSender implements outbox.Sender for the chat channel, dispatching
// to the concrete Provider based on the payload's Kind. It is the only
// thing in this domain that calls a chatport.Provider verb outside of
// inbound webhook handling — every outbound chat action is outbox-backed.
type OutboxSender struct {
	provider Provider
	store    *store.Store
}

func NewOutboxSender(provider Provider, s *store.Store) *OutboxSender {
	return &OutboxSender{provider: provider, store: s}
}

func (s *OutboxSender) Send(ctx context.Context, raw []byte) (string, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", fmt.Errorf("chatport: decode outbox payload: %w", err)
	}

	switch p.Kind {
	case KindSend:
		return s.provider.SendMessage(ctx, p.ChatID, p.Text, p.Buttons)

	case KindEditByKey:
		source, err := s.store.GetOutboxByKey(ctx, p.SourceKey)
		if err != nil {
			return "", fmt.Errorf("chatport: resolve edit source %q: %w", p.SourceKey, err)
		}
		if source.ProviderMessageID == nil {
			return "", fmt.Errorf("chatport: edit source %q has no provider message id yet", p.SourceKey)
		}
		if err := s.provider.EditMessage(ctx, p.ChatID, *source.ProviderMessageID, p.Text, p.Buttons); err != nil {
			return "", err
		}
		return *source.ProviderMessageID, nil

	case KindAnswerCallback:
		return "", s.provider.AnswerCallback(ctx, p.CallbackID, p.Text)

	default:
		return "", fmt.Errorf("chatport: unknown outbox payload kind %q", p.Kind)
	}
}
