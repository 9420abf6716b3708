// Package chat is the messaging-thread collaborator consumed by the call
// core: it only posts call-summary system messages into a conversation.
package chat

import (
	"context"
	"time"

	"callbridge-backend/internal/store"
	apperrors "callbridge-backend/pkg/errors"
)

// Messenger posts system messages into a chat thread
type Messenger interface {
	PostSystemMessage(ctx context.Context, chatID, text string) error
}

// StoreMessenger appends system messages to the chat's message list in the
// signaling store, the same way the surrounding messaging application reads
// them
type StoreMessenger struct {
	store store.Store
}

// NewStoreMessenger creates a Messenger on the given store
func NewStoreMessenger(s store.Store) *StoreMessenger {
	return &StoreMessenger{store: s}
}

// PostSystemMessage implements Messenger
func (m *StoreMessenger) PostSystemMessage(ctx context.Context, chatID, text string) error {
	entry := map[string]any{
		"sender_id":  "system",
		"type":       "system",
		"text":       text,
		"created_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := m.store.Append(ctx, "chats/"+chatID+"/messages", entry); err != nil {
		return apperrors.NewStoreUnavailable("failed to post system message", err)
	}
	return nil
}
