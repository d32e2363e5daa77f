package domain

import "context"

// Channel is a user-facing transport (WeChat webhook, Telegram companion bot).
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
}

// Sender delivers messages to a user of an official account.
type Sender interface {
	SendText(ctx context.Context, accountID, openID, text string) error
	// SendImage accepts an http(s) URL or a data:image URL.
	SendImage(ctx context.Context, accountID, openID, imageURL string) error
}

// TypingSender is implemented by senders that can show a typing indicator.
type TypingSender interface {
	SendTyping(ctx context.Context, accountID, openID string) error
}
