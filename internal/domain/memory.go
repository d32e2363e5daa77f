package domain

import (
	"context"
	"time"
)

// HistoryStore keeps per-session conversation history for the agent runtime.
type HistoryStore interface {
	AddMessage(ctx context.Context, sessionKey string, msg MessageRecord) error
	GetMessages(ctx context.Context, sessionKey string, limit int) ([]MessageRecord, error)
	ClearSession(ctx context.Context, sessionKey string) error
}

type MessageRecord struct {
	ID         int64     `json:"id"`
	SessionKey string    `json:"session_key"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	TokensIn   int       `json:"tokens_in"`
	TokensOut  int       `json:"tokens_out"`
	Model      string    `json:"model,omitempty"`
	LatencyMs  int64     `json:"latency_ms,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// SessionInfo is the stored metadata of one session.
type SessionInfo struct {
	SessionKey    string    `json:"session_key"`
	AgentID       string    `json:"agent_id"`
	AccountID     string    `json:"account_id"`
	OpenID        string    `json:"open_id"`
	MessageCount  int       `json:"message_count"`
	LastInboundAt time.Time `json:"last_inbound_at"`
}
