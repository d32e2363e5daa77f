package domain

import (
	"context"
	"time"
)

// ReplyHandlers are the callbacks the runtime uses to emit replies.
type ReplyHandlers struct {
	Deliver func(ctx context.Context, payload ReplyPayload) error
	OnError func(err error, kind string)
}

// AgentRuntime generates replies for an envelope.
type AgentRuntime interface {
	DispatchBuffered(ctx context.Context, env Envelope, handlers ReplyHandlers) (DispatchResult, error)
}

// CommandRequest carries a control command and its sender.
type CommandRequest struct {
	AccountID  string
	OpenID     string
	Text       string
	SessionKey string
	AgentID    string
}

// CommandHandler intercepts control commands before they reach the agent.
type CommandHandler interface {
	IsCommand(text string) bool
	Dispatch(ctx context.Context, req CommandRequest, deliver func(ctx context.Context, text string) error) (bool, error)
}

// ActivityDirection tells whether an activity was inbound or outbound.
type ActivityDirection string

const (
	DirectionInbound  ActivityDirection = "inbound"
	DirectionOutbound ActivityDirection = "outbound"
)

// ActivityEvent is a single channel activity record.
type ActivityEvent struct {
	Channel   string
	AccountID string
	OpenID    string
	Direction ActivityDirection
	At        time.Time
}

// ActivityRecorder records channel activity for presence and metrics.
type ActivityRecorder interface {
	RecordActivity(ctx context.Context, ev ActivityEvent) error
}

// SessionMeta describes an inbound turn for session bookkeeping.
type SessionMeta struct {
	SessionKey string
	AgentID    string
	AccountID  string
	OpenID     string
	Body       string
	At         time.Time
}

// RouteTarget is the last place a session was reached on.
type RouteTarget struct {
	Channel   string
	AccountID string
	To        string
}

// SessionMetadataWriter persists session metadata and last-route information.
type SessionMetadataWriter interface {
	RecordInbound(ctx context.Context, meta SessionMeta) error
	UpdateLastRoute(ctx context.Context, mainSessionKey string, target RouteTarget) error
}

// RouteResolver resolves the main session key for a user.
type RouteResolver interface {
	ResolveMainSessionKey(ctx context.Context, accountID, openID string) (string, error)
}

// EnvelopeFormatter renders the agent-facing body of an envelope.
type EnvelopeFormatter interface {
	FormatEnvelope(env Envelope) (string, error)
}
