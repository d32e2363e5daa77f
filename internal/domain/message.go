package domain

import "time"

// ChannelName is the channel identifier used in session keys and envelopes.
const ChannelName = "wemp"

// InboundMessage is a single user message received from an official account.
type InboundMessage struct {
	AccountID string
	OpenID    string
	Text      string
	MessageID string
	Timestamp time.Time
	AgentID   string
	MediaPath string // local path of a downloaded image, if any
	MediaURLs []string
	// CommandOnly is set for senders without agent access. Such a message
	// may run a control command but is never handed to an agent.
	CommandOnly bool
}

// Envelope is the normalized context handed to the agent runtime.
type Envelope struct {
	ID             string
	From           string
	To             string
	Channel        string
	AccountID      string
	AgentID        string
	Timestamp      time.Time
	Body           string
	RawBody        string
	CommandBody    string
	SessionKey     string
	MainSessionKey string
	MediaPath      string
	Attachments    []string
}

// ReplyPayload is one unit of agent output to deliver to the user.
type ReplyPayload struct {
	Text      string
	MediaURLs []string
}

// DispatchResult reports what the runtime queued for delivery.
type DispatchResult struct {
	QueuedFinal bool
}

// OutboundMessage is a message queued for the channel's outbound handler.
type OutboundMessage struct {
	AccountID string
	OpenID    string
	Content   string
	MediaURLs []string
}
