package agent

import (
	"context"
	"strings"

	"wemp/internal/domain"
)

// SessionKey returns the per-agent conversation key of a user.
func SessionKey(agentID, accountID, openID string) string {
	return domain.ChannelName + ":" + agentID + ":" + accountID + ":" + openID
}

// MainSessionKey returns the agent-independent key used for last-route tracking.
func MainSessionKey(accountID, openID string) string {
	return domain.ChannelName + ":" + accountID + ":" + openID
}

// ParseSessionKey splits a per-agent session key into its parts.
func ParseSessionKey(key string) (agentID, accountID, openID string, ok bool) {
	parts := strings.SplitN(key, ":", 4)
	if len(parts) != 4 || parts[0] != domain.ChannelName {
		return "", "", "", false
	}
	return parts[1], parts[2], parts[3], true
}

// SessionClearer drops the history of a session.
type SessionClearer interface {
	ClearSession(ctx context.Context, sessionKey string) error
}
