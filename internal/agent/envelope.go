package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"wemp/internal/domain"
)

// DM scopes accepted by ScopedRoutes.
const (
	ScopePerUser    = "perUser"
	ScopePerAccount = "perAccount"
)

// ScopedRoutes resolves the main session key from the configured DM scope.
// perUser keeps one last route per follower; perAccount keeps a single one
// per official account, the follower who wrote last.
type ScopedRoutes struct {
	Scope string
}

func (s ScopedRoutes) ResolveMainSessionKey(_ context.Context, accountID, openID string) (string, error) {
	switch s.Scope {
	case "", ScopePerUser:
		return MainSessionKey(accountID, openID), nil
	case ScopePerAccount:
		return domain.ChannelName + ":" + accountID + ":main", nil
	}
	return "", fmt.Errorf("%w: unknown dm scope %q", domain.ErrValidation, s.Scope)
}

const envelopeTimeLayout = "2006-01-02 15:04 MST"

// HeaderFormatter prefixes the agent-facing body with the channel, the sender
// and the message time, e.g. "[WEMP o123 2026-10-16 09:30 CST] hello".
type HeaderFormatter struct {
	Location *time.Location // nil means time.Local
}

func (f HeaderFormatter) FormatEnvelope(env domain.Envelope) (string, error) {
	sender := strings.TrimPrefix(env.From, domain.ChannelName+":")
	if sender == "" {
		return "", fmt.Errorf("%w: envelope has no sender", domain.ErrValidation)
	}
	loc := f.Location
	if loc == nil {
		loc = time.Local
	}
	return fmt.Sprintf("[WEMP %s %s] %s", sender, env.Timestamp.In(loc).Format(envelopeTimeLayout), env.Body), nil
}
