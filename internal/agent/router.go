package agent

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
)

// DM policies of an official account.
const (
	PolicyOpen      = "open"
	PolicyPairing   = "pairing"
	PolicyAllowlist = "allowlist"
)

// Default agent ids.
const (
	DefaultMainAgentID = "main"
	DefaultCSAgentID   = "wechat-cs"
)

// PairingChecker reports whether a user has been paired.
type PairingChecker interface {
	IsPaired(accountID, openID string) bool
}

// AccountPolicy decides which agent serves the users of one account.
type AccountPolicy struct {
	DMPolicy    string
	AllowFrom   []string
	MainAgentID string
	CSEnabled   bool
	CSAgentID   string
}

// Route is the selection made for one inbound message.
type Route struct {
	AgentID string
	Paired  bool
	// Allowed is false when the user may not talk to any agent.
	Allowed bool
}

// AgentSelector picks the agent for a user from the account policy and the
// user's pairing state: paired users reach the main agent, everybody else
// the customer-service agent if one is enabled.
type AgentSelector struct {
	mu       sync.RWMutex
	policies map[string]AccountPolicy
	pairing  PairingChecker
	logger   *slog.Logger
}

// NewAgentSelector creates an AgentSelector.
func NewAgentSelector(policies map[string]AccountPolicy, pairing PairingChecker, logger *slog.Logger) *AgentSelector {
	if policies == nil {
		policies = make(map[string]AccountPolicy)
	}
	return &AgentSelector{policies: policies, pairing: pairing, logger: logger}
}

// SetPolicies replaces the account policies, e.g. after a config reload.
func (s *AgentSelector) SetPolicies(policies map[string]AccountPolicy) {
	next := maps.Clone(policies)
	if next == nil {
		next = make(map[string]AccountPolicy)
	}
	s.mu.Lock()
	s.policies = next
	s.mu.Unlock()
}

// Policy returns the policy of an account with defaults applied.
func (s *AgentSelector) Policy(accountID string) AccountPolicy {
	s.mu.RLock()
	p, ok := s.policies[accountID]
	s.mu.RUnlock()
	if !ok {
		p = AccountPolicy{DMPolicy: PolicyPairing, CSEnabled: true}
	}
	if p.DMPolicy == "" {
		p.DMPolicy = PolicyPairing
	}
	if p.MainAgentID == "" {
		p.MainAgentID = DefaultMainAgentID
	}
	if p.CSAgentID == "" {
		p.CSAgentID = DefaultCSAgentID
	}
	return p
}

// Select returns the route of a user.
func (s *AgentSelector) Select(accountID, openID string) Route {
	p := s.Policy(accountID)
	paired := s.pairing != nil && s.pairing.IsPaired(accountID, openID)

	var r Route
	switch p.DMPolicy {
	case PolicyOpen:
		r = Route{AgentID: p.MainAgentID, Paired: paired, Allowed: true}
	case PolicyAllowlist:
		if slices.Contains(p.AllowFrom, openID) || paired {
			r = Route{AgentID: p.MainAgentID, Paired: paired, Allowed: true}
		}
	default:
		switch {
		case paired:
			r = Route{AgentID: p.MainAgentID, Paired: true, Allowed: true}
		case p.CSEnabled:
			r = Route{AgentID: p.CSAgentID, Allowed: true}
		}
	}

	s.logger.Debug("agent selected",
		"account_id", accountID, "open_id", openID, "agent", r.AgentID, "paired", paired, "allowed", r.Allowed)
	return r
}
