package agent

import (
	"io"
	"log/slog"
	"testing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type pairedSet map[string]bool

func (p pairedSet) IsPaired(accountID, openID string) bool { return p[accountID+":"+openID] }

func TestAgentSelector_PairingPolicy(t *testing.T) {
	s := NewAgentSelector(map[string]AccountPolicy{
		"acct": {DMPolicy: PolicyPairing, CSEnabled: true, MainAgentID: "butler"},
	}, pairedSet{"acct:paired": true}, quietLogger())

	r := s.Select("acct", "paired")
	if !r.Allowed || !r.Paired || r.AgentID != "butler" {
		t.Fatalf("paired user should reach the main agent, got %+v", r)
	}

	r = s.Select("acct", "stranger")
	if !r.Allowed || r.Paired || r.AgentID != DefaultCSAgentID {
		t.Fatalf("unpaired user should reach the cs agent, got %+v", r)
	}
}

func TestAgentSelector_PairingWithoutCS(t *testing.T) {
	s := NewAgentSelector(map[string]AccountPolicy{
		"acct": {DMPolicy: PolicyPairing},
	}, pairedSet{}, quietLogger())

	if r := s.Select("acct", "stranger"); r.Allowed {
		t.Fatalf("expected unpaired user to be refused, got %+v", r)
	}
}

func TestAgentSelector_Allowlist(t *testing.T) {
	s := NewAgentSelector(map[string]AccountPolicy{
		"acct": {DMPolicy: PolicyAllowlist, AllowFrom: []string{"friend"}, CSEnabled: true},
	}, nil, quietLogger())

	if r := s.Select("acct", "friend"); !r.Allowed || r.AgentID != DefaultMainAgentID {
		t.Fatalf("allowlisted user should reach main agent, got %+v", r)
	}
	if r := s.Select("acct", "other"); r.Allowed {
		t.Fatalf("unknown user must be refused under allowlist, got %+v", r)
	}
}

func TestAgentSelector_OpenAndUnknownAccount(t *testing.T) {
	s := NewAgentSelector(map[string]AccountPolicy{
		"open": {DMPolicy: PolicyOpen},
	}, nil, quietLogger())

	if r := s.Select("open", "anyone"); !r.Allowed || r.AgentID != DefaultMainAgentID {
		t.Fatalf("open policy should allow everyone, got %+v", r)
	}
	if r := s.Select("unknown", "anyone"); !r.Allowed || r.AgentID != DefaultCSAgentID {
		t.Fatalf("unknown account defaults to pairing with cs, got %+v", r)
	}
}

func TestAgentSelector_SetPolicies(t *testing.T) {
	policies := map[string]AccountPolicy{"acct": {DMPolicy: PolicyPairing}}
	s := NewAgentSelector(policies, pairedSet{}, quietLogger())
	if r := s.Select("acct", "stranger"); r.Allowed {
		t.Fatalf("expected refusal before reload, got %+v", r)
	}

	next := map[string]AccountPolicy{"acct": {DMPolicy: PolicyOpen}}
	s.SetPolicies(next)
	next["acct"] = AccountPolicy{DMPolicy: PolicyPairing}

	if r := s.Select("acct", "stranger"); !r.Allowed || r.AgentID != DefaultMainAgentID {
		t.Fatalf("open policy should apply after reload, got %+v", r)
	}

	s.SetPolicies(nil)
	if p := s.Policy("acct"); p.DMPolicy != PolicyPairing || !p.CSEnabled {
		t.Fatalf("unknown account should get the default policy, got %+v", p)
	}
}
