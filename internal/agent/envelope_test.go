package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"wemp/internal/domain"
)

func TestScopedRoutes(t *testing.T) {
	tests := []struct {
		scope string
		want  string
	}{
		{"", "wemp:acct:o1"},
		{ScopePerUser, "wemp:acct:o1"},
		{ScopePerAccount, "wemp:acct:main"},
	}
	for _, tt := range tests {
		got, err := ScopedRoutes{Scope: tt.scope}.ResolveMainSessionKey(context.Background(), "acct", "o1")
		if err != nil {
			t.Fatalf("scope %q: %v", tt.scope, err)
		}
		if got != tt.want {
			t.Errorf("scope %q: key = %q, want %q", tt.scope, got, tt.want)
		}
	}

	if _, err := (ScopedRoutes{Scope: "perGroup"}).ResolveMainSessionKey(context.Background(), "acct", "o1"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("unknown scope: err = %v", err)
	}
}

func TestHeaderFormatter(t *testing.T) {
	f := HeaderFormatter{Location: time.FixedZone("CST", 8*3600)}
	env := domain.Envelope{
		From:      "wemp:o1",
		Timestamp: time.Date(2026, 10, 16, 1, 30, 0, 0, time.UTC),
		Body:      "你好",
	}

	got, err := f.FormatEnvelope(env)
	if err != nil {
		t.Fatal(err)
	}
	if want := "[WEMP o1 2026-10-16 09:30 CST] 你好"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	if _, err := f.FormatEnvelope(domain.Envelope{From: "wemp:"}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("missing sender: err = %v", err)
	}
}

func TestRouter_ScopedRoutesAndHeader(t *testing.T) {
	rt := &fakeRuntime{payloads: []domain.ReplyPayload{{Text: "ok"}}}
	sessions := &fakeSessions{}
	r := newTestRouter(rt, &fakeSender{}, func(c *RouterConfig) {
		c.Routes = ScopedRoutes{Scope: ScopePerAccount}
		c.Formatter = HeaderFormatter{Location: time.UTC}
		c.Sessions = sessions
	})

	msg := inbound("hi")
	msg.Timestamp = time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	r.Handle(context.Background(), msg)

	env := rt.got
	if env.MainSessionKey != "wemp:acct:main" {
		t.Errorf("main key = %q", env.MainSessionKey)
	}
	if env.SessionKey != "wemp:main:acct:o1" {
		t.Errorf("session key = %q", env.SessionKey)
	}
	if env.Body != "[WEMP o1 2026-10-16 08:00 UTC] hi" || env.RawBody != "hi" {
		t.Errorf("body = %q raw = %q", env.Body, env.RawBody)
	}
	if sessions.routes["wemp:acct:main"].To != "o1" {
		t.Errorf("last route not tracked per account: %+v", sessions.routes)
	}
}
