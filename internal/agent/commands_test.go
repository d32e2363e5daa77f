package agent

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"wemp/internal/domain"
	"wemp/internal/security"
	"wemp/internal/storage"
)

type clearedSessions struct {
	keys []string
	err  error
}

func (c *clearedSessions) ClearSession(_ context.Context, key string) error {
	if c.err != nil {
		return c.err
	}
	c.keys = append(c.keys, key)
	return nil
}

func newTestCommands(t *testing.T) (*Commands, *security.PairingRegistry, *clearedSessions) {
	t.Helper()
	reg := security.NewPairingRegistry(security.PairingConfig{
		Storage: storage.Dir(t.TempDir()),
		Logger:  quietLogger(),
	})
	selector := NewAgentSelector(map[string]AccountPolicy{
		"acct": {DMPolicy: PolicyPairing, CSEnabled: true},
	}, reg, quietLogger())
	sessions := &clearedSessions{}
	return NewCommands(reg, selector, sessions, quietLogger()), reg, sessions
}

func run(t *testing.T, c *Commands, text string) (string, bool, error) {
	t.Helper()
	var reply string
	handled, err := c.Dispatch(context.Background(), domain.CommandRequest{
		AccountID:  "acct",
		OpenID:     "o1",
		Text:       text,
		SessionKey: SessionKey("main", "acct", "o1"),
	}, func(_ context.Context, text string) error {
		reply = text
		return nil
	})
	return reply, handled, err
}

func TestParseCommand(t *testing.T) {
	cmd := ParseCommand("  /PAIR extra args ")
	if cmd == nil || cmd.Name != "pair" || len(cmd.Args) != 2 {
		t.Fatalf("unexpected parse result %+v", cmd)
	}
	for _, text := range []string{"", "hello", "/", "  "} {
		if ParseCommand(text) != nil {
			t.Errorf("expected %q not to parse as a command", text)
		}
	}
}

func TestCommands_IsCommand(t *testing.T) {
	c, _, _ := newTestCommands(t)
	if !c.IsCommand("/help") || !c.IsCommand("/New") {
		t.Fatal("expected known commands to be recognized")
	}
	if c.IsCommand("/unknown") || c.IsCommand("help") {
		t.Fatal("unknown commands and plain text must pass through")
	}
}

func TestCommands_PairIssuesAndReusesCode(t *testing.T) {
	c, reg, _ := newTestCommands(t)

	reply, handled, err := run(t, c, "/pair")
	if err != nil || !handled {
		t.Fatalf("pair failed: handled=%v err=%v", handled, err)
	}
	code := regexp.MustCompile(`\d{6}`).FindString(reply)
	if code == "" {
		t.Fatalf("expected a 6-digit code in %q", reply)
	}

	again, _, _ := run(t, c, "/pair")
	if !strings.Contains(again, code) {
		t.Fatalf("expected the live code to be reused, got %q", again)
	}

	if _, ok, err := reg.VerifyCode(code, security.Verifier{ID: "admin"}); err != nil || !ok {
		t.Fatalf("verify failed: ok=%v err=%v", ok, err)
	}
	paired, _, _ := run(t, c, "/pair")
	if !strings.Contains(paired, "已完成配对") {
		t.Fatalf("expected already-paired notice, got %q", paired)
	}
}

func TestCommands_StatusAndUnpair(t *testing.T) {
	c, reg, _ := newTestCommands(t)

	status, _, _ := run(t, c, "/status")
	if !strings.Contains(status, "未配对") || !strings.Contains(status, DefaultCSAgentID) {
		t.Fatalf("unexpected status for unpaired user: %q", status)
	}

	reply, _, _ := run(t, c, "/unpair")
	if reply != "你尚未配对。" {
		t.Fatalf("unexpected unpair reply %q", reply)
	}

	code, err := reg.GenerateCode("acct", "o1")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := reg.VerifyCode(code, security.Verifier{ID: "42", Name: "alice", Channel: "telegram"}); err != nil {
		t.Fatal(err)
	}

	status, _, _ = run(t, c, "/status")
	if !strings.Contains(status, "telegram:alice") || !strings.Contains(status, DefaultMainAgentID) {
		t.Fatalf("unexpected status for paired user: %q", status)
	}

	reply, _, _ = run(t, c, "/unpair")
	if reply != "已取消配对。" || reg.IsPaired("acct", "o1") {
		t.Fatalf("expected unpair to succeed, got %q", reply)
	}
}

func TestCommands_ClearSession(t *testing.T) {
	c, _, sessions := newTestCommands(t)

	if _, handled, err := run(t, c, "/new"); err != nil || !handled {
		t.Fatalf("new failed: handled=%v err=%v", handled, err)
	}
	if len(sessions.keys) != 1 || sessions.keys[0] != "wemp:main:acct:o1" {
		t.Fatalf("expected session to be cleared, got %v", sessions.keys)
	}

	sessions.err = errors.New("disk full")
	if _, handled, err := run(t, c, "/clear"); err == nil || handled {
		t.Fatal("expected clear failure to be reported as unhandled error")
	}
}

func TestCommands_Help(t *testing.T) {
	c, _, _ := newTestCommands(t)
	reply, handled, err := run(t, c, "/help")
	if err != nil || !handled || !strings.Contains(reply, "/pair") {
		t.Fatalf("unexpected help result %q %v %v", reply, handled, err)
	}
}
