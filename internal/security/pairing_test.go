package security

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wemp/internal/storage"
)

func testPairingLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T) (*PairingRegistry, *fakeClock, string) {
	t.Helper()
	dir := t.TempDir()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	r := NewPairingRegistry(PairingConfig{
		Storage: storage.Dir(dir),
		Now:     clock.Now,
		Logger:  testPairingLogger(),
	})
	return r, clock, dir
}

func TestPairingRegistry_GenerateCode(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	code, err := r.GenerateCode("acct", "user1")
	if err != nil {
		t.Fatal(err)
	}
	if len(code) != 6 {
		t.Errorf("expected 6-digit code, got %q", code)
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			t.Errorf("code contains non-digit: %c", c)
		}
	}
}

func TestPairingRegistry_GenerateCode_ReusesLiveCode(t *testing.T) {
	r, clock, _ := newTestRegistry(t)

	first, err := r.GenerateCode("acct", "user1")
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(4 * time.Minute)
	second, err := r.GenerateCode("acct", "user1")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("expected live code %q to be reused, got %q", first, second)
	}
	if n := len(r.ListPending()); n != 1 {
		t.Errorf("expected 1 pending code, got %d", n)
	}
}

func TestPairingRegistry_GenerateCode_NewAfterExpiry(t *testing.T) {
	r, clock, _ := newTestRegistry(t)
	codes := []string{"111111", "222222"}
	r.newCode = func() (string, error) {
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}

	first, _ := r.GenerateCode("acct", "user1")
	clock.Advance(DefaultCodeTTL + time.Second)
	second, err := r.GenerateCode("acct", "user1")
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Error("expired code must not be reused")
	}
	pending := r.ListPending()
	if len(pending) != 1 || pending[0].Code != "222222" {
		t.Errorf("expected only the new code to be pending, got %+v", pending)
	}
}

func TestPairingRegistry_GenerateCode_AvoidsCollision(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	draws := []string{"123456", "123456", "654321"}
	r.newCode = func() (string, error) {
		c := draws[0]
		draws = draws[1:]
		return c, nil
	}

	a, err := r.GenerateCode("acct", "user1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.GenerateCode("acct", "user2")
	if err != nil {
		t.Fatal(err)
	}
	if a != "123456" || b != "654321" {
		t.Errorf("expected 123456 and 654321, got %s and %s", a, b)
	}
}

func TestPairingRegistry_GenerateCode_Exhausted(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.newCode = func() (string, error) { return "000000", nil }

	if _, err := r.GenerateCode("acct", "user1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GenerateCode("acct", "user2"); err == nil {
		t.Error("expected an error when every draw collides")
	}
}

func TestPairingRegistry_VerifyCode_Success(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	code, _ := r.GenerateCode("acct", "user1")
	id, ok, err := r.VerifyCode(code, Verifier{ID: "tg-42", Name: "alice", Channel: "telegram"})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("valid code should verify successfully")
	}
	if id.AccountID != "acct" || id.OpenID != "user1" {
		t.Errorf("unexpected identity %+v", id)
	}
	if !r.IsPaired("acct", "user1") {
		t.Error("user should be paired after code verification")
	}

	u, _ := r.GetPairedUser("acct", "user1")
	if u.PairedBy != "tg-42" || u.PairedByName != "alice" || u.PairedByChannel != "telegram" {
		t.Errorf("unexpected paired user %+v", u)
	}
}

func TestPairingRegistry_VerifyCode_SingleUse(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	code, _ := r.GenerateCode("acct", "user1")
	if _, ok, _ := r.VerifyCode(code, Verifier{ID: "a"}); !ok {
		t.Fatal("first verification should succeed")
	}
	if _, ok, _ := r.VerifyCode(code, Verifier{ID: "b"}); ok {
		t.Error("second verification of the same code must fail")
	}

	u, _ := r.GetPairedUser("acct", "user1")
	if u.PairedBy != "a" {
		t.Errorf("pairing must not be overwritten by a replay, got %q", u.PairedBy)
	}
}

func TestPairingRegistry_VerifyCode_Expired(t *testing.T) {
	r, clock, _ := newTestRegistry(t)

	code, _ := r.GenerateCode("acct", "user1")
	clock.Advance(DefaultCodeTTL + time.Millisecond)

	_, ok, err := r.VerifyCode(code, Verifier{ID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expired code should not verify")
	}
	if r.IsPaired("acct", "user1") {
		t.Error("expired code must not pair")
	}
	if n := len(r.ListPending()); n != 0 {
		t.Errorf("expired code should be swept, %d left", n)
	}
}

func TestPairingRegistry_VerifyCode_MissSweepsExpiredCodes(t *testing.T) {
	r, clock, dir := newTestRegistry(t)

	stale, _ := r.GenerateCode("acct", "user1")
	clock.Advance(DefaultCodeTTL + time.Millisecond)
	live, _ := r.GenerateCode("acct", "user2")

	var unknown string
	for _, c := range []string{"000000", "000001", "000002"} {
		if c != stale && c != live {
			unknown = c
			break
		}
	}
	if _, ok, err := r.VerifyCode(unknown, Verifier{ID: "a"}); err != nil || ok {
		t.Fatalf("unknown code: ok=%v err=%v", ok, err)
	}

	data, err := os.ReadFile(filepath.Join(dir, PendingCodesFile))
	if err != nil {
		t.Fatal(err)
	}
	var onDisk map[string]json.RawMessage
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatal(err)
	}
	if _, ok := onDisk[stale]; ok {
		t.Error("expired code should be swept by any verification")
	}
	if _, ok := onDisk[live]; !ok {
		t.Error("live code must survive the sweep")
	}
}

// failingFactory fails every save of one document.
type failingFactory struct {
	storage.Dir
	name string
}

func (f failingFactory) Backend(name string) storage.Backend {
	b := f.Dir.Backend(name)
	if name == f.name {
		return failingSave{b}
	}
	return b
}

type failingSave struct{ storage.Backend }

func (failingSave) Save([]byte) error { return errors.New("disk full") }

func TestPairingRegistry_VerifyCode_PairedWriteFailureKeepsCode(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	broken := NewPairingRegistry(PairingConfig{
		Storage: failingFactory{Dir: storage.Dir(dir), name: PairedUsersFile},
		Now:     clock.Now,
		Logger:  testPairingLogger(),
	})

	code, err := broken.GenerateCode("acct", "user1")
	if err != nil {
		t.Fatal(err)
	}
	id, ok, err := broken.VerifyCode(code, Verifier{ID: "a"})
	if err == nil || ok || id != (Identity{}) {
		t.Fatalf("expected a failed verification, got id=%+v ok=%v err=%v", id, ok, err)
	}

	healthy := NewPairingRegistry(PairingConfig{Storage: storage.Dir(dir), Now: clock.Now, Logger: testPairingLogger()})
	if healthy.IsPaired("acct", "user1") {
		t.Fatal("failed verification must not pair")
	}
	if _, ok, err := healthy.VerifyCode(code, Verifier{ID: "a"}); err != nil || !ok {
		t.Fatalf("code should be usable after a failed save: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := healthy.VerifyCode(code, Verifier{ID: "a"}); ok {
		t.Error("code must stay single-use")
	}
}

func TestPairingRegistry_VerifyCode_AtTTLBoundary(t *testing.T) {
	r, clock, _ := newTestRegistry(t)

	code, _ := r.GenerateCode("acct", "user1")
	clock.Advance(DefaultCodeTTL)

	if _, ok, _ := r.VerifyCode(code, Verifier{ID: "a"}); !ok {
		t.Error("code is still valid when exactly TTL has elapsed")
	}
}

func TestPairingRegistry_VerifyCode_Unknown(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	_, ok, err := r.VerifyCode("123456", Verifier{ID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("should not verify when no code was generated")
	}
}

func TestPairingRegistry_Unpair(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	code, _ := r.GenerateCode("acct", "user1")
	r.VerifyCode(code, Verifier{ID: "a"})

	removed, err := r.Unpair("acct", "user1")
	if err != nil {
		t.Fatal(err)
	}
	if !removed {
		t.Error("expected Unpair to report removal")
	}
	if r.IsPaired("acct", "user1") {
		t.Error("user should not be paired after unpair")
	}
}

func TestPairingRegistry_Unpair_NeverPaired(t *testing.T) {
	r, _, dir := newTestRegistry(t)

	code, _ := r.GenerateCode("acct", "user1")
	r.VerifyCode(code, Verifier{ID: "a"})
	before, err := os.ReadFile(filepath.Join(dir, PairedUsersFile))
	if err != nil {
		t.Fatal(err)
	}

	removed, err := r.Unpair("acct", "stranger")
	if err != nil {
		t.Fatal(err)
	}
	if removed {
		t.Error("unpairing a never-paired user should report false")
	}

	after, _ := os.ReadFile(filepath.Join(dir, PairedUsersFile))
	if string(before) != string(after) {
		t.Error("registry must be unchanged")
	}
}

func TestPairingRegistry_FileFormat(t *testing.T) {
	r, _, dir := newTestRegistry(t)

	code, _ := r.GenerateCode("acct", "user1")
	data, err := os.ReadFile(filepath.Join(dir, PendingCodesFile))
	if err != nil {
		t.Fatal(err)
	}
	var pending map[string]map[string]any
	if err := json.Unmarshal(data, &pending); err != nil {
		t.Fatal(err)
	}
	entry, ok := pending[code]
	if !ok {
		t.Fatalf("code %s missing from %s", code, data)
	}
	if entry["accountId"] != "acct" || entry["openId"] != "user1" {
		t.Errorf("unexpected pending entry %v", entry)
	}

	r.VerifyCode(code, Verifier{ID: "a"})
	data, _ = os.ReadFile(filepath.Join(dir, PairedUsersFile))
	var paired map[string]map[string]any
	if err := json.Unmarshal(data, &paired); err != nil {
		t.Fatal(err)
	}
	if _, ok := paired["acct:user1"]; !ok {
		t.Errorf("expected key acct:user1 in %s", data)
	}
}

func TestPairingRegistry_SeesOtherProcessChanges(t *testing.T) {
	r, _, dir := newTestRegistry(t)
	other := NewPairingRegistry(PairingConfig{Storage: storage.Dir(dir), Logger: testPairingLogger()})

	code, _ := r.GenerateCode("acct", "user1")
	if _, ok, _ := other.VerifyCode(code, Verifier{ID: "cli"}); !ok {
		t.Fatal("code should be visible to a second registry")
	}
	if !r.IsPaired("acct", "user1") {
		t.Error("pairing made elsewhere should be visible")
	}
}

func TestPairingRegistry_SQLiteStorage(t *testing.T) {
	db, err := storage.OpenDB(filepath.Join(t.TempDir(), "wemp.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	r := NewPairingRegistry(PairingConfig{Storage: db, Logger: testPairingLogger()})
	code, err := r.GenerateCode("acct", "user1")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, err := r.VerifyCode(code, Verifier{ID: "a"}); err != nil || !ok {
		t.Fatalf("verify: ok=%v err=%v", ok, err)
	}
	if !r.IsPaired("acct", "user1") {
		t.Error("user should be paired")
	}
}

func TestPairingRegistry_DefaultTTL(t *testing.T) {
	r := NewPairingRegistry(PairingConfig{Storage: storage.Dir(t.TempDir())})
	if r.TTL() != 5*time.Minute {
		t.Errorf("expected default TTL of 5 minutes, got %v", r.TTL())
	}
}

func TestGenerateSecureCode_Length(t *testing.T) {
	for _, length := range []int{4, 6, 8, 10} {
		code, err := generateSecureCode(length)
		if err != nil {
			t.Fatal(err)
		}
		if len(code) != length {
			t.Errorf("expected code length %d, got %d", length, len(code))
		}
	}
}

func TestSplitUserKey(t *testing.T) {
	acc, open, ok := SplitUserKey(UserKey("acct", "o-1"))
	if !ok || acc != "acct" || open != "o-1" {
		t.Errorf("SplitUserKey = %q, %q, %v", acc, open, ok)
	}
	if _, _, ok := SplitUserKey("nocolon"); ok {
		t.Error("key without separator should not split")
	}
}
