package security

import (
	"crypto/subtle"
	"strings"
	"sync"
)

// TokenConfig holds the pairing API tokens: one optional default and
// optional per-account overrides.
type TokenConfig struct {
	Default   string
	ByAccount map[string]string
}

// Tokens resolves the pairing API token of an account.
// Pairing verification is disabled for an account that has no token.
type Tokens struct {
	mu        sync.RWMutex
	def       string
	byAccount map[string]string
}

// NewTokens creates a token set from cfg. Blank tokens are ignored.
func NewTokens(cfg TokenConfig) *Tokens {
	t := &Tokens{}
	t.Replace(cfg)
	return t
}

// Replace swaps the whole token set, e.g. after a config reload.
func (t *Tokens) Replace(cfg TokenConfig) {
	byAccount := make(map[string]string, len(cfg.ByAccount))
	for acc, tok := range cfg.ByAccount {
		if tok = strings.TrimSpace(tok); tok != "" {
			byAccount[acc] = tok
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.def = strings.TrimSpace(cfg.Default)
	t.byAccount = byAccount
}

// SetAccountToken overrides the token of one account. A blank token is ignored.
func (t *Tokens) SetAccountToken(accountID, token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byAccount[accountID] = token
}

// Token returns the account's token, falling back to the default.
func (t *Tokens) Token(accountID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if tok, ok := t.byAccount[accountID]; ok {
		return tok, true
	}
	if t.def != "" {
		return t.def, true
	}
	return "", false
}

// Authorize reports whether presented matches the account's token.
// It is always false when no token is configured.
func (t *Tokens) Authorize(accountID, presented string) bool {
	want, ok := t.Token(accountID)
	if !ok || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(presented)) == 1
}
