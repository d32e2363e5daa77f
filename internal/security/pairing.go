package security

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"wemp/internal/storage"
)

// Document names of the pairing state.
const (
	PairedUsersFile  = "paired-users.json"
	PendingCodesFile = "pending-codes.json"
)

// DefaultCodeTTL is how long a pairing code stays valid.
const DefaultCodeTTL = 5 * time.Minute

const (
	codeLength   = 6
	maxCodeDraws = 16
)

// ErrCodeSpaceExhausted is returned when no unused code could be drawn.
var ErrCodeSpaceExhausted = errors.New("no unused pairing code available")

// PairedUser records who linked an official-account user and when.
type PairedUser struct {
	PairedAt        int64  `json:"pairedAt"` // unix millis
	PairedBy        string `json:"pairedBy"`
	PairedByName    string `json:"pairedByName,omitempty"`
	PairedByChannel string `json:"pairedByChannel,omitempty"`
}

// PendingCode is a live pairing code and its owner.
type PendingCode struct {
	Code      string `json:"-"`
	OpenID    string `json:"openId"`
	AccountID string `json:"accountId"`
	CreatedAt int64  `json:"createdAt"` // unix millis
}

// Identity is an official-account user.
type Identity struct {
	AccountID string `json:"accountId"`
	OpenID    string `json:"openId"`
}

// Key returns the "accountId:openId" registry key.
func (i Identity) Key() string { return UserKey(i.AccountID, i.OpenID) }

// UserKey builds the paired-users key for an account user.
func UserKey(accountID, openID string) string {
	return accountID + ":" + openID
}

// SplitUserKey is the inverse of UserKey. Account ids never contain ':'.
func SplitUserKey(key string) (accountID, openID string, ok bool) {
	return strings.Cut(key, ":")
}

// Verifier is the principal on another channel that confirms a code.
type Verifier struct {
	ID      string
	Name    string
	Channel string
}

type (
	pairedUsers  map[string]PairedUser
	pendingCodes map[string]PendingCode
)

// PairingConfig configures the pairing registry.
type PairingConfig struct {
	Storage storage.Factory
	TTL     time.Duration
	Now     func() time.Time
	Logger  *slog.Logger
}

// PairingRegistry links official-account users to a verifier on a trusted
// channel using short-lived 6-digit codes.
//
// A code is pending until it is verified (consumed) or its TTL elapses
// (expired). Expired codes are swept lazily whenever pending codes are read.
// Pairing state may be changed by another process (the CLI), so every
// operation reloads it from storage.
type PairingRegistry struct {
	// guards code consumption and minting within the process
	mu sync.Mutex

	paired  *storage.Store[pairedUsers]
	pending *storage.Store[pendingCodes]
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
	newCode func() (string, error)
}

// NewPairingRegistry creates a PairingRegistry.
func NewPairingRegistry(cfg PairingConfig) *PairingRegistry {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCodeTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &PairingRegistry{
		paired: storage.New(cfg.Storage.Backend(PairedUsersFile),
			func() pairedUsers { return pairedUsers{} }, cfg.Logger),
		pending: storage.New(cfg.Storage.Backend(PendingCodesFile),
			func() pendingCodes { return pendingCodes{} }, cfg.Logger),
		ttl:     cfg.TTL,
		now:     cfg.Now,
		logger:  cfg.Logger,
		newCode: func() (string, error) { return generateSecureCode(codeLength) },
	}
}

// TTL returns the code lifetime.
func (r *PairingRegistry) TTL() time.Duration { return r.ttl }

func (r *PairingRegistry) reload() {
	r.paired.ClearCache()
	r.pending.ClearCache()
}

func (r *PairingRegistry) expired(pc PendingCode, now time.Time) bool {
	return now.UnixMilli()-pc.CreatedAt > r.ttl.Milliseconds()
}

func (r *PairingRegistry) sweep(codes pendingCodes, now time.Time) {
	for code, pc := range codes {
		if r.expired(pc, now) {
			delete(codes, code)
		}
	}
}

// IsPaired reports whether the user has been paired.
func (r *PairingRegistry) IsPaired(accountID, openID string) bool {
	_, ok := r.GetPairedUser(accountID, openID)
	return ok
}

// GetPairedUser returns the pairing record of the user.
func (r *PairingRegistry) GetPairedUser(accountID, openID string) (PairedUser, bool) {
	r.paired.ClearCache()
	u, ok := r.paired.Read()[UserKey(accountID, openID)]
	return u, ok
}

// GenerateCode returns the user's live pairing code, or mints a new one.
// A new code never collides with another user's live code.
func (r *PairingRegistry) GenerateCode(accountID, openID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reload()
	now := r.now()

	var (
		code    string
		mintErr error
		minted  bool
	)
	err := r.pending.Update(func(codes pendingCodes) pendingCodes {
		r.sweep(codes, now)
		for c, pc := range codes {
			if pc.AccountID == accountID && pc.OpenID == openID {
				code = c
				return codes
			}
		}
		for i := 0; i < maxCodeDraws; i++ {
			c, err := r.newCode()
			if err != nil {
				mintErr = err
				return codes
			}
			if _, taken := codes[c]; taken {
				continue
			}
			code = c
			minted = true
			codes[c] = PendingCode{OpenID: openID, AccountID: accountID, CreatedAt: now.UnixMilli()}
			return codes
		}
		mintErr = ErrCodeSpaceExhausted
		return codes
	})
	if mintErr != nil {
		return "", fmt.Errorf("generate pairing code: %w", mintErr)
	}
	if err != nil {
		return "", fmt.Errorf("save pairing code: %w", err)
	}

	if minted {
		r.logger.Info("pairing code generated", "account_id", accountID, "open_id", openID)
	}
	return code, nil
}

// VerifyCode consumes code on behalf of verifier and pairs its owner.
// Expired codes are swept before the lookup, so it returns false for unknown
// and expired codes alike. The code is consumed before the owner is paired.
func (r *PairingRegistry) VerifyCode(code string, verifier Verifier) (Identity, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reload()
	now := r.now()

	var (
		pc    PendingCode
		found bool
	)
	err := r.pending.Update(func(codes pendingCodes) pendingCodes {
		r.sweep(codes, now)
		pc, found = codes[code]
		delete(codes, code)
		return codes
	})
	if err != nil {
		return Identity{}, false, fmt.Errorf("consume pairing code: %w", err)
	}
	if !found {
		return Identity{}, false, nil
	}

	id := Identity{AccountID: pc.AccountID, OpenID: pc.OpenID}
	err = r.paired.Update(func(users pairedUsers) pairedUsers {
		users[id.Key()] = PairedUser{
			PairedAt:        now.UnixMilli(),
			PairedBy:        verifier.ID,
			PairedByName:    verifier.Name,
			PairedByChannel: verifier.Channel,
		}
		return users
	})
	if err != nil {
		// hand the code back so the verifier can retry
		restoreErr := r.pending.Update(func(codes pendingCodes) pendingCodes {
			codes[code] = pc
			return codes
		})
		if restoreErr != nil {
			r.logger.Warn("failed to restore pairing code", "error", restoreErr)
		}
		return Identity{}, false, fmt.Errorf("save paired user: %w", err)
	}

	r.logger.Info("user paired",
		"account_id", id.AccountID,
		"open_id", id.OpenID,
		"paired_by", verifier.ID,
		"paired_by_channel", verifier.Channel,
	)
	return id, true, nil
}

// Unpair removes the user's pairing. It reports false if the user was not paired.
func (r *PairingRegistry) Unpair(accountID, openID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paired.ClearCache()
	key := UserKey(accountID, openID)
	if _, ok := r.paired.Read()[key]; !ok {
		return false, nil
	}

	err := r.paired.Update(func(users pairedUsers) pairedUsers {
		delete(users, key)
		return users
	})
	if err != nil {
		return false, fmt.Errorf("save paired users: %w", err)
	}
	r.logger.Info("user unpaired", "account_id", accountID, "open_id", openID)
	return true, nil
}

// ListPairedUsers returns a copy of the paired-users registry keyed by "accountId:openId".
func (r *PairingRegistry) ListPairedUsers() map[string]PairedUser {
	r.paired.ClearCache()
	src := r.paired.Read()
	out := make(map[string]PairedUser, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// ListPending returns the live pairing codes, oldest first.
func (r *PairingRegistry) ListPending() []PendingCode {
	r.pending.ClearCache()
	now := r.now()

	var out []PendingCode
	for code, pc := range r.pending.Read() {
		if r.expired(pc, now) {
			continue
		}
		pc.Code = code
		out = append(out, pc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].Code < out[j].Code
	})
	return out
}

// generateSecureCode generates a cryptographically random numeric code of the given length.
func generateSecureCode(length int) (string, error) {
	code := make([]byte, length)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		code[i] = byte('0') + byte(n.Int64())
	}
	return string(code), nil
}
