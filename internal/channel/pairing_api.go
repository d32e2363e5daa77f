package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"wemp/internal/bus"
	"wemp/internal/domain"
	"wemp/internal/metrics"
	"wemp/internal/security"
)

const (
	// DefaultPairingAPIPath is where the pairing API listens by default.
	DefaultPairingAPIPath = "/wemp/pairing/verify"
	pairingAPIMaxBody     = 64 << 10

	pairedNotice = "配对成功！你现在可以直接与助手对话了。"
)

// ErrPairingDisabled is returned when no pairing token is configured for an account.
var ErrPairingDisabled = errors.New("pairing verification disabled for account")

// PairingVerifierConfig configures a PairingVerifier. Bus and Events may be nil.
type PairingVerifierConfig struct {
	Registry *security.PairingRegistry
	Tokens   *security.Tokens
	Bus      domain.MessageBus
	Events   *bus.EventBus
	Logger   *slog.Logger
}

// PairingVerifier consumes pairing codes presented on a trusted channel and
// tells the paired WeChat user about it.
type PairingVerifier struct {
	registry *security.PairingRegistry
	tokens   *security.Tokens
	bus      domain.MessageBus
	events   *bus.EventBus
	logger   *slog.Logger
}

// NewPairingVerifier creates a PairingVerifier.
func NewPairingVerifier(cfg PairingVerifierConfig) *PairingVerifier {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &PairingVerifier{
		registry: cfg.Registry,
		tokens:   cfg.Tokens,
		bus:      cfg.Bus,
		events:   cfg.Events,
		logger:   cfg.Logger,
	}
}

// Enabled reports whether pairing can be verified for the account.
func (p *PairingVerifier) Enabled(accountID string) bool {
	_, ok := p.tokens.Token(accountID)
	return ok
}

// Verify consumes code for accountID. It fails with ErrPairingDisabled when
// the account has no pairing token and with domain.ErrNotFound when the code
// is unknown, expired, or belongs to another account.
func (p *PairingVerifier) Verify(accountID, code string, v security.Verifier) (security.Identity, error) {
	if !p.Enabled(accountID) {
		return security.Identity{}, ErrPairingDisabled
	}
	code = strings.TrimSpace(code)

	owned := false
	for _, pc := range p.registry.ListPending() {
		if pc.Code == code {
			owned = pc.AccountID == accountID
			break
		}
	}
	if !owned {
		metrics.PairingRejected.Inc()
		return security.Identity{}, fmt.Errorf("pairing code: %w", domain.ErrNotFound)
	}

	id, ok, err := p.registry.VerifyCode(code, v)
	if err != nil {
		return security.Identity{}, err
	}
	if !ok {
		metrics.PairingRejected.Inc()
		return security.Identity{}, fmt.Errorf("pairing code: %w", domain.ErrNotFound)
	}
	metrics.PairingSucceeded.Inc()

	if p.events != nil {
		p.events.Emit(bus.Event{
			Type:   bus.EventPairingVerified,
			Source: v.Channel,
			Payload: map[string]any{
				"account_id":  id.AccountID,
				"open_id":     id.OpenID,
				"verifier_id": v.ID,
			},
		})
	}
	if p.bus != nil {
		go p.bus.SendOutbound(domain.OutboundMessage{AccountID: id.AccountID, OpenID: id.OpenID, Content: pairedNotice})
	}
	return id, nil
}

// PairingAPIConfig configures the pairing HTTP API.
type PairingAPIConfig struct {
	Verifier *PairingVerifier
	Tokens   *security.Tokens
	Path     string
	Logger   *slog.Logger
}

// PairingAPI lets a trusted system verify pairing codes over HTTP.
type PairingAPI struct {
	verifier *PairingVerifier
	tokens   *security.Tokens
	path     string
	logger   *slog.Logger
}

// NewPairingAPI creates the pairing API.
func NewPairingAPI(cfg PairingAPIConfig) *PairingAPI {
	if cfg.Path == "" {
		cfg.Path = DefaultPairingAPIPath
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &PairingAPI{verifier: cfg.Verifier, tokens: cfg.Tokens, path: cfg.Path, logger: cfg.Logger}
}

// Path returns the path the API is served on.
func (a *PairingAPI) Path() string { return a.path }

// Handler returns the HTTP handler of the API.
func (a *PairingAPI) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+a.path, a.handleVerify)
	return mux
}

type verifyRequest struct {
	AccountID string `json:"accountId"`
	Code      string `json:"code"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName,omitempty"`
	Channel   string `json:"channel,omitempty"`
}

type verifyResponse struct {
	AccountID string `json:"accountId"`
	OpenID    string `json:"openId"`
}

func (a *PairingAPI) handleVerify(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, pairingAPIMaxBody))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "bad request"})
		return
	}
	var req verifyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.AccountID == "" || strings.TrimSpace(req.Code) == "" || req.UserID == "" {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "accountId, code and userId are required"})
		return
	}

	if _, ok := a.tokens.Token(req.AccountID); !ok {
		a.logger.Warn("pairing verification rejected: no token configured", "account_id", req.AccountID)
		writeJSON(rw, http.StatusForbidden, map[string]string{"error": "pairing verification disabled"})
		return
	}
	presented, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !a.tokens.Authorize(req.AccountID, strings.TrimSpace(presented)) {
		a.logger.Warn("pairing verification rejected: bad token", "account_id", req.AccountID)
		writeJSON(rw, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	}

	channel := req.Channel
	if channel == "" {
		channel = "api"
	}
	id, err := a.verifier.Verify(req.AccountID, req.Code, security.Verifier{ID: req.UserID, Name: req.UserName, Channel: channel})
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(rw, http.StatusNotFound, map[string]string{"error": "invalid or expired code"})
	case errors.Is(err, ErrPairingDisabled):
		writeJSON(rw, http.StatusForbidden, map[string]string{"error": "pairing verification disabled"})
	case err != nil:
		a.logger.Error("pairing verification failed", "account_id", req.AccountID, "error", err)
		writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	default:
		writeJSON(rw, http.StatusOK, verifyResponse{AccountID: id.AccountID, OpenID: id.OpenID})
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
