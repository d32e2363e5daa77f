package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"wemp/internal/agent"
	"wemp/internal/channel"
	"wemp/internal/config"
	"wemp/internal/domain"
	"wemp/internal/menu"
	"wemp/internal/provider"
	"wemp/internal/security"
	"wemp/internal/storage"
)

// state is the persistent document store selected by storage.backend.
type state struct {
	storage.Factory
	db *storage.DB
}

func (s *state) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func openState(cfg *config.Config) (*state, error) {
	if err := os.MkdirAll(cfg.General.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	if cfg.Storage.Backend == "sqlite" {
		path := cfg.StateDBPath()
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create state db directory: %w", err)
		}
		db, err := storage.OpenDB(path)
		if err != nil {
			return nil, fmt.Errorf("open state db: %w", err)
		}
		return &state{Factory: db, db: db}, nil
	}
	return &state{Factory: storage.Dir(cfg.General.DataDir)}, nil
}

func newPairingRegistry(cfg *config.Config, st *state, log *slog.Logger) *security.PairingRegistry {
	return security.NewPairingRegistry(security.PairingConfig{
		Storage: st,
		TTL:     time.Duration(cfg.Pairing.CodeTTLSeconds) * time.Second,
		Logger:  log,
	})
}

func newMenuRegistry(st *state, log *slog.Logger) *menu.Registry {
	return menu.NewRegistry(st.Backend(menu.FileName), log)
}

func tokenConfig(cfg *config.Config) security.TokenConfig {
	return security.TokenConfig{Default: cfg.Pairing.APIToken, ByAccount: cfg.PairingTokens()}
}

func accountIDs(cfg *config.Config) []string {
	ids := make([]string, 0, len(cfg.Accounts))
	for id := range cfg.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func accountPolicies(cfg *config.Config) map[string]agent.AccountPolicy {
	out := make(map[string]agent.AccountPolicy, len(cfg.Accounts))
	for id, acc := range cfg.Accounts {
		out[id] = agent.AccountPolicy{
			DMPolicy:    acc.DMPolicy,
			AllowFrom:   acc.AllowFrom,
			MainAgentID: acc.MainAgent,
			CSEnabled:   acc.CSAgent.IsEnabled(),
			CSAgentID:   acc.CSAgent.AgentID,
		}
	}
	return out
}

// agentProfiles merges runtime.agents with the per-account csAgent settings.
func agentProfiles(cfg *config.Config) map[string]provider.AgentProfile {
	out := make(map[string]provider.AgentProfile, len(cfg.Runtime.Agents)+len(cfg.Accounts))
	for id, p := range cfg.Runtime.Agents {
		out[id] = provider.AgentProfile{SystemPrompt: p.SystemPrompt, Model: p.Model}
	}
	for _, id := range accountIDs(cfg) {
		cs := cfg.Accounts[id].CSAgent
		if cs.SystemPrompt == "" && cs.Model == "" {
			continue
		}
		agentID := cs.AgentID
		if agentID == "" {
			agentID = agent.DefaultCSAgentID
		}
		p := out[agentID]
		if cs.SystemPrompt != "" {
			p.SystemPrompt = cs.SystemPrompt
		}
		if cs.Model != "" {
			p.Model = cs.Model
		}
		out[agentID] = p
	}
	return out
}

func credentials(cfg *config.Config) map[string]channel.Credentials {
	out := make(map[string]channel.Credentials, len(cfg.Accounts))
	for id, acc := range cfg.Accounts {
		out[id] = channel.Credentials{AppID: acc.AppID, AppSecret: acc.AppSecret}
	}
	return out
}

func webhookAccounts(cfg *config.Config) []channel.Account {
	ids := accountIDs(cfg)
	out := make([]channel.Account, 0, len(ids))
	for _, id := range ids {
		acc := cfg.Accounts[id]
		out = append(out, channel.Account{
			ID:          id,
			Token:       acc.Token,
			WebhookPath: cfg.WebhookPath(id),
			WelcomeText: acc.WelcomeText,
		})
	}
	return out
}

// newProvider builds the runtime's chat provider: the primary API, wrapped in
// a failover chain when fallbacks are configured.
func newProvider(cfg *config.Config, log *slog.Logger) domain.Provider {
	client := provider.SharedHTTPClient(time.Duration(cfg.Runtime.TimeoutSeconds) * time.Second)
	primary := provider.NewOpenAI(provider.OpenAIConfig{
		APIKey:  cfg.Runtime.APIKey,
		APIBase: cfg.Runtime.APIBase,
		Model:   cfg.Runtime.Model,
		Client:  client,
		Logger:  log,
	})
	if len(cfg.Runtime.Fallbacks) == 0 {
		return primary
	}

	chain := []domain.Provider{primary}
	for i, fb := range cfg.Runtime.Fallbacks {
		name := fb.Name
		if name == "" {
			name = fmt.Sprintf("fallback-%d", i+1)
		}
		model := fb.Model
		if model == "" {
			model = cfg.Runtime.Model
		}
		chain = append(chain, provider.NewOpenAI(provider.OpenAIConfig{
			Name:    name,
			APIKey:  fb.APIKey,
			APIBase: fb.APIBase,
			Model:   model,
			Client:  client,
			Logger:  log,
		}))
	}
	return provider.NewFailoverProvider(chain, log)
}
