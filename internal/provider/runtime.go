package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"wemp/internal/domain"
)

const (
	defaultHistoryLimit = 20
	defaultMaxTokens    = 1024
)

const defaultSystemPrompt = `You are a helpful assistant replying to a user of a WeChat official account.
Replies are plain text shown in a chat window: keep them short, avoid tables and code blocks.
To show an image, include its URL as a markdown image.`

// AgentProfile configures one agent id.
type AgentProfile struct {
	SystemPrompt string
	Model        string
}

// RuntimeConfig configures an OpenAIRuntime. History may be nil.
type RuntimeConfig struct {
	Provider     domain.Provider
	History      domain.HistoryStore
	Agents       map[string]AgentProfile
	HistoryLimit int
	MaxTokens    int
	Temperature  float64
	Logger       *slog.Logger
}

// OpenAIRuntime implements domain.AgentRuntime on top of a chat-completion
// provider, replaying the stored history of the session.
type OpenAIRuntime struct {
	provider     domain.Provider
	history      domain.HistoryStore
	agents       map[string]AgentProfile
	historyLimit int
	maxTokens    int
	temperature  float64
	logger       *slog.Logger
}

// NewOpenAIRuntime creates an OpenAIRuntime.
func NewOpenAIRuntime(cfg RuntimeConfig) *OpenAIRuntime {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OpenAIRuntime{
		provider:     cfg.Provider,
		history:      cfg.History,
		agents:       cfg.Agents,
		historyLimit: cfg.HistoryLimit,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		logger:       cfg.Logger,
	}
}

// DispatchBuffered generates one reply for the envelope and hands it to
// handlers.Deliver. A provider failure is returned; a delivery failure is
// reported through handlers.OnError.
func (r *OpenAIRuntime) DispatchBuffered(ctx context.Context, env domain.Envelope, handlers domain.ReplyHandlers) (domain.DispatchResult, error) {
	profile := r.agents[env.AgentID]
	prompt := profile.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}

	msgs := []domain.Message{{Role: "system", Content: prompt}}
	if r.history != nil {
		past, err := r.history.GetMessages(ctx, env.SessionKey, r.historyLimit)
		if err != nil {
			r.logger.Warn("failed to load history, continuing without it", "session_key", env.SessionKey, "error", err)
		}
		for _, m := range past {
			msgs = append(msgs, domain.Message{Role: m.Role, Content: m.Content})
		}
	}
	msgs = append(msgs, domain.Message{Role: "user", Content: env.Body})

	resp, err := r.provider.Chat(ctx, domain.ChatRequest{
		Messages:    msgs,
		Model:       profile.Model,
		MaxTokens:   r.maxTokens,
		Temperature: r.temperature,
	})
	if err != nil {
		return domain.DispatchResult{}, fmt.Errorf("chat %s: %w", r.provider.Name(), err)
	}

	r.logger.Debug("agent replied",
		"session_key", env.SessionKey,
		"latency_ms", resp.LatencyMs,
		"tokens", resp.Usage.TotalTokens,
		"finish_reason", resp.FinishReason,
	)

	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return domain.DispatchResult{}, nil
	}

	r.remember(ctx, env, reply, resp, profile.Model)

	if err := handlers.Deliver(ctx, domain.ReplyPayload{Text: reply}); err != nil && handlers.OnError != nil {
		handlers.OnError(err, "final")
	}
	return domain.DispatchResult{QueuedFinal: true}, nil
}

func (r *OpenAIRuntime) remember(ctx context.Context, env domain.Envelope, reply string, resp *domain.ChatResponse, model string) {
	if r.history == nil {
		return
	}
	turns := []domain.MessageRecord{
		{Role: "user", Content: env.Body, TokensIn: resp.Usage.PromptTokens},
		{Role: "assistant", Content: reply, TokensOut: resp.Usage.CompletionTokens, Model: model, LatencyMs: resp.LatencyMs},
	}
	for _, m := range turns {
		if err := r.history.AddMessage(ctx, env.SessionKey, m); err != nil {
			r.logger.Warn("failed to save message", "session_key", env.SessionKey, "role", m.Role, "error", err)
		}
	}
}
