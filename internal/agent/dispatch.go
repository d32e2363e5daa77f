package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"wemp/internal/domain"
	"wemp/internal/media"
	"wemp/internal/metrics"
	"wemp/internal/outbound"
)

// ApologyText is sent when the agent fails to produce a reply.
const ApologyText = "抱歉，处理消息时出现错误，请稍后再试。"

// RouterConfig holds the dependencies of a MessageRouter. Only Runtime and
// Outbound are required; every other collaborator may be nil.
type RouterConfig struct {
	Runtime   domain.AgentRuntime
	Outbound  *outbound.Dispatcher
	Commands  domain.CommandHandler
	Activity  domain.ActivityRecorder
	Sessions  domain.SessionMetadataWriter
	Routes    domain.RouteResolver
	Formatter domain.EnvelopeFormatter
	Logger    *slog.Logger
	Now       func() time.Time
}

// MessageRouter turns one inbound message into an agent dispatch and
// delivers the replies back to the user.
type MessageRouter struct {
	runtime   domain.AgentRuntime
	out       *outbound.Dispatcher
	commands  domain.CommandHandler
	activity  domain.ActivityRecorder
	sessions  domain.SessionMetadataWriter
	routes    domain.RouteResolver
	formatter domain.EnvelopeFormatter
	logger    *slog.Logger
	now       func() time.Time
}

// NewMessageRouter creates a MessageRouter.
func NewMessageRouter(cfg RouterConfig) *MessageRouter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &MessageRouter{
		runtime:   cfg.Runtime,
		out:       cfg.Outbound,
		commands:  cfg.Commands,
		activity:  cfg.Activity,
		sessions:  cfg.Sessions,
		routes:    cfg.Routes,
		formatter: cfg.Formatter,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// Handle processes one inbound message. It never returns an error: failures
// are logged and, when the agent itself fails, answered with ApologyText.
func (r *MessageRouter) Handle(ctx context.Context, msg domain.InboundMessage) {
	agentID := msg.AgentID
	log := r.logger.With("account_id", msg.AccountID, "open_id", msg.OpenID, "agent", agentID)
	var sessionKey string
	if agentID != "" {
		sessionKey = SessionKey(agentID, msg.AccountID, msg.OpenID)
	}

	if r.handleCommand(ctx, msg, agentID, sessionKey, log) {
		return
	}
	if msg.CommandOnly || agentID == "" {
		log.Info("message without agent access dropped", "command_only", msg.CommandOnly)
		return
	}

	metrics.InboundMessages.Inc()
	r.recordActivity(ctx, msg, domain.DirectionInbound, log)

	mainKey := MainSessionKey(msg.AccountID, msg.OpenID)
	if r.routes != nil {
		resolved, err := r.routes.ResolveMainSessionKey(ctx, msg.AccountID, msg.OpenID)
		switch {
		case err != nil:
			log.Warn("resolve main session key failed", "error", err)
		case resolved != "":
			mainKey = resolved
		}
	}

	env := r.buildEnvelope(msg, agentID, sessionKey, mainKey, log)

	if r.sessions != nil {
		meta := domain.SessionMeta{
			SessionKey: sessionKey,
			AgentID:    agentID,
			AccountID:  msg.AccountID,
			OpenID:     msg.OpenID,
			Body:       env.Body,
			At:         env.Timestamp,
		}
		if err := r.sessions.RecordInbound(ctx, meta); err != nil {
			log.Warn("record inbound session failed", "error", err)
		}
		target := domain.RouteTarget{Channel: domain.ChannelName, AccountID: msg.AccountID, To: msg.OpenID}
		if err := r.sessions.UpdateLastRoute(ctx, mainKey, target); err != nil {
			log.Warn("update last route failed", "error", err)
		}
	}

	start := r.now()
	result, err := r.dispatch(ctx, env, msg, log)
	metrics.AgentLatency.Observe(r.now().Sub(start).Seconds())
	if err != nil {
		metrics.DispatchErrors.Inc()
		log.Error("agent dispatch failed", "session_key", sessionKey, "error", err)
		if _, sendErr := r.out.SendText(ctx, msg.AccountID, msg.OpenID, ApologyText); sendErr != nil {
			log.Error("send apology failed", "error", sendErr)
		}
		return
	}
	if !result.QueuedFinal {
		log.Info("agent produced no reply", "session_key", sessionKey)
	}
}

func (r *MessageRouter) handleCommand(ctx context.Context, msg domain.InboundMessage, agentID, sessionKey string, log *slog.Logger) bool {
	if r.commands == nil || !r.commands.IsCommand(msg.Text) {
		return false
	}
	req := domain.CommandRequest{
		AccountID:  msg.AccountID,
		OpenID:     msg.OpenID,
		Text:       msg.Text,
		SessionKey: sessionKey,
		AgentID:    agentID,
	}
	deliver := func(ctx context.Context, text string) error {
		_, err := r.out.SendText(ctx, msg.AccountID, msg.OpenID, text)
		return err
	}
	handled, err := r.commands.Dispatch(ctx, req, deliver)
	switch {
	case err != nil && handled:
		log.Error("command reply not delivered", "text", msg.Text, "error", err)
	case err != nil:
		log.Warn("command failed", "text", msg.Text, "error", err)
	}
	return handled
}

func (r *MessageRouter) buildEnvelope(msg domain.InboundMessage, agentID, sessionKey, mainKey string, log *slog.Logger) domain.Envelope {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}
	body := msg.Text
	if msg.MediaPath != "" {
		body = fmt.Sprintf("[图片: %s]\n\n%s", msg.MediaPath, msg.Text)
	}

	env := domain.Envelope{
		ID:             msg.MessageID,
		From:           domain.ChannelName + ":" + msg.OpenID,
		To:             domain.ChannelName + ":" + msg.OpenID,
		Channel:        domain.ChannelName,
		AccountID:      msg.AccountID,
		AgentID:        agentID,
		Timestamp:      ts,
		Body:           body,
		RawBody:        msg.Text,
		CommandBody:    msg.Text,
		SessionKey:     sessionKey,
		MainSessionKey: mainKey,
		MediaPath:      msg.MediaPath,
	}
	if msg.MediaPath != "" {
		env.Attachments = []string{msg.MediaPath}
	}

	if r.formatter != nil {
		formatted, err := r.formatter.FormatEnvelope(env)
		if err != nil {
			log.Warn("format envelope failed, using raw body", "error", err)
		} else if formatted != "" {
			env.Body = formatted
		}
	}
	return env
}

// dispatch runs the agent and turns a panic into an error.
func (r *MessageRouter) dispatch(ctx context.Context, env domain.Envelope, msg domain.InboundMessage, log *slog.Logger) (result domain.DispatchResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("agent runtime panic: %v", rec)
		}
	}()

	handlers := domain.ReplyHandlers{
		Deliver: func(ctx context.Context, payload domain.ReplyPayload) error {
			return r.deliver(ctx, msg, payload, log)
		},
		OnError: func(err error, kind string) {
			if kind == "" {
				kind = "reply"
			}
			log.Error("agent reply failed", "kind", kind, "error", err)
		},
	}
	return r.runtime.DispatchBuffered(ctx, env, handlers)
}

// deliver sends one reply payload. Text goes first, then explicit media
// URLs, then images found in the text.
func (r *MessageRouter) deliver(ctx context.Context, msg domain.InboundMessage, payload domain.ReplyPayload, log *slog.Logger) error {
	if err := r.out.SendTyping(ctx, msg.AccountID, msg.OpenID); err != nil {
		log.Debug("typing indicator failed", "error", err)
	}

	text, extracted := media.ProcessImagesInText(payload.Text)

	var textErr error
	if strings.TrimSpace(text) != "" {
		_, textErr = r.out.SendText(ctx, msg.AccountID, msg.OpenID, text)
	}

	images := make([]string, 0, len(payload.MediaURLs)+len(extracted))
	images = append(images, payload.MediaURLs...)
	images = append(images, extracted...)
	if len(images) > 0 {
		r.out.SendImages(ctx, msg.AccountID, msg.OpenID, images)
	}

	metrics.OutboundMessages.Inc()
	r.recordActivity(ctx, msg, domain.DirectionOutbound, log)

	return textErr
}

func (r *MessageRouter) recordActivity(ctx context.Context, msg domain.InboundMessage, dir domain.ActivityDirection, log *slog.Logger) {
	if r.activity == nil {
		return
	}
	ev := domain.ActivityEvent{
		Channel:   domain.ChannelName,
		AccountID: msg.AccountID,
		OpenID:    msg.OpenID,
		Direction: dir,
		At:        r.now(),
	}
	if err := r.activity.RecordActivity(ctx, ev); err != nil {
		log.Debug("record activity failed", "direction", dir, "error", err)
	}
}
