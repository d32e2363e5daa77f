package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"wemp/internal/agent"
	"wemp/internal/bus"
	"wemp/internal/channel"
	"wemp/internal/config"
	"wemp/internal/metrics"
	"wemp/internal/outbound"
	"wemp/internal/provider"
	"wemp/internal/security"
	"wemp/internal/session"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the official-account webhooks and the pairing API",
		Long:  "Starts the webhook server, the message worker and the optional Telegram pairing bot. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.Accounts) == 0 {
		return fmt.Errorf("no accounts configured in %s", cfgPath)
	}

	log, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openState(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, err := session.NewSQLiteStore(cfg.SessionsDBPath(), log)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	defer sessions.Close()

	pairing := newPairingRegistry(cfg, st, log)
	tokens := security.NewTokens(tokenConfig(cfg))
	menus := newMenuRegistry(st, log)
	events := bus.NewEventBus(log)
	messageBus := bus.New(100, log)
	defer messageBus.Close()

	client := channel.NewWeChatClient(channel.WeChatClientConfig{Accounts: credentials(cfg), Logger: log})

	out := outbound.NewDispatcher(outbound.Config{
		Sender:                 client,
		TextLimit:              cfg.Outbound.TextLimit,
		PunctuationSearchRange: cfg.Outbound.PunctuationSearchRange,
		ChunkDelay:             chunkDelay(cfg.Outbound.ChunkDelayMs),
		MaxImages:              cfg.Outbound.MaxImagesPerMessage,
		Logger:                 log,
	})

	prov := newProvider(cfg, log)
	if err := prov.Healthy(ctx); err != nil {
		log.Warn("agent runtime unhealthy at startup", "provider", prov.Name(), "error", err)
	}
	runtime := provider.NewOpenAIRuntime(provider.RuntimeConfig{
		Provider:     prov,
		History:      sessions,
		Agents:       agentProfiles(cfg),
		HistoryLimit: cfg.Runtime.HistoryLimit,
		MaxTokens:    cfg.Runtime.MaxTokens,
		Temperature:  cfg.Runtime.Temperature,
		Logger:       log,
	})

	selector := agent.NewAgentSelector(accountPolicies(cfg), pairing, log)
	commands := agent.NewCommands(pairing, selector, sessions, log)
	loc, err := cfg.EnvelopeLocation()
	if err != nil {
		return fmt.Errorf("sessions timezone: %w", err)
	}
	router := agent.NewMessageRouter(agent.RouterConfig{
		Runtime:   runtime,
		Outbound:  out,
		Commands:  commands,
		Activity:  events,
		Sessions:  sessions,
		Routes:    agent.ScopedRoutes{Scope: cfg.Sessions.DMScope},
		Formatter: agent.HeaderFormatter{Location: loc},
		Logger:    log,
	})
	worker := agent.NewWorker(messageBus, router, cfg.General.MaxConcurrentMessages, log)
	limiter := agent.NewRateLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)

	wechat := channel.NewWeChat(channel.WeChatConfig{
		Accounts:   webhookAccounts(cfg),
		Client:     client,
		Selector:   selector,
		Commands:   commands,
		Limiter:    limiter,
		Menus:      menus,
		Events:     events,
		MediaDir:   cfg.MediaDir(),
		DedupeTTL:  time.Duration(cfg.Dedupe.TTLSeconds) * time.Second,
		DedupeSize: cfg.Dedupe.Size,
		Logger:     log,
	})
	verifier := channel.NewPairingVerifier(channel.PairingVerifierConfig{
		Registry: pairing,
		Tokens:   tokens,
		Bus:      messageBus,
		Events:   events,
		Logger:   log,
	})
	pairingAPI := channel.NewPairingAPI(channel.PairingAPIConfig{
		Verifier: verifier,
		Tokens:   tokens,
		Path:     cfg.Pairing.APIPath,
		Logger:   log,
	})

	for _, id := range accountIDs(cfg) {
		acc := cfg.Accounts[id]
		if acc.MenuFile == "" {
			continue
		}
		if _, err := importMenu(ctx, id, acc.MenuFile, menus, client, acc.SyncMenu); err != nil {
			log.Error("menu import failed", "account_id", id, "file", acc.MenuFile, "error", err)
		}
	}

	events.On(bus.EventMessageDropped, func(ev bus.Event) {
		log.Debug("message dropped", "account_id", ev.Payload["account_id"], "reason", ev.Payload["reason"])
	})

	watcher, err := config.NewWatcher(cfgPath, log)
	if err != nil {
		log.Warn("config hot reload disabled", "error", err)
	} else {
		watcher.OnChange(func(next *config.Config) {
			tokens.Replace(tokenConfig(next))
			selector.SetPolicies(accountPolicies(next))
			client.SetAccounts(credentials(next))
			wechat.SetAccounts(webhookAccounts(next))
		})
		if err := watcher.Start(); err != nil {
			log.Warn("config hot reload disabled", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	mux := http.NewServeMux()
	mux.Handle(pairingAPI.Path(), pairingAPI.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Endpoint, metrics.Collector.Handler())
	}
	mux.Handle("/", wechat.Handler())

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := wechat.Start(gctx, messageBus); err != nil {
		return fmt.Errorf("start wechat channel: %w", err)
	}
	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})
	if limiter.Enabled() {
		g.Go(func() error {
			limiter.RunCleanup(gctx)
			return nil
		})
	}
	if cfg.Telegram.Enabled {
		tg := channel.NewTelegramPairing(channel.TelegramPairingConfig{
			Token:     cfg.Telegram.Token,
			AllowFrom: cfg.Telegram.AllowFrom,
			AccountID: telegramAccount(cfg),
			Verifier:  verifier,
			Logger:    log,
		})
		g.Go(func() error {
			if err := tg.Start(gctx, messageBus); err != nil {
				log.Error("telegram pairing bot stopped", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		log.Info("wemp listening", "addr", server.Addr, "accounts", len(cfg.Accounts), "pairing_api", pairingAPI.Path())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(server, wechat, log)
	})

	err = g.Wait()
	log.Info("shutdown complete")
	return err
}

// shutdown stops accepting requests, then waits for webhook messages already
// accepted to reach the bus.
func shutdown(server *http.Server, wechat *channel.WeChat, log *slog.Logger) error {
	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn("http shutdown timed out", "error", err)
	}

	done := make(chan struct{})
	go func() {
		wechat.Stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out")
	}
}

// chunkDelay converts outbound.chunkDelayMs; zero disables the pause
// between chunks.
func chunkDelay(ms int) time.Duration {
	if ms <= 0 {
		return -1
	}
	return time.Duration(ms) * time.Millisecond
}

// telegramAccount is the account the Telegram bot verifies codes for: the
// configured one, or the only account.
func telegramAccount(cfg *config.Config) string {
	if cfg.Telegram.AccountID != "" {
		return cfg.Telegram.AccountID
	}
	if ids := accountIDs(cfg); len(ids) == 1 {
		return ids[0]
	}
	return ""
}
