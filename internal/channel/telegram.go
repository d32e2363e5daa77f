package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"wemp/internal/domain"
	"wemp/internal/security"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramHelp = "Send /pair <code> to confirm the pairing code a WeChat user received.\n" +
	"With several official accounts use /pair <accountId> <code>."

// TelegramPairingConfig configures the Telegram pairing companion.
type TelegramPairingConfig struct {
	Token     string
	AllowFrom []string // Telegram user ids; empty allows everybody
	AccountID string   // account used when /pair names none
	Verifier  *PairingVerifier
	Logger    *slog.Logger
}

// TelegramPairing is a Telegram bot through which trusted operators confirm
// WeChat pairing codes with /pair.
type TelegramPairing struct {
	token     string
	allowFrom []int64
	accountID string
	verifier  *PairingVerifier
	logger    *slog.Logger

	bot *tgbotapi.BotAPI
}

// NewTelegramPairing creates the companion bot.
func NewTelegramPairing(cfg TelegramPairingConfig) *TelegramPairing {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TelegramPairing{
		token:     cfg.Token,
		allowFrom: allowed,
		accountID: cfg.AccountID,
		verifier:  cfg.Verifier,
		logger:    cfg.Logger,
	}
}

func (t *TelegramPairing) Name() string { return "telegram" }

// Start connects to Telegram and polls for updates until ctx is done.
func (t *TelegramPairing) Start(ctx context.Context, _ domain.MessageBus) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram pairing bot connected", "username", bot.Self.UserName)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram pairing bot stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

// Stop is a no-op: polling ends when Start's context is cancelled.
func (t *TelegramPairing) Stop() error { return nil }

func (t *TelegramPairing) handleUpdate(update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil || !msg.IsCommand() {
		return
	}
	if !t.isAllowed(msg.From.ID) {
		t.logger.Warn("unauthorized telegram user", "user_id", msg.From.ID, "username", msg.From.UserName)
		t.send(msg.Chat.ID, "Unauthorized. Your user ID is not in the allow list.")
		return
	}

	switch msg.Command() {
	case "pair":
		t.send(msg.Chat.ID, t.pairReply(msg.CommandArguments(), msg.From.ID, msg.From.UserName))
	case "start", "help":
		t.send(msg.Chat.ID, telegramHelp)
	default:
		t.send(msg.Chat.ID, "Unknown command. Type /help for available commands.")
	}
}

// pairReply verifies the code in args on behalf of a Telegram user and
// returns the answer for them.
func (t *TelegramPairing) pairReply(args string, userID int64, userName string) string {
	fields := strings.Fields(args)
	accountID := t.accountID
	var code string
	switch len(fields) {
	case 1:
		code = fields[0]
	case 2:
		accountID, code = fields[0], fields[1]
	default:
		return "Usage: /pair <code>"
	}
	if accountID == "" {
		return "Usage: /pair <accountId> <code>"
	}

	id, err := t.verifier.Verify(accountID, code, security.Verifier{
		ID:      strconv.FormatInt(userID, 10),
		Name:    userName,
		Channel: "telegram",
	})
	switch {
	case errors.Is(err, ErrPairingDisabled):
		return fmt.Sprintf("Pairing is not enabled for account %s.", accountID)
	case errors.Is(err, domain.ErrNotFound):
		return "Invalid or expired code."
	case err != nil:
		t.logger.Error("telegram pairing failed", "account_id", accountID, "error", err)
		return "Pairing failed, please try again."
	}
	return fmt.Sprintf("Paired WeChat user %s on account %s.", id.OpenID, id.AccountID)
}

func (t *TelegramPairing) isAllowed(userID int64) bool {
	return len(t.allowFrom) == 0 || slices.Contains(t.allowFrom, userID)
}

func (t *TelegramPairing) send(chatID int64, text string) {
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		t.logger.Warn("telegram send failed", "chat_id", chatID, "error", err)
	}
}
