package channel

import (
	"context"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"wemp/internal/agent"
	"wemp/internal/bus"
	"wemp/internal/domain"
	"wemp/internal/media"
	"wemp/internal/menu"
	"wemp/internal/metrics"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultWebhookPath = "/wemp"
	maxWebhookBody     = 1 << 20
	defaultDedupeTTL   = 30 * time.Second
	defaultDedupeSize  = 4096
	defaultWelcomeText = "感谢关注！直接发送消息即可与助手对话，发送 /help 查看可用命令。"
)

// Hints sent to users who may not reach an agent.
const (
	hintPairingRequired = "请先发送 /pair 获取配对码，完成配对后即可使用。"
	hintNotAllowed      = "抱歉，你暂无权限使用此服务。"
	hintRateLimited     = "消息太频繁，请稍后再试。"
)

// Account is the webhook side of one official account.
type Account struct {
	ID          string
	Token       string
	WebhookPath string
	WelcomeText string
}

// CommandChecker recognizes the control commands a user may send before
// being admitted to an agent.
type CommandChecker interface {
	IsCommand(text string) bool
}

// WeChatConfig configures the WeChat webhook channel. Commands, Limiter,
// Menus and Events may be nil.
type WeChatConfig struct {
	Accounts   []Account
	Client     *WeChatClient
	Selector   *agent.AgentSelector
	Commands   CommandChecker
	Limiter    *agent.RateLimiter
	Menus      *menu.Registry
	Events     *bus.EventBus
	MediaDir   string
	DedupeTTL  time.Duration
	DedupeSize int
	Logger     *slog.Logger
}

// WeChat implements domain.Channel for the official-account message webhook.
// Every request is answered with "success" at once; the message itself is
// handled in the background and published to the bus.
type WeChat struct {
	client   *WeChatClient
	selector *agent.AgentSelector
	commands CommandChecker
	limiter  *agent.RateLimiter
	menus    *menu.Registry
	events   *bus.EventBus
	mediaDir string
	logger   *slog.Logger

	mu       sync.RWMutex
	accounts map[string]Account

	dedupeMu sync.Mutex
	seen     *expirable.LRU[string, struct{}]

	bus     domain.MessageBus
	baseCtx context.Context
	wg      sync.WaitGroup
}

// NewWeChat creates the webhook channel.
func NewWeChat(cfg WeChatConfig) *WeChat {
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = defaultDedupeTTL
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = defaultDedupeSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	w := &WeChat{
		client:   cfg.Client,
		selector: cfg.Selector,
		commands: cfg.Commands,
		limiter:  cfg.Limiter,
		menus:    cfg.Menus,
		events:   cfg.Events,
		mediaDir: cfg.MediaDir,
		logger:   cfg.Logger,
		seen:     expirable.NewLRU[string, struct{}](cfg.DedupeSize, nil, cfg.DedupeTTL),
		baseCtx:  context.Background(),
	}
	w.SetAccounts(cfg.Accounts)
	return w
}

func (w *WeChat) Name() string { return domain.ChannelName }

// SetAccounts replaces the account settings. Webhook paths are bound when
// Handler is built, so a path change needs a restart.
func (w *WeChat) SetAccounts(accounts []Account) {
	next := make(map[string]Account, len(accounts))
	for _, a := range accounts {
		if a.WebhookPath == "" {
			a.WebhookPath = DefaultWebhookPath(a.ID, len(accounts))
		}
		next[a.ID] = a
	}
	w.mu.Lock()
	w.accounts = next
	w.mu.Unlock()
}

// DefaultWebhookPath is the path of an account without an explicit one.
func DefaultWebhookPath(accountID string, accounts int) string {
	if accounts <= 1 {
		return defaultWebhookPath
	}
	return defaultWebhookPath + "/" + accountID
}

func (w *WeChat) account(id string) (Account, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	a, ok := w.accounts[id]
	return a, ok
}

// Start binds the channel to the bus. Outbound bus messages are sent as
// customer-service messages. It returns once the channel is ready.
func (w *WeChat) Start(ctx context.Context, b domain.MessageBus) error {
	w.bus = b
	w.baseCtx = ctx

	b.OnOutbound(func(msg domain.OutboundMessage) {
		if msg.Content != "" {
			if err := w.client.SendText(ctx, msg.AccountID, msg.OpenID, msg.Content); err != nil {
				w.logger.Error("wechat outbound send failed", "account_id", msg.AccountID, "open_id", msg.OpenID, "error", err)
			}
		}
		for _, u := range msg.MediaURLs {
			if err := w.client.SendImage(ctx, msg.AccountID, msg.OpenID, u); err != nil {
				w.logger.Error("wechat outbound image failed", "account_id", msg.AccountID, "open_id", msg.OpenID, "error", err)
			}
		}
	})

	w.mu.RLock()
	for id, a := range w.accounts {
		w.logger.Info("wechat webhook ready", "account_id", id, "path", a.WebhookPath)
	}
	w.mu.RUnlock()
	return nil
}

// Stop waits for in-flight message handling.
func (w *WeChat) Stop() error {
	w.wg.Wait()
	return nil
}

// Handler returns the HTTP handler serving every account's webhook path.
func (w *WeChat) Handler() http.Handler {
	mux := http.NewServeMux()
	w.mu.RLock()
	defer w.mu.RUnlock()
	for id, a := range w.accounts {
		accountID := id
		mux.HandleFunc("GET "+a.WebhookPath, func(rw http.ResponseWriter, r *http.Request) {
			w.handleVerification(rw, r, accountID)
		})
		mux.HandleFunc("POST "+a.WebhookPath, func(rw http.ResponseWriter, r *http.Request) {
			w.handleIncoming(rw, r, accountID)
		})
	}
	return mux
}

// Signature computes the WeChat webhook signature:
// the hex SHA-1 of token, timestamp and nonce sorted and concatenated.
func Signature(token, timestamp, nonce string) string {
	parts := []string{token, timestamp, nonce}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

func (w *WeChat) verify(r *http.Request, accountID string) bool {
	a, ok := w.account(accountID)
	if !ok || a.Token == "" {
		return false
	}
	q := r.URL.Query()
	want := Signature(a.Token, q.Get("timestamp"), q.Get("nonce"))
	return subtle.ConstantTimeCompare([]byte(want), []byte(q.Get("signature"))) == 1
}

func (w *WeChat) handleVerification(rw http.ResponseWriter, r *http.Request, accountID string) {
	if !w.verify(r, accountID) {
		w.logger.Warn("wechat webhook verification failed", "account_id", accountID)
		http.Error(rw, "Forbidden", http.StatusForbidden)
		return
	}
	w.logger.Info("wechat webhook verified", "account_id", accountID)
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(rw, r.URL.Query().Get("echostr"))
}

// wxMessage is a plaintext webhook message or event.
type wxMessage struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	Content      string   `xml:"Content"`
	MsgID        int64    `xml:"MsgId"`
	PicURL       string   `xml:"PicUrl"`
	MediaID      string   `xml:"MediaId"`
	Recognition  string   `xml:"Recognition"`
	Event        string   `xml:"Event"`
	EventKey     string   `xml:"EventKey"`
}

func (m wxMessage) dedupeKey(accountID string) string {
	if m.MsgID != 0 {
		return accountID + ":" + strconv.FormatInt(m.MsgID, 10)
	}
	return accountID + ":" + m.FromUserName + ":" + strconv.FormatInt(m.CreateTime, 10) + ":" + m.Event + ":" + m.EventKey
}

func (w *WeChat) handleIncoming(rw http.ResponseWriter, r *http.Request, accountID string) {
	if !w.verify(r, accountID) {
		w.logger.Warn("wechat invalid signature", "account_id", accountID)
		http.Error(rw, "Forbidden", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var msg wxMessage
	if err := xml.Unmarshal(body, &msg); err != nil {
		w.logger.Warn("wechat bad payload", "account_id", accountID, "error", err)
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}

	// WeChat retries unanswered messages; reply before doing any work.
	io.WriteString(rw, "success")

	if w.duplicate(msg.dedupeKey(accountID)) {
		metrics.DuplicateMessages.Inc()
		w.logger.Debug("duplicate wechat message dropped", "account_id", accountID, "open_id", msg.FromUserName, "msg_id", msg.MsgID)
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.process(w.baseCtx, accountID, msg)
	}()
}

func (w *WeChat) duplicate(key string) bool {
	w.dedupeMu.Lock()
	defer w.dedupeMu.Unlock()
	if w.seen.Contains(key) {
		return true
	}
	w.seen.Add(key, struct{}{})
	return false
}

func (w *WeChat) process(ctx context.Context, accountID string, msg wxMessage) {
	log := w.logger.With("account_id", accountID, "open_id", msg.FromUserName)

	switch msg.MsgType {
	case "text":
		w.handleText(ctx, accountID, msg, strings.TrimSpace(msg.Content), log)
	case "voice":
		if text := strings.TrimSpace(msg.Recognition); text != "" {
			w.handleText(ctx, accountID, msg, text, log)
			return
		}
		log.Debug("voice message without recognition ignored")
	case "image":
		w.handleImage(ctx, accountID, msg, log)
	case "event":
		w.handleEvent(ctx, accountID, msg, log)
	default:
		log.Debug("unsupported wechat message type", "msg_type", msg.MsgType)
	}
}

// admission is the outcome of admit for a message that may be published.
type admission struct {
	agentID string
	// commandOnly marks a user without agent access sending a control command.
	commandOnly bool
}

// admit applies the rate limit and the account policy. It returns false if
// the message was answered with a hint instead.
func (w *WeChat) admit(ctx context.Context, accountID, openID, text string, log *slog.Logger) (admission, bool) {
	if w.limiter != nil && !w.limiter.Allow(accountID+":"+openID) {
		metrics.RateLimited.Inc()
		log.Info("wechat message rate limited")
		w.reply(ctx, accountID, openID, hintRateLimited, log)
		w.dropped(accountID, openID, "rate_limited")
		return admission{}, false
	}

	route := w.selector.Select(accountID, openID)
	if route.Allowed && route.AgentID != "" {
		return admission{agentID: route.AgentID}, true
	}
	// control commands stay reachable so users can pair
	if text != "" && w.commands != nil && w.commands.IsCommand(text) {
		return admission{commandOnly: true}, true
	}

	hint := hintPairingRequired
	if w.selector.Policy(accountID).DMPolicy == agent.PolicyAllowlist {
		hint = hintNotAllowed
	}
	log.Info("wechat message from user without access dropped")
	w.reply(ctx, accountID, openID, hint, log)
	w.dropped(accountID, openID, "not_allowed")
	return admission{}, false
}

func (w *WeChat) handleText(ctx context.Context, accountID string, msg wxMessage, text string, log *slog.Logger) {
	if text == "" {
		return
	}
	adm, ok := w.admit(ctx, accountID, msg.FromUserName, text, log)
	if !ok {
		return
	}
	log.Info("wechat message received", "msg_id", msg.MsgID, "text_len", len(text), "command_only", adm.commandOnly)
	w.bus.Publish(domain.InboundMessage{
		AccountID:   accountID,
		OpenID:      msg.FromUserName,
		Text:        text,
		MessageID:   strconv.FormatInt(msg.MsgID, 10),
		Timestamp:   time.Unix(msg.CreateTime, 0),
		AgentID:     adm.agentID,
		CommandOnly: adm.commandOnly,
	})
}

func (w *WeChat) handleImage(ctx context.Context, accountID string, msg wxMessage, log *slog.Logger) {
	adm, ok := w.admit(ctx, accountID, msg.FromUserName, "", log)
	if !ok || adm.commandOnly {
		return
	}
	path, err := w.saveImage(ctx, accountID, msg)
	if err != nil {
		log.Warn("wechat image download failed", "msg_id", msg.MsgID, "error", err)
		return
	}
	log.Info("wechat image received", "msg_id", msg.MsgID, "path", path)
	w.bus.Publish(domain.InboundMessage{
		AccountID: accountID,
		OpenID:    msg.FromUserName,
		MessageID: strconv.FormatInt(msg.MsgID, 10),
		Timestamp: time.Unix(msg.CreateTime, 0),
		AgentID:   adm.agentID,
		MediaPath: path,
	})
}

func (w *WeChat) saveImage(ctx context.Context, accountID string, msg wxMessage) (string, error) {
	if msg.PicURL == "" {
		return "", fmt.Errorf("%w: image message without PicUrl", domain.ErrValidation)
	}
	data, mime, err := w.client.Download(ctx, msg.PicURL, media.MaxImageBytes)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(w.mediaDir, accountID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	name := strconv.FormatInt(msg.MsgID, 10)
	if msg.MsgID == 0 {
		name = msg.FromUserName + "-" + strconv.FormatInt(msg.CreateTime, 10)
	}
	path := filepath.Join(dir, name+media.FileExtension(mime))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("save image: %w", err)
	}
	return path, nil
}

func (w *WeChat) handleEvent(ctx context.Context, accountID string, msg wxMessage, log *slog.Logger) {
	switch strings.ToLower(msg.Event) {
	case "subscribe":
		text := defaultWelcomeText
		if a, ok := w.account(accountID); ok && a.WelcomeText != "" {
			text = a.WelcomeText
		}
		log.Info("wechat user subscribed")
		w.reply(ctx, accountID, msg.FromUserName, text, log)
	case "unsubscribe":
		log.Info("wechat user unsubscribed")
	case "click":
		w.replayMenu(ctx, accountID, msg.FromUserName, msg.EventKey, log)
	default:
		log.Debug("unhandled wechat event", "event", msg.Event)
	}
}

func (w *WeChat) replayMenu(ctx context.Context, accountID, openID, key string, log *slog.Logger) {
	id, ok := menu.ParseClickKey(key)
	if !ok || w.menus == nil {
		log.Debug("menu click without stored payload", "key", key)
		return
	}
	p, ok := w.menus.Get(accountID, id)
	if !ok {
		log.Warn("menu payload not found", "payload_id", id)
		return
	}
	if w.events != nil {
		w.events.Emit(bus.Event{
			Type:    bus.EventMenuClicked,
			Source:  domain.ChannelName,
			Payload: map[string]any{"account_id": accountID, "open_id": openID, "payload_id": id, "kind": string(p.Kind)},
		})
	}

	var err error
	switch p.Kind {
	case menu.KindText:
		err = w.client.SendText(ctx, accountID, openID, p.Text)
	case menu.KindNews:
		err = w.client.SendText(ctx, accountID, openID, strings.TrimSpace(p.Title+"\n"+p.ContentURL))
	case menu.KindImage:
		err = w.client.SendImageByMediaID(ctx, accountID, openID, p.MediaID)
	case menu.KindVoice:
		err = w.client.SendVoiceByMediaID(ctx, accountID, openID, p.MediaID)
	default:
		text := p.Value
		if text == "" {
			text = p.URL
		}
		if text == "" {
			log.Debug("menu payload has nothing to send", "payload_id", id, "kind", p.Kind)
			return
		}
		err = w.client.SendText(ctx, accountID, openID, text)
	}
	if err != nil {
		log.Error("menu reply failed", "payload_id", id, "error", err)
	}
}

func (w *WeChat) reply(ctx context.Context, accountID, openID, text string, log *slog.Logger) {
	if err := w.client.SendText(ctx, accountID, openID, text); err != nil {
		log.Warn("wechat reply failed", "error", err)
	}
}

func (w *WeChat) dropped(accountID, openID, reason string) {
	if w.events == nil {
		return
	}
	w.events.Emit(bus.Event{
		Type:    bus.EventMessageDropped,
		Source:  domain.ChannelName,
		Payload: map[string]any{"account_id": accountID, "open_id": openID, "reason": reason},
	})
}
