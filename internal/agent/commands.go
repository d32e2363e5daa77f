package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"wemp/internal/domain"
	"wemp/internal/security"
)

// ChatCommand represents a parsed chat command.
type ChatCommand struct {
	Name string   // command name without "/"
	Args []string // arguments after the command
	Raw  string   // original full text
}

// ParseCommand checks if a message starts with "/" and parses it into a ChatCommand.
// Returns nil if the message is not a command.
func ParseCommand(text string) *ChatCommand {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}

	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil
	}

	name := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if name == "" {
		return nil
	}

	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}

	return &ChatCommand{
		Name: name,
		Args: args,
		Raw:  text,
	}
}

// PairingService is the part of the pairing registry the commands use.
type PairingService interface {
	GenerateCode(accountID, openID string) (string, error)
	Unpair(accountID, openID string) (bool, error)
	GetPairedUser(accountID, openID string) (security.PairedUser, bool)
	TTL() time.Duration
}

// Commands handles the control commands users can send to an official account.
type Commands struct {
	pairing  PairingService
	selector *AgentSelector
	sessions SessionClearer
	logger   *slog.Logger
}

// NewCommands creates the command handler. sessions may be nil.
func NewCommands(pairing PairingService, selector *AgentSelector, sessions SessionClearer, logger *slog.Logger) *Commands {
	return &Commands{pairing: pairing, selector: selector, sessions: sessions, logger: logger}
}

var knownCommands = map[string]bool{
	"help": true, "pair": true, "unpair": true, "status": true, "new": true, "clear": true,
}

// IsCommand reports whether text is one of the known control commands.
func (c *Commands) IsCommand(text string) bool {
	cmd := ParseCommand(text)
	return cmd != nil && knownCommands[cmd.Name]
}

// Dispatch runs a control command and sends its answer through deliver.
func (c *Commands) Dispatch(ctx context.Context, req domain.CommandRequest, deliver func(ctx context.Context, text string) error) (bool, error) {
	cmd := ParseCommand(req.Text)
	if cmd == nil || !knownCommands[cmd.Name] {
		return false, nil
	}

	var reply string
	var err error
	switch cmd.Name {
	case "help":
		reply = helpText()
	case "pair":
		reply, err = c.pair(req.AccountID, req.OpenID)
	case "unpair":
		reply, err = c.unpair(req.AccountID, req.OpenID)
	case "status":
		reply = c.status(req.AccountID, req.OpenID)
	case "new", "clear":
		reply, err = c.clear(ctx, req)
	}
	if err != nil {
		return false, fmt.Errorf("command /%s: %w", cmd.Name, err)
	}

	c.logger.Info("command handled", "command", cmd.Name, "account_id", req.AccountID, "open_id", req.OpenID)
	if err := deliver(ctx, reply); err != nil {
		return true, fmt.Errorf("deliver /%s reply: %w", cmd.Name, err)
	}
	return true, nil
}

func (c *Commands) pair(accountID, openID string) (string, error) {
	if u, ok := c.pairing.GetPairedUser(accountID, openID); ok {
		return fmt.Sprintf("你已完成配对（%s）。发送 /unpair 可取消配对。", pairedBy(u)), nil
	}
	code, err := c.pairing.GenerateCode(accountID, openID)
	if err != nil {
		return "", err
	}
	minutes := int(c.pairing.TTL().Minutes())
	return fmt.Sprintf("你的配对码：%s\n请在 %d 分钟内通过其他渠道完成验证。", code, minutes), nil
}

func (c *Commands) unpair(accountID, openID string) (string, error) {
	removed, err := c.pairing.Unpair(accountID, openID)
	if err != nil {
		return "", err
	}
	if !removed {
		return "你尚未配对。", nil
	}
	return "已取消配对。", nil
}

func (c *Commands) status(accountID, openID string) string {
	route := c.selector.Select(accountID, openID)
	var sb strings.Builder
	if u, ok := c.pairing.GetPairedUser(accountID, openID); ok {
		sb.WriteString(fmt.Sprintf("配对状态：已配对（%s，%s）\n", pairedBy(u),
			time.UnixMilli(u.PairedAt).Format("2006-01-02 15:04")))
	} else {
		sb.WriteString("配对状态：未配对\n")
	}
	if route.Allowed {
		sb.WriteString("当前助手：" + route.AgentID)
	} else {
		sb.WriteString("当前助手：无（请先发送 /pair 完成配对）")
	}
	return sb.String()
}

func (c *Commands) clear(ctx context.Context, req domain.CommandRequest) (string, error) {
	if c.sessions == nil {
		return "当前未启用会话记录。", nil
	}
	key := req.SessionKey
	if key == "" {
		key = SessionKey(c.selector.Select(req.AccountID, req.OpenID).AgentID, req.AccountID, req.OpenID)
	}
	if err := c.sessions.ClearSession(ctx, key); err != nil {
		return "", err
	}
	return "已开始新的对话。", nil
}

func pairedBy(u security.PairedUser) string {
	name := u.PairedByName
	if name == "" {
		name = u.PairedBy
	}
	if u.PairedByChannel != "" {
		return u.PairedByChannel + ":" + name
	}
	return name
}

func helpText() string {
	return `可用命令：
/help 显示帮助
/pair 获取配对码
/unpair 取消配对
/status 查看配对状态
/new 开始新的对话
/clear 同 /new`
}
