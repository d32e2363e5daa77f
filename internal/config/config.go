package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration of wemp.
type Config struct {
	General   GeneralConfig            `json:"general"`
	Server    ServerConfig             `json:"server"`
	Accounts  map[string]AccountConfig `json:"accounts"`
	Pairing   PairingConfig            `json:"pairing"`
	Outbound  OutboundConfig           `json:"outbound"`
	Storage   StorageConfig            `json:"storage"`
	Runtime   RuntimeConfig            `json:"runtime"`
	Sessions  SessionsConfig           `json:"sessions"`
	RateLimit RateLimitConfig          `json:"rateLimit"`
	Dedupe    DedupeConfig             `json:"dedupe"`
	Telegram  TelegramConfig           `json:"telegram"`
	Metrics   MetricsConfig            `json:"metrics"`
}

type GeneralConfig struct {
	DataDir               string `json:"dataDir"`
	LogLevel              string `json:"logLevel"`
	LogFile               string `json:"logFile,omitempty"`
	MaxConcurrentMessages int    `json:"maxConcurrentMessages"`
}

type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// AccountConfig configures one official account.
type AccountConfig struct {
	Name            string         `json:"name,omitempty"`
	AppID           string         `json:"appId"`
	AppSecret       string         `json:"appSecret"`
	Token           string         `json:"token"`
	WebhookPath     string         `json:"webhookPath,omitempty"`
	DMPolicy        string         `json:"dmPolicy,omitempty"` // "open" | "pairing" | "allowlist"
	AllowFrom       FlexStringList `json:"allowFrom,omitempty"`
	PairingAPIToken string         `json:"pairingApiToken,omitempty"`
	MainAgent       string         `json:"mainAgent,omitempty"`
	CSAgent         CSAgentConfig  `json:"csAgent"`
	WelcomeText     string         `json:"welcomeText,omitempty"`
	MenuFile        string         `json:"menuFile,omitempty"`
	SyncMenu        bool           `json:"syncMenu,omitempty"`
}

// CSAgentConfig configures the customer-service agent unpaired users talk to.
type CSAgentConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"` // default true
	AgentID      string `json:"agentId,omitempty"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

// IsEnabled reports whether the customer-service agent is enabled.
func (c CSAgentConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

type PairingConfig struct {
	CodeTTLSeconds int    `json:"codeTTLSeconds"`
	APIToken       string `json:"apiToken,omitempty"`
	APIPath        string `json:"apiPath"`
}

type OutboundConfig struct {
	TextLimit              int `json:"textLimit"`
	ChunkDelayMs           int `json:"chunkDelayMs"`
	PunctuationSearchRange int `json:"punctuationSearchRange"`
	MaxImagesPerMessage    int `json:"maxImagesPerMessage"`
}

type StorageConfig struct {
	Backend    string `json:"backend"` // "file" | "sqlite"
	SQLitePath string `json:"sqlitePath,omitempty"`
}

// RuntimeConfig configures the agent runtime (an OpenAI-compatible API).
type RuntimeConfig struct {
	APIBase        string                  `json:"apiBase"`
	APIKey         string                  `json:"apiKey,omitempty"`
	Model          string                  `json:"model"`
	HistoryLimit   int                     `json:"historyLimit"`
	MaxTokens      int                     `json:"maxTokens"`
	Temperature    float64                 `json:"temperature"`
	TimeoutSeconds int                     `json:"timeoutSeconds"`
	Agents         map[string]AgentProfile `json:"agents,omitempty"`
	Fallbacks      []RuntimeEndpoint       `json:"fallbacks,omitempty"`
}

// RuntimeEndpoint is an extra OpenAI-compatible API tried in order when the
// primary one fails.
type RuntimeEndpoint struct {
	Name    string `json:"name,omitempty"`
	APIBase string `json:"apiBase"`
	APIKey  string `json:"apiKey,omitempty"`
	Model   string `json:"model,omitempty"`
}

// AgentProfile configures one agent id.
type AgentProfile struct {
	SystemPrompt string `json:"systemPrompt,omitempty"`
	Model        string `json:"model,omitempty"`
}

type SessionsConfig struct {
	DBPath   string `json:"dbPath,omitempty"`
	DMScope  string `json:"dmScope,omitempty"`  // "perUser" (default) | "perAccount"
	Timezone string `json:"timezone,omitempty"` // IANA name for envelope timestamps, default local
}

type RateLimitConfig struct {
	PerMinute int `json:"perMinute"` // 0 disables
	Burst     int `json:"burst"`
}

type DedupeConfig struct {
	TTLSeconds int `json:"ttlSeconds"`
	Size       int `json:"size"`
}

// TelegramConfig configures the Telegram pairing companion bot.
type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token,omitempty"`
	AllowFrom FlexStringList `json:"allowFrom,omitempty"`
	AccountID string         `json:"accountId,omitempty"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.wemp).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wemp"
	}
	return filepath.Join(home, ".wemp")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Storage.SQLitePath = ExpandPath(cfg.Storage.SQLitePath)
	cfg.Sessions.DBPath = ExpandPath(cfg.Sessions.DBPath)
	for id, acc := range cfg.Accounts {
		acc.MenuFile = ExpandPath(acc.MenuFile)
		cfg.Accounts[id] = acc
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg to path. The file holds secrets, so it is private to the user.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.General.MaxConcurrentMessages < 1 || cfg.General.MaxConcurrentMessages > 100 {
		errs = append(errs, "general.maxConcurrentMessages must be between 1 and 100")
	}
	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	paths := map[string]string{}
	for id, acc := range cfg.Accounts {
		prefix := "accounts." + id
		if id == "" || strings.ContainsAny(id, ":/ ") {
			errs = append(errs, fmt.Sprintf("%s: account id must not be empty or contain ':', '/' or spaces", prefix))
		}
		if acc.AppID == "" || acc.AppSecret == "" {
			errs = append(errs, prefix+": appId and appSecret are required")
		}
		if acc.Token == "" {
			errs = append(errs, prefix+": token is required")
		}
		switch acc.DMPolicy {
		case "", "open", "pairing", "allowlist":
		default:
			errs = append(errs, prefix+".dmPolicy must be one of: open, pairing, allowlist")
		}
		path := cfg.WebhookPath(id)
		if !strings.HasPrefix(path, "/") {
			errs = append(errs, prefix+".webhookPath must start with /")
		}
		if other, dup := paths[path]; dup {
			errs = append(errs, fmt.Sprintf("%s.webhookPath %s is already used by account %s", prefix, path, other))
		}
		paths[path] = id
	}

	if cfg.Pairing.CodeTTLSeconds < 0 {
		errs = append(errs, "pairing.codeTTLSeconds must be >= 0")
	}
	if !strings.HasPrefix(cfg.Pairing.APIPath, "/") {
		errs = append(errs, "pairing.apiPath must start with /")
	}
	if id, dup := paths[cfg.Pairing.APIPath]; dup {
		errs = append(errs, fmt.Sprintf("pairing.apiPath collides with the webhook of account %s", id))
	}

	if cfg.Outbound.TextLimit < 1 {
		errs = append(errs, "outbound.textLimit must be >= 1")
	}
	if cfg.Outbound.ChunkDelayMs < 0 {
		errs = append(errs, "outbound.chunkDelayMs must be >= 0")
	}
	if cfg.Outbound.PunctuationSearchRange < 0 {
		errs = append(errs, "outbound.punctuationSearchRange must be >= 0")
	}
	if cfg.Outbound.MaxImagesPerMessage < 0 {
		errs = append(errs, "outbound.maxImagesPerMessage must be >= 0")
	}

	switch cfg.Storage.Backend {
	case "file", "sqlite":
	default:
		errs = append(errs, "storage.backend must be one of: file, sqlite")
	}

	if cfg.Runtime.APIBase == "" {
		errs = append(errs, "runtime.apiBase is required")
	}
	if cfg.Runtime.Temperature < 0 || cfg.Runtime.Temperature > 2 {
		errs = append(errs, "runtime.temperature must be between 0 and 2")
	}
	if cfg.Runtime.HistoryLimit < 0 {
		errs = append(errs, "runtime.historyLimit must be >= 0")
	}
	for i, fb := range cfg.Runtime.Fallbacks {
		if fb.APIBase == "" {
			errs = append(errs, fmt.Sprintf("runtime.fallbacks.%d.apiBase is required", i))
		}
	}

	switch cfg.Sessions.DMScope {
	case "", "perUser", "perAccount":
	default:
		errs = append(errs, "sessions.dmScope must be one of: perUser, perAccount")
	}
	if _, err := cfg.EnvelopeLocation(); err != nil {
		errs = append(errs, fmt.Sprintf("sessions.timezone: %v", err))
	}

	if cfg.RateLimit.PerMinute < 0 || cfg.RateLimit.Burst < 0 {
		errs = append(errs, "rateLimit.perMinute and rateLimit.burst must be >= 0")
	}
	if cfg.Dedupe.TTLSeconds < 0 || cfg.Dedupe.Size < 0 {
		errs = append(errs, "dedupe.ttlSeconds and dedupe.size must be >= 0")
	}

	if cfg.Telegram.Enabled {
		if cfg.Telegram.Token == "" {
			errs = append(errs, "telegram.token is required when telegram is enabled")
		}
		if cfg.Telegram.AccountID != "" {
			if _, ok := cfg.Accounts[cfg.Telegram.AccountID]; !ok {
				errs = append(errs, "telegram.accountId references unknown account: "+cfg.Telegram.AccountID)
			}
		}
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// WebhookPath returns the webhook path of an account: the configured one, or
// /wemp for a single account and /wemp/<id> when there are several.
func (c *Config) WebhookPath(accountID string) string {
	if p := c.Accounts[accountID].WebhookPath; p != "" {
		return p
	}
	if len(c.Accounts) <= 1 {
		return "/wemp"
	}
	return "/wemp/" + accountID
}

// StateDBPath is the SQLite file of the sqlite storage backend.
func (c *Config) StateDBPath() string {
	if c.Storage.SQLitePath != "" {
		return c.Storage.SQLitePath
	}
	return filepath.Join(c.General.DataDir, "wemp-state.db")
}

// SessionsDBPath is the SQLite file of the session store.
func (c *Config) SessionsDBPath() string {
	if c.Sessions.DBPath != "" {
		return c.Sessions.DBPath
	}
	return filepath.Join(c.General.DataDir, "sessions.db")
}

// EnvelopeLocation is the time zone envelope timestamps are rendered in.
func (c *Config) EnvelopeLocation() (*time.Location, error) {
	if c.Sessions.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Sessions.Timezone)
}

// MediaDir is where inbound images are saved.
func (c *Config) MediaDir() string {
	return filepath.Join(c.General.DataDir, "media")
}

// PairingTokens returns the per-account pairing API token overrides.
func (c *Config) PairingTokens() map[string]string {
	out := make(map[string]string, len(c.Accounts))
	for id, acc := range c.Accounts {
		if acc.PairingAPIToken != "" {
			out[id] = acc.PairingAPIToken
		}
	}
	return out
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
