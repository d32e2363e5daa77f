package config

import (
	"os"
	"path/filepath"
)

// Environment variables read once when the defaults are built.
const (
	EnvDataDir         = "WEMP_DATA_DIR"
	EnvPairingAPIToken = "WEMP_PAIRING_API_TOKEN"
)

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:               defaultDataDir(),
			LogLevel:              "info",
			MaxConcurrentMessages: 5,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Accounts: map[string]AccountConfig{},
		Pairing: PairingConfig{
			CodeTTLSeconds: 300,
			APIToken:       os.Getenv(EnvPairingAPIToken),
			APIPath:        "/wemp/pairing/verify",
		},
		Outbound: OutboundConfig{
			TextLimit:              600,
			ChunkDelayMs:           300,
			PunctuationSearchRange: 100,
			MaxImagesPerMessage:    10,
		},
		Storage: StorageConfig{
			Backend: "file",
		},
		Runtime: RuntimeConfig{
			APIBase:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			HistoryLimit:   20,
			MaxTokens:      1024,
			Temperature:    0.7,
			TimeoutSeconds: 120,
		},
		RateLimit: RateLimitConfig{
			PerMinute: 20,
			Burst:     5,
		},
		Dedupe: DedupeConfig{
			TTLSeconds: 30,
			Size:       4096,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		return ExpandPath(dir)
	}
	return filepath.Join(DefaultConfigDir(), "data")
}
