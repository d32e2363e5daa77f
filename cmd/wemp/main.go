package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"wemp/internal/config"
	"wemp/internal/security"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "wemp",
		Short:   "wemp: WeChat official-account bridge for an agent runtime",
		Long:    "wemp receives official-account messages, routes them to an agent and delivers the replies as customer-service messages.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.wemp/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(pairingCmd())
	root.AddCommand(menuCmd())
	root.AddCommand(backupCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the general config section.
// When logFile is set, records go to stderr and the file.
func newLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.General.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o700); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closeFn = func() { f.Close() }
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closeFn, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			cfg.Accounts["main"] = config.AccountConfig{
				Name:      "main",
				AppID:     "${WEMP_APP_ID}",
				AppSecret: "${WEMP_APP_SECRET}",
				Token:     "${WEMP_TOKEN}",
				DMPolicy:  "pairing",
			}
			cfg.Runtime.APIKey = "${OPENAI_API_KEY}"
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.General.DataDir, 0o700); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "data_dir", cfg.General.DataDir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show accounts, pairing state and runtime health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("Config:   %s\n", resolveConfigPath())
			fmt.Printf("Data dir: %s\n", cfg.General.DataDir)
			fmt.Printf("Storage:  %s\n", cfg.Storage.Backend)
			fmt.Printf("Listen:   %s:%d\n", cfg.Server.Host, cfg.Server.Port)

			st, err := openState(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			registry := newPairingRegistry(cfg, st, logger)
			tokens := security.NewTokens(tokenConfig(cfg))

			paired := map[string]int{}
			for key := range registry.ListPairedUsers() {
				if acc, _, ok := security.SplitUserKey(key); ok {
					paired[acc]++
				}
			}
			pending := map[string]int{}
			for _, pc := range registry.ListPending() {
				pending[pc.AccountID]++
			}

			fmt.Println("\nAccounts:")
			for _, id := range accountIDs(cfg) {
				acc := cfg.Accounts[id]
				_, verify := tokens.Token(id)
				fmt.Printf("  %-12s path=%s policy=%s paired=%d pending=%d pairing-api=%v\n",
					id, cfg.WebhookPath(id), policyName(acc.DMPolicy), paired[id], pending[id], verify)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			prov := newProvider(cfg, logger)
			if err := prov.Healthy(ctx); err != nil {
				fmt.Printf("\nRuntime:  %s %s (%s) unhealthy: %v\n", prov.Name(), cfg.Runtime.APIBase, cfg.Runtime.Model, err)
			} else {
				fmt.Printf("\nRuntime:  %s %s (%s) healthy\n", prov.Name(), cfg.Runtime.APIBase, cfg.Runtime.Model)
			}
			return nil
		},
	}
}

func policyName(p string) string {
	if p == "" {
		return "pairing"
	}
	return p
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. outbound.textLimit)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. accounts.main.dmPolicy open)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			paths := config.ListPaths(config.Sanitize(cfg))
			keys := make([]string, 0, len(paths))
			for k := range paths {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				data, _ := json.Marshal(paths[k])
				fmt.Printf("%s = %s\n", k, data)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
