package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"sort"
	"time"

	"wemp/internal/channel"
	"wemp/internal/config"
	"wemp/internal/security"

	"github.com/spf13/cobra"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Inspect and manage paired official-account users",
	}
	cmd.AddCommand(pairingListCmd())
	cmd.AddCommand(pairingPendingCmd())
	cmd.AddCommand(pairingGenerateCmd())
	cmd.AddCommand(pairingVerifyCmd())
	cmd.AddCommand(pairingUnpairCmd())
	cmd.AddCommand(pairingTokenCmd())
	return cmd
}

// withRegistry loads the config and opens the pairing registry for fn.
func withRegistry(fn func(cfg *config.Config, r *security.PairingRegistry) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openState(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(cfg, newPairingRegistry(cfg, st, logger))
}

func pairingListCmd() *cobra.Command {
	var nicknames bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List paired users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(func(cfg *config.Config, r *security.PairingRegistry) error {
				users := r.ListPairedUsers()
				if len(users) == 0 {
					fmt.Println("No paired users.")
					return nil
				}
				keys := make([]string, 0, len(users))
				for k := range users {
					keys = append(keys, k)
				}
				sort.Strings(keys)

				var names map[string]string
				if nicknames {
					client := channel.NewWeChatClient(channel.WeChatClientConfig{Accounts: credentials(cfg), Logger: logger})
					names = pairedNicknames(cmd.Context(), client, keys, logger)
				}
				for _, k := range keys {
					u := users[k]
					by := u.PairedBy
					if u.PairedByName != "" {
						by = fmt.Sprintf("%s (%s)", u.PairedByName, u.PairedBy)
					}
					line := fmt.Sprintf("%-40s paired %s by %s via %s",
						k, time.UnixMilli(u.PairedAt).Format(time.DateTime), by, u.PairedByChannel)
					if name := names[k]; name != "" {
						line += "  nickname=" + name
					}
					fmt.Println(line)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&nicknames, "nicknames", false, "look up follower nicknames through the WeChat API")
	return cmd
}

// pairedNicknames looks up the nicknames of paired users, keyed like the
// registry. Accounts whose lookup fails are skipped.
func pairedNicknames(ctx context.Context, client *channel.WeChatClient, keys []string, log *slog.Logger) map[string]string {
	byAccount := make(map[string][]string)
	for _, k := range keys {
		if acc, openID, ok := security.SplitUserKey(k); ok {
			byAccount[acc] = append(byAccount[acc], openID)
		}
	}
	out := make(map[string]string, len(keys))
	for acc, ids := range byAccount {
		names, err := client.Nicknames(ctx, acc, ids)
		if err != nil {
			log.Warn("follower lookup failed", "account_id", acc, "error", err)
		}
		for openID, name := range names {
			out[security.UserKey(acc, openID)] = name
		}
	}
	return out
}

func pairingPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List live pairing codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(func(_ *config.Config, r *security.PairingRegistry) error {
				pending := r.ListPending()
				if len(pending) == 0 {
					fmt.Println("No pending codes.")
					return nil
				}
				for _, pc := range pending {
					expires := time.UnixMilli(pc.CreatedAt).Add(r.TTL())
					fmt.Printf("%s  %s:%s  expires %s\n", pc.Code, pc.AccountID, pc.OpenID, expires.Format(time.DateTime))
				}
				return nil
			})
		},
	}
}

func pairingGenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate [account] [openId]",
		Short: "Issue a pairing code for a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(func(cfg *config.Config, r *security.PairingRegistry) error {
				if _, ok := cfg.Accounts[args[0]]; !ok {
					return fmt.Errorf("unknown account: %s", args[0])
				}
				code, err := r.GenerateCode(args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Printf("%s (valid for %s)\n", code, r.TTL())
				return nil
			})
		},
	}
}

func pairingVerifyCmd() *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "verify [account] [code]",
		Short: "Confirm a pairing code from the command line",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(func(_ *config.Config, r *security.PairingRegistry) error {
				accountID, code := args[0], args[1]
				owned := false
				for _, pc := range r.ListPending() {
					if pc.Code == code && pc.AccountID == accountID {
						owned = true
						break
					}
				}
				if !owned {
					return fmt.Errorf("invalid or expired code for account %s", accountID)
				}
				id, ok, err := r.VerifyCode(code, security.Verifier{ID: verifierName(by), Name: verifierName(by), Channel: "cli"})
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("invalid or expired code for account %s", accountID)
				}
				fmt.Printf("Paired %s on account %s.\n", id.OpenID, id.AccountID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "name recorded as the verifier (default: current OS user)")
	return cmd
}

func verifierName(by string) string {
	if by != "" {
		return by
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "cli"
}

func pairingUnpairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpair [account] [openId]",
		Short: "Remove a paired user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(func(_ *config.Config, r *security.PairingRegistry) error {
				removed, err := r.Unpair(args[0], args[1])
				if err != nil {
					return err
				}
				if !removed {
					fmt.Printf("%s is not paired on account %s.\n", args[1], args[0])
					return nil
				}
				fmt.Printf("Unpaired %s on account %s.\n", args[1], args[0])
				return nil
			})
		},
	}
}

func pairingTokenCmd() *cobra.Command {
	var set string
	cmd := &cobra.Command{
		Use:   "token [account]",
		Short: "Show or set the pairing API token of an account",
		Long: `Without --set, shows whether pairing verification is enabled for each account.
With --set, stores a per-account token in the config file; a running server
picks it up through config hot reload.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if set != "" {
				if len(args) != 1 {
					return fmt.Errorf("--set needs an account")
				}
				acc, ok := cfg.Accounts[args[0]]
				if !ok {
					return fmt.Errorf("unknown account: %s", args[0])
				}
				acc.PairingAPIToken = set
				cfg.Accounts[args[0]] = acc
				if err := config.Save(resolveConfigPath(), cfg); err != nil {
					return fmt.Errorf("save config: %w", err)
				}
				fmt.Printf("Pairing token set for account %s.\n", args[0])
				return nil
			}

			tokens := security.NewTokens(tokenConfig(cfg))
			ids := accountIDs(cfg)
			if len(args) == 1 {
				ids = args
			}
			sanitized := config.Sanitize(cfg)
			for _, id := range ids {
				if _, enabled := tokens.Token(id); !enabled {
					fmt.Printf("%-12s disabled\n", id)
					continue
				}
				source, shown := "default", sanitized.Pairing.APIToken
				if t := sanitized.Accounts[id].PairingAPIToken; t != "" {
					source, shown = "account", t
				}
				fmt.Printf("%-12s enabled (%s token %s)\n", id, source, shown)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&set, "set", "", "store this token for the account")
	return cmd
}
