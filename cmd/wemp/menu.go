package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"wemp/internal/channel"
	"wemp/internal/menu"

	"github.com/spf13/cobra"
)

// importMenu registers the click payloads of a YAML menu definition for an
// account and, when push is set, publishes the menu to WeChat.
func importMenu(ctx context.Context, accountID, path string, reg *menu.Registry, client *channel.WeChatClient, push bool) ([]menu.Button, error) {
	def, err := menu.LoadDefinition(path)
	if err != nil {
		return nil, err
	}
	buttons, err := def.Build(accountID, reg)
	if err != nil {
		return nil, fmt.Errorf("build menu: %w", err)
	}
	if push {
		if err := client.CreateMenu(ctx, accountID, buttons); err != nil {
			return nil, fmt.Errorf("create menu: %w", err)
		}
	}
	return buttons, nil
}

func menuCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "menu",
		Short: "Manage custom menus and their click payloads",
	}

	var push bool
	importCmd := &cobra.Command{
		Use:   "import [account] [file.yaml]",
		Short: "Register the payloads of a YAML menu and optionally publish it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			accountID := args[0]
			if _, ok := cfg.Accounts[accountID]; !ok {
				return fmt.Errorf("unknown account: %s", accountID)
			}
			st, err := openState(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			client := channel.NewWeChatClient(channel.WeChatClientConfig{Accounts: credentials(cfg), Logger: logger})
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			buttons, err := importMenu(ctx, accountID, args[1], newMenuRegistry(st, logger), client, push)
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(map[string]any{"button": buttons}, "", "  ")
			fmt.Println(string(data))
			if push {
				fmt.Printf("Menu published for account %s.\n", accountID)
			}
			return nil
		},
	}
	importCmd.Flags().BoolVar(&push, "push", false, "publish the menu with menu/create")
	cmd.AddCommand(importCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "show [account]",
		Short: "List the stored click payloads of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openState(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			entries := newMenuRegistry(st, logger).List(args[0])
			if len(entries) == 0 {
				fmt.Printf("No menu payloads for account %s.\n", args[0])
				return nil
			}
			ids := make([]string, 0, len(entries))
			for id := range entries {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				e := entries[id]
				payload, _ := json.Marshal(e.Payload)
				fmt.Printf("%s  %s  %s\n", menu.ClickKey(id), time.UnixMilli(e.UpdatedAt).Format(time.DateTime), payload)
			}
			return nil
		},
	})

	return cmd
}
