package main

import (
	"context"
	"fmt"
	"time"

	"github.com/coursemgmt/chatcore"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and check connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("=== Chat Status ===")
		fmt.Println()
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "production"))
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:       (not set)")
			return nil
		}
		fmt.Printf("  Token:       %s\n", maskToken(cfg.Auth.Token))

		client := chatcore.NewClient(cfg.Auth.Token, clientOptions(cfg)...)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("=== REST ===")
		convs, err := client.ListConversations(ctx)
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
		} else {
			unread := 0
			for _, c := range convs {
				unread += c.UnreadCount
			}
			fmt.Printf("  Conversations: %d\n", len(convs))
			fmt.Printf("  Unread:        %d\n", unread)
		}

		fmt.Println()
		fmt.Println("=== Push ===")
		push := chatcore.NewPushClient(client.PushURL(), &chatcore.PushConfig{Token: cfg.Auth.Token, Logger: logger}, nil)
		start := time.Now()
		if err := push.Connect(ctx); err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		defer push.Disconnect()
		fmt.Printf("  User:          %s\n", push.UserID())
		if _, err := push.Ping(ctx); err != nil {
			fmt.Printf("  Ping error:    %v\n", err)
		} else {
			fmt.Printf("  Round trip:    %s\n", time.Since(start).Round(time.Millisecond))
		}
		return nil
	},
}
