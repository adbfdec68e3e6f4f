package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coursemgmt/chatcore"
	"github.com/dustin/go-humanize"
)

// clientOptions turns the endpoint settings into client options.
func clientOptions(cfg *Config) []chatcore.ClientOption {
	opts := []chatcore.ClientOption{chatcore.WithClientLogger(logger)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatcore.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, chatcore.WithEnvironment(chatcore.Environment(cfg.Default.Environment)))
	}
	return opts
}

// getClient creates a REST client authenticated with the stored token.
func getClient() (*chatcore.Client, *Config, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, nil, fmt.Errorf("no token: run 'chatcore init <token>' or set CHATCORE_TOKEN")
	}
	return chatcore.NewClient(cfg.Auth.Token, clientOptions(cfg)...), cfg, nil
}

// getCoordinator creates a coordinator over a fresh REST client. The push
// channel is left unset; only watch connects it.
func getCoordinator(metrics *chatcore.Metrics) (*chatcore.Coordinator, *chatcore.Client, *Config, error) {
	client, cfg, err := getClient()
	if err != nil {
		return nil, nil, nil, err
	}
	coord := chatcore.NewCoordinator(client, nil, chatcore.CoordinatorConfig{
		SelfID:  cfg.Auth.UserID,
		Logger:  logger,
		Metrics: metrics,
	})
	return coord, client, cfg, nil
}

// ============================================================================
// Output
// ============================================================================

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func conversationTitle(c *chatcore.Conversation) string {
	if c.Title != "" {
		return c.Title
	}
	if c.OtherParticipant != nil {
		return c.OtherParticipant.DisplayName
	}
	return c.ID
}

func printConversation(c *chatcore.Conversation) {
	when := "never"
	if c.LastMessageAt != nil {
		when = humanize.Time(*c.LastMessageAt)
	}
	unread := ""
	if c.UnreadCount > 0 {
		unread = fmt.Sprintf(" (%s unread)", humanize.Comma(int64(c.UnreadCount)))
	}
	fmt.Printf("%-12s %-7s %-28s %s%s\n", c.ID, c.Kind, truncate(conversationTitle(c), 28), when, unread)
	if c.LastMessage != nil {
		fmt.Printf("             %s: %s\n", c.LastMessage.SenderName, truncate(c.LastMessage.Content, 60))
	}
}

func printMessage(m *chatcore.Message) {
	flags := ""
	switch {
	case m.Pending:
		flags = " [sending]"
	case m.IsDeleted:
		flags = " [deleted]"
	case m.IsEdited:
		flags = " [edited]"
	}
	fmt.Printf("[%s] %s (%s)%s\n", m.CreatedAt.Local().Format(time.DateTime), m.SenderName, m.ID, flags)
	if m.File != nil {
		fmt.Printf("  %s %s (%s)\n", m.Type, m.File.Name, humanize.Bytes(uint64(m.File.Size)))
	}
	if m.Content != "" {
		fmt.Printf("  %s\n", m.Content)
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// maskToken shows the first 6 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return strings.Repeat("*", len(token))
	}
	return token[:6] + "..." + token[len(token)-4:]
}

func lookupEnv(name string) bool {
	_, ok := os.LookupEnv(name)
	return ok
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
