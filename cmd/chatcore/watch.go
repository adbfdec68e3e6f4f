package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coursemgmt/chatcore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	watchMetricsAddr   string
	watchMaxReconnects int
)

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	watchCmd.Flags().IntVar(&watchMaxReconnects, "max-reconnects", -1, "give up after this many reconnect attempts (-1 = never)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [conversation-id]",
	Short: "Follow conversations live",
	Long:  "Connect to the push channel and print updates as they arrive.\nWith a conversation id, its history is loaded and marked read first.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics := chatcore.NewMetrics(reg)

		coord, client, cfg, err := getCoordinator(metrics)
		if err != nil {
			return err
		}
		push := chatcore.NewPushClient(client.PushURL(), &chatcore.PushConfig{
			Token:                cfg.Auth.Token,
			AutoReconnect:        true,
			MaxReconnectAttempts: watchMaxReconnects,
			Logger:               logger,
			Metrics:              metrics,
		}, coord.Apply)
		coord.SetPush(push)

		if watchMetricsAddr != "" {
			srv := &http.Server{
				Addr:              watchMetricsAddr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server failed", "addr", watchMetricsAddr, "error", err)
				}
			}()
			defer srv.Close()
			logger.Info("serving metrics", "addr", watchMetricsAddr)
		}

		focus := ""
		if len(args) == 1 {
			focus = args[0]
		}
		unsubscribe := coord.Subscribe(func(c chatcore.Change) {
			if focus != "" && c.ConversationID != "" && c.ConversationID != focus {
				return
			}
			printChange(coord, c)
		})
		defer unsubscribe()

		coord.Start(ctx)
		defer coord.Stop()

		if err := push.Connect(ctx); err != nil {
			return fmt.Errorf("connect push channel: %w", err)
		}
		defer push.Disconnect()

		if err := coord.RefreshConversations(ctx); err != nil {
			return err
		}
		if focus != "" {
			if err := coord.SelectConversation(ctx, focus); err != nil {
				return err
			}
			msgs := coord.Messages(focus)
			for i := range msgs {
				printMessage(&msgs[i])
			}
		}
		fmt.Fprintln(os.Stderr, "Watching, press Ctrl-C to stop.")

		<-ctx.Done()
		return nil
	},
}

// printChange renders one coordinator change notification.
func printChange(coord *chatcore.Coordinator, c chatcore.Change) {
	switch c.Kind {
	case chatcore.ChangeMessages:
		msgs := coord.Messages(c.ConversationID)
		if len(msgs) > 0 {
			fmt.Printf("%s ", c.ConversationID)
			printMessage(&msgs[len(msgs)-1])
		}
	case chatcore.ChangeTyping:
		if who := coord.Typing(c.ConversationID); len(who) > 0 {
			fmt.Printf("%s: %s typing...\n", c.ConversationID, strings.Join(who, ", "))
		}
	case chatcore.ChangePresence:
		fmt.Printf("online: %s\n", valueOrDefault(strings.Join(coord.Online(), ", "), "nobody"))
	case chatcore.ChangeConnection:
		if coord.IsConnected() {
			fmt.Println("* connected")
		} else {
			fmt.Println("* disconnected, waiting to reconnect")
		}
	case chatcore.ChangeConversations:
		if c.ConversationID == "" {
			return
		}
		if conv, ok := coord.Conversation(c.ConversationID); ok && conv.UnreadCount > 0 {
			fmt.Printf("%s: %d unread\n", conversationTitle(&conv), conv.UnreadCount)
		}
	case chatcore.ChangeNotice:
		fmt.Fprintf(os.Stderr, "! %v\n", c.Err)
	}
}
