package main

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/coursemgmt/chatcore"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

const commandTimeout = 30 * time.Second

var (
	// conversations
	conversationsUnread bool

	// history
	historyPages int

	// send
	sendFileURL  string
	sendFileSize int64
)

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "only show conversations with unread messages")
	historyCmd.Flags().IntVar(&historyPages, "pages", 1, "number of pages to load, newest first")
	sendCmd.Flags().StringVar(&sendFileURL, "file-url", "", "attach an already uploaded file")
	sendCmd.Flags().Int64Var(&sendFileSize, "file-size", 0, "size in bytes of the attached file")

	rootCmd.AddCommand(conversationsCmd, historyCmd, sendCmd, editCmd, deleteCmd, readCmd)
}

// withSession runs fn against a coordinator that has the conversation list
// loaded.
func withSession(fn func(ctx context.Context, coord *chatcore.Coordinator) error) error {
	coord, _, _, err := getCoordinator(nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := coord.RefreshConversations(ctx); err != nil {
		return err
	}
	return fn(ctx, coord)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, coord *chatcore.Coordinator) error {
			convs := coord.Conversations()
			if conversationsUnread {
				filtered := convs[:0]
				for _, c := range convs {
					if c.UnreadCount > 0 {
						filtered = append(filtered, c)
					}
				}
				convs = filtered
			}
			if jsonOutput {
				return printJSON(convs)
			}
			if len(convs) == 0 {
				fmt.Println("No conversations.")
				return nil
			}
			for i := range convs {
				printConversation(&convs[i])
			}
			fmt.Printf("\n%d conversations, %s unread\n", len(convs), humanize.Comma(int64(coord.TotalUnread())))
			return nil
		})
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print the message history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		return withSession(func(ctx context.Context, coord *chatcore.Coordinator) error {
			if err := coord.LoadHistory(ctx, id); err != nil {
				return err
			}
			for i := 1; i < historyPages; i++ {
				more, err := coord.LoadOlder(ctx, id)
				if err != nil {
					return err
				}
				if !more {
					break
				}
			}

			msgs := coord.Messages(id)
			if jsonOutput {
				return printJSON(msgs)
			}
			if len(msgs) == 0 {
				fmt.Println("No messages.")
				return nil
			}
			for i := range msgs {
				printMessage(&msgs[i])
			}
			if coord.HasOlder(id) {
				fmt.Println("\n(older messages available, use --pages)")
			}
			return nil
		})
	},
}

// ============================================================================
// send / edit / delete / read
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [text]",
	Short: "Send a message",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, text := args[0], ""
		if len(args) == 2 {
			text = args[1]
		}
		var file *chatcore.FileInfo
		if sendFileURL != "" {
			file = &chatcore.FileInfo{URL: sendFileURL, Name: path.Base(sendFileURL), Size: sendFileSize}
		}
		return withSession(func(ctx context.Context, coord *chatcore.Coordinator) error {
			m, err := coord.Send(ctx, id, text, file)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(m)
			}
			fmt.Printf("Sent %s\n", m.ID)
			return nil
		})
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <conversation-id> <message-id> <text>",
	Short: "Edit one of your messages",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, msgID, text := args[0], args[1], args[2]
		return withSession(func(ctx context.Context, coord *chatcore.Coordinator) error {
			if err := coord.LoadHistory(ctx, id); err != nil {
				return err
			}
			m, err := coord.Edit(ctx, id, msgID, text)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(m)
			}
			fmt.Printf("Edited %s\n", m.ID)
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation-id> <message-id>",
	Short: "Delete one of your messages",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, msgID := args[0], args[1]
		return withSession(func(ctx context.Context, coord *chatcore.Coordinator) error {
			if err := coord.LoadHistory(ctx, id); err != nil {
				return err
			}
			if err := coord.Delete(ctx, id, msgID); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", msgID)
			return nil
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		return withSession(func(ctx context.Context, coord *chatcore.Coordinator) error {
			if err := coord.MarkRead(ctx, id); err != nil {
				return err
			}
			fmt.Printf("Marked %s as read (%s unread left)\n", id, humanize.Comma(int64(coord.TotalUnread())))
			return nil
		})
	},
}
