package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	eventra "github.com/eventra-market/eventra-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.AddCommand(chatListCmd)
	chatCmd.AddCommand(chatHistoryCmd)
	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatSendFileCmd)
	chatCmd.AddCommand(chatWatchCmd)

	chatSendFileCmd.Flags().StringVar(&chatSendFileCaption, "caption", "", "optional text to send with the files")
}

var chatSendFileCaption string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat commands",
	Long:  "Browse conversations, read history, and send messages on the Eventra marketplace.",
}

// newSession builds a chat session from the stored config. rt may be nil
// for one-shot commands that only need REST.
func newSession(client *eventra.Client, cfg *Config, rt *eventra.RealtimeClient) (*eventra.ChatSession, error) {
	if cfg.Auth.UserID == "" {
		return nil, fmt.Errorf("no user id configured; run 'eventra init <token> --user-id <id>'")
	}
	return eventra.NewChatSession(client, rt, cfg.Auth.UserID, selfRole(cfg), nil), nil
}

// ============================================================================
// chat list
// ============================================================================

var chatListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		session, err := newSession(client, cfg, nil)
		if err != nil {
			return err
		}
		defer session.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := session.Refresh(ctx); err != nil {
			return err
		}

		convs := session.Conversations()
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convs {
			unread := ""
			if c.Unread > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.Unread)
			}
			fmt.Printf("%s  %s%s\n", c.ID, c.Other.Name, unread)
			if c.LastMessage != "" {
				fmt.Printf("    %s\n", c.LastMessage)
			}
		}
		fmt.Printf("\n%d conversation(s), %d unread message(s)\n", len(convs), session.TotalUnread())
		return nil
	},
}

// ============================================================================
// chat history
// ============================================================================

var chatHistoryCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show a conversation's messages and mark them read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		session, err := newSession(client, cfg, nil)
		if err != nil {
			return err
		}
		defer session.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := session.Refresh(ctx); err != nil {
			return err
		}
		if err := session.SelectConversation(ctx, args[0]); err != nil {
			return err
		}

		for _, m := range session.Messages() {
			printMessage(cfg.Auth.UserID, m)
		}
		return nil
	},
}

// ============================================================================
// chat send
// ============================================================================

var chatSendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a text message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		session, err := newSession(client, cfg, nil)
		if err != nil {
			return err
		}
		defer session.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := session.Refresh(ctx); err != nil {
			return err
		}
		if err := session.SelectConversation(ctx, args[0]); err != nil {
			return err
		}
		if err := session.SendText(ctx, args[1]); err != nil {
			return err
		}

		fmt.Println("Message sent.")
		return nil
	},
}

// ============================================================================
// chat send-file
// ============================================================================

var chatSendFileCmd = &cobra.Command{
	Use:   "send-file <conversation-id> <file>...",
	Short: "Send file attachments",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		session, err := newSession(client, cfg, nil)
		if err != nil {
			return err
		}
		defer session.Close()

		files := make([]eventra.AttachmentFile, 0, len(args)-1)
		for _, path := range args[1:] {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("cannot read %s: %w", path, err)
			}
			mimeType := mime.TypeByExtension(filepath.Ext(path))
			if mimeType == "" {
				mimeType = "application/octet-stream"
			}
			files = append(files, eventra.AttachmentFile{
				Name:     filepath.Base(path),
				MimeType: mimeType,
				Data:     data,
			})
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := session.Refresh(ctx); err != nil {
			return err
		}
		if err := session.SelectConversation(ctx, args[0]); err != nil {
			return err
		}
		if err := session.SendFiles(ctx, files, chatSendFileCaption); err != nil {
			return err
		}

		fmt.Printf("Sent %d file(s).\n", len(files))
		return nil
	},
}

// ============================================================================
// chat watch
// ============================================================================

var chatWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live chat events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		rt := client.Realtime(nil)
		rt.OnStateChange(func(state eventra.ConnectionState) {
			fmt.Printf("[connection] %s\n", state)
		})

		session, err := newSession(client, cfg, rt)
		if err != nil {
			return err
		}
		defer session.Close()

		session.OnNotice(func(n eventra.Notice) {
			fmt.Printf("[%s] %s\n", n.Level, n.Text)
		})
		session.OnUpdate(func() {
			fmt.Printf("[update] %d conversation(s), %d unread\n",
				len(session.Conversations()), session.TotalUnread())
		})

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := rt.Connect(ctx, client.Token()); err != nil {
			cancel()
			return fmt.Errorf("connect: %w", err)
		}
		if err := session.Refresh(ctx); err != nil {
			cancel()
			return err
		}
		cancel()

		fmt.Println("Watching for events. Press Ctrl+C to stop.")
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		rt.Disconnect()
		return nil
	},
}

func printMessage(selfID string, m eventra.Message) {
	who := "them"
	if m.SenderID == selfID {
		who = "you"
	}
	state := ""
	switch m.Delivery {
	case eventra.DeliveryPending:
		state = " [pending]"
	case eventra.DeliveryFailed:
		state = " [failed]"
	}

	body := m.Content
	if len(m.Attachments) > 0 {
		body = fmt.Sprintf("<%d attachment(s)> %s", len(m.Attachments), m.Content)
	}
	fmt.Printf("%s  %-4s %s%s\n", m.CreatedAt.Format("2006-01-02 15:04"), who, body, state)
}
