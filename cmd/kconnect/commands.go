package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kconnect-labs/k-connect-dev-sub012/internal/api"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/config"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/models"
	"github.com/spf13/cobra"
)

var (
	watchHistory bool
	sendFile     string
	sendReplyTo  int64
	statusWait   time.Duration
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the auth token in the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if settings.Token == "" {
			return errors.New("missing --token")
		}
		f, err := config.Load(configPath)
		if err != nil {
			return err
		}
		f.Token = settings.Token
		if err := config.Save(configPath, f); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Token saved to "+configPath))
		return nil
	},
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List chats with unread counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()
		if msg := s.LastError(); msg != "" {
			return errors.New(msg)
		}
		renderChats(cmd.OutOrStdout(), s.Snapshot())
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> [text...]",
	Short: "Send a message or a file to a chat",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid chat id %q", args[0])
		}
		text := strings.Join(args[1:], " ")
		if text == "" && sendFile == "" {
			return errors.New("nothing to send")
		}

		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		var msg *models.Message
		if sendFile != "" {
			f, err := os.Open(sendFile)
			if err != nil {
				return fmt.Errorf("failed to open file: %w", err)
			}
			defer f.Close()
			msg, err = s.UploadFile(cmd.Context(), chatID, api.Upload{
				Name:        filepath.Base(sendFile),
				Content:     f,
				MessageType: uploadType(sendFile),
				ReplyToID:   sendReplyTo,
			})
			if err != nil {
				return err
			}
		} else if msg, err = s.SendTextMessage(cmd.Context(), chatID, text, sendReplyTo); err != nil {
			return err
		}
		if msg == nil {
			return errors.New("this account cannot send messages")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", idStyle.Render(strconv.FormatInt(msg.ID, 10)))
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [chat-id]",
	Short: "Follow incoming messages",
	Long: `Follow incoming messages of all chats, or of one chat when an id is
given. The watched chat counts as open and its messages are marked read.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var chatID int64
		if len(args) == 1 {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid chat id %q", args[0])
			}
			chatID = id
		}

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		out := cmd.OutOrStdout()
		seen := make(map[int64]int64)
		if chatID != 0 {
			s.SetActiveChat(chatID)
			if err := s.LoadMessages(ctx, chatID); err != nil {
				return err
			}
			msgs := s.Snapshot().Messages[chatID]
			for _, m := range msgs {
				if watchHistory {
					renderMessage(out, m)
				}
				seen[chatID] = m.ID
			}
			if err := s.MarkAllMessagesAsRead(ctx, chatID); err != nil {
				logger.Warn("failed to mark chat read", "chat_id", chatID, "error", err)
			}
		} else {
			for id, msgs := range s.Snapshot().Messages {
				if n := len(msgs); n > 0 {
					seen[id] = msgs[n-1].ID
				}
			}
		}

		state := s.ConnectionState()
		renderState(out, state)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-s.Updates():
			}

			if cur := s.ConnectionState(); cur.Status != state.Status || cur.UsingFallback != state.UsingFallback {
				state = cur
				renderState(out, state)
			}
			snap := s.Snapshot()
			for id, msgs := range snap.Messages {
				if chatID != 0 && id != chatID {
					continue
				}
				for _, m := range msgs {
					if m.ID > seen[id] {
						renderMessage(out, m)
						seen[id] = m.ID
					}
				}
			}
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the account and the realtime connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		out := cmd.OutOrStdout()
		if u := s.CurrentUser(); u != nil {
			fmt.Fprintf(out, "%s %s (@%s) %s\n", headerStyle.Render("User"), titleStyle.Render(u.Name), u.Username, idStyle.Render(strconv.FormatInt(u.ID, 10)))
			if u.IsChannel() {
				fmt.Fprintln(out, warnStyle.Render("  channel accounts cannot use the messenger"))
				return nil
			}
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), statusWait)
		defer cancel()
	wait:
		for s.ConnectionState().Status != models.StatusOpen {
			select {
			case <-ctx.Done():
				break wait
			case <-s.Updates():
			}
		}
		renderState(out, s.ConnectionState())
		fmt.Fprintf(out, "%s %d\n", headerStyle.Render("Unread"), s.GetTotalUnreadCount())
		if msg := s.LastError(); msg != "" {
			fmt.Fprintf(out, "%s %s\n", headerStyle.Render("Last error"), errStyle.Render(msg))
		}
		for _, r := range s.ErrorReports() {
			fmt.Fprintf(out, "  %s %s %s\n", timeStyle.Render(r.At.Format(time.TimeOnly)), warnStyle.Render(r.Kind), r.Message)
		}
		return nil
	},
}

// uploadType picks the message type from the file extension.
func uploadType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return models.MessagePhoto
	case ".mp4", ".mov", ".webm":
		return models.MessageVideo
	case ".mp3", ".ogg", ".wav", ".m4a":
		return models.MessageAudio
	default:
		return models.MessageFile
	}
}

func init() {
	watchCmd.Flags().BoolVar(&watchHistory, "history", false, "Print the loaded history of the watched chat first")
	sendCmd.Flags().StringVarP(&sendFile, "file", "f", "", "Send a file instead of text")
	sendCmd.Flags().Int64Var(&sendReplyTo, "reply-to", 0, "Id of the message to reply to")
	statusCmd.Flags().DurationVar(&statusWait, "wait", 5*time.Second, "How long to wait for the realtime connection")

	rootCmd.AddCommand(loginCmd, chatsCmd, sendCmd, watchCmd, statusCmd)
}
