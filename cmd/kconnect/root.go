package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kconnect-labs/k-connect-dev-sub012/client"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/config"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/db"
	"github.com/spf13/cobra"
	"tailscale.com/tsnet"
)

const defaultUserAgent = "kconnect-cli/1.0 (X11; Linux x86_64)"

var (
	verbose    bool
	configPath string
	tokenFlag  string

	settings *config.File
	logger   *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "kconnect",
	Short: "Terminal client for the K-Connect messenger",
	Long: `Read and send K-Connect messenger chats from the terminal.

The client keeps a realtime connection to the messenger and falls back to
polling when the connection cannot be kept open.

Quick Start:
  kconnect login --token <jwt>     # Store the auth token
  kconnect chats                   # List chats with unread counters
  kconnect watch 42                # Follow chat 42
  kconnect send 42 "Hello"         # Send a message`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)

		if configPath == "" {
			dir, err := config.Dir()
			if err != nil {
				return err
			}
			configPath = filepath.Join(dir, "config.yaml")
		}
		f, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if tokenFlag != "" {
			f.Token = tokenFlag
		}
		settings = f
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $HOME/.config/kconnect/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "Auth token, overrides the config file")
}

// session is a started messenger and everything it holds open.
type session struct {
	*client.Messenger
	closers []func() error
}

func (s *session) Close() {
	if s.Messenger != nil {
		s.Stop()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.Warn("failed to close", "error", err)
		}
	}
}

// openSession builds a messenger from the settings and starts it.
func openSession(ctx context.Context) (*session, error) {
	ua := settings.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	cfg := client.DefaultConfig(ua)
	if settings.BaseURL != "" {
		cfg.BaseURL = settings.BaseURL
	}
	if settings.SocketURL != "" {
		cfg.SocketURL = settings.SocketURL
	}
	cfg.DeleteBaseURL = settings.DeleteBaseURL
	cfg.Token = settings.Token

	s := &session{}
	dbPath := settings.Database
	if dbPath == "" {
		dbPath = filepath.Join(filepath.Dir(configPath), "client.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	database, err := db.NewClientDB(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s.closers = append(s.closers, database.Close)

	opts := []client.Option{client.WithLogger(logger), client.WithDB(database)}
	if settings.TailnetHostname != "" {
		dial, closeTS, err := tailnetDial(ctx, settings.TailnetHostname)
		if err != nil {
			database.Close()
			return nil, err
		}
		s.closers = append(s.closers, closeTS)
		opts = append(opts,
			client.WithDialer(&websocket.Dialer{NetDialContext: dial, HandshakeTimeout: cfg.ConnectTimeout}),
			client.WithHTTPClient(&http.Client{
				Timeout:   30 * time.Second,
				Transport: &http.Transport{DialContext: dial},
			}),
		)
	}

	m, err := client.New(cfg, opts...)
	if err != nil {
		s.Close()
		return nil, err
	}
	if err := m.Start(ctx); err != nil {
		s.Close()
		return nil, err
	}
	s.Messenger = m
	return s, nil
}

// tailnetDial joins the tailnet as hostname so the messenger can be reached
// through a tailnet exit or subnet router.
func tailnetDial(ctx context.Context, hostname string) (func(ctx context.Context, network, addr string) (net.Conn, error), func() error, error) {
	dir, err := config.Dir()
	if err != nil {
		return nil, nil, err
	}
	ts := &tsnet.Server{
		Hostname: hostname,
		Dir:      filepath.Join(dir, "tsnet-state"),
		Logf:     func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...), "component", "tsnet") },
	}
	logger.Info("joining tailnet", "hostname", hostname)
	if _, err := ts.Up(ctx); err != nil {
		ts.Close()
		return nil, nil, fmt.Errorf("failed to join tailnet: %w", err)
	}
	return ts.Dial, ts.Close, nil
}
