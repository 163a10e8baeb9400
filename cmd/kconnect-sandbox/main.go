// Command kconnect-sandbox serves an in-memory messenger backend for local
// development of the client.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kconnect-labs/k-connect-dev-sub012/internal/config"
	"github.com/kconnect-labs/k-connect-dev-sub012/server"
	"tailscale.com/tsnet"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// Configuration
	addr := ":8080"
	if a := os.Getenv("KCONNECT_SANDBOX_ADDR"); a != "" {
		addr = a
	}
	hostname := os.Getenv(config.EnvTailnetHostname)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := server.NewHub(logger)
	go hub.Run(ctx)
	srv := server.NewServer(hub, logger)
	token := srv.Seed()

	var ln net.Listener
	var err error
	if hostname != "" {
		dir, derr := config.Dir()
		if derr != nil {
			logger.Error("failed to locate config directory", "error", derr)
			os.Exit(1)
		}
		tsServer := &tsnet.Server{
			Hostname: hostname,
			Dir:      filepath.Join(dir, "sandbox-state"),
		}
		defer tsServer.Close()
		ln, err = tsServer.ListenTLS("tcp", ":443")
		if err == nil {
			url := hostname
			if domains := tsServer.CertDomains(); len(domains) > 0 {
				url = domains[0]
			}
			addr = "https://" + url
		}
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		logger.Error("failed to listen", "error", err)
		os.Exit(1)
	}
	defer ln.Close()

	httpServer := &http.Server{Handler: srv.Handler()}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		httpServer.Shutdown(context.Background())
	}()

	logger.Info("sandbox running", "addr", addr, "token", token)
	if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
