package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kconnect-labs/k-connect-dev-sub012/internal/models"
	"github.com/kconnect-labs/k-connect-dev-sub012/server"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

type sandbox struct {
	srv      *server.Server
	http     *httptest.Server
	requests atomic.Int64
	ann, bob models.User
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSandbox(t *testing.T) *sandbox {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := server.NewHub(discardLogger())
	go hub.Run(ctx)

	sb := &sandbox{srv: server.NewServer(hub, discardLogger())}
	sb.ann = sb.srv.AddUser(models.User{Name: "Ann", Username: "ann", Photo: "ann.png"}, "ann-token")
	sb.bob = sb.srv.AddUser(models.User{Name: "Bob", Username: "bob"}, "bob-token")

	h := sb.srv.Handler()
	sb.http = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/admin/") {
			sb.requests.Add(1)
		}
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		sb.http.Close()
		cancel()
	})
	return sb
}

// testConfig shrinks every timing so reconnect paths run in milliseconds.
func testConfig(baseURL string) Config {
	cfg := DefaultConfig("kconnect-test/1.0")
	cfg.BaseURL = baseURL + "/apiMes"
	cfg.SocketURL = "ws" + strings.TrimPrefix(baseURL, "http") + "/ws/messenger"
	cfg.AvatarBaseURL = baseURL + "/static/uploads/avatar"
	cfg.MediaBaseURL = baseURL + "/apiMes/messenger/files"

	cfg.ConnectTimeout = time.Second
	cfg.WriteTimeout = time.Second
	cfg.PingInterval = 30 * time.Millisecond
	cfg.LivenessInterval = 20 * time.Millisecond
	cfg.LivenessTimeout = 150 * time.Millisecond
	cfg.WatchdogInterval = 100 * time.Millisecond
	cfg.Backoff = Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond, ForceAfter: 5}
	cfg.AbnormalReconnectDelay = 20 * time.Millisecond
	cfg.AuthReconnectDelay = 20 * time.Millisecond
	cfg.PollInterval = 50 * time.Millisecond
	cfg.ProbeProbability = 0
	cfg.GroupRetryDelay = 20 * time.Millisecond
	cfg.GateWindow = time.Millisecond
	cfg.TypingExpiry = 50 * time.Millisecond
	cfg.Location = time.UTC
	return cfg
}

func (sb *sandbox) messenger(t *testing.T, token string, configure func(*Config), opts ...Option) *Messenger {
	t.Helper()
	cfg := testConfig(sb.http.URL)
	cfg.Token = token
	if configure != nil {
		configure(&cfg)
	}
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	m, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return m
}

// waitConnected blocks until the socket of m is open and registered on the
// server under userID.
func (sb *sandbox) waitConnected(t *testing.T, m *Messenger, userID int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		if m.ConnectionState().Status != models.StatusOpen {
			return false
		}
		for _, id := range sb.srv.ConnectedUsers() {
			if id == userID {
				return true
			}
		}
		return false
	}, waitFor, tick)
}

func messageIDs(msgs []models.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func hasReport(m *Messenger, kind string) bool {
	for _, r := range m.ErrorReports() {
		if r.Kind == kind {
			return true
		}
	}
	return false
}
