package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/auth"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/gate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedSession auth.Session

func (s fixedSession) Resolve() (auth.Session, error) { return auth.Session(s), nil }

// stubDialer records dial times and never opens a socket.
type stubDialer struct {
	mu    sync.Mutex
	dials []time.Time
	// block makes a dial wait for its context instead of failing at once.
	block bool
}

func (d *stubDialer) DialContext(ctx context.Context, _ string, _ http.Header) (*websocket.Conn, *http.Response, error) {
	d.mu.Lock()
	d.dials = append(d.dials, time.Now())
	d.mu.Unlock()
	if d.block {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}
	return nil, nil, errors.New("connection refused")
}

func (d *stubDialer) times() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.dials...)
}

func (d *stubDialer) count() int {
	return len(d.times())
}

// quietConfig disables every periodic trigger so only the path under test
// can dial.
func quietConfig() Config {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.WatchdogInterval = time.Hour
	cfg.LivenessInterval = time.Hour
	cfg.PollInterval = time.Hour
	cfg.Backoff = Backoff{Base: time.Hour, Max: time.Hour, ForceAfter: 5}
	return cfg
}

func startConnection(t *testing.T, cfg Config, d Dialer) *connection {
	t.Helper()
	c := newConnection(cfg, discardLogger(), d, fixedSession{Token: "tok", DeviceID: "dev"}, gate.New(cfg.GateWindow), connHooks{})
	c.rnd = func() float64 { return 0.5 }
	ctx, cancel := context.WithCancel(context.Background())
	c.start(ctx)
	t.Cleanup(func() {
		cancel()
		c.wait()
	})
	return c
}

// reconnectArmed reports whether a backoff reconnect is pending.
func reconnectArmed(c *connection) bool {
	var armed bool
	c.call(func() { armed = c.reconnectC != nil })
	return armed
}

func TestConnectTimeout_RetriesOnceThenBacksOff(t *testing.T) {
	cfg := quietConfig()
	cfg.ConnectTimeout = 30 * time.Millisecond
	cfg.Backoff = Backoff{Base: 300 * time.Millisecond, Max: 300 * time.Millisecond, ForceAfter: 5}
	d := &stubDialer{block: true}
	c := startConnection(t, cfg, d)

	require.Eventually(t, func() bool {
		var timeouts int
		c.call(func() { timeouts = c.dialTimeouts })
		return timeouts == 2 && reconnectArmed(c)
	}, waitFor, tick)
	assert.Equal(t, 2, d.count(), "second timeout waits for the backoff")
	assert.Equal(t, 2, c.State().ConsecutiveFailures)

	require.Eventually(t, func() bool { return d.count() >= 3 }, waitFor, tick)
	dials := d.times()
	assert.Less(t, dials[1].Sub(dials[0]), 150*time.Millisecond, "first timeout retries at once")
	assert.GreaterOrEqual(t, dials[2].Sub(dials[1]), 250*time.Millisecond, "second timeout is backed off")
}

func TestWatchdog_ReconnectsWhenNothingIsPending(t *testing.T) {
	cfg := quietConfig()
	cfg.WatchdogInterval = 40 * time.Millisecond
	d := &stubDialer{}
	c := startConnection(t, cfg, d)

	require.Eventually(t, func() bool { return d.count() >= 1 && reconnectArmed(c) }, waitFor, tick)
	c.call(c.clearReconnect)

	require.Eventually(t, func() bool { return d.count() >= 2 }, waitFor, tick)
}

func TestSetVisible_TriggersReconnectCheck(t *testing.T) {
	d := &stubDialer{}
	c := startConnection(t, quietConfig(), d)
	require.Eventually(t, func() bool { return d.count() == 1 && reconnectArmed(c) }, waitFor, tick)

	c.SetVisible(false)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.count())

	c.SetVisible(true)
	require.Eventually(t, func() bool { return d.count() == 2 }, waitFor, tick)
}
