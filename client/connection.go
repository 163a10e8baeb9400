package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/api"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/auth"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/gate"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/models"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/protocol"
)

// socketKey guards connection attempts in the request gate.
const socketKey = "websocket"

const (
	maxFrameSize  = 1 << 20
	eventChanSize = 64
)

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// ConnectionState is a copy of the realtime connection state.
type ConnectionState struct {
	Status              models.ConnectionStatus
	LastOpenedAt        time.Time
	LastMessageAt       time.Time
	ConsecutiveFailures int
	UsingFallback       bool
}

// connHooks connect the socket to the rest of the client. onEvent runs on
// the event loop; reply writes to the current socket.
type connHooks struct {
	onEvent     func(ev *protocol.Event, reply func(frame any) error)
	onAuthError func(kind, message string)
	onChange    func()
	poll        func(ctx context.Context)
	probe       func(ctx context.Context) error
}

type connEventKind int

const (
	evOpened connEventKind = iota
	evDialFailed
	evFrame
	evClosed
)

// connEvent is posted by dial and reader goroutines. gen ties it to the
// attempt that produced it.
type connEvent struct {
	gen  uint64
	kind connEventKind
	ws   *websocket.Conn
	ev   *protocol.Event
	err  error
}

// connection owns the realtime socket. All of its unexported state is
// mutated only by the event loop in run.
type connection struct {
	cfg      Config
	log      *slog.Logger
	dialer   Dialer
	sessions api.SessionSource
	gate     *gate.Gate
	hooks    connHooks
	rnd      func() float64
	now      func() time.Time

	events  chan connEvent
	cmds    chan func()
	done    chan struct{}
	running atomic.Bool
	// bg tracks poll and probe goroutines. Only the event loop adds to it.
	bg sync.WaitGroup

	loopCtx        context.Context
	gen            uint64
	ws             *websocket.Conn
	dialCancel     context.CancelFunc
	session        auth.Session
	state          ConnectionState
	reconnect      reconnector
	reconnectTimer *time.Timer
	reconnectC     <-chan time.Time
	pingTicker     *time.Ticker
	pingC          <-chan time.Time
	dialTimeouts   int
	online         bool
	visible        bool

	mu        sync.RWMutex
	published ConnectionState
}

func newConnection(cfg Config, logger *slog.Logger, dialer Dialer, sessions api.SessionSource, g *gate.Gate, hooks connHooks) *connection {
	return &connection{
		cfg:       cfg,
		log:       logger,
		dialer:    dialer,
		sessions:  sessions,
		gate:      g,
		hooks:     hooks,
		rnd:       rand.Float64,
		now:       time.Now,
		events:    make(chan connEvent, eventChanSize),
		cmds:      make(chan func()),
		done:      make(chan struct{}),
		reconnect: reconnector{backoff: cfg.Backoff},
		online:    true,
		visible:   true,
	}
}

func (c *connection) start(ctx context.Context) {
	if c.running.Swap(true) {
		return
	}
	go c.run(ctx)
}

// wait blocks until the event loop and the goroutines it started have
// exited.
func (c *connection) wait() {
	if c.running.Load() {
		<-c.done
		c.bg.Wait()
	}
}

func (c *connection) run(ctx context.Context) {
	defer close(c.done)
	c.loopCtx = ctx

	liveness := time.NewTicker(c.cfg.LivenessInterval)
	watchdog := time.NewTicker(c.cfg.WatchdogInterval)
	poll := time.NewTicker(c.cfg.PollInterval)
	defer func() {
		liveness.Stop()
		watchdog.Stop()
		poll.Stop()
	}()

	c.connect()
	c.publish()

	for {
		select {
		case <-ctx.Done():
			c.teardown()
			c.clearReconnect()
			c.state.Status = models.StatusDisconnected
			c.publish()
			return
		case e := <-c.events:
			c.handle(e)
		case fn := <-c.cmds:
			fn()
		case <-c.reconnectC:
			c.reconnectTimer, c.reconnectC = nil, nil
			c.connect()
		case <-c.pingC:
			c.sendPing()
		case now := <-liveness.C:
			c.checkLiveness(now)
		case <-watchdog.C:
			c.checkWatchdog()
		case <-poll.C:
			c.pollTick()
		}
		c.publish()
	}
}

// call runs fn on the event loop and waits for it. It reports false when
// the loop is not running.
func (c *connection) call(fn func()) bool {
	if !c.running.Load() {
		return false
	}
	done := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); c.publish(); close(done) }:
	case <-c.done:
		return false
	}
	<-done
	return true
}

func (c *connection) post(e connEvent) {
	select {
	case c.events <- e:
	case <-c.done:
		if e.ws != nil {
			e.ws.Close()
		}
	}
}

// State returns a copy of the connection state.
func (c *connection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.published
}

func (c *connection) publish() {
	c.mu.Lock()
	changed := c.published != c.state
	c.published = c.state
	c.mu.Unlock()
	if changed && c.hooks.onChange != nil {
		c.hooks.onChange()
	}
}

// Send writes frame on the open socket.
func (c *connection) Send(frame any) error {
	var err error
	if !c.call(func() { err = c.write(frame) }) {
		return ErrNotConnected
	}
	return err
}

// ForceReconnect tears the socket down and connects again at once.
func (c *connection) ForceReconnect() {
	c.call(func() { c.forceReconnect("requested") })
}

// SetOnline reflects the network state. Going offline drops the socket
// without waiting for a close.
func (c *connection) SetOnline(online bool) {
	c.call(func() {
		c.online = online
		if !online {
			c.teardown()
			c.clearReconnect()
			c.state.Status = models.StatusDisconnected
			c.log.Info("network offline")
			return
		}
		c.reconnectCheck()
	})
}

// SetVisible reflects whether the consumer is in the foreground.
func (c *connection) SetVisible(visible bool) {
	c.call(func() {
		c.visible = visible
		if visible {
			c.reconnectCheck()
		}
	})
}

// HealthCheck probes the socket after a REST call was rejected.
func (c *connection) HealthCheck() {
	c.call(func() {
		if c.state.Status == models.StatusOpen {
			c.sendPing()
			return
		}
		if !c.gate.InFlight(socketKey) {
			c.forceReconnect("health check")
		}
	})
}

func (c *connection) reconnectCheck() {
	if c.state.Status == models.StatusOpen || c.gate.InFlight(socketKey) {
		return
	}
	c.clearReconnect()
	c.connect()
}

// connect starts a dial unless one is in flight or the socket is open.
func (c *connection) connect() {
	if !c.online || c.state.Status == models.StatusOpen {
		return
	}
	if !c.gate.Begin(socketKey) {
		return
	}
	session, err := c.sessions.Resolve()
	if err != nil {
		c.gate.End(socketKey)
		c.log.Error("failed to resolve session", "error", err)
		c.scheduleReconnect(0)
		return
	}
	c.session = session
	c.clearReconnect()

	c.gen++
	gen := c.gen
	ctx, cancel := context.WithTimeout(c.loopCtx, c.cfg.ConnectTimeout)
	c.dialCancel = cancel
	c.state.Status = models.StatusConnecting

	header := http.Header{}
	if c.cfg.UserAgent != "" {
		header.Set("User-Agent", c.cfg.UserAgent)
	}
	c.log.Debug("connecting", "url", c.cfg.SocketURL, "gen", gen)

	go func() {
		ws, resp, err := c.dialer.DialContext(ctx, c.cfg.SocketURL, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			c.post(connEvent{gen: gen, kind: evDialFailed, err: err})
			return
		}
		c.post(connEvent{gen: gen, kind: evOpened, ws: ws})
	}()
}

func (c *connection) handle(e connEvent) {
	if e.gen != c.gen {
		if e.kind == evOpened && e.ws != nil {
			e.ws.Close()
		}
		return
	}
	switch e.kind {
	case evOpened:
		c.opened(e.ws)
	case evDialFailed:
		c.dialFailed(e.err)
	case evFrame:
		c.frame(e.ev, e.err)
	case evClosed:
		c.closed(e.err)
	}
}

func (c *connection) endDial() {
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
		c.gate.End(socketKey)
	}
}

func (c *connection) opened(ws *websocket.Conn) {
	c.endDial()
	c.ws = ws
	now := c.now()
	c.state.Status = models.StatusOpen
	c.state.LastOpenedAt = now
	c.state.LastMessageAt = now
	c.state.ConsecutiveFailures = 0
	c.reconnect.reset()
	c.dialTimeouts = 0
	if c.state.UsingFallback {
		c.state.UsingFallback = false
		c.log.Info("realtime restored, polling stopped")
	}

	ws.SetReadLimit(maxFrameSize)
	go c.readPump(c.gen, ws)

	if err := c.write(protocol.AuthFrame{Token: c.session.Token, DeviceID: c.session.DeviceID}); err != nil {
		c.log.Warn("failed to send auth frame", "error", err)
		c.teardown()
		c.state.Status = models.StatusDisconnected
		c.scheduleReconnect(0)
		return
	}
	c.startPing()
	c.log.Info("connected", "url", c.cfg.SocketURL)
}

func (c *connection) dialFailed(err error) {
	c.endDial()
	c.state.Status = models.StatusDisconnected

	if isTimeout(err) {
		c.dialTimeouts++
		if c.dialTimeouts == 1 {
			c.log.Warn("connect timed out, retrying", "timeout", c.cfg.ConnectTimeout)
			c.recordFailure()
			c.connect()
			return
		}
	}
	c.log.Warn("failed to connect", "error", err, "failures", c.state.ConsecutiveFailures)
	c.scheduleReconnect(0)
}

func (c *connection) frame(ev *protocol.Event, err error) {
	c.state.LastMessageAt = c.now()
	if err != nil {
		c.log.Warn("dropping malformed frame", "error", err)
		return
	}

	switch ev.Type {
	case protocol.TypePong:
		return
	case protocol.TypeError:
		if !protocol.IsAuthError(ev.Error) {
			c.log.Warn("server error", "message", ev.Error)
			return
		}
		c.log.Warn("server rejected session", "message", ev.Error)
		if c.hooks.onAuthError != nil {
			c.hooks.onAuthError(ReportAuthFrame, ev.Error)
		}
		c.teardown()
		c.state.Status = models.StatusDisconnected
		c.scheduleReconnect(c.cfg.AuthReconnectDelay)
		return
	}

	if c.hooks.onEvent != nil {
		c.hooks.onEvent(ev, c.write)
	}
}

func (c *connection) closed(err error) {
	c.teardown()
	c.state.Status = models.StatusDisconnected

	code := closeCode(err)
	switch code {
	case websocket.CloseAbnormalClosure:
		c.log.Warn("connection lost", "error", err)
		c.scheduleReconnect(c.cfg.AbnormalReconnectDelay)
	case websocket.CloseProtocolError, websocket.ClosePolicyViolation:
		c.log.Warn("connection closed by policy", "code", code, "error", err)
		if c.hooks.onAuthError != nil {
			c.hooks.onAuthError(ReportAuthClose, fmt.Sprintf("close %d: %v", code, err))
		}
		c.scheduleReconnect(c.cfg.AuthReconnectDelay)
	default:
		c.log.Info("connection closed", "code", code)
		c.scheduleReconnect(0)
	}
}

// closeCode maps a read error to a close code. Errors without a close
// frame count as abnormal closure.
func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (c *connection) readPump(gen uint64, ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.post(connEvent{gen: gen, kind: evClosed, err: err})
			return
		}
		ev, perr := protocol.ParseEvent(data)
		c.post(connEvent{gen: gen, kind: evFrame, ev: ev, err: perr})
	}
}

// write sends frame on the open socket. Event loop only.
func (c *connection) write(frame any) error {
	if c.ws == nil || c.state.Status != models.StatusOpen {
		return ErrNotConnected
	}
	c.ws.SetWriteDeadline(c.now().Add(c.cfg.WriteTimeout))
	if err := c.ws.WriteJSON(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// teardown detaches the current socket or dial. Bumping gen first makes
// every event still in flight for it inert.
func (c *connection) teardown() {
	c.gen++
	c.endDial()
	c.stopPing()
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
}

func (c *connection) recordFailure() {
	c.state.ConsecutiveFailures++
	if c.state.ConsecutiveFailures > c.cfg.FallbackThreshold && !c.state.UsingFallback {
		c.state.UsingFallback = true
		c.log.Warn("realtime unavailable, polling", "failures", c.state.ConsecutiveFailures)
	}
}

// scheduleReconnect records a failure and arms the reconnect timer. A
// positive fixed delay replaces the backoff delay.
func (c *connection) scheduleReconnect(fixed time.Duration) {
	if !c.online {
		return
	}
	c.recordFailure()
	delay, force := c.reconnect.next(jitter(c.rnd()))
	if force {
		c.forceReconnect("backoff exhausted")
		return
	}
	if fixed > 0 {
		delay = fixed
	}
	c.clearReconnect()
	c.reconnectTimer = time.NewTimer(delay)
	c.reconnectC = c.reconnectTimer.C
	c.log.Debug("reconnect scheduled", "delay", delay, "failures", c.state.ConsecutiveFailures)
}

// forceReconnect drops everything and starts from a clean slate.
func (c *connection) forceReconnect(reason string) {
	c.log.Info("forcing reconnect", "reason", reason)
	c.teardown()
	c.clearReconnect()
	c.reconnect.reset()
	c.state.ConsecutiveFailures = 0
	c.state.Status = models.StatusDisconnected
	c.connect()
}

func (c *connection) clearReconnect() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer, c.reconnectC = nil, nil
}

func (c *connection) startPing() {
	c.stopPing()
	c.pingTicker = time.NewTicker(c.cfg.PingInterval)
	c.pingC = c.pingTicker.C
}

func (c *connection) stopPing() {
	if c.pingTicker != nil {
		c.pingTicker.Stop()
	}
	c.pingTicker, c.pingC = nil, nil
}

// pollTick drives the fallback poller and the reachability probe.
func (c *connection) pollTick() {
	if !c.state.UsingFallback || !c.visible {
		return
	}
	ctx := c.loopCtx
	if c.hooks.poll != nil {
		c.bg.Add(1)
		go func() {
			defer c.bg.Done()
			c.hooks.poll(ctx)
		}()
	}
	if c.hooks.probe != nil && c.rnd() < c.cfg.ProbeProbability {
		c.bg.Add(1)
		go func() {
			defer c.bg.Done()
			err := c.hooks.probe(ctx)
			c.call(func() { c.probed(err) })
		}()
	}
}

func (c *connection) probed(err error) {
	if !c.state.UsingFallback {
		return
	}
	if err != nil {
		c.log.Debug("backend still unreachable", "error", err)
		return
	}
	c.log.Info("backend reachable, leaving fallback")
	c.state.UsingFallback = false
	c.state.ConsecutiveFailures = 0
	c.reconnect.reset()
	c.reconnectCheck()
}
