package client

import (
	"time"

	"github.com/kconnect-labs/k-connect-dev-sub012/internal/models"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/protocol"
)

// livenessExpired reports whether an open connection has been silent for
// longer than timeout.
func livenessExpired(now, lastMessageAt time.Time, timeout time.Duration) bool {
	if lastMessageAt.IsZero() {
		return false
	}
	return now.Sub(lastMessageAt) > timeout
}

// sendPing runs on the event loop at every ping tick. Sending is the probe:
// any failure tears the connection down.
func (c *connection) sendPing() {
	if c.state.Status != models.StatusOpen || c.ws == nil {
		c.log.Warn("ping due while not open", "status", c.state.Status)
		c.forceReconnect("ping while not open")
		return
	}
	if err := c.write(protocol.NewPing(c.session.DeviceID)); err != nil {
		c.log.Warn("ping failed", "error", err)
		c.forceReconnect("ping failed")
	}
}

// checkLiveness runs on the event loop at every liveness tick.
func (c *connection) checkLiveness(now time.Time) {
	if c.state.Status != models.StatusOpen {
		return
	}
	if livenessExpired(now, c.state.LastMessageAt, c.cfg.LivenessTimeout) {
		c.log.Warn("connection silent, reconnecting", "last_message", c.state.LastMessageAt)
		c.forceReconnect("silent connection")
	}
}

// checkWatchdog reconnects when the connection should be up but nothing is
// trying to bring it up.
func (c *connection) checkWatchdog() {
	if !c.online || c.state.Status == models.StatusOpen || c.gate.InFlight(socketKey) {
		return
	}
	c.log.Info("watchdog reconnect", "status", c.state.Status)
	c.connect()
}
