package client

import (
	"context"
	"strconv"
)

// poll re-fetches the active chat and the chat list while realtime is
// unavailable. Both go through the same merges as realtime updates.
func (m *Messenger) poll(ctx context.Context) {
	if active := m.store.ActiveChat(); active != 0 {
		if _, err := m.gate.Do("poll:messages:"+strconv.FormatInt(active, 10), func() error {
			return m.fetchLatest(ctx, active, false)
		}); err != nil {
			m.log.Debug("poll of messages failed", "chat_id", active, "error", err)
		}
	}
	if _, err := m.gate.Do("poll:chats", func() error { return m.refresh(ctx) }); err != nil {
		m.log.Debug("poll of chats failed", "error", err)
	}
}

// probe checks whether the backend is reachable.
func (m *Messenger) probe(ctx context.Context) error {
	return m.api.Ping(ctx)
}
