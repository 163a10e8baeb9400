package client

import (
	"errors"

	"github.com/kconnect-labs/k-connect-dev-sub012/internal/models"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/protocol"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/store"
)

// handleEvent applies a realtime event to the store. It runs on the
// connection event loop and must not block.
func (m *Messenger) handleEvent(ev *protocol.Event, reply func(frame any) error) {
	switch ev.Type {
	case protocol.TypeConnected:
		if ev.User != nil {
			m.setUser(ev.User)
			m.log.Info("authenticated", "user_id", ev.User.ID)
		}

	case protocol.TypeNewMessage:
		if ev.Message == nil {
			return
		}
		res, ok := m.apply(ev.Message, ev.ChatID)
		if ok && res.MarkRead {
			m.replyRead(ev.ChatID, ev.Message.ID, reply)
		}

	case protocol.TypeMessageRead:
		m.store.ApplyReadReceipt(ev.MessageID, ev.ChatID, ev.UserID)

	case protocol.TypeTypingIndicator:
		m.store.SetTyping(ev.ChatID, ev.UserID)

	case protocol.TypeTypingIndicatorEnd:
		m.store.EndTyping(ev.ChatID, ev.UserID)

	case protocol.TypeUserStatus:
		m.store.SetUserStatus(ev.UserID, ev.Status)

	case protocol.TypeChatUpdate:
		if ev.Chat == nil {
			m.refreshSoon()
			return
		}
		if !m.store.UpsertChat(*ev.Chat) {
			m.log.Debug("ignoring chat with channel member", "chat_id", ev.Chat.ID)
		}

	default:
		m.log.Debug("ignoring frame", "type", ev.Type)
	}
}

// apply records a message in the store and the local cache. A message for
// an unknown chat schedules a chat-list refresh.
func (m *Messenger) apply(msg *models.Message, chatID int64) (store.Applied, bool) {
	res, err := m.store.ApplyIncomingMessage(msg, chatID)
	if errors.Is(err, store.ErrUnknownChat) {
		m.log.Info("message for unknown chat, refreshing chat list", "chat_id", chatID, "message_id", msg.ID)
		m.refreshSoon()
		return res, false
	}
	if err != nil {
		return res, false
	}
	if !res.Duplicate {
		m.cacheMessages(chatID, *msg)
	}
	return res, true
}

func (m *Messenger) replyRead(chatID, messageID int64, reply func(frame any) error) {
	s, err := m.sessions.Resolve()
	if err != nil {
		m.log.Warn("failed to resolve session", "error", err)
		return
	}
	if err := reply(protocol.NewReadReceipt(messageID, chatID, s.DeviceID)); err != nil {
		m.log.Warn("failed to send read receipt", "message_id", messageID, "error", err)
	}
}
