package client

import (
	"context"
	"errors"

	"github.com/kconnect-labs/k-connect-dev-sub012/internal/api"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/models"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/protocol"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/store"
)

// SendTextMessage posts text to chatID. The returned message is applied to
// the store at once; its realtime echo is dropped as a duplicate.
func (m *Messenger) SendTextMessage(ctx context.Context, chatID int64, text string, replyToID int64) (*models.Message, error) {
	if m.barred() {
		return nil, nil
	}
	msg, err := m.api.SendMessage(ctx, chatID, text, replyToID)
	if err != nil {
		return nil, m.fail("send message", err)
	}
	m.apply(msg, chatID)
	return msg, nil
}

// UploadFile sends a file message to chatID.
func (m *Messenger) UploadFile(ctx context.Context, chatID int64, up api.Upload) (*models.Message, error) {
	if m.barred() {
		return nil, nil
	}
	msg, err := m.api.UploadFile(ctx, chatID, up)
	if err != nil {
		return nil, m.fail("upload file", err)
	}
	m.apply(msg, chatID)
	return msg, nil
}

// MarkMessageAsRead marks one message read locally and tells the server.
func (m *Messenger) MarkMessageAsRead(ctx context.Context, chatID, messageID int64) error {
	if m.barred() {
		return nil
	}
	m.store.ApplyReadReceipt(messageID, chatID, m.store.SelfID())
	return m.sendReceipt(ctx, chatID, messageID)
}

// MarkAllMessagesAsRead marks every loaded message of chatID from other
// users as read. Errors from individual receipts are joined.
func (m *Messenger) MarkAllMessagesAsRead(ctx context.Context, chatID int64) error {
	if m.barred() {
		return nil
	}
	var errs []error
	for _, id := range m.store.MarkAllRead(chatID) {
		if err := m.sendReceipt(ctx, chatID, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendTypingIndicator tells the chat that the user started or stopped
// typing. It needs the realtime connection and returns ErrNotConnected
// without it.
func (m *Messenger) SendTypingIndicator(chatID int64, typing bool) error {
	if m.barred() {
		return nil
	}
	return m.conn.Send(protocol.NewTyping(chatID, typing))
}

// SearchUsers looks users up by name or username.
func (m *Messenger) SearchUsers(ctx context.Context, query string, limit int) ([]models.User, error) {
	if m.barred() {
		return nil, nil
	}
	users, err := m.api.SearchUsers(ctx, query, limit)
	if err != nil {
		return nil, m.fail("search users", err)
	}
	return users, nil
}

// GetUserInfo returns a user's profile.
func (m *Messenger) GetUserInfo(ctx context.Context, userID int64) (*models.User, error) {
	if m.barred() {
		return nil, nil
	}
	u, err := m.api.User(ctx, userID)
	if err != nil {
		return nil, m.fail("get user info", err)
	}
	return u, nil
}

// CreatePersonalChat opens, or reuses, the 1:1 chat with userID.
func (m *Messenger) CreatePersonalChat(ctx context.Context, userID int64, encrypted bool) (*models.Chat, error) {
	if m.barred() {
		return nil, nil
	}
	id, err := m.api.CreatePersonalChat(ctx, userID, encrypted)
	if err != nil {
		return nil, m.fail("create personal chat", err)
	}
	return m.fetchChat(ctx, id)
}

// CreateGroupChat creates a group chat with the given members.
func (m *Messenger) CreateGroupChat(ctx context.Context, title string, memberIDs []int64, encrypted bool) (*models.Chat, error) {
	if m.barred() {
		return nil, nil
	}
	id, err := m.api.CreateGroupChat(ctx, title, memberIDs, encrypted)
	if err != nil {
		return nil, m.fail("create group chat", err)
	}
	return m.fetchChat(ctx, id)
}

// GetChatDetails fetches a chat and stores it. Chats with a channel member
// yield nil.
func (m *Messenger) GetChatDetails(ctx context.Context, chatID int64) (*models.Chat, error) {
	if m.barred() {
		return nil, nil
	}
	return m.fetchChat(ctx, chatID)
}

func (m *Messenger) fetchChat(ctx context.Context, chatID int64) (*models.Chat, error) {
	chat, err := m.api.Chat(ctx, chatID)
	if err != nil {
		return nil, m.fail("get chat", err)
	}
	if !m.store.UpsertChat(*chat) {
		return nil, nil
	}
	stored, ok := m.store.Chat(chatID)
	if !ok {
		return nil, nil
	}
	return &stored, nil
}

// DeleteMessage deletes a message on the server and locally.
func (m *Messenger) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	if m.barred() {
		return nil
	}
	if err := m.api.DeleteMessage(ctx, messageID); err != nil {
		return m.fail("delete message", err)
	}
	m.store.DeleteMessage(chatID, messageID)
	if m.db != nil {
		if err := m.db.DeleteCachedMessage(chatID, messageID); err != nil {
			m.log.Warn("failed to drop cached message", "message_id", messageID, "error", err)
		}
	}
	return nil
}

// DeleteChat deletes a chat on the server and locally.
func (m *Messenger) DeleteChat(ctx context.Context, chatID int64) error {
	if m.barred() {
		return nil
	}
	if err := m.api.DeleteChat(ctx, chatID); err != nil {
		return m.fail("delete chat", err)
	}
	m.store.DeleteChat(chatID)
	if m.db != nil {
		if err := m.db.ClearCachedMessages(chatID); err != nil {
			m.log.Warn("failed to clear message cache", "chat_id", chatID, "error", err)
		}
	}
	return nil
}

// RefreshChats reloads the chat list. Calls within the gate window of a
// previous refresh are skipped.
func (m *Messenger) RefreshChats(ctx context.Context) error {
	if m.barred() {
		return nil
	}
	_, err := m.gate.Do("chats", func() error { return m.refresh(ctx) })
	return err
}

// SetActiveChat selects the chat the user is looking at. Zero clears it.
func (m *Messenger) SetActiveChat(chatID int64) {
	if m.barred() {
		return
	}
	m.store.SetActiveChat(chatID)
}

// LoadMessages loads the newest page of chatID, showing cached messages
// first when a database is configured.
func (m *Messenger) LoadMessages(ctx context.Context, chatID int64) error {
	if m.barred() {
		return nil
	}
	m.seedFromCache(chatID)
	_, err := m.gate.Do(key("messages", chatID), func() error {
		return m.fetchLatest(ctx, chatID, true)
	})
	return err
}

// LoadMoreMessages loads the page before the oldest loaded message. It
// returns the number of new messages, zero when history is exhausted or a
// load of the same chat is already running.
func (m *Messenger) LoadMoreMessages(ctx context.Context, chatID int64) (int, error) {
	if m.barred() || !m.store.HasMore(chatID) {
		return 0, nil
	}
	oldest, ok := m.store.OldestMessageID(chatID)
	if !ok {
		return 0, m.LoadMessages(ctx, chatID)
	}
	k := key("older", chatID)
	if !m.gate.Begin(k) {
		return 0, nil
	}
	defer m.gate.End(k)

	page, err := m.api.Messages(ctx, chatID, oldest, m.cfg.PageSize)
	if err != nil {
		return 0, m.fail("get older messages", err)
	}
	return m.mergePage(chatID, page.Messages, true).Added, nil
}

// GetTotalUnreadCount sums unread counters over all chats.
func (m *Messenger) GetTotalUnreadCount() int {
	if m.barred() {
		return 0
	}
	return m.store.TotalUnread()
}

// ForceReconnectSocket drops the realtime connection and dials again.
func (m *Messenger) ForceReconnectSocket() {
	if m.barred() {
		return
	}
	m.conn.ForceReconnect()
}

// Snapshot returns a copy of the chats and messages.
func (m *Messenger) Snapshot() store.Snapshot {
	return m.store.Snapshot()
}

// ConnectionState returns a copy of the realtime connection state.
func (m *Messenger) ConnectionState() ConnectionState {
	return m.conn.State()
}

// SetOnline reports a network change.
func (m *Messenger) SetOnline(online bool) {
	m.conn.SetOnline(online)
}

// SetVisible reports whether the consumer is in the foreground.
func (m *Messenger) SetVisible(visible bool) {
	m.conn.SetVisible(visible)
}
