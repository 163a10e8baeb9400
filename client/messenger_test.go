package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/api"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/db"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStart_LoadsUserAndChats(t *testing.T) {
	sb := newSandbox(t)
	chat := sb.srv.CreateChat(false, "", sb.ann.ID, sb.bob.ID)

	m := sb.messenger(t, "ann-token", nil)

	u := m.CurrentUser()
	require.NotNil(t, u)
	assert.Equal(t, sb.ann.ID, u.ID)

	chats := m.Snapshot().Chats
	require.Len(t, chats, 1)
	assert.Equal(t, chat.ID, chats[0].ID)
	assert.Equal(t, "Bob", chats[0].Title)

	sb.waitConnected(t, m, sb.ann.ID)
}

func TestSendTextMessage_EchoIsDeduplicated(t *testing.T) {
	sb := newSandbox(t)
	chat := sb.srv.CreateChat(false, "", sb.ann.ID, sb.bob.ID)
	other := sb.srv.CreateChat(true, "Later", sb.ann.ID, sb.bob.ID)
	_, err := sb.srv.PostMessageQuietly(other.ID, sb.bob.ID, "newer activity")
	require.NoError(t, err)

	m := sb.messenger(t, "ann-token", nil)
	m.SetActiveChat(chat.ID)
	sb.waitConnected(t, m, sb.ann.ID)

	msg, err := m.SendTextMessage(context.Background(), chat.ID, "Hello", 0)
	require.NoError(t, err)
	require.NotNil(t, msg)

	// Give the realtime echo time to arrive.
	time.Sleep(100 * time.Millisecond)

	snap := m.Snapshot()
	assert.Equal(t, []int64{msg.ID}, messageIDs(snap.Messages[chat.ID]))
	assert.Equal(t, "Hello", snap.Messages[chat.ID][0].Content)
	assert.Zero(t, snap.Unread[chat.ID])
	require.NotEmpty(t, snap.Chats)
	assert.Equal(t, chat.ID, snap.Chats[0].ID)
}

func TestIncomingMessage_UnknownChatTriggersRefresh(t *testing.T) {
	sb := newSandbox(t)
	m := sb.messenger(t, "ann-token", nil)
	sb.waitConnected(t, m, sb.ann.ID)

	chat := sb.srv.CreateChatQuietly(false, "", sb.ann.ID, sb.bob.ID)
	msg, err := sb.srv.PostMessage(chat.ID, sb.bob.ID, "surprise")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(m.Snapshot().Messages[chat.ID]) == 1
	}, waitFor, tick)

	snap := m.Snapshot()
	assert.Equal(t, []int64{msg.ID}, messageIDs(snap.Messages[chat.ID]))
	assert.Equal(t, 1, snap.Unread[chat.ID])
	assert.Equal(t, 1, m.GetTotalUnreadCount())
}

func TestIncomingMessage_ActiveChatSendsReceipt(t *testing.T) {
	sb := newSandbox(t)
	chat := sb.srv.CreateChat(false, "", sb.ann.ID, sb.bob.ID)
	m := sb.messenger(t, "ann-token", nil)
	m.SetActiveChat(chat.ID)
	sb.waitConnected(t, m, sb.ann.ID)

	msg, err := sb.srv.PostMessage(chat.ID, sb.bob.ID, "are you there?")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]int64{sb.ann.ID}, sb.srv.ReadBy(msg.ID))
	}, waitFor, tick)
	assert.Zero(t, m.Snapshot().Unread[chat.ID])
}

func TestMarkAllMessagesAsRead(t *testing.T) {
	sb := newSandbox(t)
	chat := sb.srv.CreateChat(false, "", sb.ann.ID, sb.bob.ID)
	m := sb.messenger(t, "ann-token", nil)
	sb.waitConnected(t, m, sb.ann.ID)

	first, err := sb.srv.PostMessage(chat.ID, sb.bob.ID, "one")
	require.NoError(t, err)
	second, err := sb.srv.PostMessage(chat.ID, sb.bob.ID, "two")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.Snapshot().Unread[chat.ID] == 2 }, waitFor, tick)

	require.NoError(t, m.MarkAllMessagesAsRead(context.Background(), chat.ID))
	assert.Zero(t, m.Snapshot().Unread[chat.ID])
	require.Eventually(t, func() bool {
		return len(sb.srv.ReadBy(first.ID)) == 1 && len(sb.srv.ReadBy(second.ID)) == 1
	}, waitFor, tick)
}

func TestTypingIndicator(t *testing.T) {
	sb := newSandbox(t)
	chat := sb.srv.CreateChat(false, "", sb.ann.ID, sb.bob.ID)
	ann := sb.messenger(t, "ann-token", nil)
	bob := sb.messenger(t, "bob-token", nil)
	sb.waitConnected(t, ann, sb.ann.ID)
	sb.waitConnected(t, bob, sb.bob.ID)

	require.NoError(t, bob.SendTypingIndicator(chat.ID, true))
	require.Eventually(t, func() bool {
		mark, ok := ann.Snapshot().Typing[chat.ID][sb.bob.ID]
		return ok && !mark.Ended
	}, waitFor, tick)

	require.NoError(t, bob.SendTypingIndicator(chat.ID, false))
	require.Eventually(t, func() bool {
		_, ok := ann.Snapshot().Typing[chat.ID][sb.bob.ID]
		return !ok
	}, waitFor, tick)
}

func TestLoadMessages_Pagination(t *testing.T) {
	sb := newSandbox(t)
	chat := sb.srv.CreateChat(false, "", sb.ann.ID, sb.bob.ID)
	var posted []int64
	for _, text := range []string{"a", "b", "c", "d", "e"} {
		msg, err := sb.srv.PostMessageQuietly(chat.ID, sb.bob.ID, text)
		require.NoError(t, err)
		posted = append(posted, msg.ID)
	}

	m := sb.messenger(t, "ann-token", func(c *Config) { c.PageSize = 2 })
	ctx := context.Background()

	require.NoError(t, m.LoadMessages(ctx, chat.ID))
	assert.Equal(t, posted[3:], messageIDs(m.Snapshot().Messages[chat.ID]))
	assert.True(t, m.Snapshot().HasMore[chat.ID])

	n, err := m.LoadMoreMessages(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, m.Snapshot().HasMore[chat.ID])

	n, err = m.LoadMoreMessages(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, m.Snapshot().HasMore[chat.ID])

	n, err = m.LoadMoreMessages(ctx, chat.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, posted, messageIDs(m.Snapshot().Messages[chat.ID]))
}

func TestLoadMessages_RetriesEmptyFirstPageOfNewGroup(t *testing.T) {
	sb := newSandbox(t)
	m := sb.messenger(t, "ann-token", nil)
	ctx := context.Background()

	group := sb.srv.CreateChatQuietly(true, "Ops", sb.ann.ID, sb.bob.ID)
	personal := sb.srv.CreateChatQuietly(false, "", sb.ann.ID, sb.bob.ID)
	require.Eventually(t, func() bool {
		return m.RefreshChats(ctx) == nil && len(m.Snapshot().Chats) == 2
	}, waitFor, tick)

	for _, id := range []int64{group.ID, personal.ID} {
		_, err := sb.srv.PostMessageQuietly(id, sb.bob.ID, "hello")
		require.NoError(t, err)
		sb.srv.EmptyReads(id, 1)
	}

	require.NoError(t, m.LoadMessages(ctx, group.ID))
	assert.Len(t, m.Snapshot().Messages[group.ID], 1)

	require.NoError(t, m.LoadMessages(ctx, personal.ID))
	assert.Empty(t, m.Snapshot().Messages[personal.ID])
}

func TestCreateChats(t *testing.T) {
	sb := newSandbox(t)
	m := sb.messenger(t, "ann-token", nil)
	ctx := context.Background()

	personal, err := m.CreatePersonalChat(ctx, sb.bob.ID, false)
	require.NoError(t, err)
	require.NotNil(t, personal)
	assert.False(t, personal.IsGroup)
	assert.Equal(t, "Bob", personal.Title)

	again, err := m.CreatePersonalChat(ctx, sb.bob.ID, false)
	require.NoError(t, err)
	assert.Equal(t, personal.ID, again.ID)

	group, err := m.CreateGroupChat(ctx, "Plans", []int64{sb.bob.ID}, false)
	require.NoError(t, err)
	require.NotNil(t, group)
	assert.True(t, group.IsGroup)
	assert.Equal(t, "Plans", group.Title)

	details, err := m.GetChatDetails(ctx, group.ID)
	require.NoError(t, err)
	assert.Len(t, details.Members, 2)
}

func TestGetChatDetails_ChannelMemberIsHidden(t *testing.T) {
	sb := newSandbox(t)
	news := sb.srv.AddUser(models.User{Name: "News", AccountType: models.AccountChannel}, "")
	chat := sb.srv.CreateChatQuietly(false, "", sb.ann.ID, news.ID)
	m := sb.messenger(t, "ann-token", nil)

	details, err := m.GetChatDetails(context.Background(), chat.ID)
	require.NoError(t, err)
	assert.Nil(t, details)
	assert.Empty(t, m.Snapshot().Chats)
}

func TestSearchAndUserInfo(t *testing.T) {
	sb := newSandbox(t)
	m := sb.messenger(t, "ann-token", nil)
	ctx := context.Background()

	users, err := m.SearchUsers(ctx, "bo", 10)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, sb.bob.ID, users[0].ID)

	u, err := m.GetUserInfo(ctx, sb.bob.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", u.Username)

	_, err = m.GetUserInfo(ctx, 999)
	require.Error(t, err)
	assert.NotEmpty(t, m.LastError())
}

func TestDeleteMessageAndChat_UpdateCache(t *testing.T) {
	sb := newSandbox(t)
	chat := sb.srv.CreateChat(false, "", sb.ann.ID, sb.bob.ID)
	database, err := db.NewClientDB(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	m := sb.messenger(t, "ann-token", nil, WithDB(database))
	ctx := context.Background()

	first, err := m.SendTextMessage(ctx, chat.ID, "keep", 0)
	require.NoError(t, err)
	second, err := m.SendTextMessage(ctx, chat.ID, "oops", 0)
	require.NoError(t, err)
	// Let the realtime echoes land before deleting.
	time.Sleep(100 * time.Millisecond)

	cached, err := database.GetCachedMessages(chat.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{first.ID, second.ID}, messageIDs(cached))

	require.NoError(t, m.DeleteMessage(ctx, chat.ID, second.ID))
	assert.Equal(t, []int64{first.ID}, messageIDs(m.Snapshot().Messages[chat.ID]))
	stored, ok := m.store.Chat(chat.ID)
	require.True(t, ok)
	require.NotNil(t, stored.LastMessage)
	assert.Equal(t, first.ID, stored.LastMessage.ID)

	cached, err = database.GetCachedMessages(chat.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{first.ID}, messageIDs(cached))

	require.NoError(t, m.DeleteChat(ctx, chat.ID))
	assert.Empty(t, m.Snapshot().Chats)
	cached, err = database.GetCachedMessages(chat.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, cached)
}

func TestLoadMessages_SeedsFromCache(t *testing.T) {
	sb := newSandbox(t)
	chat := sb.srv.CreateChat(false, "", sb.ann.ID, sb.bob.ID)
	database, err := db.NewClientDB(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	cm, err := db.NewCachedMessage(&models.Message{ID: 500, ChatID: chat.ID, SenderID: sb.bob.ID, Content: "from last session"})
	require.NoError(t, err)
	require.NoError(t, database.CacheMessage(cm))

	m := sb.messenger(t, "ann-token", nil, WithDB(database))
	require.NoError(t, m.LoadMessages(context.Background(), chat.ID))

	msgs := m.Snapshot().Messages[chat.ID]
	require.Len(t, msgs, 1)
	assert.Equal(t, "from last session", msgs[0].Content)
}

func TestChannelAccount_MakesNoCalls(t *testing.T) {
	sb := newSandbox(t)
	news := sb.srv.AddUser(models.User{Name: "News", AccountType: models.AccountChannel}, "news-token")
	sb.srv.CreateChat(false, "", news.ID, sb.bob.ID)

	m := sb.messenger(t, "news-token", nil)
	before := sb.requests.Load()
	ctx := context.Background()

	msg, err := m.SendTextMessage(ctx, 1, "hi", 0)
	assert.NoError(t, err)
	assert.Nil(t, msg)
	chat, err := m.CreatePersonalChat(ctx, sb.bob.ID, false)
	assert.NoError(t, err)
	assert.Nil(t, chat)
	users, err := m.SearchUsers(ctx, "bob", 5)
	assert.NoError(t, err)
	assert.Nil(t, users)
	assert.NoError(t, m.RefreshChats(ctx))
	assert.NoError(t, m.LoadMessages(ctx, 1))
	assert.NoError(t, m.SendTypingIndicator(1, true))
	m.ForceReconnectSocket()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, sb.requests.Load())
	assert.Zero(t, m.GetTotalUnreadCount())
	assert.Empty(t, m.Snapshot().Chats)
	assert.Equal(t, models.StatusDisconnected, m.ConnectionState().Status)
	assert.Empty(t, sb.srv.ConnectedUsers())
}

func TestFallbackPolling_Converges(t *testing.T) {
	sb := newSandbox(t)
	chat := sb.srv.CreateChat(false, "", sb.ann.ID, sb.bob.ID)
	sb.srv.RejectSockets(true)

	m := sb.messenger(t, "ann-token", nil)
	m.SetActiveChat(chat.ID)

	require.Eventually(t, func() bool { return m.ConnectionState().UsingFallback }, waitFor, tick)

	msg, err := sb.srv.PostMessage(chat.ID, sb.bob.ID, "delivered by polling")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		msgs := m.Snapshot().Messages[chat.ID]
		return len(msgs) == 1 && msgs[0].ID == msg.ID
	}, waitFor, tick)

	polled := m.Snapshot().Messages[chat.ID][0]
	assert.True(t, polled.IsReadBy(sb.ann.ID), "open chat reads polled messages")
	assert.Zero(t, m.GetTotalUnreadCount())
	require.Eventually(t, func() bool {
		for _, id := range sb.srv.ReadBy(msg.ID) {
			if id == sb.ann.ID {
				return true
			}
		}
		return false
	}, waitFor, tick, "read receipt reaches the server over REST")

	sb.srv.RejectSockets(false)
	m.ForceReconnectSocket()
	sb.waitConnected(t, m, sb.ann.ID)
	assert.False(t, m.ConnectionState().UsingFallback)
}

func TestFallback_ProbeRestoresRealtime(t *testing.T) {
	sb := newSandbox(t)
	sb.srv.RejectSockets(true)

	m := sb.messenger(t, "ann-token", func(cfg *Config) {
		cfg.ProbeProbability = 1
		cfg.FallbackThreshold = 0
		// Only a successful probe may bring the socket back.
		cfg.Backoff = Backoff{Base: time.Hour, Max: time.Hour, ForceAfter: 5}
		cfg.WatchdogInterval = time.Hour
	})
	require.Eventually(t, func() bool { return m.ConnectionState().UsingFallback }, waitFor, tick)

	sb.srv.RejectSockets(false)
	sb.waitConnected(t, m, sb.ann.ID)
	assert.False(t, m.ConnectionState().UsingFallback)
	assert.Zero(t, m.ConnectionState().ConsecutiveFailures)
}

func TestEmptySuccessResponses_ReturnErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"success":true}`)
	}))
	t.Cleanup(srv.Close)
	m, err := New(testConfig(srv.URL), WithLogger(discardLogger()))
	require.NoError(t, err)
	ctx := context.Background()

	var pe *api.ParseError
	msg, err := m.SendTextMessage(ctx, 42, "Hello", 0)
	assert.Nil(t, msg)
	assert.True(t, errors.As(err, &pe))

	msg, err = m.UploadFile(ctx, 42, api.Upload{Name: "a.txt", Content: strings.NewReader("a")})
	assert.Nil(t, msg)
	assert.ErrorIs(t, err, api.ErrMissingPayload)

	chat, err := m.GetChatDetails(ctx, 42)
	assert.Nil(t, chat)
	assert.ErrorIs(t, err, api.ErrMissingPayload)

	_, err = m.CreatePersonalChat(ctx, 7, false)
	assert.Error(t, err)

	u, err := m.GetUserInfo(ctx, 7)
	assert.Nil(t, u)
	assert.ErrorIs(t, err, api.ErrMissingPayload)

	assert.Empty(t, m.Snapshot().Messages)
	assert.NotEmpty(t, m.LastError())
}

func TestReconnect_AfterDrop(t *testing.T) {
	sb := newSandbox(t)
	m := sb.messenger(t, "ann-token", nil)
	sb.waitConnected(t, m, sb.ann.ID)
	opened := m.ConnectionState().LastOpenedAt

	sb.srv.DropSockets()

	require.Eventually(t, func() bool {
		s := m.ConnectionState()
		return s.Status == models.StatusOpen && s.LastOpenedAt.After(opened)
	}, waitFor, tick)
	assert.Zero(t, m.ConnectionState().ConsecutiveFailures)
}

func TestReconnect_SilentSocket(t *testing.T) {
	sb := newSandbox(t)
	m := sb.messenger(t, "ann-token", nil)
	sb.waitConnected(t, m, sb.ann.ID)
	opened := m.ConnectionState().LastOpenedAt

	sb.srv.SilenceSockets()

	require.Eventually(t, func() bool {
		s := m.ConnectionState()
		return s.Status == models.StatusOpen && s.LastOpenedAt.After(opened)
	}, waitFor, tick)
}

func TestPolicyClose_Reported(t *testing.T) {
	sb := newSandbox(t)
	m := sb.messenger(t, "ann-token", nil)
	sb.waitConnected(t, m, sb.ann.ID)
	opened := m.ConnectionState().LastOpenedAt

	sb.srv.CloseSockets(websocket.ClosePolicyViolation, "session expired")

	require.Eventually(t, func() bool { return hasReport(m, ReportAuthClose) }, waitFor, tick)
	require.Eventually(t, func() bool {
		s := m.ConnectionState()
		return s.Status == models.StatusOpen && s.LastOpenedAt.After(opened)
	}, waitFor, tick)

	reports := m.ErrorReports()
	assert.Equal(t, "kconnect-test/1.0", reports[0].UserAgent)
}

func TestInvalidToken_Reported(t *testing.T) {
	sb := newSandbox(t)
	m := sb.messenger(t, "bogus", nil)

	assert.Nil(t, m.CurrentUser())
	assert.NotEmpty(t, m.LastError())
	assert.True(t, hasReport(m, ReportHTTP401))
	require.Eventually(t, func() bool { return hasReport(m, ReportAuthFrame) }, waitFor, tick)
}

func TestRevokedToken_RESTReportsAndProbesSocket(t *testing.T) {
	sb := newSandbox(t)
	m := sb.messenger(t, "ann-token", nil)
	sb.waitConnected(t, m, sb.ann.ID)

	sb.srv.RevokeToken("ann-token")
	time.Sleep(5 * time.Millisecond)

	err := m.RefreshChats(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrUnauthorized))
	assert.True(t, hasReport(m, ReportHTTP401))
	assert.Equal(t, models.StatusOpen, m.ConnectionState().Status)
}

func TestSetOnline(t *testing.T) {
	sb := newSandbox(t)
	m := sb.messenger(t, "ann-token", nil)
	sb.waitConnected(t, m, sb.ann.ID)

	m.SetOnline(false)
	assert.Equal(t, models.StatusDisconnected, m.ConnectionState().Status)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, models.StatusDisconnected, m.ConnectionState().Status)

	m.SetOnline(true)
	sb.waitConnected(t, m, sb.ann.ID)
}

func TestUpdates_Notified(t *testing.T) {
	sb := newSandbox(t)
	chat := sb.srv.CreateChat(false, "", sb.ann.ID, sb.bob.ID)
	m := sb.messenger(t, "ann-token", nil)
	sb.waitConnected(t, m, sb.ann.ID)

	for len(m.Updates()) > 0 {
		<-m.Updates()
	}
	_, err := sb.srv.PostMessage(chat.ID, sb.bob.ID, "ping")
	require.NoError(t, err)

	select {
	case <-m.Updates():
	case <-time.After(waitFor):
		t.Fatal("no update after incoming message")
	}
}
