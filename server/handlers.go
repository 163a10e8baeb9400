// Package server is a sandbox messenger backend. It serves the REST and
// websocket surface of the K-Connect messenger from memory and can inject
// connection faults, which makes it usable for local development and
// integration tests of the client.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/models"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/protocol"
	"github.com/tidwall/gjson"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	authWait     = 10 * time.Second
	writeWait    = 10 * time.Second
	maxFrameSize = 65536
)

// Server holds the sandbox state.
type Server struct {
	hub  *Hub
	data *data
	log  *slog.Logger

	rejectSockets atomic.Bool
	emptyMu       sync.Mutex
	emptyReads    map[int64]int
}

// NewServer creates a new server instance around hub.
func NewServer(hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		hub:        hub,
		data:       newData(),
		log:        logger,
		emptyReads: make(map[int64]int),
	}
}

// Handler returns the routes of the messenger API, the websocket endpoint
// and the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws/messenger", s.HandleWebSocket)

	mux.HandleFunc("GET /apiMes/ping", s.handlePing)
	mux.HandleFunc("GET /apiMes/messenger/user", s.authed(s.handleCurrentUser))
	mux.HandleFunc("GET /apiMes/messenger/chats", s.authed(s.handleChats))
	mux.HandleFunc("GET /apiMes/messenger/chats/{id}", s.authed(s.handleChat))
	mux.HandleFunc("GET /apiMes/messenger/chats/{id}/messages", s.authed(s.handleMessages))
	mux.HandleFunc("POST /apiMes/messenger/chats/{id}/messages", s.authed(s.handleSendMessage))
	mux.HandleFunc("POST /apiMes/messenger/chats/{id}/upload", s.authed(s.handleUpload))
	mux.HandleFunc("POST /apiMes/messenger/chats/personal", s.authed(s.handleCreatePersonal))
	mux.HandleFunc("POST /apiMes/messenger/chats/group", s.authed(s.handleCreateGroup))
	mux.HandleFunc("POST /apiMes/messenger/read/{id}", s.authed(s.handleMarkRead))
	mux.HandleFunc("GET /apiMes/messenger/users/search", s.authed(s.handleSearchUsers))
	mux.HandleFunc("GET /apiMes/messenger/users/{id}", s.authed(s.handleUser))
	mux.HandleFunc("DELETE /api/messenger/messages/{id}", s.authed(s.handleDeleteMessage))
	mux.HandleFunc("DELETE /api/messenger/chats/{id}", s.authed(s.handleDeleteChat))

	admin := NewAdminHandler(s)
	mux.HandleFunc("POST /admin/users", admin.HandleUsers)
	mux.HandleFunc("POST /admin/chats", admin.HandleChats)
	mux.HandleFunc("POST /admin/chats/{id}/messages", admin.HandleMessages)
	mux.HandleFunc("POST /admin/faults", admin.HandleFaults)

	return mux
}

// HandleWebSocket handles websocket connections. The first frame must carry
// the auth token.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.rejectSockets.Load() {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := s.hub.NewClient(conn)
	if !s.authenticate(client) {
		return
	}
	s.hub.Register(client)
	client.Send(map[string]any{"type": protocol.TypeConnected, "user": client.user})

	go s.writePump(client)
	s.readPump(client)
}

func (s *Server) authenticate(client *Client) bool {
	conn := client.conn
	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(authWait))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return false
	}
	conn.SetReadDeadline(time.Time{})

	var frame protocol.AuthFrame
	_ = json.Unmarshal(raw, &frame)
	user, ok := s.data.userByToken(frame.Token)
	if !ok {
		s.log.Info("socket auth rejected", "device_id", frame.DeviceID)
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteJSON(map[string]any{"type": protocol.TypeError, "message": "Invalid auth token"})
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"),
			time.Now().Add(writeWait))
		conn.Close()
		return false
	}
	client.user = user
	client.deviceID = frame.DeviceID
	return true
}

func (s *Server) readPump(client *Client) {
	defer func() {
		s.hub.Unregister(client)
		client.conn.Close()
	}()

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn("websocket error", "user_id", client.user.ID, "error", err)
			}
			return
		}
		s.handleMessage(client, message)
	}
}

func (s *Server) writePump(client *Client) {
	defer client.conn.Close()

	for {
		select {
		case message := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.closed:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			client.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (s *Server) handleMessage(client *Client, raw []byte) {
	if !gjson.ValidBytes(raw) {
		client.Send(map[string]any{"type": protocol.TypeError, "message": "Invalid message format"})
		return
	}
	frame := gjson.ParseBytes(raw)
	chatID := frame.Get("chatId").Int()

	switch protocol.EventType(frame.Get("type").String()) {
	case protocol.TypePing:
		if !client.silent.Load() {
			client.Send(map[string]any{"type": protocol.TypePong})
		}

	case protocol.TypeTypingStart, protocol.TypeTypingEnd:
		kind := protocol.TypeTypingIndicator
		if frame.Get("type").String() == string(protocol.TypeTypingEnd) {
			kind = protocol.TypeTypingIndicatorEnd
		}
		s.hub.SendToUsers(map[string]any{
			"type":    kind,
			"chat_id": chatID,
			"user_id": client.user.ID,
		}, s.others(chatID, client.user.ID)...)

	case protocol.TypeReadReceipt:
		s.markRead(frame.Get("messageId").Int(), client.user.ID)

	default:
		client.Send(map[string]any{"type": protocol.TypeError, "message": "Unknown message type"})
	}
}

// markRead records a read and notifies the chat members.
func (s *Server) markRead(messageID, userID int64) {
	chatID, ok := s.data.markRead(messageID, userID)
	if !ok {
		return
	}
	s.hub.SendToUsers(map[string]any{
		"type":      protocol.TypeMessageRead,
		"messageId": messageID,
		"chatId":    chatID,
		"userId":    userID,
	}, s.data.memberIDs(chatID)...)
}

// publishMessage delivers a new message to every member of its chat.
func (s *Server) publishMessage(m models.Message) {
	s.hub.SendToUsers(map[string]any{
		"type":    protocol.TypeNewMessage,
		"chat_id": m.ChatID,
		"message": m,
	}, s.data.memberIDs(m.ChatID)...)
}

func (s *Server) publishChat(c models.Chat) {
	s.hub.SendToUsers(map[string]any{"type": protocol.TypeChatUpdate, "chat": c}, s.data.memberIDs(c.ID)...)
}

func (s *Server) others(chatID, userID int64) []int64 {
	var out []int64
	for _, id := range s.data.memberIDs(chatID) {
		if id != userID {
			out = append(out, id)
		}
	}
	return out
}
