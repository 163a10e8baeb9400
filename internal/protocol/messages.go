package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kconnect-labs/k-connect-dev-sub012/internal/models"
	"github.com/tidwall/gjson"
)

// EventType identifies the type of a websocket frame.
type EventType string

const (
	// Client -> Server
	TypePing        EventType = "ping"
	TypeTypingStart EventType = "typing_start"
	TypeTypingEnd   EventType = "typing_end"
	TypeReadReceipt EventType = "read_receipt"

	// Server -> Client
	TypeConnected          EventType = "connected"
	TypePong               EventType = "pong"
	TypeError              EventType = "error"
	TypeNewMessage         EventType = "new_message"
	TypeMessageRead        EventType = "message_read"
	TypeTypingIndicator    EventType = "typing_indicator"
	TypeTypingIndicatorEnd EventType = "typing_indicator_end"
	TypeUserStatus         EventType = "user_status"
	TypeChatUpdate         EventType = "chat_update"
)

// ErrMalformed is returned by ParseEvent for frames that are not JSON objects
// with a type field.
var ErrMalformed = errors.New("malformed frame")

// AuthFrame is sent by the client immediately after the socket opens.
type AuthFrame struct {
	Token    string `json:"token"`
	DeviceID string `json:"device_id"`
}

// PingFrame is the heartbeat probe.
type PingFrame struct {
	Type     EventType `json:"type"`
	DeviceID string    `json:"device_id"`
}

// TypingFrame announces that the local user started or stopped typing.
type TypingFrame struct {
	Type   EventType `json:"type"`
	ChatID int64     `json:"chatId"`
}

// ReadReceiptFrame tells the server a message was read on this device.
type ReadReceiptFrame struct {
	Type      EventType `json:"type"`
	MessageID int64     `json:"messageId"`
	ChatID    int64     `json:"chatId"`
	DeviceID  string    `json:"device_id"`
}

// NewPing creates a heartbeat frame.
func NewPing(deviceID string) PingFrame {
	return PingFrame{Type: TypePing, DeviceID: deviceID}
}

// NewTyping creates a typing_start or typing_end frame.
func NewTyping(chatID int64, typing bool) TypingFrame {
	t := TypeTypingEnd
	if typing {
		t = TypeTypingStart
	}
	return TypingFrame{Type: t, ChatID: chatID}
}

// NewReadReceipt creates a read_receipt frame.
func NewReadReceipt(messageID, chatID int64, deviceID string) ReadReceiptFrame {
	return ReadReceiptFrame{
		Type:      TypeReadReceipt,
		MessageID: messageID,
		ChatID:    chatID,
		DeviceID:  deviceID,
	}
}

// Event is a server frame in canonical form. Alternate field spellings used
// by the server (chatId/chat_id and friends) are resolved during parsing.
type Event struct {
	Type      EventType
	ChatID    int64
	MessageID int64
	UserID    int64
	Status    string
	Error     string
	Message   *models.Message
	Chat      *models.Chat
	User      *models.User
}

// ParseEvent parses a raw server frame.
func ParseEvent(data []byte) (*Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrMalformed
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, ErrMalformed
	}
	typ := root.Get("type").String()
	if typ == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	ev := &Event{
		Type:      EventType(typ),
		ChatID:    firstInt(root, "chatId", "chat_id"),
		MessageID: firstInt(root, "messageId", "message_id"),
		UserID:    firstInt(root, "userId", "user_id"),
		Status:    root.Get("status").String(),
	}

	switch ev.Type {
	case TypeConnected:
		if u := root.Get("user"); u.IsObject() {
			var user models.User
			if err := json.Unmarshal([]byte(u.Raw), &user); err != nil {
				return nil, fmt.Errorf("failed to parse connected user: %w", err)
			}
			ev.User = &user
		}

	case TypeError:
		ev.Error = root.Get("message").String()

	case TypeNewMessage:
		m := root.Get("message")
		if !m.IsObject() {
			return nil, fmt.Errorf("%w: new_message without message", ErrMalformed)
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(m.Raw), &msg); err != nil {
			return nil, fmt.Errorf("failed to parse message: %w", err)
		}
		if msg.SenderID == 0 {
			msg.SenderID = m.Get("senderId").Int()
		}
		if msg.ChatID == 0 {
			msg.ChatID = firstInt(m, "chatId", "chat_id")
		}
		if ev.ChatID == 0 {
			ev.ChatID = msg.ChatID
		}
		msg.ChatID = ev.ChatID
		ev.MessageID = msg.ID
		ev.Message = &msg

	case TypeChatUpdate:
		c := root.Get("chat")
		if !c.IsObject() {
			return nil, fmt.Errorf("%w: chat_update without chat", ErrMalformed)
		}
		var chat models.Chat
		if err := json.Unmarshal([]byte(c.Raw), &chat); err != nil {
			return nil, fmt.Errorf("failed to parse chat: %w", err)
		}
		ev.ChatID = chat.ID
		ev.Chat = &chat
	}

	return ev, nil
}

// IsAuthError reports whether a server error message points at an
// authentication or session problem.
func IsAuthError(message string) bool {
	m := strings.ToLower(message)
	for _, kw := range []string{"auth", "session", "unauthorized", "token"} {
		if strings.Contains(m, kw) {
			return true
		}
	}
	return false
}

func firstInt(r gjson.Result, keys ...string) int64 {
	for _, k := range keys {
		if v := r.Get(k); v.Exists() {
			return v.Int()
		}
	}
	return 0
}
