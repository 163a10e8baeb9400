package models

import "time"

// Message types carried in Message.MessageType.
const (
	MessageText  = "text"
	MessagePhoto = "photo"
	MessageVideo = "video"
	MessageAudio = "audio"
	MessageFile  = "file"
)

// Message represents a chat message.
type Message struct {
	ID          int64     `json:"id"`
	ChatID      int64     `json:"chat_id"`
	SenderID    int64     `json:"sender_id"`
	SenderName  string    `json:"sender_name,omitempty"`
	SenderPhoto string    `json:"sender_photo,omitempty"`
	Content     string    `json:"content"`
	MessageType string    `json:"message_type"`
	ReplyToID   int64     `json:"reply_to_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ReadBy      []int64   `json:"read_by,omitempty"`
	ReadCount   int       `json:"read_count,omitempty"`

	// Attachment fields. FilePath is the server-relative location; the URL
	// matching MessageType is derived from it when the server leaves it empty.
	FilePath string `json:"file_path,omitempty"`
	PhotoURL string `json:"photo_url,omitempty"`
	VideoURL string `json:"video_url,omitempty"`
	AudioURL string `json:"audio_url,omitempty"`
	FileURL  string `json:"file_url,omitempty"`

	// Resolved locally, never sent by the server.
	SenderAvatar string `json:"sender_avatar,omitempty"`
	DisplayTime  string `json:"display_time,omitempty"`
}

// IsReadBy reports whether userID appears in ReadBy.
func (m *Message) IsReadBy(userID int64) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.ReadBy != nil {
		c.ReadBy = append([]int64(nil), m.ReadBy...)
	}
	return &c
}

// CachedMessage is a message persisted in the local client cache.
type CachedMessage struct {
	ChatID    int64
	MessageID int64
	SenderID  int64
	Payload   []byte // JSON-encoded Message
	CreatedAt time.Time
}
