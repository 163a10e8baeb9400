package models

import "time"

// Member is a participant of a chat.
type Member struct {
	UserID       int64     `json:"user_id"`
	Name         string    `json:"name"`
	Username     string    `json:"username,omitempty"`
	Photo        string    `json:"photo,omitempty"`
	Avatar       string    `json:"avatar,omitempty"`
	AccountType  string    `json:"account_type,omitempty"`
	Status       string    `json:"status,omitempty"`
	LastActiveAt time.Time `json:"last_active,omitempty"`
}

// Chat is a personal (1:1) or group conversation.
type Chat struct {
	ID            int64     `json:"id"`
	IsGroup       bool      `json:"is_group"`
	Title         string    `json:"title"`
	Avatar        string    `json:"avatar,omitempty"`
	Members       []Member  `json:"members"`
	LastMessage   *Message  `json:"last_message,omitempty"`
	Encrypted     bool      `json:"encrypted"`
	EncryptionKey string    `json:"encryption_key,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

// HasChannelMember reports whether any member is a channel account.
func (c *Chat) HasChannelMember() bool {
	for _, m := range c.Members {
		if m.AccountType == AccountChannel {
			return true
		}
	}
	return false
}

// Peer returns the first member that is not selfID, or nil.
func (c *Chat) Peer(selfID int64) *Member {
	for i := range c.Members {
		if c.Members[i].UserID != selfID {
			return &c.Members[i]
		}
	}
	return nil
}

// Clone returns a deep copy of c.
func (c *Chat) Clone() *Chat {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Members = append([]Member(nil), c.Members...)
	cp.LastMessage = c.LastMessage.Clone()
	return &cp
}
