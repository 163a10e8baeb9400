package store

import (
	"time"

	"github.com/kconnect-labs/k-connect-dev-sub012/internal/models"
)

// Snapshot is a deep copy of the store state.
type Snapshot struct {
	SelfID     int64
	ActiveChat int64
	Chats      []models.Chat
	Messages   map[int64][]models.Message
	HasMore    map[int64]bool
	Unread     map[int64]int
	Typing     map[int64]map[int64]TypingMark
}

// Snapshot returns a copy of the whole state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		SelfID:     s.selfID,
		ActiveChat: s.activeChat,
		Chats:      make([]models.Chat, len(s.chats)),
		Messages:   make(map[int64][]models.Message, len(s.messages)),
		HasMore:    make(map[int64]bool, len(s.hasMore)),
		Unread:     make(map[int64]int, len(s.unread)),
		Typing:     make(map[int64]map[int64]TypingMark, len(s.typing)),
	}
	for i, c := range s.chats {
		snap.Chats[i] = *c.Clone()
	}
	for id, seq := range s.messages {
		snap.Messages[id] = copyMessages(seq)
	}
	for id, v := range s.hasMore {
		snap.HasMore[id] = v
	}
	for id, v := range s.unread {
		snap.Unread[id] = v
	}
	for id, m := range s.typing {
		snap.Typing[id] = copyTyping(m)
	}
	return snap
}

// Chats returns the chat list, most recently active first.
func (s *Store) Chats() []models.Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Chat, len(s.chats))
	for i, c := range s.chats {
		out[i] = *c.Clone()
	}
	return out
}

// Chat returns one chat.
func (s *Store) Chat(chatID int64) (models.Chat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.chatIndex(chatID); i >= 0 {
		return *s.chats[i].Clone(), true
	}
	return models.Chat{}, false
}

// HasChat reports whether chatID is in the chat list.
func (s *Store) HasChat(chatID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chatIndex(chatID) >= 0
}

// Messages returns the message sequence of chatID, ascending by id.
func (s *Store) Messages(chatID int64) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMessages(s.messages[chatID])
}

// OldestMessageID returns the smallest loaded message id of chatID.
func (s *Store) OldestMessageID(chatID int64) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq := s.messages[chatID]
	if len(seq) == 0 {
		return 0, false
	}
	return seq[0].ID, true
}

// HasMore reports whether older history may exist. Unknown chats report
// true so the first page is always requested.
func (s *Store) HasMore(chatID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.hasMore[chatID]
	return !ok || v
}

// FirstSeen returns when chatID first appeared in the store.
func (s *Store) FirstSeen(chatID int64) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.firstSeen[chatID]
	return t, ok
}

// Unread returns the unread counter of chatID.
func (s *Store) Unread(chatID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread[chatID]
}

// TotalUnread sums all unread counters.
func (s *Store) TotalUnread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, n := range s.unread {
		total += n
	}
	return total
}

func copyMessages(seq []*models.Message) []models.Message {
	out := make([]models.Message, len(seq))
	for i, m := range seq {
		out[i] = *m.Clone()
	}
	return out
}
