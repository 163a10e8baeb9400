package server

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kconnect-labs/k-connect-dev-sub012/internal/models"
)

var (
	errNotFound  = errors.New("not found")
	errForbidden = errors.New("access denied")
)

// data is the in-memory backend state.
type data struct {
	mu            sync.Mutex
	users         map[int64]*models.User
	tokens        map[string]int64
	chats         map[int64]*models.Chat
	messages      map[int64][]models.Message
	nextChatID    int64
	nextMessageID int64
	now           func() time.Time
}

func newData() *data {
	return &data{
		users:         make(map[int64]*models.User),
		tokens:        make(map[string]int64),
		chats:         make(map[int64]*models.Chat),
		messages:      make(map[int64][]models.Message),
		nextChatID:    1,
		nextMessageID: 1,
		now:           time.Now,
	}
}

func (d *data) userByToken(token string) (*models.User, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.tokens[token]
	if !ok {
		return nil, false
	}
	u := *d.users[id]
	return &u, true
}

func (d *data) user(id int64) (*models.User, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[id]
	if !ok {
		return nil, false
	}
	cp := *u
	return &cp, true
}

func (d *data) addUser(u models.User, token string) models.User {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u.ID == 0 {
		u.ID = int64(len(d.users) + 1)
		for d.users[u.ID] != nil {
			u.ID++
		}
	}
	d.users[u.ID] = &u
	if token != "" {
		d.tokens[token] = u.ID
	}
	return u
}

func (d *data) revokeToken(token string) {
	d.mu.Lock()
	delete(d.tokens, token)
	d.mu.Unlock()
}

func (d *data) searchUsers(query string, limit int) []models.User {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := strings.ToLower(query)
	var out []models.User
	for _, u := range d.users {
		if strings.Contains(strings.ToLower(u.Name), q) || strings.Contains(strings.ToLower(u.Username), q) {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (d *data) memberLocked(userID int64) models.Member {
	u := d.users[userID]
	if u == nil {
		return models.Member{UserID: userID}
	}
	return models.Member{
		UserID:       u.ID,
		Name:         u.Name,
		Username:     u.Username,
		Photo:        u.Photo,
		AccountType:  u.AccountType,
		LastActiveAt: u.LastActive,
	}
}

func (d *data) createChat(isGroup bool, title string, memberIDs []int64, encrypted bool) models.Chat {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	c := &models.Chat{
		ID:        d.nextChatID,
		IsGroup:   isGroup,
		Title:     title,
		Encrypted: encrypted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	d.nextChatID++
	seen := make(map[int64]bool)
	for _, id := range memberIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		c.Members = append(c.Members, d.memberLocked(id))
	}
	d.chats[c.ID] = c
	return *c.Clone()
}

// personalChat returns the existing 1:1 chat of a and b or creates one.
func (d *data) personalChat(a, b int64, encrypted bool) models.Chat {
	d.mu.Lock()
	for _, c := range d.chats {
		if !c.IsGroup && len(c.Members) == 2 && isMemberLocked(c, a) && isMemberLocked(c, b) {
			cp := *c.Clone()
			d.mu.Unlock()
			return cp
		}
	}
	d.mu.Unlock()
	return d.createChat(false, "", []int64{a, b}, encrypted)
}

func isMemberLocked(c *models.Chat, userID int64) bool {
	for _, m := range c.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// chat returns a chat visible to userID.
func (d *data) chat(chatID, userID int64) (models.Chat, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.chats[chatID]
	if !ok {
		return models.Chat{}, errNotFound
	}
	if !isMemberLocked(c, userID) {
		return models.Chat{}, errForbidden
	}
	return *c.Clone(), nil
}

// chatsOf returns the chats of userID, most recent activity first.
func (d *data) chatsOf(userID int64) []models.Chat {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []models.Chat
	for _, c := range d.chats {
		if isMemberLocked(c, userID) {
			out = append(out, *c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (d *data) memberIDs(chatID int64) []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.chats[chatID]
	if !ok {
		return nil
	}
	ids := make([]int64, len(c.Members))
	for i, m := range c.Members {
		ids[i] = m.UserID
	}
	return ids
}

func (d *data) addMessage(chatID, senderID int64, m models.Message) (models.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.chats[chatID]
	if !ok {
		return models.Message{}, errNotFound
	}
	if !isMemberLocked(c, senderID) {
		return models.Message{}, errForbidden
	}
	m.ID = d.nextMessageID
	d.nextMessageID++
	m.ChatID = chatID
	m.SenderID = senderID
	m.CreatedAt = d.now()
	if m.MessageType == "" {
		m.MessageType = models.MessageText
	}
	if u := d.users[senderID]; u != nil {
		m.SenderName = u.Name
		m.SenderPhoto = u.Photo
	}
	d.messages[chatID] = append(d.messages[chatID], m)
	c.LastMessage = m.Clone()
	c.UpdatedAt = m.CreatedAt
	return m, nil
}

// history returns up to limit messages of chatID older than beforeID,
// ascending by id.
func (d *data) history(chatID, beforeID int64, limit int) []models.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	all := d.messages[chatID]
	end := len(all)
	if beforeID > 0 {
		end = sort.Search(len(all), func(i int) bool { return all[i].ID >= beforeID })
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]models.Message, end-start)
	for i := range out {
		out[i] = *all[start+i].Clone()
	}
	return out
}

// markRead records a read and returns the chat of the message. ok is false
// when the message does not exist or was already read by userID.
func (d *data) markRead(messageID, userID int64) (chatID int64, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for cid, seq := range d.messages {
		for i := range seq {
			if seq[i].ID != messageID {
				continue
			}
			if seq[i].IsReadBy(userID) || seq[i].SenderID == userID {
				return cid, false
			}
			seq[i].ReadBy = append(seq[i].ReadBy, userID)
			seq[i].ReadCount++
			return cid, true
		}
	}
	return 0, false
}

func (d *data) readBy(messageID int64) []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, seq := range d.messages {
		for _, m := range seq {
			if m.ID == messageID {
				return append([]int64(nil), m.ReadBy...)
			}
		}
	}
	return nil
}

func (d *data) deleteMessage(messageID, userID int64) (chatID int64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for cid, seq := range d.messages {
		for i, m := range seq {
			if m.ID != messageID {
				continue
			}
			if m.SenderID != userID {
				return 0, errForbidden
			}
			next := append(append([]models.Message(nil), seq[:i]...), seq[i+1:]...)
			d.messages[cid] = next
			if c := d.chats[cid]; c != nil && c.LastMessage != nil && c.LastMessage.ID == messageID {
				c.LastMessage = nil
				if len(next) > 0 {
					c.LastMessage = next[len(next)-1].Clone()
				}
			}
			return cid, nil
		}
	}
	return 0, errNotFound
}

func (d *data) deleteChat(chatID, userID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.chats[chatID]
	if !ok {
		return errNotFound
	}
	if !isMemberLocked(c, userID) {
		return errForbidden
	}
	delete(d.chats, chatID)
	delete(d.messages, chatID)
	return nil
}
