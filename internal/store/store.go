// Package store is the in-memory chat and message store that merges
// realtime events, REST responses and local writes.
//
// Every mutation builds new slices and swaps them in, so a slice handed out
// by an earlier read is never modified afterwards.
package store

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kconnect-labs/k-connect-dev-sub012/internal/models"
)

// ErrUnknownChat is returned when an event references a chat that is not in
// the local chat list. The message is parked until the next chat-list merge.
var ErrUnknownChat = errors.New("chat not in local chat list")

// ErrNoMessage is returned when there is no message to apply.
var ErrNoMessage = errors.New("no message to apply")

// DefaultTypingExpiry is how long a typing end marker stays visible.
const DefaultTypingExpiry = 5 * time.Second

// Options configures URL derivation and timing.
type Options struct {
	// AvatarBase prefixes relative avatar photos: <AvatarBase>/<userID>/<photo>.
	AvatarBase string
	// MediaBase prefixes message file paths: <MediaBase>/<file_path>.
	MediaBase    string
	TypingExpiry time.Duration
	Location     *time.Location
}

// TypingMark is the typing state of one user in one chat.
type TypingMark struct {
	At    time.Time
	Ended bool
}

// Applied describes the outcome of ApplyIncomingMessage.
type Applied struct {
	Duplicate bool
	// MarkRead is set when the message landed in the active chat and was
	// sent by someone else; the caller should send a read receipt.
	MarkRead bool
}

// Store holds chats, per-chat message sequences, unread counters, typing
// state and the avatar cache.
type Store struct {
	opts Options
	now  func() time.Time

	mu         sync.RWMutex
	selfID     int64
	activeChat int64
	chats      []*models.Chat
	messages   map[int64][]*models.Message
	hasMore    map[int64]bool
	unread     map[int64]int
	typing     map[int64]map[int64]TypingMark
	avatars    map[int64]string
	firstSeen  map[int64]time.Time
	parked     map[int64][]*models.Message

	onChange func()
}

// New creates an empty store.
func New(opts Options) *Store {
	if opts.TypingExpiry <= 0 {
		opts.TypingExpiry = DefaultTypingExpiry
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	opts.AvatarBase = strings.TrimSuffix(opts.AvatarBase, "/")
	opts.MediaBase = strings.TrimSuffix(opts.MediaBase, "/")
	return &Store{
		opts:      opts,
		now:       time.Now,
		messages:  make(map[int64][]*models.Message),
		hasMore:   make(map[int64]bool),
		unread:    make(map[int64]int),
		typing:    make(map[int64]map[int64]TypingMark),
		avatars:   make(map[int64]string),
		firstSeen: make(map[int64]time.Time),
		parked:    make(map[int64][]*models.Message),
	}
}

// OnChange registers fn to be called after every mutation. fn runs outside
// the store lock.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Store) changed() {
	s.mu.RLock()
	fn := s.onChange
	s.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// SetSelf records the local user.
func (s *Store) SetSelf(userID int64) {
	s.mu.Lock()
	s.selfID = userID
	s.mu.Unlock()
	s.changed()
}

// SelfID returns the local user id.
func (s *Store) SelfID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selfID
}

// SetActiveChat marks chatID as the open chat and clears its unread counter.
// Zero clears the active chat.
func (s *Store) SetActiveChat(chatID int64) {
	s.mu.Lock()
	s.activeChat = chatID
	if chatID != 0 {
		s.unread[chatID] = 0
	}
	s.mu.Unlock()
	s.changed()
}

// ActiveChat returns the open chat, or zero.
func (s *Store) ActiveChat() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeChat
}

// ApplyIncomingMessage records a message delivered for chatID.
func (s *Store) ApplyIncomingMessage(msg *models.Message, chatID int64) (Applied, error) {
	if msg == nil {
		return Applied{}, ErrNoMessage
	}
	m := msg.Clone()
	m.ChatID = chatID

	s.mu.Lock()
	s.decorateMessage(m)
	if s.chatIndex(chatID) < 0 {
		s.park(m)
		s.mu.Unlock()
		return Applied{}, ErrUnknownChat
	}
	res := s.applyLocked(m)
	s.mu.Unlock()

	if !res.Duplicate {
		s.changed()
	}
	return res, nil
}

// applyLocked inserts m into its chat, moves the chat to the head of the
// list and updates unread state. Callers hold the write lock and have
// checked that the chat exists.
func (s *Store) applyLocked(m *models.Message) Applied {
	seq := s.messages[m.ChatID]
	if indexOf(seq, m.ID) >= 0 {
		return Applied{Duplicate: true}
	}

	var res Applied
	if m.SenderID != s.selfID {
		if m.ChatID == s.activeChat {
			if s.selfID != 0 && !m.IsReadBy(s.selfID) {
				m.ReadBy = append(m.ReadBy, s.selfID)
				m.ReadCount++
			}
			res.MarkRead = true
		} else {
			s.unread[m.ChatID]++
		}
	}

	s.messages[m.ChatID] = insertSorted(seq, m)

	idx := s.chatIndex(m.ChatID)
	chat := s.chats[idx].Clone()
	if chat.LastMessage == nil || m.ID >= chat.LastMessage.ID {
		chat.LastMessage = m.Clone()
	}
	chat.UpdatedAt = s.now()

	next := make([]*models.Chat, 0, len(s.chats))
	next = append(next, chat)
	next = append(next, s.chats[:idx]...)
	next = append(next, s.chats[idx+1:]...)
	s.chats = next
	return res
}

func (s *Store) park(m *models.Message) {
	for _, p := range s.parked[m.ChatID] {
		if p.ID == m.ID {
			return
		}
	}
	s.parked[m.ChatID] = append(s.parked[m.ChatID], m)
}

// flushParkedLocked applies parked messages whose chat now exists and
// discards the rest when discard is set.
func (s *Store) flushParkedLocked(discard bool) {
	for chatID, msgs := range s.parked {
		if s.chatIndex(chatID) < 0 {
			if discard {
				delete(s.parked, chatID)
			}
			continue
		}
		sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
		for _, m := range msgs {
			s.applyLocked(m)
		}
		delete(s.parked, chatID)
	}
}

// ApplyReadReceipt records that userID read messageID. It is idempotent and
// reports whether anything changed.
func (s *Store) ApplyReadReceipt(messageID, chatID, userID int64) bool {
	s.mu.Lock()
	changed := false
	seq := s.messages[chatID]
	if i := indexOf(seq, messageID); i >= 0 && !seq[i].IsReadBy(userID) {
		m := seq[i].Clone()
		m.ReadBy = append(m.ReadBy, userID)
		m.ReadCount++
		next := append([]*models.Message(nil), seq...)
		next[i] = m
		s.messages[chatID] = next

		if ci := s.chatIndex(chatID); ci >= 0 {
			if lm := s.chats[ci].LastMessage; lm != nil && lm.ID == messageID {
				s.replaceChatLocked(ci, func(c *models.Chat) { c.LastMessage = m.Clone() })
			}
		}
		changed = true
	}
	if userID == s.selfID && chatID == s.activeChat && s.unread[chatID] != 0 {
		s.unread[chatID] = 0
		changed = true
	}
	s.mu.Unlock()

	if changed {
		s.changed()
	}
	return changed
}

// MarkAllRead clears the unread counter of chatID and returns the ids of
// messages from other users that the local user had not read yet.
func (s *Store) MarkAllRead(chatID int64) []int64 {
	s.mu.Lock()
	var ids []int64
	seq := s.messages[chatID]
	next := make([]*models.Message, len(seq))
	for i, m := range seq {
		next[i] = m
		if m.SenderID == s.selfID || m.IsReadBy(s.selfID) {
			continue
		}
		c := m.Clone()
		c.ReadBy = append(c.ReadBy, s.selfID)
		c.ReadCount++
		next[i] = c
		ids = append(ids, m.ID)
	}
	if len(ids) > 0 {
		s.messages[chatID] = next
	}
	s.unread[chatID] = 0
	s.mu.Unlock()

	s.changed()
	return ids
}

// MergeChatList replaces the chat list with the server's. Chats with a
// channel member are dropped. Parked messages are applied to chats that now
// exist and discarded otherwise.
func (s *Store) MergeChatList(serverChats []models.Chat) {
	s.mu.Lock()
	existing := make(map[int64]*models.Chat, len(s.chats))
	for _, c := range s.chats {
		existing[c.ID] = c
	}

	next := make([]*models.Chat, 0, len(serverChats))
	keep := make(map[int64]bool, len(serverChats))
	for i := range serverChats {
		c := serverChats[i].Clone()
		if c.HasChannelMember() || keep[c.ID] {
			continue
		}
		s.decorateChat(c)
		if old, ok := existing[c.ID]; ok && old.LastMessage != nil &&
			(c.LastMessage == nil || old.LastMessage.ID > c.LastMessage.ID) {
			c.LastMessage = old.LastMessage.Clone()
		}
		if _, seen := s.firstSeen[c.ID]; !seen {
			s.firstSeen[c.ID] = s.now()
		}
		keep[c.ID] = true
		next = append(next, c)
	}

	for id := range existing {
		if !keep[id] {
			s.forgetChatLocked(id)
		}
	}
	s.chats = next
	s.flushParkedLocked(true)
	s.mu.Unlock()

	s.changed()
}

// UpsertChat inserts or replaces a single chat. It returns false when the
// chat was rejected by the channel policy.
func (s *Store) UpsertChat(chat models.Chat) bool {
	c := chat.Clone()
	if c.HasChannelMember() {
		return false
	}

	s.mu.Lock()
	s.decorateChat(c)
	if _, seen := s.firstSeen[c.ID]; !seen {
		s.firstSeen[c.ID] = s.now()
	}
	if i := s.chatIndex(c.ID); i >= 0 {
		old := s.chats[i]
		if old.LastMessage != nil && (c.LastMessage == nil || old.LastMessage.ID > c.LastMessage.ID) {
			c.LastMessage = old.LastMessage.Clone()
		}
		next := append([]*models.Chat(nil), s.chats...)
		next[i] = c
		s.chats = next
	} else {
		s.chats = append([]*models.Chat{c}, s.chats...)
	}
	s.flushParkedLocked(false)
	s.mu.Unlock()

	s.changed()
	return true
}

// Merged is the outcome of a history merge.
type Merged struct {
	Added int
	// MarkRead lists messages of the active chat from other users that were
	// not read yet; the caller should send read receipts for them.
	MarkRead []int64
}

// MergeMessages merges a history page into chatID. older marks a backward
// pagination page; such a page shorter than limit means there is no more
// history. A zero limit leaves the history flag untouched. Newest pages
// follow the same read rule as realtime messages: unread messages of the
// active chat from other users are marked read and the chat moves to the
// head of the list when the page brings a newer last message.
func (s *Store) MergeMessages(chatID int64, page []models.Message, older bool, limit int) Merged {
	return s.merge(chatID, page, older, limit, !older)
}

// SeedMessages merges locally cached messages into chatID without touching
// read state or the history flag.
func (s *Store) SeedMessages(chatID int64, cached []models.Message) int {
	return s.merge(chatID, cached, false, 0, false).Added
}

func (s *Store) merge(chatID int64, page []models.Message, older bool, limit int, live bool) Merged {
	s.mu.Lock()
	seq := s.messages[chatID]
	present := make(map[int64]int, len(seq))
	for i, m := range seq {
		present[m.ID] = i
	}

	next := append([]*models.Message(nil), seq...)
	var res Merged
	for i := range page {
		if _, ok := present[page[i].ID]; ok {
			continue
		}
		m := page[i].Clone()
		m.ChatID = chatID
		s.decorateMessage(m)
		present[m.ID] = -1
		next = append(next, m)
		res.Added++
	}
	sort.SliceStable(next, func(i, j int) bool { return next[i].ID < next[j].ID })

	if live && chatID == s.activeChat && s.selfID != 0 {
		for i, m := range next {
			if m.SenderID == s.selfID || m.IsReadBy(s.selfID) {
				continue
			}
			c := m.Clone()
			c.ReadBy = append(c.ReadBy, s.selfID)
			c.ReadCount++
			next[i] = c
			res.MarkRead = append(res.MarkRead, c.ID)
		}
	}
	s.messages[chatID] = next

	if limit > 0 {
		if _, ok := s.hasMore[chatID]; older || !ok {
			s.hasMore[chatID] = len(page) >= limit
		}
	}

	if ci := s.chatIndex(chatID); ci >= 0 && len(next) > 0 {
		newest := next[len(next)-1]
		lm := s.chats[ci].LastMessage
		switch {
		case lm == nil || newest.ID > lm.ID:
			chat := s.chats[ci].Clone()
			chat.LastMessage = newest.Clone()
			if live && lm != nil {
				chat.UpdatedAt = s.now()
				reordered := make([]*models.Chat, 0, len(s.chats))
				reordered = append(reordered, chat)
				reordered = append(reordered, s.chats[:ci]...)
				reordered = append(reordered, s.chats[ci+1:]...)
				s.chats = reordered
			} else {
				s.replaceChatLocked(ci, func(c *models.Chat) { *c = *chat })
			}
		case newest.ID == lm.ID && len(res.MarkRead) > 0:
			s.replaceChatLocked(ci, func(c *models.Chat) { c.LastMessage = newest.Clone() })
		}
	}
	s.mu.Unlock()

	if res.Added > 0 || older || len(res.MarkRead) > 0 {
		s.changed()
	}
	return res
}

// DeleteMessage removes a message. If it was the chat's last message the
// newest remaining message by CreatedAt takes its place.
func (s *Store) DeleteMessage(chatID, messageID int64) bool {
	s.mu.Lock()
	seq := s.messages[chatID]
	i := indexOf(seq, messageID)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	next := make([]*models.Message, 0, len(seq)-1)
	next = append(next, seq[:i]...)
	next = append(next, seq[i+1:]...)
	s.messages[chatID] = next

	if ci := s.chatIndex(chatID); ci >= 0 {
		if lm := s.chats[ci].LastMessage; lm != nil && lm.ID == messageID {
			s.replaceChatLocked(ci, func(c *models.Chat) { c.LastMessage = newestByTime(next) })
		}
	}
	s.mu.Unlock()

	s.changed()
	return true
}

// DeleteChat removes a chat and everything attached to it.
func (s *Store) DeleteChat(chatID int64) bool {
	s.mu.Lock()
	i := s.chatIndex(chatID)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	next := make([]*models.Chat, 0, len(s.chats)-1)
	next = append(next, s.chats[:i]...)
	next = append(next, s.chats[i+1:]...)
	s.chats = next
	s.forgetChatLocked(chatID)
	s.mu.Unlock()

	s.changed()
	return true
}

func (s *Store) forgetChatLocked(chatID int64) {
	delete(s.messages, chatID)
	delete(s.hasMore, chatID)
	delete(s.unread, chatID)
	delete(s.typing, chatID)
	delete(s.firstSeen, chatID)
	if s.activeChat == chatID {
		s.activeChat = 0
	}
}

// SetTyping records that userID is typing in chatID.
func (s *Store) SetTyping(chatID, userID int64) {
	s.mu.Lock()
	s.setTypingLocked(chatID, userID, TypingMark{At: s.now()})
	s.mu.Unlock()
	s.changed()
}

// EndTyping stores an end marker that expires after the typing expiry.
func (s *Store) EndTyping(chatID, userID int64) {
	s.mu.Lock()
	mark := TypingMark{At: s.now(), Ended: true}
	s.setTypingLocked(chatID, userID, mark)
	expiry := s.opts.TypingExpiry
	s.mu.Unlock()
	s.changed()

	time.AfterFunc(expiry, func() {
		s.mu.Lock()
		cur, ok := s.typing[chatID][userID]
		if !ok || cur != mark {
			s.mu.Unlock()
			return
		}
		m := copyTyping(s.typing[chatID])
		delete(m, userID)
		if len(m) == 0 {
			delete(s.typing, chatID)
		} else {
			s.typing[chatID] = m
		}
		s.mu.Unlock()
		s.changed()
	})
}

func (s *Store) setTypingLocked(chatID, userID int64, mark TypingMark) {
	m := copyTyping(s.typing[chatID])
	m[userID] = mark
	s.typing[chatID] = m
}

// Typing returns a copy of the typing state of chatID.
func (s *Store) Typing(chatID int64) map[int64]TypingMark {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyTyping(s.typing[chatID])
}

// SetUserStatus updates the presence of userID in every chat it belongs to.
func (s *Store) SetUserStatus(userID int64, status string) {
	s.mu.Lock()
	now := s.now()
	touched := false
	for i, c := range s.chats {
		for _, m := range c.Members {
			if m.UserID != userID {
				continue
			}
			s.replaceChatLocked(i, func(c *models.Chat) {
				for j := range c.Members {
					if c.Members[j].UserID == userID {
						c.Members[j].Status = status
						c.Members[j].LastActiveAt = now
					}
				}
			})
			touched = true
			break
		}
	}
	s.mu.Unlock()

	if touched {
		s.changed()
	}
}

func (s *Store) replaceChatLocked(i int, mutate func(*models.Chat)) {
	c := s.chats[i].Clone()
	mutate(c)
	next := append([]*models.Chat(nil), s.chats...)
	next[i] = c
	s.chats = next
}

func (s *Store) chatIndex(chatID int64) int {
	for i, c := range s.chats {
		if c.ID == chatID {
			return i
		}
	}
	return -1
}

// resolveAvatar returns the cached avatar of userID or derives one from
// explicit/photo and caches it. Cached entries are never replaced.
func (s *Store) resolveAvatar(userID int64, photo, explicit string) string {
	if userID != 0 {
		if url, ok := s.avatars[userID]; ok {
			return url
		}
	}
	url := explicit
	if url == "" && photo != "" {
		if strings.HasPrefix(photo, "http://") || strings.HasPrefix(photo, "https://") || strings.HasPrefix(photo, "/") {
			url = photo
		} else {
			url = s.opts.AvatarBase + "/" + strconv.FormatInt(userID, 10) + "/" + photo
		}
	}
	if url != "" && userID != 0 {
		s.avatars[userID] = url
	}
	return url
}

func (s *Store) decorateMessage(m *models.Message) {
	if !m.CreatedAt.IsZero() {
		m.DisplayTime = m.CreatedAt.In(s.opts.Location).Format("15:04")
	}
	m.SenderAvatar = s.resolveAvatar(m.SenderID, m.SenderPhoto, m.SenderAvatar)

	if m.FilePath == "" {
		return
	}
	url := m.FilePath
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = s.opts.MediaBase + "/" + strings.TrimPrefix(url, "/")
	}
	switch m.MessageType {
	case models.MessagePhoto:
		if m.PhotoURL == "" {
			m.PhotoURL = url
		}
	case models.MessageVideo:
		if m.VideoURL == "" {
			m.VideoURL = url
		}
	case models.MessageAudio:
		if m.AudioURL == "" {
			m.AudioURL = url
		}
	case models.MessageFile:
		if m.FileURL == "" {
			m.FileURL = url
		}
	}
}

func (s *Store) decorateChat(c *models.Chat) {
	for i := range c.Members {
		mem := &c.Members[i]
		mem.Avatar = s.resolveAvatar(mem.UserID, mem.Photo, mem.Avatar)
	}
	if !c.IsGroup {
		if peer := c.Peer(s.selfID); peer != nil {
			if peer.Name != "" {
				c.Title = peer.Name
			}
			if peer.Avatar != "" {
				c.Avatar = peer.Avatar
			}
		}
	}
	if c.LastMessage != nil {
		s.decorateMessage(c.LastMessage)
	}
}

// AvatarURL returns the cached avatar of userID.
func (s *Store) AvatarURL(userID int64) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	url, ok := s.avatars[userID]
	return url, ok
}

func indexOf(seq []*models.Message, id int64) int {
	i := sort.Search(len(seq), func(i int) bool { return seq[i].ID >= id })
	if i < len(seq) && seq[i].ID == id {
		return i
	}
	return -1
}

func insertSorted(seq []*models.Message, m *models.Message) []*models.Message {
	i := sort.Search(len(seq), func(i int) bool { return seq[i].ID >= m.ID })
	next := make([]*models.Message, 0, len(seq)+1)
	next = append(next, seq[:i]...)
	next = append(next, m)
	next = append(next, seq[i:]...)
	return next
}

func newestByTime(seq []*models.Message) *models.Message {
	var newest *models.Message
	for _, m := range seq {
		if newest == nil || m.CreatedAt.After(newest.CreatedAt) {
			newest = m
		}
	}
	return newest.Clone()
}

func copyTyping(m map[int64]TypingMark) map[int64]TypingMark {
	c := make(map[int64]TypingMark, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
