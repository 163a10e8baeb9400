package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/models"
)

// AddUser adds an account. A non-empty token authenticates as that user.
func (s *Server) AddUser(u models.User, token string) models.User {
	return s.data.addUser(u, token)
}

// RevokeToken makes token stop authenticating. Open sockets stay open.
func (s *Server) RevokeToken(token string) {
	s.data.revokeToken(token)
}

// CreateChat creates a chat. Members are notified with chat_update.
func (s *Server) CreateChat(isGroup bool, title string, memberIDs ...int64) models.Chat {
	chat := s.data.createChat(isGroup, title, memberIDs, false)
	s.publishChat(chat)
	return chat
}

// CreateChatQuietly creates a chat without notifying anyone, as if the
// notification was lost.
func (s *Server) CreateChatQuietly(isGroup bool, title string, memberIDs ...int64) models.Chat {
	return s.data.createChat(isGroup, title, memberIDs, false)
}

// PostMessage stores a text message from senderID and delivers it.
func (s *Server) PostMessage(chatID, senderID int64, text string) (models.Message, error) {
	m, err := s.data.addMessage(chatID, senderID, models.Message{Content: text})
	if err != nil {
		return models.Message{}, err
	}
	s.publishMessage(m)
	return m, nil
}

// PostMessageQuietly stores a message without delivering it.
func (s *Server) PostMessageQuietly(chatID, senderID int64, text string) (models.Message, error) {
	return s.data.addMessage(chatID, senderID, models.Message{Content: text})
}

// ReadBy returns the users that read messageID.
func (s *Server) ReadBy(messageID int64) []int64 {
	return s.data.readBy(messageID)
}

// RejectSockets makes websocket upgrades fail with 503 while on.
func (s *Server) RejectSockets(on bool) {
	s.rejectSockets.Store(on)
}

// DropSockets cuts every socket without a close handshake.
func (s *Server) DropSockets() {
	for _, c := range s.hub.Clients() {
		c.conn.NetConn().Close()
	}
}

// CloseSockets closes every socket with the given close code.
func (s *Server) CloseSockets(code int, text string) {
	for _, c := range s.hub.Clients() {
		c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
		c.conn.Close()
	}
}

// SilenceSockets stops all traffic to the currently open sockets while
// keeping them open.
func (s *Server) SilenceSockets() {
	for _, c := range s.hub.Clients() {
		c.silent.Store(true)
	}
}

// EmptyReads makes the next n history reads of chatID return no messages,
// as a lagging replica would.
func (s *Server) EmptyReads(chatID int64, n int) {
	s.emptyMu.Lock()
	s.emptyReads[chatID] = n
	s.emptyMu.Unlock()
}

// ConnectedUsers returns the ids of users with an open socket.
func (s *Server) ConnectedUsers() []int64 {
	seen := make(map[int64]bool)
	var out []int64
	for _, c := range s.hub.Clients() {
		if !seen[c.user.ID] {
			seen[c.user.ID] = true
			out = append(out, c.user.ID)
		}
	}
	return out
}

// Seed loads a small demo dataset and returns the token of the first user.
func (s *Server) Seed() string {
	ann := s.AddUser(models.User{Name: "Ann", Username: "ann", Photo: "ann.png"}, "ann-token")
	bob := s.AddUser(models.User{Name: "Bob", Username: "bob"}, "bob-token")
	news := s.AddUser(models.User{Name: "News", Username: "news", AccountType: models.AccountChannel}, "news-token")

	direct := s.CreateChat(false, "", ann.ID, bob.ID)
	team := s.CreateChat(true, "Team", ann.ID, bob.ID)
	s.CreateChat(false, "", ann.ID, news.ID)

	s.PostMessage(direct.ID, bob.ID, "Hi Ann")
	s.PostMessage(team.ID, ann.ID, "Welcome to the team chat")
	return "ann-token"
}

// AdminHandler handles sandbox admin requests.
type AdminHandler struct {
	s *Server
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(s *Server) *AdminHandler {
	return &AdminHandler{s: s}
}

func (a *AdminHandler) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (a *AdminHandler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// HandleUsers creates a user.
func (a *AdminHandler) HandleUsers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User  models.User `json:"user"`
		Token string      `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	user := a.s.AddUser(req.User, req.Token)
	w.WriteHeader(http.StatusCreated)
	a.writeJSON(w, user)
}

// HandleChats creates a chat.
func (a *AdminHandler) HandleChats(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IsGroup   bool    `json:"is_group"`
		Title     string  `json:"title"`
		MemberIDs []int64 `json:"member_ids"`
		Quiet     bool    `json:"quiet"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.MemberIDs) == 0 {
		a.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	var chat models.Chat
	if req.Quiet {
		chat = a.s.CreateChatQuietly(req.IsGroup, req.Title, req.MemberIDs...)
	} else {
		chat = a.s.CreateChat(req.IsGroup, req.Title, req.MemberIDs...)
	}
	w.WriteHeader(http.StatusCreated)
	a.writeJSON(w, chat)
}

// HandleMessages posts a message on behalf of a user.
func (a *AdminHandler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathID(r)
	if !ok {
		a.writeError(w, http.StatusBadRequest, "Missing chat ID")
		return
	}
	var req struct {
		SenderID int64  `json:"sender_id"`
		Text     string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	msg, err := a.s.PostMessage(chatID, req.SenderID, req.Text)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
	a.writeJSON(w, msg)
}

// HandleFaults toggles connection faults.
func (a *AdminHandler) HandleFaults(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RejectSockets  *bool  `json:"reject_sockets"`
		DropSockets    bool   `json:"drop_sockets"`
		SilenceSockets bool   `json:"silence_sockets"`
		CloseCode      int    `json:"close_code"`
		RevokeToken    string `json:"revoke_token"`
		EmptyReads     *struct {
			ChatID int64 `json:"chat_id"`
			Count  int   `json:"count"`
		} `json:"empty_reads"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.RejectSockets != nil {
		a.s.RejectSockets(*req.RejectSockets)
	}
	if req.SilenceSockets {
		a.s.SilenceSockets()
	}
	if req.DropSockets {
		a.s.DropSockets()
	}
	if req.CloseCode != 0 {
		a.s.CloseSockets(req.CloseCode, "closed by admin")
	}
	if req.RevokeToken != "" {
		a.s.RevokeToken(req.RevokeToken)
	}
	if req.EmptyReads != nil {
		a.s.EmptyReads(req.EmptyReads.ChatID, req.EmptyReads.Count)
	}
	w.WriteHeader(http.StatusNoContent)
}
