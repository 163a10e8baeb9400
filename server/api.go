package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/models"
)

type ctxKey struct{}

func userFrom(ctx context.Context) *models.User {
	u, _ := ctx.Value(ctxKey{}).(*models.User)
	return u
}

// authed resolves the bearer token before calling next.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		user, ok := s.data.userByToken(token)
		if token == "" || !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, user)))
	}
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	if body == nil {
		body = map[string]any{}
	}
	body["success"] = status < 300
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func writeDataError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, errForbidden):
		writeError(w, http.StatusForbidden, "Access denied")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"user": userFrom(r.Context())})
}

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request) {
	chats := s.data.chatsOf(userFrom(r.Context()).ID)
	if chats == nil {
		chats = []models.Chat{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid chat id")
		return
	}
	chat, err := s.data.chat(id, userFrom(r.Context()).ID)
	if err != nil {
		writeDataError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat": chat})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid chat id")
		return
	}
	if _, err := s.data.chat(id, userFrom(r.Context()).ID); err != nil {
		writeDataError(w, err)
		return
	}

	limit := 30
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 100 {
		limit = l
	}
	before, _ := strconv.ParseInt(r.URL.Query().Get("before_id"), 10, 64)

	messages := []models.Message{}
	if !s.consumeEmptyRead(id) {
		messages = s.data.history(id, before, limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages, "has_moderator_messages": false})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid chat id")
		return
	}
	var req struct {
		Text      string `json:"text"`
		ReplyToID *int64 `json:"reply_to_id"`
		DeviceID  string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	m := models.Message{Content: req.Text}
	if req.ReplyToID != nil {
		m.ReplyToID = *req.ReplyToID
	}
	msg, err := s.data.addMessage(id, userFrom(r.Context()).ID, m)
	if err != nil {
		writeDataError(w, err)
		return
	}
	s.publishMessage(msg)
	writeJSON(w, http.StatusOK, map[string]any{"message": msg})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid chat id")
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart body")
		return
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing file")
		return
	}
	defer f.Close()
	io.Copy(io.Discard, f)

	kind := r.FormValue("message_type")
	if kind == "" {
		kind = models.MessageFile
	}
	m := models.Message{
		Content:     hdr.Filename,
		MessageType: kind,
		FilePath:    "/chats/" + strconv.FormatInt(id, 10) + "/" + uuid.NewString() + filepath.Ext(hdr.Filename),
	}
	if reply, err := strconv.ParseInt(r.FormValue("reply_to_id"), 10, 64); err == nil {
		m.ReplyToID = reply
	}
	msg, err := s.data.addMessage(id, userFrom(r.Context()).ID, m)
	if err != nil {
		writeDataError(w, err)
		return
	}
	s.publishMessage(msg)
	writeJSON(w, http.StatusOK, map[string]any{"message": msg})
}

func (s *Server) handleCreatePersonal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    int64 `json:"user_id"`
		Encrypted bool  `json:"encrypted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if _, ok := s.data.user(req.UserID); !ok {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	chat := s.data.personalChat(userFrom(r.Context()).ID, req.UserID, req.Encrypted)
	s.publishChat(chat)
	writeJSON(w, http.StatusOK, map[string]any{"chat_id": chat.ID})
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title     string  `json:"title"`
		MemberIDs []int64 `json:"member_ids"`
		Encrypted bool    `json:"encrypted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	members := append([]int64{userFrom(r.Context()).ID}, req.MemberIDs...)
	chat := s.data.createChat(true, req.Title, members, req.Encrypted)
	s.publishChat(chat)
	writeJSON(w, http.StatusOK, map[string]any{"chat_id": chat.ID})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid message id")
		return
	}
	s.markRead(id, userFrom(r.Context()).ID)
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleSearchUsers(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	users := s.data.searchUsers(r.URL.Query().Get("query"), limit)
	if users == nil {
		users = []models.User{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user id")
		return
	}
	user, found := s.data.user(id)
	if !found {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid message id")
		return
	}
	if _, err := s.data.deleteMessage(id, userFrom(r.Context()).ID); err != nil {
		writeDataError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid chat id")
		return
	}
	if err := s.data.deleteChat(id, userFrom(r.Context()).ID); err != nil {
		writeDataError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) consumeEmptyRead(chatID int64) bool {
	s.emptyMu.Lock()
	defer s.emptyMu.Unlock()
	if s.emptyReads[chatID] <= 0 {
		return false
	}
	s.emptyReads[chatID]--
	return true
}
