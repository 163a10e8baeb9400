// Package api is the REST client for the messenger endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kconnect-labs/k-connect-dev-sub012/internal/auth"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/models"
)

// SessionSource yields the current session for each request.
type SessionSource interface {
	Resolve() (auth.Session, error)
}

// Interceptor observes every response before it is decoded.
type Interceptor func(req *http.Request, resp *http.Response)

// Client talks to the messenger REST API.
type Client struct {
	base       string // e.g. https://k-connect.ru/apiMes
	deleteBase string // e.g. https://k-connect.ru/api
	http       *http.Client
	sessions   SessionSource
	intercept  Interceptor
	userAgent  string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithInterceptor installs a response interceptor.
func WithInterceptor(fn Interceptor) Option {
	return func(c *Client) { c.intercept = fn }
}

// WithDeleteBase overrides the base used by delete endpoints.
func WithDeleteBase(base string) Option {
	return func(c *Client) { c.deleteBase = strings.TrimSuffix(base, "/") }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// New creates a client rooted at base. Delete endpoints default to
// <origin of base>/api.
func New(base string, sessions SessionSource, opts ...Option) *Client {
	base = strings.TrimSuffix(base, "/")
	c := &Client{
		base:     base,
		http:     &http.Client{Timeout: 30 * time.Second},
		sessions: sessions,
	}
	if u, err := url.Parse(base); err == nil {
		c.deleteBase = u.Scheme + "://" + u.Host + "/api"
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// MessagesPage is one page of chat history.
type MessagesPage struct {
	Messages             []models.Message `json:"messages"`
	HasModeratorMessages bool             `json:"has_moderator_messages"`
}

// Upload describes a file sent to a chat.
type Upload struct {
	Name        string
	Content     io.Reader
	MessageType string
	ReplyToID   int64
}

// CurrentUser returns the authenticated user.
func (c *Client) CurrentUser(ctx context.Context) (*models.User, error) {
	var out struct {
		User *models.User `json:"user"`
	}
	if err := c.getJSON(ctx, "get user", c.base+"/messenger/user", &out); err != nil {
		return nil, err
	}
	if out.User == nil {
		return nil, missing("get user", "user")
	}
	return out.User, nil
}

// Chats returns the user's chat list.
func (c *Client) Chats(ctx context.Context) ([]models.Chat, error) {
	var out struct {
		Chats []models.Chat `json:"chats"`
	}
	if err := c.getJSON(ctx, "get chats", c.base+"/messenger/chats", &out); err != nil {
		return nil, err
	}
	return out.Chats, nil
}

// Chat returns one chat.
func (c *Client) Chat(ctx context.Context, chatID int64) (*models.Chat, error) {
	var out struct {
		Chat *models.Chat `json:"chat"`
	}
	if err := c.getJSON(ctx, "get chat", c.base+"/messenger/chats/"+id(chatID), &out); err != nil {
		return nil, err
	}
	if out.Chat == nil {
		return nil, missing("get chat", "chat")
	}
	return out.Chat, nil
}

// Messages returns up to limit messages older than beforeID. A zero
// beforeID returns the newest page.
func (c *Client) Messages(ctx context.Context, chatID, beforeID int64, limit int) (*MessagesPage, error) {
	q := url.Values{}
	if beforeID > 0 {
		q.Set("before_id", id(beforeID))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u := c.base + "/messenger/chats/" + id(chatID) + "/messages"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var out MessagesPage
	if err := c.getJSON(ctx, "get messages", u, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMessage posts a text message.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, replyToID int64) (*models.Message, error) {
	s, err := c.sessions.Resolve()
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"text":        text,
		"reply_to_id": nullableID(replyToID),
		"device_id":   s.DeviceID,
	}
	var out struct {
		Message *models.Message `json:"message"`
	}
	if err := c.postJSON(ctx, "send message", c.base+"/messenger/chats/"+id(chatID)+"/messages", body, &out); err != nil {
		return nil, err
	}
	if out.Message == nil {
		return nil, missing("send message", "message")
	}
	return out.Message, nil
}

// UploadFile sends a file as a message.
func (c *Client) UploadFile(ctx context.Context, chatID int64, up Upload) (*models.Message, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", up.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, up.Content); err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if err := w.WriteField("message_type", up.MessageType); err != nil {
		return nil, err
	}
	if up.ReplyToID > 0 {
		if err := w.WriteField("reply_to_id", id(up.ReplyToID)); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	var out struct {
		Message *models.Message `json:"message"`
	}
	u := c.base + "/messenger/chats/" + id(chatID) + "/upload"
	if err := c.do(ctx, "upload file", http.MethodPost, u, &buf, w.FormDataContentType(), &out); err != nil {
		return nil, err
	}
	if out.Message == nil {
		return nil, missing("upload file", "message")
	}
	return out.Message, nil
}

// CreatePersonalChat opens (or returns) the 1:1 chat with userID.
func (c *Client) CreatePersonalChat(ctx context.Context, userID int64, encrypted bool) (int64, error) {
	var out struct {
		ChatID int64 `json:"chat_id"`
	}
	body := map[string]any{"user_id": userID, "encrypted": encrypted}
	if err := c.postJSON(ctx, "create personal chat", c.base+"/messenger/chats/personal", body, &out); err != nil {
		return 0, err
	}
	return out.ChatID, nil
}

// CreateGroupChat creates a group chat.
func (c *Client) CreateGroupChat(ctx context.Context, title string, memberIDs []int64, encrypted bool) (int64, error) {
	var out struct {
		ChatID int64 `json:"chat_id"`
	}
	body := map[string]any{"title": title, "member_ids": memberIDs, "encrypted": encrypted}
	if err := c.postJSON(ctx, "create group chat", c.base+"/messenger/chats/group", body, &out); err != nil {
		return 0, err
	}
	return out.ChatID, nil
}

// MarkRead marks a message read.
func (c *Client) MarkRead(ctx context.Context, messageID int64) error {
	return c.postJSON(ctx, "mark read", c.base+"/messenger/read/"+id(messageID), nil, nil)
}

// SearchUsers searches users by name.
func (c *Client) SearchUsers(ctx context.Context, query string, limit int) ([]models.User, error) {
	q := url.Values{"query": {query}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Users []models.User `json:"users"`
	}
	if err := c.getJSON(ctx, "search users", c.base+"/messenger/users/search?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

// User returns a user by id.
func (c *Client) User(ctx context.Context, userID int64) (*models.User, error) {
	var out struct {
		User *models.User `json:"user"`
	}
	if err := c.getJSON(ctx, "get user info", c.base+"/messenger/users/"+id(userID), &out); err != nil {
		return nil, err
	}
	if out.User == nil {
		return nil, missing("get user info", "user")
	}
	return out.User, nil
}

// DeleteMessage deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, messageID int64) error {
	return c.do(ctx, "delete message", http.MethodDelete, c.deleteBase+"/messenger/messages/"+id(messageID), nil, "", nil)
}

// DeleteChat deletes a chat.
func (c *Client) DeleteChat(ctx context.Context, chatID int64) error {
	return c.do(ctx, "delete chat", http.MethodDelete, c.deleteBase+"/messenger/chats/"+id(chatID), nil, "", nil)
}

// Ping probes reachability. Any 2xx response counts.
func (c *Client) Ping(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, c.base+"/ping", nil, "")
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to ping: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Op: "ping", Status: resp.StatusCode}
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, op, u string, out any) error {
	return c.do(ctx, op, http.MethodGet, u, nil, "", out)
}

func (c *Client) postJSON(ctx context.Context, op, u string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		r = bytes.NewReader(data)
	}
	return c.do(ctx, op, http.MethodPost, u, r, "application/json", out)
}

func (c *Client) newRequest(ctx context.Context, method, u string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.sessions != nil {
		s, err := c.sessions.Resolve()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve session: %w", err)
		}
		if s.Token != "" {
			req.Header.Set("Authorization", "Bearer "+s.Token)
		}
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, op, method, u string, body io.Reader, contentType string, out any) error {
	req, err := c.newRequest(ctx, method, u, body, contentType)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	defer resp.Body.Close()

	if c.intercept != nil {
		c.intercept(req, resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	var env envelope
	jsonErr := json.Unmarshal(data, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Op: op, Status: resp.StatusCode, Message: env.Error}
	}
	if jsonErr != nil {
		return &ParseError{Op: op, Err: jsonErr}
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = "request was not successful"
		}
		return &APIError{Op: op, Status: resp.StatusCode, Message: msg}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return &ParseError{Op: op, Err: err}
		}
	}
	return nil
}

func id(v int64) string {
	return strconv.FormatInt(v, 10)
}

func nullableID(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
