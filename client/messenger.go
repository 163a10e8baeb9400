// Package client keeps a local copy of a K-Connect user's chats and messages
// in sync with the messenger backend. A single websocket carries realtime
// events; REST is used for writes, history and as a polling fallback when
// the socket cannot be kept open.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/api"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/auth"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/db"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/gate"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/models"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/protocol"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/store"
)

// Messenger is the public interface of the sync client.
type Messenger struct {
	cfg        Config
	log        *slog.Logger
	db         *db.ClientDB
	httpClient *http.Client
	dialer     Dialer
	jar        http.CookieJar

	sessions *auth.Resolver
	api      *api.Client
	gate     *gate.Gate
	store    *store.Store
	conn     *connection
	reports  errorLog
	updates  chan struct{}

	mu      sync.RWMutex
	user    *models.User
	lastErr string

	ctx    context.Context
	cancel context.CancelFunc

	bgMu    sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// Option configures a Messenger.
type Option func(*Messenger)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Messenger) { m.log = l }
}

// WithDB persists the session and caches messages in database.
func WithDB(database *db.ClientDB) Option {
	return func(m *Messenger) { m.db = database }
}

// WithHTTPClient replaces the HTTP client used for REST calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(m *Messenger) { m.httpClient = hc }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(m *Messenger) { m.dialer = d }
}

// WithCookieJar lets the session resolver read the token from cookies.
func WithCookieJar(jar http.CookieJar) Option {
	return func(m *Messenger) { m.jar = jar }
}

// New creates a Messenger. Nothing touches the network until Start.
func New(cfg Config, opts ...Option) (*Messenger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	m := &Messenger{
		cfg:        cfg,
		log:        slog.Default(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dialer:     &websocket.Dialer{Proxy: http.ProxyFromEnvironment},
		updates:    make(chan struct{}, 1),
		ctx:        context.Background(),
	}
	for _, opt := range opts {
		opt(m)
	}

	var prefs auth.PreferenceStore = newMemPrefs()
	if m.db != nil {
		prefs = m.db
	}
	if cfg.Token != "" {
		if err := prefs.SetPreference(auth.PrefAuthToken, cfg.Token); err != nil {
			return nil, fmt.Errorf("failed to store token: %w", err)
		}
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}
	m.sessions = auth.NewResolver(prefs, m.jar, base)

	apiOpts := []api.Option{
		api.WithHTTPClient(m.httpClient),
		api.WithInterceptor(m.intercept),
		api.WithUserAgent(cfg.UserAgent),
	}
	if cfg.DeleteBaseURL != "" {
		apiOpts = append(apiOpts, api.WithDeleteBase(cfg.DeleteBaseURL))
	}
	m.api = api.New(cfg.BaseURL, m.sessions, apiOpts...)
	m.gate = gate.New(cfg.GateWindow)
	m.store = store.New(store.Options{
		AvatarBase:   cfg.AvatarBaseURL,
		MediaBase:    cfg.MediaBaseURL,
		TypingExpiry: cfg.TypingExpiry,
		Location:     cfg.Location,
	})
	m.store.OnChange(m.notify)
	m.conn = newConnection(cfg, m.log.With("component", "socket"), m.dialer, m.sessions, m.gate, connHooks{
		onEvent:     m.handleEvent,
		onAuthError: m.reportAuthError,
		onChange:    m.notify,
		poll:        m.poll,
		probe:       m.probe,
	})
	return m, nil
}

// Start loads the current user and the chat list and opens the realtime
// connection. Barred accounts stay offline.
func (m *Messenger) Start(ctx context.Context) error {
	if _, err := m.sessions.Resolve(); err != nil {
		return fmt.Errorf("failed to resolve session: %w", err)
	}
	m.ctx, m.cancel = context.WithCancel(ctx)

	user, err := m.api.CurrentUser(m.ctx)
	if err != nil {
		m.fail("get user", err)
	} else if user != nil {
		m.setUser(user)
	}
	if m.barred() {
		m.log.Info("account cannot use the messenger", "user_id", user.ID, "account_type", user.AccountType)
		return nil
	}

	if err := m.RefreshChats(m.ctx); err != nil {
		m.log.Warn("initial chat load failed", "error", err)
	}
	m.conn.start(m.ctx)
	return nil
}

// Stop closes the connection and waits for background work.
func (m *Messenger) Stop() {
	m.bgMu.Lock()
	m.stopped = true
	m.bgMu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.conn.wait()
	m.wg.Wait()
}

// background runs fn in a goroutine that Stop waits for. It reports false
// once Stop has been called.
func (m *Messenger) background(fn func()) bool {
	m.bgMu.Lock()
	defer m.bgMu.Unlock()
	if m.stopped {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
	return true
}

// Updates delivers a value whenever the state may have changed. Bursts are
// coalesced.
func (m *Messenger) Updates() <-chan struct{} {
	return m.updates
}

func (m *Messenger) notify() {
	select {
	case m.updates <- struct{}{}:
	default:
	}
}

func (m *Messenger) setUser(u *models.User) {
	cp := *u
	m.mu.Lock()
	m.user = &cp
	m.mu.Unlock()
	m.store.SetSelf(u.ID)
}

// CurrentUser returns the authenticated user, or nil before it is known.
func (m *Messenger) CurrentUser() *models.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil {
		return nil
	}
	cp := *m.user
	return &cp
}

// barred reports whether the account type may not use the messenger.
func (m *Messenger) barred() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.user != nil && m.user.IsChannel()
}

// LastError returns the text of the last failed REST call.
func (m *Messenger) LastError() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// ErrorReports returns the authentication diagnostics, oldest first.
func (m *Messenger) ErrorReports() []ErrorReport {
	return m.reports.list()
}

func (m *Messenger) fail(op string, err error) error {
	m.mu.Lock()
	m.lastErr = err.Error()
	m.mu.Unlock()
	m.log.Warn("request failed", "op", op, "error", err)
	m.notify()
	return err
}

func (m *Messenger) reportAuthError(kind, message string) {
	m.reports.add(ErrorReport{
		At:        time.Now(),
		Kind:      kind,
		Message:   message,
		UserAgent: m.cfg.UserAgent,
	})
}

// intercept sees every REST response. A 401 from the messenger API hints
// that the realtime session is stale as well.
func (m *Messenger) intercept(req *http.Request, resp *http.Response) {
	if resp.StatusCode != http.StatusUnauthorized || !strings.Contains(req.URL.Path, "/messenger/") {
		return
	}
	m.log.Warn("messenger api rejected session", "path", req.URL.Path)
	m.reportAuthError(ReportHTTP401, req.Method+" "+req.URL.Path)
	m.conn.HealthCheck()
}

// refreshSoon refreshes the chat list in the background. A refresh that
// finished within the gate window is retried once after it.
func (m *Messenger) refreshSoon() {
	m.background(func() {
		for attempt := 0; attempt < 2; attempt++ {
			ran, err := m.gate.Do("chats", func() error { return m.refresh(m.ctx) })
			if ran {
				if err != nil {
					m.log.Warn("chat list refresh failed", "error", err)
				}
				return
			}
			select {
			case <-time.After(m.cfg.GateWindow):
			case <-m.ctx.Done():
				return
			}
		}
	})
}

func (m *Messenger) refresh(ctx context.Context) error {
	chats, err := m.api.Chats(ctx)
	if err != nil {
		return m.fail("get chats", err)
	}
	m.store.MergeChatList(chats)
	return nil
}

// fetchLatest merges the newest page of chatID. An empty first page of a
// freshly seen group chat is retried once when retryGroup is set.
func (m *Messenger) fetchLatest(ctx context.Context, chatID int64, retryGroup bool) error {
	page, err := m.api.Messages(ctx, chatID, 0, m.cfg.PageSize)
	if err != nil {
		return m.fail("get messages", err)
	}
	if len(page.Messages) == 0 && retryGroup && m.shouldRetryEmptyGroup(chatID) {
		m.log.Debug("empty first page of new group chat, retrying", "chat_id", chatID)
		select {
		case <-time.After(m.cfg.GroupRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if page, err = m.api.Messages(ctx, chatID, 0, m.cfg.PageSize); err != nil {
			return m.fail("get messages", err)
		}
	}
	merged := m.mergePage(chatID, page.Messages, false)
	for _, id := range merged.MarkRead {
		if err := m.sendReceipt(ctx, chatID, id); err != nil {
			m.log.Warn("failed to send read receipt", "message_id", id, "error", err)
		}
	}
	return nil
}

func (m *Messenger) shouldRetryEmptyGroup(chatID int64) bool {
	chat, ok := m.store.Chat(chatID)
	if !ok || !chat.IsGroup || len(m.store.Messages(chatID)) > 0 {
		return false
	}
	first, ok := m.store.FirstSeen(chatID)
	return ok && time.Since(first) < m.cfg.GroupRetryWindow
}

func (m *Messenger) mergePage(chatID int64, page []models.Message, older bool) store.Merged {
	for i := range page {
		page[i].ChatID = chatID
	}
	merged := m.store.MergeMessages(chatID, page, older, m.cfg.PageSize)
	m.cacheMessages(chatID, page...)
	return merged
}

func (m *Messenger) cacheMessages(chatID int64, msgs ...models.Message) {
	if m.db == nil {
		return
	}
	for i := range msgs {
		msg := msgs[i]
		msg.ChatID = chatID
		cm, err := db.NewCachedMessage(&msg)
		if err == nil {
			err = m.db.CacheMessage(cm)
		}
		if err != nil {
			m.log.Warn("failed to cache message", "message_id", msg.ID, "error", err)
		}
	}
}

func (m *Messenger) seedFromCache(chatID int64) {
	if m.db == nil || len(m.store.Messages(chatID)) > 0 {
		return
	}
	cached, err := m.db.GetCachedMessages(chatID, m.cfg.PageSize)
	if err != nil {
		m.log.Warn("failed to read message cache", "chat_id", chatID, "error", err)
		return
	}
	if len(cached) > 0 {
		m.store.SeedMessages(chatID, cached)
	}
}

func (m *Messenger) sendReceipt(ctx context.Context, chatID, messageID int64) error {
	s, err := m.sessions.Resolve()
	if err != nil {
		return err
	}
	if err := m.conn.Send(protocol.NewReadReceipt(messageID, chatID, s.DeviceID)); err == nil {
		return nil
	}
	if err := m.api.MarkRead(ctx, messageID); err != nil {
		return m.fail("mark read", err)
	}
	return nil
}

func key(prefix string, id int64) string {
	return prefix + ":" + strconv.FormatInt(id, 10)
}

// memPrefs keeps preferences in memory when no database is configured.
type memPrefs struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemPrefs() *memPrefs {
	return &memPrefs{values: make(map[string]string)}
}

func (p *memPrefs) GetPreference(key string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[key], nil
}

func (p *memPrefs) SetPreference(key, value string) error {
	p.mu.Lock()
	p.values[key] = value
	p.mu.Unlock()
	return nil
}
