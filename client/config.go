package client

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/kconnect-labs/k-connect-dev-sub012/internal/auth"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/gate"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/store"
)

// Default endpoints of the production backend.
const (
	DefaultBaseURL    = "https://k-connect.ru/apiMes"
	DefaultSocketURL  = "wss://k-connect.ru/ws/messenger"
	DefaultAvatarBase = "https://k-connect.ru/static/uploads/avatar"
	DefaultMediaBase  = "https://k-connect.ru/apiMes/messenger/files"
)

// Config holds endpoints and timings of a Messenger.
type Config struct {
	// BaseURL is the messenger REST root, e.g. https://k-connect.ru/apiMes.
	BaseURL string
	// DeleteBaseURL is the root of the delete endpoints. Empty derives
	// <origin of BaseURL>/api.
	DeleteBaseURL string
	SocketURL     string
	AvatarBaseURL string
	MediaBaseURL  string

	// Token seeds the persisted auth token. Cookies still take precedence.
	Token     string
	UserAgent string
	Mobile    bool

	ConnectTimeout   time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	LivenessInterval time.Duration
	LivenessTimeout  time.Duration
	WatchdogInterval time.Duration

	Backoff                Backoff
	AbnormalReconnectDelay time.Duration
	AuthReconnectDelay     time.Duration

	// FallbackThreshold is the failure count above which polling starts.
	FallbackThreshold int
	PollInterval      time.Duration
	ProbeProbability  float64

	PageSize         int
	GroupRetryWindow time.Duration
	GroupRetryDelay  time.Duration

	GateWindow   time.Duration
	TypingExpiry time.Duration
	Location     *time.Location
}

// DefaultConfig returns the production configuration for a device with the
// given user agent. Mobile agents get shorter heartbeats and backoff.
func DefaultConfig(userAgent string) Config {
	cfg := Config{
		BaseURL:       DefaultBaseURL,
		SocketURL:     DefaultSocketURL,
		AvatarBaseURL: DefaultAvatarBase,
		MediaBaseURL:  DefaultMediaBase,
		UserAgent:     userAgent,
		Mobile:        auth.IsMobileUserAgent(userAgent),

		WriteTimeout:     10 * time.Second,
		LivenessInterval: 15 * time.Second,
		LivenessTimeout:  45 * time.Second,
		WatchdogInterval: 60 * time.Second,

		AbnormalReconnectDelay: time.Second,
		AuthReconnectDelay:     3 * time.Second,

		FallbackThreshold: 5,
		PollInterval:      5 * time.Second,
		ProbeProbability:  0.3,

		PageSize:         30,
		GroupRetryWindow: 10 * time.Second,
		GroupRetryDelay:  time.Second,

		GateWindow:   gate.DefaultWindow,
		TypingExpiry: store.DefaultTypingExpiry,
		Location:     time.Local,
	}
	if cfg.Mobile {
		cfg.ConnectTimeout = 15 * time.Second
		cfg.PingInterval = 10 * time.Second
		cfg.Backoff = Backoff{Base: 800 * time.Millisecond, Max: 15 * time.Second, ForceAfter: 5}
	} else {
		cfg.ConnectTimeout = 10 * time.Second
		cfg.PingInterval = 30 * time.Second
		cfg.Backoff = Backoff{Base: time.Second, Max: 30 * time.Second, ForceAfter: 5}
	}
	return cfg
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() error {
	var errs []error

	for _, u := range []struct {
		name, value string
		schemes     []string
	}{
		{"base url", c.BaseURL, []string{"http", "https"}},
		{"socket url", c.SocketURL, []string{"ws", "wss"}},
	} {
		parsed, err := url.Parse(u.value)
		if u.value == "" || err != nil || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("%s %q is not an absolute url", u.name, u.value))
			continue
		}
		if !oneOf(parsed.Scheme, u.schemes) {
			errs = append(errs, fmt.Errorf("%s %q must use one of %v", u.name, u.value, u.schemes))
		}
	}

	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"connect timeout", c.ConnectTimeout},
		{"write timeout", c.WriteTimeout},
		{"ping interval", c.PingInterval},
		{"liveness interval", c.LivenessInterval},
		{"liveness timeout", c.LivenessTimeout},
		{"watchdog interval", c.WatchdogInterval},
		{"poll interval", c.PollInterval},
		{"backoff base", c.Backoff.Base},
		{"backoff max", c.Backoff.Max},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}

	if c.Backoff.Max < c.Backoff.Base {
		errs = append(errs, errors.New("backoff max must not be below backoff base"))
	}
	if c.FallbackThreshold < 0 {
		errs = append(errs, errors.New("fallback threshold must not be negative"))
	}
	if c.ProbeProbability < 0 || c.ProbeProbability > 1 {
		errs = append(errs, errors.New("probe probability must be within [0,1]"))
	}
	if c.PageSize <= 0 {
		errs = append(errs, errors.New("page size must be positive"))
	}

	return errors.Join(errs...)
}

func oneOf(s string, options []string) bool {
	for _, o := range options {
		if s == o {
			return true
		}
	}
	return false
}
