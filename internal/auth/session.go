package auth

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Preference keys used by the resolver.
const (
	PrefDeviceID  = "device_id"
	PrefAuthToken = "auth_token"
)

// tokenCookies are checked in order.
var tokenCookies = []string{"jwt", "auth_token"}

// PreferenceStore persists small key/value settings.
type PreferenceStore interface {
	GetPreference(key string) (string, error)
	SetPreference(key, value string) error
}

// Session identifies this device to the messenger backend.
type Session struct {
	Token    string
	DeviceID string
}

// Resolver extracts the auth token and the per-device identifier.
type Resolver struct {
	prefs   PreferenceStore
	jar     http.CookieJar
	baseURL *url.URL

	mu      sync.Mutex
	session *Session
}

// NewResolver creates a resolver. jar and baseURL may be nil, in which case
// only persisted storage is consulted for the token.
func NewResolver(prefs PreferenceStore, jar http.CookieJar, baseURL *url.URL) *Resolver {
	return &Resolver{prefs: prefs, jar: jar, baseURL: baseURL}
}

// Resolve returns the current session, creating the device id on first use.
func (r *Resolver) Resolve() (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session != nil {
		return *r.session, nil
	}

	deviceID, err := r.prefs.GetPreference(PrefDeviceID)
	if err != nil {
		return Session{}, fmt.Errorf("failed to read device id: %w", err)
	}
	if deviceID == "" {
		deviceID = uuid.New().String()
		if err := r.prefs.SetPreference(PrefDeviceID, deviceID); err != nil {
			return Session{}, fmt.Errorf("failed to persist device id: %w", err)
		}
	}

	token, err := r.lookupToken()
	if err != nil {
		return Session{}, err
	}

	r.session = &Session{Token: token, DeviceID: deviceID}
	return *r.session, nil
}

// Refresh replaces the token and persists it.
func (r *Resolver) Refresh(token string) error {
	if _, err := r.Resolve(); err != nil {
		return err
	}
	if err := r.prefs.SetPreference(PrefAuthToken, token); err != nil {
		return fmt.Errorf("failed to persist token: %w", err)
	}
	r.mu.Lock()
	r.session = &Session{Token: token, DeviceID: r.session.DeviceID}
	r.mu.Unlock()
	return nil
}

func (r *Resolver) lookupToken() (string, error) {
	if r.jar != nil && r.baseURL != nil {
		cookies := r.jar.Cookies(r.baseURL)
		for _, name := range tokenCookies {
			for _, c := range cookies {
				if c.Name == name && c.Value != "" {
					return c.Value, nil
				}
			}
		}
	}
	token, err := r.prefs.GetPreference(PrefAuthToken)
	if err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return token, nil
}

var mobileMarkers = []string{"mobile", "android", "iphone", "ipad", "ipod", "opera mini", "iemobile"}

// IsMobileUserAgent reports whether ua belongs to a mobile device.
func IsMobileUserAgent(ua string) bool {
	ua = strings.ToLower(ua)
	for _, m := range mobileMarkers {
		if strings.Contains(ua, m) {
			return true
		}
	}
	return false
}
