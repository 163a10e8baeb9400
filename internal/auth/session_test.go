package auth

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPrefs map[string]string

func (m memPrefs) GetPreference(key string) (string, error) { return m[key], nil }
func (m memPrefs) SetPreference(key, value string) error    { m[key] = value; return nil }

func TestResolve_DeviceIDStable(t *testing.T) {
	prefs := memPrefs{}

	s1, err := NewResolver(prefs, nil, nil).Resolve()
	require.NoError(t, err)
	require.NotEmpty(t, s1.DeviceID)

	s2, err := NewResolver(prefs, nil, nil).Resolve()
	require.NoError(t, err)
	assert.Equal(t, s1.DeviceID, s2.DeviceID)
}

func TestResolve_TokenSources(t *testing.T) {
	base, _ := url.Parse("https://k-connect.test")
	prefs := memPrefs{PrefAuthToken: "stored"}

	s, err := NewResolver(prefs, nil, base).Resolve()
	require.NoError(t, err)
	assert.Equal(t, "stored", s.Token)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	jar.SetCookies(base, []*http.Cookie{{Name: "jwt", Value: "cookie"}})

	s, err = NewResolver(prefs, jar, base).Resolve()
	require.NoError(t, err)
	assert.Equal(t, "cookie", s.Token)
}

func TestRefresh(t *testing.T) {
	prefs := memPrefs{}
	r := NewResolver(prefs, nil, nil)

	before, err := r.Resolve()
	require.NoError(t, err)
	require.NoError(t, r.Refresh("new"))

	after, err := r.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "new", after.Token)
	assert.Equal(t, before.DeviceID, after.DeviceID)
	assert.Equal(t, "new", prefs[PrefAuthToken])
}

func TestIsMobileUserAgent(t *testing.T) {
	assert.True(t, IsMobileUserAgent("Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)"))
	assert.True(t, IsMobileUserAgent("Mozilla/5.0 (Linux; Android 14) Mobile"))
	assert.False(t, IsMobileUserAgent("Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0"))
	assert.False(t, IsMobileUserAgent(""))
}
