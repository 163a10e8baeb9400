package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kconnect-labs/k-connect-dev-sub012/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSession auth.Session

func (s staticSession) Resolve() (auth.Session, error) { return auth.Session(s), nil }

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithDeleteBase(srv.URL + "/api")}, opts...)
	return New(srv.URL+"/apiMes", staticSession{Token: "tok", DeviceID: "dev-1"}, opts...)
}

func TestMessages_QueryAndAuth(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/apiMes/messenger/chats/42/messages", r.URL.Path)
		assert.Equal(t, "17", r.URL.Query().Get("before_id"))
		assert.Equal(t, "30", r.URL.Query().Get("limit"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		io.WriteString(w, `{"success":true,"messages":[{"id":15},{"id":16}],"has_moderator_messages":true}`)
	})

	page, err := c.Messages(context.Background(), 42, 17, 30)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.True(t, page.HasModeratorMessages)
}

func TestSendMessage_Body(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Hello", body["text"])
		assert.Equal(t, "dev-1", body["device_id"])
		assert.Nil(t, body["reply_to_id"])
		io.WriteString(w, `{"success":true,"message":{"id":100,"chat_id":42,"content":"Hello"}}`)
	})

	msg, err := c.SendMessage(context.Background(), 42, "Hello", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(100), msg.ID)
}

func TestUploadFile_Multipart(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "photo", r.FormValue("message_type"))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "cat.jpg", hdr.Filename)
		io.WriteString(w, `{"success":true,"message":{"id":5,"message_type":"photo"}}`)
	})

	msg, err := c.UploadFile(context.Background(), 1, Upload{Name: "cat.jpg", Content: strings.NewReader("jpeg"), MessageType: "photo"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), msg.ID)
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{"unauthorized", 401, `{"success":false,"error":"no session"}`, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrUnauthorized)
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, "no session", apiErr.Message)
		}},
		{"not json", 200, `<html>`, func(t *testing.T, err error) {
			var pe *ParseError
			assert.True(t, errors.As(err, &pe))
		}},
		{"unsuccessful", 200, `{"success":false,"error":"chat not found"}`, func(t *testing.T, err error) {
			assert.Contains(t, err.Error(), "chat not found")
			assert.NotErrorIs(t, err, ErrUnauthorized)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})
			_, err := c.Chats(context.Background())
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestMissingPayload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"success":true}`)
	})
	ctx := context.Background()

	calls := map[string]func() (any, error){
		"send message":  func() (any, error) { return c.SendMessage(ctx, 42, "Hello", 0) },
		"upload file":   func() (any, error) { return c.UploadFile(ctx, 42, Upload{Name: "a.txt", Content: strings.NewReader("a")}) },
		"get chat":      func() (any, error) { return c.Chat(ctx, 42) },
		"get user":      func() (any, error) { return c.CurrentUser(ctx) },
		"get user info": func() (any, error) { return c.User(ctx, 7) },
	}
	for op, call := range calls {
		t.Run(op, func(t *testing.T) {
			_, err := call()
			require.Error(t, err)
			var pe *ParseError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, op, pe.Op)
			assert.ErrorIs(t, err, ErrMissingPayload)
		})
	}
}

func TestInterceptorSeesResponses(t *testing.T) {
	var seen []int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, WithInterceptor(func(req *http.Request, resp *http.Response) {
		seen = append(seen, resp.StatusCode)
	}))

	_, err := c.Chats(context.Background())
	require.Error(t, err)
	assert.Equal(t, []int{401}, seen)
}

func TestDeleteAndPing(t *testing.T) {
	var paths []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		if r.URL.Path == "/apiMes/ping" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		io.WriteString(w, `{"success":true}`)
	})

	require.NoError(t, c.DeleteMessage(context.Background(), 9))
	require.NoError(t, c.DeleteChat(context.Background(), 3))
	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, []string{
		"DELETE /api/messenger/messages/9",
		"DELETE /api/messenger/chats/3",
		"GET /apiMes/ping",
	}, paths)
}
