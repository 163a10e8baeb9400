package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvent_NormalizesSpellings(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		chat  int64
		msg   int64
		user  int64
	}{
		{"camel", `{"type":"message_read","chatId":4,"messageId":9,"userId":2}`, 4, 9, 2},
		{"snake", `{"type":"message_read","chat_id":4,"message_id":9,"user_id":2}`, 4, 9, 2},
		{"mixed", `{"type":"typing_indicator","chat_id":4,"userId":2}`, 4, 0, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseEvent([]byte(tt.frame))
			require.NoError(t, err)
			assert.Equal(t, tt.chat, ev.ChatID)
			assert.Equal(t, tt.msg, ev.MessageID)
			assert.Equal(t, tt.user, ev.UserID)
		})
	}
}

func TestParseEvent_NewMessage(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"new_message","chat_id":99,"message":{"id":7,"sender_id":55,"content":"hi"}}`))
	require.NoError(t, err)

	assert.Equal(t, TypeNewMessage, ev.Type)
	assert.Equal(t, int64(99), ev.ChatID)
	require.NotNil(t, ev.Message)
	assert.Equal(t, int64(7), ev.Message.ID)
	assert.Equal(t, int64(55), ev.Message.SenderID)
	assert.Equal(t, int64(99), ev.Message.ChatID)
}

func TestParseEvent_NewMessageChatFromPayload(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"new_message","message":{"id":1,"chatId":3,"senderId":8}}`))
	require.NoError(t, err)
	assert.Equal(t, int64(3), ev.ChatID)
	assert.Equal(t, int64(8), ev.Message.SenderID)
}

func TestParseEvent_Errors(t *testing.T) {
	for _, frame := range []string{`not json`, `[1,2]`, `{"chat_id":1}`, `{"type":"new_message"}`} {
		_, err := ParseEvent([]byte(frame))
		assert.ErrorIs(t, err, ErrMalformed, frame)
	}
}

func TestParseEvent_UnknownTypePasses(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"gift_received"}`))
	require.NoError(t, err)
	assert.Equal(t, EventType("gift_received"), ev.Type)
}

func TestParseEvent_ConnectedAndError(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"connected","user":{"id":5,"name":"Ann","account_type":"user"}}`))
	require.NoError(t, err)
	require.NotNil(t, ev.User)
	assert.Equal(t, int64(5), ev.User.ID)

	ev, err = ParseEvent([]byte(`{"type":"error","message":"Session expired"}`))
	require.NoError(t, err)
	assert.Equal(t, "Session expired", ev.Error)
	assert.True(t, IsAuthError(ev.Error))
	assert.False(t, IsAuthError("chat not found"))
}

func TestClientFrames(t *testing.T) {
	data, err := json.Marshal(NewReadReceipt(9, 4, "dev"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"read_receipt","messageId":9,"chatId":4,"device_id":"dev"}`, string(data))

	data, err = json.Marshal(NewTyping(4, false))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"typing_end","chatId":4}`, string(data))
}
