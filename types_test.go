package eventra_test

import (
	"encoding/json"
	"testing"

	eventra "github.com/eventra-market/eventra-go"
	"github.com/stretchr/testify/require"
)

func TestMessageUnmarshalLegacyContent(t *testing.T) {
	t.Run("bracket array becomes image attachments", func(t *testing.T) {
		raw := `{"id":"m1","senderId":"u1","type":"text","content":"[\"https://cdn/a.png\",\"https://cdn/b.png\"]","createdAt":"2026-03-01T12:00:00Z"}`

		var m eventra.Message
		require.NoError(t, json.Unmarshal([]byte(raw), &m))

		require.Equal(t, eventra.KindImages, m.Kind)
		require.Empty(t, m.Content)
		require.Len(t, m.Attachments, 2)
		require.Equal(t, "https://cdn/a.png", m.Attachments[0].URL)
	})

	t.Run("single url array becomes one image", func(t *testing.T) {
		raw := `{"id":"m1","senderId":"u1","content":"[\"https://cdn/a.png\"]","createdAt":"2026-03-01T12:00:00Z"}`

		var m eventra.Message
		require.NoError(t, json.Unmarshal([]byte(raw), &m))
		require.Equal(t, eventra.KindImage, m.Kind)
		require.Len(t, m.Attachments, 1)
	})

	t.Run("text starting with a bracket stays text", func(t *testing.T) {
		raw := `{"id":"m1","senderId":"u1","type":"text","content":"[urgent] call me","createdAt":"2026-03-01T12:00:00Z"}`

		var m eventra.Message
		require.NoError(t, json.Unmarshal([]byte(raw), &m))
		require.Equal(t, eventra.KindText, m.Kind)
		require.Equal(t, "[urgent] call me", m.Content)
		require.Empty(t, m.Attachments)
	})

	t.Run("explicit document kind is preserved", func(t *testing.T) {
		raw := `{"id":"m1","senderId":"u1","type":"document","content":"[\"https://cdn/contract.pdf\"]","createdAt":"2026-03-01T12:00:00Z"}`

		var m eventra.Message
		require.NoError(t, json.Unmarshal([]byte(raw), &m))
		require.Equal(t, eventra.KindDocument, m.Kind)
		require.Len(t, m.Attachments, 1)
	})

	t.Run("missing kind defaults to text", func(t *testing.T) {
		raw := `{"id":"m1","senderId":"u1","content":"plain","createdAt":"2026-03-01T12:00:00Z"}`

		var m eventra.Message
		require.NoError(t, json.Unmarshal([]byte(raw), &m))
		require.Equal(t, eventra.KindText, m.Kind)
	})
}

func TestChatResultDecode(t *testing.T) {
	raw := `{"ok":true,"data":{"conversationId":"c1","message":{"id":"m1","senderId":"u1","type":"text","content":"hi","createdAt":"2026-03-01T12:00:00Z"}}}`

	var res eventra.ChatResult
	require.NoError(t, json.Unmarshal([]byte(raw), &res))
	require.True(t, res.OK)

	var data eventra.SentMessageData
	require.NoError(t, res.Decode(&data))
	require.Equal(t, "c1", data.ConversationID)
	require.Equal(t, "hi", data.Message.Content)
}

func TestAPIError(t *testing.T) {
	err := &eventra.APIError{Code: "SEND_REJECTED", Message: "too long"}
	require.Equal(t, "SEND_REJECTED: too long", err.Error())
}
