package dmsync

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Message decoding
// ============================================================================

func TestMessageUnmarshal(t *testing.T) {
	t.Run("structured fields", func(t *testing.T) {
		var m Message
		require.NoError(t, json.Unmarshal([]byte(`{
			"id": 42, "roomId": "r1", "sender": "a", "receiver": "b", "content": "hi",
			"status": "SEEN", "deletedFor": ["b", "b"],
			"replyTo": {"id": "7", "sender": "b", "content": "earlier"},
			"reactions": {"👍": ["a", "b"], "😂": []}
		}`), &m))

		assert.Equal(t, "42", m.ID)
		assert.Equal(t, "r1", m.RoomID)
		assert.Equal(t, StatusSeen, m.Status)
		assert.Equal(t, ContentText, m.Type)
		assert.True(t, m.HiddenFor("b"))
		assert.Len(t, m.DeletedFor, 1)
		require.NotNil(t, m.ReplyTo)
		assert.Equal(t, ReplyRef{ID: "7", Sender: "b", Content: "earlier"}, *m.ReplyTo)
		assert.Equal(t, map[string][]string{"👍": {"a", "b"}}, m.Reactions.Visible())
	})

	t.Run("string encoded fields", func(t *testing.T) {
		var m Message
		require.NoError(t, json.Unmarshal([]byte(`{
			"id": "1", "sender": "a", "receiver": "b", "content": "x",
			"replyTo": "{\"id\":\"9\",\"sender\":\"a\",\"content\":\"quoted\"}",
			"reactions": "{\"❤️\":[\"b\"]}"
		}`), &m))

		require.NotNil(t, m.ReplyTo)
		assert.Equal(t, "9", m.ReplyTo.ID)
		assert.Equal(t, []string{"b"}, m.Reactions.Visible()["❤️"])
	})

	t.Run("malformed fields default to empty", func(t *testing.T) {
		var m Message
		require.NoError(t, json.Unmarshal([]byte(`{
			"id": "1", "sender": "a", "receiver": "b", "content": "x",
			"replyTo": "not json", "reactions": "{broken", "deletedFor": 17
		}`), &m))

		assert.Nil(t, m.ReplyTo)
		assert.Empty(t, m.Reactions)
		assert.Empty(t, m.DeletedFor)
	})

	t.Run("deleted alias", func(t *testing.T) {
		var m Message
		require.NoError(t, json.Unmarshal([]byte(`{"id":"1","deleted":true}`), &m))
		assert.True(t, m.DeletedForEveryone)
	})

	t.Run("invalid json is an error", func(t *testing.T) {
		var m Message
		assert.Error(t, m.UnmarshalJSON([]byte(`{"id":`)))
		assert.Error(t, m.UnmarshalJSON([]byte(`[1,2]`)))
	})
}

func TestDecodeParticipants(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"array", `["a","b","a"]`, []string{"a", "b"}},
		{"string encoded array", `"[\"a\"]"`, []string{"a"}},
		{"object of bools", `{"a":true,"b":false}`, []string{"a"}},
		{"numbers", `[1, 2]`, []string{"1", "2"}},
		{"garbage", `"nope"`, []string{}},
		{"null", `null`, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s ParticipantSet
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &s))
			assert.Equal(t, tt.want, s.Sorted())
		})
	}
}

// ============================================================================
// Event decoding
// ============================================================================

func TestDecodeEvent(t *testing.T) {
	t.Run("room message takes room from scope", func(t *testing.T) {
		ev, ok := decodeEvent(kindRoomMessage, "r1", []byte(`{"id":"5","sender":"a","receiver":"b","content":"yo"}`))
		require.True(t, ok)
		me := ev.(MessageEvent)
		assert.Equal(t, "r1", me.RoomID)
		assert.Equal(t, "r1", me.Message.RoomID)
		assert.Equal(t, "yo", me.Message.Content)
	})

	t.Run("room message without id is dropped", func(t *testing.T) {
		_, ok := decodeEvent(kindRoomMessage, "r1", []byte(`{"content":"yo"}`))
		assert.False(t, ok)
	})

	t.Run("string wrapped body", func(t *testing.T) {
		ev, ok := decodeEvent(kindPresence, "", []byte(`"{\"email\":\"bob\",\"online\":true}"`))
		require.True(t, ok)
		assert.Equal(t, PresenceEvent{Participant: "bob", Online: true}, ev)
	})

	t.Run("reaction carries full set", func(t *testing.T) {
		ev, ok := decodeEvent(kindReaction, alice, []byte(`{"messageId":3,"roomId":"r1","emoji":"👍","users":"[\"a\",\"b\"]"}`))
		require.True(t, ok)
		re := ev.(ReactionEvent)
		assert.Equal(t, "3", re.MessageID)
		assert.Equal(t, []string{"a", "b"}, re.Users.Sorted())
	})

	t.Run("delete for me defaults user to scope", func(t *testing.T) {
		ev, ok := decodeEvent(kindDeleteForMe, alice, []byte(`{"messageId":"3"}`))
		require.True(t, ok)
		assert.Equal(t, DeleteEvent{MessageID: "3", User: alice}, ev)
	})

	t.Run("delete for everyone", func(t *testing.T) {
		ev, ok := decodeEvent(kindDelete, alice, []byte(`{"messageId":"3","roomId":"r1"}`))
		require.True(t, ok)
		assert.True(t, ev.(DeleteEvent).ForEveryone)
	})

	t.Run("edit falls back to content", func(t *testing.T) {
		ev, ok := decodeEvent(kindEdit, alice, []byte(`{"messageId":"3","content":"fixed"}`))
		require.True(t, ok)
		assert.Equal(t, "fixed", ev.(EditEvent).EditedContent)
	})

	t.Run("seen accepts single id", func(t *testing.T) {
		ev, ok := decodeEvent(kindSeen, alice, []byte(`{"reader":"bob","messageIds":7}`))
		require.True(t, ok)
		assert.Equal(t, []string{"7"}, ev.(SeenEvent).MessageIDs)
	})

	t.Run("unread update needs both sides", func(t *testing.T) {
		_, ok := decodeEvent(kindUnreadUpdate, alice, []byte(`{"sender":"bob"}`))
		assert.False(t, ok)
	})

	t.Run("non-object bodies", func(t *testing.T) {
		for _, body := range []string{``, `42`, `[1]`, `{"x":`} {
			_, ok := decodeEvent(kindTyping, "r1", []byte(body))
			assert.False(t, ok, body)
		}
	})
}
