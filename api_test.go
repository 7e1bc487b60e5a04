package dmsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, routes map[string]http.HandlerFunc) *Client {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, h := range routes {
		mux.HandleFunc(pattern, h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewClient(WithBaseURL(srv.URL+"/"), WithToken("tok"))
}

func reply(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}
}

// ============================================================================
// Rooms
// ============================================================================

func TestClientRooms(t *testing.T) {
	var created map[string]string
	c := newTestClient(t, map[string]http.HandlerFunc{
		"GET /api/chat/rooms/alice@example.com": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			reply(`[{"roomId":"r1","userA":"alice@example.com","userB":"bob@example.com","unread":2}]`)(w, r)
		},
		"GET /api/chat/room/alice@example.com/bob@example.com": reply(`{"roomId":17}`),
		"GET /api/chat/room/alice@example.com/carol@example.com": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"message":"no room"}`, http.StatusNotFound)
		},
		"POST /api/chat/room": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&created))
			reply(`"r-new"`)(w, r)
		},
	})
	ctx := context.Background()

	rooms, err := c.ListRooms(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []RoomRecord{{RoomID: "r1", UserA: alice, UserB: bob, Unread: 2}}, rooms)

	id, err := c.GetRoom(ctx, alice, bob)
	require.NoError(t, err)
	assert.Equal(t, "17", id)

	_, err = c.GetRoom(ctx, alice, carol)
	assert.True(t, errors.Is(err, ErrNotFound))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "no room", apiErr.Message)

	id, err = c.CreateRoom(ctx, alice, carol)
	require.NoError(t, err)
	assert.Equal(t, "r-new", id)
	assert.Equal(t, map[string]string{"userA": alice, "userB": carol}, created)
}

func TestClientEmptyRoomIDIsNotFound(t *testing.T) {
	c := newTestClient(t, map[string]http.HandlerFunc{
		"GET /api/chat/room/{a}/{b}": reply(`{}`),
	})
	_, err := c.GetRoom(context.Background(), alice, bob)
	assert.ErrorIs(t, err, ErrNotFound)
}

// ============================================================================
// Messages
// ============================================================================

func TestClientHistory(t *testing.T) {
	c := newTestClient(t, map[string]http.HandlerFunc{
		"GET /api/chat/alice@example.com/bob@example.com": reply(`[
			{"id":1,"sender":"bob@example.com","receiver":"alice@example.com","content":"hi"},
			"garbage",
			{"content":"no id"},
			{"id":"2","sender":"alice@example.com","receiver":"bob@example.com","content":"yo","reactions":"{\"👍\":[\"bob@example.com\"]}"}
		]`),
	})

	msgs, err := c.History(context.Background(), alice, bob)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, msgIDs(msgs))
	assert.Equal(t, []string{bob}, msgs[1].Reactions["👍"].Sorted())
}

func TestClientMutations(t *testing.T) {
	var (
		paths  []string
		bodies []string
	)
	record := func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		paths = append(paths, r.Method+" "+r.URL.Path)
		bodies = append(bodies, string(b))
	}
	c := newTestClient(t, map[string]http.HandlerFunc{"/": record})
	ctx := context.Background()

	require.NoError(t, c.MarkSeen(ctx, bob, alice))
	require.NoError(t, c.DeleteForMe(ctx, "7", alice))
	require.NoError(t, c.DeleteForEveryone(ctx, "7", alice))
	require.NoError(t, c.Edit(ctx, "7", "fixed"))

	assert.Equal(t, []string{
		"POST /api/chat/seen/bob@example.com/alice@example.com",
		"POST /api/chat/message/7/delete-for-me",
		"POST /api/chat/message/7/delete-for-everyone",
		"PUT /api/chat/message/7",
	}, paths)
	assert.Empty(t, bodies[0])
	assert.JSONEq(t, `{"user":"alice@example.com"}`, bodies[1])
	assert.JSONEq(t, `{"content":"fixed"}`, bodies[3])
}

func TestClientUpload(t *testing.T) {
	t.Run("object response", func(t *testing.T) {
		c := newTestClient(t, map[string]http.HandlerFunc{
			"POST /api/chat/upload": func(w http.ResponseWriter, r *http.Request) {
				f, hdr, err := r.FormFile("file")
				require.NoError(t, err)
				data, _ := io.ReadAll(f)
				assert.Equal(t, "notes.txt", hdr.Filename)
				assert.Equal(t, "contents", string(data))
				reply(`{"url":"https://files/notes.txt"}`)(w, r)
			},
		})
		ref, err := c.Upload(context.Background(), "notes.txt", strings.NewReader("contents"))
		require.NoError(t, err)
		assert.Equal(t, "https://files/notes.txt", ref)
	})

	t.Run("bare string response", func(t *testing.T) {
		c := newTestClient(t, map[string]http.HandlerFunc{
			"POST /api/chat/upload": reply(`"https://files/x"`),
		})
		ref, err := c.Upload(context.Background(), "x", strings.NewReader(""))
		require.NoError(t, err)
		assert.Equal(t, "https://files/x", ref)
	})

	t.Run("server failure", func(t *testing.T) {
		c := newTestClient(t, map[string]http.HandlerFunc{
			"POST /api/chat/upload": func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "too large", http.StatusRequestEntityTooLarge)
			},
		})
		_, err := c.Upload(context.Background(), "x", strings.NewReader("big"))
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusRequestEntityTooLarge, apiErr.Status)
		assert.Equal(t, "too large", apiErr.Message)
	})
}

// ============================================================================
// Presence & unread
// ============================================================================

func TestClientPresenceSnapshot(t *testing.T) {
	tests := []struct {
		name string
		body string
		want map[string]bool
	}{
		{"object", `{"alice@example.com":true,"bob@example.com":false}`, map[string]bool{alice: true, bob: false}},
		{"array", `["alice@example.com","bob@example.com"]`, map[string]bool{alice: true, bob: true}},
		{"string wrapped", `"{\"alice@example.com\":true}"`, map[string]bool{alice: true}},
		{"unexpected", `42`, map[string]bool{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, map[string]http.HandlerFunc{"GET /api/chat/online": reply(tt.body)})
			got, err := c.PresenceSnapshot(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClientUnreadCount(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    int
		wantErr bool
	}{
		{"number", `3`, 3, false},
		{"object", `{"count":5}`, 5, false},
		{"string wrapped", `"4"`, 4, false},
		{"malformed", `{"n":1}`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, map[string]http.HandlerFunc{
				"GET /api/chat/unread/bob@example.com/alice@example.com": reply(tt.body),
			})
			n, err := c.UnreadCount(context.Background(), bob, alice)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
		})
	}
}

// ============================================================================
// Users & auth
// ============================================================================

func TestClientSearchUsers(t *testing.T) {
	c := newTestClient(t, map[string]http.HandlerFunc{
		"GET /api/users/search": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "bo", r.URL.Query().Get("query"))
			assert.Equal(t, alice, r.URL.Query().Get("exclude"))
			reply(`[{"id":"2","username":"bob","email":"bob@example.com"},{"id":"3","email":"bobby@example.com"}]`)(w, r)
		},
	})
	users, err := c.SearchUsers(context.Background(), "bo", alice)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "bob", users[0].DisplayName())
	assert.Equal(t, "bobby@example.com", users[1].DisplayName())
}

func TestClientLogin(t *testing.T) {
	c := newTestClient(t, map[string]http.HandlerFunc{
		"POST /api/login": func(w http.ResponseWriter, r *http.Request) {
			var creds map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
			if creds["password"] != "right" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = io.WriteString(w, `{"code":"bad_credentials","message":"wrong password"}`)
				return
			}
			reply(`{"token":"jwt"}`)(w, r)
		},
	})
	ctx := context.Background()

	res, err := c.Login(ctx, alice, "right")
	require.NoError(t, err)
	assert.Equal(t, &LoginResult{Token: "jwt", Email: alice}, res)

	_, err = c.Login(ctx, alice, "wrong")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "bad_credentials", apiErr.Code)
	assert.EqualError(t, err, "401 bad_credentials: wrong password")
}
