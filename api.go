package dmsync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"
)

// ChatAPI is the request/response surface the engine depends on.
type ChatAPI interface {
	ListRooms(ctx context.Context, self string) ([]RoomRecord, error)
	GetRoom(ctx context.Context, self, peer string) (string, error)
	CreateRoom(ctx context.Context, self, peer string) (string, error)
	History(ctx context.Context, self, peer string) ([]*Message, error)
	PresenceSnapshot(ctx context.Context) (map[string]bool, error)
	UnreadCount(ctx context.Context, sender, receiver string) (int, error)
	MarkSeen(ctx context.Context, peer, self string) error
	DeleteForMe(ctx context.Context, messageID, self string) error
	DeleteForEveryone(ctx context.Context, messageID, self string) error
	Edit(ctx context.Context, messageID, content string) error
	Upload(ctx context.Context, fileName string, r io.Reader) (string, error)
	SearchUsers(ctx context.Context, query, exclude string) ([]User, error)
}

var _ ChatAPI = (*Client)(nil)

// ============================================================================
// Rooms
// ============================================================================

// ListRooms returns every room self participates in.
func (c *Client) ListRooms(ctx context.Context, self string) ([]RoomRecord, error) {
	data, err := c.doRequest(ctx, http.MethodGet, chatPrefix+"/rooms"+pathEscape(self), nil, nil)
	if err != nil {
		return nil, err
	}
	rooms, err := decodeJSON[[]RoomRecord](data)
	if err != nil {
		return nil, err
	}
	return *rooms, nil
}

// GetRoom returns the room id for the pair or an error matching ErrNotFound.
func (c *Client) GetRoom(ctx context.Context, self, peer string) (string, error) {
	data, err := c.doRequest(ctx, http.MethodGet, chatPrefix+"/room"+pathEscape(self, peer), nil, nil)
	if err != nil {
		return "", err
	}
	id := roomIDFrom(data)
	if id == "" {
		return "", fmt.Errorf("room %s/%s: %w", self, peer, ErrNotFound)
	}
	return id, nil
}

// CreateRoom creates the room for the pair and returns its id.
func (c *Client) CreateRoom(ctx context.Context, self, peer string) (string, error) {
	data, err := c.doRequest(ctx, http.MethodPost, chatPrefix+"/room", map[string]string{"userA": self, "userB": peer}, nil)
	if err != nil {
		return "", err
	}
	id := roomIDFrom(data)
	if id == "" {
		return "", fmt.Errorf("create room %s/%s: empty room id", self, peer)
	}
	return id, nil
}

func roomIDFrom(data []byte) string {
	r := unwrapString(gjson.ParseBytes(data))
	if r.IsObject() {
		return flexString(r.Get("roomId"))
	}
	return flexString(r)
}

// ============================================================================
// Messages
// ============================================================================

// History returns the conversation between self and peer in server order.
// Elements that are not message objects are skipped.
func (c *Client) History(ctx context.Context, self, peer string) ([]*Message, error) {
	data, err := c.doRequest(ctx, http.MethodGet, chatPrefix+pathEscape(self, peer), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeMessages(data), nil
}

func decodeMessages(data []byte) []*Message {
	var out []*Message
	gjson.ParseBytes(data).ForEach(func(_, v gjson.Result) bool {
		var m Message
		if m.UnmarshalJSON([]byte(v.Raw)) == nil && m.ID != "" {
			out = append(out, &m)
		}
		return true
	})
	return out
}

// MarkSeen acknowledges that self has seen everything peer sent.
func (c *Client) MarkSeen(ctx context.Context, peer, self string) error {
	_, err := c.doRequest(ctx, http.MethodPost, chatPrefix+"/seen"+pathEscape(peer, self), nil, nil)
	return err
}

// DeleteForMe hides a message for self only.
func (c *Client) DeleteForMe(ctx context.Context, messageID, self string) error {
	_, err := c.doRequest(ctx, http.MethodPost, chatPrefix+"/message"+pathEscape(messageID)+"/delete-for-me", map[string]string{"user": self}, nil)
	return err
}

// DeleteForEveryone redacts a message for both participants.
func (c *Client) DeleteForEveryone(ctx context.Context, messageID, self string) error {
	_, err := c.doRequest(ctx, http.MethodPost, chatPrefix+"/message"+pathEscape(messageID)+"/delete-for-everyone", map[string]string{"user": self}, nil)
	return err
}

// Edit replaces the visible content of a message.
func (c *Client) Edit(ctx context.Context, messageID, content string) error {
	_, err := c.doRequest(ctx, http.MethodPut, chatPrefix+"/message"+pathEscape(messageID), map[string]string{"content": content}, nil)
	return err
}

// Upload stores a file and returns a reference usable as message content.
func (c *Client) Upload(ctx context.Context, fileName string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("failed to write file data: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close form: %w", err)
	}

	data, err := c.send(ctx, http.MethodPost, chatPrefix+"/upload", &buf, w.FormDataContentType(), nil, true)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	res := unwrapString(gjson.ParseBytes(data))
	ref := res.Get("url").String()
	if !res.IsObject() {
		ref = res.String()
	}
	if ref == "" {
		return "", fmt.Errorf("upload failed: no resource reference in response")
	}
	return ref, nil
}

// ============================================================================
// Presence & unread
// ============================================================================

// PresenceSnapshot returns the full online map. A list response marks each entry online.
func (c *Client) PresenceSnapshot(ctx context.Context) (map[string]bool, error) {
	data, err := c.doRequest(ctx, http.MethodGet, chatPrefix+"/online", nil, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	r := unwrapString(gjson.ParseBytes(data))
	switch {
	case r.IsObject():
		r.ForEach(func(k, v gjson.Result) bool {
			out[k.Str] = v.Bool()
			return true
		})
	case r.IsArray():
		r.ForEach(func(_, v gjson.Result) bool {
			if s := v.String(); s != "" {
				out[s] = true
			}
			return true
		})
	}
	return out, nil
}

// UnreadCount returns how many messages from sender receiver has not seen.
func (c *Client) UnreadCount(ctx context.Context, sender, receiver string) (int, error) {
	data, err := c.doRequest(ctx, http.MethodGet, chatPrefix+"/unread"+pathEscape(sender, receiver), nil, nil)
	if err != nil {
		return 0, err
	}
	r := unwrapString(gjson.ParseBytes(data))
	if r.IsObject() {
		r = r.Get("count")
	}
	if r.Type != gjson.Number {
		return 0, fmt.Errorf("unread count %s/%s: %w", sender, receiver, errMalformed)
	}
	return int(r.Int()), nil
}

// ============================================================================
// Users & auth
// ============================================================================

// SearchUsers finds users by name or email, excluding one identity (normally self).
func (c *Client) SearchUsers(ctx context.Context, query, exclude string) ([]User, error) {
	q := url.Values{"query": {query}}
	if exclude != "" {
		q.Set("exclude", exclude)
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/api/users/search", nil, q)
	if err != nil {
		return nil, err
	}
	users, err := decodeJSON[[]User](data)
	if err != nil {
		return nil, err
	}
	return *users, nil
}

// Login exchanges credentials for a bearer token. The token is not stored on the client.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/api/login", map[string]string{"email": email, "password": password}, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[LoginResult](data)
	if err != nil {
		return nil, err
	}
	if res.Token == "" {
		return nil, fmt.Errorf("login: no token in response")
	}
	if res.Email == "" {
		res.Email = email
	}
	return res, nil
}
