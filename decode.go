package dmsync

import (
	"errors"

	"github.com/tidwall/gjson"
)

// Payload fields on the wire are loosely typed: reaction maps, reply references and
// participant lists may arrive as structured JSON or as JSON encoded inside a string,
// and ids may be numbers or strings. Everything in this file degrades to an empty or
// absent value instead of failing.

var errMalformed = errors.New("dmsync: malformed payload")

// unwrapString re-parses a string value that itself holds JSON.
func unwrapString(r gjson.Result) gjson.Result {
	if r.Type == gjson.String && gjson.Valid(r.Str) {
		return gjson.Parse(r.Str)
	}
	return r
}

// flexString reads an identifier that may be a JSON string or number.
func flexString(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return r.Str
	case gjson.Number:
		return r.Raw
	}
	return ""
}

func decodeParticipants(r gjson.Result) ParticipantSet {
	r = unwrapString(r)
	set := make(ParticipantSet)
	switch {
	case r.IsArray():
		r.ForEach(func(_, v gjson.Result) bool {
			if id := flexString(v); id != "" {
				set[id] = struct{}{}
			}
			return true
		})
	case r.IsObject():
		// {"alice": true} style sets
		r.ForEach(func(k, v gjson.Result) bool {
			if k.Str != "" && v.Bool() {
				set[k.Str] = struct{}{}
			}
			return true
		})
	}
	return set
}

func decodeReactions(r gjson.Result) Reactions {
	r = unwrapString(r)
	out := make(Reactions)
	if !r.IsObject() {
		return out
	}
	r.ForEach(func(k, v gjson.Result) bool {
		if k.Str != "" {
			out[k.Str] = decodeParticipants(v)
		}
		return true
	})
	return out
}

func decodeReplyTo(r gjson.Result) *ReplyRef {
	r = unwrapString(r)
	if !r.IsObject() {
		return nil
	}
	ref := &ReplyRef{
		ID:      flexString(r.Get("id")),
		Sender:  r.Get("sender").String(),
		Content: r.Get("content").String(),
	}
	if ref.ID == "" && ref.Sender == "" && ref.Content == "" {
		return nil
	}
	return ref
}

func decodeIDs(r gjson.Result) []string {
	r = unwrapString(r)
	var ids []string
	if !r.IsArray() {
		if id := flexString(r); id != "" {
			ids = append(ids, id)
		}
		return ids
	}
	r.ForEach(func(_, v gjson.Result) bool {
		if id := flexString(v); id != "" {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}

// UnmarshalJSON tolerates loosely typed fields. Only structurally invalid JSON is an error.
func (m *Message) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return errMalformed
	}
	r := gjson.ParseBytes(data)
	if !r.IsObject() {
		return errMalformed
	}
	*m = Message{
		ID:                 flexString(r.Get("id")),
		RoomID:             flexString(r.Get("roomId")),
		Sender:             r.Get("sender").String(),
		Receiver:           r.Get("receiver").String(),
		Content:            r.Get("content").String(),
		Type:               ContentType(r.Get("type").String()),
		Timestamp:          r.Get("timestamp").String(),
		Status:             DeliveryStatus(r.Get("status").String()),
		DeletedForEveryone: r.Get("deletedForEveryone").Bool() || r.Get("deleted").Bool(),
		DeletedFor:         decodeParticipants(r.Get("deletedFor")),
		EditedContent:      r.Get("editedContent").String(),
		ReplyTo:            decodeReplyTo(r.Get("replyTo")),
		Reactions:          decodeReactions(r.Get("reactions")),
	}
	if m.Type == "" {
		m.Type = ContentText
	}
	return nil
}

// ============================================================================
// Event variants
// ============================================================================

// Event is a typed push-channel event. All engine logic operates on these variants.
type Event interface {
	eventKind() string
}

// MessageEvent carries a full message for a room, either new or updated.
type MessageEvent struct {
	RoomID  string
	Message *Message
}

// TypingEvent reports a peer's typing state in a room.
type TypingEvent struct {
	RoomID   string
	Sender   string
	Receiver string
	Typing   bool
}

// PresenceEvent reports a single participant's online state.
type PresenceEvent struct {
	Participant string
	Online      bool
}

// ReactionEvent carries the authoritative participant set for one (message, emoji).
type ReactionEvent struct {
	RoomID    string
	MessageID string
	Emoji     string
	Users     ParticipantSet
}

// SeenEvent marks messages as seen by Reader. No ids means everything sent to Reader.
type SeenEvent struct {
	RoomID     string
	Reader     string
	MessageIDs []string
}

// DeleteEvent is a soft delete, either for everyone or for User only.
type DeleteEvent struct {
	RoomID      string
	MessageID   string
	ForEveryone bool
	User        string
}

// EditEvent carries the authoritative edited content of a message.
type EditEvent struct {
	RoomID        string
	MessageID     string
	EditedContent string
}

// UnreadUpdateEvent asks the receiver to refetch the unread count for a pair.
type UnreadUpdateEvent struct {
	Sender   string
	Receiver string
}

// UnreadRefreshEvent asks User (or everyone when empty) to reload the room list.
type UnreadRefreshEvent struct {
	User string
}

func (MessageEvent) eventKind() string       { return "message" }
func (TypingEvent) eventKind() string        { return "typing" }
func (PresenceEvent) eventKind() string      { return "presence" }
func (ReactionEvent) eventKind() string      { return "reaction" }
func (SeenEvent) eventKind() string          { return "seen" }
func (DeleteEvent) eventKind() string        { return "delete" }
func (EditEvent) eventKind() string          { return "edit" }
func (UnreadUpdateEvent) eventKind() string  { return "unread-update" }
func (UnreadRefreshEvent) eventKind() string { return "unread-refresh" }

// topicKind identifies how a subscription's bodies are decoded.
type topicKind int

const (
	kindRoomMessage topicKind = iota
	kindTyping
	kindPresence
	kindReaction
	kindSeen
	kindDelete
	kindDeleteForMe
	kindEdit
	kindUnreadUpdate
	kindUnreadRefresh
)

// decodeEvent turns a raw body into a typed event. scope is the room id for room
// topics and the session identity for self-scoped topics. ok is false when the body
// cannot describe an event at all.
func decodeEvent(kind topicKind, scope string, body []byte) (ev Event, ok bool) {
	if !gjson.ValidBytes(body) {
		return nil, false
	}
	r := unwrapString(gjson.ParseBytes(body))
	if !r.IsObject() {
		return nil, false
	}
	roomID := flexString(r.Get("roomId"))

	switch kind {
	case kindRoomMessage:
		var m Message
		if err := m.UnmarshalJSON([]byte(r.Raw)); err != nil || m.ID == "" {
			return nil, false
		}
		if m.RoomID == "" {
			m.RoomID = scope
		}
		return MessageEvent{RoomID: scope, Message: &m}, true

	case kindTyping:
		return TypingEvent{
			RoomID:   scope,
			Sender:   r.Get("sender").String(),
			Receiver: r.Get("receiver").String(),
			Typing:   r.Get("typing").Bool(),
		}, r.Get("sender").String() != ""

	case kindPresence:
		p := r.Get("email").String()
		return PresenceEvent{Participant: p, Online: r.Get("online").Bool()}, p != ""

	case kindReaction:
		ev := ReactionEvent{
			RoomID:    roomID,
			MessageID: flexString(r.Get("messageId")),
			Emoji:     r.Get("emoji").String(),
			Users:     decodeParticipants(r.Get("users")),
		}
		return ev, ev.MessageID != "" && ev.Emoji != ""

	case kindSeen:
		ev := SeenEvent{
			RoomID:     roomID,
			Reader:     r.Get("reader").String(),
			MessageIDs: decodeIDs(r.Get("messageIds")),
		}
		return ev, ev.Reader != "" || len(ev.MessageIDs) > 0

	case kindDelete, kindDeleteForMe:
		ev := DeleteEvent{
			RoomID:      roomID,
			MessageID:   flexString(r.Get("messageId")),
			ForEveryone: kind == kindDelete,
			User:        r.Get("user").String(),
		}
		if !ev.ForEveryone && ev.User == "" {
			ev.User = scope
		}
		return ev, ev.MessageID != ""

	case kindEdit:
		content := r.Get("editedContent").String()
		if content == "" {
			content = r.Get("content").String()
		}
		ev := EditEvent{RoomID: roomID, MessageID: flexString(r.Get("messageId")), EditedContent: content}
		return ev, ev.MessageID != ""

	case kindUnreadUpdate:
		ev := UnreadUpdateEvent{Sender: r.Get("sender").String(), Receiver: r.Get("receiver").String()}
		return ev, ev.Sender != "" && ev.Receiver != ""

	case kindUnreadRefresh:
		return UnreadRefreshEvent{User: r.Get("user").String()}, true
	}
	return nil, false
}
