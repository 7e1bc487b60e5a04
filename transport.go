package dmsync

import (
	"context"
	"strings"
)

// Handler receives the raw body of one pushed message. Handlers for a single
// subscription are called in publisher order from one goroutine.
type Handler func(body []byte)

// Transport is the push channel. Implementations own the network connection only;
// reconnects and subscription bookkeeping belong to the ConnectionManager.
type Transport interface {
	// Dial opens the channel and blocks until it is ready for Subscribe and Publish.
	Dial(ctx context.Context) error
	// Close tears the channel down. It is safe to call more than once.
	Close() error
	// Done is closed when the current connection is lost or closed.
	Done() <-chan struct{}
	// Subscribe binds h to topic and returns an id for Unsubscribe.
	Subscribe(topic string, h Handler) (string, error)
	// Unsubscribe removes the binding. A delivery already in progress may still reach h
	// after it returns; handlers must tolerate one late call.
	Unsubscribe(id string) error
	// Publish sends body to a destination.
	Publish(ctx context.Context, destination string, body []byte) error
}

// ============================================================================
// Topics & destinations
// ============================================================================

const (
	TopicOnline        = "/topic/online"
	TopicUnreadUpdate  = "/topic/unread-update"
	TopicUnreadRefresh = "/topic/unread-refresh"

	DestPrivateMessage   = "/app/private-message"
	DestTyping           = "/app/typing"
	DestReact            = "/app/react"
	DestRegisterOnline   = "/app/register-online"
	DestUnregisterOnline = "/app/unregister-online"
)

// RoomTopic is the message topic of a room.
func RoomTopic(roomID string) string { return "/topic/room." + roomID }

// TypingTopic is the typing topic of a room.
func TypingTopic(roomID string) string { return "/topic/typing." + roomID }

// selfTopic names a notification topic scoped to the session identity.
func selfTopic(kind topicKind, self string) string {
	return "/topic/" + kind.String() + "." + self
}

// sessionTopics lists every topic subscribed for the lifetime of a session.
func sessionTopics(self string) map[string]topicKind {
	return map[string]topicKind{
		TopicOnline:                      kindPresence,
		TopicUnreadUpdate:                kindUnreadUpdate,
		TopicUnreadRefresh:               kindUnreadRefresh,
		selfTopic(kindReaction, self):    kindReaction,
		selfTopic(kindSeen, self):        kindSeen,
		selfTopic(kindDelete, self):      kindDelete,
		selfTopic(kindDeleteForMe, self): kindDeleteForMe,
		selfTopic(kindEdit, self):        kindEdit,
	}
}

// subjectFor maps a topic or destination path to a dot-separated subject name.
func subjectFor(path string) string {
	return strings.ReplaceAll(strings.Trim(path, "/"), "/", ".")
}

func (k topicKind) String() string {
	switch k {
	case kindRoomMessage:
		return "room"
	case kindTyping:
		return "typing"
	case kindPresence:
		return "online"
	case kindReaction:
		return "reaction"
	case kindSeen:
		return "seen"
	case kindDelete:
		return "delete"
	case kindDeleteForMe:
		return "delete-for-me"
	case kindEdit:
		return "edit"
	case kindUnreadUpdate:
		return "unread-update"
	case kindUnreadRefresh:
		return "unread-refresh"
	}
	return "unknown"
}
