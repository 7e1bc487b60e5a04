package dmsync

import (
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotFound is returned when a room or message does not exist on the server.
	ErrNotFound = errors.New("dmsync: not found")
	// ErrNotConnected is returned when a publish is attempted without a live channel.
	ErrNotConnected = errors.New("dmsync: not connected")
	// ErrNoActiveRoom is returned by composer operations that need an open conversation.
	ErrNoActiveRoom = errors.New("dmsync: no active room")
	// ErrClosed is returned after the engine has been shut down.
	ErrClosed = errors.New("dmsync: engine closed")
	// ErrEmptyMessage is returned when sending blank content.
	ErrEmptyMessage = errors.New("dmsync: empty message")
	// ErrUnknownMessage is returned when an operation targets a message the engine has not seen.
	ErrUnknownMessage = errors.New("dmsync: unknown message")
	// ErrSessionExpired is returned when the stored credential is past its expiry.
	ErrSessionExpired = errors.New("dmsync: session expired")
)

// APIError represents a non-2xx response from the chat service.
type APIError struct {
	Status  int    `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// Is lets errors.Is(err, ErrNotFound) match a 404 response.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// ============================================================================
// Messages
// ============================================================================

// DeliveryStatus is the delivery state of a message as reported by the server.
type DeliveryStatus string

const (
	StatusSent DeliveryStatus = "SENT"
	StatusSeen DeliveryStatus = "SEEN"
)

// ContentType distinguishes plain text from uploaded resources.
type ContentType string

const (
	ContentText ContentType = "TEXT"
	ContentFile ContentType = "FILE"
)

// Placeholder is rendered in place of a message deleted for everyone.
const Placeholder = "This message was deleted"

// ForwardPrefix is prepended to forwarded content.
const ForwardPrefix = "Forwarded: "

// replySnippetLen caps the content captured in a reply snapshot.
const replySnippetLen = 200

// DefaultEmojis is the reaction palette offered by clients.
var DefaultEmojis = []string{"👍", "❤️", "😂", "😮", "😢", "🙏"}

// ReplyRef is a detached copy of the message being replied to.
type ReplyRef struct {
	ID      string `json:"id"`
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// Message is a single direct message. ID is unique within a room and stable across edits.
type Message struct {
	ID                 string         `json:"id"`
	RoomID             string         `json:"roomId,omitempty"`
	Sender             string         `json:"sender"`
	Receiver           string         `json:"receiver"`
	Content            string         `json:"content"`
	Type               ContentType    `json:"type,omitempty"`
	Timestamp          string         `json:"timestamp,omitempty"`
	Status             DeliveryStatus `json:"status,omitempty"`
	DeletedForEveryone bool           `json:"deletedForEveryone,omitempty"`
	DeletedFor         ParticipantSet `json:"deletedFor,omitempty"`
	EditedContent      string         `json:"editedContent,omitempty"`
	ReplyTo            *ReplyRef      `json:"replyTo,omitempty"`
	Reactions          Reactions      `json:"reactions,omitempty"`
}

// Text returns the content a participant should see.
func (m *Message) Text() string {
	if m.DeletedForEveryone {
		return Placeholder
	}
	if m.EditedContent != "" {
		return m.EditedContent
	}
	return m.Content
}

// Edited reports whether the message carries edited content.
func (m *Message) Edited() bool {
	return m.EditedContent != "" && !m.DeletedForEveryone
}

// HiddenFor reports whether participant deleted this message for themselves.
func (m *Message) HiddenFor(participant string) bool {
	return m.DeletedFor.Has(participant)
}

// Clone returns a deep copy so callers outside the event loop never alias engine state.
func (m *Message) Clone() *Message {
	c := *m
	c.DeletedFor = m.DeletedFor.Clone()
	c.Reactions = m.Reactions.Clone()
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		c.ReplyTo = &r
	}
	return &c
}

// redact clears everything a delete-for-everyone removes. The id stays stable.
func (m *Message) redact() {
	m.DeletedForEveryone = true
	m.Content = ""
	m.EditedContent = ""
	m.ReplyTo = nil
	m.Reactions = Reactions{}
}

// Snapshot captures a detached reply reference to this message.
func (m *Message) Snapshot() *ReplyRef {
	return &ReplyRef{ID: m.ID, Sender: m.Sender, Content: truncateRunes(m.Text(), replySnippetLen)}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// ============================================================================
// Rooms
// ============================================================================

// Room is a two-party conversation as seen by the session user.
type Room struct {
	ID      string `json:"roomId"`
	Peer    string `json:"peer"`
	Preview string `json:"preview,omitempty"`
	Unread  int    `json:"unread"`
}

// RoomRecord is the server representation of a room in the room list.
type RoomRecord struct {
	RoomID  string `json:"roomId"`
	UserA   string `json:"userA"`
	UserB   string `json:"userB"`
	Preview string `json:"preview,omitempty"`
	Unread  int    `json:"unread"`
}

// peerOf returns the participant that is not self, or "" when self is not in the room.
func (r RoomRecord) peerOf(self string) string {
	switch self {
	case r.UserA:
		return r.UserB
	case r.UserB:
		return r.UserA
	}
	return ""
}

// ============================================================================
// Users
// ============================================================================

// User is a search result.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email"`
}

// DisplayName prefers the username and falls back to email.
func (u User) DisplayName() string {
	if u.Username != "" {
		return u.Username
	}
	return u.Email
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	Token string `json:"token"`
	Email string `json:"email"`
}
