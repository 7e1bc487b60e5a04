package dmsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// typingRepeat is how often typing=true is re-announced while the user keeps typing.
const typingRepeat = 2 * time.Second

var errNotSender = errors.New("dmsync: only the sender may change this message")

// ============================================================================
// Outbound payloads
// ============================================================================

type outgoingMessage struct {
	Sender   string      `json:"sender"`
	Receiver string      `json:"receiver"`
	Content  string      `json:"content"`
	Type     ContentType `json:"type"`
	ReplyTo  *ReplyRef   `json:"replyTo,omitempty"`
}

type typingPayload struct {
	RoomID   string `json:"roomId"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Typing   bool   `json:"typing"`
}

type reactPayload struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
	Emoji     string `json:"emoji"`
	User      string `json:"user"`
}

// ============================================================================
// Send / forward / upload
// ============================================================================

// Send publishes content to the active peer, optionally as a reply to a known message.
// Nothing is added locally: the message shows up when the server echoes it on the
// room topic.
func (e *Engine) Send(ctx context.Context, content, replyToID string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}

	var (
		msg outgoingMessage
		err error
	)
	if cerr := e.call(ctx, func() {
		if e.active.peer == "" {
			err = ErrNoActiveRoom
			return
		}
		msg = outgoingMessage{Sender: e.self, Receiver: e.active.peer, Content: content, Type: ContentText}
		if replyToID != "" {
			_, m := e.findMessage(e.active.id, replyToID)
			if m == nil {
				err = fmt.Errorf("reply to %s: %w", replyToID, ErrUnknownMessage)
				return
			}
			msg.ReplyTo = m.Snapshot()
		}
		e.stopTyping()
	}); cerr != nil {
		return cerr
	}
	if err != nil {
		return err
	}
	return e.publish(ctx, DestPrivateMessage, msg)
}

// Forward re-sends a known message to peer through the normal send path. Text gets
// ForwardPrefix; file references are forwarded unchanged.
func (e *Engine) Forward(ctx context.Context, messageID, peer string) error {
	peer = strings.TrimSpace(peer)
	if peer == "" || peer == e.self {
		return fmt.Errorf("forward: invalid peer %q", peer)
	}

	var (
		msg outgoingMessage
		err error
	)
	if cerr := e.call(ctx, func() {
		_, m := e.findMessage(e.active.id, messageID)
		if m == nil || m.DeletedForEveryone || m.HiddenFor(e.self) {
			err = fmt.Errorf("forward %s: %w", messageID, ErrUnknownMessage)
			return
		}
		msg = outgoingMessage{Sender: e.self, Receiver: peer, Content: m.Text(), Type: m.Type}
		if msg.Type != ContentFile {
			msg.Type = ContentText
			msg.Content = ForwardPrefix + msg.Content
		}
	}); cerr != nil {
		return cerr
	}
	if err != nil {
		return err
	}

	roomID, err := e.resolver.Resolve(ctx, e.self, peer)
	if err != nil {
		return fmt.Errorf("forward: %w", err)
	}
	_ = e.call(ctx, func() {
		if e.rooms.seed(roomID, peer) {
			e.emit(Update{Kind: UpdateRooms})
		}
	})
	return e.publish(ctx, DestPrivateMessage, msg)
}

// Upload stores r and sends the returned reference to the active peer as a file
// message. Upload failures are returned.
func (e *Engine) Upload(ctx context.Context, fileName string, r io.Reader) error {
	var peer string
	if err := e.call(ctx, func() { peer = e.active.peer }); err != nil {
		return err
	}
	if peer == "" {
		return ErrNoActiveRoom
	}

	ref, err := e.api.Upload(ctx, fileName, r)
	if err != nil {
		e.log.Error().Err(err).Str("file", fileName).Msg("upload failed")
		return err
	}
	return e.publish(ctx, DestPrivateMessage, outgoingMessage{
		Sender:   e.self,
		Receiver: peer,
		Content:  ref,
		Type:     ContentFile,
	})
}

func (e *Engine) publish(ctx context.Context, destination string, v any) error {
	if err := e.conn.Publish(ctx, destination, v); err != nil {
		e.log.Warn().Err(err).Str("destination", destination).Msg("publish failed")
		return err
	}
	return nil
}

// ============================================================================
// Reactions
// ============================================================================

// React toggles self's emoji on a message. The local set changes before the event is
// published; the server's next reaction event for the pair replaces it either way.
func (e *Engine) React(ctx context.Context, messageID, emoji string) error {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return fmt.Errorf("react: empty emoji")
	}

	var (
		payload reactPayload
		err     error
	)
	if cerr := e.call(ctx, func() {
		tl, m := e.findMessage(e.active.id, messageID)
		if m == nil || m.DeletedForEveryone {
			err = fmt.Errorf("react %s: %w", messageID, ErrUnknownMessage)
			return
		}
		e.reactions.Toggle(m, emoji, e.self)
		payload = reactPayload{MessageID: m.ID, RoomID: tl.RoomID(), Emoji: emoji, User: e.self}
		e.emit(Update{Kind: UpdateTimeline, RoomID: tl.RoomID()})
	}); cerr != nil {
		return cerr
	}
	if err != nil {
		return err
	}
	_ = e.publish(ctx, DestReact, payload)
	return nil
}

// ============================================================================
// Edit / delete
// ============================================================================

// Edit sets the edited content locally, then asks the server. A failed request is
// logged and the local edit stays.
func (e *Engine) Edit(ctx context.Context, messageID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}

	var err error
	if cerr := e.call(ctx, func() {
		tl, m := e.findMessage(e.active.id, messageID)
		switch {
		case m == nil || m.DeletedForEveryone:
			err = fmt.Errorf("edit %s: %w", messageID, ErrUnknownMessage)
		case m.Sender != e.self:
			err = fmt.Errorf("edit %s: %w", messageID, errNotSender)
		default:
			tl.SetEdited(m.ID, content)
			e.notePreview(tl)
			e.emit(Update{Kind: UpdateTimeline, RoomID: tl.RoomID()})
		}
	}); cerr != nil {
		return cerr
	}
	if err != nil {
		return err
	}

	if err := e.api.Edit(ctx, messageID, content); err != nil {
		e.log.Warn().Err(err).Str("msg_id", messageID).Msg("edit failed")
	}
	return nil
}

// DeleteForMe hides a message for self once the server accepts it.
func (e *Engine) DeleteForMe(ctx context.Context, messageID string) error {
	if err := e.requireMessage(ctx, messageID, false); err != nil {
		return err
	}
	if err := e.api.DeleteForMe(ctx, messageID, e.self); err != nil {
		return fmt.Errorf("delete for me %s: %w", messageID, err)
	}
	return e.call(ctx, func() {
		if tl, m := e.findMessage(e.active.id, messageID); m != nil && tl.MarkDeletedFor(m.ID, e.self) {
			e.notePreview(tl)
			e.emit(Update{Kind: UpdateTimeline, RoomID: tl.RoomID()})
		}
	})
}

// DeleteForEveryone redacts one of self's messages once the server accepts it.
func (e *Engine) DeleteForEveryone(ctx context.Context, messageID string) error {
	if err := e.requireMessage(ctx, messageID, true); err != nil {
		return err
	}
	if err := e.api.DeleteForEveryone(ctx, messageID, e.self); err != nil {
		return fmt.Errorf("delete for everyone %s: %w", messageID, err)
	}
	return e.call(ctx, func() {
		if tl, m := e.findMessage(e.active.id, messageID); m != nil {
			tl.MarkDeletedForEveryone(m.ID)
			e.reactions.Forget(m.ID)
			e.notePreview(tl)
			e.emit(Update{Kind: UpdateTimeline, RoomID: tl.RoomID()})
		}
	})
}

func (e *Engine) requireMessage(ctx context.Context, messageID string, own bool) error {
	var err error
	if cerr := e.call(ctx, func() {
		_, m := e.findMessage(e.active.id, messageID)
		switch {
		case m == nil:
			err = fmt.Errorf("%s: %w", messageID, ErrUnknownMessage)
		case own && m.Sender != e.self:
			err = fmt.Errorf("%s: %w", messageID, errNotSender)
		}
	}); cerr != nil {
		return cerr
	}
	return err
}

// ============================================================================
// Typing
// ============================================================================

// typingState is the session's typing announcer. One idle timer is cancelled and
// re-armed on every keystroke; seq invalidates callbacks from timers already fired.
type typingState struct {
	on       bool
	roomID   string
	peer     string
	seq      uint64
	idle     *time.Timer
	announce *rate.Sometimes
}

// Typing records a keystroke in the active room. typing=true goes out on the first
// keystroke and at most every two seconds after; typing=false follows once input has
// been idle for the typing idle window.
func (e *Engine) Typing(ctx context.Context) error {
	var err error
	if cerr := e.call(ctx, func() { err = e.keystroke() }); cerr != nil {
		return cerr
	}
	return err
}

func (e *Engine) keystroke() error {
	if e.active.id == "" {
		return ErrNoActiveRoom
	}
	ts := &e.typing
	if ts.on && ts.roomID != e.active.id {
		e.stopTyping()
	}
	if !ts.on {
		ts.on = true
		ts.roomID, ts.peer = e.active.id, e.active.peer
		ts.announce = &rate.Sometimes{Interval: typingRepeat}
	}
	roomID, peer := ts.roomID, ts.peer
	ts.announce.Do(func() { e.publishTyping(roomID, peer, true) })

	if ts.idle != nil {
		ts.idle.Stop()
	}
	ts.seq++
	seq := ts.seq
	ts.idle = time.AfterFunc(e.typingIdle, func() {
		e.post(func() {
			if e.typing.seq == seq {
				e.stopTyping()
			}
		})
	})
	return nil
}

// stopTyping publishes typing=false if a typing burst is in progress.
func (e *Engine) stopTyping() {
	ts := &e.typing
	if ts.idle != nil {
		ts.idle.Stop()
		ts.idle = nil
	}
	ts.seq++
	if !ts.on {
		return
	}
	ts.on = false
	e.publishTyping(ts.roomID, ts.peer, false)
}

func (e *Engine) publishTyping(roomID, peer string, typing bool) {
	ctx, cancel := context.WithTimeout(e.bg, publishTimeout)
	defer cancel()
	_ = e.conn.Publish(ctx, DestTyping, typingPayload{RoomID: roomID, Sender: e.self, Receiver: peer, Typing: typing})
}
