package dmsync

import "time"

const DefaultTypingTimeout = 3 * time.Second

type typingEntry struct {
	peer  string
	until time.Time
}

// tracker mirrors server-owned unread counts and keeps the presence and typing maps.
// It is owned by the engine loop.
type tracker struct {
	rooms   *roomList
	online  map[string]bool
	typing  map[string]typingEntry
	now     func() time.Time
	timeout time.Duration
}

func newTracker(rooms *roomList, now func() time.Time, timeout time.Duration) *tracker {
	return &tracker{
		rooms:   rooms,
		online:  make(map[string]bool),
		typing:  make(map[string]typingEntry),
		now:     now,
		timeout: timeout,
	}
}

// ============================================================================
// Unread
// ============================================================================

// resetUnread zeroes a room's counter ahead of the seen acknowledgment.
func (t *tracker) resetUnread(roomID string) bool {
	r := t.rooms.get(roomID)
	if r == nil || r.Unread == 0 {
		return false
	}
	r.Unread = 0
	return true
}

// setUnread overwrites the mirror for the room shared with peer.
func (t *tracker) setUnread(peer string, n int) bool {
	if n < 0 {
		n = 0
	}
	r := t.rooms.byPeer(peer)
	if r == nil || r.Unread == n {
		return false
	}
	r.Unread = n
	return true
}

// ============================================================================
// Presence
// ============================================================================

// loadPresence replaces the map with a full snapshot.
func (t *tracker) loadPresence(snapshot map[string]bool) {
	t.online = make(map[string]bool, len(snapshot))
	for p, on := range snapshot {
		t.online[p] = on
	}
}

func (t *tracker) setPresence(participant string, online bool) bool {
	if cur, ok := t.online[participant]; ok && cur == online {
		return false
	}
	t.online[participant] = online
	return true
}

func (t *tracker) isOnline(participant string) bool {
	return t.online[participant]
}

func (t *tracker) presence() map[string]bool {
	out := make(map[string]bool, len(t.online))
	for p, on := range t.online {
		out[p] = on
	}
	return out
}

// ============================================================================
// Typing
// ============================================================================

// setTyping records a peer's typing state for a room. A true state lapses after the
// timeout unless refreshed.
func (t *tracker) setTyping(roomID, peer string, typing bool) bool {
	cur, had := t.typingIn(roomID)
	if !typing {
		delete(t.typing, roomID)
		return had
	}
	t.typing[roomID] = typingEntry{peer: peer, until: t.now().Add(t.timeout)}
	return !had || cur != peer
}

// typingIn returns who is typing in a room. Expired entries are removed.
func (t *tracker) typingIn(roomID string) (string, bool) {
	e, ok := t.typing[roomID]
	if !ok {
		return "", false
	}
	if !t.now().Before(e.until) {
		delete(t.typing, roomID)
		return "", false
	}
	return e.peer, true
}
