package dmsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Room resolver
// ============================================================================

// pairKey is order-independent so (a, b) and (b, a) share one entry.
func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "\x00" + b
}

// RoomResolver maps a participant pair to its room id, creating the room on first
// contact. Concurrent calls for the same pair share one lookup, so they observe the
// same id. When a create returns an id that differs from a cached one, the created id
// wins and replaces the cache entry.
type RoomResolver struct {
	api   ChatAPI
	log   zerolog.Logger
	group singleflight.Group

	mu    sync.Mutex
	known map[string]string
}

func NewRoomResolver(api ChatAPI, log zerolog.Logger) *RoomResolver {
	return &RoomResolver{api: api, log: log, known: make(map[string]string)}
}

// Resolve returns the room id for (self, peer). Only a failed create is an error;
// a not-found lookup is the signal to create.
func (r *RoomResolver) Resolve(ctx context.Context, self, peer string) (string, error) {
	key := pairKey(self, peer)
	if id, ok := r.Cached(self, peer); ok {
		return id, nil
	}

	// The lookup is shared by every waiting caller, so it runs on its own deadline and
	// a caller that gives up does not cancel it for the others.
	ch := r.group.DoChan(key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requestTimeout)
		defer cancel()

		if id, ok := r.Cached(self, peer); ok {
			return id, nil
		}
		id, err := r.api.GetRoom(ctx, self, peer)
		if err == nil {
			r.store(key, id, false)
			return id, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("get room %s: %w", peer, err)
		}

		r.log.Debug().Str("peer", peer).Msg("no room yet, creating")
		id, err = r.api.CreateRoom(ctx, self, peer)
		if err != nil {
			return "", fmt.Errorf("create room %s: %w", peer, err)
		}
		return r.store(key, id, true), nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Cached returns the known room id for the pair without a network call.
func (r *RoomResolver) Cached(self, peer string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.known[pairKey(self, peer)]
	return id, ok
}

// Learn records ids that came from an authoritative room list.
func (r *RoomResolver) Learn(self string, records []RoomRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		if peer := rec.peerOf(self); peer != "" && rec.RoomID != "" {
			r.known[pairKey(self, peer)] = rec.RoomID
		}
	}
}

// store caches id. A lookup never displaces an existing entry; a create does.
func (r *RoomResolver) store(key, id string, created bool) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.known[key]; ok && cur != id {
		if !created {
			return cur
		}
		r.log.Warn().Str("cached", cur).Str("created", id).Msg("room id mismatch, using created id")
	}
	r.known[key] = id
	return id
}

// ============================================================================
// Room list
// ============================================================================

// roomList is the session's sidebar: one Room per peer in server order.
type roomList struct {
	order []string
	byID  map[string]*Room
}

func newRoomList() *roomList {
	return &roomList{byID: make(map[string]*Room)}
}

// replace installs an authoritative list. Records that do not include self are
// dropped. keep is preserved when the server omits it (e.g. a room created moments
// ago), and its unread count stays 0.
func (l *roomList) replace(self string, records []RoomRecord, keep string) {
	order := make([]string, 0, len(records))
	byID := make(map[string]*Room, len(records))
	for _, rec := range records {
		peer := rec.peerOf(self)
		if peer == "" || rec.RoomID == "" {
			continue
		}
		if _, dup := byID[rec.RoomID]; dup {
			continue
		}
		unread := rec.Unread
		if unread < 0 || rec.RoomID == keep {
			unread = 0
		}
		byID[rec.RoomID] = &Room{ID: rec.RoomID, Peer: peer, Preview: rec.Preview, Unread: unread}
		order = append(order, rec.RoomID)
	}
	if old, ok := l.byID[keep]; ok {
		if _, present := byID[keep]; !present {
			kept := *old
			kept.Unread = 0
			byID[keep] = &kept
			order = append(order, keep)
		}
	}
	l.order, l.byID = order, byID
}

// seed adds a room for peer if none exists and reports whether it did.
func (l *roomList) seed(id, peer string) bool {
	if _, ok := l.byID[id]; ok {
		return false
	}
	if r := l.byPeer(peer); r != nil {
		// the pair already has an entry under another id; the resolved id wins
		delete(l.byID, r.ID)
		for i, rid := range l.order {
			if rid == r.ID {
				l.order[i] = id
			}
		}
		r.ID = id
		l.byID[id] = r
		return true
	}
	l.byID[id] = &Room{ID: id, Peer: peer}
	l.order = append(l.order, id)
	return true
}

func (l *roomList) get(id string) *Room {
	return l.byID[id]
}

func (l *roomList) byPeer(peer string) *Room {
	for _, id := range l.order {
		if r := l.byID[id]; r.Peer == peer {
			return r
		}
	}
	return nil
}

func (l *roomList) setPreview(id, preview string) bool {
	r := l.byID[id]
	if r == nil || r.Preview == preview {
		return false
	}
	r.Preview = preview
	return true
}

// snapshot returns copies in display order.
func (l *roomList) snapshot() []Room {
	out := make([]Room, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.byID[id])
	}
	return out
}
