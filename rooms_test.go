package dmsync

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Room resolver
// ============================================================================

func TestResolverExistingRoom(t *testing.T) {
	api := newFakeAPI()
	api.addRoom("r-ab", alice, bob, 0)
	r := NewRoomResolver(api, zerolog.Nop())

	id, err := r.Resolve(context.Background(), alice, bob)
	require.NoError(t, err)
	assert.Equal(t, "r-ab", id)
	assert.Zero(t, api.creates.Load())

	// second call is served from cache
	_, err = r.Resolve(context.Background(), alice, bob)
	require.NoError(t, err)
	assert.EqualValues(t, 1, api.gets.Load())
}

func TestResolverCreatesOnNotFound(t *testing.T) {
	api := newFakeAPI()
	r := NewRoomResolver(api, zerolog.Nop())

	id, err := r.Resolve(context.Background(), alice, bob)
	require.NoError(t, err)
	assert.Equal(t, "room-1", id)
	assert.EqualValues(t, 1, api.creates.Load())

	// order of the pair does not matter
	cached, ok := r.Cached(bob, alice)
	assert.True(t, ok)
	assert.Equal(t, id, cached)
}

func TestResolverConcurrentConvergence(t *testing.T) {
	api := newFakeAPI()
	api.create = 30 * time.Millisecond
	r := NewRoomResolver(api, zerolog.Nop())

	const callers = 8
	got := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := r.Resolve(context.Background(), alice, bob)
			assert.NoError(t, err)
			got[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range got {
		assert.Equal(t, got[0], id)
	}
	assert.NotEmpty(t, got[0])
}

func TestResolverCallerCancelDoesNotFailOthers(t *testing.T) {
	api := newFakeAPI()
	api.addRoom("r-ab", alice, bob, 0)
	api.getWait = make(chan struct{})
	r := NewRoomResolver(api, zerolog.Nop())

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctxA, alice, bob)
		errA <- err
	}()
	require.Eventually(t, func() bool { return api.gets.Load() == 1 }, time.Second, 5*time.Millisecond)

	type result struct {
		id  string
		err error
	}
	resB := make(chan result, 1)
	go func() {
		id, err := r.Resolve(context.Background(), bob, alice)
		resB <- result{id, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(api.getWait)
	select {
	case res := <-resB:
		require.NoError(t, res.err)
		assert.Equal(t, "r-ab", res.id)
	case <-time.After(time.Second):
		t.Fatal("live caller did not return")
	}
	assert.EqualValues(t, 1, api.gets.Load(), "both callers share one lookup")
}

func TestResolverErrors(t *testing.T) {
	t.Run("lookup failure other than not found", func(t *testing.T) {
		api := newFakeAPI()
		api.getErr = &APIError{Status: http.StatusInternalServerError, Message: "boom"}
		r := NewRoomResolver(api, zerolog.Nop())

		_, err := r.Resolve(context.Background(), alice, bob)
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrNotFound))
		assert.Zero(t, api.creates.Load())
	})
}

func TestResolverCreatedIDWins(t *testing.T) {
	r := NewRoomResolver(newFakeAPI(), zerolog.Nop())
	key := pairKey(alice, bob)

	assert.Equal(t, "a", r.store(key, "a", false))
	assert.Equal(t, "a", r.store(key, "b", false))
	assert.Equal(t, "c", r.store(key, "c", true))

	id, _ := r.Cached(alice, bob)
	assert.Equal(t, "c", id)
}

// ============================================================================
// Room list
// ============================================================================

func TestRoomListReplace(t *testing.T) {
	l := newRoomList()
	l.replace(alice, []RoomRecord{
		{RoomID: "r1", UserA: alice, UserB: bob, Preview: "hey", Unread: 3},
		{RoomID: "r2", UserA: carol, UserB: alice, Unread: 7},
		{RoomID: "r3", UserA: bob, UserB: carol},
		{RoomID: "r1", UserA: alice, UserB: bob},
		{RoomID: "", UserA: alice, UserB: "x"},
	}, "r2")

	rooms := l.snapshot()
	require.Len(t, rooms, 2)
	assert.Equal(t, Room{ID: "r1", Peer: bob, Preview: "hey", Unread: 3}, rooms[0])
	// the open room never shows unread
	assert.Equal(t, Room{ID: "r2", Peer: carol, Unread: 0}, rooms[1])
}

func TestRoomListKeepsOpenRoom(t *testing.T) {
	l := newRoomList()
	require.True(t, l.seed("fresh", bob))
	l.replace(alice, []RoomRecord{{RoomID: "r2", UserA: alice, UserB: carol}}, "fresh")

	rooms := l.snapshot()
	require.Len(t, rooms, 2)
	assert.Equal(t, "fresh", rooms[1].ID)
}

func TestRoomListSeed(t *testing.T) {
	l := newRoomList()
	assert.True(t, l.seed("r1", bob))
	assert.False(t, l.seed("r1", bob))

	// a resolved id replaces a stale one for the same peer
	assert.True(t, l.seed("r9", bob))
	rooms := l.snapshot()
	require.Len(t, rooms, 1)
	assert.Equal(t, "r9", rooms[0].ID)
	assert.Nil(t, l.get("r1"))
}
