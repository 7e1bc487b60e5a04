package dmsync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

const (
	alice = "alice@example.com"
	bob   = "bob@example.com"
	carol = "carol@example.com"
)

// ----------------------------------------------------------------------------
// In-memory transport
// ----------------------------------------------------------------------------

type fakeSub struct {
	topic string
	h     Handler
}

type published struct {
	destination string
	body        string
}

type fakeTransport struct {
	mu        sync.Mutex
	done      chan struct{}
	dialErr   error
	dials     int
	nextID    int
	subs      map[string]fakeSub
	published []published
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[string]fakeSub)}
}

func (f *fakeTransport) Dial(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.dialErr != nil {
		return f.dialErr
	}
	f.done = make(chan struct{})
	f.subs = make(map[string]fakeSub)
	return nil
}

func (f *fakeTransport) Close() error {
	f.drop()
	return nil
}

func (f *fakeTransport) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return f.done
}

func (f *fakeTransport) Subscribe(topic string, h Handler) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.liveLocked() {
		return "", ErrNotConnected
	}
	f.nextID++
	id := "sub-" + strconv.Itoa(f.nextID)
	f.subs[id] = fakeSub{topic: topic, h: h}
	return id, nil
}

func (f *fakeTransport) Unsubscribe(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
	return nil
}

func (f *fakeTransport) Publish(_ context.Context, destination string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.liveLocked() {
		return ErrNotConnected
	}
	f.published = append(f.published, published{destination: destination, body: string(body)})
	return nil
}

func (f *fakeTransport) liveLocked() bool {
	if f.done == nil {
		return false
	}
	select {
	case <-f.done:
		return false
	default:
		return true
	}
}

// drop simulates a lost connection.
func (f *fakeTransport) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.liveLocked() {
		close(f.done)
	}
	f.subs = make(map[string]fakeSub)
}

// deliver pushes body to every handler bound to topic and reports how many got it.
func (f *fakeTransport) deliver(topic, body string) int {
	f.mu.Lock()
	var hs []Handler
	for _, s := range f.subs {
		if s.topic == topic {
			hs = append(hs, s.h)
		}
	}
	f.mu.Unlock()
	for _, h := range hs {
		h([]byte(body))
	}
	return len(hs)
}

func (f *fakeTransport) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.subs {
		out = append(out, s.topic)
	}
	sort.Strings(out)
	return out
}

func (f *fakeTransport) subscribed(topic string) bool {
	for _, t := range f.topics() {
		if t == topic {
			return true
		}
	}
	return false
}

func (f *fakeTransport) sent(destination string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.published {
		if p.destination == destination {
			out = append(out, p.body)
		}
	}
	return out
}

func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

// ----------------------------------------------------------------------------
// In-memory chat API
// ----------------------------------------------------------------------------

type fakeAPI struct {
	mu       sync.Mutex
	roomIDs  map[string]string
	rooms    []RoomRecord
	history  map[string][]*Message
	online   map[string]bool
	unread   map[string]int
	seen     []string
	edits    map[string]string
	deleted  []string
	hidden   []string
	editErr  error
	delErr   error
	getErr   error
	creates  atomic.Int32
	gets     atomic.Int32
	lists    atomic.Int32
	create   time.Duration
	histWait chan struct{}
	getWait  chan struct{}
	uploadTo string
}

var _ ChatAPI = (*fakeAPI)(nil)

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		roomIDs: make(map[string]string),
		history: make(map[string][]*Message),
		online:  make(map[string]bool),
		unread:  make(map[string]int),
		edits:   make(map[string]string),
	}
}

func (a *fakeAPI) addRoom(id, self, peer string, unread int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.roomIDs[pairKey(self, peer)] = id
	a.rooms = append(a.rooms, RoomRecord{RoomID: id, UserA: self, UserB: peer, Unread: unread})
}

func (a *fakeAPI) setHistory(peer string, msgs ...*Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history[peer] = msgs
}

func (a *fakeAPI) ListRooms(ctx context.Context, self string) ([]RoomRecord, error) {
	a.lists.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]RoomRecord(nil), a.rooms...), nil
}

func (a *fakeAPI) GetRoom(ctx context.Context, self, peer string) (string, error) {
	a.gets.Add(1)
	if a.getWait != nil {
		select {
		case <-a.getWait:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.getErr != nil {
		return "", a.getErr
	}
	if id, ok := a.roomIDs[pairKey(self, peer)]; ok {
		return id, nil
	}
	return "", &APIError{Status: http.StatusNotFound, Message: "no room"}
}

func (a *fakeAPI) CreateRoom(ctx context.Context, self, peer string) (string, error) {
	n := a.creates.Add(1)
	if a.create > 0 {
		time.Sleep(a.create)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	key := pairKey(self, peer)
	if id, ok := a.roomIDs[key]; ok {
		return id, nil
	}
	id := fmt.Sprintf("room-%d", n)
	a.roomIDs[key] = id
	return id, nil
}

func (a *fakeAPI) History(ctx context.Context, self, peer string) ([]*Message, error) {
	if a.histWait != nil {
		select {
		case <-a.histWait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*Message
	for _, m := range a.history[peer] {
		out = append(out, m.Clone())
	}
	return out, nil
}

func (a *fakeAPI) PresenceSnapshot(ctx context.Context) (map[string]bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]bool, len(a.online))
	for k, v := range a.online {
		out[k] = v
	}
	return out, nil
}

func (a *fakeAPI) UnreadCount(ctx context.Context, sender, receiver string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unread[sender], nil
}

func (a *fakeAPI) MarkSeen(ctx context.Context, peer, self string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen = append(a.seen, peer)
	return nil
}

func (a *fakeAPI) DeleteForMe(ctx context.Context, messageID, self string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.delErr != nil {
		return a.delErr
	}
	a.hidden = append(a.hidden, messageID)
	return nil
}

func (a *fakeAPI) DeleteForEveryone(ctx context.Context, messageID, self string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.delErr != nil {
		return a.delErr
	}
	a.deleted = append(a.deleted, messageID)
	return nil
}

func (a *fakeAPI) Edit(ctx context.Context, messageID, content string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.editErr != nil {
		return a.editErr
	}
	a.edits[messageID] = content
	return nil
}

func (a *fakeAPI) Upload(ctx context.Context, fileName string, r io.Reader) (string, error) {
	if _, err := io.ReadAll(r); err != nil {
		return "", err
	}
	if a.uploadTo == "" {
		return "", &APIError{Status: http.StatusInternalServerError, Message: "disk full"}
	}
	return a.uploadTo + "/" + fileName, nil
}

func (a *fakeAPI) SearchUsers(ctx context.Context, query, exclude string) ([]User, error) {
	return nil, nil
}

func (a *fakeAPI) seenCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.seen)
}

// ----------------------------------------------------------------------------
// Engine harness
// ----------------------------------------------------------------------------

func newMsg(id, sender, receiver, content string) *Message {
	return &Message{ID: id, Sender: sender, Receiver: receiver, Content: content, Type: ContentText, Status: StatusSent}
}

// startEngine runs an engine for alice and waits until session topics are bound.
func startEngine(t *testing.T, api *fakeAPI, tr *fakeTransport, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithReconnectDelay(10 * time.Millisecond),
		WithPresenceDelay(5 * time.Millisecond),
		WithTypingIdle(40 * time.Millisecond),
	}
	e := NewEngine(Session{Identity: alice}, api, tr, append(base, opts...)...)
	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)
	t.Cleanup(func() {
		_ = e.Close(context.Background())
		cancel()
	})
	require.Eventually(t, func() bool { return tr.subscribed(TopicOnline) }, time.Second, 5*time.Millisecond)
	return e
}

// openRoom opens peer and waits for the room topic to be bound.
func openRoom(t *testing.T, e *Engine, tr *fakeTransport, peer string) Room {
	t.Helper()
	require.NoError(t, e.OpenRoom(context.Background(), peer))
	r, ok := e.ActiveRoom()
	require.True(t, ok)
	require.NotEmpty(t, r.ID)
	require.Eventually(t, func() bool { return tr.subscribed(RoomTopic(r.ID)) }, time.Second, 5*time.Millisecond)
	return r
}

func msgIDs(msgs []*Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
