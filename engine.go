package dmsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTypingIdle = 900 * time.Millisecond

	defaultUpdateBuffer = 64
	opsQueue            = 256
	requestTimeout      = 15 * time.Second

	keyRoom   = "room"
	keyTyping = "typing"
)

// ============================================================================
// Updates
// ============================================================================

// UpdateKind names the part of the view that changed.
type UpdateKind string

const (
	UpdateRooms      UpdateKind = "rooms"
	UpdateTimeline   UpdateKind = "timeline"
	UpdatePresence   UpdateKind = "presence"
	UpdateTyping     UpdateKind = "typing"
	UpdateConnection UpdateKind = "connection"
)

// Update tells a consumer which snapshot to re-read.
type Update struct {
	Kind   UpdateKind
	RoomID string
	State  ConnState
}

// ============================================================================
// Options
// ============================================================================

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics records engine metrics; see NewMetrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithReconnectDelay sets the fixed wait between reconnect attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(e *Engine) { e.reconnectDelay = d }
}

// WithPresenceDelay sets how long after connecting presence is registered.
func WithPresenceDelay(d time.Duration) Option {
	return func(e *Engine) { e.presenceDelay = d }
}

// WithTypingIdle sets the idle window after which typing=false is published.
func WithTypingIdle(d time.Duration) Option {
	return func(e *Engine) { e.typingIdle = d }
}

// WithTypingTimeout sets how long a peer's typing=true is trusted without a refresh.
func WithTypingTimeout(d time.Duration) Option {
	return func(e *Engine) { e.typingTimeout = d }
}

// WithClock replaces time.Now for typing expiry.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithUpdateBuffer sizes the Updates channel.
func WithUpdateBuffer(n int) Option {
	return func(e *Engine) { e.updateBuffer = n }
}

// WithConnOptions passes options through to the ConnectionManager, e.g. WithBackoff.
func WithConnOptions(opts ...ConnOption) Option {
	return func(e *Engine) { e.connOpts = append(e.connOpts, opts...) }
}

// ============================================================================
// Engine
// ============================================================================

type activeRoom struct {
	id   string
	peer string
}

// Engine keeps one user's conversations consistent across REST fetches and push
// events. A single goroutine owns all state; every other goroutine (transport
// readers, REST completions, timers) hands work to it, so no state is locked.
//
// Async completions carry the generation they were started under. Opening a room
// bumps the generation, and completions from an older one are discarded.
type Engine struct {
	session  Session
	self     string
	api      ChatAPI
	conn     *ConnectionManager
	resolver *RoomResolver
	log      zerolog.Logger
	metrics  *Metrics
	now      func() time.Time

	reconnectDelay time.Duration
	presenceDelay  time.Duration
	typingIdle     time.Duration
	typingTimeout  time.Duration
	updateBuffer   int
	connOpts       []ConnOption

	bg        context.Context
	cancelBG  context.CancelFunc
	ops       chan func()
	updates   chan Update
	quit      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	// owned by the loop goroutine
	rooms     *roomList
	tracker   *tracker
	timelines map[string]*Timeline
	reactions *reactionAggregator
	active    activeRoom
	gen       uint64
	roomsSeq  uint64
	typing    typingState
}

// NewEngine creates an engine for session and starts its loop. Call Run to connect
// and Close to log out.
func NewEngine(session Session, api ChatAPI, transport Transport, opts ...Option) *Engine {
	e := &Engine{
		session:        session,
		self:           session.Identity,
		api:            api,
		log:            zerolog.Nop(),
		now:            time.Now,
		reconnectDelay: DefaultReconnectDelay,
		presenceDelay:  DefaultPresenceDelay,
		typingIdle:     DefaultTypingIdle,
		typingTimeout:  DefaultTypingTimeout,
		updateBuffer:   defaultUpdateBuffer,
		ops:            make(chan func(), opsQueue),
		quit:           make(chan struct{}),
		loopDone:       make(chan struct{}),
		timelines:      make(map[string]*Timeline),
		reactions:      newReactionAggregator(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With().Str("self", e.self).Logger()
	e.updates = make(chan Update, e.updateBuffer)
	e.rooms = newRoomList()
	e.tracker = newTracker(e.rooms, e.now, e.typingTimeout)
	e.resolver = NewRoomResolver(api, e.log)
	e.bg, e.cancelBG = context.WithCancel(context.Background())

	connOpts := append([]ConnOption{
		withFixedDelay(e.reconnectDelay),
		withPresenceDelay(e.presenceDelay),
		withConnLogger(e.log),
		withConnMetrics(e.metrics),
	}, e.connOpts...)
	e.conn = NewConnectionManager(transport, e.self, connOpts...)
	e.conn.OnConnect(e.onConnect)
	e.conn.OnStateChange(func(s ConnState) {
		e.post(func() { e.emit(Update{Kind: UpdateConnection, State: s}) })
	})

	go e.loop()
	return e
}

// Run connects the push channel and keeps it up until ctx ends or Close is called.
func (e *Engine) Run(ctx context.Context) error {
	return e.conn.Run(ctx)
}

// Close logs out: it stops typing, releases every subscription, unregisters presence
// and closes the channel. The Updates channel is closed afterwards.
func (e *Engine) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		_ = e.call(ctx, func() {
			e.stopTyping()
			e.active = activeRoom{}
		})
		err = e.conn.Disconnect(ctx)
		e.cancelBG()
		close(e.quit)
		<-e.loopDone
	})
	return err
}

// Updates delivers change notifications. When the consumer falls behind, updates are
// dropped rather than stalling the engine; re-read the snapshots on the next one.
func (e *Engine) Updates() <-chan Update {
	return e.updates
}

// Self returns the session identity.
func (e *Engine) Self() string { return e.self }

// Session returns the session the engine was created with.
func (e *Engine) Session() Session { return e.session }

// State returns the push channel state.
func (e *Engine) State() ConnState { return e.conn.State() }

// ============================================================================
// Loop plumbing
// ============================================================================

func (e *Engine) loop() {
	defer close(e.loopDone)
	defer close(e.updates)
	for {
		select {
		case fn := <-e.ops:
			fn()
		case <-e.quit:
			return
		}
	}
}

// post queues fn on the loop. It reports false once the engine is closed.
func (e *Engine) post(fn func()) bool {
	select {
	case e.ops <- fn:
		return true
	case <-e.quit:
		return false
	}
}

// call runs fn on the loop and waits for it. Never call it from the loop itself.
func (e *Engine) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !e.post(func() {
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.quit:
		return ErrClosed
	}
}

func (e *Engine) read(fn func()) bool {
	return e.call(context.Background(), fn) == nil
}

func (e *Engine) emit(u Update) {
	select {
	case e.updates <- u:
	default:
		e.metrics.dropped()
	}
}

func (e *Engine) timeline(roomID string) *Timeline {
	tl, ok := e.timelines[roomID]
	if !ok {
		tl = newTimeline(roomID)
		e.timelines[roomID] = tl
	}
	return tl
}

// findMessage looks in roomID first, then every other known room.
func (e *Engine) findMessage(roomID, id string) (*Timeline, *Message) {
	if tl, ok := e.timelines[roomID]; ok {
		if m := tl.Get(id); m != nil {
			return tl, m
		}
	}
	for _, tl := range e.timelines {
		if m := tl.Get(id); m != nil {
			return tl, m
		}
	}
	return nil, nil
}

// ============================================================================
// Connect
// ============================================================================

// onConnect runs on every (re)connect from the connection goroutine. Everything it
// does is safe to repeat.
func (e *Engine) onConnect(ctx context.Context) {
	var (
		snapshot map[string]bool
		records  []RoomRecord
		roomsOK  bool
	)
	var g errgroup.Group
	g.Go(func() error {
		s, err := e.api.PresenceSnapshot(ctx)
		if err != nil {
			return fmt.Errorf("presence snapshot: %w", err)
		}
		snapshot = s
		return nil
	})
	g.Go(func() error {
		r, err := e.api.ListRooms(ctx, e.self)
		if err != nil {
			return fmt.Errorf("list rooms: %w", err)
		}
		records, roomsOK = r, true
		return nil
	})
	if err := g.Wait(); err != nil {
		e.log.Warn().Err(err).Msg("initial sync incomplete")
	}
	if roomsOK {
		e.resolver.Learn(e.self, records)
	}

	err := e.call(ctx, func() {
		if snapshot != nil {
			e.tracker.loadPresence(snapshot)
			e.emit(Update{Kind: UpdatePresence})
		}
		if roomsOK {
			e.roomsSeq++
			e.applyRooms(records)
		}
		for topic, kind := range sessionTopics(e.self) {
			if err := e.conn.Subscribe(topic, topic, e.handler(kind, e.self)); err != nil {
				e.log.Warn().Err(err).Str("topic", topic).Msg("subscribe failed")
			}
		}
		if e.active.id != "" {
			e.subscribeRoom(e.active.id)
			gen, id, peer := e.gen, e.active.id, e.active.peer
			go func() {
				if err := e.loadHistory(e.bg, gen, id, peer); err != nil {
					e.log.Warn().Err(err).Str("room", id).Msg("history reload failed")
				}
			}()
		}
	})
	if err != nil {
		e.log.Debug().Err(err).Msg("connect hook abandoned")
	}
}

// handler decodes bodies at the channel boundary and hands typed events to the loop.
func (e *Engine) handler(kind topicKind, scope string) Handler {
	return func(body []byte) {
		ev, ok := decodeEvent(kind, scope, body)
		if !ok {
			e.metrics.decodeFailure(kind.String())
			e.log.Debug().Str("kind", kind.String()).Int("bytes", len(body)).Msg("dropping undecodable event")
			return
		}
		e.post(func() { e.apply(ev) })
	}
}

func (e *Engine) subscribeRoom(roomID string) {
	if err := e.conn.Subscribe(keyRoom, RoomTopic(roomID), e.handler(kindRoomMessage, roomID)); err != nil {
		e.log.Debug().Err(err).Str("room", roomID).Msg("room subscribe deferred")
		return
	}
	if err := e.conn.Subscribe(keyTyping, TypingTopic(roomID), e.handler(kindTyping, roomID)); err != nil {
		e.log.Debug().Err(err).Str("room", roomID).Msg("typing subscribe deferred")
	}
}

// ============================================================================
// Rooms
// ============================================================================

// OpenRoom makes the conversation with peer active. The previous room's
// subscriptions are released and the local unread count is zeroed before any
// network call. It returns once history is loaded, or with an error when the room
// could not be resolved or created.
func (e *Engine) OpenRoom(ctx context.Context, peer string) error {
	peer = strings.TrimSpace(peer)
	if peer == "" || peer == e.self {
		return fmt.Errorf("open room: invalid peer %q", peer)
	}

	var gen uint64
	if err := e.call(ctx, func() { gen = e.activate(peer) }); err != nil {
		return err
	}

	id, err := e.resolver.Resolve(ctx, e.self, peer)
	if err != nil {
		e.log.Error().Err(err).Str("peer", peer).Msg("room resolution failed")
		return err
	}

	stale := false
	if err := e.call(ctx, func() {
		if gen != e.gen {
			stale = true
			e.metrics.stale("resolve")
			return
		}
		e.bind(id)
	}); err != nil {
		return err
	}
	if stale {
		return nil
	}
	return e.loadHistory(ctx, gen, id, peer)
}

// activate switches the active peer and returns the new generation.
func (e *Engine) activate(peer string) uint64 {
	e.stopTyping()
	e.gen++
	e.conn.Release(keyRoom)
	e.conn.Release(keyTyping)
	e.active = activeRoom{peer: peer}
	if r := e.rooms.byPeer(peer); r != nil {
		if e.tracker.resetUnread(r.ID) {
			e.emit(Update{Kind: UpdateRooms})
		}
	}
	e.log.Debug().Str("peer", peer).Uint64("gen", e.gen).Msg("room activated")
	return e.gen
}

// bind attaches the resolved id to the active peer and subscribes its topics.
func (e *Engine) bind(id string) {
	e.active.id = id
	changed := e.rooms.seed(id, e.active.peer)
	if e.tracker.resetUnread(id) {
		changed = true
	}
	if changed {
		e.emit(Update{Kind: UpdateRooms})
	}
	e.timeline(id)
	e.subscribeRoom(id)
	e.emit(Update{Kind: UpdateTimeline, RoomID: id})
}

func (e *Engine) loadHistory(ctx context.Context, gen uint64, roomID, peer string) error {
	history, err := e.api.History(ctx, e.self, peer)
	if err != nil {
		return fmt.Errorf("load history %s: %w", peer, err)
	}

	stale := false
	if err := e.call(ctx, func() {
		if gen != e.gen {
			stale = true
			e.metrics.stale("history")
			return
		}
		tl := e.timeline(roomID)
		tl.Load(history)
		for _, m := range history {
			e.reactions.Forget(m.ID)
		}
		e.notePreview(tl)
		e.emit(Update{Kind: UpdateTimeline, RoomID: roomID})
	}); err != nil || stale {
		return err
	}

	e.ackSeen(ctx, gen, roomID, peer)
	return nil
}

// ackSeen tells the server self has seen everything from peer, then marks the local
// copies. Failures are logged only.
func (e *Engine) ackSeen(ctx context.Context, gen uint64, roomID, peer string) {
	if err := e.api.MarkSeen(ctx, peer, e.self); err != nil {
		e.log.Warn().Err(err).Str("peer", peer).Msg("seen acknowledgment failed")
		return
	}
	e.post(func() {
		if gen != e.gen {
			e.metrics.stale("seen")
			return
		}
		if tl, ok := e.timelines[roomID]; ok && tl.MarkSeen(e.self, nil) > 0 {
			e.emit(Update{Kind: UpdateTimeline, RoomID: roomID})
		}
		if e.tracker.resetUnread(roomID) {
			e.emit(Update{Kind: UpdateRooms})
		}
	})
}

// refreshRooms reloads the room list. Only the newest refresh is applied.
func (e *Engine) refreshRooms() {
	e.roomsSeq++
	seq := e.roomsSeq
	go func() {
		ctx, cancel := context.WithTimeout(e.bg, requestTimeout)
		defer cancel()
		records, err := e.api.ListRooms(ctx, e.self)
		if err != nil {
			e.log.Warn().Err(err).Msg("room list refresh failed")
			return
		}
		e.resolver.Learn(e.self, records)
		e.post(func() {
			if seq != e.roomsSeq {
				e.metrics.stale("rooms")
				return
			}
			e.applyRooms(records)
		})
	}()
}

func (e *Engine) applyRooms(records []RoomRecord) {
	e.rooms.replace(e.self, records, e.active.id)
	e.emit(Update{Kind: UpdateRooms})
}

// ============================================================================
// Event routing
// ============================================================================

func (e *Engine) apply(ev Event) {
	e.metrics.event(ev.eventKind())
	switch ev := ev.(type) {
	case MessageEvent:
		e.applyMessage(ev)
	case TypingEvent:
		e.applyTyping(ev)
	case PresenceEvent:
		if e.tracker.setPresence(ev.Participant, ev.Online) {
			e.emit(Update{Kind: UpdatePresence})
		}
		e.refreshRooms()
	case ReactionEvent:
		tl, m := e.findMessage(ev.RoomID, ev.MessageID)
		if m == nil {
			return
		}
		e.reactions.Confirm(m, ev.Emoji, ev.Users)
		e.emit(Update{Kind: UpdateTimeline, RoomID: tl.RoomID()})
	case SeenEvent:
		e.applySeen(ev)
	case DeleteEvent:
		e.applyDelete(ev)
	case EditEvent:
		if tl, m := e.findMessage(ev.RoomID, ev.MessageID); m != nil && tl.SetEdited(m.ID, ev.EditedContent) {
			e.notePreview(tl)
			e.emit(Update{Kind: UpdateTimeline, RoomID: tl.RoomID()})
		}
	case UnreadUpdateEvent:
		e.applyUnreadUpdate(ev)
	case UnreadRefreshEvent:
		if ev.User == "" || ev.User == e.self {
			e.refreshRooms()
		}
	}
}

func (e *Engine) applyMessage(ev MessageEvent) {
	if ev.RoomID != e.active.id {
		e.metrics.stale("message")
		return
	}
	tl := e.timeline(ev.RoomID)
	tl.Apply(ev.Message)
	e.reactions.Forget(ev.Message.ID)
	e.notePreview(tl)

	m := ev.Message
	if m.Sender == e.active.peer && m.Receiver == e.self {
		if e.tracker.setTyping(ev.RoomID, m.Sender, false) {
			e.emit(Update{Kind: UpdateTyping, RoomID: ev.RoomID})
		}
		if m.Status != StatusSeen && !m.DeletedForEveryone {
			gen, roomID, peer := e.gen, ev.RoomID, m.Sender
			go func() {
				ctx, cancel := context.WithTimeout(e.bg, requestTimeout)
				defer cancel()
				e.ackSeen(ctx, gen, roomID, peer)
			}()
		}
	}
	e.emit(Update{Kind: UpdateTimeline, RoomID: ev.RoomID})
}

func (e *Engine) applyTyping(ev TypingEvent) {
	if ev.RoomID != e.active.id {
		e.metrics.stale("typing")
		return
	}
	if ev.Sender == e.self {
		return
	}
	if e.tracker.setTyping(ev.RoomID, ev.Sender, ev.Typing) {
		e.emit(Update{Kind: UpdateTyping, RoomID: ev.RoomID})
	}
	if ev.Typing {
		roomID := ev.RoomID
		time.AfterFunc(e.typingTimeout, func() {
			e.post(func() {
				if _, still := e.tracker.typingIn(roomID); !still {
					e.emit(Update{Kind: UpdateTyping, RoomID: roomID})
				}
			})
		})
	}
}

func (e *Engine) applySeen(ev SeenEvent) {
	mark := func(tl *Timeline) {
		if tl.MarkSeen(ev.Reader, ev.MessageIDs) > 0 {
			e.emit(Update{Kind: UpdateTimeline, RoomID: tl.RoomID()})
		}
	}
	if tl, ok := e.timelines[ev.RoomID]; ok {
		mark(tl)
		return
	}
	for _, tl := range e.timelines {
		mark(tl)
	}
}

func (e *Engine) applyDelete(ev DeleteEvent) {
	tl, m := e.findMessage(ev.RoomID, ev.MessageID)
	if m == nil {
		return
	}
	if ev.ForEveryone {
		tl.MarkDeletedForEveryone(m.ID)
		e.reactions.Forget(m.ID)
	} else if !tl.MarkDeletedFor(m.ID, ev.User) {
		return
	}
	e.notePreview(tl)
	e.emit(Update{Kind: UpdateTimeline, RoomID: tl.RoomID()})
}

func (e *Engine) applyUnreadUpdate(ev UnreadUpdateEvent) {
	if ev.Receiver != e.self {
		return
	}
	// the open conversation stays at zero; acknowledge instead of refetching
	if ev.Sender == e.active.peer && e.active.id != "" {
		gen, roomID, peer := e.gen, e.active.id, e.active.peer
		go func() {
			ctx, cancel := context.WithTimeout(e.bg, requestTimeout)
			defer cancel()
			e.ackSeen(ctx, gen, roomID, peer)
		}()
		return
	}
	if e.rooms.byPeer(ev.Sender) == nil {
		e.refreshRooms()
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(e.bg, requestTimeout)
		defer cancel()
		n, err := e.api.UnreadCount(ctx, ev.Sender, ev.Receiver)
		if err != nil {
			e.log.Warn().Err(err).Str("peer", ev.Sender).Msg("unread refetch failed")
			return
		}
		e.post(func() {
			if ev.Sender == e.active.peer {
				e.metrics.stale("unread")
				return
			}
			if e.tracker.setUnread(ev.Sender, n) {
				e.emit(Update{Kind: UpdateRooms})
			}
		})
	}()
}

// notePreview keeps the room preview in step with the newest message self can see.
// An empty timeline leaves the server's preview alone.
func (e *Engine) notePreview(tl *Timeline) {
	if tl.Len() == 0 {
		return
	}
	var text string
	if last := tl.LastVisible(e.self); last != nil {
		text = last.Text()
	}
	if e.rooms.setPreview(tl.RoomID(), text) {
		e.emit(Update{Kind: UpdateRooms})
	}
}

// ============================================================================
// Snapshots
// ============================================================================

// Rooms returns the room list in display order.
func (e *Engine) Rooms() []Room {
	var out []Room
	e.read(func() { out = e.rooms.snapshot() })
	return out
}

// ActiveRoom returns the open conversation. ID is empty while it is being resolved.
func (e *Engine) ActiveRoom() (Room, bool) {
	var (
		r  Room
		ok bool
	)
	e.read(func() {
		if e.active.peer == "" {
			return
		}
		ok = true
		r = Room{ID: e.active.id, Peer: e.active.peer}
		if cur := e.rooms.get(e.active.id); cur != nil {
			r = *cur
		}
	})
	return r, ok
}

// Messages returns the active room's messages as self should see them.
func (e *Engine) Messages() []*Message {
	var out []*Message
	e.read(func() {
		if tl, ok := e.timelines[e.active.id]; ok && e.active.id != "" {
			out = tl.Visible(e.self)
		}
	})
	return out
}

// RoomMessages returns the visible messages of any room the engine has loaded.
func (e *Engine) RoomMessages(roomID string) []*Message {
	var out []*Message
	e.read(func() {
		if tl, ok := e.timelines[roomID]; ok {
			out = tl.Visible(e.self)
		}
	})
	return out
}

// Message returns a copy of a known message.
func (e *Engine) Message(id string) (*Message, bool) {
	var m *Message
	e.read(func() {
		if _, found := e.findMessage(e.active.id, id); found != nil {
			m = found.Clone()
		}
	})
	return m, m != nil
}

// Presence returns a copy of the online map.
func (e *Engine) Presence() map[string]bool {
	var out map[string]bool
	e.read(func() { out = e.tracker.presence() })
	return out
}

// Online reports a participant's last known presence.
func (e *Engine) Online(participant string) bool {
	var on bool
	e.read(func() { on = e.tracker.isOnline(participant) })
	return on
}

// TypingPeer returns who is typing in roomID, if anyone.
func (e *Engine) TypingPeer(roomID string) (string, bool) {
	var (
		peer string
		ok   bool
	)
	e.read(func() { peer, ok = e.tracker.typingIn(roomID) })
	return peer, ok
}
