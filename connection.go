package dmsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ConnState represents the push channel state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

const (
	DefaultReconnectDelay = 1500 * time.Millisecond
	DefaultPresenceDelay  = 300 * time.Millisecond

	outboundQueue  = 64
	publishTimeout = 5 * time.Second
)

// ============================================================================
// Reconnector
// ============================================================================

// reconnector computes the wait before the next dial. With maxDelay <= baseDelay
// the delay is fixed; otherwise it backs off exponentially with jitter.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(base, maxDelay time.Duration, maxAttempts int) *reconnector {
	return &reconnector{baseDelay: base, maxDelay: maxDelay, maxAttempts: maxAttempts}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.attempt = 0
}

func (r *reconnector) nextDelay() time.Duration {
	r.attempt++
	if r.maxDelay <= r.baseDelay {
		return r.baseDelay
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	return time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt-1))+float64(jitter),
		float64(r.maxDelay),
	))
}

// ============================================================================
// ConnectionManager
// ============================================================================

type outbound struct {
	destination string
	body        []byte
}

// ConnectionManager owns the push channel: dialing, reconnecting after a fixed delay,
// keyed subscriptions, ordered outbound publishes and presence registration.
//
// Subscriptions are keyed. Subscribing under a key that is already bound releases the
// previous binding first, so a key never has two live handlers. Bindings do not survive
// a reconnect; OnConnect hooks must re-create them.
type ConnectionManager struct {
	transport     Transport
	self          string
	log           zerolog.Logger
	metrics       *Metrics
	recon         *reconnector
	presenceDelay time.Duration

	out chan outbound

	mu            sync.Mutex
	state         ConnState
	subs          map[string]string
	onConnect     []func(ctx context.Context)
	onState       []func(ConnState)
	presenceTimer *time.Timer
	cancel        context.CancelFunc
	closed        bool
}

// ConnOption configures a ConnectionManager.
type ConnOption func(*ConnectionManager)

// WithBackoff replaces the fixed reconnect delay with exponential backoff capped at maxDelay.
// maxAttempts of 0 retries forever.
func WithBackoff(base, maxDelay time.Duration, maxAttempts int) ConnOption {
	return func(cm *ConnectionManager) { cm.recon = newReconnector(base, maxDelay, maxAttempts) }
}

func withConnLogger(l zerolog.Logger) ConnOption {
	return func(cm *ConnectionManager) { cm.log = l }
}

func withConnMetrics(m *Metrics) ConnOption {
	return func(cm *ConnectionManager) { cm.metrics = m }
}

func withFixedDelay(d time.Duration) ConnOption {
	return func(cm *ConnectionManager) { cm.recon = newReconnector(d, d, 0) }
}

func withPresenceDelay(d time.Duration) ConnOption {
	return func(cm *ConnectionManager) { cm.presenceDelay = d }
}

// NewConnectionManager creates a manager for self over transport.
func NewConnectionManager(transport Transport, self string, opts ...ConnOption) *ConnectionManager {
	cm := &ConnectionManager{
		transport:     transport,
		self:          self,
		log:           zerolog.Nop(),
		recon:         newReconnector(DefaultReconnectDelay, DefaultReconnectDelay, 0),
		presenceDelay: DefaultPresenceDelay,
		out:           make(chan outbound, outboundQueue),
		state:         StateDisconnected,
		subs:          make(map[string]string),
	}
	for _, opt := range opts {
		opt(cm)
	}
	return cm
}

// OnConnect registers a hook run after every successful (re)connect, in registration
// order. Hooks must be idempotent.
func (cm *ConnectionManager) OnConnect(fn func(ctx context.Context)) {
	cm.mu.Lock()
	cm.onConnect = append(cm.onConnect, fn)
	cm.mu.Unlock()
}

// OnStateChange registers a hook called on every state transition.
func (cm *ConnectionManager) OnStateChange(fn func(ConnState)) {
	cm.mu.Lock()
	cm.onState = append(cm.onState, fn)
	cm.mu.Unlock()
}

// State returns the current connection state.
func (cm *ConnectionManager) State() ConnState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateConnected
}

// Run dials and keeps the channel up until ctx is cancelled or Disconnect is called.
func (cm *ConnectionManager) Run(ctx context.Context) error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	cm.cancel = cancel
	cm.mu.Unlock()
	defer cancel()

	go cm.writeLoop(ctx)

	first := true
	for {
		if first {
			cm.setState(StateConnecting)
		} else {
			cm.setState(StateReconnecting)
		}
		first = false

		if err := cm.transport.Dial(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			if !cm.recon.shouldReconnect() {
				cm.setState(StateDisconnected)
				return fmt.Errorf("giving up after %d attempts: %w", cm.recon.attempt, err)
			}
			delay := cm.recon.nextDelay()
			cm.metrics.reconnect()
			cm.log.Warn().Err(err).Int("attempt", cm.recon.attempt).Dur("delay", delay).Msg("connect failed")
			if !sleepCtx(ctx, delay) {
				break
			}
			continue
		}

		cm.recon.markConnected()
		cm.resetSubscriptions()
		cm.setState(StateConnected)
		cm.metrics.setConnected(true)
		cm.log.Info().Str("self", cm.self).Msg("push channel connected")

		cm.mu.Lock()
		hooks := append([]func(context.Context){}, cm.onConnect...)
		cm.mu.Unlock()
		for _, h := range hooks {
			h(ctx)
		}
		cm.armPresence()

		select {
		case <-ctx.Done():
		case <-cm.transport.Done():
		}
		cm.stopPresence()
		cm.metrics.setConnected(false)
		if ctx.Err() != nil {
			break
		}

		delay := cm.recon.nextDelay()
		cm.metrics.reconnect()
		cm.setState(StateReconnecting)
		cm.log.Warn().Dur("delay", delay).Msg("push channel lost, reconnecting")
		if !sleepCtx(ctx, delay) {
			break
		}
	}

	cm.setState(StateDisconnected)
	_ = cm.transport.Close()
	return nil
}

// Disconnect releases every subscription, unregisters presence and closes the channel.
// It returns once the channel is closed; Run then returns.
func (cm *ConnectionManager) Disconnect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	connected := cm.state == StateConnected
	cancel := cm.cancel
	cm.mu.Unlock()

	cm.stopPresence()
	cm.ReleaseAll()

	var err error
	if connected {
		body, _ := json.Marshal(presencePayload{Email: cm.self})
		if err = cm.transport.Publish(ctx, DestUnregisterOnline, body); err != nil {
			cm.log.Warn().Err(err).Msg("unregister presence failed")
		}
		cm.metrics.publish(DestUnregisterOnline, err)
	}

	if cancel != nil {
		cancel()
	}
	if cerr := cm.transport.Close(); cerr != nil && err == nil {
		err = cerr
	}
	cm.setState(StateDisconnected)
	return err
}

// ============================================================================
// Subscriptions
// ============================================================================

// Subscribe binds h to topic under key, releasing whatever key was bound to before.
func (cm *ConnectionManager) Subscribe(key, topic string, h Handler) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if old, ok := cm.subs[key]; ok {
		delete(cm.subs, key)
		if err := cm.transport.Unsubscribe(old); err != nil {
			cm.log.Debug().Err(err).Str("key", key).Msg("unsubscribe failed")
		}
	}
	if cm.closed || cm.state != StateConnected {
		return ErrNotConnected
	}
	id, err := cm.transport.Subscribe(topic, h)
	if err != nil {
		return err
	}
	cm.subs[key] = id
	cm.log.Debug().Str("key", key).Str("topic", topic).Msg("subscribed")
	return nil
}

// Release drops the binding under key. It is a no-op for unknown keys.
func (cm *ConnectionManager) Release(key string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	id, ok := cm.subs[key]
	if !ok {
		return
	}
	delete(cm.subs, key)
	if err := cm.transport.Unsubscribe(id); err != nil {
		cm.log.Debug().Err(err).Str("key", key).Msg("unsubscribe failed")
	}
}

// ReleaseAll drops every binding.
func (cm *ConnectionManager) ReleaseAll() {
	cm.mu.Lock()
	subs := cm.subs
	cm.subs = make(map[string]string)
	cm.mu.Unlock()
	for _, id := range subs {
		_ = cm.transport.Unsubscribe(id)
	}
}

// Subscribed reports whether key is currently bound.
func (cm *ConnectionManager) Subscribed(key string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	_, ok := cm.subs[key]
	return ok
}

func (cm *ConnectionManager) resetSubscriptions() {
	cm.mu.Lock()
	cm.subs = make(map[string]string)
	cm.mu.Unlock()
}

// ============================================================================
// Outbound
// ============================================================================

// Publish queues v, encoded as JSON, for destination. Queued publishes are written in
// order by a single writer; write failures are logged and counted, not returned.
func (cm *ConnectionManager) Publish(ctx context.Context, destination string, v any) error {
	if !cm.IsConnected() {
		return ErrNotConnected
	}
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", destination, err)
	}
	select {
	case cm.out <- outbound{destination: destination, body: body}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cm *ConnectionManager) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-cm.out:
			wctx, cancel := context.WithTimeout(ctx, publishTimeout)
			err := cm.transport.Publish(wctx, o.destination, o.body)
			cancel()
			cm.metrics.publish(o.destination, err)
			if err != nil {
				cm.log.Warn().Err(err).Str("destination", o.destination).Msg("publish failed")
			}
		}
	}
}

// ============================================================================
// Presence registration
// ============================================================================

type presencePayload struct {
	Email string `json:"email"`
}

func (cm *ConnectionManager) armPresence() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.presenceTimer != nil {
		cm.presenceTimer.Stop()
	}
	cm.presenceTimer = time.AfterFunc(cm.presenceDelay, func() {
		if err := cm.Publish(context.Background(), DestRegisterOnline, presencePayload{Email: cm.self}); err != nil {
			cm.log.Debug().Err(err).Msg("register presence skipped")
		}
	})
}

func (cm *ConnectionManager) stopPresence() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.presenceTimer != nil {
		cm.presenceTimer.Stop()
		cm.presenceTimer = nil
	}
}

func (cm *ConnectionManager) setState(s ConnState) {
	cm.mu.Lock()
	if cm.state == s {
		cm.mu.Unlock()
		return
	}
	cm.state = s
	hooks := append([]func(ConnState){}, cm.onState...)
	cm.mu.Unlock()
	for _, h := range hooks {
		h(s)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
