package dmsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSTransport carries the push channel over NATS. Topics and destinations map to
// subjects by dropping the leading slash and turning the rest into dots, so
// /topic/room.r1 becomes topic.room.r1.
//
// Reconnects are left to the ConnectionManager, so the NATS client's own reconnect
// logic is disabled.
type NATSTransport struct {
	url  string
	opts []nats.Option
	log  zerolog.Logger

	mu   sync.Mutex
	nc   *nats.Conn
	done chan struct{}
	subs map[string]*nats.Subscription
}

var _ Transport = (*NATSTransport)(nil)

// NewNATSTransport creates a transport for url. Extra options are appended after the
// transport's own (e.g. nats.Token, nats.UserCredentials).
func NewNATSTransport(url string, log zerolog.Logger, opts ...nats.Option) *NATSTransport {
	closed := make(chan struct{})
	close(closed)
	return &NATSTransport{
		url:  url,
		opts: opts,
		log:  log,
		done: closed,
		subs: make(map[string]*nats.Subscription),
	}
}

func (t *NATSTransport) Dial(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	if t.nc != nil && !t.nc.IsClosed() {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	opts := append([]nats.Option{
		nats.Name("dmsync"),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				t.log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			once.Do(func() { close(done) })
		}),
	}, t.opts...)

	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(t.url, opts...)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}

	t.mu.Lock()
	t.nc = nc
	t.done = done
	t.subs = make(map[string]*nats.Subscription)
	t.mu.Unlock()
	t.log.Debug().Str("url", nc.ConnectedUrlRedacted()).Msg("nats connected")
	return nil
}

func (t *NATSTransport) Close() error {
	t.mu.Lock()
	nc := t.nc
	t.subs = make(map[string]*nats.Subscription)
	t.mu.Unlock()
	if nc == nil || nc.IsClosed() {
		return nil
	}
	if err := nc.Drain(); err != nil {
		nc.Close()
	}
	return nil
}

func (t *NATSTransport) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

func (t *NATSTransport) Subscribe(topic string, h Handler) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nc == nil || !t.nc.IsConnected() {
		return "", ErrNotConnected
	}
	sub, err := t.nc.Subscribe(subjectFor(topic), func(msg *nats.Msg) {
		h(msg.Data)
	})
	if err != nil {
		return "", fmt.Errorf("subscribe %s: %w", topic, err)
	}
	id := uuid.NewString()
	t.subs[id] = sub
	return id, nil
}

func (t *NATSTransport) Unsubscribe(id string) error {
	t.mu.Lock()
	sub, ok := t.subs[id]
	delete(t.subs, id)
	t.mu.Unlock()
	if !ok || !sub.IsValid() {
		return nil
	}
	return sub.Unsubscribe()
}

func (t *NATSTransport) Publish(_ context.Context, destination string, body []byte) error {
	t.mu.Lock()
	nc := t.nc
	t.mu.Unlock()
	if nc == nil || !nc.IsConnected() {
		return ErrNotConnected
	}
	return nc.Publish(subjectFor(destination), body)
}
