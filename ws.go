package dmsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Frames
// ============================================================================

const (
	cmdConnect     = "CONNECT"
	cmdConnected   = "CONNECTED"
	cmdSubscribe   = "SUBSCRIBE"
	cmdUnsubscribe = "UNSUBSCRIBE"
	cmdSend        = "SEND"
	cmdMessage     = "MESSAGE"
	cmdError       = "ERROR"
	cmdDisconnect  = "DISCONNECT"
)

// frame is the JSON envelope exchanged over the websocket.
type frame struct {
	Command      string          `json:"command"`
	ID           string          `json:"id,omitempty"`
	Subscription string          `json:"subscription,omitempty"`
	Destination  string          `json:"destination,omitempty"`
	Token        string          `json:"token,omitempty"`
	Body         json.RawMessage `json:"body,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// WSOption configures a WSTransport.
type WSOption func(*WSTransport)

// WithWSHeartbeat sets the ping interval. Zero disables the heartbeat.
func WithWSHeartbeat(d time.Duration) WSOption {
	return func(t *WSTransport) { t.heartbeat = d }
}

func WithWSHTTPClient(c *http.Client) WSOption {
	return func(t *WSTransport) { t.httpClient = c }
}

func WithWSLogger(l zerolog.Logger) WSOption {
	return func(t *WSTransport) { t.log = l }
}

// ============================================================================
// WSTransport
// ============================================================================

type wsSubscription struct {
	topic   string
	handler Handler
}

// wsConn is one live connection. done is closed exactly once when it ends.
type wsConn struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (c *wsConn) finish() {
	c.once.Do(func() {
		c.cancel()
		close(c.done)
	})
}

// WSTransport is a websocket push channel speaking JSON frames modelled on STOMP.
type WSTransport struct {
	url        string
	token      string
	heartbeat  time.Duration
	httpClient *http.Client
	log        zerolog.Logger

	mu   sync.Mutex
	cur  *wsConn
	subs map[string]wsSubscription
}

var _ Transport = (*WSTransport)(nil)

// NewWSTransport creates a transport for the given endpoint. http(s) schemes are
// rewritten to ws(s).
func NewWSTransport(url, token string, opts ...WSOption) *WSTransport {
	url = strings.Replace(url, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)
	t := &WSTransport{
		url:       url,
		token:     token,
		heartbeat: 25 * time.Second,
		log:       zerolog.Nop(),
		subs:      make(map[string]wsSubscription),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Dial connects and waits for the CONNECTED frame. Bindings from a previous
// connection are discarded.
func (t *WSTransport) Dial(ctx context.Context) error {
	t.mu.Lock()
	if t.cur != nil {
		select {
		case <-t.cur.done:
		default:
			t.mu.Unlock()
			return nil
		}
	}
	t.mu.Unlock()

	opts := &websocket.DialOptions{HTTPClient: t.httpClient}
	if t.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + t.token}}
	}
	conn, _, err := websocket.Dial(ctx, t.url, opts)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	if err := writeFrame(ctx, conn, frame{Command: cmdConnect, Token: t.token}); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("send connect frame: %w", err)
	}

	// First frame must be CONNECTED
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("read connected frame: %w", err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil || f.Command != cmdConnected {
		conn.Close(websocket.StatusNormalClosure, "")
		if f.Command == cmdError {
			return fmt.Errorf("connect rejected: %s", f.Message)
		}
		return fmt.Errorf("expected %q, got %q", cmdConnected, f.Command)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &wsConn{conn: conn, cancel: cancel, done: make(chan struct{})}

	t.mu.Lock()
	t.cur = c
	t.subs = make(map[string]wsSubscription)
	t.mu.Unlock()

	go t.readLoop(connCtx, c)
	if t.heartbeat > 0 {
		go t.heartbeatLoop(connCtx, c)
	}
	t.log.Debug().Str("url", t.url).Msg("websocket connected")
	return nil
}

// Close sends DISCONNECT and closes the connection.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	c := t.cur
	t.subs = make(map[string]wsSubscription)
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.done:
		return nil
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = writeFrame(ctx, c.conn, frame{Command: cmdDisconnect})
	err := c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	c.finish()
	return err
}

// Done is closed when the current connection ends. Before the first Dial it is
// already closed.
func (t *WSTransport) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return t.cur.done
}

func (t *WSTransport) Subscribe(topic string, h Handler) (string, error) {
	c := t.live()
	if c == nil {
		return "", ErrNotConnected
	}
	id := uuid.NewString()
	t.mu.Lock()
	t.subs[id] = wsSubscription{topic: topic, handler: h}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := writeFrame(ctx, c.conn, frame{Command: cmdSubscribe, ID: id, Destination: topic}); err != nil {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
		return "", fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return id, nil
}

// Unsubscribe drops the local binding first so no further body reaches the handler,
// then tells the server.
func (t *WSTransport) Unsubscribe(id string) error {
	t.mu.Lock()
	_, ok := t.subs[id]
	delete(t.subs, id)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	c := t.live()
	if c == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return writeFrame(ctx, c.conn, frame{Command: cmdUnsubscribe, ID: id})
}

func (t *WSTransport) Publish(ctx context.Context, destination string, body []byte) error {
	c := t.live()
	if c == nil {
		return ErrNotConnected
	}
	return writeFrame(ctx, c.conn, frame{Command: cmdSend, Destination: destination, Body: body})
}

func (t *WSTransport) live() *wsConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		return nil
	}
	select {
	case <-t.cur.done:
		return nil
	default:
		return t.cur
	}
}

func (t *WSTransport) readLoop(ctx context.Context, c *wsConn) {
	defer c.finish()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				t.log.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}

		var f frame
		if json.Unmarshal(data, &f) != nil {
			t.log.Debug().Int("bytes", len(data)).Msg("dropping unparseable frame")
			continue
		}

		switch f.Command {
		case cmdMessage:
			t.mu.Lock()
			sub, ok := t.subs[f.Subscription]
			t.mu.Unlock()
			if !ok {
				continue
			}
			// called unlocked: a concurrent Unsubscribe can return before this finishes
			sub.handler(f.Body)
		case cmdError:
			t.log.Warn().Str("message", f.Message).Msg("server error frame")
		}
	}
}

func (t *WSTransport) heartbeatLoop(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					t.log.Warn().Err(err).Msg("heartbeat failed")
					c.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
