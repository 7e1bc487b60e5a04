package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	dmsync "github.com/dmsync/dmsync-go"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// newLogger builds the console logger selected by --log-level.
func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil || logLevel == "" {
		level = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

func baseURL(cfg *Config) string {
	if cfg.Default.BaseURL != "" {
		return cfg.Default.BaseURL
	}
	return dmsync.DefaultBaseURL
}

func wsURL(cfg *Config) string {
	if cfg.Default.WSURL != "" {
		return cfg.Default.WSURL
	}
	return baseURL(cfg) + "/ws"
}

// newClient creates a REST client carrying the stored token, if any.
func newClient(cfg *Config) *dmsync.Client {
	opts := []dmsync.ClientOption{dmsync.WithBaseURL(baseURL(cfg))}
	if cfg.Auth.Token != "" {
		opts = append(opts, dmsync.WithToken(cfg.Auth.Token))
	}
	return dmsync.NewClient(opts...)
}

// loadSession returns the config and the logged-in session.
func loadSession() (*Config, dmsync.Session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, dmsync.Session{}, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" && cfg.Auth.Email == "" {
		return nil, dmsync.Session{}, fmt.Errorf("not logged in; run 'dmsync login <email> <password>' first")
	}
	s, err := dmsync.NewSession(cfg.Auth.Token, cfg.Auth.Email)
	if errors.Is(err, dmsync.ErrSessionExpired) {
		return nil, dmsync.Session{}, fmt.Errorf("session expired at %s; run 'dmsync login' again", s.ExpiresAt.Format(time.RFC3339))
	}
	if err != nil {
		return nil, dmsync.Session{}, err
	}
	return cfg, s, nil
}

// newTransport picks the push channel from default.transport.
func newTransport(cfg *Config, token string, log zerolog.Logger) (dmsync.Transport, error) {
	switch cfg.Default.Transport {
	case "", "ws":
		return dmsync.NewWSTransport(wsURL(cfg), token, dmsync.WithWSLogger(log)), nil
	case "nats":
		if cfg.Default.NATSURL == "" {
			return nil, fmt.Errorf("transport is nats but default.nats_url is not set")
		}
		var opts []nats.Option
		if token != "" {
			opts = append(opts, nats.Token(token))
		}
		return dmsync.NewNATSTransport(cfg.Default.NATSURL, log, opts...), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (valid: ws, nats)", cfg.Default.Transport)
	}
}

// runEngine starts an engine for the stored session. The returned stop function logs
// out and waits for the connection goroutine.
func runEngine(ctx context.Context, opts ...dmsync.Option) (*dmsync.Engine, func(), error) {
	cfg, sess, err := loadSession()
	if err != nil {
		return nil, nil, err
	}
	log := newLogger()
	transport, err := newTransport(cfg, sess.Token, log)
	if err != nil {
		return nil, nil, err
	}

	e := dmsync.NewEngine(sess, newClient(cfg), transport, append([]dmsync.Option{dmsync.WithLogger(log)}, opts...)...)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := e.Run(runCtx); err != nil {
			log.Error().Err(err).Msg("push channel stopped")
		}
	}()

	stop := func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := e.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("logout incomplete")
		}
		cancel()
		<-done
	}
	return e, stop, nil
}

// waitConnected blocks until the engine reports a live channel or ctx ends.
func waitConnected(ctx context.Context, e *dmsync.Engine) bool {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for e.State() != dmsync.StateConnected {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
	return true
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(tok string) string {
	if len(tok) <= 16 {
		return "****"
	}
	return tok[:8] + "..." + tok[len(tok)-4:]
}
