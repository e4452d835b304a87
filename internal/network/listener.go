package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mclisten-project/mclisten/internal/observer"
)

// Listener defaults.
const (
	DefaultMaxConnPerSec     = 10  // max new connections per second per source IP
	DefaultMaxConcurrentConn = 256 // max concurrent sessions
	acceptRetryDelay         = 50 * time.Millisecond
)

// ListenerConfig configures the inbound side of the proxy.
type ListenerConfig struct {
	Address       string // host:port to bind
	MaxConnPerSec int    // per source IP, zero disables the limit
	MaxConcurrent int    // zero disables the cap
}

// Listener accepts client connections and hands each one to the Relay.
type Listener struct {
	cfg    ListenerConfig
	relay  *Relay
	sink   observer.Sink
	logger zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc

	limiter *rateTracker
	active  atomic.Int32
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// NewListener creates a Listener. A nil sink discards rejection events.
func NewListener(cfg ListenerConfig, relay *Relay, sink observer.Sink) *Listener {
	if sink == nil {
		sink = observer.Discard
	}
	return &Listener{
		cfg:     cfg,
		relay:   relay,
		sink:    sink,
		limiter: newRateTracker(cfg.MaxConnPerSec),
		logger:  log.With().Str("component", "listener").Str("addr", cfg.Address).Logger(),
	}
}

// Listen binds the listening socket.
func (l *Listener) Listen(ctx context.Context) error {
	// SO_REUSEADDR allows immediate rebinding after restart
	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.cfg.Address, err)
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	l.logger.Info().Str("bound", ln.Addr().String()).Msg("listener started")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Start binds and serves until ctx is cancelled or Stop is called.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.Listen(ctx); err != nil {
		return err
	}
	return l.Serve(ctx)
}

// Serve runs the accept loop on a bound listener. It returns after the
// listener is closed and every session it started has finished.
func (l *Listener) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.mu.Lock()
	ln := l.listener
	l.cancel = cancel
	l.mu.Unlock()
	if ln == nil {
		return errors.New("listener not bound")
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.stopped.Load() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			l.logger.Error().Err(err).Msg("failed to accept connection")
			time.Sleep(acceptRetryDelay)
			continue
		}

		if reason := l.admit(conn); reason != nil {
			l.sink.Observe(observer.Event{
				Kind:   observer.KindSessionRejected,
				Client: conn.RemoteAddr().String(),
				Err:    reason,
				Time:   time.Now(),
			})
			conn.Close()
			continue
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.active.Add(-1)
			if err := l.relay.Serve(ctx, conn); err != nil {
				l.logger.Debug().Err(err).Str("client", conn.RemoteAddr().String()).Msg("session ended with error")
			}
		}()
	}

	l.logger.Info().Msg("listener stopping")
	l.wg.Wait()
	return nil
}

// admit applies the per-IP rate limit and the concurrency cap. On success
// the connection is counted as active.
func (l *Listener) admit(conn net.Conn) error {
	if !l.limiter.allow(extractIP(conn.RemoteAddr())) {
		return ErrRateLimited
	}
	if l.cfg.MaxConcurrent > 0 && int(l.active.Load()) >= l.cfg.MaxConcurrent {
		return ErrTooManySessions
	}
	l.active.Add(1)
	return nil
}

// Active returns the number of sessions currently being served.
func (l *Listener) Active() int {
	return int(l.active.Load())
}

// Stop closes the listener and cancels every session. Serve returns once
// they have finished.
func (l *Listener) Stop() {
	if l.stopped.Swap(true) {
		return
	}

	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	if l.listener != nil {
		l.listener.Close()
	}
	l.mu.Unlock()
}
