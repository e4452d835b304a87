// Package network accepts client connections and relays each one to the
// upstream server, decoding both directions for observation on the way.
package network

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mclisten-project/mclisten/internal/observer"
	"github.com/mclisten-project/mclisten/internal/protocol"
)

// Relay defaults.
const (
	DefaultDialTimeout = 5 * time.Second
	DefaultBufferSize  = 32 * 1024
)

// RelayConfig configures how sessions reach the upstream server.
type RelayConfig struct {
	Upstream       string        // host:port of the real server
	DialTimeout    time.Duration // zero selects DefaultDialTimeout
	BufferSize     int           // read chunk size, zero selects DefaultBufferSize
	MaxFrameLength int           // reassembler ceiling, zero selects protocol.DefaultMaxFrameLength
}

// Relay creates one Session per client connection. The name lookup is
// shared read-only by every session.
type Relay struct {
	cfg      RelayConfig
	names    protocol.NameLookup
	sink     observer.Sink
	sessions *SessionRegistry
	logger   zerolog.Logger
}

// NewRelay creates a Relay. A nil sink discards observations.
func NewRelay(cfg RelayConfig, names protocol.NameLookup, sink observer.Sink) *Relay {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.MaxFrameLength <= 0 {
		cfg.MaxFrameLength = protocol.DefaultMaxFrameLength
	}
	if sink == nil {
		sink = observer.Discard
	}
	return &Relay{
		cfg:      cfg,
		names:    names,
		sink:     sink,
		sessions: NewSessionRegistry(),
		logger:   log.With().Str("component", "relay").Str("upstream", cfg.Upstream).Logger(),
	}
}

// Sessions returns the registry of running sessions.
func (r *Relay) Sessions() *SessionRegistry {
	return r.sessions
}

// Config returns the effective relay configuration.
func (r *Relay) Config() RelayConfig {
	return r.cfg
}

// Serve relays client until the session ends. If the upstream cannot be
// reached the client is closed without relaying anything and an
// *UpstreamUnreachableError is returned.
func (r *Relay) Serve(ctx context.Context, client net.Conn) error {
	id := uuid.NewString()

	dialer := net.Dialer{Timeout: r.cfg.DialTimeout}
	upstream, err := dialer.DialContext(ctx, "tcp", r.cfg.Upstream)
	if err != nil {
		client.Close()

		r.logger.Error().
			Err(err).
			Str("session", id).
			Str("client", client.RemoteAddr().String()).
			Msg("failed to connect to upstream")

		now := time.Now()
		r.sink.Observe(observer.Event{
			Kind:      observer.KindSessionClose,
			SessionID: id,
			Client:    client.RemoteAddr().String(),
			Upstream:  r.cfg.Upstream,
			Time:      now,
			Summary: observer.SessionSummary{
				ID:       id,
				Client:   client.RemoteAddr().String(),
				Upstream: r.cfg.Upstream,
				OpenedAt: now,
				ClosedAt: now,
				Reason:   observer.ReasonUpstreamUnreachable,
			},
		})
		return &UpstreamUnreachableError{Address: r.cfg.Upstream, Err: err}
	}

	s := newSession(id, client, upstream, r.cfg, r.names, r.sink)
	r.sessions.Register(s)
	defer r.sessions.Unregister(id)
	defer s.Close()

	return s.Run(ctx)
}
