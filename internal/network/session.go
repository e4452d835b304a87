package network

import (
	"context"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mclisten-project/mclisten/internal/observer"
	"github.com/mclisten-project/mclisten/internal/protocol"
)

// Session is one client connection paired with its upstream connection.
// It owns both sockets and one phase machine and reassembler per direction.
type Session struct {
	id       string
	client   net.Conn
	upstream net.Conn
	openedAt time.Time

	cfg    RelayConfig
	names  protocol.NameLookup
	sink   observer.Sink
	logger zerolog.Logger

	machines [2]*protocol.PhaseMachine // by Direction
	bytes    [2]atomic.Uint64
	seq      atomic.Uint64

	lastPhase   atomic.Int32 // most recent phase either direction switched to
	compression atomic.Int32
	encrypted   atomic.Bool

	reason    atomic.Pointer[string]
	closeOnce sync.Once
}

// SessionInfo is a point-in-time view of a running session.
type SessionInfo struct {
	ID               string         `json:"id"`
	Client           string         `json:"client"`
	Upstream         string         `json:"upstream"`
	OpenedAt         time.Time      `json:"opened_at"`
	PhaseServerbound protocol.Phase `json:"phase_serverbound"`
	PhaseClientbound protocol.Phase `json:"phase_clientbound"`
	BytesServerbound uint64         `json:"bytes_serverbound"`
	BytesClientbound uint64         `json:"bytes_clientbound"`
	Packets          uint64         `json:"packets"`
	Compression      int            `json:"compression_threshold"`
	Encrypted        bool           `json:"encrypted"`
}

func newSession(id string, client, upstream net.Conn, cfg RelayConfig, names protocol.NameLookup, sink observer.Sink) *Session {
	s := &Session{
		id:       id,
		client:   client,
		upstream: upstream,
		openedAt: time.Now(),
		cfg:      cfg,
		names:    names,
		sink:     sink,
		machines: [2]*protocol.PhaseMachine{protocol.NewPhaseMachine(), protocol.NewPhaseMachine()},
		logger: log.With().
			Str("component", "session").
			Str("session", id).
			Str("client", client.RemoteAddr().String()).
			Str("upstream", cfg.Upstream).
			Logger(),
	}
	s.compression.Store(-1)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Phase returns the current phase observed on one direction.
func (s *Session) Phase(dir protocol.Direction) protocol.Phase {
	return s.machines[dir].Current()
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:               s.id,
		Client:           s.client.RemoteAddr().String(),
		Upstream:         s.cfg.Upstream,
		OpenedAt:         s.openedAt,
		PhaseServerbound: s.machines[protocol.Serverbound].Current(),
		PhaseClientbound: s.machines[protocol.Clientbound].Current(),
		BytesServerbound: s.bytes[protocol.Serverbound].Load(),
		BytesClientbound: s.bytes[protocol.Clientbound].Load(),
		Packets:          s.seq.Load(),
		Compression:      int(s.compression.Load()),
		Encrypted:        s.encrypted.Load(),
	}
}

// Close closes both connections, unblocking the relay loops.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.client.Close()
		s.upstream.Close()
	})
}

// setReason records why the session ended. The first reason wins.
func (s *Session) setReason(reason string) {
	s.reason.CompareAndSwap(nil, &reason)
}

// Run relays both directions until the first one finishes, then cancels the
// other and releases both sockets. It returns the first I/O error, or nil
// when a peer closed its side in an orderly way.
func (s *Session) Run(ctx context.Context) error {
	s.sink.Observe(observer.Event{
		Kind:      observer.KindSessionOpen,
		SessionID: s.id,
		Client:    s.client.RemoteAddr().String(),
		Upstream:  s.cfg.Upstream,
		Time:      s.openedAt,
	})

	toServer := &signalQueue{}
	toClient := &signalQueue{}

	serverbound := s.newPump(protocol.Serverbound, s.client, s.upstream, toServer, toClient)
	clientbound := s.newPump(protocol.Clientbound, s.upstream, s.client, toClient, toServer)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return serverbound.run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return clientbound.run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.setReason(observer.ReasonCanceled)
		s.Close()
		return nil
	})

	err := g.Wait()
	if err != nil {
		s.logger.Debug().Err(err).Msg("relay loop failed")
	}

	s.sink.Observe(observer.Event{
		Kind:      observer.KindSessionClose,
		SessionID: s.id,
		Client:    s.client.RemoteAddr().String(),
		Upstream:  s.cfg.Upstream,
		Time:      time.Now(),
		Summary:   s.summary(),
	})
	return err
}

func (s *Session) summary() observer.SessionSummary {
	reason := observer.ReasonCanceled
	if r := s.reason.Load(); r != nil {
		reason = *r
	}
	return observer.SessionSummary{
		ID:               s.id,
		Client:           s.client.RemoteAddr().String(),
		Upstream:         s.cfg.Upstream,
		OpenedAt:         s.openedAt,
		ClosedAt:         time.Now(),
		Reason:           reason,
		BytesServerbound: s.bytes[protocol.Serverbound].Load(),
		BytesClientbound: s.bytes[protocol.Clientbound].Load(),
		Packets:          s.seq.Load(),
		FinalPhase:       protocol.Phase(s.lastPhase.Load()),
	}
}

// SessionRegistry tracks running sessions.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionRegistry creates a new SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
	}
}

// Register adds a session to the registry.
func (r *SessionRegistry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.id] = s
	log.Debug().Str("session", s.id).Msg("session registered")
}

// Unregister removes a session from the registry.
func (r *SessionRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		delete(r.sessions, id)
		log.Debug().Str("session", id).Msg("session unregistered")
	}
}

// Get returns the session with the given id.
func (r *SessionRegistry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Snapshot returns info for every running session, oldest first.
func (r *SessionRegistry) Snapshot() []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Count returns the number of running sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every running session. Their Run calls return shortly after.
func (r *SessionRegistry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.sessions {
		s.setReason(observer.ReasonCanceled)
		s.Close()
	}
	if len(r.sessions) > 0 {
		log.Info().Int("count", len(r.sessions)).Msg("all sessions closed")
	}
}
