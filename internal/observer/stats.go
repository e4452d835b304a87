package observer

import (
	"sort"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mclisten-project/mclisten/internal/protocol"
)

// DefaultRecentSessions is the number of closed sessions Stats remembers.
const DefaultRecentSessions = 64

// Stats aggregates counters across all sessions. It is safe for concurrent use.
type Stats struct {
	started time.Time

	sessionsTotal  atomic.Uint64
	sessionsActive atomic.Int64
	rejected       atomic.Uint64
	unreachable    atomic.Uint64

	bytes        [2]atomic.Uint64 // by Direction
	packets      [2]atomic.Uint64 // by Direction
	phasePackets [4]atomic.Uint64 // by Phase
	phaseChanges atomic.Uint64
	decodeErrors atomic.Uint64

	recent *lru.Cache[string, SessionSummary]
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Uptime           time.Duration     `json:"uptime"`
	SessionsTotal    uint64            `json:"sessions_total"`
	SessionsActive   int64             `json:"sessions_active"`
	Rejected         uint64            `json:"rejected"`
	Unreachable      uint64            `json:"upstream_unreachable"`
	BytesServerbound uint64            `json:"bytes_serverbound"`
	BytesClientbound uint64            `json:"bytes_clientbound"`
	PacketsServer    uint64            `json:"packets_serverbound"`
	PacketsClient    uint64            `json:"packets_clientbound"`
	PacketsByPhase   map[string]uint64 `json:"packets_by_phase"`
	PhaseChanges     uint64            `json:"phase_changes"`
	DecodeErrors     uint64            `json:"decode_errors"`
}

// NewStats creates a Stats keeping the last recent closed sessions.
// A non-positive recent selects DefaultRecentSessions.
func NewStats(recent int) *Stats {
	if recent <= 0 {
		recent = DefaultRecentSessions
	}
	cache, err := lru.New[string, SessionSummary](recent)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &Stats{started: time.Now(), recent: cache}
}

func (s *Stats) Observe(e Event) {
	switch e.Kind {
	case KindSessionOpen:
		s.sessionsTotal.Add(1)
		s.sessionsActive.Add(1)

	case KindSessionClose:
		// An unreachable upstream closes the client before the session opens.
		if e.Summary.Reason == ReasonUpstreamUnreachable {
			s.unreachable.Add(1)
		} else {
			s.sessionsActive.Add(-1)
		}
		s.recent.Add(e.Summary.ID, e.Summary)

	case KindSessionRejected:
		s.rejected.Add(1)

	case KindTransfer:
		if d := int(e.Direction); d >= 0 && d < len(s.bytes) {
			s.bytes[d].Add(uint64(e.Bytes))
		}

	case KindPacket:
		if d := int(e.Record.Direction); d >= 0 && d < len(s.packets) {
			s.packets[d].Add(1)
		}
		if p := int(e.Record.Phase); p >= 0 && p < len(s.phasePackets) {
			s.phasePackets[p].Add(1)
		}

	case KindPhase:
		s.phaseChanges.Add(1)

	case KindDecodeError:
		s.decodeErrors.Add(1)
	}
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Uptime:           time.Since(s.started).Truncate(time.Second),
		SessionsTotal:    s.sessionsTotal.Load(),
		SessionsActive:   s.sessionsActive.Load(),
		Rejected:         s.rejected.Load(),
		Unreachable:      s.unreachable.Load(),
		BytesServerbound: s.bytes[protocol.Serverbound].Load(),
		BytesClientbound: s.bytes[protocol.Clientbound].Load(),
		PacketsServer:    s.packets[protocol.Serverbound].Load(),
		PacketsClient:    s.packets[protocol.Clientbound].Load(),
		PacketsByPhase:   make(map[string]uint64, len(protocol.Phases)),
		PhaseChanges:     s.phaseChanges.Load(),
		DecodeErrors:     s.decodeErrors.Load(),
	}
	for _, p := range protocol.Phases {
		snap.PacketsByPhase[p.String()] = s.phasePackets[p].Load()
	}
	return snap
}

// Recent returns remembered closed sessions, most recently closed first.
func (s *Stats) Recent() []SessionSummary {
	out := s.recent.Values()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ClosedAt.After(out[j].ClosedAt)
	})
	return out
}

// RecentSession looks up a closed session by id.
func (s *Stats) RecentSession(id string) (SessionSummary, bool) {
	return s.recent.Get(id)
}
