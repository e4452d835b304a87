package observer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mclisten-project/mclisten/internal/events"
	"github.com/mclisten-project/mclisten/internal/protocol"
)

func packetEvent(phase protocol.Phase, dir protocol.Direction, id uint32) Event {
	return Event{
		Kind:      KindPacket,
		SessionID: "s1",
		Direction: dir,
		Record: protocol.Record{
			Frame:     protocol.Frame{Length: 2, ID: id, Payload: []byte{0xAB}},
			Phase:     phase,
			Direction: dir,
		},
	}
}

func TestFanoutDeliversInOrder(t *testing.T) {
	var got []string
	f := Fanout{
		SinkFunc(func(e Event) { got = append(got, "a:"+string(e.Kind)) }),
		nil,
		SinkFunc(func(e Event) { got = append(got, "b:"+string(e.Kind)) }),
	}
	f.Observe(Event{Kind: KindTransfer})
	assert.Equal(t, []string{"a:transfer", "b:transfer"}, got)

	Discard.Observe(Event{Kind: KindTransfer})
}

func TestStatsCounters(t *testing.T) {
	s := NewStats(2)

	s.Observe(Event{Kind: KindSessionOpen, SessionID: "s1"})
	s.Observe(Event{Kind: KindSessionOpen, SessionID: "s2"})
	s.Observe(Event{Kind: KindTransfer, Direction: protocol.Serverbound, Bytes: 10})
	s.Observe(Event{Kind: KindTransfer, Direction: protocol.Clientbound, Bytes: 3})
	s.Observe(packetEvent(protocol.PhaseHandshake, protocol.Serverbound, 0))
	s.Observe(packetEvent(protocol.PhaseLogin, protocol.Clientbound, 2))
	s.Observe(packetEvent(protocol.PhasePlay, protocol.Clientbound, 0x26))
	s.Observe(Event{Kind: KindPhase, From: protocol.PhaseHandshake, To: protocol.PhaseLogin})
	s.Observe(Event{Kind: KindDecodeError, Err: errors.New("bad")})
	s.Observe(Event{Kind: KindSessionRejected})
	s.Observe(Event{Kind: KindSessionClose, Summary: SessionSummary{ID: "s1", Reason: ReasonClientClosed}})
	s.Observe(Event{Kind: KindSessionClose, Summary: SessionSummary{ID: "s3", Reason: ReasonUpstreamUnreachable}})

	snap := s.Snapshot()
	assert.Equal(t, uint64(2), snap.SessionsTotal)
	assert.Equal(t, int64(1), snap.SessionsActive)
	assert.Equal(t, uint64(1), snap.Rejected)
	assert.Equal(t, uint64(1), snap.Unreachable)
	assert.Equal(t, uint64(10), snap.BytesServerbound)
	assert.Equal(t, uint64(3), snap.BytesClientbound)
	assert.Equal(t, uint64(1), snap.PacketsServer)
	assert.Equal(t, uint64(2), snap.PacketsClient)
	assert.Equal(t, map[string]uint64{"handshake": 1, "status": 0, "login": 1, "play": 1}, snap.PacketsByPhase)
	assert.Equal(t, uint64(1), snap.PhaseChanges)
	assert.Equal(t, uint64(1), snap.DecodeErrors)
}

func TestStatsRecentIsBounded(t *testing.T) {
	s := NewStats(2)
	base := time.Now()
	for i := 0; i < 3; i++ {
		s.Observe(Event{Kind: KindSessionOpen})
		s.Observe(Event{Kind: KindSessionClose, Summary: SessionSummary{
			ID:       fmt.Sprintf("s%d", i),
			ClosedAt: base.Add(time.Duration(i) * time.Second),
		}})
	}

	recent := s.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, "s2", recent[0].ID)
	assert.Equal(t, "s1", recent[1].ID)

	_, ok := s.RecentSession("s0")
	assert.False(t, ok)
	got, ok := s.RecentSession("s2")
	require.True(t, ok)
	assert.Equal(t, "s2", got.ID)
}

func TestStatsConcurrentObserve(t *testing.T) {
	s := NewStats(0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				s.Observe(Event{Kind: KindTransfer, Direction: protocol.Clientbound, Bytes: 1})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(8000), s.Snapshot().BytesClientbound)
}

func TestLogSinkLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	sink := NewLogSink(logger)

	sink.Observe(Event{Kind: KindTransfer, Direction: protocol.Serverbound, Bytes: 5})
	assert.Empty(t, buf.String(), "transfers log at trace")

	sink.Observe(packetEvent(protocol.PhaseHandshake, protocol.Serverbound, 0))
	out := buf.String()
	assert.Contains(t, out, `"message":"packet"`)
	assert.Contains(t, out, `"id":"0x00"`)
	assert.Contains(t, out, `"phase":"handshake"`)
	assert.Contains(t, out, `"direction":"serverbound"`)

	buf.Reset()
	sink.Observe(Event{Kind: KindSessionClose, SessionID: "s1", Summary: SessionSummary{Reason: ReasonUpstreamUnreachable}})
	assert.Contains(t, buf.String(), `"level":"error"`)
}

func TestBusSinkForwardsPackets(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	got := make(chan events.PacketPayload, 1)
	bus.Subscribe(events.EventPacket, "test", func(_ context.Context, ev events.Event) error {
		got <- ev.Payload.(events.PacketPayload)
		return nil
	})

	sink := NewBusSink(context.Background(), bus)
	sink.Observe(Event{Kind: KindTransfer, Bytes: 1})
	ev := packetEvent(protocol.PhasePlay, protocol.Clientbound, 0x26)
	ev.Seq = 7
	ev.Record.Name = "Join Game"
	sink.Observe(ev)

	select {
	case p := <-got:
		assert.Equal(t, "s1", p.SessionID)
		assert.Equal(t, uint64(7), p.Seq)
		assert.Equal(t, "play", p.Phase)
		assert.Equal(t, "clientbound", p.Direction)
		assert.Equal(t, uint32(0x26), p.PacketID)
		assert.Equal(t, "Join Game", p.Name)
		assert.Equal(t, 1, p.PayloadLen)
	case <-time.After(2 * time.Second):
		t.Fatal("packet event not delivered")
	}
}

func TestToBusEventSkipsTransfers(t *testing.T) {
	_, ok := toBusEvent(Event{Kind: KindTransfer})
	assert.False(t, ok)

	at := time.Unix(1700000000, 42)
	ev, ok := toBusEvent(Event{Kind: KindPhase, Direction: protocol.Clientbound, From: protocol.PhaseLogin, To: protocol.PhasePlay, Time: at})
	require.True(t, ok)
	assert.Equal(t, events.EventPhaseChanged, ev.Type)
	assert.Equal(t, events.PhasePayload{Direction: "clientbound", From: "login", To: "play", Time: at}, ev.Payload)
}
