package observer

import (
	"context"

	"github.com/mclisten-project/mclisten/internal/events"
)

const busSource = "relay"

// BusSink republishes observations on the event bus for telemetry and
// capture storage. Raw transfers are not forwarded.
type BusSink struct {
	bus *events.EventBus
	ctx context.Context
}

// NewBusSink creates a sink that emits onto bus.
func NewBusSink(ctx context.Context, bus *events.EventBus) *BusSink {
	return &BusSink{bus: bus, ctx: ctx}
}

func (s *BusSink) Observe(e Event) {
	ev, ok := toBusEvent(e)
	if !ok {
		return
	}
	s.bus.Emit(s.ctx, ev)
}

func toBusEvent(e Event) (events.Event, bool) {
	switch e.Kind {
	case KindSessionOpen:
		return events.Event{
			Type:   events.EventSessionOpened,
			Source: busSource,
			Payload: events.SessionPayload{
				SessionID: e.SessionID,
				Client:    e.Client,
				Upstream:  e.Upstream,
				OpenedAt:  e.Time,
			},
		}, true

	case KindSessionClose:
		sum := e.Summary
		return events.Event{
			Type:   events.EventSessionClosed,
			Source: busSource,
			Payload: events.SessionPayload{
				SessionID:        sum.ID,
				Client:           sum.Client,
				Upstream:         sum.Upstream,
				OpenedAt:         sum.OpenedAt,
				ClosedAt:         sum.ClosedAt,
				Reason:           sum.Reason,
				BytesServerbound: sum.BytesServerbound,
				BytesClientbound: sum.BytesClientbound,
				Packets:          sum.Packets,
				FinalPhase:       sum.FinalPhase.String(),
			},
		}, true

	case KindSessionRejected:
		reason := ""
		if e.Err != nil {
			reason = e.Err.Error()
		}
		return events.Event{
			Type:    events.EventSessionRejected,
			Source:  "listener",
			Payload: events.RejectedPayload{Client: e.Client, Reason: reason},
		}, true

	case KindPacket:
		rec := e.Record
		return events.Event{
			Type:   events.EventPacket,
			Source: busSource,
			Payload: events.PacketPayload{
				SessionID:  e.SessionID,
				Seq:        e.Seq,
				Direction:  rec.Direction.String(),
				Phase:      rec.Phase.String(),
				PacketID:   rec.Frame.ID,
				Name:       rec.Name,
				Length:     rec.Frame.Length,
				PayloadLen: len(rec.Frame.Payload),
				Compressed: rec.Frame.Compressed,
				Payload:    rec.Frame.Payload,
				Time:       rec.Time,
			},
		}, true

	case KindPhase:
		return events.Event{
			Type:   events.EventPhaseChanged,
			Source: busSource,
			Payload: events.PhasePayload{
				SessionID: e.SessionID,
				Direction: e.Direction.String(),
				From:      e.From.String(),
				To:        e.To.String(),
				Time:      e.Time,
			},
		}, true

	case KindDecodeError:
		msg := ""
		if e.Err != nil {
			msg = e.Err.Error()
		}
		return events.Event{
			Type:   events.EventDecodeError,
			Source: busSource,
			Payload: events.DecodeErrorPayload{
				SessionID: e.SessionID,
				Direction: e.Direction.String(),
				Error:     msg,
				Fatal:     e.Fatal,
			},
		}, true
	}
	return events.Event{}, false
}
