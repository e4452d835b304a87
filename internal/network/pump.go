package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/mclisten-project/mclisten/internal/observer"
	"github.com/mclisten-project/mclisten/internal/protocol"
)

// pump forwards one direction of a session. It owns the read half of src,
// the write half of dst, and the reassembler for the stream.
type pump struct {
	s       *Session
	dir     protocol.Direction
	src     net.Conn
	dst     net.Conn
	machine *protocol.PhaseMachine
	reasm   *protocol.Reassembler
	inbox   *signalQueue // from the sibling pump
	outbox  *signalQueue // to the sibling pump
	logger  zerolog.Logger
}

func (s *Session) newPump(dir protocol.Direction, src, dst net.Conn, inbox, outbox *signalQueue) *pump {
	return &pump{
		s:       s,
		dir:     dir,
		src:     src,
		dst:     dst,
		machine: s.machines[dir],
		reasm:   protocol.NewReassembler(s.cfg.MaxFrameLength),
		inbox:   inbox,
		outbox:  outbox,
		logger:  s.logger.With().Stringer("direction", dir).Logger(),
	}
}

// closeReason is recorded when this pump is the first to finish.
func (p *pump) closeReason() string {
	if p.dir == protocol.Serverbound {
		return observer.ReasonClientClosed
	}
	return observer.ReasonUpstreamClosed
}

// run copies src to dst until EOF or an I/O error, then half-closes dst.
// Errors caused by the session being torn down are not reported.
func (p *pump) run(ctx context.Context) error {
	defer closeWrite(p.dst)

	buf := make([]byte, p.s.cfg.BufferSize)
	for {
		n, rerr := p.src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			p.observe(chunk)

			if _, werr := p.dst.Write(chunk); werr != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.s.setReason(observer.ReasonError)
				return fmt.Errorf("%s write: %w", p.dir, werr)
			}

			p.s.bytes[p.dir].Add(uint64(n))
			p.s.sink.Observe(observer.Event{
				Kind:      observer.KindTransfer,
				SessionID: p.s.id,
				Direction: p.dir,
				Bytes:     n,
				Time:      time.Now(),
			})
		}

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				p.logger.Debug().Msg("peer closed")
				p.s.setReason(p.closeReason())
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			p.s.setReason(observer.ReasonError)
			return fmt.Errorf("%s read: %w", p.dir, rerr)
		}
	}
}

// observe decodes chunk for the sink. It never fails and never blocks the
// forwarding path: every problem is reported and swallowed.
func (p *pump) observe(chunk []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("observer panicked")
		}
	}()

	p.drain()

	// A poisoned stream was reported once when it failed.
	if p.reasm.Err() != nil || p.reasm.Detached() {
		return
	}

	for f, err := range p.reasm.Feed(chunk) {
		if err != nil {
			p.decodeError(err, errors.Is(err, protocol.ErrFrameTooLarge))
			continue
		}

		phase := p.machine.Current()
		rec := protocol.NewRecord(f, phase, p.dir, p.s.names)
		p.s.sink.Observe(observer.Event{
			Kind:      observer.KindPacket,
			SessionID: p.s.id,
			Direction: p.dir,
			Seq:       p.s.seq.Add(1),
			Record:    rec,
			Time:      rec.Time,
		})

		signals, err := protocol.Trigger(phase, p.dir, f)
		if err != nil {
			p.decodeError(err, false)
			continue
		}
		for _, sig := range signals {
			if p.apply(sig) {
				p.outbox.push(sig)
			}
		}
	}
}

// drain applies signals raised by the sibling direction.
func (p *pump) drain() {
	for _, sig := range p.inbox.take() {
		p.apply(sig)
	}
}

// apply changes this direction's state and reports whether anything
// changed, which is what the sibling needs to hear about.
func (p *pump) apply(sig protocol.Signal) bool {
	switch sig.Kind {
	case protocol.SignalPhase:
		from := p.machine.Current()
		if err := p.machine.Switch(sig.Phase); err != nil {
			p.logger.Warn().Err(err).Msg("phase transition rejected")
			return false
		}
		if from == sig.Phase {
			return false
		}
		p.s.lastPhase.Store(int32(sig.Phase))
		p.s.sink.Observe(observer.Event{
			Kind:      observer.KindPhase,
			SessionID: p.s.id,
			Direction: p.dir,
			From:      from,
			To:        sig.Phase,
			Time:      time.Now(),
		})
		return true

	case protocol.SignalCompression:
		p.reasm.SetCompression(sig.Threshold)
		p.s.compression.Store(int32(p.reasm.Compression()))
		p.logger.Debug().Int("threshold", sig.Threshold).Msg("compression enabled")
		return true

	case protocol.SignalEncryption:
		p.reasm.Detach()
		p.s.encrypted.Store(true)
		p.logger.Debug().Msg("stream encrypted, decoding stopped")
		return true
	}
	return false
}

func (p *pump) decodeError(err error, fatal bool) {
	p.s.sink.Observe(observer.Event{
		Kind:      observer.KindDecodeError,
		SessionID: p.s.id,
		Direction: p.dir,
		Err:       err,
		Fatal:     fatal,
		Time:      time.Now(),
	})
}

// closeWrite half-closes conn when it supports it.
func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
