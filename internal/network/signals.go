package network

import (
	"sync"

	"github.com/mclisten-project/mclisten/internal/protocol"
)

// signalQueue carries signals from one pump to its sibling. It never drops:
// only state changes are pushed, a newer compression threshold replaces a
// pending one and encryption is queued once, so it holds a few entries at
// most.
type signalQueue struct {
	mu      sync.Mutex
	pending []protocol.Signal
}

func (q *signalQueue) push(sig protocol.Signal) {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch sig.Kind {
	case protocol.SignalCompression, protocol.SignalEncryption:
		for i := range q.pending {
			if q.pending[i].Kind == sig.Kind {
				q.pending[i] = sig
				return
			}
		}
	case protocol.SignalPhase:
		for _, p := range q.pending {
			if p.Kind == protocol.SignalPhase && p.Phase == sig.Phase {
				return
			}
		}
	}
	q.pending = append(q.pending, sig)
}

// take removes and returns the pending signals in push order.
func (q *signalQueue) take() []protocol.Signal {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}
