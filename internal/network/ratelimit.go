package network

import (
	"net"
	"sync"
	"time"
)

// rateTrackerSweep is the bucket count above which stale buckets are dropped.
const rateTrackerSweep = 1024

// rateTracker tracks per-IP connection counts within a rolling second window.
type rateTracker struct {
	mu        sync.Mutex
	counts    map[string]*rateBucket
	maxPerSec int
	now       func() time.Time
}

type rateBucket struct {
	count       int
	windowStart time.Time
}

// newRateTracker creates a tracker. A non-positive maxPerSec allows everything.
func newRateTracker(maxPerSec int) *rateTracker {
	return &rateTracker{
		counts:    make(map[string]*rateBucket),
		maxPerSec: maxPerSec,
		now:       time.Now,
	}
}

func (rt *rateTracker) allow(ip string) bool {
	if rt.maxPerSec <= 0 {
		return true
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.now()
	b, exists := rt.counts[ip]
	if !exists || now.Sub(b.windowStart) >= time.Second {
		if !exists && len(rt.counts) >= rateTrackerSweep {
			rt.sweep(now)
		}
		rt.counts[ip] = &rateBucket{count: 1, windowStart: now}
		return true
	}

	b.count++
	return b.count <= rt.maxPerSec
}

// sweep drops buckets whose window has expired. Caller holds mu.
func (rt *rateTracker) sweep(now time.Time) {
	for ip, b := range rt.counts {
		if now.Sub(b.windowStart) >= time.Second {
			delete(rt.counts, ip)
		}
	}
}

func extractIP(addr net.Addr) string {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
