package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mclisten-project/mclisten/internal/config"
	"github.com/mclisten-project/mclisten/internal/observer"
	"github.com/mclisten-project/mclisten/internal/protocol"
)

type fakePruner struct {
	cutoffs []time.Time
	err     error
}

func (p *fakePruner) PruneOlderThan(cutoff time.Time) (int64, error) {
	p.cutoffs = append(p.cutoffs, cutoff)
	return 3, p.err
}

func TestNextRunAt(t *testing.T) {
	loc := time.UTC
	now := time.Date(2024, 3, 10, 12, 30, 0, 0, loc)

	testCases := []struct {
		clock string
		want  time.Time
	}{
		{"18:15", time.Date(2024, 3, 10, 18, 15, 0, 0, loc)},
		{"04:00", time.Date(2024, 3, 11, 4, 0, 0, 0, loc)},
		{"12:30", time.Date(2024, 3, 11, 12, 30, 0, 0, loc)},
		{"garbage", time.Date(2024, 3, 11, 4, 0, 0, 0, loc)},
	}
	for _, tc := range testCases {
		t.Run(tc.clock, func(t *testing.T) {
			assert.Equal(t, tc.want, nextRunAt(tc.clock, now))
		})
	}
}

func TestPruneUsesRetention(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Capture.RetentionDays = 2
	pruner := &fakePruner{}
	s := NewScheduler(cfg, observer.NewStats(1), pruner)
	now := time.Date(2024, 3, 10, 4, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.prune()
	require.Len(t, pruner.cutoffs, 1)
	assert.Equal(t, now.Add(-48*time.Hour), pruner.cutoffs[0])

	pruner.err = errors.New("disk full")
	s.prune()
	assert.Len(t, pruner.cutoffs, 2)
}

func TestSummarizeTracksDeltas(t *testing.T) {
	stats := observer.NewStats(1)
	s := NewScheduler(config.DefaultConfig(), stats, nil)

	stats.Observe(observer.Event{Kind: observer.KindSessionOpen, SessionID: "a"})
	stats.Observe(observer.Event{Kind: observer.KindTransfer, Direction: protocol.Serverbound, Bytes: 100})
	first := s.summarize()
	assert.Equal(t, uint64(1), first.SessionsTotal)
	assert.Equal(t, uint64(100), first.BytesServerbound)

	stats.Observe(observer.Event{Kind: observer.KindTransfer, Direction: protocol.Serverbound, Bytes: 50})
	second := s.summarize()
	assert.Equal(t, uint64(150), second.BytesServerbound)
	assert.Equal(t, second, s.last)
}

func TestStartStopsOnCancel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Stats.SummaryIntervalSec = 1
	s := NewScheduler(cfg, observer.NewStats(1), &fakePruner{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "10 B", formatBytes(10))
	assert.Equal(t, "1.50 KB", formatBytes(1536))
	assert.Equal(t, "3.00 MB", formatBytes(3<<20))
}
