// Package scheduler runs the background tasks of mclisten: the periodic
// traffic summary and the daily capture retention pruning.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mclisten-project/mclisten/internal/config"
	"github.com/mclisten-project/mclisten/internal/observer"
	"github.com/mclisten-project/mclisten/internal/util"
)

// Pruner deletes captured data older than a cutoff.
type Pruner interface {
	PruneOlderThan(cutoff time.Time) (int64, error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg    *config.Config
	stats  *observer.Stats
	pruner Pruner
	logger zerolog.Logger
	now    func() time.Time

	last observer.StatsSnapshot
}

// NewScheduler creates a new task scheduler. pruner may be nil when
// capture is disabled.
func NewScheduler(cfg *config.Config, stats *observer.Stats, pruner Pruner) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		stats:  stats,
		pruner: pruner,
		logger: log.With().Str("component", "scheduler").Logger(),
		now:    time.Now,
	}
}

// Start runs all scheduled tasks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Msg("scheduler started")

	if s.pruner != nil {
		go s.runPruneLoop(ctx)
	}

	if interval := s.cfg.GetStats().SummaryIntervalSec; interval > 0 {
		go s.runSummaryLoop(ctx, time.Duration(interval)*time.Second)
	}

	<-ctx.Done()
	s.logger.Info().Msg("scheduler stopped")
}

// runPruneLoop prunes the capture store daily at the configured time.
func (s *Scheduler) runPruneLoop(ctx context.Context) {
	for {
		nextRun := nextRunAt(s.cfg.GetCapture().CleanupTime, s.now())
		sleepDuration := nextRun.Sub(s.now())

		s.logger.Info().
			Time("next_run", nextRun).
			Dur("sleep", sleepDuration).
			Msg("capture pruning scheduled")

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleepDuration):
			s.prune()
		}
	}
}

// prune deletes captured data past the retention window.
func (s *Scheduler) prune() {
	days := s.cfg.GetCapture().RetentionDays
	if days < 1 {
		days = 1
	}
	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)

	removed, err := s.pruner.PruneOlderThan(cutoff)
	if err != nil {
		s.logger.Warn().Err(err).Msg("capture pruning failed")
		return
	}
	s.logger.Info().
		Int64("deleted_packets", removed).
		Int("retention_days", days).
		Msg("capture pruning completed")
}

// runSummaryLoop logs a traffic summary every interval.
func (s *Scheduler) runSummaryLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.summarize()
		}
	}
}

// summarize logs counters and their change since the previous summary.
func (s *Scheduler) summarize() observer.StatsSnapshot {
	snap := s.stats.Snapshot()
	prev := s.last
	s.last = snap

	usage := util.GetProcessUsage()
	s.logger.Info().
		Int64("active", snap.SessionsActive).
		Uint64("new_sessions", snap.SessionsTotal-prev.SessionsTotal).
		Uint64("rejected", snap.Rejected-prev.Rejected).
		Str("serverbound", formatBytes(snap.BytesServerbound-prev.BytesServerbound)).
		Str("clientbound", formatBytes(snap.BytesClientbound-prev.BytesClientbound)).
		Uint64("packets", snap.PacketsServer+snap.PacketsClient-prev.PacketsServer-prev.PacketsClient).
		Uint64("decode_errors", snap.DecodeErrors-prev.DecodeErrors).
		Float64("cpu_percent", usage.CPUPercent).
		Uint64("rss_mb", usage.RSSMB).
		Int("goroutines", usage.Goroutines).
		Msg("traffic summary")
	return snap
}

// nextRunAt returns the next occurrence of the HH:MM clock time after now.
// An unparsable time falls back to 04:00.
func nextRunAt(clock string, now time.Time) time.Time {
	parts := strings.Split(clock, ":")

	hour, minute := 4, 0
	if len(parts) >= 2 {
		fmt.Sscanf(parts[0], "%d", &hour)
		fmt.Sscanf(parts[1], "%d", &minute)
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// formatBytes formats bytes into human-readable format.
func formatBytes(bytes uint64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
