// Package health runs periodic checks on what the proxy depends on: the
// upstream server, probed with a status ping, and the volume holding the
// capture database.
package health

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mclisten-project/mclisten/internal/config"
	"github.com/mclisten-project/mclisten/internal/events"
	"github.com/mclisten-project/mclisten/internal/util"
)

// Status is a snapshot of the latest check results.
type Status struct {
	Upstream  events.UpstreamHealthPayload `json:"upstream"`
	Disk      *util.DiskUsage              `json:"disk,omitempty"`
	DiskPath  string                       `json:"disk_path,omitempty"`
	DiskLevel string                       `json:"disk_level,omitempty"`
}

// Manager runs the upstream and disk checks on their own tickers.
type Manager struct {
	cfg    *config.Config
	bus    *events.EventBus
	logger zerolog.Logger

	mu        sync.RWMutex
	upstream  events.UpstreamHealthPayload
	checked   bool
	disk      *util.DiskUsage
	diskLevel string
}

// NewManager creates a new health check manager.
func NewManager(cfg *config.Config, bus *events.EventBus) *Manager {
	return &Manager{
		cfg:    cfg,
		bus:    bus,
		logger: log.With().Str("component", "health").Logger(),
	}
}

// Start launches each check and blocks until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	hc := m.cfg.GetHealth()

	checks := []struct {
		name     string
		interval int
		fn       func(context.Context)
	}{
		{"upstream_ping", hc.PingIntervalSec, m.checkUpstream},
		{"disk_utilization", hc.DiskIntervalSec, m.checkDisk},
	}

	var wg sync.WaitGroup
	for _, check := range checks {
		if check.interval <= 0 {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(time.Duration(check.interval) * time.Second)
			defer ticker.Stop()

			m.logger.Debug().Str("check", check.name).Msg("running initial health check")
			check.fn(ctx)

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn(ctx)
				}
			}
		}()
	}

	m.logger.Info().Int("checks", len(checks)).Msg("health check manager started")
	<-ctx.Done()
	wg.Wait()
	m.logger.Info().Msg("health check manager stopped")
}

// Status returns the latest results.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Status{Upstream: m.upstream, DiskLevel: m.diskLevel}
	if m.disk != nil {
		d := *m.disk
		s.Disk = &d
		s.DiskPath = m.diskPath()
	}
	return s
}

// checkUpstream pings the upstream server and publishes the outcome. State
// changes between reachable and unreachable are logged above debug.
func (m *Manager) checkUpstream(ctx context.Context) {
	proxy := m.cfg.GetProxy()
	timeout := time.Duration(m.cfg.GetHealth().PingTimeoutSec) * time.Second

	result := events.UpstreamHealthPayload{
		Upstream:  proxy.UpstreamAddr(),
		CheckedAt: time.Now(),
	}

	resp, err := Ping(ctx, proxy.UpstreamAddr(), timeout)
	if err != nil {
		result.Error = err.Error()
	} else {
		result.Reachable = true
		result.LatencyMS = resp.Latency.Milliseconds()
		result.VersionName = resp.Version.Name
		result.Protocol = resp.Version.Protocol
		result.PlayersOnline = resp.Players.Online
		result.PlayersMax = resp.Players.Max
		result.MOTD = resp.MOTD()
	}

	m.mu.Lock()
	prev, hadPrev := m.upstream, m.checked
	m.upstream = result
	m.checked = true
	m.mu.Unlock()

	switch {
	case !result.Reachable && (!hadPrev || prev.Reachable):
		m.logger.Warn().Str("upstream", result.Upstream).Str("error", result.Error).Msg("upstream unreachable")
	case result.Reachable && hadPrev && !prev.Reachable:
		m.logger.Info().Str("upstream", result.Upstream).Msg("upstream reachable again")
	default:
		m.logger.Debug().
			Str("upstream", result.Upstream).
			Bool("reachable", result.Reachable).
			Int64("latency_ms", result.LatencyMS).
			Int("players", result.PlayersOnline).
			Msg("upstream ping")
	}

	m.bus.Emit(ctx, events.Event{
		Type:    events.EventUpstreamHealth,
		Source:  "health_check",
		Payload: result,
	})
}

// diskPath is the directory whose volume is watched: the capture database
// directory when capture is on, the working directory otherwise.
func (m *Manager) diskPath() string {
	capture := m.cfg.GetCapture()
	if capture.Enabled && capture.DatabasePath != "" {
		return filepath.Dir(capture.DatabasePath)
	}
	return "."
}

// checkDisk monitors disk space and alerts when the usage level changes.
func (m *Manager) checkDisk(ctx context.Context) {
	path := m.diskPath()
	usage, err := util.GetDiskUsage(path)
	if err != nil {
		m.logger.Warn().Err(err).Str("path", path).Msg("disk utilization check failed")
		return
	}

	level := diskLevel(usage.UsedPercent, m.cfg.GetHealth().DiskWarnPercent)

	m.mu.Lock()
	prev := m.diskLevel
	m.disk = &usage
	m.diskLevel = level
	m.mu.Unlock()

	m.logger.Debug().
		Float64("used_percent", usage.UsedPercent).
		Uint64("free_mb", usage.FreeMB).
		Msg("disk utilization")

	if level == "" || level == prev {
		return
	}

	message := fmt.Sprintf("Disk usage at %.1f%% (%d MB free of %d MB total)",
		usage.UsedPercent, usage.FreeMB, usage.TotalMB)
	m.logger.Warn().Str("level", level).Str("path", path).Msg(message)

	m.bus.Emit(ctx, events.Event{
		Type:   events.EventDiskAlert,
		Source: "health_check",
		Payload: events.DiskAlertPayload{
			Path:        path,
			UsedPercent: usage.UsedPercent,
			FreeMB:      usage.FreeMB,
			Level:       level,
		},
	})
}

// diskLevel grades usage against the warning threshold. Below the
// threshold the level is empty.
func diskLevel(usedPercent, warnAt float64) string {
	switch {
	case usedPercent >= 99:
		return "critical"
	case usedPercent >= 95 && warnAt < 95:
		return "error"
	case usedPercent >= warnAt:
		return "warning"
	default:
		return ""
	}
}
