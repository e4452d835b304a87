package network

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultLANGroup is the multicast address clients watch for
	// "Open to LAN" worlds.
	DefaultLANGroup    = "224.0.2.60:4445"
	DefaultLANInterval = 1500 * time.Millisecond
)

// LANConfig configures the LAN announcer.
type LANConfig struct {
	MOTD     string
	Port     int
	Group    string
	Interval time.Duration
}

// LANAnnouncer periodically advertises the proxy listener to clients on the
// local network, so it shows up in their server list without being added by
// hand.
type LANAnnouncer struct {
	cfg    LANConfig
	logger zerolog.Logger
}

// NewLANAnnouncer creates an announcer. Zero fields take defaults.
func NewLANAnnouncer(cfg LANConfig) *LANAnnouncer {
	if cfg.Group == "" {
		cfg.Group = DefaultLANGroup
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultLANInterval
	}
	return &LANAnnouncer{
		cfg:    cfg,
		logger: log.With().Str("component", "lan").Logger(),
	}
}

// LANAnnouncement builds the datagram a client expects.
func LANAnnouncement(motd string, port int) []byte {
	// brackets would break the client's tag parsing
	motd = strings.NewReplacer("[", "(", "]", ")").Replace(motd)
	return []byte(fmt.Sprintf("[MOTD]%s[/MOTD][AD]%d[/AD]", motd, port))
}

// Run sends announcements until ctx is cancelled.
func (a *LANAnnouncer) Run(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp4", a.cfg.Group)
	if err != nil {
		return fmt.Errorf("failed to open LAN announcer socket for %s: %w", a.cfg.Group, err)
	}
	defer conn.Close()

	msg := LANAnnouncement(a.cfg.MOTD, a.cfg.Port)
	a.logger.Info().
		Str("group", a.cfg.Group).
		Int("port", a.cfg.Port).
		Msg("LAN announcer started")

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		if _, err := conn.Write(msg); err != nil {
			failures++
			// one warning per burst of failures
			if failures == 1 {
				a.logger.Warn().Err(err).Msg("failed to send LAN announcement")
			}
		} else {
			if failures > 0 {
				a.logger.Debug().Int("failures", failures).Msg("LAN announcements resumed")
			}
			failures = 0
			a.logger.Trace().Msg("LAN announcement sent")
		}

		select {
		case <-ctx.Done():
			a.logger.Info().Msg("LAN announcer stopping")
			return nil
		case <-ticker.C:
		}
	}
}
