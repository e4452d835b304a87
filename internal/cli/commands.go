// Package cli implements the interactive console: live traffic counters,
// session tables and packet name lookups.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mclisten-project/mclisten/internal/config"
	"github.com/mclisten-project/mclisten/internal/events"
	"github.com/mclisten-project/mclisten/internal/health"
	"github.com/mclisten-project/mclisten/internal/network"
	"github.com/mclisten-project/mclisten/internal/observer"
	"github.com/mclisten-project/mclisten/internal/protocol"
	"github.com/mclisten-project/mclisten/internal/util"
)

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	stats    *observer.Stats
	sessions *network.SessionRegistry
	names    protocol.NameLookup
	health   interface{ Status() health.Status }

	in  io.Reader
	out io.Writer
}

// NewCLI creates a new CLI handler reading commands from in and writing to
// out.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, stats *observer.Stats,
	sessions *network.SessionRegistry, names protocol.NameLookup, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		stats:    stats,
		sessions: sessions,
		names:    names,
		in:       in,
		out:      out,
	}
}

// SetHealth attaches the health checker whose results status prints.
func (c *CLI) SetHealth(h interface{ Status() health.Status }) {
	c.health = h
}

// Start runs the command loop until ctx is cancelled, input ends or the
// user quits.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nmclisten CLI ready. Type 'help' for available commands.")
	fmt.Fprintln(c.out, "─────────────────────────────────────────────────────")

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-readCtx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("CLI: input error, CLI disabled")
		}
	}()

	for {
		fmt.Fprint(c.out, "mclisten> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			quit, err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:])
			if err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
			if quit {
				return
			}
		}
	}
}

// execute processes a single CLI command. It reports whether the loop
// should end.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) (bool, error) {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "sessions", "ls":
		return false, c.printSessions(args)
	case "lookup":
		return false, c.cmdLookup(args)
	case "digest":
		return false, c.cmdDigest(args)
	case "loglevel":
		return false, c.cmdLogLevel(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down mclisten...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
		return true, nil
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return false, nil
}

// printHelp displays available commands.
func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, "\n╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(c.out, "║                    mclisten CLI Commands                     ║")
	fmt.Fprintln(c.out, "╠══════════════════════════════════════════════════════════════╣")
	fmt.Fprintln(c.out, "║  status              Show traffic counters                   ║")
	fmt.Fprintln(c.out, "║  sessions [id]       List sessions or show one session       ║")
	fmt.Fprintln(c.out, "║  lookup <p> <d> <id> Resolve a packet name                   ║")
	fmt.Fprintln(c.out, "║  digest <player>     Session-server hash of a player name    ║")
	fmt.Fprintln(c.out, "║  loglevel <level>    Change the log level                    ║")
	fmt.Fprintln(c.out, "║  quit                Shutdown mclisten                       ║")
	fmt.Fprintln(c.out, "║  help                Show this help message                  ║")
	fmt.Fprintln(c.out, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(c.out)
}

// printStatus displays the traffic counters.
func (c *CLI) printStatus() {
	snap := c.stats.Snapshot()
	proxy := c.cfg.GetProxy()

	fmt.Fprintf(c.out, "\n  Listening:    %s\n", proxy.ListenAddr())
	fmt.Fprintf(c.out, "  Upstream:     %s\n", proxy.UpstreamAddr())
	fmt.Fprintf(c.out, "  Uptime:       %s\n", snap.Uptime)
	fmt.Fprintf(c.out, "  Sessions:     %d active, %d total\n", snap.SessionsActive, snap.SessionsTotal)
	fmt.Fprintf(c.out, "  Rejected:     %d\n", snap.Rejected)
	fmt.Fprintf(c.out, "  Unreachable:  %d\n", snap.Unreachable)
	fmt.Fprintf(c.out, "  Decode errors: %d\n", snap.DecodeErrors)
	if c.health != nil {
		fmt.Fprintf(c.out, "  Health:       %s\n", describeUpstream(c.health.Status().Upstream))
	}
	fmt.Fprintln(c.out)

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Direction", "Bytes", "Packets"})
	tw.SetBorder(true)
	tw.Append([]string{"serverbound", formatBytes(snap.BytesServerbound), strconv.FormatUint(snap.PacketsServer, 10)})
	tw.Append([]string{"clientbound", formatBytes(snap.BytesClientbound), strconv.FormatUint(snap.PacketsClient, 10)})
	tw.Render()

	phases := tablewriter.NewWriter(c.out)
	phases.SetHeader([]string{"Phase", "Packets"})
	phases.SetBorder(true)
	for _, p := range protocol.Phases {
		phases.Append([]string{p.String(), strconv.FormatUint(snap.PacketsByPhase[p.String()], 10)})
	}
	phases.Render()
	fmt.Fprintln(c.out)
}

func describeUpstream(u events.UpstreamHealthPayload) string {
	switch {
	case u.CheckedAt.IsZero():
		return "not checked yet"
	case !u.Reachable:
		return fmt.Sprintf("unreachable (%s)", u.Error)
	default:
		return fmt.Sprintf("up, %s, %d/%d players, %dms",
			u.VersionName, u.PlayersOnline, u.PlayersMax, u.LatencyMS)
	}
}

// printSessions shows the active and recent sessions, or one session.
func (c *CLI) printSessions(args []string) error {
	if len(args) > 0 {
		return c.printSessionDetail(args[0])
	}

	fmt.Fprintln(c.out)
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"ID", "Client", "State", "Phase", "Up", "Down", "Packets", "Age"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	now := time.Now()
	for _, s := range c.sessions.Snapshot() {
		tw.Append([]string{
			shortID(s.ID),
			s.Client,
			"active",
			s.PhaseServerbound.String(),
			formatBytes(s.BytesServerbound),
			formatBytes(s.BytesClientbound),
			strconv.FormatUint(s.Packets, 10),
			now.Sub(s.OpenedAt).Truncate(time.Second).String(),
		})
	}
	for _, s := range c.stats.Recent() {
		tw.Append([]string{
			shortID(s.ID),
			s.Client,
			s.Reason,
			s.FinalPhase.String(),
			formatBytes(s.BytesServerbound),
			formatBytes(s.BytesClientbound),
			strconv.FormatUint(s.Packets, 10),
			s.Duration().Truncate(time.Millisecond).String(),
		})
	}
	tw.Render()
	fmt.Fprintln(c.out)
	return nil
}

// printSessionDetail prints one session, matched by id or id prefix.
func (c *CLI) printSessionDetail(id string) error {
	for _, s := range c.sessions.Snapshot() {
		if strings.HasPrefix(s.ID, id) {
			fmt.Fprintf(c.out, "\n  Session:      %s (active)\n", s.ID)
			fmt.Fprintf(c.out, "  Client:       %s\n", s.Client)
			fmt.Fprintf(c.out, "  Upstream:     %s\n", s.Upstream)
			fmt.Fprintf(c.out, "  Opened:       %s\n", s.OpenedAt.Format(time.RFC3339))
			fmt.Fprintf(c.out, "  Phase:        %s / %s\n", s.PhaseServerbound, s.PhaseClientbound)
			fmt.Fprintf(c.out, "  Compression:  %d\n", s.Compression)
			fmt.Fprintf(c.out, "  Encrypted:    %v\n", s.Encrypted)
			fmt.Fprintf(c.out, "  Traffic:      %s up, %s down, %d packets\n\n",
				formatBytes(s.BytesServerbound), formatBytes(s.BytesClientbound), s.Packets)
			return nil
		}
	}
	for _, s := range c.stats.Recent() {
		if strings.HasPrefix(s.ID, id) {
			fmt.Fprintf(c.out, "\n  Session:      %s (%s)\n", s.ID, s.Reason)
			fmt.Fprintf(c.out, "  Client:       %s\n", s.Client)
			fmt.Fprintf(c.out, "  Upstream:     %s\n", s.Upstream)
			fmt.Fprintf(c.out, "  Opened:       %s\n", s.OpenedAt.Format(time.RFC3339))
			fmt.Fprintf(c.out, "  Duration:     %s\n", s.Duration())
			fmt.Fprintf(c.out, "  Final phase:  %s\n", s.FinalPhase)
			fmt.Fprintf(c.out, "  Traffic:      %s up, %s down, %d packets\n\n",
				formatBytes(s.BytesServerbound), formatBytes(s.BytesClientbound), s.Packets)
			return nil
		}
	}
	return fmt.Errorf("session not found: %s", id)
}

func (c *CLI) cmdLookup(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: lookup <phase> <direction> <id>")
	}
	phase, err := protocol.ParsePhase(args[0])
	if err != nil {
		return err
	}
	dir, err := protocol.ParseDirection(args[1])
	if err != nil {
		return err
	}
	id, err := strconv.ParseUint(args[2], 0, 32)
	if err != nil {
		return fmt.Errorf("invalid packet id: %s", args[2])
	}

	name, ok := c.names.Lookup(phase, dir, uint32(id))
	if !ok {
		return fmt.Errorf("no %s %s packet 0x%02X", phase, dir, id)
	}
	fmt.Fprintf(c.out, "0x%02X %s %s: %s\n", id, phase, dir, name)
	return nil
}

func (c *CLI) cmdDigest(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: digest <player>")
	}
	fmt.Fprintln(c.out, util.PlayerDigest(args[0]))
	return nil
}

func (c *CLI) cmdLogLevel(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: loglevel <trace|debug|info|warn|error>")
	}
	level, err := zerolog.ParseLevel(strings.ToLower(args[0]))
	if err != nil || level == zerolog.NoLevel {
		return fmt.Errorf("unknown log level: %s", args[0])
	}

	zerolog.SetGlobalLevel(level)
	c.cfg.SetLogLevel(level.String())
	if err := c.cfg.Save(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Log level set to %s\n", level)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatBytes renders a byte count with a binary unit.
func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
