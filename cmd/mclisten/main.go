// mclisten - Minecraft protocol listening proxy.
//
// mclisten sits between a game client and a server, forwarding every byte
// unmodified while decoding the packet framing of both directions for
// observation. Decoded packets are logged, counted, optionally recorded to
// SQLite and published via MQTT, and exposed through a read-only REST API
// and an interactive console.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/mclisten-project/mclisten/internal/api"
	"github.com/mclisten-project/mclisten/internal/cli"
	"github.com/mclisten-project/mclisten/internal/config"
	"github.com/mclisten-project/mclisten/internal/connector"
	"github.com/mclisten-project/mclisten/internal/db"
	"github.com/mclisten-project/mclisten/internal/events"
	"github.com/mclisten-project/mclisten/internal/health"
	"github.com/mclisten-project/mclisten/internal/network"
	"github.com/mclisten-project/mclisten/internal/observer"
	"github.com/mclisten-project/mclisten/internal/protocol"
	"github.com/mclisten-project/mclisten/internal/scheduler"
	"github.com/mclisten-project/mclisten/internal/telemetry"
	"github.com/mclisten-project/mclisten/internal/util"
)

const Banner = `
                 _ _     _
  _ __ ___   ___| (_)___| |_ ___ _ __
 | '_ ' _ \ / __| | / __| __/ _ \ '_ \
 | | | | | | (__| | \__ \ ||  __/ | | |
 |_| |_| |_|\___|_|_|___/\__\___|_| |_|
                                 v%s
 Minecraft %d listening proxy
`

// options are the command-line overrides.
type options struct {
	serverHost string
	serverPort int
	proxyHost  string
	proxyPort  int
	configDir  string
	logLevel   string
	noCLI      bool
	setup      bool
}

func parseFlags(args []string) (options, *flag.FlagSet, error) {
	var opts options
	fs := flag.NewFlagSet("mclisten", flag.ContinueOnError)
	fs.StringVar(&opts.serverHost, "server-host", "", "upstream server host (default from config, 127.0.0.1)")
	fs.IntVar(&opts.serverPort, "server-port", 0, "upstream server port (default from config, 25565)")
	fs.StringVar(&opts.proxyHost, "proxy-host", "", "address the proxy listens on (default from config, 0.0.0.0)")
	fs.IntVar(&opts.proxyPort, "proxy-port", 0, "port the proxy listens on (default from config, 25566)")
	fs.StringVar(&opts.configDir, "config-dir", config.DefaultConfigDir, "directory holding config.json")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	fs.BoolVar(&opts.noCLI, "no-cli", false, "disable the interactive console")
	fs.BoolVar(&opts.setup, "setup", false, "run the setup wizard before starting")
	err := fs.Parse(args)
	return opts, fs, err
}

// applyOverrides copies flags the user set onto cfg.
func applyOverrides(cfg *config.Config, fs *flag.FlagSet, opts options) {
	p := cfg.GetProxy()
	if fs.Changed("server-host") {
		p.UpstreamHost = opts.serverHost
	}
	if fs.Changed("server-port") {
		p.UpstreamPort = opts.serverPort
	}
	if fs.Changed("proxy-host") {
		p.ListenHost = opts.proxyHost
	}
	if fs.Changed("proxy-port") {
		p.ListenPort = opts.proxyPort
	}
	cfg.SetProxy(p)

	if fs.Changed("log-level") {
		cfg.SetLogLevel(opts.logLevel)
	}
	if opts.noCLI {
		cfg.SetCLIEnabled(false)
	}
}

func main() {
	opts, fs, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	fmt.Printf(Banner, config.Version, protocol.ProtocolVersion)
	fmt.Println()

	// Defaults first, reconfigured after config load
	logFile, err := util.InitLogger(util.DefaultLogConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", config.Version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting mclisten")

	cfg, err := config.Load(opts.configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	applyOverrides(cfg, fs, opts)

	logging := cfg.GetLogging()
	logFile.Close()
	logFile, err = util.InitLogger(util.LogConfig{
		Level:      logging.Level,
		Directory:  logging.Directory,
		MaxBackups: logging.MaxBackups,
		Console:    true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to reconfigure logger: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	if opts.setup {
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("setup wizard failed")
		}
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}

		if cfg.IsFirstRun() && !opts.setup {
			log.Info().Msg("first run detected, launching setup wizard")
			if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
				log.Fatal().Err(err).Msg("setup wizard failed")
			}
		} else {
			log.Fatal().Msg("configuration validation failed, please fix the errors above")
		}
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("threads", sysInfo.CPUThreads).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	names, err := protocol.DefaultRegistry()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load packet name registry")
	}
	log.Info().Int("packets", names.Len()).Int("protocol", protocol.ProtocolVersion).Msg("packet name registry loaded")

	if err := run(cfg, names); err != nil {
		log.Error().Err(err).Msg("mclisten stopped with error")
		logFile.Close()
		os.Exit(1)
	}
}

// run wires the components and blocks until shutdown.
func run(cfg *config.Config, names *protocol.Registry) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()
	proxy := cfg.GetProxy()

	// Observation pipeline: log, count, republish on the bus
	stats := observer.NewStats(cfg.GetStats().RecentSessions)
	sink := observer.Fanout{
		observer.NewLogSink(log.Logger),
		stats,
		observer.NewBusSink(ctx, eventBus),
	}

	relay := network.NewRelay(network.RelayConfig{
		Upstream:       proxy.UpstreamAddr(),
		DialTimeout:    time.Duration(proxy.DialTimeoutSec) * time.Second,
		BufferSize:     proxy.ReadBufferSize,
		MaxFrameLength: proxy.MaxFrameLength,
	}, names, sink)

	listener := network.NewListener(network.ListenerConfig{
		Address:       proxy.ListenAddr(),
		MaxConnPerSec: proxy.MaxConnPerSecPerIP,
		MaxConcurrent: proxy.MaxConcurrent,
	}, relay, sink)

	var capture *db.CaptureStore
	if captureCfg := cfg.GetCapture(); captureCfg.Enabled {
		var err error
		capture, err = db.NewCaptureStore(captureCfg.DatabasePath, captureCfg.StorePayloads)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open capture database, capture disabled")
		} else {
			capture.Subscribe(eventBus)
			defer capture.Close()
		}
	}

	var mqttHandler *telemetry.MQTTHandler
	if cfg.GetMQTT().Enabled {
		var err error
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	var pruner scheduler.Pruner
	if capture != nil {
		pruner = capture
	}
	sched := scheduler.NewScheduler(cfg, stats, pruner)

	var healthMgr *health.Manager
	if cfg.GetHealth().Enabled {
		healthMgr = health.NewManager(cfg, eventBus)
	}
	if notify := cfg.GetNotify(); notify.Enabled() {
		notifier := connector.NewDiscordNotifier(notify, eventBus)
		defer notifier.Close()
		log.Info().Msg("Discord alerts enabled")
	}

	// The console and API quit through the bus
	shutdownCh := make(chan struct{}, 1)
	eventBus.Subscribe(events.EventShutdown, "main.shutdown", func(ctx context.Context, e events.Event) error {
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
		return nil
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	// Proxy listener (fatal once retries are exhausted)
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("listen", proxy.ListenAddr()).Str("upstream", proxy.UpstreamAddr()).Msg("starting proxy listener")
		if err := startWithRetry(ctx, "proxy listener", listener.Start, 5); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("proxy listener: %w", err)
		}
	}()

	if proxy.AnnounceLAN {
		announcer := network.NewLANAnnouncer(network.LANConfig{
			MOTD: proxy.AnnounceMOTD,
			Port: proxy.ListenPort,
		})
		if ip, err := util.GetLocalIP(); err == nil {
			log.Info().Str("local_ip", ip).Msg("announcing proxy on the local network")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := announcer.Run(ctx); err != nil {
				log.Warn().Err(err).Msg("LAN announcer failed (non-fatal)")
			}
		}()
	}

	if cfg.GetAPI().Enabled {
		apiServer := api.NewServer(cfg, stats, relay.Sessions(), names)
		var reporter api.HealthReporter
		if healthMgr != nil {
			reporter = healthMgr
		}
		apiServer.SetDependencies(capture, reporter)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	if healthMgr != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			healthMgr.Start(ctx)
		}()
	}

	// The console goroutine may stay blocked on stdin, so it is not waited on.
	if cfg.CLIEnabled() {
		cliHandler := cli.NewCLI(cfg, eventBus, stats, relay.Sessions(), names, os.Stdin, os.Stdout)
		if healthMgr != nil {
			cliHandler.SetHealth(healthMgr)
		}
		go cliHandler.Start(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-shutdownCh:
		log.Info().Msg("shutdown requested from console")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()
	listener.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	// Closing sessions may still be emitting, so the bus stops last.
	eventBus.Stop()

	snap := stats.Snapshot()
	log.Info().
		Uint64("sessions", snap.SessionsTotal).
		Uint64("bytes_serverbound", snap.BytesServerbound).
		Uint64("bytes_clientbound", snap.BytesClientbound).
		Msg("mclisten stopped")
	return runErr
}

// startWithRetry attempts to start a listener/server with retry on bind
// errors, waiting 3 seconds between attempts.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
