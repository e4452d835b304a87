package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mclisten-project/mclisten/dashboard"
	"github.com/mclisten-project/mclisten/internal/config"
	"github.com/mclisten-project/mclisten/internal/db"
	"github.com/mclisten-project/mclisten/internal/health"
	intnet "github.com/mclisten-project/mclisten/internal/network"
	"github.com/mclisten-project/mclisten/internal/observer"
	"github.com/mclisten-project/mclisten/internal/protocol"
	"github.com/mclisten-project/mclisten/internal/util"
)

// HealthReporter exposes the latest health check results.
type HealthReporter interface {
	Status() health.Status
}

// Server is the read-only REST monitoring API.
type Server struct {
	cfg      *config.Config
	stats    *observer.Stats
	sessions *intnet.SessionRegistry
	names    *protocol.Registry
	logger   zerolog.Logger

	// Optional, nil when the feature is disabled
	capture *db.CaptureStore
	health  HealthReporter

	httpServer *http.Server
	router     *gin.Engine
	ready      chan struct{}
	readyOnce  sync.Once
	addr       net.Addr
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, stats *observer.Stats, sessions *intnet.SessionRegistry, names *protocol.Registry) *Server {
	if cfg.GetLogging().Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:      cfg,
		stats:    stats,
		sessions: sessions,
		names:    names,
		logger:   log.With().Str("component", "api").Logger(),
		ready:    make(chan struct{}),
	}
}

// SetDependencies injects the optional capture store and health reporter
// (called after they are created). Either may be nil.
func (s *Server) SetDependencies(capture *db.CaptureStore, health HealthReporter) {
	s.capture = capture
	s.health = health
}

// Router returns the HTTP handler, building it on first use.
func (s *Server) Router() http.Handler {
	if s.router == nil {
		s.router = s.buildRouter()
	}
	return s.router
}

// Start binds the configured address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.GetAPI()
	addr := net.JoinHostPort(apiCfg.Host, strconv.Itoa(apiCfg.Port))

	s.httpServer = &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	if apiCfg.TLSEnabled {
		tlsConfig, err := s.tlsConfig(apiCfg)
		if err != nil {
			ln.Close()
			return err
		}
		s.httpServer.TLSConfig = tlsConfig
		ln = tls.NewListener(ln, tlsConfig)
	}

	s.addr = ln.Addr()
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info().Str("addr", s.addr.String()).Bool("tls", apiCfg.TLSEnabled).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// Addr returns the bound address once Start has bound it.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-s.ready:
		return s.addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// tlsConfig loads the configured key pair, generating a self-signed one
// next to the config file when none is configured.
func (s *Server) tlsConfig(apiCfg config.APIConfig) (*tls.Config, error) {
	certFile, keyFile := apiCfg.TLSCertFile, apiCfg.TLSKeyFile
	if certFile == "" {
		dir := filepath.Join(filepath.Dir(s.cfg.Path()), "certs")
		certFile, keyFile = filepath.Join(dir, "api.crt"), filepath.Join(dir, "api.key")
		if _, err := tls.LoadX509KeyPair(certFile, keyFile); err != nil {
			if err := util.GenerateSelfSignedCert(certFile, keyFile); err != nil {
				return nil, err
			}
		}
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load API TLS certificate: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	apiCfg := s.cfg.GetAPI()
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := apiCfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(apiCfg.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	// ---- Public endpoints ----
	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/info", s.handleInfo)
	}

	// ---- Monitor endpoints ----
	monitor := router.Group("/api/monitor")
	monitor.Use(IPWhitelist(apiCfg.IPWhitelist))
	{
		monitor.GET("/stats", s.handleStats)
		monitor.GET("/process", s.handleProcess)
		monitor.GET("/health", s.handleHealth)
		monitor.GET("/sessions", s.handleSessions)
		monitor.GET("/sessions/:id", s.handleSession)
		monitor.GET("/registry/:phase/:direction/:id", s.handleRegistryLookup)
		monitor.GET("/capture/sessions", s.handleCaptureSessions)
		monitor.GET("/capture/sessions/:id/packets", s.handleCapturePackets)
	}

	// ---- Status page ----
	router.StaticFS("/ui", http.FS(dashboard.FS()))
	router.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusFound, "/ui/")
	})

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
