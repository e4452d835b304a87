// Package config handles configuration loading, validation, and persistence
// for mclisten.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
)

// Version is the mclisten release version.
const Version = "0.3.0"

const (
	DefaultConfigDir    = "config"
	DefaultConfigFile   = "config.json"
	DefaultListenHost   = "0.0.0.0"
	DefaultListenPort   = 25566
	DefaultUpstreamHost = "127.0.0.1"
	DefaultUpstreamPort = 25565
	DefaultAPIPort      = 5080
	MaxFrameLengthLimit = 1 << 21
)

// Config is the root configuration structure for mclisten.
type Config struct {
	mu    sync.RWMutex
	path  string
	fresh bool

	Proxy   ProxyConfig   `json:"proxy"`
	API     APIConfig     `json:"api"`
	MQTT    MQTTConfig    `json:"mqtt"`
	Capture CaptureConfig `json:"capture"`
	CLI     CLIConfig     `json:"cli"`
	Logging LoggingConfig `json:"logging"`
	Stats   StatsConfig   `json:"stats"`
	Health  HealthConfig  `json:"health"`
	Notify  NotifyConfig  `json:"notify"`
}

// ProxyConfig holds listener and upstream settings.
type ProxyConfig struct {
	ListenHost   string `json:"listen_host"`
	ListenPort   int    `json:"listen_port"`
	UpstreamHost string `json:"upstream_host"`
	UpstreamPort int    `json:"upstream_port"`

	DialTimeoutSec     int `json:"dial_timeout_sec"`
	ReadBufferSize     int `json:"read_buffer_size"`
	MaxFrameLength     int `json:"max_frame_length"`
	MaxConcurrent      int `json:"max_concurrent_sessions"`
	MaxConnPerSecPerIP int `json:"max_conn_per_sec_per_ip"`

	// LAN announcements make the proxy show up in clients' server lists.
	AnnounceLAN  bool   `json:"announce_lan"`
	AnnounceMOTD string `json:"announce_motd"`
}

// ListenAddr returns the host:port the proxy binds.
func (p ProxyConfig) ListenAddr() string {
	return net.JoinHostPort(p.ListenHost, strconv.Itoa(p.ListenPort))
}

// UpstreamAddr returns the host:port of the real server.
func (p ProxyConfig) UpstreamAddr() string {
	return net.JoinHostPort(p.UpstreamHost, strconv.Itoa(p.UpstreamPort))
}

// APIConfig holds REST monitoring API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	IPWhitelist    []string `json:"ip_whitelist"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
	Packets     bool   `json:"publish_packets"`
}

// CaptureConfig holds packet capture storage settings.
type CaptureConfig struct {
	Enabled       bool   `json:"enabled"`
	DatabasePath  string `json:"database_path"`
	RetentionDays int    `json:"retention_days"`
	StorePayloads bool   `json:"store_payloads"`
	CleanupTime   string `json:"cleanup_time"`
}

// CLIConfig holds interactive console settings.
type CLIConfig struct {
	Enabled bool `json:"enabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
}

// StatsConfig holds periodic summary settings.
type StatsConfig struct {
	SummaryIntervalSec int `json:"summary_interval_sec"`
	RecentSessions     int `json:"recent_sessions"`
}

// HealthConfig holds upstream status-ping and disk check settings.
type HealthConfig struct {
	Enabled         bool    `json:"enabled"`
	PingIntervalSec int     `json:"ping_interval_sec"`
	PingTimeoutSec  int     `json:"ping_timeout_sec"`
	DiskIntervalSec int     `json:"disk_interval_sec"`
	DiskWarnPercent float64 `json:"disk_warn_percent"`
}

// NotifyConfig holds Discord webhook alert settings. Alerts are off while
// the webhook URL is empty.
type NotifyConfig struct {
	DiscordWebhookURL string `json:"discord_webhook_url"`
	OnUpstreamChange  bool   `json:"on_upstream_change"`
	OnDiskAlert       bool   `json:"on_disk_alert"`
}

// Enabled reports whether a webhook is configured.
func (n NotifyConfig) Enabled() bool {
	return n.DiscordWebhookURL != ""
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			ListenHost:         DefaultListenHost,
			ListenPort:         DefaultListenPort,
			UpstreamHost:       DefaultUpstreamHost,
			UpstreamPort:       DefaultUpstreamPort,
			DialTimeoutSec:     5,
			ReadBufferSize:     32 * 1024,
			MaxFrameLength:     MaxFrameLengthLimit,
			MaxConcurrent:      256,
			MaxConnPerSecPerIP: 10,
			AnnounceMOTD:       "mclisten",
		},
		API: APIConfig{
			Enabled:      true,
			Host:         "127.0.0.1",
			Port:         DefaultAPIPort,
			RateLimitRPS: 100,
		},
		MQTT: MQTTConfig{
			Port:        1883,
			ClientID:    "mclisten",
			TopicPrefix: "mclisten",
		},
		Capture: CaptureConfig{
			DatabasePath:  filepath.Join("data", "capture.db"),
			RetentionDays: 7,
			CleanupTime:   "04:00",
		},
		CLI: CLIConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
		},
		Stats: StatsConfig{
			SummaryIntervalSec: 300,
			RecentSessions:     64,
		},
		Health: HealthConfig{
			Enabled:         true,
			PingIntervalSec: 60,
			PingTimeoutSec:  5,
			DiskIntervalSec: 600,
			DiskWarnPercent: 90,
		},
		Notify: NotifyConfig{
			OnUpstreamChange: true,
			OnDiskAlert:      true,
		},
	}
}

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			cfg.fresh = true
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so config.json always lists every option.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetProxy returns a copy of the proxy configuration.
func (c *Config) GetProxy() ProxyConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Proxy
}

// SetProxy updates the proxy configuration.
func (c *Config) SetProxy(p ProxyConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Proxy = p
}

// GetAPI returns a copy of the API configuration.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.API
}

// GetMQTT returns a copy of the MQTT configuration.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetCapture returns a copy of the capture configuration.
func (c *Config) GetCapture() CaptureConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Capture
}

// GetLogging returns a copy of the logging configuration.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// SetLogLevel overrides the configured log level.
func (c *Config) SetLogLevel(level string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Logging.Level = level
}

// GetStats returns a copy of the stats configuration.
func (c *Config) GetStats() StatsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Stats
}

// GetHealth returns a copy of the health check configuration.
func (c *Config) GetHealth() HealthConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Health
}

// GetNotify returns a copy of the notification configuration.
func (c *Config) GetNotify() NotifyConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Notify
}

// CLIEnabled reports whether the interactive console should run.
func (c *Config) CLIEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.CLI.Enabled
}

// SetCLIEnabled turns the interactive console on or off.
func (c *Config) SetCLIEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CLI.Enabled = enabled
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// IsFirstRun returns true if Load had to create the config file.
func (c *Config) IsFirstRun() bool {
	return c.fresh
}
