package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	result := &ValidationResult{}

	validateProxy(&cfg.Proxy, result)
	validateAPI(&cfg.API, cfg.Proxy.ListenPort, result)
	validateMQTT(&cfg.MQTT, result)
	validateCapture(&cfg.Capture, result)
	validateLogging(&cfg.Logging, result)
	validateHealth(&cfg.Health, result)
	validateNotify(&cfg.Notify, cfg.Health.Enabled, result)

	if cfg.Stats.SummaryIntervalSec < 0 {
		result.AddError("stats.summary_interval_sec", "interval cannot be negative")
	}

	return result
}

func validateProxy(p *ProxyConfig, result *ValidationResult) {
	if strings.TrimSpace(p.UpstreamHost) == "" {
		result.AddError("proxy.upstream_host", "upstream host is required")
	}
	if p.ListenHost != "" && net.ParseIP(p.ListenHost) == nil && p.ListenHost != "localhost" {
		result.AddWarning("proxy.listen_host",
			fmt.Sprintf("listen host %q is not an IP address and will be resolved at bind time", p.ListenHost))
	}

	validatePort(p.ListenPort, "proxy.listen_port", result)
	validatePort(p.UpstreamPort, "proxy.upstream_port", result)

	if p.ListenPort == p.UpstreamPort && isLocalHost(p.UpstreamHost) {
		result.AddError("proxy.upstream_port", "upstream points back at the proxy listener")
	}

	if p.MaxFrameLength < 1 || p.MaxFrameLength > MaxFrameLengthLimit {
		result.AddError("proxy.max_frame_length",
			fmt.Sprintf("must be between 1 and %d bytes", MaxFrameLengthLimit))
	}
	if p.ReadBufferSize < 512 {
		result.AddWarning("proxy.read_buffer_size", "buffers below 512 bytes cause excessive reads")
	}
	if p.DialTimeoutSec < 1 {
		result.AddWarning("proxy.dial_timeout_sec", "dial timeout below 1s, the default is used")
	}
	if p.MaxConcurrent < 1 {
		result.AddWarning("proxy.max_concurrent_sessions", "concurrent session cap is disabled")
	}
	if p.MaxConnPerSecPerIP < 1 {
		result.AddWarning("proxy.max_conn_per_sec_per_ip", "per-IP rate limit is disabled")
	}
}

func validateAPI(a *APIConfig, listenPort int, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	validatePort(a.Port, "api.port", result)
	if a.Port == listenPort {
		result.AddError("api.port", "port conflict with the proxy listener")
	}
	if a.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
	for _, entry := range a.IPWhitelist {
		if net.ParseIP(entry) == nil {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				result.AddError("api.ip_whitelist", fmt.Sprintf("%q is neither an IP nor a CIDR", entry))
			}
		}
	}
	if a.TLSEnabled && (strings.TrimSpace(a.TLSCertFile) == "") != (strings.TrimSpace(a.TLSKeyFile) == "") {
		result.AddError("api.tls_cert_file", "TLS certificate and key must be set together")
	}
}

func validateMQTT(m *MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
	if strings.TrimSpace(m.TopicPrefix) == "" {
		result.AddWarning("mqtt.topic_prefix", "empty topic prefix, topics will start with '/'")
	}
}

func validateCapture(c *CaptureConfig, result *ValidationResult) {
	if !c.Enabled {
		return
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		result.AddError("capture.database_path", "database path is required when capture is enabled")
	}
	if c.RetentionDays < 1 {
		result.AddError("capture.retention_days", "retention days must be at least 1")
	}
	if _, err := time.Parse("15:04", c.CleanupTime); err != nil {
		result.AddError("capture.cleanup_time", fmt.Sprintf("invalid time %q, expected HH:MM", c.CleanupTime))
	}
}

func validateLogging(l *LoggingConfig, result *ValidationResult) {
	if _, err := zerolog.ParseLevel(strings.ToLower(l.Level)); err != nil || l.Level == "" {
		result.AddError("logging.level", fmt.Sprintf("unknown log level %q", l.Level))
	}
	if l.MaxBackups < 1 {
		result.AddWarning("logging.max_backups", "old log files will be removed immediately")
	}
}

func validateHealth(h *HealthConfig, result *ValidationResult) {
	if !h.Enabled {
		return
	}
	if h.PingIntervalSec < 0 || h.DiskIntervalSec < 0 {
		result.AddError("health.ping_interval_sec", "check intervals cannot be negative")
	}
	if h.PingTimeoutSec < 1 {
		result.AddError("health.ping_timeout_sec", "ping timeout must be at least 1 second")
	}
	if h.PingIntervalSec > 0 && h.PingTimeoutSec >= h.PingIntervalSec {
		result.AddWarning("health.ping_timeout_sec", "timeout is not shorter than the ping interval")
	}
	if h.DiskWarnPercent <= 0 || h.DiskWarnPercent > 100 {
		result.AddError("health.disk_warn_percent", "threshold must be in (0, 100]")
	}
}

func validateNotify(n *NotifyConfig, healthEnabled bool, result *ValidationResult) {
	if !n.Enabled() {
		return
	}
	u, err := url.Parse(n.DiscordWebhookURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		result.AddError("notify.discord_webhook_url", "webhook URL must be an absolute http(s) URL")
	}
	if !healthEnabled {
		result.AddWarning("notify.discord_webhook_url", "health checks are disabled, no alerts will be sent")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

func isLocalHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
