package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.True(t, cfg.IsFirstRun())
	assert.Equal(t, "0.0.0.0:25566", cfg.GetProxy().ListenAddr())
	assert.Equal(t, "127.0.0.1:25565", cfg.GetProxy().UpstreamAddr())
	assert.FileExists(t, filepath.Join(dir, DefaultConfigFile))

	again, err := Load(dir)
	require.NoError(t, err)
	assert.False(t, again.IsFirstRun())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigFile)
	partial := `{"proxy": {"upstream_host": "mc.example.net", "upstream_port": 25570}}`
	require.NoError(t, os.WriteFile(path, []byte(partial), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	p := cfg.GetProxy()
	assert.Equal(t, "mc.example.net:25570", p.UpstreamAddr())
	assert.Equal(t, DefaultListenPort, p.ListenPort, "missing fields keep defaults")
	assert.Equal(t, MaxFrameLengthLimit, p.MaxFrameLength)

	// The re-saved file lists every option.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, section := range []string{"proxy", "api", "mqtt", "capture", "cli", "logging", "stats", "health", "notify"} {
		assert.Contains(t, raw, section)
	}
}

func TestLoadRejectsBadJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("{"), 0644))
	_, err := Load(dir)
	assert.Error(t, err)
}

func TestValidateDefaults(t *testing.T) {
	result := Validate(DefaultConfig())
	assert.True(t, result.IsValid(), "%v", result.Errors)
}

func TestValidateErrors(t *testing.T) {
	testCases := []struct {
		name  string
		mod   func(*Config)
		field string
	}{
		{"bad listen port", func(c *Config) { c.Proxy.ListenPort = 0 }, "proxy.listen_port"},
		{"bad upstream port", func(c *Config) { c.Proxy.UpstreamPort = 70000 }, "proxy.upstream_port"},
		{"missing upstream", func(c *Config) { c.Proxy.UpstreamHost = " " }, "proxy.upstream_host"},
		{"loop", func(c *Config) { c.Proxy.UpstreamPort = c.Proxy.ListenPort }, "proxy.upstream_port"},
		{"frame ceiling", func(c *Config) { c.Proxy.MaxFrameLength = MaxFrameLengthLimit + 1 }, "proxy.max_frame_length"},
		{"api port conflict", func(c *Config) { c.API.Port = c.Proxy.ListenPort }, "api.port"},
		{"ip whitelist", func(c *Config) { c.API.IPWhitelist = []string{"10.0.0.0/8", "nope"} }, "api.ip_whitelist"},
		{"mqtt broker", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.BrokerURL = "" }, "mqtt.broker_url"},
		{"capture retention", func(c *Config) { c.Capture.Enabled = true; c.Capture.RetentionDays = 0 }, "capture.retention_days"},
		{"capture time", func(c *Config) { c.Capture.Enabled = true; c.Capture.CleanupTime = "25:00" }, "capture.cleanup_time"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"health timeout", func(c *Config) { c.Health.PingTimeoutSec = 0 }, "health.ping_timeout_sec"},
		{"disk threshold", func(c *Config) { c.Health.DiskWarnPercent = 120 }, "health.disk_warn_percent"},
		{"webhook url", func(c *Config) { c.Notify.DiscordWebhookURL = "discord.com/api/webhooks/1" }, "notify.discord_webhook_url"},
		{"stats interval", func(c *Config) { c.Stats.SummaryIntervalSec = -1 }, "stats.summary_interval_sec"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mod(cfg)
			result := Validate(cfg)
			require.False(t, result.IsValid())

			var fields []string
			for _, e := range result.Errors {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tc.field)
		})
	}
}

func TestValidateWarnings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Proxy.ListenPort = 80
	cfg.Proxy.MaxConnPerSecPerIP = 0

	result := Validate(cfg)
	assert.True(t, result.IsValid())

	var fields []string
	for _, w := range result.Warnings {
		fields = append(fields, w.Field)
	}
	assert.Contains(t, fields, "proxy.listen_port")
	assert.Contains(t, fields, "proxy.max_conn_per_sec_per_ip")
}

func TestRunSetupWizard(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	answers := strings.Join([]string{
		"mc.example.net", // server host
		"25570",          // server port
		"",               // listen host
		"not-a-number",   // listen port
		"yes",            // announce
		"no",             // api
		"",               // capture
		"",               // mqtt
	}, "\n") + "\n"

	var out strings.Builder
	require.NoError(t, RunSetupWizard(cfg, strings.NewReader(answers), &out))

	p := cfg.GetProxy()
	assert.Equal(t, "mc.example.net", p.UpstreamHost)
	assert.Equal(t, 25570, p.UpstreamPort)
	assert.Equal(t, DefaultListenPort, p.ListenPort)
	assert.True(t, p.AnnounceLAN)
	assert.False(t, cfg.GetAPI().Enabled)
	assert.Contains(t, out.String(), "Invalid number")
	assert.Contains(t, out.String(), "Configuration saved")
}

func TestRunSetupWizardGivesUp(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	// Upstream port 0 is invalid; decline the retry.
	answers := "\n0\n\n\n\n\n\n\nno\n"
	var out strings.Builder
	assert.Error(t, RunSetupWizard(cfg, strings.NewReader(answers), &out))
	assert.Contains(t, out.String(), "proxy.upstream_port")
}
