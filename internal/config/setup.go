package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// maxSetupAttempts bounds how often the wizard re-prompts after a failed
// validation.
const maxSetupAttempts = 3

// RunSetupWizard guides the user through first-time configuration, reading
// answers from in and writing prompts to out. An empty answer keeps the
// current value.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "╔══════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║          mclisten - First Run Setup          ║")
	fmt.Fprintln(out, "╚══════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	for attempt := 1; ; attempt++ {
		cfg.mu.Lock()
		p := &cfg.Proxy

		fmt.Fprintln(out, "── Upstream Server ──")
		p.UpstreamHost = promptString(reader, out, "Server host", p.UpstreamHost)
		p.UpstreamPort = promptInt(reader, out, "Server port", p.UpstreamPort)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "── Proxy Listener ──")
		p.ListenHost = promptString(reader, out, "Listen host", p.ListenHost)
		p.ListenPort = promptInt(reader, out, "Listen port", p.ListenPort)
		p.AnnounceLAN = promptBool(reader, out, "Announce on the local network", p.AnnounceLAN)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "── Monitoring ──")
		cfg.API.Enabled = promptBool(reader, out, "Enable REST API", cfg.API.Enabled)
		cfg.Capture.Enabled = promptBool(reader, out, "Record packets to SQLite", cfg.Capture.Enabled)
		cfg.MQTT.Enabled = promptBool(reader, out, "Enable MQTT telemetry", cfg.MQTT.Enabled)
		if cfg.MQTT.Enabled {
			cfg.MQTT.BrokerURL = promptString(reader, out, "MQTT broker", cfg.MQTT.BrokerURL)
		}
		listenPort := p.ListenPort
		cfg.mu.Unlock()

		if !IsPortAvailable(listenPort) {
			fmt.Fprintf(out, "\n  note: port %d is currently in use\n", listenPort)
		}

		result := Validate(cfg)
		if result.IsValid() {
			for _, w := range result.Warnings {
				log.Warn().Str("field", w.Field).Msg(w.Message)
			}
			break
		}

		fmt.Fprintln(out, "\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		if attempt >= maxSetupAttempts {
			return fmt.Errorf("configuration validation failed")
		}
		retry := promptString(reader, out, "Would you like to try again? (yes/no)", "yes")
		if strings.ToLower(retry) != "yes" {
			return fmt.Errorf("configuration validation failed")
		}
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "✓ Configuration saved successfully!")
	fmt.Fprintln(out)
	return nil
}

func promptString(reader *bufio.Reader, out io.Writer, prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(out, "  %s: ", prompt)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func promptInt(reader *bufio.Reader, out io.Writer, prompt string, defaultVal int) int {
	fmt.Fprintf(out, "  %s [%d]: ", prompt, defaultVal)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func promptBool(reader *bufio.Reader, out io.Writer, prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultStr)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(strings.ToLower(input))

	if input == "" {
		return defaultVal
	}

	return input == "yes" || input == "y" || input == "true" || input == "1"
}
