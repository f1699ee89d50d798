// Package config provides configuration loading for the agent host.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the agent host.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Workspace settings
	WorkspacesRoot string

	// Agent process settings
	AgentCommand       string
	AgentArgs          []string
	DefaultModel       string
	SystemInstructions string
	DisabledTools      []string

	// Tool execution settings
	ShellTimeout time.Duration
	ToolTimeout  time.Duration
	GraceWindow  time.Duration
	ProbeTimeout time.Duration
	LintTimeout  time.Duration
	LintCommand  string

	// Preview settings
	ReservedPorts []int
	PortTTL       time.Duration

	// Edit synthesis settings
	SynthesisURL   string
	SynthesisToken string

	// Callback authentication
	CallbackToken string

	// Persistence settings
	PersistenceDBPath string

	// HTTP server timeouts
	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvInt("AGENT_HOST_PORT", 8080),
		Host:           getEnv("AGENT_HOST_HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", []string{"*"}),

		WorkspacesRoot: getEnv("WORKSPACES_ROOT", "/workspaces"),

		AgentCommand:       getEnv("AGENT_COMMAND", ""),
		AgentArgs:          getEnvStringSlice("AGENT_ARGS", nil),
		DefaultModel:       getEnv("AGENT_DEFAULT_MODEL", ""),
		SystemInstructions: getEnv("AGENT_SYSTEM_INSTRUCTIONS", ""),
		DisabledTools:      getEnvStringSlice("AGENT_DISABLED_TOOLS", nil),

		ShellTimeout: getEnvDuration("SHELL_TIMEOUT", 2*time.Minute),
		ToolTimeout:  getEnvDuration("TOOL_TIMEOUT", 3*time.Minute),
		GraceWindow:  getEnvDuration("DEV_SERVER_GRACE_WINDOW", 5*time.Second),
		ProbeTimeout: getEnvDuration("PREVIEW_PROBE_TIMEOUT", 30*time.Second),
		LintTimeout:  getEnvDuration("LINT_TIMEOUT", 90*time.Second),
		LintCommand:  getEnv("LINT_COMMAND", "npm run lint"),

		ReservedPorts: getEnvIntSlice("RESERVED_PORTS", nil),
		PortTTL:       getEnvDuration("PREVIEW_PORT_TTL", 30*time.Minute),

		SynthesisURL:   getEnv("SYNTHESIS_URL", ""),
		SynthesisToken: getEnv("SYNTHESIS_TOKEN", ""),

		CallbackToken: getEnv("CALLBACK_TOKEN", ""),

		PersistenceDBPath: getEnv("PERSISTENCE_DB_PATH", "/var/lib/agent-host/state.db"),

		HTTPReadTimeout: getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout: getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),
	}

	if cfg.AgentCommand == "" {
		return nil, fmt.Errorf("AGENT_COMMAND is required")
	}
	if cfg.WorkspacesRoot == "" {
		return nil, fmt.Errorf("WORKSPACES_ROOT is required")
	}

	// The listen port can never be handed out as a detected dev-server port.
	cfg.ReservedPorts = appendUnique(cfg.ReservedPorts, cfg.Port)

	return cfg, nil
}

func appendUnique(ports []int, port int) []int {
	for _, p := range ports {
		if p == port {
			return ports
		}
	}
	return append(ports, port)
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// getEnvIntSlice returns an int slice from a comma-separated environment
// variable. Entries that fail to parse are skipped.
func getEnvIntSlice(key string, defaultValue []int) []int {
	if value := os.Getenv(key); value != "" {
		var result []int
		for _, p := range strings.Split(value, ",") {
			if i, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
				result = append(result, i)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
