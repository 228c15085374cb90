// Copyright 2026 The agentchattr Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads agentchattr's typed configuration: the server bind
// address, the MCP bridge's transport ports and kill thresholds, routing
// defaults, per-agent process definitions, and monitor/cleanup settings.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/agentchattr/agentchattr/internal/apperr"
)

// ConfigEnv names the environment variable carrying the path to the
// configuration file.
const ConfigEnv = "AGENTCHATTR_CONFIG"

// PortEnv overrides server.port.
const PortEnv = "PORT"

// AccessTokenEnv overrides the persisted session token.
const AccessTokenEnv = "ACCESS_TOKEN"

// Config is the root configuration document.
type Config struct {
	Server  ServerConfig           `yaml:"server"`
	MCP     MCPConfig              `yaml:"mcp"`
	Routing RoutingConfig          `yaml:"routing"`
	Agents  map[string]AgentConfig `yaml:"agents"`
	Monitor MonitorConfig          `yaml:"monitor"`
	Cleanup CleanupConfig          `yaml:"cleanup"`
}

// ServerConfig controls the chat hub's HTTP/WebSocket listener.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// MCPConfig controls the MCP bridge's two transports and the wrapper's
// health-watcher kill thresholds.
type MCPConfig struct {
	HTTPPort         int `yaml:"http_port"`
	SSEPort          int `yaml:"sse_port"`
	SSEKillThreshold int `yaml:"sse_kill_threshold"`
	HTTPKillThreshold int `yaml:"http_kill_threshold"`
}

// RoutingConfig controls un-mentioned message routing and loop-guard depth.
type RoutingConfig struct {
	Default      string `yaml:"default"`
	MaxAgentHops int    `yaml:"max_agent_hops"`
}

// AgentConfig describes one supervised agent process.
type AgentConfig struct {
	Command         string  `yaml:"command"`
	Cwd             string  `yaml:"cwd"`
	Color           string  `yaml:"color"`
	Label           string  `yaml:"label"`
	ResumeFlag      string  `yaml:"resume_flag"`
	TriggerCooldown float64 `yaml:"trigger_cooldown"`
}

// MonitorConfig controls the wrapper's task-idle re-nudge.
type MonitorConfig struct {
	AgentTaskTimeoutMinutes float64 `yaml:"agent_task_timeout_minutes"`
}

// CleanupConfig controls whether stale session/log files are pruned on
// startup. Off by default: pruning logs for a temporarily removed
// agent would lose history an operator may still want.
type CleanupConfig struct {
	Enabled bool `yaml:"enabled"`
}

const (
	defaultServerPort        = 8300
	defaultServerHost        = "127.0.0.1"
	defaultMCPHTTPPort       = 8200
	defaultMCPSSEPort        = 8201
	defaultSSEKillThreshold  = 5
	defaultHTTPKillThreshold = 10
	defaultMaxAgentHops      = 4
	defaultTriggerCooldown   = 2.0
	defaultTaskTimeoutMin    = 15.0
)

// Default returns a Config seeded with every documented default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: defaultServerPort,
			Host: defaultServerHost,
		},
		MCP: MCPConfig{
			HTTPPort:          defaultMCPHTTPPort,
			SSEPort:           defaultMCPSSEPort,
			SSEKillThreshold:  defaultSSEKillThreshold,
			HTTPKillThreshold: defaultHTTPKillThreshold,
		},
		Routing: RoutingConfig{
			Default:      "none",
			MaxAgentHops: defaultMaxAgentHops,
		},
		Agents: map[string]AgentConfig{},
		Monitor: MonitorConfig{
			AgentTaskTimeoutMinutes: defaultTaskTimeoutMin,
		},
		Cleanup: CleanupConfig{
			Enabled: false,
		},
	}
}

// Load reads the path named by AGENTCHATTR_CONFIG. There is no fallback
// or auto-discovery — an unset env var is an error; the config location
// is never guessed.
func Load() (*Config, error) {
	path := os.Getenv(ConfigEnv)
	if path == "" {
		return nil, fmt.Errorf("%s is not set", ConfigEnv)
	}
	return LoadFile(path)
}

// LoadFile loads and validates the YAML document at path, expands
// ${VAR} patterns in the path-bearing agent fields, applies the PORT
// and ACCESS_TOKEN-adjacent environment overrides (the latter is
// applied by the session-token loader, not here), and fills every field
// LoadFile itself does not see with its documented default.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	for name, agent := range cfg.Agents {
		if agent.TriggerCooldown == 0 {
			agent.TriggerCooldown = defaultTriggerCooldown
		}
		cfg.Agents[name] = agent
	}

	cfg.expandVariables()

	if err := applyPortEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.Fatal, "configuration invalid", err)
	}

	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in the
// path-bearing agent fields.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	for name, agent := range c.Agents {
		agent.Command = expandVars(agent.Command, vars)
		agent.Cwd = expandVars(agent.Cwd, vars)
		c.Agents[name] = agent
	}
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

func applyPortEnv(cfg *Config) error {
	raw := os.Getenv(PortEnv)
	if raw == "" {
		return nil
	}
	port, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s=%q is not a valid port: %w", PortEnv, raw, err)
	}
	cfg.Server.Port = port
	return nil
}

var agentNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Validate checks invariants that Default()/LoadFile() alone can't
// enforce: port ranges, routing.default's enum, and agent name shape.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.MCP.HTTPPort <= 0 || c.MCP.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("mcp.http_port %d out of range", c.MCP.HTTPPort))
	}
	if c.MCP.SSEPort <= 0 || c.MCP.SSEPort > 65535 {
		errs = append(errs, fmt.Errorf("mcp.sse_port %d out of range", c.MCP.SSEPort))
	}
	if c.Routing.Default != "none" && c.Routing.Default != "all" {
		errs = append(errs, fmt.Errorf("routing.default must be \"none\" or \"all\", got %q", c.Routing.Default))
	}
	if c.Routing.MaxAgentHops < 0 {
		errs = append(errs, fmt.Errorf("routing.max_agent_hops must not be negative"))
	}
	for name := range c.Agents {
		if !agentNamePattern.MatchString(name) {
			errs = append(errs, fmt.Errorf("agent name %q must match %s", name, agentNamePattern.String()))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	msg := "invalid configuration:"
	for _, e := range errs {
		msg += "\n  - " + e.Error()
	}
	return fmt.Errorf("%s", msg)
}
