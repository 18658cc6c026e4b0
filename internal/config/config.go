package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

const envPrefix = "AGENTMONITOR_"

// desktopPrefix carries overrides injected by the desktop shell that embeds
// the engine. Plain environment variables win over desktop overrides.
const desktopPrefix = "AGENTMONITOR_DESKTOP_"

// LimitType selects how a usage window is measured.
type LimitType string

const (
	LimitTokens LimitType = "tokens"
	LimitCost   LimitType = "cost"
)

// AgentUsageConfig holds the rolling-window limits for one agent kind.
type AgentUsageConfig struct {
	LimitType           LimitType
	SessionWindowHours  int64
	SessionLimit        float64
	ExtendedWindowHours int64
	ExtendedLimit       float64
}

// UsageMonitorConfig holds per-agent usage limits.
type UsageMonitorConfig struct {
	ClaudeCode AgentUsageConfig
	Codex      AgentUsageConfig
	Default    AgentUsageConfig
}

// ForAgent returns the limits for an agent kind, falling back to Default.
func (u *UsageMonitorConfig) ForAgent(agentType string) *AgentUsageConfig {
	switch agentType {
	case "claude_code":
		return &u.ClaudeCode
	case "codex":
		return &u.Codex
	default:
		return &u.Default
	}
}

// Config holds all runtime parameters resolved from the environment.
type Config struct {
	Host                   string
	Port                   int
	DBPath                 string
	MaxPayloadKB           int
	SessionTimeoutMinutes  int64
	MaxFeed                int
	StatsIntervalMS        int64
	MaxSSEClients          int
	SSEHeartbeatMS         int64
	AutoImportIntervalMins int64
	ProjectsRoot           string
	UsageMonitor           UsageMonitorConfig
}

// Load resolves configuration from environment variables. A malformed value
// logs a warning and falls back to its default; Load never fails.
func Load() *Config {
	defaultWindowHours := getInt64Min("SESSION_WINDOW_HOURS", 5, 1)

	return &Config{
		Host:                   getString("HOST", "127.0.0.1"),
		Port:                   getInt("PORT", 3141),
		DBPath:                 getString("DB_PATH", "./data/agentmonitor.db"),
		MaxPayloadKB:           getInt("MAX_PAYLOAD_KB", 10),
		SessionTimeoutMinutes:  getInt64Min("SESSION_TIMEOUT", 5, 1),
		MaxFeed:                getInt("MAX_FEED", 200),
		StatsIntervalMS:        getInt64Min("STATS_INTERVAL", 5000, 1),
		MaxSSEClients:          getInt("MAX_SSE_CLIENTS", 50),
		SSEHeartbeatMS:         getInt64Min("SSE_HEARTBEAT_MS", 30000, 1),
		AutoImportIntervalMins: getInt64Min("AUTO_IMPORT_MINUTES", 10, 0),
		ProjectsRoot:           resolveProjectsRoot(getString("PROJECTS_ROOT", "")),
		UsageMonitor: UsageMonitorConfig{
			ClaudeCode: AgentUsageConfig{
				LimitType:           LimitTokens,
				SessionWindowHours:  getInt64Min("SESSION_WINDOW_HOURS_CLAUDE_CODE", defaultWindowHours, 1),
				SessionLimit:        getFloatMin("SESSION_TOKEN_LIMIT_CLAUDE_CODE", 44000, 0),
				ExtendedWindowHours: getInt64Min("EXTENDED_WINDOW_HOURS_CLAUDE_CODE", 24, 1),
				ExtendedLimit:       getFloatMin("EXTENDED_TOKEN_LIMIT_CLAUDE_CODE", 0, 0),
			},
			Codex: AgentUsageConfig{
				LimitType:           LimitCost,
				SessionWindowHours:  getInt64Min("SESSION_WINDOW_HOURS_CODEX", defaultWindowHours, 1),
				SessionLimit:        getFloatMin("SESSION_COST_LIMIT_CODEX", 500, 0),
				ExtendedWindowHours: getInt64Min("EXTENDED_WINDOW_HOURS_CODEX", 168, 1),
				ExtendedLimit:       getFloatMin("EXTENDED_COST_LIMIT_CODEX", 1500, 0),
			},
			Default: AgentUsageConfig{
				LimitType:           LimitTokens,
				SessionWindowHours:  defaultWindowHours,
				SessionLimit:        0,
				ExtendedWindowHours: 24,
				ExtendedLimit:       0,
			},
		},
	}
}

// BindAddr returns the host:port listen address.
func (c *Config) BindAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SessionEndMinutes is the threshold at which idle sessions are ended.
func (c *Config) SessionEndMinutes() int64 {
	return c.SessionTimeoutMinutes * 2
}

// resolveProjectsRoot walks the working directory ancestry looking for a
// plausible projects root (a directory named "projects" or containing one).
// Falls back to the working directory itself.
func resolveProjectsRoot(explicit string) string {
	if explicit != "" {
		return explicit
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	for dir := cwd; ; dir = filepath.Dir(dir) {
		if filepath.Base(dir) == "projects" {
			return dir
		}
		if info, statErr := os.Stat(filepath.Join(dir, "projects")); statErr == nil && info.IsDir() {
			return filepath.Join(dir, "projects")
		}
		if filepath.Dir(dir) == dir {
			break
		}
	}
	return cwd
}

// lookup resolves a key with precedence: plain env > desktop override.
func lookup(key string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return os.Getenv(desktopPrefix + key)
}

func getString(key, fallback string) string {
	if v := lookup(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := lookup(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.Warn().Str("key", envPrefix+key).Str("value", v).Msg("ignoring malformed integer")
		return fallback
	}
	return n
}

func getInt64Min(key string, fallback, min int64) int64 {
	v := lookup(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < min {
		log.Warn().Str("key", envPrefix+key).Str("value", v).Msg("ignoring malformed integer")
		return fallback
	}
	return n
}

func getFloatMin(key string, fallback, min float64) float64 {
	v := lookup(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || f < min {
		log.Warn().Str("key", envPrefix+key).Str("value", v).Msg("ignoring malformed number")
		return fallback
	}
	return f
}
