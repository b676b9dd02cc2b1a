package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig      `json:"server"`
	Approval   ApprovalConfig    `json:"approval"`
	Sandbox    SandboxConfig     `json:"sandbox"`
	Connectors []ConnectorConfig `json:"connectors"`
	Cost       CostConfig        `json:"cost"`
	Database   DatabaseConfig    `json:"database"`
	Audit      AuditConfig       `json:"audit"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ApprovalConfig struct {
	PIN              string `json:"pin"`
	LockoutThreshold int    `json:"lockout_threshold"`
	RetentionHours   int    `json:"retention_hours"`
}

type SandboxConfig struct {
	ShimPath       string `json:"shim_path"`
	ScratchRoot    string `json:"scratch_root"`
	ArtifactRoot   string `json:"artifact_root"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MemoryBytes    int64  `json:"memory_bytes"`
	CPUSeconds     int    `json:"cpu_seconds"`
}

type ConnectorConfig struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Name       string            `json:"name"`
	Endpoint   string            `json:"endpoint"`
	APIKey     string            `json:"api_key"`
	TimeoutMS  int               `json:"timeout_ms,omitempty"`
	Attempts   int               `json:"max_attempts,omitempty"`
	CostMicros int64             `json:"cost_micros,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

type CostConfig struct {
	SessionLimitMicros int64 `json:"session_limit_micros"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type AuditConfig struct {
	RedisURL string `json:"redis_url"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}
