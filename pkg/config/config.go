// Package config provides configuration structures and loading logic for
// plan-lint.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/plan-lint/internal/tls"
	"github.com/polisai/plan-lint/pkg/telemetry"
)

// Config holds the global configuration.
type Config struct {
	Policy    string           `yaml:"policy"`
	Rego      string           `yaml:"rego"`
	Engine    EngineConfig     `yaml:"engine"`
	Server    ServerConfig     `yaml:"server"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// EngineConfig selects and tunes the evaluation backend.
type EngineConfig struct {
	Backend  string        `yaml:"backend"`
	OPAPath  string        `yaml:"opa_path"`
	Timeout  time.Duration `yaml:"timeout"`
	CacheMax int           `yaml:"cache_max_entries"`
}

// ServerConfig holds configuration for the HTTP service.
type ServerConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// MaxBodyBytes caps request plans.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	WatchPolicy  bool  `yaml:"watch_policy"`
	// TLS is off unless a certificate is configured.
	TLS tls.Config `yaml:"tls"`
}

// LoggingConfig holds configuration for logging. Logs go to stderr so
// reports on stdout stay clean.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// Pretty selects text records; false emits JSON.
	Pretty bool `yaml:"pretty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Backend: "builtin",
			OPAPath: "opa",
			Timeout: 10 * time.Second,
		},
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			MaxBodyBytes: 1 << 20,
			WatchPolicy:  true,
		},
		Logging: LoggingConfig{
			Level:  "warn",
			Pretty: true,
		},
	}
}

// Load reads configuration from a file and applies environment variable
// overrides. An empty path yields the defaults. ${VAR} references in the
// file are expanded before parsing.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("PLANLINT_POLICY"); val != "" {
		cfg.Policy = val
	}
	if val := os.Getenv("PLANLINT_ENGINE"); val != "" {
		cfg.Engine.Backend = val
	}
	if val := os.Getenv("PLANLINT_OPA_PATH"); val != "" {
		cfg.Engine.OPAPath = val
	}
	if val := os.Getenv("PLANLINT_OPA_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Engine.Timeout = d
		}
	}

	if val := os.Getenv("PLANLINT_LISTEN_ADDR"); val != "" {
		cfg.Server.Address = val
	}

	if val := os.Getenv("PLANLINT_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}

	if val := os.Getenv("PLANLINT_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.Endpoint = val
	}
	if val := os.Getenv("PLANLINT_OTLP_INSECURE"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Telemetry.Insecure = b
		}
	}
}

// Validate checks the configuration for values no component can run with.
func (c *Config) Validate() error {
	var problems []string

	switch strings.ToLower(c.Engine.Backend) {
	case "", "builtin", "opa", "opa-embedded", "embedded":
	default:
		problems = append(problems, fmt.Sprintf("engine.backend %q is not one of builtin, opa, opa-embedded", c.Engine.Backend))
	}
	if c.Engine.Timeout < 0 {
		problems = append(problems, "engine.timeout must not be negative")
	}
	if c.Server.MaxBodyBytes < 0 {
		problems = append(problems, "server.max_body_bytes must not be negative")
	}
	if err := c.Server.TLS.Validate(); err != nil {
		problems = append(problems, "server."+err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}
