package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides. A double underscore
// separates nested keys: SWITCHBOARD_BUFFER__CAPACITY__DEFAULT.
const EnvPrefix = "SWITCHBOARD_"

type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Storage      StorageConfig      `koanf:"storage"`
	Ingress      IngressConfig      `koanf:"ingress"`
	Buffer       BufferConfig       `koanf:"buffer"`
	Scanner      ScannerConfig      `koanf:"scanner"`
	Workers      WorkersConfig      `koanf:"workers"`
	Dispatch     DispatchConfig     `koanf:"dispatch"`
	Liveness     LivenessConfig     `koanf:"liveness"`
	Routing      RoutingConfig      `koanf:"routing"`
	Collaborator CollaboratorConfig `koanf:"collaborator"`
	Targets      []TargetConfig     `koanf:"targets"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	IngressRate    float64       `koanf:"ingress_rate"`  // accepts per second, 0 disables admission limiting
	IngressBurst   int           `koanf:"ingress_burst"` // token bucket size
}

type StorageConfig struct {
	Type      string         `koanf:"type"` // sqlite, postgres, memory
	Database  DatabaseConfig `koanf:"database"`
	Retention time.Duration  `koanf:"retention"`
}

// DatabaseConfig is the generic database configuration supporting multiple dialects.
type DatabaseConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres
	DSN    string `koanf:"dsn"`    // Data source name / connection string
}

type IngressConfig struct {
	DedupWindow    time.Duration `koanf:"dedup_window"`     // hash bucket width for programmatic callers
	DedupCacheSize int           `koanf:"dedup_cache_size"` // entries in the in-memory dedup cache
	DedupCacheTTL  time.Duration `koanf:"dedup_cache_ttl"`
}

type BufferConfig struct {
	Capacity               TierCapacity `koanf:"capacity"`
	MaxConsecutiveSameTier int          `koanf:"max_consecutive_same_tier"`
}

type TierCapacity struct {
	HighPriority int `koanf:"high_priority"`
	Interactive  int `koanf:"interactive"`
	Default      int `koanf:"default"`
}

type ScannerConfig struct {
	Interval    time.Duration `koanf:"interval"`
	GracePeriod time.Duration `koanf:"grace_period"`
	BatchSize   int           `koanf:"batch_size"`

	// ProcessingLease is how long a worker may hold a record in processing
	// before the scanner hands it to another worker.
	ProcessingLease time.Duration `koanf:"processing_lease"`
}

type WorkersConfig struct {
	Count int `koanf:"count"`
}

type DispatchConfig struct {
	Timeout     time.Duration `koanf:"timeout"` // per-segment budget covering every attempt
	MaxParallel int           `koanf:"max_parallel"`
	Retry       RetryConfig   `koanf:"retry"`
	Circuit     CircuitConfig `koanf:"circuit"`
}

type RetryConfig struct {
	MaxAttempts    int           `koanf:"max_attempts"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
	Multiplier     float64       `koanf:"multiplier"`
}

type CircuitConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	Cooldown         time.Duration `koanf:"cooldown"`
	Window           time.Duration `koanf:"window"` // closed-state counter reset interval, 0 never resets
}

// LivenessConfig expresses TTL thresholds as multiples of Unit.
type LivenessConfig struct {
	Unit            time.Duration `koanf:"unit"`
	ActiveWithin    int           `koanf:"active_within"`
	StaleWithin     int           `koanf:"stale_within"`
	SweepInterval   time.Duration `koanf:"sweep_interval"`
	HeartbeatBuffer int           `koanf:"heartbeat_buffer"`
}

// ActiveTTL returns the heartbeat age below which a target is active.
func (l LivenessConfig) ActiveTTL() time.Duration {
	return time.Duration(l.ActiveWithin) * l.Unit
}

// StaleTTL returns the heartbeat age beyond which a target is quarantined.
func (l LivenessConfig) StaleTTL() time.Duration {
	return time.Duration(l.StaleWithin) * l.Unit
}

type RoutingConfig struct {
	CatchAllTarget      string        `koanf:"catch_all_target"`
	ConfidenceThreshold float64       `koanf:"confidence_threshold"`
	Timeout             time.Duration `koanf:"timeout"`
	MaxPayloadTokens    int           `koanf:"max_payload_tokens"`
	MaxContextTokens    int           `koanf:"max_context_tokens"`
	RecentContextLimit  int           `koanf:"recent_context_limit"`
}

type CollaboratorConfig struct {
	Type      string `koanf:"type"` // anthropic, openai, none
	Model     string `koanf:"model"`
	APIKey    string `koanf:"api_key"`
	BaseURL   string `koanf:"base_url"` // Custom API endpoint
	MaxTokens int    `koanf:"max_tokens"`
}

type TargetConfig struct {
	Name         string   `koanf:"name"`
	Kind         string   `koanf:"kind"` // http, local
	Endpoint     string   `koanf:"endpoint"`
	Capabilities []string `koanf:"capabilities"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var defaults = map[string]any{
	"server.port":                        8080,
	"server.request_timeout":             "30s",
	"server.ingress_burst":               100,
	"storage.type":                       "sqlite",
	"storage.database.driver":            "sqlite",
	"storage.database.dsn":               "./data/switchboard.db",
	"storage.retention":                  "720h",
	"ingress.dedup_window":               "5m",
	"ingress.dedup_cache_size":           10000,
	"ingress.dedup_cache_ttl":            "10m",
	"buffer.capacity.high_priority":      256,
	"buffer.capacity.interactive":        1024,
	"buffer.capacity.default":            1024,
	"buffer.max_consecutive_same_tier":   10,
	"scanner.interval":                   "30s",
	"scanner.grace_period":               "10s",
	"scanner.batch_size":                 500,
	"scanner.processing_lease":           "10m",
	"workers.count":                      8,
	"dispatch.timeout":                   "30s",
	"dispatch.max_parallel":              8,
	"dispatch.retry.max_attempts":        3,
	"dispatch.retry.initial_backoff":     "200ms",
	"dispatch.retry.max_backoff":         "5s",
	"dispatch.retry.multiplier":          2.0,
	"dispatch.circuit.failure_threshold": 5,
	"dispatch.circuit.cooldown":          "30s",
	"dispatch.circuit.window":            "60s",
	"liveness.unit":                      "30s",
	"liveness.active_within":             2,
	"liveness.stale_within":              4,
	"liveness.sweep_interval":            "15s",
	"liveness.heartbeat_buffer":          1024,
	"routing.catch_all_target":           "general",
	"routing.confidence_threshold":       0.6,
	"routing.timeout":                    "20s",
	"routing.max_payload_tokens":         4000,
	"routing.max_context_tokens":         1500,
	"routing.recent_context_limit":       5,
	"collaborator.type":                  "none",
	"collaborator.max_tokens":            1024,
}

// Load reads configuration from path (if it exists) and then applies
// SWITCHBOARD_ environment overrides. Missing keys take their defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// File not found is OK, we'll use env vars
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Collaborator.APIKey = substituteEnvVars(cfg.Collaborator.APIKey)
	cfg.Storage.Database.DSN = substituteEnvVars(cfg.Storage.Database.DSN)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the control plane cannot run with.
func (c *Config) Validate() error {
	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be at least 1")
	}
	if c.Buffer.MaxConsecutiveSameTier < 1 {
		return fmt.Errorf("buffer.max_consecutive_same_tier must be at least 1")
	}
	if c.Liveness.Unit <= 0 {
		return fmt.Errorf("liveness.unit must be positive")
	}
	if c.Liveness.ActiveWithin < 1 || c.Liveness.StaleWithin <= c.Liveness.ActiveWithin {
		return fmt.Errorf("liveness thresholds must satisfy 0 < active_within < stale_within")
	}
	if c.Routing.CatchAllTarget == "" {
		return fmt.Errorf("routing.catch_all_target is required")
	}
	if c.Routing.ConfidenceThreshold < 0 || c.Routing.ConfidenceThreshold > 1 {
		return fmt.Errorf("routing.confidence_threshold must be within [0,1]")
	}
	if c.Dispatch.Circuit.FailureThreshold < 1 {
		return fmt.Errorf("dispatch.circuit.failure_threshold must be at least 1")
	}
	if c.Dispatch.Retry.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.retry.max_attempts must be at least 1")
	}
	if c.Scanner.ProcessingLease <= c.Dispatch.Timeout {
		return fmt.Errorf("scanner.processing_lease must exceed dispatch.timeout")
	}
	for _, t := range c.Targets {
		if t.Name == "" {
			return fmt.Errorf("targets: name is required")
		}
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
