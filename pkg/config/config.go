// Package config loads the agentmesh configuration from an optional YAML
// file, AGENTMESH_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/syntor/agentmesh/pkg/audit"
	"github.com/syntor/agentmesh/pkg/balancer"
	"github.com/syntor/agentmesh/pkg/faulttolerance"
	"github.com/syntor/agentmesh/pkg/health"
	"github.com/syntor/agentmesh/pkg/kafka"
	"github.com/syntor/agentmesh/pkg/queue"
	"github.com/syntor/agentmesh/pkg/registry"
)

// EnvPrefix prefixes every environment override, e.g. AGENTMESH_SERVER_ADDR.
const EnvPrefix = "AGENTMESH"

// Registry backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// SystemConfig holds the complete system configuration
type SystemConfig struct {
	System         SystemSettings        `mapstructure:"system" json:"system"`
	Server         ServerSettings        `mapstructure:"server" json:"server"`
	Registry       RegistrySettings      `mapstructure:"registry" json:"registry"`
	Health         health.Config         `mapstructure:"health" json:"health"`
	Balancer       BalancerSettings      `mapstructure:"balancer" json:"balancer"`
	FaultTolerance faulttolerance.Config `mapstructure:"fault_tolerance" json:"fault_tolerance"`
	Queue          queue.Config          `mapstructure:"queue" json:"queue"`
	Kafka          kafka.BusConfig       `mapstructure:"kafka" json:"kafka"`
	Audit          AuditSettings         `mapstructure:"audit" json:"audit"`
	Monitoring     MonitoringConfig      `mapstructure:"monitoring" json:"monitoring"`
	Logging        LoggingConfig         `mapstructure:"logging" json:"logging"`
	Manifests      ManifestSettings      `mapstructure:"manifests" json:"manifests"`
}

// SystemSettings holds general system settings
type SystemSettings struct {
	Environment     string        `mapstructure:"environment" json:"environment"` // local, staging, production
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
}

// ServerSettings configures the coordinator's A2A endpoint.
type ServerSettings struct {
	Addr           string        `mapstructure:"addr" json:"addr"`
	AgentID        string        `mapstructure:"agent_id" json:"agent_id"`
	AuthTokens     []string      `mapstructure:"auth_tokens" json:"-"`
	JWTSecret      string        `mapstructure:"jwt_secret" json:"-"`
	JWTIssuer      string        `mapstructure:"jwt_issuer" json:"jwt_issuer"`
	RateLimit      float64       `mapstructure:"rate_limit" json:"rate_limit"`
	Burst          int           `mapstructure:"burst" json:"burst"`
	EncryptionKey  string        `mapstructure:"encryption_key" json:"-"` // hex, 32 bytes
	RequestTimeout time.Duration `mapstructure:"request_timeout" json:"request_timeout"`
}

// AuthEnabled reports whether inbound requests must carry a bearer token.
func (s ServerSettings) AuthEnabled() bool {
	return len(s.AuthTokens) > 0 || s.JWTSecret != ""
}

// RegistrySettings selects and tunes the registry backend.
type RegistrySettings struct {
	Backend         string               `mapstructure:"backend" json:"backend"`
	Redis           registry.RedisConfig `mapstructure:"redis" json:"redis"`
	registry.Config `mapstructure:",squash"`
}

// BalancerSettings tunes routing and the shared circuit breakers.
type BalancerSettings struct {
	balancer.Config  `mapstructure:",squash"`
	BreakerThreshold int           `mapstructure:"breaker_threshold" json:"breaker_threshold"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout" json:"breaker_timeout"`
}

// AuditSettings configures where audit events go besides the log.
type AuditSettings struct {
	PostgresURL string               `mapstructure:"postgres_url" json:"-"`
	Buffer      audit.BufferedConfig `mapstructure:"buffer" json:"buffer"`
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	MetricsEnabled bool   `mapstructure:"metrics_enabled" json:"metrics_enabled"`
	MetricsPath    string `mapstructure:"metrics_path" json:"metrics_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" json:"format"` // json, console
}

// ManifestSettings points at static agent registrations.
type ManifestSettings struct {
	Dir               string        `mapstructure:"dir" json:"dir"`
	Watch             bool          `mapstructure:"watch" json:"watch"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" json:"heartbeat_interval"`
}

// DefaultSystemConfig returns default system configuration for local development
func DefaultSystemConfig() SystemConfig {
	return SystemConfig{
		System: SystemSettings{
			Environment:     "local",
			ShutdownTimeout: 30 * time.Second,
		},
		Server: ServerSettings{
			Addr:           ":8700",
			AgentID:        "coordinator",
			JWTIssuer:      "agentmesh",
			RequestTimeout: 30 * time.Second,
		},
		Registry: RegistrySettings{
			Backend: BackendMemory,
			Redis:   registry.DefaultRedisConfig(),
			Config:  registry.DefaultConfig(),
		},
		Health: health.DefaultConfig(),
		Balancer: BalancerSettings{
			Config:           balancer.DefaultConfig(),
			BreakerThreshold: 5,
			BreakerTimeout:   60 * time.Second,
		},
		FaultTolerance: faulttolerance.DefaultConfig(),
		Queue:          queue.DefaultConfig(),
		Kafka:          kafka.DefaultBusConfig(),
		Audit: AuditSettings{
			Buffer: audit.DefaultBufferedConfig(),
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled: true,
			MetricsPath:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Manifests: ManifestSettings{
			Watch:             true,
			HeartbeatInterval: 30 * time.Second,
		},
	}
}

// Load reads path (skipped when empty) and applies environment overrides
// on top of DefaultSystemConfig.
func Load(path string) (*SystemConfig, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnv(v, "", reflect.TypeOf(SystemConfig{})); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	cfg := DefaultSystemConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindEnv registers every leaf key so AutomaticEnv can override keys that
// appear in neither the file nor the defaults.
func bindEnv(v *viper.Viper, prefix string, t reflect.Type) error {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("mapstructure")
		name, opts, _ := strings.Cut(tag, ",")
		if opts == "squash" {
			if err := bindEnv(v, prefix, f.Type); err != nil {
				return err
			}
			continue
		}
		if name == "" || name == "-" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		if f.Type.Kind() == reflect.Struct {
			if err := bindEnv(v, key, f.Type); err != nil {
				return err
			}
			continue
		}
		if err := v.BindEnv(key); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects configurations the coordinator cannot start with.
func (c *SystemConfig) Validate() error {
	switch c.Registry.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("registry.backend: unknown backend %q", c.Registry.Backend)
	}
	if _, err := balancer.ParseAlgorithm(string(c.Balancer.DefaultAlgorithm)); err != nil {
		return fmt.Errorf("balancer.default_algorithm: %w", err)
	}
	if c.Server.EncryptionKey != "" && len(c.Server.EncryptionKey) != 64 {
		return errors.New("server.encryption_key: must be 32 bytes hex encoded")
	}
	if c.Balancer.BreakerThreshold <= 0 {
		return errors.New("balancer.breaker_threshold: must be positive")
	}
	return nil
}
