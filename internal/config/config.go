// Package config loads runtime configuration for the orchestration core
// from environment variables, an optional config file, and defaults, via
// github.com/spf13/viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config aggregates every section the core's components need at
// construction time. It is resolved once and then treated as immutable —
// the Swarm Engine's concurrency invariant (spec.md §5) depends on that.
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging"`
	Docker      DockerConfig      `mapstructure:"docker"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DockerConfig configures the Docker-backed SandboxProvider.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
}

// ConcurrencyConfig bounds the Swarm Engine's global semaphore (spec.md §4.2.2).
type ConcurrencyConfig struct {
	Default int `mapstructure:"default"`
	Max     int `mapstructure:"max"`
}

// StorageConfig configures the checkpoint StorageClient.
type StorageConfig struct {
	SQLitePath string `mapstructure:"sqlitePath"`
	BlobRoot   string `mapstructure:"blobRoot"`
}

// ObservabilityConfig configures the session NDJSON logger and its
// optional remote sync.
type ObservabilityConfig struct {
	Root          string `mapstructure:"root"`
	NATSURL       string `mapstructure:"natsURL"`
	NATSSubject   string `mapstructure:"natsSubject"`
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	OTLPEndpoint   string `mapstructure:"otlpEndpoint"`
	ServiceName    string `mapstructure:"serviceName"`
}

// Load resolves configuration from (in increasing precedence) built-in
// defaults, an optional config file at path, and KANDEV_CORE_*
// environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("KANDEV_CORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("docker.host", "")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.defaultNetwork", "bridge")

	v.SetDefault("concurrency.default", 4)
	v.SetDefault("concurrency.max", 16)

	v.SetDefault("storage.sqlitePath", "./kandev-core-checkpoints.db")
	v.SetDefault("storage.blobRoot", "./kandev-core-checkpoints")

	v.SetDefault("observability.root", "./kandev-core-sessions")
	v.SetDefault("observability.natsURL", "")
	v.SetDefault("observability.natsSubject", "kandev.sessions")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlpEndpoint", "")
	v.SetDefault("tracing.serviceName", "kandev-core")
}
