package proxy

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the proxy.
type Config struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	MaxProcesses  int           `mapstructure:"max_processes"`
	BasePort      int           `mapstructure:"base_port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	Worker  WorkerCommandConfig `mapstructure:"worker"`
	Logging LoggingConfig       `mapstructure:"logging"`
	Metrics MetricsConfig       `mapstructure:"metrics"`
}

// WorkerCommandConfig defines how to invoke the worker executable.
type WorkerCommandConfig struct {
	Command        []string      `mapstructure:"command"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
}

// MetricsConfig defines metrics collection settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// LoadConfig loads configuration from an optional file, then environment,
// with defaults pre-populated. CLI flags are overlaid afterwards by the
// caller (see cmd/idalib-proxy) so that explicit flags always win.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configPath, err)
		}
	}

	v.SetEnvPrefix("IDALIB_PROXY")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8744)
	v.SetDefault("max_processes", 2)
	v.SetDefault("base_port", 8745)
	v.SetDefault("request_timeout", 300*time.Second)

	v.SetDefault("worker.command", []string{"uv", "run", "idalib-mcp"})
	v.SetDefault("worker.startup_timeout", 60*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.trace_enabled", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("metrics.path", "/metrics")
}
