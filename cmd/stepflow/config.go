package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/stepflow/internal/apiproxy"
)

// Config holds all stepflow configuration.
// Priority: STEPFLOW_* env vars > settings file > defaults.
type Config struct {
	DBPath    string `mapstructure:"db_path"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	MaxSteps           int           `mapstructure:"max_steps"`
	TimerPollInterval  time.Duration `mapstructure:"timer_poll_interval"`
	TimerWorkers       int           `mapstructure:"timer_workers"`
	OutboxPollInterval time.Duration `mapstructure:"outbox_poll_interval"`

	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`

	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`

	// Lists rather than maps: viper lowercases map keys, ids are case-sensitive.
	APIMethods []apiproxy.Method `mapstructure:"api_methods"`
	Mappings   []MappingConfig   `mapstructure:"mappings"`
}

// MappingConfig is one named jq program.
type MappingConfig struct {
	ID      string `mapstructure:"id"`
	Program string `mapstructure:"program"`
}

func stepflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepflow"
	}
	return filepath.Join(home, ".stepflow")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", filepath.Join(stepflowDir(), "stepflow.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("max_steps", 1000)
	v.SetDefault("timer_poll_interval", time.Second)
	v.SetDefault("timer_workers", 4)
	v.SetDefault("outbox_poll_interval", 2*time.Second)
	v.SetDefault("kafka_brokers", []string{})
	v.SetDefault("kafka_topic", "stepflow.events")
	v.SetDefault("breaker_threshold", 5)
	v.SetDefault("breaker_cooldown", 30*time.Second)
}

// loadConfig layers defaults, the settings file and the environment. An
// explicit path must exist; the default ~/.stepflow/settings.{json,yaml} may not.
func loadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("settings")
		v.AddConfigPath(stepflowDir())
	}
	v.SetEnvPrefix("STEPFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.DBPath == "" {
		return errors.New("db_path is required")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return errors.New("kafka_topic is required when kafka_brokers is set")
	}
	for i, m := range c.APIMethods {
		if m.ID == "" {
			return fmt.Errorf("api_methods[%d]: id is required", i)
		}
	}
	for i, m := range c.Mappings {
		if m.ID == "" || m.Program == "" {
			return fmt.Errorf("mappings[%d]: id and program are required", i)
		}
	}
	return nil
}

// dsn turns a plain path into a libsql file DSN.
func (c Config) dsn() string {
	if strings.Contains(c.DBPath, ":") {
		return c.DBPath
	}
	return "file:" + c.DBPath
}
