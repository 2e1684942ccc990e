// Package config loads the runtime configuration recognized by the core:
// catch-up page size, slow-command threshold, repository retry policy and
// NATS connectivity.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Subscriber SubscriberConfig `mapstructure:"subscriber"`
	UnitOfWork UnitOfWorkConfig `mapstructure:"unit_of_work"`
	Repository RepositoryConfig `mapstructure:"repository"`
	Nats       NatsConfig       `mapstructure:"nats"`
}

type SubscriberConfig struct {
	// PageSize is the number of events per catch-up read page. The
	// delivery buffer holds PageSize² events.
	PageSize int `mapstructure:"page_size"`
}

type UnitOfWorkConfig struct {
	// SlowThreshold is the latency above which a command type is marked
	// slow and its next occurrence logged verbosely.
	SlowThreshold time.Duration `mapstructure:"slow_threshold"`
}

type RepositoryConfig struct {
	RetryAttempts       int           `mapstructure:"retry_attempts"`
	BackoffUnit         time.Duration `mapstructure:"backoff_unit"`
	MaxConcurrentWrites int           `mapstructure:"max_concurrent_writes"`
}

type NatsConfig struct {
	URL           string `mapstructure:"url"`
	Stream        string `mapstructure:"stream"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("eskit")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("subscriber.page_size", 200)
	v.SetDefault("unit_of_work.slow_threshold", "500ms")
	v.SetDefault("repository.retry_attempts", 5)
	v.SetDefault("repository.backoff_unit", "75ms")
	v.SetDefault("repository.max_concurrent_writes", 8)
	v.SetDefault("nats.stream", "ESKIT")
	v.SetDefault("nats.subject_prefix", "eskit.es")
}

func (c Config) Validate() error {
	if c.Subscriber.PageSize <= 0 {
		return fmt.Errorf("subscriber.page_size must be positive")
	}
	if c.Repository.RetryAttempts <= 0 {
		return fmt.Errorf("repository.retry_attempts must be positive")
	}
	if c.Repository.BackoffUnit <= 0 {
		return fmt.Errorf("repository.backoff_unit must be positive")
	}
	if c.UnitOfWork.SlowThreshold <= 0 {
		return fmt.Errorf("unit_of_work.slow_threshold must be positive")
	}
	return nil
}
