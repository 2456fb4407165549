// Package config centralizes runtime configuration. Values come from a
// taskmesh.yaml file when present, overridden by TASKMESH_* environment
// variables.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything the agents need to reach their collaborators.
type Config struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	ClaimTTL       time.Duration `mapstructure:"claim_ttl"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`

	DispatchWorkers int `mapstructure:"dispatch_workers"`

	KafkaBrokers    []string `mapstructure:"kafka_brokers"`
	KafkaTopic      string   `mapstructure:"kafka_topic"`
	FirehoseEnabled bool     `mapstructure:"firehose_enabled"`

	LLMURL     string        `mapstructure:"llm_url"`
	LLMModel   string        `mapstructure:"llm_model"`
	LLMTimeout time.Duration `mapstructure:"llm_timeout"`

	PostgresDSN  string `mapstructure:"postgres_dsn"`
	ToolRoot     string `mapstructure:"tool_root"`
	SearchAPIKey string `mapstructure:"search_api_key"`

	StepDelay time.Duration `mapstructure:"step_delay"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_db", 0)
	v.SetDefault("claim_ttl", 60*time.Second)
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_base_delay", time.Second)
	v.SetDefault("dispatch_workers", 0)
	v.SetDefault("kafka_topic", "taskmesh.events")
	v.SetDefault("firehose_enabled", false)
	v.SetDefault("llm_model", "Qwen/Qwen1.5-1.8B-Chat")
	v.SetDefault("llm_timeout", 30*time.Second)
	v.SetDefault("tool_root", "/tmp")
	v.SetDefault("search_api_key", "")
	v.SetDefault("step_delay", time.Second)
}

// Load reads configuration from the given file path (optional) and the
// environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("taskmesh")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	} else {
		v.SetConfigName("taskmesh")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/taskmesh")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
