package main

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// Config is the binary's configuration. It is read from quartz.yaml and
// QUARTZ_* environment variables (QUARTZ_MONGO_URI, QUARTZ_SCHEDULER_SHELL...).
type Config struct {
	Mongo     MongoConfig     `mapstructure:"mongo"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	RPC       RPCConfig       `mapstructure:"rpc"`
	Log       LogConfig       `mapstructure:"log"`
}

// MongoConfig is the mongo section of the configuration.
type MongoConfig struct {
	URI              string `mapstructure:"uri"`
	Database         string `mapstructure:"database"`
	CollectionPrefix string `mapstructure:"collection_prefix"`
}

// RedisConfig is the redis section of the configuration.
type RedisConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

// SchedulerConfig tunes the engine and the store it runs on.
type SchedulerConfig struct {
	InstanceID       string        `mapstructure:"instance_id"`
	MisfireThreshold time.Duration `mapstructure:"misfire_threshold"`
	MaxBatchSize     int           `mapstructure:"max_batch_size"`
	BatchTimeWindow  time.Duration `mapstructure:"batch_time_window"`
	IdleWaitTime     time.Duration `mapstructure:"idle_wait_time"`
	MaxErrorRetries  int           `mapstructure:"max_error_retries"`
	// Shell is "local" to run bodies in process or "dispatch" to queue them
	// for workers.
	Shell       string `mapstructure:"shell"`
	Concurrency int    `mapstructure:"concurrency"`
	// Lock is "mongo" or "redis".
	Lock string `mapstructure:"lock"`
	// ServeRPC also answers remote scheduler calls.
	ServeRPC bool `mapstructure:"serve_rpc"`
}

// WorkerConfig is read by the worker command and the dispatch shell.
type WorkerConfig struct {
	Destination string `mapstructure:"destination"`
	Concurrency int    `mapstructure:"concurrency"`
}

// RPCConfig is the rpc section of the configuration.
type RPCConfig struct {
	Destination string        `mapstructure:"destination"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// LogConfig is the log section of the configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
	// Format is "json" or "console".
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "quartz")
	v.SetDefault("mongo.collection_prefix", "qrtz_")
	v.SetDefault("redis.url", "redis://127.0.0.1:6379/0")
	v.SetDefault("redis.prefix", "quartz:queue:")
	v.SetDefault("scheduler.instance_id", "")
	v.SetDefault("scheduler.serve_rpc", false)
	v.SetDefault("scheduler.misfire_threshold", time.Minute)
	v.SetDefault("scheduler.max_batch_size", 1)
	v.SetDefault("scheduler.batch_time_window", time.Duration(0))
	v.SetDefault("scheduler.idle_wait_time", 30*time.Second)
	v.SetDefault("scheduler.max_error_retries", 3)
	v.SetDefault("scheduler.shell", "local")
	v.SetDefault("scheduler.concurrency", 4)
	v.SetDefault("scheduler.lock", "mongo")
	v.SetDefault("worker.destination", "fires")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("rpc.destination", "scheduler")
	v.SetDefault("rpc.timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// loadConfig merges defaults, the config file and the environment. An
// explicit path must exist; otherwise quartz.yaml is looked up in the working
// directory and $HOME/.quartz and may be absent.
func loadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("QUARTZ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("quartz")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.quartz")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Scheduler.Shell {
	case "local", "dispatch":
	default:
		return errors.Newf("scheduler.shell must be local or dispatch, got %q", c.Scheduler.Shell)
	}
	switch c.Scheduler.Lock {
	case "mongo", "redis":
	default:
		return errors.Newf("scheduler.lock must be mongo or redis, got %q", c.Scheduler.Lock)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return errors.Newf("log.format must be json or console, got %q", c.Log.Format)
	}
	return nil
}
