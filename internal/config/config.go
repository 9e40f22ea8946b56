// Package config loads the proxy and worker configuration from the
// environment. The broker credentials have no defaults: a process that
// starts without them cannot do anything useful, so loading fails hard.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Environment variable names for the broker connection.
const (
	EnvRabbitHostname = "RABBIT_HOSTNAME"
	EnvRabbitUsername = "RABBIT_USERNAME"
	EnvRabbitPassword = "RABBIT_PASSWORD"
)

// MissingEnvError lists required environment variables that were not
// set. Callers treat it as fatal.
type MissingEnvError struct {
	Vars []string
}

func (e *MissingEnvError) Error() string {
	return "config: missing required environment variables: " + strings.Join(e.Vars, ", ")
}

// RabbitConfig is the broker connection configuration.
type RabbitConfig struct {
	Hostname string `mapstructure:"hostname" validate:"required"`
	Username string `mapstructure:"username" validate:"required"`
	Password string `mapstructure:"password" validate:"required"`
	Port     int    `mapstructure:"port" validate:"min=1,max=65535"`
	VHost    string `mapstructure:"vhost" validate:"required"`
}

// URL renders the AMQP connection string, escaping the credentials.
func (c RabbitConfig) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.Username, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Hostname, c.Port),
		Path:   c.VHost,
	}
	return u.String()
}

// ProxyConfig tunes the proxy process.
type ProxyConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr" validate:"required"`
	MetricsAddr    string        `mapstructure:"metrics_addr"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
}

// PersistConfig tunes the asynchronous persistence pipeline.
type PersistConfig struct {
	DataDir      string        `mapstructure:"data_dir" validate:"required"`
	QueueCap     int           `mapstructure:"queue_cap" validate:"gt=0"`
	MaxBulkWrite int           `mapstructure:"max_bulk_write" validate:"gt=0"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	FuzzerMode   bool          `mapstructure:"fuzzer_mode"`
}

// WorkerConfig tunes the worker process.
type WorkerConfig struct {
	Timeout      time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxReplySize int           `mapstructure:"max_reply_size" validate:"gt=0"`
}

// Config is the full process configuration. Proxy and worker share it;
// each reads the sections it needs.
type Config struct {
	Rabbit  RabbitConfig  `mapstructure:"rabbit"`
	Proxy   ProxyConfig   `mapstructure:"proxy"`
	Persist PersistConfig `mapstructure:"persist"`
	Worker  WorkerConfig  `mapstructure:"worker"`
}

// Load reads configuration from the environment. The RABBIT_* trio is
// required; everything else has working defaults.
func Load() (*Config, error) {
	v := viper.New()

	_ = v.BindEnv("rabbit.hostname", EnvRabbitHostname)
	_ = v.BindEnv("rabbit.username", EnvRabbitUsername)
	_ = v.BindEnv("rabbit.password", EnvRabbitPassword)
	_ = v.BindEnv("rabbit.port", "RABBIT_PORT")
	_ = v.BindEnv("rabbit.vhost", "RABBIT_VHOST")
	_ = v.BindEnv("proxy.listen_addr", "PROXY_LISTEN_ADDR")
	_ = v.BindEnv("proxy.metrics_addr", "PROXY_METRICS_ADDR")
	_ = v.BindEnv("proxy.request_timeout", "PROXY_REQUEST_TIMEOUT")
	_ = v.BindEnv("persist.data_dir", "PERSIST_DATA_DIR")
	_ = v.BindEnv("persist.queue_cap", "PERSIST_QUEUE_CAP")
	_ = v.BindEnv("persist.max_bulk_write", "PERSIST_MAX_BULK_WRITE")
	_ = v.BindEnv("persist.poll_interval", "PERSIST_POLL_INTERVAL")
	_ = v.BindEnv("persist.fuzzer_mode", "PERSIST_FUZZER_MODE")
	_ = v.BindEnv("worker.timeout", "WORKER_TIMEOUT")
	_ = v.BindEnv("worker.max_reply_size", "WORKER_MAX_REPLY_SIZE")

	v.SetDefault("rabbit.port", 5672)
	v.SetDefault("rabbit.vhost", "/")
	v.SetDefault("proxy.listen_addr", ":8080")
	v.SetDefault("proxy.metrics_addr", ":9090")
	v.SetDefault("proxy.request_timeout", 15*time.Second)
	v.SetDefault("persist.data_dir", "/var/lib/ub-httpproxy")
	v.SetDefault("persist.queue_cap", 10000)
	v.SetDefault("persist.max_bulk_write", 100)
	v.SetDefault("persist.poll_interval", 50*time.Millisecond)
	v.SetDefault("persist.fuzzer_mode", false)
	v.SetDefault("worker.timeout", 15*time.Second)
	v.SetDefault("worker.max_reply_size", 130*1024*1024)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if missing := missingRabbitVars(cfg.Rabbit); len(missing) > 0 {
		return nil, &MissingEnvError{Vars: missing}
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

func missingRabbitVars(c RabbitConfig) []string {
	var missing []string
	if c.Hostname == "" {
		missing = append(missing, EnvRabbitHostname)
	}
	if c.Username == "" {
		missing = append(missing, EnvRabbitUsername)
	}
	if c.Password == "" {
		missing = append(missing, EnvRabbitPassword)
	}
	return missing
}
