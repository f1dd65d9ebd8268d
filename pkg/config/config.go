// Unless explicitly stated otherwise all files in this repository are licensed
// under the MIT License.
// Copyright (c) 2020-present the qserver authors.

// Package config loads the server configuration file. The configuration is
// read once at startup into an immutable Config value that is passed
// explicitly to every component; there is no process-wide mutable state.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete server configuration. Field names keep the keys the
// original deployment files use.
type Config struct {
	// Gateway bind address and websocket keepalive.
	FlaskServer       string  `mapstructure:"flask_server"`
	FlaskPort         int     `mapstructure:"flask_port"`
	FlaskPingInterval float64 `mapstructure:"flask_ping_interval"`

	// Queue backend (RabbitMQ) and the two durable queues.
	QueueHost    string `mapstructure:"queue_host"`
	QueuePort    int    `mapstructure:"queue_port"`
	QueueUser    string `mapstructure:"queue_user"`
	QueuePwd     string `mapstructure:"queue_pwd"`
	TaskQueue    string `mapstructure:"task_queue"`
	MessageQueue string `mapstructure:"message_queue"`

	// Worker pool sizing. MaxProcess bounds in-flight jobs; MaxConcurrency
	// is the prefetch used by the startup drain pass and the egress
	// consumer; InactivityTimeout (seconds) ends the drain pass when the
	// task queue goes quiet.
	MaxProcess        int     `mapstructure:"max_process"`
	MaxConcurrency    int     `mapstructure:"max_concurrency"`
	InactivityTimeout float64 `mapstructure:"inactivity_timeout"`

	// Accepted client version specifier, e.g. ">=0.4.0".
	ClientVersion string `mapstructure:"client_version"`

	LoggingLevel string `mapstructure:"logging_level"`

	// Coalescing-index backend.
	RedisHost   string `mapstructure:"redis_host"`
	RedisPort   int    `mapstructure:"redis_port"`
	RedisTaskDB int    `mapstructure:"redis_task_db"`

	// Data provider passthrough.
	ProviderURI          string `mapstructure:"provider_uri"`
	DatasetCacheDirName  string `mapstructure:"dataset_cache_dir_name"`
	FeaturesCacheDirName string `mapstructure:"features_cache_dir_name"`

	// Periodic cache refresh.
	AutoUpdate bool   `mapstructure:"auto_update"`
	UpdateTime string `mapstructure:"update_time"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("flask_server", "0.0.0.0")
	v.SetDefault("flask_port", 9710)
	v.SetDefault("flask_ping_interval", 1.0)
	v.SetDefault("queue_host", "127.0.0.1")
	v.SetDefault("queue_port", 5672)
	v.SetDefault("queue_user", "guest")
	v.SetDefault("queue_pwd", "guest")
	v.SetDefault("task_queue", "task_queue")
	v.SetDefault("message_queue", "message_queue")
	v.SetDefault("max_process", 10)
	v.SetDefault("max_concurrency", 10)
	v.SetDefault("inactivity_timeout", 5.0)
	v.SetDefault("client_version", ">=0.4.0")
	v.SetDefault("logging_level", "debug")
	v.SetDefault("redis_host", "127.0.0.1")
	v.SetDefault("redis_port", 6379)
	v.SetDefault("redis_task_db", 1)
	v.SetDefault("dataset_cache_dir_name", "dataset_cache")
	v.SetDefault("features_cache_dir_name", "features_cache")
	v.SetDefault("auto_update", false)
	v.SetDefault("update_time", "23:45")
}

// Load reads the yaml configuration at path, applies defaults and validates
// the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.FlaskPort <= 0 || c.FlaskPort > 65535 {
		return fmt.Errorf("flask_port %d out of range", c.FlaskPort)
	}
	if c.MaxProcess <= 0 {
		return fmt.Errorf("max_process must be positive, got %d", c.MaxProcess)
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be positive, got %d", c.MaxConcurrency)
	}
	if c.InactivityTimeout <= 0 {
		return fmt.Errorf("inactivity_timeout must be positive, got %v", c.InactivityTimeout)
	}
	if c.TaskQueue == "" || c.MessageQueue == "" {
		return fmt.Errorf("task_queue and message_queue must be set")
	}
	if c.TaskQueue == c.MessageQueue {
		return fmt.Errorf("task_queue and message_queue must differ")
	}
	if c.ClientVersion == "" {
		return fmt.Errorf("client_version must be set")
	}
	return nil
}

// AMQPAddr returns the broker URL for the configured queue backend.
func (c *Config) AMQPAddr() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/",
		url.QueryEscape(c.QueueUser), url.QueryEscape(c.QueuePwd), c.QueueHost, c.QueuePort)
}

// RedisAddr returns the host:port of the coalescing-index backend.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// BindAddr returns the gateway listen address.
func (c *Config) BindAddr() string {
	return fmt.Sprintf("%s:%d", c.FlaskServer, c.FlaskPort)
}

// PingInterval returns the websocket keepalive interval.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.FlaskPingInterval * float64(time.Second))
}

// DrainTimeout returns the startup-drain quiescence window.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.InactivityTimeout * float64(time.Second))
}
