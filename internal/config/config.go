// Package config parses application configuration from environment
// variables. Call Load once at startup.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all settings for both the API and the worker binaries.
type Config struct {
	// Redis
	RedisAddr     string `env:"REDIS_ADDR"     envDefault:"localhost:6379"`
	RedisDB       int    `env:"REDIS_DB"       envDefault:"0"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// API
	Port   string `env:"PORT"    envDefault:"8080"`
	APIKey string `env:"API_KEY" envDefault:"devkey"`

	// Worker
	WorkerCount    int           `env:"WORKER_COUNT"     envDefault:"3"`
	DequeueTimeout time.Duration `env:"DEQUEUE_TIMEOUT"  envDefault:"5s"`
	IdleSleep      time.Duration `env:"IDLE_SLEEP"       envDefault:"2s"`
	StoreBackoff   time.Duration `env:"STORE_BACKOFF"    envDefault:"5s"`
	MaxExecTimeout time.Duration `env:"MAX_EXEC_TIMEOUT" envDefault:"30s"`

	// Delivery endpoint for post jobs.
	DeliveryURL   string `env:"DELIVERY_URL"   envDefault:"http://localhost:9000/post"`
	DeliveryToken string `env:"DELIVERY_TOKEN"`

	// Rate limits for the post job type.
	PostMaxPerDay   int           `env:"POST_MAX_PER_DAY"   envDefault:"16"`
	PostMaxPerHour  int           `env:"POST_MAX_PER_HOUR"  envDefault:"1"`
	PostMinInterval time.Duration `env:"POST_MIN_INTERVAL"  envDefault:"30m"`

	// Logging
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogEncoding string `env:"LOG_ENCODING" envDefault:"json"`
	Development bool   `env:"DEVELOPMENT"  envDefault:"false"`
}

// Load parses Config from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
