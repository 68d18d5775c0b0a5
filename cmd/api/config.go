package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is loaded from environment variables.
type Config struct {
	Addr        string `env:"HTTP_ADDR" envDefault:":8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	JWTSecret   string `env:"JWT_SECRET,required"`

	// OracleKey is the shared credential the verdict relay must present.
	OracleKey string `env:"ORACLE_KEY,required"`

	// ArbiterURL is the arbitration adapter endpoint. When empty, resolution
	// requests are accepted but stay pending until a verdict arrives through
	// the callback endpoint.
	ArbiterURL     string        `env:"ARBITER_URL"`
	ArbiterTimeout time.Duration `env:"ARBITER_TIMEOUT" envDefault:"90s"`

	// RedisURL enables the shared submission guard; empty means in-process.
	RedisURL string `env:"REDIS_URL"`

	DispatchWorkers int `env:"DISPATCH_WORKERS" envDefault:"4"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
