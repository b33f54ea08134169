/*
config.go - Runtime configuration

PURPOSE:
  Reads server settings from the environment. A .env file in the working
  directory is loaded first when present; real environment variables win.

VARIABLES:
  PORT                         HTTP port (default 8080)
  DB_DRIVER                    sqlite | postgres | memory (default sqlite)
  SQLITE_DB_PATH               SQLite file, ":memory:" allowed (default recurring.db)
  DATABASE_URL                 PostgreSQL DSN, required for postgres
  AMQP_URL                     Broker URL; empty disables event publishing
  AMQP_EXCHANGE                Topic exchange (default recurring)
  GENERATION_INTERVAL          Scheduler period; 0 disables it (default 1h)
  MAX_OCCURRENCES_PER_SERIES   Per-call work cap (default 90)
  GENERATION_CONCURRENCY       Parallel series per call (default 4)
  LOG_LEVEL                    debug | info | warn | error (default info)
  LOG_FORMAT                   console | json (default console)
*/
package config

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	// HTTP Server
	Port string

	// Database
	DBDriver     string
	SQLiteDBPath string
	DatabaseURL  string

	// AMQP
	AMQPURL      string
	AMQPExchange string

	// Generation
	GenerationInterval      time.Duration
	MaxOccurrencesPerSeries int
	GenerationConcurrency   int

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads .env (if any) and the environment.
func Load() *Config {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads the environment only.
func FromEnv() *Config {
	return &Config{
		Port: getEnv("PORT", "8080"),

		DBDriver:     strings.ToLower(getEnv("DB_DRIVER", DriverSQLite)),
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "recurring.db"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "recurring"),

		GenerationInterval:      getEnvDuration("GENERATION_INTERVAL", time.Hour),
		MaxOccurrencesPerSeries: getEnvInt("MAX_OCCURRENCES_PER_SERIES", 90),
		GenerationConcurrency:   getEnvInt("GENERATION_CONCURRENCY", 4),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "console")),
	}
}

// Validate returns every problem found, not just the first.
func (c *Config) Validate() error {
	var problems []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		problems = append(problems, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		problems = append(problems, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	drivers := []string{DriverSQLite, DriverPostgres, DriverMemory}
	if !slices.Contains(drivers, c.DBDriver) {
		problems = append(problems, fmt.Sprintf("invalid db driver '%s': must be one of %v", c.DBDriver, drivers))
	}
	if c.DBDriver == DriverSQLite && c.SQLiteDBPath == "" {
		problems = append(problems, "SQLite database path cannot be empty when using sqlite driver")
	}
	if c.DBDriver == DriverPostgres {
		if c.DatabaseURL == "" {
			problems = append(problems, "DATABASE_URL is required when using postgres driver")
		} else if u, err := url.Parse(c.DatabaseURL); err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
			problems = append(problems, fmt.Sprintf("invalid DATABASE_URL '%s': must be a postgres:// URL", c.DatabaseURL))
		}
	}

	if c.AMQPURL != "" {
		if u, err := url.Parse(c.AMQPURL); err != nil {
			problems = append(problems, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if u.Scheme != "amqp" && u.Scheme != "amqps" {
			problems = append(problems, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", u.Scheme))
		}
		if c.AMQPExchange == "" {
			problems = append(problems, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
	}

	if c.GenerationInterval < 0 {
		problems = append(problems, fmt.Sprintf("invalid generation interval %v: must not be negative", c.GenerationInterval))
	} else if c.GenerationInterval > 0 && c.GenerationInterval < time.Second {
		problems = append(problems, fmt.Sprintf("invalid generation interval %v: must be at least 1 second", c.GenerationInterval))
	}
	if c.MaxOccurrencesPerSeries < 1 || c.MaxOccurrencesPerSeries > 1000 {
		problems = append(problems, fmt.Sprintf("invalid max occurrences per series %d: must be between 1 and 1000", c.MaxOccurrencesPerSeries))
	}
	if c.GenerationConcurrency < 1 {
		problems = append(problems, fmt.Sprintf("invalid generation concurrency %d: must be at least 1", c.GenerationConcurrency))
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		problems = append(problems, fmt.Sprintf("invalid log format '%s': must be console or json", c.LogFormat))
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(problems, "\n- "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
