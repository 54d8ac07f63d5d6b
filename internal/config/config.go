// Package config loads and validates service configuration from the
// environment, after an optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-engine/internal/model"
)

type Config struct {
	Server     ServerConfig
	Store      StoreConfig
	Simulation SimulationConfig
	LogLevel   slog.Level
	Profile    string `validate:"oneof=off cpu mem"`
}

type ServerConfig struct {
	Port            string        `validate:"required,numeric"`
	ReadTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	IdleTimeout     time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
}

type StoreConfig struct {
	DatabaseURL string
	SQLitePath  string
	RedisURL    string
	CacheTTL    time.Duration `validate:"gt=0"`
}

type SimulationConfig struct {
	SalienceWeight     decimal.Decimal
	FixedWeight        decimal.Decimal
	DefaultModel       string `validate:"oneof=equal random"`
	DefaultIterations  int    `validate:"min=1,max=1000"`
	DefaultRepetitions int    `validate:"min=1"`
	MaxRepetitions     int    `validate:"min=1,gtefield=DefaultRepetitions"`
	Workers            int    `validate:"min=1"`
}

// Defaults returns the run options applied to submitted runs that leave
// them unset.
func (c SimulationConfig) Defaults() model.RunConfig {
	return model.RunConfig{
		Model:          c.DefaultModel,
		SalienceWeight: c.SalienceWeight,
		FixedWeight:    c.FixedWeight,
		Iterations:     c.DefaultIterations,
		Repetitions:    c.DefaultRepetitions,
	}
}

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			ReadTimeout:     getDurationEnv("READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getDurationEnv("WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getDurationEnv("IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Store: StoreConfig{
			DatabaseURL: getEnv("DATABASE_URL", ""),
			SQLitePath:  getEnv("SQLITE_PATH", ""),
			RedisURL:    getEnv("REDIS_URL", ""),
			CacheTTL:    getDurationEnv("CACHE_TTL", 30*time.Second),
		},
		Simulation: SimulationConfig{
			SalienceWeight:     getDecimalEnv("SALIENCE_WEIGHT", decimal.RequireFromString("0.4")),
			FixedWeight:        getDecimalEnv("FIXED_WEIGHT", decimal.RequireFromString("0.1")),
			DefaultModel:       getEnv("DEFAULT_MODEL", model.ModelEqualGain),
			DefaultIterations:  getIntEnv("DEFAULT_ITERATIONS", 10),
			DefaultRepetitions: getIntEnv("DEFAULT_REPETITIONS", 1),
			MaxRepetitions:     getIntEnv("MAX_REPETITIONS", 256),
			Workers:            getIntEnv("WORKERS", 4),
		},
		LogLevel: getLevelEnv("LOG_LEVEL", slog.LevelInfo),
		Profile:  strings.ToLower(getEnv("PROFILE", "off")),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed '%s'", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config: %s", strings.Join(msgs, ", "))
		}
		return fmt.Errorf("config: %w", err)
	}
	sw, fw := c.Simulation.SalienceWeight, c.Simulation.FixedWeight
	if sw.IsNegative() || fw.IsNegative() || sw.Add(fw).GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("config: SALIENCE_WEIGHT and FIXED_WEIGHT must be non-negative and sum to at most 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getDecimalEnv(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getLevelEnv(key string, defaultValue slog.Level) slog.Level {
	if value := os.Getenv(key); value != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(value)); err == nil {
			return level
		}
	}
	return defaultValue
}
