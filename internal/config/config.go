package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full application configuration. Values come from an
// optional YAML file with environment variables taking precedence.
type Config struct {
	App      AppConfig      `yaml:"app"`
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Escrow   EscrowConfig   `yaml:"escrow"`
	Logging  LoggingConfig  `yaml:"logging"`
	Auth     AuthConfig     `yaml:"auth"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type HTTPConfig struct {
	Port int `yaml:"port"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// DSN builds the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type GatewayConfig struct {
	BaseURL       string        `yaml:"base_url"`
	WebhookSecret string        `yaml:"webhook_secret"`
	Timeout       time.Duration `yaml:"timeout"`
}

type EscrowConfig struct {
	// ConfirmationWindow is how long the client has to confirm or dispute
	// after the provider reports completion before auto-release.
	ConfirmationWindow time.Duration `yaml:"confirmation_window"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	ReviewEditWindow   time.Duration `yaml:"review_edit_window"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// Load reads configuration from path (optional) and the environment.
// A .env file is loaded first if present, matching local dev setups.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwt_secret (JWT_SECRET) is required")
	}
	if cfg.Escrow.ConfirmationWindow <= 0 {
		return nil, fmt.Errorf("escrow.confirmation_window must be positive")
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		App: AppConfig{
			Name:        "servio",
			Environment: "development",
			Version:     "dev",
		},
		HTTP: HTTPConfig{Port: 8080},
		Database: DatabaseConfig{
			Host: "localhost",
			Port: "5432",
			User: "postgres",
			Name: "servio",
		},
		Gateway: GatewayConfig{
			Timeout: 10 * time.Second,
		},
		Escrow: EscrowConfig{
			ConfirmationWindow: 48 * time.Hour,
			SweepInterval:      time.Minute,
			ReviewEditWindow:   72 * time.Hour,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

func applyEnv(cfg *Config) {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setStr(&cfg.App.Environment, "APP_ENV")
	setStr(&cfg.Database.Host, "DB_HOST")
	setStr(&cfg.Database.Port, "DB_PORT")
	setStr(&cfg.Database.User, "DB_USER")
	setStr(&cfg.Database.Password, "DB_PASSWORD")
	setStr(&cfg.Database.Name, "DB_NAME")
	setStr(&cfg.Gateway.BaseURL, "GATEWAY_URL")
	setStr(&cfg.Gateway.WebhookSecret, "GATEWAY_WEBHOOK_SECRET")
	setStr(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setStr(&cfg.Logging.Level, "LOG_LEVEL")

	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = p
		}
	}
	if v := os.Getenv("CONFIRMATION_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Escrow.ConfirmationWindow = d
		}
	}
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Escrow.SweepInterval = d
		}
	}
}
