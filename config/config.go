package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Environment string `env:"APP_ENV" envDefault:"development"`
	Port        string `env:"PORT" envDefault:"8080"`
	AppURL      string `env:"APP_URL" envDefault:"http://localhost:5173"`
	CORSOrigin  string `env:"CORS_ORIGIN" envDefault:"http://localhost:5173"`

	DBURL    string `env:"DB_URL,required"`
	RedisURL string `env:"REDIS_URL"`

	JWTSecret         string `env:"JWT_SECRET,required"`
	AdminPasswordHash string `env:"ADMIN_PASSWORD_HASH"`

	Log        Log
	Stripe     Stripe     `envPrefix:"STRIPE_"`
	Funnel     Funnel     `envPrefix:"CLICKFUNNELS_"`
	Enrollment Enrollment `envPrefix:"ENROLLMENT_"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

type Stripe struct {
	SecretKey      string        `env:"SECRET_KEY"`
	WebhookSecret  string        `env:"WEBHOOK_SECRET"`
	WebhookTimeout time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`
}

type Funnel struct {
	BaseURL     string `env:"BASE_URL"`
	APIToken    string `env:"API_TOKEN"`
	WorkspaceID string `env:"WORKSPACE_ID"`
}

type Enrollment struct {
	MaxAttempts         int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	RetryDelay          time.Duration `env:"RETRY_DELAY" envDefault:"1s"`
	TrackerTTL          time.Duration `env:"TRACKER_TTL" envDefault:"0s"`
	TrackerMaxEntries   int           `env:"TRACKER_MAX_ENTRIES" envDefault:"0"`
	RetrySchedule       string        `env:"RETRY_SCHEDULE" envDefault:"0 */15 * * * *"`
	RetryMaxAttempts    int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"5"`
	RetryInitialBackoff time.Duration `env:"RETRY_INITIAL_BACKOFF" envDefault:"15m"`
}

var Cfg Config

// LoadEnv reads .env when present and parses the process environment into Cfg.
// Missing required variables are fatal.
func LoadEnv() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found. Using system environment variables.")
	}

	if err := env.Parse(&Cfg); err != nil {
		log.Fatalf("Invalid environment configuration: %v", err)
	}
	return &Cfg
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
