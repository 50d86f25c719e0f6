package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the server configuration, read from the environment (and an
// optional .env file in the working directory).
type Config struct {
	APIPort string `env:"PORT" envDefault:"5000"`

	// StorageDriver selects the persistence backend: postgres or memory.
	StorageDriver string   `env:"STORAGE_DRIVER" envDefault:"postgres"`
	DB            DBConfig `envPrefix:"DB_"`

	// RedisAddr enables live log streaming when set.
	RedisAddr string `env:"REDIS_ADDR"`

	Engine    EngineConfig
	Workspace WorkspaceConfig
	Auth      AuthConfig
	Archive   ArchiveConfig   `envPrefix:"LOG_ARCHIVE_"`
	Log       LogConfig       `envPrefix:"LOG_"`
	Tracing   TracingConfig   `envPrefix:"OTEL_"`
	RateLimit RateLimitConfig `envPrefix:"RATE_LIMIT_"`
}

type DBConfig struct {
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     string `env:"PORT" envDefault:"5432"`
	User     string `env:"USER" envDefault:"ciserver"`
	Password string `env:"PASSWORD" envDefault:"password"`
	Name     string `env:"NAME" envDefault:"ciserver"`
}

// DSN renders the libpq connection string used by the gorm postgres driver.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		c.Host, c.User, c.Password, c.Name, c.Port)
}

// EngineConfig sizes the job execution engine.
type EngineConfig struct {
	// WorkerCount of 0 means one worker per logical CPU.
	WorkerCount    int           `env:"WORKER_COUNT" envDefault:"0"`
	QueueSize      int           `env:"QUEUE_SIZE" envDefault:"100"`
	JobTimeout     time.Duration `env:"JOB_TIMEOUT" envDefault:"1h"`
	CommandTimeout time.Duration `env:"COMMAND_TIMEOUT" envDefault:"0s"`
	GitToken       string        `env:"GIT_TOKEN"`
	ShutdownGrace  time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`
}

type WorkspaceConfig struct {
	Dir           string        `env:"WORKSPACE_DIR" envDefault:"./workspaces"`
	SweepSchedule string        `env:"WORKSPACE_SWEEP_SCHEDULE" envDefault:"@every 10m"`
	SweepMinAge   time.Duration `env:"WORKSPACE_SWEEP_MIN_AGE" envDefault:"15m"`
}

type AuthConfig struct {
	JWTSecret string        `env:"JWT_SECRET" envDefault:"change-this-secret"`
	JWTExpiry time.Duration `env:"JWT_EXPIRY" envDefault:"168h"`
}

// ArchiveConfig selects where finished job logs are archived. An empty
// Bucket with an empty LocalDir disables archiving.
type ArchiveConfig struct {
	Bucket          string `env:"BUCKET"`
	Prefix          string `env:"PREFIX" envDefault:"logs/jobs/"`
	Region          string `env:"REGION" envDefault:"us-east-1"`
	Endpoint        string `env:"ENDPOINT"`
	AccessKeyID     string `env:"ACCESS_KEY_ID"`
	SecretAccessKey string `env:"SECRET_ACCESS_KEY"`
	LocalDir        string `env:"LOCAL_DIR"`
}

type LogConfig struct {
	Level    string `env:"LEVEL" envDefault:"info"`
	Encoding string `env:"ENCODING" envDefault:"json"`
}

type TracingConfig struct {
	Enabled      bool    `env:"ENABLED" envDefault:"false"`
	Endpoint     string  `env:"ENDPOINT" envDefault:"localhost:4318"`
	SamplingRate float64 `env:"SAMPLING_RATE" envDefault:"1.0"`
	Environment  string  `env:"ENVIRONMENT" envDefault:"development"`
}

type RateLimitConfig struct {
	PerMinute int `env:"PER_MINUTE" envDefault:"100"`
	Burst     int `env:"BURST" envDefault:"20"`
}

// LoadConfig reads .env (when present) and then the process environment.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("load .env file: %w", err)
		}
	}
	return parse(env.Options{})
}

// LoadFromMap parses configuration from vars only; the process environment is ignored.
func LoadFromMap(vars map[string]string) (*Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the server cannot start with.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	if c.Engine.WorkerCount < 0 {
		return errors.New("WORKER_COUNT must not be negative")
	}
	if c.Engine.QueueSize < 1 {
		return errors.New("QUEUE_SIZE must be at least 1")
	}
	if c.Engine.JobTimeout < 0 || c.Engine.CommandTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.Workspace.Dir == "" {
		return errors.New("WORKSPACE_DIR is required")
	}
	return nil
}
