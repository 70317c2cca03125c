package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ChuLiYu/postpilot/internal/platform"
	"github.com/ChuLiYu/postpilot/pkg/types"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete system configuration, read from YAML and then
// overridden by the environment.
type Config struct {
	Log struct {
		Level  string `yaml:"level"`  // debug, info, warn, error
		Format string `yaml:"format"` // json or text
	} `yaml:"log"`

	Worker struct {
		Concurrency  int           `yaml:"concurrency"`
		RateLimit    int           `yaml:"rate_limit"`
		RateWindow   time.Duration `yaml:"rate_window"`
		TaskTimeout  time.Duration `yaml:"task_timeout"`
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"worker"`

	Queue struct {
		Backend         string          `yaml:"backend"` // file or postgres
		DSN             string          `yaml:"dsn"`
		MaxAttempts     int             `yaml:"max_attempts"`
		BackoffBase     time.Duration   `yaml:"backoff_base"`
		Retention       types.Retention `yaml:"retention"`
		StaleAfter      time.Duration   `yaml:"stale_after"`
		JanitorInterval time.Duration   `yaml:"janitor_interval"`
	} `yaml:"queue"`

	WAL struct {
		Path          string        `yaml:"path"`
		BufferSize    int           `yaml:"buffer_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
	} `yaml:"wal"`

	Snapshot struct {
		Path     string        `yaml:"path"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"snapshot"`

	Storage struct {
		Driver string `yaml:"driver"` // sqlite or postgres
		DSN    string `yaml:"dsn"`
	} `yaml:"storage"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	GRPC struct {
		HealthAddr string `yaml:"health_addr"`
	} `yaml:"grpc"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`

	Platforms platform.Endpoints `yaml:"platforms"`

	// TwitterBearerToken authenticates trend lookups. Environment only.
	TwitterBearerToken string `yaml:"-"`
}

// LoadConfig reads path, applies .env and environment overrides, then fills
// defaults. A missing .env is not an error.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Storage.Driver = "postgres"
		c.Storage.DSN = v
		if c.Queue.Backend == "postgres" {
			c.Queue.DSN = v
		}
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.Kafka.Brokers = append(c.Kafka.Brokers, b)
			}
		}
	}
	if v := os.Getenv("TWITTER_BEARER_TOKEN"); v != "" {
		c.TwitterBearerToken = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 5
	}
	if c.Worker.RateLimit <= 0 {
		c.Worker.RateLimit = 10
	}
	if c.Worker.RateWindow <= 0 {
		c.Worker.RateWindow = time.Second
	}
	if c.Worker.TaskTimeout <= 0 {
		c.Worker.TaskTimeout = 30 * time.Second
	}
	if c.Worker.PollInterval <= 0 {
		c.Worker.PollInterval = 500 * time.Millisecond
	}

	if c.Queue.Backend == "" {
		c.Queue.Backend = "file"
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = types.DefaultMaxAttempts
	}
	if c.Queue.BackoffBase <= 0 {
		c.Queue.BackoffBase = types.DefaultBackoff.Delay
	}
	if c.Queue.Retention == (types.Retention{}) {
		c.Queue.Retention = types.DefaultRetention
	}
	if c.Queue.StaleAfter <= 0 {
		c.Queue.StaleAfter = 5 * time.Minute
	}
	if c.Queue.JanitorInterval <= 0 {
		c.Queue.JanitorInterval = time.Minute
	}

	if c.WAL.Path == "" {
		c.WAL.Path = "data/wal/queue.wal"
	}
	if c.WAL.BufferSize <= 0 {
		c.WAL.BufferSize = 100
	}
	if c.WAL.FlushInterval <= 0 {
		c.WAL.FlushInterval = 10 * time.Millisecond
	}
	if c.Snapshot.Path == "" {
		c.Snapshot.Path = "data/snapshot/queue.json"
	}
	if c.Snapshot.Interval <= 0 {
		c.Snapshot.Interval = 30 * time.Second
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" && c.Storage.Driver == "sqlite" {
		c.Storage.DSN = "data/postpilot.db"
	}
	if c.Queue.Backend == "postgres" && c.Queue.DSN == "" && c.Storage.Driver == "postgres" {
		c.Queue.DSN = c.Storage.DSN
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.GRPC.HealthAddr == "" {
		c.GRPC.HealthAddr = ":50051"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "postpilot.job-events"
	}
	c.Platforms = c.Platforms.WithDefaults()
}

func (c *Config) validate() error {
	switch c.Queue.Backend {
	case "file":
	case "postgres":
		if c.Queue.DSN == "" {
			return errors.New("queue.backend postgres needs queue.dsn or DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown queue.backend %q", c.Queue.Backend)
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Storage.DSN == "" {
		return errors.New("storage.dsn is empty")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// newLogger builds the process logger from the log section.
func newLogger(c *Config, w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
