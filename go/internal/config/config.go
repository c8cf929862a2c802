// Package config loads process settings from an optional YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP struct {
		Port string `yaml:"port"`
	} `yaml:"http"`

	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`

	Broadcast struct {
		TickInterval     time.Duration `yaml:"tick_interval"`
		MaxTickerWorkers int           `yaml:"max_ticker_workers"`
	} `yaml:"broadcast"`

	Session struct {
		PollInterval      time.Duration `yaml:"poll_interval"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		FailureThreshold  int           `yaml:"failure_threshold"`
	} `yaml:"session"`

	Rooms struct {
		RoundDurationSec     int           `yaml:"round_duration_sec"`
		BroadcastIntervalSec int           `yaml:"broadcast_interval_sec"`
		MemberTimeout        time.Duration `yaml:"member_timeout"`
		SweepInterval        time.Duration `yaml:"sweep_interval"`
		SweepWorkers         int           `yaml:"sweep_workers"`
	} `yaml:"rooms"`

	NATS struct {
		URL           string `yaml:"url"`
		Stream        string `yaml:"stream"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`

	Listener struct {
		FallbackInterval time.Duration `yaml:"fallback_interval"`
		PingInterval     time.Duration `yaml:"ping_interval"`
	} `yaml:"listener"`
}

// Default returns the built-in settings.
func Default() *Config {
	var c Config
	c.HTTP.Port = "8080"
	c.Log.Level = "info"
	c.Log.Pretty = true
	c.Broadcast.TickInterval = 100 * time.Millisecond
	c.Broadcast.MaxTickerWorkers = 64
	c.Session.PollInterval = 2 * time.Second
	c.Session.HeartbeatInterval = 30 * time.Second
	c.Session.FailureThreshold = 3
	c.Rooms.RoundDurationSec = 80
	c.Rooms.BroadcastIntervalSec = 10
	c.Rooms.MemberTimeout = 120 * time.Second
	c.Rooms.SweepInterval = 30 * time.Second
	c.Rooms.SweepWorkers = 4
	c.NATS.URL = "nats://127.0.0.1:4222"
	c.NATS.Stream = "ROOM_EVENTS"
	c.NATS.SubjectPrefix = "room.events"
	c.Listener.FallbackInterval = 30 * time.Second
	c.Listener.PingInterval = 90 * time.Second
	return &c
}

const defaultPath = "config.yaml"

// Load reads path over the defaults and then applies environment overrides.
// An empty path falls back to CONFIG_PATH and then to config.yaml in the
// working directory, which may be absent.
func Load(path string) (*Config, error) {
	c := Default()

	optional := false
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path, optional = defaultPath, true
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && optional:
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	c.HTTP.Port = getEnv("PORT", c.HTTP.Port)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.Stream = getEnv("NATS_STREAM", c.NATS.Stream)
	c.Broadcast.TickInterval = getEnvAsDuration("TICK_INTERVAL", c.Broadcast.TickInterval)
	c.Broadcast.MaxTickerWorkers = getEnvAsInt("MAX_TICKER_WORKERS", c.Broadcast.MaxTickerWorkers)
	c.Session.PollInterval = getEnvAsDuration("POLL_INTERVAL", c.Session.PollInterval)
	c.Session.HeartbeatInterval = getEnvAsDuration("HEARTBEAT_INTERVAL", c.Session.HeartbeatInterval)
	c.Rooms.MemberTimeout = getEnvAsDuration("MEMBER_TIMEOUT", c.Rooms.MemberTimeout)
	c.Rooms.SweepInterval = getEnvAsDuration("SWEEP_INTERVAL", c.Rooms.SweepInterval)
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Broadcast.TickInterval <= 0:
		return fmt.Errorf("broadcast.tick_interval must be positive")
	case c.Session.PollInterval <= 0 || c.Session.HeartbeatInterval <= 0:
		return fmt.Errorf("session intervals must be positive")
	case c.Rooms.RoundDurationSec <= 0 || c.Rooms.BroadcastIntervalSec <= 0:
		return fmt.Errorf("room defaults must be positive")
	case c.Rooms.MemberTimeout <= 0 || c.Rooms.SweepInterval <= 0:
		return fmt.Errorf("rooms.member_timeout and rooms.sweep_interval must be positive")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}
	return nil
}

// ConfigureLogging sets the global zerolog logger and level.
func (c *Config) ConfigureLogging() {
	level, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if c.Log.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
