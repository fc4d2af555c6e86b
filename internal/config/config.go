package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all tether configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Window    WindowConfig    `yaml:"window"`
	Predict   PredictConfig   `yaml:"predict"`
	Engine    EngineConfig    `yaml:"engine"`
	Trust     TrustConfig     `yaml:"trust"`
	Profile   ProfileConfig   `yaml:"profile"`
	Radio     RadioConfig     `yaml:"radio"`
	Events    EventsConfig    `yaml:"events"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

type TelemetryConfig struct {
	MaxTrackedDevices int `yaml:"max_tracked_devices"`
}

// WindowConfig bounds the per-device feature window.
type WindowConfig struct {
	Capacity    int           `yaml:"capacity"`
	MinSamples  int           `yaml:"min_samples"`
	MinInterval time.Duration `yaml:"min_interval"`
	Staleness   time.Duration `yaml:"staleness"`
}

type PredictConfig struct {
	Model                string        `yaml:"model"` // logistic, trend, heuristic
	ModelPath            string        `yaml:"model_path"`
	Watch                bool          `yaml:"watch"`
	Timeout              time.Duration `yaml:"timeout"`
	Horizon              time.Duration `yaml:"horizon"`
	FallbackThresholdDBm float64       `yaml:"fallback_threshold_dbm"`
}

type EngineConfig struct {
	HighRiskThreshold  float64       `yaml:"high_risk_threshold"`
	MinConfidence      float64       `yaml:"min_confidence"`
	MaxRetries         int           `yaml:"max_retries"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	BackoffCap         time.Duration `yaml:"backoff_cap"`
	QueueSize          int           `yaml:"queue_size"`
	PairingTimeout     time.Duration `yaml:"pairing_timeout"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	PreemptiveCooldown time.Duration `yaml:"preemptive_cooldown"`
	StableSession      time.Duration `yaml:"stable_session"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
}

type TrustConfig struct {
	DefaultCapabilities []string `yaml:"default_capabilities"`
}

type ProfileConfig struct {
	HomeNetworks    []string `yaml:"home_networks"`
	OfficeNetworks  []string `yaml:"office_networks"`
	OfficeStartHour int      `yaml:"office_start_hour"`
	OfficeEndHour   int      `yaml:"office_end_hour"`
	TravelDeltaKm   float64  `yaml:"travel_delta_km"`
}

type RadioConfig struct {
	Driver      string        `yaml:"driver"` // none, mqtt, mock
	Broker      string        `yaml:"broker"`
	ClientID    string        `yaml:"client_id"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	TopicPrefix string        `yaml:"topic_prefix"`
	AckTimeout  time.Duration `yaml:"ack_timeout"`
}

type EventsConfig struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37780,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			MaxTrackedDevices: 4096,
		},
		Window: WindowConfig{
			Capacity:    32,
			MinSamples:  5,
			MinInterval: 2 * time.Second,
			Staleness:   30 * time.Second,
		},
		Predict: PredictConfig{
			Model:                "logistic",
			Watch:                true,
			Timeout:              200 * time.Millisecond,
			Horizon:              10 * time.Second,
			FallbackThresholdDBm: -85,
		},
		Engine: EngineConfig{
			HighRiskThreshold:  0.7,
			MinConfidence:      0.5,
			MaxRetries:         3,
			BackoffBase:        500 * time.Millisecond,
			BackoffCap:         30 * time.Second,
			QueueSize:          64,
			PairingTimeout:     60 * time.Second,
			ConnectTimeout:     5 * time.Second,
			PreemptiveCooldown: 30 * time.Second,
			StableSession:      60 * time.Second,
			SweepInterval:      time.Second,
		},
		Trust: TrustConfig{
			DefaultCapabilities: []string{"file-transfer", "audio-routing", "notifications"},
		},
		Profile: ProfileConfig{
			OfficeStartHour: 9,
			OfficeEndHour:   18,
			TravelDeltaKm:   5,
		},
		Radio: RadioConfig{
			Driver:      "none",
			Broker:      "tcp://localhost:1883",
			ClientID:    "tether",
			TopicPrefix: "radio",
			AckTimeout:  5 * time.Second,
		},
		Events: EventsConfig{
			Subject: "tether.transitions",
		},
	}
}

// Load reads the YAML config at path on top of Default(), then applies
// .env and environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	// .env is optional
	_ = godotenv.Load()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TETHER_DB"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("TETHER_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("TETHER_BIND"); v != "" {
		c.Server.Bind = v
	}
	if v := os.Getenv("TETHER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("TETHER_MQTT_BROKER"); v != "" {
		c.Radio.Broker = v
		if c.Radio.Driver == "none" {
			c.Radio.Driver = "mqtt"
		}
	}
	if v := os.Getenv("TETHER_NATS_URL"); v != "" {
		c.Events.NATSURL = v
	}
	if v := os.Getenv("TETHER_MODEL_PATH"); v != "" {
		c.Predict.ModelPath = v
	}
}

// Validate checks ranges that the engine relies on.
func (c *Config) Validate() error {
	w := c.Window
	if w.Capacity < 2 {
		return fmt.Errorf("window.capacity must be >= 2, got %d", w.Capacity)
	}
	if w.MinSamples < 2 || w.MinSamples > w.Capacity {
		return fmt.Errorf("window.min_samples must be in [2, %d], got %d", w.Capacity, w.MinSamples)
	}
	if w.Staleness <= 0 {
		return fmt.Errorf("window.staleness must be positive")
	}

	e := c.Engine
	if e.HighRiskThreshold < 0 || e.HighRiskThreshold > 1 {
		return fmt.Errorf("engine.high_risk_threshold must be in [0,1], got %v", e.HighRiskThreshold)
	}
	if e.MinConfidence < 0 || e.MinConfidence > 1 {
		return fmt.Errorf("engine.min_confidence must be in [0,1], got %v", e.MinConfidence)
	}
	if e.MaxRetries < 0 {
		return fmt.Errorf("engine.max_retries must be >= 0, got %d", e.MaxRetries)
	}
	if e.BackoffBase <= 0 || e.BackoffCap < e.BackoffBase {
		return fmt.Errorf("engine.backoff_base must be positive and <= backoff_cap")
	}
	if e.QueueSize < 1 {
		return fmt.Errorf("engine.queue_size must be >= 1, got %d", e.QueueSize)
	}

	if c.Predict.Timeout <= 0 {
		return fmt.Errorf("predict.timeout must be positive")
	}
	if c.Predict.Horizon <= 0 {
		return fmt.Errorf("predict.horizon must be positive")
	}

	p := c.Profile
	if p.OfficeStartHour < 0 || p.OfficeStartHour > 23 || p.OfficeEndHour < 0 || p.OfficeEndHour > 24 {
		return fmt.Errorf("profile office hours out of range: %d-%d", p.OfficeStartHour, p.OfficeEndHour)
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
