// Package config loads relay configuration from a YAML file with environment
// overrides, and can watch the file for live reloads.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type HTTP struct {
	Addr string `yaml:"addr"`
	// AllowedOrigins restricts websocket upgrades to these Origin values.
	// Empty means any origin, for development setups.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Postgres struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

func (p Postgres) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
}

type NATS struct {
	URL            string `yaml:"url"`
	ControlSubject string `yaml:"control_subject"`
	EventSubject   string `yaml:"event_subject"`
}

type Engine struct {
	URL string `yaml:"url"`
}

type Webhook struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

type Worker struct {
	RecordingsDir string  `yaml:"recordings_dir"`
	FramesDir     string  `yaml:"frames_dir"`
	FPS           float64 `yaml:"fps"`
}

type Config struct {
	HTTP    HTTP          `yaml:"http"`
	DB      Postgres      `yaml:"db"`
	Redis   Redis         `yaml:"redis"`
	NATS    NATS          `yaml:"nats"`
	Engine  Engine        `yaml:"engine"`
	Webhook Webhook       `yaml:"webhook"`
	Worker  Worker        `yaml:"worker"`
	JWTKey  string        `yaml:"jwt_signing_key"`
	Warmup  time.Duration `yaml:"warmup"`
	Stagger time.Duration `yaml:"stagger"`
}

func defaults() Config {
	return Config{
		HTTP:  HTTP{Addr: ":8080"},
		DB:    Postgres{Host: "localhost", Port: 5432, User: "relay", Database: "relay", SSLMode: "disable"},
		Redis: Redis{Addr: "localhost:6379"},
		NATS: NATS{
			URL:            "nats://localhost:4222",
			ControlSubject: "relay.control",
			EventSubject:   "relay.events",
		},
		Worker: Worker{RecordingsDir: "recordings", FramesDir: "frames", FPS: 1.0},
	}
}

// Load reads path (optional, "" skips the file) and applies env overrides on
// top of the defaults.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if cfg.JWTKey == "" {
		cfg.JWTKey = "dev-secret-do-not-use-in-prod"
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envStr(&cfg.HTTP.Addr, "HTTP_ADDR")
	envStr(&cfg.DB.Host, "DB_HOST")
	envStr(&cfg.DB.User, "DB_USER")
	envStr(&cfg.DB.Password, "DB_PASSWORD")
	envStr(&cfg.DB.Database, "DB_NAME")
	envStr(&cfg.Redis.Addr, "REDIS_ADDR")
	envStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	envStr(&cfg.NATS.URL, "NATS_URL")
	envStr(&cfg.Engine.URL, "ENGINE_URL")
	envStr(&cfg.Webhook.URL, "WEBHOOK_URL")
	envStr(&cfg.Webhook.Secret, "WEBHOOK_SECRET")
	envStr(&cfg.JWTKey, "JWT_SIGNING_KEY")
	envStr(&cfg.Worker.RecordingsDir, "RECORDINGS_DIR")
	envStr(&cfg.Worker.FramesDir, "FRAMES_DIR")
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
