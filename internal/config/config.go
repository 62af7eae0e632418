// Package config loads the door-lock server configuration from defaults,
// an optional YAML file and the process environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers
const (
	StoreMongo  = "mongo"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Config represents the full server configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Security SecurityConfig `yaml:"security"`
	Store    StoreConfig    `yaml:"store"`
	Session  SessionConfig  `yaml:"session"`
	Face     FaceConfig     `yaml:"face"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Workers      int           `yaml:"workers"`
	Threads      int           `yaml:"threads"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	AcquireWait  time.Duration `yaml:"acquire_wait"`
	// MaxImagePixels caps width*height of an uploaded frame
	MaxImagePixels int `yaml:"max_image_pixels"`
}

// SecurityConfig holds secrets used to authorise access
type SecurityConfig struct {
	// QRHash is either the raw QR payload or its sha256 hex digest
	QRHash string `yaml:"qr_hash"`
	// AdminTokenHash is a bcrypt hash of the admin bearer token
	AdminTokenHash string `yaml:"admin_token_hash"`
}

// StoreConfig selects and configures the persistence backend
type StoreConfig struct {
	Driver         string        `yaml:"driver"`
	MongoURI       string        `yaml:"mongo_uri"`
	Database       string        `yaml:"database"`
	SQLitePath     string        `yaml:"sqlite_path"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ConnectRetries int           `yaml:"connect_retries"`
}

// SessionConfig configures QR session storage
type SessionConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	Capacity      int           `yaml:"capacity"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
}

// FaceConfig configures face recognition
type FaceConfig struct {
	ModelsDir       string        `yaml:"models_dir"`
	Threshold       float64       `yaml:"threshold"`
	Encoders        int           `yaml:"encoders"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// LogConfig configures the logger
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			Workers:      2,
			Threads:      4,
			MaxBodyBytes: 16 * 1024 * 1024,
			AcquireWait:  2 * time.Second,

			MaxImagePixels: 4096 * 4096,
		},
		Store: StoreConfig{
			Driver:         StoreMongo,
			Database:       "face_recognition_db",
			SQLitePath:     "doorlock.db",
			ConnectTimeout: 5 * time.Second,
			ConnectRetries: 3,
		},
		Session: SessionConfig{
			TTL:      5 * time.Minute,
			Capacity: 1024,
		},
		Face: FaceConfig{
			ModelsDir:       "models",
			Threshold:       0.5,
			Encoders:        2,
			RefreshInterval: 5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds a configuration from defaults, the YAML file at path (if
// path is non-empty) and environment overrides. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}

	str("QR_HASH", &c.Security.QRHash)
	str("DOORLOCK_ADMIN_TOKEN_HASH", &c.Security.AdminTokenHash)
	str("MONGO_URI", &c.Store.MongoURI)
	str("MONGO_DATABASE", &c.Store.Database)
	str("DOORLOCK_STORE", &c.Store.Driver)
	str("DOORLOCK_SQLITE_PATH", &c.Store.SQLitePath)
	str("DOORLOCK_HOST", &c.Server.Host)
	num("PORT", &c.Server.Port)
	num("DOORLOCK_WORKERS", &c.Server.Workers)
	num("DOORLOCK_THREADS", &c.Server.Threads)
	num("DOORLOCK_MAX_IMAGE_PIXELS", &c.Server.MaxImagePixels)
	str("REDIS_ADDR", &c.Session.RedisAddr)
	str("REDIS_PASSWORD", &c.Session.RedisPassword)
	num("REDIS_DB", &c.Session.RedisDB)
	str("DOORLOCK_MODELS_DIR", &c.Face.ModelsDir)
	str("DOORLOCK_LOG_LEVEL", &c.Log.Level)
	str("DOORLOCK_LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Security.QRHash) == "" {
		errs = append(errs, errors.New("QR_HASH environment variable not set"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Server.Port))
	}
	if c.Server.Workers < 1 || c.Server.Threads < 1 {
		errs = append(errs, fmt.Errorf("workers and threads must be positive (got %d x %d)", c.Server.Workers, c.Server.Threads))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("max_body_bytes must be positive"))
	}
	if c.Server.MaxImagePixels <= 0 {
		errs = append(errs, errors.New("max_image_pixels must be positive"))
	}

	switch c.Store.Driver {
	case StoreMongo:
		if c.Store.MongoURI == "" {
			errs = append(errs, errors.New("MONGO_URI not set"))
		}
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite path is empty"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unsupported store driver %q (supported: mongo, sqlite, memory)", c.Store.Driver))
	}
	if c.Store.ConnectRetries < 0 {
		errs = append(errs, fmt.Errorf("connect_retries must not be negative, got %d", c.Store.ConnectRetries))
	}
	if c.Store.Database == "" {
		errs = append(errs, errors.New("store database name is empty"))
	}

	if c.Face.Threshold <= 0 || c.Face.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("face threshold must be in (0,1), got %v", c.Face.Threshold))
	}
	if c.Face.Encoders < 1 {
		errs = append(errs, errors.New("face encoders must be positive"))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("session ttl must be positive"))
	}
	if c.Session.Capacity < 1 {
		errs = append(errs, errors.New("session capacity must be positive"))
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unsupported log format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// MaxInFlight returns how many image requests may be processed at once
func (c *Config) MaxInFlight() int {
	return c.Server.Workers * c.Server.Threads
}

// AdminEnabled reports whether the admin API should be exposed
func (c *Config) AdminEnabled() bool {
	return c.Security.AdminTokenHash != ""
}
