package app

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/pion/logging"

	"groupcrypt/internal/services/outbound"
	"groupcrypt/internal/store"
)

// envPrefix prefixes every environment override.
const envPrefix = "GROUPCRYPT_"

// Config holds runtime wiring options for one device.
type Config struct {
	// Home is the data directory, e.g. $HOME/.groupcrypt.
	Home string `toml:"home"`
	// RelayURL is the relay base URL, e.g. http://127.0.0.1:8080.
	RelayURL string `toml:"relay_url"`
	UserID   string `toml:"user_id"`
	DeviceID string `toml:"device_id"`

	Rotation     RotationConfig     `toml:"rotation"`
	Distribution DistributionConfig `toml:"distribution"`
	Store        StoreConfig        `toml:"store"`
	Log          LogConfig          `toml:"log"`
	Relay        RelayConfig        `toml:"relay"`
}

// RotationConfig controls when outbound sessions are replaced.
type RotationConfig struct {
	Messages        int           `toml:"messages"`
	Period          time.Duration `toml:"period"`
	OnDeviceRemoval bool          `toml:"on_device_removal"`
}

// DistributionConfig controls how room keys are shared.
type DistributionConfig struct {
	BatchSize           int           `toml:"batch_size"`
	BlacklistUnverified bool          `toml:"blacklist_unverified"`
	Phase1Timeout       time.Duration `toml:"phase1_timeout"`
	SinglePhaseTimeout  time.Duration `toml:"single_phase_timeout"`
	Phase2Cutoff        time.Duration `toml:"phase2_cutoff"`
	Phase2Timeout       time.Duration `toml:"phase2_timeout"`
	NoOlmTimeout        time.Duration `toml:"no_olm_timeout"`
	OneTimeKeys         int           `toml:"one_time_keys"`
}

// StoreConfig selects the group session store backend.
type StoreConfig struct {
	Backend string `toml:"backend"`
	DSN     string `toml:"dsn"`
}

// LogConfig sets log levels.
type LogConfig struct {
	Level string `toml:"level"`
}

// RelayConfig tunes the relay server command.
type RelayConfig struct {
	Listen      string        `toml:"listen"`
	RateLimit   int           `toml:"rate_limit"`
	RateWindow  time.Duration `toml:"rate_window"`
	CORSOrigins []string      `toml:"cors_origins"`
	Metrics     bool          `toml:"metrics"`
}

// DefaultConfig returns the defaults, with Home under the user's home
// directory when it can be found.
func DefaultConfig() Config {
	p := outbound.DefaultPolicy()
	home := ".groupcrypt"
	if dir, err := os.UserHomeDir(); err == nil {
		home = filepath.Join(dir, ".groupcrypt")
	}
	return Config{
		Home:     home,
		RelayURL: "http://127.0.0.1:8080",
		Rotation: RotationConfig{
			Messages:        p.RotationMessages,
			Period:          p.RotationPeriod,
			OnDeviceRemoval: p.RotateOnDeviceRemoval,
		},
		Distribution: DistributionConfig{
			BatchSize:          p.MaxDevicesPerBatch,
			Phase1Timeout:      p.Phase1Timeout,
			SinglePhaseTimeout: p.SinglePhaseTimeout,
			Phase2Cutoff:       p.Phase2Cutoff,
			Phase2Timeout:      p.Phase2Timeout,
			NoOlmTimeout:       10 * time.Second,
			OneTimeKeys:        50,
		},
		Store: StoreConfig{Backend: store.BackendFile},
		Log:   LogConfig{Level: "info"},
		Relay: RelayConfig{
			Listen:     ":8080",
			RateLimit:  600,
			RateWindow: time.Minute,
			Metrics:    true,
		},
	}
}

// LoadConfig reads the TOML file at path over the defaults, then applies a
// .env file from the working directory and GROUPCRYPT_* environment
// variables. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	log := logging.NewDefaultLoggerFactory().NewLogger("config")
	cfg.applyEnv(log)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg as TOML to path.
func (c Config) Save(path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

func (c *Config) applyEnv(log logging.LeveledLogger) {
	c.Home = envOr("HOME", c.Home)
	c.RelayURL = envOr("RELAY_URL", c.RelayURL)
	c.UserID = envOr("USER_ID", c.UserID)
	c.DeviceID = envOr("DEVICE_ID", c.DeviceID)
	c.Store.Backend = envOr("STORE_BACKEND", c.Store.Backend)
	c.Store.DSN = envOr("STORE_DSN", c.Store.DSN)
	c.Log.Level = envOr("LOG_LEVEL", c.Log.Level)
	c.Relay.Listen = envOr("RELAY_LISTEN", c.Relay.Listen)

	c.Rotation.Messages = envInt(log, "ROTATION_MESSAGES", c.Rotation.Messages)
	c.Rotation.Period = envDuration(log, "ROTATION_PERIOD", c.Rotation.Period)
	c.Rotation.OnDeviceRemoval = envBool(log, "ROTATE_ON_DEVICE_REMOVAL", c.Rotation.OnDeviceRemoval)
	c.Distribution.BatchSize = envInt(log, "BATCH_SIZE", c.Distribution.BatchSize)
	c.Distribution.BlacklistUnverified = envBool(log, "BLACKLIST_UNVERIFIED", c.Distribution.BlacklistUnverified)
	c.Distribution.Phase2Timeout = envDuration(log, "PHASE2_TIMEOUT", c.Distribution.Phase2Timeout)
	c.Relay.RateLimit = envInt(log, "RELAY_RATE_LIMIT", c.Relay.RateLimit)
}

// Validate rejects values the services cannot work with.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case store.BackendFile, store.BackendLevelDB, store.BackendSQLite:
	case store.BackendPostgres:
		if c.Store.DSN == "" {
			return errors.New("config: store.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Rotation.Messages <= 0 {
		return errors.New("config: rotation.messages must be positive")
	}
	if c.Rotation.Period <= 0 {
		return errors.New("config: rotation.period must be positive")
	}
	if c.Distribution.BatchSize <= 0 {
		return errors.New("config: distribution.batch_size must be positive")
	}
	if _, ok := logLevels[strings.ToLower(c.Log.Level)]; !ok {
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	return nil
}

// Policy returns the outbound policy described by c.
func (c Config) Policy() outbound.Policy {
	p := outbound.DefaultPolicy()
	p.RotationMessages = c.Rotation.Messages
	p.RotationPeriod = c.Rotation.Period
	p.RotateOnDeviceRemoval = c.Rotation.OnDeviceRemoval
	p.BlacklistUnverified = c.Distribution.BlacklistUnverified
	p.MaxDevicesPerBatch = c.Distribution.BatchSize
	p.Phase1Timeout = c.Distribution.Phase1Timeout
	p.SinglePhaseTimeout = c.Distribution.SinglePhaseTimeout
	p.Phase2Cutoff = c.Distribution.Phase2Cutoff
	p.Phase2Timeout = c.Distribution.Phase2Timeout
	return p
}

// StoreOptions locates the group session store under Home.
func (c Config) StoreOptions() store.Options {
	return store.Options{Backend: c.Store.Backend, Dir: c.Home, DSN: c.Store.DSN}
}

var logLevels = map[string]logging.LogLevel{
	"disabled": logging.LogLevelDisabled,
	"error":    logging.LogLevelError,
	"warn":     logging.LogLevelWarn,
	"info":     logging.LogLevelInfo,
	"debug":    logging.LogLevelDebug,
	"trace":    logging.LogLevelTrace,
}

// LoggerFactory returns a pion logger factory at the configured level.
func (c Config) LoggerFactory() logging.LoggerFactory {
	lf := logging.NewDefaultLoggerFactory()
	if lvl, ok := logLevels[strings.ToLower(c.Log.Level)]; ok {
		lf.DefaultLogLevel = lvl
	}
	return lf
}

func envOr(k, def string) string {
	if v := os.Getenv(envPrefix + k); v != "" {
		return v
	}
	return def
}

func envInt(log logging.LeveledLogger, k string, def int) int {
	v := os.Getenv(envPrefix + k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warnf("ignoring %s%s=%q: %v", envPrefix, k, v, err)
		return def
	}
	return n
}

func envDuration(log logging.LeveledLogger, k string, def time.Duration) time.Duration {
	v := os.Getenv(envPrefix + k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warnf("ignoring %s%s=%q: %v", envPrefix, k, v, err)
		return def
	}
	return d
}

func envBool(log logging.LeveledLogger, k string, def bool) bool {
	v := os.Getenv(envPrefix + k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warnf("ignoring %s%s=%q: %v", envPrefix, k, v, err)
		return def
	}
	return b
}
