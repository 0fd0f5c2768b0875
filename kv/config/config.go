package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
)

const (
	defaultEpochInterval  = 40 * time.Millisecond
	defaultGCInterval     = 100 * time.Millisecond
	defaultMaxSessions    = 128
	defaultWPMaxClaims    = 256
	defaultReadRetryLimit = 1000
	defaultScanMaxSize    = 0
	defaultLogPath        = "/tmp/epochkv"
)

type Config struct {
	// EpochInterval is how often the global epoch advances.
	EpochInterval Duration `toml:"epoch-interval" json:"epoch-interval"`
	// GCInterval is how often the garbage collector runs a pass.
	GCInterval Duration `toml:"gc-interval" json:"gc-interval"`
	// MaxSessions bounds the number of sessions entered at the same time.
	MaxSessions int `toml:"max-sessions" json:"max-sessions"`
	// WPMaxClaims bounds outstanding write preservations per storage. 0 means unlimited.
	WPMaxClaims int `toml:"wp-max-claims" json:"wp-max-claims"`
	// ReadRetryLimit is how many times a reader yields on a locked record before giving up.
	ReadRetryLimit int `toml:"read-retry-limit" json:"read-retry-limit"`
	// ScanMaxSize is the default result limit of a scan. 0 means unlimited.
	ScanMaxSize int `toml:"scan-max-size" json:"scan-max-size"`

	Durability DurabilityConfig `toml:"durability" json:"durability"`

	LogLevel string     `toml:"log-level" json:"log-level"`
	Log      log.Config `toml:"log" json:"log"`

	logger   *zap.Logger
	logProps *log.ZapProperties
}

type DurabilityConfig struct {
	// Backend is "memory" or "bolt".
	Backend string `toml:"backend" json:"backend"`
	// Path is the directory of the bolt log file.
	Path       string `toml:"path" json:"path"`
	SyncWrites bool   `toml:"sync-writes" json:"sync-writes"`
}

func adjustString(v *string, defValue string) {
	if len(*v) == 0 {
		*v = defValue
	}
}

func adjustInt(v *int, defValue int) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustDuration(v *Duration, defValue time.Duration) {
	if v.Duration == 0 {
		v.Duration = defValue
	}
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

// Adjust fills unset fields with defaults. Fields explicitly set to zero in the file keep their value where zero
// is meaningful.
func (c *Config) Adjust(meta *toml.MetaData) error {
	isDefined := func(keys ...string) bool {
		return meta != nil && meta.IsDefined(keys...)
	}
	if !isDefined("epoch-interval") {
		adjustDuration(&c.EpochInterval, defaultEpochInterval)
	}
	if !isDefined("gc-interval") {
		adjustDuration(&c.GCInterval, defaultGCInterval)
	}
	adjustInt(&c.MaxSessions, defaultMaxSessions)
	if !isDefined("wp-max-claims") {
		adjustInt(&c.WPMaxClaims, defaultWPMaxClaims)
	}
	adjustInt(&c.ReadRetryLimit, defaultReadRetryLimit)
	adjustString(&c.Durability.Backend, BackendMemory)
	adjustString(&c.Durability.Path, defaultLogPath)
	adjustString(&c.LogLevel, getLogLevel())
	adjustString(&c.Log.Level, c.LogLevel)
	return c.Validate()
}

func (c *Config) Validate() error {
	if c.EpochInterval.Duration < 0 {
		return errors.Errorf("epoch-interval must not be negative, got %v", c.EpochInterval.Duration)
	}
	if c.GCInterval.Duration < 0 {
		return errors.Errorf("gc-interval must not be negative, got %v", c.GCInterval.Duration)
	}
	if c.MaxSessions <= 0 {
		return errors.Errorf("max-sessions must be greater than 0, got %d", c.MaxSessions)
	}
	if c.WPMaxClaims < 0 {
		return errors.Errorf("wp-max-claims must not be negative, got %d", c.WPMaxClaims)
	}
	if c.ReadRetryLimit <= 0 {
		return errors.Errorf("read-retry-limit must be greater than 0, got %d", c.ReadRetryLimit)
	}
	if c.ScanMaxSize < 0 {
		return errors.Errorf("scan-max-size must not be negative, got %d", c.ScanMaxSize)
	}
	switch c.Durability.Backend {
	case BackendMemory:
	case BackendBolt:
		if c.Durability.Path == "" {
			return errors.New("durability.path is required by the bolt backend")
		}
	default:
		return errors.Errorf("unknown durability backend %q", c.Durability.Backend)
	}
	if c.EpochInterval.Duration > 0 && c.EpochInterval.Duration < time.Millisecond {
		log.Warn("epoch interval below one millisecond keeps the ticker busy", zap.Duration("epoch-interval", c.EpochInterval.Duration))
	}
	return nil
}

// LoadFile decodes a TOML file on top of c and applies defaults.
func (c *Config) LoadFile(path string) error {
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return errors.WithStack(err)
	}
	return c.Adjust(&meta)
}

// SetupLogger builds the zap logger described by the log section and installs it globally.
func (c *Config) SetupLogger() error {
	lg, p, err := log.InitLogger(&c.Log, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return errors.Trace(err)
	}
	c.logger = lg
	c.logProps = p
	log.ReplaceGlobals(lg, p)
	return nil
}

// GetZapLogger gets the created zap logger.
func (c *Config) GetZapLogger() *zap.Logger {
	return c.logger
}

func NewDefaultConfig() *Config {
	c := &Config{}
	if err := c.Adjust(nil); err != nil {
		panic(err)
	}
	return c
}

// NewTestConfig returns a configuration whose epoch and GC only move when a test drives them.
func NewTestConfig() *Config {
	c := &Config{
		EpochInterval:  NewDuration(0),
		GCInterval:     NewDuration(0),
		MaxSessions:    16,
		WPMaxClaims:    defaultWPMaxClaims,
		ReadRetryLimit: 100,
		Durability:     DurabilityConfig{Backend: BackendMemory},
		LogLevel:       getLogLevel(),
	}
	c.Log.Level = c.LogLevel
	return c
}
