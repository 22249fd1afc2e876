package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/motion.report/internal/serialmux"
)

// DefaultConfigPath is the path to the canonical tracker defaults file.
const DefaultConfigPath = "config/tracker.defaults.json"

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// TrackerConfig is the root tracker configuration. Every field is optional;
// the Get* methods supply the default for anything left unset, so partial
// files are safe.
type TrackerConfig struct {
	TickInterval         *string  `json:"tick_interval,omitempty" yaml:"tick_interval,omitempty"` // duration string like "5s"
	StepThreshold        *float64 `json:"step_threshold,omitempty" yaml:"step_threshold,omitempty" validate:"omitempty,gt=0"`
	MagnitudeFormula     *string  `json:"magnitude_formula,omitempty" yaml:"magnitude_formula,omitempty" validate:"omitempty,oneof=euclidean legacy"`
	ResetClearsMagnitude *bool    `json:"reset_clears_magnitude,omitempty" yaml:"reset_clears_magnitude,omitempty"`
	FixTimeout           *string  `json:"fix_timeout,omitempty" yaml:"fix_timeout,omitempty"`
	FixMaxAge            *string  `json:"fix_max_age,omitempty" yaml:"fix_max_age,omitempty"`
	PersistTimeout       *string  `json:"persist_timeout,omitempty" yaml:"persist_timeout,omitempty"`
	Listen               *string  `json:"listen,omitempty" yaml:"listen,omitempty" validate:"omitempty,hostname_port"`

	Store *StoreConfig  `json:"store,omitempty" yaml:"store,omitempty"`
	Log   *LogConfig    `json:"log,omitempty" yaml:"log,omitempty"`
	GPS   *DeviceConfig `json:"gps,omitempty" yaml:"gps,omitempty"`
	IMU   *DeviceConfig `json:"imu,omitempty" yaml:"imu,omitempty"`
}

// StoreConfig selects the key-value backend.
type StoreConfig struct {
	Backend *string `json:"backend,omitempty" yaml:"backend,omitempty" validate:"omitempty,oneof=sqlite badger memory"`
	Path    *string `json:"path,omitempty" yaml:"path,omitempty"`
}

// LogConfig mirrors monitoring.Config.
type LogConfig struct {
	Level      *string `json:"level,omitempty" yaml:"level,omitempty" validate:"omitempty,oneof=trace debug info warn warning error"`
	File       *string `json:"file,omitempty" yaml:"file,omitempty"`
	MaxSizeMB  *int    `json:"max_size_mb,omitempty" yaml:"max_size_mb,omitempty" validate:"omitempty,gte=0"`
	MaxBackups *int    `json:"max_backups,omitempty" yaml:"max_backups,omitempty" validate:"omitempty,gte=0"`
	MaxAgeDays *int    `json:"max_age_days,omitempty" yaml:"max_age_days,omitempty" validate:"omitempty,gte=0"`
	Compress   *bool   `json:"compress,omitempty" yaml:"compress,omitempty"`
}

// DeviceConfig describes a serial device. An empty Port means the device is
// not attached.
type DeviceConfig struct {
	Port                  string   `json:"port,omitempty" yaml:"port,omitempty"`
	InitCommands          []string `json:"init_commands,omitempty" yaml:"init_commands,omitempty"`
	serialmux.PortOptions `yaml:",inline"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTrackerConfig returns a TrackerConfig with all fields set to nil.
func EmptyTrackerConfig() *TrackerConfig {
	return &TrackerConfig{}
}

// LoadTrackerConfig loads a TrackerConfig from a .json, .yaml or .yml file
// and validates it.
func LoadTrackerConfig(path string) (*TrackerConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTrackerConfig()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", strings.TrimPrefix(ext, "."), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches the current directory and common parent directories and panics
// if the file cannot be loaded. Intended for test setup.
func MustLoadDefaultConfig() *TrackerConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from cmd/tracker/ and deeper
	}
	for _, path := range candidates {
		if cfg, err := LoadTrackerConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

var validate = validator.New()

// Validate checks struct constraints and that every duration parses to a
// positive value.
func (c *TrackerConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	durations := map[string]*string{
		"tick_interval":   c.TickInterval,
		"fix_timeout":     c.FixTimeout,
		"fix_max_age":     c.FixMaxAge,
		"persist_timeout": c.PersistTimeout,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *v)
		}
	}
	for name, dev := range map[string]*DeviceConfig{"gps": c.GPS, "imu": c.IMU} {
		if dev == nil {
			continue
		}
		if _, err := dev.PortOptions.Normalize(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def // default on parse error
	}
	return d
}

// GetTickInterval returns the location poll period.
func (c *TrackerConfig) GetTickInterval() time.Duration {
	return durationOr(c.TickInterval, 5*time.Second)
}

// GetStepThreshold returns the step_threshold value or the default.
func (c *TrackerConfig) GetStepThreshold() float64 {
	if c.StepThreshold == nil {
		return 1.2
	}
	return *c.StepThreshold
}

// GetMagnitudeFormula returns the magnitude_formula value or the default.
func (c *TrackerConfig) GetMagnitudeFormula() string {
	if c.MagnitudeFormula == nil || *c.MagnitudeFormula == "" {
		return "euclidean"
	}
	return *c.MagnitudeFormula
}

// GetResetClearsMagnitude returns the reset_clears_magnitude value or the default.
func (c *TrackerConfig) GetResetClearsMagnitude() bool {
	if c.ResetClearsMagnitude == nil {
		return false
	}
	return *c.ResetClearsMagnitude
}

// GetFixTimeout returns how long a tick waits for a fresh fix.
func (c *TrackerConfig) GetFixTimeout() time.Duration {
	return durationOr(c.FixTimeout, 3*time.Second)
}

// GetFixMaxAge returns the oldest fix a tick accepts.
func (c *TrackerConfig) GetFixMaxAge() time.Duration {
	return durationOr(c.FixMaxAge, 10*time.Second)
}

// GetPersistTimeout returns the per-write store timeout.
func (c *TrackerConfig) GetPersistTimeout() time.Duration {
	return durationOr(c.PersistTimeout, 2*time.Second)
}

// GetListen returns the HTTP listen address.
func (c *TrackerConfig) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return "localhost:8080"
	}
	return *c.Listen
}

// GetStoreBackend returns the store.backend value or the default.
func (c *TrackerConfig) GetStoreBackend() string {
	if c.Store == nil || c.Store.Backend == nil || *c.Store.Backend == "" {
		return BackendSQLite
	}
	return *c.Store.Backend
}

// GetStorePath returns the database file (sqlite) or directory (badger).
func (c *TrackerConfig) GetStorePath() string {
	if c.Store != nil && c.Store.Path != nil && *c.Store.Path != "" {
		return *c.Store.Path
	}
	if c.GetStoreBackend() == BackendBadger {
		return "tracker.badger"
	}
	return "tracker.db"
}

// GetLogLevel returns the log.level value or the default.
func (c *TrackerConfig) GetLogLevel() string {
	if c.Log == nil || c.Log.Level == nil || *c.Log.Level == "" {
		return "info"
	}
	return *c.Log.Level
}

// GetLogFile returns the log file path; empty means stdout only.
func (c *TrackerConfig) GetLogFile() string {
	if c.Log == nil || c.Log.File == nil {
		return ""
	}
	return *c.Log.File
}

// GetLogMaxSizeMB returns the log rotation size.
func (c *TrackerConfig) GetLogMaxSizeMB() int {
	if c.Log == nil || c.Log.MaxSizeMB == nil {
		return 50
	}
	return *c.Log.MaxSizeMB
}

// GetLogMaxBackups returns how many rotated files are kept.
func (c *TrackerConfig) GetLogMaxBackups() int {
	if c.Log == nil || c.Log.MaxBackups == nil {
		return 5
	}
	return *c.Log.MaxBackups
}

// GetLogMaxAgeDays returns how long rotated files are kept.
func (c *TrackerConfig) GetLogMaxAgeDays() int {
	if c.Log == nil || c.Log.MaxAgeDays == nil {
		return 28
	}
	return *c.Log.MaxAgeDays
}

// GetLogCompress returns whether rotated files are gzipped.
func (c *TrackerConfig) GetLogCompress() bool {
	if c.Log == nil || c.Log.Compress == nil {
		return true
	}
	return *c.Log.Compress
}

// GetGPS returns the GNSS receiver settings. The zero value means no
// receiver is attached.
func (c *TrackerConfig) GetGPS() DeviceConfig {
	if c.GPS == nil {
		return DeviceConfig{}
	}
	return *c.GPS
}

// GetIMU returns the accelerometer settings. IMUs default to 115200 baud.
func (c *TrackerConfig) GetIMU() DeviceConfig {
	var d DeviceConfig
	if c.IMU != nil {
		d = *c.IMU
	}
	if d.BaudRate == 0 {
		d.BaudRate = 115200
	}
	return d
}
