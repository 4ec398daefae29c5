// Package config provides configuration management for notigate.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

const (
	// DefaultWorkerPort is the default HTTP port for the worker service.
	DefaultWorkerPort = 37790

	// DefaultFilterThreshold is the score below which a notification is suppressed.
	DefaultFilterThreshold = 4.0

	// DefaultRemoteInstruction is sent as the system message to the remote scorer.
	DefaultRemoteInstruction = "Rate how important this phone notification is for the user on a scale " +
		"from 0 (spam, ads, noise) to 10 (must see). Reply with the number only."
)

// ErrInvalidMode is returned when a mode string is not recognized.
var ErrInvalidMode = errors.New("invalid mode")

// PresentationMode selects which surface shows a kept notification.
type PresentationMode string

const (
	ModeOverlay PresentationMode = "overlay"
	ModeTray    PresentationMode = "tray"
	ModeBoth    PresentationMode = "both"
)

// FilterEngine selects the scorer.
type FilterEngine string

const (
	EngineLocal  FilterEngine = "local"
	EngineRemote FilterEngine = "remote"
)

// RemoteStrategy selects how remote scoring is ordered against presentation.
type RemoteStrategy string

const (
	// StrategyCheckFirst waits for the score before presenting.
	StrategyCheckFirst RemoteStrategy = "check_first"
	// StrategyShowFirst presents immediately and retracts on suppress.
	StrategyShowFirst RemoteStrategy = "show_first"
)

// ParsePresentationMode validates a presentation mode string.
func ParsePresentationMode(s string) (PresentationMode, error) {
	switch m := PresentationMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeOverlay, ModeTray, ModeBoth:
		return m, nil
	}
	return "", ErrInvalidMode
}

// ParseFilterEngine validates a filter engine string.
func ParseFilterEngine(s string) (FilterEngine, error) {
	switch e := FilterEngine(strings.ToLower(strings.TrimSpace(s))); e {
	case EngineLocal, EngineRemote:
		return e, nil
	}
	return "", ErrInvalidMode
}

// ParseRemoteStrategy validates a remote strategy string. Hyphenated forms are accepted.
func ParseRemoteStrategy(s string) (RemoteStrategy, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	switch r := RemoteStrategy(norm); r {
	case StrategyCheckFirst, StrategyShowFirst:
		return r, nil
	}
	return "", ErrInvalidMode
}

// Config holds the application configuration.
type Config struct {
	// Worker settings
	WorkerPort int    `json:"worker_port"`
	LogLevel   string `json:"log_level"`
	// APIToken, when set, is required on every API request except health checks.
	APIToken string `json:"-"`

	// Database settings
	DBPath   string `json:"db_path"`
	MaxConns int    `json:"max_conns"`

	// Presentation and filtering
	PresentationMode PresentationMode `json:"presentation_mode"`
	FilterEnabled    bool             `json:"filter_enabled"`
	FilterEngine     FilterEngine     `json:"filter_engine"`
	RemoteStrategy   RemoteStrategy   `json:"remote_strategy"`
	FilterThreshold  float64          `json:"filter_threshold"`

	// Learning model
	LearningRate        float64       `json:"learning_rate"`
	LearningRateDegree  float64       `json:"learning_rate_degree"`
	MaxFeatures         int           `json:"max_features"`
	SaveInterval        time.Duration `json:"save_interval"`
	RecalculateInterval time.Duration `json:"recalculate_interval"`

	// Remote scorer (OpenAI-compatible endpoint)
	RemoteEndpoint    string        `json:"remote_endpoint"`
	RemoteModel       string        `json:"remote_model"`
	RemoteAPIKey      string        `json:"-"`
	RemoteTimeout     time.Duration `json:"remote_timeout"`
	RemoteInstruction string        `json:"remote_instruction"`

	// Process-wide behavior switches, checked by the behavior collaborator
	VibrationEnabled   bool `json:"vibration_enabled"`
	VibrationIntensity int  `json:"vibration_intensity"`
	SoundEnabled       bool `json:"sound_enabled"`
	AutoExpandEnabled  bool `json:"auto_expand_enabled"`

	// Maintenance
	MaintenanceEnabled      bool          `json:"maintenance_enabled"`
	MaintenanceInterval     time.Duration `json:"maintenance_interval"`
	SuppressedRetentionDays int           `json:"suppressed_retention_days"`
	SuppressedMax           int           `json:"suppressed_max"`
	// PendingTTL releases kept notifications that never received feedback.
	PendingTTL              time.Duration `json:"pending_ttl"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// DataDir returns the data directory path (~/.notigate), or NOTIGATE_DATA_DIR when set.
func DataDir() string {
	if dir := os.Getenv("NOTIGATE_DATA_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".notigate")
}

// DBPath returns the database file path.
func DBPath() string {
	return filepath.Join(DataDir(), "notigate.db")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// SourcesPath returns the per-source configuration file path.
func SourcesPath() string {
	return filepath.Join(DataDir(), "sources.yaml")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings creates a default settings file if it doesn't exist.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	defaultSettings := `{
  "NOTIGATE_WORKER_PORT": 37790,
  "NOTIGATE_PRESENTATION_MODE": "overlay",
  "NOTIGATE_FILTER_ENGINE": "local",
  "NOTIGATE_FILTER_THRESHOLD": 4.0,
  "NOTIGATE_LEARNING_RATE_DEGREE": 1.0
}
`
	return os.WriteFile(path, []byte(defaultSettings), 0600)
}

// EnsureAll ensures all required directories and files exist.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	if err := EnsureSettings(); err != nil {
		return err
	}
	return EnsureSources()
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		WorkerPort:              DefaultWorkerPort,
		LogLevel:                "info",
		DBPath:                  DBPath(),
		MaxConns:                4,
		PresentationMode:        ModeOverlay,
		FilterEnabled:           true,
		FilterEngine:            EngineLocal,
		RemoteStrategy:          StrategyCheckFirst,
		FilterThreshold:         DefaultFilterThreshold,
		LearningRate:            0.15,
		LearningRateDegree:      1.0,
		MaxFeatures:             5000,
		SaveInterval:            5 * time.Second,
		RecalculateInterval:     10 * time.Minute,
		RemoteEndpoint:          "https://api.openai.com/v1",
		RemoteModel:             "gpt-4o-mini",
		RemoteTimeout:           5 * time.Second,
		RemoteInstruction:       DefaultRemoteInstruction,
		VibrationEnabled:        true,
		VibrationIntensity:      2,
		SoundEnabled:            true,
		AutoExpandEnabled:       false,
		MaintenanceEnabled:      true,
		MaintenanceInterval:     time.Hour,
		SuppressedRetentionDays: 30,
		SuppressedMax:           500,
		PendingTTL:              24 * time.Hour,
	}
}

// Load loads configuration from the settings file, merging with defaults,
// then applies environment overrides.
func Load() (*Config, error) {
	return LoadFrom(SettingsPath())
}

// LoadFrom is Load with an explicit settings path.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	settings := map[string]interface{}{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &settings); err != nil {
			settings = map[string]interface{}{} // defaults on parse error
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	applyEnv(settings)
	apply(cfg, settings)
	return cfg, nil
}

// envKeys lists every setting that can be overridden from the environment.
var envKeys = []string{
	"NOTIGATE_WORKER_PORT", "NOTIGATE_LOG_LEVEL", "NOTIGATE_API_TOKEN", "NOTIGATE_DB_PATH",
	"NOTIGATE_PRESENTATION_MODE", "NOTIGATE_FILTER_ENABLED", "NOTIGATE_FILTER_ENGINE",
	"NOTIGATE_REMOTE_STRATEGY", "NOTIGATE_FILTER_THRESHOLD",
	"NOTIGATE_LEARNING_RATE", "NOTIGATE_LEARNING_RATE_DEGREE", "NOTIGATE_MAX_FEATURES",
	"NOTIGATE_SAVE_INTERVAL_SECONDS", "NOTIGATE_RECALCULATE_INTERVAL_MINUTES",
	"NOTIGATE_REMOTE_ENDPOINT", "NOTIGATE_REMOTE_MODEL", "NOTIGATE_REMOTE_API_KEY",
	"NOTIGATE_REMOTE_TIMEOUT_SECONDS", "NOTIGATE_REMOTE_INSTRUCTION",
	"NOTIGATE_VIBRATION_ENABLED", "NOTIGATE_VIBRATION_INTENSITY", "NOTIGATE_SOUND_ENABLED",
	"NOTIGATE_AUTO_EXPAND_ENABLED", "NOTIGATE_MAINTENANCE_ENABLED",
	"NOTIGATE_MAINTENANCE_INTERVAL_MINUTES", "NOTIGATE_SUPPRESSED_RETENTION_DAYS",
	"NOTIGATE_SUPPRESSED_MAX", "NOTIGATE_PENDING_TTL_HOURS",
}

// secretKeys are always strings, even when they look numeric.
var secretKeys = map[string]bool{"NOTIGATE_API_TOKEN": true, "NOTIGATE_REMOTE_API_KEY": true}

// applyEnv copies environment values over settings, converting to the JSON types Load expects.
func applyEnv(settings map[string]interface{}) {
	for _, key := range envKeys {
		raw, ok := os.LookupEnv(key)
		if !ok || raw == "" {
			continue
		}
		if secretKeys[key] {
			settings[key] = raw
			continue
		}
		if b, err := strconv.ParseBool(raw); err == nil && strings.HasSuffix(key, "_ENABLED") {
			settings[key] = b
			continue
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			settings[key] = f
			continue
		}
		settings[key] = raw
	}
}

func apply(cfg *Config, settings map[string]interface{}) {
	if v, ok := settings["NOTIGATE_WORKER_PORT"].(float64); ok && v > 0 {
		cfg.WorkerPort = int(v)
	}
	if v, ok := settings["NOTIGATE_LOG_LEVEL"].(string); ok && v != "" {
		cfg.LogLevel = v
	}
	if v, ok := settings["NOTIGATE_API_TOKEN"].(string); ok {
		cfg.APIToken = v
	}
	if v, ok := settings["NOTIGATE_DB_PATH"].(string); ok && v != "" {
		cfg.DBPath = v
	}

	if v, ok := settings["NOTIGATE_PRESENTATION_MODE"].(string); ok {
		if m, err := ParsePresentationMode(v); err == nil {
			cfg.PresentationMode = m
		}
	}
	if v, ok := settings["NOTIGATE_FILTER_ENABLED"].(bool); ok {
		cfg.FilterEnabled = v
	}
	if v, ok := settings["NOTIGATE_FILTER_ENGINE"].(string); ok {
		if e, err := ParseFilterEngine(v); err == nil {
			cfg.FilterEngine = e
		}
	}
	if v, ok := settings["NOTIGATE_REMOTE_STRATEGY"].(string); ok {
		if r, err := ParseRemoteStrategy(v); err == nil {
			cfg.RemoteStrategy = r
		}
	}
	if v, ok := settings["NOTIGATE_FILTER_THRESHOLD"].(float64); ok && v >= 0 && v <= 10 {
		cfg.FilterThreshold = v
	}

	if v, ok := settings["NOTIGATE_LEARNING_RATE"].(float64); ok && v > 0 && v <= 1 {
		cfg.LearningRate = v
	}
	if v, ok := settings["NOTIGATE_LEARNING_RATE_DEGREE"].(float64); ok && v > 0 {
		cfg.LearningRateDegree = clamp(v, 0.1, 3)
	}
	if v, ok := settings["NOTIGATE_MAX_FEATURES"].(float64); ok && v >= 100 {
		cfg.MaxFeatures = int(v)
	}
	if v, ok := settings["NOTIGATE_SAVE_INTERVAL_SECONDS"].(float64); ok && v > 0 {
		cfg.SaveInterval = seconds(v)
	}
	if v, ok := settings["NOTIGATE_RECALCULATE_INTERVAL_MINUTES"].(float64); ok && v > 0 {
		cfg.RecalculateInterval = time.Duration(v * float64(time.Minute))
	}

	if v, ok := settings["NOTIGATE_REMOTE_ENDPOINT"].(string); ok && v != "" {
		cfg.RemoteEndpoint = strings.TrimRight(v, "/")
	}
	if v, ok := settings["NOTIGATE_REMOTE_MODEL"].(string); ok && v != "" {
		cfg.RemoteModel = v
	}
	if v, ok := settings["NOTIGATE_REMOTE_API_KEY"].(string); ok {
		cfg.RemoteAPIKey = v
	}
	if v, ok := settings["NOTIGATE_REMOTE_TIMEOUT_SECONDS"].(float64); ok && v > 0 {
		cfg.RemoteTimeout = seconds(v)
	}
	if v, ok := settings["NOTIGATE_REMOTE_INSTRUCTION"].(string); ok && v != "" {
		cfg.RemoteInstruction = v
	}

	if v, ok := settings["NOTIGATE_VIBRATION_ENABLED"].(bool); ok {
		cfg.VibrationEnabled = v
	}
	if v, ok := settings["NOTIGATE_VIBRATION_INTENSITY"].(float64); ok && v >= 0 {
		cfg.VibrationIntensity = int(clamp(v, 0, 3))
	}
	if v, ok := settings["NOTIGATE_SOUND_ENABLED"].(bool); ok {
		cfg.SoundEnabled = v
	}
	if v, ok := settings["NOTIGATE_AUTO_EXPAND_ENABLED"].(bool); ok {
		cfg.AutoExpandEnabled = v
	}

	if v, ok := settings["NOTIGATE_MAINTENANCE_ENABLED"].(bool); ok {
		cfg.MaintenanceEnabled = v
	}
	if v, ok := settings["NOTIGATE_MAINTENANCE_INTERVAL_MINUTES"].(float64); ok && v > 0 {
		cfg.MaintenanceInterval = time.Duration(v * float64(time.Minute))
	}
	if v, ok := settings["NOTIGATE_SUPPRESSED_RETENTION_DAYS"].(float64); ok && v >= 0 {
		cfg.SuppressedRetentionDays = int(v)
	}
	if v, ok := settings["NOTIGATE_SUPPRESSED_MAX"].(float64); ok && v > 0 {
		cfg.SuppressedMax = int(v)
	}
	if v, ok := settings["NOTIGATE_PENDING_TTL_HOURS"].(float64); ok && v >= 0 {
		cfg.PendingTTL = time.Duration(v * float64(time.Hour))
	}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Get returns the global configuration, loading it if necessary.
func Get() *Config {
	configOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			cfg = Default()
		}
		configMu.Lock()
		globalConfig = cfg
		configMu.Unlock()
	})

	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// Set replaces the global configuration, used after a settings reload.
func Set(cfg *Config) {
	configOnce.Do(func() {})
	configMu.Lock()
	globalConfig = cfg
	configMu.Unlock()
}

// GetWorkerPort returns the worker port from environment or config.
func GetWorkerPort() int {
	if port := os.Getenv("NOTIGATE_WORKER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			return p
		}
	}
	return Get().WorkerPort
}
