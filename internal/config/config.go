// Package config handles Ghost Coach configuration.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/ghostcoach/ghostcoach/internal/core"
)

// Config holds all configuration
type Config struct {
	// Paths
	DataDir string `json:"data_dir"`

	// Timezone is the IANA home timezone. Day boundaries, quiet hours
	// and cycle times are all computed in it. "Local" uses the system zone.
	Timezone string `json:"timezone"`

	// Server
	Server ServerConfig `json:"server"`

	// Domains
	Calendar      CalendarConfig     `json:"calendar"`
	Training      TrainingConfig     `json:"training"`
	Notifications NotificationConfig `json:"notifications"`
	Cycles        CycleConfig        `json:"cycles"`
	Backend       BackendConfig      `json:"backend"`
	Companion     CompanionConfig    `json:"companion"`
	Retention     RetentionConfig    `json:"retention"`

	// Features
	Features FeatureConfig `json:"features"`

	// Logging
	LogLevel string `json:"log_level"`
}

// ServerConfig for the local control API
type ServerConfig struct {
	Port int    `json:"port"`
	Host string `json:"host"`
}

// CalendarConfig for the calendar provider
type CalendarConfig struct {
	Provider         string              `json:"provider"`           // "google"
	GhostCalendar    string              `json:"ghost_calendar"`     // Name of the calendar the ghost writes to
	ShadowCalendarID string              `json:"shadow_calendar_id"` // Where busy mirrors go, empty disables
	BufferMinutes    int                 `json:"buffer_minutes"`     // Required gap around training blocks
	SacredWindows    []core.SacredWindow `json:"sacred_windows"`
	CredentialsFile  string              `json:"credentials_file"` // OAuth client secret JSON
	TokenFile        string              `json:"token_file"`       // Cached OAuth token
}

// TrainingConfig for how weeks get planned
type TrainingConfig struct {
	WeeklyTarget    int                `json:"weekly_target"`    // Sessions per week
	DurationMinutes int                `json:"duration_minutes"` // Default block length
	Window          core.WindowPref    `json:"window"`           // Preferred time of day
	PreferredTypes  []core.WorkoutType `json:"preferred_types"`  // Rotation order for planning
	RestWeekday     string             `json:"rest_weekday"`     // Never plan on this day, empty disables
}

// NotificationConfig for the governor
type NotificationConfig struct {
	QuietHours bool   `json:"quiet_hours"` // Off by default
	QuietStart string `json:"quiet_start"` // "HH:MM"
	QuietEnd   string `json:"quiet_end"`   // "HH:MM"
}

// CycleConfig for when decision cycles wake
type CycleConfig struct {
	MorningAt     string `json:"morning_at"` // "HH:MM"
	EveningAt     string `json:"evening_at"` // "HH:MM"
	WeeklyDay     string `json:"weekly_day"` // "sunday"
	BudgetSeconds int    `json:"budget_seconds"`
	// Consolidation gets its own longer budget
	ConsolidationBudgetSeconds int `json:"consolidation_budget_seconds"`
}

// BackendConfig for the remote coaching service
type BackendConfig struct {
	URL        string `json:"url"` // Empty disables backend sync
	Token      string `json:"-"`   // From env, never persisted
	MaxRetries int    `json:"max_retries"`
}

// CompanionConfig for wearable companion sync
type CompanionConfig struct {
	Enabled    bool   `json:"enabled"`
	ListenAddr string `json:"listen_addr"`
}

// RetentionConfig for pruning old data
type RetentionConfig struct {
	ReceiptDays int `json:"receipt_days"` // Receipts older than this get pruned
	SignalDays  int `json:"signal_days"`  // Raw signals compact into daily rows after this
}

// FeatureConfig for feature flags
type FeatureConfig struct {
	ShadowSync bool `json:"shadow_sync"`
	DebugMode  bool `json:"debug_mode"`
}

// Default returns default configuration
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".ghostcoach")

	return &Config{
		DataDir:  dataDir,
		Timezone: "Local",
		Server: ServerConfig{
			Port: 7437,
			Host: "localhost",
		},
		Calendar: CalendarConfig{
			Provider:        "google",
			GhostCalendar:   "Training (Ghost)",
			BufferMinutes:   15,
			CredentialsFile: filepath.Join(dataDir, "credentials.json"),
			TokenFile:       filepath.Join(dataDir, "token.json"),
		},
		Training: TrainingConfig{
			WeeklyTarget:    4,
			DurationMinutes: 60,
			Window:          core.WindowMorning,
			PreferredTypes: []core.WorkoutType{
				core.WorkoutStrength,
				core.WorkoutZone2,
				core.WorkoutRun,
				core.WorkoutMobility,
			},
		},
		Notifications: NotificationConfig{
			QuietHours: false,
			QuietStart: "22:00",
			QuietEnd:   "07:00",
		},
		Cycles: CycleConfig{
			MorningAt:                  "06:30",
			EveningAt:                  "21:30",
			WeeklyDay:                  "sunday",
			BudgetSeconds:              60,
			ConsolidationBudgetSeconds: 600,
		},
		Backend: BackendConfig{
			Token:      os.Getenv("GHOSTCOACH_BACKEND_TOKEN"),
			MaxRetries: 5,
		},
		Companion: CompanionConfig{
			Enabled:    false,
			ListenAddr: "localhost:7438",
		},
		Retention: RetentionConfig{
			ReceiptDays: 90,
			SignalDays:  30,
		},
		Features: FeatureConfig{
			ShadowSync: false,
			DebugMode:  false,
		},
		LogLevel: "info",
	}
}

// Load loads config from file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.json")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Use defaults
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Secrets always come from env
	if token := os.Getenv("GHOSTCOACH_BACKEND_TOKEN"); token != "" {
		cfg.Backend.Token = token
	}

	return cfg, nil
}

// Save saves config to file
func (c *Config) Save(path string) error {
	if path == "" {
		path = filepath.Join(c.DataDir, "config.json")
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Location resolves the configured timezone, falling back to the
// system zone when the name is empty, "Local", or unknown.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
