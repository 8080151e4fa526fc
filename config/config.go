package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Config holds the configuration for a dispatcher Spawner and its
// surrounding tooling (history store, event log).
type Config struct {
	// ConfigPath is the file this Config was loaded from, or the path
	// it was last saved to. Empty for a Config built in memory.
	ConfigPath string

	// BackendSpawnNiceValue is the nice(2) priority applied to freshly
	// spawned dispatcher children. The Spawner clamps this to [-20, 19]
	// itself; config does not clamp it, and Validate rejects values
	// outside that range.
	BackendSpawnNiceValue int

	// PollInterval is how often the event loop checks the dispatcher's
	// stdout and liveness.
	PollInterval time.Duration

	// KillDelay is how long Kill waits after SIGQUIT before escalating
	// to SIGKILL.
	KillDelay time.Duration

	// LogsPath is the directory holding the dispatcher event log
	// (dispatcher.log) and the run-history database (spawn-history.db).
	LogsPath string

	// Debug toggles verbose tracing (argv/envp dump on launch, rate
	// limited poll tracing).
	Debug bool
}

const (
	defaultPollInterval = 50 * time.Millisecond
	defaultKillDelay    = 500 * time.Millisecond
	defaultLogsPath     = "/var/log/pkgspawn"
)

var (
	globalConfig *Config
)

// GetConfig returns the process-wide Config set by SetConfig. It is nil
// until SetConfig has been called, mirroring the teacher's package-level
// accessor pair so command-line entry points can wire a loaded Config into
// library code without threading it through every call.
func GetConfig() *Config {
	return globalConfig
}

// SetConfig installs cfg as the process-wide Config.
func SetConfig(cfg *Config) {
	globalConfig = cfg
}

// defaultConfig returns a Config populated with built-in defaults.
func defaultConfig() *Config {
	return &Config{
		BackendSpawnNiceValue: 0,
		PollInterval:          defaultPollInterval,
		KillDelay:             defaultKillDelay,
		LogsPath:              defaultLogsPath,
		Debug:                 false,
	}
}

// LoadConfig loads configuration from configDir/spawn.ini via gopkg.in/ini.v1.
// A missing file is not an error: LoadConfig returns built-in defaults with
// ConfigPath set to where the file would live.
func LoadConfig(configDir string) (*Config, error) {
	cfg := defaultConfig()

	if configDir == "" {
		configDir = "/etc/pkgspawn"
	}
	configFile := filepath.Join(configDir, "spawn.ini")
	cfg.ConfigPath = configFile

	if _, err := os.Stat(configFile); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to stat config: %w", err)
	}

	iniFile, err := ini.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	sec := iniFile.Section("Global Configuration")

	if k := sec.Key("Backend_spawn_nice_value"); k.String() != "" {
		if n, err := k.Int(); err == nil {
			cfg.BackendSpawnNiceValue = n
		}
	}
	if k := sec.Key("Poll_interval_ms"); k.String() != "" {
		if n, err := k.Int(); err == nil && n > 0 {
			cfg.PollInterval = time.Duration(n) * time.Millisecond
		}
	}
	if k := sec.Key("Kill_delay_ms"); k.String() != "" {
		if n, err := k.Int(); err == nil && n > 0 {
			cfg.KillDelay = time.Duration(n) * time.Millisecond
		}
	}
	if k := sec.Key("Logs_path"); k.String() != "" {
		cfg.LogsPath = k.String()
	}
	if k := sec.Key("Debug"); k.String() != "" {
		cfg.Debug = parseBool(k.String())
	}

	return cfg, nil
}

// SaveConfig writes cfg to path in the same "Global Configuration" INI
// layout LoadConfig reads, creating parent directories as needed.
func SaveConfig(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	iniFile := ini.Empty()
	sec, err := iniFile.NewSection("Global Configuration")
	if err != nil {
		return fmt.Errorf("failed to create ini section: %w", err)
	}

	sec.Key("Backend_spawn_nice_value").SetValue(fmt.Sprintf("%d", cfg.BackendSpawnNiceValue))
	sec.Key("Poll_interval_ms").SetValue(fmt.Sprintf("%d", cfg.PollInterval.Milliseconds()))
	sec.Key("Kill_delay_ms").SetValue(fmt.Sprintf("%d", cfg.KillDelay.Milliseconds()))
	sec.Key("Logs_path").SetValue(cfg.LogsPath)
	sec.Key("Debug").SetValue(boolString(cfg.Debug))

	if err := iniFile.SaveTo(path); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	cfg.ConfigPath = path
	return nil
}

func boolString(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func parseBool(value string) bool {
	value = strings.ToLower(strings.TrimSpace(value))
	return value == "yes" || value == "true" || value == "1" || value == "on"
}

// Validate checks configuration validity: that LogsPath exists or can be
// created and that BackendSpawnNiceValue falls within the range the
// spawner will honor.
func (cfg *Config) Validate() error {
	if cfg.LogsPath == "" {
		return fmt.Errorf("LogsPath is not configured")
	}

	info, err := os.Stat(cfg.LogsPath)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(cfg.LogsPath, 0755); err != nil {
				return fmt.Errorf("LogsPath %s cannot be created: %w", cfg.LogsPath, err)
			}
		} else {
			return fmt.Errorf("LogsPath %s: %w", cfg.LogsPath, err)
		}
	} else if !info.IsDir() {
		return fmt.Errorf("LogsPath %s is not a directory", cfg.LogsPath)
	}

	if cfg.BackendSpawnNiceValue < -20 || cfg.BackendSpawnNiceValue > 19 {
		return fmt.Errorf("BackendSpawnNiceValue %d out of range [-20, 19]", cfg.BackendSpawnNiceValue)
	}

	if cfg.PollInterval <= 0 {
		return fmt.Errorf("PollInterval must be positive")
	}
	if cfg.KillDelay <= 0 {
		return fmt.Errorf("KillDelay must be positive")
	}

	return nil
}
