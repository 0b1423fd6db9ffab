// Package config loads and saves fluux's TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration.
type Config struct {
	General    GeneralConfig    `toml:"general"`
	Connection ConnectionConfig `toml:"connection"`
	Presence   PresenceConfig   `toml:"presence"`
	Plugins    PluginsConfig    `toml:"plugins"`
	Logging    LoggingConfig    `toml:"logging"`
	Storage    StorageConfig    `toml:"storage"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	DataDir     string `toml:"data_dir"`
	AutoConnect bool   `toml:"auto_connect"`
}

// ConnectionConfig drives the Connection Manager's dial and backoff
// behavior.
type ConnectionConfig struct {
	// EndpointOverride, when set, skips host-meta/SRV discovery and
	// dials this URI directly (ws://, wss://, tcp://, tls://).
	EndpointOverride string `toml:"endpoint_override"`

	// ResumeTimeoutSeconds bounds how long a Stream Management session
	// id remains eligible for <resume/> after a sleep/wake gap.
	ResumeTimeoutSeconds int `toml:"resume_timeout_seconds"`

	// BackoffBaseMillis and BackoffCapMillis parameterize
	// delay(n) = min(cap, base*2^(n-1)) + jitter.
	BackoffBaseMillis int `toml:"backoff_base_millis"`
	BackoffCapMillis  int `toml:"backoff_cap_millis"`

	// IQTimeoutSeconds / PingTimeoutSeconds / MUCJoinTimeoutSeconds /
	// MAMQueryTimeoutSeconds are the IQ round-trip (also used as the
	// dial timeout), XMPP ping, MUC join and MAM query timeouts.
	IQTimeoutSeconds      int `toml:"iq_timeout_seconds"`
	PingTimeoutSeconds    int `toml:"ping_timeout_seconds"`
	MUCJoinTimeoutSeconds int `toml:"muc_join_timeout_seconds"`
	MAMQueryTimeoutSeconds int `toml:"mam_query_timeout_seconds"`

	// PreviewConcurrency bounds the fresh-session "Refreshing previews"
	// background task.
	PreviewConcurrency int `toml:"preview_concurrency"`
}

// PresenceConfig feeds the Presence Machine's idle/sleep thresholds.
type PresenceConfig struct {
	AutoAwayAfterSeconds int `toml:"auto_away_after_seconds"`
	AutoXaAfterSeconds   int `toml:"auto_xa_after_seconds"`
}

// PluginsConfig contains plugin settings.
type PluginsConfig struct {
	Enabled   []string `toml:"enabled"`
	PluginDir string   `toml:"plugin_dir"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level   string `toml:"level"`
	File    string `toml:"file"`
	Console bool   `toml:"console"`
}

// StorageConfig contains storage settings.
type StorageConfig struct {
	// SaveMessages enables/disables message history.
	SaveMessages bool `toml:"save_messages"`

	// MessageRetentionDays is the number of days to keep messages (0 = forever).
	MessageRetentionDays int `toml:"message_retention_days"`

	// MaxMessageSize is the maximum size of a message to store (in bytes).
	MaxMessageSize int `toml:"max_message_size"`

	// VacuumOnStartup records whether the database should be vacuumed on
	// startup; no code in this module reads it or calls sqlite.DB.Vacuum.
	VacuumOnStartup bool `toml:"vacuum_on_startup"`
}

// Account represents an XMPP account configuration.
type Account struct {
	JID         string `toml:"jid"`
	Password    string `toml:"password"`
	UseKeyring  bool   `toml:"use_keyring"`
	AutoConnect bool   `toml:"auto_connect"`
	Server      string `toml:"server"`
	Port        int    `toml:"port"`
	Resource    string `toml:"resource"`
	Session     bool   `toml:"-"` // Session-only account, not saved to disk
}

// AccountsConfig contains all account configurations.
type AccountsConfig struct {
	Accounts []Account `toml:"accounts"`
}

// Paths holds the XDG-compliant paths for the application.
type Paths struct {
	ConfigDir string
	DataDir   string
	CacheDir  string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:     "",
			AutoConnect: true,
		},
		Connection: ConnectionConfig{
			ResumeTimeoutSeconds:   300,
			BackoffBaseMillis:      1000,
			BackoffCapMillis:       60000,
			IQTimeoutSeconds:       30,
			PingTimeoutSeconds:     5,
			MUCJoinTimeoutSeconds:  60,
			MAMQueryTimeoutSeconds: 60,
			PreviewConcurrency:     3,
		},
		Presence: PresenceConfig{
			AutoAwayAfterSeconds: 600,
			AutoXaAfterSeconds:   1800,
		},
		Plugins: PluginsConfig{
			Enabled:   []string{},
			PluginDir: "",
		},
		Logging: LoggingConfig{
			Level:   "info",
			File:    "",
			Console: true,
		},
		Storage: StorageConfig{
			SaveMessages:         true,
			MessageRetentionDays: 0, // Forever
			MaxMessageSize:       1024 * 1024, // 1MB
			VacuumOnStartup:      false,
		},
	}
}

// ResumeTimeout is a convenience accessor used by the Connection Manager.
func (c ConnectionConfig) ResumeTimeout() time.Duration {
	return time.Duration(c.ResumeTimeoutSeconds) * time.Second
}

// GetPaths returns XDG-compliant paths for the application.
func GetPaths() (*Paths, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config")
	}
	configDir = filepath.Join(configDir, "fluux")

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	dataDir = filepath.Join(dataDir, "fluux")

	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	cacheDir = filepath.Join(cacheDir, "fluux")

	return &Paths{
		ConfigDir: configDir,
		DataDir:   dataDir,
		CacheDir:  cacheDir,
	}, nil
}

// EnsureDirectories creates the necessary directories.
func (p *Paths) EnsureDirectories() error {
	dirs := []string{p.ConfigDir, p.DataDir, p.CacheDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Load loads the configuration from the config file.
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}

	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	configPath := filepath.Join(paths.ConfigDir, "config.toml")

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg.General.DataDir = paths.DataDir
		cfg.Plugins.PluginDir = filepath.Join(paths.DataDir, "plugins")
		cfg.Logging.File = filepath.Join(paths.DataDir, "fluux.log")
		return cfg, nil
	}

	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.General.DataDir == "" {
		cfg.General.DataDir = paths.DataDir
	} else {
		cfg.General.DataDir = expandPath(cfg.General.DataDir)
	}

	if cfg.Plugins.PluginDir == "" {
		cfg.Plugins.PluginDir = filepath.Join(cfg.General.DataDir, "plugins")
	} else {
		cfg.Plugins.PluginDir = expandPath(cfg.Plugins.PluginDir)
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.General.DataDir, "fluux.log")
	} else {
		cfg.Logging.File = expandPath(cfg.Logging.File)
	}

	return cfg, nil
}

// LoadAccounts loads account configurations.
func LoadAccounts() (*AccountsConfig, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}

	accountsPath := filepath.Join(paths.ConfigDir, "accounts.toml")

	if _, err := os.Stat(accountsPath); os.IsNotExist(err) {
		return &AccountsConfig{Accounts: []Account{}}, nil
	}

	var accounts AccountsConfig
	if _, err := toml.DecodeFile(accountsPath, &accounts); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}

	for i := range accounts.Accounts {
		if accounts.Accounts[i].Port == 0 {
			accounts.Accounts[i].Port = 5222
		}
		if accounts.Accounts[i].Resource == "" {
			accounts.Accounts[i].Resource = "fluux"
		}
	}

	return &accounts, nil
}

// Save saves the configuration to the config file.
func Save(cfg *Config) error {
	paths, err := GetPaths()
	if err != nil {
		return err
	}

	configPath := filepath.Join(paths.ConfigDir, "config.toml")
	f, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// SaveAccounts saves account configurations.
func SaveAccounts(accounts *AccountsConfig) error {
	paths, err := GetPaths()
	if err != nil {
		return err
	}

	accountsPath := filepath.Join(paths.ConfigDir, "accounts.toml")
	f, err := os.Create(accountsPath)
	if err != nil {
		return fmt.Errorf("failed to create accounts file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(accounts); err != nil {
		return fmt.Errorf("failed to encode accounts: %w", err)
	}

	return nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
