// Package config loads the server configuration from a YAML file, the
// environment (PARTAGE_*) and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/vdust/partage/internal/logging"
	"github.com/vdust/partage/internal/manager"
	"github.com/vdust/partage/internal/share"
)

// EnvPrefix prefixes every environment override, e.g.
// PARTAGE_STORAGE_ROOT for storage.root.
const EnvPrefix = "PARTAGE"

// Config is the complete server configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Locks   LocksConfig   `mapstructure:"locks" yaml:"locks"`
	Restore RestoreConfig `mapstructure:"restore" yaml:"restore"`
	Users   []UserConfig  `mapstructure:"users" yaml:"users" validate:"dive"`
}

// LoggingConfig controls the global logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=json console"`
	// Output is stdout, stderr or a file path. Files are rotated.
	Output     string `mapstructure:"output" yaml:"output" validate:"required"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// ServerConfig controls the HTTP listeners.
type ServerConfig struct {
	ListenAddr  string `mapstructure:"listen_addr" yaml:"listen_addr" validate:"required"`
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	// UserHeader names the header carrying the user authenticated by the
	// fronting proxy.
	UserHeader      string        `mapstructure:"user_header" yaml:"user_header" validate:"required"`
	MaxUploadSize   int64         `mapstructure:"max_upload_size" yaml:"max_upload_size" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`
}

// StorageConfig locates the shared root and the trash.
type StorageConfig struct {
	Root string `mapstructure:"root" yaml:"root" validate:"required"`
	// TrashDir is relative to Root unless absolute.
	TrashDir string `mapstructure:"trash_dir" yaml:"trash_dir" validate:"required"`
	// TrashRetention is how long trashed items are kept. Zero keeps them
	// forever.
	TrashRetention time.Duration `mapstructure:"trash_retention" yaml:"trash_retention" validate:"gte=0"`
	PurgeInterval  time.Duration `mapstructure:"purge_interval" yaml:"purge_interval" validate:"gt=0"`
}

// LocksConfig controls named lock acquisition.
type LocksConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
}

// RestoreConfig controls how restored items are renamed on collision.
type RestoreConfig struct {
	RenameFormat  string `mapstructure:"rename_format" yaml:"rename_format" validate:"required"`
	RenamePattern string `mapstructure:"rename_pattern" yaml:"rename_pattern" validate:"required"`
}

// UserConfig declares a known user.
type UserConfig struct {
	Name  string `mapstructure:"name" yaml:"name" validate:"required"`
	Admin bool   `mapstructure:"admin" yaml:"admin"`
}

// Load reads configPath, applies environment overrides and defaults, and
// validates the result. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// LoadDotEnv loads environment variables from path. A missing file is
// ignored.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Known keys must be registered for env overrides to reach Unmarshal.
	d := Default()
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	v.SetDefault("logging.compress", d.Logging.Compress)
	v.SetDefault("server.listen_addr", d.Server.ListenAddr)
	v.SetDefault("server.metrics_addr", d.Server.MetricsAddr)
	v.SetDefault("server.user_header", d.Server.UserHeader)
	v.SetDefault("server.max_upload_size", d.Server.MaxUploadSize)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("storage.root", d.Storage.Root)
	v.SetDefault("storage.trash_dir", d.Storage.TrashDir)
	v.SetDefault("storage.trash_retention", d.Storage.TrashRetention)
	v.SetDefault("storage.purge_interval", d.Storage.PurgeInterval)
	v.SetDefault("locks.timeout", d.Locks.Timeout)
	v.SetDefault("restore.rename_format", d.Restore.RenameFormat)
	v.SetDefault("restore.rename_pattern", d.Restore.RenamePattern)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(ConfigDir())
		v.SetConfigName("partage")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper, configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
			return nil
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

// ConfigDir returns the per-user configuration directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "partage")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "partage")
}

// LoggingConfig converts the logging section for logging.Init.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		Output:     c.Logging.Output,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
		Compress:   c.Logging.Compress,
	}
}

// ManagerConfig converts the storage, locks, restore and users sections.
func (c *Config) ManagerConfig() manager.Config {
	users := make([]share.User, len(c.Users))
	for i, u := range c.Users {
		users[i] = share.User{Name: u.Name, Admin: u.Admin}
	}
	return manager.Config{
		Root:          c.Storage.Root,
		TrashDir:      c.Storage.TrashDir,
		LockTimeout:   c.Locks.Timeout,
		RenameFormat:  c.Restore.RenameFormat,
		RenamePattern: c.Restore.RenamePattern,
		Users:         users,
	}
}
