package config

import (
	"strings"
	"time"

	"github.com/vdust/partage/internal/manager"
	"github.com/vdust/partage/internal/trash"
)

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero fields with their defaults. Explicit values are
// kept.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyStorageDefaults(&cfg.Storage)
	if cfg.Locks.Timeout == 0 {
		cfg.Locks.Timeout = 30 * time.Second
	}
	if cfg.Restore.RenameFormat == "" {
		cfg.Restore.RenameFormat = trash.DefaultRenameFormat
	}
	if cfg.Restore.RenamePattern == "" {
		cfg.Restore.RenamePattern = trash.DefaultRenamePattern
	}
	for i := range cfg.Users {
		cfg.Users[i].Name = strings.TrimSpace(cfg.Users[i].Name)
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	cfg.Level = strings.ToLower(cfg.Level)
	if cfg.Format == "" {
		cfg.Format = "json"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
	if cfg.MaxSizeMB == 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups == 0 {
		cfg.MaxBackups = 5
	}
	if cfg.MaxAgeDays == 0 {
		cfg.MaxAgeDays = 28
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9090"
	}
	if cfg.UserHeader == "" {
		cfg.UserHeader = "X-Remote-User"
	}
	if cfg.MaxUploadSize == 0 {
		cfg.MaxUploadSize = 1 << 30
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.Root == "" {
		cfg.Root = "./data"
	}
	if cfg.TrashDir == "" {
		cfg.TrashDir = manager.DefaultTrashDir
	}
	if cfg.PurgeInterval == 0 {
		cfg.PurgeInterval = 6 * time.Hour
	}
}
