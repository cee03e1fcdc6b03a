package model

type Config struct {
	Project ProjectConfig `yaml:"project"`
	Store   StoreConfig   `yaml:"store"`
	Catalog CatalogConfig `yaml:"catalog"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Journal JournalConfig `yaml:"journal"`
	Daemon  DaemonConfig  `yaml:"daemon"`
	Logging LoggingConfig `yaml:"logging"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Created     string `yaml:"created"`
}

type StoreConfig struct {
	StateFile string `yaml:"state_file"` // relative to the data dir
	Persist   bool   `yaml:"persist"`
}

type CatalogConfig struct {
	Path       string `yaml:"path"` // relative to the data dir
	Watch      bool   `yaml:"watch"`
	DebounceMs int    `yaml:"debounce_ms"`
}

type LedgerConfig struct {
	LockTimeoutSec int `yaml:"lock_timeout_sec"`
	HistoryLimit   int `yaml:"history_limit"`
}

type JournalConfig struct {
	Enabled      bool  `yaml:"enabled"`
	MaxSizeBytes int64 `yaml:"max_size_bytes"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
	ConnTimeoutSec     int `yaml:"conn_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func DefaultConfig() Config {
	return Config{
		Store:   StoreConfig{StateFile: "state/ledger.yaml", Persist: true},
		Catalog: CatalogConfig{Path: "catalog.yaml", Watch: true, DebounceMs: 300},
		Ledger:  LedgerConfig{LockTimeoutSec: 10, HistoryLimit: 20},
		Journal: JournalConfig{Enabled: true, MaxSizeBytes: 100 * 1024 * 1024},
		Daemon:  DaemonConfig{ShutdownTimeoutSec: 30, ConnTimeoutSec: 30},
		Logging: LoggingConfig{Level: "info"},
	}
}

// WithDefaults fills zero-valued numeric and path settings. Booleans are taken as written.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Store.StateFile == "" {
		c.Store.StateFile = d.Store.StateFile
	}
	if c.Catalog.Path == "" {
		c.Catalog.Path = d.Catalog.Path
	}
	if c.Catalog.DebounceMs <= 0 {
		c.Catalog.DebounceMs = d.Catalog.DebounceMs
	}
	if c.Ledger.LockTimeoutSec <= 0 {
		c.Ledger.LockTimeoutSec = d.Ledger.LockTimeoutSec
	}
	if c.Ledger.HistoryLimit <= 0 {
		c.Ledger.HistoryLimit = d.Ledger.HistoryLimit
	}
	if c.Journal.MaxSizeBytes <= 0 {
		c.Journal.MaxSizeBytes = d.Journal.MaxSizeBytes
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = d.Daemon.ShutdownTimeoutSec
	}
	if c.Daemon.ConnTimeoutSec <= 0 {
		c.Daemon.ConnTimeoutSec = d.Daemon.ConnTimeoutSec
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	return c
}
