package config

import (
	"github.com/cockroachdb/errors"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vkngwrapper/shmcore/memutils"
	"github.com/vkngwrapper/shmcore/pgalloc"
	"github.com/vkngwrapper/shmcore/shm"
	"golang.org/x/exp/slog"
)

// Prefix is prepended to every environment variable read by Load
const Prefix = "SHM"

// Config holds the shared memory configuration
type Config struct {
	// WindowBase and WindowSize describe the shared memory window of every task group
	WindowBase uint64 `envconfig:"WINDOW_BASE" default:"0x40000000"`
	WindowSize int    `envconfig:"WINDOW_SIZE" default:"16777216"`
	PageSize   int    `envconfig:"PAGE_SIZE" default:"4096"`
	MaxGroups  int    `envconfig:"MAX_GROUPS" default:"0"`

	// PhysBase and PhysSize describe the physical memory segments are backed by
	PhysBase uint64 `envconfig:"PHYS_BASE" default:"0x100000"`
	PhysSize int    `envconfig:"PHYS_SIZE" default:"67108864"`

	Debug                  bool       `envconfig:"DEBUG" default:"false"`
	LogLevel               slog.Level `envconfig:"LOG_LEVEL" default:"INFO"`
	ExternallySynchronized bool       `envconfig:"EXTERNALLY_SYNCHRONIZED" default:"false"`
}

// Load loads configuration from SHM_ environment variables
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		WindowBase: 0x40000000,
		WindowSize: 16 * 1024 * 1024,
		PageSize:   shm.DefaultPageSize,
		PhysBase:   0x100000,
		PhysSize:   64 * 1024 * 1024,
		LogLevel:   slog.LevelInfo,
	}
}

// Validate checks the settings that shm.New and pgalloc.New would otherwise reject, so that a
// bad environment is reported before anything is built
func (c *Config) Validate() error {
	if err := memutils.CheckPow2(c.PageSize, "SHM_PAGE_SIZE"); err != nil {
		return err
	}

	if c.WindowBase == 0 || !memutils.IsAligned(c.WindowBase, uint64(c.PageSize)) {
		return errors.Newf("SHM_WINDOW_BASE %#x must be nonzero and aligned to SHM_PAGE_SIZE %d", c.WindowBase, c.PageSize)
	}

	if c.WindowSize < c.PageSize {
		return errors.Newf("SHM_WINDOW_SIZE %d must hold at least one page", c.WindowSize)
	}

	if !memutils.IsAligned(c.PhysBase, uint64(c.PageSize)) {
		return errors.Newf("SHM_PHYS_BASE %#x must be aligned to SHM_PAGE_SIZE %d", c.PhysBase, c.PageSize)
	}

	if c.PhysSize < c.PageSize {
		return errors.Newf("SHM_PHYS_SIZE %d must hold at least one page", c.PhysSize)
	}

	if c.MaxGroups < 0 {
		return errors.Newf("SHM_MAX_GROUPS %d must not be negative", c.MaxGroups)
	}

	return nil
}

// CreateOptions converts the configuration into manager options. registerer may be nil.
func (c *Config) CreateOptions(registerer prometheus.Registerer) shm.CreateOptions {
	var flags shm.CreateFlags
	if c.ExternallySynchronized {
		flags |= shm.ManagerCreateExternallySynchronized
	}

	return shm.CreateOptions{
		Flags:      flags,
		WindowBase: uintptr(c.WindowBase),
		WindowSize: c.WindowSize,
		PageSize:   c.PageSize,
		MaxGroups:  c.MaxGroups,
		Debug:      c.Debug,
		Registerer: registerer,
	}
}

// PageAllocatorOptions converts the configuration into physical page allocator options
func (c *Config) PageAllocatorOptions() pgalloc.CreateOptions {
	return pgalloc.CreateOptions{
		Base:                   shm.PhysAddr(c.PhysBase),
		Size:                   c.PhysSize,
		PageSize:               c.PageSize,
		ExternallySynchronized: c.ExternallySynchronized,
	}
}
