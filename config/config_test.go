package config_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/shmcore/config"
	"github.com/vkngwrapper/shmcore/memutils"
	"github.com/vkngwrapper/shmcore/shm"
	"golang.org/x/exp/slog"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("SHM_WINDOW_BASE", "0x80000000")
	t.Setenv("SHM_WINDOW_SIZE", "1048576")
	t.Setenv("SHM_PAGE_SIZE", "16384")
	t.Setenv("SHM_MAX_GROUPS", "12")
	t.Setenv("SHM_PHYS_BASE", "0x200000")
	t.Setenv("SHM_DEBUG", "true")
	t.Setenv("SHM_LOG_LEVEL", "debug")
	t.Setenv("SHM_EXTERNALLY_SYNCHRONIZED", "true")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, &config.Config{
		WindowBase:             0x80000000,
		WindowSize:             1048576,
		PageSize:               16384,
		MaxGroups:              12,
		PhysBase:               0x200000,
		PhysSize:               64 * 1024 * 1024,
		Debug:                  true,
		LogLevel:               slog.LevelDebug,
		ExternallySynchronized: true,
	}, cfg)

	registry := prometheus.NewRegistry()
	options := cfg.CreateOptions(registry)
	require.Equal(t, shm.CreateOptions{
		Flags:      shm.ManagerCreateExternallySynchronized,
		WindowBase: 0x80000000,
		WindowSize: 1048576,
		PageSize:   16384,
		MaxGroups:  12,
		Debug:      true,
		Registerer: registry,
	}, options)

	pageOptions := cfg.PageAllocatorOptions()
	require.Equal(t, shm.PhysAddr(0x200000), pageOptions.Base)
	require.Equal(t, 16384, pageOptions.PageSize)
	require.True(t, pageOptions.ExternallySynchronized)

	_, err = shm.New(nil, options)
	require.NoError(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("SHM_PAGE_SIZE", "3000")

	_, err := config.Load()
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))
	require.Equal(t, config.Default(), config.LoadOrDefault())
}

func TestLoad_Unparseable(t *testing.T) {
	t.Setenv("SHM_WINDOW_SIZE", "lots")

	_, err := config.Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())

	cfg.WindowBase = 0x40000010
	require.Error(t, cfg.Validate())

	cfg = config.Default()
	cfg.WindowBase = 0
	require.Error(t, cfg.Validate())

	cfg = config.Default()
	cfg.WindowSize = 100
	require.Error(t, cfg.Validate())

	cfg = config.Default()
	cfg.PhysBase = 0x100010
	require.Error(t, cfg.Validate())

	cfg = config.Default()
	cfg.PhysSize = 0
	require.Error(t, cfg.Validate())

	cfg = config.Default()
	cfg.MaxGroups = -1
	require.Error(t, cfg.Validate())
}
