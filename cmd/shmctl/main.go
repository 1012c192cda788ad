package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/vkngwrapper/shmcore/addrenv"
	"github.com/vkngwrapper/shmcore/config"
	"github.com/vkngwrapper/shmcore/pgalloc"
	"github.com/vkngwrapper/shmcore/shm"
	"golang.org/x/exp/slog"
)

func main() {
	groupCount := flag.Int("groups", 2, "number of task groups to create")
	segmentCount := flag.Int("segments", 2, "number of segments every group attaches")
	segmentPages := flag.Int("pages", 2, "size of each segment in pages")
	detailed := flag.Bool("detailed", false, "print the detailed window and segment map")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	logger := slog.New(slog.HandlerOptions{Level: cfg.LogLevel}.NewTextHandler(os.Stderr))

	err = run(logger, cfg, *groupCount, *segmentCount, *segmentPages, *detailed)
	if err != nil {
		logger.Error("shmctl failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(logger *slog.Logger, cfg *config.Config, groupCount, segmentCount, segmentPages int, detailed bool) error {
	registry := prometheus.NewRegistry()

	manager, err := shm.New(logger, cfg.CreateOptions(registry))
	if err != nil {
		return err
	}

	pages, err := pgalloc.New(logger, cfg.PageAllocatorOptions())
	if err != nil {
		return err
	}

	groups := make([]*addrenv.Group, 0, groupCount)
	for i := 0; i < groupCount; i++ {
		group, err := addrenv.NewGroup(i+1, cfg.PageSize, !cfg.ExternallySynchronized)
		if err != nil {
			return err
		}

		err = manager.InitializeGroup(group)
		if err != nil {
			return err
		}
		groups = append(groups, group)
	}

	segments := make([]shm.SegmentID, 0, segmentCount)
	for i := 0; i < segmentCount; i++ {
		backing, err := pages.Allocate(segmentPages * cfg.PageSize)
		if err != nil {
			return err
		}

		segment, err := manager.CreateSegment(segmentPages*cfg.PageSize, backing)
		if err != nil {
			return err
		}
		segments = append(segments, segment.ID())
	}

	for _, group := range groups {
		for _, id := range segments {
			addr, err := manager.Attach(group, id, 0)
			if err != nil {
				return err
			}
			logger.Info("attached", slog.Int("group", group.ID()), slog.Int("segment", int(id)), slog.String("address", fmt.Sprintf("%#x", addr)))
		}
	}

	for _, id := range segments {
		err = manager.RemoveSegment(id)
		if err != nil {
			return err
		}
	}

	fmt.Println(manager.BuildStatsString(detailed))

	if err = manager.Validate(); err != nil {
		return err
	}

	for _, group := range groups {
		manager.ExitGroup(group)
	}

	fmt.Println(manager.BuildStatsString(detailed))
	fmt.Printf("free physical pages: %d\n", pages.FreePages())

	families, err := registry.Gather()
	if err != nil {
		return err
	}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				fmt.Printf("%s %v\n", family.GetName(), metric.GetCounter().GetValue())
			case metric.GetGauge() != nil:
				fmt.Printf("%s %v\n", family.GetName(), metric.GetGauge().GetValue())
			}
		}
	}

	return nil
}
