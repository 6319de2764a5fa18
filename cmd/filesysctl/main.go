// Command filesysctl formats a device file, mounts it through the buffer
// cache and inode engine, and runs a small set of demonstration
// operations (create, write, read back, stat) while optionally exposing
// Prometheus metrics and rotating logs — a thin harness over the
// device/cache/inode/fsio packages, mirroring the teacher's cmd/mount.go
// style entrypoint.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/coursework-os/filesys/cache"
	"github.com/coursework-os/filesys/device"
	"github.com/coursework-os/filesys/freemap"
	"github.com/coursework-os/filesys/fsio"
	"github.com/coursework-os/filesys/inode"
	"github.com/coursework-os/filesys/internal/clock"
	"github.com/coursework-os/filesys/internal/config"
	"github.com/coursework-os/filesys/internal/logger"
	"github.com/coursework-os/filesys/internal/metrics"
)

// reservedSectors covers sector 0 (boot/free-map metadata, unused by this
// module) and sector 1, inode.RootSector.
const reservedSectors = device.SectorID(2)

// defaultSectorCount sizes a freshly formatted device at roughly 16MiB,
// comfortably above inode.MaxFileBytes for the demo's single test file.
const defaultSectorCount = device.SectorID(32 * 1024)

func main() {
	flagSet := pflag.NewFlagSet("filesysctl", pflag.ExitOnError)
	if err := config.BindFlags(flagSet); err != nil {
		fmt.Fprintln(os.Stderr, "filesysctl: binding flags:", err)
		os.Exit(1)
	}
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "filesysctl:", err)
		os.Exit(1)
	}

	cfg, err := config.Resolve()
	if err != nil {
		fmt.Fprintln(os.Stderr, "filesysctl: resolving config:", err)
		os.Exit(1)
	}
	if cfg.DevicePath == "" {
		fmt.Fprintln(os.Stderr, "filesysctl: --device-path is required")
		os.Exit(1)
	}

	logger.Init(logger.Options{LogFile: cfg.LogFile, Level: slog.LevelInfo})

	reg := prometheus.NewRegistry()
	m := metrics.NewRegistry(reg)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.L().Warn("filesysctl: metrics server stopped", "error", err)
			}
		}()
		logger.L().Info("filesysctl: serving metrics", "addr", cfg.MetricsAddr)
	}

	if err := run(cfg, m); err != nil {
		logger.L().Error("filesysctl: fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, m *metrics.Registry) error {
	dev, err := device.OpenFileDevice(cfg.DevicePath, device.Options{
		SectorCount: defaultSectorCount,
		DirectIO:    cfg.DirectIO,
	})
	if err != nil {
		return fmt.Errorf("opening device: %w", err)
	}
	defer dev.Close()

	c := cache.NewCache(dev, cfg.CacheCapacity, cache.Options{
		Clock:         clock.RealClock{},
		FlushInterval: 5 * cfg.TickFrequency,
		Metrics:       m,
	})
	defer c.Stop()

	free := freemap.NewBitmapAllocator(defaultSectorCount, reservedSectors)
	eng := inode.NewEngine(dev, c, free, m)
	eng.Init()

	if err := eng.Create(inode.RootSector, 0, true); err != nil {
		logger.L().Warn("filesysctl: root inode create skipped (already formatted?)", "error", err)
	}

	demoSector, ok := free.Allocate()
	if !ok {
		return fmt.Errorf("no free sectors for demo file")
	}
	if err := eng.Create(demoSector, 0, false); err != nil {
		return fmt.Errorf("creating demo inode: %w", err)
	}

	in, err := eng.Open(demoSector)
	if err != nil {
		return fmt.Errorf("opening demo inode: %w", err)
	}
	defer in.Close()

	f := fsio.Open(in)
	payload := []byte("filesysctl demo payload\n")
	if _, err := f.WriteAt(payload, 0); err != nil {
		return fmt.Errorf("writing demo payload: %w", err)
	}

	readBack := make([]byte, len(payload))
	if _, err := f.ReadAt(readBack, 0); err != nil {
		return fmt.Errorf("reading demo payload back: %w", err)
	}

	if err := c.FlushAll(true); err != nil {
		return fmt.Errorf("flushing cache: %w", err)
	}

	logger.L().Info("filesysctl: demo complete",
		"device", cfg.DevicePath,
		"demo_sector", demoSector,
		"size", f.Size(),
		"echo", string(readBack),
	)

	return nil
}
