package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/KevoDB/diskcache/pkg/common/log"
	"github.com/KevoDB/diskcache/pkg/config"
	"github.com/KevoDB/diskcache/pkg/diskcache"
	"github.com/KevoDB/diskcache/pkg/scheduler"
	"github.com/KevoDB/diskcache/pkg/telemetry"
)

// Options holds the command line settings
type Options struct {
	ConfigFile      string
	Dir             string
	Region          string
	BlockSize       int
	MaxKeys         int
	LimitType       string
	Serializer      string
	PersistInterval time.Duration
	AdminAddr       string
	Headless        bool
}

func main() {
	opts := parseFlags()

	file, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}

	logger, err := file.Log.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	log.SetDefaultLogger(logger)

	tel, err := telemetry.New(file.Telemetry)
	if err != nil {
		logger.Warn("Telemetry disabled: %v", err)
		tel = telemetry.NewDisabled()
	}

	sched := scheduler.NewTickerScheduler(logger)
	regions, err := openRegions(file.Regions,
		diskcache.WithLogger(logger),
		diskcache.WithScheduler(sched),
		diskcache.WithTelemetry(tel),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening regions: %s\n", err)
		os.Exit(1)
	}

	var admin *AdminServer
	if file.Admin.Addr != "" {
		admin = NewAdminServer(file.Admin.Addr, regions, telemetry.HandlerFor(tel), logger)
		admin.Start()
	}

	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if admin != nil {
				if err := admin.Shutdown(ctx); err != nil {
					logger.Error("%v", err)
				}
			}
			if err := regions.DisposeAll(); err != nil {
				logger.Error("Dispose failed: %v", err)
			}
			if err := sched.Shutdown(ctx); err != nil {
				logger.Error("Scheduler shutdown failed: %v", err)
			}
			if err := tel.Shutdown(ctx); err != nil {
				logger.Error("Telemetry shutdown failed: %v", err)
			}
		})
	}
	setupGracefulShutdown(shutdown)

	if opts.Headless {
		logger.Info("Running headless with regions %v", regions.Names())
		select {}
	}

	region := opts.Region
	if _, ok := regions.Get(region); !ok {
		region = regions.Names()[0]
	}
	sh, err := newShell(regions, region, os.Stdout)
	if err != nil {
		shutdown()
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}

	fmt.Println("diskcache shell. Enter .help for usage hints.")
	if err := sh.run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	}
	shutdown()
}

// parseFlags parses command line flags and returns the options
func parseFlags() Options {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "diskcache - block based disk cache\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: diskcache [options]\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Regions come from -config, or a single region is built from the flags.\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Options:\n")
		flag.PrintDefaults()
	}

	var opts Options
	flag.StringVar(&opts.ConfigFile, "config", "", "Configuration file (TOML, YAML or JSON)")
	flag.StringVar(&opts.Dir, "dir", config.DefaultDir, "Directory holding region files")
	flag.StringVar(&opts.Region, "region", "default", "Region to open in the shell")
	flag.IntVar(&opts.BlockSize, "block-size", 0, "Block size in bytes (0 keeps the region's recorded size, 4096 for new regions)")
	flag.IntVar(&opts.MaxKeys, "max-keys", 0, "Key limit: a count, or kilobytes with -limit-type size (0 = unbounded)")
	flag.StringVar(&opts.LimitType, "limit-type", string(config.LimitCount), "Key limit type: count or size")
	flag.StringVar(&opts.Serializer, "serializer", "standard", "Element serializer: standard, zstd or s2")
	flag.DurationVar(&opts.PersistInterval, "persist-interval", 30*time.Second, "Key file save interval (0 disables)")
	flag.StringVar(&opts.AdminAddr, "admin", "", "Address of the admin HTTP server (disabled when empty)")
	flag.BoolVar(&opts.Headless, "headless", false, "Serve the admin endpoints without the shell")
	flag.Parse()

	return opts
}

// loadConfig reads the configuration file, or builds one region from the
// flags when there is none or it lists no regions.
func loadConfig(opts Options) (*config.File, error) {
	file, err := config.Load(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	if opts.AdminAddr != "" {
		file.Admin.Addr = opts.AdminAddr
	}
	if len(file.Regions) > 0 {
		return file, nil
	}

	limit, err := config.ParseDiskLimitType(opts.LimitType)
	if err != nil {
		return nil, err
	}
	rc := config.NewDefaultRegionConfig(opts.Region, opts.Dir)
	rc.BlockSizeBytes = opts.BlockSize
	rc.MaxKeySize = opts.MaxKeys
	rc.DiskLimitType = limit
	rc.Serializer = opts.Serializer
	rc.KeyPersistenceInterval = opts.PersistInterval
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	file.Regions = []config.RegionConfig{*rc}
	return file, nil
}

// setupGracefulShutdown disposes every region on SIGINT or SIGTERM
func setupGracefulShutdown(shutdown func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
		shutdown()
		fmt.Println("Shutdown complete")
		os.Exit(0)
	}()
}
