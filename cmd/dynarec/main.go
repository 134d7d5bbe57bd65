package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dynarec/pkg/config"
	"dynarec/pkg/logging"
	"dynarec/pkg/net"
	"dynarec/pkg/staterepository"
	"dynarec/pkg/system"
)

type flags struct {
	configPath  string
	imagePath   string
	loadAddr    uint64
	cycles      int64
	paused      bool
	interpreter bool
	debugAddr   string
	metricsAddr string
	dataPath    string
}

func main() {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "Path to a TOML configuration file")
	flag.StringVar(&f.imagePath, "image", "", "Raw big-endian guest image; a built-in demo runs when empty")
	flag.Uint64Var(&f.loadAddr, "load-addr", math.MaxUint64, "Load address of the image (default: the entry point)")
	flag.Int64Var(&f.cycles, "cycles", 0, "Halt after this many guest cycles")
	flag.BoolVar(&f.paused, "paused", false, "Start paused and wait for a debugger")
	flag.BoolVar(&f.interpreter, "interpreter", false, "Disable the recompiler")
	flag.StringVar(&f.debugAddr, "debug", "", "UDP address of the debug server (overrides debug.listen)")
	flag.StringVar(&f.metricsAddr, "metrics", "", "TCP address of the metrics endpoint (overrides metrics.listen)")
	flag.StringVar(&f.dataPath, "data-path", "", "Savestate directory (overrides savestate.dir)")
	flag.Parse()

	if err := run(f); err != nil {
		fmt.Fprintf(os.Stderr, "dynarec: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(f flags) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return cfg, err
		}
	}
	if f.paused {
		cfg.Debug.StartPaused = true
	}
	if f.interpreter {
		cfg.JIT.Enabled = false
	}
	if f.debugAddr != "" {
		cfg.Debug.Listen = f.debugAddr
	}
	if f.metricsAddr != "" {
		cfg.Metrics.Listen = f.metricsAddr
	}
	if f.dataPath != "" {
		cfg.Savestate.Dir = f.dataPath
	}
	return cfg, cfg.Validate()
}

func run(f flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	var repo *staterepository.PebbleRepository
	if cfg.Savestate.Dir != "" {
		repo, err = staterepository.Open(cfg.Savestate.Dir, vfs.Default)
		if err != nil {
			return err
		}
		defer repo.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sys, err := system.New(cfg, system.Options{
		Logger:     log,
		Registerer: registry,
		Repository: repo,
		MaxCycles:  f.cycles,
	})
	if err != nil {
		return err
	}
	defer sys.Close()

	if err := loadGuest(sys, cfg, f); err != nil {
		return err
	}

	var debugServer *net.Server
	if cfg.Debug.Listen != "" {
		if debugServer, err = net.NewServer(sys, log); err != nil {
			return err
		}
		if err := debugServer.Listen(cfg.Debug.Listen); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	start := time.Now()
	g.Go(func() error {
		// A halted machine ends the process.
		defer cancel()
		return sys.Run(ctx)
	})

	if debugServer != nil {
		g.Go(func() error { return debugServer.Serve(ctx) })
	}

	if cfg.Metrics.Listen != "" {
		httpServer := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("metrics listening", zap.String("addr", cfg.Metrics.Listen))
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	report(log, sys, repo, cfg, time.Since(start))
	return err
}

func loadGuest(sys *system.System, cfg config.Config, f flags) error {
	if f.imagePath == "" {
		var constant [8]byte
		binary.BigEndian.PutUint64(constant[:], math.Float64bits(1.5))
		if err := sys.WriteMemory(demoConstant, constant[:]); err != nil {
			return err
		}
		return sys.LoadProgram(cfg.CPU.Entry, demoProgram...)
	}
	image, err := os.ReadFile(f.imagePath)
	if err != nil {
		return errors.Wrap(err, "read image")
	}
	addr := uint64(cfg.CPU.Entry)
	if f.loadAddr != math.MaxUint64 {
		addr = f.loadAddr
	}
	if addr > math.MaxUint32 {
		return errors.Newf("load address 0x%x outside the guest address space", addr)
	}
	return sys.WriteMemory(uint32(addr), image)
}

func report(log *zap.Logger, sys *system.System, repo *staterepository.PebbleRepository, cfg config.Config, elapsed time.Duration) {
	stats := sys.Stats()
	log.Info("machine stopped",
		zap.Duration("elapsed", elapsed),
		zap.Bool("halted", sys.Halted()),
		zap.Uint64("dispatches", stats.Dispatches),
		zap.Uint64("blocksCompiled", stats.BlocksCompiled),
		zap.Uint64("linksPatched", stats.LinksPatched),
		zap.Uint64("cacheClears", stats.CacheClears),
		zap.Uint64("interpreterSteps", stats.InterpreterSteps))

	if !cfg.JIT.Profiling {
		return
	}
	profile := sys.Profile()
	for i, p := range profile[:min(len(profile), 10)] {
		log.Info("hot block",
			zap.Int("rank", i+1),
			zap.String("start", fmt.Sprintf("0x%08x", p.Start)),
			zap.Int("instructions", p.Instructions),
			zap.Uint64("runs", p.Runs),
			zap.Uint64("cycles", p.TotalCycles()))
	}
	if repo != nil {
		id, err := sys.SaveProfile(time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			log.Warn("saving profile failed", zap.Error(err))
			return
		}
		log.Info("profile saved", zap.Stringer("id", id))
	}
}
