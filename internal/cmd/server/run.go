package serverrun

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/leonj1/river"
	"github.com/leonj1/river/adapter/sse"
	cfgpkg "github.com/leonj1/river/internal/config"
	"github.com/leonj1/river/internal/server"
	"github.com/leonj1/river/metrics"
	logpkg "github.com/leonj1/river/pkg/log"
	"github.com/leonj1/river/provider"
	"github.com/leonj1/river/runtime"

	// Registered durability backends.
	_ "github.com/leonj1/river/provider/memory"
	_ "github.com/leonj1/river/provider/pebble"
	_ "github.com/leonj1/river/provider/redis"
	_ "github.com/leonj1/river/provider/sqlite"
)

// Options carries the CLI-level overrides applied on top of the config file
// and environment.
type Options struct {
	ConfigPath string
	HTTPAddr   string
	Provider   string
	DataDir    string
}

// Run starts the river node and blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	// Be robust to callers that don't pass a signal-aware context
	// or if signal delivery needs to be observed here. We layer a
	// local signal context over the provided one.
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := cfgpkg.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	cfgpkg.FromEnv(&cfg)
	if opts.HTTPAddr != "" {
		cfg.HTTPAddr = opts.HTTPAddr
	}
	if opts.Provider != "" {
		cfg.Provider = opts.Provider
	}
	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}
	if cfg.DataDir == "" {
		cfg.DataDir = cfgpkg.DefaultDataDir()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	procLogger, err := logpkg.ApplyConfig(&cfg.Log)
	if err != nil {
		// Fallback to a sane default
		lvl := logpkg.InfoLevel
		if l, e := logpkg.ParseLevel(cfg.Log.Level); e == nil {
			lvl = l
		}
		procLogger = logpkg.NewLogger(logpkg.WithLevel(lvl), logpkg.WithFormatter(&logpkg.TextFormatter{}))
	}

	// Redirect stdlib logs (e.g., Pebble) to our logger
	logpkg.RedirectStdLog(procLogger)

	procLogger.Info("server.starting",
		logpkg.Str("http", cfg.HTTPAddr),
		logpkg.Str("provider", cfg.Provider),
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Str("level", cfg.Log.Level),
		logpkg.Str("format", cfg.Log.Format),
	)

	prov, err := openProvider(cfg, procLogger)
	if err != nil {
		return err
	}
	defer func() { _ = prov.Close() }()

	collector := metrics.New(nil)
	if err := collector.Register(); err != nil {
		return err
	}

	rt := runtime.New(runtime.Options{
		Logger:     procLogger,
		Metrics:    collector,
		LiveBuffer: cfg.LiveBuffer,
		ReadBatch:  cfg.ReadBatch,
		ReadBlock:  cfg.ReadBlock(),
	})

	router, err := river.NewRouter(demoDefinitions(prov)...)
	if err != nil {
		return err
	}
	caller := river.NewCaller(router, rt)
	handler := sse.NewHandler(caller, sse.HandlerOptions{Logger: procLogger})

	var wg sync.WaitGroup
	if cfg.RetentionAgeMs > 0 {
		if exp, ok := prov.(provider.Expirer); ok {
			wg.Add(1)
			go func() {
				defer wg.Done()
				janitor(sctx, exp, cfg, procLogger.With(logpkg.Component("janitor")))
			}()
		} else {
			procLogger.Warn("retention configured but provider has no expiry",
				logpkg.Str("provider", cfg.Provider))
		}
	}

	hsrv := server.New(server.Options{Logger: procLogger, Stream: handler})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(sctx, cfg.HTTPAddr); err != nil && sctx.Err() == nil {
			log.Printf("http error: %v", err)
		}
	}()

	<-sctx.Done()
	// Drain delivery sessions and the server before closing the provider to
	// avoid reads against a closed store.
	hsrv.Close()
	dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = rt.Shutdown(dctx)
	wg.Wait()
	return nil
}

// openProvider maps the configuration onto the registered factory.
func openProvider(cfg cfgpkg.Config, logger logpkg.Logger) (provider.Provider, error) {
	openOpts := provider.OpenOptions{
		Addr:          cfg.RedisAddr,
		Prefix:        cfg.RedisPrefix,
		Fsync:         cfg.Fsync,
		FsyncInterval: cfg.FsyncInterval(),
		Retention:     cfg.RetentionAge(),
		Logger:        logger,
	}
	switch cfg.Provider {
	case "pebble":
		openOpts.DataDir = filepath.Join(cfg.DataDir, "store")
	case "sqlite":
		openOpts.Path = cfg.SQLitePath
		if openOpts.Path == "" {
			openOpts.Path = filepath.Join(cfg.DataDir, "river.db")
		}
	}
	if openOpts.DataDir != "" {
		if err := os.MkdirAll(openOpts.DataDir, 0o755); err != nil {
			return nil, err
		}
	}
	if openOpts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(openOpts.Path), 0o755); err != nil {
			return nil, err
		}
	}
	return provider.Open(cfg.Provider, openOpts)
}

// janitor periodically expires finished runs older than the retention
// window.
func janitor(ctx context.Context, exp provider.Expirer, cfg cfgpkg.Config, logger logpkg.Logger) {
	ticker := time.NewTicker(cfg.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := exp.ExpireFinished(ctx, "", cfg.RetentionAge())
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("janitor.sweep", logpkg.Err(err))
				}
				continue
			}
			if removed > 0 {
				logger.Info("janitor.sweep", logpkg.Int("removed", removed))
			}
		}
	}
}
