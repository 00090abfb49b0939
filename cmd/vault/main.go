package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/agentvault/internal/agent"
	"github.com/nidhogg/agentvault/internal/api"
	"github.com/nidhogg/agentvault/internal/config"
	"github.com/nidhogg/agentvault/internal/events"
	"github.com/nidhogg/agentvault/internal/persist"
	"github.com/nidhogg/agentvault/internal/provider"
	"github.com/nidhogg/agentvault/internal/registry"
	"github.com/nidhogg/agentvault/internal/serial"
	"github.com/nidhogg/agentvault/internal/state"
	pgstore "github.com/nidhogg/agentvault/internal/store"
	"github.com/nidhogg/agentvault/internal/tool"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/vault.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}
	if err := cfg.Finalize(); err != nil {
		fmt.Fprintf(os.Stderr, "config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Server)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger.Info("Starting agent vault...", zap.String("config", cfgPath))

	ctx := context.Background()

	// Provider router
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		p, err := provider.NewOpenAIProvider(pc, logger)
		if err != nil {
			logger.Fatal("invalid provider", zap.String("id", pc.ID), zap.Error(err))
		}
		router.Register(p, pc.Models...)
	}

	// Tool catalog and serialization
	catalog := tool.NewCatalog()
	tool.RegisterBuiltins(catalog)
	serializer := serial.NewEngine(catalog, logger)
	scripts, err := tool.LoadScripts(cfg.ScriptsDir)
	if err != nil {
		logger.Fatal("failed to load script tools", zap.String("dir", cfg.ScriptsDir), zap.Error(err))
	}
	logger.Info("Tool catalog ready", zap.Strings("kinds", catalog.Kinds()), zap.Int("scripts", len(scripts)))

	// State store
	var (
		store   state.Store
		closers []func()
	)
	switch cfg.State.Backend {
	case config.BackendPostgres:
		ps, err := pgstore.New(ctx, cfg.Database.Postgres.DSN, logger,
			pgstore.WithQuarantine(cfg.State.QuarantineEnabled()))
		if err != nil {
			logger.Fatal("PostgreSQL unavailable", zap.Error(err))
		}
		if err := ps.Migrate(ctx); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
		store = ps
		closers = append(closers, ps.Close)
	default:
		fs, err := state.NewFileStore(cfg.State.BaseDir,
			state.WithInlineLimit(cfg.State.InlineLimit()),
			state.WithQuarantine(cfg.State.QuarantineEnabled()),
			state.WithLogger(logger))
		if err != nil {
			logger.Fatal("failed to open state directory", zap.String("dir", cfg.State.BaseDir), zap.Error(err))
		}
		if _, err := fs.Sweep(ctx); err != nil {
			logger.Warn("sweep failed", zap.Error(err))
		}
		store = fs
		closers = append(closers, func() { fs.Close() })
	}

	installer := agent.NewCommandInstaller(cfg.State.InstallTimeoutDuration(), logger)
	factory := func(id string, ac state.Config) (persist.Delegate, error) {
		return agent.NewEngine(id, agent.Options{
			Model:     ac.Model,
			Timeout:   time.Duration(ac.TimeoutSeconds) * time.Second,
			Router:    router,
			Installer: installer,
			Logger:    logger,
		}), nil
	}

	opts := []registry.Option{
		registry.WithLogger(logger),
		registry.WithSerializer(serializer),
		registry.WithLockTimeout(cfg.State.LockTimeoutDuration()),
		registry.WithDefaults(cfg.Defaults),
		registry.WithMaxResident(cfg.State.MaxResident),
	}

	// Change events
	var bus *events.Bus
	if cfg.Database.Redis.URL != "" {
		b, err := events.NewBus(ctx, cfg.Database.Redis.URL, logger)
		if err != nil {
			logger.Warn("Redis unavailable, running without change events", zap.Error(err))
		} else {
			bus = b.WithStream(cfg.Database.Redis.Stream)
			opts = append(opts, registry.WithPublisher(bus))
		}
	}

	reg := registry.New(store, factory, opts...)
	reg.Start(cfg.State.EvictIntervalDuration(), cfg.State.IdleTimeoutDuration())

	subCtx, stopSub := context.WithCancel(ctx)
	var subDone <-chan struct{}
	if bus != nil {
		subDone = bus.Subscribe(subCtx, reg.HandleEvent)
		logger.Info("Subscribed to change events", zap.String("origin", reg.Origin()))
	}

	handler := api.NewHandler(reg, serializer, scripts, logger)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Agent vault listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down agent vault...")
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeoutDuration())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	stopSub()
	if subDone != nil {
		<-subDone
	}
	if err := reg.Shutdown(shutdownCtx); err != nil {
		logger.Error("some agents could not be flushed", zap.Error(err))
	}
	if bus != nil {
		bus.Close()
	}
	for _, c := range closers {
		c()
	}
}

func newLogger(sc config.ServerConfig) (*zap.Logger, error) {
	zc := zap.NewDevelopmentConfig()
	if sc.LogFormat == "json" {
		zc = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(sc.LogLevel)
	if err != nil {
		return nil, err
	}
	zc.Level = level
	return zc.Build()
}
