package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/novahub/nova-hub/internal/catalog"
	"github.com/novahub/nova-hub/internal/config"
	"github.com/novahub/nova-hub/internal/db"
	"github.com/novahub/nova-hub/internal/eventbus"
	"github.com/novahub/nova-hub/internal/httpapi"
	"github.com/novahub/nova-hub/internal/metrics"
	"github.com/novahub/nova-hub/internal/processor"
	"github.com/novahub/nova-hub/internal/runner"
	"github.com/novahub/nova-hub/internal/sequence"
	"github.com/novahub/nova-hub/internal/stats"
	"github.com/novahub/nova-hub/internal/watcher"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: nova-hub <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the routing hub (HTTP boundary, watcher, batch processor)")
	fmt.Println("  migrate   Run database migrations")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Server.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Server.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting nova-hub",
		zap.String("http_listen", cfg.Server.HTTPListen),
		zap.String("data_dir", cfg.Server.DataDir),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	store, err := catalog.New(pool, logger.Named("catalog"))
	if err != nil {
		logger.Fatal("failed to initialize catalog", zap.Error(err))
	}

	layout := processor.Layout{DataDir: cfg.Server.DataDir}
	if err := layout.EnsureBase(); err != nil {
		logger.Fatal("failed to create packet directories", zap.Error(err))
	}

	bus := eventbus.New(logger.Named("eventbus"))

	dosRunner := runner.New(runner.Config{
		EmulatorPath: cfg.Dosemu.Path,
		WorkRoot:     filepath.Join(cfg.Server.DataDir, "work"),
		Timeout:      time.Duration(cfg.Dosemu.TimeoutSeconds) * time.Second,
	}, logger.Named("runner"))

	checker := sequence.NewChecker(store, bus, logger.Named("sequence"))

	statsAgg := stats.New(store)

	proc := processor.New(store, dosRunner, bus, checker, statsAgg, cfg.Server.DataDir, cfg.Leagues, cfg.Hub.BBSIndex, logger.Named("processor"))

	auth := httpapi.NewAuthenticator(store, cfg.Security.JWTSecret, logger.Named("auth"))

	httpServer := httpapi.NewServer(
		cfg.Server.HTTPListen, pool, store, proc, bus, statsAgg, layout, auth,
		cfg.Hub.BBSIndex, cfg.Hub.AutoCreateLeagues, logger.Named("httpapi"),
	)
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	watchErrs := make(chan error, 1)
	routes, err := watcherRoutes(cfg, dosRunner)
	if err != nil {
		logger.Fatal("failed to resolve watcher routes", zap.Error(err))
	}
	if len(routes) > 0 {
		dirWatcher := watcher.New(store, bus, func(string, string) string { return layout.PacketsOutbound() }, logger.Named("watcher"))
		go func() { watchErrs <- dirWatcher.Run(ctx, routes) }()
		logger.Info("directory watcher started", zap.Int("routes", len(routes)))
	} else {
		logger.Warn("no leagues configured, directory watcher has nothing to follow")
	}

	var pollWG sync.WaitGroup
	startIdlePollers(ctx, cfg, proc, logger, &pollWG)

	logger.Info("nova-hub serving", zap.String("addr", cfg.Server.HTTPListen))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-watchErrs:
		if err != nil {
			logger.Error("directory watcher stopped", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancel()
	pollWG.Wait()

	logger.Info("nova-hub stopped")
}

// startIdlePollers fires processor.Trigger on a per-league timer for
// any league configuring poll_interval_seconds, so a backlog left by
// a missed watcher event still drains eventually.
func startIdlePollers(ctx context.Context, cfg *config.Config, proc *processor.Processor, logger *zap.Logger, wg *sync.WaitGroup) {
	for key, lg := range cfg.Leagues {
		if lg.PollIntervalSeconds <= 0 {
			continue
		}
		interval := time.Duration(lg.PollIntervalSeconds) * time.Second
		wg.Add(1)
		go func(key string, interval time.Duration) {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					logger.Debug("idle poll trigger firing", zap.String("league", key))
					proc.Trigger(ctx)
				}
			}
		}(key, interval)
	}
}

// watcherRoutes builds one watcher.Route per configured league per
// game family, pointed at that league's own sandboxed outbound
// directory (the same one the batch processor's runner stages a
// command's working directory under) so mail the DOS command drops
// there between batch runs gets picked up as soon as it settles.
func watcherRoutes(cfg *config.Config, r *runner.Runner) ([]watcher.Route, error) {
	seen := map[string]bool{}
	var routes []watcher.Route
	for key := range cfg.Leagues {
		if len(key) < 2 {
			continue
		}
		game := key[len(key)-1:]
		number := key[:len(key)-1]
		if game != "B" && game != "F" {
			continue
		}
		routeKey := number + game
		if seen[routeKey] {
			continue
		}
		seen[routeKey] = true

		_, _, outbound, err := r.WorkDir(runner.Route{LeagueNumber: number, Game: game})
		if err != nil {
			return nil, fmt.Errorf("resolve working directory for %s: %w", routeKey, err)
		}
		routes = append(routes, watcher.Route{
			LeagueNumber: number,
			Game:         game,
			Dir:          outbound,
		})
	}
	return routes, nil
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations", zap.String("dsn", redactDSN(cfg.Postgres.DSN)))

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
