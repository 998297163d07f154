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

	"github.com/roadpulse/fleet-ingester/internal/aggregate"
	"github.com/roadpulse/fleet-ingester/internal/config"
	"github.com/roadpulse/fleet-ingester/internal/db"
	"github.com/roadpulse/fleet-ingester/internal/detect"
	"github.com/roadpulse/fleet-ingester/internal/httpapi"
	"github.com/roadpulse/fleet-ingester/internal/ingest"
	"github.com/roadpulse/fleet-ingester/internal/kafka"
	"github.com/roadpulse/fleet-ingester/internal/metrics"
	"github.com/roadpulse/fleet-ingester/internal/roughness"
	"github.com/roadpulse/fleet-ingester/internal/server"
	"github.com/roadpulse/fleet-ingester/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
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
	case "detect":
		runDetect()
	case "aggregate":
		runAggregate()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: fleet-ingester <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve       Start the device listener, detector and aggregator")
	fmt.Println("  migrate     Run database migrations")
	fmt.Println("  detect      Run one event-detector pass and exit")
	fmt.Println("  aggregate   Aggregate segment stats for a day and exit")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
	fmt.Println("  --date <YYYY-MM-DD> Day to aggregate (default: yesterday, UTC)")
}

func parseFlags(args []string) (configPath, logLevel, date string) {
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
		case "--date":
			if i+1 < len(args) {
				date = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger, string) {
	configPath, logLevelOverride, date := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger, date
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

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func connect(ctx context.Context, cfg *config.Config, logger *zap.Logger) *store.Postgres {
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	return store.NewPostgres(pool, logger.Named("store"))
}

func thresholds(cfg *config.Config) detect.Thresholds {
	return detect.Thresholds{
		MediumMg:   cfg.Roughness.MediumMg,
		HighMg:     cfg.Roughness.HighMg,
		CriticalMg: cfg.Roughness.CriticalMg,
	}
}

func iriParams(cfg *config.Config) roughness.IRIParams {
	return roughness.IRIParams{
		K:                cfg.Roughness.IRIK,
		SpeedBaselineKmh: cfg.Roughness.IRISpeedBaselineKmh,
		GoodMax:          cfg.Roughness.IRIGood,
		FairMax:          cfg.Roughness.IRIFair,
		PoorMax:          cfg.Roughness.IRIPoor,
	}
}

func runServe() {
	cfg, logger, _ := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting fleet-ingester",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.Int("tcp_port", cfg.TCP.Port),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg := connect(ctx, cfg, logger)
	defer pg.Close()

	// --- Ingestion pipeline ---
	devices := ingest.NewDeviceValidator(pg,
		time.Duration(cfg.Cache.DeviceTTLMs)*time.Millisecond,
		time.Duration(cfg.Cache.DeviceNegativeTTLMs)*time.Millisecond,
		cfg.Cache.DeviceMax,
	)
	segments := ingest.NewSegmentResolver(pg,
		cfg.Cache.SegmentProximityM,
		cfg.Cache.SegmentMax,
		logger.Named("ingest.segments"),
	)
	ingestService := ingest.NewService(pg, devices, segments, ingest.Options{
		LoadInputID:  cfg.Ingest.LoadInputID,
		MaxClockSkew: time.Duration(cfg.Ingest.MaxSkewMs) * time.Millisecond,
		StoreRaw:     cfg.Ingest.StoreRaw,
		CompressRaw:  cfg.Ingest.CompressRaw,
	}, logger.Named("ingest"))

	deviceServer := server.New(server.Options{
		Addr:          fmt.Sprintf(":%d", cfg.TCP.Port),
		FrameCapBytes: cfg.TCP.FrameCapBytes,
		IdleTimeout:   time.Duration(cfg.TCP.IdleTimeoutMs) * time.Millisecond,
		IngestWorkers: cfg.TCP.IngestWorkers,
	}, ingestService, logger.Named("server"))
	if err := deviceServer.Listen(); err != nil {
		logger.Fatal("failed to bind device port", zap.Error(err))
	}

	// --- Event publisher (optional) ---
	var publisher detect.EventPublisher
	if cfg.Kafka.Enabled {
		kp, err := kafka.NewEventPublisher(cfg.Kafka, logger.Named("kafka"))
		if err != nil {
			logger.Fatal("failed to create event publisher", zap.Error(err))
		}
		defer kp.Close()
		publisher = kp
		logger.Info("event publisher enabled",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
		)
	}

	// --- Derivation tasks ---
	detector := detect.New(pg, thresholds(cfg),
		cfg.Detector.Batch,
		time.Duration(cfg.Detector.IntervalMs)*time.Millisecond,
		publisher,
		logger.Named("detect"),
	)
	aggregator := aggregate.New(pg, iriParams(cfg),
		cfg.Aggregator.Hour, cfg.Aggregator.Timezone,
		logger.Named("aggregate"),
	)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := deviceServer.Run(ctx); err != nil {
			logger.Error("device server stopped with error", zap.Error(err))
		}
	}()
	go func() { defer wg.Done(); detector.Run(ctx) }()
	go func() {
		defer wg.Done()
		if err := aggregator.Run(ctx); err != nil {
			logger.Error("aggregator stopped with error", zap.Error(err))
		}
	}()

	// --- HTTP server ---
	httpServer := httpapi.NewServer(cfg.Service.HTTPListen, pg, deviceServer, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("all components started")

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting HTTP traffic first, then close device sessions.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all components stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}

	logger.Info("fleet-ingester stopped")
}

func runMigrate() {
	cfg, logger, _ := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations",
		zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
	)

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

func runDetect() {
	cfg, logger, _ := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()
	ctx := context.Background()
	pg := connect(ctx, cfg, logger)
	defer pg.Close()

	detector := detect.New(pg, thresholds(cfg),
		cfg.Detector.Batch,
		time.Duration(cfg.Detector.IntervalMs)*time.Millisecond,
		nil,
		logger.Named("detect"),
	)
	n, err := detector.RunOnce(ctx)
	if err != nil {
		logger.Fatal("detector pass failed", zap.Error(err))
	}
	logger.Info("detector pass complete", zap.Int("events", n))
}

func runAggregate() {
	cfg, logger, date := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()
	ctx := context.Background()
	pg := connect(ctx, cfg, logger)
	defer pg.Close()

	day := time.Now().UTC().AddDate(0, 0, -1)
	if date != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			logger.Fatal("invalid --date, want YYYY-MM-DD", zap.String("date", date))
		}
		day = parsed
	}

	aggregator := aggregate.New(pg, iriParams(cfg),
		cfg.Aggregator.Hour, cfg.Aggregator.Timezone,
		logger.Named("aggregate"),
	)
	if err := aggregator.RunOnce(ctx, day); err != nil {
		logger.Fatal("aggregation failed", zap.Error(err))
	}
	logger.Info("aggregation complete", zap.String("day", day.Format("2006-01-02")))
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		// keyword=value format — redact password=... portion
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
