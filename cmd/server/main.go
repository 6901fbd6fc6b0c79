package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"streamcast/internal/api"
	"streamcast/internal/mirror"
	"streamcast/internal/observability/logging"
	"streamcast/internal/observability/metrics"
	"streamcast/internal/scheduler"
	"streamcast/internal/server"
	"streamcast/internal/storage"
	"streamcast/internal/stream"
)

func main() {
	// A missing .env file is not an error; explicit env always wins.
	_ = godotenv.Load()

	addr := flag.String("addr", "", "listen address (defaults to :8080)")
	dataPath := flag.String("data", "", "path to the JSON datastore file")
	storageDriver := flag.String("storage-driver", "", "datastore driver: json or postgres")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum Postgres pool connections")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum Postgres pool connections")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for pooled Postgres connections")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for pooled Postgres connections")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout for acquiring a Postgres connection")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "", "log format: json or text")
	apiToken := flag.String("api-token", "", "bearer token required on /api routes (empty disables auth)")
	ffmpegBinary := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	stopGrace := flag.Duration("stop-grace", 0, "grace period before a stopping ffmpeg process is killed")
	scheduleInterval := flag.Duration("schedule-interval", 0, "scheduler tick interval")
	extractorBinary := flag.String("extractor", "", "path to the URL extractor binary (defaults to yt-dlp)")
	extractorHosts := flag.String("extractor-hosts", "", "comma-separated hosts routed through the extractor")
	redisAddr := flag.String("redis-addr", "", "Redis address for the status mirror (empty disables mirroring)")
	redisPassword := flag.String("redis-password", "", "Redis password for the status mirror")
	redisDB := flag.Int("redis-db", 0, "Redis database for the status mirror")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("STREAMCAST_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("STREAMCAST_LOG_FORMAT")),
	})
	recorder := metrics.New()

	listenAddr := firstNonEmpty(*addr, os.Getenv("STREAMCAST_ADDR"), ":8080")

	postgresDefaultDSN := resolvePostgresDSN(*postgresDSN)
	driver, err := resolveStorageDriver(*storageDriver, os.Getenv("STREAMCAST_STORAGE_DRIVER"), postgresDefaultDSN)
	if err != nil {
		logger.Error("failed to resolve storage driver", "error", err)
		os.Exit(1)
	}

	var store storage.Repository
	switch driver {
	case "json":
		dataFile := firstNonEmpty(*dataPath, os.Getenv("STREAMCAST_DATA"), "data/store.json")
		store, err = storage.NewJSONRepository(dataFile)
	case "postgres":
		if postgresDefaultDSN == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		var pgOptions []storage.Option
		maxConns := resolveInt(*postgresMaxConns, "STREAMCAST_POSTGRES_MAX_CONNS")
		minConns := resolveInt(*postgresMinConns, "STREAMCAST_POSTGRES_MIN_CONNS")
		if maxConns > 0 || minConns > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
		}
		maxLifetime := resolveDuration(*postgresMaxConnLifetime, "STREAMCAST_POSTGRES_MAX_CONN_LIFETIME", 0)
		maxIdle := resolveDuration(*postgresMaxConnIdle, "STREAMCAST_POSTGRES_MAX_CONN_IDLE", 0)
		if maxLifetime > 0 || maxIdle > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresConnLifetimes(maxLifetime, maxIdle))
		}
		if acquireTimeout := resolveDuration(*postgresAcquireTimeout, "STREAMCAST_POSTGRES_ACQUIRE_TIMEOUT", 0); acquireTimeout > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresAcquireTimeout(acquireTimeout))
		}
		if appName := firstNonEmpty(*postgresAppName, os.Getenv("STREAMCAST_POSTGRES_APP_NAME")); appName != "" {
			pgOptions = append(pgOptions, storage.WithPostgresApplicationName(appName))
		}
		store, err = storage.NewPostgresRepository(postgresDefaultDSN, pgOptions...)
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	var statusMirror mirror.Publisher = mirror.Noop{}
	var mirrorCloser func() error
	if mirrorAddr := firstNonEmpty(*redisAddr, os.Getenv("STREAMCAST_REDIS_ADDR")); mirrorAddr != "" {
		redisMirror := mirror.NewRedis(
			mirrorAddr,
			firstNonEmpty(*redisPassword, os.Getenv("STREAMCAST_REDIS_PASSWORD")),
			resolveInt(*redisDB, "STREAMCAST_REDIS_DB"),
			logging.WithComponent(logger, "mirror"),
		)
		statusMirror = redisMirror
		mirrorCloser = redisMirror.Close
		logger.Info("status mirror enabled", "addr", mirrorAddr)
	}

	resolverLogger := logging.WithComponent(logger, "resolver")
	var resolvers []stream.Resolver
	if hosts := splitAndTrim(firstNonEmpty(*extractorHosts, os.Getenv("STREAMCAST_EXTRACTOR_HOSTS"))); len(hosts) > 0 {
		binary := firstNonEmpty(*extractorBinary, os.Getenv("STREAMCAST_EXTRACTOR"))
		resolvers = append(resolvers, stream.NewExtractorResolver(binary, hosts))
	}
	resolvers = append(resolvers, stream.PassthroughResolver{})
	resolverChain := stream.NewResolverChain(resolverLogger, resolvers...)

	engine := stream.NewEngine(stream.EngineConfig{
		Store:     store,
		Resolver:  resolverChain,
		Mirror:    statusMirror,
		Metrics:   recorder,
		Logger:    logging.WithComponent(logger, "engine"),
		FFmpeg:    firstNonEmpty(*ffmpegBinary, os.Getenv("STREAMCAST_FFMPEG")),
		StopGrace: resolveDuration(*stopGrace, "STREAMCAST_STOP_GRACE", 0),
	})

	sched := scheduler.New(scheduler.Config{
		Store:    store,
		Engine:   engine,
		Interval: resolveDuration(*scheduleInterval, "STREAMCAST_SCHEDULE_INTERVAL", scheduler.DefaultInterval),
		Logger:   logging.WithComponent(logger, "scheduler"),
		Metrics:  recorder,
	})

	handler := api.NewHandler(store, engine, logging.WithComponent(logger, "api"))
	srv := server.New(handler, server.Config{
		Addr:     listenAddr,
		APIToken: firstNonEmpty(*apiToken, os.Getenv("STREAMCAST_API_TOKEN")),
		Logger:   logger,
		Metrics:  recorder,
	})

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	stopScheduler := sched.Start(ctx)

	errs := make(chan error, 1)
	go func() {
		logger.Info("streamcast API listening", "addr", listenAddr, "driver", driver)
		logger.Info("metrics endpoint available", "path", "/metrics")
		errs <- srv.Run(ctx, nil)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
		serveErr = <-errs
	case serveErr = <-errs:
	}
	if serveErr != nil {
		logger.Error("server error", "error", serveErr)
	}
	stopSignals()
	stopScheduler()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to drain active streams", "error", err)
	}
	if mirrorCloser != nil {
		if err := mirrorCloser(); err != nil {
			logger.Warn("failed to close status mirror", "error", err)
		}
	}
	if err := store.Close(shutdownCtx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}

	logger.Info("server stopped")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) (string, error) {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver, nil
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", nil
	}
	return "json", nil
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("STREAMCAST_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
}
