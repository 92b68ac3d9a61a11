// Command server starts the ClassReel upload coordinator HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"classreel-media/internal/api"
	"classreel-media/internal/objectstore"
	"classreel-media/internal/observability/logging"
	"classreel-media/internal/observability/metrics"
	"classreel-media/internal/server"
	"classreel-media/internal/session"
	"classreel-media/internal/storage"
)

type stringListFlag []string

func (s *stringListFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringListFlag) Set(value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("value must not be empty")
	}
	*s = append(*s, trimmed)
	return nil
}

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")

	storageDriver := flag.String("storage-driver", "", "datastore driver (memory or postgres)")
	dataPath := flag.String("data", "", "path to the JSON datastore file for the memory driver")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresConnectTimeout := flag.Duration("postgres-connect-timeout", 0, "timeout when opening Postgres connections")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")

	sessionDriver := flag.String("session-store", "", "upload session store driver (memory or redis)")
	sessionTTL := flag.Duration("session-ttl", 0, "how long idle upload sessions are kept")
	redisAddr := flag.String("session-redis-addr", "", "Redis address for the session store")
	redisAddrs := flag.String("session-redis-addrs", "", "comma separated Redis addresses for the session store")
	redisUsername := flag.String("session-redis-username", "", "Redis username for the session store")
	redisPassword := flag.String("session-redis-password", "", "Redis password for the session store")
	redisDB := flag.Int("session-redis-db", 0, "Redis database for the session store")
	redisMasterName := flag.String("session-redis-master-name", "", "Redis sentinel master name for the session store")
	redisPoolSize := flag.Int("session-redis-pool-size", 0, "maximum Redis connections for the session store")

	objectEndpoint := flag.String("object-endpoint", "", "S3-compatible endpoint for media storage")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectBucket := flag.String("object-bucket", "", "object storage bucket for lesson media")
	objectPrefix := flag.String("object-prefix", "", "key prefix applied to all stored objects")
	objectUseSSL := flag.Bool("object-use-ssl", false, "use https when talking to the object endpoint")
	presignTTL := flag.Duration("object-presign-ttl", 0, "validity window for pre-signed URLs")

	maxFileSize := flag.Int64("upload-max-size", 0, "largest accepted upload in bytes")
	allowedTypes := flag.String("upload-allowed-types", "", "comma separated accepted content types")
	singleThreshold := flag.Int64("upload-single-threshold", 0, "largest file uploaded with one PUT")

	processorEndpoint := flag.String("processor-endpoint", "", "base URL of the external media processor")
	processorToken := flag.String("processor-token", "", "bearer token for processor dispatch and callbacks")
	processorWorkers := flag.Int("processor-workers", 0, "dispatch worker count")
	processorTimeout := flag.Duration("processor-timeout", 0, "timeout for processor dispatch requests")

	var creatorTokens stringListFlag
	flag.Var(&creatorTokens, "creator-token", "creator bearer token as token=userID (repeatable)")

	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("CLASSREEL_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("CLASSREEL_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	listenAddr := firstNonEmpty(*addr, os.Getenv("CLASSREEL_ADDR"), ":8080")

	store, storeCleanup, err := openStore(storeSettings{
		Driver:          firstNonEmpty(*storageDriver, os.Getenv("CLASSREEL_STORAGE_DRIVER"), "memory"),
		DataPath:        firstNonEmpty(*dataPath, os.Getenv("CLASSREEL_DATA")),
		DSN:             firstNonEmpty(*postgresDSN, os.Getenv("CLASSREEL_POSTGRES_DSN")),
		MaxConns:        resolveInt(*postgresMaxConns, "CLASSREEL_POSTGRES_MAX_CONNS"),
		MinConns:        resolveInt(*postgresMinConns, "CLASSREEL_POSTGRES_MIN_CONNS"),
		MaxConnLifetime: resolveDuration(*postgresConnLifetime, "CLASSREEL_POSTGRES_MAX_CONN_LIFETIME", 0),
		MaxConnIdle:     resolveDuration(*postgresConnIdle, "CLASSREEL_POSTGRES_MAX_CONN_IDLE", 0),
		ConnectTimeout:  resolveDuration(*postgresConnectTimeout, "CLASSREEL_POSTGRES_CONNECT_TIMEOUT", 0),
		AppName:         firstNonEmpty(*postgresAppName, os.Getenv("CLASSREEL_POSTGRES_APP_NAME")),
	})
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	sessions, sessionCleanup, err := openSessionStore(sessionSettings{
		Driver:     firstNonEmpty(*sessionDriver, os.Getenv("CLASSREEL_SESSION_STORE"), "memory"),
		Addr:       firstNonEmpty(*redisAddr, os.Getenv("CLASSREEL_SESSION_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("CLASSREEL_SESSION_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*redisUsername, os.Getenv("CLASSREEL_SESSION_REDIS_USERNAME")),
		Password:   firstNonEmpty(*redisPassword, os.Getenv("CLASSREEL_SESSION_REDIS_PASSWORD")),
		DB:         resolveInt(*redisDB, "CLASSREEL_SESSION_REDIS_DB"),
		MasterName: firstNonEmpty(*redisMasterName, os.Getenv("CLASSREEL_SESSION_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*redisPoolSize, "CLASSREEL_SESSION_REDIS_POOL_SIZE"),
	})
	if err != nil {
		logger.Error("failed to open session store", "error", err)
		os.Exit(1)
	}

	backendCtx, backendCancel := context.WithTimeout(context.Background(), 30*time.Second)
	backend, err := objectstore.NewS3Backend(backendCtx, objectstore.Config{
		Endpoint:   firstNonEmpty(*objectEndpoint, os.Getenv("CLASSREEL_OBJECT_ENDPOINT")),
		Region:     firstNonEmpty(*objectRegion, os.Getenv("CLASSREEL_OBJECT_REGION")),
		AccessKey:  firstNonEmpty(*objectAccessKey, os.Getenv("CLASSREEL_OBJECT_ACCESS_KEY")),
		SecretKey:  firstNonEmpty(*objectSecretKey, os.Getenv("CLASSREEL_OBJECT_SECRET_KEY")),
		Bucket:     firstNonEmpty(*objectBucket, os.Getenv("CLASSREEL_OBJECT_BUCKET")),
		Prefix:     firstNonEmpty(*objectPrefix, os.Getenv("CLASSREEL_OBJECT_PREFIX")),
		UseSSL:     resolveBool(*objectUseSSL, "CLASSREEL_OBJECT_USE_SSL"),
		PresignTTL: resolveDuration(*presignTTL, "CLASSREEL_OBJECT_PRESIGN_TTL", 0),
	})
	backendCancel()
	if err != nil {
		logger.Error("failed to configure object storage", "error", err)
		os.Exit(1)
	}

	tokenPairs := append([]string(nil), creatorTokens...)
	tokenPairs = append(tokenPairs, splitAndTrim(os.Getenv("CLASSREEL_CREATOR_TOKENS"))...)
	procToken := firstNonEmpty(*processorToken, os.Getenv("CLASSREEL_PROCESSOR_TOKEN"))
	auth, err := api.NewTokenAuth(tokenPairs, procToken)
	if err != nil {
		logger.Error("failed to configure authentication", "error", err)
		os.Exit(1)
	}
	if len(tokenPairs) == 0 {
		logger.Warn("no creator tokens configured, all lesson endpoints will reject requests")
	}

	dispatcher := api.NewProcessorDispatcher(api.ProcessorDispatcherConfig{
		Store:    store,
		Endpoint: firstNonEmpty(*processorEndpoint, os.Getenv("CLASSREEL_PROCESSOR_ENDPOINT")),
		Token:    procToken,
		Workers:  resolveInt(*processorWorkers, "CLASSREEL_PROCESSOR_WORKERS"),
		Timeout:  resolveDuration(*processorTimeout, "CLASSREEL_PROCESSOR_TIMEOUT", 0),
		Logger:   logging.WithComponent(logger, "dispatcher"),
		Metrics:  recorder,
	})
	dispatcher.Start()

	handler := &api.Handler{
		Store:      store,
		Sessions:   sessions,
		Backend:    backend,
		Auth:       auth,
		Dispatcher: dispatcher,
		Upload: api.UploadConfig{
			MaxFileSize:     resolveInt64(*maxFileSize, "CLASSREEL_UPLOAD_MAX_SIZE"),
			AllowedTypes:    splitAndTrim(firstNonEmpty(*allowedTypes, os.Getenv("CLASSREEL_UPLOAD_ALLOWED_TYPES"))),
			SingleThreshold: resolveInt64(*singleThreshold, "CLASSREEL_UPLOAD_SINGLE_THRESHOLD"),
			SessionTTL:      resolveDuration(*sessionTTL, "CLASSREEL_SESSION_TTL", session.DefaultTTL),
		},
		Logger:  logging.WithComponent(logger, "api"),
		Metrics: recorder,
	}

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("CLASSREEL_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("CLASSREEL_TLS_KEY")),
		},
		Logger:  logging.WithComponent(logger, "http"),
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to configure server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", listenAddr)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	if err := dispatcher.Shutdown(ctx); err != nil {
		logger.Warn("failed to stop dispatcher", "error", err)
	}
	if sessionCleanup != nil {
		if err := sessionCleanup(ctx); err != nil {
			logger.Warn("failed to close session store", "error", err)
		}
	}
	if storeCleanup != nil {
		if err := storeCleanup(ctx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}

	logger.Info("server stopped")
}

type storeSettings struct {
	Driver          string
	DataPath        string
	DSN             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdle     time.Duration
	ConnectTimeout  time.Duration
	AppName         string
}

func openStore(settings storeSettings) (storage.Repository, func(context.Context) error, error) {
	switch strings.ToLower(settings.Driver) {
	case "memory", "json", "":
		store, err := storage.NewStorage(settings.DataPath)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		repo, err := storage.NewPostgresRepository(ctx, storage.PostgresConfig{
			DSN:             settings.DSN,
			MaxConnections:  int32(settings.MaxConns),
			MinConnections:  int32(settings.MinConns),
			MaxConnLifetime: settings.MaxConnLifetime,
			MaxConnIdleTime: settings.MaxConnIdle,
			ConnectTimeout:  settings.ConnectTimeout,
			ApplicationName: settings.AppName,
		})
		if err != nil {
			return nil, nil, err
		}
		cleanup := func(ctx context.Context) error {
			if closer, ok := repo.(interface{ Close(context.Context) error }); ok {
				return closer.Close(ctx)
			}
			return nil
		}
		return repo, cleanup, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", settings.Driver)
	}
}

type sessionSettings struct {
	Driver     string
	Addr       string
	Addrs      []string
	Username   string
	Password   string
	DB         int
	MasterName string
	PoolSize   int
}

func openSessionStore(settings sessionSettings) (session.Store, func(context.Context) error, error) {
	switch strings.ToLower(settings.Driver) {
	case "memory", "":
		return session.NewMemoryStore(), nil, nil
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := session.NewRedisStore(ctx, session.RedisConfig{
			Addr:       settings.Addr,
			Addrs:      settings.Addrs,
			Username:   settings.Username,
			Password:   settings.Password,
			DB:         settings.DB,
			MasterName: settings.MasterName,
			PoolSize:   settings.PoolSize,
		})
		if err != nil {
			return nil, nil, err
		}
		cleanup := func(context.Context) error { return store.Close() }
		return store, cleanup, nil
	default:
		return nil, nil, fmt.Errorf("unknown session store driver %q", settings.Driver)
	}
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

func resolveInt64(flagValue int64, envKey string) int64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseInt(strings.TrimSpace(env), 10, 64); err == nil {
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
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
