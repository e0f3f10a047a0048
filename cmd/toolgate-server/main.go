package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/redis/go-redis/v9"
	"github.com/triage-ai/toolgate/internal/api"
	"github.com/triage-ai/toolgate/internal/audit"
	"github.com/triage-ai/toolgate/internal/auth"
	"github.com/triage-ai/toolgate/internal/config"
	"github.com/triage-ai/toolgate/internal/connector"
	"github.com/triage-ai/toolgate/internal/dispatch"
	"github.com/triage-ai/toolgate/internal/limiter"
	"github.com/triage-ai/toolgate/internal/observability"
	"github.com/triage-ai/toolgate/internal/registry"
	"github.com/triage-ai/toolgate/internal/safety"
	"github.com/triage-ai/toolgate/internal/server"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

func main() {
	// Logger
	logger := mustBuildLogger(envOrDefault("TOOLGATE_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	configPath := envOrDefault("TOOLGATE_CONFIG", "toolgate.yaml")
	httpPort := envOrDefault("TOOLGATE_HTTP_PORT", "8080")
	grpcPort := envOrDefault("TOOLGATE_GRPC_PORT", "50051")
	adminToken := os.Getenv("TOOLGATE_ADMIN_TOKEN")
	adminRPS := envOrDefaultInt("TOOLGATE_ADMIN_RPS", 5)
	adminBurst := envOrDefaultInt("TOOLGATE_ADMIN_BURST", 10)
	authCacheTTL := envOrDefaultInt("TOOLGATE_AUTH_CACHE_TTL_S", 30)
	postgresDSN := os.Getenv("POSTGRES_DSN")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	redisAddr := os.Getenv("REDIS_ADDR")
	otlpEndpoint := os.Getenv("TOOLGATE_OTLP_ENDPOINT")

	logger.Info("starting toolgate server",
		zap.String("config", configPath),
		zap.String("http_port", httpPort),
		zap.String("grpc_port", grpcPort),
		zap.Bool("admin_enabled", adminToken != ""),
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx := context.Background()

	// Telemetry
	obsCfg := observability.DefaultConfig()
	obsCfg.OTLPEndpoint = otlpEndpoint
	obsCfg.Insecure = envOrDefault("TOOLGATE_OTLP_INSECURE", "false") == "true"
	obsCfg.Environment = envOrDefault("TOOLGATE_ENVIRONMENT", obsCfg.Environment)
	obs, err := observability.New(ctx, obsCfg, logger)
	if err != nil {
		logger.Fatal("failed to init observability", zap.Error(err))
	}

	// Postgres pool (optional: API keys and tool definitions)
	var db *sql.DB
	if postgresDSN != "" {
		db, err = sql.Open("pgx", postgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		logger.Info("postgres connected")
	} else {
		logger.Info("no POSTGRES_DSN set, using the config file only")
	}

	// Redis (optional: shared buckets and safety flags across replicas)
	var rdb *redis.Client
	if redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       envOrDefaultInt("REDIS_DB", 0),
		})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to ping redis", zap.String("addr", redisAddr), zap.Error(err))
		}
		logger.Info("redis connected", zap.String("addr", redisAddr))
	}

	// Tool registry: config file first, then Postgres rows. Fixed after startup.
	reg := registry.NewMemoryRegistry()
	resolve := connector.NewResolver(&http.Client{})
	if err := registry.RegisterCatalog(reg, cfg.CatalogEntries(), resolve, logger); err != nil {
		logger.Fatal("failed to register tools", zap.Error(err))
	}
	if db != nil {
		n, err := registry.LoadPostgres(ctx, registry.NewSQLToolStore(db), reg, resolve, logger)
		if err != nil {
			logger.Fatal("failed to load tool definitions", zap.Error(err))
		}
		logger.Info("tool definitions loaded from postgres", zap.Int("count", n))
	}
	logger.Info("tool registry ready", zap.Int("tools", reg.Len()))

	// Auth: static keys from config, plus api_keys in Postgres when configured
	var chain auth.Chain
	if static := auth.NewStaticAuthenticator(cfg.StaticKeys()); static.Len() > 0 {
		chain = append(chain, static)
		logger.Info("static authenticator enabled", zap.Int("keys", static.Len()))
	}
	if db != nil {
		chain = append(chain, auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: time.Duration(authCacheTTL) * time.Second,
			Logger:   logger,
		}))
		logger.Info("postgres authenticator enabled")
	}
	if len(chain) == 0 {
		logger.Warn("no API keys configured, every execute request will be rejected")
	}

	// Safety flags
	ctrl := safety.NewController(cfg.SafetyState(), logger)
	if rdb != nil {
		mirror := safety.NewRedisMirror(rdb, ctrl, safety.MirrorConfig{}, logger)
		if err := mirror.Start(ctx); err != nil {
			logger.Fatal("failed to start safety mirror", zap.Error(err))
		}
		defer func() { _ = mirror.Close() }()
	}

	// Rate limits
	limCfg, err := cfg.LimiterConfig()
	if err != nil {
		logger.Fatal("invalid limits", zap.Error(err))
	}
	var store limiter.Store
	if rdb != nil {
		store = limiter.NewRedisStore(rdb, "")
		logger.Info("limiter using redis store")
	}
	lim, err := limiter.New(limCfg, store, logger, limiter.WithMeter(obs.Meter()))
	if err != nil {
		logger.Fatal("failed to create limiter", zap.Error(err))
	}

	// Audit: ClickHouse or log store, always backed by the local fallback file
	var auditStore audit.Store
	if clickhouseDSN != "" {
		chStore, err := audit.NewClickHouseStore(ctx, clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log store", zap.Error(err))
			auditStore = audit.NewLogStore(logger)
		} else {
			if err := chStore.EnsureSchema(ctx); err != nil {
				logger.Warn("clickhouse schema check failed", zap.Error(err))
			}
			defer func() { _ = chStore.Close() }()
			auditStore = chStore
			logger.Info("clickhouse audit store connected")
		}
	} else {
		auditStore = audit.NewLogStore(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log store")
	}
	fallbackPath := cfg.Audit.FallbackPath
	if fallbackPath == "" {
		fallbackPath = envOrDefault("TOOLGATE_AUDIT_FALLBACK", "toolgate-audit-fallback.jsonl")
	}
	fallback, err := audit.OpenFileFallback(fallbackPath)
	if err != nil {
		logger.Fatal("failed to open audit fallback file", zap.String("path", fallbackPath), zap.Error(err))
	}
	defer func() { _ = fallback.Close() }()
	recorder, err := audit.NewRecorder(auditStore, fallback, cfg.RecorderConfig(), logger, audit.WithMeter(obs.Meter()))
	if err != nil {
		logger.Fatal("failed to create audit recorder", zap.Error(err))
	}

	// Dispatcher
	timeouts := cfg.DispatchTimeouts()
	dispatcher, err := dispatch.New(dispatch.Config{
		Auth:     chain,
		Registry: reg,
		Safety:   ctrl,
		Limiter:  lim,
		Audit:    recorder,
		Timeouts: timeouts,
		Logger:   logger,
		Tracer:   obs.Tracer(),
		Meter:    obs.Meter(),
	})
	if err != nil {
		logger.Fatal("failed to create dispatcher", zap.Error(err))
	}

	// HTTP API server
	var adminLimiter *api.IPRateLimiter
	if adminToken != "" {
		adminLimiter = api.NewIPRateLimiter(float64(adminRPS), adminBurst)
		defer adminLimiter.Close()
	}
	httpServer := &http.Server{
		Addr: ":" + httpPort,
		Handler: api.NewRouter(&api.Dependencies{
			Dispatcher:   dispatcher,
			Safety:       ctrl,
			Limiter:      lim,
			Audit:        recorder,
			Registry:     reg,
			Logger:       logger,
			AdminToken:   adminToken,
			AdminLimiter: adminLimiter,
		}),
		ReadTimeout:  10 * time.Second,
		// Long enough for the slowest tier to reach its own timeout and answer.
		WriteTimeout: timeouts.Max() + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// gRPC server
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 10 * time.Second,
			Time:                  30 * time.Second,
			Timeout:               5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
	)
	server.RegisterGatewayServiceServer(grpcServer, server.NewGatewayServer(dispatcher, logger))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", ":"+grpcPort)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("port", grpcPort), zap.Error(err))
	}
	go func() {
		logger.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Fatal("grpc server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown: stop intake, then drain the audit queue.
	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()
	recorder.Close()
	if err := obs.Shutdown(shutdownCtx); err != nil {
		logger.Error("observability shutdown error", zap.Error(err))
	}

	stats := recorder.Stats()
	logger.Info("toolgate server stopped",
		zap.Int64("audit_written", stats.Written),
		zap.Int64("audit_fallback_writes", stats.FallbackWrites),
	)
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
