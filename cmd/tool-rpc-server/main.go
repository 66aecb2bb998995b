package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/triage-ai/palisade/services/tool_rpc/internal/auth"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/builtin"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/config"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/dispatch"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/metrics"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/ratelimit"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/registry"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/sanitize"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/server"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/session"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/storage"
)

const version = "0.1.0"

func main() {
	// Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tool-rpc-server: %v\n", err)
		os.Exit(1)
	}

	// Logger
	logger := mustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting tool rpc server",
		zap.String("port", cfg.Port),
		zap.String("metrics_port", cfg.MetricsPort),
		zap.String("auth_mode", cfg.Auth.Mode),
		zap.Duration("default_timeout", cfg.DefaultTimeout),
		zap.Int64("max_blocking", cfg.MaxBlocking),
		zap.Bool("debug", cfg.Debug),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Postgres, shared by the key verifier and the policy store
	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
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
	}

	// Tool registry, with policy overrides from Postgres when available
	var reg *registry.Registry
	if db != nil {
		overrides, err := registry.LoadPolicyOverrides(ctx, registry.NewSQLPolicyStore(db))
		if err != nil {
			logger.Fatal("failed to load tool policy overrides", zap.Error(err))
		}
		reg = registry.NewRegistryWithOverrides(overrides, logger)
		logger.Info("tool policy overrides loaded", zap.Int("count", len(overrides)))
	} else {
		reg = registry.NewRegistry(logger)
	}
	if err := builtin.Register(reg); err != nil {
		logger.Fatal("failed to register built-in tools", zap.Error(err))
	}
	stats := reg.Stats()
	logger.Info("tools registered",
		zap.Int("total", stats.Total),
		zap.Int("streaming", stats.Streaming),
		zap.Int("auth_protected", stats.AuthProtected),
	)

	// Auth
	verifier, err := auth.FromConfig(cfg.Auth, db, logger)
	if err != nil {
		logger.Fatal("failed to configure auth", zap.Error(err))
	}
	if verifier == nil {
		logger.Warn("no auth mode configured, auth-protected tools will reject every call")
	}

	// Storage: ClickHouse, or LogWriter fallback
	var writer storage.EventWriter
	if cfg.ClickHouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	collector := metrics.New()
	limiter := ratelimit.NewLimiter(logger)
	sessions := session.NewManager(cfg.StreamQueueSize, logger)

	dispatcher := dispatch.New(dispatch.Options{
		Registry:  reg,
		Verifier:  verifier,
		Limiter:   limiter,
		Sanitizer: sanitize.New(cfg.Sanitizer),
		Sessions:  sessions,
		Writer:    writer,
		Metrics:   collector,
		Config: dispatch.Config{
			DefaultTimeout: cfg.DefaultTimeout,
			MaxBlocking:    cfg.MaxBlocking,
			Debug:          cfg.Debug,
		},
		Logger: logger,
	})

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
		grpc.ChainUnaryInterceptor(server.UnaryLogging(logger)),
		grpc.ChainStreamInterceptor(server.StreamLogging(logger)),
	)

	toolServer := server.NewServer(dispatcher, server.Info{
		Name:        "tool-rpc",
		Version:     version,
		AuthEnabled: verifier != nil,
	}, logger)
	toolServer.Register(grpcServer)

	// Register health service for ECS health checks
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Enable reflection for debugging with grpcurl
	reflection.Register(grpcServer)

	// Listen
	lis, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("port", cfg.Port), zap.Error(err))
	}

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           collector.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		limiter.Run(gctx, cfg.LimiterSweepInterval)
		return nil
	})

	g.Go(func() error {
		logger.Info("metrics server listening", zap.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("tool rpc server listening", zap.String("addr", lis.Addr().String()))
		if err := grpcServer.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", zap.NamedError("cause", context.Cause(gctx)))
		healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

		if n := sessions.CancelAll(); n > 0 {
			logger.Info("cancelled open streams", zap.Int("count", n))
		}

		done := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(cfg.ShutdownTimeout):
			logger.Warn("graceful stop timed out, forcing")
			grpcServer.Stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return
	}
	logger.Info("server stopped")
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
