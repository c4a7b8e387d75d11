package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"blockbatch/config"
	"blockbatch/core/events"
	"blockbatch/gateway/auth"
	"blockbatch/gateway/middleware"
	"blockbatch/native/bank"
	"blockbatch/native/escrow"
	"blockbatch/observability/logging"
	"blockbatch/observability/metrics"
	telemetry "blockbatch/observability/otel"
	"blockbatch/rpc"
	"blockbatch/storage"
	"blockbatch/storage/audit"
)

const serviceName = "escrowd"

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "escrowd.toml", "path to the daemon configuration (TOML or YAML)")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := cfg.Environment
	if override := strings.TrimSpace(os.Getenv("ESCROW_ENV")); override != "" {
		env = override
	}
	logger, logCloser := logging.Setup(serviceName, env, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer logCloser.Close()

	tel, err := telemetry.Start(context.Background(), telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    env,
		Telemetry:      cfg.Telemetry,
	})
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()

	nonces, err := auth.OpenLevelDBNonceStore(filepath.Join(cfg.DataDir, "nonces"))
	if err != nil {
		return fmt.Errorf("open nonce store: %w", err)
	}
	defer nonces.Close()

	auditLog, err := audit.Open(cfg.AuditDSN(), logger)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	broker := events.NewBroker()
	prometheus.MustRegister(metrics.NewStreamDropCounter(broker))
	escrowMetrics := metrics.Escrow()
	emitter := events.MultiEmitter{broker, auditLog, escrowMetrics, tel}

	ledger := bank.NewLedger(db)
	ledger.SetEmitter(emitter)
	if err := applyGenesis(ledger, cfg.Genesis, logger); err != nil {
		return err
	}

	engine := escrow.NewEngine()
	engine.SetStore(escrow.NewStore(db))
	engine.SetPayments(ledger)
	engine.SetAuthenticator(auth.Gate{})
	engine.SetEmitter(emitter)
	engine.SetLogger(logger.With(slog.String("component", "escrow")))
	engine.SetLedgerInterval(cfg.LedgerInterval.Duration)

	authenticator := auth.NewAuthenticator(auth.Config{
		TimestampSkew: cfg.Auth.TimestampSkew.Duration,
		NonceTTL:      cfg.Auth.NonceTTL.Duration,
		NonceCapacity: cfg.Auth.NonceCapacity,
	}, time.Now, nonces)
	if err := authenticator.HydrateNonces(context.Background(), time.Now().Add(-cfg.Auth.NonceTTL.Duration)); err != nil {
		logger.Warn("nonce hydration failed", slog.Any("error", err))
	}

	server := rpc.New(rpc.Config{
		Escrow:        engine,
		Agreements:    engine,
		Balances:      ledger,
		Audit:         auditLog,
		Broker:        broker,
		Authenticator: authenticator,
		Operator: middleware.OperatorAuthConfig{
			Enabled:    cfg.Operator.Enabled,
			HMACSecret: cfg.OperatorSecret(),
			Issuer:     cfg.Operator.Issuer,
			Audience:   cfg.Operator.Audience,
			ScopeClaim: cfg.Operator.ScopeClaim,
			ClockSkew:  cfg.Operator.ClockSkew.Duration,
		},
		RateLimit: middleware.RateLimit{
			RatePerSecond: cfg.RateLimit.RatePerSecond,
			Burst:         cfg.RateLimit.Burst,
			Tokens:        cfg.RateLimit.MethodTokens,
		},
		CORS:          middleware.CORSConfig{AllowedOrigins: cfg.AllowedOrigins},
		Observability: middleware.ObservabilityConfig{ServiceName: serviceName, LogRequests: true},
		Registerer:    prometheus.DefaultRegisterer,
		Gatherer:      prometheus.DefaultGatherer,
		Metrics:       escrowMetrics,
		Logger:        logger,
	})

	handler := server.Handler()
	if cfg.Telemetry.Traces {
		handler = otelhttp.NewHandler(handler, serviceName)
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("address", listener.Addr().String()))
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	timeout := cfg.ShutdownTimeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.Any("error", err))
	}
	logger.Info("stopped")
	return nil
}

func applyGenesis(ledger *bank.Ledger, entries []config.Allocation, logger *slog.Logger) error {
	allocs := make([]bank.Allocation, 0, len(entries))
	for i, entry := range entries {
		parsed, err := entry.Parse()
		if err != nil {
			return fmt.Errorf("genesis[%d]: %w", i, err)
		}
		allocs = append(allocs, bank.Allocation{Address: parsed.Address, Token: parsed.Token, Amount: parsed.Amount})
	}
	applied, err := ledger.ApplyGenesis(allocs)
	if err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}
	if applied {
		logger.Info("genesis allocations applied", slog.Int("count", len(allocs)))
	}
	return nil
}
