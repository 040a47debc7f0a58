// Package main is the entry point for the resolver ledger API server.
//
// It loads configuration, opens the database pool, optionally applies the
// embedded migrations, wires the ledger with its SQS publisher and
// CloudWatch recorder, and serves:
//
//   - /v1/...              collaborator API (bearer key)
//   - /webhooks/platform   chat platform payment updates (secret token)
//   - /health              database probe
//
// In Lambda (detected from the runtime environment) requests arrive as API
// Gateway v2 / Function URL events; otherwise it runs a standard HTTP server
// with graceful shutdown on SIGINT and SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"resolver/internal/api/handlers"
	"resolver/internal/billing"
	"resolver/internal/config"
	"resolver/internal/core"
	"resolver/internal/db"
	"resolver/internal/external"
	"resolver/internal/metrics"
	"resolver/internal/queue"
)

// collaboratorActorID identifies callers authenticated with the ledger key.
const collaboratorActorID = "collaborator"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig(nil)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("resolver API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()

	if cfg.Database.MigrateOnStart {
		if err := db.MigrateUp(cfg.Database.URL.Unmask(), logger); err != nil {
			return fmt.Errorf("migrating schema: %w", err)
		}
	}

	pool, err := db.OpenPool(ctx, db.PoolConfig{
		URL:             cfg.Database.URL.Unmask(),
		MaxConns:        int32(cfg.Database.MaxConns),
		MinConns:        int32(cfg.Database.MinConns),
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		ConnectTimeout:  cfg.Database.AcquireTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	awsCfg, err := loadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		pool.Close()
		return fmt.Errorf("loading AWS config: %w", err)
	}

	deps := appDeps{
		Store: db.NewLedgerStore(pool, logger),
		DB:    pool,
		SQS: sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		}),
	}
	if cfg.Observability.EnableMetrics {
		deps.CloudWatch = cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
	}

	srv, err := buildServer(cfg, logger, deps)
	if err != nil {
		pool.Close()
		return fmt.Errorf("creating server: %w", err)
	}
	srv.OnShutdown(pool.Close)

	if isLambdaEnvironment() {
		logger.Info("running in Lambda mode")
		var f flusher
		if recorder, ok := srv.Metrics.(flusher); ok {
			f = recorder
		}
		lambda.Start(newLambdaHandler(srv.Handler(), f))
		return nil
	}

	return runHTTPServer(srv, cfg, logger)
}

// appDeps holds the external resources buildServer wires together.
// CloudWatch is nil when metrics are disabled.
type appDeps struct {
	Store      billing.Store
	DB         core.Pinger
	SQS        queue.SQSSender
	CloudWatch metrics.CloudWatchClient
}

// buildServer wires the ledger, the platform client and the handlers into a
// mounted core.Server.
func buildServer(cfg *config.Config, logger *slog.Logger, deps appDeps) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, err
	}

	catalog, err := billing.NewCatalog(billing.DefaultPlans(), cfg.Billing.MinPersonalPriceUnits)
	if err != nil {
		return nil, fmt.Errorf("building catalog: %w", err)
	}

	opts := []billing.Option{
		billing.WithPublisher(queue.NewEntitlementPublisher(deps.SQS, cfg.AWS, logger)),
	}

	var failures handlers.ExternalFailureRecorder
	if deps.CloudWatch != nil {
		recorder := metrics.NewRecorder(deps.CloudWatch, cfg.Observability.MetricNamespace, logger)
		opts = append(opts, billing.WithMetrics(recorder))
		srv.Metrics = recorder
		failures = recorder
		srv.OnShutdown(recorder.Close)
	}

	ledger, err := billing.NewLedger(deps.Store, catalog, billing.Config{
		Currency:        cfg.Billing.InvoiceCurrency,
		InvoiceTTL:      cfg.Billing.InvoiceTTL,
		CallbackTimeout: cfg.Billing.CallbackTimeout,
		PersonalEnabled: cfg.Feature.V2Personal,
		GroupsEnabled:   cfg.Feature.V2Groups,
	}, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating ledger: %w", err)
	}

	bot := external.NewBotClient(cfg.Bot.APIURL, cfg.Bot.Token, logger)

	srv.Authenticator = core.NewAPIKeyAuthenticator(cfg.API.LedgerAPIKey, collaboratorActorID)
	if deps.DB != nil {
		srv.HealthProbes = append(srv.HealthProbes, core.NewPingProbe("database", deps.DB))
	}

	ledgerHandler := handlers.NewLedgerHandler(ledger, bot, srv.Validator, logger)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, ledgerHandler.RegisterRoutes)

	paymentHandler := handlers.NewPaymentUpdatesHandler(ledger, bot, failures, cfg.Bot.WebhookSecret, logger)
	srv.WebhookRouteRegistrars = append(srv.WebhookRouteRegistrars, paymentHandler.RegisterRoutes)

	srv.MountRoutes()
	return srv, nil
}

func loadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
}

// isLambdaEnvironment returns true if the process is running inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Closes the metrics recorder and the database pool.
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}
