// Package main runs the ledger orphan audit.
//
// An orphan is an invoice marked paid whose charge id has no ledger row. The
// audit logs LEDGER_ORPHAN_ALERT for each one, records the LedgerOrphan
// metric and, with repair enabled, re-applies the missing effect through
// the same idempotent inserts confirmation uses.
//
// In Lambda it is invoked on a schedule with an optional JSON payload:
//
//	{"older_than": "15m", "limit": 500, "repair": false}
//
// With APP_ENV=local it runs once from the command line:
//
//	go run ./cmd/ledger-audit --older-than=15m --repair
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"resolver/internal/billing"
	"resolver/internal/config"
	"resolver/internal/db"
	"resolver/internal/metrics"
	"resolver/internal/queue"
)

// defaultOlderThan leaves in-flight confirmations alone. A confirmation
// commits its invoice transition and ledger row together, so a younger
// orphan can only come from a transaction still in progress.
const defaultOlderThan = 15 * time.Minute

// AuditEvent is the Lambda invocation payload. Every field is optional.
type AuditEvent struct {
	OlderThan string `json:"older_than,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Repair    bool   `json:"repair,omitempty"`
}

// Auditor is the subset of billing.Ledger the audit needs.
type Auditor interface {
	AuditOrphans(ctx context.Context, olderThan time.Duration, limit int, repair bool) (billing.AuditReport, error)
}

// auditRunner adapts an Auditor to the Lambda handler signature.
type auditRunner struct {
	auditor Auditor
	logger  *slog.Logger
	// flush, when set, runs after every pass so telemetry leaves before
	// the runtime freezes the process.
	flush func(ctx context.Context)
}

// Handle runs one audit pass. It fails only when the orphan listing itself
// fails; per-orphan repair failures are reported in the result.
func (r *auditRunner) Handle(ctx context.Context, evt AuditEvent) (billing.AuditReport, error) {
	olderThan := defaultOlderThan
	if evt.OlderThan != "" {
		d, err := time.ParseDuration(evt.OlderThan)
		if err != nil || d < 0 {
			return billing.AuditReport{}, fmt.Errorf("invalid older_than %q", evt.OlderThan)
		}
		olderThan = d
	}

	r.logger.InfoContext(ctx, "ledger audit starting",
		"older_than", olderThan.String(),
		"limit", evt.Limit,
		"repair", evt.Repair,
	)

	report, err := r.auditor.AuditOrphans(ctx, olderThan, evt.Limit, evt.Repair)
	if r.flush != nil {
		r.flush(ctx)
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "ledger audit failed", "error", err)
		return billing.AuditReport{}, err
	}
	return report, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("ledger audit initializing (cold start)")

	cfg, err := config.LoadConfig(nil)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := db.OpenPool(ctx, db.PoolConfig{
		URL:             cfg.Database.URL.Unmask(),
		MaxConns:        2,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		ConnectTimeout:  cfg.Database.AcquireTimeout,
	})
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		logger.Error("failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}
	opts := []billing.Option{
		billing.WithPublisher(queue.NewEntitlementPublisher(
			sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
				if cfg.AWS.EndpointURL != "" {
					o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
				}
			}),
			cfg.AWS,
			logger,
		)),
	}
	runner := &auditRunner{logger: logger}
	if cfg.Observability.EnableMetrics {
		recorder := metrics.NewRecorder(
			cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
				if cfg.AWS.EndpointURL != "" {
					o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
				}
			}),
			cfg.Observability.MetricNamespace,
			logger,
			metrics.WithFlushInterval(time.Second),
		)
		defer recorder.Close()
		opts = append(opts, billing.WithMetrics(recorder))
		runner.flush = recorder.Flush
	}

	catalog, err := billing.NewCatalog(billing.DefaultPlans(), cfg.Billing.MinPersonalPriceUnits)
	if err != nil {
		logger.Error("invalid plan catalog", "error", err)
		os.Exit(1)
	}
	ledger, err := billing.NewLedger(db.NewLedgerStore(pool, logger), catalog, billing.Config{
		Currency:        cfg.Billing.InvoiceCurrency,
		InvoiceTTL:      cfg.Billing.InvoiceTTL,
		CallbackTimeout: cfg.Billing.CallbackTimeout,
		PersonalEnabled: cfg.Feature.V2Personal,
		GroupsEnabled:   cfg.Feature.V2Groups,
	}, logger, opts...)
	if err != nil {
		logger.Error("failed to create ledger", "error", err)
		os.Exit(1)
	}

	runner.auditor = ledger

	if cfg.Environment == "local" {
		if err := runOnce(ctx, runner, os.Args[1:]); err != nil {
			logger.Error("audit failed", "error", err)
			os.Exit(1)
		}
		return
	}

	lambda.Start(runner.Handle)
}

// runOnce parses command-line flags, runs a single pass and prints the
// report as JSON.
func runOnce(ctx context.Context, runner *auditRunner, args []string) error {
	fs := flag.NewFlagSet("ledger-audit", flag.ContinueOnError)
	olderThan := fs.Duration("older-than", defaultOlderThan, "Only consider invoices paid at least this long ago")
	limit := fs.Int("limit", billing.DefaultAuditLimit, "Maximum number of orphans to inspect")
	repair := fs.Bool("repair", false, "Re-apply the missing ledger effect for each orphan")
	if err := fs.Parse(args); err != nil {
		return err
	}

	report, err := runner.Handle(ctx, AuditEvent{
		OlderThan: olderThan.String(),
		Limit:     *limit,
		Repair:    *repair,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
