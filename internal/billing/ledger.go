package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"resolver/internal/types"
)

const (
	// DefaultInvoiceTTL bounds how long an unpaid invoice may be authorized.
	DefaultInvoiceTTL = 24 * time.Hour

	// DefaultCallbackTimeout keeps authorization and confirmation inside the
	// platform's ten second answer budget.
	DefaultCallbackTimeout = 8 * time.Second

	// maxInvoiceIDAttempts bounds retries on invoice id collisions.
	maxInvoiceIDAttempts = 3
)

// Store is the persistence surface the ledger needs. The production
// implementation lives in internal/db; tests use an in-memory fake.
//
// Reads return (nil, nil) for a missing subscription row. GetInvoice returns
// an AppError with ErrCodeNotFoundInvoice for a missing invoice.
// CreateInvoice returns ErrCodeConflictInvoiceID when the id is taken.
type Store interface {
	CreateInvoice(ctx context.Context, inv *types.Invoice) error
	GetInvoice(ctx context.Context, invoiceID string) (*types.Invoice, error)
	ChargeExists(ctx context.Context, chargeID string) (bool, error)
	LatestSubscription(ctx context.Context, kind types.PlanCategory, groupID int64) (*types.Subscription, error)
	Balance(ctx context.Context, payerID int64) (int64, error)
	EnsureUser(ctx context.Context, payerID int64) error
	EnsureGroup(ctx context.Context, groupID int64) error
	ConsumeCredit(ctx context.Context, payerID int64) (bool, error)
	ListOrphanedInvoices(ctx context.Context, paidBefore int64, limit int) ([]*types.Invoice, error)

	// RunInTx executes fn inside a single database transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	RunInTx(ctx context.Context, fn func(tx LedgerTx) error) error
}

// LedgerTx holds the writes that must commit together with the invoice
// state transition.
//
// MarkInvoicePaid returns false when no row matched (status was not created).
// It returns ErrCodeConflictChargeApplied when the charge id is already
// recorded on another invoice. The Insert methods return false when the row
// was skipped because its charge id already exists.
type LedgerTx interface {
	MarkInvoicePaid(ctx context.Context, invoiceID, chargeID string, paidAt int64) (bool, error)
	EnsureUser(ctx context.Context, payerID int64) error
	InsertPurchase(ctx context.Context, p *types.Purchase) (bool, error)
	IncrementBalance(ctx context.Context, payerID, delta int64) (int64, error)
	EnsureGroup(ctx context.Context, groupID int64) error
	InsertSubscription(ctx context.Context, sub *types.Subscription) (bool, error)
}

// EventPublisher announces processed payments to collaborators.
type EventPublisher interface {
	PublishEntitlementGranted(ctx context.Context, evt types.EntitlementGrantedEvent) error
}

// MetricsRecorder receives ledger telemetry. Implementations must not block.
type MetricsRecorder interface {
	RecordInvoiceIssued(ctx context.Context, category types.PlanCategory)
	RecordPreCheckout(ctx context.Context, category types.PlanCategory, cause types.RejectCause)
	RecordConfirmation(ctx context.Context, category types.PlanCategory, outcome types.Outcome, cause types.RejectCause)
	RecordOrphans(ctx context.Context, count int)
}

// Config holds the ledger's tunables.
type Config struct {
	Currency        string
	InvoiceTTL      time.Duration
	CallbackTimeout time.Duration

	// Feature switches. A disabled category cannot be invoiced; invoices
	// already issued still authorize and confirm.
	PersonalEnabled bool
	GroupsEnabled   bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Currency:        NativeCurrency,
		InvoiceTTL:      DefaultInvoiceTTL,
		CallbackTimeout: DefaultCallbackTimeout,
		PersonalEnabled: true,
		GroupsEnabled:   true,
	}
}

// Ledger is the entitlement ledger. It holds no mutable state of its own; all
// coordination happens in the Store through conditional and idempotent writes,
// so any number of Ledger instances may run against the same database.
type Ledger struct {
	store     Store
	catalog   *Catalog
	currency  Currency
	cfg       Config
	logger    *slog.Logger
	publisher EventPublisher
	metrics   MetricsRecorder
	newID     func() string
	clock     func() time.Time
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithPublisher sets the event publisher used after processed confirmations.
func WithPublisher(p EventPublisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

// WithMetrics sets the telemetry recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithIDGenerator overrides invoice id generation.
func WithIDGenerator(fn func() string) Option {
	return func(l *Ledger) { l.newID = fn }
}

// WithClock overrides the clock used to stamp new invoices.
func WithClock(fn func() time.Time) Option {
	return func(l *Ledger) { l.clock = fn }
}

// NewLedger wires a Ledger. It fails when the configured currency is unknown.
func NewLedger(store Store, catalog *Catalog, cfg Config, logger *slog.Logger, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("billing: store must not be nil")
	}
	if catalog == nil {
		return nil, fmt.Errorf("billing: catalog must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Currency == "" {
		cfg.Currency = NativeCurrency
	}
	if cfg.InvoiceTTL <= 0 {
		cfg.InvoiceTTL = DefaultInvoiceTTL
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = DefaultCallbackTimeout
	}
	cur, err := LookupCurrency(cfg.Currency)
	if err != nil {
		return nil, err
	}

	l := &Ledger{
		store:     store,
		catalog:   catalog,
		currency:  cur,
		cfg:       cfg,
		logger:    logger,
		publisher: noopPublisher{},
		metrics:   noopMetrics{},
		newID:     func() string { return uuid.NewString() },
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Catalog exposes the plan catalog to the API layer.
func (l *Ledger) Catalog() *Catalog { return l.catalog }

// Currency returns the currency new invoices are issued in.
func (l *Ledger) Currency() Currency { return l.currency }

// InvoiceTTL returns how long an issued invoice stays payable.
func (l *Ledger) InvoiceTTL() time.Duration { return l.cfg.InvoiceTTL }

// IssueInvoice records a purchase intent for payerID and returns the new
// invoice. The amount is derived from the catalog, never from the caller.
//
// Errors: ErrCodeValidationInvalidPlanRef, ErrCodePlanUnknown,
// ErrCodePricingMisconfigured, ErrCodeFeatureDisabled,
// ErrCodeInternalIDExhausted, ErrCodeInternalDB.
func (l *Ledger) IssueInvoice(ctx context.Context, payerID int64, ref types.PlanRef) (*types.Invoice, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if err := l.categoryEnabled(ref.Category); err != nil {
		return nil, err
	}
	plan, err := l.catalog.Resolve(ref)
	if err != nil {
		return nil, err
	}
	if err := l.catalog.CheckPricing(plan); err != nil {
		l.logger.ErrorContext(ctx, "refusing to issue invoice for misconfigured plan",
			"plan_id", plan.ID,
			"price_units", plan.PriceUnits,
		)
		return nil, err
	}

	inv := &types.Invoice{
		PayerID:   payerID,
		PlanRef:   ref,
		Amount:    l.currency.ToMinor(plan.PriceUnits),
		Currency:  l.currency.Code,
		Status:    types.InvoiceCreated,
		CreatedAt: l.clock().Unix(),
	}

	for attempt := 1; attempt <= maxInvoiceIDAttempts; attempt++ {
		inv.ID = l.newID()
		err := l.store.CreateInvoice(ctx, inv)
		if err == nil {
			l.logger.InfoContext(ctx, "invoice issued",
				"invoice_id", inv.ID,
				"payer_id", payerID,
				"plan_ref", ref.String(),
				"amount", inv.Amount,
				"currency", inv.Currency,
			)
			l.metrics.RecordInvoiceIssued(ctx, ref.Category)
			return inv, nil
		}
		if !types.IsCode(err, types.ErrCodeConflictInvoiceID) {
			return nil, err
		}
		l.logger.WarnContext(ctx, "invoice id collision, regenerating",
			"attempt", attempt,
		)
	}

	return nil, types.NewAppError(
		types.ErrCodeInternalIDExhausted,
		fmt.Sprintf("could not allocate a unique invoice id after %d attempts", maxInvoiceIDAttempts),
		nil,
	)
}

// GetInvoice returns the invoice or an ErrCodeNotFoundInvoice AppError.
func (l *Ledger) GetInvoice(ctx context.Context, invoiceID string) (*types.Invoice, error) {
	return l.store.GetInvoice(ctx, invoiceID)
}

func (l *Ledger) categoryEnabled(c types.PlanCategory) error {
	enabled := l.cfg.PersonalEnabled
	if c.Scoped() {
		enabled = l.cfg.GroupsEnabled
	}
	if enabled {
		return nil
	}
	return types.NewAppError(types.ErrCodeFeatureDisabled, fmt.Sprintf("%s purchases are disabled", c), nil)
}

// withDeadline bounds a platform callback by the configured timeout.
func (l *Ledger) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.cfg.CallbackTimeout)
}

type noopPublisher struct{}

func (noopPublisher) PublishEntitlementGranted(context.Context, types.EntitlementGrantedEvent) error {
	return nil
}

type noopMetrics struct{}

func (noopMetrics) RecordInvoiceIssued(context.Context, types.PlanCategory)                  {}
func (noopMetrics) RecordPreCheckout(context.Context, types.PlanCategory, types.RejectCause) {}
func (noopMetrics) RecordConfirmation(context.Context, types.PlanCategory, types.Outcome, types.RejectCause) {
}
func (noopMetrics) RecordOrphans(context.Context, int) {}
