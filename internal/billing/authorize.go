package billing

import (
	"context"
	"errors"

	"resolver/internal/types"
)

// RejectReason is the only text a payer ever sees for a refused
// pre-checkout, whatever the underlying cause.
const RejectReason = "Invoice expired or invalid. Please try again."

// AuthorizeRequest carries the fields of a pre-checkout query.
type AuthorizeRequest struct {
	InvoiceID string
	PayerID   int64
	Amount    int64
	Currency  string
}

// Decision is the answer to a pre-checkout query. Cause is for logs only.
type Decision struct {
	Accept bool
	Reason string
	Cause  types.RejectCause
}

func accept() Decision { return Decision{Accept: true} }

func reject(cause types.RejectCause) Decision {
	return Decision{Reason: RejectReason, Cause: cause}
}

// paymentClaim is the part of a platform callback that must match the
// stored invoice.
type paymentClaim struct {
	invoiceID string
	payerID   int64
	amount    int64
	currency  string
}

// Authorize decides whether the platform may collect payment for an invoice.
// It never mutates entitlements. On acceptance it idempotently ensures the
// user or group record exists so confirmation has somewhere to write.
//
// Persistence failures and deadline overruns reject; the payer can retry.
func (l *Ledger) Authorize(ctx context.Context, req AuthorizeRequest, now int64) Decision {
	ctx, cancel := l.withDeadline(ctx)
	defer cancel()

	claim := paymentClaim{
		invoiceID: req.InvoiceID,
		payerID:   req.PayerID,
		amount:    req.Amount,
		currency:  req.Currency,
	}

	inv, _, cause, err := l.validate(ctx, claim, now)
	if err != nil {
		cause = failureCause(ctx, err)
		l.logger.ErrorContext(ctx, "pre-checkout validation failed",
			"invoice_id", req.InvoiceID,
			"cause", cause,
			"error", err,
		)
		l.metrics.RecordPreCheckout(ctx, categoryOf(inv), cause)
		return reject(cause)
	}
	if cause != types.CauseNone {
		l.logger.WarnContext(ctx, "pre-checkout rejected",
			"invoice_id", req.InvoiceID,
			"payer_id", req.PayerID,
			"cause", cause,
		)
		l.metrics.RecordPreCheckout(ctx, categoryOf(inv), cause)
		return reject(cause)
	}

	if err := l.ensureOwner(ctx, inv); err != nil {
		cause = failureCause(ctx, err)
		l.logger.ErrorContext(ctx, "pre-checkout ensure owner failed",
			"invoice_id", req.InvoiceID,
			"cause", cause,
			"error", err,
		)
		l.metrics.RecordPreCheckout(ctx, inv.PlanRef.Category, cause)
		return reject(cause)
	}

	l.logger.InfoContext(ctx, "pre-checkout accepted",
		"invoice_id", req.InvoiceID,
		"payer_id", req.PayerID,
		"plan_ref", inv.PlanRef.String(),
	)
	l.metrics.RecordPreCheckout(ctx, inv.PlanRef.Category, types.CauseNone)
	return accept()
}

// validate runs the shared invoice checks in their short-circuit order:
// existence, status, payer, TTL, currency, amount, catalog price and the
// add-on dependency. A non-empty cause means the claim is invalid; a non-nil
// error means the checks could not be completed.
func (l *Ledger) validate(ctx context.Context, claim paymentClaim, now int64) (*types.Invoice, Plan, types.RejectCause, error) {
	inv, err := l.store.GetInvoice(ctx, claim.invoiceID)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundInvoice) {
			return nil, Plan{}, types.CauseInvoiceNotFound, nil
		}
		return nil, Plan{}, types.CauseInternal, err
	}

	if inv.Status != types.InvoiceCreated {
		return inv, Plan{}, types.CauseStatusNotCreated, nil
	}
	if inv.PayerID != claim.payerID {
		return inv, Plan{}, types.CausePayerMismatch, nil
	}
	if now-inv.CreatedAt > int64(l.cfg.InvoiceTTL.Seconds()) {
		return inv, Plan{}, types.CauseExpired, nil
	}
	if claim.currency != inv.Currency {
		return inv, Plan{}, types.CauseCurrencyMismatch, nil
	}
	if claim.amount != inv.Amount {
		return inv, Plan{}, types.CauseAmountMismatch, nil
	}

	plan, err := l.catalog.Resolve(inv.PlanRef)
	if err != nil {
		return inv, Plan{}, types.CausePlanUnknown, nil
	}
	cur, err := LookupCurrency(inv.Currency)
	if err != nil || cur.ToMinor(plan.PriceUnits) != inv.Amount {
		return inv, plan, types.CausePlanPriceMismatch, nil
	}

	if inv.PlanRef.Category == types.CategoryAddon {
		base, err := l.store.LatestSubscription(ctx, types.CategoryGroup, inv.PlanRef.GroupIDOrZero())
		if err != nil {
			return inv, plan, types.CauseInternal, err
		}
		if !base.ActiveAt(now) {
			return inv, plan, types.CauseAddonWithoutBase, nil
		}
	}

	return inv, plan, types.CauseNone, nil
}

func (l *Ledger) ensureOwner(ctx context.Context, inv *types.Invoice) error {
	if inv.PlanRef.Category.Scoped() {
		return l.store.EnsureGroup(ctx, inv.PlanRef.GroupIDOrZero())
	}
	return l.store.EnsureUser(ctx, inv.PayerID)
}

// failureCause distinguishes a blown callback budget from other failures.
func failureCause(ctx context.Context, err error) types.RejectCause {
	if isDeadline(ctx, err) {
		return types.CauseTimeout
	}
	return types.CauseInternal
}

func isDeadline(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func categoryOf(inv *types.Invoice) types.PlanCategory {
	if inv == nil {
		return ""
	}
	return inv.PlanRef.Category
}
