package billing

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"resolver/internal/types"
)

// ConfirmRequest carries the fields of a successful-payment notification.
type ConfirmRequest struct {
	InvoiceID string
	ChargeID  string
	PayerID   int64
	Amount    int64
	Currency  string
}

// Receipt describes what a confirmation did. Plan, GroupID, Balance and the
// window are populated only for processed outcomes.
type Receipt struct {
	Outcome  types.Outcome
	Cause    types.RejectCause
	Category types.PlanCategory
	Plan     Plan
	GroupID  *int64
	Balance  int64
	StartTS  int64
	EndTS    *int64
}

// errSkippedInsert aborts the transaction when a ledger insert was ignored
// because its charge id is already recorded.
var errSkippedInsert = errors.New("billing: ledger row already exists for charge")

// errLostRace aborts the transaction when the invoice was no longer created.
var errLostRace = errors.New("billing: invoice left created state concurrently")

// Confirm applies a successful payment exactly once. See ConfirmReceipt.
func (l *Ledger) Confirm(ctx context.Context, req ConfirmRequest, now int64) (types.Outcome, error) {
	r, err := l.ConfirmReceipt(ctx, req, now)
	return r.Outcome, err
}

// ConfirmReceipt applies a successful payment and describes the result.
//
// The external charge id is the idempotency key. The invoice transition,
// the ledger row and the entitlement effect commit in one transaction, so a
// charge either has all three or none. Repeated or concurrent deliveries of
// the same charge yield OutcomeDuplicate with no further effect.
//
// A persistence failure returns OutcomeInvalid with an ErrCodeInternalDB
// error; the call is safe to repeat. A blown deadline returns
// OutcomeInvalid with ErrCodeInternalTimeout.
func (l *Ledger) ConfirmReceipt(ctx context.Context, req ConfirmRequest, now int64) (Receipt, error) {
	ctx, cancel := l.withDeadline(ctx)
	defer cancel()

	log := l.logger.With(
		"invoice_id", req.InvoiceID,
		"payer_id", req.PayerID,
		"charge_suffix", types.ChargeSuffix(req.ChargeID),
	)

	if req.ChargeID == "" {
		log.WarnContext(ctx, "confirmation without charge id")
		return l.finish(ctx, Receipt{Outcome: types.OutcomeInvalid, Cause: types.CauseEmptyChargeID}, nil)
	}

	seen, err := l.store.ChargeExists(ctx, req.ChargeID)
	if err != nil {
		return l.fail(ctx, "", err)
	}
	if seen {
		log.InfoContext(ctx, "charge already applied")
		return l.finish(ctx, Receipt{Outcome: types.OutcomeDuplicate, Category: l.invoiceCategory(ctx, req.InvoiceID)}, nil)
	}

	claim := paymentClaim{
		invoiceID: req.InvoiceID,
		payerID:   req.PayerID,
		amount:    req.Amount,
		currency:  req.Currency,
	}
	inv, plan, cause, err := l.validate(ctx, claim, now)
	if err != nil {
		return l.fail(ctx, categoryOf(inv), err)
	}
	if cause == types.CauseStatusNotCreated && inv.ExternalChargeID != nil && *inv.ExternalChargeID == req.ChargeID {
		log.InfoContext(ctx, "invoice already paid by this charge")
		return l.finish(ctx, Receipt{Outcome: types.OutcomeDuplicate, Category: inv.PlanRef.Category}, nil)
	}
	if cause != types.CauseNone {
		log.WarnContext(ctx, "confirmation rejected", "cause", cause)
		return l.finish(ctx, Receipt{Outcome: types.OutcomeInvalid, Cause: cause, Category: categoryOf(inv)}, nil)
	}

	receipt := Receipt{
		Outcome:  types.OutcomeProcessed,
		Category: inv.PlanRef.Category,
		Plan:     plan,
		GroupID:  inv.PlanRef.GroupID,
	}

	err = l.store.RunInTx(ctx, func(tx LedgerTx) error {
		ok, err := tx.MarkInvoicePaid(ctx, inv.ID, req.ChargeID, now)
		if err != nil {
			return err
		}
		if !ok {
			return errLostRace
		}
		return l.applyEffect(ctx, tx, inv, plan, req.ChargeID, now, &receipt)
	})

	switch {
	case err == nil:
	case errors.Is(err, errSkippedInsert), types.IsCode(err, types.ErrCodeConflictChargeApplied):
		log.InfoContext(ctx, "charge applied concurrently, transaction rolled back")
		return l.finish(ctx, Receipt{Outcome: types.OutcomeDuplicate, Category: inv.PlanRef.Category}, nil)
	case errors.Is(err, errLostRace):
		// The winner may have been another delivery of this same charge.
		if again, cerr := l.store.ChargeExists(ctx, req.ChargeID); cerr == nil && again {
			log.InfoContext(ctx, "lost race to a duplicate delivery")
			return l.finish(ctx, Receipt{Outcome: types.OutcomeDuplicate, Category: inv.PlanRef.Category}, nil)
		}
		log.WarnContext(ctx, "invoice was paid by another charge")
		return l.finish(ctx, Receipt{Outcome: types.OutcomeInvalid, Cause: types.CauseLostRace, Category: inv.PlanRef.Category}, nil)
	default:
		return l.fail(ctx, inv.PlanRef.Category, err)
	}

	log.InfoContext(ctx, "payment processed",
		"plan_ref", inv.PlanRef.String(),
		"plan_id", plan.ID,
	)
	l.publish(ctx, inv, plan, req.ChargeID, now, receipt)
	return l.finish(ctx, receipt, nil)
}

// applyEffect writes the category-specific ledger row and entitlement.
func (l *Ledger) applyEffect(ctx context.Context, tx LedgerTx, inv *types.Invoice, plan Plan, chargeID string, now int64, receipt *Receipt) error {
	switch inv.PlanRef.Category {
	case types.CategoryPersonal:
		if err := tx.EnsureUser(ctx, inv.PayerID); err != nil {
			return err
		}
		inserted, err := tx.InsertPurchase(ctx, &types.Purchase{
			PayerID:          inv.PayerID,
			PriceUnits:       plan.PriceUnits,
			ResolvesAdded:    plan.ResolvesGranted,
			ExternalChargeID: chargeID,
			CreatedAt:        now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return errSkippedInsert
		}
		balance, err := tx.IncrementBalance(ctx, inv.PayerID, plan.ResolvesGranted)
		if err != nil {
			return err
		}
		receipt.Balance = balance
		return nil

	case types.CategoryGroup, types.CategoryAddon:
		groupID := inv.PlanRef.GroupIDOrZero()
		if err := tx.EnsureGroup(ctx, groupID); err != nil {
			return err
		}
		start, end := plan.Window(now)
		inserted, err := tx.InsertSubscription(ctx, &types.Subscription{
			Kind:             inv.PlanRef.Category,
			GroupID:          groupID,
			PlanID:           plan.ID,
			Status:           types.SubStatusActive,
			StartTS:          start,
			EndTS:            end,
			PriceUnits:       plan.PriceUnits,
			ExternalChargeID: chargeID,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return errSkippedInsert
		}
		receipt.StartTS = start
		receipt.EndTS = end
		return nil
	}
	return types.NewAppError(types.ErrCodeInternalUnexpected, "unhandled plan category "+string(inv.PlanRef.Category), nil)
}

func (l *Ledger) publish(ctx context.Context, inv *types.Invoice, plan Plan, chargeID string, now int64, r Receipt) {
	evt := types.EntitlementGrantedEvent{
		EventID:      uuid.NewString(),
		InvoiceID:    inv.ID,
		Category:     inv.PlanRef.Category,
		PlanID:       plan.ID,
		PayerID:      inv.PayerID,
		GroupID:      inv.PlanRef.GroupID,
		StartTS:      r.StartTS,
		EndTS:        r.EndTS,
		ChargeSuffix: types.ChargeSuffix(chargeID),
		OccurredAt:   now,
	}
	if inv.PlanRef.Category == types.CategoryPersonal {
		evt.ResolvesAdded = plan.ResolvesGranted
	}
	// The payment is committed; a lost event must not surface as a failure.
	if err := l.publisher.PublishEntitlementGranted(ctx, evt); err != nil {
		l.logger.WarnContext(ctx, "failed to publish entitlement event",
			"invoice_id", inv.ID,
			"error", err,
		)
	}
}

// invoiceCategory looks up the category of an invoice for reporting. It
// returns "" when the invoice cannot be read.
func (l *Ledger) invoiceCategory(ctx context.Context, invoiceID string) types.PlanCategory {
	if invoiceID == "" {
		return ""
	}
	inv, err := l.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return ""
	}
	return categoryOf(inv)
}

func (l *Ledger) finish(ctx context.Context, r Receipt, err error) (Receipt, error) {
	l.metrics.RecordConfirmation(ctx, r.Category, r.Outcome, r.Cause)
	return r, err
}

// fail maps an infrastructure error onto the invalid outcome.
func (l *Ledger) fail(ctx context.Context, category types.PlanCategory, err error) (Receipt, error) {
	r := Receipt{Outcome: types.OutcomeInvalid, Category: category}
	if isDeadline(ctx, err) {
		r.Cause = types.CauseTimeout
		l.logger.ErrorContext(ctx, "confirmation exceeded its deadline", "error", err)
		return l.finish(ctx, r, types.NewAppError(types.ErrCodeInternalTimeout, "confirmation timed out", err))
	}
	r.Cause = types.CauseInternal
	l.logger.ErrorContext(ctx, "confirmation failed", "error", err)

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		err = types.NewAppError(types.ErrCodeInternalDB, "failed to confirm payment", err)
	}
	return l.finish(ctx, r, err)
}
