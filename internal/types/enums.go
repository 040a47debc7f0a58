package types

// InvoiceStatus is the lifecycle state of an invoice. The only legal
// transition is InvoiceCreated -> InvoicePaid.
type InvoiceStatus string

const (
	InvoiceCreated InvoiceStatus = "created"
	InvoicePaid    InvoiceStatus = "paid"
)

// PlanCategory is the closed set of purchasable offering kinds.
type PlanCategory string

const (
	CategoryPersonal PlanCategory = "personal"
	CategoryGroup    PlanCategory = "group"
	CategoryAddon    PlanCategory = "addon"
)

// Valid reports whether c is one of the known categories.
func (c PlanCategory) Valid() bool {
	switch c {
	case CategoryPersonal, CategoryGroup, CategoryAddon:
		return true
	}
	return false
}

// Scoped reports whether refs of this category carry a group id.
func (c PlanCategory) Scoped() bool {
	return c == CategoryGroup || c == CategoryAddon
}

// SubscriptionStatus is the status column of a subscription ledger row.
type SubscriptionStatus string

const (
	SubStatusActive SubscriptionStatus = "active"
)

// Outcome is the result of a payment confirmation.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeInvalid   Outcome = "invalid"
)

// RejectCause is the internal diagnostic attached to a rejected
// pre-authorization or an invalid confirmation. It is logged, never shown to
// the payer.
type RejectCause string

const (
	CauseNone              RejectCause = ""
	CauseEmptyChargeID     RejectCause = "empty_charge_id"
	CauseInvoiceNotFound   RejectCause = "invoice_not_found"
	CauseStatusNotCreated  RejectCause = "status_not_created"
	CausePayerMismatch     RejectCause = "payer_mismatch"
	CauseExpired           RejectCause = "invoice_expired"
	CauseCurrencyMismatch  RejectCause = "currency_mismatch"
	CauseAmountMismatch    RejectCause = "amount_mismatch"
	CausePlanUnknown       RejectCause = "plan_unknown"
	CausePlanPriceMismatch RejectCause = "plan_price_mismatch"
	CauseAddonWithoutBase  RejectCause = "addon_without_active_subscription"
	CauseLostRace          RejectCause = "conditional_update_lost"
	CauseTimeout           RejectCause = "timeout"
	CauseInternal          RejectCause = "internal"
)
