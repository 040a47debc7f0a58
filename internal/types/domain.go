package types

// Invoice is a persisted purchase intent. Timestamps are epoch seconds and
// Amount is in the minor unit of Currency.
type Invoice struct {
	ID               string        `json:"invoice_id"`
	PayerID          int64         `json:"payer_id"`
	PlanRef          PlanRef       `json:"plan_ref"`
	Amount           int64         `json:"amount"`
	Currency         string        `json:"currency"`
	Status           InvoiceStatus `json:"status"`
	CreatedAt        int64         `json:"created_at"`
	PaidAt           *int64        `json:"paid_at,omitempty"`
	ExternalChargeID *string       `json:"-"`
}

// Purchase is the personal ledger row written when a personal invoice is paid.
type Purchase struct {
	PayerID          int64
	PriceUnits       int64
	ResolvesAdded    int64
	ExternalChargeID string
	CreatedAt        int64
}

// Subscription is a group or add-on ledger row. Kind is CategoryGroup or
// CategoryAddon and selects the backing table. A nil EndTS never expires.
type Subscription struct {
	Kind             PlanCategory
	GroupID          int64
	PlanID           string
	Status           SubscriptionStatus
	StartTS          int64
	EndTS            *int64
	PriceUnits       int64
	ExternalChargeID string
}

// ActiveAt applies the projection rule to a single row.
func (s *Subscription) ActiveAt(now int64) bool {
	if s == nil || s.Status != SubStatusActive {
		return false
	}
	return s.EndTS == nil || *s.EndTS > now
}

// GroupSubscriptionInfo is the group subscription projection.
type GroupSubscriptionInfo struct {
	Active bool   `json:"active"`
	PlanID string `json:"plan_id,omitempty"`
	EndTS  *int64 `json:"end_ts"`
}

// AddonInfo is the add-on projection.
type AddonInfo struct {
	Active bool   `json:"active"`
	PlanID string `json:"plan_id,omitempty"`
	EndTS  *int64 `json:"end_ts"`
}

// ChargeSuffix returns the last six characters of a charge id for logging.
func ChargeSuffix(chargeID string) string {
	if len(chargeID) <= 6 {
		return chargeID
	}
	return chargeID[len(chargeID)-6:]
}
