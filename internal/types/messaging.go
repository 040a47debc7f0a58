package types

// EntitlementGrantedEvent is published after a confirmation is processed so
// collaborators can refresh cached menus or notify group admins.
type EntitlementGrantedEvent struct {
	EventID       string       `json:"event_id"`
	InvoiceID     string       `json:"invoice_id"`
	Category      PlanCategory `json:"category"`
	PlanID        string       `json:"plan_id"`
	PayerID       int64        `json:"payer_id"`
	GroupID       *int64       `json:"group_id,omitempty"`
	ResolvesAdded int64        `json:"resolves_added,omitempty"`
	StartTS       int64        `json:"start_ts,omitempty"`
	EndTS         *int64       `json:"end_ts,omitempty"`
	ChargeSuffix  string       `json:"charge_suffix"`
	OccurredAt    int64        `json:"occurred_at"`
}
