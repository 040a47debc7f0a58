package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"resolver/internal/billing"
	"resolver/internal/core"
	"resolver/internal/external"
	"resolver/internal/types"
)

// --- Service Interfaces ---

// LedgerService is the subset of billing.Ledger served over /v1.
type LedgerService interface {
	IssueInvoice(ctx context.Context, payerID int64, ref types.PlanRef) (*types.Invoice, error)
	GetInvoice(ctx context.Context, invoiceID string) (*types.Invoice, error)
	GetPersonalBalance(ctx context.Context, payerID int64) (int64, error)
	ConsumeCredit(ctx context.Context, payerID int64) (bool, error)
	GetGroupSubscriptionInfo(ctx context.Context, groupID, now int64) (types.GroupSubscriptionInfo, error)
	GetAddonInfo(ctx context.Context, groupID, now int64) (types.AddonInfo, error)
	Catalog() *billing.Catalog
	Currency() billing.Currency
	InvoiceTTL() time.Duration
}

// InvoiceSender delivers an issued invoice to the payer's chat.
type InvoiceSender interface {
	SendInvoice(ctx context.Context, msg external.InvoiceMessage) error
}

// --- Request/Response Models ---

// CreateInvoiceRequest is the body of POST /v1/invoices. The plan is given
// either as a canonical plan_ref string or as its parts.
type CreateInvoiceRequest struct {
	PayerID     int64  `json:"payer_id" validate:"required,gt=0"`
	PlanRef     string `json:"plan_ref" validate:"required_without=PlanID"`
	Category    string `json:"category" validate:"omitempty,oneof=personal group addon"`
	PlanID      string `json:"plan_id" validate:"required_without=PlanRef"`
	GroupID     *int64 `json:"group_id"`
	SendInvoice bool   `json:"send_invoice"`
}

// InvoiceResponse describes an invoice. Payload is what goes into the
// platform invoice and comes back on pre-checkout and confirmation.
type InvoiceResponse struct {
	InvoiceID   string              `json:"invoice_id"`
	PayerID     int64               `json:"payer_id"`
	PlanRef     string              `json:"plan_ref"`
	Amount      int64               `json:"amount"`
	Currency    string              `json:"currency"`
	Status      types.InvoiceStatus `json:"status"`
	CreatedAt   int64               `json:"created_at"`
	ExpiresAt   int64               `json:"expires_at"`
	PaidAt      *int64              `json:"paid_at,omitempty"`
	Payload     string              `json:"payload"`
	InvoiceSent *bool               `json:"invoice_sent,omitempty"`
}

// BalanceResponse is the response for GET /v1/users/{payerID}/balance.
type BalanceResponse struct {
	PayerID  int64 `json:"payer_id"`
	Resolves int64 `json:"resolves"`
}

// ConsumeResponse is the response for POST /v1/users/{payerID}/consume.
type ConsumeResponse struct {
	PayerID  int64 `json:"payer_id"`
	Consumed bool  `json:"consumed"`
	Resolves int64 `json:"resolves"`
}

// EntitlementsResponse is the response for GET /v1/groups/{groupID}/entitlements.
type EntitlementsResponse struct {
	GroupID      int64                       `json:"group_id"`
	Subscription types.GroupSubscriptionInfo `json:"subscription"`
	Addon        types.AddonInfo             `json:"addon"`
}

// PlanResponse is one catalog entry with its invoice amount.
type PlanResponse struct {
	billing.Plan
	Amount int64 `json:"amount"`
}

// PlansResponse is the response for GET /v1/plans.
type PlansResponse struct {
	Currency string         `json:"currency"`
	Plans    []PlanResponse `json:"plans"`
}

// --- Ledger Handler ---

// LedgerHandler serves the collaborator API.
type LedgerHandler struct {
	ledger    LedgerService
	sender    InvoiceSender
	validator *core.Validator
	logger    *slog.Logger
	now       func() time.Time
}

// NewLedgerHandler creates a LedgerHandler. sender may be nil, in which case
// send_invoice requests are rejected.
func NewLedgerHandler(ledger LedgerService, sender InvoiceSender, v *core.Validator, l *slog.Logger) *LedgerHandler {
	if l == nil {
		l = slog.Default()
	}
	return &LedgerHandler{
		ledger:    ledger,
		sender:    sender,
		validator: v,
		logger:    l,
		now:       time.Now,
	}
}

// RegisterRoutes mounts the ledger endpoints under the /v1 router.
func (h *LedgerHandler) RegisterRoutes(r chi.Router) {
	r.Post("/invoices", h.CreateInvoice)
	r.Get("/invoices/{invoiceID}", h.GetInvoice)

	r.Get("/users/{payerID}/balance", h.GetBalance)
	r.Post("/users/{payerID}/consume", h.ConsumeCredit)

	r.Get("/groups/{groupID}/subscription", h.GetGroupSubscription)
	r.Get("/groups/{groupID}/addon", h.GetAddon)
	r.Get("/groups/{groupID}/entitlements", h.GetEntitlements)

	r.Get("/plans", h.ListPlans)
}

// CreateInvoice handles POST /v1/invoices.
//
// The amount always comes from the catalog. With send_invoice set the
// invoice is also delivered to the payer's private chat; a delivery failure
// is reported in invoice_sent and does not undo the issued invoice.
func (h *LedgerHandler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	if req.SendInvoice && h.sender == nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeFeatureDisabled,
			"invoice delivery is not configured",
			nil,
		))
		return
	}

	ref, err := req.planRef()
	if err != nil {
		core.Error(w, r, err)
		return
	}

	inv, err := h.ledger.IssueInvoice(r.Context(), req.PayerID, ref)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	resp := h.invoiceResponse(inv)
	if req.SendInvoice {
		sent := h.sendInvoice(r.Context(), inv)
		resp.InvoiceSent = &sent
	}

	core.Data(w, r, http.StatusCreated, resp)
}

func (req CreateInvoiceRequest) planRef() (types.PlanRef, error) {
	if req.PlanRef != "" {
		return types.ParsePlanRef(req.PlanRef)
	}
	ref := types.PlanRef{
		Category: types.PlanCategory(req.Category),
		PlanID:   req.PlanID,
		GroupID:  req.GroupID,
	}
	if ref.Category == "" {
		ref.Category = types.CategoryPersonal
	}
	return ref, ref.Validate()
}

func (h *LedgerHandler) sendInvoice(ctx context.Context, inv *types.Invoice) bool {
	plan, err := h.ledger.Catalog().Resolve(inv.PlanRef)
	if err != nil {
		h.logger.ErrorContext(ctx, "issued invoice has no catalog plan", "invoice_id", inv.ID, "error", err)
		return false
	}

	msg := external.InvoiceMessage{
		ChatID:   inv.PayerID,
		Title:    plan.Name + " - The Resolver",
		Payload:  inv.ID,
		Currency: inv.Currency,
	}
	switch plan.Category {
	case types.CategoryPersonal:
		msg.Description = fmt.Sprintf("Get %d resolve(s) for The Resolver bot", plan.ResolvesGranted)
		msg.Prices = []external.LabeledPrice{{Label: fmt.Sprintf("%d Resolves", plan.ResolvesGranted), Amount: inv.Amount}}
	default:
		msg.Description = fmt.Sprintf("%s for group %d on The Resolver bot", plan.Name, inv.PlanRef.GroupIDOrZero())
		msg.Prices = []external.LabeledPrice{{Label: plan.Name, Amount: inv.Amount}}
	}

	if err := h.sender.SendInvoice(ctx, msg); err != nil {
		h.logger.WarnContext(ctx, "failed to send invoice", "invoice_id", inv.ID, "error", err)
		return false
	}
	return true
}

// GetInvoice handles GET /v1/invoices/{invoiceID}.
func (h *LedgerHandler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	invoiceID := chi.URLParam(r, "invoiceID")
	inv, err := h.ledger.GetInvoice(r.Context(), invoiceID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, h.invoiceResponse(inv))
}

// GetBalance handles GET /v1/users/{payerID}/balance.
func (h *LedgerHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	payerID, err := payerIDParam(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	balance, err := h.ledger.GetPersonalBalance(r.Context(), payerID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, BalanceResponse{PayerID: payerID, Resolves: balance})
}

// ConsumeCredit handles POST /v1/users/{payerID}/consume. An empty balance
// is not an error: consumed is false.
func (h *LedgerHandler) ConsumeCredit(w http.ResponseWriter, r *http.Request) {
	payerID, err := payerIDParam(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	consumed, err := h.ledger.ConsumeCredit(r.Context(), payerID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	balance, err := h.ledger.GetPersonalBalance(r.Context(), payerID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, ConsumeResponse{PayerID: payerID, Consumed: consumed, Resolves: balance})
}

// GetGroupSubscription handles GET /v1/groups/{groupID}/subscription.
func (h *LedgerHandler) GetGroupSubscription(w http.ResponseWriter, r *http.Request) {
	groupID, now, err := h.groupQuery(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	info, err := h.ledger.GetGroupSubscriptionInfo(r.Context(), groupID, now)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, info)
}

// GetAddon handles GET /v1/groups/{groupID}/addon.
func (h *LedgerHandler) GetAddon(w http.ResponseWriter, r *http.Request) {
	groupID, now, err := h.groupQuery(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	info, err := h.ledger.GetAddonInfo(r.Context(), groupID, now)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, info)
}

// GetEntitlements handles GET /v1/groups/{groupID}/entitlements. Both
// projections are evaluated at the same instant and read concurrently.
func (h *LedgerHandler) GetEntitlements(w http.ResponseWriter, r *http.Request) {
	groupID, now, err := h.groupQuery(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	resp := EntitlementsResponse{GroupID: groupID}
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		info, err := h.ledger.GetGroupSubscriptionInfo(ctx, groupID, now)
		resp.Subscription = info
		return err
	})
	g.Go(func() error {
		info, err := h.ledger.GetAddonInfo(ctx, groupID, now)
		resp.Addon = info
		return err
	})
	if err := g.Wait(); err != nil {
		core.Error(w, r, err)
		return
	}

	core.Data(w, r, http.StatusOK, resp)
}

// ListPlans handles GET /v1/plans with an optional category filter.
func (h *LedgerHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	category := types.PlanCategory(r.URL.Query().Get("category"))
	if category != "" && !category.Valid() {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidPlanRef,
			"unknown plan category",
			nil,
			map[string]any{"category": string(category)},
		))
		return
	}

	cur := h.ledger.Currency()
	plans := h.ledger.Catalog().Plans(category)
	resp := PlansResponse{Currency: cur.Code, Plans: make([]PlanResponse, 0, len(plans))}
	for _, p := range plans {
		resp.Plans = append(resp.Plans, PlanResponse{Plan: p, Amount: cur.ToMinor(p.PriceUnits)})
	}
	core.Data(w, r, http.StatusOK, resp)
}

func (h *LedgerHandler) invoiceResponse(inv *types.Invoice) InvoiceResponse {
	return InvoiceResponse{
		InvoiceID: inv.ID,
		PayerID:   inv.PayerID,
		PlanRef:   inv.PlanRef.String(),
		Amount:    inv.Amount,
		Currency:  inv.Currency,
		Status:    inv.Status,
		CreatedAt: inv.CreatedAt,
		ExpiresAt: inv.CreatedAt + int64(h.ledger.InvoiceTTL().Seconds()),
		PaidAt:    inv.PaidAt,
		Payload:   inv.ID,
	}
}

// groupQuery parses the groupID path parameter and the optional now query
// parameter, which defaults to the current time.
func (h *LedgerHandler) groupQuery(r *http.Request) (groupID, now int64, err error) {
	groupID, err = strconv.ParseInt(chi.URLParam(r, "groupID"), 10, 64)
	if err != nil || groupID == 0 {
		return 0, 0, types.NewAppError(types.ErrCodeValidationInvalidID, "groupID must be a non-zero integer", nil)
	}

	now = h.now().Unix()
	if raw := r.URL.Query().Get("now"); raw != "" {
		now, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || now < 0 {
			return 0, 0, types.NewAppError(types.ErrCodeValidationInvalidTime, "now must be epoch seconds", nil)
		}
	}
	return groupID, now, nil
}

func payerIDParam(r *http.Request) (int64, error) {
	payerID, err := strconv.ParseInt(chi.URLParam(r, "payerID"), 10, 64)
	if err != nil || payerID <= 0 {
		return 0, types.NewAppError(types.ErrCodeValidationInvalidID, "payerID must be a positive integer", nil)
	}
	return payerID, nil
}
