package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/vpnshop/internal/auth"
	"github.com/dukerupert/vpnshop/internal/billing"
	"github.com/dukerupert/vpnshop/internal/model"
)

// Billing is the part of billing.Service the API exposes.
type Billing interface {
	PurchaseWithBalance(ctx context.Context, accountID, tariffID int64) (*billing.Provisioned, error)
	PurchaseWithGateway(ctx context.Context, accountID, tariffID int64) (*billing.GatewayPayment, error)
	RenewWithBalance(ctx context.Context, accountID, subscriptionID, tariffID int64) (*billing.Provisioned, error)
	RenewWithGateway(ctx context.Context, accountID, subscriptionID, tariffID int64) (*billing.GatewayPayment, error)
	CheckPayment(ctx context.Context, accountID int64, paymentID string) (billing.Outcome, error)
	PaymentStatus(ctx context.Context, accountID int64, paymentID string) (*billing.PaymentView, error)
	ReplaceKey(ctx context.Context, accountID, subscriptionID, serverID int64) (*billing.Provisioned, error)
	RenewalPreview(ctx context.Context, accountID, subscriptionID, tariffID int64) (*billing.RenewalPreview, error)
	Balance(ctx context.Context, accountID int64) (decimal.Decimal, error)
	Subscriptions(ctx context.Context, accountID int64) ([]model.Subscription, error)
}

type BillingHandler struct {
	billing Billing
	logger  *slog.Logger
	now     func() time.Time
}

func NewBillingHandler(b Billing, logger *slog.Logger) *BillingHandler {
	return &BillingHandler{billing: b, logger: logger.With("component", "api"), now: time.Now}
}

const (
	methodBalance = "balance"
	methodGateway = "gateway"
)

type purchaseRequest struct {
	TariffID int64  `json:"tariff_id"`
	Method   string `json:"method"`
}

type renewalRequest struct {
	SubscriptionID int64  `json:"subscription_id"`
	TariffID       int64  `json:"tariff_id"`
	Method         string `json:"method"`
}

type replaceRequest struct {
	ServerID int64 `json:"server_id"`
}

type subscriptionResponse struct {
	Subscription   model.Subscription `json:"subscription"`
	TariffName     string             `json:"tariff_name"`
	ServerName     string             `json:"server_name"`
	ServerLocation string             `json:"server_location"`
	Days           int                `json:"days"`
	DaysLeft       int                `json:"days_left"`
}

type paymentResponse struct {
	PaymentID   string          `json:"payment_id"`
	RedirectURL string          `json:"redirect_url"`
	Amount      decimal.Decimal `json:"amount"`
}

type checkResponse struct {
	Outcome string               `json:"outcome"`
	Payment *billing.PaymentView `json:"payment,omitempty"`
}

func (h *BillingHandler) toResponse(p *billing.Provisioned) subscriptionResponse {
	return subscriptionResponse{
		Subscription:   p.Subscription,
		TariffName:     p.Tariff.Name,
		ServerName:     p.Server.Name,
		ServerLocation: p.Server.Location,
		Days:           p.Days,
		DaysLeft:       p.Subscription.DaysLeft(h.now().UTC()),
	}
}

func writePayment(w http.ResponseWriter, gp *billing.GatewayPayment) {
	writeJSON(w, http.StatusAccepted, paymentResponse{
		PaymentID:   gp.PaymentID,
		RedirectURL: gp.RedirectURL,
		Amount:      gp.Amount,
	})
}

func (h *BillingHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.TariffID <= 0 {
		writeErr(w, http.StatusBadRequest, "tariff_id is required")
		return
	}
	accountID := auth.AccountID(r.Context())

	switch req.Method {
	case methodBalance:
		p, err := h.billing.PurchaseWithBalance(r.Context(), accountID, req.TariffID)
		if err != nil {
			writeFailure(w, h.logger, "purchase with balance", err)
			return
		}
		writeJSON(w, http.StatusCreated, h.toResponse(p))
	case methodGateway:
		gp, err := h.billing.PurchaseWithGateway(r.Context(), accountID, req.TariffID)
		if err != nil {
			writeFailure(w, h.logger, "purchase with gateway", err)
			return
		}
		writePayment(w, gp)
	default:
		writeErr(w, http.StatusBadRequest, "method must be balance or gateway")
	}
}

func (h *BillingHandler) Renew(w http.ResponseWriter, r *http.Request) {
	var req renewalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SubscriptionID <= 0 || req.TariffID <= 0 {
		writeErr(w, http.StatusBadRequest, "subscription_id and tariff_id are required")
		return
	}
	accountID := auth.AccountID(r.Context())

	switch req.Method {
	case methodBalance:
		p, err := h.billing.RenewWithBalance(r.Context(), accountID, req.SubscriptionID, req.TariffID)
		if err != nil {
			writeFailure(w, h.logger, "renew with balance", err)
			return
		}
		writeJSON(w, http.StatusOK, h.toResponse(p))
	case methodGateway:
		gp, err := h.billing.RenewWithGateway(r.Context(), accountID, req.SubscriptionID, req.TariffID)
		if err != nil {
			writeFailure(w, h.logger, "renew with gateway", err)
			return
		}
		writePayment(w, gp)
	default:
		writeErr(w, http.StatusBadRequest, "method must be balance or gateway")
	}
}

// RenewalPreview answers GET /api/subscriptions/{id}/renewal?tariff_id=N.
func (h *BillingHandler) RenewalPreview(w http.ResponseWriter, r *http.Request) {
	subID, err := parseIDParam(r, "id")
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid subscription id")
		return
	}
	tariffID, err := strconv.ParseInt(r.URL.Query().Get("tariff_id"), 10, 64)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid tariff_id")
		return
	}
	preview, err := h.billing.RenewalPreview(r.Context(), auth.AccountID(r.Context()), subID, tariffID)
	if err != nil {
		writeFailure(w, h.logger, "renewal preview", err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

// CheckPayment runs one confirmation attempt. Open payments answer 202.
func (h *BillingHandler) CheckPayment(w http.ResponseWriter, r *http.Request) {
	paymentID := r.PathValue("id")
	accountID := auth.AccountID(r.Context())

	outcome, err := h.billing.CheckPayment(r.Context(), accountID, paymentID)
	if err != nil {
		writeFailure(w, h.logger, "check payment", err)
		return
	}
	resp := checkResponse{Outcome: outcome.String()}
	if !outcome.Terminal() {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	view, err := h.billing.PaymentStatus(r.Context(), accountID, paymentID)
	if err != nil {
		writeFailure(w, h.logger, "payment status", err)
		return
	}
	resp.Payment = view
	writeJSON(w, http.StatusOK, resp)
}

func (h *BillingHandler) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.billing.PaymentStatus(r.Context(), auth.AccountID(r.Context()), r.PathValue("id"))
	if err != nil {
		writeFailure(w, h.logger, "payment status", err)
		return
	}
	if view.State == billing.PaymentNotFound {
		writeJSON(w, http.StatusNotFound, view)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *BillingHandler) Replace(w http.ResponseWriter, r *http.Request) {
	subID, err := parseIDParam(r, "id")
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid subscription id")
		return
	}
	var req replaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ServerID <= 0 {
		writeErr(w, http.StatusBadRequest, "server_id is required")
		return
	}

	p, err := h.billing.ReplaceKey(r.Context(), auth.AccountID(r.Context()), subID, req.ServerID)
	if err != nil {
		writeFailure(w, h.logger, "replace key", err)
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(p))
}

func (h *BillingHandler) Balance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.billing.Balance(r.Context(), auth.AccountID(r.Context()))
	if err != nil {
		writeFailure(w, h.logger, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": bal.StringFixed(2)})
}

func (h *BillingHandler) Subscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.billing.Subscriptions(r.Context(), auth.AccountID(r.Context()))
	if err != nil {
		writeFailure(w, h.logger, "list subscriptions", err)
		return
	}
	if subs == nil {
		subs = []model.Subscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}
