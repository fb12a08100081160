package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/vpnshop/internal/auth"
	"github.com/dukerupert/vpnshop/internal/model"
)

type TariffLister interface {
	ListEnabled(ctx context.Context) ([]model.Tariff, error)
}

type ServerLister interface {
	ListEnabled(ctx context.Context) ([]model.Server, error)
}

type RewardLister interface {
	Rewards(ctx context.Context, accountID int64) ([]model.ReferralReward, decimal.Decimal, error)
}

// CatalogHandler serves tariffs, servers and the caller's account.
type CatalogHandler struct {
	tariffs TariffLister
	servers ServerLister
	rewards RewardLister
	logger  *slog.Logger
}

func NewCatalogHandler(tariffs TariffLister, servers ServerLister, rewards RewardLister, logger *slog.Logger) *CatalogHandler {
	return &CatalogHandler{tariffs: tariffs, servers: servers, rewards: rewards, logger: logger.With("component", "api")}
}

func (h *CatalogHandler) Tariffs(w http.ResponseWriter, r *http.Request) {
	tariffs, err := h.tariffs.ListEnabled(r.Context())
	if err != nil {
		writeFailure(w, h.logger, "list tariffs", err)
		return
	}
	if tariffs == nil {
		tariffs = []model.Tariff{}
	}
	writeJSON(w, http.StatusOK, tariffs)
}

func (h *CatalogHandler) Servers(w http.ResponseWriter, r *http.Request) {
	servers, err := h.servers.ListEnabled(r.Context())
	if err != nil {
		writeFailure(w, h.logger, "list servers", err)
		return
	}
	if servers == nil {
		servers = []model.Server{}
	}
	writeJSON(w, http.StatusOK, servers)
}

type accountResponse struct {
	Account      *model.Account         `json:"account"`
	Rewards      []model.ReferralReward `json:"rewards"`
	RewardsTotal string                 `json:"rewards_total"`
}

func (h *CatalogHandler) Account(w http.ResponseWriter, r *http.Request) {
	account, ok := auth.FromContext(r.Context())
	if !ok {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	rewards, total, err := h.rewards.Rewards(r.Context(), account.ID)
	if err != nil {
		writeFailure(w, h.logger, "list rewards", err)
		return
	}
	if rewards == nil {
		rewards = []model.ReferralReward{}
	}
	writeJSON(w, http.StatusOK, accountResponse{Account: account, Rewards: rewards, RewardsTotal: total.StringFixed(2)})
}
