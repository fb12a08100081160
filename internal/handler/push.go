package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/dukerupert/vpnshop/internal/auth"
	"github.com/dukerupert/vpnshop/internal/model"
)

type PushEndpoints interface {
	Save(ctx context.Context, accountID int64, endpoint, p256dh, auth string) (*model.PushSubscription, error)
	Delete(ctx context.Context, accountID int64, endpoint string) (bool, error)
}

// PushHandler registers browsers for Web Push.
type PushHandler struct {
	endpoints PushEndpoints
	publicKey string
	logger    *slog.Logger
}

func NewPushHandler(endpoints PushEndpoints, publicKey string, logger *slog.Logger) *PushHandler {
	return &PushHandler{endpoints: endpoints, publicKey: publicKey, logger: logger.With("component", "api")}
}

type pushSubscriptionRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (h *PushHandler) VAPIDKey(w http.ResponseWriter, r *http.Request) {
	if h.publicKey == "" {
		writeErr(w, http.StatusServiceUnavailable, "push notifications are not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.publicKey})
}

func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	if h.publicKey == "" {
		writeErr(w, http.StatusServiceUnavailable, "push notifications are not configured")
		return
	}
	var req pushSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !validEndpoint(req.Endpoint) {
		writeErr(w, http.StatusBadRequest, "endpoint must be an http(s) URL")
		return
	}
	if req.Keys.P256dh == "" || req.Keys.Auth == "" {
		writeErr(w, http.StatusBadRequest, "keys.p256dh and keys.auth are required")
		return
	}

	sub, err := h.endpoints.Save(r.Context(), auth.AccountID(r.Context()), req.Endpoint, req.Keys.P256dh, req.Keys.Auth)
	if err != nil {
		writeFailure(w, h.logger, "save push subscription", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": sub.ID})
}

func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		writeErr(w, http.StatusBadRequest, "endpoint is required")
		return
	}
	ok, err := h.endpoints.Delete(r.Context(), auth.AccountID(r.Context()), req.Endpoint)
	if err != nil {
		writeFailure(w, h.logger, "delete push subscription", err)
		return
	}
	if !ok {
		writeErr(w, http.StatusNotFound, "push subscription not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func validEndpoint(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "https" || u.Scheme == "http"
}
