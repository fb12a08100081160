// Package websocket pushes subscription events to the connections of the
// account they belong to.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/vpnshop/internal/notify"
)

// Message is what a connected client receives for one event.
type Message struct {
	Type           string    `json:"type"`
	SubscriptionID int64     `json:"subscription_id,omitempty"`
	PaymentID      string    `json:"payment_id,omitempty"`
	ServerName     string    `json:"server_name,omitempty"`
	EndDate        time.Time `json:"end_date"`
	DaysLeft       int       `json:"days_left"`
	Amount         string    `json:"amount"`
	Method         string    `json:"method"`
}

// NewMessage builds the client message for ev.
func NewMessage(ev notify.Event) Message {
	return Message{
		Type:           fmt.Sprintf("subscription_%s", ev.Kind),
		SubscriptionID: ev.SubscriptionID,
		PaymentID:      ev.PaymentID,
		ServerName:     ev.ServerName,
		EndDate:        ev.EndDate,
		DaysLeft:       ev.DaysLeft,
		Amount:         ev.Amount.StringFixed(2),
		Method:         string(ev.Method),
	}
}

// Hub tracks live connections per account.
type Hub struct {
	mu      sync.RWMutex
	clients map[int64]map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[int64]map[*Client]struct{}),
		logger:  logger.With("component", "websocket"),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	set, ok := h.clients[c.accountID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.accountID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes c and closes its send channel. Calling it twice is safe.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if set, ok := h.clients[c.accountID]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			close(c.send)
		}
		if len(set) == 0 {
			delete(h.clients, c.accountID)
		}
	}
	h.mu.Unlock()
}

// Publish sends ev to every connection of its account. Slow clients miss
// messages rather than block the caller.
func (h *Hub) Publish(ctx context.Context, ev notify.Event) error {
	data, err := json.Marshal(NewMessage(ev))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[ev.AccountID] {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("client buffer full, dropping event", "account_id", ev.AccountID, "type", ev.Kind)
		}
	}
	return nil
}

// ClientCount returns the number of connections for accountID.
func (h *Hub) ClientCount(accountID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[accountID])
}

// Total returns the number of connections across all accounts.
func (h *Hub) Total() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}
