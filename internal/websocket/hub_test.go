package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/coder/websocket"
	"github.com/shopspring/decimal"

	"github.com/dukerupert/vpnshop/internal/notify"
)

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func mockClient(hub *Hub, accountID int64) *Client {
	return &Client{hub: hub, accountID: accountID, send: make(chan []byte, sendBufferSize)}
}

func testEvent(accountID int64) notify.Event {
	return notify.Event{
		Kind:           notify.KindPurchase,
		AccountID:      accountID,
		SubscriptionID: 7,
		ServerName:     "Amsterdam 1",
		Days:           30,
		Method:         notify.MethodGateway,
		Amount:         decimal.RequireFromString("199"),
		EndDate:        time.Date(2026, 11, 13, 0, 0, 0, 0, time.UTC),
		DaysLeft:       30,
		PaymentID:      "pay-1",
		KeyMaterial:    "vless://secret@host:443",
	}
}

func TestRegisterUnregister(t *testing.T) {
	hub := testHub()
	c1 := mockClient(hub, 1)
	c2 := mockClient(hub, 1)
	c3 := mockClient(hub, 2)

	hub.Register(c1)
	hub.Register(c2)
	hub.Register(c3)

	if got := hub.ClientCount(1); got != 2 {
		t.Fatalf("ClientCount(1) = %d, want 2", got)
	}
	if got := hub.Total(); got != 3 {
		t.Fatalf("Total() = %d, want 3", got)
	}

	hub.Unregister(c1)
	hub.Unregister(c1)
	hub.Unregister(c2)
	hub.Unregister(c3)

	if got := hub.Total(); got != 0 {
		t.Fatalf("Total() = %d, want 0", got)
	}
}

func TestPublishOnlyReachesOwner(t *testing.T) {
	hub := testHub()
	owner := mockClient(hub, 1)
	other := mockClient(hub, 2)
	hub.Register(owner)
	hub.Register(other)
	defer hub.Unregister(owner)
	defer hub.Unregister(other)

	if err := hub.Publish(context.Background(), testEvent(1)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case data := <-owner.send:
		var got Message
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Type != "subscription_purchase" {
			t.Errorf("type = %q, want subscription_purchase", got.Type)
		}
		if got.Amount != "199.00" {
			t.Errorf("amount = %q, want 199.00", got.Amount)
		}
		if strings.Contains(string(data), "secret") {
			t.Error("key material leaked into websocket message")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for message")
	}

	select {
	case <-other.send:
		t.Error("other account received the event")
	default:
	}
}

func TestPublishFullBufferDrops(t *testing.T) {
	hub := testHub()
	c := mockClient(hub, 1)
	hub.Register(c)

	for i := 0; i < sendBufferSize+3; i++ {
		if err := hub.Publish(context.Background(), testEvent(1)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if got := len(c.send); got != sendBufferSize {
		t.Errorf("buffered = %d, want %d", got, sendBufferSize)
	}
	hub.Unregister(c)
}

func TestConcurrentAccess(t *testing.T) {
	hub := testHub()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			c := mockClient(hub, id%3)
			hub.Register(c)
			_ = hub.Publish(context.Background(), testEvent(id%3))
			hub.Unregister(c)
		}(int64(i))
	}
	wg.Wait()

	if got := hub.Total(); got != 0 {
		t.Errorf("Total() = %d after concurrent test, want 0", got)
	}
}

func TestHandleWebSocketRejectsAnonymous(t *testing.T) {
	hub := testHub()
	h := HandleWebSocket(hub, func(*http.Request) (int64, bool) { return 0, false }, nil)

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestHandleWebSocketDelivers(t *testing.T) {
	hub := testHub()
	srv := httptest.NewServer(HandleWebSocket(hub, func(*http.Request) (int64, bool) { return 5, true }, nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := ws.Dial(ctx, srv.URL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	for hub.ClientCount(5) == 0 {
		if ctx.Err() != nil {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := hub.Publish(ctx, testEvent(5)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.PaymentID != "pay-1" {
		t.Errorf("payment_id = %q, want pay-1", got.PaymentID)
	}
}
