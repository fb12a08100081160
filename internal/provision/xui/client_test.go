package xui

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/vpnshop/internal/model"
)

// fakePanel emulates the subset of the 3x-ui API the client uses.
type fakePanel struct {
	mu      sync.Mutex
	clients map[string]inboundClient
	calls   []string
}

func (p *fakePanel) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.FormValue("username") != "admin" || r.FormValue("password") != "secret" {
			w.Write([]byte(`{"success":false,"msg":"wrong credentials"}`))
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "3x-ui", Value: "sess", Path: "/"})
		w.Write([]byte(`{"success":true,"msg":"ok"}`))
	})
	authed := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if c, err := r.Cookie("3x-ui"); err != nil || c.Value != "sess" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			p.mu.Lock()
			p.calls = append(p.calls, r.URL.Path)
			p.mu.Unlock()
			next(w, r)
		}
	}
	upsert := func(w http.ResponseWriter, r *http.Request) {
		var req clientRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.ID != 3 {
			t.Errorf("inbound id = %d, want 3", req.ID)
		}
		var settings clientSettings
		if err := json.Unmarshal([]byte(req.Settings), &settings); err != nil || len(settings.Clients) != 1 {
			t.Errorf("settings = %q", req.Settings)
		}
		p.mu.Lock()
		p.clients[settings.Clients[0].ID] = settings.Clients[0]
		p.mu.Unlock()
		w.Write([]byte(`{"success":true,"msg":"ok"}`))
	}
	mux.HandleFunc("POST /panel/api/inbounds/addClient", authed(upsert))
	mux.HandleFunc("POST /panel/api/inbounds/updateClient/{id}", authed(upsert))
	mux.HandleFunc("POST /panel/api/inbounds/{inbound}/delClient/{id}", authed(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		delete(p.clients, r.PathValue("id"))
		p.mu.Unlock()
		w.Write([]byte(`{"success":true,"msg":"deleted"}`))
	}))
	return mux
}

func setupPanel(t *testing.T) (*fakePanel, model.Server, *Client) {
	t.Helper()
	p := &fakePanel{clients: make(map[string]inboundClient)}
	ts := httptest.NewServer(p.handler(t))
	t.Cleanup(ts.Close)

	server := model.Server{Name: "nl-1", PanelURL: ts.URL + "/", Username: "admin", Password: "secret",
		InboundID: 3, Host: "nl.example.com", Port: 443}
	now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	c := NewClient(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)), WithClock(func() time.Time { return now }))
	return p, server, c
}

func TestIssueExtendRevoke(t *testing.T) {
	p, server, c := setupPanel(t)
	ctx := context.Background()

	key, err := c.IssueKey(ctx, server, 30, 1001)
	if err != nil {
		t.Fatalf("IssueKey: %v", err)
	}
	if !strings.HasPrefix(key, "vless://") || !strings.Contains(key, "@nl.example.com:443") {
		t.Errorf("key = %q", key)
	}

	clientID, email, err := ParseKey(key)
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if !strings.HasPrefix(email, "tg_1001_") {
		t.Errorf("email = %q, want tg_1001_ prefix", email)
	}
	issued := p.clients[clientID]
	wantExpiry := time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC).UnixMilli()
	if issued.ExpiryTime != wantExpiry {
		t.Errorf("expiry = %d, want %d", issued.ExpiryTime, wantExpiry)
	}

	newExpiry := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	if err := c.ExtendKey(ctx, server, key, newExpiry); err != nil {
		t.Fatalf("ExtendKey: %v", err)
	}
	extended := p.clients[clientID]
	if extended.ExpiryTime != newExpiry.UnixMilli() {
		t.Errorf("extended expiry = %d, want %d", extended.ExpiryTime, newExpiry.UnixMilli())
	}
	if extended.TgID != "1001" || extended.SubID != issued.SubID || extended.SubID == "" {
		t.Errorf("extend dropped links: tgId = %q, subId = %q, want 1001, %q", extended.TgID, extended.SubID, issued.SubID)
	}

	if err := c.RevokeKey(ctx, server, key); err != nil {
		t.Fatalf("RevokeKey: %v", err)
	}
	if _, ok := p.clients[clientID]; ok {
		t.Error("client still present after revoke")
	}
}

func TestLoginRejected(t *testing.T) {
	_, server, c := setupPanel(t)
	server.Password = "wrong"

	if _, err := c.IssueKey(context.Background(), server, 30, 1); err == nil {
		t.Fatal("expected login error")
	}
}

func TestParseKeyInvalid(t *testing.T) {
	for _, key := range []string{"", "ss://abc@host:1", "vless://not-a-uuid@host:443#x"} {
		if _, _, err := ParseKey(key); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("ParseKey(%q) err = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestTelegramID(t *testing.T) {
	tests := []struct {
		email string
		want  string
	}{
		{"tg_1001_ab12cd34", "1001"},
		{"tg_42", "42"},
		{"alice@example.com", ""},
		{"tg_abc_1234", ""},
	}
	for _, tt := range tests {
		if got := telegramID(tt.email); got != tt.want {
			t.Errorf("telegramID(%q) = %q, want %q", tt.email, got, tt.want)
		}
	}
}
