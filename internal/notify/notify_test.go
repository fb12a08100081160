package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type recordingRelay struct {
	mu   sync.Mutex
	sent map[string]string
	err  error
}

func (r *recordingRelay) Send(ctx context.Context, chatID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent == nil {
		r.sent = make(map[string]string)
	}
	r.sent[chatID] = text
	return r.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(ctx context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func testEvent() Event {
	return Event{
		Kind: KindPurchase, AccountID: 7, SubjectID: 1001, DisplayName: "<alice>",
		TariffName: "Month", ServerName: "Amsterdam", ServerLocation: "nl", Days: 30,
		Method: MethodGateway, Amount: decimal.RequireFromString("149"),
		EndDate: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), DaysLeft: 30,
		PaymentID: "pay-1", KeyMaterial: "vless://id@host:443#e",
	}
}

func TestDispatcherDeliversToAll(t *testing.T) {
	relay := &recordingRelay{}
	pub := &recordingPublisher{}
	d := NewDispatcher(relay, "-100", slog.New(slog.NewTextHandler(io.Discard, nil)), WithPublisher(pub))

	d.Notify(context.Background(), testEvent())
	d.Close()

	if _, ok := relay.sent["-100"]; !ok {
		t.Error("operator message not sent")
	}
	if _, ok := relay.sent["1001"]; !ok {
		t.Error("user message not sent")
	}
	if len(pub.events) != 1 {
		t.Fatalf("published = %d, want 1", len(pub.events))
	}
	if pub.events[0].OccurredAt.IsZero() {
		t.Error("OccurredAt not stamped")
	}
}

func TestDispatcherExpiringSkipsOperator(t *testing.T) {
	relay := &recordingRelay{}
	d := NewDispatcher(relay, "-100", slog.New(slog.NewTextHandler(io.Discard, nil)))

	ev := testEvent()
	ev.Kind = KindExpiring
	ev.KeyMaterial = ""
	d.Notify(context.Background(), ev)
	d.Close()

	if _, ok := relay.sent["-100"]; ok {
		t.Error("operator should not get expiry reminders")
	}
	msg, ok := relay.sent["1001"]
	if !ok {
		t.Fatal("user reminder not sent")
	}
	if !strings.Contains(msg, "ends soon") {
		t.Errorf("reminder = %q", msg)
	}
}

func TestDispatcherFailureDoesNotBlockOthers(t *testing.T) {
	relay := &recordingRelay{err: errors.New("telegram down")}
	pub := &recordingPublisher{}
	d := NewDispatcher(relay, "-100", slog.New(slog.NewTextHandler(io.Discard, nil)), WithPublisher(pub))

	err := d.deliver(context.Background(), testEvent())
	if err == nil {
		t.Fatal("expected combined error")
	}
	if !strings.Contains(err.Error(), "operator message") || !strings.Contains(err.Error(), "user message") {
		t.Errorf("err = %v, want both relay failures", err)
	}
	if len(pub.events) != 1 {
		t.Errorf("published = %d, want 1 despite relay failure", len(pub.events))
	}
}

func TestDispatcherCanceledCallerStillDelivers(t *testing.T) {
	relay := &recordingRelay{}
	d := NewDispatcher(relay, "", slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Notify(ctx, testEvent())
	d.Close()

	if _, ok := relay.sent["1001"]; !ok {
		t.Error("user message not sent after caller canceled")
	}
}

func TestMessages(t *testing.T) {
	ev := testEvent()

	op := OperatorMessage(ev)
	if strings.Contains(op, ev.KeyMaterial) {
		t.Error("operator message must not contain key material")
	}
	if !strings.Contains(op, "&lt;alice&gt;") {
		t.Errorf("display name not escaped: %q", op)
	}
	if !strings.Contains(op, "🇳🇱 Amsterdam") {
		t.Errorf("operator message missing flag: %q", op)
	}
	if !strings.Contains(op, "149.00") {
		t.Errorf("operator message missing amount: %q", op)
	}

	user := UserMessage(ev)
	if !strings.Contains(user, ev.KeyMaterial) {
		t.Error("user message must contain key material")
	}
	if !strings.Contains(user, "01.06.2025") {
		t.Errorf("user message missing end date: %q", user)
	}

	ev.Kind = KindRenewal
	if !strings.Contains(UserMessage(ev), "renewed") {
		t.Error("renewal message should say renewed")
	}
}

func TestCountryFlag(t *testing.T) {
	tests := map[string]string{"de": "🇩🇪", "US": "🇺🇸", "": "", "Germany": "", "1a": ""}
	for in, want := range tests {
		if got := countryFlag(in); got != want {
			t.Errorf("countryFlag(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEventJSONOmitsKey(t *testing.T) {
	msg, err := eventMessage(testEvent())
	if err != nil {
		t.Fatalf("eventMessage: %v", err)
	}
	if string(msg.Key) != "7" {
		t.Errorf("key = %q, want 7", msg.Key)
	}
	if strings.Contains(string(msg.Value), "vless://") {
		t.Error("serialized event must not contain key material")
	}
	var decoded map[string]any
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["kind"] != "purchase" {
		t.Errorf("kind = %v, want purchase", decoded["kind"])
	}
}

// botServer answers getMe and hands sendMessage form values to send.
func botServer(t *testing.T, send func(w http.ResponseWriter, form url.Values)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/botTOKEN/getMe":
			w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Shop","username":"shop_bot"}}`))
		case "/botTOKEN/sendMessage":
			if err := r.ParseForm(); err != nil {
				t.Errorf("parse form: %v", err)
			}
			send(w, r.PostForm)
		default:
			t.Errorf("path = %q", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTelegramRelaySend(t *testing.T) {
	var got url.Values
	srv := botServer(t, func(w http.ResponseWriter, form url.Values) {
		got = form
		w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":1001,"type":"private"}}}`))
	})

	relay := NewTelegramRelay("TOKEN", WithBaseURL(srv.URL))
	if err := relay.Send(context.Background(), "1001", "<b>hi</b>"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Get("chat_id") != "1001" || got.Get("parse_mode") != "HTML" || got.Get("text") != "<b>hi</b>" {
		t.Errorf("request = %v", got)
	}
}

func TestTelegramRelayChannel(t *testing.T) {
	var got url.Values
	srv := botServer(t, func(w http.ResponseWriter, form url.Values) {
		got = form
		w.Write([]byte(`{"ok":true,"result":{"message_id":8,"date":0,"chat":{"id":-100,"type":"channel"}}}`))
	})

	relay := NewTelegramRelay("TOKEN", WithBaseURL(srv.URL))
	if err := relay.Send(context.Background(), "@shop_ops", "x"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Get("chat_id") != "@shop_ops" {
		t.Errorf("chat_id = %q, want @shop_ops", got.Get("chat_id"))
	}
}

func TestTelegramRelayError(t *testing.T) {
	srv := botServer(t, func(w http.ResponseWriter, form url.Values) {
		w.Write([]byte(`{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`))
	})

	relay := NewTelegramRelay("TOKEN", WithBaseURL(srv.URL))
	err := relay.Send(context.Background(), "1001", "x")
	if err == nil || !strings.Contains(err.Error(), "blocked") {
		t.Errorf("err = %v, want blocked description", err)
	}
}

func TestTelegramRelayNotConfigured(t *testing.T) {
	if err := NewTelegramRelay("").Send(context.Background(), "1", "x"); err == nil {
		t.Error("expected error without token")
	}
}
