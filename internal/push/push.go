// Package push delivers Web Push notifications to browsers registered by an
// account and sends expiry reminders.
package push

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/dukerupert/vpnshop/internal/model"
)

// ErrExpired is returned when a push subscription is no longer valid (404 or
// 410 from the push service).
var ErrExpired = errors.New("push subscription expired")

// Payload is the JSON sent to the service worker.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	// Subscriber is the contact sent to push services, a mailto: or https: URL.
	Subscriber      string
}

func (c Config) Configured() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

// Sender signs and sends notifications with VAPID keys.
type Sender struct {
	cfg        Config
	httpClient webpush.HTTPClient
}

func NewSender(cfg Config) *Sender {
	if cfg.Subscriber == "" {
		cfg.Subscriber = "mailto:noreply@vpnshop.local"
	}
	return &Sender{cfg: cfg, httpClient: http.DefaultClient}
}

// VAPIDPublicKey is what browsers pass as applicationServerKey.
func (s *Sender) VAPIDPublicKey() string {
	return s.cfg.VAPIDPublicKey
}

func (s *Sender) Send(ctx context.Context, sub model.PushSubscription, payload Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, data, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dhKey,
			Auth:   sub.AuthKey,
		},
	}, &webpush.Options{
		HTTPClient:      s.httpClient,
		VAPIDPublicKey:  s.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: s.cfg.VAPIDPrivateKey,
		Subscriber:      s.cfg.Subscriber,
		TTL:             86400,
	})
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		return ErrExpired
	case resp.StatusCode >= 400:
		return fmt.Errorf("push service returned %d", resp.StatusCode)
	}
	return nil
}

// GenerateVAPIDKeys generates a new ECDSA P-256 key pair for VAPID.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate ECDSA key: %w", err)
	}

	pubBytes := elliptic.Marshal(elliptic.P256(), key.PublicKey.X, key.PublicKey.Y)
	publicKey = base64.RawURLEncoding.EncodeToString(pubBytes)

	priv := make([]byte, 32)
	key.D.FillBytes(priv)
	privateKey = base64.RawURLEncoding.EncodeToString(priv)

	return publicKey, privateKey, nil
}
