// Package xui provisions VLESS clients through the 3x-ui panel API.
package xui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/vpnshop/internal/model"
)

var ErrInvalidKey = errors.New("invalid key material")

type Config struct {
	Timeout time.Duration
}

// Client talks to any number of panels. Each call logs in with a fresh
// cookie session.
type Client struct {
	cfg       Config
	transport http.RoundTripper
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Client)

func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.transport = rt }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := &Client{
		cfg:    cfg,
		logger: logger.With("component", "xui"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type apiResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

type inboundClient struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Enable     bool   `json:"enable"`
	ExpiryTime int64  `json:"expiryTime"`
	LimitIP    int    `json:"limitIp"`
	TotalGB    int64  `json:"totalGB"`
	Flow       string `json:"flow"`
	TgID       string `json:"tgId"`
	SubID      string `json:"subId"`
}

type clientSettings struct {
	Clients []inboundClient `json:"clients"`
}

type clientRequest struct {
	ID       int    `json:"id"`
	Settings string `json:"settings"`
}

// IssueKey creates a client that expires after durationDays and returns its
// connection link.
func (c *Client) IssueKey(ctx context.Context, server model.Server, durationDays int, subjectID int64) (string, error) {
	s, err := c.login(ctx, server)
	if err != nil {
		return "", err
	}

	clientID := uuid.NewString()
	email := fmt.Sprintf("tg_%d_%s", subjectID, clientID[:8])
	expiry := c.now().Add(time.Duration(durationDays) * 24 * time.Hour)

	body, err := clientBody(server.InboundID, inboundClient{
		ID:         clientID,
		Email:      email,
		Enable:     true,
		ExpiryTime: expiry.UnixMilli(),
		TgID:       fmt.Sprint(subjectID),
		SubID:      subscriptionID(clientID),
	})
	if err != nil {
		return "", err
	}
	if err := s.post(ctx, "/panel/api/inbounds/addClient", body); err != nil {
		return "", fmt.Errorf("add client on %s: %w", server.Name, err)
	}

	c.logger.Info("key issued", "server", server.Name, "email", email, "days", durationDays)
	return KeyLink(server, clientID, email), nil
}

// ExtendKey moves the client's expiry to newExpiry.
func (c *Client) ExtendKey(ctx context.Context, server model.Server, keyMaterial string, newExpiry time.Time) error {
	clientID, email, err := ParseKey(keyMaterial)
	if err != nil {
		return err
	}
	s, err := c.login(ctx, server)
	if err != nil {
		return err
	}

	body, err := clientBody(server.InboundID, inboundClient{
		ID:         clientID,
		Email:      email,
		Enable:     true,
		ExpiryTime: newExpiry.UnixMilli(),
		TgID:       telegramID(email),
		SubID:      subscriptionID(clientID),
	})
	if err != nil {
		return err
	}
	if err := s.post(ctx, "/panel/api/inbounds/updateClient/"+url.PathEscape(clientID), body); err != nil {
		return fmt.Errorf("update client on %s: %w", server.Name, err)
	}

	c.logger.Info("key extended", "server", server.Name, "email", email, "expiry", newExpiry.UTC().Format(time.RFC3339))
	return nil
}

func (c *Client) RevokeKey(ctx context.Context, server model.Server, keyMaterial string) error {
	clientID, email, err := ParseKey(keyMaterial)
	if err != nil {
		return err
	}
	s, err := c.login(ctx, server)
	if err != nil {
		return err
	}

	path := fmt.Sprintf("/panel/api/inbounds/%d/delClient/%s", server.InboundID, url.PathEscape(clientID))
	if err := s.post(ctx, path, nil); err != nil {
		return fmt.Errorf("delete client on %s: %w", server.Name, err)
	}

	c.logger.Info("key revoked", "server", server.Name, "email", email)
	return nil
}

// KeyLink renders the VLESS connection link for a client.
func KeyLink(server model.Server, clientID, email string) string {
	u := url.URL{
		Scheme:   "vless",
		User:     url.User(clientID),
		Host:     fmt.Sprintf("%s:%d", server.Host, server.Port),
		RawQuery: "type=tcp&security=none",
		Fragment: email,
	}
	return u.String()
}

// ParseKey extracts the client id and email from a VLESS link.
func ParseKey(keyMaterial string) (clientID, email string, err error) {
	u, err := url.Parse(strings.TrimSpace(keyMaterial))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if u.Scheme != "vless" || u.User == nil {
		return "", "", fmt.Errorf("%w: not a vless link", ErrInvalidKey)
	}
	clientID = u.User.Username()
	if _, err := uuid.Parse(clientID); err != nil {
		return "", "", fmt.Errorf("%w: client id: %v", ErrInvalidKey, err)
	}
	return clientID, u.Fragment, nil
}

// subscriptionID is the panel subscription id derived from a client id.
func subscriptionID(clientID string) string {
	return clientID[:16]
}

// telegramID recovers the subject id from a "tg_<subject>_<suffix>" email.
func telegramID(email string) string {
	rest, ok := strings.CutPrefix(email, "tg_")
	if !ok {
		return ""
	}
	id, _, _ := strings.Cut(rest, "_")
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return ""
	}
	return id
}

func clientBody(inboundID int, client inboundClient) (clientRequest, error) {
	settings, err := json.Marshal(clientSettings{Clients: []inboundClient{client}})
	if err != nil {
		return clientRequest{}, fmt.Errorf("marshal client settings: %w", err)
	}
	return clientRequest{ID: inboundID, Settings: string(settings)}, nil
}

type session struct {
	baseURL string
	http    *http.Client
}

func (c *Client) login(ctx context.Context, server model.Server) (*session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	s := &session{
		baseURL: strings.TrimRight(server.PanelURL, "/"),
		http:    &http.Client{Timeout: c.cfg.Timeout, Jar: jar, Transport: c.transport},
	}

	form := url.Values{"username": {server.Username}, "password": {server.Password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/login", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if _, err := s.send(req); err != nil {
		return nil, fmt.Errorf("login to %s: %w", server.Name, err)
	}
	return s, nil
}

func (s *session) post(ctx context.Context, path string, body any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	_, err = s.send(req)
	return err
}

func (s *session) send(req *http.Request) (*apiResponse, error) {
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("panel returned %d", resp.StatusCode)
	}
	var ar apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !ar.Success {
		return nil, fmt.Errorf("panel rejected request: %s", ar.Msg)
	}
	return &ar, nil
}
