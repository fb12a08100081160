package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/cors"

	"github.com/dukerupert/vpnshop/internal/auth"
	"github.com/dukerupert/vpnshop/internal/billing"
	"github.com/dukerupert/vpnshop/internal/handler"
	"github.com/dukerupert/vpnshop/internal/middleware"
	"github.com/dukerupert/vpnshop/internal/referral"
	"github.com/dukerupert/vpnshop/internal/store"
	ws "github.com/dukerupert/vpnshop/internal/websocket"
)

type Config struct {
	CORSOrigins []string
	// RateLimit is the number of write requests an account may make per
	// minute.
	RateLimit   int

	// VAPIDPublicKey enables the Web Push endpoints when set.
	VAPIDPublicKey string

	// Webhook sources; a nil source answers 404.
	StripeWebhooks        handler.StripeWebhooks
	YooKassaNotifications handler.YooKassaNotifications
}

type Server struct {
	db          *sql.DB
	cfg         Config
	hub         *ws.Hub
	signer      *auth.Signer
	accounts    *store.AccountStore
	billingH    *handler.BillingHandler
	catalogH    *handler.CatalogHandler
	pushH       *handler.PushHandler
	webhookH    *handler.WebhookHandler
	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger
}

func New(db *sql.DB, svc *billing.Service, program *referral.Program, hub *ws.Hub, signer *auth.Signer, cfg Config, logger *slog.Logger) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 60
	}
	return &Server{
		db:          db,
		cfg:         cfg,
		hub:         hub,
		signer:      signer,
		accounts:    store.NewAccountStore(db),
		billingH:    handler.NewBillingHandler(svc, logger),
		catalogH:    handler.NewCatalogHandler(store.NewTariffStore(db), store.NewServerStore(db), program, logger),
		pushH:       handler.NewPushHandler(store.NewPushStore(db), cfg.VAPIDPublicKey, logger),
		webhookH:    handler.NewWebhookHandler(svc, cfg.StripeWebhooks, cfg.YooKassaNotifications, logger),
		rateLimiter: middleware.NewRateLimiter(),
		logger:      logger,
	}
}

// RateLimiter exposes the limiter so the caller can schedule cleanup.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes
	outerMux.HandleFunc("GET /health", s.healthHandler)
	outerMux.HandleFunc("GET /api/tariffs", s.catalogH.Tariffs)
	outerMux.HandleFunc("GET /api/servers", s.catalogH.Servers)
	outerMux.HandleFunc("GET /api/push/vapid-key", s.pushH.VAPIDKey)
	outerMux.HandleFunc("POST /webhooks/stripe", s.webhookH.Stripe)
	outerMux.HandleFunc("POST /webhooks/yookassa", s.webhookH.YooKassa)

	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	authMiddleware := middleware.RequireAuth(s.signer, s.accounts)
	outerMux.Handle("/", authMiddleware(protectedMux))

	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
	})

	return middleware.RequestLogger(s.logger.With("component", "http"))(c.Handler(outerMux))
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/account", s.catalogH.Account)
	mux.HandleFunc("GET /api/balance", s.billingH.Balance)
	mux.HandleFunc("GET /api/subscriptions", s.billingH.Subscriptions)
	mux.HandleFunc("GET /api/subscriptions/{id}/renewal", s.billingH.RenewalPreview)
	mux.HandleFunc("GET /api/payments/{id}", s.billingH.PaymentStatus)

	mux.HandleFunc("POST /api/purchase", s.limited(s.billingH.Purchase))
	mux.HandleFunc("POST /api/renewal", s.limited(s.billingH.Renew))
	mux.HandleFunc("POST /api/payments/{id}/check", s.limited(s.billingH.CheckPayment))
	mux.HandleFunc("POST /api/subscriptions/{id}/replace", s.limited(s.billingH.Replace))
	mux.HandleFunc("POST /api/push/subscriptions", s.limited(s.pushH.Subscribe))
	mux.HandleFunc("DELETE /api/push/subscriptions", s.pushH.Unsubscribe)

	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, func(r *http.Request) (int64, bool) {
		id := auth.AccountID(r.Context())
		return id, id != 0
	}, originHosts(s.cfg.CORSOrigins)))
}

// originHosts turns CORS origins into the host patterns the websocket
// upgrader matches against.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
			continue
		}
		hosts = append(hosts, o)
	}
	return hosts
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := s.db.PingContext(ctx); err != nil {
		s.logger.Error("health check", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"status": "ok", "live_clients": s.hub.Total()})
}

func (s *Server) limited(h http.HandlerFunc) http.HandlerFunc {
	rl := middleware.RateLimit(s.rateLimiter, middleware.AccountOrIP, s.cfg.RateLimit, time.Minute)
	return rl(h).ServeHTTP
}
