package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dukerupert/sitekit/internal/billing/handler"
	"github.com/dukerupert/sitekit/internal/billing/metrics"
	"github.com/dukerupert/sitekit/internal/billing/middleware"
	"github.com/dukerupert/sitekit/internal/billing/store"
	sharedmw "github.com/dukerupert/sitekit/internal/middleware"
	"github.com/dukerupert/sitekit/internal/websocket"
)

type Config struct {
	// CronToken guards the batch trigger; AdminToken the operator API.
	CronToken  middleware.Token
	AdminToken middleware.Token
	// FeedOrigins are extra origin patterns allowed on the live feed.
	FeedOrigins []string
}

type Deps struct {
	Runner    handler.Trigger
	Changes   handler.PlanChanger
	Contracts *store.ContractStore
	Runs      *store.RunStore
	Invoices  *store.InvoiceStore
	Hub       *websocket.Hub
	Registry  *prometheus.Registry
	// Webhooks is nil when no webhook secret is configured.
	Webhooks handler.EventVerifier
}

type Server struct {
	cfg         Config
	deps        Deps
	cronH       *handler.CronHandler
	planChangeH *handler.PlanChangeHandler
	runH        *handler.RunHandler
	webhookH    *handler.WebhookHandler
	rateLimiter *sharedmw.RateLimiter
	logger      *slog.Logger
}

func New(deps Deps, cfg Config, logger *slog.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		deps:        deps,
		cronH:       handler.NewCronHandler(deps.Runner, logger.With("component", "cron")),
		planChangeH: handler.NewPlanChangeHandler(deps.Changes, deps.Contracts, logger.With("component", "plan_change_api")),
		runH:        handler.NewRunHandler(deps.Runs, logger.With("component", "runs_api")),
		rateLimiter: sharedmw.NewRateLimiter(),
		logger:      logger,
	}
	if deps.Webhooks != nil {
		s.webhookH = handler.NewWebhookHandler(deps.Webhooks, deps.Invoices, logger.With("component", "webhook"))
	}
	return s
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *sharedmw.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthCheck)
	if s.deps.Registry != nil {
		mux.Handle("GET /metrics", metrics.Handler(s.deps.Registry))
	}

	// Batch trigger, called daily by an external scheduler.
	cronMw := chain(
		sharedmw.RateLimit(s.rateLimiter, sharedmw.RealIP, 10, time.Minute),
		middleware.RequireToken(s.cfg.CronToken),
	)
	mux.Handle("POST /cron/billing", cronMw(http.HandlerFunc(s.cronH.Run)))
	mux.Handle("GET /cron/billing", cronMw(http.HandlerFunc(s.cronH.Run)))

	if s.webhookH != nil {
		mux.HandleFunc("POST /webhooks/stripe", s.webhookH.HandleStripeWebhook)
	}

	// Operator API
	adminMw := middleware.RequireToken(s.cfg.AdminToken)
	mux.Handle("GET /api/contracts/{id}/plan-change", adminMw(http.HandlerFunc(s.planChangeH.Get)))
	mux.Handle("POST /api/contracts/{id}/plan-change", adminMw(http.HandlerFunc(s.planChangeH.Request)))
	mux.Handle("DELETE /api/contracts/{id}/plan-change", adminMw(http.HandlerFunc(s.planChangeH.Cancel)))
	mux.Handle("GET /api/runs", adminMw(http.HandlerFunc(s.runH.List)))
	mux.Handle("GET /api/runs/{id}", adminMw(http.HandlerFunc(s.runH.Get)))
	if s.deps.Hub != nil {
		mux.Handle("GET /ws/runs", adminMw(websocket.HandleFeed(s.deps.Hub, s.cfg.FeedOrigins)))
	}

	return sharedmw.RequestLogger(s.logger.With("component", "http"))(mux)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// chain applies middleware so the first one runs outermost.
func chain(mws ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}
		return h
	}
}
