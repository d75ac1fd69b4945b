// Package api provides the HTTP surface of PaceMate: messaging and payment
// webhooks, the checkout and Strava browser round trips, a health probe and
// the JSON admin API.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BTreeMap/PaceMate/internal/activity"
	"github.com/BTreeMap/PaceMate/internal/entitlement"
	"github.com/BTreeMap/PaceMate/internal/interest"
	"github.com/BTreeMap/PaceMate/internal/models"
	"github.com/BTreeMap/PaceMate/internal/store"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = ":8080"

// PaymentFetcher reads the current state of a payment provider resource.
type PaymentFetcher interface {
	FetchSubscription(ctx context.Context, id string) (models.SubscriptionEvent, error)
	FetchPayment(ctx context.Context, id string) (models.PaymentEvent, error)
}

// Notifier queues a message to a user.
type Notifier interface {
	Notify(ctx context.Context, userID, kind, text, dedupeKey string) error
}

// Dependencies are the collaborators of the Server. Payments, Activity,
// the webhook handlers and admin credentials are optional; routes whose
// collaborator is missing are not mounted or answer 503.
type Dependencies struct {
	Store       store.Backend
	Ledger      *entitlement.Ledger
	Interests   *interest.Registrar
	Notifier    Notifier
	Payments    PaymentFetcher
	Activity    *activity.Connector
	PaymentLink func(userID string) string

	ZAPIWebhook   http.HandlerFunc
	TwilioWebhook http.HandlerFunc

	AdminUser string
	AdminPass string
	BaseURL   string
	Location  *time.Location
}

// Server serves the HTTP API.
type Server struct {
	deps Dependencies
	now  func() time.Time
	loc  *time.Location
}

// NewServer creates a Server.
func NewServer(deps Dependencies) *Server {
	loc := deps.Location
	if loc == nil {
		loc = time.UTC
	}
	if deps.PaymentLink == nil {
		deps.PaymentLink = func(string) string { return "" }
	}
	return &Server{deps: deps, now: time.Now, loc: loc}
}

// Router builds the chi router with every route mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthHandler)

	r.Route("/webhook", func(r chi.Router) {
		if s.deps.ZAPIWebhook != nil {
			r.Post("/zapi", s.deps.ZAPIWebhook)
		}
		if s.deps.TwilioWebhook != nil {
			r.Post("/twilio", s.deps.TwilioWebhook)
		}
		r.Post("/mercadopago", s.mercadoPagoWebhookHandler)
	})

	r.Get("/payment", s.paymentHandler)
	r.Get("/payment/thanks", s.paymentThanksHandler)
	r.Get("/strava/connect", s.stravaConnectHandler)
	r.Get("/strava/callback", s.stravaCallbackHandler)

	if s.deps.AdminUser != "" && s.deps.AdminPass != "" {
		r.Route("/admin", s.adminRoutes)
	} else {
		slog.Warn("Server.Router: admin API disabled, ADMIN_USER/ADMIN_PASS not set")
	}
	return r
}

// requestLogger logs every request through slog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("Server.request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"duration", time.Since(start), "requestID", middleware.GetReqID(r.Context()))
	})
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"store": "ok"}
	status := http.StatusOK
	if _, err := s.deps.Store.GetSetting(models.SettingAgentPrompt); err != nil {
		slog.Error("Server.healthHandler: store unreachable", "error", err)
		checks["store"] = "unreachable"
		status = http.StatusServiceUnavailable
	}
	if status != http.StatusOK {
		writeJSONResponse(w, status, models.NewAPIResponseBuilder().WithStatus(models.APIStatusError).WithResult(checks).Build())
		return
	}
	writeJSONResponse(w, status, models.Success(checks))
}
