package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mandi/auction/internal/commission"
	"github.com/mandi/auction/internal/ingestion"
	"github.com/mandi/auction/internal/reconciliation"
	"github.com/mandi/auction/internal/repository"
	"github.com/mandi/auction/internal/settlement"
)

// Deps are the stores and services the handlers call.
type Deps struct {
	Lots     *repository.LotRepo
	Sales    *repository.SaleRepo
	Rules    *repository.RuleRepo
	Traders  *repository.TraderRepo
	Findings *repository.FindingRepo
	Resolver *commission.Resolver
	Engine   *settlement.Engine
	Ingest   *ingestion.Service
	Audit    *reconciliation.Service
}

// Options configures the router's middleware.
type Options struct {
	Auth           AuthOptions
	CORSOrigins    []string
	MaxUploadBytes int64
}

// NewRouter creates the chi router with all API routes mounted.
func NewRouter(deps Deps, opts Options, logger *slog.Logger) http.Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 32 << 20
	}
	h := &Handlers{
		Deps:      deps,
		logger:    logger.With("system", "api"),
		maxUpload: opts.MaxUploadBytes,
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders: []string{"Retry-After", "X-Request-Id"},
		MaxAge:         300,
	}))
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	auth := Authenticate(opts.Auth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		// Traders.
		r.Get("/traders", h.ListTraders)
		r.With(auth).Post("/traders", h.CreateTrader)

		// Lots.
		r.Get("/lots", h.ListLots)
		r.With(auth).Post("/lots", h.CreateLot)
		r.Get("/lots/{id}", h.GetLot)
		r.Get("/farmers/{id}/lots/open", h.ListOpenLots)

		// Allocation and settlement.
		r.Post("/lots/{id}/allocations/preview", h.PreviewAllocation)
		r.With(auth).Post("/lots/{id}/settlements", h.CommitSettlement)

		// Commission rules.
		r.Get("/commission-rules", h.ListRules)
		r.Get("/commission-rules/resolve", h.ResolveRate)
		r.With(auth, RequireRole(RoleAdmin)).Post("/commission-rules", h.CreateRule)

		// Sales.
		r.Get("/sales", h.ListSales)

		// Weighing import.
		r.With(auth).Post("/weighings/ingest", h.IngestWeighings)

		// Ledger audit.
		r.With(auth).Post("/audit/run", h.RunAudit)
		r.Get("/audit/findings", h.ListFindings)

		// Dashboard.
		r.Get("/dashboard", h.GetDashboard)
	})

	return r
}

// requestLogger logs each request's method, URI, status and duration.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info(
				"request",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"uri", r.URL.RequestURI(),
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"addr", r.RemoteAddr,
				"duration", time.Since(start),
			)
		})
	}
}
