package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/cardguard/internal/domain"
	"github.com/opensource-finance/cardguard/internal/metrics"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(metrics.Middleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Probes
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	router.Route("/customers", func(r chi.Router) {
		r.Post("/", handler.CreateCustomer)
		r.Get("/{id}", handler.GetCustomer)
		r.Put("/{id}", handler.UpdateCustomer)
		r.Delete("/{id}", handler.DeleteCustomer)
		r.Get("/{id}/transactions", handler.ListCustomerTransactions)
		r.Get("/{id}/fraud", handler.ListCustomerFraud)
		r.Get("/{id}/declined", handler.ListCustomerDeclined)
	})

	router.Route("/transactions", func(r chi.Router) {
		r.Post("/", handler.CreateTransaction)
		r.Get("/missing-timestamps", handler.ListMissingTimestamps)
		r.Get("/{id}", handler.GetTransaction)
		r.Delete("/{id}", handler.DeleteTransaction)
		r.Post("/{id}/evaluate", handler.EvaluateTransaction)
		r.Get("/{id}/evaluations", handler.ListTransactionEvaluations)
	})

	// Evaluation
	router.Post("/evaluate", handler.Evaluate)
	router.Post("/simulate/swipe", handler.SimulateSwipe)
	router.Get("/evaluations/{id}", handler.GetEvaluation)

	// Rule management
	router.Get("/rules", handler.ListRules)
	router.Post("/rules", handler.CreateRule)
	router.Post("/rules/reload", handler.ReloadRules)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
