// Package httpserver is the intake surface: AP2 payment execution, the x402
// paywall, approval decisions, and the ledger read side.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sardislabs/sardis/internal/agent"
	"github.com/sardislabs/sardis/internal/anchor"
	"github.com/sardislabs/sardis/internal/approval"
	"github.com/sardislabs/sardis/internal/circuitbreaker"
	"github.com/sardislabs/sardis/internal/config"
	"github.com/sardislabs/sardis/internal/ledger"
	"github.com/sardislabs/sardis/internal/logger"
	"github.com/sardislabs/sardis/internal/mandate"
	"github.com/sardislabs/sardis/internal/policy"
	"github.com/sardislabs/sardis/internal/settlement"
	"github.com/sardislabs/sardis/internal/webhook"
	"github.com/sardislabs/sardis/pkg/x402"
)

var serverStartTime = time.Now()

// Deps are the services the handlers dispatch into.
type Deps struct {
	Verifier      *mandate.Verifier
	Engine        *settlement.Engine
	Approvals     *approval.Workflow
	Agents        agent.Repository
	Policies      policy.Store
	Subscriptions webhook.SubscriptionStore
	Ledger        ledger.Store
	Anchors       *anchor.Service
	Breakers      *circuitbreaker.Manager

	// Challenges backs the x402 paywall; nil disables the paywall routes.
	Challenges ChallengeSource
	// ResolveX402Agent maps a payer address onto the agent and wallet that
	// settle the payment.
	ResolveX402Agent AgentResolver
	// VerifyX402Signature checks the payload signature; nil skips the check
	// (simulated mode).
	VerifyX402Signature mandate.X402SignatureVerifier
}

// Server wires handlers, middleware, and the underlying http.Server.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg    *config.Config
	deps   Deps
	logger zerolog.Logger
}

// New builds the HTTP server with the configured router.
func New(cfg *config.Config, deps Deps, appLogger zerolog.Logger) *Server {
	router := chi.NewRouter()
	s := &Server{
		handlers: handlers{cfg: cfg, deps: deps, logger: appLogger},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}
	s.routes(router)
	return s
}

func (s *Server) routes(router chi.Router) {
	cfg := s.cfg

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins: cfg.Server.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			ExposedHeaders: []string{x402.HeaderPaymentRequired, x402.HeaderPaymentResponse},
			MaxAge:         300,
		}).Handler)
	}

	router.Use(logger.Middleware(s.logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	if cfg.RateLimit.GlobalEnabled {
		router.Use(httprate.LimitAll(cfg.RateLimit.GlobalLimit, cfg.RateLimit.GlobalWindow.Duration))
	}
	if cfg.RateLimit.PerIPEnabled {
		router.Use(httprate.LimitByIP(cfg.RateLimit.PerIPLimit, cfg.RateLimit.PerIPWindow.Duration))
	}

	prefix := cfg.Server.RoutePrefix

	// Lightweight endpoints get a short timeout.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/healthz", s.health)
		r.Handle(prefix+"/metrics", promhttp.Handler())
	})

	// Payment and review endpoints carry the settlement wall-clock budget.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(90 * time.Second))

		r.Post(prefix+"/v1/payments/execute", s.executePayment)

		r.Get(prefix+"/v1/approvals/{id}", s.getApproval)
		r.Post(prefix+"/v1/approvals/{id}/approve", s.approveRequest)
		r.Post(prefix+"/v1/approvals/{id}/reject", s.rejectRequest)
		r.Post(prefix+"/v1/approvals/{id}/cancel", s.cancelRequest)

		r.Put(prefix+"/v1/webhooks/subscriptions", s.putSubscription)

		r.Get(prefix+"/v1/ledger/agents/{agentID}", s.listLedgerEntries)
		r.Get(prefix+"/v1/ledger/entries/{entryID}/proof", s.entryProof)

		r.Route(prefix+"/v1/admin", func(r chi.Router) {
			r.Use(s.adminAuth)
			r.Put("/agents", s.putAgent)
			r.Get("/agents/{agentID}", s.getAgent)
			r.Post("/agents/{agentID}/deactivate", s.deactivateAgent)
			r.Put("/wallets", s.putWallet)
			r.Put("/policies", s.putPolicy)
			r.Put("/groups", s.putGroup)
		})

		if s.deps.Challenges != nil {
			r.With(s.paywall).Get(prefix+"/v1/paid/resource", s.paidResource)
		}
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
