// Package api exposes the pipeline over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"evidenceflow/internal/agent"
	"evidenceflow/internal/remediation"
	"evidenceflow/internal/runner"
	"evidenceflow/internal/runs"
	"evidenceflow/internal/sandbox"
	"evidenceflow/internal/scripts"
	"evidenceflow/internal/secrets"
	"evidenceflow/internal/store"
	"evidenceflow/internal/tokens"
)

// Options carries the server's dependencies.
type Options struct {
	Addr           string
	AuthToken      string
	CallbackSecret string
	RunListLimit   int
	SandboxTimeout time.Duration

	Store       *store.Store
	Scripts     *scripts.Store
	Sandbox     sandbox.Host
	Secrets     *secrets.Service
	Agent       *agent.Agent
	Toolbox     *agent.Toolbox
	Runner      *runner.Runner
	Tracker     *runs.Tracker
	Remediation *remediation.Service
	Tokens      *tokens.Minter
	// MCP is mounted at /mcp when set.
	MCP http.Handler

	Location *time.Location
	Logger   *slog.Logger
}

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux

	authToken      string
	callbackSecret string
	runListLimit   int
	sandboxTimeout time.Duration

	store       *store.Store
	scripts     *scripts.Store
	sandbox     sandbox.Host
	secrets     *secrets.Service
	agent       *agent.Agent
	toolbox     *agent.Toolbox
	runner      *runner.Runner
	tracker     *runs.Tracker
	remediation *remediation.Service
	tokens      *tokens.Minter
	mcp         http.Handler

	location *time.Location
	logger   *slog.Logger

	// sandboxes opened through the API that have not been deleted.
	sandboxMu sync.Mutex
	sandboxes map[string]struct{}
}

// NewServer constructs the HTTP API server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	location := opts.Location
	if location == nil {
		location = time.Local
	}
	limit := opts.RunListLimit
	if limit <= 0 {
		limit = 20
	}
	timeout := opts.SandboxTimeout
	if timeout <= 0 {
		timeout = sandbox.DefaultTimeout
	}
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(RequestLogger(logger))
	router.Use(middleware.Recoverer)

	s := &Server{
		router:         router,
		authToken:      opts.AuthToken,
		callbackSecret: opts.CallbackSecret,
		runListLimit:   limit,
		sandboxTimeout: timeout,
		store:          opts.Store,
		scripts:        opts.Scripts,
		sandbox:        opts.Sandbox,
		secrets:        opts.Secrets,
		agent:          opts.Agent,
		toolbox:        opts.Toolbox,
		runner:         opts.Runner,
		tracker:        opts.Tracker,
		remediation:    opts.Remediation,
		tokens:         opts.Tokens,
		mcp:            opts.MCP,
		location:       location,
		logger:         logger.With("component", "api"),
		sandboxes:      make(map[string]struct{}),
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealthz)

	if s.mcp != nil {
		s.router.With(AuthMiddleware(s.authToken)).Handle("/mcp", s.mcp)
	}

	s.router.Route("/v1", func(r chi.Router) {
		auth := AuthMiddleware(s.authToken)

		// Run reads and task invocation also accept minted access tokens.
		r.Route("/runs/{runID}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.With(CallbackAuth(s.callbackSecret)).Post("/callback", s.handleRunCallback)
		})

		r.Route("/automations", func(r chi.Router) {
			r.With(auth).Post("/", s.handleCreateAutomation)
			r.Route("/{id}", func(r chi.Router) {
				r.Post("/runs", s.handleInvokeTask)
				r.Group(func(r chi.Router) {
					r.Use(auth)
					r.Get("/", s.handleGetAutomation)
					r.Get("/runs", s.handleListRuns)
					r.Post("/chat", s.handleChat)
					r.Post("/promote", s.handlePromote)
					r.Post("/deactivate", s.handleDeactivate)
				})
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(auth)

			r.Post("/cron/preview", s.handleCronPreview)

			r.Put("/scripts/{orgID}/{taskID}", s.handlePutScript)
			r.Get("/scripts", s.handleGetScripts)

			r.Post("/sandboxes", s.handleCreateSandbox)
			r.Get("/sandboxes/{sandboxID}", s.handleSandboxStatus)
			r.Delete("/sandboxes/{sandboxID}", s.handleStopSandbox)

			r.Put("/orgs/{orgID}/secrets/{name}", s.handleResolveSecret)
			r.Post("/remediation", s.handleRemediation)
			r.Post("/access-tokens", s.handleMintToken)
		})
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("health check failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
