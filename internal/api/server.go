package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Server is the Kestrel HTTP API.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer builds the router. Nothing listens until Start or Serve.
func NewServer(cfg domain.ServerConfig, deps Dependencies) *Server {
	h := NewHandler(deps)
	r := chi.NewRouter()

	// CORS first so preflights skip tracing and logging.
	r.Use(CORSMiddleware)
	r.Use(RecoverMiddleware)
	r.Use(middleware.RealIP)
	r.Use(TracingMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(metrics.Middleware)
	r.Use(middleware.Compress(5))

	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/evaluate", h.Evaluate)

	r.Route("/signals", func(r chi.Router) {
		r.Get("/", h.ListSignals)
		r.Get("/{id}", h.GetSignal)
		r.Post("/{id}/resolve", h.ResolveSignal)
	})

	r.Route("/accounts/{id}", func(r chi.Router) {
		r.Get("/", h.GetAccount)
		r.Put("/", h.PutAccount)
	})

	r.Route("/rules", func(r chi.Router) {
		r.Get("/", h.ListRules)
		r.Post("/", h.CreateRule)
		r.Post("/reload", h.ReloadRules)
		r.Get("/{id}", h.GetRule)
	})

	s := &Server{router: r, handler: h, config: cfg}
	s.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(cfg.WriteTimeout) * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Start listens on the configured host and port.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Serve accepts connections on l.
func (s *Server) Serve(l net.Listener) error {
	return s.server.Serve(l)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Router exposes the router for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler exposes the handler for tests.
func (s *Server) Handler() *Handler {
	return s.handler
}
