package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"fnrunner/internal/auth"
	"fnrunner/internal/config"
	"fnrunner/internal/gateway"
	"fnrunner/internal/metrics"
	"fnrunner/internal/scheduler"
)

// maxBodySize bounds request bodies forwarded to functions
const maxBodySize = 10 << 20

// StatsSource reports the scheduler totals shown on /health
type StatsSource interface {
	Stats() scheduler.Stats
}

type Options struct {
	SecureHeader   string // name of the header carrying the function's shared secret
	GuestLoginPath string
}

func OptionsFromConfig(conf *config.Config) Options {
	return Options{
		SecureHeader:   conf.Server.SecureHeader,
		GuestLoginPath: conf.Server.GuestLoginPath,
	}
}

type Server struct {
	gateway  *gateway.Gateway
	resolver auth.IdentityResolver
	stats    StatsSource
	metrics  *metrics.Collector
	opts     Options
	router   *chi.Mux
}

// New creates a new API server instance
func New(gw *gateway.Gateway, resolver auth.IdentityResolver, stats StatsSource, mc *metrics.Collector, opts Options) *Server {
	if opts.SecureHeader == "" {
		opts.SecureHeader = auth.SecureHeader
	}
	if opts.GuestLoginPath == "" {
		opts.GuestLoginPath = "/guest/login"
	}

	s := &Server{
		gateway:  gw,
		resolver: resolver,
		stats:    stats,
		metrics:  mc,
		opts:     opts,
		router:   chi.NewRouter(),
	}

	// Set up middleware
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)

	s.router.Get("/health", s.health)
	s.router.Method(http.MethodGet, "/metrics", mc.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/exec/{functionID}", func(r chi.Router) {
			r.Use(s.functionCORS)
			for _, pattern := range []string{"/", "/*"} {
				r.Get(pattern, s.exec)
				r.Post(pattern, s.exec)
				r.Options(pattern, preflight)
			}
		})
		r.Post("/function/{functionID}/execute", s.execute)
	})

	return s
}

// ServeHTTP implements the http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	var stats scheduler.Stats
	if s.stats != nil {
		stats = s.stats.Stats()
	}
	serveJson(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"inflight": stats.Inflight,
		"queued":   stats.Queued,
	})
}

func preflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func functionIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "functionID"), 10, 64)
}

func serveJson(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("JSON encoding issue")
	}
}

type errorResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func serveError(w http.ResponseWriter, status int, message string) {
	serveJson(w, status, errorResponse{Status: status, Message: message})
}
