package broker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	apiLimiterCacheSize = 1024
	apiLimiterIdle      = 10 * time.Minute
)

// Server is the relay broker.
type Server struct {
	cfg      *Config
	log      zerolog.Logger
	auth     *AuthService
	hub      *Hub
	events   *eventBus
	metrics  *Metrics
	router   *chi.Mux
	upgrader websocket.Upgrader
	limiters *expirable.LRU[string, *rate.Limiter] // per API caller
	started  time.Time
	cancel   context.CancelFunc
}

// New creates a broker and starts its hub.
func New(cfg *Config, log zerolog.Logger) *Server {
	auth := NewAuthService(cfg)
	events := newEventBus()
	metrics := NewMetrics()

	s := &Server{
		cfg:      cfg,
		log:      log.With().Str("component", "broker").Logger(),
		auth:     auth,
		hub:      newHub(cfg, auth, metrics, events, log),
		events:   events,
		metrics:  metrics,
		limiters: expirable.NewLRU[string, *rate.Limiter](apiLimiterCacheSize, nil, apiLimiterIdle),
		started:  time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	if !cfg.AgentAuthRequired() {
		s.log.Warn().Msg("JSEYES_AGENT_SECRET not set: agents are accepted without a challenge")
	}
	if !cfg.TokenRequired() {
		s.log.Warn().Msg("JSEYES_TOKEN_HASH not set: automation endpoints are open")
	}

	s.setupRouter()

	// Start hub immediately (for testing and normal use)
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.hub.Run(ctx)

	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	// Public routes
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	// WebSocket (agents authenticate in-band, automation clients by token)
	r.Get("/ws", s.handleWebSocket)

	// Token-protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)

		r.Get("/events", s.handleEvents)

		r.Route("/api", func(r chi.Router) {
			r.Get("/clients", s.handleClients)
			r.Get("/tabs", s.handleTabs)
			r.Post("/command", s.handleCommand)
			r.Get("/results/{requestID}", s.handleResult)
		})
	})

	s.router = r
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// requireToken checks the automation bearer token when one is configured.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.ValidateToken(TokenFromRequest(r)) {
			s.metrics.rejections.WithLabelValues("unauthorized").Inc()
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		ctx := withCaller(r.Context(), callerAddr(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// callerAddr is the request's client host, without the port.
func callerAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// apiLimiter returns the token bucket shared by every API request from
// caller. Idle buckets expire.
func (s *Server) apiLimiter(caller string) *rate.Limiter {
	if l, ok := s.limiters.Get(caller); ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(s.cfg.AutomationRate), s.cfg.AutomationBurst)
	s.limiters.Add(caller, l)
	return l
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no Origin.
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Run serves HTTP until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Str("version", VersionInfo()).Msg("starting broker")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down broker")
	// Stop the hub first: it closes WebSockets and ends event streams.
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Close stops the hub and waits for it.
func (s *Server) Close() {
	s.cancel()
	<-s.hub.done
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}

// Hub returns the broker's hub.
func (s *Server) Hub() *Hub {
	return s.hub
}
