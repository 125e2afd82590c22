// Package bridge exposes bus channels to remote clients over a JSON websocket.
package bridge

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/next-trace/scg-message-bus/metrics"
	"github.com/next-trace/scg-message-bus/servicebus"
)

const (
	// Subscriber is the From value of bus traffic created by the bridge.
	Subscriber = "bridge"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	readLimit  = 1 << 20
	sendBuffer = 256
)

type Server struct {
	bus      *servicebus.Bus
	logger   *slog.Logger
	auth     *Authenticator
	prefixes []string
	origins  []string

	collector   *metrics.Collector
	gatherer    prometheus.Gatherer
	metricsPath string

	r  *chi.Mux
	up websocket.Upgrader
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithJWTSecret requires an HS256 bearer token on the websocket endpoint.
func WithJWTSecret(secret string) Option {
	return func(s *Server) {
		if secret != "" {
			s.auth = NewAuthenticator(secret)
		}
	}
}

// WithChannelPrefixes restricts clients to channels starting with one of prefixes.
func WithChannelPrefixes(prefixes ...string) Option {
	return func(s *Server) { s.prefixes = prefixes }
}

func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.origins = origins
		}
	}
}

// WithMetrics instruments the routes with c and serves g on path.
func WithMetrics(c *metrics.Collector, g prometheus.Gatherer, path string) Option {
	return func(s *Server) {
		s.collector = c
		s.gatherer = g
		s.metricsPath = path
	}
}

func New(b *servicebus.Bus, opts ...Option) *Server {
	s := &Server{bus: b, logger: slog.Default(), origins: []string{"*"}}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}

	s.up = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	s.r = r
	s.routes()

	return s
}

func (s *Server) Router() http.Handler { return s.r }

func (s *Server) routes() {
	s.handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))

	s.handle("/ws", s.authenticate(http.HandlerFunc(s.serveWS)))

	if s.metricsPath != "" {
		s.r.Method(http.MethodGet, s.metricsPath, metrics.Handler(s.gatherer))
	}
}

func (s *Server) handle(path string, h http.Handler) {
	if s.collector != nil {
		h = s.collector.Instrument(path, h)
	}

	s.r.Method(http.MethodGet, path, h)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	if s.auth == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := tokenFrom(r)
		if tok == "" {
			http.Error(w, "missing authorization", http.StatusUnauthorized)
			return
		}

		claims, err := s.auth.Validate(tok)
		if err != nil {
			s.logger.Debug("bridge token rejected", "err", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	for _, o := range s.origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}

	return false
}

// allowed applies the server prefix list, then the client's own list from its token.
func allowed(channel string, server, client []string) bool {
	return matchPrefix(channel, server) && matchPrefix(channel, client)
}

func matchPrefix(channel string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}

	for _, p := range prefixes {
		if strings.HasPrefix(channel, p) {
			return true
		}
	}

	return false
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.up.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "err", err)
		return
	}

	c := newConn(s, ws, claimsFrom(r.Context()))
	c.run()
}
