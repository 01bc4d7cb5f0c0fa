// Package server exposes the thread retrieval engine over HTTP.
package server

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"slack-thread-exporter/internal/conversation"
	"slack-thread-exporter/internal/metrics"
)

const (
	routeFetch  = "/fetch-slack-messages"
	routeHealth = "/health"
	routeMetric = "/metrics"

	maxBodyBytes = 1 << 20
)

// settings is swapped as a whole when configuration is reloaded.
type settings struct {
	assembler     *conversation.Assembler
	signingSecret string
}

type Server struct {
	logger   *zap.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	now      func() time.Time

	current atomic.Pointer[settings]
	router  *mux.Router
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.logger = l } }

// WithMetrics records request metrics on m and serves g on /metrics.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// WithSigningSecret requires POST bodies to carry a valid v0 HMAC signature.
func WithSigningSecret(secret string) Option {
	return func(s *Server) {
		st := *s.current.Load()
		st.signingSecret = secret
		s.current.Store(&st)
	}
}

func withClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

func New(assembler *conversation.Assembler, opts ...Option) *Server {
	s := &Server{logger: zap.NewNop(), now: time.Now}
	s.current.Store(&settings{assembler: assembler})
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Update swaps the assembler and signing secret used by later requests.
// Requests already running keep the values they started with.
func (s *Server) Update(assembler *conversation.Assembler, signingSecret string) {
	s.current.Store(&settings{assembler: assembler, signingSecret: signingSecret})
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestID, s.instrument)

	r.Handle(routeFetch, s.signed(http.HandlerFunc(s.handleFetch))).Methods(http.MethodPost)
	r.HandleFunc(routeHealth, s.handleHealth).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle(routeMetric, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	r.NotFoundHandler = s.unmatched(http.StatusNotFound, "Endpoint not found")
	r.MethodNotAllowedHandler = s.unmatched(http.StatusMethodNotAllowed, "Method not allowed")
	return r
}
