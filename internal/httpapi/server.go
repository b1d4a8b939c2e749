// Package httpapi serves transcripts over plain HTTP/JSON next to the MCP transport.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/anatolykoptev/go_caption/internal/engine/proxies"
	"github.com/anatolykoptev/go_caption/internal/toolutil"
)

// maxRequestBody caps POST /transcript bodies.
const maxRequestBody = 64 << 10

type Server struct {
	svc     toolutil.Transcriber
	evicter toolutil.Evicter
	pool    *proxies.Pool
	metrics func() string
	timeout time.Duration

	mux    *http.ServeMux
	server *http.Server
}

type Option func(*Server)

// WithPool exposes the proxy pool on /proxies and /healthz.
func WithPool(pool *proxies.Pool) Option {
	return func(s *Server) {
		s.pool = pool
	}
}

// WithMetrics serves fn's output on /metrics.
func WithMetrics(fn func() string) Option {
	return func(s *Server) {
		s.metrics = fn
	}
}

// WithRequestTimeout bounds each transcript request. A deadline is what lets
// a rate-limited request wait for quota instead of failing at once.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.timeout = d
	}
}

// WithEviction enables DELETE /transcript, which drops the cached entry.
func WithEviction(e toolutil.Evicter) Option {
	return func(s *Server) {
		s.evicter = e
	}
}

func NewServer(svc toolutil.Transcriber, opts ...Option) *Server {
	s := &Server{
		svc: svc,
		mux: http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/transcript", s.handleTranscript)
	s.mux.HandleFunc("/proxies", s.handleProxies)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/metrics", s.handleMetrics)
	s.mux.HandleFunc("/", s.handleRoot)
}
