// Package opsserver is the operator HTTP surface: health, Prometheus metrics,
// the stats view, admin-token issuance and optional pprof.
package opsserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rbs/internal/metrics"
	"rbs/internal/model"
	"rbs/internal/stats"
	logx "rbs/pkg/logx"
)

type Config struct {
	Enabled      bool
	Addr         string
	AdminToken   string
	Pprof        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Backend is the engine surface the server reads and calls.
type Backend interface {
	StatsView(ctx context.Context) (stats.View, error)
	Current() model.Round
	Remaining() time.Duration
	IssueAdminToken(ctx context.Context) (string, error)
}

// HealthFunc reports component health; a non-nil error turns /healthz red.
type HealthFunc func() map[string]error

type Server struct {
	cfg     Config
	backend Backend
	health  HealthFunc
	log     logx.Logger

	mu  sync.Mutex
	srv *http.Server
}

func New(cfg Config, backend Backend, health HealthFunc, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:9090"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		// pprof profiles stream for 30s by default.
		cfg.WriteTimeout = 45 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, backend: backend, health: health, log: log.With(logx.String("comp", "ops"))}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/round", s.handleRound)
		r.With(s.requireToken).Post("/admin/tokens", s.handleAdminToken)
	})

	if s.cfg.Pprof {
		r.With(s.requireToken).Mount("/debug", chimiddleware.Profiler())
	}
	return r
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		metrics.RecordHTTP(r.Method, route, ww.Status(), time.Since(start))
	})
}

// requireToken accepts "Authorization: Bearer <token>". With no token
// configured the guarded routes are closed.
func (s *Server) requireToken(next http.Handler) http.Handler {
	want := strings.TrimSpace(s.cfg.AdminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if want == "" || !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(want)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

type healthBody struct {
	Status     string            `json:"status"`
	Round      int64             `json:"round"`
	Components map[string]string `json:"components,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := healthBody{Status: "ok", Round: s.backend.Current().ID}
	code := http.StatusOK
	if s.health != nil {
		for name, err := range s.health() {
			if body.Components == nil {
				body.Components = map[string]string{}
			}
			if err != nil {
				body.Components[name] = err.Error()
				body.Status, code = "degraded", http.StatusServiceUnavailable
				continue
			}
			body.Components[name] = "ok"
		}
	}
	writeJSON(w, code, body)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	v, err := s.backend.StatsView(r.Context())
	if err != nil {
		s.log.Warn("stats view failed", logx.Err(err))
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "stats unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type roundBody struct {
	ID               int64             `json:"id"`
	AuthorName       string            `json:"author_name,omitempty"`
	Content          string            `json:"content,omitempty"`
	Language         string            `json:"language,omitempty"`
	Translations     map[string]string `json:"translations,omitempty"`
	Upvotes          int               `json:"upvotes"`
	Downvotes        int               `json:"downvotes"`
	Waiting          bool              `json:"waiting"`
	Redacted         bool              `json:"redacted"`
	RemainingSeconds int64             `json:"remaining_seconds"`
}

func (s *Server) handleRound(w http.ResponseWriter, _ *http.Request) {
	r := s.backend.Current()
	body := roundBody{
		ID:               r.ID,
		Upvotes:          r.Upvotes,
		Downvotes:        r.Downvotes,
		Waiting:          r.Waiting(),
		Redacted:         r.Redacted(),
		RemainingSeconds: int64(s.backend.Remaining().Seconds()),
	}
	if r.Live() {
		body.AuthorName, body.Content = r.AuthorName, r.Content
		body.Language, body.Translations = r.Language, r.Translations
	}
	writeJSON(w, http.StatusOK, body)
}

type tokenBody struct {
	Token string `json:"token"`
}

func (s *Server) handleAdminToken(w http.ResponseWriter, r *http.Request) {
	secret, err := s.backend.IssueAdminToken(r.Context())
	if err != nil {
		s.log.Error("admin token not issued", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "token not issued"})
		return
	}
	s.log.Info("admin token issued", logx.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusCreated, tokenBody{Token: secret})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Start listens and serves in the background. A non-loopback address needs
// an admin token.
func (s *Server) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	if s.cfg.AdminToken == "" && !isLoopback(s.cfg.Addr) {
		return errors.New("ops server: non-loopback addr requires admin_token")
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ops server stopped", logx.Err(err))
		}
	}()
	s.log.Info("ops server started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return err
	}
	return nil
}

func isLoopback(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
