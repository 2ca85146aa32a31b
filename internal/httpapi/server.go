// Package httpapi is the operator and verification HTTP API.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"courier/internal/dispatch"
	"courier/internal/eventbus"
	"courier/internal/ratelimit"
	"courier/internal/scheduler"
	"courier/internal/storage"
	"courier/internal/transport"
	"courier/internal/uploads"
	"courier/internal/verify"
	logx "courier/pkg/logx"
)

const (
	DefaultAddr            = ":5000"
	DefaultReadTimeout     = 30 * time.Second
	DefaultIdleTimeout     = 2 * time.Minute
	DefaultShutdownTimeout = 10 * time.Second
)

type Config struct {
	Addr string
	// APIKey guards /api/*. KeyFromEnv only changes what /api/auth/info reports.
	APIKey     string
	KeyFromEnv bool
	Production bool

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration // 0: none; bulk sends can take minutes
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	CORSOrigins []string
	StaticDir   string
	Pprof       bool
	// TrustedProxies are the peers allowed to set X-Forwarded-For and
	// X-Real-IP. Without them the TCP peer is the client.
	TrustedProxies []netip.Prefix
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = []string{"*"}
	}
	return c
}

// Deps are the services behind the handlers. All are required except Bus and Jobs.
type Deps struct {
	Store      storage.Store
	Pool       *transport.Pool
	Dispatcher *dispatch.Dispatcher
	Uploads    *uploads.Store
	Verify     *verify.Service
	Limiter    *ratelimit.Limiter
	Bus        eventbus.Bus
	Jobs       *scheduler.Service
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	key  string

	// records tracks message history writes that outlive their request.
	records sync.WaitGroup

	mu   sync.Mutex
	addr string

	started time.Time
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:     cfg.withDefaults(),
		deps:    deps,
		log:     log,
		started: time.Now(),
	}
	s.key = resolveAPIKey(s.cfg, log)
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders: []string{"Retry-After", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.health)
	r.Get("/api/auth/info", s.authInfo)

	r.Route("/api/verify", func(r chi.Router) {
		r.Post("/request", s.verifyRequest)
		r.Post("/confirm", s.verifyConfirm)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/api/accounts", func(r chi.Router) {
			r.Get("/", s.listAccounts)
			r.Post("/", s.createAccount)
			r.Post("/test", s.testAccount)
			r.Put("/{id}", s.updateAccount)
			r.Delete("/{id}", s.deleteAccount)
		})
		r.Route("/api/contacts", func(r chi.Router) {
			r.Get("/", s.listContacts)
			r.Post("/", s.createContact)
			r.Post("/import", s.importContacts)
			r.Put("/{id}", s.updateContact)
			r.Delete("/{id}", s.deleteContact)
		})
		r.Route("/api/messages", func(r chi.Router) {
			r.Get("/", s.listMessages)
			r.Get("/stats", s.messageStats)
			r.Get("/progress", s.progressStream)
			r.Post("/send-bulk", s.sendBulk)
			r.Post("/send", s.sendOne)
			r.Delete("/{id}", s.deleteMessage)
		})
		r.Post("/api/upload", s.upload)
		if s.cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})

	if s.cfg.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}
	return r
}

// Run serves until ctx is done, then shuts down gracefully and waits for
// pending history writes. ready is called once the listener is bound.
func (s *Server) Run(ctx context.Context, ready func(addr string)) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("http listening", logx.String("addr", s.Addr()))
	if ready != nil {
		ready(s.Addr())
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.records.Wait()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("http shutdown error", logx.Err(err))
		_ = srv.Close()
	}
	s.records.Wait()
	s.log.Info("http stopped", logx.String("addr", s.Addr()))
	return nil
}

// Addr reports the bound address once Run is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Drain waits for asynchronous history writes.
func (s *Server) Drain() { s.records.Wait() }

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []logx.Field{
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", status),
			logx.String("ip", s.clientIP(r)),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		}
		switch {
		case status >= 500:
			s.log.Warn("http request", fields...)
		default:
			s.log.Debug("http request", fields...)
		}
	})
}

type healthResponse struct {
	OK          bool                `json:"ok"`
	Uptime      string              `json:"uptime"`
	Limiter     ratelimit.Stats     `json:"limiter"`
	Attachments int                 `json:"cached_attachments"`
	Bots        int                 `json:"bots"`
	Jobs        []scheduler.JobInfo `json:"jobs,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{OK: true, Uptime: time.Since(s.started).Truncate(time.Second).String()}
	if s.deps.Limiter != nil {
		resp.Limiter = s.deps.Limiter.Stats()
	}
	if s.deps.Dispatcher != nil {
		resp.Attachments = s.deps.Dispatcher.Cache().Len()
	}
	if s.deps.Pool != nil {
		resp.Bots = s.deps.Pool.Len()
	}
	if s.deps.Jobs != nil {
		resp.Jobs = s.deps.Jobs.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

// audit records an operator action; failures only log.
func (s *Server) audit(ctx context.Context, e storage.AuditEntry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if err := s.deps.Store.AppendAudit(ctx, e); err != nil {
		s.log.Warn("audit write failed", logx.String("action", e.Action), logx.Err(err))
	}
}
