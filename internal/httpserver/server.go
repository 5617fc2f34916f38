// Package httpserver is the optional HTTP surface: health, the public data
// directory, metrics, the Telegram webhook and pprof.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	rtsup "clockbot/internal/runtime/supervisor"
	"clockbot/internal/storage"
	logx "clockbot/pkg/logx"
)

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Mode is reported by the health endpoints ("webhook" or "polling").
	Mode string
	// DataDir is served under /data when set.
	DataDir string

	Pprof      bool
	PprofToken string
}

// Routes are the optional handlers mounted next to the built-in ones.
type Routes struct {
	// WebhookPath receives Telegram update posts when Webhook is set.
	WebhookPath string
	Webhook     http.Handler
	Metrics     http.Handler
}

type Service struct {
	cfg    Config
	routes Routes
	log    logx.Logger
	now    func() time.Time

	mu  sync.Mutex
	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg Config, routes Routes, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":3000"
	}
	if cfg.Mode == "" {
		cfg.Mode = "polling"
	}
	return &Service{cfg: cfg, routes: routes, log: log, now: time.Now}
}

// Handler builds the router. Start serves it; tests use it directly.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)

	r.Get("/", s.health)
	r.Get("/health", s.health)

	if s.cfg.DataDir != "" {
		r.Group(func(r chi.Router) {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "OPTIONS"},
				AllowedHeaders: []string{"Accept"},
			}))
			r.Get("/data", s.listData)
			r.Get("/data/*", s.serveData)
		})
	}
	if s.routes.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.routes.Metrics)
	}
	if s.routes.Webhook != nil && s.routes.WebhookPath != "" {
		r.Method(http.MethodPost, s.routes.WebhookPath, s.routes.Webhook)
	}
	if s.cfg.Pprof {
		if s.cfg.PprofToken == "" && !isLoopbackAddr(s.cfg.Addr) {
			s.log.Error("pprof not mounted: non-loopback addr requires a token", logx.String("addr", s.cfg.Addr))
		} else {
			r.Route("/debug", func(r chi.Router) {
				r.Use(withAuth(s.cfg.PprofToken))
				r.Mount("/", middleware.Profiler())
			})
		}
	}
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNotFound) })
	return r
}

// Start listens on Addr and serves until Stop or ctx is done.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup.Go("http.serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	sup.Go0("http.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(c), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	s.srv, s.sup = srv, sup
	s.log.Info("http server started", logx.String("addr", ln.Addr().String()), logx.String("mode", s.cfg.Mode))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	sup.Cancel()
	if werr := sup.Wait(ctx); werr != nil && err == nil && !errors.Is(werr, context.Canceled) {
		err = werr
	}
	s.log.Info("http server stopped")
	return err
}

func (s *Service) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"mode":      s.cfg.Mode,
		"timestamp": storage.FormatTime(s.now()),
	})
}

func (s *Service) listData(w http.ResponseWriter, _ *http.Request) {
	entries, err := os.ReadDir(s.cfg.DataDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Error("list data dir failed", logx.String("dir", s.cfg.DataDir), logx.Err(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	writeJSON(w, http.StatusOK, map[string][]string{"files": files})
}

func (s *Service) serveData(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "*")
	if raw == "" {
		s.listData(w, r)
		return
	}
	name, err := url.PathUnescape(raw)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	path, ok := resolveInside(s.cfg.DataDir, name)
	if !ok {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Error("stat data file failed", logx.String("path", path), logx.Err(err))
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		s.log.Error("open data file failed", logx.String("path", path), logx.Err(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", mimeType(path))
	http.ServeContent(w, r, "", st.ModTime(), f)
}

// resolveInside joins name under root and reports whether the result stays
// strictly below root.
func resolveInside(root, name string) (string, bool) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	p := filepath.Join(absRoot, filepath.FromSlash(name))
	rel, err := filepath.Rel(absRoot, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return p, true
}

func mimeType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		return "application/json"
	case ".txt", ".log":
		return "text/plain; charset=utf-8"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Service) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		path := r.URL.Path
		if s.routes.WebhookPath != "" && path == s.routes.WebhookPath {
			path = "/bot<token>"
		}
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", path),
			logx.Int("status", ww.Status()),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("dur", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>. An
// empty token allows everything.
func withAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" && got == tok {
				next.ServeHTTP(w, r)
				return
			}
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") &&
				strings.TrimSpace(strings.TrimPrefix(ah, "Bearer ")) == tok {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		})
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
