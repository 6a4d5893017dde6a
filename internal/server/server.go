// Package server serves the generated test page, the harness client scripts,
// project sources and node_modules to the browser.
package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	logx "pagetest/pkg/logx"
)

// ClientPrefix is where the embedded client scripts are mounted.
const ClientPrefix = "/__pagetest/"

//go:embed client/*.js
var clientFS embed.FS

// Options configures a Server. Paths must be absolute.
type Options struct {
	Sources        string
	NodeModules    string
	SpecsGlob      string
	UI             string
	DisableCaching bool
	// CoverageDir is served under /coverage/ when non-empty.
	CoverageDir string
	// Metrics is served under /__pagetest/metrics when non-nil.
	Metrics http.Handler
	Host    string
	Port    int
}

type Server struct {
	opts    Options
	log     logx.Logger
	handler http.Handler

	mu  sync.Mutex
	srv *http.Server
	url string
}

func New(opts Options, log logx.Logger) (*Server, error) {
	if !filepath.IsAbs(opts.Sources) {
		return nil, fmt.Errorf("server: sources must be absolute, got %q", opts.Sources)
	}
	if opts.SpecsGlob == "" {
		return nil, errors.New("server: empty specs glob")
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{opts: opts, log: log}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	client, _ := fs.Sub(clientFS, "client")
	r.Handle(ClientPrefix+"*", http.StripPrefix(ClientPrefix, s.javascript(http.FileServer(http.FS(client)))))
	if s.opts.Metrics != nil {
		r.Handle(ClientPrefix+"metrics", s.opts.Metrics)
	}
	if s.opts.NodeModules != "" {
		r.Handle("/node_modules/*", http.StripPrefix("/node_modules", s.javascript(http.FileServer(http.Dir(s.opts.NodeModules)))))
	}
	if s.opts.CoverageDir != "" {
		r.Handle("/coverage/*", http.StripPrefix("/coverage", http.FileServer(http.Dir(s.opts.CoverageDir))))
	}
	r.Get("/*", s.handleSourceOrPage)
	return r
}

// Handler returns the router; useful for tests.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Trace("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
		)
	})
}

// javascript fixes the content type of module scripts, which some platforms'
// mime tables lack.
func (s *Server) javascript(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isScript(r.URL.Path) {
			w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
		}
		if s.opts.DisableCaching {
			w.Header().Set("Cache-Control", "no-store")
		}
		next.ServeHTTP(w, r)
	})
}

func isScript(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".js", ".mjs", ".cjs":
		return true
	}
	return false
}

func (s *Server) handleSourceOrPage(w http.ResponseWriter, r *http.Request) {
	name := path.Clean("/" + r.URL.Path)
	if name != "/" {
		full := filepath.Join(s.opts.Sources, filepath.FromSlash(name))
		if f, err := os.Open(full); err == nil {
			defer f.Close()
			if st, err := f.Stat(); err == nil && st.Mode().IsRegular() {
				if isScript(name) {
					w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
				}
				if s.opts.DisableCaching {
					w.Header().Set("Cache-Control", "no-store")
				}
				http.ServeContent(w, r, st.Name(), st.ModTime(), f)
				return
			}
		}
	}
	s.servePage(w, r)
}

func (s *Server) servePage(w http.ResponseWriter, r *http.Request) {
	specs, err := findSpecs(s.opts.Sources, s.opts.SpecsGlob)
	if err != nil {
		s.log.Error("spec lookup failed", logx.String("glob", s.opts.SpecsGlob), logx.Err(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data := pageData{
		Config: pageConfig{Headless: isHeadless(r.UserAgent()), UI: s.opts.UI},
		Specs:  specs,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := pageTemplate.Execute(w, data); err != nil {
		s.log.Warn("test page render failed", logx.Err(err))
	}
}

// Start listens on the configured port (0 picks a free one) and serves in
// the background until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("server: already started")
	}
	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}
	s.srv = srv
	s.url = "http://" + ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("server error", logx.String("url", s.url), logx.Err(err))
		}
	}()
	s.log.Info("test server listening", logx.String("url", s.url))
	return nil
}

// URL is the base URL of the test page, empty before Start.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Shutdown closes the listener and waits for in-flight requests until ctx
// ends. It is a no-op when the server is not running.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	url := s.url
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		_ = srv.Close()
		return fmt.Errorf("server: shutdown: %w", err)
	}
	s.log.Info("test server closed", logx.String("url", url))
	return nil
}
