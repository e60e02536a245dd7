package devserver

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/iwarelease/internal/config"
	"github.com/schaermu/iwarelease/internal/pipeline"
)

// RebuildPath is the endpoint that triggers a rebuild.
const RebuildPath = "/-/rebuild"

// StatusPath reports the state of the last build.
const StatusPath = "/-/status"

// BuildFunc runs one build.
type BuildFunc func(ctx context.Context) (*pipeline.Result, error)

// Status is the JSON body served on StatusPath
type Status struct {
	Running   bool             `json:"running"`
	Pending   bool             `json:"pending"`
	Builds    int              `json:"builds"`
	LastError string           `json:"last_error,omitempty"`
	Last      *pipeline.Result `json:"last,omitempty"`
}

// Server serves the build output and rebuilds on request
type Server struct {
	cfg    *config.Config
	build  BuildFunc
	logger *slog.Logger
	// secret is nil when the rebuild hook is disabled
	secret []byte

	buildMu      sync.Mutex // guards the fields below
	buildRunning bool       // whether a build is currently in progress
	buildPending bool       // whether another build is needed after the current one
	builds       int
	lastErr      error
	lastResult   *pipeline.Result

	debounce *debouncer
}

// debouncer collapses bursts of triggers into one callback
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new dev server. The rebuild hook is enabled only when
// serve.rebuild_secret_file is configured.
func NewServer(cfg *config.Config, build BuildFunc, logger *slog.Logger) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		build:    build,
		logger:   logger,
		debounce: &debouncer{delay: cfg.Serve.Debounce},
	}

	if cfg.Serve.RebuildSecretFile != "" {
		secret, err := os.ReadFile(cfg.Serve.RebuildSecretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read rebuild secret: %w", err)
		}
		s.secret = []byte(strings.TrimSpace(string(secret)))
		if len(s.secret) == 0 {
			return nil, fmt.Errorf("rebuild secret file %s is empty", cfg.Serve.RebuildSecretFile)
		}
	}

	return s, nil
}

// Handler returns the HTTP handler: build output on /, plus the status and
// rebuild endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(StatusPath, s.handleStatus)
	if s.secret != nil {
		mux.HandleFunc(RebuildPath, s.handleRebuild)
	}
	mux.Handle("/", s.staticHandler())
	return mux
}

// Serve performs an initial build and then serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("performing initial build before starting dev server")
	s.performBuild(ctx)

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dev server starting",
			"addr", ln.Addr().String(),
			"root", s.cfg.Build.OutputDir,
			"rebuild_hook", s.secret != nil)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down dev server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.debounce.stop()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// staticHandler serves the output directory without caching so a rebuild
// is visible on the next request.
func (s *Server) staticHandler() http.Handler {
	files := http.FileServer(http.Dir(s.cfg.Build.OutputDir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		if strings.HasSuffix(r.URL.Path, s.cfg.App.BundleExt) {
			w.Header().Set("Content-Type", "application/webbundle")
		}
		files.ServeHTTP(w, r)
	})
}

// handleStatus reports the last build
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(s.Status())
}

// handleRebuild accepts an HMAC-signed POST and schedules a rebuild
func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	// Only accept POST requests
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST rebuild request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Read body
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	// Verify signature
	signature := r.Header.Get("X-Hub-Signature-256")
	if !s.verifySignature(body, signature) {
		s.logger.Warn("rejecting rebuild request with invalid signature", "remote", r.RemoteAddr)
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	s.logger.Info("rebuild requested", "remote", r.RemoteAddr)

	// Trigger debounced build
	s.debounce.trigger(func() {
		s.performBuild(context.Background())
	})

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Rebuild triggered\n")
}

// verifySignature checks a "sha256=<hex>" HMAC of body
func (s *Server) verifySignature(body []byte, signature string) bool {
	if signature == "" || !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(signature), []byte(expected))
}

// Status returns a snapshot of the build state
func (s *Server) Status() Status {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()

	st := Status{
		Running: s.buildRunning,
		Pending: s.buildPending,
		Builds:  s.builds,
		Last:    s.lastResult,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// performBuild runs the build with single-flight semantics.
// If a build is already in progress, at most one additional run is queued;
// further concurrent requests are dropped.
func (s *Server) performBuild(ctx context.Context) {
	s.buildMu.Lock()
	if s.buildRunning {
		s.buildPending = true
		s.buildMu.Unlock()
		s.logger.Info("build already in progress, queuing pending re-run")
		return
	}
	s.buildRunning = true
	s.buildMu.Unlock()

	for {
		s.logger.Info("performing build")

		result, err := s.build(ctx)
		if err != nil {
			s.logger.Error("build failed", "error", err)
		}

		s.buildMu.Lock()
		s.builds++
		s.lastErr = err
		if err == nil {
			s.lastResult = result
		}
		if !s.buildPending {
			s.buildRunning = false
			s.buildMu.Unlock()
			break
		}
		s.buildPending = false
		s.buildMu.Unlock()

		s.logger.Info("re-running build due to pending request")
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

// stop cancels a scheduled callback
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
