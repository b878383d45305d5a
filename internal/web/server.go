// Package web serves the relay and a read-only status UI of its rooms.
package web

import (
	"context"
	"embed"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/hpungsan/fieldsync/internal/config"
	"github.com/hpungsan/fieldsync/internal/transport"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// Source provides room snapshots. *transport.Relay implements it.
type Source interface {
	Rooms() []transport.RoomStatus
	Room(document string) (transport.RoomStatus, bool)
}

// NewServer creates the HTTP server. The relay endpoint is mounted at /ws
// when relay is non-nil; src feeds the status pages.
func NewServer(src Source, relay http.Handler, cfg *config.Config, version string) *http.Server {
	templateSub, err := fs.Sub(templateFS, "templates")
	if err != nil {
		glog.Fatalf("[web]template sub-FS: %s", err)
	}
	staticSub, err := fs.Sub(staticFS, "static")
	if err != nil {
		glog.Fatalf("[web]static sub-FS: %s", err)
	}

	h := &Handlers{
		src:      src,
		cfg:      cfg,
		renderer: NewRenderer(templateSub, version),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/docs", http.StatusFound)
	})
	mux.HandleFunc("GET /docs", h.HandleList)
	mux.HandleFunc("GET /docs/{id}", h.HandleDetail)
	mux.HandleFunc("GET /api/docs", h.HandleListJSON)
	mux.HandleFunc("GET /api/docs/{id}", h.HandleDetailJSON)
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(staticSub)))
	if relay != nil {
		mux.Handle("GET /ws", relay)
	}

	return &http.Server{
		Addr:              net.JoinHostPort(cfg.ListenBind, strconv.Itoa(cfg.ListenPort)),
		Handler:           securityHeaders(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// securityHeaders adds security-related HTTP headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'; script-src 'self'; style-src 'self'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// Run serves srv until ctx is done or SIGINT/SIGTERM arrives, then shuts down gracefully.
func Run(ctx context.Context, srv *http.Server) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	glog.Infof("[web]relay running at http://%s\n", srv.Addr)
	if strings.HasPrefix(srv.Addr, "0.0.0.0:") || strings.HasPrefix(srv.Addr, "[::]:") {
		glog.Warningf("[web]binding to all interfaces; the relay is reachable from the network\n")
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		glog.Infof("[web]shutting down\n")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
