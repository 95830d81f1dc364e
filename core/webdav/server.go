// Package webdav exposes the pool as a WebDAV endpoint with Range support,
// usable as an rclone webdav remote or mounted by media players.
package webdav

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pyropy/rclonepool/core/config"
	"github.com/pyropy/rclonepool/core/pool"
)

func init() {
	// chi only routes methods it knows about.
	chi.RegisterMethod("PROPFIND")
	chi.RegisterMethod("MKCOL")
	chi.RegisterMethod("MOVE")
}

const davMethods = "OPTIONS, HEAD, GET, PUT, DELETE, PROPFIND, MKCOL, MOVE"

// Server is the WebDAV frontend. One worker per request; every request runs
// to completion against the pool.
type Server struct {
	pool *pool.Pool
	cfg  config.Config
	log  *zap.SugaredLogger
	srv  *http.Server
}

func NewServer(p *pool.Pool, log *zap.SugaredLogger) *Server {
	return &Server{
		pool: p,
		cfg:  p.Config(),
		log:  log,
	}
}

// Router builds the request router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.logRequests)

	r.MethodFunc(http.MethodOptions, "/*", s.handleOptions)
	r.MethodFunc(http.MethodHead, "/*", s.handleHead)
	r.MethodFunc(http.MethodGet, "/*", s.handleGet)
	r.MethodFunc(http.MethodPut, "/*", s.handlePut)
	r.MethodFunc(http.MethodDelete, "/*", s.handleDelete)
	r.MethodFunc("PROPFIND", "/*", s.handlePropfind)
	r.MethodFunc("MKCOL", "/*", s.handleMkcol)
	r.MethodFunc("MOVE", "/*", s.handleMove)

	return r
}

// ListenAndServe runs the server until ctx is cancelled, then drains.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.WebDAVHost, s.cfg.WebDAVPort)
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Infow("webdav server listening", "addr", addr)
		errc <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.log.Infow("webdav server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

// statusWriter captures status and byte count for the request log.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()

		next.ServeHTTP(sw, r)

		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		s.log.Infow("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", sw.bytes,
			"elapsed", time.Since(start),
		)
	})
}
