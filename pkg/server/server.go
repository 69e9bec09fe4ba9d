// Package server is the HTTP adapter over the job orchestration core.
//
// It validates submissions before the core is invoked, renders the
// upload and result pages, and maps the Status Reader's payloads onto
// JSON responses. Nothing here owns job state; all state flows through
// the store, the pool, and the reader.
package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/aaroniumii/dividemp4online/pkg/config"
	"github.com/aaroniumii/dividemp4online/pkg/runner"
	"github.com/aaroniumii/dividemp4online/pkg/status"
	"github.com/aaroniumii/dividemp4online/pkg/store"
)

//go:embed templates/*.html
var templateFS embed.FS

// Server wires the HTTP surface to the orchestration core.
type Server struct {
	cfg    config.ServerConfig
	store  store.Store
	pool   *runner.Pool
	reader *status.Reader
	engine *gin.Engine
	httpd  *http.Server
}

// New constructs the server and its routes.
func New(cfg config.ServerConfig, st store.Store, pool *runner.Pool, reader *status.Reader) (*Server, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())
	engine.SetHTMLTemplate(tmpl)
	engine.MaxMultipartMemory = int64(cfg.MaxUploadMB) << 20

	s := &Server{
		cfg:    cfg,
		store:  st,
		pool:   pool,
		reader: reader,
		engine: engine,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/", s.handleIndex)
	s.engine.POST("/", s.handleUpload)
	s.engine.GET("/result/:id", s.handleResult)
	s.engine.GET("/status/:id", s.handleStatus)
	s.engine.GET("/download/:id/:filename", s.handleDownload)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully
// within the given timeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpd = &http.Server{
		Addr:         s.cfg.ListenAddr(),
		Handler:      s.engine,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("component", "server").
			Str("addr", s.httpd.Addr).
			Msg("HTTP server listening")
		errCh <- s.httpd.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpd.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	log.Info().Str("component", "server").Msg("HTTP server stopped")
	return nil
}

// requestLogger logs every request at debug with method, path, status,
// and latency.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("component", "server").
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("Handled request")
	}
}
