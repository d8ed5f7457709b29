package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"offerwatch/internal/items"
	"offerwatch/internal/service"
	"offerwatch/internal/watch"
)

// Scanner is the part of the scan service the API drives.
type Scanner interface {
	Status() service.Status
	TriggerScanNow() bool
	ListTrackedItems(ctx context.Context) ([]watch.TrackedItem, error)
	FindItem(ctx context.Context, asin string) (watch.TrackedItem, error)
	GetWatchRecord(ctx context.Context, key string) (*watch.WatchRecord, error)
}

// ItemEditor mutates the tracked list.
type ItemEditor interface {
	Add(ctx context.Context, e items.Entry) error
	Remove(ctx context.Context, asin string) error
}

// Options configure the control API.
type Options struct {
	Addr         string
	AllowOrigins []string
	TLD          string
}

// Server exposes the control API over HTTP.
type Server struct {
	opts    Options
	scanner Scanner
	editor  ItemEditor
	engine  *gin.Engine
	logger  zerolog.Logger
}

// New builds the router. Call gin.SetMode before New to silence debug output.
func New(opts Options, scanner Scanner, editor ItemEditor, logger zerolog.Logger) *Server {
	s := &Server{
		opts:    opts,
		scanner: scanner,
		editor:  editor,
		logger:  logger.With().Str("component", "api").Logger(),
	}

	r := gin.New()
	r.Use(s.requestLogger(), gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.logger.Error().Interface("panic", recovered).Str("path", c.Request.URL.Path).Msg("handler panicked")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}))
	if len(opts.AllowOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: opts.AllowOrigins,
			AllowMethods: []string{"GET", "POST", "DELETE"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}

	r.GET("/health", s.health)
	api := r.Group("/api")
	{
		api.GET("/status", s.status)
		api.GET("/items", s.listItems)
		api.POST("/items", s.addItem)
		api.DELETE("/items/:asin", s.removeItem)
		api.POST("/scan", s.scanNow)
		api.GET("/history/:asin", s.history)
	}
	s.engine = r
	return s
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("control api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve control api: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown control api: %w", err)
		}
		return nil
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request served")
	}
}
