// Package health serves the worker's status over HTTP.
package health

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	isync "github.com/nhle/mailindex-sync/internal/sync"
)

// Scheduler is the part of *sync.Scheduler the server needs.
type Scheduler interface {
	Status() isync.Status
	Trigger() (bool, string)
}

// Server exposes /health, /status and /trigger.
type Server struct {
	echo   *echo.Echo
	addr   string
	sched  Scheduler
	logger *slog.Logger
}

// New builds the server; it does not listen until Run.
func New(addr string, sched Scheduler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		echo:   echo.New(),
		addr:   addr,
		sched:  sched,
		logger: logger.With("component", "health"),
	}
	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))

	e.GET("/health", s.health)
	e.GET("/status", s.status)
	e.POST("/trigger", s.trigger)
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", "addr", s.addr)
		errCh <- s.echo.Start(s.addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(c echo.Context) error {
	return c.JSON(http.StatusOK, s.sched.Status())
}

func (s *Server) trigger(c echo.Context) error {
	ok, reason := s.sched.Trigger()
	if !ok {
		return c.JSON(http.StatusConflict, map[string]string{"status": "skipped", "reason": reason})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "started"})
}
