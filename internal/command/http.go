package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/njoerd114/watchledger/internal/factory"
	"github.com/njoerd114/watchledger/internal/provider"
	syncp "github.com/njoerd114/watchledger/internal/sync"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
	maxBodyBytes      = 32 << 20
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"` // machine-readable error class
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status   string         `json:"status"`
	Time     string         `json:"time"`
	Version  string         `json:"version,omitempty"`
	Provider factory.Status `json:"provider"`
}

// NewRouter serves d under POST /api/v1/commands/:name and reports health on
// GET /healthz.
func NewRouter(d *Dispatcher, version string, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/healthz", func(c *gin.Context) {
		st := d.providers.Status()
		code, status := http.StatusOK, "healthy"
		if !st.Initialized {
			code, status = http.StatusServiceUnavailable, "unhealthy"
		}
		c.JSON(code, HealthResponse{
			Status:   status,
			Time:     time.Now().UTC().Format(time.RFC3339),
			Version:  version,
			Provider: st,
		})
	})

	api := r.Group("/api/v1")
	api.GET("/commands", func(c *gin.Context) {
		c.JSON(http.StatusOK, d.Commands())
	})
	api.POST("/commands/:name", func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "reading request body: " + err.Error(), Code: "validation"})
			return
		}
		out, err := d.Dispatch(c.Request.Context(), c.Param("name"), body)
		if err != nil {
			status, code := StatusFor(err)
			c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
			return
		}
		c.JSON(http.StatusOK, out)
	})
	return r
}

// StatusFor maps an error to its HTTP status and error class name.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrUnknownCommand):
		return http.StatusNotFound, "unknown_command"
	case errors.Is(err, provider.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, syncp.ErrInProgress):
		return http.StatusConflict, "in_progress"
	case errors.Is(err, provider.ErrProvider):
		return http.StatusPreconditionFailed, "provider"
	case errors.Is(err, provider.ErrNetwork):
		return http.StatusServiceUnavailable, "network"
	case errors.Is(err, provider.ErrSync):
		return http.StatusInternalServerError, "sync"
	case errors.Is(err, provider.ErrDatabase):
		return http.StatusInternalServerError, "database"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// Serve runs handler on addr until ctx is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server on %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down http server", "timeout", shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
