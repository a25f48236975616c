// Package health serves liveness, readiness and statistics over HTTP.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/e7canasta/camlink"
)

// Deps are the daemon hooks the server reports on
type Deps struct {
	// Stats returns pipeline statistics (required)
	Stats func() camlink.Stats
	// Extra returns additional sections for /stats, e.g. capture and mqtt
	Extra func() map[string]any
	// Recover leaves the pipeline error state
	Recover func(ctx context.Context) error
}

// Server is the health HTTP server
type Server struct {
	deps       Deps
	engine     *gin.Engine
	httpServer *http.Server
	started    time.Time
}

// New creates a server listening on addr
func New(addr string, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		deps:    deps,
		engine:  gin.New(),
		started: time.Now(),
	}
	s.engine.Use(gin.Recovery())
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/readiness", s.handleReadiness)
	s.engine.GET("/stats", s.handleStats)
	s.engine.POST("/recover", s.handleRecover)
}

// handleHealth reports the process is alive
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"uptime":    time.Since(s.started).String(),
		"timestamp": time.Now(),
	})
}

// handleReadiness is 200 only while a camera is streaming
func (s *Server) handleReadiness(c *gin.Context) {
	st := s.deps.Stats()
	code := http.StatusOK
	if st.Phase != camlink.PhaseStreaming.String() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"ready":        code == http.StatusOK,
		"phase":        st.Phase,
		"camera":       st.Camera,
		"camera_ready": st.CameraReady,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	body := gin.H{"pipeline": s.deps.Stats()}
	if s.deps.Extra != nil {
		for k, v := range s.deps.Extra() {
			body[k] = v
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleRecover(c *gin.Context) {
	if s.deps.Recover == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "recover not available"})
		return
	}

	err := s.deps.Recover(c.Request.Context())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"recovered": true, "camera": s.deps.Stats().Camera})
	case errors.Is(err, camlink.ErrNotInErrorState):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, camlink.ErrNotStarted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		slog.Error("health: recover failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("health: listen %s: %w", s.httpServer.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("health: http server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("health: serve: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("health: shutdown: %w", err)
	}
	slog.Info("health: http server stopped")
	return nil
}
