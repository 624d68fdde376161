// Package admin serves the engine's operator HTTP surface.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/fixgate/internal/auth"
	"github.com/danmuck/fixgate/internal/engine/framer"
	"github.com/danmuck/fixgate/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Gateway is what the admin surface drives. The calls cross into the framer
// goroutine and block until it replies or ctx ends.
type Gateway interface {
	QueryLibraries(ctx context.Context) ([]framer.LibraryInfo, error)
	ResetSessionIds(ctx context.Context, backupPath string) error
	ResetSequenceNumber(ctx context.Context, sessionID int64) error
	IsLeader() bool
}

type Config struct {
	NodeID         string
	Addr           string
	CORSOrigins    []string
	RequestTimeout time.Duration
	// Token guards the mutating routes; empty leaves them open.
	Token string
}

type Server struct {
	NodeID   string    `json:"node_id"`
	Addr     string    `json:"addr"`
	Appeared time.Time `json:"appeared"`

	gateway Gateway
	token   string
	timeout time.Duration
	router  *gin.Engine
	logger  zerolog.Logger
	srv     *http.Server
}

func New(cfg Config, gateway Gateway, logger zerolog.Logger) *Server {
	observability.RegisterMetrics()
	logger = logger.With().Str("component", "admin").Logger()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger, cfg.NodeID, "/health", "/metrics"))
	r.Use(observability.RequestMetricsMiddleware(cfg.NodeID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s := &Server{
		NodeID:   cfg.NodeID,
		Addr:     cfg.Addr,
		Appeared: time.Now(),
		gateway:  gateway,
		token:    cfg.Token,
		timeout:  timeout,
		router:   r,
		logger:   logger,
	}
	s.registerRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"node":    s.NodeID,
			"version": "0.0.1",
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/leader", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"node":   s.NodeID,
			"leader": s.gateway.IsLeader(),
		})
	})

	s.router.GET("/libraries", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
		defer cancel()
		libraries, err := s.gateway.QueryLibraries(ctx)
		if err != nil {
			s.fail(c, "libraries", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"libraries": libraries})
	})

	mutating := s.router.Group("/")
	if s.token != "" {
		mutating.Use(auth.Require(auth.StaticToken{Token: s.token}))
	}

	mutating.POST("/session-ids/reset", func(c *gin.Context) {
		var body struct {
			BackupPath string `json:"backup_path"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&body); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
		defer cancel()
		if err := s.gateway.ResetSessionIds(ctx, body.BackupPath); err != nil {
			s.fail(c, "reset session ids", err)
			return
		}
		s.logger.Info().Str("backup_path", body.BackupPath).Msg("admin.resetSessionIds done")
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	mutating.POST("/sessions/:session/reset-sequence-number", func(c *gin.Context) {
		sessionID, err := strconv.ParseInt(c.Param("session"), 10, 64)
		if err != nil || sessionID <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session must be a positive integer"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
		defer cancel()
		if err := s.gateway.ResetSequenceNumber(ctx, sessionID); err != nil {
			s.fail(c, "reset sequence number", err)
			return
		}
		s.logger.Info().Int64("session_id", sessionID).Msg("admin.resetSequenceNumber done")
		c.JSON(http.StatusOK, gin.H{"status": "ok", "session_id": sessionID})
	})
}

func (s *Server) fail(c *gin.Context, op string, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		status = http.StatusGatewayTimeout
	}
	s.logger.Error().Err(err).Str("op", op).Msg("admin request failed")
	c.JSON(status, gin.H{"error": err.Error()})
}

// Serve runs until ctx ends, then shuts the listener down.
func (s *Server) Serve(ctx context.Context) error {
	s.srv = &http.Server{Addr: s.Addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.Addr).Msg("admin.Serve listening")
		errc <- s.srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdown)
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
