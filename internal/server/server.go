package server

import (
	"fmt"
	"io/fs"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/static"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Brownie44l1/thyroid-api/internal/config"
	"github.com/Brownie44l1/thyroid-api/internal/handlers"
	"github.com/Brownie44l1/thyroid-api/internal/metrics"
	"github.com/Brownie44l1/thyroid-api/web"
)

const (
	StaticPrefix    = "/static"
	unmatchedRoute  = "unmatched"
	requestIDHeader = "X-Request-ID"
)

type Server struct {
	engine  *gin.Engine
	inner   *http.Server
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func New(cfg *config.Config, h *handlers.Handler, m *metrics.Metrics, logger *zap.Logger) (*Server, error) {
	gin.SetMode(getGinMode(cfg.Environment))
	r := gin.New()
	r.MaxMultipartMemory = cfg.Upload.MaxBytes

	s := &Server{
		engine:  r,
		logger:  logger.Named("http"),
		metrics: m,
	}

	r.Use(s.requestLogger())
	r.Use(gin.CustomRecovery(s.recoverPanic))

	// Development-oriented: any origin, method and header.
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:    []string{"*"},
		ExposeHeaders:   []string{requestIDHeader},
		MaxAge:          12 * time.Hour,
	}))

	if err := s.setupWeb(cfg.Web); err != nil {
		return nil, err
	}

	h.RegisterRoutes(r)
	r.GET("/metrics", gin.WrapH(m.Handler()))

	s.inner = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) setupWeb(cfg config.WebConfig) error {
	if cfg.TemplatesDir != "" {
		s.engine.LoadHTMLGlob(filepath.Join(cfg.TemplatesDir, "*.html"))
	} else {
		tmpl, err := web.ParseTemplates()
		if err != nil {
			return fmt.Errorf("failed to parse templates: %w", err)
		}
		s.engine.SetHTMLTemplate(tmpl)
	}

	if cfg.StaticDir != "" {
		s.engine.Use(static.Serve(StaticPrefix, static.LocalFile(cfg.StaticDir, false)))
	} else {
		assets, err := fs.Sub(web.Static, "static")
		if err != nil {
			return fmt.Errorf("failed to open embedded assets: %w", err)
		}
		s.engine.StaticFS(StaticPrefix, http.FS(assets))
	}
	return nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(handlers.RequestIDKey, requestID)
		c.Header(requestIDHeader, requestID)

		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)

		s.metrics.ObserveRequest(routeLabel(c), c.Request.Method, status, latency)
		s.logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", requestID),
		)
	}
}

// routeLabel keeps the path label bounded: raw URLs never become label values.
func routeLabel(c *gin.Context) string {
	if path := c.FullPath(); path != "" {
		return path
	}
	// files served by the static middleware never match a route
	if strings.HasPrefix(c.Request.URL.Path, StaticPrefix+"/") && c.Writer.Status() != http.StatusNotFound {
		return StaticPrefix + "/*filepath"
	}
	return unmatchedRoute
}

// recoverPanic turns a panic into the same JSON error shape every other failure uses.
func (s *Server) recoverPanic(c *gin.Context, recovered any) {
	err := fmt.Errorf("%v", recovered)
	s.logger.Error("panic recovered",
		zap.Error(err),
		zap.String("path", c.Request.URL.Path),
		zap.String("request_id", c.GetString(handlers.RequestIDKey)),
		zap.Stack("stack"),
	)
	s.metrics.ObserveFailure("internal_error")
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func getGinMode(env string) string {
	switch env {
	case "dev", "development":
		return gin.DebugMode
	case "test":
		return gin.TestMode
	default:
		return gin.ReleaseMode
	}
}
