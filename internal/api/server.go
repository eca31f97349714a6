// Package api exposes a model cache over an HTTP JSON API.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prethora/modelcache"
)

// Config configures the HTTP server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// Environment selects the gin mode: "dev", "test" or anything else for release.
	Environment string

	// AllowOrigins lists CORS origins. Empty allows all.
	AllowOrigins []string
}

// Server serves the cache API.
type Server struct {
	cache   modelcache.Cache
	logger  modelcache.Logger
	metrics *metrics
	engine  *gin.Engine
	inner   *http.Server

	// baseCtx bounds downloads started through the API. They outlive the
	// request that started them and end when the server stops.
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer builds a server for c. The caller keeps ownership of c.
func NewServer(cfg Config, c modelcache.Cache, logger modelcache.Logger) *Server {
	if logger == nil {
		logger = modelcache.NopLogger()
	}

	gin.SetMode(getGinMode(cfg.Environment))
	r := gin.New()

	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        5 * time.Minute,
	}
	if len(cfg.AllowOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowOrigins
	}
	r.Use(cors.New(corsCfg))
	r.Use(gin.Recovery())

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cache:      c,
		logger:     logger,
		metrics:    newMetrics(),
		engine:     r,
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
	r.Use(s.observe())
	s.routes()

	s.inner = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	r := s.engine
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	v1.GET("/models", s.listModels)
	v1.GET("/models/:key", s.getModel)
	v1.GET("/models/:key/blob", s.getBlob)
	v1.POST("/models/:key/download", s.startDownload)
	v1.DELETE("/models/:key", s.deleteModel)
	v1.GET("/active", s.getActive)
	v1.PUT("/active", s.setActive)
	v1.DELETE("/download", s.cancelDownload)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens and serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api server listening", "addr", s.inner.Addr)
	if err := s.inner.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down and cancels downloads it started.
func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	s.logger.Info("stopping api server")
	s.cancelBase()
	return s.inner.Shutdown(ctx)
}

// observe logs each request and records request metrics.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)

		s.metrics.requests.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		s.metrics.latency.WithLabelValues(route).Observe(elapsed.Seconds())
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency", elapsed.String(),
		)
	}
}

func getGinMode(env string) string {
	switch env {
	case "dev":
		return gin.DebugMode
	case "test":
		return gin.TestMode
	default:
		return gin.ReleaseMode
	}
}
