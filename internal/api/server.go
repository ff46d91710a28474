// Package api exposes the pool over a REST surface plus a websocket event
// stream and a prometheus scrape endpoint.
package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nxtg-ai/forge-pool/internal/archive"
	"github.com/nxtg-ai/forge-pool/internal/pool"
	"github.com/nxtg-ai/forge-pool/internal/ws"
)

// Server wraps the REST API server.
type Server struct {
	handler *Handler
	router  *gin.Engine
	hub     *ws.Hub
}

// NewServer wires the routes around a pool manager.
func NewServer(p *pool.Manager, store *archive.Store, hub *ws.Hub) *Server {
	handler := NewHandler(p, store)

	// gin.New() instead of gin.Default(): the metrics endpoint is scraped
	// constantly and would drown the log.
	router := gin.New()
	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		if param.Path == "/metrics" || param.Path == "/api/v1/health" {
			return ""
		}
		return fmt.Sprintf("[%s] %s %s %d %s %s \"%s\" %s\n",
			param.TimeStamp.Format("2006/01/02 - 15:04:05"),
			param.ClientIP,
			param.Method,
			param.StatusCode,
			param.Latency,
			param.Path,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	}))
	router.Use(gin.Recovery())

	// WebSocket event stream
	router.GET("/ws", ws.Handle(hub))

	// Prometheus scrape endpoint backed by the pool's own registry
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(p.Registry(), promhttp.HandlerOpts{})))

	api := router.Group("/api/v1")
	{
		// Tasks
		api.POST("/tasks", handler.SubmitTask)
		api.GET("/tasks", handler.ListTaskHistory)
		api.GET("/tasks/:id", handler.GetTaskStatus)
		api.DELETE("/tasks/:id", handler.CancelTask)

		// Pool control
		api.POST("/pool/scale-up", handler.ScaleUp)
		api.POST("/pool/scale-down", handler.ScaleDown)
		api.POST("/pool/workers/:id/restart", handler.RestartWorker)
		api.GET("/pool/status", handler.GetPoolStatus)
		api.GET("/pool/metrics", handler.GetPoolMetrics)

		// Liveness
		api.GET("/health", handler.GetHealth)
	}

	return &Server{
		handler: handler,
		router:  router,
		hub:     hub,
	}
}

// GetRouter returns the router, used by tests.
func (s *Server) GetRouter() *gin.Engine {
	return s.router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
