package server

import (
	"log/slog"
	"net/http"
	"sync"

	glog "github.com/gin-contrib/slog"
	"github.com/gin-gonic/gin"

	"github.com/tonal-labs/cantata/internal/analyzer"
	"github.com/tonal-labs/cantata/internal/engine"
	"github.com/tonal-labs/cantata/internal/metrics"
	"github.com/tonal-labs/cantata/internal/optimizer"
	"github.com/tonal-labs/cantata/internal/storage"
	"github.com/tonal-labs/cantata/pkg/api"
	"github.com/tonal-labs/cantata/pkg/util"
)

// Server implements the HTTP API for the composition engine
type Server struct {
	engine    *engine.Engine
	storage   storage.Store
	metrics   metrics.Store
	analyzer  *analyzer.Analyzer
	optimizer *optimizer.Optimizer
	sockets   util.Set[*Client]
	mu        sync.Mutex
}

// NewServer creates a new HTTP API server
func NewServer(
	eng *engine.Engine, store storage.Store, ms metrics.Store,
	an *analyzer.Analyzer, opt *optimizer.Optimizer,
) *Server {
	return &Server{
		engine:    eng,
		storage:   store,
		metrics:   ms,
		analyzer:  an,
		optimizer: opt,
		sockets:   util.Set[*Client]{},
	}
}

// SetupRoutes configures and returns the HTTP router with all API
// endpoints
func (s *Server) SetupRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(glog.SetLogger(
		glog.WithLogger(func(c *gin.Context, l *slog.Logger) *slog.Logger {
			return slog.Default()
		}),
	))

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set(
			"Access-Control-Allow-Methods",
			"GET, POST, PUT, DELETE, OPTIONS",
		)
		c.Writer.Header().Set(
			"Access-Control-Allow-Headers",
			"Content-Type, Authorization",
		)

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	})

	// Health check
	router.GET("/health", s.handleHealth)

	// Execution endpoint
	router.POST("/executions", s.handleExecute)

	// Composition endpoints
	comps := router.Group("/compositions")
	{
		comps.GET("", s.listCompositions)
		comps.POST("", s.createComposition)
		comps.GET("/:id", s.getComposition)
		comps.DELETE("/:id", s.deleteComposition)

		comps.GET("/:id/metrics", s.getCompositionMetrics)
		comps.GET("/:id/analysis", s.getCompositionAnalysis)
		comps.POST("/:id/optimize", s.optimizeComposition)
		comps.GET("/:id/suggestions", s.getCompositionSuggestions)
	}

	// WebSocket
	router.GET("/ws", s.handleWebSocket)

	return router
}

func abortError(c *gin.Context, status int, err error) {
	c.JSON(status, api.ErrorResponse{
		Error:  err.Error(),
		Status: status,
	})
}

func (s *Server) registerWebSocket(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sockets.Add(c)
}

func (s *Server) unregisterWebSocket(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sockets.Remove(c)
}

// CloseWebSockets closes all active WebSocket connections.
func (s *Server) CloseWebSockets() {
	s.mu.Lock()
	conns := make([]*Client, 0, len(s.sockets))
	for c := range s.sockets {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
