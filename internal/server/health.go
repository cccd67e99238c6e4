package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tonal-labs/cantata"
	"github.com/tonal-labs/cantata/pkg/api"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, api.HealthResponse{
		Service: cantata.Name,
		Version: cantata.Version,
		Status:  "healthy",
	})
}
