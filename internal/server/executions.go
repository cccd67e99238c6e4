package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tonal-labs/cantata/internal/storage"
	"github.com/tonal-labs/cantata/pkg/api"
)

var ErrCompositionIDRequired = errors.New("composition_id is required")

func (s *Server) handleExecute(c *gin.Context) {
	var req api.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest,
			fmt.Errorf("%w: %w", ErrInvalidJSON, err))
		return
	}

	if req.CompositionID == "" {
		abortError(c, http.StatusBadRequest, ErrCompositionIDRequired)
		return
	}

	// Resolve the composition up front so a missing ID is a 404 rather
	// than a failed execution result
	if _, err := s.storage.LoadComposition(
		c.Request.Context(), req.CompositionID,
	); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			abortError(c, http.StatusNotFound, err)
			return
		}
		abortError(c, http.StatusInternalServerError, err)
		return
	}

	result := s.engine.Execute(
		c.Request.Context(), req.CompositionID, req.Input, req.ExecutionID,
	)
	c.JSON(http.StatusOK, result)
}
