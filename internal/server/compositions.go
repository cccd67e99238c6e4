package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tonal-labs/cantata/internal/storage"
	"github.com/tonal-labs/cantata/pkg/api"
)

var (
	ErrInvalidJSON        = errors.New("invalid JSON payload")
	ErrListCompositions   = errors.New("failed to list compositions")
	ErrSaveComposition    = errors.New("failed to save composition")
	ErrDeleteComposition  = errors.New("failed to delete composition")
	ErrInvalidComposition = errors.New("invalid composition")
)

func (s *Server) listCompositions(c *gin.Context) {
	status := api.CompositionStatus(c.Query("status"))

	comps, err := s.storage.ListCompositions(c.Request.Context(), status)
	if err != nil {
		abortError(c, http.StatusInternalServerError,
			fmt.Errorf("%w: %w", ErrListCompositions, err))
		return
	}

	c.JSON(http.StatusOK, api.CompositionsListResponse{
		Compositions: comps,
		Count:        len(comps),
	})
}

func (s *Server) createComposition(c *gin.Context) {
	var comp api.Composition
	if err := c.ShouldBindJSON(&comp); err != nil {
		abortError(c, http.StatusBadRequest,
			fmt.Errorf("%w: %w", ErrInvalidJSON, err))
		return
	}

	if comp.ID == "" {
		comp.ID = api.CompositionID(uuid.NewString())
	}
	if comp.Version == "" {
		comp.Version = "0.1.0"
	}
	if comp.Status == "" {
		comp.Status = api.StatusDraft
	}

	if err := comp.Validate(); err != nil {
		abortError(c, http.StatusBadRequest,
			fmt.Errorf("%w: %w", ErrInvalidComposition, err))
		return
	}

	if err := s.storage.SaveComposition(c.Request.Context(), &comp); err != nil {
		abortError(c, http.StatusInternalServerError,
			fmt.Errorf("%w: %w", ErrSaveComposition, err))
		return
	}

	c.JSON(http.StatusCreated, &comp)
}

func (s *Server) getComposition(c *gin.Context) {
	id := api.CompositionID(c.Param("id"))

	comp, err := s.storage.LoadComposition(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			abortError(c, http.StatusNotFound, err)
			return
		}
		abortError(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, comp)
}

func (s *Server) deleteComposition(c *gin.Context) {
	id := api.CompositionID(c.Param("id"))

	err := s.storage.DeleteComposition(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			abortError(c, http.StatusNotFound, err)
			return
		}
		abortError(c, http.StatusInternalServerError,
			fmt.Errorf("%w: %w", ErrDeleteComposition, err))
		return
	}

	c.Status(http.StatusNoContent)
}
