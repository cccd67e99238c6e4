package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tonal-labs/cantata/internal/optimizer"
	"github.com/tonal-labs/cantata/internal/storage"
	"github.com/tonal-labs/cantata/pkg/api"
)

var (
	ErrQueryMetrics = errors.New("failed to query metrics")
	ErrAnalyze      = errors.New("failed to analyze composition")
	ErrOptimize     = errors.New("failed to optimize composition")
)

const defaultMetricsLimit = 100

func (s *Server) getCompositionMetrics(c *gin.Context) {
	id := api.CompositionID(c.Param("id"))

	limit := defaultMetricsLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			abortError(c, http.StatusBadRequest,
				fmt.Errorf("invalid limit: %s", raw))
			return
		}
		limit = parsed
	}

	records, err := s.metrics.Latest(id, limit)
	if err != nil {
		abortError(c, http.StatusInternalServerError,
			fmt.Errorf("%w: %w", ErrQueryMetrics, err))
		return
	}

	c.JSON(http.StatusOK, api.MetricsListResponse{
		CompositionID: id,
		Records:       records,
		Count:         len(records),
	})
}

func (s *Server) getCompositionAnalysis(c *gin.Context) {
	id := api.CompositionID(c.Param("id"))

	report, err := s.analyzer.Analyze(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			abortError(c, http.StatusNotFound, err)
			return
		}
		abortError(c, http.StatusInternalServerError,
			fmt.Errorf("%w: %w", ErrAnalyze, err))
		return
	}

	c.JSON(http.StatusOK, report)
}

func (s *Server) optimizeComposition(c *gin.Context) {
	id := api.CompositionID(c.Param("id"))

	result, err := s.optimizer.Optimize(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			abortError(c, http.StatusNotFound, err)
		case errors.Is(err, optimizer.ErrNotEnoughData):
			abortError(c, http.StatusUnprocessableEntity, err)
		default:
			abortError(c, http.StatusInternalServerError,
				fmt.Errorf("%w: %w", ErrOptimize, err))
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) getCompositionSuggestions(c *gin.Context) {
	id := api.CompositionID(c.Param("id"))

	suggestions, err := s.optimizer.Suggest(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			abortError(c, http.StatusNotFound, err)
		case errors.Is(err, optimizer.ErrNotEnoughData):
			abortError(c, http.StatusUnprocessableEntity, err)
		default:
			abortError(c, http.StatusInternalServerError,
				fmt.Errorf("%w: %w", ErrAnalyze, err))
		}
		return
	}

	c.JSON(http.StatusOK, suggestions)
}
