package optimizer_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonal-labs/cantata/internal/analyzer"
	"github.com/tonal-labs/cantata/internal/optimizer"
	"github.com/tonal-labs/cantata/pkg/api"
)

type (
	fakeStorage struct {
		compositions map[api.CompositionID]*api.Composition
		saved        []*api.Composition
	}

	fakeAnalyzer struct {
		reports map[api.CompositionID]*analyzer.Report
		err     error
	}
)

func (s *fakeStorage) LoadComposition(
	_ context.Context, id api.CompositionID,
) (*api.Composition, error) {
	comp, ok := s.compositions[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return comp, nil
}

func (s *fakeStorage) SaveComposition(
	_ context.Context, comp *api.Composition,
) error {
	s.saved = append(s.saved, comp)
	return nil
}

func (a *fakeAnalyzer) Analyze(
	_ context.Context, id api.CompositionID,
) (*analyzer.Report, error) {
	if a.err != nil {
		return nil, a.err
	}
	report, ok := a.reports[id]
	if !ok {
		return nil, errors.New("no report")
	}
	return report, nil
}

func tunableComposition() *api.Composition {
	comp := api.NewComposition("order-pipeline")
	comp.ID = "comp-1"
	comp.Steps = []*api.Step{
		{
			ID:             "fetch",
			Name:           "Fetch Order",
			Tool:           "orders.get",
			TimeoutSeconds: 30,
			NextSteps:      []api.StepID{"enrich"},
		},
		{
			ID:    "enrich",
			Name:  "Enrich Order",
			Tool:  "orders.enrich",
			Retry: &api.RetryStrategy{MaxRetries: 2, DelayMs: 500},
		},
	}
	comp.DataMappings = []*api.DataMapping{
		{Source: "fetch.total", Target: "enrich.amount"},
	}
	return comp
}

func tunableReport() *analyzer.Report {
	return &analyzer.Report{
		CompositionID: "comp-1",
		MetricsFound:  true,
		OverallScore:  48,
		StepPerformance: map[api.StepID]*analyzer.StepMetrics{
			"fetch": {
				StepID:         "fetch",
				StepName:       "Fetch Order",
				ExecutionCount: 10,
				SuccessRate:    0.5,
				ErrorRate:      0.5,
				AvgDurationMs:  4000,
				MaxDurationMs:  6000,
				SuccessExamples: []any{
					map[string]any{"total": 5.0},
				},
			},
			"enrich": {
				StepID:         "enrich",
				StepName:       "Enrich Order",
				ExecutionCount: 10,
				SuccessRate:    0.6,
				ErrorRate:      0.4,
				AvgDurationMs:  100,
				MaxDurationMs:  200,
			},
		},
	}
}

func TestOptimize(t *testing.T) {
	comp := tunableComposition()
	store := &fakeStorage{
		compositions: map[api.CompositionID]*api.Composition{
			comp.ID: comp,
		},
	}
	an := &fakeAnalyzer{
		reports: map[api.CompositionID]*analyzer.Report{
			comp.ID: tunableReport(),
		},
	}

	o := optimizer.New(store, an)
	res, err := o.Optimize(context.Background(), comp.ID)
	require.NoError(t, err)

	assert.Equal(t, comp.ID, res.OriginalID)
	assert.NotEqual(t, comp.ID, res.OptimizedID)

	optimized := res.Composition
	assert.Equal(t, "0.2.0", optimized.Version)
	assert.Equal(t, api.StatusLearning, optimized.Status)

	// The tuned copy is saved, the original is untouched
	require.Len(t, store.saved, 1)
	assert.Same(t, optimized, store.saved[0])
	assert.Equal(t, "0.1.0", comp.Version)
	assert.Nil(t, comp.Steps[0].Retry)

	fetch := optimized.Step("fetch")
	require.NotNil(t, fetch.Retry)
	assert.Equal(t, 3, fetch.Retry.MaxRetries)
	assert.Equal(t, int64(1000), fetch.Retry.DelayMs)
	assert.Equal(t, 2.0, fetch.Retry.BackoffFactor)

	// 2*4000ms beats 1.2*6000ms and the 5s floor
	assert.Equal(t, 8, fetch.TimeoutSeconds)

	// The step feeds a data mapping, so it gets a default value taken
	// from a recorded success
	require.NotNil(t, fetch.Retry.Fallback)
	assert.Equal(t, api.FallbackDefaultValue, fetch.Retry.Fallback.Type)
	assert.Equal(t,
		map[string]any{"total": 5.0}, fetch.Retry.Fallback.Value)

	enrich := optimized.Step("enrich")
	assert.Equal(t, 3, enrich.Retry.MaxRetries)
	assert.Equal(t, 5, enrich.TimeoutSeconds)

	// Terminal steps fall back to a skip
	require.NotNil(t, enrich.Retry.Fallback)
	assert.Equal(t, api.FallbackSkip, enrich.Retry.Fallback.Type)

	summary := res.Summary
	assert.Equal(t, "0.1.0 -> 0.2.0", summary.VersionIncrement)
	assert.Len(t, summary.RetryAdded, 1)
	assert.Len(t, summary.RetryModified, 1)
	assert.Len(t, summary.TimeoutsAdjusted, 2)
	assert.Len(t, summary.FallbacksAdded, 2)
	assert.Equal(t, 6, summary.TotalChanges)

	modified := summary.RetryModified[0]
	assert.Equal(t, api.StepID("enrich"), modified.StepID)
	assert.Equal(t, 2, modified.Old.MaxRetries)
	assert.Equal(t, 3, modified.New.MaxRetries)

	adjusted := summary.TimeoutsAdjusted[0]
	assert.Equal(t, "30s", adjusted.Old)
	assert.Equal(t, "8s", adjusted.New)
}

func TestOptimizeNotEnoughData(t *testing.T) {
	comp := tunableComposition()
	store := &fakeStorage{
		compositions: map[api.CompositionID]*api.Composition{
			comp.ID: comp,
		},
	}
	an := &fakeAnalyzer{
		reports: map[api.CompositionID]*analyzer.Report{
			comp.ID: {CompositionID: comp.ID, MetricsFound: false},
		},
	}

	o := optimizer.New(store, an)

	_, err := o.Optimize(context.Background(), comp.ID)
	assert.ErrorIs(t, err, optimizer.ErrNotEnoughData)
	assert.Empty(t, store.saved)

	_, err = o.Suggest(context.Background(), comp.ID)
	assert.ErrorIs(t, err, optimizer.ErrNotEnoughData)
}

func TestOptimizeAlternativeStepFallback(t *testing.T) {
	comp := tunableComposition()
	comp.DataMappings = nil
	comp.Steps = append(comp.Steps, &api.Step{
		ID:   "fetch-mirror",
		Name: "Fetch From Mirror",
		Tool: "orders.get",
	})

	store := &fakeStorage{
		compositions: map[api.CompositionID]*api.Composition{
			comp.ID: comp,
		},
	}
	an := &fakeAnalyzer{
		reports: map[api.CompositionID]*analyzer.Report{
			comp.ID: tunableReport(),
		},
	}

	o := optimizer.New(store, an)
	res, err := o.Optimize(context.Background(), comp.ID)
	require.NoError(t, err)

	// With no mapping feeding off the step, the shared tool wins
	fetch := res.Composition.Step("fetch")
	require.NotNil(t, fetch.Retry.Fallback)
	assert.Equal(t,
		api.FallbackAlternativeStep, fetch.Retry.Fallback.Type)
	assert.Equal(t,
		api.StepID("fetch-mirror"), fetch.Retry.Fallback.StepID)
}

func TestOptimizeRetryCountCapped(t *testing.T) {
	comp := tunableComposition()
	comp.Steps[1].Retry.MaxRetries = 5

	store := &fakeStorage{
		compositions: map[api.CompositionID]*api.Composition{
			comp.ID: comp,
		},
	}
	an := &fakeAnalyzer{
		reports: map[api.CompositionID]*analyzer.Report{
			comp.ID: tunableReport(),
		},
	}

	o := optimizer.New(store, an)
	res, err := o.Optimize(context.Background(), comp.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Composition.Step("enrich").Retry.MaxRetries)
}

func TestOptimizeMalformedVersion(t *testing.T) {
	comp := tunableComposition()
	comp.Version = "2.x"

	store := &fakeStorage{
		compositions: map[api.CompositionID]*api.Composition{
			comp.ID: comp,
		},
	}
	an := &fakeAnalyzer{
		reports: map[api.CompositionID]*analyzer.Report{
			comp.ID: tunableReport(),
		},
	}

	o := optimizer.New(store, an)
	res, err := o.Optimize(context.Background(), comp.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.1.0", res.Composition.Version)
}

func TestSuggest(t *testing.T) {
	comp := tunableComposition()
	report := tunableReport()
	report.Recommendations = []*analyzer.Recommendation{
		{
			Type:     analyzer.RecommendationGlobal,
			Priority: analyzer.PriorityHigh,
			Message:  "Overall success rate below threshold",
			Details:  "the overall success rate is 50.0%",
		},
		{
			Type:     analyzer.RecommendationStep,
			StepID:   "fetch",
			Priority: analyzer.PriorityHigh,
			Message:  `High failure rate for step "Fetch Order"`,
			Details:  "this step fails often. Consider adding a retry strategy",
		},
		{
			Type:     analyzer.RecommendationStep,
			StepID:   "fetch",
			Priority: analyzer.PriorityMedium,
			Message:  `Slow execution for step "Fetch Order"`,
			Details:  "average duration: 4000ms, max: 6000ms",
		},
	}

	store := &fakeStorage{
		compositions: map[api.CompositionID]*api.Composition{
			comp.ID: comp,
		},
	}
	an := &fakeAnalyzer{
		reports: map[api.CompositionID]*analyzer.Report{
			comp.ID: report,
		},
	}

	o := optimizer.New(store, an)
	res, err := o.Suggest(context.Background(), comp.ID)
	require.NoError(t, err)

	assert.Equal(t, comp.ID, res.CompositionID)
	assert.Equal(t, 48, res.OverallScore)
	require.Len(t, res.Suggestions, 3)

	global := res.Suggestions[0]
	assert.Equal(t, optimizer.SuggestionGlobal, global.Type)
	assert.Empty(t, global.OptimizationType)

	retry := res.Suggestions[1]
	assert.Equal(t, optimizer.SuggestionStep, retry.Type)
	assert.Equal(t, "retry_strategy", retry.OptimizationType)
	assert.Equal(t, map[string]any{
		"max_retries":    3,
		"delay_ms":       1000,
		"backoff_factor": 2.0,
	}, retry.SuggestedConfig)

	timeout := res.Suggestions[2]
	assert.Equal(t, "timeout", timeout.OptimizationType)
	assert.Equal(t, 30, timeout.CurrentConfig["timeout_seconds"])
	assert.Equal(t, map[string]any{
		"timeout_seconds": 8,
	}, timeout.SuggestedConfig)

	// Suggesting never writes anything
	assert.Empty(t, store.saved)
}

func TestOptimizeByMetrics(t *testing.T) {
	comp := tunableComposition()
	o := optimizer.New(&fakeStorage{}, &fakeAnalyzer{})

	optimized := o.OptimizeByMetrics(
		comp, tunableReport().StepPerformance,
	)

	// Same identity, bumped patch, tuned in a copy
	assert.Equal(t, comp.ID, optimized.ID)
	assert.Equal(t, "0.1.1", optimized.Version)
	assert.Equal(t, api.StatusLearning, optimized.Status)
	assert.Equal(t, "0.1.0", comp.Version)
	assert.NotNil(t, optimized.Step("fetch").Retry)
	assert.Nil(t, comp.Steps[0].Retry)
}

func TestOptimizeByMetricsNoData(t *testing.T) {
	comp := tunableComposition()
	o := optimizer.New(&fakeStorage{}, &fakeAnalyzer{})

	res := o.OptimizeByMetrics(comp, nil)
	assert.Same(t, comp, res)
}
