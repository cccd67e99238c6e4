package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/tonal-labs/cantata/pkg/api"
	"github.com/tonal-labs/cantata/pkg/log"
)

type (
	// Storage is the composition access the analyzer needs
	Storage interface {
		LoadComposition(
			context.Context, api.CompositionID,
		) (*api.Composition, error)
		ListCompositions(
			context.Context, api.CompositionStatus,
		) ([]*api.Composition, error)
	}

	// Metrics reads recorded execution telemetry
	Metrics interface {
		Query(
			id api.CompositionID, start, end time.Time, limit int,
		) ([]*api.ExecutionRecord, error)
	}

	// Config tunes the analysis thresholds
	Config struct {
		WindowDays           int
		MinExecutions        int
		SuccessRateThreshold float64
		LatencyThresholdMs   float64
	}

	// Analyzer aggregates execution telemetry into per-step and global
	// statistics and derives improvement recommendations
	Analyzer struct {
		storage Storage
		metrics Metrics
		cfg     Config
		clock   func() time.Time
	}

	// Report is the result of analyzing one composition's telemetry
	Report struct {
		CompositionID   api.CompositionID           `json:"composition_id"`
		Name            string                      `json:"name"`
		MetricsFound    bool                        `json:"metrics_found"`
		Message         string                      `json:"message,omitempty"`
		AnalyzedAt      time.Time                   `json:"analysis_timestamp"`
		MetricsCount    int                         `json:"metrics_count"`
		PeriodStart     time.Time                   `json:"period_start"`
		PeriodEnd       time.Time                   `json:"period_end"`
		OverallScore    int                         `json:"overall_score"`
		Global          *GlobalMetrics              `json:"global_metrics,omitempty"`
		StepPerformance map[api.StepID]*StepMetrics `json:"step_performance,omitempty"`
		Recommendations []*Recommendation           `json:"recommendations,omitempty"`
	}

	// StepMetrics aggregates one step's recorded executions
	StepMetrics struct {
		StepID           api.StepID     `json:"step_id"`
		StepName         string         `json:"step_name"`
		ExecutionCount   int            `json:"execution_count"`
		SuccessCount     int            `json:"success_count"`
		SuccessRate      float64        `json:"success_rate"`
		ErrorCount       int            `json:"error_count"`
		ErrorRate        float64        `json:"error_rate"`
		AvgDurationMs    float64        `json:"avg_duration_ms"`
		MinDurationMs    float64        `json:"min_duration_ms"`
		MaxDurationMs    float64        `json:"max_duration_ms"`
		MedianDurationMs float64        `json:"median_duration_ms"`
		P95DurationMs    float64        `json:"duration_p95_ms"`
		ErrorTypes       map[string]int `json:"error_types,omitempty"`
		MemoryAvgMB      float64        `json:"memory_avg_mb"`
		MemoryMaxMB      float64        `json:"memory_max_mb"`

		// SuccessExamples holds sample results from successful runs,
		// used when deriving fallback defaults. Never serialized
		SuccessExamples []any `json:"-"`

		durations []float64
		memory    []float64
	}

	// GlobalMetrics aggregates whole-composition statistics
	GlobalMetrics struct {
		ExecutionCount   int            `json:"execution_count"`
		SuccessCount     int            `json:"success_count"`
		SuccessRate      float64        `json:"success_rate"`
		ErrorCount       int            `json:"error_count"`
		ErrorRate        float64        `json:"error_rate"`
		AvgDurationMs    float64        `json:"avg_duration_ms"`
		MinDurationMs    float64        `json:"min_duration_ms"`
		MaxDurationMs    float64        `json:"max_duration_ms"`
		MedianDurationMs float64        `json:"median_duration_ms"`
		P95DurationMs    float64        `json:"duration_p95_ms"`
		ErrorTypes       map[string]int `json:"error_types,omitempty"`
		AvgStepsPerRun   float64        `json:"avg_steps_per_execution"`
		SlowestStep      *StepRef       `json:"slowest_step,omitempty"`
		MostFailingStep  *StepRef       `json:"most_failing_step,omitempty"`
	}

	// StepRef names a step singled out by the global analysis
	StepRef struct {
		ID            api.StepID `json:"id"`
		Name          string     `json:"name"`
		AvgDurationMs float64    `json:"avg_duration_ms,omitempty"`
		ErrorRate     float64    `json:"error_rate,omitempty"`
	}

	// Recommendation is one suggested improvement
	Recommendation struct {
		Type     string     `json:"type"`
		StepID   api.StepID `json:"step_id,omitempty"`
		Priority string     `json:"priority"`
		Message  string     `json:"message"`
		Details  string     `json:"details"`
	}
)

const (
	RecommendationGlobal = "global"
	RecommendationStep   = "step"

	PriorityHigh   = "high"
	PriorityMedium = "medium"

	maxSuccessExamples = 5
	memoryWarningMB    = 500
)

// New creates a performance analyzer. Zero config fields fall back to
// defaults
func New(storage Storage, metrics Metrics, cfg Config) *Analyzer {
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 30
	}
	if cfg.MinExecutions <= 0 {
		cfg.MinExecutions = 5
	}
	if cfg.SuccessRateThreshold <= 0 {
		cfg.SuccessRateThreshold = 0.95
	}
	if cfg.LatencyThresholdMs <= 0 {
		cfg.LatencyThresholdMs = 1000
	}
	return &Analyzer{
		storage: storage,
		metrics: metrics,
		cfg:     cfg,
		clock:   time.Now,
	}
}

// Analyze aggregates the composition's telemetry from the configured
// window and derives recommendations. When fewer than the minimum
// number of executions were recorded, the report carries
// MetricsFound=false and no statistics
func (a *Analyzer) Analyze(
	ctx context.Context, id api.CompositionID,
) (*Report, error) {
	comp, err := a.storage.LoadComposition(ctx, id)
	if err != nil {
		return nil, err
	}

	end := a.clock()
	start := end.AddDate(0, 0, -a.cfg.WindowDays)
	records, err := a.metrics.Query(id, start, end, 0)
	if err != nil {
		return nil, err
	}

	if len(records) < a.cfg.MinExecutions {
		slog.Warn("Not enough execution data for analysis",
			log.CompositionID(id),
			slog.Int("found", len(records)),
			slog.Int("required", a.cfg.MinExecutions))
		return &Report{
			CompositionID: id,
			Name:          comp.Name,
			MetricsFound:  false,
			Message: fmt.Sprintf(
				"not enough data for a reliable analysis "+
					"(minimum %d executions required)",
				a.cfg.MinExecutions),
		}, nil
	}

	stepPerf := aggregateStepMetrics(records, comp)
	global := a.globalMetrics(records, comp, stepPerf)
	recs := a.recommendations(stepPerf, global, comp)

	return &Report{
		CompositionID:   id,
		Name:            comp.Name,
		MetricsFound:    true,
		AnalyzedAt:      a.clock(),
		MetricsCount:    len(records),
		PeriodStart:     minTimestamp(records),
		PeriodEnd:       maxTimestamp(records),
		OverallScore:    performanceScore(global, stepPerf),
		Global:          global,
		StepPerformance: stepPerf,
		Recommendations: recs,
	}, nil
}

// AnalyzeLearning analyzes every composition in the learning phase
func (a *Analyzer) AnalyzeLearning(
	ctx context.Context,
) (map[api.CompositionID]*Report, error) {
	comps, err := a.storage.ListCompositions(ctx, api.StatusLearning)
	if err != nil {
		return nil, err
	}

	res := map[api.CompositionID]*Report{}
	for _, comp := range comps {
		report, err := a.Analyze(ctx, comp.ID)
		if err != nil {
			slog.Error("Failed to analyze composition",
				log.CompositionID(comp.ID),
				log.Error(err))
			res[comp.ID] = &Report{
				CompositionID: comp.ID,
				Name:          comp.Name,
				MetricsFound:  false,
				Message:       err.Error(),
			}
			continue
		}
		res[comp.ID] = report
	}
	return res, nil
}

func aggregateStepMetrics(
	records []*api.ExecutionRecord, comp *api.Composition,
) map[api.StepID]*StepMetrics {
	res := map[api.StepID]*StepMetrics{}
	for _, step := range comp.Steps {
		res[step.ID] = &StepMetrics{
			StepID:        step.ID,
			StepName:      step.Name,
			MinDurationMs: math.Inf(1),
			ErrorTypes:    map[string]int{},
		}
	}

	for _, rec := range records {
		for stepID, se := range rec.StepExecutions {
			sm, ok := res[stepID]
			if !ok {
				// Steps no longer part of the composition are ignored
				continue
			}
			sm.ExecutionCount++

			if se.Success {
				sm.SuccessCount++
				if se.Result != nil &&
					len(sm.SuccessExamples) < maxSuccessExamples {
					sm.SuccessExamples = append(sm.SuccessExamples, se.Result)
				}
			} else {
				sm.ErrorCount++
				kind := se.ErrorType
				if kind == "" {
					kind = "unknown"
				}
				sm.ErrorTypes[kind]++
			}

			if se.DurationMs > 0 {
				dur := float64(se.DurationMs)
				sm.durations = append(sm.durations, dur)
				sm.MinDurationMs = min(sm.MinDurationMs, dur)
				sm.MaxDurationMs = max(sm.MaxDurationMs, dur)
			}
			if se.MemoryMB > 0 {
				sm.memory = append(sm.memory, se.MemoryMB)
				sm.MemoryMaxMB = max(sm.MemoryMaxMB, se.MemoryMB)
			}
		}
	}

	for _, sm := range res {
		if sm.ExecutionCount > 0 {
			sm.SuccessRate =
				float64(sm.SuccessCount) / float64(sm.ExecutionCount)
			sm.ErrorRate =
				float64(sm.ErrorCount) / float64(sm.ExecutionCount)
			sm.AvgDurationMs = mean(sm.durations)
			sm.MedianDurationMs = median(sm.durations)
			sm.P95DurationMs = p95(sm.durations)
			sm.MemoryAvgMB = mean(sm.memory)
		}
		if math.IsInf(sm.MinDurationMs, 1) {
			sm.MinDurationMs = 0
		}
		sm.durations = nil
		sm.memory = nil
	}
	return res
}

func (a *Analyzer) globalMetrics(
	records []*api.ExecutionRecord, comp *api.Composition,
	stepPerf map[api.StepID]*StepMetrics,
) *GlobalMetrics {
	gm := &GlobalMetrics{
		ExecutionCount: len(records),
		MinDurationMs:  math.Inf(1),
		ErrorTypes:     map[string]int{},
	}

	var durations []float64
	var stepRuns int
	for _, rec := range records {
		if rec.Success {
			gm.SuccessCount++
		} else {
			gm.ErrorCount++
			kind := rec.ErrorType
			if kind == "" {
				kind = "unknown"
			}
			gm.ErrorTypes[kind]++
		}

		if rec.DurationMs > 0 {
			dur := float64(rec.DurationMs)
			durations = append(durations, dur)
			gm.MinDurationMs = min(gm.MinDurationMs, dur)
			gm.MaxDurationMs = max(gm.MaxDurationMs, dur)
		}
		stepRuns += len(rec.StepExecutions)
	}

	if gm.ExecutionCount > 0 {
		gm.SuccessRate =
			float64(gm.SuccessCount) / float64(gm.ExecutionCount)
		gm.ErrorRate =
			float64(gm.ErrorCount) / float64(gm.ExecutionCount)
		gm.AvgDurationMs = mean(durations)
		gm.MedianDurationMs = median(durations)
		gm.P95DurationMs = p95(durations)
		gm.AvgStepsPerRun = float64(stepRuns) / float64(gm.ExecutionCount)
	}
	if math.IsInf(gm.MinDurationMs, 1) {
		gm.MinDurationMs = 0
	}

	// Single out the slowest and the most failing step, iterating in
	// declaration order so ties resolve deterministically
	var slowest, failing *StepMetrics
	for _, step := range comp.Steps {
		sm, ok := stepPerf[step.ID]
		if !ok {
			continue
		}
		if slowest == nil || sm.AvgDurationMs > slowest.AvgDurationMs {
			slowest = sm
		}
		if failing == nil || sm.ErrorRate > failing.ErrorRate {
			failing = sm
		}
	}
	if slowest != nil {
		gm.SlowestStep = &StepRef{
			ID:            slowest.StepID,
			Name:          slowest.StepName,
			AvgDurationMs: slowest.AvgDurationMs,
		}
	}
	if failing != nil && failing.ErrorRate > 0 {
		gm.MostFailingStep = &StepRef{
			ID:        failing.StepID,
			Name:      failing.StepName,
			ErrorRate: failing.ErrorRate,
		}
	}
	return gm
}

// performanceScore grades a composition from 0 to 100: 50% for the
// overall success rate, 30% for response time, 20% for per-step
// consistency
func performanceScore(
	gm *GlobalMetrics, stepPerf map[api.StepID]*StepMetrics,
) int {
	successScore := gm.SuccessRate * 100 * 0.5
	responseScore := responseBucket(gm.AvgDurationMs) * 0.3

	var consistencyScore float64
	if len(stepPerf) > 0 {
		var total float64
		for _, sm := range stepPerf {
			total += sm.SuccessRate * 100
		}
		consistencyScore = total / float64(len(stepPerf)) * 0.2
	}

	score := int(math.Round(successScore + responseScore + consistencyScore))
	return max(0, min(100, score))
}

func responseBucket(avgMs float64) float64 {
	switch {
	case avgMs <= 500:
		return 30
	case avgMs <= 1000:
		return 25
	case avgMs <= 2000:
		return 20
	case avgMs <= 5000:
		return 15
	case avgMs <= 10000:
		return 10
	case avgMs <= 30000:
		return 5
	default:
		return 0
	}
}

func (a *Analyzer) recommendations(
	stepPerf map[api.StepID]*StepMetrics, gm *GlobalMetrics,
	comp *api.Composition,
) []*Recommendation {
	var res []*Recommendation

	if gm.SuccessRate < a.cfg.SuccessRateThreshold {
		res = append(res, &Recommendation{
			Type:     RecommendationGlobal,
			Priority: PriorityHigh,
			Message:  "Overall success rate below threshold",
			Details: fmt.Sprintf(
				"the overall success rate is %.1f%%, below the "+
					"recommended threshold of %.1f%%",
				gm.SuccessRate*100, a.cfg.SuccessRateThreshold*100),
		})
	}

	for _, step := range comp.Steps {
		sm, ok := stepPerf[step.ID]
		if !ok {
			continue
		}
		res = append(res, a.stepRecommendations(step, sm)...)
	}

	if gm.AvgDurationMs > a.cfg.LatencyThresholdMs*2 {
		res = append(res, &Recommendation{
			Type:     RecommendationGlobal,
			Priority: PriorityMedium,
			Message:  "High overall execution time",
			Details: fmt.Sprintf(
				"average duration: %.0fms; look for the slowest steps "+
					"or consider running independent steps in parallel",
				gm.AvgDurationMs),
		})
	}
	return res
}

func (a *Analyzer) stepRecommendations(
	step *api.Step, sm *StepMetrics,
) []*Recommendation {
	var res []*Recommendation

	if sm.SuccessRate < 0.9 && sm.ExecutionCount > 0 {
		details := fmt.Sprintf("this step fails in %.1f%% of runs",
			(1-sm.SuccessRate)*100)
		if step.Retry == nil {
			details += ". Consider adding a retry strategy"
		} else if step.Retry.MaxRetries < 3 {
			details += ". Consider increasing the retry count"
		}
		if kind, count := dominantError(sm.ErrorTypes); kind != "" {
			details += fmt.Sprintf(
				". Dominant error: %s (%d occurrences)", kind, count)
		}
		res = append(res, &Recommendation{
			Type:     RecommendationStep,
			StepID:   sm.StepID,
			Priority: PriorityHigh,
			Message: fmt.Sprintf(
				"High failure rate for step %q", step.Name),
			Details: details,
		})
	}

	if sm.AvgDurationMs > a.cfg.LatencyThresholdMs {
		priority := PriorityMedium
		if sm.AvgDurationMs > a.cfg.LatencyThresholdMs*3 {
			priority = PriorityHigh
		}
		details := fmt.Sprintf("average duration: %.0fms, max: %.0fms",
			sm.AvgDurationMs, sm.MaxDurationMs)
		timeout := step.TimeoutSeconds
		if timeout == 0 {
			timeout = api.DefaultStepTimeoutSeconds
		}
		if float64(timeout)*1000 < sm.AvgDurationMs*2 {
			details += fmt.Sprintf(
				". The current timeout (%ds) may be too small", timeout)
		}
		res = append(res, &Recommendation{
			Type:     RecommendationStep,
			StepID:   sm.StepID,
			Priority: priority,
			Message: fmt.Sprintf(
				"Slow execution for step %q", step.Name),
			Details: details,
		})
	}

	if sm.MemoryMaxMB > memoryWarningMB {
		res = append(res, &Recommendation{
			Type:     RecommendationStep,
			StepID:   sm.StepID,
			Priority: PriorityMedium,
			Message: fmt.Sprintf(
				"High memory use for step %q", step.Name),
			Details: fmt.Sprintf("peak: %.0fMB, average: %.1fMB",
				sm.MemoryMaxMB, sm.MemoryAvgMB),
		})
	}
	return res
}

func dominantError(errorTypes map[string]int) (string, int) {
	var kind string
	var count int
	keys := make([]string, 0, len(errorTypes))
	for k := range errorTypes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if errorTypes[k] > count {
			kind = k
			count = errorTypes[k]
		}
	}
	return kind, count
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var total float64
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

func median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return values[0]
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// p95 uses the nearest-rank index floor(0.95*n) on the sorted values
func p95(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return values[0]
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)
	return sorted[int(float64(n)*0.95)]
}

func minTimestamp(records []*api.ExecutionRecord) time.Time {
	res := records[0].Timestamp
	for _, rec := range records[1:] {
		if rec.Timestamp.Before(res) {
			res = rec.Timestamp
		}
	}
	return res
}

func maxTimestamp(records []*api.ExecutionRecord) time.Time {
	res := records[0].Timestamp
	for _, rec := range records[1:] {
		if rec.Timestamp.After(res) {
			res = rec.Timestamp
		}
	}
	return res
}
