package optimizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tonal-labs/cantata/internal/analyzer"
	"github.com/tonal-labs/cantata/pkg/api"
	"github.com/tonal-labs/cantata/pkg/log"
)

type (
	// Storage is the composition access the optimizer needs
	Storage interface {
		LoadComposition(
			context.Context, api.CompositionID,
		) (*api.Composition, error)
		SaveComposition(context.Context, *api.Composition) error
	}

	// Analyzer produces the performance report optimizations are based
	// on
	Analyzer interface {
		Analyze(context.Context, api.CompositionID) (*analyzer.Report, error)
	}

	// Optimizer derives tuned composition versions from analyzer
	// reports
	Optimizer struct {
		storage  Storage
		analyzer Analyzer
		clock    func() time.Time
	}

	// Result describes one applied optimization pass
	Result struct {
		OriginalID  api.CompositionID `json:"original_id"`
		OptimizedID api.CompositionID `json:"optimized_id"`
		Composition *api.Composition  `json:"optimized_composition"`
		Summary     *ChangeSummary    `json:"optimizations"`
	}

	// ChangeSummary lists what the optimization pass changed
	ChangeSummary struct {
		RetryAdded       []*RetryChange    `json:"retry_strategies_added"`
		RetryModified    []*RetryChange    `json:"retry_strategies_modified"`
		TimeoutsAdjusted []*TimeoutChange  `json:"timeouts_adjusted"`
		FallbacksAdded   []*FallbackChange `json:"fallbacks_added"`
		VersionIncrement string            `json:"version_increment"`
		TotalChanges     int               `json:"total_changes"`
		OptimizedAt      time.Time         `json:"optimization_date"`
	}

	RetryChange struct {
		StepID   api.StepID         `json:"step_id"`
		StepName string             `json:"step_name"`
		Old      *api.RetryStrategy `json:"old_strategy,omitempty"`
		New      *api.RetryStrategy `json:"new_strategy"`
	}

	TimeoutChange struct {
		StepID   api.StepID `json:"step_id"`
		StepName string     `json:"step_name"`
		Old      string     `json:"old_timeout"`
		New      string     `json:"new_timeout"`
	}

	FallbackChange struct {
		StepID   api.StepID    `json:"step_id"`
		StepName string        `json:"step_name"`
		Fallback *api.Fallback `json:"fallback"`
	}

	// Suggestions is the non-applying counterpart of Optimize
	Suggestions struct {
		CompositionID api.CompositionID     `json:"composition_id"`
		Name          string                `json:"name"`
		Status        api.CompositionStatus `json:"status"`
		OverallScore  int                   `json:"overall_score"`
		Suggestions   []*Suggestion         `json:"suggestions"`
	}

	// Suggestion is one proposed change, with the current and the
	// suggested configuration where one can be derived
	Suggestion struct {
		Type             string         `json:"type"`
		StepID           api.StepID     `json:"step_id,omitempty"`
		StepName         string         `json:"step_name,omitempty"`
		Priority         string         `json:"priority"`
		Message          string         `json:"message"`
		Details          string         `json:"details"`
		OptimizationType string         `json:"optimization_type,omitempty"`
		CurrentConfig    map[string]any `json:"current_config,omitempty"`
		SuggestedConfig  map[string]any `json:"suggested_config,omitempty"`
	}
)

const (
	SuggestionStep   = "step_optimization"
	SuggestionGlobal = "global_optimization"

	minTimeoutMs = 5000
	maxTimeoutMs = 120000
	maxRetries   = 5
)

var ErrNotEnoughData = errors.New(
	"not enough execution data for optimization",
)

// New creates a composition optimizer
func New(storage Storage, an Analyzer) *Optimizer {
	return &Optimizer{
		storage:  storage,
		analyzer: an,
		clock:    time.Now,
	}
}

// Optimize analyzes a composition and saves a tuned copy under a new
// ID with a bumped minor version. The original is left untouched
func (o *Optimizer) Optimize(
	ctx context.Context, id api.CompositionID,
) (*Result, error) {
	comp, err := o.storage.LoadComposition(ctx, id)
	if err != nil {
		return nil, err
	}

	report, err := o.analyzer.Analyze(ctx, id)
	if err != nil {
		return nil, err
	}
	if !report.MetricsFound {
		return nil, fmt.Errorf("%w: %s", ErrNotEnoughData, id)
	}

	optimized := o.optimizedVersion(comp, report)
	if err := o.storage.SaveComposition(ctx, optimized); err != nil {
		return nil, err
	}

	slog.Info("Composition optimized",
		log.CompositionID(id),
		slog.String("optimized_id", string(optimized.ID)),
		slog.String("version", optimized.Version))

	return &Result{
		OriginalID:  id,
		OptimizedID: optimized.ID,
		Composition: optimized,
		Summary:     o.summarize(comp, optimized),
	}, nil
}

// Suggest returns the optimization suggestions for a composition
// without applying any of them
func (o *Optimizer) Suggest(
	ctx context.Context, id api.CompositionID,
) (*Suggestions, error) {
	comp, err := o.storage.LoadComposition(ctx, id)
	if err != nil {
		return nil, err
	}

	report, err := o.analyzer.Analyze(ctx, id)
	if err != nil {
		return nil, err
	}
	if !report.MetricsFound {
		return nil, fmt.Errorf("%w: %s", ErrNotEnoughData, id)
	}

	return &Suggestions{
		CompositionID: id,
		Name:          comp.Name,
		Status:        comp.Status,
		OverallScore:  report.OverallScore,
		Suggestions:   o.suggestions(comp, report),
	}, nil
}

// OptimizeByMetrics applies retry, timeout and fallback tuning to a
// copy of the composition from already-aggregated step metrics. The
// patch version is bumped in place; nothing is saved
func (o *Optimizer) OptimizeByMetrics(
	comp *api.Composition, stepPerf map[api.StepID]*analyzer.StepMetrics,
) *api.Composition {
	if len(stepPerf) == 0 {
		slog.Warn("No step metrics available",
			log.CompositionID(comp.ID))
		return comp
	}

	optimized := comp.Clone()
	o.applyTimeouts(optimized, stepPerf)
	o.applyRetries(optimized, stepPerf)
	o.applyFallbacks(optimized, stepPerf)

	optimized.Version = bumpPatch(optimized.Version)
	if optimized.Status == api.StatusDraft {
		optimized.Status = api.StatusLearning
	}
	optimized.UpdatedAt = o.clock()
	return optimized
}

func (o *Optimizer) optimizedVersion(
	comp *api.Composition, report *analyzer.Report,
) *api.Composition {
	optimized := comp.Clone()
	optimized.ID = api.CompositionID(uuid.NewString())
	optimized.Version = bumpMinor(optimized.Version)

	now := o.clock()
	optimized.CreatedAt = now
	optimized.UpdatedAt = now

	if optimized.Status == api.StatusDraft {
		optimized.Status = api.StatusLearning
	}

	o.applyRetries(optimized, report.StepPerformance)
	o.applyTimeouts(optimized, report.StepPerformance)
	o.applyFallbacks(optimized, report.StepPerformance)
	return optimized
}

func (o *Optimizer) applyRetries(
	comp *api.Composition, stepPerf map[api.StepID]*analyzer.StepMetrics,
) {
	for _, step := range comp.Steps {
		sm, ok := stepPerf[step.ID]
		if !ok || sm.ExecutionCount == 0 {
			continue
		}

		if sm.SuccessRate < 0.9 && step.Retry == nil {
			step.Retry = &api.RetryStrategy{
				MaxRetries:    3,
				DelayMs:       1000,
				BackoffFactor: 2.0,
			}
			slog.Info("Added retry strategy",
				log.CompositionID(comp.ID),
				log.StepID(step.ID))
		} else if sm.SuccessRate < 0.7 && step.Retry != nil {
			current := step.Retry.MaxRetries
			if current == 0 {
				current = 3
			}
			if current < maxRetries {
				step.Retry.MaxRetries = current + 1
				slog.Info("Raised retry count",
					log.CompositionID(comp.ID),
					log.StepID(step.ID),
					slog.Int("max_retries", current+1))
			}
		}
	}
}

func (o *Optimizer) applyTimeouts(
	comp *api.Composition, stepPerf map[api.StepID]*analyzer.StepMetrics,
) {
	for _, step := range comp.Steps {
		sm, ok := stepPerf[step.ID]
		if !ok || sm.AvgDurationMs <= 0 {
			continue
		}

		recommended := max(
			int(sm.AvgDurationMs*2),
			int(sm.MaxDurationMs*1.2),
			minTimeoutMs,
		)
		recommended = min(recommended, maxTimeoutMs)
		recommendedSec := recommended / 1000

		current := step.TimeoutSeconds
		if current == 0 {
			current = api.DefaultStepTimeoutSeconds
		}
		if float64(current) < float64(recommendedSec)*0.7 ||
			float64(current) > float64(recommendedSec)*1.5 {
			step.TimeoutSeconds = recommendedSec
			slog.Info("Adjusted step timeout",
				log.CompositionID(comp.ID),
				log.StepID(step.ID),
				slog.Int("timeout_seconds", recommendedSec))
		}
	}
}

func (o *Optimizer) applyFallbacks(
	comp *api.Composition, stepPerf map[api.StepID]*analyzer.StepMetrics,
) {
	for _, step := range comp.Steps {
		sm, ok := stepPerf[step.ID]
		if !ok {
			continue
		}
		if sm.ErrorRate <= 0.3 || step.Retry == nil ||
			step.Retry.Fallback != nil {
			continue
		}

		switch fallbackTypeFor(step, comp) {
		case api.FallbackSkip:
			step.Retry.Fallback = &api.Fallback{Type: api.FallbackSkip}

		case api.FallbackAlternativeStep:
			alt := findAlternativeStep(step, comp)
			if alt == "" {
				continue
			}
			step.Retry.Fallback = &api.Fallback{
				Type:   api.FallbackAlternativeStep,
				StepID: alt,
			}

		case api.FallbackDefaultValue:
			step.Retry.Fallback = &api.Fallback{
				Type:  api.FallbackDefaultValue,
				Value: defaultValueFor(sm),
			}
		}

		slog.Info("Added fallback",
			log.CompositionID(comp.ID),
			log.StepID(step.ID),
			slog.String("fallback_type", string(step.Retry.Fallback.Type)))
	}
}

// fallbackTypeFor picks the fallback suited to a step: terminal steps
// can be skipped, steps feeding data mappings get a default value, and
// steps sharing a tool with another step get an alternative
func fallbackTypeFor(
	step *api.Step, comp *api.Composition,
) api.FallbackType {
	if len(step.NextSteps) == 0 {
		return api.FallbackSkip
	}
	for _, m := range comp.DataMappings {
		if strings.HasPrefix(m.Source, string(step.ID)+".") {
			return api.FallbackDefaultValue
		}
	}
	if findAlternativeStep(step, comp) != "" {
		return api.FallbackAlternativeStep
	}
	return api.FallbackDefaultValue
}

// defaultValueFor derives a fallback value from a recorded successful
// result, or an empty object when none was captured
func defaultValueFor(sm *analyzer.StepMetrics) any {
	if len(sm.SuccessExamples) > 0 {
		return sm.SuccessExamples[0]
	}
	return map[string]any{}
}

func findAlternativeStep(
	step *api.Step, comp *api.Composition,
) api.StepID {
	for _, other := range comp.Steps {
		if other.ID != step.ID && other.Tool == step.Tool {
			return other.ID
		}
	}
	return ""
}

func (o *Optimizer) suggestions(
	comp *api.Composition, report *analyzer.Report,
) []*Suggestion {
	var res []*Suggestion
	for _, rec := range report.Recommendations {
		switch rec.Type {
		case analyzer.RecommendationStep:
			step := comp.Step(rec.StepID)
			if step == nil {
				continue
			}
			res = append(res, stepSuggestion(step, rec, report))

		case analyzer.RecommendationGlobal:
			res = append(res, &Suggestion{
				Type:     SuggestionGlobal,
				Priority: rec.Priority,
				Message:  rec.Message,
				Details:  rec.Details,
			})
		}
	}
	return res
}

func stepSuggestion(
	step *api.Step, rec *analyzer.Recommendation, report *analyzer.Report,
) *Suggestion {
	s := &Suggestion{
		Type:          SuggestionStep,
		StepID:        step.ID,
		StepName:      step.Name,
		Priority:      rec.Priority,
		Message:       rec.Message,
		Details:       rec.Details,
		CurrentConfig: map[string]any{},
	}

	details := strings.ToLower(rec.Details)
	switch {
	case strings.Contains(details, "retry"):
		s.OptimizationType = "retry_strategy"
		s.CurrentConfig["retry_strategy"] = step.Retry
		if step.Retry == nil {
			s.SuggestedConfig = map[string]any{
				"max_retries":    3,
				"delay_ms":       1000,
				"backoff_factor": 2.0,
			}
		}

	case strings.Contains(details, "duration"):
		s.OptimizationType = "timeout"
		s.CurrentConfig["timeout_seconds"] = step.TimeoutSeconds
		if sm, ok := report.StepPerformance[step.ID]; ok &&
			sm.AvgDurationMs > 0 {
			suggested := max(int(sm.AvgDurationMs*2), minTimeoutMs) / 1000
			s.SuggestedConfig = map[string]any{
				"timeout_seconds": suggested,
			}
		}
	}
	return s
}

func (o *Optimizer) summarize(
	original, optimized *api.Composition,
) *ChangeSummary {
	summary := &ChangeSummary{
		RetryAdded:       []*RetryChange{},
		RetryModified:    []*RetryChange{},
		TimeoutsAdjusted: []*TimeoutChange{},
		FallbacksAdded:   []*FallbackChange{},
		VersionIncrement: fmt.Sprintf("%s -> %s",
			original.Version, optimized.Version),
		OptimizedAt: o.clock(),
	}

	for i, step := range optimized.Steps {
		orig := original.Steps[i]

		switch {
		case orig.Retry == nil && step.Retry != nil:
			summary.RetryAdded = append(summary.RetryAdded, &RetryChange{
				StepID:   step.ID,
				StepName: step.Name,
				New:      step.Retry,
			})
		case orig.Retry != nil && step.Retry != nil &&
			retryWithoutFallback(orig.Retry) != retryWithoutFallback(step.Retry):
			summary.RetryModified = append(summary.RetryModified,
				&RetryChange{
					StepID:   step.ID,
					StepName: step.Name,
					Old:      orig.Retry,
					New:      step.Retry,
				})
		}

		if orig.TimeoutSeconds != step.TimeoutSeconds {
			summary.TimeoutsAdjusted = append(summary.TimeoutsAdjusted,
				&TimeoutChange{
					StepID:   step.ID,
					StepName: step.Name,
					Old:      fmt.Sprintf("%ds", orig.TimeoutSeconds),
					New:      fmt.Sprintf("%ds", step.TimeoutSeconds),
				})
		}

		origFallback := orig.Retry != nil && orig.Retry.Fallback != nil
		newFallback := step.Retry != nil && step.Retry.Fallback != nil
		if !origFallback && newFallback {
			summary.FallbacksAdded = append(summary.FallbacksAdded,
				&FallbackChange{
					StepID:   step.ID,
					StepName: step.Name,
					Fallback: step.Retry.Fallback,
				})
		}
	}

	summary.TotalChanges = len(summary.RetryAdded) +
		len(summary.RetryModified) +
		len(summary.TimeoutsAdjusted) +
		len(summary.FallbacksAdded)
	return summary
}

// retryWithoutFallback flattens a strategy for comparison so a newly
// attached fallback does not register as a retry modification
func retryWithoutFallback(r *api.RetryStrategy) api.RetryStrategy {
	res := *r
	res.Fallback = nil
	return res
}

// bumpMinor increments the minor version and resets the patch. A
// malformed version restarts at 0.1.0
func bumpMinor(version string) string {
	parts := strings.Split(version, ".")
	if len(parts) < 3 {
		return "0.1.0"
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return "0.1.0"
	}
	return fmt.Sprintf("%s.%d.0", parts[0], minor+1)
}

// bumpPatch increments the patch version, leaving malformed versions
// unchanged
func bumpPatch(version string) string {
	parts := strings.Split(version, ".")
	if len(parts) < 3 {
		return version
	}
	patch, err := strconv.Atoi(parts[2])
	if err != nil {
		return version
	}
	return fmt.Sprintf("%s.%s.%d", parts[0], parts[1], patch+1)
}
