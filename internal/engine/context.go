package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/tonal-labs/cantata/pkg/api"
	"github.com/tonal-labs/cantata/pkg/log"
)

type (
	// Context carries the state of a single composition run: input,
	// per-step results and errors, timings, and shared globals. It is
	// confined to one run and is not safe for concurrent use
	Context struct {
		Composition *api.Composition
		Input       map[string]any
		ExecutionID api.ExecutionID
		StartTime   time.Time
		EndTime     *time.Time
		DurationMs  int64
		Success     bool
		Finished    bool

		stepResults map[api.StepID]any
		stepErrors  map[api.StepID]string
		errorKinds  map[api.StepID]string
		stepTimings map[api.StepID]*StepTiming
		globals     map[string]any
		clock       Clock
	}

	// StepTiming records when a step ran and for how long
	StepTiming struct {
		Start      time.Time  `json:"start_time"`
		End        *time.Time `json:"end_time,omitempty"`
		DurationMs int64      `json:"duration_ms"`
	}
)

// NewContext creates an execution context for one run of a composition
func NewContext(
	comp *api.Composition, input map[string]any, executionID api.ExecutionID,
	clock Clock,
) *Context {
	if executionID == "" {
		executionID = api.ExecutionID(uuid.NewString())
	}
	if clock == nil {
		clock = time.Now
	}
	return &Context{
		Composition: comp,
		Input:       input,
		ExecutionID: executionID,
		StartTime:   clock(),
		stepResults: map[api.StepID]any{},
		stepErrors:  map[api.StepID]string{},
		errorKinds:  map[api.StepID]string{},
		stepTimings: map[api.StepID]*StepTiming{},
		globals:     map[string]any{},
		clock:       clock,
	}
}

// AddStepResult stores a step's result
func (c *Context) AddStepResult(stepID api.StepID, result any) {
	c.stepResults[stepID] = result
}

// GetStepResult returns a step's stored result, or nil
func (c *Context) GetStepResult(stepID api.StepID) any {
	return c.stepResults[stepID]
}

// AddStepError records a step failure with a coarse error kind used by
// telemetry aggregation
func (c *Context) AddStepError(stepID api.StepID, msg, kind string) {
	c.stepErrors[stepID] = msg
	c.errorKinds[stepID] = kind
}

// StepError returns the recorded error for a step, if any
func (c *Context) StepError(stepID api.StepID) (string, bool) {
	msg, ok := c.stepErrors[stepID]
	return msg, ok
}

// AddStepTiming opens a timing record for a step. Retried attempts
// replace the previous record
func (c *Context) AddStepTiming(stepID api.StepID, start time.Time) {
	c.stepTimings[stepID] = &StepTiming{Start: start}
}

// UpdateStepTiming closes a step's timing record
func (c *Context) UpdateStepTiming(
	stepID api.StepID, end time.Time, durationMs int64,
) {
	timing, ok := c.stepTimings[stepID]
	if !ok {
		slog.Warn("Timing update for unknown step",
			log.StepID(stepID))
		return
	}
	timing.End = &end
	timing.DurationMs = durationMs
}

// SetGlobal stores a value shared across the run's steps
func (c *Context) SetGlobal(key string, value any) {
	c.globals[key] = value
}

// GetGlobal returns a shared value, or the given default
func (c *Context) GetGlobal(key string, def any) any {
	if v, ok := c.globals[key]; ok {
		return v
	}
	return def
}

// FinishExecution stamps the end of the run and computes its duration
func (c *Context) FinishExecution(success bool) {
	end := c.clock()
	c.EndTime = &end
	c.DurationMs = end.Sub(c.StartTime).Milliseconds()
	c.Success = success
	c.Finished = true
}

// StepMetrics derives the per-step telemetry for this run. A step is
// successful when no error was recorded for it; successful steps carry
// a result sample for later optimization
func (c *Context) StepMetrics() map[api.StepID]*api.StepExecution {
	res := make(map[api.StepID]*api.StepExecution, len(c.stepTimings))
	for stepID, timing := range c.stepTimings {
		msg, failed := c.stepErrors[stepID]
		exec := &api.StepExecution{
			DurationMs: timing.DurationMs,
			Success:    !failed,
		}
		if failed {
			exec.Error = msg
			exec.ErrorType = c.errorKinds[stepID]
		} else {
			exec.Result = MakeSerializable(c.stepResults[stepID])
		}
		res[stepID] = exec
	}
	return res
}

// ToSerializable renders the full context as a JSON-shaped map. Times
// become RFC 3339 text, byte slices become UTF-8 strings, and anything
// that cannot round-trip through JSON is replaced by a deterministic
// placeholder
func (c *Context) ToSerializable() map[string]any {
	var endTime any
	if c.EndTime != nil {
		endTime = c.EndTime.Format(time.RFC3339Nano)
	}

	timings := make(map[string]any, len(c.stepTimings))
	for stepID, timing := range c.stepTimings {
		entry := map[string]any{
			"start_time":  timing.Start.Format(time.RFC3339Nano),
			"duration_ms": timing.DurationMs,
		}
		if timing.End != nil {
			entry["end_time"] = timing.End.Format(time.RFC3339Nano)
		}
		timings[string(stepID)] = entry
	}

	results := make(map[string]any, len(c.stepResults))
	for stepID, result := range c.stepResults {
		results[string(stepID)] = MakeSerializable(result)
	}

	stepErrors := make(map[string]any, len(c.stepErrors))
	for stepID, msg := range c.stepErrors {
		stepErrors[string(stepID)] = msg
	}

	globals := make(map[string]any, len(c.globals))
	for key, value := range c.globals {
		globals[key] = MakeSerializable(value)
	}

	return map[string]any{
		"execution_id":     string(c.ExecutionID),
		"composition_id":   string(c.Composition.ID),
		"composition_name": c.Composition.Name,
		"start_time":       c.StartTime.Format(time.RFC3339Nano),
		"end_time":         endTime,
		"duration_ms":      c.DurationMs,
		"success":          c.Success,
		"input_data":       MakeSerializable(c.Input),
		"step_results":     results,
		"step_errors":      stepErrors,
		"step_timings":     timings,
		"globals":          globals,
	}
}

// MakeSerializable deep-converts a value into a JSON-shaped one.
// Unconvertible values become a "<unserializable: type>" placeholder
func MakeSerializable(v any) any {
	switch v := v.(type) {
	case nil, string, bool, float64, float32, int, int64, int32:
		return v
	case map[string]any:
		res := make(map[string]any, len(v))
		for k, e := range v {
			res[k] = MakeSerializable(e)
		}
		return res
	case []any:
		res := make([]any, len(v))
		for i, e := range v {
			res[i] = MakeSerializable(e)
		}
		return res
	case time.Time:
		return v.Format(time.RFC3339Nano)
	case []byte:
		if utf8.Valid(v) {
			return string(v)
		}
		return placeholder(v)
	default:
		if _, err := json.Marshal(v); err == nil {
			return v
		}
		return placeholder(v)
	}
}

func placeholder(v any) string {
	return fmt.Sprintf("<unserializable: %T>", v)
}
