package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tonal-labs/cantata/internal/client"
	"github.com/tonal-labs/cantata/internal/transform"
	"github.com/tonal-labs/cantata/pkg/api"
	"github.com/tonal-labs/cantata/pkg/log"
	"github.com/tonal-labs/cantata/pkg/util"
)

type (
	// Storage is the composition lookup the engine depends on
	Storage interface {
		LoadComposition(
			context.Context, api.CompositionID,
		) (*api.Composition, error)
	}

	// Recorder receives one telemetry record per finished run
	Recorder interface {
		Append(api.CompositionID, *api.ExecutionRecord) error
	}

	// Dependencies wires the engine's collaborators. Clock and Sleep
	// default to the system implementations when omitted
	Dependencies struct {
		Storage  Storage
		Client   client.Client
		Recorder Recorder
		Events   *RunEventHub
		Clock    Clock
		Sleep    Sleeper
	}

	// Engine interprets compositions: it walks the step graph depth
	// first, routes data between steps, applies per-step retry and
	// fallback policies, and records run telemetry
	Engine struct {
		storage     Storage
		client      client.Client
		transformer *transform.Transformer
		recorder    Recorder
		events      *RunEventHub
		clock       Clock
		sleep       Sleeper
	}
)

const (
	// Applied when a retry strategy omits its knobs
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
)

var (
	ErrCompositionNotFound = errors.New("composition not found")
	ErrNoStartingSteps     = errors.New("no starting steps in composition")
	ErrStorageNil          = errors.New("storage is required")
	ErrClientNil           = errors.New("client is required")
)

// New creates an execution engine from its dependencies
func New(deps Dependencies) (*Engine, error) {
	if deps.Storage == nil {
		return nil, ErrStorageNil
	}
	if deps.Client == nil {
		return nil, ErrClientNil
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = systemSleep
	}
	events := deps.Events
	if events == nil {
		events = NewRunEventHub(clock)
	}
	return &Engine{
		storage:     deps.Storage,
		client:      deps.Client,
		transformer: transform.NewTransformer(),
		recorder:    deps.Recorder,
		events:      events,
		clock:       clock,
		sleep:       sleep,
	}, nil
}

// Events exposes the engine's run-event hub
func (e *Engine) Events() *RunEventHub {
	return e.events
}

// Execute runs a composition against the given input. It never returns
// a Go error: every failure, structural or step-level, comes back as a
// structured result. There is no aggregate deadline across steps; each
// step only honors its own timeout
func (e *Engine) Execute(
	ctx context.Context, compositionID api.CompositionID,
	input map[string]any, executionID api.ExecutionID,
) *api.ExecuteResult {
	if executionID == "" {
		executionID = api.ExecutionID(uuid.NewString())
	}

	comp, err := e.storage.LoadComposition(ctx, compositionID)
	if err != nil || comp == nil {
		slog.Error("Composition not found",
			log.CompositionID(compositionID),
			log.Error(err))
		return &api.ExecuteResult{
			Success: false,
			Error: fmt.Sprintf("%s: %s",
				ErrCompositionNotFound, compositionID),
			ExecutionID: executionID,
		}
	}

	rc := NewContext(comp, input, executionID, e.clock)
	e.publishExecutionStarted(rc)

	start := e.clock()
	output, err := e.run(ctx, rc)
	elapsed := e.clock().Sub(start).Milliseconds()

	success := err == nil
	rc.FinishExecution(success)

	res := &api.ExecuteResult{
		Success:         success,
		ExecutionID:     executionID,
		ExecutionTimeMs: elapsed,
	}
	if success {
		res.Data = output
	} else {
		slog.Error("Execution failed",
			log.ExecutionID(executionID),
			log.CompositionID(compositionID),
			log.Error(err))
		res.Error = err.Error()
	}

	e.publishExecutionEnded(rc, res)
	e.record(rc, res, err)
	return res
}

// run validates the input, finds the root steps, and walks the graph.
// Only structural failures surface as errors; step failures are folded
// into the result set
func (e *Engine) run(
	ctx context.Context, rc *Context,
) (map[string]any, error) {
	comp := rc.Composition
	if err := comp.InputSchema.ValidateInput(rc.Input); err != nil {
		return nil, err
	}

	roots := comp.RootSteps()
	if len(roots) == 0 {
		return nil, ErrNoStartingSteps
	}

	results := map[string]any{}
	visited := util.Set[api.StepID]{}
	e.executeSteps(ctx, rc, roots, visited, results)

	return e.transformer.ProjectOutput(results, comp.OutputSchema), nil
}

// executeSteps runs a layer of steps depth first: each step executes,
// then its successors, before the next sibling. The visited set keeps
// cyclic graphs from re-entering a step within the same run
func (e *Engine) executeSteps(
	ctx context.Context, rc *Context, steps []*api.Step,
	visited util.Set[api.StepID], results map[string]any,
) {
	for _, step := range steps {
		if visited.Contains(step.ID) {
			slog.Warn("Step already ran in this execution, skipping",
				log.ExecutionID(rc.ExecutionID),
				log.StepID(step.ID))
			continue
		}
		visited.Add(step.ID)

		if step.Condition != nil && !e.evalCondition(step.Condition, rc) {
			slog.Info("Step skipped, condition not met",
				log.StepID(step.ID))
			continue
		}

		slog.Info("Executing step",
			log.StepID(step.ID),
			slog.String("step_name", step.Name))

		result, err := e.runStep(ctx, rc, step)
		if err == nil {
			rc.AddStepResult(step.ID, result)
			results[string(step.ID)] = result
			e.continueTo(ctx, rc, step, visited, results)
			continue
		}

		slog.Error("Step failed",
			log.StepID(step.ID),
			log.Error(err))

		if step.Retry == nil {
			rc.AddStepError(step.ID, err.Error(), client.ErrorKind(err))
			results[string(step.ID)] = map[string]any{"error": err.Error()}
			continue
		}

		if e.retryStep(ctx, rc, step, visited, results) {
			continue
		}
		if step.Retry.Fallback != nil {
			e.applyFallback(ctx, rc, step, visited, results)
		}
	}
}

// retryStep re-runs a failed step up to MaxRetries additional times
// with a fixed delay before each attempt. It reports whether any
// attempt succeeded; on exhaustion the last error is recorded
func (e *Engine) retryStep(
	ctx context.Context, rc *Context, step *api.Step,
	visited util.Set[api.StepID], results map[string]any,
) bool {
	maxRetries := step.Retry.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	delay := time.Duration(step.Retry.DelayMs) * time.Millisecond
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		slog.Info("Retrying step",
			log.StepID(step.ID),
			slog.Int("attempt", attempt),
			slog.Int("max_retries", maxRetries))

		e.sleep(ctx, delay)

		result, err := e.runStep(ctx, rc, step)
		if err == nil {
			rc.AddStepResult(step.ID, result)
			results[string(step.ID)] = result
			e.continueTo(ctx, rc, step, visited, results)
			return true
		}

		slog.Error("Retry attempt failed",
			log.StepID(step.ID),
			slog.Int("attempt", attempt),
			log.Error(err))

		if attempt == maxRetries {
			rc.AddStepError(step.ID, err.Error(), client.ErrorKind(err))
			results[string(step.ID)] = map[string]any{"error": err.Error()}
		}
	}
	return false
}

// applyFallback resolves a step that exhausted its retries. The
// fallback types are a closed set; their wire names are part of the
// composition format
func (e *Engine) applyFallback(
	ctx context.Context, rc *Context, step *api.Step,
	visited util.Set[api.StepID], results map[string]any,
) {
	fb := step.Retry.Fallback

	switch fb.Type {
	case api.FallbackDefaultValue:
		value := fb.Value
		if value == nil {
			value = map[string]any{}
		}
		slog.Info("Applying default-value fallback",
			log.StepID(step.ID))
		rc.AddStepResult(step.ID, value)
		results[string(step.ID)] = value
		e.continueTo(ctx, rc, step, visited, results)

	case api.FallbackAlternativeStep:
		e.runAlternative(ctx, rc, step, visited, results)

	case api.FallbackSkip:
		slog.Info("Applying skip fallback",
			log.StepID(step.ID))
		results[string(step.ID)] = map[string]any{
			"skipped": true,
			"reason":  "fallback skip",
		}
		e.continueTo(ctx, rc, step, visited, results)

	default:
		slog.Warn("Unknown fallback type",
			log.StepID(step.ID),
			slog.String("fallback_type", string(fb.Type)))
	}
}

// runAlternative executes the fallback step in place of the failed
// one. Its result is stored under the ORIGINAL step's ID so downstream
// mappings keep working
func (e *Engine) runAlternative(
	ctx context.Context, rc *Context, step *api.Step,
	visited util.Set[api.StepID], results map[string]any,
) {
	altID := step.Retry.Fallback.StepID
	alt := rc.Composition.Step(altID)
	if alt == nil {
		msg := fmt.Sprintf("alternative step not found: %s", altID)
		slog.Error("Alternative step not found",
			log.StepID(step.ID),
			slog.String("alternative_step_id", string(altID)))
		rc.AddStepError(step.ID, msg, "fallback")
		results[string(step.ID)] = map[string]any{"error": msg}
		return
	}

	slog.Info("Executing alternative step",
		log.StepID(step.ID),
		slog.String("alternative_step_id", string(altID)))

	result, err := e.runStep(ctx, rc, alt)
	if err != nil {
		msg := fmt.Sprintf("fallback failed: %s", err)
		slog.Error("Alternative step failed",
			slog.String("alternative_step_id", string(altID)),
			log.Error(err))
		rc.AddStepError(step.ID, msg, client.ErrorKind(err))
		results[string(step.ID)] = map[string]any{"error": msg}
		return
	}

	rc.AddStepResult(step.ID, result)
	results[string(step.ID)] = result
	e.continueTo(ctx, rc, step, visited, results)
}

func (e *Engine) continueTo(
	ctx context.Context, rc *Context, step *api.Step,
	visited util.Set[api.StepID], results map[string]any,
) {
	var next []*api.Step
	for _, id := range step.NextSteps {
		if s := rc.Composition.Step(id); s != nil {
			next = append(next, s)
		}
	}
	if len(next) > 0 {
		e.executeSteps(ctx, rc, next, visited, results)
	}
}

// runStep resolves a step's parameters and invokes its tool once,
// recording timing and step events
func (e *Engine) runStep(
	ctx context.Context, rc *Context, step *api.Step,
) (map[string]any, error) {
	start := e.clock()
	rc.AddStepTiming(step.ID, start)
	e.publishStepStarted(rc, step.ID, start)

	params := e.prepareParameters(rc, step)

	timeout := time.Duration(step.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = api.DefaultStepTimeoutSeconds * time.Second
	}

	result, err := e.client.Invoke(ctx, step.Tool, params, timeout)

	end := e.clock()
	durationMs := end.Sub(start).Milliseconds()
	rc.UpdateStepTiming(step.ID, end, durationMs)

	if err != nil {
		e.publishStepEnded(rc, step.ID, end, durationMs, false,
			map[string]any{"error": err.Error()})
		return nil, err
	}

	e.publishStepEnded(rc, step.ID, end, durationMs, true, result)
	return result, nil
}

// prepareParameters overlays the composition's data mappings onto the
// step's static parameters. Mapped values win over static ones
func (e *Engine) prepareParameters(
	rc *Context, step *api.Step,
) map[string]any {
	params := maps.Clone(step.Parameters)
	if params == nil {
		params = map[string]any{}
	}

	prefix := string(step.ID) + "."
	for _, m := range rc.Composition.DataMappings {
		if !strings.HasPrefix(m.Target, prefix) {
			continue
		}
		targetParts := strings.Split(m.Target, ".")
		param := targetParts[len(targetParts)-1]

		value := resolveField(rc, m.Source)
		if m.Transform != nil {
			value = e.transformer.Apply(value, m.Transform)
		}
		params[param] = value
	}
	return params
}

// record hands the run's telemetry to the recorder, if one is wired
func (e *Engine) record(
	rc *Context, res *api.ExecuteResult, runErr error,
) {
	if e.recorder == nil {
		return
	}

	rec := &api.ExecutionRecord{
		ExecutionID:     rc.ExecutionID,
		CompositionID:   rc.Composition.ID,
		CompositionName: rc.Composition.Name,
		Timestamp:       e.clock().UTC(),
		DurationMs:      res.ExecutionTimeMs,
		Success:         res.Success,
		StepExecutions:  rc.StepMetrics(),
		InputSize:       inputSize(rc.Input),
	}
	if runErr != nil {
		rec.Error = runErr.Error()
		rec.ErrorType = client.ErrorKind(runErr)
	}

	if err := e.recorder.Append(rc.Composition.ID, rec); err != nil {
		slog.Error("Failed to record execution metrics",
			log.ExecutionID(rc.ExecutionID),
			log.Error(err))
	}
}

func inputSize(input map[string]any) int {
	body, err := json.Marshal(input)
	if err != nil {
		return 0
	}
	return len(body)
}

func (e *Engine) publishExecutionStarted(rc *Context) {
	e.events.Publish(EventExecutionStarted, map[string]any{
		"execution_id":     string(rc.ExecutionID),
		"composition_id":   string(rc.Composition.ID),
		"composition_name": rc.Composition.Name,
		"start_time":       rc.StartTime.Format(time.RFC3339Nano),
		"input_data":       MakeSerializable(rc.Input),
	})
}

func (e *Engine) publishExecutionEnded(rc *Context, res *api.ExecuteResult) {
	data := map[string]any{
		"execution_id":      string(rc.ExecutionID),
		"composition_id":    string(rc.Composition.ID),
		"composition_name":  rc.Composition.Name,
		"execution_time_ms": res.ExecutionTimeMs,
		"success":           res.Success,
	}
	if rc.EndTime != nil {
		data["end_time"] = rc.EndTime.Format(time.RFC3339Nano)
	}
	if res.Success {
		data["result"] = MakeSerializable(res.Data)
	} else {
		data["error"] = res.Error
	}
	e.events.Publish(EventExecutionEnded, data)
}

func (e *Engine) publishStepStarted(
	rc *Context, stepID api.StepID, start time.Time,
) {
	e.events.Publish(EventStepStarted, map[string]any{
		"execution_id":   string(rc.ExecutionID),
		"composition_id": string(rc.Composition.ID),
		"step_id":        string(stepID),
		"start_time":     start.Format(time.RFC3339Nano),
	})
}

func (e *Engine) publishStepEnded(
	rc *Context, stepID api.StepID, end time.Time, durationMs int64,
	success bool, result any,
) {
	e.events.Publish(EventStepEnded, map[string]any{
		"execution_id":      string(rc.ExecutionID),
		"composition_id":    string(rc.Composition.ID),
		"step_id":           string(stepID),
		"end_time":          end.Format(time.RFC3339Nano),
		"execution_time_ms": durationMs,
		"success":           success,
		"result":            MakeSerializable(result),
	})
}
