package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tonal-labs/cantata/pkg/util"
)

type (
	CompositionID     string
	StepID            string
	CompositionStatus string
	FallbackType      string
	TriggerType       string

	// Composition is a versioned, declarative description of a tool
	// workflow: a directed graph of steps plus the data mappings that
	// route values between them
	Composition struct {
		ID           CompositionID       `json:"id"`
		Name         string              `json:"name"`
		Description  string              `json:"description,omitempty"`
		Version      string              `json:"version"`
		Status       CompositionStatus   `json:"status"`
		Author       string              `json:"author,omitempty"`
		Tags         []string            `json:"tags,omitempty"`
		CreatedAt    time.Time           `json:"created_at"`
		UpdatedAt    time.Time           `json:"updated_at"`
		Steps        []*Step             `json:"steps"`
		DataMappings []*DataMapping      `json:"data_mappings,omitempty"`
		InputSchema  *Schema             `json:"input_schema,omitempty"`
		OutputSchema *Schema             `json:"output_schema,omitempty"`
		Triggers     []*Trigger          `json:"triggers,omitempty"`
		Metrics      *PerformanceMetrics `json:"performance_metrics,omitempty"`
	}

	// Step is a single tool invocation inside a composition
	Step struct {
		ID             StepID         `json:"id"`
		Name           string         `json:"name"`
		Description    string         `json:"description,omitempty"`
		Tool           string         `json:"tool"`
		Parameters     map[string]any `json:"parameters,omitempty"`
		Condition      *Condition     `json:"conditional,omitempty"`
		NextSteps      []StepID       `json:"next_steps,omitempty"`
		Retry          *RetryStrategy `json:"retry_strategy,omitempty"`
		TimeoutSeconds int            `json:"timeout_seconds"`
	}

	// RetryStrategy re-runs a failed step MaxRetries additional times
	// with a fixed delay between attempts. BackoffFactor is carried on
	// the wire but the retry loop does not compound it
	RetryStrategy struct {
		MaxRetries    int       `json:"max_retries"`
		DelayMs       int64     `json:"delay_ms"`
		BackoffFactor float64   `json:"backoff_factor,omitempty"`
		Fallback      *Fallback `json:"fallback,omitempty"`
	}

	// Fallback is applied after a step exhausts its retries
	Fallback struct {
		Type   FallbackType `json:"type"`
		Value  any          `json:"value,omitempty"`
		StepID StepID       `json:"step_id,omitempty"`
	}

	// DataMapping routes a value into a step parameter before the step
	// runs. Source is `input.<field>`, `<stepID>.<field>` or a bare
	// `<stepID>`; Target is `<stepID>.<param>`
	DataMapping struct {
		Source    string     `json:"source"`
		Target    string     `json:"target"`
		Transform *Transform `json:"transformation,omitempty"`
	}

	// Trigger declares how a composition may be launched
	Trigger struct {
		Type          TriggerType    `json:"type"`
		Configuration map[string]any `json:"configuration"`
	}

	// PerformanceMetrics is the rolled-up execution history carried on
	// the composition document itself
	PerformanceMetrics struct {
		AvgExecutionTimeMs float64    `json:"avg_execution_time_ms"`
		SuccessRate        float64    `json:"success_rate"`
		ErrorRate          float64    `json:"error_rate"`
		UsageCount         int        `json:"usage_count"`
		LastExecution      *time.Time `json:"last_execution,omitempty"`
		UserFeedbackScore  float64    `json:"user_feedback_score"`
	}
)

const (
	StatusDraft      CompositionStatus = "draft"
	StatusValidated  CompositionStatus = "validated"
	StatusLearning   CompositionStatus = "learning"
	StatusProduction CompositionStatus = "production"
	StatusArchived   CompositionStatus = "archived"

	FallbackDefaultValue    FallbackType = "default_value"
	FallbackAlternativeStep FallbackType = "alternative_step"
	FallbackSkip            FallbackType = "skip"

	TriggerIntent   TriggerType = "intent"
	TriggerSchedule TriggerType = "schedule"
	TriggerEvent    TriggerType = "event"
)

var (
	ErrCompositionIDEmpty   = errors.New("composition ID empty")
	ErrCompositionNameEmpty = errors.New("composition name empty")
	ErrNoSteps              = errors.New("composition has no steps")
	ErrStepIDEmpty          = errors.New("step ID empty")
	ErrDuplicateStepID      = errors.New("duplicate step ID")
	ErrStepToolEmpty        = errors.New("step tool empty")
	ErrUnknownNextStep      = errors.New("next step references unknown ID")
	ErrUnknownFallbackStep  = errors.New("fallback references unknown step")
	ErrInvalidTimeout       = errors.New("step timeout must be positive")
	ErrInvalidFallbackType  = errors.New("invalid fallback type")
	ErrInvalidTriggerType   = errors.New("invalid trigger type")
	ErrTriggerConfigMissing = errors.New("trigger configuration missing key")

	validFallbackTypes = util.SetOf(
		FallbackDefaultValue,
		FallbackAlternativeStep,
		FallbackSkip,
	)
)

// DefaultStepTimeoutSeconds is applied when a step omits its timeout
const DefaultStepTimeoutSeconds = 60

// NewComposition creates an empty draft composition with a fresh ID
func NewComposition(name string) *Composition {
	now := time.Now().UTC()
	return &Composition{
		ID:        CompositionID(uuid.NewString()),
		Name:      name,
		Version:   "0.1.0",
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks the structural integrity of the composition: unique
// step IDs, resolvable next-step and fallback references, positive
// timeouts, and well-formed triggers
func (c *Composition) Validate() error {
	if c.ID == "" {
		return ErrCompositionIDEmpty
	}
	if c.Name == "" {
		return ErrCompositionNameEmpty
	}
	if len(c.Steps) == 0 {
		return ErrNoSteps
	}

	ids := make(util.Set[StepID], len(c.Steps))
	for _, step := range c.Steps {
		if step.ID == "" {
			return ErrStepIDEmpty
		}
		if ids.Contains(step.ID) {
			return fmt.Errorf("%w: %s", ErrDuplicateStepID, step.ID)
		}
		ids.Add(step.ID)
	}

	for _, step := range c.Steps {
		if err := step.validate(ids); err != nil {
			return err
		}
	}

	for _, trigger := range c.Triggers {
		if err := trigger.Validate(); err != nil {
			return err
		}
	}

	return nil
}

func (s *Step) validate(ids util.Set[StepID]) error {
	if s.Tool == "" {
		return fmt.Errorf("%w: %s", ErrStepToolEmpty, s.ID)
	}
	// A zero timeout means the engine default applies
	if s.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTimeout, s.ID)
	}
	for _, next := range s.NextSteps {
		if !ids.Contains(next) {
			return fmt.Errorf("%w: %s -> %s", ErrUnknownNextStep, s.ID, next)
		}
	}
	if s.Retry != nil && s.Retry.Fallback != nil {
		fb := s.Retry.Fallback
		if !validFallbackTypes.Contains(fb.Type) {
			return fmt.Errorf("%w: %s", ErrInvalidFallbackType, fb.Type)
		}
		if fb.Type == FallbackAlternativeStep && !ids.Contains(fb.StepID) {
			return fmt.Errorf("%w: %s -> %s",
				ErrUnknownFallbackStep, s.ID, fb.StepID)
		}
	}
	return nil
}

// Validate checks that the trigger carries the configuration keys its
// type requires
func (t *Trigger) Validate() error {
	var required []string
	switch t.Type {
	case TriggerIntent:
		required = []string{"intent_patterns", "confidence_threshold"}
	case TriggerSchedule:
		required = []string{"cron_expression"}
	case TriggerEvent:
		required = []string{"event_name"}
	default:
		return fmt.Errorf("%w: %s", ErrInvalidTriggerType, t.Type)
	}
	for _, key := range required {
		if _, ok := t.Configuration[key]; !ok {
			return fmt.Errorf("%w: %s requires %s",
				ErrTriggerConfigMissing, t.Type, key)
		}
	}
	return nil
}

// Step returns the step with the given ID, or nil
func (c *Composition) Step(id StepID) *Step {
	for _, step := range c.Steps {
		if step.ID == id {
			return step
		}
	}
	return nil
}

// RootSteps returns the steps not referenced by any NextSteps entry.
// Execution starts from these
func (c *Composition) RootSteps() []*Step {
	referenced := util.Set[StepID]{}
	for _, step := range c.Steps {
		for _, next := range step.NextSteps {
			referenced.Add(next)
		}
	}
	var roots []*Step
	for _, step := range c.Steps {
		if !referenced.Contains(step.ID) {
			roots = append(roots, step)
		}
	}
	return roots
}

// Clone returns a deep copy with value semantics. Mutating the clone
// never touches the original; the optimizer relies on this when it
// derives tuned versions
func (c *Composition) Clone() *Composition {
	res := *c
	res.Tags = append([]string(nil), c.Tags...)
	res.Steps = make([]*Step, len(c.Steps))
	for i, step := range c.Steps {
		res.Steps[i] = step.Clone()
	}
	if c.DataMappings != nil {
		res.DataMappings = make([]*DataMapping, len(c.DataMappings))
		for i, m := range c.DataMappings {
			cm := *m
			if m.Transform != nil {
				cm.Transform = m.Transform.Clone()
			}
			res.DataMappings[i] = &cm
		}
	}
	res.InputSchema = c.InputSchema.Clone()
	res.OutputSchema = c.OutputSchema.Clone()
	if c.Triggers != nil {
		res.Triggers = make([]*Trigger, len(c.Triggers))
		for i, t := range c.Triggers {
			ct := *t
			ct.Configuration = CopyValue(t.Configuration).(map[string]any)
			res.Triggers[i] = &ct
		}
	}
	if c.Metrics != nil {
		cm := *c.Metrics
		if c.Metrics.LastExecution != nil {
			le := *c.Metrics.LastExecution
			cm.LastExecution = &le
		}
		res.Metrics = &cm
	}
	return &res
}

// Clone returns a deep copy of the step
func (s *Step) Clone() *Step {
	res := *s
	if s.Parameters != nil {
		res.Parameters = CopyValue(s.Parameters).(map[string]any)
	}
	if s.Condition != nil {
		res.Condition = s.Condition.Clone()
	}
	res.NextSteps = append([]StepID(nil), s.NextSteps...)
	if s.Retry != nil {
		cr := *s.Retry
		if s.Retry.Fallback != nil {
			cf := *s.Retry.Fallback
			cf.Value = CopyValue(s.Retry.Fallback.Value)
			cr.Fallback = &cf
		}
		res.Retry = &cr
	}
	return &res
}

// CopyValue deep-copies a JSON-shaped value. Maps and slices are
// duplicated recursively; everything else is returned as-is
func CopyValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		res := make(map[string]any, len(v))
		for k, e := range v {
			res[k] = CopyValue(e)
		}
		return res
	case []any:
		res := make([]any, len(v))
		for i, e := range v {
			res[i] = CopyValue(e)
		}
		return res
	default:
		return v
	}
}
