package api

import "time"

type (
	ExecutionID string

	// ExecuteRequest launches a composition run
	ExecuteRequest struct {
		CompositionID CompositionID  `json:"composition_id"`
		Input         map[string]any `json:"input,omitempty"`
		ExecutionID   ExecutionID    `json:"execution_id,omitempty"`
	}

	// ExecuteResult is the structured outcome of a run. Execution
	// failures are reported here, never as transport errors
	ExecuteResult struct {
		Success         bool           `json:"success"`
		Data            map[string]any `json:"data,omitempty"`
		Error           string         `json:"error,omitempty"`
		ExecutionID     ExecutionID    `json:"execution_id"`
		ExecutionTimeMs int64          `json:"execution_time_ms"`
	}

	// ExecutionRecord is one line of execution telemetry
	ExecutionRecord struct {
		ExecutionID     ExecutionID               `json:"execution_id"`
		CompositionID   CompositionID             `json:"composition_id"`
		CompositionName string                    `json:"composition_name,omitempty"`
		Timestamp       time.Time                 `json:"timestamp"`
		DurationMs      int64                     `json:"execution_time_ms"`
		Success         bool                      `json:"success"`
		Error           string                    `json:"error,omitempty"`
		ErrorType       string                    `json:"error_type,omitempty"`
		StepExecutions  map[StepID]*StepExecution `json:"step_executions,omitempty"`
		InputSize       int                       `json:"input_size"`
	}

	// StepExecution captures one step's outcome within a record
	StepExecution struct {
		DurationMs int64   `json:"duration_ms"`
		Success    bool    `json:"success"`
		Error      string  `json:"error,omitempty"`
		ErrorType  string  `json:"error_type,omitempty"`
		MemoryMB   float64 `json:"memory_mb,omitempty"`
		Result     any     `json:"result,omitempty"`
	}

	// ErrorResponse is the JSON error shape served by the HTTP API
	ErrorResponse struct {
		Error  string `json:"error"`
		Status int    `json:"status"`
	}
)
