package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonal-labs/cantata/internal/engine"
	"github.com/tonal-labs/cantata/pkg/api"
)

func TestStepMetrics(t *testing.T) {
	comp := orderComposition()
	rc := engine.NewContext(comp, nil, "run-1", fixedClock)

	start := fixedClock()
	end := start.Add(120 * time.Millisecond)

	rc.AddStepTiming("fetch", start)
	rc.UpdateStepTiming("fetch", end, 120)
	rc.AddStepResult("fetch", map[string]any{"total": 5.0})

	rc.AddStepTiming("enrich", start)
	rc.UpdateStepTiming("enrich", end, 80)
	rc.AddStepError("enrich", "boom", "timeout")

	metrics := rc.StepMetrics()
	require.Len(t, metrics, 2)

	fetch := metrics["fetch"]
	assert.True(t, fetch.Success)
	assert.Equal(t, int64(120), fetch.DurationMs)
	assert.Equal(t, map[string]any{"total": 5.0}, fetch.Result)

	enrich := metrics["enrich"]
	assert.False(t, enrich.Success)
	assert.Equal(t, "boom", enrich.Error)
	assert.Equal(t, "timeout", enrich.ErrorType)
	assert.Nil(t, enrich.Result)
}

func TestContextGlobals(t *testing.T) {
	rc := engine.NewContext(orderComposition(), nil, "run-1", fixedClock)

	assert.Equal(t, "fallback", rc.GetGlobal("region", "fallback"))
	rc.SetGlobal("region", "eu-west")
	assert.Equal(t, "eu-west", rc.GetGlobal("region", "fallback"))
}

func TestFinishExecution(t *testing.T) {
	rc := engine.NewContext(orderComposition(), nil, "run-1", fixedClock)
	rc.FinishExecution(true)

	require.NotNil(t, rc.EndTime)
	assert.True(t, rc.Finished)
	assert.True(t, rc.Success)
	assert.Zero(t, rc.DurationMs)
}

func TestToSerializable(t *testing.T) {
	comp := orderComposition()
	rc := engine.NewContext(
		comp, map[string]any{"order_id": "A-1"}, "run-1", fixedClock,
	)
	rc.AddStepResult("fetch", map[string]any{"total": 5.0})
	rc.AddStepError("enrich", "boom", "timeout")
	rc.FinishExecution(false)

	data := rc.ToSerializable()
	assert.Equal(t, "run-1", data["execution_id"])
	assert.Equal(t, string(comp.ID), data["composition_id"])
	assert.Equal(t, false, data["success"])
	assert.Equal(t,
		fixedClock().Format(time.RFC3339Nano), data["start_time"])

	results, ok := data["step_results"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"total": 5.0}, results["fetch"])

	stepErrors, ok := data["step_errors"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "boom", stepErrors["enrich"])
}

func TestMakeSerializable(t *testing.T) {
	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	scenarios := []struct {
		name     string
		value    any
		expected any
	}{
		{"nil", nil, nil},
		{"string", "x", "x"},
		{"number", 1.5, 1.5},
		{"time", ts, "2026-08-01T12:00:00Z"},
		{"utf8 bytes", []byte("hello"), "hello"},
		{
			"nested map",
			map[string]any{"at": ts},
			map[string]any{"at": "2026-08-01T12:00:00Z"},
		},
		{
			"nested list",
			[]any{ts, "x"},
			[]any{"2026-08-01T12:00:00Z", "x"},
		},
		{
			"unserializable",
			make(chan int),
			"<unserializable: chan int>",
		},
	}

	for _, s := range scenarios {
		t.Run(s.name, func(t *testing.T) {
			assert.Equal(t, s.expected, engine.MakeSerializable(s.value))
		})
	}
}

func TestNewContextDefaults(t *testing.T) {
	rc := engine.NewContext(orderComposition(), nil, "", nil)
	assert.NotEqual(t, api.ExecutionID(""), rc.ExecutionID)
	assert.False(t, rc.StartTime.IsZero())
}
