package engine

import (
	"time"

	"github.com/kode4food/caravan"
	"github.com/kode4food/caravan/message"
	"github.com/kode4food/caravan/topic"
)

type (
	RunEventType string

	// RunEvent announces execution progress on the run-event topic.
	// WebSocket clients and other in-process observers consume these
	RunEvent struct {
		Type      RunEventType   `json:"type"`
		Timestamp time.Time      `json:"timestamp"`
		Data      map[string]any `json:"data"`
	}

	// RunEventHub fans run events out to any number of consumers
	RunEventHub struct {
		topic topic.Topic[*RunEvent]
		prod  topic.Producer[*RunEvent]
		clock Clock
	}
)

const (
	EventExecutionStarted RunEventType = "execution_started"
	EventExecutionEnded   RunEventType = "execution_ended"
	EventStepStarted      RunEventType = "step_started"
	EventStepEnded        RunEventType = "step_ended"
)

// NewRunEventHub creates a run-event hub backed by an in-process topic
func NewRunEventHub(clock Clock) *RunEventHub {
	if clock == nil {
		clock = time.Now
	}
	t := caravan.NewTopic[*RunEvent]()
	return &RunEventHub{
		topic: t,
		prod:  t.NewProducer(),
		clock: clock,
	}
}

// Publish emits a run event to all consumers
func (h *RunEventHub) Publish(typ RunEventType, data map[string]any) {
	message.Send(h.prod, &RunEvent{
		Type:      typ,
		Timestamp: h.clock(),
		Data:      data,
	})
}

// NewConsumer registers a new consumer of the event stream
func (h *RunEventHub) NewConsumer() topic.Consumer[*RunEvent] {
	return h.topic.NewConsumer()
}

// Close shuts the hub's producer down
func (h *RunEventHub) Close() {
	h.prod.Close()
}
