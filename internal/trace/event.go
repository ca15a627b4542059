package trace

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventRetrieval  EventType = "retrieval"
	EventToolCall   EventType = "tool_call"
	EventModelCall  EventType = "model_call"
	EventValidation EventType = "validation"
	EventError      EventType = "error"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusRetry   = "retry"
)

// Payload is the tagged union of per-type event data. Each event type
// carries only the fields that matter for it.
type Payload interface {
	payloadType() EventType
}

type RetrievalPayload struct {
	Query       string `json:"query"`
	ResultCount int    `json:"result_count"`
}

func (RetrievalPayload) payloadType() EventType { return EventRetrieval }

type ModelCallPayload struct {
	Model           string `json:"model"`
	MessageCount    int    `json:"message_count"`
	ResponsePreview string `json:"response_preview,omitempty"`
}

func (ModelCallPayload) payloadType() EventType { return EventModelCall }

type ToolCallPayload struct {
	Tool          string            `json:"tool"`
	Args          map[string]string `json:"args,omitempty"`
	OutputPreview string            `json:"output_preview,omitempty"`
}

func (ToolCallPayload) payloadType() EventType { return EventToolCall }

type ValidationPayload struct {
	Check  string   `json:"check"`
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

func (ValidationPayload) payloadType() EventType { return EventValidation }

type ErrorPayload struct {
	Kind string `json:"kind"`
}

func (ErrorPayload) payloadType() EventType { return EventError }

type Event struct {
	Type         EventType
	Name         string
	Payload      Payload
	DurationMS   int
	TokensIn     int
	TokensOut    int
	CostUSD      float64
	Status       string
	ErrorMessage string
	Timestamp    time.Time

	// seq is the arrival order within the run, assigned by the recorder.
	// It breaks ordering ties between events with equal timestamps.
	seq int
}

func (e Event) Seq() int { return e.seq }

func (e Event) PayloadJSON() string {
	if e.Payload == nil {
		return "{}"
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return "{}"
	}
	return string(data)
}
