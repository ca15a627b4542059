package trace

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Recorder keeps an append-only event log per run. Runs come into
// existence on their first event and go away only via Delete.
type Recorder struct {
	mu   sync.Mutex
	runs map[string]*runLog
}

type runLog struct {
	sessionID string
	events    []Event
	nextSeq   int
}

type Summary struct {
	RunID           string         `json:"run_id"`
	SessionID       string         `json:"session_id,omitempty"`
	EventCount      int            `json:"event_count"`
	EventTypeCounts map[string]int `json:"event_type_counts"`
	TotalDurationMS int            `json:"total_duration_ms"`
	TotalTokens     int            `json:"total_tokens"`
	TotalCostUSD    float64        `json:"total_cost_usd"`
	HasErrors       bool           `json:"has_errors"`
}

func NewRecorder() *Recorder {
	return &Recorder{
		runs: make(map[string]*runLog),
	}
}

func (r *Recorder) Record(runID string, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Status == "" {
		ev.Status = StatusSuccess
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	log, ok := r.runs[runID]
	if !ok {
		log = &runLog{}
		r.runs[runID] = log
	}
	ev.seq = log.nextSeq
	log.nextSeq++
	log.events = append(log.events, ev)
}

// BindSession associates a session identifier with a run, creating the
// run if it does not exist yet.
func (r *Recorder) BindSession(runID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	log, ok := r.runs[runID]
	if !ok {
		log = &runLog{}
		r.runs[runID] = log
	}
	log.sessionID = sessionID
}

// Events returns the run's events ordered by timestamp, arrival order on
// ties.
func (r *Recorder) Events(runID string) ([]Event, error) {
	r.mu.Lock()
	log, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("run %s not found", runID)
	}
	events := make([]Event, len(log.events))
	copy(events, log.events)
	r.mu.Unlock()

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].seq < events[j].seq
		}
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

func (r *Recorder) Summarize(runID string) (*Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	log, ok := r.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s not found", runID)
	}

	summary := &Summary{
		RunID:           runID,
		SessionID:       log.sessionID,
		EventCount:      len(log.events),
		EventTypeCounts: make(map[string]int),
	}

	for _, ev := range log.events {
		summary.EventTypeCounts[string(ev.Type)]++
		summary.TotalDurationMS += ev.DurationMS
		summary.TotalTokens += ev.TokensIn + ev.TokensOut
		summary.TotalCostUSD += ev.CostUSD
		if ev.Status == StatusError {
			summary.HasErrors = true
		}
	}

	return summary, nil
}

func (r *Recorder) SessionID(runID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if log, ok := r.runs[runID]; ok {
		return log.sessionID
	}
	return ""
}

// Delete removes the whole run. Individual events are never removed.
func (r *Recorder) Delete(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}

// Tracer returns a convenience handle that records typed events against
// one run.
func (r *Recorder) Tracer(runID, sessionID string) *Tracer {
	r.BindSession(runID, sessionID)
	return &Tracer{recorder: r, runID: runID, sessionID: sessionID}
}

type Tracer struct {
	recorder  *Recorder
	runID     string
	sessionID string
}

func (t *Tracer) RunID() string     { return t.runID }
func (t *Tracer) SessionID() string { return t.sessionID }

func (t *Tracer) LogRetrieval(query string, resultCount, durationMS int) {
	t.recorder.Record(t.runID, Event{
		Type:       EventRetrieval,
		Name:       "vector_search",
		Payload:    RetrievalPayload{Query: query, ResultCount: resultCount},
		DurationMS: durationMS,
		Status:     StatusSuccess,
	})
}

func (t *Tracer) LogModelCall(model, responsePreview string, messageCount, tokensIn, tokensOut, durationMS int, costUSD float64) {
	if len(responsePreview) > 500 {
		responsePreview = responsePreview[:500]
	}
	t.recorder.Record(t.runID, Event{
		Type: EventModelCall,
		Name: model,
		Payload: ModelCallPayload{
			Model:           model,
			MessageCount:    messageCount,
			ResponsePreview: responsePreview,
		},
		DurationMS: durationMS,
		TokensIn:   tokensIn,
		TokensOut:  tokensOut,
		CostUSD:    costUSD,
		Status:     StatusSuccess,
	})
}

func (t *Tracer) LogToolCall(tool string, args map[string]string, outputPreview string, durationMS int) {
	if len(outputPreview) > 500 {
		outputPreview = outputPreview[:500]
	}
	t.recorder.Record(t.runID, Event{
		Type:       EventToolCall,
		Name:       tool,
		Payload:    ToolCallPayload{Tool: tool, Args: args, OutputPreview: outputPreview},
		DurationMS: durationMS,
		Status:     StatusSuccess,
	})
}

func (t *Tracer) LogValidation(check string, valid bool, errs []string) {
	status := StatusSuccess
	if !valid {
		status = StatusRetry
	}
	t.recorder.Record(t.runID, Event{
		Type:    EventValidation,
		Name:    check,
		Payload: ValidationPayload{Check: check, Valid: valid, Errors: errs},
		Status:  status,
	})
}

func (t *Tracer) LogError(kind, message string) {
	t.recorder.Record(t.runID, Event{
		Type:         EventError,
		Name:         kind,
		Payload:      ErrorPayload{Kind: kind},
		Status:       StatusError,
		ErrorMessage: message,
	})
}
