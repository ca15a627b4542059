package synthesis

import (
	"context"
	"fmt"
	"time"

	"github.com/ragops/backend/internal/llm"
	"github.com/ragops/backend/internal/retrieval"
	"github.com/ragops/backend/internal/storage/models"
	"github.com/ragops/backend/internal/trace"
)

type StreamEventType string

const (
	StreamContent  StreamEventType = "content"
	StreamCitation StreamEventType = "citation"
	StreamDone     StreamEventType = "done"
	StreamError    StreamEventType = "error"
)

// StreamEvent is one element of a streamed answer. The stream ends with
// exactly one done or error event and the channel closes after it.
type StreamEvent struct {
	Type            StreamEventType  `json:"type"`
	RunID           string           `json:"run_id,omitempty"`
	SessionID       string           `json:"session_id,omitempty"`
	Content         string           `json:"content,omitempty"`
	Citation        *models.Citation `json:"citation,omitempty"`
	Message         *models.ChatMessage `json:"message,omitempty"`
	SchemaCompliant bool             `json:"schema_compliant"`
	Err             error            `json:"-"`
	Error           string           `json:"error,omitempty"`
}

// AnswerStream is the streaming form of Answer. Content deltas arrive as
// they are generated; a citation event fires the first time each valid tag
// appears in the accumulated text. Cancellation via ctx stops the stream
// without a terminal event. Streams are not restartable.
func (s *Synthesizer) AnswerStream(ctx context.Context, tracer *trace.Tracer, query string, evidence []retrieval.Candidate, history []models.ChatMessage) (<-chan StreamEvent, error) {
	runID := ""
	sessionID := ""
	if tracer != nil {
		runID = tracer.RunID()
		sessionID = tracer.SessionID()
	}

	if reason := s.refusalReason(evidence); reason != "" {
		msg := refusalMessage(reason)
		if tracer != nil {
			tracer.LogValidation("answer_schema", true, nil)
		}

		out := make(chan StreamEvent, 2)
		out <- StreamEvent{Type: StreamContent, RunID: runID, SessionID: sessionID, Content: msg.Content}
		out <- StreamEvent{Type: StreamDone, RunID: runID, SessionID: sessionID, Message: &msg, SchemaCompliant: true}
		close(out)
		return out, nil
	}

	user := fmt.Sprintf("Context:\n%s\n\nQuestion: %s", buildContext(evidence), query)

	start := time.Now()
	deltas, err := s.gen.GenerateStream(ctx, systemPrompt, user, history)
	if err != nil {
		return nil, fmt.Errorf("generation failed: %w", err)
	}

	out := make(chan StreamEvent, 16)

	go func() {
		defer close(out)

		var buffer string
		var tokensIn, tokensOut int
		emitted := make(map[int]bool)

		emit := func(ev StreamEvent) bool {
			ev.RunID = runID
			ev.SessionID = sessionID
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for delta := range deltas {
			if delta.Err != nil {
				if tracer != nil {
					tracer.LogError("generation", delta.Err.Error())
				}
				emit(StreamEvent{Type: StreamError, Err: delta.Err, Error: delta.Err.Error()})
				return
			}

			if delta.TokensIn > 0 || delta.TokensOut > 0 {
				tokensIn, tokensOut = delta.TokensIn, delta.TokensOut
			}
			if delta.Content == "" {
				continue
			}

			buffer += delta.Content
			if !emit(StreamEvent{Type: StreamContent, Content: delta.Content}) {
				return
			}

			for _, tag := range extractTags(buffer) {
				if emitted[tag] || tag < 1 || tag > len(evidence) {
					continue
				}
				emitted[tag] = true
				citation := toCitation(evidence[tag-1])
				if !emit(StreamEvent{Type: StreamCitation, Citation: &citation}) {
					return
				}
			}
		}

		if ctx.Err() != nil {
			return
		}

		if tracer != nil {
			tracer.LogModelCall(s.gen.Model(), buffer, len(history)+2,
				tokensIn, tokensOut, int(time.Since(start).Milliseconds()),
				llm.EstimateCost(s.gen.Model(), tokensIn, tokensOut))
		}

		result := s.finalize(buffer, evidence)
		if tracer != nil {
			var violations []string
			if result.Violation != nil {
				violations = result.Violation.Violations
			}
			tracer.LogValidation("answer_schema", result.SchemaCompliant, violations)
		}

		emit(StreamEvent{
			Type:            StreamDone,
			Message:         &result.Message,
			SchemaCompliant: result.SchemaCompliant,
		})
	}()

	return out, nil
}
