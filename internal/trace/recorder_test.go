package trace

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCreatesRunOnFirstEvent(t *testing.T) {
	r := NewRecorder()

	_, err := r.Events("run-1")
	require.Error(t, err)

	r.Record("run-1", Event{Type: EventRetrieval, Name: "vector_search"})

	events, err := r.Events("run-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventRetrieval, events[0].Type)
	assert.Equal(t, StatusSuccess, events[0].Status)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestEventsOrderedByTimestampThenArrival(t *testing.T) {
	r := NewRecorder()
	ts := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	r.Record("run-1", Event{Type: EventModelCall, Name: "second", Timestamp: ts.Add(time.Second)})
	r.Record("run-1", Event{Type: EventRetrieval, Name: "first", Timestamp: ts})
	r.Record("run-1", Event{Type: EventToolCall, Name: "tied-a", Timestamp: ts.Add(2 * time.Second)})
	r.Record("run-1", Event{Type: EventValidation, Name: "tied-b", Timestamp: ts.Add(2 * time.Second)})

	events, err := r.Events("run-1")
	require.NoError(t, err)
	require.Len(t, events, 4)

	assert.Equal(t, "first", events[0].Name)
	assert.Equal(t, "second", events[1].Name)
	// equal timestamps keep arrival order
	assert.Equal(t, "tied-a", events[2].Name)
	assert.Equal(t, "tied-b", events[3].Name)
}

func TestSummarizeTotalsAndIdempotence(t *testing.T) {
	r := NewRecorder()
	r.BindSession("run-1", "session-9")

	r.Record("run-1", Event{Type: EventRetrieval, DurationMS: 30})
	r.Record("run-1", Event{Type: EventModelCall, DurationMS: 500, TokensIn: 100, TokensOut: 50, CostUSD: 0.002})
	r.Record("run-1", Event{Type: EventError, Status: StatusError, ErrorMessage: "boom"})

	first, err := r.Summarize("run-1")
	require.NoError(t, err)

	assert.Equal(t, "session-9", first.SessionID)
	assert.Equal(t, 3, first.EventCount)
	assert.Equal(t, 530, first.TotalDurationMS)
	assert.Equal(t, 150, first.TotalTokens)
	assert.InDelta(t, 0.002, first.TotalCostUSD, 1e-9)
	assert.True(t, first.HasErrors)
	assert.Equal(t, 1, first.EventTypeCounts["retrieval"])
	assert.Equal(t, 1, first.EventTypeCounts["model_call"])

	second, err := r.Summarize("run-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSummarizeUnknownRun(t *testing.T) {
	r := NewRecorder()

	_, err := r.Summarize("missing")
	assert.Error(t, err)
}

func TestConcurrentWriters(t *testing.T) {
	r := NewRecorder()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Record("run-1", Event{Type: EventToolCall, Name: "search_corpus"})
			}
		}()
	}
	wg.Wait()

	events, err := r.Events("run-1")
	require.NoError(t, err)
	assert.Len(t, events, 1000)

	// arrival sequence numbers are unique
	seen := make(map[int]bool)
	for _, ev := range events {
		assert.False(t, seen[ev.Seq()])
		seen[ev.Seq()] = true
	}
}

func TestDeleteRemovesWholeRun(t *testing.T) {
	r := NewRecorder()
	r.Record("run-1", Event{Type: EventRetrieval})

	r.Delete("run-1")

	_, err := r.Events("run-1")
	assert.Error(t, err)
}

func TestTracerTypedEvents(t *testing.T) {
	r := NewRecorder()
	tracer := r.Tracer("run-1", "session-1")

	tracer.LogRetrieval("what is foo", 5, 42)
	tracer.LogToolCall("search_corpus", map[string]string{"query": "what is foo"}, "5 passages", 42)
	tracer.LogModelCall("gpt-4o-mini", "answer [1]", 2, 120, 40, 900, 0.0001)
	tracer.LogValidation("answer_schema", false, []string{"citation tag [7] does not match any source (1-5)"})
	tracer.LogError("retrieval", "index down")

	events, err := r.Events("run-1")
	require.NoError(t, err)
	require.Len(t, events, 5)

	assert.Equal(t, EventRetrieval, events[0].Type)
	assert.Equal(t, "vector_search", events[0].Name)
	assert.Contains(t, events[0].PayloadJSON(), `"result_count":5`)

	assert.Equal(t, EventToolCall, events[1].Type)
	assert.Equal(t, EventModelCall, events[2].Type)
	assert.Equal(t, 120, events[2].TokensIn)

	assert.Equal(t, EventValidation, events[3].Type)
	assert.Equal(t, StatusRetry, events[3].Status)

	assert.Equal(t, EventError, events[4].Type)
	assert.Equal(t, StatusError, events[4].Status)
	assert.Equal(t, "index down", events[4].ErrorMessage)

	assert.Equal(t, "session-1", r.SessionID("run-1"))
}

func TestModelCallPreviewTruncated(t *testing.T) {
	r := NewRecorder()
	tracer := r.Tracer("run-1", "")

	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'a'
	}
	tracer.LogModelCall("gpt-4o-mini", string(long), 2, 0, 0, 0, 0)

	events, err := r.Events("run-1")
	require.NoError(t, err)

	payload := events[0].Payload.(ModelCallPayload)
	assert.Len(t, payload.ResponsePreview, 500)
}
