package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragops/backend/internal/retrieval"
	"github.com/ragops/backend/internal/storage/models"
	"github.com/ragops/backend/internal/synthesis"
	"github.com/ragops/backend/internal/trace"
)

type fakeRetriever struct {
	candidates []retrieval.Candidate
	err        error
}

func (f *fakeRetriever) Retrieve(ctx context.Context, tracer *trace.Tracer, query string) ([]retrieval.Candidate, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.candidates, nil
}

type fakeAnswerer struct {
	result      *synthesis.Result
	err         error
	gotHistory  []models.ChatMessage
	gotEvidence []retrieval.Candidate
}

func (f *fakeAnswerer) Answer(ctx context.Context, tracer *trace.Tracer, query string, evidence []retrieval.Candidate, history []models.ChatMessage) (*synthesis.Result, error) {
	f.gotHistory = history
	f.gotEvidence = evidence
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeAnswerer) AnswerStream(ctx context.Context, tracer *trace.Tracer, query string, evidence []retrieval.Candidate, history []models.ChatMessage) (<-chan synthesis.StreamEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(chan synthesis.StreamEvent, 2)
	out <- synthesis.StreamEvent{Type: synthesis.StreamContent, Content: f.result.Message.Content}
	out <- synthesis.StreamEvent{Type: synthesis.StreamDone, Message: &f.result.Message, SchemaCompliant: f.result.SchemaCompliant}
	close(out)
	return out, nil
}

type fakeStore struct {
	mu       sync.Mutex
	runs     []models.Run
	messages map[string][]models.ChatMessage
	traces   map[string][]trace.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages: make(map[string][]models.ChatMessage),
		traces:   make(map[string][]trace.Event),
	}
}

func (s *fakeStore) InsertRun(run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, *run)
	return nil
}

func (s *fakeStore) InsertMessage(sessionID, runID string, msg models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[sessionID] = append(s.messages[sessionID], msg)
	return nil
}

func (s *fakeStore) GetSessionMessages(sessionID string, limit int) ([]models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ChatMessage(nil), s.messages[sessionID]...), nil
}

func (s *fakeStore) InsertTraceEvents(runID, sessionID string, events []trace.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces[runID] = append(s.traces[runID], events...)
	return nil
}

func assistantResult() *synthesis.Result {
	return &synthesis.Result{
		Message: models.ChatMessage{
			Role:      "assistant",
			Content:   "Foo is a widget [1].",
			Citations: []models.Citation{{ChunkID: "chunk-0"}},
			Timestamp: time.Now(),
		},
		SchemaCompliant: true,
		TokensIn:        100,
		TokensOut:       40,
	}
}

func TestProcessTurnHappyPath(t *testing.T) {
	store := newFakeStore()
	retriever := &fakeRetriever{candidates: []retrieval.Candidate{{Chunk: models.Chunk{ID: "chunk-0"}, Score: 0.9}}}
	answerer := &fakeAnswerer{result: assistantResult()}
	engine := NewEngine(retriever, answerer, trace.NewRecorder(), store, Config{HistoryLimit: 10, Model: "test-model"})

	result, err := engine.ProcessTurn(context.Background(), models.TurnRequest{SessionID: "s1", Message: "what is foo"})
	require.NoError(t, err)

	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, "s1", result.SessionID)
	assert.True(t, result.SchemaCompliant)
	assert.Equal(t, 140, result.TokensUsed)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "search_corpus", result.ToolCalls[0].Name)
	assert.Equal(t, "what is foo", result.ToolCalls[0].Args["query"])

	// user and assistant messages persisted
	msgs := store.messages["s1"]
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)

	// traces flushed to storage
	events := store.traces[result.RunID]
	require.NotEmpty(t, events)
	assert.Equal(t, trace.EventToolCall, events[0].Type)
}

func TestProcessTurnGeneratesSessionID(t *testing.T) {
	store := newFakeStore()
	engine := NewEngine(
		&fakeRetriever{},
		&fakeAnswerer{result: assistantResult()},
		trace.NewRecorder(),
		store,
		Config{},
	)

	result, err := engine.ProcessTurn(context.Background(), models.TurnRequest{Message: "what is foo"})
	require.NoError(t, err)
	assert.NotEmpty(t, result.SessionID)
}

func TestProcessTurnRetrievalFailure(t *testing.T) {
	store := newFakeStore()
	retriever := &fakeRetriever{err: retrieval.ErrUnavailable}
	engine := NewEngine(retriever, &fakeAnswerer{}, trace.NewRecorder(), store, Config{})

	_, err := engine.ProcessTurn(context.Background(), models.TurnRequest{SessionID: "s1", Message: "what is foo"})
	require.Error(t, err)
	assert.ErrorIs(t, err, retrieval.ErrUnavailable)

	// the error event made it into the persisted trace
	require.Len(t, store.traces, 1)
	for _, events := range store.traces {
		require.NotEmpty(t, events)
		assert.Equal(t, trace.EventError, events[len(events)-1].Type)
	}
}

func TestProcessTurnPassesHistory(t *testing.T) {
	store := newFakeStore()
	store.messages["s1"] = []models.ChatMessage{
		{Role: "user", Content: "earlier question"},
		{Role: "assistant", Content: "earlier answer [1]."},
	}

	answerer := &fakeAnswerer{result: assistantResult()}
	engine := NewEngine(&fakeRetriever{}, answerer, trace.NewRecorder(), store, Config{HistoryLimit: 10})

	_, err := engine.ProcessTurn(context.Background(), models.TurnRequest{SessionID: "s1", Message: "follow-up"})
	require.NoError(t, err)

	require.Len(t, answerer.gotHistory, 2)
	assert.Equal(t, "earlier question", answerer.gotHistory[0].Content)
}

func TestStreamTurnPersistsOnDone(t *testing.T) {
	store := newFakeStore()
	answerer := &fakeAnswerer{result: assistantResult()}
	engine := NewEngine(&fakeRetriever{}, answerer, trace.NewRecorder(), store, Config{})

	stream, err := engine.StreamTurn(context.Background(), models.TurnRequest{SessionID: "s1", Message: "what is foo"})
	require.NoError(t, err)

	var last synthesis.StreamEvent
	for ev := range stream {
		last = ev
	}
	require.Equal(t, synthesis.StreamDone, last.Type)

	store.mu.Lock()
	defer store.mu.Unlock()
	msgs := store.messages["s1"]
	require.Len(t, msgs, 2)
	assert.Equal(t, "assistant", msgs[1].Role)
}
