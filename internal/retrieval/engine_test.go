package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragops/backend/internal/storage/models"
	"github.com/ragops/backend/internal/trace"
)

type fakeEmbedder struct {
	calls int
	err   error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeIndex struct {
	candidates []Candidate
	err        error
	gotLimit   int
}

func (f *fakeIndex) Search(ctx context.Context, vector []float32, limit int) ([]Candidate, error) {
	f.gotLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	return f.candidates, nil
}

func (f *fakeIndex) Ping(ctx context.Context) error { return nil }

type fakeReranker struct {
	scores []float64
	err    error
}

func (f *fakeReranker) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.scores, nil
}

func (f *fakeReranker) Ping(ctx context.Context) error { return nil }

type fakeCache struct {
	stored map[string][]float32
}

func (f *fakeCache) GetEmbedding(ctx context.Context, text string) ([]float32, bool, error) {
	v, ok := f.stored[text]
	return v, ok, nil
}

func (f *fakeCache) SetEmbedding(ctx context.Context, text string, embedding []float32) error {
	f.stored[text] = embedding
	return nil
}

func makeCandidates(n int) []Candidate {
	out := make([]Candidate, n)
	for i := range out {
		out[i] = Candidate{
			Chunk: models.Chunk{
				ID:           fmt.Sprintf("chunk-%d", i),
				DocumentID:   "doc-1",
				DocumentName: "manual.pdf",
				ChunkIndex:   i,
				Content:      fmt.Sprintf("passage %d", i),
			},
			Score: 1.0 - float64(i)*0.1,
		}
	}
	return out
}

func TestNewEngineRejectsBadConfig(t *testing.T) {
	_, err := NewEngine(&fakeEmbedder{}, &fakeIndex{}, nil, nil, Config{TopK: 3, RerankTopK: 5})
	assert.Error(t, err)

	_, err = NewEngine(&fakeEmbedder{}, &fakeIndex{}, nil, nil, Config{TopK: 5, RerankTopK: 0})
	assert.Error(t, err)
}

func TestRetrieveTruncatesAndRanks(t *testing.T) {
	index := &fakeIndex{candidates: makeCandidates(10)}
	engine, err := NewEngine(&fakeEmbedder{}, index, nil, nil, Config{TopK: 10, RerankTopK: 5})
	require.NoError(t, err)

	out, err := engine.Retrieve(context.Background(), nil, "what is foo")
	require.NoError(t, err)

	assert.Equal(t, 10, index.gotLimit)
	require.Len(t, out, 5)
	for i, c := range out {
		assert.Equal(t, i+1, c.Rank)
		if i > 0 {
			assert.LessOrEqual(t, c.Score, out[i-1].Score)
		}
	}
}

func TestRetrieveEmptyIsNotAnError(t *testing.T) {
	engine, err := NewEngine(&fakeEmbedder{}, &fakeIndex{}, nil, nil, Config{TopK: 10, RerankTopK: 5})
	require.NoError(t, err)

	out, err := engine.Retrieve(context.Background(), nil, "obscure question")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRetrieveIndexFailureIsUnavailable(t *testing.T) {
	index := &fakeIndex{err: errors.New("connection refused")}
	engine, err := NewEngine(&fakeEmbedder{}, index, nil, nil, Config{TopK: 10, RerankTopK: 5})
	require.NoError(t, err)

	_, err = engine.Retrieve(context.Background(), nil, "what is foo")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRetrieveEmbeddingFailureIsUnavailable(t *testing.T) {
	engine, err := NewEngine(&fakeEmbedder{err: errors.New("api down")}, &fakeIndex{}, nil, nil, Config{TopK: 10, RerankTopK: 5})
	require.NoError(t, err)

	_, err = engine.Retrieve(context.Background(), nil, "what is foo")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRerankReordersByNewScores(t *testing.T) {
	candidates := makeCandidates(3)
	reranker := &fakeReranker{scores: []float64{0.2, 0.9, 0.5}}
	engine, err := NewEngine(&fakeEmbedder{}, &fakeIndex{candidates: candidates}, reranker, nil, Config{TopK: 3, RerankTopK: 3})
	require.NoError(t, err)

	out, err := engine.Retrieve(context.Background(), nil, "what is foo")
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, "chunk-1", out[0].Chunk.ID)
	assert.Equal(t, "chunk-2", out[1].Chunk.ID)
	assert.Equal(t, "chunk-0", out[2].Chunk.ID)
	assert.InDelta(t, 0.9, out[0].Score, 1e-9)
}

func TestRerankTiesKeepStageOneOrder(t *testing.T) {
	candidates := makeCandidates(3)
	reranker := &fakeReranker{scores: []float64{0.5, 0.5, 0.5}}
	engine, err := NewEngine(&fakeEmbedder{}, &fakeIndex{candidates: candidates}, reranker, nil, Config{TopK: 3, RerankTopK: 3})
	require.NoError(t, err)

	out, err := engine.Retrieve(context.Background(), nil, "what is foo")
	require.NoError(t, err)

	assert.Equal(t, "chunk-0", out[0].Chunk.ID)
	assert.Equal(t, "chunk-1", out[1].Chunk.ID)
	assert.Equal(t, "chunk-2", out[2].Chunk.ID)
}

func TestRerankFailureFallsBackToSearchOrder(t *testing.T) {
	candidates := makeCandidates(6)
	reranker := &fakeReranker{err: errors.New("rerank service down")}
	engine, err := NewEngine(&fakeEmbedder{}, &fakeIndex{candidates: candidates}, reranker, nil, Config{TopK: 6, RerankTopK: 4})
	require.NoError(t, err)

	out, err := engine.Retrieve(context.Background(), nil, "what is foo")
	require.NoError(t, err)
	require.Len(t, out, 4)
	assert.Equal(t, "chunk-0", out[0].Chunk.ID)
	assert.Equal(t, "chunk-3", out[3].Chunk.ID)
}

func TestEmbeddingCacheSkipsEmbedder(t *testing.T) {
	embedder := &fakeEmbedder{}
	cache := &fakeCache{stored: map[string][]float32{"what is foo": {0.5, 0.5}}}
	engine, err := NewEngine(embedder, &fakeIndex{}, nil, cache, Config{TopK: 10, RerankTopK: 5})
	require.NoError(t, err)

	_, err = engine.Retrieve(context.Background(), nil, "what is foo")
	require.NoError(t, err)
	assert.Zero(t, embedder.calls)

	_, err = engine.Retrieve(context.Background(), nil, "uncached question")
	require.NoError(t, err)
	assert.Equal(t, 1, embedder.calls)
	assert.Contains(t, cache.stored, "uncached question")
}

func TestRetrieveRecordsTraceEvent(t *testing.T) {
	recorder := trace.NewRecorder()
	tracer := recorder.Tracer("run-1", "session-1")

	engine, err := NewEngine(&fakeEmbedder{}, &fakeIndex{candidates: makeCandidates(2)}, nil, nil, Config{TopK: 5, RerankTopK: 5})
	require.NoError(t, err)

	_, err = engine.Retrieve(context.Background(), tracer, "what is foo")
	require.NoError(t, err)

	events, err := recorder.Events("run-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, trace.EventRetrieval, events[0].Type)
	assert.Contains(t, events[0].PayloadJSON(), `"result_count":2`)
}
