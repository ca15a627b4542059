package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ragops/backend/internal/storage/models"
	"github.com/ragops/backend/internal/trace"
	"github.com/ragops/backend/pkg/logger"
)

// ErrUnavailable marks the vector index or the embedding capability as
// unreachable. Callers must treat it as fatal for the turn; it is not the
// same thing as an empty result set.
var ErrUnavailable = errors.New("retrieval unavailable")

type Candidate struct {
	Chunk models.Chunk
	Score float64
	Rank  int
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Index interface {
	Search(ctx context.Context, vector []float32, limit int) ([]Candidate, error)
	Ping(ctx context.Context) error
}

// Reranker scores (query, passage) pairs with a cross-encoder style
// relevance model. Optional capability.
type Reranker interface {
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
	Ping(ctx context.Context) error
}

// EmbeddingCache sits in front of the embedder for repeated queries.
// Optional capability.
type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, text string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, text string, embedding []float32) error
}

type Config struct {
	TopK       int
	RerankTopK int
}

type Engine struct {
	embedder Embedder
	index    Index
	reranker Reranker
	cache    EmbeddingCache

	topK       int
	rerankTopK int
}

func NewEngine(embedder Embedder, index Index, reranker Reranker, cache EmbeddingCache, cfg Config) (*Engine, error) {
	if cfg.TopK < cfg.RerankTopK {
		return nil, fmt.Errorf("topK (%d) must be >= rerankTopK (%d)", cfg.TopK, cfg.RerankTopK)
	}
	if cfg.RerankTopK < 1 {
		return nil, fmt.Errorf("rerankTopK must be >= 1, got %d", cfg.RerankTopK)
	}

	return &Engine{
		embedder:   embedder,
		index:      index,
		reranker:   reranker,
		cache:      cache,
		topK:       cfg.TopK,
		rerankTopK: cfg.RerankTopK,
	}, nil
}

// Retrieve runs candidate search plus the optional rerank pass and returns
// at most rerankTopK candidates in non-increasing score order. Ties keep
// the upstream stage's order.
func (e *Engine) Retrieve(ctx context.Context, tracer *trace.Tracer, query string) ([]Candidate, error) {
	start := time.Now()

	vector, err := e.embedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding failed: %v", ErrUnavailable, err)
	}

	candidates, err := e.index.Search(ctx, vector, e.topK)
	if err != nil {
		return nil, fmt.Errorf("%w: index search failed: %v", ErrUnavailable, err)
	}

	if e.reranker != nil && len(candidates) > 0 {
		candidates = e.rerank(ctx, query, candidates)
	}

	if len(candidates) > e.rerankTopK {
		candidates = candidates[:e.rerankTopK]
	}
	for i := range candidates {
		candidates[i].Rank = i + 1
	}

	durationMS := int(time.Since(start).Milliseconds())
	if tracer != nil {
		tracer.LogRetrieval(query, len(candidates), durationMS)
	}

	logger.Debug("Retrieval completed",
		zap.String("query", query),
		zap.Int("candidates", len(candidates)),
		zap.Int("duration_ms", durationMS),
	)

	return candidates, nil
}

func (e *Engine) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if e.cache != nil {
		vector, hit, err := e.cache.GetEmbedding(ctx, query)
		if err != nil {
			logger.Warn("Embedding cache read failed", zap.Error(err))
		} else if hit {
			return vector, nil
		}
	}

	vector, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		if err := e.cache.SetEmbedding(ctx, query, vector); err != nil {
			logger.Warn("Embedding cache write failed", zap.Error(err))
		}
	}

	return vector, nil
}

// rerank re-scores candidates and stable-sorts them by the new scores. A
// reranker failure degrades to stage-1 order rather than failing the turn.
func (e *Engine) rerank(ctx context.Context, query string, candidates []Candidate) []Candidate {
	passages := make([]string, len(candidates))
	for i, c := range candidates {
		passages[i] = c.Chunk.Content
	}

	scores, err := e.reranker.Score(ctx, query, passages)
	if err != nil || len(scores) != len(candidates) {
		logger.Warn("Rerank failed, keeping candidate search order", zap.Error(err))
		return candidates
	}

	reranked := make([]Candidate, len(candidates))
	copy(reranked, candidates)
	for i := range reranked {
		reranked[i].Score = scores[i]
	}

	sort.SliceStable(reranked, func(i, j int) bool {
		return reranked[i].Score > reranked[j].Score
	})

	return reranked
}

// Ready reports whether the vector index answers a ping.
func (e *Engine) Ready(ctx context.Context) error {
	return e.index.Ping(ctx)
}

// RerankerReady reports reranker reachability; nil reranker means the
// stage is simply not configured.
func (e *Engine) RerankerReady(ctx context.Context) (bool, error) {
	if e.reranker == nil {
		return false, nil
	}
	return true, e.reranker.Ping(ctx)
}
