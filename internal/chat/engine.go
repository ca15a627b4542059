package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ragops/backend/internal/metrics"
	"github.com/ragops/backend/internal/retrieval"
	"github.com/ragops/backend/internal/storage/models"
	"github.com/ragops/backend/internal/synthesis"
	"github.com/ragops/backend/internal/trace"
	"github.com/ragops/backend/pkg/logger"
)

const searchCorpusTool = "search_corpus"

type Retriever interface {
	Retrieve(ctx context.Context, tracer *trace.Tracer, query string) ([]retrieval.Candidate, error)
}

type Answerer interface {
	Answer(ctx context.Context, tracer *trace.Tracer, query string, evidence []retrieval.Candidate, history []models.ChatMessage) (*synthesis.Result, error)
	AnswerStream(ctx context.Context, tracer *trace.Tracer, query string, evidence []retrieval.Candidate, history []models.ChatMessage) (<-chan synthesis.StreamEvent, error)
}

type Store interface {
	InsertRun(run *models.Run) error
	InsertMessage(sessionID, runID string, msg models.ChatMessage) error
	GetSessionMessages(sessionID string, limit int) ([]models.ChatMessage, error)
	InsertTraceEvents(runID, sessionID string, events []trace.Event) error
}

type Config struct {
	HistoryLimit int
	Model        string
}

// Engine runs one conversational turn end to end: retrieve evidence, call
// the tool trace, synthesize the answer, persist everything.
type Engine struct {
	retriever    Retriever
	synth        Answerer
	recorder     *trace.Recorder
	store        Store
	historyLimit int
	model        string
}

func NewEngine(retriever Retriever, synth Answerer, recorder *trace.Recorder, store Store, cfg Config) *Engine {
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 20
	}
	return &Engine{
		retriever:    retriever,
		synth:        synth,
		recorder:     recorder,
		store:        store,
		historyLimit: historyLimit,
		model:        cfg.Model,
	}
}

func (e *Engine) ProcessTurn(ctx context.Context, req models.TurnRequest) (*models.TurnResult, error) {
	start := time.Now()

	runID, sessionID, tracer, history := e.beginTurn(req)

	evidence, toolCalls, err := e.retrieve(ctx, tracer, req.Message)
	if err != nil {
		e.flushTraces(runID, sessionID)
		metrics.TurnsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	result, err := e.synth.Answer(ctx, tracer, req.Message, evidence, history)
	if err != nil {
		tracer.LogError("generation", err.Error())
		e.flushTraces(runID, sessionID)
		metrics.TurnsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	if err := e.store.InsertMessage(sessionID, runID, result.Message); err != nil {
		logger.Warn("Failed to persist assistant message", zap.Error(err))
	}
	e.flushTraces(runID, sessionID)

	e.recordTurnMetrics(result, len(evidence), time.Since(start), "sync")

	return &models.TurnResult{
		RunID:           runID,
		SessionID:       sessionID,
		Message:         result.Message,
		SchemaCompliant: result.SchemaCompliant,
		ToolCalls:       toolCalls,
		LatencyMS:       int(time.Since(start).Milliseconds()),
		TokensUsed:      result.TokensIn + result.TokensOut,
	}, nil
}

// StreamTurn is the streaming form of ProcessTurn. Persistence and trace
// flushing happen when the stream reaches its terminal event.
func (e *Engine) StreamTurn(ctx context.Context, req models.TurnRequest) (<-chan synthesis.StreamEvent, error) {
	start := time.Now()

	runID, sessionID, tracer, history := e.beginTurn(req)

	evidence, _, err := e.retrieve(ctx, tracer, req.Message)
	if err != nil {
		e.flushTraces(runID, sessionID)
		metrics.TurnsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	stream, err := e.synth.AnswerStream(ctx, tracer, req.Message, evidence, history)
	if err != nil {
		tracer.LogError("generation", err.Error())
		e.flushTraces(runID, sessionID)
		metrics.TurnsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	out := make(chan synthesis.StreamEvent, 16)

	go func() {
		defer close(out)
		defer e.flushTraces(runID, sessionID)

		for ev := range stream {
			switch ev.Type {
			case synthesis.StreamDone:
				if ev.Message != nil {
					if err := e.store.InsertMessage(sessionID, runID, *ev.Message); err != nil {
						logger.Warn("Failed to persist assistant message", zap.Error(err))
					}
					e.recordTurnMetrics(&synthesis.Result{
						Message:         *ev.Message,
						SchemaCompliant: ev.SchemaCompliant,
					}, len(evidence), time.Since(start), "stream")
				}
			case synthesis.StreamError:
				metrics.TurnsTotal.WithLabelValues("error").Inc()
			}

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// beginTurn allocates run identity, records the run and the user message,
// and loads conversation history.
func (e *Engine) beginTurn(req models.TurnRequest) (runID, sessionID string, tracer *trace.Tracer, history []models.ChatMessage) {
	sessionID = req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	runID = uuid.New().String()
	tracer = e.recorder.Tracer(runID, sessionID)

	if err := e.store.InsertRun(&models.Run{ID: runID, SessionID: sessionID, CreatedAt: time.Now()}); err != nil {
		logger.Warn("Failed to persist run", zap.Error(err))
	}

	history, err := e.store.GetSessionMessages(sessionID, e.historyLimit)
	if err != nil {
		logger.Warn("Failed to load session history", zap.Error(err))
		history = nil
	}

	userMsg := models.ChatMessage{Role: "user", Content: req.Message, Timestamp: time.Now()}
	if err := e.store.InsertMessage(sessionID, runID, userMsg); err != nil {
		logger.Warn("Failed to persist user message", zap.Error(err))
	}

	return runID, sessionID, tracer, history
}

func (e *Engine) retrieve(ctx context.Context, tracer *trace.Tracer, query string) ([]retrieval.Candidate, []models.ToolCall, error) {
	start := time.Now()

	evidence, err := e.retriever.Retrieve(ctx, tracer, query)
	if err != nil {
		tracer.LogError("retrieval", err.Error())
		return nil, nil, fmt.Errorf("turn failed: %w", err)
	}

	tracer.LogToolCall(searchCorpusTool,
		map[string]string{"query": query},
		fmt.Sprintf("%d passages", len(evidence)),
		int(time.Since(start).Milliseconds()),
	)

	toolCalls := []models.ToolCall{{Name: searchCorpusTool, Args: map[string]string{"query": query}}}
	return evidence, toolCalls, nil
}

// flushTraces moves the run's buffered events into storage and drops the
// in-memory copy.
func (e *Engine) flushTraces(runID, sessionID string) {
	events, err := e.recorder.Events(runID)
	if err != nil {
		return
	}
	if err := e.store.InsertTraceEvents(runID, sessionID, events); err != nil {
		logger.Warn("Failed to persist trace events", zap.String("run_id", runID), zap.Error(err))
		return
	}

	if summary, err := e.recorder.Summarize(runID); err == nil {
		logger.Debug("Turn trace flushed",
			zap.String("run_id", runID),
			zap.Int("events", summary.EventCount),
			zap.Int("total_tokens", summary.TotalTokens),
			zap.Float64("total_cost_usd", summary.TotalCostUSD),
			zap.Bool("has_errors", summary.HasErrors),
		)
	}
	e.recorder.Delete(runID)
}

func (e *Engine) recordTurnMetrics(result *synthesis.Result, evidenceCount int, elapsed time.Duration, mode string) {
	metrics.TurnDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
	metrics.RetrievalResultsCount.Observe(float64(evidenceCount))

	switch {
	case result.Message.IsRefusal:
		metrics.TurnsTotal.WithLabelValues("refusal").Inc()
		metrics.RefusalsTotal.WithLabelValues(result.Message.RefusalReason).Inc()
	default:
		metrics.TurnsTotal.WithLabelValues("success").Inc()
	}

	if !result.SchemaCompliant {
		metrics.SchemaViolationsTotal.Inc()
	}

	if result.TokensIn > 0 || result.TokensOut > 0 {
		metrics.LLMTokensUsed.WithLabelValues(e.model, "prompt").Add(float64(result.TokensIn))
		metrics.LLMTokensUsed.WithLabelValues(e.model, "completion").Add(float64(result.TokensOut))
		metrics.LLMCost.WithLabelValues(e.model).Add(result.CostUSD)
	}
}
