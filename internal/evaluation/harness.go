package evaluation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ragops/backend/internal/metrics"
	"github.com/ragops/backend/internal/storage/models"
	"github.com/ragops/backend/pkg/logger"
)

const defaultCaseTimeout = 2 * time.Minute

// Runner executes one conversational turn. The chat engine satisfies it.
type Runner interface {
	ProcessTurn(ctx context.Context, req models.TurnRequest) (*models.TurnResult, error)
}

type Store interface {
	InsertEvalRun(run *models.EvalRun) error
	UpdateEvalRun(run *models.EvalRun) error
	InsertEvalResult(result *models.EvalResult) error
	GetEvalRun(evalID string) (*models.EvalRun, error)
	GetEvalResults(evalID string) ([]models.EvalResult, error)
	ListEvalRuns(limit int) ([]models.EvalRun, error)
	DeleteEvalRun(evalID string) (int64, error)
}

// Harness runs evaluation datasets against the chat engine with a bounded
// worker pool. Runs move pending -> running -> completed/failed/cancelled
// and never leave a terminal state.
type Harness struct {
	runner      Runner
	scorer      Scorer
	store       Store
	library     *Library
	workers     int
	caseTimeout time.Duration

	mu     sync.Mutex
	active map[string]*activeRun
}

type activeRun struct {
	cancelled atomic.Bool
}

func NewHarness(runner Runner, scorer Scorer, store Store, library *Library, workers int) *Harness {
	if workers < 1 {
		workers = 1
	}
	return &Harness{
		runner:      runner,
		scorer:      scorer,
		store:       store,
		library:     library,
		workers:     workers,
		caseTimeout: defaultCaseTimeout,
		active:      make(map[string]*activeRun),
	}
}

// CreateRun validates the dataset, registers a pending run, and starts
// executing it in the background. A dataset problem fails the request
// before any run exists.
func (h *Harness) CreateRun(name, description, datasetName string) (*models.EvalRun, error) {
	dataset, err := h.library.Load(datasetName)
	if err != nil {
		return nil, err
	}

	run := &models.EvalRun{
		EvalID:      uuid.New().String(),
		Name:        name,
		Description: description,
		DatasetName: datasetName,
		TotalCases:  len(dataset.Cases),
		Status:      models.EvalStatusPending,
		CreatedAt:   time.Now(),
	}

	if err := h.store.InsertEvalRun(run); err != nil {
		return nil, fmt.Errorf("failed to create eval run: %w", err)
	}

	ar := &activeRun{}
	h.mu.Lock()
	h.active[run.EvalID] = ar
	h.mu.Unlock()

	go h.execute(run, dataset, ar)

	logger.Info("Eval run created",
		zap.String("eval_id", run.EvalID),
		zap.String("dataset", datasetName),
		zap.Int("cases", run.TotalCases),
	)

	return run, nil
}

func (h *Harness) execute(run *models.EvalRun, dataset *models.EvalDataset, ar *activeRun) {
	defer func() {
		h.mu.Lock()
		delete(h.active, run.EvalID)
		h.mu.Unlock()
	}()

	now := time.Now()
	run.StartedAt = &now
	run.Status = models.EvalStatusRunning
	if err := h.store.UpdateEvalRun(run); err != nil {
		logger.Error("Failed to mark eval run running", zap.String("eval_id", run.EvalID), zap.Error(err))
	}

	var (
		wg       sync.WaitGroup
		sem      = make(chan struct{}, h.workers)
		mu       sync.Mutex
		results  []models.EvalResult
		faultMsg string
	)

	for _, evalCase := range dataset.Cases {
		// Cancellation stops scheduling; in-flight cases run to completion.
		if ar.cancelled.Load() {
			break
		}

		sem <- struct{}{}
		// Cancellation may arrive while waiting for a free worker. The slot
		// must not start a new case in that window.
		if ar.cancelled.Load() {
			<-sem
			break
		}
		wg.Add(1)

		go func(c models.EvalCase) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					faultMsg = fmt.Sprintf("case %s: panic: %v", c.CaseID, r)
					mu.Unlock()
					ar.cancelled.Store(true)
				}
			}()

			result := h.runCase(run.EvalID, c)

			mu.Lock()
			results = append(results, result)
			run.CompletedCases = len(results)
			if err := h.store.InsertEvalResult(&result); err != nil {
				logger.Error("Failed to persist eval result", zap.String("eval_id", run.EvalID), zap.Error(err))
			}
			if err := h.store.UpdateEvalRun(run); err != nil {
				logger.Error("Failed to update eval progress", zap.String("eval_id", run.EvalID), zap.Error(err))
			}
			mu.Unlock()

			metrics.EvalCasesTotal.WithLabelValues(result.Status).Inc()
		}(evalCase)
	}

	wg.Wait()

	run.Metrics = Aggregate(results)
	done := time.Now()
	run.CompletedAt = &done
	switch {
	case faultMsg != "":
		run.Status = models.EvalStatusFailed
		run.ErrorMessage = faultMsg
	case ar.cancelled.Load():
		run.Status = models.EvalStatusCancelled
	default:
		run.Status = models.EvalStatusCompleted
	}

	if err := h.store.UpdateEvalRun(run); err != nil {
		logger.Error("Failed to finalize eval run", zap.String("eval_id", run.EvalID), zap.Error(err))
	}

	metrics.EvalRunsTotal.WithLabelValues(run.Status).Inc()

	logger.Info("Eval run finished",
		zap.String("eval_id", run.EvalID),
		zap.String("status", run.Status),
		zap.Int("completed_cases", run.CompletedCases),
	)
}

// runCase executes and scores a single case. Any failure is isolated into
// an errored result; it never takes the run down.
func (h *Harness) runCase(evalID string, evalCase models.EvalCase) models.EvalResult {
	result := models.EvalResult{
		EvalID:         evalID,
		CaseID:         evalCase.CaseID,
		Question:       evalCase.Question,
		ExpectedAnswer: evalCase.ExpectedAnswer,
		CreatedAt:      time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.caseTimeout)
	defer cancel()

	start := time.Now()
	turn, err := h.runner.ProcessTurn(ctx, models.TurnRequest{
		SessionID: "eval-" + uuid.New().String(),
		Message:   evalCase.Question,
	})
	result.LatencyMS = int(time.Since(start).Milliseconds())

	if err != nil {
		result.Status = models.CaseStatusError
		result.ErrorMessage = err.Error()
		logger.Warn("Eval case errored",
			zap.String("eval_id", evalID),
			zap.String("case_id", evalCase.CaseID),
			zap.Error(err),
		)
		return result
	}

	score := h.scorer.Score(turn, evalCase)

	result.ActualAnswer = turn.Message.Content
	result.Citations = turn.Message.Citations
	result.GroundednessScore = score.Groundedness
	result.HallucinationDetected = score.Hallucination
	result.SchemaCompliant = turn.SchemaCompliant
	result.ToolCallsCorrect = score.ToolsCorrect

	if turn.SchemaCompliant && !score.Hallucination && score.ToolsCorrect {
		result.Status = models.CaseStatusPassed
	} else {
		result.Status = models.CaseStatusFailed
	}

	return result
}

// Cancel requests a stop for a pending or running run. Terminal runs are
// rejected.
func (h *Harness) Cancel(evalID string) error {
	h.mu.Lock()
	ar, ok := h.active[evalID]
	h.mu.Unlock()

	if !ok {
		run, err := h.store.GetEvalRun(evalID)
		if err != nil {
			return err
		}
		if run == nil {
			return fmt.Errorf("eval run %s not found", evalID)
		}
		return fmt.Errorf("eval run %s is %s and cannot be cancelled", evalID, run.Status)
	}

	ar.cancelled.Store(true)
	logger.Info("Eval run cancellation requested", zap.String("eval_id", evalID))
	return nil
}

func (h *Harness) Get(evalID string) (*models.EvalRun, []models.EvalResult, error) {
	run, err := h.store.GetEvalRun(evalID)
	if err != nil {
		return nil, nil, err
	}
	if run == nil {
		return nil, nil, nil
	}

	results, err := h.store.GetEvalResults(evalID)
	if err != nil {
		return nil, nil, err
	}

	return run, results, nil
}

func (h *Harness) List(limit int) ([]models.EvalRun, error) {
	return h.store.ListEvalRuns(limit)
}

// Delete removes a terminal run and its results. Active runs must be
// cancelled first.
func (h *Harness) Delete(evalID string) (int64, error) {
	h.mu.Lock()
	_, running := h.active[evalID]
	h.mu.Unlock()

	if running {
		return 0, fmt.Errorf("eval run %s is still active", evalID)
	}

	return h.store.DeleteEvalRun(evalID)
}

func (h *Harness) Datasets() ([]DatasetInfo, error) {
	return h.library.List()
}
