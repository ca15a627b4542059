package evaluation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragops/backend/internal/storage/models"
)

type memStore struct {
	mu      sync.Mutex
	runs    map[string]models.EvalRun
	results map[string][]models.EvalResult
}

func newMemStore() *memStore {
	return &memStore{
		runs:    make(map[string]models.EvalRun),
		results: make(map[string][]models.EvalResult),
	}
}

func (s *memStore) InsertEvalRun(run *models.EvalRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.EvalID] = *run
	return nil
}

func (s *memStore) UpdateEvalRun(run *models.EvalRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.EvalID] = *run
	return nil
}

func (s *memStore) InsertEvalResult(result *models.EvalResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.EvalID] = append(s.results[result.EvalID], *result)
	return nil
}

func (s *memStore) GetEvalRun(evalID string) (*models.EvalRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[evalID]
	if !ok {
		return nil, nil
	}
	copied := run
	return &copied, nil
}

func (s *memStore) GetEvalResults(evalID string) ([]models.EvalResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.EvalResult(nil), s.results[evalID]...), nil
}

func (s *memStore) ListEvalRuns(limit int) ([]models.EvalRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var runs []models.EvalRun
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	return runs, nil
}

func (s *memStore) DeleteEvalRun(evalID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[evalID]; !ok {
		return 0, nil
	}
	delete(s.runs, evalID)
	delete(s.results, evalID)
	return 1, nil
}

type fakeRunner struct {
	delay  time.Duration
	failOn string
	block  chan struct{}

	mu      sync.Mutex
	started []string
}

func (f *fakeRunner) startedCases() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func (f *fakeRunner) ProcessTurn(ctx context.Context, req models.TurnRequest) (*models.TurnResult, error) {
	f.mu.Lock()
	f.started = append(f.started, req.Message)
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.failOn != "" && req.Message == f.failOn {
		return nil, errors.New("retrieval unavailable")
	}
	return &models.TurnResult{
		Message: models.ChatMessage{
			Role:      "assistant",
			Content:   "Foo is a widget [1].",
			Citations: []models.Citation{{ChunkID: "chunk-0", DocumentName: "manual.pdf"}},
		},
		SchemaCompliant: true,
		ToolCalls:       []models.ToolCall{{Name: "search_corpus"}},
		LatencyMS:       5,
	}, nil
}

func waitTerminal(t *testing.T, store *memStore, evalID string) models.EvalRun {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := store.GetEvalRun(evalID)
		require.NoError(t, err)
		if run != nil {
			switch run.Status {
			case models.EvalStatusCompleted, models.EvalStatusFailed, models.EvalStatusCancelled:
				return *run
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("eval run never reached a terminal state")
	return models.EvalRun{}
}

func fourCaseDataset(t *testing.T) *Library {
	dir := t.TempDir()
	writeDataset(t, dir, "basics", `{
		"cases": [
			{"case_id": "c1", "question": "What is foo?"},
			{"case_id": "c2", "question": "What is bar?"},
			{"case_id": "c3", "question": "break me"},
			{"case_id": "c4", "question": "What is baz?"}
		]
	}`)
	return NewLibrary(dir)
}

func TestRunCompletesWithCaseIsolation(t *testing.T) {
	store := newMemStore()
	runner := &fakeRunner{failOn: "break me"}
	h := NewHarness(runner, NewRuleScorer(GranularitySentence), store, fourCaseDataset(t), 2)

	created, err := h.CreateRun("smoke", "", "basics")
	require.NoError(t, err)
	assert.Equal(t, models.EvalStatusPending, created.Status)
	assert.Equal(t, 4, created.TotalCases)

	run := waitTerminal(t, store, created.EvalID)

	assert.Equal(t, models.EvalStatusCompleted, run.Status)
	// errored cases still count as completed
	assert.Equal(t, 4, run.CompletedCases)
	require.NotNil(t, run.StartedAt)
	require.NotNil(t, run.CompletedAt)

	results, err := store.GetEvalResults(created.EvalID)
	require.NoError(t, err)
	require.Len(t, results, 4)

	errored := 0
	for _, r := range results {
		if r.Status == models.CaseStatusError {
			errored++
			assert.NotEmpty(t, r.ErrorMessage)
		}
	}
	assert.Equal(t, 1, errored)

	// metrics computed over the three non-errored cases
	require.NotNil(t, run.Metrics)
	assert.InDelta(t, 1.0, run.Metrics.GroundednessScore, 1e-9)
	assert.InDelta(t, 1.0, run.Metrics.SchemaCompliance, 1e-9)
	assert.InDelta(t, 1.0, run.Metrics.ToolCorrectness, 1e-9)
	assert.Zero(t, run.Metrics.HallucinationRate)
}

func TestCancelStopsSchedulingKeepsPartialResults(t *testing.T) {
	dir := t.TempDir()
	writeDataset(t, dir, "slow", `{
		"cases": [
			{"case_id": "c1", "question": "q1"}, {"case_id": "c2", "question": "q2"},
			{"case_id": "c3", "question": "q3"}, {"case_id": "c4", "question": "q4"},
			{"case_id": "c5", "question": "q5"}, {"case_id": "c6", "question": "q6"},
			{"case_id": "c7", "question": "q7"}, {"case_id": "c8", "question": "q8"},
			{"case_id": "c9", "question": "q9"}, {"case_id": "c10", "question": "q10"}
		]
	}`)

	store := newMemStore()
	runner := &fakeRunner{delay: 50 * time.Millisecond}
	h := NewHarness(runner, NewRuleScorer(GranularitySentence), store, NewLibrary(dir), 1)

	created, err := h.CreateRun("slow", "", "slow")
	require.NoError(t, err)

	// wait until at least one case finished, then cancel
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		results, _ := store.GetEvalResults(created.EvalID)
		if len(results) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, h.Cancel(created.EvalID))

	run := waitTerminal(t, store, created.EvalID)

	assert.Equal(t, models.EvalStatusCancelled, run.Status)
	assert.Less(t, run.CompletedCases, 10)
	assert.Greater(t, run.CompletedCases, 0)

	results, err := store.GetEvalResults(created.EvalID)
	require.NoError(t, err)
	assert.Len(t, results, run.CompletedCases)
	require.NotNil(t, run.Metrics)
}

func TestCancelDoesNotStartQueuedCases(t *testing.T) {
	dir := t.TempDir()
	writeDataset(t, dir, "queued", `{
		"cases": [
			{"case_id": "c1", "question": "q1"},
			{"case_id": "c2", "question": "q2"},
			{"case_id": "c3", "question": "q3"}
		]
	}`)

	store := newMemStore()
	runner := &fakeRunner{block: make(chan struct{})}
	h := NewHarness(runner, NewRuleScorer(GranularitySentence), store, NewLibrary(dir), 1)

	created, err := h.CreateRun("queued", "", "queued")
	require.NoError(t, err)

	// wait until the first case is in flight, then cancel while it holds
	// the only worker
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(runner.startedCases()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, h.Cancel(created.EvalID))
	close(runner.block)

	run := waitTerminal(t, store, created.EvalID)

	assert.Equal(t, models.EvalStatusCancelled, run.Status)
	// the queued cases never start once cancellation was requested
	assert.Equal(t, []string{"q1"}, runner.startedCases())
	assert.Equal(t, 1, run.CompletedCases)
}

type panicScorer struct{}

func (panicScorer) Score(result *models.TurnResult, evalCase models.EvalCase) CaseScore {
	panic("scorer failure")
}

func TestWorkerPanicMarksRunFailed(t *testing.T) {
	store := newMemStore()
	h := NewHarness(&fakeRunner{}, panicScorer{}, store, fourCaseDataset(t), 2)

	created, err := h.CreateRun("smoke", "", "basics")
	require.NoError(t, err)

	run := waitTerminal(t, store, created.EvalID)

	assert.Equal(t, models.EvalStatusFailed, run.Status)
	assert.Contains(t, run.ErrorMessage, "panic")
	require.NotNil(t, run.CompletedAt)
}

func TestCancelTerminalRunRejected(t *testing.T) {
	store := newMemStore()
	h := NewHarness(&fakeRunner{}, NewRuleScorer(GranularitySentence), store, fourCaseDataset(t), 2)

	created, err := h.CreateRun("smoke", "", "basics")
	require.NoError(t, err)
	waitTerminal(t, store, created.EvalID)

	err = h.Cancel(created.EvalID)
	assert.Error(t, err)
}

func TestCancelUnknownRun(t *testing.T) {
	h := NewHarness(&fakeRunner{}, NewRuleScorer(GranularitySentence), newMemStore(), NewLibrary(t.TempDir()), 1)

	assert.Error(t, h.Cancel("nope"))
}

func TestCreateRunDatasetErrorIsFatal(t *testing.T) {
	store := newMemStore()
	h := NewHarness(&fakeRunner{}, NewRuleScorer(GranularitySentence), store, NewLibrary(t.TempDir()), 1)

	_, err := h.CreateRun("smoke", "", "missing")
	require.ErrorIs(t, err, ErrDatasetNotFound)
	assert.Empty(t, store.runs)
}

func TestDeleteRejectsActiveRun(t *testing.T) {
	dir := t.TempDir()
	writeDataset(t, dir, "slow", `{"cases": [{"case_id": "c1", "question": "q1"}, {"case_id": "c2", "question": "q2"}]}`)

	store := newMemStore()
	runner := &fakeRunner{delay: 200 * time.Millisecond}
	h := NewHarness(runner, NewRuleScorer(GranularitySentence), store, NewLibrary(dir), 1)

	created, err := h.CreateRun("slow", "", "slow")
	require.NoError(t, err)

	_, err = h.Delete(created.EvalID)
	assert.Error(t, err)

	waitTerminal(t, store, created.EvalID)

	deleted, err := h.Delete(created.EvalID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}
