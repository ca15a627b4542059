package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/ragops/backend/internal/storage/models"
	"github.com/ragops/backend/internal/trace"
	"github.com/ragops/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		run_id TEXT,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		citations TEXT,
		is_refusal INTEGER DEFAULT 0,
		refusal_reason TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
	CREATE INDEX IF NOT EXISTS idx_messages_run ON messages(run_id);

	CREATE TABLE IF NOT EXISTS trace_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		session_id TEXT,
		event_type TEXT NOT NULL,
		event_name TEXT NOT NULL,
		event_data TEXT,
		duration_ms INTEGER DEFAULT 0,
		tokens_in INTEGER DEFAULT 0,
		tokens_out INTEGER DEFAULT 0,
		cost_usd REAL DEFAULT 0,
		status TEXT NOT NULL,
		error_message TEXT,
		seq INTEGER NOT NULL,
		timestamp_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trace_run ON trace_events(run_id);
	CREATE INDEX IF NOT EXISTS idx_trace_session ON trace_events(session_id);
	CREATE INDEX IF NOT EXISTS idx_trace_type ON trace_events(event_type);

	CREATE TABLE IF NOT EXISTS eval_runs (
		eval_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		dataset_name TEXT NOT NULL,
		total_cases INTEGER NOT NULL,
		completed_cases INTEGER DEFAULT 0,
		status TEXT NOT NULL,
		error_message TEXT,
		groundedness_score REAL,
		hallucination_rate REAL,
		schema_compliance REAL,
		tool_correctness REAL,
		latency_p95_ms REAL,
		started_at INTEGER,
		completed_at INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_eval_runs_status ON eval_runs(status);
	CREATE INDEX IF NOT EXISTS idx_eval_runs_created ON eval_runs(created_at);

	CREATE TABLE IF NOT EXISTS eval_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		eval_id TEXT NOT NULL,
		case_id TEXT NOT NULL,
		question TEXT NOT NULL,
		expected_answer TEXT,
		actual_answer TEXT,
		citations TEXT,
		groundedness_score REAL DEFAULT 0,
		hallucination_detected INTEGER DEFAULT 0,
		schema_compliant INTEGER DEFAULT 0,
		tool_calls_correct INTEGER DEFAULT 0,
		latency_ms INTEGER DEFAULT 0,
		status TEXT NOT NULL,
		error_message TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (eval_id) REFERENCES eval_runs(eval_id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_eval_results_eval ON eval_results(eval_id);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) InsertRun(run *models.Run) error {
	query := `INSERT INTO runs (id, session_id, created_at) VALUES (?, ?, ?)`

	_, err := c.db.Exec(query, run.ID, run.SessionID, run.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	return nil
}

func (c *Client) InsertMessage(sessionID, runID string, msg models.ChatMessage) error {
	citationsJSON, _ := json.Marshal(msg.Citations)

	isRefusal := 0
	if msg.IsRefusal {
		isRefusal = 1
	}

	query := `
		INSERT INTO messages (session_id, run_id, role, content, citations, is_refusal, refusal_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.Exec(
		query,
		sessionID,
		runID,
		msg.Role,
		msg.Content,
		string(citationsJSON),
		isRefusal,
		msg.RefusalReason,
		msg.Timestamp.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	return nil
}

// GetSessionMessages returns the most recent messages for a session in
// chronological order.
func (c *Client) GetSessionMessages(sessionID string, limit int) ([]models.ChatMessage, error) {
	query := `
		SELECT role, content, citations, is_refusal, refusal_reason, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := c.db.Query(query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get session messages: %w", err)
	}
	defer rows.Close()

	var messages []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		var citationsJSON sql.NullString
		var refusalReason sql.NullString
		var isRefusal int
		var createdAt int64

		err := rows.Scan(&m.Role, &m.Content, &citationsJSON, &isRefusal, &refusalReason, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		if citationsJSON.Valid && citationsJSON.String != "" && citationsJSON.String != "null" {
			json.Unmarshal([]byte(citationsJSON.String), &m.Citations)
		}
		m.IsRefusal = isRefusal == 1
		m.RefusalReason = refusalReason.String
		m.Timestamp = time.Unix(createdAt, 0)

		messages = append(messages, m)
	}

	// reverse to chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// InsertTraceEvents persists a run's events in one transaction.
func (c *Client) InsertTraceEvents(runID, sessionID string, events []trace.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO trace_events (run_id, session_id, event_type, event_name, event_data,
			duration_ms, tokens_in, tokens_out, cost_usd, status, error_message, seq, timestamp_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		_, err := stmt.Exec(
			runID,
			sessionID,
			string(ev.Type),
			ev.Name,
			ev.PayloadJSON(),
			ev.DurationMS,
			ev.TokensIn,
			ev.TokensOut,
			ev.CostUSD,
			ev.Status,
			ev.ErrorMessage,
			ev.Seq(),
			ev.Timestamp.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert trace event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit trace events: %w", err)
	}

	logger.Debug("Trace events persisted", zap.String("run_id", runID), zap.Int("count", len(events)))
	return nil
}

type TraceEventRow struct {
	RunID        string  `json:"run_id"`
	SessionID    string  `json:"session_id,omitempty"`
	EventType    string  `json:"event_type"`
	EventName    string  `json:"event_name"`
	EventData    string  `json:"event_data"`
	DurationMS   int     `json:"duration_ms"`
	TokensIn     int     `json:"tokens_in"`
	TokensOut    int     `json:"tokens_out"`
	CostUSD      float64 `json:"cost_usd"`
	Status       string  `json:"status"`
	ErrorMessage string  `json:"error_message,omitempty"`
	TimestampMS  int64   `json:"timestamp_ms"`
}

type TraceRunRow struct {
	RunID       string `json:"run_id"`
	SessionID   string `json:"session_id,omitempty"`
	EventCount  int    `json:"event_count"`
	FirstEvent  int64  `json:"first_event_ms"`
	LastEvent   int64  `json:"last_event_ms"`
	ErrorEvents int    `json:"error_events"`
}

// ListTraceRuns groups persisted events by run, optionally filtered by
// session and event type, newest first.
func (c *Client) ListTraceRuns(sessionID, eventType string, limit int) ([]TraceRunRow, error) {
	query := `
		SELECT run_id, COALESCE(session_id, ''), COUNT(*),
			MIN(timestamp_ms), MAX(timestamp_ms),
			SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END)
		FROM trace_events
		WHERE (? = '' OR session_id = ?)
		  AND (? = '' OR event_type = ?)
		GROUP BY run_id
		ORDER BY MAX(timestamp_ms) DESC
		LIMIT ?
	`

	rows, err := c.db.Query(query, sessionID, sessionID, eventType, eventType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list trace runs: %w", err)
	}
	defer rows.Close()

	var runs []TraceRunRow
	for rows.Next() {
		var r TraceRunRow
		err := rows.Scan(&r.RunID, &r.SessionID, &r.EventCount, &r.FirstEvent, &r.LastEvent, &r.ErrorEvents)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		runs = append(runs, r)
	}

	return runs, nil
}

// GetTraceEvents returns a run's persisted events ordered by timestamp,
// insertion order on ties.
func (c *Client) GetTraceEvents(runID, eventType string) ([]TraceEventRow, error) {
	query := `
		SELECT run_id, COALESCE(session_id, ''), event_type, event_name, COALESCE(event_data, '{}'),
			duration_ms, tokens_in, tokens_out, cost_usd, status, COALESCE(error_message, ''), timestamp_ms
		FROM trace_events
		WHERE run_id = ?
		  AND (? = '' OR event_type = ?)
		ORDER BY timestamp_ms ASC, seq ASC
	`

	rows, err := c.db.Query(query, runID, eventType, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to get trace events: %w", err)
	}
	defer rows.Close()

	var events []TraceEventRow
	for rows.Next() {
		var e TraceEventRow
		err := rows.Scan(&e.RunID, &e.SessionID, &e.EventType, &e.EventName, &e.EventData,
			&e.DurationMS, &e.TokensIn, &e.TokensOut, &e.CostUSD, &e.Status, &e.ErrorMessage, &e.TimestampMS)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		events = append(events, e)
	}

	return events, nil
}

func (c *Client) DeleteTraceRun(runID string) (int64, error) {
	result, err := c.db.Exec(`DELETE FROM trace_events WHERE run_id = ?`, runID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete trace run: %w", err)
	}
	deleted, _ := result.RowsAffected()
	return deleted, nil
}

func (c *Client) InsertEvalRun(run *models.EvalRun) error {
	query := `
		INSERT INTO eval_runs (eval_id, name, description, dataset_name, total_cases, completed_cases, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.Exec(
		query,
		run.EvalID,
		run.Name,
		run.Description,
		run.DatasetName,
		run.TotalCases,
		run.CompletedCases,
		run.Status,
		run.CreatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert eval run: %w", err)
	}

	return nil
}

func (c *Client) UpdateEvalRun(run *models.EvalRun) error {
	var groundedness, hallucination, schemaCompliance, toolCorrectness, latencyP95 sql.NullFloat64
	if run.Metrics != nil {
		groundedness = sql.NullFloat64{Float64: run.Metrics.GroundednessScore, Valid: true}
		hallucination = sql.NullFloat64{Float64: run.Metrics.HallucinationRate, Valid: true}
		schemaCompliance = sql.NullFloat64{Float64: run.Metrics.SchemaCompliance, Valid: true}
		toolCorrectness = sql.NullFloat64{Float64: run.Metrics.ToolCorrectness, Valid: true}
		latencyP95 = sql.NullFloat64{Float64: run.Metrics.LatencyP95MS, Valid: true}
	}

	var startedAt, completedAt sql.NullInt64
	if run.StartedAt != nil {
		startedAt = sql.NullInt64{Int64: run.StartedAt.Unix(), Valid: true}
	}
	if run.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: run.CompletedAt.Unix(), Valid: true}
	}

	query := `
		UPDATE eval_runs SET
			completed_cases = ?,
			status = ?,
			error_message = ?,
			groundedness_score = ?,
			hallucination_rate = ?,
			schema_compliance = ?,
			tool_correctness = ?,
			latency_p95_ms = ?,
			started_at = ?,
			completed_at = ?
		WHERE eval_id = ?
	`

	_, err := c.db.Exec(
		query,
		run.CompletedCases,
		run.Status,
		run.ErrorMessage,
		groundedness,
		hallucination,
		schemaCompliance,
		toolCorrectness,
		latencyP95,
		startedAt,
		completedAt,
		run.EvalID,
	)

	if err != nil {
		return fmt.Errorf("failed to update eval run: %w", err)
	}

	return nil
}

func (c *Client) InsertEvalResult(result *models.EvalResult) error {
	citationsJSON, _ := json.Marshal(result.Citations)

	hallucination := 0
	if result.HallucinationDetected {
		hallucination = 1
	}
	schemaCompliant := 0
	if result.SchemaCompliant {
		schemaCompliant = 1
	}
	toolsCorrect := 0
	if result.ToolCallsCorrect {
		toolsCorrect = 1
	}

	query := `
		INSERT INTO eval_results (eval_id, case_id, question, expected_answer, actual_answer, citations,
			groundedness_score, hallucination_detected, schema_compliant, tool_calls_correct,
			latency_ms, status, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.Exec(
		query,
		result.EvalID,
		result.CaseID,
		result.Question,
		result.ExpectedAnswer,
		result.ActualAnswer,
		string(citationsJSON),
		result.GroundednessScore,
		hallucination,
		schemaCompliant,
		toolsCorrect,
		result.LatencyMS,
		result.Status,
		result.ErrorMessage,
		result.CreatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert eval result: %w", err)
	}

	return nil
}

func (c *Client) GetEvalRun(evalID string) (*models.EvalRun, error) {
	query := `
		SELECT eval_id, name, COALESCE(description, ''), dataset_name, total_cases, completed_cases,
			status, COALESCE(error_message, ''), groundedness_score, hallucination_rate,
			schema_compliance, tool_correctness, latency_p95_ms, started_at, completed_at, created_at
		FROM eval_runs
		WHERE eval_id = ?
	`

	row := c.db.QueryRow(query, evalID)
	run, err := scanEvalRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get eval run: %w", err)
	}

	return run, nil
}

func (c *Client) ListEvalRuns(limit int) ([]models.EvalRun, error) {
	query := `
		SELECT eval_id, name, COALESCE(description, ''), dataset_name, total_cases, completed_cases,
			status, COALESCE(error_message, ''), groundedness_score, hallucination_rate,
			schema_compliance, tool_correctness, latency_p95_ms, started_at, completed_at, created_at
		FROM eval_runs
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := c.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list eval runs: %w", err)
	}
	defer rows.Close()

	var runs []models.EvalRun
	for rows.Next() {
		run, err := scanEvalRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		runs = append(runs, *run)
	}

	return runs, nil
}

func scanEvalRun(scan func(dest ...interface{}) error) (*models.EvalRun, error) {
	var run models.EvalRun
	var groundedness, hallucination, schemaCompliance, toolCorrectness, latencyP95 sql.NullFloat64
	var startedAt, completedAt sql.NullInt64
	var createdAt int64

	err := scan(
		&run.EvalID,
		&run.Name,
		&run.Description,
		&run.DatasetName,
		&run.TotalCases,
		&run.CompletedCases,
		&run.Status,
		&run.ErrorMessage,
		&groundedness,
		&hallucination,
		&schemaCompliance,
		&toolCorrectness,
		&latencyP95,
		&startedAt,
		&completedAt,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	if groundedness.Valid {
		run.Metrics = &models.EvalMetrics{
			GroundednessScore: groundedness.Float64,
			HallucinationRate: hallucination.Float64,
			SchemaCompliance:  schemaCompliance.Float64,
			ToolCorrectness:   toolCorrectness.Float64,
			LatencyP95MS:      latencyP95.Float64,
		}
	}
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0)
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		run.CompletedAt = &t
	}
	run.CreatedAt = time.Unix(createdAt, 0)

	return &run, nil
}

func (c *Client) GetEvalResults(evalID string) ([]models.EvalResult, error) {
	query := `
		SELECT id, eval_id, case_id, question, COALESCE(expected_answer, ''), COALESCE(actual_answer, ''),
			COALESCE(citations, ''), groundedness_score, hallucination_detected, schema_compliant,
			tool_calls_correct, latency_ms, status, COALESCE(error_message, ''), created_at
		FROM eval_results
		WHERE eval_id = ?
		ORDER BY id ASC
	`

	rows, err := c.db.Query(query, evalID)
	if err != nil {
		return nil, fmt.Errorf("failed to get eval results: %w", err)
	}
	defer rows.Close()

	var results []models.EvalResult
	for rows.Next() {
		var r models.EvalResult
		var citationsJSON string
		var hallucination, schemaCompliant, toolsCorrect int
		var createdAt int64

		err := rows.Scan(&r.ID, &r.EvalID, &r.CaseID, &r.Question, &r.ExpectedAnswer, &r.ActualAnswer,
			&citationsJSON, &r.GroundednessScore, &hallucination, &schemaCompliant,
			&toolsCorrect, &r.LatencyMS, &r.Status, &r.ErrorMessage, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		if citationsJSON != "" && citationsJSON != "null" {
			json.Unmarshal([]byte(citationsJSON), &r.Citations)
		}
		r.HallucinationDetected = hallucination == 1
		r.SchemaCompliant = schemaCompliant == 1
		r.ToolCallsCorrect = toolsCorrect == 1
		r.CreatedAt = time.Unix(createdAt, 0)

		results = append(results, r)
	}

	return results, nil
}

func (c *Client) DeleteEvalRun(evalID string) (int64, error) {
	result, err := c.db.Exec(`DELETE FROM eval_runs WHERE eval_id = ?`, evalID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete eval run: %w", err)
	}
	deleted, _ := result.RowsAffected()
	return deleted, nil
}
