package models

import "time"

type Chunk struct {
	ID           string `json:"chunk_id"`
	DocumentID   string `json:"document_id"`
	DocumentName string `json:"document_name"`
	ChunkIndex   int    `json:"chunk_index"`
	Content      string `json:"content"`
	PageNumber   int    `json:"page_number,omitempty"`
}

type Citation struct {
	DocumentID     string  `json:"document_id"`
	DocumentName   string  `json:"document_name"`
	ChunkID        string  `json:"chunk_id"`
	ChunkIndex     int     `json:"chunk_index"`
	Content        string  `json:"content"`
	PageNumber     int     `json:"page_number,omitempty"`
	RelevanceScore float64 `json:"relevance_score"`
}

type ChatMessage struct {
	Role          string     `json:"role"`
	Content       string     `json:"content"`
	Citations     []Citation `json:"citations,omitempty"`
	IsRefusal     bool       `json:"is_refusal"`
	RefusalReason string     `json:"refusal_reason,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
}

type ToolCall struct {
	Name string            `json:"name"`
	Args map[string]string `json:"args,omitempty"`
}

type TurnRequest struct {
	SessionID string
	Message   string
}

type TurnResult struct {
	RunID           string
	SessionID       string
	Message         ChatMessage
	SchemaCompliant bool
	ToolCalls       []ToolCall
	LatencyMS       int
	TokensUsed      int
}

type Run struct {
	ID        string
	SessionID string
	CreatedAt time.Time
}

type EvalCase struct {
	CaseID         string     `json:"case_id"`
	Question       string     `json:"question"`
	ExpectedAnswer string     `json:"expected_answer,omitempty"`
	ExpectedTools  []ToolCall `json:"expected_tools,omitempty"`
	OrderedTools   bool       `json:"ordered_tools,omitempty"`
	Category       string     `json:"category,omitempty"`
	Difficulty     string     `json:"difficulty,omitempty"`
}

type EvalDataset struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Cases       []EvalCase `json:"cases"`
}

const (
	EvalStatusPending   = "pending"
	EvalStatusRunning   = "running"
	EvalStatusCompleted = "completed"
	EvalStatusFailed    = "failed"
	EvalStatusCancelled = "cancelled"
)

const (
	CaseStatusPassed = "passed"
	CaseStatusFailed = "failed"
	CaseStatusError  = "error"
)

type EvalResult struct {
	ID                    int        `json:"-"`
	EvalID                string     `json:"-"`
	CaseID                string     `json:"case_id"`
	Question              string     `json:"question"`
	ExpectedAnswer        string     `json:"expected_answer,omitempty"`
	ActualAnswer          string     `json:"actual_answer,omitempty"`
	Citations             []Citation `json:"citations,omitempty"`
	GroundednessScore     float64    `json:"groundedness_score"`
	HallucinationDetected bool       `json:"hallucination_detected"`
	SchemaCompliant       bool       `json:"schema_compliant"`
	ToolCallsCorrect      bool       `json:"tool_calls_correct"`
	LatencyMS             int        `json:"latency_ms"`
	Status                string     `json:"status"`
	ErrorMessage          string     `json:"error_message,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

type EvalMetrics struct {
	GroundednessScore float64 `json:"groundedness_score"`
	HallucinationRate float64 `json:"hallucination_rate"`
	SchemaCompliance  float64 `json:"schema_compliance"`
	ToolCorrectness   float64 `json:"tool_correctness"`
	LatencyP95MS      float64 `json:"latency_p95_ms"`
}

type EvalRun struct {
	EvalID         string       `json:"eval_id"`
	Name           string       `json:"name"`
	Description    string       `json:"description,omitempty"`
	DatasetName    string       `json:"dataset_name"`
	TotalCases     int          `json:"total_cases"`
	CompletedCases int          `json:"completed_cases"`
	Status         string       `json:"status"`
	ErrorMessage   string       `json:"error_message,omitempty"`
	Metrics        *EvalMetrics `json:"metrics,omitempty"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}
