package synthesis

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ragops/backend/internal/llm"
	"github.com/ragops/backend/internal/retrieval"
	"github.com/ragops/backend/internal/storage/models"
	"github.com/ragops/backend/internal/trace"
	"github.com/ragops/backend/pkg/logger"
)

// RefusalPrefix marks an answer as a refusal. Both the refusal policy and
// the schema validator key off this exact prefix.
const RefusalPrefix = "I cannot answer"

const (
	RefusalNoResults    = "no_results"
	RefusalLowRelevance = "low_relevance"
	RefusalModel        = "model_refusal"
)

const systemPrompt = `You are a document question-answering assistant. Answer questions using ONLY the provided source passages.

Citation rules:
1. Every factual claim must cite its source with a bracketed tag such as [1] or [2].
2. The number in a tag refers to the matching [Source N] passage in the context.
3. Never cite a source number that does not appear in the context.
4. If the passages do not contain the answer, start your reply with "I cannot answer" and explain briefly. Do not guess.
5. Do not use knowledge from outside the provided passages.`

var citationTagPattern = regexp.MustCompile(`\[(\d+)\]`)

// SchemaViolationError reports answer schema problems. It is non-fatal:
// the answer content is still returned to the caller alongside it.
type SchemaViolationError struct {
	Violations []string
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("answer schema violations: %s", strings.Join(e.Violations, "; "))
}

// Generator is the slice of the LLM client the synthesizer needs.
type Generator interface {
	Generate(ctx context.Context, system, user string, history []models.ChatMessage) (*llm.Generation, error)
	GenerateStream(ctx context.Context, system, user string, history []models.ChatMessage) (<-chan llm.Delta, error)
	Model() string
}

type Result struct {
	Message         models.ChatMessage
	SchemaCompliant bool
	Violation       *SchemaViolationError
	TokensIn        int
	TokensOut       int
	CostUSD         float64
}

type Synthesizer struct {
	gen      Generator
	minScore float64
}

func NewSynthesizer(gen Generator, minScore float64) *Synthesizer {
	return &Synthesizer{gen: gen, minScore: minScore}
}

// Answer produces a citation-grounded answer from the evidence, or a
// refusal when the evidence cannot support one. Generation failure is the
// only fatal error; schema violations come back inside the Result.
func (s *Synthesizer) Answer(ctx context.Context, tracer *trace.Tracer, query string, evidence []retrieval.Candidate, history []models.ChatMessage) (*Result, error) {
	if reason := s.refusalReason(evidence); reason != "" {
		msg := refusalMessage(reason)
		if tracer != nil {
			tracer.LogValidation("answer_schema", true, nil)
		}
		logger.Debug("Refusing to answer", zap.String("reason", reason))
		return &Result{Message: msg, SchemaCompliant: true}, nil
	}

	user := fmt.Sprintf("Context:\n%s\n\nQuestion: %s", buildContext(evidence), query)

	start := time.Now()
	gen, err := s.gen.Generate(ctx, systemPrompt, user, history)
	if err != nil {
		return nil, fmt.Errorf("generation failed: %w", err)
	}

	if tracer != nil {
		tracer.LogModelCall(s.gen.Model(), gen.Content, len(history)+2,
			gen.TokensIn, gen.TokensOut, int(time.Since(start).Milliseconds()), gen.CostUSD)
	}

	result := s.finalize(gen.Content, evidence)
	result.TokensIn = gen.TokensIn
	result.TokensOut = gen.TokensOut
	result.CostUSD = gen.CostUSD

	if tracer != nil {
		var violations []string
		if result.Violation != nil {
			violations = result.Violation.Violations
		}
		tracer.LogValidation("answer_schema", result.SchemaCompliant, violations)
	}

	return result, nil
}

// finalize validates the generated content against the evidence and builds
// the outgoing message with its citations.
func (s *Synthesizer) finalize(content string, evidence []retrieval.Candidate) *Result {
	now := time.Now()

	if strings.HasPrefix(strings.TrimSpace(content), RefusalPrefix) {
		return &Result{
			Message: models.ChatMessage{
				Role:          "assistant",
				Content:       content,
				IsRefusal:     true,
				RefusalReason: RefusalModel,
				Timestamp:     now,
			},
			SchemaCompliant: true,
		}
	}

	var violations []string
	if strings.TrimSpace(content) == "" {
		violations = append(violations, "empty answer content")
	}

	tags := extractTags(content)
	citations := make([]models.Citation, 0, len(tags))
	for _, tag := range tags {
		if tag < 1 || tag > len(evidence) {
			violations = append(violations, fmt.Sprintf("citation tag [%d] does not match any source (1-%d)", tag, len(evidence)))
			continue
		}
		citations = append(citations, toCitation(evidence[tag-1]))
	}

	if len(citations) == 0 {
		violations = append(violations, "answer contains no valid citations")
		citations = nil
	}

	result := &Result{
		Message: models.ChatMessage{
			Role:      "assistant",
			Content:   content,
			Citations: citations,
			Timestamp: now,
		},
		SchemaCompliant: len(violations) == 0,
	}
	if len(violations) > 0 {
		result.Violation = &SchemaViolationError{Violations: violations}
	}
	return result
}

// refusalReason decides the refusal policy ahead of any model call.
func (s *Synthesizer) refusalReason(evidence []retrieval.Candidate) string {
	if len(evidence) == 0 {
		return RefusalNoResults
	}
	for _, c := range evidence {
		if c.Score >= s.minScore {
			return ""
		}
	}
	return RefusalLowRelevance
}

func refusalMessage(reason string) models.ChatMessage {
	content := RefusalPrefix + " this question based on the available documents."
	switch reason {
	case RefusalNoResults:
		content += " No relevant passages were found in the corpus."
	case RefusalLowRelevance:
		content += " The passages found were not sufficiently relevant to the question."
	}
	return models.ChatMessage{
		Role:          "assistant",
		Content:       content,
		IsRefusal:     true,
		RefusalReason: reason,
		Timestamp:     time.Now(),
	}
}

func buildContext(evidence []retrieval.Candidate) string {
	parts := make([]string, len(evidence))
	for i, c := range evidence {
		header := fmt.Sprintf("[Source %d] From '%s'", i+1, c.Chunk.DocumentName)
		if c.Chunk.PageNumber > 0 {
			header += fmt.Sprintf(" (Page %d)", c.Chunk.PageNumber)
		}
		parts[i] = header + ":\n" + c.Chunk.Content
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// extractTags returns the distinct citation tag numbers in first-occurrence
// order.
func extractTags(content string) []int {
	matches := citationTagPattern.FindAllStringSubmatch(content, -1)
	seen := make(map[int]bool)
	tags := make([]int, 0, len(matches))
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		tags = append(tags, n)
	}
	return tags
}

func toCitation(c retrieval.Candidate) models.Citation {
	return models.Citation{
		DocumentID:     c.Chunk.DocumentID,
		DocumentName:   c.Chunk.DocumentName,
		ChunkID:        c.Chunk.ID,
		ChunkIndex:     c.Chunk.ChunkIndex,
		Content:        c.Chunk.Content,
		PageNumber:     c.Chunk.PageNumber,
		RelevanceScore: c.Score,
	}
}
