package evaluation

import (
	"regexp"
	"strings"

	prose "github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/ragops/backend/internal/storage/models"
	"github.com/ragops/backend/pkg/logger"
)

const (
	GranularitySentence = "sentence"
	GranularityClause   = "clause"
)

var citationPattern = regexp.MustCompile(`\[\d+\]`)

// transitionalPrefixes open claims that carry no factual content of their
// own and are excluded from citation coverage.
var transitionalPrefixes = []string{
	"here",
	"in summary",
	"based on",
	"according to",
	"overall",
	"to summarize",
	"in conclusion",
	"additionally",
	"furthermore",
	"the following",
}

var claimIndicators = []string{" is ", " are ", " was ", " were ", " the ", " this "}

type CaseScore struct {
	Groundedness  float64
	Hallucination bool
	ToolsCorrect  bool
}

type Scorer interface {
	Score(result *models.TurnResult, evalCase models.EvalCase) CaseScore
}

// RuleScorer grades answers with deterministic heuristics: citation
// coverage over claims for groundedness, assertive uncited prose for
// hallucination, tool call comparison for correctness.
type RuleScorer struct {
	granularity string
}

func NewRuleScorer(granularity string) *RuleScorer {
	if granularity != GranularityClause {
		granularity = GranularitySentence
	}
	return &RuleScorer{granularity: granularity}
}

func (s *RuleScorer) Score(result *models.TurnResult, evalCase models.EvalCase) CaseScore {
	return CaseScore{
		Groundedness:  s.groundedness(result.Message),
		Hallucination: s.hallucination(result.Message),
		ToolsCorrect:  s.toolsCorrect(result, evalCase),
	}
}

// groundedness measures how much of the answer is backed by citations. A
// refusal is fully grounded; an answer with no valid citations is not
// grounded at all. Otherwise the score scales with the share of claims
// that carry a citation tag.
func (s *RuleScorer) groundedness(msg models.ChatMessage) float64 {
	if msg.IsRefusal {
		return 1.0
	}
	if len(msg.Citations) == 0 {
		return 0.0
	}

	claims := s.splitClaims(msg.Content)
	if len(claims) == 0 {
		if citationPattern.MatchString(msg.Content) {
			return 0.8
		}
		return 0.3
	}

	cited := 0
	transitional := 0
	for _, claim := range claims {
		if isTransitional(claim) {
			transitional++
			continue
		}
		if citationPattern.MatchString(claim) {
			cited++
		}
	}

	denominator := len(claims) - transitional
	if denominator < 1 {
		denominator = 1
	}
	coverage := float64(cited) / float64(denominator)

	score := 0.4 + 0.6*coverage
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// hallucination flags long, assertive answers that cite nothing.
func (s *RuleScorer) hallucination(msg models.ChatMessage) bool {
	if msg.IsRefusal {
		return false
	}
	if len(msg.Citations) > 0 || citationPattern.MatchString(msg.Content) {
		return false
	}
	if len(msg.Content) <= 100 {
		return false
	}

	lower := strings.ToLower(msg.Content)
	indicators := 0
	for _, ind := range claimIndicators {
		indicators += strings.Count(lower, ind)
	}
	return indicators > 3
}

// toolsCorrect checks the tool trajectory. Without expectations, calling
// the corpus search (or refusing outright) is correct. With expectations,
// the actual tool names must match, in order when the case demands it.
func (s *RuleScorer) toolsCorrect(result *models.TurnResult, evalCase models.EvalCase) bool {
	if len(evalCase.ExpectedTools) == 0 {
		if result.Message.IsRefusal {
			return true
		}
		for _, call := range result.ToolCalls {
			if call.Name == "search_corpus" {
				return true
			}
		}
		return false
	}

	if evalCase.OrderedTools {
		if len(result.ToolCalls) != len(evalCase.ExpectedTools) {
			return false
		}
		for i, expected := range evalCase.ExpectedTools {
			if result.ToolCalls[i].Name != expected.Name {
				return false
			}
		}
		return true
	}

	actual := make(map[string]int)
	for _, call := range result.ToolCalls {
		actual[call.Name]++
	}
	for _, expected := range evalCase.ExpectedTools {
		if actual[expected.Name] == 0 {
			return false
		}
		actual[expected.Name]--
	}
	return true
}

// splitClaims segments the answer into claims longer than 10 characters.
// Sentence granularity uses prose's segmenter; clause granularity further
// splits on semicolons and colons.
func (s *RuleScorer) splitClaims(content string) []string {
	doc, err := prose.NewDocument(content,
		prose.WithTagging(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		logger.Warn("Sentence segmentation failed", zap.Error(err))
		return fallbackSplit(content)
	}

	var sentences []string
	for _, sent := range doc.Sentences() {
		sentences = append(sentences, sent.Text)
	}

	if s.granularity == GranularityClause {
		var clauses []string
		for _, sent := range sentences {
			for _, clause := range strings.FieldsFunc(sent, func(r rune) bool {
				return r == ';' || r == ':'
			}) {
				clauses = append(clauses, clause)
			}
		}
		sentences = clauses
	}

	var claims []string
	for _, sent := range sentences {
		if len(strings.TrimSpace(sent)) > 10 {
			claims = append(claims, sent)
		}
	}
	return claims
}

func isTransitional(claim string) bool {
	lower := strings.ToLower(strings.TrimSpace(claim))
	for _, prefix := range transitionalPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func fallbackSplit(content string) []string {
	var claims []string
	for _, part := range strings.FieldsFunc(content, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	}) {
		if len(strings.TrimSpace(part)) > 10 {
			claims = append(claims, part)
		}
	}
	return claims
}
