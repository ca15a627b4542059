package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ragops/backend/internal/storage/sqlite"
	"github.com/ragops/backend/pkg/logger"
)

type TraceHandler struct {
	store *sqlite.Client
}

func NewTraceHandler(store *sqlite.Client) *TraceHandler {
	return &TraceHandler{
		store: store,
	}
}

// ListTraces lists traced runs, optionally filtered by session_id and
// event_type query params.
func (h *TraceHandler) ListTraces(c *fiber.Ctx) error {
	sessionID := c.Query("session_id")
	eventType := c.Query("event_type")

	limit, err := strconv.Atoi(c.Query("limit", "50"))
	if err != nil || limit < 1 || limit > 500 {
		limit = 50
	}

	runs, err := h.store.ListTraceRuns(sessionID, eventType, limit)
	if err != nil {
		logger.Error("Failed to list trace runs", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list traces",
		})
	}

	return c.JSON(fiber.Map{
		"runs":  runs,
		"count": len(runs),
	})
}

func (h *TraceHandler) GetTrace(c *fiber.Ctx) error {
	runID := c.Params("run_id")
	eventType := c.Query("event_type")

	events, err := h.store.GetTraceEvents(runID, eventType)
	if err != nil {
		logger.Error("Failed to get trace events", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get trace",
		})
	}

	if len(events) == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Trace not found",
		})
	}

	summary := summarize(runID, events)

	return c.JSON(fiber.Map{
		"run_id":  runID,
		"events":  events,
		"summary": summary,
	})
}

func (h *TraceHandler) DeleteTrace(c *fiber.Ctx) error {
	runID := c.Params("run_id")

	deleted, err := h.store.DeleteTraceRun(runID)
	if err != nil {
		logger.Error("Failed to delete trace", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete trace",
		})
	}

	if deleted == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Trace not found",
		})
	}

	return c.JSON(fiber.Map{
		"run_id":         runID,
		"deleted_events": deleted,
	})
}

func summarize(runID string, events []sqlite.TraceEventRow) fiber.Map {
	typeCounts := make(map[string]int)
	totalDuration := 0
	totalTokens := 0
	totalCost := 0.0
	hasErrors := false
	sessionID := ""

	for _, ev := range events {
		typeCounts[ev.EventType]++
		totalDuration += ev.DurationMS
		totalTokens += ev.TokensIn + ev.TokensOut
		totalCost += ev.CostUSD
		if ev.Status == "error" {
			hasErrors = true
		}
		if sessionID == "" {
			sessionID = ev.SessionID
		}
	}

	return fiber.Map{
		"run_id":            runID,
		"session_id":        sessionID,
		"event_count":       len(events),
		"event_type_counts": typeCounts,
		"total_duration_ms": totalDuration,
		"total_tokens":      totalTokens,
		"total_cost_usd":    totalCost,
		"has_errors":        hasErrors,
	}
}
