package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ragops/backend/internal/chat"
	"github.com/ragops/backend/internal/retrieval"
	"github.com/ragops/backend/internal/storage/models"
	"github.com/ragops/backend/pkg/logger"
)

type ChatHandler struct {
	engine *chat.Engine
}

func NewChatHandler(engine *chat.Engine) *ChatHandler {
	return &ChatHandler{
		engine: engine,
	}
}

func (h *ChatHandler) HandleChat(c *fiber.Ctx) error {
	var req struct {
		Message   string `json:"message"`
		SessionID string `json:"session_id"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Message == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Message is required",
		})
	}

	result, err := h.engine.ProcessTurn(c.Context(), models.TurnRequest{
		SessionID: req.SessionID,
		Message:   req.Message,
	})
	if err != nil {
		logger.Error("Failed to process turn", zap.Error(err))
		if errors.Is(err, retrieval.ErrUnavailable) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "Retrieval backend unavailable",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process message",
		})
	}

	return c.JSON(fiber.Map{
		"run_id":           result.RunID,
		"session_id":       result.SessionID,
		"message":          result.Message,
		"schema_compliant": result.SchemaCompliant,
		"tool_calls":       result.ToolCalls,
		"latency_ms":       result.LatencyMS,
		"tokens_used":      result.TokensUsed,
	})
}
