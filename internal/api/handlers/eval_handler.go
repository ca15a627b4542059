package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ragops/backend/internal/evaluation"
	"github.com/ragops/backend/pkg/logger"
)

type EvalHandler struct {
	harness *evaluation.Harness
}

func NewEvalHandler(harness *evaluation.Harness) *EvalHandler {
	return &EvalHandler{
		harness: harness,
	}
}

func (h *EvalHandler) CreateRun(c *fiber.Ctx) error {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Dataset     string `json:"dataset"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Dataset == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Dataset is required",
		})
	}
	if req.Name == "" {
		req.Name = req.Dataset
	}

	run, err := h.harness.CreateRun(req.Name, req.Description, req.Dataset)
	if err != nil {
		logger.Error("Failed to create eval run", zap.Error(err))
		if errors.Is(err, evaluation.ErrDatasetNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(run)
}

func (h *EvalHandler) ListRuns(c *fiber.Ctx) error {
	limit, err := strconv.Atoi(c.Query("limit", "50"))
	if err != nil || limit < 1 || limit > 500 {
		limit = 50
	}

	runs, err := h.harness.List(limit)
	if err != nil {
		logger.Error("Failed to list eval runs", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list eval runs",
		})
	}

	return c.JSON(fiber.Map{
		"runs":  runs,
		"count": len(runs),
	})
}

func (h *EvalHandler) ListDatasets(c *fiber.Ctx) error {
	datasets, err := h.harness.Datasets()
	if err != nil {
		logger.Error("Failed to list datasets", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list datasets",
		})
	}

	return c.JSON(fiber.Map{
		"datasets": datasets,
		"count":    len(datasets),
	})
}

func (h *EvalHandler) GetRun(c *fiber.Ctx) error {
	evalID := c.Params("id")

	run, results, err := h.harness.Get(evalID)
	if err != nil {
		logger.Error("Failed to get eval run", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get eval run",
		})
	}
	if run == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Eval run not found",
		})
	}

	return c.JSON(fiber.Map{
		"run":     run,
		"results": results,
	})
}

func (h *EvalHandler) CancelRun(c *fiber.Ctx) error {
	evalID := c.Params("id")

	if err := h.harness.Cancel(evalID); err != nil {
		logger.Warn("Failed to cancel eval run", zap.String("eval_id", evalID), zap.Error(err))
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"eval_id": evalID,
		"status":  "cancelling",
	})
}

func (h *EvalHandler) DeleteRun(c *fiber.Ctx) error {
	evalID := c.Params("id")

	deleted, err := h.harness.Delete(evalID)
	if err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if deleted == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Eval run not found",
		})
	}

	return c.JSON(fiber.Map{
		"eval_id": evalID,
		"deleted": true,
	})
}
