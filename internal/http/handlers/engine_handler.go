package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/trustyclaw/settlement/internal/engine"
	"github.com/trustyclaw/settlement/internal/http/dto"
	"github.com/trustyclaw/settlement/internal/models"
)

type EngineHandler struct {
	engine *engine.Engine
	log    *zap.Logger
}

func NewEngineHandler(eng *engine.Engine, log *zap.Logger) *EngineHandler {
	return &EngineHandler{engine: eng, log: log}
}

// TriggerEvent feeds an agreement event through the rule set. Admin only,
// for manual injection; the escrow milestone operations raise their own
// events through the same engine.
func (h *EngineHandler) TriggerEvent(c *fiber.Ctx) error {
	var req dto.TriggerEventRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	if req.Kind == "" || req.AgreementID == "" {
		return badRequest(c, "kind and agreement_id are required")
	}

	results, err := h.engine.TriggerEvent(c.Context(), models.ExecutionEvent{
		Kind:        req.Kind,
		AgreementID: req.AgreementID,
		Data:        req.Data,
	})
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, results)
}

func (h *EngineHandler) ExecutionHistory(c *fiber.Ctx) error {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	results, err := h.engine.GetExecutionHistory(c.Context(), c.Query("agreement_id"), c.Query("event"), limit)
	if err != nil {
		h.log.Error("execution history lookup failed", zap.Error(err))
		return respondError(c, err)
	}
	return ok(c, results)
}

func (h *EngineHandler) Stats(c *fiber.Ctx) error {
	return ok(c, h.engine.Stats())
}

func (h *EngineHandler) Rules(c *fiber.Ctx) error {
	return ok(c, h.engine.Rules())
}

func (h *EngineHandler) SetRuleEnabled(c *fiber.Ctx) error {
	id := c.Params("id")
	enabled := c.QueryBool("enabled", true)

	if err := h.engine.SetRuleEnabled(id, enabled); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: err.Error()})
	}
	return ok(c, fiber.Map{"rule": id, "enabled": enabled})
}
