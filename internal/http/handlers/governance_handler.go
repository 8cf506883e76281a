package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trustyclaw/settlement/internal/http/dto"
	"github.com/trustyclaw/settlement/internal/middleware"
	"github.com/trustyclaw/settlement/internal/models"
	"github.com/trustyclaw/settlement/internal/services"
)

type GovernanceHandler struct {
	slashingService *services.SlashingService
	log             *zap.Logger
}

func NewGovernanceHandler(slashingService *services.SlashingService, log *zap.Logger) *GovernanceHandler {
	return &GovernanceHandler{slashingService: slashingService, log: log}
}

func (h *GovernanceHandler) CreateProposal(c *fiber.Ctx) error {
	var req dto.CreateProposalRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	if req.AgreementID == "" || req.Target == "" {
		return badRequest(c, "agreement_id and target are required")
	}
	if req.SlashType != models.SlashTypeProvider && req.SlashType != models.SlashTypeRenter {
		return badRequest(c, "slash_type must be provider or renter")
	}

	proposer := middleware.GetWallet(c)
	p, err := h.slashingService.CreateProposal(c.Context(), req.AgreementID, req.Target, req.SlashType, req.Reason, req.Percentage, proposer, req.Evidence)
	if err != nil {
		return respondError(c, err)
	}
	return created(c, p)
}

func (h *GovernanceHandler) Vote(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid proposal id")
	}
	var req dto.VoteRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}

	voter := middleware.GetWallet(c)
	p, err := h.slashingService.Vote(c.Context(), id, voter, req.Support)
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, p)
}

func (h *GovernanceHandler) GetProposal(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid proposal id")
	}

	p, err := h.slashingService.GetStatus(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, p)
}

func (h *GovernanceHandler) ExecuteSlash(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid proposal id")
	}

	rec, err := h.slashingService.ExecuteSlash(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, rec)
}

// AutoSlash bypasses voting for unambiguous violations. Admin only.
func (h *GovernanceHandler) AutoSlash(c *fiber.Ctx) error {
	var req dto.AutoSlashRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	if req.AgreementID == "" || req.Target == "" {
		return badRequest(c, "agreement_id and target are required")
	}
	if req.SlashType != models.SlashTypeProvider && req.SlashType != models.SlashTypeRenter {
		return badRequest(c, "slash_type must be provider or renter")
	}

	rec, err := h.slashingService.AutoSlash(c.Context(), req.AgreementID, req.Target, req.SlashType, req.Reason, req.Severity)
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, rec)
}

func (h *GovernanceHandler) SlashHistory(c *fiber.Ctx) error {
	target := c.Query("target")

	limit, offset := 50, 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}

	recs, err := h.slashingService.History(c.Context(), target, limit, offset)
	if err != nil {
		h.log.Error("slash history lookup failed", zap.Error(err))
		return respondError(c, err)
	}
	return ok(c, recs)
}

func (h *GovernanceHandler) ProposalsByAgreement(c *fiber.Ctx) error {
	agreementID := c.Params("agreementID")
	if agreementID == "" {
		return badRequest(c, "agreement id is required")
	}

	props, err := h.slashingService.ProposalsByAgreement(c.Context(), agreementID)
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, props)
}

// RecoverReputation computes the time-based recovery curve for a slashed
// score. Pure computation, no persistence.
func (h *GovernanceHandler) RecoverReputation(c *fiber.Ctx) error {
	var req dto.RecoverReputationRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}

	score := h.slashingService.RecoverReputation(req.CurrentScore, req.DaysSinceSlash)
	return ok(c, dto.RecoverReputationResponse{RecoveredScore: score})
}
