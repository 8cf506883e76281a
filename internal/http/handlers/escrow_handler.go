package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trustyclaw/settlement/internal/engine"
	"github.com/trustyclaw/settlement/internal/http/dto"
	"github.com/trustyclaw/settlement/internal/middleware"
	"github.com/trustyclaw/settlement/internal/services"
)

type EscrowHandler struct {
	escrowService  *services.EscrowService
	paymentService *services.PaymentService
	log            *zap.Logger
}

func NewEscrowHandler(escrowService *services.EscrowService, paymentService *services.PaymentService, log *zap.Logger) *EscrowHandler {
	return &EscrowHandler{escrowService: escrowService, paymentService: paymentService, log: log}
}

func (h *EscrowHandler) CreateEscrow(c *fiber.Ctx) error {
	var req dto.CreateEscrowRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	if req.AgreementID == "" {
		return badRequest(c, "agreement_id is required")
	}
	if req.Provider == "" {
		return badRequest(c, "provider is required")
	}

	e, err := h.escrowService.Create(c.Context(), req.AgreementID, req.Provider, req.Amount, req.DurationSeconds, req.ExpectedHash)
	if err != nil {
		return respondError(c, err)
	}
	return created(c, e)
}

// FundEscrow records the funding transition. With via_payment set the
// renter's funds actually move through the payment layer into custody.
func (h *EscrowHandler) FundEscrow(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid escrow id")
	}
	var req dto.FundEscrowRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	if req.Renter == "" {
		req.Renter = middleware.GetWallet(c)
	}

	if req.ViaPayment {
		p, err := h.paymentService.FundEscrowPayment(c.Context(), id, req.Renter)
		if err != nil {
			return respondError(c, err)
		}
		return ok(c, p)
	}

	e, err := h.escrowService.Fund(c.Context(), id, req.Renter)
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, e)
}

// SubmitDeliverable records the provider's deliverable and lets the
// hash-match rule decide whether the escrow auto-completes.
func (h *EscrowHandler) SubmitDeliverable(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid escrow id")
	}
	var req dto.SubmitDeliverableRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}

	hash := req.DeliverableHash
	if hash == nil && req.Content != nil {
		digest := engine.HashContent(*req.Content)
		hash = &digest
	}
	if hash == nil {
		return badRequest(c, "deliverable_hash or content is required")
	}

	e, err := h.escrowService.SubmitDeliverable(c.Context(), id, *hash)
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, e)
}

func (h *EscrowHandler) CompleteEscrow(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid escrow id")
	}
	var req dto.CompleteEscrowRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}

	hash := req.DeliverableHash
	if hash == nil && req.Content != nil {
		digest := engine.HashContent(*req.Content)
		hash = &digest
	}

	e, err := h.escrowService.Complete(c.Context(), id, hash)
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, e)
}

func (h *EscrowHandler) DisputeEscrow(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid escrow id")
	}
	var req dto.DisputeEscrowRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	if req.Reason == "" {
		return badRequest(c, "reason is required")
	}

	wallet := middleware.GetWallet(c)
	e, err := h.escrowService.Dispute(c.Context(), id, req.Reason, &wallet)
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, e)
}

// ReleaseEscrow pays out to the provider through the payment layer.
// ledger_only=true skips the transfer and flips the ledger state only.
func (h *EscrowHandler) ReleaseEscrow(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid escrow id")
	}

	if c.QueryBool("ledger_only") {
		e, err := h.escrowService.Release(c.Context(), id)
		if err != nil {
			return respondError(c, err)
		}
		return ok(c, e)
	}

	p, err := h.paymentService.ReleaseEscrowPayment(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, p)
}

func (h *EscrowHandler) RefundEscrow(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid escrow id")
	}

	if c.QueryBool("ledger_only") {
		e, err := h.escrowService.Refund(c.Context(), id)
		if err != nil {
			return respondError(c, err)
		}
		return ok(c, e)
	}

	p, err := h.paymentService.RefundEscrowPayment(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, p)
}

func (h *EscrowHandler) CancelEscrow(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid escrow id")
	}

	e, err := h.escrowService.Cancel(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, e)
}

func (h *EscrowHandler) GetEscrow(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid escrow id")
	}

	e, err := h.escrowService.Get(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, e)
}

func (h *EscrowHandler) GetEscrowByAgreement(c *fiber.Ctx) error {
	agreementID := c.Params("agreementID")
	if agreementID == "" {
		return badRequest(c, "agreement id is required")
	}

	e, err := h.escrowService.GetByAgreement(c.Context(), agreementID)
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, e)
}

func (h *EscrowHandler) GetEscrowState(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid escrow id")
	}

	state, err := h.escrowService.State(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, dto.EscrowStateResponse{EscrowID: id.String(), State: state})
}

func (h *EscrowHandler) GetEscrowExpiry(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid escrow id")
	}

	expired, err := h.escrowService.IsExpired(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	deadline, err := h.escrowService.DeadlineStatus(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, dto.ExpiryResponse{EscrowID: id.String(), Expired: expired, Deadline: deadline})
}

func (h *EscrowHandler) GetEscrowAudit(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid escrow id")
	}

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

	trail, err := h.escrowService.AuditTrail(c.Context(), id, limit, offset)
	if err != nil {
		h.log.Error("audit trail lookup failed", zap.Error(err))
		return respondError(c, err)
	}
	return ok(c, trail)
}
