package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trustyclaw/settlement/internal/http/dto"
	"github.com/trustyclaw/settlement/internal/middleware"
	"github.com/trustyclaw/settlement/internal/services"
)

type PaymentHandler struct {
	paymentService *services.PaymentService
	log            *zap.Logger
}

func NewPaymentHandler(paymentService *services.PaymentService, log *zap.Logger) *PaymentHandler {
	return &PaymentHandler{paymentService: paymentService, log: log}
}

func (h *PaymentHandler) CreateIntent(c *fiber.Ctx) error {
	var req dto.CreateIntentRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	if req.FromWallet == "" || req.ToWallet == "" {
		return badRequest(c, "from_wallet and to_wallet are required")
	}

	i, err := h.paymentService.CreateIntent(c.Context(), req.FromWallet, req.ToWallet, req.Amount, req.Description)
	if err != nil {
		return respondError(c, err)
	}
	return created(c, i)
}

func (h *PaymentHandler) GetIntent(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid intent id")
	}

	i, err := h.paymentService.GetIntent(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, i)
}

// CollectSignature records the authenticated wallet's approval.
func (h *PaymentHandler) CollectSignature(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid intent id")
	}
	var req dto.CollectSignatureRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	if req.Signature == "" {
		return badRequest(c, "signature is required")
	}

	signer := middleware.GetWallet(c)
	i, err := h.paymentService.CollectSignature(c.Context(), id, signer, req.Signature)
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, i)
}

func (h *PaymentHandler) ExecuteIntent(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid intent id")
	}

	i, err := h.paymentService.ExecuteIntent(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, i)
}

func (h *PaymentHandler) FinalizeIntent(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid intent id")
	}

	i, err := h.paymentService.FinalizeIntent(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, i)
}

func (h *PaymentHandler) CancelIntent(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid intent id")
	}

	i, err := h.paymentService.CancelIntent(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return ok(c, i)
}

// History lists intents touching a wallet, newest first. Defaults to the
// authenticated wallet.
func (h *PaymentHandler) History(c *fiber.Ctx) error {
	wallet := c.Query("wallet")
	if wallet == "" {
		wallet = middleware.GetWallet(c)
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

	intents, err := h.paymentService.History(c.Context(), wallet, limit, offset)
	if err != nil {
		h.log.Error("payment history lookup failed", zap.Error(err))
		return respondError(c, err)
	}
	return ok(c, intents)
}
