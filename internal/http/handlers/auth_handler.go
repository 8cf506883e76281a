package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/trustyclaw/settlement/internal/auth"
	"github.com/trustyclaw/settlement/internal/config"
	"github.com/trustyclaw/settlement/internal/http/dto"
	"github.com/trustyclaw/settlement/internal/services"
)

type AuthHandler struct {
	cfg       *config.Config
	validator services.AddressValidator
	log       *zap.Logger
}

func NewAuthHandler(cfg *config.Config, validator services.AddressValidator, log *zap.Logger) *AuthHandler {
	return &AuthHandler{cfg: cfg, validator: validator, log: log}
}

// Token issues a wallet-bound JWT. Admin status comes from the configured
// admin wallet list.
func (h *AuthHandler) Token(c *fiber.Ctx) error {
	var req dto.AuthTokenRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	if req.Wallet == "" {
		return badRequest(c, "wallet is required")
	}
	if h.validator != nil && !h.validator.IsValidAddress(req.Wallet) {
		return badRequest(c, "invalid wallet address")
	}

	token, err := auth.GenerateJWT(h.cfg.JWTSecret, req.Wallet, h.cfg.IsAdmin(req.Wallet), h.cfg.JWTExpiration)
	if err != nil {
		h.log.Error("token generation failed", zap.Error(err))
		return respondError(c, err)
	}
	return ok(c, dto.AuthResponse{Token: token})
}
