package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/trustyclaw/settlement/internal/apperr"
	"github.com/trustyclaw/settlement/internal/http/dto"
	"github.com/trustyclaw/settlement/internal/middleware"
)

// statusFor maps domain errors onto HTTP statuses so handlers stay thin.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, apperr.ErrInvalidAmount), errors.Is(err, apperr.ErrInvalidAddress):
		return fiber.StatusBadRequest
	case errors.Is(err, apperr.ErrMultisigIncomplete):
		return fiber.StatusPaymentRequired
	case errors.Is(err, apperr.ErrInvalidState), errors.Is(err, apperr.ErrNotApproved):
		return fiber.StatusConflict
	case errors.Is(err, apperr.ErrExpired):
		return fiber.StatusGone
	case errors.Is(err, apperr.ErrSelfVote), errors.Is(err, apperr.ErrUnauthorized):
		return fiber.StatusForbidden
	case errors.Is(err, apperr.ErrExternal):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func respondError(c *fiber.Ctx, err error) error {
	reqID, _ := c.Locals(middleware.CtxRequestID).(string)
	return c.Status(statusFor(err)).JSON(dto.ErrorResponse{Error: err.Error(), RequestID: reqID})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: msg})
}

func ok(c *fiber.Ctx, data any) error {
	return c.JSON(dto.SuccessResponse{OK: true, Data: data})
}

func created(c *fiber.Ctx, data any) error {
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: data})
}
