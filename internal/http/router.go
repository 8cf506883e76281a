package http

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trustyclaw/settlement/internal/config"
	"github.com/trustyclaw/settlement/internal/http/handlers"
	"github.com/trustyclaw/settlement/internal/middleware"
)

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	authHandler *handlers.AuthHandler,
	escrowHandler *handlers.EscrowHandler,
	paymentHandler *handlers.PaymentHandler,
	governanceHandler *handlers.GovernanceHandler,
	engineHandler *handlers.EngineHandler,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1")

	// Auth (public)
	api.Post("/auth/token", authHandler.Token)

	api.Use(middleware.RateLimitMiddleware(rdb, 100, time.Minute))

	// Protected endpoints
	protected := api.Group("", middleware.AuthMiddleware(cfg, log))

	// Escrow ledger
	protected.Post("/escrows", escrowHandler.CreateEscrow)
	protected.Get("/escrows/agreement/:agreementID", escrowHandler.GetEscrowByAgreement)
	protected.Get("/escrows/:id", escrowHandler.GetEscrow)
	protected.Get("/escrows/:id/state", escrowHandler.GetEscrowState)
	protected.Get("/escrows/:id/expiry", escrowHandler.GetEscrowExpiry)
	protected.Get("/escrows/:id/audit", escrowHandler.GetEscrowAudit)
	protected.Post("/escrows/:id/fund", escrowHandler.FundEscrow)
	protected.Post("/escrows/:id/deliverable", escrowHandler.SubmitDeliverable)
	protected.Post("/escrows/:id/complete", escrowHandler.CompleteEscrow)
	protected.Post("/escrows/:id/dispute", escrowHandler.DisputeEscrow)
	protected.Post("/escrows/:id/cancel", escrowHandler.CancelEscrow)

	// Payments
	protected.Post("/payments/intents", paymentHandler.CreateIntent)
	protected.Get("/payments/intents/:id", paymentHandler.GetIntent)
	protected.Post("/payments/intents/:id/signatures", paymentHandler.CollectSignature)
	protected.Post("/payments/intents/:id/execute", paymentHandler.ExecuteIntent)
	protected.Post("/payments/intents/:id/finalize", paymentHandler.FinalizeIntent)
	protected.Post("/payments/intents/:id/cancel", paymentHandler.CancelIntent)
	protected.Get("/payments/history", paymentHandler.History)

	// Governance
	protected.Post("/governance/proposals", governanceHandler.CreateProposal)
	protected.Get("/governance/proposals/agreement/:agreementID", governanceHandler.ProposalsByAgreement)
	protected.Get("/governance/proposals/:id", governanceHandler.GetProposal)
	protected.Post("/governance/proposals/:id/vote", governanceHandler.Vote)
	protected.Get("/governance/slashes", governanceHandler.SlashHistory)
	protected.Post("/governance/reputation/recover", governanceHandler.RecoverReputation)

	// Engine (read side)
	protected.Get("/engine/stats", engineHandler.Stats)
	protected.Get("/engine/rules", engineHandler.Rules)
	protected.Get("/engine/history", engineHandler.ExecutionHistory)

	// Admin: payout control, slash execution, manual event injection
	admin := protected.Group("", middleware.AdminMiddleware(cfg))
	admin.Post("/escrows/:id/release", escrowHandler.ReleaseEscrow)
	admin.Post("/escrows/:id/refund", escrowHandler.RefundEscrow)
	admin.Post("/governance/proposals/:id/execute", governanceHandler.ExecuteSlash)
	admin.Post("/governance/autoslash", governanceHandler.AutoSlash)
	admin.Post("/engine/events", engineHandler.TriggerEvent)
	admin.Post("/engine/rules/:id/toggle", engineHandler.SetRuleEnabled)

	// WebSocket
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(wsHub.HandleWS))
}
