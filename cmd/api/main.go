package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/trustyclaw/settlement/internal/clock"
	"github.com/trustyclaw/settlement/internal/config"
	"github.com/trustyclaw/settlement/internal/db"
	"github.com/trustyclaw/settlement/internal/engine"
	"github.com/trustyclaw/settlement/internal/events"
	apphttp "github.com/trustyclaw/settlement/internal/http"
	"github.com/trustyclaw/settlement/internal/http/handlers"
	"github.com/trustyclaw/settlement/internal/repositories"
	"github.com/trustyclaw/settlement/internal/services"
	"github.com/trustyclaw/settlement/internal/ton"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	// Run migrations
	if err := db.RunMigrations(ctx, pool, "migrations", log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repositories
	escrowRepo := repositories.NewEscrowRepo(pool)
	paymentRepo := repositories.NewPaymentRepo(pool)
	proposalRepo := repositories.NewProposalRepo(pool)
	contextRepo := repositories.NewContextRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)

	// Events
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	clk := clock.System()

	// TON transfer executor. Without a configured hot wallet the API still
	// serves the ledger and governance; payment execution returns errors.
	var transfer services.TransferExecutor
	var validator services.AddressValidator
	if len(cfg.TONHotWalletSeed) > 0 {
		tc, err := ton.Connect(ctx, cfg, log)
		if err != nil {
			log.Fatal("failed to connect to TON", zap.Error(err))
		}
		transfer = tc
		validator = tc
	} else {
		log.Warn("TON hot wallet not configured, transfers disabled")
	}

	// Services
	escrowService := services.NewEscrowService(escrowRepo, contextRepo, auditRepo, paymentRepo, publisher, cfg, clk, log)
	paymentService := services.NewPaymentService(paymentRepo, escrowRepo, contextRepo, auditRepo, publisher, transfer, validator, cfg, clk, log)
	slashingService := services.NewSlashingService(proposalRepo, escrowRepo, auditRepo, publisher, cfg, clk, log)

	// Rule engine. Escrow milestones (submission, completion, dispute) feed
	// it directly; the admin endpoint stays for manual injection.
	eng := engine.New(contextRepo, clk, log)
	actions := services.NewExecutorActions(escrowService, paymentService, slashingService, publisher, log)
	for _, r := range engine.BuiltinRules(actions, cfg.DisputeEscalationThreshold) {
		if err := eng.RegisterRule(r); err != nil {
			log.Fatal("failed to register rule", zap.Error(err))
		}
	}
	escrowService.SetEventTrigger(eng)

	// Handlers
	authHandler := handlers.NewAuthHandler(cfg, validator, log)
	escrowHandler := handlers.NewEscrowHandler(escrowService, paymentService, log)
	paymentHandler := handlers.NewPaymentHandler(paymentService, log)
	governanceHandler := handlers.NewGovernanceHandler(slashingService, log)
	engineHandler := handlers.NewEngineHandler(eng, log)
	wsHub := handlers.NewWSHub(cfg, subscriber, log)

	// Start WS hub
	wsHub.Start(ctx)

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, authHandler, escrowHandler, paymentHandler, governanceHandler, engineHandler, wsHub)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
