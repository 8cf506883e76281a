package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/trustyclaw/settlement/internal/clock"
	"github.com/trustyclaw/settlement/internal/config"
	"github.com/trustyclaw/settlement/internal/db"
	"github.com/trustyclaw/settlement/internal/engine"
	"github.com/trustyclaw/settlement/internal/events"
	"github.com/trustyclaw/settlement/internal/repositories"
	"github.com/trustyclaw/settlement/internal/services"
	"github.com/trustyclaw/settlement/internal/ton"
)

// The worker owns the deadline scanner: it sweeps watched agreements every
// scan interval and feeds warning and expiry events through the rule engine.
func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, "migrations", log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	escrowRepo := repositories.NewEscrowRepo(pool)
	paymentRepo := repositories.NewPaymentRepo(pool)
	proposalRepo := repositories.NewProposalRepo(pool)
	contextRepo := repositories.NewContextRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)

	publisher := events.NewRedisPublisher(rdb, log)

	clk := clock.System()

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
		log.Warn("TON hot wallet not configured, auto-release will fail")
	}

	escrowService := services.NewEscrowService(escrowRepo, contextRepo, auditRepo, paymentRepo, publisher, cfg, clk, log)
	paymentService := services.NewPaymentService(paymentRepo, escrowRepo, contextRepo, auditRepo, publisher, transfer, validator, cfg, clk, log)
	slashingService := services.NewSlashingService(proposalRepo, escrowRepo, auditRepo, publisher, cfg, clk, log)

	eng := engine.New(contextRepo, clk, log)
	actions := services.NewExecutorActions(escrowService, paymentService, slashingService, publisher, log)
	for _, r := range engine.BuiltinRules(actions, cfg.DisputeEscalationThreshold) {
		if err := eng.RegisterRule(r); err != nil {
			log.Fatal("failed to register rule", zap.Error(err))
		}
	}
	escrowService.SetEventTrigger(eng)

	scanner := engine.NewScanner(eng, contextRepo, clk, cfg.ScanInterval, cfg.DeadlineWarningWindow, log)
	scanner.Start()

	// Health and metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%s", cfg.WorkerPort), Handler: mux}
	go func() {
		log.Info("starting worker server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("worker server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down...")
	scanner.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}
