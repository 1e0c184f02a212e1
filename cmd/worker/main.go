// Command worker runs the Delivery Worker pool: it claims due Outbox rows
// and publishes them onto the Stream Broker Adapter, retrying with
// exponential backoff and dead-lettering rows that exhaust their attempts.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/uniassist/pipeline/internal/broker"
	"github.com/uniassist/pipeline/internal/config"
	"github.com/uniassist/pipeline/internal/db"
	"github.com/uniassist/pipeline/internal/outbox"
	"github.com/uniassist/pipeline/internal/retention"
	"github.com/uniassist/pipeline/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded, continuing with process environment: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbClient, err := db.NewClient(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connecting to database: %v", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			log.Printf("closing database client: %v", err)
		}
	}()

	redisClient := broker.NewClient(cfg.Broker)
	defer func() { _ = redisClient.Close() }()
	adapter := broker.New(redisClient, cfg.Broker)

	ob := outbox.New(dbClient.DB())

	workerID, err := os.Hostname()
	if err != nil || workerID == "" {
		workerID = "delivery-worker"
	}

	pool := worker.NewPool(workerID, ob, adapter, cfg.Outbox)
	pool.Start(ctx)
	slog.Info("delivery worker pool started", "worker_id", workerID, "workers", cfg.Outbox.WorkerCount)

	retentionSvc := retention.NewService(dbClient.DB(), cfg.Retention)
	retentionSvc.Start(ctx)

	<-ctx.Done()
	slog.Info("shutting down delivery worker pool")

	retentionSvc.Stop()
	pool.Stop()
	slog.Info("delivery worker pool exited")
}
