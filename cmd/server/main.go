// Command server runs the Admission API: the single write path that
// accepts Timeline Events and atomically enqueues their Outbox Envelopes.
// With RUN_EMBEDDED_WORKERS=true it also runs the Delivery Worker pool and
// Stream Consumer in-process, for local/dev single-binary operation.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/uniassist/pipeline/internal/admission"
	"github.com/uniassist/pipeline/internal/broker"
	"github.com/uniassist/pipeline/internal/config"
	"github.com/uniassist/pipeline/internal/consumer"
	"github.com/uniassist/pipeline/internal/db"
	"github.com/uniassist/pipeline/internal/domain"
	"github.com/uniassist/pipeline/internal/eventstore"
	"github.com/uniassist/pipeline/internal/fanout"
	"github.com/uniassist/pipeline/internal/outbox"
	"github.com/uniassist/pipeline/internal/retention"
	"github.com/uniassist/pipeline/internal/streamapi"
	"github.com/uniassist/pipeline/internal/worker"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded, continuing with process environment: %v", err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	gin.SetMode(getEnv("GIN_MODE", "release"))

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
	log.Println("connected to postgres, migrations applied")

	events := eventstore.New(dbClient.DB())
	ob := outbox.New(dbClient.DB())

	needsBroker := cfg.Features.SyncPublishOnAdmit || cfg.Features.RunEmbeddedWorkers
	var adapter *broker.Adapter
	if needsBroker {
		redisClient := broker.NewClient(cfg.Broker)
		defer func() { _ = redisClient.Close() }()
		adapter = broker.New(redisClient, cfg.Broker)
	}

	var publish func(context.Context, domain.WireEnvelope) error
	if cfg.Features.SyncPublishOnAdmit {
		publish = admission.PublishHook(adapter)
		log.Println("synchronous publish-on-admit enabled (ADMISSION_SYNC_PUBLISH=true)")
	}
	svc := admission.New(dbClient.DB(), events, ob, cfg.Broker, cfg.Outbox, publish)
	handler := admission.NewHandler(svc, dbClient, ob, adapter)

	router := gin.New()
	router.Use(gin.Recovery())
	handler.Register(router)

	retentionSvc := retention.NewService(dbClient.DB(), cfg.Retention)
	retentionSvc.Start(ctx)

	var pool *worker.Pool
	var c *consumer.Consumer
	if cfg.Features.RunEmbeddedWorkers {
		workerID, err := os.Hostname()
		if err != nil || workerID == "" {
			workerID = "admission-embedded"
		}
		pool = worker.NewPool(workerID, ob, adapter, cfg.Outbox)
		pool.Start(ctx)

		hub := fanout.NewHub()
		sink := consumer.SinkFunc(func(_ context.Context, ev domain.WireEvent) { hub.Publish(ev) })
		c = consumer.New(cfg.Broker.ConsumerID, adapter, ob, cfg.Consumer, sink)
		go func() {
			if err := c.Run(ctx, cfg.Broker.GlobalKey); err != nil {
				log.Printf("embedded stream consumer stopped: %v", err)
			}
		}()
		streamapi.NewHandler(hub).Register(router)
		log.Println("embedded delivery worker and stream consumer started (RUN_EMBEDDED_WORKERS=true)")
	}

	srv := &http.Server{
		Addr:    ":" + httpPort,
		Handler: router,
	}

	go func() {
		log.Printf("admission api listening on :%s", httpPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("admission api server failed: %v", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down admission api")

	if c != nil {
		c.Stop()
	}
	if pool != nil {
		pool.Stop()
	}
	retentionSvc.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("admission api forced to shutdown: %v", err)
	}
	slog.Info("admission api exited")
}
