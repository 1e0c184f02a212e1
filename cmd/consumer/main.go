// Command consumer runs the Stream Consumer: it reads delivered envelopes
// off the broker's consumer group, hands each to the fan-out hub, and marks
// the originating Outbox row consumed. It also serves the supplemental SSE
// gateway so live clients can observe a session's timeline as it happens.
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

	"github.com/uniassist/pipeline/internal/broker"
	"github.com/uniassist/pipeline/internal/config"
	"github.com/uniassist/pipeline/internal/consumer"
	"github.com/uniassist/pipeline/internal/db"
	"github.com/uniassist/pipeline/internal/domain"
	"github.com/uniassist/pipeline/internal/fanout"
	"github.com/uniassist/pipeline/internal/outbox"
	"github.com/uniassist/pipeline/internal/streamapi"
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

	httpPort := getEnv("HTTP_PORT", "8081")
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

	redisClient := broker.NewClient(cfg.Broker)
	defer func() { _ = redisClient.Close() }()
	adapter := broker.New(redisClient, cfg.Broker)

	ob := outbox.New(dbClient.DB())
	hub := fanout.NewHub()
	sink := consumer.SinkFunc(func(_ context.Context, ev domain.WireEvent) {
		hub.Publish(ev)
	})

	c := consumer.New(cfg.Broker.ConsumerID, adapter, ob, cfg.Consumer, sink)

	go func() {
		if err := c.Run(ctx, cfg.Broker.GlobalKey); err != nil {
			log.Fatalf("stream consumer failed: %v", err)
		}
	}()
	slog.Info("stream consumer started", "consumer_id", cfg.Broker.ConsumerID, "stream", cfg.Broker.GlobalKey)

	router := gin.New()
	router.Use(gin.Recovery())
	streamapi.NewHandler(hub).Register(router)
	router.GET("/health", func(gc *gin.Context) { gc.JSON(http.StatusOK, gin.H{"status": "healthy"}) })

	srv := &http.Server{
		Addr:    ":" + httpPort,
		Handler: router,
	}

	go func() {
		slog.Info("sse gateway listening", "port", httpPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("sse gateway server failed: %v", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down stream consumer")

	c.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("sse gateway forced to shutdown: %v", err)
	}
	slog.Info("stream consumer exited")
}
