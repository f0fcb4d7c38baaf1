package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sapphire-Bridge/rag-foundation/internal/bootstrap"
	"github.com/Sapphire-Bridge/rag-foundation/internal/ingest"
	"github.com/Sapphire-Bridge/rag-foundation/internal/repository"
	"github.com/Sapphire-Bridge/rag-foundation/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx)
	if err != nil {
		log.Fatalf("bootstrap failed: %v", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			app.Log.Error().Err(err).Msg("close resources failed")
		}
	}()

	docRepo := repository.NewDocumentRepository(app.MySQL)
	storeRepo := repository.NewStoreRepository(app.MySQL)
	logRepo := repository.NewQueryLogRepository(app.MySQL)

	runner := ingest.NewRunner(ingest.RunnerOptions{
		Docs:          docRepo,
		Stores:        storeRepo,
		Client:        app.RAG,
		Engine:        app.Engine,
		Logs:          logRepo,
		Logger:        app.Log,
		IngestTimeout: time.Duration(app.Config.Gemini.IngestTimeoutSecs * float64(time.Second)),
	})

	ingestWorker := worker.NewIngestWorker(
		app.MQConn,
		runner,
		app.Config.RabbitMQ.IngestQueue,
		app.Config.RabbitMQ.Prefetch,
		app.Log,
	)
	if err := ingestWorker.Start(ctx); err != nil {
		app.Log.Fatal().Err(err).Msg("start ingest worker failed")
	}
	defer ingestWorker.Close()

	watchdog := ingest.NewWatchdog(
		docRepo,
		time.Duration(app.Config.Watchdog.TTLMinutes)*time.Minute,
		app.Log,
	)
	go watchdog.Start(ctx, time.Duration(app.Config.Watchdog.SweepMinutes)*time.Minute)

	app.Log.Info().Str("queue", app.Config.RabbitMQ.IngestQueue).Msg("worker started")
	<-ctx.Done()
	app.Log.Info().Msg("worker shutting down")
}
