// Package worker hosts the queue consumers and timers that run outside the
// request path.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/Sapphire-Bridge/rag-foundation/internal/ingest"
)

// IngestWorker consumes ingestion jobs. Business outcomes (done, skipped,
// terminal ERROR) ack the delivery; only infrastructure failures nack with
// requeue, relying on the runner's guard clauses to make redelivery safe.
type IngestWorker struct {
	conn      *amqp.Connection
	runner    *ingest.Runner
	queueName string
	prefetch  int
	log       zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewIngestWorker(conn *amqp.Connection, runner *ingest.Runner, queueName string, prefetch int, log zerolog.Logger) *IngestWorker {
	if prefetch <= 0 {
		prefetch = 1
	}
	return &IngestWorker{
		conn:      conn,
		runner:    runner,
		queueName: queueName,
		prefetch:  prefetch,
		log:       log,
	}
}

func (w *IngestWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	ch, err := w.conn.Channel()
	if err != nil {
		cancel()
		return fmt.Errorf("open worker channel failed: %w", err)
	}

	if err := ch.Qos(w.prefetch, 0, false); err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("set worker prefetch failed: %w", err)
	}

	_, err = ch.QueueDeclare(
		w.queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("declare worker queue failed: %w", err)
	}

	deliveries, err := ch.Consume(
		w.queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()

		for {
			select {
			case <-workerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				w.handle(workerCtx, d)
			}
		}
	}()

	return nil
}

func (w *IngestWorker) handle(ctx context.Context, d amqp.Delivery) {
	var job ingest.Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		w.log.Error().Err(err).Msg("worker decode ingest job failed")
		_ = d.Nack(false, false)
		return
	}

	err := w.runner.Run(ctx, job)
	switch {
	case err == nil || errors.Is(err, ingest.ErrSkip):
		_ = d.Ack(false)
	case ctx.Err() != nil:
		// Shutting down mid-job; give the delivery back.
		_ = d.Nack(false, true)
	default:
		w.log.Error().Err(err).Uint("document_id", job.DocumentID).Msg("ingest job infrastructure failure")
		_ = d.Nack(false, true)
	}
}

func (w *IngestWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
