package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"ragdesk/internal/model"
	"ragdesk/internal/platform/rabbitmq"
)

// JobProcessor runs one ingest job. Returned errors are treated as
// transient and the job is requeued.
type JobProcessor interface {
	ProcessJob(ctx context.Context, job model.IngestJob) error
}

// IngestWorker consumes ingest jobs from a durable queue.
type IngestWorker struct {
	conn      *amqp.Connection
	processor JobProcessor
	queueName string
	prefetch  int
	log       *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewIngestWorker(conn *amqp.Connection, processor JobProcessor, queueName string, log *zap.Logger) *IngestWorker {
	return &IngestWorker{
		conn:      conn,
		processor: processor,
		queueName: queueName,
		prefetch:  1,
		log:       log.Named("ingest-worker"),
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
	if err := rabbitmq.DeclareQueue(ch, w.queueName); err != nil {
		_ = ch.Close()
		cancel()
		return err
	}
	if err := ch.Qos(w.prefetch, 0, false); err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("set worker qos failed: %w", err)
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
					w.log.Warn("delivery channel closed")
					return
				}
				switch w.handle(workerCtx, d.Body, d.Redelivered) {
				case outcomeAck:
					_ = d.Ack(false)
				case outcomeRequeue:
					_ = d.Nack(false, true)
				default:
					_ = d.Nack(false, false)
				}
			}
		}
	}()

	w.log.Info("ingest worker started", zap.String("queue", w.queueName))
	return nil
}

type outcome int

const (
	outcomeAck outcome = iota
	outcomeRequeue
	outcomeDrop
)

func (w *IngestWorker) handle(ctx context.Context, body []byte, redelivered bool) outcome {
	var job model.IngestJob
	if err := json.Unmarshal(body, &job); err != nil || job.DocumentID == "" || job.OwnerID == "" {
		w.log.Error("drop malformed ingest job", zap.ByteString("body", body), zap.Error(err))
		return outcomeDrop
	}

	if err := w.processor.ProcessJob(ctx, job); err != nil {
		w.log.Warn("ingest job failed",
			zap.String("document_id", job.DocumentID),
			zap.Bool("redelivered", redelivered),
			zap.Error(err),
		)
		// one retry through the broker, then give up; the reaper fails
		// whatever is left behind
		if redelivered || ctx.Err() != nil {
			return outcomeDrop
		}
		return outcomeRequeue
	}
	return outcomeAck
}

func (w *IngestWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
