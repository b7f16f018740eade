package worker

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"promptly/internal/model"
	"promptly/internal/platform/rabbitmq"
)

type AuditSink interface {
	Create(ctx context.Context, event *model.AuditEvent) error
}

// AuditWorker consumes orchestrator events and writes them to the audit log.
type AuditWorker struct {
	conn      *amqp.Connection
	sink      AuditSink
	queueName string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewAuditWorker(conn *amqp.Connection, sink AuditSink, queueName string) *AuditWorker {
	return &AuditWorker{
		conn:      conn,
		sink:      sink,
		queueName: queueName,
	}
}

func (w *AuditWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	ch, err := w.conn.Channel()
	if err != nil {
		return fmt.Errorf("open worker channel failed: %w", err)
	}
	if err := rabbitmq.DeclareQueue(ch, w.queueName); err != nil {
		_ = ch.Close()
		return err
	}
	if err := ch.Qos(16, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("set worker prefetch failed: %w", err)
	}

	deliveries, err := ch.Consume(w.queueName, "promptly-audit", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

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
					log.Warn().Str("queue", w.queueName).Msg("audit deliveries channel closed")
					return
				}
				if err := w.handle(workerCtx, d.Body); err != nil {
					log.Error().Err(err).Str("queue", w.queueName).Msg("audit event dropped")
					_ = d.Nack(false, false)
					continue
				}
				_ = d.Ack(false)
			}
		}
	}()

	log.Info().Str("queue", w.queueName).Msg("audit worker started")
	return nil
}

func (w *AuditWorker) handle(ctx context.Context, body []byte) error {
	event, err := rabbitmq.DecodeEvent(body)
	if err != nil {
		return err
	}
	audit := model.NewAuditEvent(event)
	if err := w.sink.Create(ctx, &audit); err != nil {
		return err
	}
	log.Debug().
		Str("session_id", event.SessionID).
		Str("type", string(event.Type)).
		Msg("audit event stored")
	return nil
}

func (w *AuditWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
