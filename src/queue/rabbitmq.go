package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"bank-link/src/metrics"
	"bank-link/src/models"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQ publishes sync jobs to a durable queue and consumes them with a
// bounded number of workers, so several instances can share the work.
type RabbitMQ struct {
	conn      *amqp.Connection
	publishCh *amqp.Channel
	queueName string
	workers   int
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu      sync.Mutex
	wg      sync.WaitGroup
	consume *amqp.Channel
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("invalid AMQP scheme: %s", parsed.Scheme)
	}
	return clean, nil
}

func NewRabbitMQ(amqpURL, queueName string, workers int, timeout time.Duration, m *metrics.Metrics, logger *slog.Logger) (*RabbitMQ, error) {
	cleanURL, err := sanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if queueName == "" {
		return nil, errors.New("queue name is required")
	}
	if workers <= 0 {
		workers = 1
	}
	if m == nil {
		m = metrics.New(nil)
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	return &RabbitMQ{
		conn:      conn,
		publishCh: ch,
		queueName: queueName,
		workers:   workers,
		timeout:   timeout,
		metrics:   m,
		logger:    logger,
	}, nil
}

func (q *RabbitMQ) Enqueue(ctx context.Context, job models.SyncJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	err = q.publishCh.PublishWithContext(ctx, "", q.queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    job.EnqueuedAt,
		Body:         body,
	})
	if err != nil {
		q.metrics.Jobs.WithLabelValues("rejected").Inc()
		return fmt.Errorf("publish sync job: %w", err)
	}
	q.metrics.Jobs.WithLabelValues("enqueued").Inc()
	return nil
}

// Start consumes jobs until ctx is done. Each delivery is acked once the
// handler returns; a failed job is requeued once and dropped on redelivery.
func (q *RabbitMQ) Start(ctx context.Context, handler Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Qos(q.workers, 0, false); err != nil {
		ch.Close()
		return err
	}
	msgs, err := ch.Consume(q.queueName, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return err
	}
	q.consume = ch

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-msgs:
					if !ok {
						return
					}
					q.handle(ctx, handler, d)
				}
			}
		}()
	}
	q.logger.Info("Sync consumer started", "queue", q.queueName, "workers", q.workers)
	return nil
}

func (q *RabbitMQ) handle(ctx context.Context, handler Handler, d amqp.Delivery) {
	var job models.SyncJob
	if err := json.Unmarshal(d.Body, &job); err != nil || job.ItemID == "" {
		q.logger.Error("Dropping malformed sync job", "error", err)
		d.Ack(false)
		return
	}

	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	if err := handler(ctx, job); err != nil {
		q.metrics.Jobs.WithLabelValues("failed").Inc()
		if d.Redelivered {
			q.logger.Error("Failed to run sync job, dropping", "item_id", job.ItemID, "error", err)
			d.Nack(false, false)
			return
		}
		q.logger.Warn("Failed to run sync job, requeueing", "item_id", job.ItemID, "error", err)
		d.Nack(false, true)
		return
	}
	q.metrics.Jobs.WithLabelValues("done").Inc()
	d.Ack(false)
}

// Close stops consuming, waits for running jobs and closes the connection.
func (q *RabbitMQ) Close() {
	if q.consume != nil {
		q.consume.Close()
	}
	q.wg.Wait()
	if q.publishCh != nil {
		q.publishCh.Close()
	}
	if q.conn != nil {
		q.conn.Close()
	}
}
