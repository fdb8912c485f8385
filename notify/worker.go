package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sender delivers one message to its external channel. Implementations
// wrap the email or WhatsApp gateway; delivery is at-least-once.
type Sender interface {
	Send(ctx context.Context, topic string, payload []byte) error
}

// LogSender writes deliveries to the process log. It stands in for the
// real gateways in development and in the stress harness.
type LogSender struct{}

func (LogSender) Send(_ context.Context, topic string, payload []byte) error {
	log.Printf("notify: deliver %s %s", topic, payload)
	return nil
}

// Worker drains pending outbox rows in batches. Rows are claimed with
// SKIP LOCKED so multiple workers never double-deliver within one poll,
// and a crashed worker releases its claim on rollback.
type Worker struct {
	pool        *pgxpool.Pool
	sender      Sender
	batchSize   int
	maxAttempts int
	interval    time.Duration
}

func NewWorker(pool *pgxpool.Pool, sender Sender) *Worker {
	return &Worker{
		pool:        pool,
		sender:      sender,
		batchSize:   25,
		maxAttempts: 5,
		interval:    time.Second,
	}
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				log.Printf("notify: outbox pass failed: %v", err)
			}
		}
	}
}

// RunOnce claims and delivers one batch, returning the number of rows it
// resolved (processed or dead).
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("notify: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := claimPending(ctx, tx, w.batchSize)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	resolved := 0
	for _, msg := range msgs {
		if err := w.sender.Send(ctx, msg.Topic, msg.Payload); err != nil {
			log.Printf("notify: deliver %s (outbox %d, attempt %d): %v", msg.Topic, msg.ID, msg.Attempts+1, err)
			status := "pending"
			if msg.Attempts+1 >= w.maxAttempts {
				status = "dead"
				resolved++
			}
			if _, err := tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, status = $2::outbox_status WHERE id = $1`, msg.ID, status); err != nil {
				return resolved, fmt.Errorf("notify: record failure: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', attempts = attempts + 1 WHERE id = $1`, msg.ID); err != nil {
			return resolved, fmt.Errorf("notify: mark processed: %w", err)
		}
		resolved++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("notify: commit batch: %w", err)
	}
	return resolved, nil
}

func claimPending(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, topic, payload, status::text, attempts, created_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("notify: claim pending: %w", err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Status, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("notify: scan outbox row: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notify: iterate outbox: %w", err)
	}
	return msgs, nil
}
