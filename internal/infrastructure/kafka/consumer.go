package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeynil/PropertyTransactionService/internal/models"
	pkgerrors "github.com/honeynil/PropertyTransactionService/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

// ErrRetriesExhausted stops the consumer when a confirmation keeps failing
// with a retryable error. Its offset stays uncommitted, so the group
// redelivers it once the consumer is restarted.
var ErrRetriesExhausted = errors.New("payment confirmation retries exhausted")

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// PaymentRecorder is satisfied by the milestone ledger.
type PaymentRecorder interface {
	RecordPayment(ctx context.Context, milestoneID string, amount decimal.Decimal, idempotencyKey string) (*models.Milestone, error)
}

type paymentConfirmation struct {
	MilestoneID    string          `json:"milestone_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// PaymentConsumer applies payment confirmations from the payment provider.
// A message is committed once it has been applied or rejected for good.
// Retryable failures are retried with backoff up to maxAttempts times; after
// that Run returns ErrRetriesExhausted without committing.
type PaymentConsumer struct {
	reader      messageReader
	recorder    PaymentRecorder
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxAttempts int
}

func NewPaymentConsumer(brokers []string, topic, groupID string, recorder PaymentRecorder) *PaymentConsumer {
	return newPaymentConsumer(kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	}), recorder)
}

func newPaymentConsumer(reader messageReader, recorder PaymentRecorder) *PaymentConsumer {
	return &PaymentConsumer{
		reader:      reader,
		recorder:    recorder,
		minBackoff:  100 * time.Millisecond,
		maxBackoff:  10 * time.Second,
		maxAttempts: 10,
	}
}

// Run consumes until ctx is cancelled or a confirmation exhausts its retries.
func (c *PaymentConsumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("failed to read Kafka message", "error", err)
			if !sleep(ctx, c.minBackoff) {
				return nil
			}
			continue
		}

		ok, err := c.handle(ctx, msg)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("failed to commit Kafka message", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		}
	}
}

// handle reports whether msg may be committed. It returns false when ctx ends
// while a retryable failure is still pending, and an error once the retries
// run out.
func (c *PaymentConsumer) handle(ctx context.Context, msg kafka.Message) (bool, error) {
	var p paymentConfirmation
	if err := json.Unmarshal(msg.Value, &p); err != nil {
		slog.Error("failed to unmarshal payment confirmation", "offset", msg.Offset, "error", err)
		return true, nil
	}

	backoff := c.minBackoff
	for attempt := 1; ; attempt++ {
		m, err := c.recorder.RecordPayment(ctx, p.MilestoneID, p.Amount, p.IdempotencyKey)
		if err == nil {
			slog.Info("payment confirmation applied", "milestone_id", m.ID, "status", m.Status, "idempotency_key", p.IdempotencyKey)
			return true, nil
		}
		if !pkgerrors.IsRetryable(err) {
			level := slog.LevelWarn
			if pkgerrors.KindOf(err) == pkgerrors.KindInternal {
				level = slog.LevelError
			}
			slog.Log(ctx, level, "payment confirmation rejected",
				"milestone_id", p.MilestoneID, "idempotency_key", p.IdempotencyKey, "error", err)
			return true, nil
		}
		if attempt >= c.maxAttempts {
			slog.Error("payment confirmation retries exhausted",
				"milestone_id", p.MilestoneID, "partition", msg.Partition, "offset", msg.Offset, "attempts", attempt, "error", err)
			return false, fmt.Errorf("%w: offset %d after %d attempts: %w", ErrRetriesExhausted, msg.Offset, attempt, err)
		}

		slog.Warn("payment confirmation deferred", "milestone_id", p.MilestoneID, "attempt", attempt, "retry_in", backoff, "error", err)
		if !sleep(ctx, backoff) {
			return false, nil
		}
		backoff = min(backoff*2, c.maxBackoff)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *PaymentConsumer) Close() error {
	return c.reader.Close()
}
