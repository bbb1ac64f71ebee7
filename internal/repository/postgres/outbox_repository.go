package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/PropertyTransactionService/internal/models"
	"github.com/lib/pq"
)

type outboxRepository struct {
	s *Store
}

// Append allocates the next sequence for the event's transaction with an
// upsert, so concurrent writers for the same transaction serialise on the
// outbox_sequences row.
func (r *outboxRepository) Append(ctx context.Context, event *models.DomainEvent) (err error) {
	ctx, done := observe(ctx, "AppendOutboxEvent")
	defer func() { done(&err) }()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	var seq int64
	err = r.s.q(ctx).QueryRowContext(ctx, `INSERT INTO outbox_sequences (transaction_id, last_sequence) VALUES ($1, 1)
		ON CONFLICT (transaction_id) DO UPDATE SET last_sequence = outbox_sequences.last_sequence + 1
		RETURNING last_sequence`, event.TransactionID).Scan(&seq)
	if err != nil {
		slog.Error("failed to allocate outbox sequence", "method", "Append", "transaction_id", event.TransactionID, "error", err)
		return fmt.Errorf("failed to allocate outbox sequence: %w", classify(err))
	}

	var payload []byte
	if len(event.Payload) > 0 {
		payload = event.Payload
	}
	query := `INSERT INTO outbox_events (id, transaction_id, sequence, event_type, previous_state, new_state, occurred_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = r.s.q(ctx).ExecContext(ctx, query, event.ID, event.TransactionID, seq, event.EventType,
		event.PreviousState, event.NewState, event.OccurredAt, payload)
	if err != nil {
		slog.Error("failed to append outbox event", "method", "Append", "event_type", event.EventType, "error", err)
		return fmt.Errorf("failed to append outbox event: %w", classify(err))
	}

	event.Sequence = seq
	return nil
}

func (r *outboxRepository) ListPending(ctx context.Context, limit int) (events []models.DomainEvent, err error) {
	ctx, done := observe(ctx, "ListPendingOutboxEvents")
	defer func() { done(&err) }()

	query := `SELECT id, transaction_id, sequence, event_type, previous_state, new_state, occurred_at, payload
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY position
		LIMIT $1`
	rows, err := r.s.q(ctx).QueryContext(ctx, query, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox events: %w", classify(err))
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e       models.DomainEvent
			payload []byte
		)
		if err = rows.Scan(&e.ID, &e.TransactionID, &e.Sequence, &e.EventType, &e.PreviousState, &e.NewState,
			&e.OccurredAt, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		if len(payload) > 0 {
			e.Payload = payload
		}
		events = append(events, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list outbox events: %w", classify(err))
	}
	return events, nil
}

func (r *outboxRepository) MarkPublished(ctx context.Context, ids []string, at time.Time) (err error) {
	ctx, done := observe(ctx, "MarkOutboxEventsPublished")
	defer func() { done(&err) }()

	if len(ids) == 0 {
		return nil
	}
	_, err = r.s.q(ctx).ExecContext(ctx, `UPDATE outbox_events SET published_at = $2 WHERE id = ANY($1)`, pq.Array(ids), at)
	if err != nil {
		return fmt.Errorf("failed to mark outbox events published: %w", classify(err))
	}
	return nil
}
