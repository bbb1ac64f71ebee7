package repository

import (
	"context"
	"time"

	"github.com/honeynil/PropertyTransactionService/internal/models"
)

type OutboxRepository interface {
	// Append stores the event and assigns its per-transaction Sequence.
	Append(ctx context.Context, event *models.DomainEvent) error
	// ListPending returns unpublished events in insertion order.
	ListPending(ctx context.Context, limit int) ([]models.DomainEvent, error)
	MarkPublished(ctx context.Context, ids []string, at time.Time) error
}
