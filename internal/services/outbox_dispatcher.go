package service

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/honeynil/PropertyTransactionService/internal/clock"
	"github.com/honeynil/PropertyTransactionService/internal/infrastructure/observability"
	"github.com/honeynil/PropertyTransactionService/internal/models"
	"github.com/honeynil/PropertyTransactionService/internal/repository"
)

//go:generate mockgen -source=outbox_dispatcher.go -destination=mocks/mock_publisher.go -package=mocks

// EventPublisher delivers committed domain events. Publish must not return
// until the event is durably handed off.
type EventPublisher interface {
	Publish(ctx context.Context, event models.DomainEvent) error
}

// OutboxDispatcher moves committed events from the outbox to the publisher.
// Delivery is at-least-once and FIFO per transaction: once an event of a
// transaction fails, its later events wait for the next round.
type OutboxDispatcher struct {
	outbox    repository.OutboxRepository
	publisher EventPublisher
	clock     clock.Clock
	interval  time.Duration
	batchSize int
}

func NewOutboxDispatcher(outbox repository.OutboxRepository, publisher EventPublisher, clk clock.Clock, interval time.Duration, batchSize int) *OutboxDispatcher {
	return &OutboxDispatcher{
		outbox:    outbox,
		publisher: publisher,
		clock:     clk,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run dispatches until ctx is cancelled.
func (d *OutboxDispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if _, err := d.DispatchOnce(ctx); err != nil {
			slog.Error("outbox dispatch failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchOnce publishes one batch of pending events and returns how many
// were delivered.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) (int, error) {
	ctx, span := startSpan(ctx, "DispatchOutbox")
	defer span.End()

	pending, err := d.outbox.ListPending(ctx, d.batchSize)
	if err != nil {
		return 0, fail(ctx, span, "outbox", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	var order []string
	groups := make(map[string][]models.DomainEvent)
	for _, event := range pending {
		if _, ok := groups[event.TransactionID]; !ok {
			order = append(order, event.TransactionID)
		}
		groups[event.TransactionID] = append(groups[event.TransactionID], event)
	}

	var published []string
	for _, transactionID := range order {
		events := groups[transactionID]
		sort.SliceStable(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })
		for _, event := range events {
			if err := d.publisher.Publish(ctx, event); err != nil {
				observability.OutboxEvents.WithLabelValues("failed").Inc()
				slog.Warn("event not published, holding back later events of the transaction",
					"transaction_id", transactionID,
					"event_id", event.ID,
					"sequence", event.Sequence,
					"error", err)
				break
			}
			observability.OutboxEvents.WithLabelValues("published").Inc()
			published = append(published, event.ID)
		}
	}

	if len(published) == 0 {
		return 0, nil
	}
	if err := d.outbox.MarkPublished(ctx, published, d.clock.Now()); err != nil {
		// The events stay pending and go out again next round.
		return 0, fail(ctx, span, "outbox", err)
	}
	return len(published), nil
}

// LogPublisher writes events to the log. It stands in for a broker when none
// is configured.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, event models.DomainEvent) error {
	slog.InfoContext(ctx, "domain event",
		"event_type", event.EventType,
		"transaction_id", event.TransactionID,
		"sequence", event.Sequence,
		"new_state", event.NewState,
	)
	return nil
}
