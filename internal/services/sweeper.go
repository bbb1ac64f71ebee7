package service

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/honeynil/PropertyTransactionService/internal/clock"
	"github.com/honeynil/PropertyTransactionService/internal/infrastructure/observability"
	"github.com/honeynil/PropertyTransactionService/internal/models"
	"github.com/honeynil/PropertyTransactionService/internal/repository"
	pkgerrors "github.com/honeynil/PropertyTransactionService/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const sweepBatch = 500

// Sweeper expires stale reservations and flags overdue milestones. It goes
// through the same locked paths as API requests.
type Sweeper struct {
	store   repository.Store
	machine TransactionStateMachine
	ledger  MilestoneLedger
	clock   clock.Clock
	ttl     time.Duration
	workers int
}

func NewSweeper(store repository.Store, machine TransactionStateMachine, ledger MilestoneLedger, clk clock.Clock, ttl time.Duration, workers int) *Sweeper {
	if workers < 1 {
		workers = 1
	}
	return &Sweeper{
		store:   store,
		machine: machine,
		ledger:  ledger,
		clock:   clk,
		ttl:     ttl,
		workers: workers,
	}
}

func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepExpired(ctx); err != nil {
			slog.Error("expiry sweep failed", "error", err)
		}
		if _, err := s.SweepOverdue(ctx); err != nil {
			slog.Error("overdue sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SweepExpired moves reservations older than the TTL to EXPIRED and returns
// how many it expired.
func (s *Sweeper) SweepExpired(ctx context.Context) (int, error) {
	ctx, span := startSpan(ctx, "SweepExpired")
	defer span.End()

	ids, err := s.store.Transactions().ListReservedBefore(ctx, s.clock.Now().Add(-s.ttl), sweepBatch)
	if err != nil {
		return 0, fail(ctx, span, "sweeper", err)
	}

	return s.partition(ctx, ids, func(ctx context.Context, id string) (bool, error) {
		_, err := s.machine.RequestTransition(ctx, id, models.StateExpired, models.SystemActor, TransitionPayload{Note: "reservation ttl elapsed"})
		switch {
		case err == nil:
			observability.SweepActions.WithLabelValues("expire", "applied").Inc()
			return true, nil
		case errors.Is(err, pkgerrors.ErrInvalidTransition):
			// Deposit paid or state moved on since the listing.
			observability.SweepActions.WithLabelValues("expire", "skipped").Inc()
			return false, nil
		case pkgerrors.IsRetryable(err):
			observability.SweepActions.WithLabelValues("expire", "deferred").Inc()
			return false, nil
		}
		observability.SweepActions.WithLabelValues("expire", "failed").Inc()
		return false, err
	})
}

// SweepOverdue marks PENDING milestones past their due date as OVERDUE.
func (s *Sweeper) SweepOverdue(ctx context.Context) (int, error) {
	ctx, span := startSpan(ctx, "SweepOverdue")
	defer span.End()

	ids, err := s.store.Milestones().ListTransactionsWithPendingDue(ctx, s.clock.Now(), sweepBatch)
	if err != nil {
		return 0, fail(ctx, span, "sweeper", err)
	}

	return s.partition(ctx, ids, func(ctx context.Context, id string) (bool, error) {
		marked, err := s.ledger.MarkOverdue(ctx, id)
		switch {
		case err == nil:
			observability.SweepActions.WithLabelValues("overdue", "applied").Inc()
			return len(marked) > 0, nil
		case pkgerrors.IsRetryable(err):
			observability.SweepActions.WithLabelValues("overdue", "deferred").Inc()
			return false, nil
		}
		observability.SweepActions.WithLabelValues("overdue", "failed").Inc()
		return false, err
	})
}

// partition spreads ids over the workers by hash so a transaction is always
// handled by the same worker within a sweep. A failing id is logged and does
// not stop the others.
func (s *Sweeper) partition(ctx context.Context, ids []string, handle func(context.Context, string) (bool, error)) (int, error) {
	buckets := make([][]string, s.workers)
	for _, id := range ids {
		h := fnv.New32a()
		_, _ = h.Write([]byte(id))
		i := int(h.Sum32() % uint32(s.workers))
		buckets[i] = append(buckets[i], id)
	}

	counts := make([]int, s.workers)
	g, ctx := errgroup.WithContext(ctx)
	for w := range buckets {
		w := w
		g.Go(func() error {
			for _, id := range buckets[w] {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				done, err := handle(ctx, id)
				if err != nil {
					slog.Error("sweep action failed", "transaction_id", id, "error", err)
					continue
				}
				if done {
					counts[w]++
				}
			}
			return nil
		})
	}
	err := g.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	return total, err
}
