package service

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/PropertyTransactionService/internal/clock"
	"github.com/honeynil/PropertyTransactionService/internal/infrastructure/lock"
	"github.com/honeynil/PropertyTransactionService/internal/infrastructure/observability"
	"github.com/honeynil/PropertyTransactionService/internal/models"
	"github.com/honeynil/PropertyTransactionService/internal/repository"
	pkgerrors "github.com/honeynil/PropertyTransactionService/pkg/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"
)

type MilestoneLedger interface {
	// SchedulePayments splits agreedPrice into milestones. It runs inside the
	// caller's store transaction and under the caller's transaction lock.
	SchedulePayments(ctx context.Context, transactionID string, agreedPrice decimal.Decimal, schedule models.ScheduleConfig, from time.Time) ([]models.Milestone, error)
	RecordPayment(ctx context.Context, milestoneID string, amount decimal.Decimal, idempotencyKey string) (*models.Milestone, error)
	// MarkOverdue flags the transaction's PENDING milestones whose due date has passed.
	MarkOverdue(ctx context.Context, transactionID string) ([]models.Milestone, error)
	WaiveMilestone(ctx context.Context, milestoneID string, actor models.Actor, reason string) (*models.Milestone, error)
	Outstanding(ctx context.Context, transactionID string) (decimal.Decimal, error)
}

type milestoneLedger struct {
	store  repository.Store
	locker lock.Locker
	clock  clock.Clock
}

func NewMilestoneLedger(store repository.Store, locker lock.Locker, clk clock.Clock) *milestoneLedger {
	return &milestoneLedger{store: store, locker: locker, clock: clk}
}

func (l *milestoneLedger) SchedulePayments(ctx context.Context, transactionID string, agreedPrice decimal.Decimal, schedule models.ScheduleConfig, from time.Time) ([]models.Milestone, error) {
	ctx, span := startSpan(ctx, "SchedulePayments")
	defer span.End()

	if err := requireAmount(agreedPrice, "agreed price"); err != nil {
		return nil, fail(ctx, span, "ledger", err)
	}
	if err := schedule.Validate(); err != nil {
		return nil, fail(ctx, span, "ledger", fmt.Errorf("%w: %v", pkgerrors.ErrInvalidSchedule, err))
	}

	milestones, err := splitPrice(transactionID, agreedPrice, schedule, from)
	if err != nil {
		return nil, fail(ctx, span, "ledger", err)
	}

	err = l.store.WithTx(ctx, func(ctx context.Context) error {
		existing, err := l.store.Milestones().ListByTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return fmt.Errorf("%w: transaction %s", pkgerrors.ErrAlreadyScheduled, transactionID)
		}
		return l.store.Milestones().CreateBatch(ctx, milestones)
	})
	if err != nil {
		logFailure(ctx, "failed to schedule payments", err, "transaction_id", transactionID)
		return nil, fail(ctx, span, "ledger", err)
	}

	slog.Info("payments scheduled",
		"transaction_id", transactionID,
		"agreed_price", agreedPrice.String(),
		"milestones", len(milestones))
	return milestones, nil
}

// splitPrice rounds every share to cents; the final payment absorbs the rounding
// remainder so that the shares always add up to the agreed price.
func splitPrice(transactionID string, price decimal.Decimal, schedule models.ScheduleConfig, from time.Time) ([]models.Milestone, error) {
	hundred := decimal.NewFromInt(100)
	var out []models.Milestone
	allocated := decimal.Zero
	for _, t := range models.MilestoneTypes {
		var entry *models.ScheduleEntry
		for i := range schedule.Entries {
			if schedule.Entries[i].Type == t {
				entry = &schedule.Entries[i]
			}
		}
		if entry == nil || entry.Percent.IsZero() {
			continue
		}

		amount := price.Mul(entry.Percent).Div(hundred).Round(amountPlaces)
		if t == models.MilestoneFinalPayment {
			amount = price.Sub(allocated)
		}
		if !amount.IsPositive() {
			return nil, fmt.Errorf("%w: %s share of %s rounds to zero", pkgerrors.ErrInvalidAmount, t, price.String())
		}
		allocated = allocated.Add(amount)

		out = append(out, models.Milestone{
			ID:            uuid.NewString(),
			TransactionID: transactionID,
			Type:          t,
			AmountDue:     amount,
			DueDate:       from.Add(entry.DueAfter),
			Status:        models.MilestonePending,
			PaidAmount:    decimal.Zero,
			UpdatedAt:     from,
		})
	}
	return out, nil
}

// fingerprint identifies the request behind an idempotency key.
func fingerprint(milestoneID string, amount decimal.Decimal) string {
	sum := blake2b.Sum256([]byte(milestoneID + "|" + amount.String()))
	return hex.EncodeToString(sum[:])
}

func (l *milestoneLedger) RecordPayment(ctx context.Context, milestoneID string, amount decimal.Decimal, idempotencyKey string) (m *models.Milestone, err error) {
	ctx, span := startSpan(ctx, "RecordPayment")
	defer span.End()
	defer func() {
		observability.Payments.WithLabelValues(result(err)).Inc()
	}()

	if idempotencyKey == "" {
		return nil, fail(ctx, span, "ledger", pkgerrors.ErrIdempotencyKeyRequired)
	}
	if err := requireAmount(amount, "payment"); err != nil {
		return nil, fail(ctx, span, "ledger", err)
	}
	fp := fingerprint(milestoneID, amount)

	// Replays are answered without taking the lock.
	if prior, err := l.replay(ctx, idempotencyKey, fp); prior != nil || err != nil {
		if err != nil {
			return nil, fail(ctx, span, "ledger", err)
		}
		return prior, nil
	}

	target, err := l.store.Milestones().GetByID(ctx, milestoneID)
	if err != nil {
		return nil, fail(ctx, span, "ledger", err)
	}

	release, err := acquire(ctx, l.locker, lock.TransactionKey(target.TransactionID))
	if err != nil {
		return nil, fail(ctx, span, "ledger", err)
	}
	defer release()

	var out models.Milestone
	err = l.store.WithTx(ctx, func(ctx context.Context) error {
		prior, err := l.replay(ctx, idempotencyKey, fp)
		if err != nil {
			return err
		}
		if prior != nil {
			out = *prior
			return nil
		}

		tx, err := l.store.Transactions().GetByID(ctx, target.TransactionID)
		if err != nil {
			return err
		}
		if !tx.State.HoldsInventory() {
			return fmt.Errorf("%w: transaction %s is %s", pkgerrors.ErrTransactionNotActive, tx.ID, tx.State)
		}

		milestones, err := l.store.Milestones().ListByTransaction(ctx, tx.ID)
		if err != nil {
			return err
		}
		var current *models.Milestone
		for i := range milestones {
			if milestones[i].ID == milestoneID {
				current = &milestones[i]
			}
		}
		if current == nil {
			return pkgerrors.ErrMilestoneNotFound
		}
		for _, other := range milestones {
			if other.Type.Precedence() < current.Type.Precedence() && !other.Status.Settled() {
				return fmt.Errorf("%w: %s is %s", pkgerrors.ErrPrecedenceViolation, other.Type, other.Status)
			}
		}
		if current.Status.Settled() || current.PaidAmount.Add(amount).GreaterThan(current.AmountDue) {
			return fmt.Errorf("%w: outstanding %s, offered %s",
				pkgerrors.ErrOverpaymentRejected, current.Outstanding().String(), amount.String())
		}

		now := l.clock.Now()
		previous := current.Status
		current.PaidAmount = current.PaidAmount.Add(amount)
		current.UpdatedAt = now
		if current.PaidAmount.Equal(current.AmountDue) {
			current.Status = models.MilestonePaid
			current.PaidAt = &now
		}
		if current.PaidAmount.GreaterThan(current.AmountDue) {
			return fmt.Errorf("%w: milestone %s paid beyond amount due", pkgerrors.ErrInvariantViolation, current.ID)
		}
		if err := l.touch(ctx, tx, now); err != nil {
			return err
		}
		if err := l.store.Milestones().Update(ctx, current); err != nil {
			return err
		}

		if err := l.store.Payments().SaveReceipt(ctx, &models.PaymentReceipt{
			IdempotencyKey: idempotencyKey,
			Fingerprint:    fp,
			MilestoneID:    milestoneID,
			TransactionID:  tx.ID,
			Amount:         amount,
			Result:         *current,
			RecordedAt:     now,
		}); err != nil {
			return err
		}

		if err := l.appendMilestoneEvent(ctx, models.EventPaymentRecorded, *current, previous, now, map[string]any{
			"amount":          amount.String(),
			"idempotency_key": idempotencyKey,
		}); err != nil {
			return err
		}
		if current.Status == models.MilestonePaid {
			if err := l.appendMilestoneEvent(ctx, models.EventMilestonePaid, *current, previous, now, nil); err != nil {
				return err
			}
		}
		out = *current
		return nil
	})
	if err != nil {
		logFailure(ctx, "failed to record payment", err,
			"milestone_id", milestoneID, "amount", amount.String(), "idempotency_key", idempotencyKey)
		return nil, fail(ctx, span, "ledger", err)
	}

	slog.Info("payment recorded",
		"milestone_id", milestoneID,
		"transaction_id", out.TransactionID,
		"amount", amount.String(),
		"status", out.Status)
	return &out, nil
}

// touch bumps the transaction's version. Every milestone write goes through
// it, so a writer that read the aggregate at an older version fails with
// ErrVersionConflict instead of overwriting a concurrent payment or landing on
// a transaction that has since been cancelled.
func (l *milestoneLedger) touch(ctx context.Context, tx *models.Transaction, now time.Time) error {
	tx.UpdatedAt = now
	return l.store.Transactions().Update(ctx, tx, tx.Version)
}

// replay returns the stored result for a key already used with the same
// request, or ErrIdempotencyConflict if the key came with a different one.
func (l *milestoneLedger) replay(ctx context.Context, key, fp string) (*models.Milestone, error) {
	receipt, err := l.store.Payments().GetReceipt(ctx, key)
	if err != nil || receipt == nil {
		return nil, err
	}
	if receipt.Fingerprint != fp {
		return nil, fmt.Errorf("%w: key %s", pkgerrors.ErrIdempotencyConflict, key)
	}
	result := receipt.Result
	return &result, nil
}

func (l *milestoneLedger) appendMilestoneEvent(ctx context.Context, eventType models.EventType, m models.Milestone, previous models.MilestoneStatus, at time.Time, extra map[string]any) error {
	fields := map[string]any{
		"milestone_id":   m.ID,
		"milestone_type": m.Type,
		"amount_due":     m.AmountDue.String(),
		"paid_amount":    m.PaidAmount.String(),
	}
	for k, v := range extra {
		fields[k] = v
	}
	return l.store.Outbox().Append(ctx, &models.DomainEvent{
		TransactionID: m.TransactionID,
		EventType:     eventType,
		PreviousState: string(previous),
		NewState:      string(m.Status),
		OccurredAt:    at,
		Payload:       eventPayload(fields),
	})
}

func (l *milestoneLedger) MarkOverdue(ctx context.Context, transactionID string) ([]models.Milestone, error) {
	ctx, span := startSpan(ctx, "MarkOverdue")
	defer span.End()

	release, err := acquire(ctx, l.locker, lock.TransactionKey(transactionID))
	if err != nil {
		return nil, fail(ctx, span, "ledger", err)
	}
	defer release()

	var marked []models.Milestone
	err = l.store.WithTx(ctx, func(ctx context.Context) error {
		tx, err := l.store.Transactions().GetByID(ctx, transactionID)
		if err != nil {
			return err
		}
		if !tx.State.HoldsInventory() {
			return nil
		}
		milestones, err := l.store.Milestones().ListByTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		now := l.clock.Now()
		for _, m := range milestones {
			if m.Status != models.MilestonePending || !m.DueDate.Before(now) {
				continue
			}
			if len(marked) == 0 {
				if err := l.touch(ctx, tx, now); err != nil {
					return err
				}
			}
			m.Status = models.MilestoneOverdue
			m.UpdatedAt = now
			if err := l.store.Milestones().Update(ctx, &m); err != nil {
				return err
			}
			if err := l.appendMilestoneEvent(ctx, models.EventMilestoneOverdue, m, models.MilestonePending, now, map[string]any{
				"due_date": m.DueDate,
			}); err != nil {
				return err
			}
			marked = append(marked, m)
		}
		return nil
	})
	if err != nil {
		logFailure(ctx, "failed to mark overdue milestones", err, "transaction_id", transactionID)
		return nil, fail(ctx, span, "ledger", err)
	}

	if len(marked) > 0 {
		slog.Info("milestones overdue", "transaction_id", transactionID, "count", len(marked))
	}
	return marked, nil
}

func (l *milestoneLedger) WaiveMilestone(ctx context.Context, milestoneID string, actor models.Actor, reason string) (*models.Milestone, error) {
	ctx, span := startSpan(ctx, "WaiveMilestone")
	defer span.End()

	if err := requireRole(actor, models.RoleAdmin); err != nil {
		return nil, fail(ctx, span, "ledger", err)
	}

	target, err := l.store.Milestones().GetByID(ctx, milestoneID)
	if err != nil {
		return nil, fail(ctx, span, "ledger", err)
	}

	release, err := acquire(ctx, l.locker, lock.TransactionKey(target.TransactionID))
	if err != nil {
		return nil, fail(ctx, span, "ledger", err)
	}
	defer release()

	var out models.Milestone
	err = l.store.WithTx(ctx, func(ctx context.Context) error {
		tx, err := l.store.Transactions().GetByID(ctx, target.TransactionID)
		if err != nil {
			return err
		}
		if !tx.State.HoldsInventory() {
			return fmt.Errorf("%w: transaction %s is %s", pkgerrors.ErrTransactionNotActive, tx.ID, tx.State)
		}
		m, err := l.store.Milestones().GetByID(ctx, milestoneID)
		if err != nil {
			return err
		}
		if m.Status.Settled() {
			return fmt.Errorf("%w: milestone is already %s", pkgerrors.ErrInvalidInput, m.Status)
		}

		now := l.clock.Now()
		previous := m.Status
		m.Status = models.MilestoneWaived
		m.UpdatedAt = now
		if err := l.touch(ctx, tx, now); err != nil {
			return err
		}
		if err := l.store.Milestones().Update(ctx, m); err != nil {
			return err
		}
		out = *m
		return l.appendMilestoneEvent(ctx, models.EventMilestoneWaived, *m, previous, now, map[string]any{
			"actor_id": actor.ID,
			"reason":   reason,
		})
	})
	if err != nil {
		logFailure(ctx, "failed to waive milestone", err, "milestone_id", milestoneID)
		return nil, fail(ctx, span, "ledger", err)
	}

	slog.Info("milestone waived", "milestone_id", milestoneID, "transaction_id", out.TransactionID, "actor_id", actor.ID)
	return &out, nil
}

func (l *milestoneLedger) Outstanding(ctx context.Context, transactionID string) (decimal.Decimal, error) {
	ctx, span := startSpan(ctx, "Outstanding")
	defer span.End()

	if _, err := l.store.Transactions().GetByID(ctx, transactionID); err != nil {
		return decimal.Zero, fail(ctx, span, "ledger", err)
	}
	milestones, err := l.store.Milestones().ListByTransaction(ctx, transactionID)
	if err != nil {
		return decimal.Zero, fail(ctx, span, "ledger", err)
	}
	return outstanding(milestones), nil
}

func outstanding(milestones []models.Milestone) decimal.Decimal {
	total := decimal.Zero
	for _, m := range milestones {
		total = total.Add(m.Outstanding())
	}
	return total
}
