package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/honeynil/PropertyTransactionService/internal/clock"
	"github.com/honeynil/PropertyTransactionService/internal/infrastructure/lock"
	"github.com/honeynil/PropertyTransactionService/internal/infrastructure/observability"
	"github.com/honeynil/PropertyTransactionService/internal/models"
	"github.com/honeynil/PropertyTransactionService/internal/repository"
	pkgerrors "github.com/honeynil/PropertyTransactionService/pkg/errors"
	"github.com/shopspring/decimal"
)

// HTBClaimWorkflow owns Help-to-Buy claims. It never takes the transaction
// lock; the state machine only reads claim status.
type HTBClaimWorkflow interface {
	OptIn(ctx context.Context, transactionID string, requestedAmount decimal.Decimal, actor models.Actor) (*models.HTBClaim, error)
	Submit(ctx context.Context, transactionID string, requestedAmount decimal.Decimal, actor models.Actor) (*models.HTBClaim, error)
	IssueAccessCode(ctx context.Context, claimID, code string, expiresAt time.Time, actor models.Actor) (*models.HTBClaim, error)
	ConfirmFunds(ctx context.Context, claimID string, confirmedAmount decimal.Decimal, actor models.Actor) (*models.HTBClaim, error)
	Reject(ctx context.Context, claimID, reason string, actor models.Actor) (*models.HTBClaim, error)
	Withdraw(ctx context.Context, claimID string, actor models.Actor) (*models.HTBClaim, error)
	Get(ctx context.Context, claimID string, actor models.Actor) (*models.HTBClaim, error)
}

type htbClaimWorkflow struct {
	store  repository.Store
	locker lock.Locker
	clock  clock.Clock
}

func NewHTBClaimWorkflow(store repository.Store, locker lock.Locker, clk clock.Clock) *htbClaimWorkflow {
	return &htbClaimWorkflow{store: store, locker: locker, clock: clk}
}

func (w *htbClaimWorkflow) OptIn(ctx context.Context, transactionID string, requestedAmount decimal.Decimal, actor models.Actor) (*models.HTBClaim, error) {
	ctx, span := startSpan(ctx, "OptIn")
	defer span.End()

	claim, err := w.open(ctx, transactionID, requestedAmount, actor, false)
	if err != nil {
		logFailure(ctx, "htb opt-in failed", err, "transaction_id", transactionID)
		return nil, fail(ctx, span, "htb", err)
	}
	slog.Info("htb claim opened", "claim_id", claim.ID, "transaction_id", transactionID)
	return claim, nil
}

func (w *htbClaimWorkflow) Submit(ctx context.Context, transactionID string, requestedAmount decimal.Decimal, actor models.Actor) (*models.HTBClaim, error) {
	ctx, span := startSpan(ctx, "Submit")
	defer span.End()

	claim, err := w.open(ctx, transactionID, requestedAmount, actor, true)
	if err != nil {
		logFailure(ctx, "htb submit failed", err, "transaction_id", transactionID)
		return nil, fail(ctx, span, "htb", err)
	}
	slog.Info("htb claim submitted", "claim_id", claim.ID, "transaction_id", transactionID,
		"requested_amount", requestedAmount.String())
	return claim, nil
}

// open creates the transaction's claim, or with submit set moves a NOT_STARTED
// claim on to SUBMITTED. Only one open claim may exist per transaction.
func (w *htbClaimWorkflow) open(ctx context.Context, transactionID string, requestedAmount decimal.Decimal, actor models.Actor, submit bool) (*models.HTBClaim, error) {
	if err := requireRole(actor, models.RoleBuyer, models.RoleAdmin); err != nil {
		return nil, err
	}
	if err := requireAmount(requestedAmount, "requested amount"); err != nil {
		return nil, err
	}

	release, err := acquire(ctx, w.locker, lock.ClaimTransactionKey(transactionID))
	if err != nil {
		return nil, err
	}
	defer release()

	tx, err := w.store.Transactions().GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if err := requireOwner(actor, tx); err != nil {
		return nil, err
	}
	if !tx.State.HoldsInventory() {
		return nil, fmt.Errorf("%w: transaction %s is %s", pkgerrors.ErrTransactionNotActive, tx.ID, tx.State)
	}
	if requestedAmount.GreaterThan(tx.AgreedPrice) {
		return nil, fmt.Errorf("%w: requested amount exceeds agreed price", pkgerrors.ErrInvalidAmount)
	}

	current, err := w.store.Claims().GetCurrentByTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if current != nil && current.Status.Open() {
		if !submit || current.Status != models.ClaimNotStarted {
			return nil, fmt.Errorf("%w: claim %s is %s", pkgerrors.ErrClaimExists, current.ID, current.Status)
		}
		releaseClaim, err := acquire(ctx, w.locker, lock.ClaimKey(current.ID))
		if err != nil {
			return nil, err
		}
		defer releaseClaim()
		return w.change(ctx, current.ID, models.ClaimSubmitted, "submitted", func(_ context.Context, c *models.HTBClaim) error {
			if c.Status != models.ClaimNotStarted {
				return fmt.Errorf("%w: claim %s is %s", pkgerrors.ErrClaimExists, c.ID, c.Status)
			}
			c.RequestedAmount = requestedAmount
			return nil
		})
	}

	now := w.clock.Now()
	claim := &models.HTBClaim{
		TransactionID:   transactionID,
		RequestedAmount: requestedAmount,
		ConfirmedAmount: decimal.Zero,
		CreatedAt:       now,
	}
	claim.Append(models.ClaimNotStarted, now, "opted in")
	var previous models.ClaimStatus
	if submit {
		claim.Append(models.ClaimSubmitted, now, "submitted")
		previous = models.ClaimNotStarted
	}

	err = w.store.WithTx(ctx, func(ctx context.Context) error {
		if err := w.store.Claims().Create(ctx, claim); err != nil {
			return err
		}
		return w.appendEvent(ctx, claim, previous, "")
	})
	observability.ClaimTransitions.WithLabelValues(string(claim.Status), result(err)).Inc()
	if err != nil {
		return nil, err
	}
	return claim, nil
}

func (w *htbClaimWorkflow) IssueAccessCode(ctx context.Context, claimID, code string, expiresAt time.Time, actor models.Actor) (*models.HTBClaim, error) {
	ctx, span := startSpan(ctx, "IssueAccessCode")
	defer span.End()

	if err := requireRole(actor, models.RoleAdmin); err != nil {
		return nil, fail(ctx, span, "htb", err)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fail(ctx, span, "htb", fmt.Errorf("%w: access code is empty", pkgerrors.ErrInvalidInput))
	}

	claim, err := w.transition(ctx, claimID, models.ClaimAccessCodeIssued, "access code issued", func(_ context.Context, c *models.HTBClaim) error {
		if !expiresAt.After(w.clock.Now()) {
			return fmt.Errorf("%w: %s", pkgerrors.ErrAccessCodeExpiry, expiresAt.Format(time.RFC3339))
		}
		exp := expiresAt.UTC()
		c.AccessCode = &code
		c.AccessCodeExpiresAt = &exp
		return nil
	})
	if err != nil {
		logFailure(ctx, "failed to issue access code", err, "claim_id", claimID)
		return nil, fail(ctx, span, "htb", err)
	}
	slog.Info("htb access code issued", "claim_id", claimID, "expires_at", expiresAt)
	return claim, nil
}

func (w *htbClaimWorkflow) ConfirmFunds(ctx context.Context, claimID string, confirmedAmount decimal.Decimal, actor models.Actor) (*models.HTBClaim, error) {
	ctx, span := startSpan(ctx, "ConfirmFunds")
	defer span.End()

	if err := requireRole(actor, models.RoleAdmin); err != nil {
		return nil, fail(ctx, span, "htb", err)
	}
	if err := requireAmount(confirmedAmount, "confirmed amount"); err != nil {
		return nil, fail(ctx, span, "htb", err)
	}

	claim, err := w.transition(ctx, claimID, models.ClaimFundsConfirmed, "funds confirmed", func(_ context.Context, c *models.HTBClaim) error {
		if c.AccessCodeExpiresAt == nil {
			return fmt.Errorf("%w: claim %s has no access code", pkgerrors.ErrInvariantViolation, c.ID)
		}
		if !w.clock.Now().Before(*c.AccessCodeExpiresAt) {
			return fmt.Errorf("%w: expired at %s", pkgerrors.ErrAccessCodeExpired, c.AccessCodeExpiresAt.Format(time.RFC3339))
		}
		if !confirmedAmount.IsPositive() || confirmedAmount.GreaterThan(c.RequestedAmount) {
			return fmt.Errorf("%w: confirmed %s of requested %s",
				pkgerrors.ErrInvalidAmount, confirmedAmount.String(), c.RequestedAmount.String())
		}
		c.ConfirmedAmount = confirmedAmount
		return nil
	})
	if err != nil {
		logFailure(ctx, "failed to confirm htb funds", err, "claim_id", claimID)
		return nil, fail(ctx, span, "htb", err)
	}
	slog.Info("htb funds confirmed", "claim_id", claimID, "amount", confirmedAmount.String())
	return claim, nil
}

func (w *htbClaimWorkflow) Reject(ctx context.Context, claimID, reason string, actor models.Actor) (*models.HTBClaim, error) {
	ctx, span := startSpan(ctx, "Reject")
	defer span.End()

	if err := requireRole(actor, models.RoleAdmin); err != nil {
		return nil, fail(ctx, span, "htb", err)
	}

	claim, err := w.transition(ctx, claimID, models.ClaimRejected, reason, nil)
	if err != nil {
		logFailure(ctx, "failed to reject htb claim", err, "claim_id", claimID)
		return nil, fail(ctx, span, "htb", err)
	}
	slog.Info("htb claim rejected", "claim_id", claimID, "reason", reason)
	return claim, nil
}

func (w *htbClaimWorkflow) Withdraw(ctx context.Context, claimID string, actor models.Actor) (*models.HTBClaim, error) {
	ctx, span := startSpan(ctx, "Withdraw")
	defer span.End()

	if err := requireRole(actor, models.RoleBuyer); err != nil {
		return nil, fail(ctx, span, "htb", err)
	}

	claim, err := w.transition(ctx, claimID, models.ClaimWithdrawn, "withdrawn by buyer", func(ctx context.Context, c *models.HTBClaim) error {
		tx, err := w.store.Transactions().GetByID(ctx, c.TransactionID)
		if err != nil {
			return err
		}
		return requireOwner(actor, tx)
	})
	if err != nil {
		logFailure(ctx, "failed to withdraw htb claim", err, "claim_id", claimID)
		return nil, fail(ctx, span, "htb", err)
	}
	slog.Info("htb claim withdrawn", "claim_id", claimID)
	return claim, nil
}

func (w *htbClaimWorkflow) Get(ctx context.Context, claimID string, actor models.Actor) (*models.HTBClaim, error) {
	ctx, span := startSpan(ctx, "GetClaim")
	defer span.End()

	claim, err := w.store.Claims().GetByID(ctx, claimID)
	if err != nil {
		return nil, fail(ctx, span, "htb", err)
	}
	tx, err := w.store.Transactions().GetByID(ctx, claim.TransactionID)
	if err != nil {
		return nil, fail(ctx, span, "htb", err)
	}
	if err := requireOwner(actor, tx); err != nil {
		return nil, fail(ctx, span, "htb", err)
	}
	return claim, nil
}

// transition takes the claim lock and moves the claim to next if its current
// status allows it.
func (w *htbClaimWorkflow) transition(ctx context.Context, claimID string, next models.ClaimStatus, note string, check func(context.Context, *models.HTBClaim) error) (*models.HTBClaim, error) {
	release, err := acquire(ctx, w.locker, lock.ClaimKey(claimID))
	if err != nil {
		return nil, err
	}
	defer release()

	return w.change(ctx, claimID, next, note, func(ctx context.Context, c *models.HTBClaim) error {
		if !c.Status.CanTransitionTo(next) {
			return fmt.Errorf("%w: %s to %s", pkgerrors.ErrInvalidClaimTransition, c.Status, next)
		}
		if check != nil {
			return check(ctx, c)
		}
		return nil
	})
}

// change applies mutate and appends next to the history in one store
// transaction guarded by the claim's version.
func (w *htbClaimWorkflow) change(ctx context.Context, claimID string, next models.ClaimStatus, note string, mutate func(context.Context, *models.HTBClaim) error) (*models.HTBClaim, error) {
	var out *models.HTBClaim
	err := w.store.WithTx(ctx, func(ctx context.Context) error {
		claim, err := w.store.Claims().GetByID(ctx, claimID)
		if err != nil {
			return err
		}
		previous := claim.Status
		if err := mutate(ctx, claim); err != nil {
			return err
		}
		claim.Append(next, w.clock.Now(), note)
		if err := w.store.Claims().Update(ctx, claim, claim.Version); err != nil {
			return err
		}
		out = claim
		return w.appendEvent(ctx, claim, previous, note)
	})
	observability.ClaimTransitions.WithLabelValues(string(next), result(err)).Inc()
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (w *htbClaimWorkflow) appendEvent(ctx context.Context, claim *models.HTBClaim, previous models.ClaimStatus, note string) error {
	return w.store.Outbox().Append(ctx, &models.DomainEvent{
		TransactionID: claim.TransactionID,
		EventType:     models.EventClaimStatusChanged,
		PreviousState: string(previous),
		NewState:      string(claim.Status),
		OccurredAt:    claim.UpdatedAt,
		Payload: eventPayload(map[string]any{
			"claim_id":         claim.ID,
			"requested_amount": claim.RequestedAmount.String(),
			"confirmed_amount": claim.ConfirmedAmount.String(),
			"note":             note,
		}),
	})
}
