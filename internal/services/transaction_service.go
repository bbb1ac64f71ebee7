package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeynil/PropertyTransactionService/internal/clock"
	"github.com/honeynil/PropertyTransactionService/internal/infrastructure/lock"
	"github.com/honeynil/PropertyTransactionService/internal/infrastructure/observability"
	"github.com/honeynil/PropertyTransactionService/internal/models"
	"github.com/honeynil/PropertyTransactionService/internal/repository"
	pkgerrors "github.com/honeynil/PropertyTransactionService/pkg/errors"
	"github.com/shopspring/decimal"
)

// TransitionPayload carries the optional inputs of a transition request.
type TransitionPayload struct {
	// AgreedPrice overrides the unit's list price when reserving.
	AgreedPrice *decimal.Decimal `json:"agreed_price,omitempty"`
	Note        string           `json:"note,omitempty"`
}

type TransactionStateMachine interface {
	CreateDraft(ctx context.Context, unitID, buyerID string, actor models.Actor) (*models.Transaction, error)
	RequestTransition(ctx context.Context, transactionID string, to models.TransactionState, actor models.Actor, payload TransitionPayload) (*models.Transaction, error)
	Get(ctx context.Context, transactionID string, actor models.Actor) (*models.Aggregate, error)
}

type Config struct {
	Schedule       models.ScheduleConfig
	ReservationTTL time.Duration
}

type edge struct {
	from, to models.TransactionState
}

// rule is one allowed edge: who may request it and what must hold first.
type rule struct {
	roles []models.Role
	guard func(s *transactionStateMachine, agg *models.Aggregate) error
}

var transitions = map[edge]rule{
	{models.StateDraft, models.StateReserved}: {
		roles: []models.Role{models.RoleBuyer, models.RoleAgent},
	},
	{models.StateReserved, models.StateContractSigned}: {
		roles: []models.Role{models.RoleSolicitor, models.RoleAdmin},
		guard: settled(models.MilestoneBookingDeposit),
	},
	{models.StateContractSigned, models.StateMortgageApproved}: {
		roles: []models.Role{models.RoleSolicitor, models.RoleAdmin},
		guard: func(s *transactionStateMachine, agg *models.Aggregate) error {
			if err := settled(models.MilestoneContractDeposit)(s, agg); err != nil {
				return err
			}
			if agg.Claim != nil && !agg.Claim.Status.AllowsMortgageApproval() {
				return fmt.Errorf("%w: htb claim is %s", pkgerrors.ErrInvalidTransition, agg.Claim.Status)
			}
			return nil
		},
	},
	{models.StateMortgageApproved, models.StateCompleted}: {
		roles: []models.Role{models.RoleSolicitor, models.RoleAdmin},
		guard: settled(models.MilestoneFinalPayment),
	},
	{models.StateReserved, models.StateCancelled}:         {roles: []models.Role{models.RoleBuyer, models.RoleAdmin}},
	{models.StateContractSigned, models.StateCancelled}:   {roles: []models.Role{models.RoleBuyer, models.RoleAdmin}},
	{models.StateMortgageApproved, models.StateCancelled}: {roles: []models.Role{models.RoleBuyer, models.RoleAdmin}},
	{models.StateReserved, models.StateExpired}: {
		roles: []models.Role{models.RoleSystem},
		guard: func(s *transactionStateMachine, agg *models.Aggregate) error {
			deadline := agg.Transaction.StateEnteredAt.Add(s.cfg.ReservationTTL)
			if s.clock.Now().Before(deadline) {
				return fmt.Errorf("%w: reservation valid until %s", pkgerrors.ErrInvalidTransition, deadline.Format(time.RFC3339))
			}
			if m, ok := agg.Milestone(models.MilestoneBookingDeposit); ok && m.Status.Settled() {
				return fmt.Errorf("%w: booking deposit is %s", pkgerrors.ErrInvalidTransition, m.Status)
			}
			return nil
		},
	},
}

func settled(t models.MilestoneType) func(*transactionStateMachine, *models.Aggregate) error {
	return func(_ *transactionStateMachine, agg *models.Aggregate) error {
		m, ok := agg.Milestone(t)
		if !ok {
			return fmt.Errorf("%w: no %s milestone", pkgerrors.ErrInvalidTransition, t)
		}
		if !m.Status.Settled() {
			return fmt.Errorf("%w: %s is %s", pkgerrors.ErrInvalidTransition, t, m.Status)
		}
		return nil
	}
}

type transactionStateMachine struct {
	store     repository.Store
	locker    lock.Locker
	ledger    MilestoneLedger
	inventory InventoryCoordinator
	clock     clock.Clock
	cfg       Config
}

func NewTransactionStateMachine(
	store repository.Store,
	locker lock.Locker,
	ledger MilestoneLedger,
	inventory InventoryCoordinator,
	clk clock.Clock,
	cfg Config,
) *transactionStateMachine {
	return &transactionStateMachine{
		store:     store,
		locker:    locker,
		ledger:    ledger,
		inventory: inventory,
		clock:     clk,
		cfg:       cfg,
	}
}

func (s *transactionStateMachine) CreateDraft(ctx context.Context, unitID, buyerID string, actor models.Actor) (*models.Transaction, error) {
	ctx, span := startSpan(ctx, "CreateDraft")
	defer span.End()

	if err := requireRole(actor, models.RoleBuyer, models.RoleAgent, models.RoleAdmin); err != nil {
		return nil, fail(ctx, span, "state_machine", err)
	}
	if actor.Role == models.RoleBuyer {
		buyerID = actor.ID
	}
	if buyerID == "" {
		return nil, fail(ctx, span, "state_machine", fmt.Errorf("%w: buyer id is required", pkgerrors.ErrInvalidInput))
	}

	unit, err := s.store.Inventory().GetUnit(ctx, unitID)
	if err != nil {
		return nil, fail(ctx, span, "state_machine", err)
	}

	now := s.clock.Now()
	tx := &models.Transaction{
		UnitID:         unit.ID,
		BuyerID:        buyerID,
		DevelopmentID:  unit.DevelopmentID,
		State:          models.StateDraft,
		AgreedPrice:    decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
		StateEnteredAt: now,
	}
	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		if err := s.store.Transactions().Create(ctx, tx); err != nil {
			return err
		}
		return s.store.Outbox().Append(ctx, &models.DomainEvent{
			TransactionID: tx.ID,
			EventType:     models.EventTransactionCreated,
			NewState:      string(models.StateDraft),
			OccurredAt:    now,
			Payload: eventPayload(map[string]any{
				"unit_id":  unit.ID,
				"buyer_id": buyerID,
				"actor_id": actor.ID,
			}),
		})
	})
	if err != nil {
		logFailure(ctx, "failed to create draft", err, "unit_id", unitID)
		return nil, fail(ctx, span, "state_machine", err)
	}

	slog.Info("draft transaction created", "transaction_id", tx.ID, "unit_id", unit.ID, "buyer_id", buyerID)
	return tx, nil
}

func (s *transactionStateMachine) RequestTransition(ctx context.Context, transactionID string, to models.TransactionState, actor models.Actor, payload TransitionPayload) (out *models.Transaction, err error) {
	ctx, span := startSpan(ctx, "RequestTransition")
	defer span.End()

	from := models.TransactionState("")
	defer func() {
		observability.Transitions.WithLabelValues(string(from), string(to), result(err)).Inc()
	}()

	release, err := acquire(ctx, s.locker, lock.TransactionKey(transactionID))
	if err != nil {
		return nil, fail(ctx, span, "state_machine", err)
	}
	defer release()

	current, err := s.store.Transactions().GetByID(ctx, transactionID)
	if err != nil {
		return nil, fail(ctx, span, "state_machine", err)
	}
	from = current.State

	if to == models.StateReserved {
		releaseUnit, err := acquire(ctx, s.locker, lock.UnitKey(current.UnitID))
		if err != nil {
			return nil, fail(ctx, span, "state_machine", err)
		}
		defer releaseUnit()
	}

	var updated models.Transaction
	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		agg, err := s.load(ctx, transactionID)
		if err != nil {
			return err
		}
		if err := s.check(agg, to, actor); err != nil {
			return err
		}

		tx := agg.Transaction
		if err := s.apply(ctx, &tx, to, payload); err != nil {
			return err
		}

		now := s.clock.Now()
		tx.State = to
		tx.StateEnteredAt = now
		tx.UpdatedAt = now
		if err := s.store.Transactions().Update(ctx, &tx, agg.Transaction.Version); err != nil {
			return err
		}

		fields := map[string]any{
			"actor_id":   actor.ID,
			"actor_role": actor.Role,
			"unit_id":    tx.UnitID,
		}
		if payload.Note != "" {
			fields["note"] = payload.Note
		}
		if to == models.StateReserved {
			fields["agreed_price"] = tx.AgreedPrice.String()
		}
		if err := s.store.Outbox().Append(ctx, &models.DomainEvent{
			TransactionID: tx.ID,
			EventType:     models.TransitionEvent(to),
			PreviousState: string(from),
			NewState:      string(to),
			OccurredAt:    now,
			Payload:       eventPayload(fields),
		}); err != nil {
			return err
		}

		updated = tx
		return nil
	})
	if err != nil {
		logFailure(ctx, "transition rejected", err,
			"transaction_id", transactionID, "from", from, "to", to, "actor_role", actor.Role)
		return nil, fail(ctx, span, "state_machine", err)
	}

	slog.Info("transaction transitioned",
		"transaction_id", transactionID,
		"from", from,
		"to", to,
		"actor_id", actor.ID,
		"actor_role", actor.Role)
	return &updated, nil
}

// load reads the aggregate. The claim is read here, after the transaction lock
// is held, so guards never act on a claim status older than the lock.
func (s *transactionStateMachine) load(ctx context.Context, transactionID string) (*models.Aggregate, error) {
	tx, err := s.store.Transactions().GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	milestones, err := s.store.Milestones().ListByTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	claim, err := s.store.Claims().GetCurrentByTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return &models.Aggregate{Transaction: *tx, Milestones: milestones, Claim: claim}, nil
}

func (s *transactionStateMachine) check(agg *models.Aggregate, to models.TransactionState, actor models.Actor) error {
	from := agg.Transaction.State
	r, ok := transitions[edge{from, to}]
	if !ok {
		return fmt.Errorf("%w: %s to %s", pkgerrors.ErrInvalidTransition, from, to)
	}
	if err := requireRole(actor, r.roles...); err != nil {
		return err
	}
	if err := requireOwner(actor, &agg.Transaction); err != nil {
		return err
	}
	if r.guard != nil {
		return r.guard(s, agg)
	}
	return nil
}

// apply performs the inventory and ledger side effects of entering to.
func (s *transactionStateMachine) apply(ctx context.Context, tx *models.Transaction, to models.TransactionState, payload TransitionPayload) error {
	switch to {
	case models.StateReserved:
		return s.reserve(ctx, tx, payload)
	case models.StateCompleted:
		return s.inventory.ApplyDelta(ctx, tx.UnitID, tx.DevelopmentID, models.BucketReserved, models.BucketSold)
	case models.StateCancelled, models.StateExpired:
		return s.inventory.ApplyDelta(ctx, tx.UnitID, tx.DevelopmentID, models.BucketReserved, models.BucketAvailable)
	}
	return nil
}

func (s *transactionStateMachine) reserve(ctx context.Context, tx *models.Transaction, payload TransitionPayload) error {
	unit, err := s.store.Inventory().GetUnit(ctx, tx.UnitID)
	if err != nil {
		return err
	}
	price := unit.ListPrice
	if payload.AgreedPrice != nil {
		price = *payload.AgreedPrice
	}
	if err := requireAmount(price, "agreed price"); err != nil {
		return err
	}

	ok, err := s.inventory.TryReserve(ctx, tx.UnitID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: unit %s", pkgerrors.ErrUnitNoLongerAvailable, tx.UnitID)
	}
	holding, err := s.store.Transactions().CountHoldingUnit(ctx, tx.UnitID)
	if err != nil {
		return err
	}
	if holding > 0 {
		return fmt.Errorf("%w: unit %s reserved while %d transactions hold it", pkgerrors.ErrInvariantViolation, tx.UnitID, holding)
	}

	tx.AgreedPrice = price
	_, err = s.ledger.SchedulePayments(ctx, tx.ID, price, s.cfg.Schedule, s.clock.Now())
	return err
}

func (s *transactionStateMachine) Get(ctx context.Context, transactionID string, actor models.Actor) (*models.Aggregate, error) {
	ctx, span := startSpan(ctx, "GetTransaction")
	defer span.End()

	agg, err := s.load(ctx, transactionID)
	if err != nil {
		return nil, fail(ctx, span, "state_machine", err)
	}
	if err := requireOwner(actor, &agg.Transaction); err != nil {
		return nil, fail(ctx, span, "state_machine", err)
	}
	return agg, nil
}
