package service

import (
	"sync"
	"testing"
	"time"

	"github.com/honeynil/PropertyTransactionService/internal/infrastructure/lock"
	"github.com/honeynil/PropertyTransactionService/internal/models"
	pkgerrors "github.com/honeynil/PropertyTransactionService/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionStateMachine_ReservePaySignCancel(t *testing.T) {
	f := newFixture(t)
	dev, units := f.addUnits(t, 1, "300000")
	unit := units[0]

	tx := f.reserve(t, unit.ID, buyerA)
	assert.Equal(t, models.StateReserved, tx.State)
	assert.True(t, dec("300000").Equal(tx.AgreedPrice))

	u, d := f.counters(t, unit.ID, dev.ID)
	assert.Equal(t, models.InventoryCounters{TotalUnits: 1, AvailableUnits: 0, ReservedUnits: 1}, u)
	assert.Equal(t, 0, d.AvailableUnits)
	assert.Equal(t, 1, d.ReservedUnits)

	booking := f.milestone(t, tx.ID, models.MilestoneBookingDeposit)
	assert.True(t, dec("30000").Equal(booking.AmountDue), "booking due %s", booking.AmountDue)
	assert.Equal(t, models.MilestonePending, booking.Status)

	paid := f.payInFull(t, tx.ID, models.MilestoneBookingDeposit)
	assert.Equal(t, models.MilestonePaid, paid.Status)
	require.NotNil(t, paid.PaidAt)

	signed := f.advance(t, tx.ID, models.StateContractSigned, solicitor)
	assert.Equal(t, models.StateContractSigned, signed.State)

	cancelled := f.advance(t, tx.ID, models.StateCancelled, buyerA)
	assert.Equal(t, models.StateCancelled, cancelled.State)

	u, d = f.counters(t, unit.ID, dev.ID)
	assert.Equal(t, 1, u.AvailableUnits)
	assert.Equal(t, 0, u.ReservedUnits)
	assert.Equal(t, 1, d.AvailableUnits)
	assert.Equal(t, 0, d.ReservedUnits)
}

func TestTransactionStateMachine_FullPurchase(t *testing.T) {
	f := newFixture(t)
	dev, units := f.addUnits(t, 2, "250000")

	tx := f.toMortgageReady(t, units[0].ID)
	f.advance(t, tx.ID, models.StateMortgageApproved, solicitor)
	f.payInFull(t, tx.ID, models.MilestoneStagePayment)

	_, err := f.machine.RequestTransition(f.ctx, tx.ID, models.StateCompleted, admin, TransitionPayload{})
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidTransition, "final payment still pending")

	f.payInFull(t, tx.ID, models.MilestoneFinalPayment)
	done := f.advance(t, tx.ID, models.StateCompleted, admin)
	assert.Equal(t, models.StateCompleted, done.State)

	u, d := f.counters(t, units[0].ID, dev.ID)
	assert.Equal(t, 1, u.SoldUnits)
	assert.Equal(t, models.InventoryCounters{TotalUnits: 2, AvailableUnits: 1, SoldUnits: 1}, d)

	out, err := f.ledger.Outstanding(f.ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, out.IsZero())

	_, err = f.machine.RequestTransition(f.ctx, tx.ID, models.StateCancelled, admin, TransitionPayload{})
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidTransition, "terminal states never move")
}

func TestTransactionStateMachine_AgreedPricePayload(t *testing.T) {
	f := newFixture(t)
	_, units := f.addUnits(t, 1, "300000")
	tx := f.draft(t, units[0].ID, buyerA)

	price := dec("280000")
	reserved, err := f.machine.RequestTransition(f.ctx, tx.ID, models.StateReserved, agent, TransitionPayload{AgreedPrice: &price})
	require.NoError(t, err)
	assert.True(t, price.Equal(reserved.AgreedPrice))

	booking := f.milestone(t, tx.ID, models.MilestoneBookingDeposit)
	assert.True(t, dec("28000").Equal(booking.AmountDue))
}

func TestTransactionStateMachine_AgreedPriceMustBeWholeCents(t *testing.T) {
	f := newFixture(t)
	dev, units := f.addUnits(t, 1, "300000")
	tx := f.draft(t, units[0].ID, buyerA)

	price := dec("100000.005")
	_, err := f.machine.RequestTransition(f.ctx, tx.ID, models.StateReserved, agent, TransitionPayload{AgreedPrice: &price})
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidAmount)

	agg, err := f.machine.Get(f.ctx, tx.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, models.StateDraft, agg.Transaction.State)
	assert.Empty(t, agg.Milestones)
	u, _ := f.counters(t, units[0].ID, dev.ID)
	assert.Equal(t, 1, u.AvailableUnits)
}

func TestTransactionStateMachine_RejectsInvalidRequests(t *testing.T) {
	f := newFixture(t)
	dev, units := f.addUnits(t, 1, "300000")
	tx := f.reserve(t, units[0].ID, buyerA)

	tests := []struct {
		name  string
		to    models.TransactionState
		actor models.Actor
		want  error
	}{
		{"booking deposit unpaid", models.StateContractSigned, solicitor, pkgerrors.ErrInvalidTransition},
		{"buyer cannot sign", models.StateContractSigned, buyerA, pkgerrors.ErrRoleNotPermitted},
		{"skip ahead", models.StateCompleted, admin, pkgerrors.ErrInvalidTransition},
		{"back to draft", models.StateDraft, admin, pkgerrors.ErrInvalidTransition},
		{"expiry is system only", models.StateExpired, admin, pkgerrors.ErrRoleNotPermitted},
		{"expiry before ttl", models.StateExpired, models.SystemActor, pkgerrors.ErrInvalidTransition},
		{"other buyer cannot cancel", models.StateCancelled, buyerB, pkgerrors.ErrRoleNotPermitted},
		{"agent cannot cancel", models.StateCancelled, agent, pkgerrors.ErrRoleNotPermitted},
		{"unknown state", models.TransactionState("ON_HOLD"), admin, pkgerrors.ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.machine.RequestTransition(f.ctx, tx.ID, tt.to, tt.actor, TransitionPayload{})
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, pkgerrors.KindValidation, pkgerrors.KindOf(err))
		})
	}

	agg, err := f.machine.Get(f.ctx, tx.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, models.StateReserved, agg.Transaction.State)
	assert.Equal(t, int64(2), agg.Transaction.Version)
	u, _ := f.counters(t, units[0].ID, dev.ID)
	assert.Equal(t, 1, u.ReservedUnits)
}

func TestTransactionStateMachine_ConcurrentReserveLastUnit(t *testing.T) {
	f := newFixture(t)
	dev, units := f.addUnits(t, 1, "300000")
	unitID := units[0].ID

	drafts := []*models.Transaction{f.draft(t, unitID, buyerA), f.draft(t, unitID, buyerB)}
	actors := []models.Actor{buyerA, buyerB}

	errs := make([]error, len(drafts))
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range drafts {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = f.machine.RequestTransition(f.ctx, drafts[i].ID, models.StateReserved, actors[i], TransitionPayload{})
		}()
	}
	close(start)
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, pkgerrors.ErrUnitNoLongerAvailable)
	}
	assert.Equal(t, 1, succeeded)

	u, d := f.counters(t, unitID, dev.ID)
	assert.Equal(t, 1, u.ReservedUnits)
	assert.Equal(t, 1, d.ReservedUnits)

	holding, err := f.store.Transactions().CountHoldingUnit(f.ctx, unitID)
	require.NoError(t, err)
	assert.Equal(t, 1, holding)
	assert.Equal(t, 0, f.locks.Len())
}

func TestTransactionStateMachine_ReserveAfterCancelReleasesUnit(t *testing.T) {
	f := newFixture(t)
	_, units := f.addUnits(t, 1, "300000")

	first := f.reserve(t, units[0].ID, buyerA)
	f.advance(t, first.ID, models.StateCancelled, buyerA)

	second := f.reserve(t, units[0].ID, buyerB)
	assert.Equal(t, models.StateReserved, second.State)
}

func TestTransactionStateMachine_MortgageApprovalHTBGuard(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, f *fixture, txID string)
		wantErr error
	}{
		{
			name:    "no claim",
			prepare: func(t *testing.T, f *fixture, txID string) {},
		},
		{
			name: "not started",
			prepare: func(t *testing.T, f *fixture, txID string) {
				_, err := f.htb.OptIn(f.ctx, txID, dec("20000"), buyerA)
				require.NoError(t, err)
			},
		},
		{
			name: "access code issued",
			prepare: func(t *testing.T, f *fixture, txID string) {
				c, err := f.htb.Submit(f.ctx, txID, dec("20000"), buyerA)
				require.NoError(t, err)
				_, err = f.htb.IssueAccessCode(f.ctx, c.ID, "HTB-123", f.clock.Now().Add(24*time.Hour), admin)
				require.NoError(t, err)
			},
		},
		{
			name: "funds confirmed",
			prepare: func(t *testing.T, f *fixture, txID string) {
				c, err := f.htb.Submit(f.ctx, txID, dec("20000"), buyerA)
				require.NoError(t, err)
				_, err = f.htb.IssueAccessCode(f.ctx, c.ID, "HTB-123", f.clock.Now().Add(24*time.Hour), admin)
				require.NoError(t, err)
				_, err = f.htb.ConfirmFunds(f.ctx, c.ID, dec("20000"), admin)
				require.NoError(t, err)
			},
		},
		{
			name: "submitted",
			prepare: func(t *testing.T, f *fixture, txID string) {
				_, err := f.htb.Submit(f.ctx, txID, dec("20000"), buyerA)
				require.NoError(t, err)
			},
			wantErr: pkgerrors.ErrInvalidTransition,
		},
		{
			name: "rejected",
			prepare: func(t *testing.T, f *fixture, txID string) {
				c, err := f.htb.Submit(f.ctx, txID, dec("20000"), buyerA)
				require.NoError(t, err)
				_, err = f.htb.Reject(f.ctx, c.ID, "income above threshold", admin)
				require.NoError(t, err)
			},
			wantErr: pkgerrors.ErrInvalidTransition,
		},
		{
			name: "withdrawn",
			prepare: func(t *testing.T, f *fixture, txID string) {
				c, err := f.htb.OptIn(f.ctx, txID, dec("20000"), buyerA)
				require.NoError(t, err)
				_, err = f.htb.Withdraw(f.ctx, c.ID, buyerA)
				require.NoError(t, err)
			},
			wantErr: pkgerrors.ErrInvalidTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, units := f.addUnits(t, 1, "300000")
			tx := f.toMortgageReady(t, units[0].ID)
			tt.prepare(t, f, tx.ID)

			got, err := f.machine.RequestTransition(f.ctx, tx.ID, models.StateMortgageApproved, solicitor, TransitionPayload{})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, models.StateMortgageApproved, got.State)
		})
	}
}

func TestTransactionStateMachine_ContractDepositGuard(t *testing.T) {
	f := newFixture(t)
	_, units := f.addUnits(t, 1, "300000")
	tx := f.reserve(t, units[0].ID, buyerA)
	f.payInFull(t, tx.ID, models.MilestoneBookingDeposit)
	f.advance(t, tx.ID, models.StateContractSigned, solicitor)

	_, err := f.machine.RequestTransition(f.ctx, tx.ID, models.StateMortgageApproved, solicitor, TransitionPayload{})
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidTransition)

	contract := f.milestone(t, tx.ID, models.MilestoneContractDeposit)
	_, err = f.ledger.WaiveMilestone(f.ctx, contract.ID, admin, "developer incentive")
	require.NoError(t, err)

	approved := f.advance(t, tx.ID, models.StateMortgageApproved, solicitor)
	assert.Equal(t, models.StateMortgageApproved, approved.State)
}

func TestTransactionStateMachine_BusyWhenLocked(t *testing.T) {
	f := newFixture(t)
	f.locks = lock.NewTable(10 * time.Millisecond)
	f.machine.locker = f.locks
	_, units := f.addUnits(t, 1, "300000")
	tx := f.draft(t, units[0].ID, buyerA)

	release, err := f.locks.Acquire(f.ctx, lock.TransactionKey(tx.ID))
	require.NoError(t, err)

	_, err = f.machine.RequestTransition(f.ctx, tx.ID, models.StateReserved, buyerA, TransitionPayload{})
	assert.ErrorIs(t, err, pkgerrors.ErrBusy)
	assert.True(t, pkgerrors.IsRetryable(err))
	release()

	reserved, err := f.machine.RequestTransition(f.ctx, tx.ID, models.StateReserved, buyerA, TransitionPayload{})
	require.NoError(t, err)
	assert.Equal(t, models.StateReserved, reserved.State)
}

func TestTransactionStateMachine_DraftsAndOwnership(t *testing.T) {
	f := newFixture(t)
	_, units := f.addUnits(t, 1, "300000")

	_, err := f.machine.CreateDraft(f.ctx, units[0].ID, "", solicitor)
	assert.ErrorIs(t, err, pkgerrors.ErrRoleNotPermitted)

	_, err = f.machine.CreateDraft(f.ctx, "missing", "", buyerA)
	assert.ErrorIs(t, err, pkgerrors.ErrUnitNotFound)

	_, err = f.machine.CreateDraft(f.ctx, units[0].ID, "", agent)
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)

	byAgent, err := f.machine.CreateDraft(f.ctx, units[0].ID, buyerB.ID, agent)
	require.NoError(t, err)
	assert.Equal(t, buyerB.ID, byAgent.BuyerID)

	mine := f.draft(t, units[0].ID, buyerA)
	assert.Equal(t, buyerA.ID, mine.BuyerID)
	assert.Equal(t, units[0].DevelopmentID, mine.DevelopmentID)

	_, err = f.machine.Get(f.ctx, mine.ID, buyerB)
	assert.ErrorIs(t, err, pkgerrors.ErrRoleNotPermitted)

	_, err = f.machine.RequestTransition(f.ctx, mine.ID, models.StateReserved, buyerB, TransitionPayload{})
	assert.ErrorIs(t, err, pkgerrors.ErrRoleNotPermitted)
}

func TestTransactionStateMachine_EventsAreOrderedPerTransaction(t *testing.T) {
	f := newFixture(t)
	_, units := f.addUnits(t, 1, "300000")
	tx := f.reserve(t, units[0].ID, buyerA)
	f.payInFull(t, tx.ID, models.MilestoneBookingDeposit)
	f.advance(t, tx.ID, models.StateContractSigned, solicitor)

	var types []models.EventType
	var last int64
	for _, e := range f.events(t) {
		if e.TransactionID != tx.ID {
			continue
		}
		assert.Greater(t, e.Sequence, last)
		last = e.Sequence
		types = append(types, e.EventType)
	}
	assert.Equal(t, []models.EventType{
		models.EventTransactionCreated,
		models.EventTransactionReserved,
		models.EventPaymentRecorded,
		models.EventMilestonePaid,
		models.EventContractSigned,
	}, types)
}
