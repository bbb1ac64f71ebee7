package service

import (
	"sync"
	"testing"
	"time"

	"github.com/honeynil/PropertyTransactionService/internal/models"
	pkgerrors "github.com/honeynil/PropertyTransactionService/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMilestoneLedger_SchedulePayments(t *testing.T) {
	f := newFixture(t)
	from := f.clock.Now()

	milestones, err := f.ledger.SchedulePayments(f.ctx, "tx-1", dec("100000.01"), models.DefaultSchedule(), from)
	require.NoError(t, err)
	require.Len(t, milestones, 4)

	want := []struct {
		typ models.MilestoneType
		due string
		at  time.Duration
	}{
		{models.MilestoneBookingDeposit, "10000", 3 * 24 * time.Hour},
		{models.MilestoneContractDeposit, "10000", 28 * 24 * time.Hour},
		{models.MilestoneStagePayment, "30000", 180 * 24 * time.Hour},
		{models.MilestoneFinalPayment, "50000.01", 365 * 24 * time.Hour},
	}
	total := decimal.Zero
	for i, w := range want {
		assert.Equal(t, w.typ, milestones[i].Type)
		assert.True(t, dec(w.due).Equal(milestones[i].AmountDue), "%s due %s", w.typ, milestones[i].AmountDue)
		assert.Equal(t, from.Add(w.at), milestones[i].DueDate)
		assert.Equal(t, models.MilestonePending, milestones[i].Status)
		total = total.Add(milestones[i].AmountDue)
	}
	assert.True(t, dec("100000.01").Equal(total))

	_, err = f.ledger.SchedulePayments(f.ctx, "tx-1", dec("100000.01"), models.DefaultSchedule(), from)
	assert.ErrorIs(t, err, pkgerrors.ErrAlreadyScheduled)
}

func TestMilestoneLedger_ScheduleWithoutStagePayment(t *testing.T) {
	f := newFixture(t)
	schedule := models.ScheduleConfig{Entries: []models.ScheduleEntry{
		{Type: models.MilestoneBookingDeposit, Percent: dec("5"), DueAfter: time.Hour},
		{Type: models.MilestoneContractDeposit, Percent: dec("5")},
		{Type: models.MilestoneStagePayment, Percent: decimal.Zero},
		{Type: models.MilestoneFinalPayment, Percent: dec("90")},
	}}

	milestones, err := f.ledger.SchedulePayments(f.ctx, "tx-2", dec("200000"), schedule, f.clock.Now())
	require.NoError(t, err)
	require.Len(t, milestones, 3)
	assert.Equal(t, models.MilestoneFinalPayment, milestones[2].Type)
	assert.True(t, dec("180000").Equal(milestones[2].AmountDue))
}

func TestMilestoneLedger_ScheduleRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.SchedulePayments(f.ctx, "tx-3", decimal.Zero, models.DefaultSchedule(), f.clock.Now())
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidAmount)

	broken := models.ScheduleConfig{Entries: []models.ScheduleEntry{
		{Type: models.MilestoneBookingDeposit, Percent: dec("10")},
		{Type: models.MilestoneFinalPayment, Percent: dec("90")},
	}}
	_, err = f.ledger.SchedulePayments(f.ctx, "tx-3", dec("1000"), broken, f.clock.Now())
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidSchedule)
}

func TestMilestoneLedger_OverpaymentRejected(t *testing.T) {
	f := newFixture(t)
	_, units := f.addUnits(t, 1, "300000")
	tx := f.reserve(t, units[0].ID, buyerB)
	booking := f.milestone(t, tx.ID, models.MilestoneBookingDeposit)

	_, err := f.ledger.RecordPayment(f.ctx, booking.ID, dec("30000.01"), "overpay-1")
	assert.ErrorIs(t, err, pkgerrors.ErrOverpaymentRejected)

	after := f.milestone(t, tx.ID, models.MilestoneBookingDeposit)
	assert.Equal(t, booking, after)

	// The failed attempt must not burn the key.
	paid, err := f.ledger.RecordPayment(f.ctx, booking.ID, dec("30000"), "overpay-1")
	require.NoError(t, err)
	assert.Equal(t, models.MilestonePaid, paid.Status)
}

func TestMilestoneLedger_Idempotency(t *testing.T) {
	f := newFixture(t)
	_, units := f.addUnits(t, 1, "300000")
	tx := f.reserve(t, units[0].ID, buyerA)
	booking := f.milestone(t, tx.ID, models.MilestoneBookingDeposit)

	first, err := f.ledger.RecordPayment(f.ctx, booking.ID, dec("10000"), "key-1")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	second, err := f.ledger.RecordPayment(f.ctx, booking.ID, dec("10000.00"), "key-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	stored := f.milestone(t, tx.ID, models.MilestoneBookingDeposit)
	assert.True(t, dec("10000").Equal(stored.PaidAmount))
	assert.Equal(t, models.MilestonePending, stored.Status)

	_, err = f.ledger.RecordPayment(f.ctx, booking.ID, dec("5000"), "key-1")
	assert.ErrorIs(t, err, pkgerrors.ErrIdempotencyConflict)

	_, err = f.ledger.RecordPayment(f.ctx, booking.ID, dec("5000"), "")
	assert.ErrorIs(t, err, pkgerrors.ErrIdempotencyKeyRequired)
}

func TestMilestoneLedger_ConcurrentReplays(t *testing.T) {
	f := newFixture(t)
	_, units := f.addUnits(t, 1, "300000")
	tx := f.reserve(t, units[0].ID, buyerA)
	booking := f.milestone(t, tx.ID, models.MilestoneBookingDeposit)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.RecordPayment(f.ctx, booking.ID, dec("20000"), "same-key")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored := f.milestone(t, tx.ID, models.MilestoneBookingDeposit)
	assert.True(t, dec("20000").Equal(stored.PaidAmount), "paid %s", stored.PaidAmount)
}

func TestMilestoneLedger_PartialPaymentsSettle(t *testing.T) {
	f := newFixture(t)
	_, units := f.addUnits(t, 1, "300000")
	tx := f.reserve(t, units[0].ID, buyerA)
	booking := f.milestone(t, tx.ID, models.MilestoneBookingDeposit)

	m, err := f.ledger.RecordPayment(f.ctx, booking.ID, dec("12000"), "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.MilestonePending, m.Status)
	assert.Nil(t, m.PaidAt)

	out, err := f.ledger.Outstanding(f.ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, dec("288000").Equal(out), "outstanding %s", out)

	m, err = f.ledger.RecordPayment(f.ctx, booking.ID, dec("18000"), "p-2")
	require.NoError(t, err)
	assert.Equal(t, models.MilestonePaid, m.Status)
	require.NotNil(t, m.PaidAt)
	assert.Equal(t, f.clock.Now(), *m.PaidAt)
}

func TestMilestoneLedger_Precedence(t *testing.T) {
	f := newFixture(t)
	_, units := f.addUnits(t, 1, "300000")
	tx := f.reserve(t, units[0].ID, buyerA)
	contract := f.milestone(t, tx.ID, models.MilestoneContractDeposit)
	final := f.milestone(t, tx.ID, models.MilestoneFinalPayment)

	_, err := f.ledger.RecordPayment(f.ctx, contract.ID, contract.AmountDue, "early-1")
	assert.ErrorIs(t, err, pkgerrors.ErrPrecedenceViolation)

	f.payInFull(t, tx.ID, models.MilestoneBookingDeposit)
	_, err = f.ledger.RecordPayment(f.ctx, final.ID, final.AmountDue, "early-2")
	assert.ErrorIs(t, err, pkgerrors.ErrPrecedenceViolation)

	paid, err := f.ledger.RecordPayment(f.ctx, contract.ID, contract.AmountDue, "in-order")
	require.NoError(t, err)
	assert.Equal(t, models.MilestonePaid, paid.Status)

	agg, err := f.machine.Get(f.ctx, tx.ID, buyerA)
	require.NoError(t, err)
	for _, m := range agg.Milestones {
		if m.Status != models.MilestonePaid {
			continue
		}
		for _, lower := range agg.Milestones {
			if lower.Type.Precedence() < m.Type.Precedence() {
				assert.True(t, lower.Status.Settled(), "%s paid while %s is %s", m.Type, lower.Type, lower.Status)
			}
		}
	}
}

func TestMilestoneLedger_NotActiveTransaction(t *testing.T) {
	f := newFixture(t)
	_, units := f.addUnits(t, 1, "300000")
	tx := f.reserve(t, units[0].ID, buyerA)
	booking := f.milestone(t, tx.ID, models.MilestoneBookingDeposit)
	f.advance(t, tx.ID, models.StateCancelled, buyerA)

	_, err := f.ledger.RecordPayment(f.ctx, booking.ID, dec("100"), "late-1")
	assert.ErrorIs(t, err, pkgerrors.ErrTransactionNotActive)

	_, err = f.ledger.RecordPayment(f.ctx, "missing", dec("100"), "late-2")
	assert.ErrorIs(t, err, pkgerrors.ErrMilestoneNotFound)
}

func TestMilestoneLedger_MarkOverdueAndWaive(t *testing.T) {
	f := newFixture(t)
	_, units := f.addUnits(t, 1, "300000")
	tx := f.reserve(t, units[0].ID, buyerA)

	marked, err := f.ledger.MarkOverdue(f.ctx, tx.ID)
	require.NoError(t, err)
	assert.Empty(t, marked)

	f.clock.Advance(4 * 24 * time.Hour)
	marked, err = f.ledger.MarkOverdue(f.ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, marked, 1)
	assert.Equal(t, models.MilestoneBookingDeposit, marked[0].Type)
	assert.Equal(t, models.MilestoneOverdue, marked[0].Status)

	// Overdue milestones still take payment and still block later ones.
	contract := f.milestone(t, tx.ID, models.MilestoneContractDeposit)
	_, err = f.ledger.RecordPayment(f.ctx, contract.ID, dec("1"), "c-1")
	assert.ErrorIs(t, err, pkgerrors.ErrPrecedenceViolation)

	booking := f.milestone(t, tx.ID, models.MilestoneBookingDeposit)
	_, err = f.ledger.WaiveMilestone(f.ctx, booking.ID, solicitor, "goodwill")
	assert.ErrorIs(t, err, pkgerrors.ErrRoleNotPermitted)

	waived, err := f.ledger.WaiveMilestone(f.ctx, booking.ID, admin, "goodwill")
	require.NoError(t, err)
	assert.Equal(t, models.MilestoneWaived, waived.Status)

	_, err = f.ledger.WaiveMilestone(f.ctx, booking.ID, admin, "again")
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)

	_, err = f.ledger.RecordPayment(f.ctx, booking.ID, dec("1"), "w-1")
	assert.ErrorIs(t, err, pkgerrors.ErrOverpaymentRejected)

	_, err = f.ledger.RecordPayment(f.ctx, contract.ID, dec("1"), "c-2")
	assert.NoError(t, err)
}

func TestMilestoneLedger_WritesAdvanceTransactionVersion(t *testing.T) {
	f := newFixture(t)
	_, units := f.addUnits(t, 1, "300000")
	tx := f.reserve(t, units[0].ID, buyerA)
	version := func() int64 {
		t.Helper()
		agg, err := f.machine.Get(f.ctx, tx.ID, admin)
		require.NoError(t, err)
		return agg.Transaction.Version
	}
	start := version()
	stale, err := f.store.Transactions().GetByID(f.ctx, tx.ID)
	require.NoError(t, err)
	booking := f.milestone(t, tx.ID, models.MilestoneBookingDeposit)

	_, err = f.ledger.RecordPayment(f.ctx, booking.ID, dec("1000"), "part-1")
	require.NoError(t, err)
	assert.Equal(t, start+1, version())

	// A writer that read the transaction before the payment cannot commit.
	stale.State = models.StateCancelled
	err = f.store.Transactions().Update(f.ctx, stale, stale.Version)
	assert.ErrorIs(t, err, pkgerrors.ErrVersionConflict)

	_, err = f.ledger.RecordPayment(f.ctx, booking.ID, dec("1000"), "part-1")
	require.NoError(t, err)
	assert.Equal(t, start+1, version(), "replays write nothing")

	marked, err := f.ledger.MarkOverdue(f.ctx, tx.ID)
	require.NoError(t, err)
	assert.Empty(t, marked)
	assert.Equal(t, start+1, version())

	f.clock.Advance(4 * 24 * time.Hour)
	marked, err = f.ledger.MarkOverdue(f.ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, marked, 1)
	assert.Equal(t, start+2, version())

	_, err = f.ledger.WaiveMilestone(f.ctx, booking.ID, admin, "goodwill")
	require.NoError(t, err)
	assert.Equal(t, start+3, version())
}

func TestMilestoneLedger_RejectsFractionalCents(t *testing.T) {
	f := newFixture(t)
	_, units := f.addUnits(t, 1, "300000")
	tx := f.reserve(t, units[0].ID, buyerA)
	booking := f.milestone(t, tx.ID, models.MilestoneBookingDeposit)

	for _, amount := range []string{"0.004", "29999.995", "100.001"} {
		_, err := f.ledger.RecordPayment(f.ctx, booking.ID, dec(amount), "frac-"+amount)
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidAmount, amount)
	}
	assert.Equal(t, booking, f.milestone(t, tx.ID, models.MilestoneBookingDeposit))

	paid, err := f.ledger.RecordPayment(f.ctx, booking.ID, dec("0.40"), "cents-1")
	require.NoError(t, err)
	assert.True(t, dec("0.4").Equal(paid.PaidAmount))

	_, err = f.ledger.SchedulePayments(f.ctx, "tx-frac", dec("100000.005"), models.DefaultSchedule(), f.clock.Now())
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidAmount)
}
