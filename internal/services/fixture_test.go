package service

import (
	"context"
	"testing"
	"time"

	"github.com/honeynil/PropertyTransactionService/internal/clock"
	"github.com/honeynil/PropertyTransactionService/internal/infrastructure/lock"
	"github.com/honeynil/PropertyTransactionService/internal/models"
	"github.com/honeynil/PropertyTransactionService/internal/repository/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	buyerA    = models.Actor{ID: "buyer-a", Role: models.RoleBuyer}
	buyerB    = models.Actor{ID: "buyer-b", Role: models.RoleBuyer}
	agent     = models.Actor{ID: "agent-1", Role: models.RoleAgent}
	solicitor = models.Actor{ID: "solicitor-1", Role: models.RoleSolicitor}
	admin     = models.Actor{ID: "admin-1", Role: models.RoleAdmin}
	developer = models.Actor{ID: "dev-1", Role: models.RoleDeveloper}
)

const reservationTTL = 72 * time.Hour

type fixture struct {
	ctx       context.Context
	store     *memory.Store
	clock     *clock.Manual
	locks     *lock.Table
	inventory *inventoryCoordinator
	ledger    *milestoneLedger
	htb       *htbClaimWorkflow
	machine   *transactionStateMachine
	sweeper   *Sweeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	clk := clock.NewManual(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	locks := lock.NewTable(2 * time.Second)

	inventory := NewInventoryCoordinator(store, clk)
	ledger := NewMilestoneLedger(store, locks, clk)
	htb := NewHTBClaimWorkflow(store, locks, clk)
	machine := NewTransactionStateMachine(store, locks, ledger, inventory, clk, Config{
		Schedule:       models.DefaultSchedule(),
		ReservationTTL: reservationTTL,
	})

	return &fixture{
		ctx:       context.Background(),
		store:     store,
		clock:     clk,
		locks:     locks,
		inventory: inventory,
		ledger:    ledger,
		htb:       htb,
		machine:   machine,
		sweeper:   NewSweeper(store, machine, ledger, clk, reservationTTL, 3),
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// addUnits registers a development with n units at the given list price.
func (f *fixture) addUnits(t *testing.T, n int, price string) (*models.Development, []*models.Unit) {
	t.Helper()
	dev, err := f.inventory.RegisterDevelopment(f.ctx, "Riverside Quarter", developer)
	require.NoError(t, err)

	var units []*models.Unit
	for i := 0; i < n; i++ {
		u, err := f.inventory.AddUnit(f.ctx, dev.ID, dec(price), developer)
		require.NoError(t, err)
		units = append(units, u)
	}
	return dev, units
}

func (f *fixture) draft(t *testing.T, unitID string, buyer models.Actor) *models.Transaction {
	t.Helper()
	tx, err := f.machine.CreateDraft(f.ctx, unitID, "", buyer)
	require.NoError(t, err)
	return tx
}

func (f *fixture) reserve(t *testing.T, unitID string, buyer models.Actor) *models.Transaction {
	t.Helper()
	tx := f.draft(t, unitID, buyer)
	tx, err := f.machine.RequestTransition(f.ctx, tx.ID, models.StateReserved, buyer, TransitionPayload{})
	require.NoError(t, err)
	return tx
}

func (f *fixture) milestone(t *testing.T, transactionID string, mt models.MilestoneType) models.Milestone {
	t.Helper()
	agg, err := f.machine.Get(f.ctx, transactionID, admin)
	require.NoError(t, err)
	m, ok := agg.Milestone(mt)
	require.True(t, ok, "milestone %s not scheduled", mt)
	return m
}

func (f *fixture) payInFull(t *testing.T, transactionID string, mt models.MilestoneType) models.Milestone {
	t.Helper()
	m := f.milestone(t, transactionID, mt)
	paid, err := f.ledger.RecordPayment(f.ctx, m.ID, m.Outstanding(), "pay-"+m.ID)
	require.NoError(t, err)
	return *paid
}

func (f *fixture) advance(t *testing.T, txID string, to models.TransactionState, actor models.Actor) *models.Transaction {
	t.Helper()
	tx, err := f.machine.RequestTransition(f.ctx, txID, to, actor, TransitionPayload{})
	require.NoError(t, err)
	return tx
}

// toMortgageReady moves a fresh reservation to CONTRACT_SIGNED with the
// contract deposit paid.
func (f *fixture) toMortgageReady(t *testing.T, unitID string) *models.Transaction {
	t.Helper()
	tx := f.reserve(t, unitID, buyerA)
	f.payInFull(t, tx.ID, models.MilestoneBookingDeposit)
	f.advance(t, tx.ID, models.StateContractSigned, solicitor)
	f.payInFull(t, tx.ID, models.MilestoneContractDeposit)
	return tx
}

func (f *fixture) counters(t *testing.T, unitID, developmentID string) (models.InventoryCounters, models.InventoryCounters) {
	t.Helper()
	u, err := f.inventory.GetUnit(f.ctx, unitID)
	require.NoError(t, err)
	d, err := f.inventory.GetDevelopment(f.ctx, developmentID)
	require.NoError(t, err)
	require.True(t, u.Counters.Balanced(), "unit counters %+v", u.Counters)
	require.True(t, d.Counters.Balanced(), "development counters %+v", d.Counters)
	return u.Counters, d.Counters
}

func (f *fixture) events(t *testing.T) []models.DomainEvent {
	t.Helper()
	events, err := f.store.Outbox().ListPending(f.ctx, 0)
	require.NoError(t, err)
	return events
}
