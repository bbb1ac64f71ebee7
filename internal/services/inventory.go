package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/honeynil/PropertyTransactionService/internal/clock"
	"github.com/honeynil/PropertyTransactionService/internal/models"
	"github.com/honeynil/PropertyTransactionService/internal/repository"
	pkgerrors "github.com/honeynil/PropertyTransactionService/pkg/errors"
	"github.com/shopspring/decimal"
)

type InventoryCoordinator interface {
	// ApplyDelta moves one unit between buckets on the unit and its development.
	ApplyDelta(ctx context.Context, unitID, developmentID string, from, to models.Bucket) error
	// TryReserve moves the unit from available to reserved if one is
	// available, in a single conditional step.
	TryReserve(ctx context.Context, unitID string) (bool, error)
	RegisterDevelopment(ctx context.Context, name string, actor models.Actor) (*models.Development, error)
	AddUnit(ctx context.Context, developmentID string, listPrice decimal.Decimal, actor models.Actor) (*models.Unit, error)
	GetUnit(ctx context.Context, unitID string) (*models.Unit, error)
	GetDevelopment(ctx context.Context, developmentID string) (*models.Development, error)
}

type inventoryCoordinator struct {
	store repository.Store
	clock clock.Clock
}

func NewInventoryCoordinator(store repository.Store, clk clock.Clock) *inventoryCoordinator {
	return &inventoryCoordinator{store: store, clock: clk}
}

func (c *inventoryCoordinator) ApplyDelta(ctx context.Context, unitID, developmentID string, from, to models.Bucket) error {
	ctx, span := startSpan(ctx, "ApplyDelta")
	defer span.End()

	if !from.Valid() || !to.Valid() || from == to {
		return fail(ctx, span, "inventory", fmt.Errorf("%w: bucket %q to %q", pkgerrors.ErrInvalidInput, from, to))
	}

	err := c.store.WithTx(ctx, func(ctx context.Context) error {
		if err := c.store.Inventory().MoveUnit(ctx, unitID, developmentID, from, to); err != nil {
			return err
		}
		return c.assertBalanced(ctx, unitID, developmentID)
	})
	if err != nil {
		logFailure(ctx, "inventory delta failed", err,
			"unit_id", unitID, "development_id", developmentID, "from", from, "to", to)
		return fail(ctx, span, "inventory", err)
	}

	slog.Debug("inventory delta applied", "unit_id", unitID, "from", from, "to", to)
	return nil
}

func (c *inventoryCoordinator) TryReserve(ctx context.Context, unitID string) (bool, error) {
	ctx, span := startSpan(ctx, "TryReserve")
	defer span.End()

	reserved := false
	err := c.store.WithTx(ctx, func(ctx context.Context) error {
		unit, err := c.store.Inventory().GetUnit(ctx, unitID)
		if err != nil {
			return err
		}
		err = c.store.Inventory().MoveUnit(ctx, unitID, unit.DevelopmentID, models.BucketAvailable, models.BucketReserved)
		// Underflow only ever comes from the unit row; a development row out of
		// step with its unit is an invariant violation and rolls back.
		if errors.Is(err, pkgerrors.ErrCounterUnderflow) {
			return nil
		}
		if err != nil {
			return err
		}
		reserved = true
		return c.assertBalanced(ctx, unitID, unit.DevelopmentID)
	})
	if err != nil {
		logFailure(ctx, "reserve failed", err, "unit_id", unitID)
		return false, fail(ctx, span, "inventory", err)
	}
	return reserved, nil
}

// assertBalanced re-reads both rows after a move. A mismatch is unreachable in
// correct operation; returning an error rolls the move back.
func (c *inventoryCoordinator) assertBalanced(ctx context.Context, unitID, developmentID string) error {
	unit, err := c.store.Inventory().GetUnit(ctx, unitID)
	if err != nil {
		return err
	}
	dev, err := c.store.Inventory().GetDevelopment(ctx, developmentID)
	if err != nil {
		return err
	}
	if !unit.Counters.Balanced() {
		return fmt.Errorf("%w: unit %s counters %+v", pkgerrors.ErrInvariantViolation, unitID, unit.Counters)
	}
	if !dev.Counters.Balanced() {
		return fmt.Errorf("%w: development %s counters %+v", pkgerrors.ErrInvariantViolation, developmentID, dev.Counters)
	}
	return nil
}

func (c *inventoryCoordinator) RegisterDevelopment(ctx context.Context, name string, actor models.Actor) (*models.Development, error) {
	ctx, span := startSpan(ctx, "RegisterDevelopment")
	defer span.End()

	if err := requireRole(actor, models.RoleDeveloper, models.RoleAdmin); err != nil {
		return nil, fail(ctx, span, "inventory", err)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fail(ctx, span, "inventory", fmt.Errorf("%w: development name is empty", pkgerrors.ErrInvalidInput))
	}

	now := c.clock.Now()
	dev := &models.Development{Name: name, CreatedAt: now, UpdatedAt: now}
	if err := c.store.Inventory().CreateDevelopment(ctx, dev); err != nil {
		logFailure(ctx, "failed to create development", err, "name", name)
		return nil, fail(ctx, span, "inventory", err)
	}

	slog.Info("development registered", "development_id", dev.ID, "name", name)
	return dev, nil
}

func (c *inventoryCoordinator) AddUnit(ctx context.Context, developmentID string, listPrice decimal.Decimal, actor models.Actor) (*models.Unit, error) {
	ctx, span := startSpan(ctx, "AddUnit")
	defer span.End()

	if err := requireRole(actor, models.RoleDeveloper, models.RoleAdmin); err != nil {
		return nil, fail(ctx, span, "inventory", err)
	}
	if err := requireAmount(listPrice, "list price"); err != nil {
		return nil, fail(ctx, span, "inventory", err)
	}

	now := c.clock.Now()
	unit := &models.Unit{
		DevelopmentID: developmentID,
		ListPrice:     listPrice,
		Counters:      models.InventoryCounters{TotalUnits: 1, AvailableUnits: 1},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := c.store.WithTx(ctx, func(ctx context.Context) error {
		if err := c.store.Inventory().CreateUnit(ctx, unit); err != nil {
			return err
		}
		if err := c.store.Inventory().GrowDevelopment(ctx, developmentID, 1); err != nil {
			return err
		}
		return c.assertBalanced(ctx, unit.ID, developmentID)
	})
	if err != nil {
		logFailure(ctx, "failed to add unit", err, "development_id", developmentID)
		return nil, fail(ctx, span, "inventory", err)
	}

	slog.Info("unit added", "unit_id", unit.ID, "development_id", developmentID, "list_price", listPrice.String())
	return unit, nil
}

func (c *inventoryCoordinator) GetUnit(ctx context.Context, unitID string) (*models.Unit, error) {
	ctx, span := startSpan(ctx, "GetUnit")
	defer span.End()

	unit, err := c.store.Inventory().GetUnit(ctx, unitID)
	if err != nil {
		return nil, fail(ctx, span, "inventory", err)
	}
	return unit, nil
}

func (c *inventoryCoordinator) GetDevelopment(ctx context.Context, developmentID string) (*models.Development, error) {
	ctx, span := startSpan(ctx, "GetDevelopment")
	defer span.End()

	dev, err := c.store.Inventory().GetDevelopment(ctx, developmentID)
	if err != nil {
		return nil, fail(ctx, span, "inventory", err)
	}
	return dev, nil
}
