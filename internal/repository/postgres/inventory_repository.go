package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/honeynil/PropertyTransactionService/internal/models"
	pkgerrors "github.com/honeynil/PropertyTransactionService/pkg/errors"
)

type inventoryRepository struct {
	s *Store
}

// bucketColumns whitelists the counter columns MoveUnit may touch.
var bucketColumns = map[models.Bucket]string{
	models.BucketAvailable: "available_units",
	models.BucketReserved:  "reserved_units",
	models.BucketSold:      "sold_units",
}

func (r *inventoryRepository) CreateDevelopment(ctx context.Context, d *models.Development) (err error) {
	ctx, done := observe(ctx, "CreateDevelopment")
	defer func() { done(&err) }()

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	c := d.Counters
	query := `INSERT INTO developments (id, name, total_units, available_units, reserved_units, sold_units, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = r.s.q(ctx).ExecContext(ctx, query, d.ID, d.Name, c.TotalUnits, c.AvailableUnits, c.ReservedUnits,
		c.SoldUnits, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		slog.Error("failed to create development", "method", "CreateDevelopment", "name", d.Name, "error", err)
		return fmt.Errorf("failed to create development: %w", classify(err))
	}
	return nil
}

func (r *inventoryRepository) GetDevelopment(ctx context.Context, id string) (d *models.Development, err error) {
	ctx, done := observe(ctx, "GetDevelopment")
	defer func() { done(&err) }()

	var dev models.Development
	query := `SELECT id, name, total_units, available_units, reserved_units, sold_units, created_at, updated_at
		FROM developments WHERE id = $1`
	err = r.s.q(ctx).QueryRowContext(ctx, query, id).Scan(&dev.ID, &dev.Name, &dev.Counters.TotalUnits,
		&dev.Counters.AvailableUnits, &dev.Counters.ReservedUnits, &dev.Counters.SoldUnits, &dev.CreatedAt, &dev.UpdatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrDevelopmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get development: %w", classify(err))
	}
	return &dev, nil
}

func (r *inventoryRepository) CreateUnit(ctx context.Context, u *models.Unit) (err error) {
	ctx, done := observe(ctx, "CreateUnit")
	defer func() { done(&err) }()

	if err = r.exists(ctx, "developments", u.DevelopmentID); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return pkgerrors.ErrDevelopmentNotFound
		}
		return err
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	c := u.Counters
	query := `INSERT INTO units (id, development_id, list_price, total_units, available_units, reserved_units, sold_units, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = r.s.q(ctx).ExecContext(ctx, query, u.ID, u.DevelopmentID, u.ListPrice, c.TotalUnits, c.AvailableUnits,
		c.ReservedUnits, c.SoldUnits, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		slog.Error("failed to create unit", "method", "CreateUnit", "development_id", u.DevelopmentID, "error", err)
		return fmt.Errorf("failed to create unit: %w", classify(err))
	}
	return nil
}

func (r *inventoryRepository) GetUnit(ctx context.Context, id string) (u *models.Unit, err error) {
	ctx, done := observe(ctx, "GetUnit")
	defer func() { done(&err) }()

	var unit models.Unit
	query := `SELECT id, development_id, list_price, total_units, available_units, reserved_units, sold_units, created_at, updated_at
		FROM units WHERE id = $1`
	err = r.s.q(ctx).QueryRowContext(ctx, query, id).Scan(&unit.ID, &unit.DevelopmentID, &unit.ListPrice,
		&unit.Counters.TotalUnits, &unit.Counters.AvailableUnits, &unit.Counters.ReservedUnits, &unit.Counters.SoldUnits,
		&unit.CreatedAt, &unit.UpdatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrUnitNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get unit: %w", classify(err))
	}
	return &unit, nil
}

func (r *inventoryRepository) GrowDevelopment(ctx context.Context, developmentID string, n int) (err error) {
	ctx, done := observe(ctx, "GrowDevelopment")
	defer func() { done(&err) }()

	query := `UPDATE developments
		SET total_units = total_units + $2, available_units = available_units + $2, updated_at = now()
		WHERE id = $1`
	res, err := r.s.q(ctx).ExecContext(ctx, query, developmentID, n)
	if err != nil {
		return fmt.Errorf("failed to grow development: %w", classify(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to grow development: %w", err)
	}
	if affected == 0 {
		return pkgerrors.ErrDevelopmentNotFound
	}
	return nil
}

// MoveUnit decrements the source bucket only where it is positive, so an
// empty bucket on the unit leaves both rows untouched and reports
// ErrCounterUnderflow. Once the unit row has moved, an empty development bucket
// means the two rows disagree and is reported as ErrInvariantViolation. Callers
// run it inside WithTx so that either failure rolls the unit update back.
func (r *inventoryRepository) MoveUnit(ctx context.Context, unitID, developmentID string, from, to models.Bucket) (err error) {
	ctx, done := observe(ctx, "MoveUnit")
	defer func() { done(&err) }()

	fromCol, okFrom := bucketColumns[from]
	toCol, okTo := bucketColumns[to]
	if !okFrom || !okTo || from == to {
		return fmt.Errorf("%w: move %s -> %s", pkgerrors.ErrInvalidInput, from, to)
	}

	unitQuery := fmt.Sprintf(`UPDATE units SET %[1]s = %[1]s - 1, %[2]s = %[2]s + 1, updated_at = now()
		WHERE id = $1 AND development_id = $2 AND %[1]s > 0`, fromCol, toCol)
	moved, err := r.exec(ctx, unitQuery, unitID, developmentID)
	if err != nil {
		return fmt.Errorf("failed to move unit: %w", err)
	}
	if !moved {
		return r.diagnoseUnit(ctx, unitID, developmentID)
	}

	devQuery := fmt.Sprintf(`UPDATE developments SET %[1]s = %[1]s - 1, %[2]s = %[2]s + 1, updated_at = now()
		WHERE id = $1 AND %[1]s > 0`, fromCol, toCol)
	moved, err = r.exec(ctx, devQuery, developmentID)
	if err != nil {
		return fmt.Errorf("failed to move development counters: %w", err)
	}
	if !moved {
		switch err = r.exists(ctx, "developments", developmentID); {
		case stderrors.Is(err, sql.ErrNoRows):
			return pkgerrors.ErrDevelopmentNotFound
		case err != nil:
			return err
		}
		return fmt.Errorf("%w: development %s has no %s units but unit %s does",
			pkgerrors.ErrInvariantViolation, developmentID, from, unitID)
	}
	return nil
}

func (r *inventoryRepository) exec(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.s.q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return false, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// diagnoseUnit explains why the conditional unit update matched no row.
func (r *inventoryRepository) diagnoseUnit(ctx context.Context, unitID, developmentID string) error {
	var owner string
	err := r.s.q(ctx).QueryRowContext(ctx, `SELECT development_id FROM units WHERE id = $1`, unitID).Scan(&owner)
	switch {
	case stderrors.Is(err, sql.ErrNoRows):
		return pkgerrors.ErrUnitNotFound
	case err != nil:
		return fmt.Errorf("failed to move unit: %w", classify(err))
	case owner != developmentID:
		return fmt.Errorf("%w: unit %s belongs to development %s", pkgerrors.ErrInvariantViolation, unitID, owner)
	}
	return pkgerrors.ErrCounterUnderflow
}

// exists returns sql.ErrNoRows when no row in table has the id. table is
// always a constant.
func (r *inventoryRepository) exists(ctx context.Context, table, id string) error {
	var one int
	err := r.s.q(ctx).QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = $1`, id).Scan(&one)
	if err != nil && !stderrors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to look up %s: %w", table, classify(err))
	}
	return err
}
