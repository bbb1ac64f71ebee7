package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/PropertyTransactionService/internal/models"
	pkgerrors "github.com/honeynil/PropertyTransactionService/pkg/errors"
)

type transactionRepository struct {
	s *Store
}

const transactionColumns = `id, unit_id, buyer_id, development_id, state, agreed_price, version, created_at, updated_at, state_entered_at`

func scanTransaction(row scanner) (*models.Transaction, error) {
	var tx models.Transaction
	if err := row.Scan(&tx.ID, &tx.UnitID, &tx.BuyerID, &tx.DevelopmentID, &tx.State, &tx.AgreedPrice,
		&tx.Version, &tx.CreatedAt, &tx.UpdatedAt, &tx.StateEnteredAt); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *transactionRepository) Create(ctx context.Context, tx *models.Transaction) (err error) {
	ctx, done := observe(ctx, "CreateTransaction")
	defer func() { done(&err) }()

	if tx == nil {
		return pkgerrors.ErrInvalidInput
	}
	if !tx.State.Valid() {
		return fmt.Errorf("%w: state %q", pkgerrors.ErrInvalidInput, tx.State)
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}

	query := `INSERT INTO transactions (` + transactionColumns + `) VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8, $9)`
	_, err = r.s.q(ctx).ExecContext(ctx, query, tx.ID, tx.UnitID, tx.BuyerID, tx.DevelopmentID, tx.State,
		tx.AgreedPrice, tx.CreatedAt, tx.UpdatedAt, tx.StateEnteredAt)
	if err != nil {
		slog.Error("failed to create transaction", "method", "Create", "unit_id", tx.UnitID, "error", err)
		return fmt.Errorf("failed to create transaction: %w", classify(err))
	}

	tx.Version = 1
	return nil
}

func (r *transactionRepository) GetByID(ctx context.Context, id string) (tx *models.Transaction, err error) {
	ctx, done := observe(ctx, "GetTransactionByID")
	defer func() { done(&err) }()

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	tx, err = scanTransaction(r.s.q(ctx).QueryRowContext(ctx, query, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	if err != nil {
		slog.Error("failed to get transaction by id", "method", "GetByID", "transaction_id", id, "error", err)
		return nil, fmt.Errorf("failed to get transaction by id: %w", classify(err))
	}
	return tx, nil
}

func (r *transactionRepository) Update(ctx context.Context, tx *models.Transaction, expectedVersion int64) (err error) {
	ctx, done := observe(ctx, "UpdateTransaction")
	defer func() { done(&err) }()

	query := `UPDATE transactions
		SET state = $2, agreed_price = $3, updated_at = $4, state_entered_at = $5, version = version + 1
		WHERE id = $1 AND version = $6`
	res, err := r.s.q(ctx).ExecContext(ctx, query, tx.ID, tx.State, tx.AgreedPrice, tx.UpdatedAt, tx.StateEnteredAt, expectedVersion)
	if err != nil {
		if pqCode(err) == codeUniqueViolation && constraint(err) == "transactions_unit_holder" {
			return fmt.Errorf("%w: unit %s", pkgerrors.ErrUnitNoLongerAvailable, tx.UnitID)
		}
		slog.Error("failed to update transaction", "method", "Update", "transaction_id", tx.ID, "error", err)
		return fmt.Errorf("failed to update transaction: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if n == 0 {
		var exists bool
		if err = r.s.q(ctx).QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, tx.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to update transaction: %w", classify(err))
		}
		if !exists {
			return pkgerrors.ErrTransactionNotFound
		}
		return fmt.Errorf("%w: transaction %s is no longer at version %d", pkgerrors.ErrVersionConflict, tx.ID, expectedVersion)
	}

	tx.Version = expectedVersion + 1
	return nil
}

func (r *transactionRepository) CountHoldingUnit(ctx context.Context, unitID string) (n int, err error) {
	ctx, done := observe(ctx, "CountHoldingUnit")
	defer func() { done(&err) }()

	query := `SELECT COUNT(*) FROM transactions
		WHERE unit_id = $1 AND state IN ('RESERVED', 'CONTRACT_SIGNED', 'MORTGAGE_APPROVED')`
	if err = r.s.q(ctx).QueryRowContext(ctx, query, unitID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count unit holders: %w", classify(err))
	}
	return n, nil
}

func (r *transactionRepository) ListReservedBefore(ctx context.Context, enteredBefore time.Time, limit int) (ids []string, err error) {
	ctx, done := observe(ctx, "ListReservedBefore")
	defer func() { done(&err) }()

	query := `SELECT id FROM transactions
		WHERE state = 'RESERVED' AND state_entered_at <= $1
		ORDER BY state_entered_at
		LIMIT $2`
	rows, err := r.s.q(ctx).QueryContext(ctx, query, enteredBefore, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring reservations: %w", classify(err))
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan transaction id: %w", err)
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list expiring reservations: %w", classify(err))
	}
	return ids, nil
}

// limitOrAll turns a non-positive limit into "no limit".
func limitOrAll(limit int) int {
	if limit <= 0 {
		return 1<<31 - 1
	}
	return limit
}
