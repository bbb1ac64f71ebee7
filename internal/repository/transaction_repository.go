package repository

import (
	"context"
	"time"

	"github.com/honeynil/PropertyTransactionService/internal/models"
)

type TransactionRepository interface {
	Create(ctx context.Context, tx *models.Transaction) error
	GetByID(ctx context.Context, id string) (*models.Transaction, error)
	// Update is a compare-and-swap on Version: it fails with ErrVersionConflict
	// unless the stored version equals expectedVersion, and bumps tx.Version.
	Update(ctx context.Context, tx *models.Transaction, expectedVersion int64) error
	// CountHoldingUnit counts transactions for the unit in a state that holds inventory.
	CountHoldingUnit(ctx context.Context, unitID string) (int, error)
	ListReservedBefore(ctx context.Context, enteredBefore time.Time, limit int) ([]string, error)
}
