package repository

import (
	"context"

	"github.com/honeynil/PropertyTransactionService/internal/models"
)

type InventoryRepository interface {
	CreateDevelopment(ctx context.Context, d *models.Development) error
	GetDevelopment(ctx context.Context, id string) (*models.Development, error)
	CreateUnit(ctx context.Context, u *models.Unit) error
	GetUnit(ctx context.Context, id string) (*models.Unit, error)
	// GrowDevelopment adds n units to the development's total and available counters.
	GrowDevelopment(ctx context.Context, developmentID string, n int) error
	// MoveUnit moves one unit between buckets on both the unit and its
	// development. It fails with ErrCounterUnderflow, changing nothing, if the
	// source bucket is empty on either row.
	MoveUnit(ctx context.Context, unitID, developmentID string, from, to models.Bucket) error
}
