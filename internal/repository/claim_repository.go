package repository

import (
	"context"

	"github.com/honeynil/PropertyTransactionService/internal/models"
)

type ClaimRepository interface {
	Create(ctx context.Context, claim *models.HTBClaim) error
	GetByID(ctx context.Context, id string) (*models.HTBClaim, error)
	// GetCurrentByTransaction returns the most recently created claim, or nil, nil.
	GetCurrentByTransaction(ctx context.Context, transactionID string) (*models.HTBClaim, error)
	// Update is a compare-and-swap on Version. History entries already stored are
	// never rewritten; only new ones are appended.
	Update(ctx context.Context, claim *models.HTBClaim, expectedVersion int64) error
}
