package repository

import (
	"context"
	"time"

	"github.com/honeynil/PropertyTransactionService/internal/models"
)

type MilestoneRepository interface {
	CreateBatch(ctx context.Context, milestones []models.Milestone) error
	GetByID(ctx context.Context, id string) (*models.Milestone, error)
	ListByTransaction(ctx context.Context, transactionID string) ([]models.Milestone, error)
	Update(ctx context.Context, m *models.Milestone) error
	// ListTransactionsWithPendingDue returns ids of transactions owning a PENDING
	// milestone due before the given time.
	ListTransactionsWithPendingDue(ctx context.Context, dueBefore time.Time, limit int) ([]string, error)
}

type PaymentRepository interface {
	// GetReceipt returns nil, nil when no receipt exists for the key.
	GetReceipt(ctx context.Context, idempotencyKey string) (*models.PaymentReceipt, error)
	SaveReceipt(ctx context.Context, receipt *models.PaymentReceipt) error
}
