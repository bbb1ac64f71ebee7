package repository

import "context"

// Store groups the repositories that make up one transaction aggregate and the
// inventory it touches. Everything done through the repositories inside a
// WithTx callback commits or rolls back together.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	Transactions() TransactionRepository
	Milestones() MilestoneRepository
	Payments() PaymentRepository
	Inventory() InventoryRepository
	Claims() ClaimRepository
	Outbox() OutboxRepository
}
