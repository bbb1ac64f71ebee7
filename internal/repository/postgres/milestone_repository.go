package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/PropertyTransactionService/internal/models"
	pkgerrors "github.com/honeynil/PropertyTransactionService/pkg/errors"
)

type milestoneRepository struct {
	s *Store
}

const milestoneColumns = `id, transaction_id, type, amount_due, due_date, status, paid_amount, paid_at, updated_at`

func scanMilestone(row scanner) (*models.Milestone, error) {
	var (
		m      models.Milestone
		paidAt sql.NullTime
	)
	if err := row.Scan(&m.ID, &m.TransactionID, &m.Type, &m.AmountDue, &m.DueDate, &m.Status,
		&m.PaidAmount, &paidAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.PaidAt = timePtr(paidAt)
	return &m, nil
}

func (r *milestoneRepository) CreateBatch(ctx context.Context, milestones []models.Milestone) (err error) {
	ctx, done := observe(ctx, "CreateMilestones")
	defer func() { done(&err) }()

	query := `INSERT INTO milestones (` + milestoneColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	for i := range milestones {
		m := &milestones[i]
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		_, err = r.s.q(ctx).ExecContext(ctx, query, m.ID, m.TransactionID, m.Type, m.AmountDue, m.DueDate,
			m.Status, m.PaidAmount, nullTime(m.PaidAt), m.UpdatedAt)
		if err != nil {
			if pqCode(err) == codeUniqueViolation {
				return fmt.Errorf("%w: transaction %s", pkgerrors.ErrAlreadyScheduled, m.TransactionID)
			}
			slog.Error("failed to create milestone", "method", "CreateBatch", "transaction_id", m.TransactionID, "type", m.Type, "error", err)
			return fmt.Errorf("failed to create milestone: %w", classify(err))
		}
	}
	return nil
}

func (r *milestoneRepository) GetByID(ctx context.Context, id string) (m *models.Milestone, err error) {
	ctx, done := observe(ctx, "GetMilestoneByID")
	defer func() { done(&err) }()

	query := `SELECT ` + milestoneColumns + ` FROM milestones WHERE id = $1`
	m, err = scanMilestone(r.s.q(ctx).QueryRowContext(ctx, query, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrMilestoneNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get milestone by id: %w", classify(err))
	}
	return m, nil
}

func (r *milestoneRepository) ListByTransaction(ctx context.Context, transactionID string) (ms []models.Milestone, err error) {
	ctx, done := observe(ctx, "ListMilestonesByTransaction")
	defer func() { done(&err) }()

	query := `SELECT ` + milestoneColumns + ` FROM milestones
		WHERE transaction_id = $1
		ORDER BY CASE type
			WHEN 'BOOKING_DEPOSIT' THEN 0
			WHEN 'CONTRACT_DEPOSIT' THEN 1
			WHEN 'STAGE_PAYMENT' THEN 2
			ELSE 3
		END`
	rows, err := r.s.q(ctx).QueryContext(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list milestones: %w", classify(err))
	}
	defer rows.Close()

	for rows.Next() {
		m, scanErr := scanMilestone(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan milestone: %w", scanErr)
		}
		ms = append(ms, *m)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list milestones: %w", classify(err))
	}
	return ms, nil
}

func (r *milestoneRepository) Update(ctx context.Context, m *models.Milestone) (err error) {
	ctx, done := observe(ctx, "UpdateMilestone")
	defer func() { done(&err) }()

	query := `UPDATE milestones SET status = $2, paid_amount = $3, paid_at = $4, updated_at = $5 WHERE id = $1`
	res, err := r.s.q(ctx).ExecContext(ctx, query, m.ID, m.Status, m.PaidAmount, nullTime(m.PaidAt), m.UpdatedAt)
	if err != nil {
		slog.Error("failed to update milestone", "method", "Update", "milestone_id", m.ID, "error", err)
		return fmt.Errorf("failed to update milestone: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update milestone: %w", err)
	}
	if n == 0 {
		return pkgerrors.ErrMilestoneNotFound
	}
	return nil
}

func (r *milestoneRepository) ListTransactionsWithPendingDue(ctx context.Context, dueBefore time.Time, limit int) (ids []string, err error) {
	ctx, done := observe(ctx, "ListTransactionsWithPendingDue")
	defer func() { done(&err) }()

	query := `SELECT DISTINCT transaction_id FROM milestones
		WHERE status = 'PENDING' AND due_date < $1
		ORDER BY transaction_id
		LIMIT $2`
	rows, err := r.s.q(ctx).QueryContext(ctx, query, dueBefore, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue transactions: %w", classify(err))
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
		return nil, fmt.Errorf("failed to list overdue transactions: %w", classify(err))
	}
	return ids, nil
}

type paymentRepository struct {
	s *Store
}

func (r *paymentRepository) GetReceipt(ctx context.Context, idempotencyKey string) (receipt *models.PaymentReceipt, err error) {
	ctx, done := observe(ctx, "GetPaymentReceipt")
	defer func() { done(&err) }()

	var (
		rec    models.PaymentReceipt
		result []byte
	)
	query := `SELECT idempotency_key, fingerprint, milestone_id, transaction_id, amount, result, recorded_at
		FROM payment_receipts WHERE idempotency_key = $1`
	err = r.s.q(ctx).QueryRowContext(ctx, query, idempotencyKey).Scan(&rec.IdempotencyKey, &rec.Fingerprint,
		&rec.MilestoneID, &rec.TransactionID, &rec.Amount, &result, &rec.RecordedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment receipt: %w", classify(err))
	}
	if err = json.Unmarshal(result, &rec.Result); err != nil {
		return nil, fmt.Errorf("failed to decode payment receipt: %w", err)
	}
	return &rec, nil
}

func (r *paymentRepository) SaveReceipt(ctx context.Context, receipt *models.PaymentReceipt) (err error) {
	ctx, done := observe(ctx, "SavePaymentReceipt")
	defer func() { done(&err) }()

	result, err := json.Marshal(receipt.Result)
	if err != nil {
		return fmt.Errorf("failed to encode payment receipt: %w", err)
	}
	query := `INSERT INTO payment_receipts (idempotency_key, fingerprint, milestone_id, transaction_id, amount, result, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = r.s.q(ctx).ExecContext(ctx, query, receipt.IdempotencyKey, receipt.Fingerprint, receipt.MilestoneID,
		receipt.TransactionID, receipt.Amount, result, receipt.RecordedAt)
	if err != nil {
		if pqCode(err) == codeUniqueViolation {
			return fmt.Errorf("%w: key %s", pkgerrors.ErrIdempotencyConflict, receipt.IdempotencyKey)
		}
		return fmt.Errorf("failed to save payment receipt: %w", classify(err))
	}
	return nil
}
