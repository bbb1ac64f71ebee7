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

type claimRepository struct {
	s *Store
}

const claimColumns = `id, transaction_id, requested_amount, confirmed_amount, status, access_code, access_code_expires_at, version, created_at, updated_at`

func scanClaim(row scanner) (*models.HTBClaim, error) {
	var (
		c       models.HTBClaim
		code    sql.NullString
		expires sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.TransactionID, &c.RequestedAmount, &c.ConfirmedAmount, &c.Status, &code, &expires,
		&c.Version, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if code.Valid {
		c.AccessCode = &code.String
	}
	c.AccessCodeExpiresAt = timePtr(expires)
	return &c, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func (r *claimRepository) Create(ctx context.Context, claim *models.HTBClaim) (err error) {
	ctx, done := observe(ctx, "CreateClaim")
	defer func() { done(&err) }()

	if claim.ID == "" {
		claim.ID = uuid.NewString()
	}
	query := `INSERT INTO htb_claims (` + claimColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9)`
	_, err = r.s.q(ctx).ExecContext(ctx, query, claim.ID, claim.TransactionID, claim.RequestedAmount, claim.ConfirmedAmount,
		claim.Status, nullString(claim.AccessCode), nullTime(claim.AccessCodeExpiresAt), claim.CreatedAt, claim.UpdatedAt)
	if err != nil {
		if pqCode(err) == codeUniqueViolation && constraint(err) == "htb_claims_open_per_transaction" {
			return fmt.Errorf("%w: transaction %s", pkgerrors.ErrClaimExists, claim.TransactionID)
		}
		slog.Error("failed to create htb claim", "method", "Create", "transaction_id", claim.TransactionID, "error", err)
		return fmt.Errorf("failed to create htb claim: %w", classify(err))
	}
	if err = r.appendHistory(ctx, claim); err != nil {
		return err
	}
	claim.Version = 1
	return nil
}

func (r *claimRepository) GetByID(ctx context.Context, id string) (claim *models.HTBClaim, err error) {
	ctx, done := observe(ctx, "GetClaimByID")
	defer func() { done(&err) }()

	query := `SELECT ` + claimColumns + ` FROM htb_claims WHERE id = $1`
	claim, err = scanClaim(r.s.q(ctx).QueryRowContext(ctx, query, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrClaimNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get htb claim: %w", classify(err))
	}
	if claim.StatusHistory, err = r.history(ctx, claim.ID); err != nil {
		return nil, err
	}
	return claim, nil
}

func (r *claimRepository) GetCurrentByTransaction(ctx context.Context, transactionID string) (claim *models.HTBClaim, err error) {
	ctx, done := observe(ctx, "GetCurrentClaimByTransaction")
	defer func() { done(&err) }()

	query := `SELECT ` + claimColumns + ` FROM htb_claims WHERE transaction_id = $1 ORDER BY position DESC LIMIT 1`
	claim, err = scanClaim(r.s.q(ctx).QueryRowContext(ctx, query, transactionID))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current htb claim: %w", classify(err))
	}
	if claim.StatusHistory, err = r.history(ctx, claim.ID); err != nil {
		return nil, err
	}
	return claim, nil
}

func (r *claimRepository) Update(ctx context.Context, claim *models.HTBClaim, expectedVersion int64) (err error) {
	ctx, done := observe(ctx, "UpdateClaim")
	defer func() { done(&err) }()

	query := `UPDATE htb_claims
		SET confirmed_amount = $2, status = $3, access_code = $4, access_code_expires_at = $5, updated_at = $6, version = version + 1
		WHERE id = $1 AND version = $7`
	res, err := r.s.q(ctx).ExecContext(ctx, query, claim.ID, claim.ConfirmedAmount, claim.Status,
		nullString(claim.AccessCode), nullTime(claim.AccessCodeExpiresAt), claim.UpdatedAt, expectedVersion)
	if err != nil {
		slog.Error("failed to update htb claim", "method", "Update", "claim_id", claim.ID, "error", err)
		return fmt.Errorf("failed to update htb claim: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update htb claim: %w", err)
	}
	if n == 0 {
		var exists bool
		if err = r.s.q(ctx).QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM htb_claims WHERE id = $1)`, claim.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to update htb claim: %w", classify(err))
		}
		if !exists {
			return pkgerrors.ErrClaimNotFound
		}
		return fmt.Errorf("%w: htb claim %s", pkgerrors.ErrVersionConflict, claim.ID)
	}
	if err = r.appendHistory(ctx, claim); err != nil {
		return err
	}
	claim.Version = expectedVersion + 1
	return nil
}

// appendHistory writes entries not yet stored. Existing positions are left
// as they are.
func (r *claimRepository) appendHistory(ctx context.Context, claim *models.HTBClaim) error {
	query := `INSERT INTO htb_claim_history (claim_id, position, status, at, note)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (claim_id, position) DO NOTHING`
	for i, entry := range claim.StatusHistory {
		if _, err := r.s.q(ctx).ExecContext(ctx, query, claim.ID, i, entry.Status, entry.At, entry.Note); err != nil {
			return fmt.Errorf("failed to append htb claim history: %w", classify(err))
		}
	}
	return nil
}

func (r *claimRepository) history(ctx context.Context, claimID string) ([]models.ClaimHistoryEntry, error) {
	rows, err := r.s.q(ctx).QueryContext(ctx,
		`SELECT status, at, note FROM htb_claim_history WHERE claim_id = $1 ORDER BY position`, claimID)
	if err != nil {
		return nil, fmt.Errorf("failed to load htb claim history: %w", classify(err))
	}
	defer rows.Close()

	var entries []models.ClaimHistoryEntry
	for rows.Next() {
		var e models.ClaimHistoryEntry
		if err := rows.Scan(&e.Status, &e.At, &e.Note); err != nil {
			return nil, fmt.Errorf("failed to scan htb claim history: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load htb claim history: %w", classify(err))
	}
	return entries, nil
}
