package postgres

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/honeynil/PropertyTransactionService/internal/models"
	pkgerrors "github.com/honeynil/PropertyTransactionService/pkg/errors"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var claimRowColumns = []string{"id", "transaction_id", "requested_amount", "confirmed_amount", "status",
	"access_code", "access_code_expires_at", "version", "created_at", "updated_at"}

func TestClaimRepository_Create(t *testing.T) {
	store, mock := newMockStore(t)
	repo := store.Claims()
	ctx := context.Background()
	newClaim := func() *models.HTBClaim {
		c := &models.HTBClaim{TransactionID: "tx-1", RequestedAmount: decimal.NewFromInt(40000), CreatedAt: fixedTime}
		c.Append(models.ClaimNotStarted, fixedTime, "")
		c.Append(models.ClaimSubmitted, fixedTime, "")
		return c
	}

	t.Run("WritesHistory", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO htb_claims`)).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO htb_claim_history`)).
			WithArgs(sqlmock.AnyArg(), 0, "NOT_STARTED", fixedTime, "").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO htb_claim_history`)).
			WithArgs(sqlmock.AnyArg(), 1, "SUBMITTED", fixedTime, "").
			WillReturnResult(sqlmock.NewResult(0, 1))

		c := newClaim()
		require.NoError(t, repo.Create(ctx, c))
		assert.NotEmpty(t, c.ID)
		assert.Equal(t, int64(1), c.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("OpenClaimExists", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO htb_claims`)).
			WillReturnError(&pq.Error{Code: codeUniqueViolation, Constraint: "htb_claims_open_per_transaction"})

		err := repo.Create(ctx, newClaim())
		assert.ErrorIs(t, err, pkgerrors.ErrClaimExists)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestClaimRepository_Reads(t *testing.T) {
	store, mock := newMockStore(t)
	repo := store.Claims()
	ctx := context.Background()

	t.Run("CurrentWithHistory", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY position DESC LIMIT 1`)).
			WithArgs("tx-1").
			WillReturnRows(sqlmock.NewRows(claimRowColumns).
				AddRow("c-1", "tx-1", "40000.00", "0.00", "ACCESS_CODE_ISSUED", "HTB-1", fixedTime, int64(3), fixedTime, fixedTime))
		mock.ExpectQuery(regexp.QuoteMeta(`FROM htb_claim_history WHERE claim_id = $1 ORDER BY position`)).
			WithArgs("c-1").
			WillReturnRows(sqlmock.NewRows([]string{"status", "at", "note"}).
				AddRow("NOT_STARTED", fixedTime, "").
				AddRow("SUBMITTED", fixedTime, "").
				AddRow("ACCESS_CODE_ISSUED", fixedTime, "issued"))

		c, err := repo.GetCurrentByTransaction(ctx, "tx-1")
		require.NoError(t, err)
		require.NotNil(t, c.AccessCode)
		assert.Equal(t, "HTB-1", *c.AccessCode)
		require.Len(t, c.StatusHistory, 3)
		assert.Equal(t, models.ClaimAccessCodeIssued, c.StatusHistory[2].Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NoClaim", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY position DESC LIMIT 1`)).
			WithArgs("tx-2").
			WillReturnRows(sqlmock.NewRows(claimRowColumns))

		c, err := repo.GetCurrentByTransaction(ctx, "tx-2")
		assert.NoError(t, err)
		assert.Nil(t, c)
	})

	t.Run("GetMissing", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`FROM htb_claims WHERE id = $1`)).
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows(claimRowColumns))

		_, err := repo.GetByID(ctx, "ghost")
		assert.ErrorIs(t, err, pkgerrors.ErrClaimNotFound)
	})
}

func TestClaimRepository_Update(t *testing.T) {
	store, mock := newMockStore(t)
	repo := store.Claims()
	ctx := context.Background()

	t.Run("AppendsNewEntries", func(t *testing.T) {
		c := &models.HTBClaim{ID: "c-1", TransactionID: "tx-1"}
		c.Append(models.ClaimNotStarted, fixedTime, "")
		c.Append(models.ClaimWithdrawn, fixedTime, "changed mind")

		mock.ExpectExec(regexp.QuoteMeta(`UPDATE htb_claims`)).
			WithArgs("c-1", sqlmock.AnyArg(), "WITHDRAWN", nil, nil, fixedTime, int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (claim_id, position) DO NOTHING`)).
			WithArgs("c-1", 0, "NOT_STARTED", fixedTime, "").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (claim_id, position) DO NOTHING`)).
			WithArgs("c-1", 1, "WITHDRAWN", fixedTime, "changed mind").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.Update(ctx, c, 1))
		assert.Equal(t, int64(2), c.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("StaleVersion", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE htb_claims`)).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS (SELECT 1 FROM htb_claims WHERE id = $1)`)).
			WithArgs("c-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		err := repo.Update(ctx, &models.HTBClaim{ID: "c-1"}, 1)
		assert.ErrorIs(t, err, pkgerrors.ErrVersionConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
