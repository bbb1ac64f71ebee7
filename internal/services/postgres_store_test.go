package service

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/honeynil/PropertyTransactionService/internal/clock"
	"github.com/honeynil/PropertyTransactionService/internal/infrastructure/lock"
	"github.com/honeynil/PropertyTransactionService/internal/models"
	"github.com/honeynil/PropertyTransactionService/internal/repository/postgres"
	pkgerrors "github.com/honeynil/PropertyTransactionService/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	sqlNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	transactionCols = []string{"id", "unit_id", "buyer_id", "development_id", "state", "agreed_price",
		"version", "created_at", "updated_at", "state_entered_at"}
	milestoneCols = []string{"id", "transaction_id", "type", "amount_due", "due_date", "status",
		"paid_amount", "paid_at", "updated_at"}
	receiptCols = []string{"idempotency_key", "fingerprint", "milestone_id", "transaction_id", "amount", "result", "recorded_at"}
)

func newSQLLedger(t *testing.T) (*milestoneLedger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewMilestoneLedger(postgres.NewStore(db), lock.NewTable(time.Second), clock.NewManual(sqlNow)), mock
}

func bookingRow() *sqlmock.Rows {
	return sqlmock.NewRows(milestoneCols).
		AddRow("m-1", "tx-1", "BOOKING_DEPOSIT", "5000.00", sqlNow.Add(72*time.Hour), "PENDING", "0.00", nil, sqlNow)
}

// expectPaymentReads queues the reads RecordPayment makes before it writes.
func expectPaymentReads(mock sqlmock.Sqlmock, version int64) {
	mock.ExpectQuery(regexp.QuoteMeta(`FROM payment_receipts WHERE idempotency_key = $1`)).
		WithArgs("pay-1").
		WillReturnRows(sqlmock.NewRows(receiptCols))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM milestones WHERE id = $1`)).
		WithArgs("m-1").
		WillReturnRows(bookingRow())
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM payment_receipts WHERE idempotency_key = $1`)).
		WithArgs("pay-1").
		WillReturnRows(sqlmock.NewRows(receiptCols))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM transactions WHERE id = $1`)).
		WithArgs("tx-1").
		WillReturnRows(sqlmock.NewRows(transactionCols).
			AddRow("tx-1", "unit-1", "buyer-a", "dev-1", "RESERVED", "50000.00", version, sqlNow, sqlNow, sqlNow))
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE transaction_id = $1`)).
		WithArgs("tx-1").
		WillReturnRows(bookingRow())
}

func TestMilestoneLedger_PaymentChecksTransactionVersion(t *testing.T) {
	ledger, mock := newSQLLedger(t)
	expectPaymentReads(mock, 4)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE transactions`)).
		WithArgs("tx-1", "RESERVED", sqlmock.AnyArg(), sqlNow, sqlmock.AnyArg(), int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE milestones SET status = $2, paid_amount = $3`)).
		WithArgs("m-1", "PENDING", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO payment_receipts`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO outbox_sequences`)).
		WithArgs("tx-1").
		WillReturnRows(sqlmock.NewRows([]string{"last_sequence"}).AddRow(int64(3)))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO outbox_events`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	m, err := ledger.RecordPayment(context.Background(), "m-1", dec("1000"), "pay-1")
	require.NoError(t, err)
	assert.True(t, dec("1000").Equal(m.PaidAmount))
	assert.Equal(t, models.MilestonePending, m.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMilestoneLedger_PaymentOnStaleTransactionRollsBack(t *testing.T) {
	ledger, mock := newSQLLedger(t)
	expectPaymentReads(mock, 4)
	// Another instance committed a payment or a cancellation since the read.
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE transactions`)).
		WithArgs("tx-1", "RESERVED", sqlmock.AnyArg(), sqlNow, sqlmock.AnyArg(), int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`)).
		WithArgs("tx-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := ledger.RecordPayment(context.Background(), "m-1", dec("1000"), "pay-1")
	assert.ErrorIs(t, err, pkgerrors.ErrVersionConflict)
	assert.True(t, pkgerrors.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInventoryCoordinator_TryReserveRollsBackDevelopmentMismatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	inventory := NewInventoryCoordinator(postgres.NewStore(db), clock.NewManual(sqlNow))

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM units WHERE id = $1`)).
		WithArgs("unit-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "development_id", "list_price", "total_units",
			"available_units", "reserved_units", "sold_units", "created_at", "updated_at"}).
			AddRow("unit-1", "dev-1", "320000.00", 1, 1, 0, 0, sqlNow, sqlNow))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE units SET available_units = available_units - 1`)).
		WithArgs("unit-1", "dev-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE developments SET available_units = available_units - 1`)).
		WithArgs("dev-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM developments WHERE id = $1`)).
		WithArgs("dev-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectRollback()

	reserved, err := inventory.TryReserve(context.Background(), "unit-1")
	assert.False(t, reserved)
	assert.ErrorIs(t, err, pkgerrors.ErrInternal)
	assert.NotErrorIs(t, err, pkgerrors.ErrUnitNoLongerAvailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}
