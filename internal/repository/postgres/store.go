package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeynil/PropertyTransactionService/internal/infrastructure/observability"
	"github.com/honeynil/PropertyTransactionService/internal/repository"
	pkgerrors "github.com/honeynil/PropertyTransactionService/pkg/errors"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

// Store is the relational implementation of repository.Store. Repositories
// join the *sql.Tx carried in the context by WithTx and fall back to the pool
// otherwise.
type Store struct {
	db *sql.DB
}

var _ repository.Store = (*Store)(nil)

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects with lib/pq and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return db, nil
}

type txKey struct{}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		slog.Error("failed to begin transaction", "error", err)
		return classify(err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "error", err)
		return classify(err)
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

func (s *Store) Transactions() repository.TransactionRepository { return &transactionRepository{s} }
func (s *Store) Milestones() repository.MilestoneRepository { return &milestoneRepository{s} }
func (s *Store) Payments() repository.PaymentRepository { return &paymentRepository{s} }
func (s *Store) Inventory() repository.InventoryRepository { return &inventoryRepository{s} }
func (s *Store) Claims() repository.ClaimRepository { return &claimRepository{s} }
func (s *Store) Outbox() repository.OutboxRepository { return &outboxRepository{s} }

// observe opens a span for a repository method and returns the function that
// closes it and records the call metrics.
func observe(ctx context.Context, method string) (context.Context, func(*error)) {
	ctx, span := otel.Tracer("postgres-repository").Start(ctx, method)
	start := time.Now()
	return ctx, func(errp *error) {
		status := "success"
		if errp != nil && *errp != nil {
			status = "error"
			span.RecordError(*errp)
			span.SetStatus(codes.Error, (*errp).Error())
		}
		observability.RepositoryCalls.WithLabelValues(method, status).Inc()
		observability.RepositoryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		span.End()
	}
}

type scanner interface {
	Scan(dest ...any) error
}

const (
	codeUniqueViolation      = "23505"
	codeCheckViolation       = "23514"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}

func constraint(err error) string {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		return pqErr.Constraint
	}
	return ""
}

// classify maps driver failures onto the error taxonomy. Errors it does not
// recognise are returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch code := pqCode(err); {
	case code == codeSerializationFailure || code == codeDeadlockDetected:
		return fmt.Errorf("%w: %v", pkgerrors.ErrVersionConflict, err)
	case code == codeCheckViolation:
		return fmt.Errorf("%w: %v", pkgerrors.ErrInvariantViolation, err)
	case code != "" && code.Class() == "08":
		return fmt.Errorf("%w: %v", pkgerrors.ErrStorageUnavailable, err)
	}
	if stderrors.Is(err, driver.ErrBadConn) || stderrors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", pkgerrors.ErrStorageUnavailable, err)
	}
	return err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
