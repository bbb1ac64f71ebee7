package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/honeynil/PropertyTransactionService/internal/infrastructure/lock"
	"github.com/honeynil/PropertyTransactionService/internal/infrastructure/observability"
	"github.com/honeynil/PropertyTransactionService/internal/models"
	pkgerrors "github.com/honeynil/PropertyTransactionService/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "property-transaction-service"

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name)
}

// fail records err on the span and converts invariant-class failures into an
// opaque internal error. Invariant failures mean a bug, so they get an incident
// id that ties the caller's error to the fatal log line and bump the alerting
// counter.
func fail(ctx context.Context, span trace.Span, component string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if pkgerrors.KindOf(err) != pkgerrors.KindInvariant {
		return err
	}

	incident := uuid.NewString()
	observability.InvariantViolations.WithLabelValues(component).Inc()
	observability.WithContext(ctx).Error("invariant violated",
		"severity", "fatal",
		"component", component,
		"incident_id", incident,
		"error", err)
	return fmt.Errorf("%w: incident %s", pkgerrors.ErrInternal, incident)
}

// logFailure logs business-rule failures at WARN and everything else at ERROR.
func logFailure(ctx context.Context, msg string, err error, attrs ...any) {
	attrs = append(attrs, "error", err)
	if pkgerrors.KindOf(err) == pkgerrors.KindValidation || pkgerrors.KindOf(err) == pkgerrors.KindNotFound {
		observability.WithContext(ctx).Warn(msg, attrs...)
		return
	}
	observability.WithContext(ctx).Error(msg, attrs...)
}

func result(err error) string {
	if err == nil {
		return "success"
	}
	return pkgerrors.KindOf(err).String()
}

func acquire(ctx context.Context, locker lock.Locker, key string) (lock.Release, error) {
	release, err := locker.Acquire(ctx, key)
	if err != nil {
		slog.Warn("lock not acquired", "lock_key", key, "error", err)
		return nil, err
	}
	return release, nil
}

// requireRole fails with ErrRoleNotPermitted unless actor has one of roles.
func requireRole(actor models.Actor, roles ...models.Role) error {
	for _, r := range roles {
		if actor.Role == r {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", pkgerrors.ErrRoleNotPermitted, actor.Role)
}

// requireOwner stops a buyer from acting on somebody else's transaction.
func requireOwner(actor models.Actor, tx *models.Transaction) error {
	if actor.Role == models.RoleBuyer && actor.ID != tx.BuyerID {
		return fmt.Errorf("%w: transaction belongs to another buyer", pkgerrors.ErrRoleNotPermitted)
	}
	return nil
}

// amountPlaces is the scale money is stored at.
const amountPlaces = 2

// requireAmount accepts positive amounts of whole cents.
func requireAmount(amount decimal.Decimal, what string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", pkgerrors.ErrInvalidAmount, what)
	}
	if !amount.Equal(amount.Round(amountPlaces)) {
		return fmt.Errorf("%w: %s %s has more than %d decimal places", pkgerrors.ErrInvalidAmount, what, amount.String(), amountPlaces)
	}
	return nil
}

func eventPayload(fields map[string]any) json.RawMessage {
	b, err := json.Marshal(fields)
	if err != nil {
		slog.Error("failed to marshal event payload", "error", err)
		return nil
	}
	return b
}
