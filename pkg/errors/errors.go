package errors

import (
	"errors"
)

var (
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrPrecedenceViolation    = errors.New("lower-precedence milestone not settled")
	ErrOverpaymentRejected    = errors.New("payment exceeds amount due")
	ErrAlreadyScheduled       = errors.New("payments already scheduled")
	ErrUnitNoLongerAvailable  = errors.New("unit no longer available")
	ErrRoleNotPermitted       = errors.New("role not permitted")
	ErrTransactionNotActive   = errors.New("transaction not active")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrIdempotencyKeyRequired = errors.New("idempotency key required")
	ErrIdempotencyConflict    = errors.New("idempotency key reused with different request")
	ErrClaimExists            = errors.New("open htb claim already exists")
	ErrInvalidClaimTransition = errors.New("invalid htb claim transition")
	ErrAccessCodeExpiry       = errors.New("access code expiry must be in the future")
	ErrAccessCodeExpired      = errors.New("access code expired")
	ErrInvalidSchedule        = errors.New("invalid payment schedule")
	ErrInvalidInput           = errors.New("invalid input")

	ErrTransactionNotFound = errors.New("transaction not found")
	ErrMilestoneNotFound   = errors.New("milestone not found")
	ErrUnitNotFound        = errors.New("unit not found")
	ErrDevelopmentNotFound = errors.New("development not found")
	ErrClaimNotFound       = errors.New("htb claim not found")

	ErrBusy               = errors.New("resource busy, retry later")
	ErrVersionConflict    = errors.New("concurrent modification")
	ErrStorageUnavailable = errors.New("storage unavailable")

	ErrInvariantViolation = errors.New("invariant violation")
	ErrCounterUnderflow   = errors.New("inventory counter underflow")

	ErrInternal = errors.New("internal error")
)

// Kind groups errors by how a caller should react to them.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvariant:
		return "invariant"
	default:
		return "internal"
	}
}

var kinds = []struct {
	kind Kind
	errs []error
}{
	{KindInvariant, []error{ErrInvariantViolation, ErrCounterUnderflow}},
	{KindConflict, []error{ErrBusy, ErrVersionConflict, ErrStorageUnavailable}},
	{KindNotFound, []error{ErrTransactionNotFound, ErrMilestoneNotFound, ErrUnitNotFound, ErrDevelopmentNotFound, ErrClaimNotFound}},
	{KindValidation, []error{
		ErrInvalidTransition, ErrPrecedenceViolation, ErrOverpaymentRejected, ErrAlreadyScheduled,
		ErrUnitNoLongerAvailable, ErrRoleNotPermitted, ErrTransactionNotActive, ErrInvalidAmount,
		ErrIdempotencyKeyRequired, ErrIdempotencyConflict, ErrClaimExists, ErrInvalidClaimTransition,
		ErrAccessCodeExpiry, ErrAccessCodeExpired, ErrInvalidSchedule, ErrInvalidInput,
	}},
}

// KindOf reports the kind of err. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	for _, group := range kinds {
		for _, target := range group.errs {
			if errors.Is(err, target) {
				return group.kind
			}
		}
	}
	return KindInternal
}

// IsRetryable reports whether the caller may retry err with backoff.
func IsRetryable(err error) bool {
	return KindOf(err) == KindConflict
}
