package apperrors

import "errors"

// Error categories. Every specific error below unwraps to exactly one of these,
// so callers can branch on the category with errors.Is.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation error")
	ErrReference   = errors.New("reference error")
	ErrConcurrency = errors.New("concurrency error")
	ErrIntegrity   = errors.New("integrity error")
	ErrTimeout     = errors.New("timeout")
)

// Validation errors are rejected before persistence.
var (
	ErrNegativeQuantity        = newError(ErrValidation, "quantity must not be negative")
	ErrInvalidPrice            = newError(ErrValidation, "malformed price")
	ErrInvalidInput            = newError(ErrValidation, "invalid input")
	ErrCyclicSection           = newError(ErrValidation, "section parent would create a cycle")
	ErrDuplicatePositionNumber = newError(ErrValidation, "duplicate position number in estimate")
	ErrHierarchyTooDeep        = newError(ErrValidation, "section hierarchy exceeds maximum depth")
	ErrEstimateLocked          = newError(ErrValidation, "estimate is approved or cancelled and cannot be edited")
	ErrInvalidStatusTransition = newError(ErrValidation, "invalid estimate status transition")
	ErrImportSessionClosed     = newError(ErrValidation, "import session no longer accepts rows")
)

// Reference errors. Some are soft fallbacks (ErrRateNotFound), some hard rejects.
var (
	ErrRateNotFound                = newError(ErrReference, "normative rate not found")
	ErrCoefficientNotFound         = newError(ErrReference, "coefficient not found")
	ErrMissingMandatoryCoefficient = newError(ErrReference, "mandatory coefficient is not in effect")
	ErrCrossTenantReference        = newError(ErrReference, "reference belongs to another organization")
)

var (
	ErrRecalculationInProgress = newError(ErrConcurrency, "recalculation already in progress for estimate")
	ErrRollupMismatch          = newError(ErrIntegrity, "cached totals do not match rollup")
	ErrRecalculationTimeout    = newError(ErrTimeout, "recalculation exceeded its time budget")
)

type categorized struct {
	category error
	msg      string
}

func newError(category error, msg string) error {
	return &categorized{category: category, msg: msg}
}

func (e *categorized) Error() string { return e.msg }

func (e *categorized) Unwrap() error { return e.category }

// IsRetryable reports whether the caller may retry the operation unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrency) || errors.Is(err, ErrTimeout)
}
