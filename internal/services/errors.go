package services

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/lib/pq"
	"github.com/uplinepay/backend/internal/hierarchy"
)

// Stable error kinds surfaced by the balance core. Handlers map these to
// HTTP statuses; raw storage error text is never sent to clients.
var (
	ErrNotFound           = errors.New("account not found")
	ErrUnauthorized       = errors.New("not authorized")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrInvalidCommission  = errors.New("commission percentage must be between 0 and 100")
	ErrInsufficientFunds  = errors.New("insufficient balance")
	ErrDuplicateIdentity  = errors.New("username or email already exists")
	ErrMalformedHierarchy = hierarchy.ErrMalformedHierarchy
	ErrConflict           = errors.New("concurrent update conflict")
	ErrTimeout            = errors.New("operation timed out")
	ErrUnavailable        = errors.New("storage unavailable")
)

// Postgres error codes relevant to transfer retry classification.
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqUniqueViolation      = "23505"
)

// isRetryable reports whether the atomic mutation step may be retried:
// serialization failures, deadlocks and optimistic-lock misses are transient.
func isRetryable(err error) bool {
	if errors.Is(err, ErrConflict) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqSerializationFailure || pqErr.Code == pqDeadlockDetected
	}
	return false
}

// classifyStorageError folds driver errors into the stable taxonomy.
func classifyStorageError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case isRetryable(err):
		return ErrConflict
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return ErrDuplicateIdentity
	}
	return ErrUnavailable
}

// statusForError maps a core error to the HTTP status handlers respond with.
func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidCommission),
		errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrMalformedHierarchy):
		return http.StatusBadRequest
	case errors.Is(err, ErrDuplicateIdentity):
		return http.StatusConflict
	case errors.Is(err, ErrConflict), errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
