// Package errs defines the error taxonomy shared by the authorization,
// account-access and governance packages.
//
// Every failure surfaced by a decision or mutation wraps exactly one of the
// sentinels below so callers can branch with errors.Is without parsing
// messages:
//
//	if errors.Is(err, errs.ErrForbidden) { ... }
package errs

import (
	"errors"
	"net/http"
	"strings"

	"github.com/lib/pq"
)

var (
	// ErrForbidden is returned when a permission or account-access check
	// denies the caller. It is never retryable.
	ErrForbidden = errors.New("forbidden")

	// ErrValidation marks malformed input rejected before any mutation.
	ErrValidation = errors.New("validation failed")

	// ErrConflict marks a request that collides with existing state, such as
	// a duplicate grant or a review of an already resolved approval request.
	ErrConflict = errors.New("conflict")

	// ErrNotFound is returned when the addressed entity does not exist in the
	// caller's tenant.
	ErrNotFound = errors.New("not found")

	// ErrUpstream marks a failure of an external dependency (CRM provider,
	// action executor). Previously granted access is never revoked because of it.
	ErrUpstream = errors.New("upstream dependency failed")

	// ErrUnsatisfiable marks an approval step that can never reach quorum.
	ErrUnsatisfiable = errors.New("unsatisfiable approval policy")
)

// postgres unique_violation
const uniqueViolation = "23505"

// IsUniqueViolation reports whether err came from a unique constraint.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	// sqlite3 is used by the package tests
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// HTTPStatus maps an error to the HTTP status code the API answers with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnsatisfiable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show to the caller. Denials are
// uniform so they never reveal why a grant does not cover a resource.
func PublicMessage(err error) string {
	switch {
	case errors.Is(err, ErrForbidden):
		return ErrForbidden.Error()
	case HTTPStatus(err) == http.StatusInternalServerError:
		return "internal error"
	default:
		return err.Error()
	}
}
