// Package faults classifies errors into the failure taxonomy shared by the
// ingestion pipeline and its external collaborators.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind is the failure class of an error.
type Kind int

const (
	// KindPermanent covers malformed sources and unparseable structure. The item
	// is skipped and surfaced in the retry list.
	KindPermanent Kind = iota
	// KindTransient covers network and rate-limit failures. Retried with backoff.
	KindTransient
	// KindConsistency means only one of the two index writes for a chunk succeeded.
	KindConsistency
	// KindValidation means a collaborator returned output violating its schema.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindConsistency:
		return "consistency"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient marks err as retryable.
func Transient(op string, err error) error { return wrap(KindTransient, op, err) }

// Permanent marks err as not retryable.
func Permanent(op string, err error) error { return wrap(KindPermanent, op, err) }

// Consistency marks err as a half-written dual index entry.
func Consistency(op string, err error) error { return wrap(KindConsistency, op, err) }

// Validation marks err as a schema violation in collaborator output.
func Validation(op string, err error) error { return wrap(KindValidation, op, err) }

// KindOf returns the Kind of err. Errors without an explicit Kind are
// classified by shape: timeouts and network errors are transient, cancellation
// and anything else is permanent.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	return KindPermanent
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return err != nil && KindOf(err) == KindTransient }

// IsPermanent reports whether err should go to the retry list without retrying.
func IsPermanent(err error) bool { return err != nil && KindOf(err) == KindPermanent }

// IsValidation reports whether err is a collaborator schema violation.
func IsValidation(err error) bool { return err != nil && KindOf(err) == KindValidation }

// IsConsistency reports whether err describes a partial dual index write.
func IsConsistency(err error) bool { return err != nil && KindOf(err) == KindConsistency }

// StatusError is an unexpected HTTP status from an external service.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("unexpected status %d", e.Code) }

// FromHTTPStatus classifies an HTTP status code returned by an external service.
func FromHTTPStatus(op string, code int) error {
	err := &StatusError{Code: code}
	switch {
	case code == 429, code == 408, code >= 500:
		return Transient(op, err)
	default:
		return Permanent(op, err)
	}
}

// RateLimited reports whether err carries an HTTP 429.
func RateLimited(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == 429
}
