// Package policy defines the error taxonomy shared by the compliance engine
// and the table that decides which failures are fatal to the caller and which
// are absorbed and retried.
package policy

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a compliance error.
type Kind string

const (
	KindValidation Kind = "VALIDATION_ERROR"
	KindEncryption Kind = "ENCRYPTION_ERROR"
	KindDecryption Kind = "DECRYPTION_ERROR"
	KindDelivery   Kind = "DELIVERY_ERROR"
	KindAbandon    Kind = "PERMANENT_ABANDON"
	KindUnknown    Kind = "UNKNOWN_ERROR"
)

// Error is a classified error. Two Errors match under errors.Is when their
// kinds are equal, so the package-level sentinels can be used as targets.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrEncryption = &Error{Kind: KindEncryption}
	ErrDecryption = &Error{Kind: KindDecryption}
	ErrDelivery   = &Error{Kind: KindDelivery}
	ErrAbandon    = &Error{Kind: KindAbandon}
)

// E builds a classified error for the given operation.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// Disposition tells a boundary what to do with a failure.
type Disposition int

const (
	// Fatal errors are returned to the caller.
	Fatal Disposition = iota
	// Recoverable errors are logged and retried asynchronously; the primary
	// user action proceeds.
	Recoverable
	// Logged errors are recorded for manual follow-up and never surfaced.
	Logged
)

func (d Disposition) String() string {
	switch d {
	case Recoverable:
		return "recoverable"
	case Logged:
		return "logged"
	default:
		return "fatal"
	}
}

// Policy maps error kinds to dispositions.
type Policy map[Kind]Disposition

// Default is the policy used across the engine.
var Default = Policy{
	KindValidation: Fatal,
	KindEncryption: Fatal,
	KindDecryption: Fatal,
	KindDelivery:   Recoverable,
	KindAbandon:    Logged,
}

// Disposition returns the disposition for err. Unclassified errors are fatal.
func (p Policy) Disposition(err error) Disposition {
	if d, ok := p[KindOf(err)]; ok {
		return d
	}
	return Fatal
}

// Recoverable reports whether err may be absorbed by a local buffer or retry.
func (p Policy) Recoverable(err error) bool {
	return err != nil && p.Disposition(err) == Recoverable
}

// HTTPStatus maps an error to the status code handlers respond with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindDecryption:
		return http.StatusUnprocessableEntity
	case KindDelivery:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
