package services

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindDuplicate  Kind = "duplicate"
	KindDependency Kind = "dependency"
	KindPermission Kind = "permission"
	KindInternal   Kind = "internal"
)

var ErrUnsupportedEvent = errors.New("unsupported event")

// Error carries a failure kind so callers at a boundary (HTTP handler, batch loop)
// can decide whether to surface, retry, or skip.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op string, err error) error { return newError(KindValidation, op, err) }
func NotFound(op string, err error) error   { return newError(KindNotFound, op, err) }
func Duplicate(op string, err error) error  { return newError(KindDuplicate, op, err) }
func Dependency(op string, err error) error { return newError(KindDependency, op, err) }
func Permission(op string, err error) error { return newError(KindPermission, op, err) }

// KindOf reports the kind of err. Missing gorm records count as not found; anything
// unclassified is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return KindNotFound
	}
	return KindInternal
}

// IsRetryable reports whether repeating the operation later may succeed.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindDependency, KindInternal:
		return true
	default:
		return false
	}
}
