package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry and HTTP surfacing decisions.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindTransient
	KindPermanent
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindCancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

// HTTPStatus maps an error kind to the status code the API surfaces.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindPermanent:
		return http.StatusUnprocessableEntity
	case KindCancelled:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

func (e *Error) Kind() Kind { return e.kind }

// Is lets errors.Is match any error of the same kind when the target's
// message is empty, so errors.Is(err, apperr.New(apperr.KindTransient, ""))
// matches every Transient error; a target with a message also needs an
// equal message.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.kind == e.kind && (t.msg == "" || t.msg == e.msg)
	}
	return false
}

func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{kind: kind, msg: msg, err: err}
}

// KindOf returns the kind of err, unwrapping as needed. Unclassified
// errors are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindInternal
}

func IsTransient(err error) bool { return KindOf(err) == KindTransient }

func IsValidation(err error) bool { return KindOf(err) == KindValidation }

func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

func IsConflict(err error) bool { return KindOf(err) == KindConflict }

func IsPermanent(err error) bool { return KindOf(err) == KindPermanent }

func IsCancelled(err error) bool { return KindOf(err) == KindCancelled }
