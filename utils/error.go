package utils

import (
	"errors"
	"fmt"
)

var ErrorRecordNotFound = errors.New("record not found")

func ErrorPanic(err error) {
	if err != nil {
		panic(err)
	}
}

// ErrorKind classifies business failures so the HTTP layer can map each class
// to a status code without string-matching messages.
type ErrorKind string

const (
	ErrorKindValidation    ErrorKind = "VALIDATION"
	ErrorKindConflict      ErrorKind = "CONFLICT"
	ErrorKindNotFound      ErrorKind = "NOT_FOUND"
	ErrorKindInconsistency ErrorKind = "INCONSISTENCY"
)

type DomainError struct {
	Kind    ErrorKind
	Message string
}

func (e *DomainError) Error() string {
	return e.Message
}

func Validationf(format string, args ...interface{}) error {
	return &DomainError{Kind: ErrorKindValidation, Message: fmt.Sprintf(format, args...)}
}

func Conflictf(format string, args ...interface{}) error {
	return &DomainError{Kind: ErrorKindConflict, Message: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...interface{}) error {
	return &DomainError{Kind: ErrorKindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Inconsistencyf flags stored data that violates an invariant the code relies
// on (e.g. a bound serial with no stock unit row). These are never retried by
// callers; they need an operator.
func Inconsistencyf(format string, args ...interface{}) error {
	return &DomainError{Kind: ErrorKindInconsistency, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the error's classification. Unclassified errors (driver
// errors, context cancellations) report as inconsistency so they surface as
// server-side failures, except ErrorRecordNotFound which maps to NOT_FOUND.
func KindOf(err error) ErrorKind {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, ErrorRecordNotFound) {
		return ErrorKindNotFound
	}
	return ErrorKindInconsistency
}
