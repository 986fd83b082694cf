package models

import (
	"errors"
	"fmt"
)

/** -----------------
error classification
----------------
Every worker failure is either fatal (redelivery cannot change the outcome,
log and drop) or transient (requeue up to the retry limit). Anything that is
not explicitly fatal is treated as transient.
*/

/**
NotFoundError indicates that a referenced record does not exist, or has been
soft-deleted. Retrying will not make it reappear, so it is always fatal.
*/
type NotFoundError struct {
	What string
	Id   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.What, e.Id)
}

/**
ValidationError indicates that a job payload did not match its declared
schema. Always fatal; a malformed payload stays malformed on redelivery.
*/
type ValidationError struct {
	Field  string
	Detail string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid job payload: field '%s': %s", e.Field, e.Detail)
}

/**
FatalError marks any other error as non-retryable, e.g. a business rule
violation like a cluster source with zero sibling services.
*/
type FatalError struct {
	Detail string
}

func (e FatalError) Error() string {
	return e.Detail
}

func NewFatalError(format string, args ...interface{}) FatalError {
	return FatalError{Detail: fmt.Sprintf(format, args...)}
}

/**
IsFatal reports whether the given error should be dropped rather than
requeued
*/
func IsFatal(err error) bool {
	var notFound NotFoundError
	var validation ValidationError
	var fatal FatalError
	return errors.As(err, &notFound) || errors.As(err, &validation) || errors.As(err, &fatal)
}

func IsNotFound(err error) bool {
	var notFound NotFoundError
	return errors.As(err, &notFound)
}
