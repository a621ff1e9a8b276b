package apperr

import (
	"errors"
	"fmt"
)

// ValidationError covers bad input and wrong-state transitions. The Field
// carries what was validated so an API layer can render specific guidance.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Msg)
}

func NewValidation(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// InsufficientBalanceError carries the amounts in lamports plus an actionable
// suggestion for the operator.
type InsufficientBalanceError struct {
	Current    uint64
	Required   uint64
	Suggestion string
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %d lamports, need %d. %s", e.Current, e.Required, e.Suggestion)
}

func NewInsufficientBalance(current, required uint64, suggestion string) *InsufficientBalanceError {
	return &InsufficientBalanceError{Current: current, Required: required, Suggestion: suggestion}
}

type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error in %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func NewNetwork(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err}
}

type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database error in %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

func NewDatabase(op string, err error) *DatabaseError {
	return &DatabaseError{Op: op, Err: err}
}

// EncryptionError marks malformed or tampered key material. It is never
// retried and never suppressed.
type EncryptionError struct {
	Msg string
}

func (e *EncryptionError) Error() string {
	return "encryption error: " + e.Msg
}

func NewEncryption(format string, args ...interface{}) *EncryptionError {
	return &EncryptionError{Msg: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsInsufficientBalance(err error) bool {
	var v *InsufficientBalanceError
	return errors.As(err, &v)
}

func IsNetwork(err error) bool {
	var v *NetworkError
	return errors.As(err, &v)
}

func IsEncryption(err error) bool {
	var v *EncryptionError
	return errors.As(err, &v)
}
