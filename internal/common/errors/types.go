// Package errors defines the structured error taxonomy shared by every
// rate-limit backend: validation, lifecycle, contention and infrastructure
// failures each get a distinct type so callers and retry loops can branch
// on kind instead of message text.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrTypeValidation represents input validation errors (bad resource or origin keys)
	ErrTypeValidation ErrorType = "validation"
	// ErrTypeDestroyed represents use of a store after Close/destroy
	ErrTypeDestroyed ErrorType = "destroyed"
	// ErrTypeConflict represents a conditional-write conflict (slot already claimed)
	ErrTypeConflict ErrorType = "conflict"
	// ErrTypeInfrastructure represents missing or misprovisioned backing storage
	ErrTypeInfrastructure ErrorType = "infrastructure"
	// ErrTypeConfig represents configuration errors
	ErrTypeConfig ErrorType = "config"
	// ErrTypeInternal represents unclassified backend errors
	ErrTypeInternal ErrorType = "internal"
)

// AppError represents a structured application error
type AppError struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	parts := []string{string(e.Type), e.Message}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}

	if len(e.Context) > 0 {
		contextParts := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("context={%s}", strings.Join(contextParts, ", ")))
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// ValidationError creates a new validation error
func ValidationError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeValidation,
		Message: msg,
	}
}

// DestroyedError reports an operation against a store whose Close/destroy
// has already run. The message is part of the public error contract.
func DestroyedError() *AppError {
	return &AppError{
		Type:    ErrTypeDestroyed,
		Message: "Rate limit store has been destroyed",
	}
}

// ConflictError creates a conditional-write conflict error. It never escapes
// a store's public surface; acquire consumes it to advance to the next slot.
func ConflictError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeConflict,
		Message: msg,
	}
}

// MissingTableError reports that the backing table or collection has not been
// provisioned. The wording is load-bearing: monitoring tooling matches on it.
func MissingTableError(table string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeInfrastructure,
		Message: fmt.Sprintf("table %q was not found. Create the table using your infrastructure as code tooling before using this store", table),
		Cause:   cause,
	}
}

// ConfigError creates a new configuration error
func ConfigError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeConfig,
		Message: msg,
	}
}

// InternalError creates a new internal error wrapping an unclassified cause
func InternalError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeInternal,
		Message: msg,
		Cause:   cause,
	}
}

// IsType checks whether err is an AppError of the given type anywhere in its chain
func IsType(err error, errType ErrorType) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type == errType
	}
	return false
}

// IsValidation reports whether err is a validation error
func IsValidation(err error) bool {
	return IsType(err, ErrTypeValidation)
}

// IsDestroyed reports whether err is a use-after-destroy error
func IsDestroyed(err error) bool {
	return IsType(err, ErrTypeDestroyed)
}

// IsConflict reports whether err is a conditional-write conflict
func IsConflict(err error) bool {
	return IsType(err, ErrTypeConflict)
}

// IsMissingTable reports whether err signals unprovisioned backing storage
func IsMissingTable(err error) bool {
	return IsType(err, ErrTypeInfrastructure)
}

// GetType returns the error type, or ErrTypeInternal for foreign errors
func GetType(err error) ErrorType {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrTypeInternal
}
