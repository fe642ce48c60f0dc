package app

import (
	"errors"
	"fmt"
	"net/http"

	"treesync/api/internal/store"
)

// DomainError is a request the service declined. Over HTTP it becomes a
// {code, error} body with Status; over the sync connection it is logged.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func invalid(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func notFound(what string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", what+" not found", nil)
}

func conflict(message string) *DomainError {
	return domainError(http.StatusConflict, "CONFLICT", message, nil)
}

// declined reports whether err is a validation outcome rather than a
// failure of the service itself.
func declined(err error) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr)
}

// lookupError turns a store miss into a NOT_FOUND domain error and wraps
// anything else.
func lookupError(what string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFound(what)
	}
	return fmt.Errorf("load %s: %w", what, err)
}
