package app

import (
	"errors"
	"fmt"
	"net/http"

	"dynastymap/api/internal/gateway"
	"dynastymap/api/internal/grid"
	"dynastymap/api/internal/mapsession"
	"dynastymap/api/internal/store"
)

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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var backendErrs store.Errors
	switch {
	case errors.Is(err, mapsession.ErrReadOnly):
		return http.StatusForbidden, "READ_ONLY", "Map session is read-only", nil
	case errors.Is(err, mapsession.ErrNotReady):
		return http.StatusConflict, "NOT_READY", "Map is still loading", nil
	case errors.Is(err, mapsession.ErrClosed):
		return http.StatusServiceUnavailable, "SESSION_CLOSED", "Map session closed", nil
	case errors.Is(err, mapsession.ErrInvalidColor):
		return http.StatusUnprocessableEntity, "INVALID_COLOR", err.Error(), nil
	case errors.Is(err, grid.ErrOutOfGrid):
		return http.StatusUnprocessableEntity, "OUT_OF_GRID", err.Error(), nil
	case errors.Is(err, gateway.ErrUnmappedColor):
		return http.StatusConflict, "UNMAPPED_COLOR", "Save the dynasty for this color first", nil
	case errors.As(err, &backendErrs) && backendErrs.Has(store.ErrTypeNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
