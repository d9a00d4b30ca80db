package app

import (
	"errors"
	"fmt"
	"net/http"

	"cord/api/internal/auth"
	"cord/api/internal/pagination"
	"cord/api/internal/presence"
	"cord/api/internal/store"
)

const (
	CodeInvalidRequest      = "invalid_request"
	CodeInvalidProjectToken = "invalid_project_token"
	CodeInvalidUserID       = "invalid_user_id"
	CodeNotFound            = "not_found"
	CodeForbidden           = "forbidden"
	CodeRateLimited         = "rate_limited"
	CodeServerError         = "server_error"
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

func invalidRequest(format string, args ...any) *DomainError {
	return domainError(http.StatusBadRequest, CodeInvalidRequest, fmt.Sprintf(format, args...), nil)
}

func notFound(what string) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, what+" not found", nil)
}

func forbidden() *DomainError {
	return domainError(http.StatusForbidden, CodeForbidden, "Forbidden", nil)
}

func invalidUserID(userID string) *DomainError {
	return domainError(http.StatusUnauthorized, CodeInvalidUserID, fmt.Sprintf("user %q does not exist in this application", userID), nil)
}

func invalidProjectToken() *DomainError {
	return domainError(http.StatusUnauthorized, CodeInvalidProjectToken, "invalid or expired token", nil)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, CodeNotFound, "Not found", nil
	}
	if errors.Is(err, pagination.ErrInvalidToken) {
		return http.StatusBadRequest, CodeInvalidRequest, "invalid pagination token", nil
	}
	if errors.Is(err, presence.ErrInvalidUpdate) {
		return http.StatusBadRequest, CodeInvalidRequest, err.Error(), nil
	}
	if errors.Is(err, store.ErrConflict) {
		return http.StatusBadRequest, CodeInvalidRequest, "Already exists", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrMissingToken) {
		return http.StatusUnauthorized, CodeInvalidProjectToken, "invalid or expired token", nil
	}
	return http.StatusInternalServerError, CodeServerError, "Server error", nil
}
