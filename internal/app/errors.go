package app

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"peridot/api/internal/auth"
	"peridot/api/internal/authpw"
	"peridot/api/internal/notes"
	"peridot/api/internal/quota"
	"peridot/api/internal/store"
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

var errUnauthorized = domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required", nil)

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var validationErr *notes.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, "VALIDATION_ERROR", "Invalid note", validationErr.Fields
	case errors.Is(err, notes.ErrValidation):
		return http.StatusBadRequest, "VALIDATION_ERROR", "Invalid note", nil
	case errors.Is(err, notes.ErrAlreadyExists):
		return http.StatusBadRequest, "ALREADY_EXISTS", "Note with this ID already exists", nil
	case errors.Is(err, quota.ErrQuotaExceeded):
		return http.StatusBadRequest, "QUOTA_EXCEEDED", "Storage quota exceeded", nil
	case errors.Is(err, notes.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Note not found", nil
	case errors.Is(err, authpw.ErrInvalidInput):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, authpw.ErrUsernameTaken):
		return http.StatusBadRequest, "USERNAME_EXISTS", "Username already exists", nil
	case errors.Is(err, authpw.ErrEmailTaken):
		return http.StatusBadRequest, "EMAIL_EXISTS", "Email already exists", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusBadRequest, "INVALID_CREDENTIALS", "Invalid credentials", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, store.ErrSessionInvalid), errors.Is(err, store.ErrUserNotFound):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// respondError writes the mapped error. Unmapped errors are logged since the
// client only sees a generic message.
func respondError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed",
			"request_id", requestID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeError(w, status, code, message, details)
}
