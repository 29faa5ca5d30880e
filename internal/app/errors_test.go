package app

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"peridot/api/internal/auth"
	"peridot/api/internal/authpw"
	"peridot/api/internal/notes"
	"peridot/api/internal/quota"
	"peridot/api/internal/store"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"domain", domainError(http.StatusTeapot, "TEAPOT", "short and stout", nil), http.StatusTeapot, "TEAPOT"},
		{"validation", &notes.ValidationError{Fields: map[string]string{"id": "is required"}}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"wrapped quota", fmt.Errorf("create note 1: %w", quota.ErrQuotaExceeded), http.StatusBadRequest, "QUOTA_EXCEEDED"},
		{"duplicate note", fmt.Errorf("create note 1: %w", notes.ErrAlreadyExists), http.StatusBadRequest, "ALREADY_EXISTS"},
		{"missing note", notes.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"bad register input", fmt.Errorf("%w: email is invalid", authpw.ErrInvalidInput), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad credentials", authpw.ErrInvalidCredentials, http.StatusBadRequest, "INVALID_CREDENTIALS"},
		{"expired token", auth.ErrExpiredToken, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"stale session", store.ErrSessionInvalid, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, "SERVER_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code, message, _ := mapError(tt.err)
			if status != tt.status || code != tt.code {
				t.Fatalf("mapError() = %d %s, want %d %s", status, code, tt.status, tt.code)
			}
			if status == http.StatusInternalServerError && message != "Server error" {
				t.Fatalf("internal errors must not leak detail, got %q", message)
			}
		})
	}
}

func TestMapErrorValidationDetails(t *testing.T) {
	err := fmt.Errorf("update note 4: %w", &notes.ValidationError{Fields: map[string]string{"visible_title": "must be at most 255 characters"}})
	_, _, _, details := mapError(err)
	fields, ok := details.(map[string]string)
	if !ok || fields["visible_title"] == "" {
		t.Fatalf("expected field details, got %#v", details)
	}
}
