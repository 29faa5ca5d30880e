package notes

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrValidation    = errors.New("validation failed")
	ErrNotFound      = errors.New("note not found")
	ErrAlreadyExists = errors.New("note with this ID already exists")
)

// ValidationError lists the offending request fields. It matches ErrValidation
// under errors.Is.
type ValidationError struct {
	Fields map[string]string
}

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: reason}}
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s %s", k, e.Fields[k]))
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, ", ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }
