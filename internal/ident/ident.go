// Package ident generates and validates resource and job identifiers.
// Identifiers become path components under the data directory, so anything
// that could name a parent or sibling directory is rejected.
package ident

import (
	"accessd/internal/apperrors"
	"regexp"

	"github.com/google/uuid"
)

// MaxLength bounds identifier length.
const MaxLength = 128

// pattern allows alphanumeric, hyphens, and underscores
var pattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// New returns a fresh time-ordered identifier.
func New() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Validate returns a validation error for an empty id and UnsafeIdentifier
// for anything outside the allowed alphabet.
func Validate(field, id string) error {
	if id == "" {
		return apperrors.Validation(field, field+" is required")
	}
	if len(id) > MaxLength || !pattern.MatchString(id) {
		return apperrors.UnsafeIdentifier(field, id)
	}
	return nil
}
