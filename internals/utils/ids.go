package utils

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

var safeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-\.]+$`)

// NewConnectionID returns a fresh identifier for a transport connection.
func NewConnectionID() string {
	return uuid.NewString()
}

// ValidateID rejects empty, oversized or non-URL-safe identifiers.
func ValidateID(id string, maxLen int, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > maxLen {
		return fmt.Errorf("%s exceeds maximum length of %d", fieldName, maxLen)
	}
	if !safeIDPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}
	return nil
}
