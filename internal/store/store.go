// Package store holds what the delivery.Store implementations share.
package store

import (
	"fmt"
	"regexp"

	"courier/internal/apperrors"
)

var queueName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateQueue rejects queue names that cannot be used safely as file names
// or key segments.
func ValidateQueue(name string) error {
	if !queueName.MatchString(name) {
		return apperrors.Validation("queue", fmt.Sprintf("invalid queue name %q", name))
	}
	return nil
}
