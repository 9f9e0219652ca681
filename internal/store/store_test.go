package store

import (
	"errors"
	"testing"

	"courier/internal/apperrors"
)

func TestValidateQueue(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		valid bool
	}{
		{"orders", true},
		{"audit.v2", true},
		{"port-client_1", true},
		{"", false},
		{"../etc", false},
		{"a/b", false},
		{".hidden", false},
		{"has space", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateQueue(tt.name)
			if tt.valid && err != nil {
				t.Errorf("ValidateQueue(%q) = %v, want nil", tt.name, err)
			}
			if !tt.valid && !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("ValidateQueue(%q) = %v, want validation error", tt.name, err)
			}
		})
	}
}
