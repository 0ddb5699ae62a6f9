package instance

import (
	"errors"
	"strings"
	"testing"

	apperrors "github.com/chiquitav2/vnas-orchestrator/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestResourceKey_Validate(t *testing.T) {
	tests := []struct {
		key   ResourceKey
		valid bool
	}{
		{"u1", true},
		{"User_42-abc", true},
		{ResourceKey(strings.Repeat("a", 63)), true},
		{"", false},
		{ResourceKey(strings.Repeat("a", 64)), false},
		{"has space", false},
		{"../etc", false},
		{"user@domain", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.key), func(t *testing.T) {
			err := tt.key.Validate()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, apperrors.ErrValidation), "got %v", err)
		})
	}
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name  string
		user  string
		valid bool
	}{
		{"empty", "", true},
		{"well formed", "admin:secret", true},
		{"missing colon", "admin", false},
		{"empty name", ":secret", false},
		{"empty password", "admin:", false},
		{"extra colon", "admin:sec:ret", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Options{Environment: Environment{User: tt.user}}.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, apperrors.ErrValidation)
			}
		})
	}
}

func TestName(t *testing.T) {
	assert.Equal(t, "vnas-user_1", Name("vnas-", "User_1"))
}
