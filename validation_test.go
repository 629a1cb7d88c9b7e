package tally

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEventName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", "Signed Up", false},
		{"empty", "", true},
		{"blank", "   ", true},
		{"at limit", strings.Repeat("a", MaxEventNameLength), false},
		{"over limit", strings.Repeat("a", MaxEventNameLength+1), true},
		{"multibyte at limit", strings.Repeat("é", MaxEventNameLength), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEventName(tt.input)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var validationErr *ValidationError
			require.True(t, errors.As(err, &validationErr))
			assert.Equal(t, "event name", validationErr.Field)
		})
	}
}

func TestValidateIdentifiers(t *testing.T) {
	assert.NoError(t, ValidateUserID("user_42"))
	assert.Error(t, ValidateUserID(" "))
	assert.Error(t, ValidateUserID(strings.Repeat("x", MaxIDLength+1)))

	assert.NoError(t, ValidateAccountID("acme"))
	assert.Error(t, ValidateAccountID(""))
	assert.Error(t, ValidateAccountID(strings.Repeat("x", MaxIDLength+1)))
}

func TestValidateProperties(t *testing.T) {
	cyclic := map[string]interface{}{"a": 1}
	cyclic["self"] = cyclic

	nested := map[string]interface{}{}
	nested["list"] = []interface{}{map[string]interface{}{"back": nested}}

	tests := []struct {
		name    string
		props   map[string]interface{}
		wantErr string
	}{
		{"nil", nil, ""},
		{"simple", map[string]interface{}{"plan": "pro", "seats": 3}, ""},
		{"cycle", cyclic, "circular"},
		{"cycle through slice", nested, "circular"},
		{"unsupported value", map[string]interface{}{"f": func() {}}, "not serializable"},
		{"nan", map[string]interface{}{"n": math.NaN()}, "not serializable"},
		{"too large", map[string]interface{}{"blob": strings.Repeat("x", MaxPropertiesBytes)}, "exceeds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateProperties(tt.props)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
