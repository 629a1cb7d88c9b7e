package tally

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeMessage(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"uuid", "user 550e8400-e29b-41d4-a716-446655440000 not found", "user <uuid> not found"},
		{"timestamp", "expired at 2024-01-15T10:30:00.123Z", "expired at <timestamp>"},
		{"timestamp with offset", "expired at 2024-01-15 10:30+02:00", "expired at <timestamp>"},
		{"quoted with digit", `unknown key "item_42"`, "unknown key <str>"},
		{"single quoted with digit", `unknown key 'v2'`, "unknown key <str>"},
		{"quoted without digit", `unknown key "name"`, `unknown key "name"`},
		{"long number", "order 1234567 failed", "order <num> failed"},
		{"short number", "retry 3 of 1234", "retry 3 of 1234"},
		{"whitespace", "  a \t\n b  ", "a b"},
		{
			"everything",
			`User 550e8400-e29b-41d4-a716-446655440000 failed at 2024-01-15T10:30:00Z with "order 42"   and id 1234567`,
			"User <uuid> failed at <timestamp> with <str> and id <num>",
		},
		{"nfc", "café", "café"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeMessage(tt.input))
		})
	}
}

func TestFingerprintKnownValues(t *testing.T) {
	tests := []struct {
		errType, message, frame string
		want                    string
	}{
		{"TypeError", "Cannot read properties of undefined", "at render (app.js:10:5)", "0425e8b6615be61fb54ba6c80bf9"},
		{"Error", "", "", "1ff30c546bb0be006559aa587acc"},
		{"Error", "héllo 🌍", "", "0e32a6e7cb263000bc681fc135e5"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Fingerprint(tt.errType, tt.message, tt.frame))
	}
}

func TestFingerprintFormat(t *testing.T) {
	fp := Fingerprint("Error", "boom", "at main (main.go:1)")
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{28}$`), fp)
}

func TestFingerprintGroupsTransientDetails(t *testing.T) {
	a := Fingerprint("Error", "order 1234567 failed at 2024-01-15T10:30:00Z", "at pay (pay.js:1:1)")
	b := Fingerprint("Error", "order  7654321 failed at 2025-06-01T00:00:00Z", "at pay (pay.js:1:1)")
	assert.Equal(t, a, b)
}

func TestFingerprintDistinguishesTypeAndFrame(t *testing.T) {
	base := Fingerprint("Error", "boom", "at a (a.js:1:1)")
	assert.NotEqual(t, base, Fingerprint("TypeError", "boom", "at a (a.js:1:1)"))
	assert.NotEqual(t, base, Fingerprint("Error", "boom", "at b (b.js:1:1)"))
	assert.NotEqual(t, base, Fingerprint("Error", "bang", "at a (a.js:1:1)"))
}
