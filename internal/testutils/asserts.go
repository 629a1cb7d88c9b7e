package testutils

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// AssertDiff fails the test when want and got differ according to cmp.
func AssertDiff(t *testing.T, want, got interface{}, opts ...cmp.Option) {
	t.Helper()

	if diff := cmp.Diff(want, got, opts...); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

// failWithMessage reports summary after an optional printf-style message.
func failWithMessage(t *testing.T, summary string, userMessage ...interface{}) {
	t.Helper()
	text := summary

	if len(userMessage) > 0 {
		if message, ok := userMessage[0].(string); ok && message != "" {
			text = fmt.Sprintf(message, userMessage[1:]...) + ": " + text
		}
	}

	t.Error(text)
}
