package testutils

import (
	"os"
	"testing"
	"time"
)

func IsCI() bool {
	return os.Getenv("CI") != ""
}

func FlushTimeout() time.Duration {
	if IsCI() {
		// CI is very overloaded so we need to allow for a long wait time.
		return 5 * time.Second
	}

	return time.Second
}

// WaitFor polls cond until it holds or FlushTimeout elapses.
func WaitFor(t *testing.T, cond func() bool, userMessage ...interface{}) {
	t.Helper()

	deadline := time.Now().Add(FlushTimeout())
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	failWithMessage(t, "condition not met before timeout", userMessage...)
}
