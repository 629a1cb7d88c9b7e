package tally

import (
	"fmt"
	"strings"
	"sync"
)

// MockBeacon implements BeaconSender for use in tests. It accepts every
// payload unless Reject is set.
type MockBeacon struct {
	mu     sync.Mutex
	Reject bool
	urls   []string
	bodies [][]byte
}

func (b *MockBeacon) SendBeacon(url string, body []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.urls = append(b.urls, url)
	b.bodies = append(b.bodies, append([]byte(nil), body...))
	return !b.Reject
}

// Calls returns the number of beacon attempts, accepted or not.
func (b *MockBeacon) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bodies)
}

// Bodies returns a copy of every payload handed to the beacon.
func (b *MockBeacon) Bodies() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.bodies))
	copy(out, b.bodies)
	return out
}

// URLs returns the target of every beacon attempt.
func (b *MockBeacon) URLs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.urls...)
}

// MockConsole implements ConsoleLogger for use in tests.
type MockConsole struct {
	mu    sync.Mutex
	lines []string
}

func (c *MockConsole) Error(args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, strings.TrimSpace(fmt.Sprintln(args...)))
}

func (c *MockConsole) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}
