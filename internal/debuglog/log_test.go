package debuglog

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestGetLogger(t *testing.T) {
	logger := GetLogger()
	if logger == nil {
		t.Error("GetLogger returned nil")
	}
}

func TestPrintf(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(io.Discard)

	Printf("test %s %d", "message", 42)

	output := buf.String()
	if !strings.Contains(output, "test message 42") {
		t.Errorf("Printf output incorrect: got %q", output)
	}
	if !strings.HasPrefix(output, Prefix+" ") {
		t.Errorf("expected output to start with %q, got %q", Prefix, output)
	}
}

func TestPrintln(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(io.Discard)

	Println("test", "message")

	output := buf.String()
	if !strings.Contains(output, "test message") {
		t.Errorf("Println output incorrect: got %q", output)
	}
}

func TestPrint(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(io.Discard)

	Print("test", "message")

	output := buf.String()
	if !strings.Contains(output, "testmessage") {
		t.Errorf("Print output incorrect: got %q", output)
	}
}

func TestWithFieldsSorted(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(io.Discard)

	WithFields(logrus.Fields{"b": 2, "a": 1}).Debug("flush")

	output := buf.String()
	if !strings.Contains(output, "flush a=1 b=2") {
		t.Errorf("expected sorted fields, got %q", output)
	}
}

func TestDiscardedByDefault(t *testing.T) {
	if GetLogger().Out != io.Discard {
		t.Error("expected the default logger to discard output")
	}
}

func TestConcurrentAccess(_ *testing.T) {
	var wg sync.WaitGroup
	iterations := 1000

	for i := 0; i < iterations; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			Printf("concurrent message %d", n)
		}(i)
	}

	for i := 0; i < iterations; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = GetLogger()
		}()
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			SetOutput(io.Discard)
		}()
	}

	wg.Wait()
}
