package tally

import (
	"errors"
	"fmt"
	"go/build"
	"path/filepath"
	"reflect"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"

	goerrors "github.com/go-errors/errors"
	pkgerrors "github.com/pkg/errors"
)

const unknown string = "unknown"

// Stacktrace holds frames oldest first, so the most recent call is last.
type Stacktrace struct {
	Frames []Frame `json:"frames"`
}

// Frame is one call site.
type Frame struct {
	Function string `json:"function,omitempty"`
	Module   string `json:"module,omitempty"`
	Filename string `json:"filename,omitempty"`
	AbsPath  string `json:"abs_path,omitempty"`
	Lineno   int    `json:"lineno,omitempty"`
	Colno    int    `json:"colno,omitempty"`
	InApp    bool   `json:"in_app"`
}

// NewStacktrace captures the stack of the calling goroutine, skipping SDK
// frames.
func NewStacktrace() *Stacktrace {
	pcs := make([]uintptr, 100)
	n := runtime.Callers(1, pcs)
	if n == 0 {
		return nil
	}
	frames := filterFrames(extractFrames(pcs[:n]))
	if len(frames) == 0 {
		return nil
	}
	return &Stacktrace{Frames: frames}
}

// ExtractStacktrace returns the stack recorded by github.com/pkg/errors or
// github.com/go-errors/errors anywhere in err's chain, or nil.
func ExtractStacktrace(err error) *Stacktrace {
	if err == nil {
		return nil
	}

	var goErr *goerrors.Error
	if errors.As(err, &goErr) {
		return stacktraceFromGoErrors(goErr.StackFrames())
	}

	var tracer interface{ StackTrace() pkgerrors.StackTrace }
	if errors.As(err, &tracer) {
		trace := tracer.StackTrace()
		pcs := make([]uintptr, len(trace))
		for i, f := range trace {
			pcs[i] = uintptr(f)
		}
		if frames := extractFrames(pcs); len(frames) > 0 {
			return &Stacktrace{Frames: frames}
		}
	}
	return nil
}

func stacktraceFromGoErrors(stack []goerrors.StackFrame) *Stacktrace {
	if len(stack) == 0 {
		return nil
	}
	frames := make([]Frame, 0, len(stack))
	for i := len(stack) - 1; i >= 0; i-- {
		sf := stack[i]
		fName := sf.Name
		if sf.Package != "" {
			fName = sf.Package + "." + sf.Name
		}
		frames = append(frames, NewFrame(fName, sf.File, sf.LineNumber))
	}
	return &Stacktrace{Frames: frames}
}

var (
	// "    at fn (file:line:col)" and "    at file:line:col"
	v8FramePattern = regexp.MustCompile(`^\s*at\s+(?:(.+?)\s+\()?(.+?):(\d+)(?::(\d+))?\)?\s*$`)
	// "fn@file:line:col"
	geckoFramePattern = regexp.MustCompile(`^\s*(.*?)@(.+?):(\d+)(?::(\d+))?\s*$`)
)

// ParseStack parses a host formatted stack, most recent frame first, in
// either the "at fn (file:line:col)" or "fn@file:line:col" style. Lines
// that match neither are skipped.
func ParseStack(stack string) *Stacktrace {
	var frames []Frame
	for _, line := range strings.Split(stack, "\n") {
		m := v8FramePattern.FindStringSubmatch(line)
		if m == nil {
			m = geckoFramePattern.FindStringSubmatch(line)
		}
		if m == nil {
			continue
		}
		lineno, _ := strconv.Atoi(m[3])
		colno, _ := strconv.Atoi(m[4])
		function := m[1]
		if function == "" {
			function = "<anonymous>"
		}
		frames = append([]Frame{{
			Function: function,
			Filename: m[2],
			AbsPath:  m[2],
			Lineno:   lineno,
			Colno:    colno,
			InApp:    true,
		}}, frames...)
	}
	if len(frames) == 0 {
		return nil
	}
	return &Stacktrace{Frames: frames}
}

// String renders the stack most recent call first, one frame per line.
func (st *Stacktrace) String() string {
	if st == nil {
		return ""
	}
	var b strings.Builder
	for i := len(st.Frames) - 1; i >= 0; i-- {
		b.WriteString(st.Frames[i].String())
		if i > 0 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// TopFrame renders the most recent frame, or "" for an empty stack.
func (st *Stacktrace) TopFrame() string {
	if st == nil || len(st.Frames) == 0 {
		return ""
	}
	return st.Frames[len(st.Frames)-1].String()
}

func (f Frame) String() string {
	function := f.Function
	if f.Module != "" {
		function = f.Module + "." + f.Function
	}
	location := f.Filename + ":" + strconv.Itoa(f.Lineno)
	if f.Colno > 0 {
		location += ":" + strconv.Itoa(f.Colno)
	}
	return fmt.Sprintf("at %s (%s)", function, location)
}

// NewFrame builds a Frame from a fully qualified function name and source
// position.
func NewFrame(fName, file string, line int) Frame {
	if file == "" {
		file = unknown
	}

	if fName == "" {
		fName = unknown
	}

	frame := Frame{
		AbsPath:  file,
		Filename: extractFilenameFromPath(file),
		Lineno:   line,
	}
	frame.Module, frame.Function = deconstructFunctionName(fName)
	frame.InApp = isInAppFrame(frame)

	return frame
}

func extractFrames(pcs []uintptr) []Frame {
	var frames []Frame
	callersFrames := runtime.CallersFrames(pcs)

	for {
		callerFrame, more := callersFrames.Next()
		frame := NewFrame(callerFrame.Function, callerFrame.File, callerFrame.Line)
		frames = append([]Frame{frame}, frames...)

		if !more {
			break
		}
	}

	return frames
}

// filterFrames drops runtime and SDK frames, keeping SDK test frames.
func filterFrames(frames []Frame) []Frame {
	filtered := make([]Frame, 0, len(frames))
	for _, frame := range frames {
		if frame.Module == "runtime" || frame.Module == "testing" {
			continue
		}
		if strings.HasPrefix(frame.Module, sdkModule) && !strings.HasSuffix(frame.AbsPath, "_test.go") {
			continue
		}
		filtered = append(filtered, frame)
	}
	return filtered
}

// sdkModule is the import path prefix of this package's own frames.
var sdkModule = reflect.TypeOf(Frame{}).PkgPath()

var (
	possiblePathsOnce sync.Once
	possiblePathsVal  []string
)

func possiblePaths() []string {
	possiblePathsOnce.Do(func() {
		for _, path := range build.Default.SrcDirs() {
			if path == "" {
				continue
			}
			if path[len(path)-1] != filepath.Separator {
				path += string(filepath.Separator)
			}
			possiblePathsVal = append(possiblePathsVal, path)
		}
	})
	return possiblePathsVal
}

func extractFilenameFromPath(filename string) string {
	for _, path := range possiblePaths() {
		if trimmed := strings.TrimPrefix(filename, path); len(trimmed) < len(filename) {
			return trimmed
		}
	}
	return filename
}

func isInAppFrame(frame Frame) bool {
	if frame.Module == "main" {
		return true
	}

	if !strings.Contains(frame.Module, "vendor") && !strings.Contains(frame.Module, "third_party") {
		return true
	}

	return false
}

// Transform `runtime/debug.*T·ptrmethod` into `{ pack: runtime/debug, name: *T.ptrmethod }`
func deconstructFunctionName(name string) (string, string) {
	var pack string
	if idx := strings.LastIndex(name, "."); idx != -1 {
		pack = name[:idx]
		name = name[idx+1:]
	}
	name = strings.Replace(name, "·", ".", -1)
	return pack, name
}

// errorTypeName names the dynamic type of err, as "*errors.errorString".
func errorTypeName(err error) string {
	var goErr *goerrors.Error
	if errors.As(err, &goErr) {
		return goErr.TypeName()
	}
	return reflect.TypeOf(err).String()
}
