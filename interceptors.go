package tally

import (
	"fmt"
	"net/http"
	"strings"

	tallyhttpclient "github.com/tallyhq/tally-go/httpclient"
)

// navigatorRecorder records navigation breadcrumbs before delegating.
type navigatorRecorder struct {
	next    Navigator
	capture *errorCapture
}

func (n navigatorRecorder) PushState(url string) {
	n.capture.recordNavigation(url)
	if n.next != nil {
		n.next.PushState(url)
	}
}

func (n navigatorRecorder) ReplaceState(url string) {
	n.capture.recordNavigation(url)
	if n.next != nil {
		n.next.ReplaceState(url)
	}
}

// consoleRecorder records console breadcrumbs before delegating.
type consoleRecorder struct {
	next    ConsoleLogger
	capture *errorCapture
}

func (c consoleRecorder) Error(args ...interface{}) {
	c.capture.addBreadcrumb(Breadcrumb{
		Type:    BreadcrumbConsole,
		Message: strings.TrimSpace(fmt.Sprintln(args...)),
		Data:    map[string]interface{}{"level": "error"},
	})
	if c.next != nil {
		c.next.Error(args...)
	}
}

// networkRecorder adapts the capture to tallyhttpclient.Recorder.
type networkRecorder struct {
	capture *errorCapture
}

func (r networkRecorder) RecordRequest(info tallyhttpclient.RequestInfo) {
	data := map[string]interface{}{
		"method":      info.Method,
		"url":         info.URL,
		"duration_ms": info.Duration.Milliseconds(),
	}
	if info.StatusCode != 0 {
		data["status_code"] = info.StatusCode
	}
	message := info.Method + " " + info.URL
	if info.Err != nil {
		data["error"] = info.Err.Error()
		message += " failed"
	} else {
		message += fmt.Sprintf(" [%d]", info.StatusCode)
	}
	r.capture.addBreadcrumb(Breadcrumb{
		Type:    BreadcrumbNetwork,
		Message: message,
		Data:    data,
	})
}

// install decorates the host capabilities and returns the restore
// functions, in installation order.
func (ec *errorCapture) installInterceptors(interceptors *Interceptors) []func() {
	if interceptors == nil {
		return nil
	}
	var restores []func()

	if interceptors.Navigator != nil {
		restores = append(restores, interceptors.Navigator.Wrap(func(next Navigator) Navigator {
			return navigatorRecorder{next: next, capture: ec}
		}))
	}
	if ec.config.CaptureConsole && interceptors.Console != nil {
		restores = append(restores, interceptors.Console.Wrap(func(next ConsoleLogger) ConsoleLogger {
			return consoleRecorder{next: next, capture: ec}
		}))
	}
	if ec.config.CaptureNetwork && interceptors.HTTP != nil {
		restores = append(restores, interceptors.HTTP.Wrap(func(next http.RoundTripper) http.RoundTripper {
			return tallyhttpclient.NewRoundTripper(next, networkRecorder{capture: ec},
				tallyhttpclient.WithIgnoredPrefixes(ec.config.IgnoredURLPrefix),
				tallyhttpclient.WithNow(ec.config.Clock.Now))
		}))
	}
	return restores
}
