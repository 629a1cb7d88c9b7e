package tally

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyInitialized is returned by Init when a client is already
// bound. Call Close first to re-initialize.
var ErrAlreadyInitialized = errors.New("tally: already initialized")

var (
	currentMu     sync.RWMutex
	currentClient *Client
)

// Init creates the process-wide client used by the package-level
// functions.
func Init(options ClientOptions) error {
	currentMu.Lock()
	defer currentMu.Unlock()
	if currentClient != nil {
		return ErrAlreadyInitialized
	}
	client, err := NewClient(options)
	if err != nil {
		return err
	}
	currentClient = client
	return nil
}

// CurrentClient returns the process-wide client, or nil before Init.
func CurrentClient() *Client {
	currentMu.RLock()
	defer currentMu.RUnlock()
	return currentClient
}

// Close shuts down the process-wide client. It does nothing before Init.
func Close() {
	currentMu.Lock()
	client := currentClient
	currentClient = nil
	currentMu.Unlock()
	if client != nil {
		client.Close()
	}
}

func Track(name string, properties map[string]interface{}) {
	if client := CurrentClient(); client != nil {
		client.Track(name, properties)
	}
}

func Identify(userID string, traits map[string]interface{}) {
	if client := CurrentClient(); client != nil {
		client.Identify(userID, traits)
	}
}

func Page(name string, properties map[string]interface{}) {
	if client := CurrentClient(); client != nil {
		client.Page(name, properties)
	}
}

func Group(accountID string, traits map[string]interface{}) {
	if client := CurrentClient(); client != nil {
		client.Group(accountID, traits)
	}
}

// Flush delivers the process-wide client's queue. Before Init it reports
// success with nothing sent.
func Flush(ctx context.Context) FlushResult {
	if client := CurrentClient(); client != nil {
		return client.Flush(ctx)
	}
	return FlushResult{Success: true}
}

func Reset() {
	if client := CurrentClient(); client != nil {
		client.Reset()
	}
}

func CaptureException(err error) string {
	if client := CurrentClient(); client != nil {
		return client.CaptureException(err, nil)
	}
	return ""
}

func CaptureMessage(message string, level Level) string {
	if client := CurrentClient(); client != nil {
		return client.CaptureMessage(message, level, nil)
	}
	return ""
}

func AddBreadcrumb(crumb Breadcrumb) {
	if client := CurrentClient(); client != nil {
		client.AddBreadcrumb(crumb)
	}
}
