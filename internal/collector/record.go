package collector

import (
	"time"

	"github.com/bytedance/sonic"

	"github.com/tallyhq/tally-go/internal/protocol"
)

// Record kinds.
const (
	KindTrack = "track"
	KindError = "error"
)

// Record is one accepted item as forwarded to the sink. Exactly one of
// Event and Error is set.
type Record struct {
	Kind       string                 `json:"kind"`
	ReceivedAt time.Time              `json:"receivedAt"`
	Event      *protocol.BatchEvent   `json:"event,omitempty"`
	Error      *protocol.ErrorPayload `json:"error,omitempty"`
}

// Key is the event's message id, or the error's fingerprint.
func (r *Record) Key() string {
	if r.Event != nil {
		return r.Event.MessageID
	}
	if r.Error != nil {
		return r.Error.Fingerprint
	}
	return ""
}

func (r *Record) JSON() ([]byte, error) {
	return sonic.Marshal(r)
}
