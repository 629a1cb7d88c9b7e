package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchEnvelopeOmitsOptionalFields(t *testing.T) {
	env := BatchEnvelope{
		SentAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Batch: []BatchEvent{{
			MessageID:   "m1",
			Timestamp:   time.Date(2024, 5, 1, 11, 59, 0, 0, time.UTC),
			AnonymousID: "anon",
			Event:       "Signed Up",
			Properties:  map[string]interface{}{"plan": "pro"},
		}},
	}

	b, err := Encode(env)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &raw))

	assert.Equal(t, "2024-05-01T12:00:00Z", raw["sentAt"])
	assert.NotContains(t, raw, "clockOffset")
	assert.NotContains(t, raw, "apiKey")

	event := raw["batch"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "Signed Up", event["event"])
	assert.Equal(t, "anon", event["anonymousId"])
	assert.NotContains(t, event, "userId")
	assert.NotContains(t, event, "context")
}

func TestBatchEnvelopeClockOffset(t *testing.T) {
	offset := int64(-4200)
	b, err := Encode(BatchEnvelope{ClockOffset: &offset, Batch: []BatchEvent{}})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"clockOffset":-4200`)
}

func TestEncodeUnsupportedValue(t *testing.T) {
	_, err := Encode(map[string]interface{}{"ch": make(chan int)})
	assert.ErrorIs(t, err, ErrEncode)
	assert.ErrorContains(t, err, "failed to encode map[string]interface {}")
}
