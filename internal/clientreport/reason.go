package clientreport

// DiscardReason represents why an item was discarded.
type DiscardReason string

const (
	// ReasonSampleRate indicates the item was dropped due to sampling.
	ReasonSampleRate DiscardReason = "sample_rate"

	// ReasonRateLimit indicates the client-side limiter rejected the item.
	ReasonRateLimit DiscardReason = "ratelimit"

	// ReasonBeforeSend indicates the item was dropped due to a BeforeSend callback.
	ReasonBeforeSend DiscardReason = "before_send"

	// ReasonConsent indicates tracking was disabled by opt-out, Do Not Track,
	// Global Privacy Control or missing analytics consent.
	ReasonConsent DiscardReason = "consent"

	// ReasonValidation indicates the item failed input validation.
	ReasonValidation DiscardReason = "validation"

	// ReasonClosed indicates the client was already closed.
	ReasonClosed DiscardReason = "closed"

	// ReasonSendError indicates an error report could not be delivered.
	ReasonSendError DiscardReason = "send_error"
)
