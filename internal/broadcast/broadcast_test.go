package broadcast

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) handle(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recorder) messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func TestPublishReachesOtherChannelsOnly(t *testing.T) {
	hub := NewHub()
	a, b := hub.Open("tally"), hub.Open("tally")
	other := hub.Open("elsewhere")

	var ra, rb, ro recorder
	a.Subscribe(ra.handle)
	b.Subscribe(rb.handle)
	other.Subscribe(ro.handle)

	a.Publish(Message{Type: MessageReset, AnonymousID: "anon-2"})
	hub.Wait()

	assert.Empty(t, ra.messages(), "sender must not receive its own message")
	assert.Empty(t, ro.messages(), "channels are isolated by name")
	if assert.Len(t, rb.messages(), 1) {
		got := rb.messages()[0]
		assert.Equal(t, MessageReset, got.Type)
		assert.Equal(t, "anon-2", got.AnonymousID)
		assert.Equal(t, a.ID(), got.Sender)
	}
}

func TestUnsubscribe(t *testing.T) {
	hub := NewHub()
	a, b := hub.Open("tally"), hub.Open("tally")

	var rb recorder
	cancel := b.Subscribe(rb.handle)
	cancel()
	cancel()

	a.Publish(Message{Type: MessageSyncRequest})
	hub.Wait()
	assert.Empty(t, rb.messages())
}

func TestClosedChannel(t *testing.T) {
	hub := NewHub()
	a, b := hub.Open("tally"), hub.Open("tally")

	var rb recorder
	b.Subscribe(rb.handle)
	b.Close()
	b.Close()

	a.Publish(Message{Type: MessageIdentify, UserID: "u1"})
	b.Publish(Message{Type: MessageIdentify, UserID: "u2"})
	hub.Wait()

	assert.Empty(t, rb.messages())
}
