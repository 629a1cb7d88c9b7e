// Package broadcast is the cross-tab pub/sub channel used to keep session
// identity loosely in sync between SDK instances that share storage.
//
// Delivery is best-effort: messages are fanned out on goroutines, a slow or
// closed subscriber never blocks the publisher, and there is no ordering or
// convergence guarantee.
package broadcast

import (
	"sync"

	"github.com/google/uuid"
)

// MessageType discriminates Message payloads.
type MessageType string

const (
	MessageReset        MessageType = "reset"
	MessageIdentify     MessageType = "identify"
	MessageSyncRequest  MessageType = "sync_request"
	MessageSyncResponse MessageType = "sync_response"
)

// Message is a cross-tab notification.
type Message struct {
	Type        MessageType
	Sender      string
	AnonymousID string
	SessionID   string
	UserID      string
}

// Hub fans messages out to every Channel opened with the same name.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*Channel]struct{}
	wg       sync.WaitGroup
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{channels: make(map[string]map[*Channel]struct{})}
}

var (
	defaultHub     *Hub
	defaultHubOnce sync.Once
)

// DefaultHub is the process-wide hub, the equivalent of one browser origin.
func DefaultHub() *Hub {
	defaultHubOnce.Do(func() { defaultHub = NewHub() })
	return defaultHub
}

// Open joins the named channel. Each Channel has a unique sender id so it
// never receives its own messages.
func (h *Hub) Open(name string) *Channel {
	c := &Channel{
		hub:  h,
		name: name,
		id:   uuid.NewString(),
	}
	h.mu.Lock()
	if h.channels[name] == nil {
		h.channels[name] = make(map[*Channel]struct{})
	}
	h.channels[name][c] = struct{}{}
	h.mu.Unlock()
	return c
}

// Wait blocks until every in-flight delivery has returned.
func (h *Hub) Wait() {
	h.wg.Wait()
}

func (h *Hub) publish(from *Channel, msg Message) {
	h.mu.RLock()
	targets := make([]*Channel, 0, len(h.channels[from.name]))
	for c := range h.channels[from.name] {
		if c != from {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.wg.Add(1)
		go func(c *Channel) {
			defer h.wg.Done()
			c.deliver(msg)
		}(c)
	}
}

func (h *Hub) remove(c *Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.channels[c.name], c)
	if len(h.channels[c.name]) == 0 {
		delete(h.channels, c.name)
	}
}

// Channel is one participant on a named Hub channel.
type Channel struct {
	hub  *Hub
	name string
	id   string

	mu       sync.RWMutex
	handlers map[int]func(Message)
	nextID   int
	closed   bool
}

// ID is the sender id stamped on every published message.
func (c *Channel) ID() string { return c.id }

// Publish sends msg to every other participant on the channel.
func (c *Channel) Publish(msg Message) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return
	}
	msg.Sender = c.id
	c.hub.publish(c, msg)
}

// Subscribe registers handler and returns a function that removes it.
func (c *Channel) Subscribe(handler func(Message)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		c.handlers = make(map[int]func(Message))
	}
	id := c.nextID
	c.nextID++
	c.handlers[id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.handlers, id)
			c.mu.Unlock()
		})
	}
}

// Close leaves the channel. It is safe to call more than once.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.handlers = nil
	c.mu.Unlock()
	c.hub.remove(c)
}

func (c *Channel) deliver(msg Message) {
	if msg.Sender == c.id {
		return
	}
	c.mu.RLock()
	handlers := make([]func(Message), 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}
