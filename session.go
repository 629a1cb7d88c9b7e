package tally

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tallyhq/tally-go/internal/broadcast"
	"github.com/tallyhq/tally-go/internal/clock"
	"github.com/tallyhq/tally-go/internal/debuglog"
	"github.com/tallyhq/tally-go/internal/storage"
	"github.com/tallyhq/tally-go/internal/util"
)

// DefaultSessionTimeout is the idle period after which a new session
// starts.
const DefaultSessionTimeout = 30 * time.Minute

const (
	keyAnonymousID        = "anonymous_id"
	keyAnonymousIDCreated = "anonymous_id_created"
	keyUserID             = "user_id"
	keyUserTraits         = "user_traits"
	keyAccountID          = "account_id"
	keyAccountTraits      = "account_traits"
	keySessionID          = "session_id"
	keyLastActivity       = "last_activity"
)

// SessionOptions configures identity rotation.
type SessionOptions struct {
	SessionTimeout time.Duration
	// AnonymousIDMaxAge rotates the anonymous id once it is older than
	// this. Zero keeps it forever.
	AnonymousIDMaxAge time.Duration
}

// Session owns visitor identity: the anonymous id, the session id and
// the identified user and account.
//
// Instances sharing a broadcast channel converge on a best-effort basis:
// messages may be lost and nothing retries them.
type Session struct {
	store   storage.Storage
	clock   clock.Clock
	channel *broadcast.Channel
	options SessionOptions

	mu          sync.Mutex
	unsubscribe func()
}

// NewSession attaches to channel, which may be nil, and asks its peers
// for their session.
func NewSession(store storage.Storage, clk clock.Clock, channel *broadcast.Channel, options SessionOptions) *Session {
	if clk == nil {
		clk = clock.Real()
	}
	if options.SessionTimeout <= 0 {
		options.SessionTimeout = DefaultSessionTimeout
	}
	s := &Session{
		store:   store,
		clock:   clk,
		channel: channel,
		options: options,
	}
	if channel != nil {
		s.unsubscribe = channel.Subscribe(s.handleMessage)
		channel.Publish(broadcast.Message{Type: broadcast.MessageSyncRequest})
	}
	return s
}

func newID() string {
	return uuid.NewString()
}

func (s *Session) set(key, value string) {
	if err := s.store.Set(key, value); err != nil {
		debuglog.Printf("Failed to persist %s: %v", key, err)
	}
}

func (s *Session) remove(key string) {
	if err := s.store.Remove(key); err != nil {
		debuglog.Printf("Failed to remove %s: %v", key, err)
	}
}

func (s *Session) getTime(key string) (time.Time, bool) {
	raw, ok := s.store.Get(key)
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (s *Session) setTime(key string, t time.Time) {
	s.set(key, strconv.FormatInt(t.UnixMilli(), 10))
}

// AnonymousID returns the visitor's anonymous id, creating or rotating it
// as needed.
func (s *Session) AnonymousID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anonymousIDLocked()
}

func (s *Session) anonymousIDLocked() string {
	now := s.clock.Now()
	id, ok := s.store.Get(keyAnonymousID)
	if !ok || id == "" {
		return s.rotateAnonymousIDLocked(now)
	}
	if s.options.AnonymousIDMaxAge > 0 {
		created, ok := s.getTime(keyAnonymousIDCreated)
		if !ok {
			s.setTime(keyAnonymousIDCreated, now)
		} else if now.Sub(created) > s.options.AnonymousIDMaxAge {
			debuglog.Printf("Anonymous id older than %v, rotating", s.options.AnonymousIDMaxAge)
			return s.rotateAnonymousIDLocked(now)
		}
	}
	return id
}

func (s *Session) rotateAnonymousIDLocked(now time.Time) string {
	id := newID()
	s.set(keyAnonymousID, id)
	s.setTime(keyAnonymousIDCreated, now)
	return id
}

// SessionID returns the current session id. A new one starts when the
// previous activity is older than the session timeout. Every call counts
// as activity.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionIDLocked()
}

func (s *Session) sessionIDLocked() string {
	now := s.clock.Now()
	id, ok := s.store.Get(keySessionID)
	last, hasLast := s.getTime(keyLastActivity)
	if !ok || id == "" || !hasLast || now.Sub(last) > s.options.SessionTimeout {
		id = newID()
		s.set(keySessionID, id)
		debuglog.Printf("Started session %s", id)
	}
	s.setTime(keyLastActivity, now)
	return id
}

// UserID returns the identified user, if any.
func (s *Session) UserID() string {
	id, _ := s.store.Get(keyUserID)
	return id
}

// SetUserID records the identified user and tells peers about it.
func (s *Session) SetUserID(id string) {
	s.mu.Lock()
	s.set(keyUserID, id)
	s.mu.Unlock()
	s.publish(broadcast.Message{Type: broadcast.MessageIdentify, UserID: id})
}

// AccountID returns the current account, if any.
func (s *Session) AccountID() string {
	id, _ := s.store.Get(keyAccountID)
	return id
}

// SetAccountID records the current account.
func (s *Session) SetAccountID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(keyAccountID, id)
}

// UserTraits returns a copy of the stored user traits.
func (s *Session) UserTraits() map[string]interface{} {
	return s.traits(keyUserTraits)
}

// SetUserTraits merges traits into the stored user traits.
func (s *Session) SetUserTraits(traits map[string]interface{}) {
	s.mergeTraits(keyUserTraits, traits)
}

// AccountTraits returns a copy of the stored account traits.
func (s *Session) AccountTraits() map[string]interface{} {
	return s.traits(keyAccountTraits)
}

// SetAccountTraits merges traits into the stored account traits.
func (s *Session) SetAccountTraits(traits map[string]interface{}) {
	s.mergeTraits(keyAccountTraits, traits)
}

func (s *Session) traits(key string) map[string]interface{} {
	raw, ok := s.store.Get(key)
	if !ok {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]interface{}{}
	}
	return out
}

func (s *Session) mergeTraits(key string, traits map[string]interface{}) {
	if len(traits) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := util.MergeMaps(s.traits(key), traits)
	b, err := json.Marshal(merged)
	if err != nil {
		debuglog.Printf("Failed to encode traits: %v", err)
		return
	}
	s.set(key, string(b))
}

// Reset forgets the identified user and account and starts over with a
// new anonymous id and session. Peers adopt the new anonymous id.
func (s *Session) Reset() {
	s.mu.Lock()
	for _, key := range []string{keyUserID, keyUserTraits, keyAccountID, keyAccountTraits} {
		s.remove(key)
	}
	now := s.clock.Now()
	anonymousID := s.rotateAnonymousIDLocked(now)
	sessionID := newID()
	s.set(keySessionID, sessionID)
	s.setTime(keyLastActivity, now)
	s.mu.Unlock()

	debuglog.Printf("Session reset, new anonymous id %s", anonymousID)
	s.publish(broadcast.Message{
		Type:        broadcast.MessageReset,
		AnonymousID: anonymousID,
		SessionID:   sessionID,
	})
}

func (s *Session) publish(msg broadcast.Message) {
	if s.channel != nil {
		s.channel.Publish(msg)
	}
}

func (s *Session) handleMessage(msg broadcast.Message) {
	switch msg.Type {
	case broadcast.MessageReset:
		if msg.AnonymousID == "" {
			return
		}
		s.mu.Lock()
		s.set(keyAnonymousID, msg.AnonymousID)
		s.setTime(keyAnonymousIDCreated, s.clock.Now())
		s.mu.Unlock()
		debuglog.Printf("Adopted anonymous id %s from another instance", msg.AnonymousID)
	case broadcast.MessageIdentify:
		s.mu.Lock()
		s.set(keyUserID, msg.UserID)
		s.mu.Unlock()
	case broadcast.MessageSyncRequest:
		s.mu.Lock()
		anonymousID, _ := s.store.Get(keyAnonymousID)
		sessionID, _ := s.store.Get(keySessionID)
		userID, _ := s.store.Get(keyUserID)
		s.mu.Unlock()
		if sessionID == "" {
			return
		}
		s.publish(broadcast.Message{
			Type:        broadcast.MessageSyncResponse,
			AnonymousID: anonymousID,
			SessionID:   sessionID,
			UserID:      userID,
		})
	case broadcast.MessageSyncResponse:
		if msg.SessionID == "" {
			return
		}
		s.mu.Lock()
		current, _ := s.store.Get(keySessionID)
		if current != msg.SessionID {
			s.set(keySessionID, msg.SessionID)
			s.setTime(keyLastActivity, s.clock.Now())
			debuglog.Printf("Adopted session %s from another instance", msg.SessionID)
		}
		s.mu.Unlock()
	}
}

// Close detaches from the broadcast channel.
func (s *Session) Close() {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}
