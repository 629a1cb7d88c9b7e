package tally

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/tallyhq/tally-go/internal/debuglog"
	"github.com/tallyhq/tally-go/internal/storage"
)

// ConsentCategory is a tracking purpose a user can grant or revoke.
type ConsentCategory string

const (
	ConsentAnalytics  ConsentCategory = "analytics"
	ConsentMarketing  ConsentCategory = "marketing"
	ConsentFunctional ConsentCategory = "functional"
)

// AllConsentCategories lists every known category.
var AllConsentCategories = []ConsentCategory{ConsentAnalytics, ConsentMarketing, ConsentFunctional}

const (
	keyOptOut  = "opt_out"
	keyConsent = "consent"
)

// PrivacyOptions configures the privacy gate.
type PrivacyOptions struct {
	// RespectDNT disables tracking when the host reports Do Not Track or
	// Global Privacy Control.
	RespectDNT bool
	// DefaultConsent is the consent set used when nothing is persisted.
	// Nil grants every category.
	DefaultConsent []ConsentCategory
}

// Privacy decides whether events may be collected at all.
type Privacy struct {
	store   storage.Storage
	env     Environment
	options PrivacyOptions

	mu      sync.RWMutex
	consent map[ConsentCategory]struct{}
}

// NewPrivacy loads the persisted consent set. A persisted value that cannot
// be parsed yields an empty set.
func NewPrivacy(store storage.Storage, env Environment, options PrivacyOptions) *Privacy {
	p := &Privacy{
		store:   store,
		env:     env,
		options: options,
	}
	p.consent = p.loadConsent()
	return p
}

func (p *Privacy) loadConsent() map[ConsentCategory]struct{} {
	raw, ok := p.store.Get(keyConsent)
	if !ok {
		defaults := p.options.DefaultConsent
		if defaults == nil {
			defaults = AllConsentCategories
		}
		return toConsentSet(defaults)
	}

	var categories []ConsentCategory
	if err := json.Unmarshal([]byte(raw), &categories); err != nil {
		debuglog.Printf("Stored consent is corrupt, assuming no consent: %v", err)
		return map[ConsentCategory]struct{}{}
	}
	return toConsentSet(categories)
}

func toConsentSet(categories []ConsentCategory) map[ConsentCategory]struct{} {
	set := make(map[ConsentCategory]struct{}, len(categories))
	for _, c := range categories {
		set[c] = struct{}{}
	}
	return set
}

// ShouldTrack reports whether any collection may happen.
func (p *Privacy) ShouldTrack() bool {
	if p.IsOptedOut() {
		return false
	}
	if p.options.RespectDNT && p.env != nil && (p.env.DoNotTrack() || p.env.GlobalPrivacyControl()) {
		return false
	}
	return true
}

// OptOut persists the opt-out flag.
func (p *Privacy) OptOut() {
	if err := p.store.Set(keyOptOut, "true"); err != nil {
		debuglog.Printf("Failed to persist opt-out: %v", err)
	}
	debuglog.Println("User opted out of tracking")
}

// OptIn clears the opt-out flag.
func (p *Privacy) OptIn() {
	if err := p.store.Remove(keyOptOut); err != nil {
		debuglog.Printf("Failed to clear opt-out: %v", err)
	}
	debuglog.Println("User opted in to tracking")
}

// IsOptedOut reports the persisted opt-out flag.
func (p *Privacy) IsOptedOut() bool {
	v, ok := p.store.Get(keyOptOut)
	return ok && v == "true"
}

// SetConsent replaces the consent set.
func (p *Privacy) SetConsent(categories ...ConsentCategory) {
	p.mu.Lock()
	p.consent = toConsentSet(categories)
	p.mu.Unlock()
	p.persistConsent()
}

// GrantConsent adds c to the consent set.
func (p *Privacy) GrantConsent(c ConsentCategory) {
	p.mu.Lock()
	p.consent[c] = struct{}{}
	p.mu.Unlock()
	p.persistConsent()
}

// RevokeConsent removes c from the consent set.
func (p *Privacy) RevokeConsent(c ConsentCategory) {
	p.mu.Lock()
	delete(p.consent, c)
	p.mu.Unlock()
	p.persistConsent()
}

// HasConsent reports whether c is granted.
func (p *Privacy) HasConsent(c ConsentCategory) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.consent[c]
	return ok
}

// Consent returns the granted categories in sorted order.
func (p *Privacy) Consent() []ConsentCategory {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ConsentCategory, 0, len(p.consent))
	for c := range p.consent {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (p *Privacy) persistConsent() {
	b, err := json.Marshal(p.Consent())
	if err != nil {
		return
	}
	if err := p.store.Set(keyConsent, string(b)); err != nil {
		debuglog.Printf("Failed to persist consent: %v", err)
	}
}
