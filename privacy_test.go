package tally

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tallyhq/tally-go/internal/storage"
)

func TestPrivacyOptOutPersists(t *testing.T) {
	store := storage.NewMemory()
	p := NewPrivacy(store, NewHost(), PrivacyOptions{})
	assert.True(t, p.ShouldTrack())

	p.OptOut()
	assert.False(t, p.ShouldTrack())
	assert.True(t, NewPrivacy(store, NewHost(), PrivacyOptions{}).IsOptedOut())

	p.OptIn()
	assert.True(t, p.ShouldTrack())
	_, ok := store.Get(keyOptOut)
	assert.False(t, ok)
}

func TestPrivacySignals(t *testing.T) {
	tests := []struct {
		name       string
		respectDNT bool
		dnt, gpc   bool
		want       bool
	}{
		{"no signals", true, false, false, true},
		{"dnt respected", true, true, false, false},
		{"gpc respected", true, false, true, false},
		{"dnt ignored", false, true, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := NewHost()
			host.SetPrivacySignals(tt.dnt, tt.gpc)
			p := NewPrivacy(storage.NewMemory(), host, PrivacyOptions{RespectDNT: tt.respectDNT})
			assert.Equal(t, tt.want, p.ShouldTrack())
		})
	}
}

func TestPrivacyConsentDefaults(t *testing.T) {
	p := NewPrivacy(storage.NewMemory(), nil, PrivacyOptions{})
	assert.Equal(t, []ConsentCategory{ConsentAnalytics, ConsentFunctional, ConsentMarketing}, p.Consent())

	p = NewPrivacy(storage.NewMemory(), nil, PrivacyOptions{DefaultConsent: []ConsentCategory{ConsentFunctional}})
	assert.False(t, p.HasConsent(ConsentAnalytics))
	assert.True(t, p.HasConsent(ConsentFunctional))

	p = NewPrivacy(storage.NewMemory(), nil, PrivacyOptions{DefaultConsent: []ConsentCategory{}})
	assert.Empty(t, p.Consent())
}

func TestPrivacyConsentPersists(t *testing.T) {
	store := storage.NewMemory()
	p := NewPrivacy(store, nil, PrivacyOptions{})
	p.SetConsent(ConsentAnalytics)
	p.GrantConsent(ConsentMarketing)
	p.RevokeConsent(ConsentAnalytics)

	raw, _ := store.Get(keyConsent)
	assert.JSONEq(t, `["marketing"]`, raw)

	reloaded := NewPrivacy(store, nil, PrivacyOptions{})
	assert.Equal(t, []ConsentCategory{ConsentMarketing}, reloaded.Consent())
}

func TestPrivacyCorruptConsentFailsSafe(t *testing.T) {
	store := storage.NewMemory()
	_ = store.Set(keyConsent, "{not json")

	p := NewPrivacy(store, nil, PrivacyOptions{})
	assert.Empty(t, p.Consent())
	assert.False(t, p.HasConsent(ConsentAnalytics))
	assert.True(t, p.ShouldTrack())
}
