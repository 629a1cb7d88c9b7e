package tally

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterceptableWrapRestores(t *testing.T) {
	slot := NewInterceptable("base")

	restoreOuter := slot.Wrap(func(s string) string { return s + "+a" })
	restoreInner := slot.Wrap(func(s string) string { return s + "+b" })
	assert.Equal(t, "base+a+b", slot.Get())

	restoreInner()
	restoreInner()
	assert.Equal(t, "base+a", slot.Get())

	restoreOuter()
	assert.Equal(t, "base", slot.Get())
}

func TestHostSubscribeAndEmit(t *testing.T) {
	host := NewHost()

	var got []HostEventKind
	cancel := host.Subscribe(func(ev HostEvent) { got = append(got, ev.Kind) })

	host.SetOnline(true) // unchanged, no event
	host.SetOnline(false)
	host.SetOnline(true)
	assert.Equal(t, []HostEventKind{HostOffline, HostOnline}, got)
	assert.True(t, host.Online())

	cancel()
	cancel()
	host.Emit(HostEvent{Kind: HostPageHide})
	assert.Len(t, got, 2)
}

func TestHostNavigate(t *testing.T) {
	host := NewHost()
	host.SetPage(PageInfo{URL: "https://app.example/", Path: "/", Title: "Home"})

	host.Navigate("https://app.example/settings?tab=billing#plan")
	page := host.Page()
	assert.Equal(t, "https://app.example/settings?tab=billing#plan", page.URL)
	assert.Equal(t, "/settings", page.Path)
	assert.Equal(t, "https://app.example/", page.Referrer)
	assert.Equal(t, "Home", page.Title)

	host.Navigate(page.URL)
	assert.Equal(t, "https://app.example/", host.Page().Referrer, "same URL keeps the referrer")
}

func TestPathOf(t *testing.T) {
	tests := map[string]string{
		"https://app.example":            "/",
		"https://app.example/":           "/",
		"https://app.example/a/b?x=1":    "/a/b",
		"https://app.example/docs#intro": "/docs",
		"/relative?q":                    "/relative",
	}
	for in, want := range tests {
		assert.Equal(t, want, pathOf(in), in)
	}
}

func TestDetectLocale(t *testing.T) {
	tests := []struct {
		lang string
		want string
	}{
		{"en_US.UTF-8", "en-US"},
		{"de_DE@euro", "de-DE"},
		{"pt_BR", "pt-BR"},
		{"C", ""},
		{"not a locale!", ""},
	}
	for _, tt := range tests {
		t.Run(tt.lang, func(t *testing.T) {
			t.Setenv("LC_ALL", "")
			t.Setenv("LC_MESSAGES", "")
			t.Setenv("LANG", tt.lang)
			assert.Equal(t, tt.want, detectLocale())
		})
	}
}

func TestHostDevice(t *testing.T) {
	host := NewHost()
	assert.Contains(t, host.Device().UserAgent, SDKName+"/"+Version)
	assert.Nil(t, host.Device().Screen)

	host.SetScreen(1280, 800)
	require.NotNil(t, host.Device().Screen)
	assert.Equal(t, ScreenInfo{Width: 1280, Height: 800}, *host.Device().Screen)
}

func TestHostPrivacySignals(t *testing.T) {
	host := NewHost()
	assert.False(t, host.DoNotTrack())

	host.SetPrivacySignals(true, true)
	assert.True(t, host.DoNotTrack())
	assert.True(t, host.GlobalPrivacyControl())
}
