package tally

import (
	"strings"
	"sync"
	"time"

	"github.com/tallyhq/tally-go/internal/util"
)

// DefaultMaxBreadcrumbs is the default breadcrumb buffer capacity.
const DefaultMaxBreadcrumbs = 25

// Breadcrumb types recorded by error capture.
const (
	BreadcrumbClick      = "click"
	BreadcrumbNavigation = "navigation"
	BreadcrumbConsole    = "console"
	BreadcrumbNetwork    = "network"
	BreadcrumbCustom     = "custom"
)

const maxElementDescription = 50

// breadcrumbBuffer keeps the most recent breadcrumbs, evicting the oldest
// once full.
type breadcrumbBuffer struct {
	mu    sync.Mutex
	limit int
	items []Breadcrumb
}

func newBreadcrumbBuffer(limit int) *breadcrumbBuffer {
	if limit <= 0 {
		limit = DefaultMaxBreadcrumbs
	}
	return &breadcrumbBuffer{limit: limit}
}

func (b *breadcrumbBuffer) add(crumb Breadcrumb) {
	b.mu.Lock()
	defer b.mu.Unlock()

	items := append(b.items, crumb)
	if len(items) > b.limit {
		// Remove the oldest breadcrumb
		items = items[len(items)-b.limit:]
	}
	b.items = items
}

// snapshot returns a copy safe to attach to a payload.
func (b *breadcrumbBuffer) snapshot() []Breadcrumb {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return nil
	}
	out := make([]Breadcrumb, len(b.items))
	copy(out, b.items)
	return out
}

func (b *breadcrumbBuffer) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = nil
}

// DescribeElement returns a short label for a clicked element. In order of
// preference: the value of a button-like input or the placeholder of other
// inputs, the aria-label, short direct text, or the first line of a button
// or link's text.
func DescribeElement(el *Element) string {
	if el == nil {
		return ""
	}
	tag := strings.ToLower(el.Tag)

	var label string
	if tag == "input" || tag == "textarea" || tag == "select" {
		if isButtonInput(el.InputType) && el.Value != "" {
			label = el.Value
		} else {
			label = el.Placeholder
		}
	}
	if label == "" {
		label = el.AriaLabel
	}
	if label == "" {
		if text := strings.TrimSpace(el.DirectText); text != "" && len([]rune(text)) <= maxElementDescription {
			label = text
		}
	}
	if label == "" && (tag == "button" || tag == "a") {
		text := strings.TrimSpace(el.Text)
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			text = strings.TrimSpace(text[:i])
		}
		label = text
	}
	return util.TruncateRunes(strings.TrimSpace(label), maxElementDescription)
}

func isButtonInput(inputType string) bool {
	switch strings.ToLower(inputType) {
	case "button", "submit", "reset":
		return true
	}
	return false
}

// clickBreadcrumb builds the breadcrumb recorded for a click on el.
func clickBreadcrumb(el *Element, now time.Time) Breadcrumb {
	data := map[string]interface{}{"tag": strings.ToLower(el.Tag)}
	if el.ID != "" {
		data["id"] = el.ID
	}
	if el.Class != "" {
		data["class"] = el.Class
	}

	message := DescribeElement(el)
	if message == "" {
		message = strings.ToLower(el.Tag)
	}
	return Breadcrumb{
		Type:      BreadcrumbClick,
		Message:   message,
		Timestamp: now,
		Data:      data,
	}
}
