package ratelimit

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Category classifies items for rate limiting and discard accounting.
type Category string

// Known categories. The empty category applies to all items.
const (
	CategoryAll      Category = ""
	CategoryTrack    Category = "track"
	CategoryIdentify Category = "identify"
	CategoryPage     Category = "page"
	CategoryGroup    Category = "group"
	CategoryError    Category = "error"
)

// knownCategories are the categories a Limiter tracks separately.
var knownCategories = map[Category]struct{}{
	CategoryAll:      {},
	CategoryTrack:    {},
	CategoryIdentify: {},
	CategoryPage:     {},
	CategoryGroup:    {},
	CategoryError:    {},
}

// String returns the category formatted for debugging.
func (c Category) String() string {
	if c == CategoryAll {
		return "CategoryAll"
	}

	caser := cases.Title(language.English)
	rv := "Category"
	for _, w := range strings.Fields(string(c)) {
		rv += caser.String(w)
	}
	return rv
}

// Known reports whether c is one of the predefined categories.
func (c Category) Known() bool {
	_, ok := knownCategories[c]
	return ok
}
