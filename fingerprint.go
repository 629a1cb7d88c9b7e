package tally

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

var (
	uuidPattern      = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	timestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(?::\d{2}(?:\.\d+)?)?(?:Z|[+-]\d{2}:?\d{2})?`)
	quotedPattern    = regexp.MustCompile(`"[^"]*\d[^"]*"|'[^']*\d[^']*'`)
	numberPattern    = regexp.MustCompile(`\d{5,}`)
	spacePattern     = regexp.MustCompile(`\s+`)
)

// NormalizeMessage strips the parts of an error message that change
// between occurrences of the same error, so that they group together.
func NormalizeMessage(message string) string {
	s := norm.NFC.String(message)
	s = uuidPattern.ReplaceAllString(s, "<uuid>")
	s = timestampPattern.ReplaceAllString(s, "<timestamp>")
	s = quotedPattern.ReplaceAllString(s, "<str>")
	s = numberPattern.ReplaceAllString(s, "<num>")
	s = spacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Fingerprint returns the grouping key of an error: two 53-bit hashes of
// "{type}:{normalized message}:{top frame}" as 28 hex digits.
func Fingerprint(errType, message, topFrame string) string {
	input := errType + ":" + NormalizeMessage(message) + ":" + topFrame
	units := utf16.Encode([]rune(input))
	return fmt.Sprintf("%014x%014x", hash53(units, 0), hash53(units, 1))
}

// hash53 is a 53-bit mixing hash over UTF-16 code units.
func hash53(units []uint16, seed uint32) uint64 {
	h1 := uint32(0xdeadbeef) ^ seed
	h2 := uint32(0x41c6ce57) ^ seed
	for _, ch := range units {
		h1 = (h1 ^ uint32(ch)) * 2654435761
		h2 = (h2 ^ uint32(ch)) * 1597334677
	}
	h1 = (h1 ^ (h1 >> 16)) * 2246822507
	h1 ^= (h2 ^ (h2 >> 13)) * 3266489909
	h2 = (h2 ^ (h2 >> 16)) * 2246822507
	h2 ^= (h1 ^ (h1 >> 13)) * 3266489909
	return uint64(h2&0x1fffff)<<32 | uint64(h1)
}
