package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	reRetweetMarker = regexp.MustCompile(`^RT(\s+@\w+:)?\s+`)
	reURL           = regexp.MustCompile(`https?://[^\s]+`)
	reWhitespace    = regexp.MustCompile(`\s+`)

	entityReplacer = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&amp;", "&")
)

// Normalize cleans raw post text for analysis: strips the leading retweet
// marker and URLs, unescapes the HTML entities the source API emits and
// collapses whitespace runs to single spaces. The passes repeat until the
// text stops changing, so stacked markers and double-escaped entities
// cannot leave one layer behind; the result is a fixed point and a second
// Normalize is a no-op.
func Normalize(text string) string {
	for {
		next := normalizePass(text)
		if next == text {
			return next
		}
		text = next
	}
}

func normalizePass(text string) string {
	text = reRetweetMarker.ReplaceAllString(text, "")
	text = reURL.ReplaceAllString(text, "")
	text = entityReplacer.Replace(text)
	text = reWhitespace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// ContentHash returns the hex-encoded SHA-256 of the UTF-8 bytes of text.
// Stable across processes; used as the enrichment cache key.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
