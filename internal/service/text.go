package service

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

var stopWords = map[string]bool{
	"the": true, "and": true, "or": true, "but": true, "in": true,
	"on": true, "at": true, "to": true, "for": true, "of": true,
	"with": true, "by": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "have": true, "has": true,
	"had": true, "do": true, "does": true, "did": true, "will": true,
	"would": true, "could": true, "should": true, "may": true, "might": true,
	"can": true, "must": true, "shall": true, "a": true, "an": true,
	"this": true, "that": true, "these": true, "those": true, "it": true,
	"its": true, "from": true, "as": true, "not": true, "what": true,
	"how": true, "you": true, "your": true, "our": true, "we": true,
}

// contentWords lowercases text and returns its words longer than two
// characters that are not stop words
func contentWords(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	filtered := words[:0]
	for _, w := range words {
		if len([]rune(w)) > 2 && !stopWords[w] {
			filtered = append(filtered, w)
		}
	}
	return filtered
}

func wordSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// hashQuery is what gets logged and audited instead of the query text
func hashQuery(tenantID, query string) string {
	sum := sha256.Sum256([]byte(tenantID + "\x00" + query))
	return hex.EncodeToString(sum[:])
}
