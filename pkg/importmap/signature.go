// Package importmap maps normalized import rows (already tokenized by an external
// parser) onto item drafts, reusing an organization's confirmed column mappings.
package importmap

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/jinzhu/inflection"
)

// NormalizeHeader lower-cases, trims, collapses whitespace and singularizes each word,
// so "Unit  Prices " and "unit price" normalize identically.
func NormalizeHeader(h string) string {
	words := strings.Fields(strings.ToLower(h))
	for i, w := range words {
		words[i] = inflection.Singular(w)
	}
	return strings.Join(words, " ")
}

// Signature is the import-memory key of a header row: the SHA-256 of the normalized
// headers joined with "|".
func Signature(headers []string) string {
	normalized := make([]string, len(headers))
	for i, h := range headers {
		normalized[i] = NormalizeHeader(h)
	}
	sum := sha256.Sum256([]byte(strings.Join(normalized, "|")))
	return hex.EncodeToString(sum[:])
}
