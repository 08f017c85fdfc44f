package graphstore

import (
	"strings"
	"unicode"
)

// cosmetic punctuation stripped from the edges of a name. Language
// markers (+, #, internal and leading dots) are deliberately absent so
// names like "C++", "C#" and ".NET" survive normalization.
const edgePunct = `"'` + "`“”‘’«»()[]{}<>,;:!?"

// NormalizeName produces the per-tenant deduplication key for an entity
// name: case-folded, whitespace-collapsed, cosmetic punctuation stripped.
func NormalizeName(name string) string {
	s := strings.TrimSpace(name)
	s = strings.ToLower(s)

	// Collapse internal whitespace runs to single spaces.
	s = strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")

	s = strings.Trim(s, edgePunct)

	// Trailing sentence periods are cosmetic; leading dots are not
	// (".net"), and internal dots ("node.js") are left alone.
	s = strings.TrimRight(s, ".")

	return s
}
