// Package sqlmask canonicalizes raw SQL text into a stable fingerprint.
//
// Masking is lexical: literals, comments, escape noise and formatting are
// removed so that two queries differing only in those respects produce the
// same mask, and therefore the same hash. It does not parse SQL.
package sqlmask

import (
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/zeebo/xxh3"
)

// maxPasses bounds the fixpoint loop in Mask. Every pass is length
// non-increasing, so real inputs settle in two or three passes.
const maxPasses = 8

// escapePatterns are stripped in this order. Each matches a backslash followed
// by either the escape letter or the control character it stands for.
var escapePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\\(?:0|\x00)`),
	regexp.MustCompile(`\\'`),
	regexp.MustCompile(`\\"`),
	regexp.MustCompile(`\\(?:b|\x08)`),
	regexp.MustCompile(`\\(?:n|\n)`),
	regexp.MustCompile(`\\(?:r|\r)`),
	regexp.MustCompile(`\\(?:t|\t)`),
	regexp.MustCompile(`\\(?:Z|\x1a)`),
	regexp.MustCompile(`\\\\`),
	regexp.MustCompile(`\\%`),
	regexp.MustCompile(`\\_`),
}

var (
	dashComment   = regexp.MustCompile(`--[^\n]*(?:\n|$)`)
	hashComment   = regexp.MustCompile(`#[^\n]*(?:\n|$)`)
	blockComment  = regexp.MustCompile(`/\*[\s\S]*?\*/`)
	whitespace    = regexp.MustCompile(`[\s\v]+`)
	stringLiteral = regexp.MustCompile(`'[^']*'`)
	numberLiteral = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
)

// readKeywords are the statement prefixes eligible for replay.
var readKeywords = []string{"select"}

// Mask returns the canonical form of query. It is pure, deterministic and
// idempotent: Mask(Mask(q)) == Mask(q).
func Mask(query string) string {
	out := maskOnce(query)
	for i := 1; i < maxPasses; i++ {
		next := maskOnce(out)
		if next == out {
			break
		}
		out = next
	}
	return out
}

func maskOnce(q string) string {
	for _, re := range escapePatterns {
		q = re.ReplaceAllString(q, "")
	}

	q = dashComment.ReplaceAllString(q, "\n")
	q = hashComment.ReplaceAllString(q, "\n")
	q = blockComment.ReplaceAllString(q, "")

	q = strings.TrimSpace(whitespace.ReplaceAllString(q, " "))

	q = stringLiteral.ReplaceAllString(q, "''")
	return numberLiteral.ReplaceAllString(q, "1")
}

// Hash returns the 128-bit XXH3 digest of mask as 32 lowercase hex characters.
// It identifies a query shape; it is not a security primitive.
func Hash(mask string) string {
	sum := xxh3.HashString128(mask).Bytes()
	return hex.EncodeToString(sum[:])
}

// IsReadQuery reports whether mask starts with a read-only keyword,
// ignoring case and surrounding whitespace.
func IsReadQuery(mask string) bool {
	m := strings.ToLower(strings.TrimSpace(mask))
	for _, kw := range readKeywords {
		if strings.HasPrefix(m, kw) {
			return true
		}
	}
	return false
}
