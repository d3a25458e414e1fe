// Package similarity normalizes error text and scores how alike two error
// signatures are.
//
// Normalization strips the volatile parts of an error message (quoted
// literal values, line/column numbers, whitespace runs) so that two
// occurrences of the same underlying error compare as near-identical even
// when the offending identifier or location differs.
package similarity

import (
	"regexp"
	"strings"
)

var (
	// Quoted literals: 'x', "some value", `raw`.
	quotedLiteral = regexp.MustCompile("'[^']*'|\"[^\"]*\"|`[^`]*`")

	// Location noise: "line 42", "column 7", ":42:7" suffixes.
	lineNumber   = regexp.MustCompile(`(?i)\b(line|column|col)\s+\d+`)
	colonNumbers = regexp.MustCompile(`:\d+(:\d+)?\b`)

	whitespaceRun = regexp.MustCompile(`\s+`)
)

// Normalize lower-cases s, strips quoted literal values and line/column
// numbers, and collapses whitespace runs to a single space.
func Normalize(s string) string {
	s = strings.ToLower(s)
	s = quotedLiteral.ReplaceAllString(s, "")
	s = lineNumber.ReplaceAllString(s, "")
	s = colonNumbers.ReplaceAllString(s, "")
	s = whitespaceRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Score computes a similarity ratio in [0, 1] between two strings after
// normalization.
//
// The ratio is 2*lcs(a,b) / (len(a)+len(b)) over normalized rune sequences,
// where lcs is the longest common subsequence length. The result is
// deterministic, symmetric, and exactly 1.0 iff the normalized strings are
// identical. Runtime is O(len(a)*len(b)); callers bound candidate set sizes
// before invoking at scale.
func Score(a, b string) float64 {
	na := Normalize(a)
	nb := Normalize(b)
	if na == nb {
		return 1.0
	}
	ra := []rune(na)
	rb := []rune(nb)
	if len(ra) == 0 || len(rb) == 0 {
		return 0.0
	}
	matched := lcsLength(ra, rb)
	return 2.0 * float64(matched) / float64(len(ra)+len(rb))
}

// lcsLength computes the longest-common-subsequence length with two rolling
// rows, O(min(n,m)) memory.
func lcsLength(a, b []rune) int {
	if len(b) > len(a) {
		a, b = b, a
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
