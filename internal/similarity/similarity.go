// Package similarity holds the string metrics used by the edit-abuse and
// template detectors.
package similarity

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/iamwavecut/ngmod/internal/utils/text"
)

const minTokenLen = 3

var linkPattern = regexp.MustCompile(`(?i)(https?://|www\.|t\.me/|telegram\.me/|\b[a-z0-9][a-z0-9-]*\.(com|net|org|ru|io|me|xyz|info|biz|link|click|top|site|online|shop|app)\b)`)

// EditDistance is the case-insensitive Levenshtein distance between a and b,
// computed over runes with a single rolling row sized to the shorter input.
func EditDistance(a, b string) int {
	ra := []rune(strings.ToLower(a))
	rb := []rune(strings.ToLower(b))
	if len(ra) < len(rb) {
		ra, rb = rb, ra
	}
	if len(rb) == 0 {
		return len(ra)
	}

	row := make([]int, len(rb)+1)
	for j := range row {
		row[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		diag := row[0]
		row[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			next := min(row[j]+1, row[j-1]+1, diag+cost)
			diag = row[j]
			row[j] = next
		}
	}
	return row[len(rb)]
}

// NormalizedSimilarity maps edit distance onto [0,1], 1 meaning identical.
func NormalizedSimilarity(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	switch {
	case la == 0 && lb == 0:
		return 1
	case la == 0 || lb == 0:
		return 0
	}
	return 1 - float64(EditDistance(a, b))/float64(max(la, lb))
}

// JaccardSimilarity compares the sets of lowercase whitespace tokens longer than
// two characters.
func JaccardSimilarity(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		if utf8.RuneCountInString(tok) < minTokenLen {
			continue
		}
		set[tok] = struct{}{}
	}
	return set
}

// Normalize folds text for comparison: compatibility decomposition with
// combining marks removed, homoglyph folding, lowercase, punctuation to spaces.
func Normalize(s string) string {
	normFunc := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(normFunc, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return r
		}
		return ' '
	}, folded)
	words := strings.Fields(mapped)
	for i, w := range words {
		words[i] = text.FoldHomoglyphs(w)
	}
	return strings.Join(words, " ")
}

// ContainsLink is a heuristic for URLs, invite links and bare domains.
func ContainsLink(s string) bool {
	return linkPattern.MatchString(s)
}
