package scoring

import (
	"strings"
	"unicode"
)

var stopwords = map[string]struct{}{}

func init() {
	for _, word := range strings.Fields(`a an and are as at be been but by can could did do does
		for from had has have he her his how i if in into is it its itself me my of on or our
		she so such than that the their them then there these they this those to too us was we
		were what when where which while who whom why will with would you your`) {
		stopwords[word] = struct{}{}
	}
}

// normalize casefolds s and collapses runs of whitespace.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// tokenize splits s into lowercase letter/digit terms, dropping stopwords.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	terms := fields[:0]
	for _, field := range fields {
		if _, stop := stopwords[field]; stop {
			continue
		}
		terms = append(terms, field)
	}
	return terms
}
