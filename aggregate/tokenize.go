package aggregate

import (
	"regexp"
	"strings"
)

// tokenPattern matches one token: a maximal run of letters/marks/digits/underscore
// starting with a letter, or a maximal run of digits. Punctuation and symbols
// never join a token.
var tokenPattern = regexp.MustCompile(`\p{L}[\p{L}\p{M}\p{N}_]*|\p{N}+`)

// Tokenize splits lowercased text into word tokens. Deterministic: the same
// input always yields the same token sequence.
func Tokenize(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}
