package tokenize

import (
	"strings"
	"unicode/utf8"
)

// Kind classifies a token for importance weighting.
type Kind int

const (
	KindWord Kind = iota
	KindIdeographic
	KindSymbolic
	KindNumeric
)

func (k Kind) String() string {
	switch k {
	case KindIdeographic:
		return "ideographic"
	case KindSymbolic:
		return "symbolic"
	case KindNumeric:
		return "numeric"
	default:
		return "word"
	}
}

// KindOf returns the kind of a token produced by Tokenize.
func KindOf(token string) Kind {
	switch {
	case IsSymbolic(token):
		return KindSymbolic
	case isNumeric(token):
		return KindNumeric
	}
	r, _ := utf8.DecodeRuneInString(token)
	if isIdeographic(r) {
		return KindIdeographic
	}
	return KindWord
}

// IsSymbolic reports whether token is an emoji or punctuation class.
func IsSymbolic(token string) bool {
	return strings.HasPrefix(token, EmojiPrefix) || strings.HasPrefix(token, "PUNCT_")
}

// Length returns the token length in runes.
func Length(token string) int {
	return utf8.RuneCountInString(token)
}
