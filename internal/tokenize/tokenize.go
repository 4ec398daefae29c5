// Package tokenize turns notification text into feature tokens.
//
// Ideographic text yields character n-grams (1 to 5), alphanumeric words
// yield the word plus 4-rune affix slices, and punctuation or emoji map to
// coarse symbolic tokens. Output order is deterministic.
package tokenize

import (
	"fmt"
	"strings"
	"unicode"
)

// Symbolic token names.
const (
	TokenExclaim = "PUNCT_EXCLAIM"
	TokenDot     = "PUNCT_DOT"
	TokenHash    = "PUNCT_HASH"
	TokenMoney   = "PUNCT_MONEY"
	EmojiPrefix  = "EMOJI_"
)

const (
	maxNgram  = 5
	sliceSize = 4
)

// Tokenize returns the feature tokens of text in order of appearance.
// Repeated words produce repeated tokens; callers dedupe where needed.
func Tokenize(text string) []string {
	runes := []rune(strings.ToLower(text))
	tokens := make([]string, 0, len(runes))
	var word []rune

	flush := func() {
		if len(word) > 0 {
			tokens = appendWord(tokens, word)
			word = word[:0]
		}
	}

	for i, r := range runes {
		switch {
		case isIdeographic(r):
			flush()
			tokens = append(tokens, string(r))
			for n := 2; n <= maxNgram && i+n <= len(runes); n++ {
				if !isIdeographic(runes[i+n-1]) {
					break
				}
				tokens = append(tokens, string(runes[i:i+n]))
			}
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word = append(word, r)
		default:
			flush()
			if sym := symbolFor(r); sym != "" {
				tokens = append(tokens, sym)
			}
		}
	}
	flush()
	return tokens
}

// appendWord emits a buffered alphanumeric run and its affix slices.
func appendWord(tokens []string, word []rune) []string {
	whole := string(word)
	tokens = append(tokens, whole)
	if len(word) <= 3 {
		return tokens
	}

	seen := map[string]bool{whole: true}
	emit := func(s string) {
		if !seen[s] {
			seen[s] = true
			tokens = append(tokens, s)
		}
	}

	emit(string(word[:sliceSize]))
	emit(string(word[len(word)-sliceSize:]))
	if len(word) >= 5 {
		mid := (len(word) - sliceSize) / 2
		emit(string(word[mid : mid+sliceSize]))
	}
	return tokens
}

func symbolFor(r rune) string {
	switch {
	case isEmoji(r):
		return fmt.Sprintf("%s%X", EmojiPrefix, r)
	case r == '!' || r == '！' || r == '?' || r == '？':
		return TokenExclaim
	case r == '.' || r == '。':
		return TokenDot
	case r == '#' || r == '＃':
		return TokenHash
	case r == '$' || r == '¥' || r == '￥' || r == '€' || r == '£':
		return TokenMoney
	}
	return ""
}

func isIdeographic(r rune) bool {
	return unicode.Is(unicode.Han, r)
}

func isEmoji(r rune) bool {
	return (r >= 0x1F000 && r <= 0x1FAFF) || (r >= 0x2600 && r <= 0x27BF)
}

// allowShort lists short ASCII words that still carry signal.
var allowShort = map[string]bool{
	"ok": true, "no": true, "yes": true, "app": true, "msg": true, "tip": true,
}

// Excluded reports whether a token is ignored by scoring and learning:
// numbers shorter than 4 digits and short ASCII tokens not in the allow-list.
func Excluded(token string) bool {
	if token == "" {
		return true
	}
	if isNumeric(token) {
		return len(token) < 4
	}
	if isASCII(token) && len(token) < 3 {
		return !allowShort[token]
	}
	return false
}

// Included tokenizes text and returns the unique non-excluded tokens in order.
func Included(text string) []string {
	return Filter(Tokenize(text))
}

// Filter removes excluded tokens and duplicates, keeping first-seen order.
func Filter(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if Excluded(t) {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
