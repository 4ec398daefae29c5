// Package privacy redacts sensitive values from notification text before it
// leaves the device.
package privacy

import (
	"regexp"
	"strings"
)

// redaction pairs a pattern with its replacement marker.
type redaction struct {
	pattern *regexp.Regexp
	marker  string
}

// redactions run in order; wider patterns come first so a card number is
// not half-eaten by the phone or code patterns.
var redactions = []redaction{
	// Private keys, JWTs, provider API keys, bearer tokens
	{regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`), "[SECRET]"},
	{regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`), "[SECRET]"},
	{regexp.MustCompile(`sk-(ant-)?[a-zA-Z0-9-]{20,}`), "[SECRET]"},
	{regexp.MustCompile(`gh[pous]_[a-zA-Z0-9]{36,}`), "[SECRET]"},
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "[SECRET]"},
	{regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._-]{20,}`), "[SECRET]"},
	{regexp.MustCompile(`(?i)(password|passwd|pwd|密码)\s*[:=：]\s*\S{4,}`), "[SECRET]"},

	// Email addresses
	{regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`), "[EMAIL]"},

	// Payment card numbers: 13-19 digits, optionally grouped by spaces or dashes
	{regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`), "[CARD]"},

	// Phone numbers: optional +country, 9+ digits with separators
	{regexp.MustCompile(`\+?\d{1,3}[ -]?\(?\d{2,4}\)?[ -]?\d{3,4}[ -]?\d{3,4}`), "[PHONE]"},

	// One-time codes following a keyword ("code 482913", "验证码：4829")
	{regexp.MustCompile(`(?i)(code|otp|pin|passcode|验证码|校验码|动态码)(\s*(is|:|：|=)?\s*)\d{4,8}`), "${1}${2}[CODE]"},
	// Standalone six-digit codes
	{regexp.MustCompile(`\b\d{6}\b`), "[CODE]"},
}

// ContainsSensitive reports whether text contains anything Redact would change.
func ContainsSensitive(text string) bool {
	if text == "" {
		return false
	}
	for _, r := range redactions {
		if r.pattern.MatchString(text) {
			return true
		}
	}
	return false
}

// Redact replaces sensitive values with markers such as [CODE] or [CARD].
func Redact(text string) string {
	if text == "" {
		return text
	}
	result := text
	for _, r := range redactions {
		if strings.Contains(r.marker, "$") {
			result = r.pattern.ReplaceAllString(result, r.marker)
			continue
		}
		result = r.pattern.ReplaceAllLiteralString(result, r.marker)
	}
	return result
}

// RedactNotification redacts title and body.
func RedactNotification(title, body string) (string, string) {
	return Redact(title), Redact(body)
}
