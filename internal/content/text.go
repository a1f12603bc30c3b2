package content

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// TruncationMarker ends every body cut to fit the document limit.
const TruncationMarker = "\n[Content truncated due to size limit]"

// normalizeText makes s valid NFC UTF-8 with unix line endings, no NUL
// bytes and collapsed whitespace.
func normalizeText(s string) string {
	s = strings.ToValidUTF8(s, "�")
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = norm.NFC.String(s)
	return cleanWhitespace(s)
}

// cutUTF8 returns the longest prefix of s that is at most n bytes and
// does not split a rune.
func cutUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 0 {
		return ""
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// capBody bounds s to max bytes including the truncation marker.
func capBody(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	return cutUTF8(s, max-len(TruncationMarker)) + TruncationMarker, true
}
