package content

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// Tier names the HTML conversion path a body took.
type Tier string

const (
	TierDirect   Tier = "direct"
	TierFast     Tier = "fast"
	TierChunked  Tier = "chunked"
	TierFallback Tier = "fallback"
)

var (
	scriptRe     = regexp.MustCompile(`(?is)<script[^>]*>.*?</script\s*>`)
	styleRe      = regexp.MustCompile(`(?is)<style[^>]*>.*?</style\s*>`)
	blockRe      = regexp.MustCompile(`(?i)<(?:br|p|div|h[1-6]|tr)(?:\s[^>]*)?/?>`)
	listItemRe   = regexp.MustCompile(`(?i)<li(?:\s[^>]*)?>`)
	cellRe       = regexp.MustCompile(`(?i)<td(?:\s[^>]*)?>`)
	tagRe        = regexp.MustCompile(`<[^>]+>`)
	blankRunRe   = regexp.MustCompile(`[ \t]+`)
	newlineRunRe = regexp.MustCompile(`\n[ \t]*\n\s*\n+`)
	breakRe      = regexp.MustCompile(`(?i)<br\s*/?>|</p>|</div>`)
)

// HTMLConverter turns HTML into plain text, picking a strategy by input
// size so very large bodies stay memory bounded.
type HTMLConverter struct {
	// Threshold is the size at which the regex tier replaces the
	// tokenizer.
	Threshold int

	// ChunkSize is the slice size of the chunked tier, which takes over
	// above twice this size.
	ChunkSize int
}

// TierFor reports which tier a body of n bytes uses.
func (c HTMLConverter) TierFor(n int) Tier {
	switch {
	case n < c.Threshold:
		return TierDirect
	case n <= 2*c.ChunkSize:
		return TierFast
	default:
		return TierChunked
	}
}

// Convert returns the text of s and the tier that produced it. A failing
// or panicking tier falls back to a minimal tag strip.
func (c HTMLConverter) Convert(s string) (string, Tier) {
	tier := c.TierFor(len(s))
	var convert func(string) (string, error)
	switch tier {
	case TierDirect:
		convert = tokenizeHTML
	case TierFast:
		convert = func(s string) (string, error) { return regexHTML(s), nil }
	default:
		convert = func(s string) (string, error) { return chunkedHTML(s, c.ChunkSize), nil }
	}

	text, err := safeConvert(convert, s)
	if err != nil {
		return stripTags(s), TierFallback
	}
	return text, tier
}

func safeConvert(convert func(string) (string, error), s string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("html conversion panicked: %v", r)
		}
	}()
	return convert(s)
}

// tokenizeHTML walks the token stream, dropping script and style
// content and turning block elements into line breaks.
func tokenizeHTML(s string) (string, error) {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skip := 0

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return cleanWhitespace(b.String()), nil
			}
			return "", z.Err()
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				if tt == html.StartTagToken {
					skip++
				}
			case "br", "div", "tr":
				b.WriteByte('\n')
			case "p", "h1", "h2", "h3", "h4", "h5", "h6":
				b.WriteString("\n\n")
			case "li":
				b.WriteString("\n• ")
			case "td":
				b.WriteByte('\t')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				if skip > 0 {
					skip--
				}
			case "h1", "h2", "h3", "h4", "h5", "h6":
				b.WriteByte('\n')
			}
		}
	}
}

// regexHTML is the precompiled-pattern tier.
func regexHTML(s string) string {
	s = scriptRe.ReplaceAllString(s, "")
	s = styleRe.ReplaceAllString(s, "")
	return cleanWhitespace(regexBody(s))
}

// regexBody converts markup that is already free of script and style.
func regexBody(s string) string {
	s = blockRe.ReplaceAllString(s, "\n")
	s = listItemRe.ReplaceAllString(s, "\n• ")
	s = cellRe.ReplaceAllString(s, "\t")
	s = tagRe.ReplaceAllString(s, "")
	if strings.IndexByte(s, '&') >= 0 {
		s = html.UnescapeString(s)
	}
	return s
}

// chunkedHTML removes script and style from the whole document, then
// converts it in slices of about chunkSize bytes. Each slice is extended
// to the end of the tag it would otherwise cut.
func chunkedHTML(s string, chunkSize int) string {
	s = scriptRe.ReplaceAllString(s, "")
	s = styleRe.ReplaceAllString(s, "")

	var b strings.Builder
	b.Grow(len(s) / 2)
	for start := 0; start < len(s); {
		end := min(start+chunkSize, len(s))
		if end < len(s) {
			open := strings.LastIndexByte(s[start:end], '<')
			if open >= 0 && strings.IndexByte(s[start+open:end], '>') < 0 {
				if closeAt := strings.IndexByte(s[end:], '>'); closeAt >= 0 {
					end += closeAt + 1
				} else {
					end = len(s)
				}
			}
		}
		b.WriteString(regexBody(s[start:end]))
		start = end
	}
	return cleanWhitespace(b.String())
}

// stripTags is the last-resort conversion.
func stripTags(s string) string {
	s = scriptRe.ReplaceAllString(s, "")
	s = styleRe.ReplaceAllString(s, "")
	s = breakRe.ReplaceAllString(s, "\n")
	s = tagRe.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	return cleanWhitespace(s)
}

func cleanWhitespace(s string) string {
	s = blankRunRe.ReplaceAllString(s, " ")
	s = newlineRunRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// looksLikeHTML sniffs a text part for markup.
func looksLikeHTML(s string) bool {
	head := strings.ToLower(s[:min(len(s), 4096)])
	for _, tag := range []string{"<html", "<body", "<div", "<p>", "<br", "<span", "<table", "<tr", "<td"} {
		if strings.Contains(head, tag) {
			return true
		}
	}
	return false
}
