package room

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

// schemePattern matches URL schemes that execute script when rendered.
var schemePattern = regexp.MustCompile(`(?i)(javascript|data|vbscript):`)

// sanitizeText strips dangerous URL schemes and surrounding whitespace.
// Stripping repeats until stable so a scheme split around another occurrence
// cannot reassemble. Escaping happens at render time, not here.
func sanitizeText(text string) string {
	for {
		next := schemePattern.ReplaceAllString(text, "")
		if next == text {
			break
		}
		text = next
	}
	return strings.TrimSpace(text)
}

// renderLine binds a nickname to a post, HTML-escaping both.
func renderLine(nickname, text string) string {
	return fmt.Sprintf(`<b><span class="nickname">%s</span></b> %s`,
		html.EscapeString(nickname), html.EscapeString(text))
}

// truncateRunes caps text at n runes without splitting a code point.
func truncateRunes(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n])
}
