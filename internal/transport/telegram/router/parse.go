package router

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// newReqID returns a short id that ties together the log lines of one request.
func newReqID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// parseCommand splits "/cmd@bot rest of text" into ("cmd", "rest of text").
// The remainder keeps its inner whitespace and newlines.
func parseCommand(text string) (word, rest string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	end := strings.IndexFunc(text, unicode.IsSpace)
	if end < 0 {
		end = len(text)
	}
	word = strings.TrimPrefix(text[:end], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	if word == "" {
		return "", "", false
	}
	return strings.ToLower(word), strings.TrimSpace(text[end:]), true
}
