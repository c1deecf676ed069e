package chat

import "strings"

const (
	titleMaxRunes  = 50
	titleTrimRunes = 47

	// FallbackTitle is used when the first user message is empty or
	// whitespace-only after trimming.
	FallbackTitle = "New Chat"
)

// DeriveTitle builds a session title from the first user message: runs of
// whitespace (including newlines) collapse to single spaces, and anything
// past 50 runes is cut to 47 with an ellipsis.
func DeriveTitle(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	if title == "" {
		return FallbackTitle
	}
	runes := []rune(title)
	if len(runes) > titleMaxRunes {
		title = string(runes[:titleTrimRunes]) + "..."
	}
	return title
}
