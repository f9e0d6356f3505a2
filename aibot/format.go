package aibot

import (
	"strings"
	"unicode/utf8"
)

// OutboundMessage is reply text ready to send to Discord. Text never
// exceeds the formatter's limit, counted in runes.
type OutboundMessage struct {
	Text      string `json:"text"`
	Truncated bool   `json:"truncated"`
}

// ResponseFormatter fits model output into Discord's message size
// limit. Text over the limit is cut at a rune boundary and marked with
// a trailing suffix so the result is exactly the limit long.
type ResponseFormatter struct {
	limit  int
	suffix string
}

// NewResponseFormatter returns a formatter for the given rune limit.
// Non-positive limits fall back to Discord's 2000 character maximum.
func NewResponseFormatter(limit int) *ResponseFormatter {
	if limit <= 0 {
		limit = discordMaxMessageLength
	}
	return &ResponseFormatter{limit: limit, suffix: truncationSuffix}
}

// Limit reports the maximum rune count of formatted messages.
func (f *ResponseFormatter) Limit() int {
	return f.limit
}

// Format returns text unchanged when it fits within the limit, and
// otherwise a truncated copy ending in the suffix. Counting and
// cutting operate on runes, never splitting a multi-byte character.
func (f *ResponseFormatter) Format(text string) OutboundMessage {
	if utf8.RuneCountInString(text) <= f.limit {
		return OutboundMessage{Text: text}
	}

	keep := f.limit - utf8.RuneCountInString(f.suffix)
	if keep <= 0 {
		return OutboundMessage{
			Text:      strings.TrimSpace(truncate(text, f.limit)),
			Truncated: true,
		}
	}
	return OutboundMessage{
		Text:      truncate(text, keep) + f.suffix,
		Truncated: true,
	}
}
