// Package delivery prepares assistant answers for transports with a maximum
// message size. Lengths are measured in characters (Unicode code points), and
// fragments are cut at fixed offsets without regard to words or markup.
package delivery

import (
	"fmt"
	"unicode/utf8"
)

// DefaultMaxLen matches the section-block text limit of the chat platform.
const DefaultMaxLen = 3000

// TruncationMarker is appended to previews of oversized answers.
const TruncationMarker = "..."

// Fragment is one planned outbound message.
type Fragment struct {
	Index    int
	Total    int
	Text     string
	Fallback string
}

// Chunk splits text into ceil(len/maxLen) fragments of exactly maxLen
// characters, except possibly the last. Joining the fragments yields text.
// maxLen must be positive.
func Chunk(text string, maxLen int) []string {
	mustPositive(maxLen)

	total := utf8.RuneCountInString(text)
	if total <= maxLen {
		return []string{text}
	}

	fragments := make([]string, 0, (total+maxLen-1)/maxLen)
	start, count := 0, 0
	for offset := range text {
		if count == maxLen {
			fragments = append(fragments, text[start:offset])
			start, count = offset, 0
		}
		count++
	}
	return append(fragments, text[start:])
}

// Preview returns the plain-text fallback for transports that need a summary
// field: the first maxLen characters plus a marker when text is longer.
func Preview(text string, maxLen int) string {
	mustPositive(maxLen)

	if utf8.RuneCountInString(text) <= maxLen {
		return text
	}
	count := 0
	for offset := range text {
		if count == maxLen {
			return text[:offset] + TruncationMarker
		}
		count++
	}
	return text
}

// Plan chunks text and attaches the fallback preview to the first fragment.
func Plan(text string, maxLen int) []Fragment {
	parts := Chunk(text, maxLen)
	plan := make([]Fragment, len(parts))
	for i, part := range parts {
		plan[i] = Fragment{Index: i, Total: len(parts), Text: part}
	}
	plan[0].Fallback = Preview(text, maxLen)
	return plan
}

func mustPositive(maxLen int) {
	if maxLen <= 0 {
		panic(fmt.Sprintf("delivery: maxLen must be positive, got %d", maxLen))
	}
}
