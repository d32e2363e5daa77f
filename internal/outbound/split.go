// Package outbound splits agent replies and delivers them to WeChat users.
package outbound

import "time"

// Delivery defaults.
const (
	DefaultTextLimit              = 600
	DefaultPunctuationSearchRange = 100
	DefaultChunkDelay             = 300 * time.Millisecond
	DefaultMaxImages              = 10
)

// Clause and sentence terminators a chunk may end on.
var splitPunctuation = map[rune]bool{
	'。':  true,
	'！':  true,
	'？':  true,
	'\n': true,
	'；':  true,
	'，':  true,
}

// SplitMessage splits text into chunks of at most maxLength characters,
// preferring to cut right after punctuation found within searchRange
// characters before the limit. Concatenating the chunks yields text.
func SplitMessage(text string, maxLength, searchRange int) []string {
	if text == "" {
		return nil
	}
	if maxLength <= 0 {
		return []string{text}
	}

	remaining := []rune(text)
	var chunks []string
	for len(remaining) > maxLength {
		cut := maxLength
		for i := maxLength - 1; i >= maxLength-searchRange && i > 0; i-- {
			if splitPunctuation[remaining[i]] {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(remaining[:cut]))
		remaining = remaining[cut:]
	}
	if len(remaining) > 0 {
		chunks = append(chunks, string(remaining))
	}
	return chunks
}
