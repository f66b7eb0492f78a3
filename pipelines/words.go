package pipelines

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SplitWords splits text on white space and emits every punctuation rune as its own
// word. It returns the words and their byte offsets [start, end) in text.
func SplitWords(text string) ([]string, [][2]int) {
	var words []string
	var offsets [][2]int
	start := -1
	flush := func(end int) {
		if start >= 0 {
			words = append(words, text[start:end])
			offsets = append(offsets, [2]int{start, end})
			start = -1
		}
	}
	for i, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush(i)
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush(i)
			end := i + utf8.RuneLen(r)
			words = append(words, text[i:end])
			offsets = append(offsets, [2]int{i, end})
		default:
			if start < 0 {
				start = i
			}
		}
	}
	flush(len(text))
	return words, offsets
}

// JoinWords joins words with single spaces and returns the text with the byte
// offsets of each word in it.
func JoinWords(words []string) (string, [][2]int) {
	var builder strings.Builder
	offsets := make([][2]int, len(words))
	for i, word := range words {
		if i > 0 {
			builder.WriteByte(' ')
		}
		offsets[i] = [2]int{builder.Len(), builder.Len() + len(word)}
		builder.WriteString(word)
	}
	return builder.String(), offsets
}
