// Package segment splits streamed model text into speakable sentence chunks
package segment

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// isBoundary reports whether r ends a sentence chunk
func isBoundary(r rune) bool {
	switch r {
	case '.', '!', '?', '…', '\n':
		return true
	}
	return false
}

// Feed appends text to buffer and cuts every complete chunk out of it.
// A chunk ends at the first run of boundary characters and keeps that run.
// Chunks are whitespace-trimmed and never empty; whatever follows the last
// boundary is returned as the remainder for the next call.
func Feed(buffer, text string) (chunks []string, remainder string) {
	content := buffer + text

	for {
		end := boundaryEnd(content)
		if end < 0 {
			break
		}
		if chunk := strings.TrimSpace(content[:end]); chunk != "" {
			chunks = append(chunks, chunk)
		}
		content = content[end:]
	}

	return chunks, strings.TrimLeftFunc(content, unicode.IsSpace)
}

// Flush returns the trimmed remainder as a final chunk, if there is one
func Flush(remainder string) (string, bool) {
	chunk := strings.TrimSpace(remainder)
	return chunk, chunk != ""
}

// boundaryEnd returns the byte offset just past the first run of boundary
// characters in s, or -1 when s has no boundary yet
func boundaryEnd(s string) int {
	start := strings.IndexFunc(s, isBoundary)
	if start < 0 {
		return -1
	}

	end := start
	for end < len(s) {
		r, size := utf8.DecodeRuneInString(s[end:])
		if !isBoundary(r) {
			break
		}
		end += size
	}
	return end
}

// Buffer is a stateful convenience around Feed for a single stream
type Buffer struct {
	pending string
}

// Add feeds text and returns any chunks completed by it
func (b *Buffer) Add(text string) []string {
	chunks, rest := Feed(b.pending, text)
	b.pending = rest
	return chunks
}

// Flush returns the leftover text and clears the buffer
func (b *Buffer) Flush() (string, bool) {
	chunk, ok := Flush(b.pending)
	b.pending = ""
	return chunk, ok
}

// Pending returns the text not yet emitted
func (b *Buffer) Pending() string {
	return b.pending
}
