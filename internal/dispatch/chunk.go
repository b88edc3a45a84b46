package dispatch

import (
	"fmt"
	"unicode"
)

// ChunkOptions controls Chunk.
type ChunkOptions struct {
	Limit   int  // max characters (runes) per chunk
	Markers bool // append " (i/n)" continuation markers when splitting
}

// Chunk splits text into pieces of at most opts.Limit runes. Cuts fall
// just after whitespace where possible (a newline in the second half of
// the window is preferred), so joining the chunks with their markers
// removed reproduces text exactly. Text within the limit is returned as a
// single chunk with no marker.
func Chunk(text string, opts ChunkOptions) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if opts.Limit <= 0 || len(runes) <= opts.Limit {
		return []string{text}
	}
	if !opts.Markers {
		return split(runes, opts.Limit)
	}

	// The marker width depends on the chunk count, which depends on the
	// marker width. Widen until the count fits the reserved width.
	n := len(split(runes, opts.Limit))
	for {
		width := len(Marker(n, n))
		room := opts.Limit - width
		if room < 1 {
			return split(runes, opts.Limit)
		}
		parts := split(runes, room)
		if len(Marker(len(parts), len(parts))) <= width {
			total := len(parts)
			for i := range parts {
				parts[i] += Marker(i+1, total)
			}
			return parts
		}
		n = len(parts)
	}
}

// Marker is the continuation marker for chunk i of n.
func Marker(i, n int) string {
	return fmt.Sprintf(" (%d/%d)", i, n)
}

func split(runes []rune, limit int) []string {
	var out []string
	for len(runes) > limit {
		cut := cutPoint(runes[:limit])
		out = append(out, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}

// cutPoint returns how many runes of window to take.
func cutPoint(window []rune) int {
	half := len(window) / 2
	for i := len(window) - 1; i >= half; i-- {
		if window[i] == '\n' {
			return i + 1
		}
	}
	for i := len(window) - 1; i > 0; i-- {
		if unicode.IsSpace(window[i]) {
			return i + 1
		}
	}
	return len(window)
}
