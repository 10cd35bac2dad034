package retrieval

import "strings"

// Default chunking parameters.
const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 100
)

// Splitter cuts text into chunks at a separator, packing consecutive pieces
// until a chunk would exceed Size bytes. Consecutive chunks share up to
// Overlap bytes of trailing pieces. A single piece longer than Size becomes
// its own chunk.
type Splitter struct {
	Separator string
	Size      int
	Overlap   int
}

// NewSplitter returns a newline splitter. Non-positive values fall back to
// the defaults.
func NewSplitter(size, overlap int) Splitter {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = min(DefaultChunkOverlap, size/2)
	}
	return Splitter{Separator: "\n", Size: size, Overlap: overlap}
}

// Split returns the non-blank chunks of text.
func (s Splitter) Split(text string) []string {
	sep := s.Separator
	if sep == "" {
		sep = "\n"
	}

	var pieces []string
	for _, p := range strings.Split(text, sep) {
		if strings.TrimSpace(p) != "" {
			pieces = append(pieces, p)
		}
	}

	var (
		chunks []string
		window []string
		total  int
	)
	joined := func(extra int) int {
		if len(window) == 0 {
			return extra
		}
		return total + len(sep) + extra
	}
	for _, p := range pieces {
		if len(window) > 0 && joined(len(p)) > s.Size {
			chunks = append(chunks, strings.Join(window, sep))
			for len(window) > 0 && (total > s.Overlap || joined(len(p)) > s.Size) {
				total -= len(window[0])
				if len(window) > 1 {
					total -= len(sep)
				}
				window = window[1:]
			}
		}
		total = joined(len(p))
		window = append(window, p)
	}
	if len(window) > 0 {
		chunks = append(chunks, strings.Join(window, sep))
	}

	out := chunks[:0]
	for _, c := range chunks {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}
