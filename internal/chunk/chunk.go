// Package chunk implements C4, the recursive text splitter with overlap.
//
// Splitter tries an ordered list of separators (paragraph, sentence-ending
// punctuation, semicolon, space, character) and picks the earliest one that
// keeps each piece within chunk_size, falling back to a hard character cut
// when nothing fits.
package chunk

import (
	"strings"

	"github.com/koriath/raketh/internal/config"
)

// Chunk is one contiguous, overlapping span of a document's text.
type Chunk struct {
	Index int
	Text  string
	Start int // rune offset into the original text
	End   int
}

var defaultSeparators = []string{"\n\n", ". ", "! ", "? ", "; ", " "}

// Splitter implements the recursive separator-preference chunking algorithm.
type Splitter struct {
	chunkSize  int
	overlap    int
	separators []string
}

// New constructs a Splitter from C4's configuration.
func New(cfg config.ChunkingConfig) *Splitter {
	size := cfg.ChunkSize
	if size <= 0 {
		size = 1000
	}
	overlap := cfg.Overlap
	if overlap < 0 {
		overlap = 0
	}
	if overlap > size-1 {
		overlap = size - 1
	}
	return &Splitter{chunkSize: size, overlap: overlap, separators: defaultSeparators}
}

// Split splits text into chunks per the size/overlap contract: every chunk
// has length <= chunk_size runes, and a chunk longer than min(overlap,
// chunk_size-1) runes shares exactly that many runes with the next chunk. A
// chunk no longer than that shares nothing: the next chunk starts at its end.
func (s *Splitter) Split(text string) []Chunk {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	var chunks []Chunk
	start := 0
	idx := 0
	for start < len(runes) {
		end := s.boundaryFor(runes, start)
		piece := string(runes[start:end])
		chunks = append(chunks, Chunk{
			Index: idx,
			Text:  piece,
			Start: start,
			End:   end,
		})
		idx++
		if end >= len(runes) {
			break
		}
		next := end - s.overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// boundaryFor finds the end rune index (exclusive) of the next chunk
// starting at start, preferring the latest separator occurrence that keeps
// the chunk within chunk_size, in separator-preference order.
func (s *Splitter) boundaryFor(runes []rune, start int) int {
	limit := start + s.chunkSize
	if limit >= len(runes) {
		return len(runes)
	}

	window := string(runes[start:limit])
	for _, sep := range s.separators {
		if idx := strings.LastIndex(window, sep); idx >= 0 {
			cut := idx + len(sep)
			if cut > 0 {
				return start + len([]rune(window[:cut]))
			}
		}
	}
	// No separator fits: hard character split.
	return limit
}

// StreamChunker consumes text incrementally and emits chunks as soon as a
// boundary can be determined, retaining a running buffer of at most
// chunk_size+overlap runes. Ingestion does not select it: the ingest
// coordinator splits every document with Split whatever its size, and
// streaming_min_bytes is not read by any caller.
type StreamChunker struct {
	splitter *Splitter
	buf      []rune
	index    int
	emitted  int // rune offset of buf[0] in the overall stream
}

// NewStream constructs a StreamChunker.
func NewStream(cfg config.ChunkingConfig) *StreamChunker {
	return &StreamChunker{splitter: New(cfg)}
}

// Write feeds more text into the chunker, returning any chunks that can now
// be finalized (the buffer exceeded chunk_size+overlap).
func (c *StreamChunker) Write(text string) []Chunk {
	c.buf = append(c.buf, []rune(text)...)

	var out []Chunk
	maxBuf := c.splitter.chunkSize + c.splitter.overlap
	for len(c.buf) > maxBuf {
		end := c.splitter.boundaryFor(c.buf, 0)
		if end <= 0 {
			break
		}
		piece := string(c.buf[:end])
		out = append(out, Chunk{
			Index: c.index,
			Text:  piece,
			Start: c.emitted,
			End:   c.emitted + end,
		})
		c.index++

		next := end - c.splitter.overlap
		if next <= 0 {
			next = end
		}
		c.emitted += next
		c.buf = c.buf[next:]
	}
	return out
}

// Flush finalizes any remaining buffered text into chunks once the stream
// ends.
func (c *StreamChunker) Flush() []Chunk {
	if len(c.buf) == 0 {
		return nil
	}
	rest := c.splitter.Split(string(c.buf))
	out := make([]Chunk, 0, len(rest))
	for _, ch := range rest {
		out = append(out, Chunk{
			Index: c.index,
			Text:  ch.Text,
			Start: c.emitted + ch.Start,
			End:   c.emitted + ch.End,
		})
		c.index++
	}
	c.buf = nil
	return out
}
