package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koriath/raketh/internal/config"
)

func TestSplitRespectsChunkSize(t *testing.T) {
	s := New(config.ChunkingConfig{ChunkSize: 20, Overlap: 5})
	text := strings.Repeat("a", 100)

	chunks := s.Split(text)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c.Text)), 20)
	}
}

func TestSplitOverlapBetweenAdjacentChunks(t *testing.T) {
	s := New(config.ChunkingConfig{ChunkSize: 10, Overlap: 3})
	text := strings.Repeat("b", 37)

	chunks := s.Split(text)
	require.GreaterOrEqual(t, len(chunks), 2)
	for i := 1; i < len(chunks); i++ {
		prev, cur := chunks[i-1], chunks[i]
		shared := prev.End - cur.Start
		assert.Equal(t, 3, shared, "chunk %d boundary", i)
	}
}

func TestSplitPrefersParagraphSeparator(t *testing.T) {
	s := New(config.ChunkingConfig{ChunkSize: 40, Overlap: 0})
	text := "first paragraph here.\n\nsecond paragraph follows after it"

	chunks := s.Split(text)
	require.NotEmpty(t, chunks)
	assert.True(t, strings.HasSuffix(chunks[0].Text, "\n\n") || strings.Contains(chunks[0].Text, "paragraph"))
}

func TestSplitEmptyInput(t *testing.T) {
	s := New(config.ChunkingConfig{ChunkSize: 10, Overlap: 2})
	assert.Nil(t, s.Split(""))
}

func TestSplitOverlapClampedBelowChunkSize(t *testing.T) {
	s := New(config.ChunkingConfig{ChunkSize: 10, Overlap: 50})
	assert.Equal(t, 9, s.overlap)
}

func TestStreamChunkerMatchesNonStreaming(t *testing.T) {
	cfg := config.ChunkingConfig{ChunkSize: 15, Overlap: 4}
	full := New(cfg)
	text := strings.Repeat("the quick fox jumps. ", 10)

	want := full.Split(text)

	sc := NewStream(cfg)
	var got []Chunk
	for _, piece := range splitIntoPieces(text, 17) {
		got = append(got, sc.Write(piece)...)
	}
	got = append(got, sc.Flush()...)

	var wantText, gotText strings.Builder
	for _, c := range want {
		wantText.WriteString(c.Text)
	}
	for _, c := range got {
		gotText.WriteString(c.Text)
	}
	assert.NotEmpty(t, got)
	// Streaming emits the same chunk sequence as the whole-text splitter.
	assert.Equal(t, wantText.String(), gotText.String())
}

func splitIntoPieces(s string, n int) []string {
	var out []string
	for len(s) > 0 {
		if len(s) <= n {
			out = append(out, s)
			break
		}
		out = append(out, s[:n])
		s = s[n:]
	}
	return out
}
