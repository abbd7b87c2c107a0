// Package chunker splits extracted document text into fixed-size,
// overlapping segments. Sizes and offsets are counted in runes.
package chunker

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidParams = errors.New("invalid chunking parameters")

type Chunk struct {
	Index      int
	Text       string
	Offset     int // rune offset of the first rune in the source text
	TokenCount int
}

type Splitter struct {
	size    int
	overlap int
}

func New(size, overlap int) (*Splitter, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size must be positive, got %d", ErrInvalidParams, size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("%w: overlap must be in [0, %d), got %d", ErrInvalidParams, size, overlap)
	}
	return &Splitter{size: size, overlap: overlap}, nil
}

func (s *Splitter) Size() int    { return s.size }
func (s *Splitter) Overlap() int { return s.overlap }

// Split returns every chunk of text in order. All chunks but the last hold
// exactly Size runes and each one starts Overlap runes before the previous
// one ends. Empty text yields no chunks.
func (s *Splitter) Split(text string) []Chunk {
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil
	}

	step := s.size - s.overlap
	chunks := make([]Chunk, 0, s.Count(n))
	for start := 0; ; start += step {
		end := start + s.size
		if end > n {
			end = n
		}
		part := string(runes[start:end])
		chunks = append(chunks, Chunk{
			Index:      len(chunks),
			Text:       part,
			Offset:     start,
			TokenCount: EstimateTokens(part),
		})
		if end == n {
			break
		}
	}
	return chunks
}

// Count reports how many chunks Split produces for a text of n runes.
func (s *Splitter) Count(n int) int {
	if n <= 0 {
		return 0
	}
	if n <= s.size {
		return 1
	}
	step := s.size - s.overlap
	return (n - s.overlap + step - 1) / step
}

// Reassemble undoes Split: the first chunk is kept whole and the leading
// overlap is dropped from every following chunk.
func Reassemble(chunks []Chunk, overlap int) string {
	var b strings.Builder
	for i, c := range chunks {
		if i == 0 {
			b.WriteString(c.Text)
			continue
		}
		r := []rune(c.Text)
		if overlap < len(r) {
			b.WriteString(string(r[overlap:]))
		}
	}
	return b.String()
}

// EstimateTokens approximates a BPE token count as one token per four runes.
func EstimateTokens(text string) int {
	n := len([]rune(text))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
