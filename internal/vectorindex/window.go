package vectorindex

import (
	"context"
	"strings"
)

// Passage is a search hit stitched together with its neighbouring chunks
// from the same document.
type Passage struct {
	Main   Result
	Before []Chunk
	After  []Chunk
}

// Text renders the passage as BEFORE / MAIN / AFTER sections.
func (p Passage) Text() string {
	var b strings.Builder
	section := func(label string, chunks []Chunk) {
		if len(chunks) == 0 {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(label)
		b.WriteString(":\n")
		for i, c := range chunks {
			if i > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(c.Text)
		}
	}
	section("BEFORE", p.Before)
	section("MAIN", []Chunk{p.Main.Chunk})
	section("AFTER", p.After)
	return b.String()
}

// JoinPassages renders passages separated by blank lines.
func JoinPassages(ps []Passage) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = p.Text()
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// ContextEnrichedSearch runs SimilaritySearch and expands every hit with up
// to window chunks on each side.
func (ix *Index) ContextEnrichedSearch(ctx context.Context, query string, k, window int, opts ...SearchOption) ([]Passage, error) {
	results, err := ix.SimilaritySearch(ctx, query, k, opts...)
	if err != nil {
		return nil, err
	}
	return ix.Expand(results, window), nil
}

// Expand attaches the chunks at ChunkIndex-window..ChunkIndex+window of the
// same DocumentID to each result. Missing neighbours are skipped.
func (ix *Index) Expand(results []Result, window int) []Passage {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]Passage, len(results))
	for i, r := range results {
		p := Passage{Main: r}
		md := r.Chunk.Metadata
		positions := ix.byDoc[md.DocumentID]
		if window > 0 && positions != nil {
			for off := window; off >= 1; off-- {
				if pos, ok := positions[md.ChunkIndex-off]; ok {
					p.Before = append(p.Before, ix.entries[pos].Chunk)
				}
			}
			for off := 1; off <= window; off++ {
				if pos, ok := positions[md.ChunkIndex+off]; ok {
					p.After = append(p.After, ix.entries[pos].Chunk)
				}
			}
		}
		out[i] = p
	}
	return out
}
