package ingest

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"campus-assistant/internal/ai"
	"campus-assistant/internal/config"
	"campus-assistant/internal/logger"
	"campus-assistant/internal/vectorindex"

	"github.com/google/uuid"
)

// Chunker splits page text into overlapping windows of at most Size runes,
// preferring paragraph, then sentence, then word boundaries. In semantic mode
// it instead groups adjacent sentences whose embeddings stay close.
type Chunker struct {
	size           int
	overlap        int
	sentenceRegex  *regexp.Regexp
	paragraphRegex *regexp.Regexp

	embedder     vectorindex.Embedder
	threshold    float64
	minSentences int
	timeout      time.Duration
}

func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = 1024
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	return &Chunker{
		size:           size,
		overlap:        overlap,
		sentenceRegex:  regexp.MustCompile(`[.!?]+\s+`),
		paragraphRegex: regexp.MustCompile(`\n\s*\n+`),
	}
}

// NewChunkerFromConfig builds the chunker selected by CHUNK_STRATEGY.
func NewChunkerFromConfig(cfg *config.Config, embedder vectorindex.Embedder) *Chunker {
	c := NewChunker(cfg.ChunkSize, cfg.ChunkOverlap)
	if cfg.ChunkStrategy == config.ChunkStrategySemantic {
		c.Semantic(embedder, cfg.ChunkSimilarity, cfg.ChunkMinSentences, cfg.LLMTimeout)
	}
	return c
}

// Semantic switches c to similarity grouping. A new group starts when the
// next sentence's cosine similarity to the group centroid drops below
// threshold, once the group holds minSentences, or when the size cap would
// be exceeded.
func (c *Chunker) Semantic(embedder vectorindex.Embedder, threshold float64, minSentences int, timeout time.Duration) *Chunker {
	if minSentences < 1 {
		minSentences = 1
	}
	c.embedder = embedder
	c.threshold = threshold
	c.minSentences = minSentences
	c.timeout = timeout
	return c
}

// Split chunks every unit and stamps base metadata plus the unit page and a
// document-wide contiguous chunk index. In semantic mode a unit whose
// sentences cannot be embedded falls back to windows.
func (c *Chunker) Split(ctx context.Context, units []Unit, base vectorindex.Metadata) []vectorindex.Chunk {
	var out []vectorindex.Chunk
	for _, u := range units {
		for _, text := range c.chunkUnit(ctx, u.Text) {
			md := base
			md.Page = u.Page
			md.ChunkIndex = len(out)
			out = append(out, vectorindex.Chunk{
				ID:       uuid.NewString(),
				Text:     text,
				Metadata: md,
			})
		}
	}
	return out
}

func (c *Chunker) chunkUnit(ctx context.Context, text string) []string {
	if c.embedder == nil {
		return c.chunkText(text)
	}
	chunks, err := c.semanticChunks(ctx, text)
	if err != nil {
		logger.Warn("Semantic chunking failed, using fixed windows", "error", err)
		return c.chunkText(text)
	}
	return chunks
}

// pieces splits text into paragraphs, then sentences, then hard cuts, so no
// piece is longer than the chunk size.
func (c *Chunker) pieces(text string, keepShortParagraphs bool) []string {
	var pieces []string
	for _, para := range c.paragraphRegex.Split(text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if keepShortParagraphs && runeLen(para) <= c.size {
			pieces = append(pieces, para)
			continue
		}
		for _, s := range c.sentences(para) {
			if runeLen(s) <= c.size {
				pieces = append(pieces, s)
				continue
			}
			pieces = append(pieces, hardSplit(s, c.size)...)
		}
	}
	return pieces
}

func (c *Chunker) semanticChunks(ctx context.Context, text string) ([]string, error) {
	sentences := c.pieces(text, false)
	if len(sentences) <= 1 {
		return sentences, nil
	}

	ectx, cancel := ai.WithTimeout(ctx, c.timeout)
	vecs, err := c.embedder.Embed(ectx, sentences)
	cancel()
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(sentences) {
		return nil, fmt.Errorf("got %d embeddings for %d sentences", len(vecs), len(sentences))
	}

	var (
		chunks   []string
		current  strings.Builder
		centroid []float64
		count    int
	)
	start := func(i int) {
		current.Reset()
		current.WriteString(sentences[i])
		centroid = make([]float64, len(vecs[i]))
		for j, x := range vecs[i] {
			centroid[j] = float64(x)
		}
		count = 1
	}

	start(0)
	for i := 1; i < len(sentences); i++ {
		fits := runeLen(current.String())+1+runeLen(sentences[i]) <= c.size
		similar := count < c.minSentences || cosine(centroid, vecs[i]) >= c.threshold
		if !fits || !similar {
			chunks = append(chunks, current.String())
			start(i)
			continue
		}
		current.WriteByte(' ')
		current.WriteString(sentences[i])
		for j := range centroid {
			if j < len(vecs[i]) {
				centroid[j] += float64(vecs[i][j])
			}
		}
		count++
	}
	chunks = append(chunks, current.String())
	return chunks, nil
}

// cosine of the centroid sum and v; the sum's scale does not matter.
func cosine(sum []float64, v []float32) float64 {
	var dot, na, nb float64
	for i := range sum {
		if i >= len(v) {
			break
		}
		dot += sum[i] * float64(v[i])
		na += sum[i] * sum[i]
		nb += float64(v[i]) * float64(v[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (c *Chunker) chunkText(text string) []string {
	pieces := c.pieces(text, true)

	var (
		chunks  []string
		current strings.Builder
	)
	flush := func() {
		if current.Len() == 0 {
			return
		}
		chunks = append(chunks, current.String())
		current.Reset()
	}

	for _, p := range pieces {
		if current.Len() > 0 && runeLen(current.String())+2+runeLen(p) > c.size {
			flush()
			if tail := overlapTail(chunks[len(chunks)-1], c.overlap); tail != "" && runeLen(tail)+2+runeLen(p) <= c.size {
				current.WriteString(tail)
			}
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}
	flush()
	return chunks
}

// sentences splits text after sentence punctuation, keeping the punctuation.
func (c *Chunker) sentences(text string) []string {
	var out []string
	last := 0
	for _, loc := range c.sentenceRegex.FindAllStringIndex(text, -1) {
		if s := strings.TrimSpace(text[last:loc[1]]); s != "" {
			out = append(out, s)
		}
		last = loc[1]
	}
	if s := strings.TrimSpace(text[last:]); s != "" {
		out = append(out, s)
	}
	return out
}

// hardSplit cuts text into pieces of at most size runes, backing up to the
// last space when one exists in the second half of the window.
func hardSplit(text string, size int) []string {
	var out []string
	runes := []rune(text)
	for len(runes) > 0 {
		if len(runes) <= size {
			out = append(out, strings.TrimSpace(string(runes)))
			break
		}
		cut := size
		for i := size; i > size/2; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
		if piece := strings.TrimSpace(string(runes[:cut])); piece != "" {
			out = append(out, piece)
		}
		runes = runes[cut:]
	}
	return out
}

// overlapTail returns at most n trailing runes of text, starting on a word
// boundary.
func overlapTail(text string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= n {
		return ""
	}
	tail := runes[len(runes)-n:]
	for i, r := range tail {
		if unicode.IsSpace(r) {
			return strings.TrimSpace(string(tail[i:]))
		}
	}
	return ""
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
