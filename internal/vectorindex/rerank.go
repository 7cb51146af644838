package vectorindex

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"campus-assistant/internal/ai"
	"campus-assistant/internal/logger"
)

// Reranker reorders candidates by relevance to query and keeps at most topN.
type Reranker interface {
	Rerank(ctx context.Context, query string, in []Result, topN int) ([]Result, error)
}

const llmRerankPrompt = `Rate how well each numbered passage answers the query on a scale from 0 to 10.
0-2: irrelevant. 3-5: related but does not answer. 6-8: partially answers. 9-10: directly answers.

Query: %s

%s
Reply with one line per passage in the form "<number>: <score>" and nothing else.`

var scoreLine = regexp.MustCompile(`(?m)^\s*\[?(\d+)\]?\s*[:=-]\s*(10|\d)(?:\.\d+)?\b`)

// LLMReranker scores all candidates with one completion call. Candidates the
// model does not score keep a neutral score below any explicit rating.
type LLMReranker struct {
	LLM      ai.Gateway
	Timeout  time.Duration
	MinScore float64
}

func (l *LLMReranker) Rerank(ctx context.Context, query string, in []Result, topN int) ([]Result, error) {
	if len(in) == 0 {
		return in, nil
	}

	var passages strings.Builder
	for i, r := range in {
		fmt.Fprintf(&passages, "[%d]\n%s\n\n", i+1, r.Chunk.Text)
	}

	ctx, cancel := ai.WithTimeout(ctx, l.Timeout)
	defer cancel()
	raw, err := l.LLM.Complete(ctx, ai.CompletionRequest{
		Prompt: fmt.Sprintf(llmRerankPrompt, query, passages.String()),
	})
	if err != nil {
		return nil, err
	}

	scores := parseScores(raw, len(in))
	if len(scores) == 0 {
		return nil, fmt.Errorf("rerank: no scores in response")
	}

	out := make([]Result, 0, len(in))
	for i, r := range in {
		s, ok := scores[i]
		if !ok {
			s = -1
		} else {
			s /= 10
		}
		if ok && s < l.MinScore {
			continue
		}
		r.Score = s
		out = append(out, r)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Score > out[b].Score })
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out, nil
}

// parseScores maps zero-based candidate positions to 0-10 scores.
func parseScores(raw string, n int) map[int]float64 {
	out := make(map[int]float64)
	for _, m := range scoreLine.FindAllStringSubmatch(raw, -1) {
		idx, err := strconv.Atoi(m[1])
		if err != nil || idx < 1 || idx > n {
			continue
		}
		score, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		out[idx-1] = score
	}
	return out
}

// KeywordReranker boosts candidates containing query terms, weighting early
// and repeated occurrences.
type KeywordReranker struct {
	MinKeywordLength int
	BaseScoreWeight  float64
}

func (k *KeywordReranker) Rerank(_ context.Context, query string, in []Result, topN int) ([]Result, error) {
	minLen := k.MinKeywordLength
	if minLen == 0 {
		minLen = 3
	}
	baseWeight := k.BaseScoreWeight
	if baseWeight == 0 {
		baseWeight = 0.5
	}

	var keywords []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, `.,;:!?"'()[]{}`)
		if len([]rune(w)) > minLen {
			keywords = append(keywords, w)
		}
	}

	out := make([]Result, 0, len(in))
	for _, r := range in {
		text := strings.ToLower(r.Chunk.Text)
		kw := 0.0
		for _, w := range keywords {
			pos := strings.Index(text, w)
			if pos < 0 {
				continue
			}
			kw += 0.1
			if pos < len(text)/4 {
				kw += 0.1
			}
			kw += min(0.05*float64(strings.Count(text, w)), 0.2)
		}
		r.Score = r.Score*baseWeight + kw
		out = append(out, r)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Score > out[b].Score })
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out, nil
}

// FallbackReranker tries Primary and, when it fails, Secondary.
type FallbackReranker struct {
	Primary   Reranker
	Secondary Reranker
}

func (f *FallbackReranker) Rerank(ctx context.Context, query string, in []Result, topN int) ([]Result, error) {
	out, err := f.Primary.Rerank(ctx, query, in, topN)
	if err == nil {
		return out, nil
	}
	if f.Secondary == nil {
		return nil, err
	}
	logger.Debug("Primary reranker failed, using secondary", "error", err)
	return f.Secondary.Rerank(ctx, query, in, topN)
}
