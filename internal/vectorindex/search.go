package vectorindex

import (
	"context"
	"fmt"
	"math"
	"sort"

	"campus-assistant/internal/ai"
	"campus-assistant/internal/logger"
)

// rrfK is the reciprocal-rank constant used when fusing ranked lists.
const rrfK = 60

type searchConfig struct {
	key     string
	weights []float64
	lambda  float64
}

// SearchOption adjusts a single search call.
type SearchOption func(*searchConfig)

// WithKey restricts results to chunks uploaded under key.
func WithKey(key string) SearchOption {
	return func(c *searchConfig) { c.key = key }
}

// WithWeights overrides the (similarity, mmr) ensemble weights.
func WithWeights(w []float64) SearchOption {
	return func(c *searchConfig) {
		if len(w) == 2 {
			c.weights = w
		}
	}
}

// WithMMRLambda overrides the relevance/diversity trade-off of the MMR leg.
func WithMMRLambda(l float64) SearchOption {
	return func(c *searchConfig) {
		if l > 0 && l <= 1 {
			c.lambda = l
		}
	}
}

func (ix *Index) searchConfig(opts []SearchOption) searchConfig {
	cfg := searchConfig{weights: ix.opts.Weights, lambda: ix.opts.MMRLambda}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

type scored struct {
	pos   int
	score float64
}

// SimilaritySearch runs cosine top-k and MMR retrieval and fuses both lists
// by weighted reciprocal rank. The placeholder entry is never returned.
func (ix *Index) SimilaritySearch(ctx context.Context, query string, k int, opts ...SearchOption) ([]Result, error) {
	if err := ix.waitReady(ctx); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	cfg := ix.searchConfig(opts)

	qv, err := ix.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	candidates := ix.rankAll(qv, cfg.key)
	if len(candidates) == 0 {
		return nil, nil
	}

	fetchK := 4 * k
	if fetchK < 20 {
		fetchK = 20
	}
	similar := candidates
	if len(similar) > k {
		similar = similar[:k]
	}
	pool := candidates
	if len(pool) > fetchK {
		pool = pool[:fetchK]
	}
	diverse := ix.mmr(pool, k, cfg.lambda)

	fused := fuse([][]scored{similar, diverse}, cfg.weights)
	if len(fused) > k {
		fused = fused[:k]
	}

	out := make([]Result, len(fused))
	for i, s := range fused {
		out[i] = Result{Chunk: ix.entries[s.pos].Chunk, Score: s.score}
	}
	return out, nil
}

// CompressedRetrieve reranks the ensemble output and keeps finalK results.
// A reranker error falls back to the ensemble order.
func (ix *Index) CompressedRetrieve(ctx context.Context, query string, k, finalK int, opts ...SearchOption) ([]Result, error) {
	results, err := ix.SimilaritySearch(ctx, query, k, opts...)
	if err != nil || len(results) == 0 {
		return results, err
	}
	if finalK <= 0 || finalK > len(results) {
		finalK = len(results)
	}
	if ix.opts.Reranker == nil {
		return results[:finalK], nil
	}

	reranked, err := ix.opts.Reranker.Rerank(ctx, query, results, finalK)
	if err != nil {
		logger.Warn("Rerank failed, keeping ensemble order", "error", err)
		return results[:finalK], nil
	}
	if len(reranked) > finalK {
		reranked = reranked[:finalK]
	}
	return reranked, nil
}

func (ix *Index) embedQuery(ctx context.Context, query string) ([]float32, error) {
	ectx, cancel := ai.WithTimeout(ctx, ix.opts.EmbedTimeout)
	defer cancel()
	vecs, err := ix.embedder.Embed(ectx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("failed to embed query: got %d vectors", len(vecs))
	}
	return vecs[0], nil
}

// rankAll scores every eligible entry against qv, best first. Caller holds
// the read lock.
func (ix *Index) rankAll(qv []float32, key string) []scored {
	out := make([]scored, 0, len(ix.entries))
	for i, e := range ix.entries {
		if isPlaceholder(e.Chunk) {
			continue
		}
		if key != "" && e.Chunk.Metadata.Key != key {
			continue
		}
		out = append(out, scored{pos: i, score: cosine(qv, e.Vector)})
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].score > out[b].score })
	return out
}

// mmr greedily picks k entries from pool balancing query similarity against
// similarity to entries already picked. Caller holds the read lock.
func (ix *Index) mmr(pool []scored, k int, lambda float64) []scored {
	if k > len(pool) {
		k = len(pool)
	}
	selected := make([]scored, 0, k)
	used := make([]bool, len(pool))

	for len(selected) < k {
		best, bestScore := -1, math.Inf(-1)
		for i, c := range pool {
			if used[i] {
				continue
			}
			maxSim := 0.0
			for _, s := range selected {
				if sim := cosine(ix.entries[c.pos].Vector, ix.entries[s.pos].Vector); sim > maxSim {
					maxSim = sim
				}
			}
			score := lambda*c.score - (1-lambda)*maxSim
			if score > bestScore {
				best, bestScore = i, score
			}
		}
		if best < 0 {
			break
		}
		used[best] = true
		selected = append(selected, pool[best])
	}
	return selected
}

// fuse merges ranked lists by weighted reciprocal rank, deduplicating by
// entry position.
func fuse(lists [][]scored, weights []float64) []scored {
	acc := make(map[int]float64)
	order := make([]int, 0)
	for li, list := range lists {
		w := 1.0
		if li < len(weights) {
			w = weights[li]
		}
		for rank, s := range list {
			if _, ok := acc[s.pos]; !ok {
				order = append(order, s.pos)
			}
			acc[s.pos] += w / float64(rrfK+rank+1)
		}
	}

	out := make([]scored, len(order))
	for i, pos := range order {
		out[i] = scored{pos: pos, score: acc[pos]}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].score > out[b].score })
	return out
}

// cosine returns 0 for mismatched lengths or zero-norm vectors.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
