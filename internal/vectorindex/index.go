// Package vectorindex is a persistent nearest-neighbour store over document
// chunks with ensemble retrieval, reranking and context-window expansion.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"campus-assistant/internal/ai"
	"campus-assistant/internal/logger"

	"github.com/google/uuid"
)

// State of the index lifecycle. Only Ready serves requests.
type State int32

const (
	Uninitialized State = iota
	Loading
	Initializing
	Ready
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ErrNotReady is returned when ctx ends before the index becomes ready.
var ErrNotReady = errors.New("vectorindex: index not ready")

// Embedder turns texts into vectors, one per text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Options struct {
	Dir          string
	BatchSize    int
	Weights      []float64
	MMRLambda    float64
	EmbedTimeout time.Duration
	Reranker     Reranker
}

// Index is safe for concurrent use. Searches share a read lock; adds,
// reloads and persistence take the write lock.
type Index struct {
	embedder Embedder
	opts     Options

	state     atomic.Int32
	ready     chan struct{}
	readyOnce sync.Once

	mu      sync.RWMutex
	entries []Entry
	dim     int
	byDoc   map[string]map[int]int
}

// Stats is a point-in-time summary used by health checks.
type Stats struct {
	State   string `json:"state"`
	Entries int    `json:"entries"`
	Dim     int    `json:"dim"`
}

func New(embedder Embedder, opts Options) *Index {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if len(opts.Weights) != 2 {
		opts.Weights = []float64{0.6, 0.4}
	}
	if opts.MMRLambda <= 0 || opts.MMRLambda > 1 {
		opts.MMRLambda = 0.5
	}
	return &Index{
		embedder: embedder,
		opts:     opts,
		ready:    make(chan struct{}),
		byDoc:    make(map[string]map[int]int),
	}
}

func (ix *Index) State() State {
	return State(ix.state.Load())
}

func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return Stats{State: ix.State().String(), Entries: len(ix.entries), Dim: ix.dim}
}

// loadAttempts and loadRetryDelay bound how long LoadOrInitialize waits
// out a metadata lock or read error before giving up.
var (
	loadAttempts   = 3
	loadRetryDelay = time.Second
)

// LoadOrInitialize loads the persisted index. When either artifact is
// missing or corrupt it starts over with a single placeholder entry and
// persists that immediately. The index is Ready when this returns, even if
// persisting the fresh index failed.
//
// Any other load error (a lock held by another process, an I/O failure) is
// retried; if it persists the index goes back to Uninitialized, the files on
// disk are left alone and the error is returned so the caller can try again.
func (ix *Index) LoadOrInitialize(ctx context.Context) error {
	if !ix.state.CompareAndSwap(int32(Uninitialized), int32(Loading)) {
		return fmt.Errorf("vectorindex: already started (state %s)", ix.State())
	}

	entries, dim, err := ix.loadWithRetry(ctx)
	if err == nil {
		ix.mu.Lock()
		ix.replace(entries, dim)
		ix.mu.Unlock()
		ix.markReady()
		logger.Info("Vector index loaded", "dir", ix.opts.Dir, "entries", len(entries), "dim", dim)
		return nil
	}
	if !needsInit(err) {
		ix.state.Store(int32(Uninitialized))
		return fmt.Errorf("vectorindex: load %s: %w", ix.opts.Dir, err)
	}

	logger.Warn("Vector index not loadable, initializing", "dir", ix.opts.Dir, "error", err)
	ix.state.Store(int32(Initializing))

	placeholder := Entry{Chunk: placeholderChunk()}
	ectx, cancel := ai.WithTimeout(ctx, ix.opts.EmbedTimeout)
	vecs, embErr := ix.embedder.Embed(ectx, []string{placeholder.Chunk.Text})
	cancel()
	if embErr == nil && len(vecs) == 1 {
		placeholder.Vector = vecs[0]
	} else {
		logger.Warn("Placeholder embedding failed, storing empty vector", "error", embErr)
	}

	ix.mu.Lock()
	ix.replace([]Entry{placeholder}, len(placeholder.Vector))
	perr := persist(ix.opts.Dir, ix.entries, ix.dim, 0)
	ix.mu.Unlock()
	ix.markReady()

	if perr != nil {
		return fmt.Errorf("failed to persist new index: %w", perr)
	}
	logger.Info("Vector index initialized", "dir", ix.opts.Dir, "dim", len(placeholder.Vector))
	return nil
}

func (ix *Index) loadWithRetry(ctx context.Context) ([]Entry, int, error) {
	var err error
	for attempt := 1; attempt <= loadAttempts; attempt++ {
		var (
			entries []Entry
			dim     int
		)
		entries, dim, err = load(ix.opts.Dir)
		if err == nil || needsInit(err) {
			return entries, dim, err
		}
		logger.Warn("Vector index load failed, retrying", "dir", ix.opts.Dir, "attempt", attempt, "error", err)
		if attempt == loadAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(loadRetryDelay):
		}
	}
	return nil, 0, err
}

func (ix *Index) markReady() {
	ix.state.Store(int32(Ready))
	ix.readyOnce.Do(func() { close(ix.ready) })
}

// waitReady blocks until the index is Ready or ctx ends.
func (ix *Index) waitReady(ctx context.Context) error {
	select {
	case <-ix.ready:
		return nil
	default:
	}
	select {
	case <-ix.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrNotReady, ctx.Err())
	}
}

// replace swaps the entry set. Caller holds the write lock.
func (ix *Index) replace(entries []Entry, dim int) {
	ix.entries = entries
	ix.dim = dim
	ix.byDoc = make(map[string]map[int]int)
	for i := range entries {
		ix.indexPosition(i)
	}
}

func (ix *Index) indexPosition(i int) {
	md := ix.entries[i].Chunk.Metadata
	if md.DocumentID == "" {
		return
	}
	m, ok := ix.byDoc[md.DocumentID]
	if !ok {
		m = make(map[int]int)
		ix.byDoc[md.DocumentID] = m
	}
	m[md.ChunkIndex] = i
}

// AddDocuments embeds chunks in fixed-size batches and appends them. A
// failing batch is logged and skipped. The index is persisted once after
// the batch loop; false means nothing was added.
func (ix *Index) AddDocuments(ctx context.Context, chunks []Chunk) (bool, error) {
	if err := ix.waitReady(ctx); err != nil {
		return false, err
	}
	if len(chunks) == 0 {
		return false, nil
	}

	var (
		added   []Entry
		lastErr error
		dim     = ix.currentDim()
	)
	for start := 0; start < len(chunks); start += ix.opts.BatchSize {
		end := start + ix.opts.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		entries, err := ix.embedBatch(ctx, batch, dim)
		if err != nil {
			lastErr = err
			logger.Warn("Skipping chunk batch", "start", start, "size", len(batch), "error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if dim == 0 && len(entries) > 0 {
			dim = len(entries[0].Vector)
		}
		added = append(added, entries...)
	}

	if len(added) == 0 {
		return false, lastErr
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.dim != 0 && ix.dim != dim {
		return false, fmt.Errorf("embedding dimension changed from %d to %d", ix.dim, dim)
	}

	prevLen, prevDim := len(ix.entries), ix.dim
	padded := ix.padEmpty(dim)
	ix.entries = append(ix.entries, added...)
	ix.dim = dim

	from := prevLen
	if len(padded) > 0 {
		from = 0
	}
	if err := persist(ix.opts.Dir, ix.entries, ix.dim, from); err != nil {
		ix.entries = ix.entries[:prevLen]
		ix.dim = prevDim
		for _, i := range padded {
			ix.entries[i].Vector = nil
		}
		return false, fmt.Errorf("failed to persist index: %w", err)
	}
	for i := prevLen; i < len(ix.entries); i++ {
		ix.indexPosition(i)
	}

	logger.Info("Chunks added to vector index", "added", len(added), "total", len(ix.entries))
	return true, nil
}

func (ix *Index) currentDim() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.dim
}

func (ix *Index) embedBatch(ctx context.Context, batch []Chunk, dim int) ([]Entry, error) {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}

	ectx, cancel := ai.WithTimeout(ctx, ix.opts.EmbedTimeout)
	defer cancel()
	vecs, err := ix.embedder.Embed(ectx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(batch) {
		return nil, fmt.Errorf("got %d embeddings for %d chunks", len(vecs), len(batch))
	}

	out := make([]Entry, len(batch))
	for i, c := range batch {
		if len(vecs[i]) == 0 || (dim != 0 && len(vecs[i]) != dim) {
			return nil, fmt.Errorf("chunk %d: bad embedding dimension %d", i, len(vecs[i]))
		}
		if dim == 0 {
			dim = len(vecs[i])
		}
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		out[i] = Entry{Vector: vecs[i], Chunk: c}
	}
	return out, nil
}

// padEmpty gives zero vectors of dim to entries stored without an
// embedding and returns their positions. Caller holds the write lock.
func (ix *Index) padEmpty(dim int) []int {
	var padded []int
	for i := range ix.entries {
		if len(ix.entries[i].Vector) == 0 {
			ix.entries[i].Vector = make([]float32, dim)
			padded = append(padded, i)
		}
	}
	return padded
}

// Reload replaces the in-memory entries with the persisted ones when the
// on-disk count differs. A failed reload keeps the current entries.
func (ix *Index) Reload(ctx context.Context) (bool, error) {
	if err := ix.waitReady(ctx); err != nil {
		return false, err
	}

	count, _, err := readInfo(ix.opts.Dir)
	if err != nil {
		return false, err
	}

	ix.mu.RLock()
	current := len(ix.entries)
	ix.mu.RUnlock()
	if count == current {
		return false, nil
	}

	entries, dim, err := load(ix.opts.Dir)
	if err != nil {
		return false, err
	}
	if len(entries) == current {
		return false, nil
	}

	ix.mu.Lock()
	ix.replace(entries, dim)
	ix.mu.Unlock()

	logger.Info("Vector index reloaded", "entries", len(entries), "previous", current)
	return true, nil
}
