package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"campus-assistant/internal/ai"
	"campus-assistant/internal/ai/aitest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func newReadyIndex(t *testing.T, gw *aitest.Gateway, opts Options) *Index {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	ix := New(gw, opts)
	require.NoError(t, ix.LoadOrInitialize(context.Background()))
	require.Equal(t, Ready, ix.State())
	return ix
}

func docChunks(docID, key string, texts ...string) []Chunk {
	out := make([]Chunk, len(texts))
	for i, t := range texts {
		out[i] = Chunk{
			Text:     t,
			Metadata: Metadata{Source: docID + ".pdf", DocumentID: docID, Key: key, Page: 1, ChunkIndex: i},
		}
	}
	return out
}

func TestLoadOrInitializeSeedsPlaceholder(t *testing.T) {
	dir := t.TempDir()
	ix := newReadyIndex(t, &aitest.Gateway{}, Options{Dir: dir})

	st := ix.Stats()
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, "ready", st.State)
	assert.FileExists(t, filepath.Join(dir, vectorsFile))
	assert.FileExists(t, filepath.Join(dir, metaFile))

	res, err := ix.SimilaritySearch(context.Background(), "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, res, "placeholder must not be returned")
}

func TestPlaceholderWithFailingEmbedder(t *testing.T) {
	dir := t.TempDir()
	gw := &aitest.Gateway{EmbedFunc: func(context.Context, []string) ([][]float32, error) {
		return nil, errors.New("down")
	}}
	ix := newReadyIndex(t, gw, Options{Dir: dir})
	assert.Equal(t, Stats{State: "ready", Entries: 1, Dim: 0}, ix.Stats())

	// a healthy embedder later pads the placeholder and persists a uniform file
	gw.EmbedFunc = nil
	ok, err := ix.AddDocuments(context.Background(), docChunks("d1", "K", "tuition fees are due in March"))
	require.NoError(t, err)
	assert.True(t, ok)

	reopened := newReadyIndex(t, &aitest.Gateway{}, Options{Dir: dir})
	assert.Equal(t, 2, reopened.Stats().Entries)
	assert.Equal(t, aitest.Dim, reopened.Stats().Dim)
}

func TestAddThenSearchRoundTrip(t *testing.T) {
	ctx := context.Background()
	ix := newReadyIndex(t, &aitest.Gateway{}, Options{})

	ok, err := ix.AddDocuments(ctx, docChunks("d1", "K",
		"scholarship applications open in september",
		"the library opens at eight",
		"tuition fees must be paid before the semester",
	))
	require.NoError(t, err)
	require.True(t, ok)

	res, err := ix.SimilaritySearch(ctx, "when are tuition fees paid", 2)
	require.NoError(t, err)
	require.NotEmpty(t, res)
	assert.Equal(t, "tuition fees must be paid before the semester", res[0].Chunk.Text)
	assert.LessOrEqual(t, len(res), 2)
	for _, r := range res {
		assert.NotEqual(t, PlaceholderID, r.Chunk.ID)
		assert.NotEmpty(t, r.Chunk.ID)
	}
}

func TestPersistAndReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ix := newReadyIndex(t, &aitest.Gateway{}, Options{Dir: dir})
	_, err := ix.AddDocuments(ctx, docChunks("d1", "K", "dormitory rules", "parking permits"))
	require.NoError(t, err)

	reopened := newReadyIndex(t, &aitest.Gateway{}, Options{Dir: dir})
	assert.Equal(t, 3, reopened.Stats().Entries)

	res, err := reopened.SimilaritySearch(ctx, "parking permits", 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "parking permits", res[0].Chunk.Text)
	assert.Equal(t, 1, res[0].Chunk.Metadata.ChunkIndex)
}

func TestCorruptArtifactsReinitialize(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ix := newReadyIndex(t, &aitest.Gateway{}, Options{Dir: dir})
	_, err := ix.AddDocuments(ctx, docChunks("d1", "K", "a", "b"))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, vectorsFile), []byte("garbage"), 0o644))
	reopened := newReadyIndex(t, &aitest.Gateway{}, Options{Dir: dir})
	assert.Equal(t, 1, reopened.Stats().Entries)

	require.NoError(t, os.Remove(filepath.Join(dir, metaFile)))
	again := newReadyIndex(t, &aitest.Gateway{}, Options{Dir: dir})
	assert.Equal(t, 1, again.Stats().Entries)
}

// lockMeta holds the metadata file the way another process would.
func lockMeta(t *testing.T, dir string) *bbolt.DB {
	t.Helper()
	prev := boltTimeout
	boltTimeout = 100 * time.Millisecond
	t.Cleanup(func() { boltTimeout = prev })

	db, err := bbolt.Open(filepath.Join(dir, metaFile), 0o600, &bbolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	return db
}

func TestFailedMetadataWriteKeepsPersistedIndex(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ix := newReadyIndex(t, &aitest.Gateway{}, Options{Dir: dir})
	_, err := ix.AddDocuments(ctx, docChunks("d1", "K", "housing office hours", "meal plan prices", "exam timetable"))
	require.NoError(t, err)

	held := lockMeta(t, dir)
	ok, err := ix.AddDocuments(ctx, docChunks("d2", "K", "graduation ceremony dates"))
	assert.False(t, ok)
	assert.ErrorContains(t, err, "failed to persist index")
	assert.Equal(t, 4, ix.Stats().Entries)
	assert.NoFileExists(t, filepath.Join(dir, vectorsFile+".tmp"))
	require.NoError(t, held.Close())

	reopened := newReadyIndex(t, &aitest.Gateway{}, Options{Dir: dir})
	assert.Equal(t, 4, reopened.Stats().Entries)
	res, err := reopened.SimilaritySearch(ctx, "meal plan prices", 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "meal plan prices", res[0].Chunk.Text)

	// the index keeps accepting writes afterwards
	ok, err = reopened.AddDocuments(ctx, docChunks("d2", "K", "graduation ceremony dates"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 5, newReadyIndex(t, &aitest.Gateway{}, Options{Dir: dir}).Stats().Entries)
}

func TestLockedMetadataDoesNotReinitialize(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ix := newReadyIndex(t, &aitest.Gateway{}, Options{Dir: dir})
	_, err := ix.AddDocuments(ctx, docChunks("d1", "K", "a", "b"))
	require.NoError(t, err)

	prevAttempts, prevDelay := loadAttempts, loadRetryDelay
	loadAttempts, loadRetryDelay = 2, 10*time.Millisecond
	t.Cleanup(func() { loadAttempts, loadRetryDelay = prevAttempts, prevDelay })

	held := lockMeta(t, dir)
	blocked := New(&aitest.Gateway{}, Options{Dir: dir})
	require.Error(t, blocked.LoadOrInitialize(ctx))
	assert.Equal(t, Uninitialized, blocked.State())
	require.NoError(t, held.Close())

	require.NoError(t, blocked.LoadOrInitialize(ctx))
	assert.Equal(t, 3, blocked.Stats().Entries)
}

func TestTornArtifactsLoadCommonPrefix(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ix := newReadyIndex(t, &aitest.Gateway{}, Options{Dir: dir})
	_, err := ix.AddDocuments(ctx, docChunks("d1", "K", "library card renewal", "sports hall booking"))
	require.NoError(t, err)

	// metadata committed three entries, the vector file only has two
	ix.mu.RLock()
	require.NoError(t, writeVectors(filepath.Join(dir, vectorsFile), ix.entries[:2], ix.dim))
	ix.mu.RUnlock()

	reopened := newReadyIndex(t, &aitest.Gateway{}, Options{Dir: dir})
	assert.Equal(t, 2, reopened.Stats().Entries)

	ok, err := reopened.AddDocuments(ctx, docChunks("d2", "K", "sports hall booking"))
	require.NoError(t, err)
	assert.True(t, ok)

	again := newReadyIndex(t, &aitest.Gateway{}, Options{Dir: dir})
	assert.Equal(t, 3, again.Stats().Entries)
	res, err := again.SimilaritySearch(ctx, "sports hall booking", 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "d2", res[0].Chunk.Metadata.DocumentID)
}

func TestAddDocumentsSkipsFailingBatch(t *testing.T) {
	ctx := context.Background()
	calls := 0
	gw := &aitest.Gateway{}
	ix := newReadyIndex(t, gw, Options{BatchSize: 2})
	gw.EmbedFunc = func(_ context.Context, texts []string) ([][]float32, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("quota")
		}
		out := make([][]float32, len(texts))
		for i, tx := range texts {
			out[i] = aitest.HashEmbed(tx)
		}
		return out, nil
	}

	ok, err := ix.AddDocuments(ctx, docChunks("d1", "K", "c0", "c1", "c2", "c3", "c4"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 1+3, ix.Stats().Entries)
}

func TestAddDocumentsNothingAdded(t *testing.T) {
	ctx := context.Background()
	gw := &aitest.Gateway{}
	ix := newReadyIndex(t, gw, Options{})

	ok, err := ix.AddDocuments(ctx, nil)
	assert.NoError(t, err)
	assert.False(t, ok)

	gw.EmbedFunc = func(context.Context, []string) ([][]float32, error) { return nil, ai.ErrUnavailable }
	ok, err = ix.AddDocuments(ctx, docChunks("d1", "K", "x"))
	assert.ErrorIs(t, err, ai.ErrUnavailable)
	assert.False(t, ok)
	assert.Equal(t, 1, ix.Stats().Entries)
}

func TestReAddIsAdditive(t *testing.T) {
	ctx := context.Background()
	ix := newReadyIndex(t, &aitest.Gateway{}, Options{})
	chunks := docChunks("d1", "K", "first", "second")

	_, err := ix.AddDocuments(ctx, chunks)
	require.NoError(t, err)
	_, err = ix.AddDocuments(ctx, chunks)
	require.NoError(t, err)
	assert.Equal(t, 5, ix.Stats().Entries)

	res, err := ix.SimilaritySearch(ctx, "first", 3)
	require.NoError(t, err)
	assert.NotEmpty(t, res)
}

func TestKeyFilter(t *testing.T) {
	ctx := context.Background()
	ix := newReadyIndex(t, &aitest.Gateway{}, Options{})
	_, err := ix.AddDocuments(ctx, docChunks("d1", "A", "exam schedule for spring"))
	require.NoError(t, err)
	_, err = ix.AddDocuments(ctx, docChunks("d2", "B", "exam schedule for autumn"))
	require.NoError(t, err)

	res, err := ix.SimilaritySearch(ctx, "exam schedule", 5, WithKey("B"))
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "B", res[0].Chunk.Metadata.Key)

	res, err = ix.SimilaritySearch(ctx, "exam schedule", 5, WithKey("missing"))
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestSearchBlocksUntilReady(t *testing.T) {
	ix := New(&aitest.Gateway{}, Options{Dir: t.TempDir()})
	assert.Equal(t, Uninitialized, ix.State())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := ix.SimilaritySearch(ctx, "q", 3)
	assert.ErrorIs(t, err, ErrNotReady)

	done := make(chan error, 1)
	go func() {
		_, err := ix.SimilaritySearch(context.Background(), "q", 3)
		done <- err
	}()
	require.NoError(t, ix.LoadOrInitialize(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("search did not resume after ready")
	}

	assert.Error(t, ix.LoadOrInitialize(context.Background()))
}

func TestReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	reader := newReadyIndex(t, &aitest.Gateway{}, Options{Dir: dir})
	writer := New(&aitest.Gateway{}, Options{Dir: dir})
	require.NoError(t, writer.LoadOrInitialize(ctx))

	changed, err := reader.Reload(ctx)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = writer.AddDocuments(ctx, docChunks("d1", "K", "new regulation on attendance"))
	require.NoError(t, err)

	changed, err = reader.Reload(ctx)
	require.NoError(t, err)
	assert.True(t, changed)

	res, err := reader.SimilaritySearch(ctx, "attendance regulation", 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "new regulation on attendance", res[0].Chunk.Text)
}

func TestContextWindow(t *testing.T) {
	ctx := context.Background()
	ix := newReadyIndex(t, &aitest.Gateway{}, Options{})
	texts := make([]string, 6)
	for i := range texts {
		texts[i] = fmt.Sprintf("section%d", i)
	}
	_, err := ix.AddDocuments(ctx, docChunks("d1", "K", texts...))
	require.NoError(t, err)
	_, err = ix.AddDocuments(ctx, docChunks("d2", "K", "section3 other document"))
	require.NoError(t, err)

	passages, err := ix.ContextEnrichedSearch(ctx, "section3", 1, 2, WithKey("K"))
	require.NoError(t, err)
	require.Len(t, passages, 1)
	p := passages[0]

	if p.Main.Chunk.Metadata.DocumentID == "d1" {
		assert.Equal(t, []string{"section1", "section2"}, texts2(p.Before))
		assert.Equal(t, []string{"section4", "section5"}, texts2(p.After))
		assert.Equal(t, "BEFORE:\nsection1\nsection2\n\nMAIN:\nsection3\n\nAFTER:\nsection4\nsection5", p.Text())
	} else {
		assert.Empty(t, p.Before)
		assert.Empty(t, p.After)
	}
}

func TestExpandAtDocumentEdges(t *testing.T) {
	ctx := context.Background()
	ix := newReadyIndex(t, &aitest.Gateway{}, Options{})
	_, err := ix.AddDocuments(ctx, docChunks("d1", "K", "alpha", "beta", "gamma"))
	require.NoError(t, err)

	res, err := ix.SimilaritySearch(ctx, "alpha", 1)
	require.NoError(t, err)
	require.Len(t, res, 1)

	p := ix.Expand(res, 1)[0]
	assert.Empty(t, p.Before)
	assert.Equal(t, []string{"beta"}, texts2(p.After))
	assert.Equal(t, "MAIN:\nalpha\n\nAFTER:\nbeta", p.Text())

	assert.Empty(t, ix.Expand(res, 0)[0].After)
}

func texts2(cs []Chunk) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Text
	}
	return out
}
