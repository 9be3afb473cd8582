package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "memory.db"), NewHashEmbedder())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUpsertQueryRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rows := []Row{
		{ID: "k1", Text: "pytest fixture scope mismatch causes teardown ordering bugs"},
		{ID: "k2", Text: "docker compose volume mounts shadow the build context"},
		{ID: "k3", Text: "goroutine leak from unbuffered channel in shutdown path"},
	}
	require.NoError(t, store.Upsert(ctx, CollectionKnowledge, rows))

	n, err := store.Count(ctx, CollectionKnowledge)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	hits, err := store.Query(ctx, CollectionKnowledge, QueryParams{
		Query: "pytest fixture teardown ordering",
		Limit: 2,
	})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "k1", hits[0].ID, "lexically closest row ranks first")
	assert.LessOrEqual(t, hits[0].Distance, hits[len(hits)-1].Distance)
}

func TestUpsertScrubsSecrets(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, CollectionKnowledge, []Row{
		{ID: "s1", Text: "deploy failed with DATABASE_PASSWORD=hunter2 in env"},
	}))

	got, err := store.Get(ctx, CollectionKnowledge, []string{"s1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NotContains(t, got[0].Text, "hunter2")
	assert.Contains(t, got[0].Text, "[REDACTED]")
}

func TestUpsertOverwritesById(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, CollectionKnowledge, []Row{{ID: "k1", Text: "first"}}))
	require.NoError(t, store.Upsert(ctx, CollectionKnowledge, []Row{{ID: "k1", Text: "second version"}}))

	n, err := store.Count(ctx, CollectionKnowledge)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.Get(ctx, CollectionKnowledge, []string{"k1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "second version", got[0].Text)
}

func TestEmptyQueryReturnsNothing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, CollectionKnowledge, []Row{{ID: "k1", Text: "anything"}}))

	hits, err := store.Query(ctx, CollectionKnowledge, QueryParams{Query: "   "})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestQueryWhereFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, CollectionObservations, []Row{
		{ID: "o1", Text: "edit main.py", Metadata: map[string]string{"session": "a"}},
		{ID: "o2", Text: "edit main.py again", Metadata: map[string]string{"session": "b"}},
	}))

	hits, err := store.Query(ctx, CollectionObservations, QueryParams{
		Query: "edit main.py",
		Limit: 10,
		Where: map[string]string{"session": "b"},
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "o2", hits[0].ID)
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, CollectionQuarantine, []Row{
		{ID: "q1", Text: "bad memory"},
		{ID: "q2", Text: "worse memory"},
	}))

	n, err := store.Delete(ctx, CollectionQuarantine, []string{"q1", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, err := store.Count(ctx, CollectionQuarantine)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCollectionsAreIsolated(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, CollectionKnowledge, []Row{{ID: "x", Text: "knowledge entry"}}))
	require.NoError(t, store.Upsert(ctx, CollectionFixOutcomes, []Row{{ID: "x", Text: "fix entry"}}))

	n, err := store.Count(ctx, CollectionKnowledge)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, err := store.Query(ctx, CollectionFixOutcomes, QueryParams{Query: "fix entry", Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "fix entry", hits[0].Text)
}

func TestUnknownCollectionRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Count(ctx, "nope")
	assert.Error(t, err)
	err = store.Upsert(ctx, "nope", []Row{{ID: "x", Text: "y"}})
	assert.Error(t, err)
}

func TestBackup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, CollectionKnowledge, []Row{{ID: "k1", Text: "keep me"}}))

	dest := filepath.Join(t.TempDir(), "backup.db")
	path, err := store.Backup(ctx, dest)
	require.NoError(t, err)
	assert.Equal(t, dest, path)

	copy, err := OpenStore(dest, NewHashEmbedder())
	require.NoError(t, err)
	defer copy.Close()
	n, err := copy.Count(ctx, CollectionKnowledge)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestVectorCodecRoundTrip(t *testing.T) {
	vec := []float32{0.5, -1.25, 3.75, 0}
	assert.Equal(t, vec, decodeVector(encodeVector(vec)))
}

func TestCosineDistance(t *testing.T) {
	assert.InDelta(t, 0, CosineDistance([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 1, CosineDistance([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 1.0, CosineDistance([]float32{1}, []float32{1, 0}), "length mismatch is maximal")
}
