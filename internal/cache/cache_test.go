package cache_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/datagetter/internal/cache"
	"github.com/JakeFAU/datagetter/internal/cache/fileindex"
	"github.com/JakeFAU/datagetter/internal/dataset"
)

func newCache(t *testing.T) (*cache.Cache, *fileindex.Index, string) {
	t.Helper()
	root := t.TempDir()
	idx, err := fileindex.Open(filepath.Join(root, "index.json"), zap.NewNop())
	require.NoError(t, err)
	c, err := cache.New(filepath.Join(root, "cache_dir"), idx, zap.NewNop())
	require.NoError(t, err)
	return c, idx, root
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestStoreThenLookupHits(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, _, root := newCache(t)
	input := writeFile(t, filepath.Join(root, "grants.xlsx"), "spreadsheet bytes")
	artifact := writeFile(t, filepath.Join(root, "grants.json"), `{"grants":[{"id":"1"}]}`)

	digest, err := c.HashFile(input)
	require.NoError(t, err)

	_, ok, err := c.Lookup(ctx, digest)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Store(ctx, artifact, digest, "grants.xlsx"))

	path, ok, err := c.Lookup(ctx, digest)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, digest+".json", filepath.Base(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"grants":[{"id":"1"}]}`, string(data))
}

func TestStoreIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, idx, root := newCache(t)
	artifact := writeFile(t, filepath.Join(root, "grants.json"), `{"grants":[]}`)

	require.NoError(t, c.Store(ctx, artifact, "abc", "a.csv"))
	first := idx.Entries()
	require.NoError(t, c.Store(ctx, artifact, "abc", "a.csv"))
	assert.Equal(t, first, idx.Entries())
}

func TestSharedContentSharesArtifact(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, idx, root := newCache(t)
	artifact := writeFile(t, filepath.Join(root, "grants.json"), `{"grants":[]}`)

	require.NoError(t, c.Store(ctx, artifact, "same", "first.xlsx"))
	require.NoError(t, c.Store(ctx, artifact, "same", "second.xlsx"))

	entries := idx.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "second.xlsx", entries[0].OriginalIdentity)

	files, err := os.ReadDir(filepath.Join(root, "cache_dir"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestLookupMissingArtifactIsMiss(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, _, root := newCache(t)
	artifact := writeFile(t, filepath.Join(root, "grants.json"), `{}`)
	require.NoError(t, c.Store(ctx, artifact, "gone", "a.csv"))
	require.NoError(t, os.Remove(filepath.Join(root, "cache_dir", "gone.json")))

	_, ok, err := c.Lookup(ctx, "gone")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDisabledCacheNeverHits(t *testing.T) {
	t.Parallel()

	c := cache.Disabled()
	assert.False(t, c.Enabled())
	_, ok, err := c.Lookup(context.Background(), "x")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, c.Store(context.Background(), "/nonexistent", "x", "y"))
	require.NoError(t, c.Close())

	var nilCache *cache.Cache
	assert.False(t, nilCache.Enabled())
}

func TestFailuresWrapUnavailable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, err := cache.Disabled().HashFile(filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, dataset.ErrCacheUnavailable)

	c, err := cache.New(t.TempDir(), failingIndex{}, nil)
	require.NoError(t, err)
	_, _, err = c.Lookup(ctx, "h")
	require.ErrorIs(t, err, cache.ErrUnavailable)

	artifact := writeFile(t, filepath.Join(t.TempDir(), "a.json"), `{}`)
	err = c.Store(ctx, artifact, "h", "a.csv")
	require.ErrorIs(t, err, cache.ErrUnavailable)

	_, err = cache.New("", failingIndex{}, nil)
	require.ErrorIs(t, err, cache.ErrUnavailable)
}

type failingIndex struct{}

func (failingIndex) Lookup(context.Context, string) (cache.Entry, bool, error) {
	return cache.Entry{}, false, errors.New("database is locked")
}

func (failingIndex) Upsert(context.Context, cache.Entry) error {
	return errors.New("database is locked")
}

func (failingIndex) Close() error { return nil }
