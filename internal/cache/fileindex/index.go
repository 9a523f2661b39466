// Package fileindex stores the conversion cache index as a JSON document on local disk.
package fileindex

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/datagetter/internal/cache"
	"github.com/JakeFAU/datagetter/internal/storage/local"
)

// SchemaVersion guards the on-disk document layout. A mismatch starts an empty index.
const SchemaVersion = 1

// ErrLoad is returned when the index file exists but cannot be read.
var ErrLoad = errors.New("failed to load cache index")

// ErrPersist is returned when the index cannot be written back.
var ErrPersist = errors.New("failed to persist cache index")

type document struct {
	Version int           `json:"version"`
	Entries []cache.Entry `json:"entries"`
}

// Index implements cache.Index. Every Upsert rewrites the document atomically.
type Index struct {
	path   string
	logger *zap.Logger

	mu     sync.RWMutex
	byHash map[string]cache.Entry
}

// Open loads the index at path. A missing file yields an empty index; a corrupt or
// incompatible one is logged and discarded.
func Open(path string, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	idx := &Index{path: path, logger: logger, byHash: map[string]cache.Entry{}}

	data, err := os.ReadFile(path) // #nosec G304 -- operator-configured cache path
	switch {
	case errors.Is(err, os.ErrNotExist):
		return idx, nil
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		logger.Warn("cache index is corrupt, starting empty", zap.String("path", path), zap.Error(err))
		return idx, nil
	}
	if doc.Version != SchemaVersion {
		logger.Warn("cache index version mismatch, starting empty",
			zap.String("path", path), zap.Int("found", doc.Version), zap.Int("expected", SchemaVersion))
		return idx, nil
	}
	for _, e := range doc.Entries {
		idx.byHash[e.Hash] = e
	}
	return idx, nil
}

// Lookup returns the entry keyed by hash.
func (i *Index) Lookup(_ context.Context, hash string) (cache.Entry, bool, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	e, ok := i.byHash[hash]
	return e, ok, nil
}

// Upsert records entry, dropping any other entry owned by the same identity.
func (i *Index) Upsert(_ context.Context, entry cache.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	next := maps.Clone(i.byHash)
	for hash, existing := range next {
		if existing.OriginalIdentity == entry.OriginalIdentity && hash != entry.Hash {
			delete(next, hash)
		}
	}
	next[entry.Hash] = entry

	if err := i.persist(next); err != nil {
		return err
	}
	i.byHash = next
	return nil
}

// Entries returns a snapshot of the index ordered by hash.
func (i *Index) Entries() []cache.Entry {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := slices.Collect(maps.Values(i.byHash))
	slices.SortFunc(out, compareHash)
	return out
}

// Close is a no-op; the document is persisted on every Upsert.
func (i *Index) Close() error {
	return nil
}

func (i *Index) persist(entries map[string]cache.Entry) error {
	doc := document{Version: SchemaVersion, Entries: slices.Collect(maps.Values(entries))}
	slices.SortFunc(doc.Entries, compareHash)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode: %w", ErrPersist, err)
	}
	if err := local.WriteFileAtomic(i.path, data); err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}

func compareHash(a, b cache.Entry) int {
	return cmp.Compare(a.Hash, b.Hash)
}
