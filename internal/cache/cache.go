// Package cache reuses converted artifacts for inputs whose bytes have been converted before.
package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/datagetter/internal/dataset"
	"github.com/JakeFAU/datagetter/internal/hash/sha256"
	"github.com/JakeFAU/datagetter/internal/metrics"
	"github.com/JakeFAU/datagetter/internal/storage/local"
)

// ErrUnavailable wraps every cache failure; callers log it and carry on without the cache.
var ErrUnavailable = dataset.ErrCacheUnavailable

// Entry maps the digest of an original input to the artifact converted from it.
// OriginalIdentity and Hash are each unique across the index.
type Entry struct {
	OriginalIdentity string `json:"original_identity"`
	Hash             string `json:"hash"`
	ArtifactName     string `json:"artifact_name"`
}

// Validate reports whether every field is populated.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.OriginalIdentity) == "" || strings.TrimSpace(e.Hash) == "" || strings.TrimSpace(e.ArtifactName) == "" {
		return fmt.Errorf("cache entry requires identity, hash and artifact name")
	}
	return nil
}

// Index persists cache entries. Upsert applies the "hash wins" rule: rows owned by the entry's
// identity under a different hash are dropped, then the row keyed by the entry's hash is inserted
// or has its owner rewritten. Lookup misses return ok=false with a nil error.
type Index interface {
	Lookup(ctx context.Context, hash string) (Entry, bool, error)
	Upsert(ctx context.Context, entry Entry) error
	Close() error
}

// Cache couples an Index with the directory holding cached artifacts. A nil or disabled Cache
// misses every lookup and ignores stores.
type Cache struct {
	dir    string
	index  Index
	hasher *sha256.Hasher
	logger *zap.Logger
}

// New returns a cache rooted at dir, creating it when missing.
func New(dir string, index Index, logger *zap.Logger) (*Cache, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("%w: cache directory is required", ErrUnavailable)
	}
	if index == nil {
		return nil, fmt.Errorf("%w: index is required", ErrUnavailable)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: create cache directory: %w", ErrUnavailable, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{dir: dir, index: index, hasher: sha256.New(), logger: logger}, nil
}

// Disabled returns a cache that never hits.
func Disabled() *Cache {
	return &Cache{}
}

// Enabled reports whether lookups can hit.
func (c *Cache) Enabled() bool {
	return c != nil && c.index != nil
}

// HashFile computes the content digest of the file at path.
func (c *Cache) HashFile(path string) (string, error) {
	hasher := sha256.New()
	if c != nil && c.hasher != nil {
		hasher = c.hasher
	}
	digest, err := hasher.HashFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: hash input: %w", ErrUnavailable, err)
	}
	return digest, nil
}

// Lookup returns the cached artifact path for digest. An entry whose artifact has vanished from
// disk is reported as a miss.
func (c *Cache) Lookup(ctx context.Context, digest string) (string, bool, error) {
	if !c.Enabled() {
		return "", false, nil
	}
	entry, ok, err := c.index.Lookup(ctx, digest)
	if err != nil {
		metrics.ObserveCacheLookup("error")
		return "", false, fmt.Errorf("%w: lookup: %w", ErrUnavailable, err)
	}
	if !ok {
		metrics.ObserveCacheLookup("miss")
		return "", false, nil
	}
	path := filepath.Join(c.dir, entry.ArtifactName)
	if _, err := os.Stat(path); err != nil {
		c.logger.Debug("cached artifact missing, treating as miss",
			zap.String("hash", digest), zap.String("artifact", entry.ArtifactName))
		metrics.ObserveCacheLookup("miss")
		return "", false, nil
	}
	metrics.ObserveCacheLookup("hit")
	return path, true, nil
}

// Store copies the artifact at artifactPath into the cache as <digest>.json and records owner as
// its original identity. Storing the same triple again is a no-op in effect.
func (c *Cache) Store(ctx context.Context, artifactPath, digest, owner string) error {
	if !c.Enabled() {
		return nil
	}
	entry := Entry{OriginalIdentity: owner, Hash: digest, ArtifactName: digest + ".json"}
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if err := local.CopyFileAtomic(artifactPath, filepath.Join(c.dir, entry.ArtifactName)); err != nil {
		return fmt.Errorf("%w: copy artifact: %w", ErrUnavailable, err)
	}
	if err := c.index.Upsert(ctx, entry); err != nil {
		return fmt.Errorf("%w: upsert: %w", ErrUnavailable, err)
	}
	return nil
}

// Close releases the index.
func (c *Cache) Close() error {
	if !c.Enabled() {
		return nil
	}
	if err := c.index.Close(); err != nil {
		return fmt.Errorf("close cache index: %w", err)
	}
	return nil
}
