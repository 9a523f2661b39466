// Package schema provides the item and package schema documents used for conversion and
// validation.
package schema

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/datagetter/internal/dataset"
	"github.com/JakeFAU/datagetter/internal/storage/local"
)

// File names of the schema pair. The package schema references the item schema by relative
// path, so both must live in the same directory.
const (
	ItemFile    = "360-giving-schema.json"
	PackageFile = "360-giving-package-schema.json"
)

// DefaultURLTemplate is filled with a revision and a file name.
const DefaultURLTemplate = "https://raw.githubusercontent.com/ThreeSixtyGiving/standard/%s/schema/%s"

// DefaultRevision is the branch of the standard fetched by default.
const DefaultRevision = "main"

// Paths locates a resolved schema pair on disk.
type Paths struct {
	Item    string
	Package string
}

// Source resolves the schema pair once per run.
type Source interface {
	Resolve(ctx context.Context) (Paths, error)
}

// Remote downloads the schema pair for a revision into a directory.
type Remote struct {
	fetcher     dataset.Fetcher
	revision    string
	urlTemplate string
	dir         string
	logger      *zap.Logger
}

// RemoteConfig configures Remote.
type RemoteConfig struct {
	Revision    string
	URLTemplate string
	// Dir receives the downloaded files. Empty means a fresh temp directory.
	Dir string
}

// NewRemote builds a Remote source.
func NewRemote(fetcher dataset.Fetcher, cfg RemoteConfig, logger *zap.Logger) *Remote {
	if cfg.Revision == "" {
		cfg.Revision = DefaultRevision
	}
	if cfg.URLTemplate == "" {
		cfg.URLTemplate = DefaultURLTemplate
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Remote{
		fetcher:     fetcher,
		revision:    cfg.Revision,
		urlTemplate: cfg.URLTemplate,
		dir:         cfg.Dir,
		logger:      logger,
	}
}

// URL returns the download location of name for the configured revision.
func (r *Remote) URL(name string) string {
	return fmt.Sprintf(r.urlTemplate, r.revision, name)
}

// Resolve downloads both schema files.
func (r *Remote) Resolve(ctx context.Context) (Paths, error) {
	dir := r.dir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "datagetter-schema-*")
		if err != nil {
			return Paths{}, fmt.Errorf("create schema dir: %w", err)
		}
		dir = tmp
	}

	paths := Paths{Item: filepath.Join(dir, ItemFile), Package: filepath.Join(dir, PackageFile)}
	for _, target := range []struct{ name, path string }{
		{ItemFile, paths.Item},
		{PackageFile, paths.Package},
	} {
		url := r.URL(target.name)
		resp, err := r.fetcher.Fetch(ctx, dataset.FetchRequest{URL: url})
		if err != nil {
			return Paths{}, fmt.Errorf("fetch schema %s: %w", target.name, err)
		}
		if err := local.WriteFileAtomic(target.path, resp.Body); err != nil {
			return Paths{}, fmt.Errorf("write schema %s: %w", target.name, err)
		}
		r.logger.Info("cached schema", zap.String("url", url), zap.String("path", target.path))
	}
	return paths, nil
}

// Local serves a schema pair already present in a directory.
type Local struct {
	dir string
}

// NewLocal returns a Local source reading from dir.
func NewLocal(dir string) *Local {
	return &Local{dir: dir}
}

// Resolve checks both files exist.
func (l *Local) Resolve(ctx context.Context) (Paths, error) {
	if err := ctx.Err(); err != nil {
		return Paths{}, fmt.Errorf("resolve schema canceled: %w", err)
	}
	if strings.TrimSpace(l.dir) == "" {
		return Paths{}, fmt.Errorf("schema directory is required")
	}
	paths := Paths{Item: filepath.Join(l.dir, ItemFile), Package: filepath.Join(l.dir, PackageFile)}
	for _, p := range []string{paths.Item, paths.Package} {
		if _, err := os.Stat(p); err != nil {
			return Paths{}, fmt.Errorf("stat schema: %w", err)
		}
	}
	return paths, nil
}
