// Package local manages the on-disk data directory a run writes into.
package local

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/datagetter/internal/dataset"
)

// Partition is a subdirectory of the data directory.
type Partition string

// Data directory partitions.
const (
	PartitionOriginal               Partition = "original"
	PartitionAll                    Partition = "json_all"
	PartitionValid                  Partition = "json_valid"
	PartitionAcceptableLicense      Partition = "json_acceptable_license"
	PartitionAcceptableLicenseValid Partition = "json_acceptable_license_valid"
)

// Partitions lists every subdirectory created by Bootstrap.
var Partitions = []Partition{
	PartitionOriginal,
	PartitionAll,
	PartitionValid,
	PartitionAcceptableLicense,
	PartitionAcceptableLicenseValid,
}

// ErrDataDirExists is returned when a fresh run would overwrite a previous one.
var ErrDataDirExists = errors.New("data directory already exists")

// Config captures the parameters for the data directory.
type Config struct {
	// BaseDir is the root directory of the run's output.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// DataDir lays out originals, converted artifacts, partition links and snapshots.
type DataDir struct {
	baseDir string
}

// New validates cfg. Nothing is created until Bootstrap.
func New(cfg Config) (*DataDir, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	return &DataDir{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// Root returns the base directory.
func (d *DataDir) Root() string {
	return d.baseDir
}

// Bootstrap creates the base directory and every partition. With reuse an existing directory is
// kept as is; otherwise an existing directory is an error unless force, which removes it first.
func (d *DataDir) Bootstrap(reuse, force bool) error {
	info, err := os.Stat(d.baseDir)
	switch {
	case err == nil && !info.IsDir():
		return fmt.Errorf("base directory path is not a directory")
	case err == nil && !reuse:
		if !force {
			return fmt.Errorf("%w: %s", ErrDataDirExists, d.baseDir)
		}
		if rmErr := os.RemoveAll(d.baseDir); rmErr != nil {
			return fmt.Errorf("remove existing data directory: %w", rmErr)
		}
	case err != nil && !os.IsNotExist(err):
		return fmt.Errorf("failed to stat base directory: %w", err)
	}

	for _, p := range Partitions {
		if mkErr := os.MkdirAll(filepath.Join(d.baseDir, string(p)), 0o750); mkErr != nil {
			return fmt.Errorf("create %s: %w", p, mkErr)
		}
	}

	testFile := filepath.Join(d.baseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return fmt.Errorf("failed to clean up test file: %w", err)
	}
	return nil
}

// OriginalPath is where the downloaded payload for identifier lives.
func (d *DataDir) OriginalPath(identifier string, kind dataset.FileType) (string, error) {
	if strings.TrimSpace(identifier) == "" {
		return "", fmt.Errorf("identifier is required")
	}
	return d.join(string(PartitionOriginal), identifier+"."+string(kind))
}

// PartitionPath is the JSON artifact path for identifier inside p.
func (d *DataDir) PartitionPath(p Partition, identifier string) (string, error) {
	if strings.TrimSpace(identifier) == "" {
		return "", fmt.Errorf("identifier is required")
	}
	return d.join(string(p), identifier+".json")
}

// SnapshotPath is the path of a top-level snapshot file.
func (d *DataDir) SnapshotPath(name string) (string, error) {
	return d.join(name)
}

// WriteOriginal stores a downloaded payload and returns its path.
func (d *DataDir) WriteOriginal(identifier string, kind dataset.FileType, data []byte) (string, error) {
	path, err := d.OriginalPath(identifier, kind)
	if err != nil {
		return "", err
	}
	if err := WriteFileAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// Link hard-links src into partition p as <identifier>.json, replacing any previous link.
func (d *DataDir) Link(src string, p Partition, identifier string) (string, error) {
	dst, err := d.PartitionPath(p, identifier)
	if err != nil {
		return "", err
	}
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("replace %s: %w", dst, err)
	}
	if err := os.Link(src, dst); err != nil {
		return "", fmt.Errorf("link %s: %w", dst, err)
	}
	return dst, nil
}

// RemoveArtifacts deletes identifier's converted artifact and partition links so a reprocessed
// record cannot inherit a previous classification.
func (d *DataDir) RemoveArtifacts(identifier string) error {
	for _, p := range Partitions[1:] {
		path, err := d.PartitionPath(p, identifier)
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}
	return nil
}

// WriteSnapshot writes v as 4-space indented JSON under name, atomically.
func (d *DataDir) WriteSnapshot(name string, v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("encode %s: %w", name, err)
	}
	return d.WriteRaw(name, buf.Bytes())
}

// WriteRaw writes data under name, atomically.
func (d *DataDir) WriteRaw(name string, data []byte) (string, error) {
	path, err := d.SnapshotPath(name)
	if err != nil {
		return "", err
	}
	if err := WriteFileAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// ReadSnapshot decodes the snapshot called name into v.
func (d *DataDir) ReadSnapshot(name string, v any) error {
	path, err := d.SnapshotPath(name)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path is confined to the data directory
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func (d *DataDir) join(parts ...string) (string, error) {
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return "", fmt.Errorf("path is required")
		}
	}
	fullPath := filepath.Join(append([]string{d.baseDir}, parts...)...)
	rel, err := filepath.Rel(d.baseDir, fullPath)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}

// WriteFileAtomic writes data to a temp file beside path and renames it into place, so readers
// never see a partial file.
func WriteFileAtomic(path string, data []byte) error {
	return writeAtomic(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// CopyFileAtomic copies src to dst through a temp file and rename.
func CopyFileAtomic(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 -- callers pass paths they manage
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close() //nolint:errcheck // read-only handle
	return writeAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}

func writeAtomic(path string, fill func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create parent directories: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if err := fill(tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
