// Package convert turns spreadsheet downloads into the JSON package form by delegating to an
// external unflattening tool.
package convert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/datagetter/internal/dataset"
	"github.com/JakeFAU/datagetter/internal/storage/local"
)

// Request describes one conversion.
type Request struct {
	InputPath         string
	OutputPath        string
	Kind              dataset.FileType
	SchemaPath        string
	PackageSchemaPath string
}

// UnflattenRequest is what the unflattening tool receives. For csv, Input is a directory holding
// a single grants.csv sheet.
type UnflattenRequest struct {
	Input         string
	Output        string
	Format        dataset.FileType
	Schema        string
	PackageSchema string
	Encoding      string
}

// Unflattener converts a spreadsheet into a JSON package.
type Unflattener interface {
	Unflatten(ctx context.Context, req UnflattenRequest) error
}

// Adapter prepares inputs for an Unflattener and normalises its failures.
type Adapter struct {
	unflattener Unflattener
	tempDir     string
	logger      *zap.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTempDir sets where csv inputs are staged. Defaults to os.TempDir.
func WithTempDir(dir string) Option {
	return func(a *Adapter) {
		a.tempDir = dir
	}
}

// New builds an Adapter around u.
func New(u Unflattener, logger *zap.Logger, opts ...Option) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{unflattener: u, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Convert writes the JSON package for req.InputPath to req.OutputPath. Every failure wraps
// dataset.ErrConversionFailed.
func (a *Adapter) Convert(ctx context.Context, req Request) error {
	if req.Kind == dataset.FileTypeJSON {
		return fmt.Errorf("%w: json input needs no conversion", dataset.ErrConversionFailed)
	}
	if _, ok := dataset.ParseFileType(string(req.Kind)); !ok {
		return fmt.Errorf("%w: unsupported input format %q", dataset.ErrConversionFailed, req.Kind)
	}

	unflatten := UnflattenRequest{
		Input:         req.InputPath,
		Output:        req.OutputPath,
		Format:        req.Kind,
		Schema:        req.SchemaPath,
		PackageSchema: req.PackageSchemaPath,
		Encoding:      EncodingUTF8Sig,
	}

	if req.Kind == dataset.FileTypeCSV {
		stageDir, encoding, err := a.stageCSV(req.InputPath)
		if err != nil {
			return fmt.Errorf("%w: %w", dataset.ErrConversionFailed, err)
		}
		defer func() {
			if rmErr := os.RemoveAll(stageDir); rmErr != nil {
				a.logger.Warn("failed to remove csv staging dir", zap.String("dir", stageDir), zap.Error(rmErr))
			}
		}()
		unflatten.Input = stageDir
		unflatten.Encoding = encoding
	}

	a.logger.Debug("unflattening",
		zap.String("input", req.InputPath),
		zap.String("output", req.OutputPath),
		zap.String("encoding", unflatten.Encoding))
	if err := a.unflattener.Unflatten(ctx, unflatten); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("unflatten canceled: %w", ctx.Err())
		}
		return fmt.Errorf("%w: %w", dataset.ErrConversionFailed, err)
	}
	if _, err := os.Stat(req.OutputPath); err != nil {
		return fmt.Errorf("%w: no output written: %w", dataset.ErrConversionFailed, err)
	}
	return nil
}

func (a *Adapter) stageCSV(input string) (string, string, error) {
	data, err := os.ReadFile(input) // #nosec G304 -- path comes from the data directory layout
	if err != nil {
		return "", "", fmt.Errorf("read csv: %w", err)
	}
	dir, err := os.MkdirTemp(a.tempDir, "datagetter-csv-*")
	if err != nil {
		return "", "", fmt.Errorf("create csv staging dir: %w", err)
	}
	if err := local.WriteFileAtomic(filepath.Join(dir, "grants.csv"), data); err != nil {
		_ = os.RemoveAll(dir)
		return "", "", fmt.Errorf("stage csv: %w", err)
	}
	return dir, DetectEncoding(data), nil
}
