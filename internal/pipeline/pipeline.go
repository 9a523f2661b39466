// Package pipeline runs a single registry record through licence check, download, format
// resolution, conversion, validation and classification.
//
// Every stage returns a stageResult. A result with an outcome ends the record; per-record
// failures become metadata on the returned record and never an error. The only error Process
// returns is context cancellation, which aborts the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"go.uber.org/zap"

	"github.com/JakeFAU/datagetter/internal/convert"
	"github.com/JakeFAU/datagetter/internal/dataset"
	"github.com/JakeFAU/datagetter/internal/format"
	"github.com/JakeFAU/datagetter/internal/metrics"
	"github.com/JakeFAU/datagetter/internal/schema"
	"github.com/JakeFAU/datagetter/internal/storage/local"
	"github.com/JakeFAU/datagetter/internal/validate"
)

// DefaultLargeFileThreshold is the size at which conversion is skipped unless big files are
// allowed. The threshold is inclusive.
const DefaultLargeFileThreshold int64 = 10 * 1024 * 1024

// Messages recorded in metadata.error.
const (
	ErrMsgInvalidJSON     = "Invalid JSON file provided by webserver"
	ErrMsgConvertFailed   = "Could not unflatten file"
	ErrMsgNotConformant   = "File does not conform to the 360Giving standard"
	errMsgLicensePrefix   = "Unrecognised license "
	errMsgMissingDownload = "not marked as successfully downloaded"
)

// Converter produces the canonical JSON artifact for a spreadsheet.
type Converter interface {
	Convert(ctx context.Context, req convert.Request) error
}

// Validator checks a canonical artifact against the package schema.
type Validator interface {
	Validate(ctx context.Context, docPath, schemaPath string) (validate.Result, error)
}

// Cache reuses conversions of identical inputs. Its errors are never record failures.
type Cache interface {
	HashFile(path string) (string, error)
	Lookup(ctx context.Context, digest string) (string, bool, error)
	Store(ctx context.Context, artifactPath, digest, owner string) error
}

// Options toggles stages and selection.
type Options struct {
	// Download fetches each record. When false, the previous run's originals are reprocessed.
	Download bool
	Convert  bool
	Validate bool
	// ConvertBigFiles lifts the large-file threshold.
	ConvertBigFiles    bool
	LargeFileThreshold int64
	// PublisherPrefixes, when set, restricts processing to these publishers.
	PublisherPrefixes []string
}

// DefaultOptions enables every stage.
func DefaultOptions() Options {
	return Options{
		Download:           true,
		Convert:            true,
		Validate:           true,
		LargeFileThreshold: DefaultLargeFileThreshold,
	}
}

// Deps are the collaborators a Pipeline needs.
type Deps struct {
	Fetcher   dataset.Fetcher
	Converter Converter
	Validator Validator
	Cache     Cache
	DataDir   *local.DataDir
	Schema    schema.Paths
	Clock     dataset.Clock
	Logger    *zap.Logger
}

// Pipeline processes records. Safe for concurrent use; records share nothing but the cache.
type Pipeline struct {
	deps   Deps
	opts   Options
	stages []stage
}

type stage struct {
	name string
	run  func(ctx context.Context, r *recordRun) stageResult
}

// stageResult is what a stage hands back. A zero value means carry on.
type stageResult struct {
	outcome dataset.Outcome
	reason  string
	// err aborts the run and is only ever a context error.
	err error
}

func proceed() stageResult {
	return stageResult{}
}

func stop(outcome dataset.Outcome, reason string) stageResult {
	return stageResult{outcome: outcome, reason: reason}
}

func abort(err error) stageResult {
	return stageResult{err: err}
}

// unexpected classifies err as a run abort when the context is done and as a failed record
// otherwise.
func unexpected(ctx context.Context, err error) stageResult {
	if ctx.Err() != nil {
		return abort(ctx.Err())
	}
	return stop(dataset.OutcomeFailed, err.Error())
}

// recordRun is the mutable state of one record moving through the stages.
type recordRun struct {
	rec          dataset.Record
	meta         dataset.Metadata
	originalPath string
	kind         dataset.FileType
	artifactPath string
}

func (r *recordRun) record() dataset.Record {
	return r.rec.WithMetadata(r.meta)
}

// New validates deps and builds a Pipeline.
func New(deps Deps, opts Options) (*Pipeline, error) {
	if deps.DataDir == nil {
		return nil, fmt.Errorf("data directory is required")
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if opts.Download && deps.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required when downloading")
	}
	if opts.Convert && deps.Converter == nil {
		return nil, fmt.Errorf("converter is required when converting")
	}
	if opts.Validate && deps.Validator == nil {
		return nil, fmt.Errorf("validator is required when validating")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.LargeFileThreshold <= 0 {
		opts.LargeFileThreshold = DefaultLargeFileThreshold
	}
	p := &Pipeline{deps: deps, opts: opts}
	p.stages = []stage{
		{"license", p.checkLicense},
		{"acquire", p.acquire},
		{"measure", p.measure},
		{"normalize", p.normalize},
		{"validate", p.validate},
		{"classify", p.classify},
	}
	return p, nil
}

// Process runs rec through every stage and returns it with datagetter_metadata attached.
func (p *Pipeline) Process(ctx context.Context, rec dataset.Record) (out dataset.Record, err error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return rec, fmt.Errorf("process %s: %w", rec.Identifier, ctxErr)
	}

	if !p.publisherSelected(rec) {
		// Pass through untouched apart from the marker.
		r := &recordRun{rec: rec, meta: dataset.Metadata{Downloaded: false}}
		p.finish(r, stop(dataset.OutcomeSkipped, "publisher not selected"))
		return r.record(), nil
	}

	r := &recordRun{rec: rec, meta: p.initialMetadata(rec)}
	defer func() {
		if v := recover(); v != nil {
			p.deps.Logger.Error("pipeline panic",
				zap.String("identifier", rec.Identifier), zap.Any("panic", v), zap.Stack("stack"))
			p.finish(r, stop(dataset.OutcomeFailed, fmt.Sprintf("unexpected error: %v", v)))
			out, err = r.record(), nil
		}
	}()

	for _, s := range p.stages {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return rec, fmt.Errorf("process %s: %w", rec.Identifier, ctxErr)
		}
		res := s.run(ctx, r)
		if res.err != nil {
			return rec, fmt.Errorf("process %s at %s: %w", rec.Identifier, s.name, res.err)
		}
		if res.outcome != "" {
			p.finish(r, res)
			return r.record(), nil
		}
	}
	// classify always ends the record; reaching here means the stage list changed.
	p.finish(r, stop(dataset.OutcomeClassified, ""))
	return r.record(), nil
}

func (p *Pipeline) publisherSelected(rec dataset.Record) bool {
	if len(p.opts.PublisherPrefixes) == 0 {
		return true
	}
	return slices.Contains(p.opts.PublisherPrefixes, rec.PublisherPrefix)
}

// initialMetadata starts from scratch when downloading. Convert-only runs keep what the
// download recorded and reset everything derived from it.
func (p *Pipeline) initialMetadata(rec dataset.Record) dataset.Metadata {
	if p.opts.Download {
		return dataset.Metadata{}
	}
	prev := rec.Metadata
	return dataset.Metadata{
		Downloaded:   prev.Downloaded,
		DownloadedAt: prev.DownloadedAt,
		FileType:     prev.FileType,
		FileSize:     prev.FileSize,
	}
}

func (p *Pipeline) finish(r *recordRun, res stageResult) {
	r.meta.Outcome = res.outcome
	logger := p.deps.Logger.With(
		zap.String("identifier", r.rec.Identifier),
		zap.String("outcome", string(res.outcome)),
	)
	switch res.outcome {
	case dataset.OutcomeClassified:
		logger.Info("dataset processed",
			zap.Bool("valid", r.meta.IsValid()),
			zap.Bool("acceptable_license", r.meta.AcceptableLicense),
			zap.String("reason", res.reason))
	case dataset.OutcomeSkipped:
		logger.Info("dataset skipped", zap.String("reason", res.reason))
	case dataset.OutcomeFailed:
		r.meta.SetValid(false)
		r.meta.Downloaded = false
		r.meta.ClearConverted()
		r.meta.Error = res.reason
		logger.Error("dataset failed", zap.String("reason", res.reason))
	default:
		logger.Warn("dataset failed", zap.String("reason", res.reason))
	}
	metrics.ObserveDataset(string(res.outcome))
}

func (p *Pipeline) checkLicense(_ context.Context, r *recordRun) stageResult {
	if r.rec.Identifier == "" {
		return stop(dataset.OutcomeFailed, "record has no identifier")
	}
	if !dataset.LicenseKnown(r.rec.License) {
		msg := errMsgLicensePrefix + r.rec.License
		r.meta.Error = msg
		r.meta.SetValid(false)
		r.meta.Downloaded = false
		return stop(dataset.OutcomeRejectedLicense, fmt.Errorf("%w: %s", dataset.ErrLicenseRejected, msg).Error())
	}
	r.meta.AcceptableLicense = dataset.LicenseAcceptable(r.rec.License)
	return proceed()
}

func (p *Pipeline) acquire(ctx context.Context, r *recordRun) stageResult {
	if !p.opts.Download {
		return p.reuseDownload(r)
	}

	now := p.deps.Clock.Now()
	r.meta.DownloadedAt = &now
	resp, err := p.deps.Fetcher.Fetch(ctx, dataset.FetchRequest{URL: r.rec.DownloadURL})
	if err != nil {
		if ctx.Err() != nil {
			return abort(ctx.Err())
		}
		r.meta.Downloaded = false
		r.meta.Error = err.Error()
		return stop(dataset.OutcomeDownloadFailed, fmt.Errorf("%w: %w", dataset.ErrDownloadFailed, err).Error())
	}
	r.meta.Downloaded = true

	kind, err := format.Resolve(resp.Headers, r.rec.DownloadURL)
	if err != nil {
		r.meta.Error = err.Error()
		return stop(dataset.OutcomeUnrecognizedType, err.Error())
	}
	if err := format.CheckPayload(kind, resp.Body); err != nil {
		r.meta.Downloaded = false
		r.meta.Error = ErrMsgInvalidJSON
		return stop(dataset.OutcomeDownloadFailed, err.Error())
	}
	r.meta.FileType = kind
	r.kind = kind

	path, err := p.deps.DataDir.WriteOriginal(r.rec.Identifier, kind, resp.Body)
	if err != nil {
		return unexpected(ctx, fmt.Errorf("store original: %w", err))
	}
	r.originalPath = path
	return proceed()
}

func (p *Pipeline) reuseDownload(r *recordRun) stageResult {
	if !r.meta.Downloaded {
		return stop(dataset.OutcomeSkipped, errMsgMissingDownload)
	}
	kind, ok := dataset.ParseFileType(string(r.meta.FileType))
	if !ok {
		return stop(dataset.OutcomeSkipped, fmt.Sprintf("previous file type %q unusable", r.meta.FileType))
	}
	path, err := p.deps.DataDir.OriginalPath(r.rec.Identifier, kind)
	if err != nil {
		return stop(dataset.OutcomeFailed, err.Error())
	}
	r.kind = kind
	r.originalPath = path
	return proceed()
}

func (p *Pipeline) measure(_ context.Context, r *recordRun) stageResult {
	info, err := os.Stat(r.originalPath)
	if err != nil {
		return stop(dataset.OutcomeFailed, fmt.Sprintf("stat original: %v", err))
	}
	r.meta.FileSize = info.Size()
	return proceed()
}

func (p *Pipeline) normalize(ctx context.Context, r *recordRun) stageResult {
	if err := p.deps.DataDir.RemoveArtifacts(r.rec.Identifier); err != nil {
		return unexpected(ctx, err)
	}
	if !p.opts.Convert {
		return stop(dataset.OutcomeClassified, "conversion disabled")
	}
	if !p.opts.ConvertBigFiles && r.meta.FileSize >= p.opts.LargeFileThreshold {
		return stop(dataset.OutcomeClassified, "large file not converted")
	}

	if r.kind == dataset.FileTypeJSON {
		path, err := p.deps.DataDir.Link(r.originalPath, local.PartitionAll, r.rec.Identifier)
		if err != nil {
			return unexpected(ctx, err)
		}
		r.artifactPath = path
		r.meta.SetConverted(path)
		return proceed()
	}

	target, err := p.deps.DataDir.PartitionPath(local.PartitionAll, r.rec.Identifier)
	if err != nil {
		return unexpected(ctx, err)
	}
	digest, hit := p.fromCache(ctx, r, target)
	if !hit {
		if err := p.deps.Converter.Convert(ctx, convert.Request{
			InputPath:         r.originalPath,
			OutputPath:        target,
			Kind:              r.kind,
			SchemaPath:        p.deps.Schema.Item,
			PackageSchemaPath: p.deps.Schema.Package,
		}); err != nil {
			if ctx.Err() != nil {
				return abort(ctx.Err())
			}
			r.meta.ClearConverted()
			r.meta.SetValid(false)
			r.meta.Error = ErrMsgConvertFailed
			return stop(dataset.OutcomeConversionFailed, err.Error())
		}
		p.toCache(ctx, r, target, digest)
	}
	r.artifactPath = target
	r.meta.SetConverted(target)
	return proceed()
}

// fromCache copies a previous conversion of the same bytes to target. The digest is returned
// for the later store; it is empty when hashing failed.
func (p *Pipeline) fromCache(ctx context.Context, r *recordRun, target string) (string, bool) {
	if p.deps.Cache == nil {
		return "", false
	}
	logger := p.deps.Logger.With(zap.String("identifier", r.rec.Identifier))
	digest, err := p.deps.Cache.HashFile(r.originalPath)
	if err != nil {
		logger.Warn("continuing without cache", zap.Error(err))
		return "", false
	}
	cached, ok, err := p.deps.Cache.Lookup(ctx, digest)
	if err != nil {
		logger.Warn("continuing without cache", zap.Error(err))
		return digest, false
	}
	if !ok {
		return digest, false
	}
	if err := local.CopyFileAtomic(cached, target); err != nil {
		logger.Warn("cached artifact unusable", zap.String("artifact", cached), zap.Error(err))
		return digest, false
	}
	logger.Debug("cache hit", zap.String("hash", digest))
	return digest, true
}

func (p *Pipeline) toCache(ctx context.Context, r *recordRun, artifact, digest string) {
	if p.deps.Cache == nil || digest == "" {
		return
	}
	owner := r.rec.Identifier + "." + string(r.kind)
	if err := p.deps.Cache.Store(ctx, artifact, digest, owner); err != nil {
		p.deps.Logger.Warn("continuing without cache",
			zap.String("identifier", r.rec.Identifier), zap.Error(err))
	}
}

func (p *Pipeline) validate(ctx context.Context, r *recordRun) stageResult {
	if !p.opts.Validate {
		return proceed()
	}
	res, err := p.deps.Validator.Validate(ctx, r.artifactPath, p.deps.Schema.Package)
	if err != nil {
		return unexpected(ctx, fmt.Errorf("validate: %w", err))
	}
	if !res.Valid() {
		r.meta.ClearConverted()
		r.meta.SetValid(false)
		r.meta.Error = ErrMsgNotConformant
		r.meta.ValidationErrors = res.Errors
		r.meta.ValidationErrorCount = res.Count
		return stop(dataset.OutcomeConvertedInvalid,
			fmt.Errorf("%w: %d errors", dataset.ErrValidationFailed, res.Count).Error())
	}
	r.meta.SetValid(true)
	return proceed()
}

type partitionLink struct {
	partition local.Partition
	tag       dataset.Tag
}

// classify links the artifact into the partitions its flags earn and tags the record.
// Records without an artifact end here untagged.
func (p *Pipeline) classify(ctx context.Context, r *recordRun) stageResult {
	artifact, ok := r.meta.Converted()
	if !ok {
		return stop(dataset.OutcomeClassified, "no converted artifact")
	}

	var links []partitionLink
	if r.meta.IsValid() {
		links = append(links, partitionLink{local.PartitionValid, dataset.TagValid})
		if r.meta.AcceptableLicense {
			links = append(links, partitionLink{local.PartitionAcceptableLicenseValid, dataset.TagAcceptableLicenseValid})
		}
	}
	if r.meta.AcceptableLicense {
		links = append(links, partitionLink{local.PartitionAcceptableLicense, dataset.TagAcceptableLicense})
	}

	tags := make([]dataset.Tag, 0, len(links))
	for _, l := range links {
		if _, err := p.deps.DataDir.Link(artifact, l.partition, r.rec.Identifier); err != nil {
			return unexpected(ctx, err)
		}
		tags = append(tags, l.tag)
	}
	r.meta.Tags = tags
	return stop(dataset.OutcomeClassified, "")
}

// IsCancellation reports whether err from Process aborted the run.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
