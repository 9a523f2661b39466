// Package app builds the long-lived services of a getter run from configuration and owns their
// shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/datagetter/internal/api"
	"github.com/JakeFAU/datagetter/internal/cache"
	"github.com/JakeFAU/datagetter/internal/cache/fileindex"
	"github.com/JakeFAU/datagetter/internal/clock/system"
	"github.com/JakeFAU/datagetter/internal/config"
	"github.com/JakeFAU/datagetter/internal/convert"
	"github.com/JakeFAU/datagetter/internal/convert/flattentool"
	"github.com/JakeFAU/datagetter/internal/dataset"
	collyfetcher "github.com/JakeFAU/datagetter/internal/fetcher/colly"
	"github.com/JakeFAU/datagetter/internal/id/uuid"
	"github.com/JakeFAU/datagetter/internal/metrics"
	"github.com/JakeFAU/datagetter/internal/orchestrator"
	"github.com/JakeFAU/datagetter/internal/pipeline"
	"github.com/JakeFAU/datagetter/internal/policy/ratelimit"
	"github.com/JakeFAU/datagetter/internal/progress"
	"github.com/JakeFAU/datagetter/internal/publisher/pubsub"
	"github.com/JakeFAU/datagetter/internal/registry"
	"github.com/JakeFAU/datagetter/internal/retry"
	"github.com/JakeFAU/datagetter/internal/schema"
	"github.com/JakeFAU/datagetter/internal/storage/gcs"
	"github.com/JakeFAU/datagetter/internal/storage/local"
	"github.com/JakeFAU/datagetter/internal/storage/postgres"
	"github.com/JakeFAU/datagetter/internal/validate"
)

// App holds the services of one process.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	tracker   *progress.Tracker
	fetcher   dataset.Fetcher
	converter *convert.Adapter
	validator *validate.Validator
	schema    schema.Source
	cache     *cache.Cache
	blobs     *gcs.BlobStore
	publisher *pubsub.Publisher

	closers []func() error
}

// Option customizes New.
type Option func(*App)

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f dataset.Fetcher) Option {
	return func(a *App) { a.fetcher = f }
}

// WithUnflattener replaces the external unflattening tool.
func WithUnflattener(u convert.Unflattener) Option {
	return func(a *App) { a.converter = convert.New(u, a.logger.Named("convert"), convert.WithTempDir(a.cfg.Convert.TempDir)) }
}

// New wires every service cfg enables. Cache backends degrade to a disabled cache on failure;
// mirror and notification backends fail fast.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{
		cfg:       cfg,
		logger:    logger,
		tracker:   progress.NewTracker(system.New()),
		validator: validate.New(cfg.Validation.MaxDetails),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.fetcher == nil {
		a.fetcher = newFetcher(cfg, logger.Named("fetcher"))
	}
	if a.converter == nil {
		a.converter = convert.New(flattentool.New(cfg.Convert.FlattenToolPath), logger.Named("convert"),
			convert.WithTempDir(cfg.Convert.TempDir))
	}
	if cfg.Schema.Dir != "" {
		a.schema = schema.NewLocal(cfg.Schema.Dir)
	} else {
		a.schema = schema.NewRemote(a.fetcher, schema.RemoteConfig{
			Revision:    cfg.Schema.Branch,
			URLTemplate: cfg.Schema.URLTemplate,
		}, logger.Named("schema"))
	}

	a.cache = a.openCache(ctx)

	if cfg.Storage.GCSBucket != "" {
		blobs, err := gcs.Dial(ctx, gcs.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init snapshot mirror: %w", err)
		}
		a.blobs = blobs
		a.closers = append(a.closers, blobs.Close)
		logger.Info("mirroring snapshots to GCS", zap.String("bucket", cfg.Storage.GCSBucket))
	}
	if cfg.PubSub.TopicName != "" {
		pub, err := pubsub.Dial(ctx, cfg.PubSub.ProjectID, logger.Named("pubsub"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init run notifications: %w", err)
		}
		a.publisher = pub
		a.closers = append(a.closers, pub.Close)
		logger.Info("publishing run notifications", zap.String("topic", cfg.PubSub.TopicName))
	}
	return a, nil
}

func newFetcher(cfg config.Config, logger *zap.Logger) *collyfetcher.Fetcher {
	limiter := ratelimit.New(ratelimit.Config{
		PerHostRPS: cfg.HTTP.RateLimitPerHost,
		Burst:      cfg.HTTP.RateLimitBurst,
	})
	return collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   cfg.RequestTimeout(),
		Retry: retry.Config{
			MaxAttempts:  cfg.HTTP.MaxRetries,
			InitialDelay: time.Duration(cfg.HTTP.BackoffInitialMs) * time.Millisecond,
			MaxDelay:     time.Duration(cfg.HTTP.BackoffMaxMs) * time.Millisecond,
			Multiplier:   2,
			AddJitter:    true,
		},
		RetryStatuses: collyfetcher.DefaultRetryStatuses,
	}, limiter, logger)
}

func (a *App) openCache(ctx context.Context) *cache.Cache {
	if !a.cfg.Cache.Enabled {
		a.logger.Info("conversion cache disabled")
		return cache.Disabled()
	}
	var (
		index cache.Index
		err   error
	)
	switch a.cfg.Cache.Backend {
	case config.CacheBackendPostgres:
		index, err = postgres.NewCacheIndex(ctx, postgres.CacheIndexConfig{
			DSN:      a.cfg.DB.DSN,
			Table:    a.cfg.Cache.Table,
			MaxConns: a.cfg.DB.MaxConns,
		})
	default:
		index, err = fileindex.Open(a.cfg.Cache.IndexPath, a.logger.Named("cache"))
	}
	if err != nil {
		a.logger.Warn("conversion cache unavailable, continuing without it",
			zap.String("backend", a.cfg.Cache.Backend), zap.Error(err))
		return cache.Disabled()
	}
	c, err := cache.New(a.cfg.Cache.Dir, index, a.logger.Named("cache"))
	if err != nil {
		_ = index.Close()
		a.logger.Warn("conversion cache unavailable, continuing without it", zap.Error(err))
		return cache.Disabled()
	}
	a.closers = append(a.closers, c.Close)
	return c
}

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Tracker returns the run progress tracker.
func (a *App) Tracker() *progress.Tracker {
	return a.tracker
}

// Run performs one getter run. When metrics.listen_addr is set the status server runs
// alongside it and stops with it.
func (a *App) Run(ctx context.Context) (orchestrator.Summary, error) {
	if err := orchestrator.CheckSelection(a.cfg.Run.LimitDownloads, a.cfg.Run.PublisherPrefixes); err != nil {
		return orchestrator.Summary{}, err
	}
	if a.cfg.Metrics.ListenAddr != "" {
		serveCtx, stop := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			srv := api.NewServer(a.tracker, a.logger.Named("api"))
			if err := srv.Serve(serveCtx, a.cfg.Metrics.ListenAddr); err != nil {
				a.logger.Error("status server failed", zap.Error(err))
			}
		}()
		defer func() {
			stop()
			<-done
		}()
	}

	orch, err := a.buildOrchestrator(ctx)
	if err != nil {
		a.tracker.Fail(err)
		return orchestrator.Summary{}, err
	}
	return orch.Run(ctx)
}

func (a *App) buildOrchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	cfg := a.cfg
	dataDir, err := local.New(local.Config{BaseDir: cfg.Run.DataDir})
	if err != nil {
		return nil, fmt.Errorf("init data directory: %w", err)
	}

	var paths schema.Paths
	if cfg.Run.Convert || cfg.Run.Validate {
		paths, err = a.schema.Resolve(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve schema: %w", err)
		}
	}

	opts := pipeline.DefaultOptions()
	opts.Download = cfg.Run.Download
	opts.Convert = cfg.Run.Convert
	opts.Validate = cfg.Run.Validate
	opts.ConvertBigFiles = cfg.Run.ConvertBigFiles
	opts.LargeFileThreshold = cfg.Run.LargeFileBytes
	opts.PublisherPrefixes = cfg.Run.PublisherPrefixes

	pipe, err := pipeline.New(pipeline.Deps{
		Fetcher:   a.fetcher,
		Converter: a.converter,
		Validator: a.validator,
		Cache:     a.cache,
		DataDir:   dataDir,
		Schema:    paths,
		Clock:     system.New(),
		Logger:    a.logger.Named("pipeline"),
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("init pipeline: %w", err)
	}

	deps := orchestrator.Deps{
		DataDir:   dataDir,
		Processor: pipe,
		IDs:       uuid.New(),
		Clock:     system.New(),
		Logger:    a.logger.Named("orchestrator"),
		Progress:  a.tracker,
	}
	if cfg.Run.Download && cfg.Run.LocalRegistry == "" {
		deps.Registry = registry.NewRemote(a.fetcher, registry.RemoteConfig{
			URL:      cfg.Registry.URL,
			Attempts: cfg.Registry.Attempts,
			Delay:    cfg.RegistryRetryDelay(),
		}, a.logger.Named("registry"))
	}
	if a.blobs != nil {
		deps.Blobs = a.blobs
	}
	if a.publisher != nil {
		deps.Publisher = a.publisher
	}
	return orchestrator.New(deps, orchestrator.Config{
		Threads:           cfg.Run.Threads,
		Limit:             cfg.Run.LimitDownloads,
		PublisherPrefixes: cfg.Run.PublisherPrefixes,
		Download:          cfg.Run.Download,
		LocalRegistry:     cfg.Run.LocalRegistry,
		Force:             cfg.Run.Force,
		MirrorPrefix:      cfg.Storage.Prefix,
		NotifyTopic:       cfg.PubSub.TopicName,
	})
}

// ValidateFile converts a local spreadsheet (or reads a JSON package) and validates it against
// the package schema.
func (a *App) ValidateFile(ctx context.Context, path string) (validate.Result, error) {
	kind, ok := dataset.ParseFileType(strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."))
	if !ok {
		return validate.Result{}, fmt.Errorf("%w: %s", dataset.ErrUnrecognizedFileType, filepath.Base(path))
	}
	if _, err := os.Stat(path); err != nil {
		return validate.Result{}, fmt.Errorf("stat input: %w", err)
	}
	paths, err := a.schema.Resolve(ctx)
	if err != nil {
		return validate.Result{}, fmt.Errorf("resolve schema: %w", err)
	}

	doc := path
	if kind != dataset.FileTypeJSON {
		tmp, err := os.MkdirTemp(a.cfg.Convert.TempDir, "validate-*")
		if err != nil {
			return validate.Result{}, fmt.Errorf("create temp dir: %w", err)
		}
		defer os.RemoveAll(tmp) //nolint:errcheck // scratch space
		doc = filepath.Join(tmp, "converted.json")
		err = a.converter.Convert(ctx, convert.Request{
			InputPath:         path,
			OutputPath:        doc,
			Kind:              kind,
			SchemaPath:        paths.Item,
			PackageSchemaPath: paths.Package,
		})
		if err != nil {
			return validate.Result{}, err
		}
	}
	res, err := a.validator.Validate(ctx, doc, paths.Package)
	if err != nil {
		return validate.Result{}, fmt.Errorf("validate %s: %w", filepath.Base(path), err)
	}
	return res, nil
}

// Close shuts down every service in reverse order of creation and flushes the logger.
func (a *App) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error closing services", zap.Error(err))
	}
	// Sync fails on some terminals; nothing useful can be done about it.
	_ = a.logger.Sync()
}
