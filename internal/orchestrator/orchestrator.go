// Package orchestrator drives a whole run: load the registry, fan records out to the pipeline,
// then write the classification snapshots.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/datagetter/internal/dataset"
	"github.com/JakeFAU/datagetter/internal/metrics"
	"github.com/JakeFAU/datagetter/internal/progress"
	"github.com/JakeFAU/datagetter/internal/registry"
	"github.com/JakeFAU/datagetter/internal/storage/local"
)

// DefaultThreads is the worker pool size when none is configured.
const DefaultThreads = 4

// Processor runs one record through the dataset pipeline.
type Processor interface {
	Process(ctx context.Context, rec dataset.Record) (dataset.Record, error)
}

// RegistryLoader fetches the remote registry.
type RegistryLoader interface {
	Load(ctx context.Context) (registry.Listing, error)
}

// Config selects records and controls the pool.
type Config struct {
	Threads           int
	Limit             int
	PublisherPrefixes []string
	// Download false reprocesses the records of the previous data_all.json.
	Download bool
	// LocalRegistry replaces the remote registry with a file.
	LocalRegistry string
	// Force removes an existing data directory before a download run.
	Force bool
	// MirrorPrefix is the object prefix snapshots are copied under when a BlobStore is set.
	MirrorPrefix string
	// NotifyTopic receives the run Summary when a Publisher is set.
	NotifyTopic string
}

// Deps are the orchestrator's collaborators. Blobs, Publisher and Progress are optional.
type Deps struct {
	DataDir   *local.DataDir
	Registry  RegistryLoader
	Processor Processor
	Blobs     dataset.BlobStore
	Publisher dataset.Publisher
	IDs       dataset.IDGenerator
	Clock     dataset.Clock
	Logger    *zap.Logger
	Progress  *progress.Tracker
}

// Summary describes a finished run.
type Summary struct {
	RunID                  string         `json:"run_id"`
	StartedAt              time.Time      `json:"started_at"`
	FinishedAt             time.Time      `json:"finished_at"`
	DurationSeconds        float64        `json:"duration_seconds"`
	Total                  int            `json:"total"`
	Valid                  int            `json:"valid"`
	AcceptableLicense      int            `json:"acceptable_license"`
	AcceptableLicenseValid int            `json:"acceptable_license_valid"`
	Outcomes               map[string]int `json:"outcomes"`
	DataDir                string         `json:"data_dir"`
	Mirrored               []string       `json:"mirrored,omitempty"`
}

// Attributes tags the run notification so subscribers can filter without decoding it.
func (s Summary) Attributes() map[string]string {
	return map[string]string{
		"run_id": s.RunID,
		"event":  "datagetter.run.completed",
	}
}

// Orchestrator runs the getter end to end.
type Orchestrator struct {
	cfg  Config
	deps Deps
}

// New validates deps and cfg.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.DataDir == nil {
		return nil, fmt.Errorf("data directory is required")
	}
	if deps.Processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if deps.IDs == nil || deps.Clock == nil {
		return nil, fmt.Errorf("id generator and clock are required")
	}
	if cfg.Download && cfg.LocalRegistry == "" && deps.Registry == nil {
		return nil, fmt.Errorf("registry loader is required")
	}
	if cfg.Threads <= 0 {
		cfg.Threads = DefaultThreads
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, deps: deps}, nil
}

// CheckSelection rejects a limit combined with a publisher allow-list.
func CheckSelection(limit int, publisherPrefixes []string) error {
	if limit > 0 && len(publisherPrefixes) > 0 {
		return fmt.Errorf("%w: limit and publisher prefixes cannot be combined", dataset.ErrConfigurationConflict)
	}
	return nil
}

// Run processes every selected record and writes the snapshots. Per-record failures never fail
// the run; configuration, registry and snapshot errors do, as does cancellation.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	summary, err := o.run(ctx)
	if err != nil {
		o.deps.Progress.Fail(err)
		return Summary{}, err
	}
	o.deps.Progress.SetState(progress.StateDone)
	return summary, nil
}

func (o *Orchestrator) run(ctx context.Context) (Summary, error) {
	if err := CheckSelection(o.cfg.Limit, o.cfg.PublisherPrefixes); err != nil {
		return Summary{}, err
	}
	runID, err := o.deps.IDs.NewID()
	if err != nil {
		return Summary{}, fmt.Errorf("generate run id: %w", err)
	}
	logger := o.deps.Logger.With(zap.String("run_id", runID))
	o.deps.Progress.Start(runID)
	started := o.deps.Clock.Now()

	if err := o.deps.DataDir.Bootstrap(!o.cfg.Download, o.cfg.Force); err != nil {
		return Summary{}, fmt.Errorf("bootstrap data directory: %w", err)
	}

	records, err := o.load(ctx, logger)
	if err != nil {
		return Summary{}, err
	}
	records = registry.Limit(records, o.cfg.Limit)
	o.deps.Progress.SetTotal(len(records))
	logger.Info("processing records", zap.Int("records", len(records)), zap.Int("threads", o.cfg.Threads))

	results, err := o.process(ctx, records)
	if err != nil {
		return Summary{}, err
	}

	o.deps.Progress.SetState(progress.StateWriting)
	sets := Classify(results)
	for _, snap := range sets.snapshots() {
		if _, err := o.deps.DataDir.WriteSnapshot(snap.name, snap.records); err != nil {
			return Summary{}, fmt.Errorf("write snapshot: %w", err)
		}
	}

	finished := o.deps.Clock.Now()
	summary := Summary{
		RunID:                  runID,
		StartedAt:              started,
		FinishedAt:             finished,
		DurationSeconds:        finished.Sub(started).Seconds(),
		Total:                  len(sets.All),
		Valid:                  len(sets.Valid),
		AcceptableLicense:      len(sets.AcceptableLicense),
		AcceptableLicenseValid: len(sets.AcceptableLicenseValid),
		Outcomes:               countOutcomes(results),
		DataDir:                o.deps.DataDir.Root(),
	}
	summary.Mirrored = o.mirror(ctx, logger, runID)
	o.notify(ctx, logger, summary)

	logger.Info("run complete",
		zap.Int("total", summary.Total),
		zap.Int("valid", summary.Valid),
		zap.Int("acceptable_license", summary.AcceptableLicense),
		zap.Int("acceptable_license_valid", summary.AcceptableLicenseValid),
		zap.Any("outcomes", summary.Outcomes),
		zap.Float64("duration_seconds", summary.DurationSeconds))
	return summary, nil
}

func (o *Orchestrator) load(ctx context.Context, logger *zap.Logger) ([]dataset.Record, error) {
	switch {
	case !o.cfg.Download:
		var records []dataset.Record
		if err := o.deps.DataDir.ReadSnapshot(SnapshotAll, &records); err != nil {
			return nil, fmt.Errorf("%w: previous run: %w", dataset.ErrRegistryUnavailable, err)
		}
		logger.Info("reprocessing previous run", zap.Int("records", len(records)))
		return records, nil
	case o.cfg.LocalRegistry != "":
		listing, err := registry.LoadFile(o.cfg.LocalRegistry)
		if err != nil {
			return nil, err
		}
		logger.Info("registry loaded", zap.String("path", o.cfg.LocalRegistry), zap.Int("records", len(listing.Records)))
		return listing.Records, nil
	default:
		listing, err := o.deps.Registry.Load(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := o.deps.DataDir.WriteRaw(SnapshotOriginal, listing.Raw); err != nil {
			return nil, fmt.Errorf("write %s: %w", SnapshotOriginal, err)
		}
		return listing.Records, nil
	}
}

// process runs the pool. Results keep submission order.
func (o *Orchestrator) process(ctx context.Context, records []dataset.Record) ([]dataset.Record, error) {
	results := make([]dataset.Record, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Threads)
	for i, rec := range records {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			metrics.IncActiveWorkers()
			defer metrics.DecActiveWorkers()
			out, err := o.deps.Processor.Process(gctx, rec)
			if err != nil {
				return err
			}
			results[i] = out
			o.deps.Progress.Record(out.Metadata.Outcome)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("process records: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("process records: %w", err)
	}
	return results, nil
}

func (o *Orchestrator) mirror(ctx context.Context, logger *zap.Logger, runID string) []string {
	if o.deps.Blobs == nil {
		return nil
	}
	names := []string{SnapshotAll, SnapshotValid, SnapshotAcceptableLicense, SnapshotAcceptableLicenseValid}
	uris := make([]string, 0, len(names))
	for _, name := range names {
		uri, err := o.mirrorOne(ctx, runID, name)
		if err != nil {
			logger.Error("snapshot mirror failed", zap.String("snapshot", name), zap.Error(err))
			continue
		}
		uris = append(uris, uri)
	}
	return uris
}

func (o *Orchestrator) mirrorOne(ctx context.Context, runID, name string) (string, error) {
	src, err := o.deps.DataDir.SnapshotPath(name)
	if err != nil {
		return "", err
	}
	f, err := os.Open(src) // #nosec G304 -- path is confined to the data directory
	if err != nil {
		return "", fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only handle
	uri, err := o.deps.Blobs.PutObject(ctx, path.Join(o.cfg.MirrorPrefix, runID, name), "application/json", f)
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return uri, nil
}

func (o *Orchestrator) notify(ctx context.Context, logger *zap.Logger, summary Summary) {
	if o.deps.Publisher == nil || o.cfg.NotifyTopic == "" {
		return
	}
	id, err := o.deps.Publisher.Publish(ctx, o.cfg.NotifyTopic, summary)
	if err != nil {
		logger.Error("run notification failed", zap.String("topic", o.cfg.NotifyTopic), zap.Error(err))
		return
	}
	logger.Info("run notification published", zap.String("topic", o.cfg.NotifyTopic), zap.String("message_id", id))
}

func countOutcomes(records []dataset.Record) map[string]int {
	counts := make(map[string]int)
	for _, rec := range records {
		outcome := string(rec.Metadata.Outcome)
		if outcome == "" {
			outcome = "unknown"
		}
		counts[outcome]++
	}
	return counts
}

// IsFatal reports whether err from Run is one of the run-level failures.
func IsFatal(err error) bool {
	return errors.Is(err, dataset.ErrConfigurationConflict) || errors.Is(err, dataset.ErrRegistryUnavailable)
}
