// Package registry loads the list of dataset descriptors a run processes.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/datagetter/internal/dataset"
	"github.com/JakeFAU/datagetter/internal/retry"
)

// DefaultURL is the public 360Giving registry listing.
const DefaultURL = "https://registry.threesixtygiving.org/data.json"

// Defaults for the remote retry loop.
const (
	DefaultAttempts = 5
	DefaultDelay    = time.Second
)

var errEmpty = errors.New("registry listing is empty")

// Listing is a decoded registry with the bytes it came from.
type Listing struct {
	Records []dataset.Record
	Raw     []byte
}

// RemoteConfig configures Remote.
type RemoteConfig struct {
	URL      string
	Attempts int
	Delay    time.Duration
}

// Remote fetches the registry over HTTP.
type Remote struct {
	fetcher dataset.Fetcher
	cfg     RemoteConfig
	logger  *zap.Logger
}

// NewRemote builds a Remote loader.
func NewRemote(fetcher dataset.Fetcher, cfg RemoteConfig, logger *zap.Logger) *Remote {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Remote{fetcher: fetcher, cfg: cfg, logger: logger}
}

// Load fetches and decodes the registry, retrying failed fetches and malformed or empty
// listings at a fixed interval. Exhaustion is reported as dataset.ErrRegistryUnavailable.
func (r *Remote) Load(ctx context.Context) (Listing, error) {
	var listing Listing
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  r.cfg.Attempts,
		InitialDelay: r.cfg.Delay,
		Multiplier:   1,
	}, func(attempt int) error {
		resp, err := r.fetcher.Fetch(ctx, dataset.FetchRequest{URL: r.cfg.URL})
		if err != nil {
			if ctx.Err() != nil {
				return retry.NonRetryable(err)
			}
			r.logger.Warn("registry fetch failed, retrying",
				zap.String("url", r.cfg.URL), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		records, err := Decode(resp.Body)
		if err == nil && len(records) == 0 {
			err = errEmpty
		}
		if err != nil {
			r.logger.Warn("registry data error, retrying",
				zap.String("url", r.cfg.URL), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		listing = Listing{Records: records, Raw: resp.Body}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return Listing{}, fmt.Errorf("load registry: %w", ctx.Err())
		}
		return Listing{}, fmt.Errorf("%w: %s: %w", dataset.ErrRegistryUnavailable, r.cfg.URL, err)
	}
	r.logger.Info("registry loaded", zap.String("url", r.cfg.URL), zap.Int("records", len(listing.Records)))
	return listing, nil
}

// LoadFile reads a registry listing from disk.
func LoadFile(path string) (Listing, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied registry path
	if err != nil {
		return Listing{}, fmt.Errorf("%w: read %s: %w", dataset.ErrRegistryUnavailable, path, err)
	}
	records, err := Decode(data)
	if err != nil {
		return Listing{}, fmt.Errorf("%w: %s: %w", dataset.ErrRegistryUnavailable, path, err)
	}
	return Listing{Records: records, Raw: data}, nil
}

// Decode parses a JSON array of records.
func Decode(data []byte) ([]dataset.Record, error) {
	var records []dataset.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	return records, nil
}

// Limit keeps the first n records. Zero or negative n keeps everything.
func Limit(records []dataset.Record, n int) []dataset.Record {
	if n <= 0 || n >= len(records) {
		return records
	}
	return records[:n]
}
