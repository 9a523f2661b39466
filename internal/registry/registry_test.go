package registry

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/datagetter/internal/dataset"
)

const listing = `[
	{"identifier": "a", "license": "", "distribution": [{"downloadURL": "https://example.org/a.json"}], "publisher": {"prefix": "360G-a"}},
	{"identifier": "b", "license": "", "distribution": [{"downloadURL": "https://example.org/b.csv"}], "publisher": {"prefix": "360G-b"}}
]`

type scriptedFetcher struct {
	bodies []string
	errs   []error
	calls  int
}

func (s *scriptedFetcher) Fetch(_ context.Context, req dataset.FetchRequest) (dataset.FetchResponse, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return dataset.FetchResponse{}, s.errs[i]
	}
	body := s.bodies[len(s.bodies)-1]
	if i < len(s.bodies) {
		body = s.bodies[i]
	}
	return dataset.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

func TestRemoteLoadRetriesMalformedAndEmpty(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{
		errs:   []error{&dataset.HTTPError{URL: DefaultURL, StatusCode: 503}},
		bodies: []string{"", "<html>", "[]", listing},
	}
	r := NewRemote(f, RemoteConfig{Delay: time.Millisecond}, zap.NewNop())

	got, err := r.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, f.calls)
	require.Len(t, got.Records, 2)
	assert.Equal(t, "b", got.Records[1].Identifier)
	assert.Equal(t, listing, string(got.Raw))
}

func TestRemoteLoadExhaustion(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{bodies: []string{"not json"}}
	r := NewRemote(f, RemoteConfig{URL: "https://registry.test/data.json", Delay: time.Millisecond}, nil)

	_, err := r.Load(context.Background())
	require.ErrorIs(t, err, dataset.ErrRegistryUnavailable)
	assert.Equal(t, DefaultAttempts, f.calls)
}

func TestRemoteLoadCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &scriptedFetcher{errs: []error{context.Canceled}, bodies: []string{listing}}
	_, err := NewRemote(f, RemoteConfig{Delay: time.Millisecond}, nil).Load(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, dataset.ErrRegistryUnavailable))
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "registry.json")
	require.NoError(t, os.WriteFile(path, []byte(listing), 0o600))

	got, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, got.Records, 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	require.ErrorIs(t, err, dataset.ErrRegistryUnavailable)
}

func TestLimit(t *testing.T) {
	t.Parallel()

	records, err := Decode([]byte(listing))
	require.NoError(t, err)
	assert.Len(t, Limit(records, 1), 1)
	assert.Len(t, Limit(records, 0), 2)
	assert.Len(t, Limit(records, 10), 2)
}
