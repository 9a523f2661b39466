package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/datagetter/internal/dataset"
	"github.com/JakeFAU/datagetter/internal/retry"
)

func testConfig() Config {
	return Config{
		Timeout: 2 * time.Second,
		Retry:   retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2},
	}
}

func TestFetchReturnsBodyAndHeaders(t *testing.T) {
	t.Parallel()

	var gotUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.UserAgent())
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"grants":[]}`))
	}))
	defer srv.Close()

	f := New(testConfig(), nil, zap.NewNop())
	resp, err := f.Fetch(context.Background(), dataset.FetchRequest{URL: srv.URL + "/grants.json"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"grants":[]}`, string(resp.Body))
	assert.Equal(t, "application/json", resp.Headers.Get("Content-Type"))
	assert.Equal(t, DefaultUserAgent, gotUA.Load())
}

func TestFetchRetriesGatewayErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := New(testConfig(), nil, zap.NewNop())
	resp, err := f.Fetch(context.Background(), dataset.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := New(testConfig(), nil, zap.NewNop())
	_, err := f.Fetch(context.Background(), dataset.FetchRequest{URL: srv.URL})
	var httpErr *dataset.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchDoesNotRetryDefinitiveErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New(testConfig(), nil, zap.NewNop())
	_, err := f.Fetch(context.Background(), dataset.FetchRequest{URL: srv.URL})
	var httpErr *dataset.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchHasNoBodyCap(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("a"), 11*1024*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	f := New(testConfig(), nil, zap.NewNop())
	resp, err := f.Fetch(context.Background(), dataset.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	assert.Len(t, resp.Body, len(payload))
}

func TestFetchRevisitsSameURL(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("again"))
	}))
	defer srv.Close()

	f := New(testConfig(), nil, zap.NewNop())
	for range 2 {
		_, err := f.Fetch(context.Background(), dataset.FetchRequest{URL: srv.URL})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchCanceled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	f := New(testConfig(), nil, zap.NewNop())
	_, err := f.Fetch(ctx, dataset.FetchRequest{URL: srv.URL})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestFetchCancelAbortsInFlightRequest(t *testing.T) {
	t.Parallel()

	aborted := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		close(aborted)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Timeout = time.Minute
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	f := New(cfg, nil, zap.NewNop())
	_, err := f.Fetch(ctx, dataset.FetchRequest{URL: srv.URL})
	require.ErrorIs(t, err, context.Canceled)

	select {
	case <-aborted:
	case <-time.After(5 * time.Second):
		t.Fatal("request still running after cancel")
	}
}

func TestFetchKeepsBodyBytes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		contentType string
		body        []byte
	}{
		{
			name:        "xlsx declared binary",
			contentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet; charset=binary",
			body:        []byte{0x50, 0x4b, 0x03, 0x04, 0x14, 0x00, 0x80, 0x9f, 0xff, 0xe9, 0xc3, 0x28, 0x00, 0x01},
		},
		{
			name:        "json declared latin-1",
			contentType: "application/json; charset=iso-8859-1",
			body:        []byte("{\"title\":\"caf\xe9\"}"),
		},
		{
			name:        "csv declared windows-1252",
			contentType: "text/csv; charset=windows-1252",
			body:        []byte("name,amount\nCaf\xe9 \x80,10\n"),
		},
		{
			name:        "gzip media type",
			contentType: "application/gzip",
			body:        []byte{0x1f, 0x8b, 0x08, 0x00, 0x00},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", tc.contentType)
				_, _ = w.Write(tc.body)
			}))
			defer srv.Close()

			f := New(testConfig(), nil, zap.NewNop())
			resp, err := f.Fetch(context.Background(), dataset.FetchRequest{URL: srv.URL + "/download"})
			require.NoError(t, err)
			assert.True(t, bytes.Equal(tc.body, resp.Body), "body rewritten: %x", resp.Body)
			assert.Equal(t, tc.contentType, resp.Headers.Get("Content-Type"))
			assert.Empty(t, resp.Headers.Get(rawContentTypeHeader))
		})
	}
}

func TestFetchWaitsOnLimiter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	limiter := &countingWaiter{}
	f := New(testConfig(), limiter, zap.NewNop())
	_, err := f.Fetch(context.Background(), dataset.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, int32(1), limiter.calls.Load())

	limiter.err = errors.New("limiter closed")
	_, err = f.Fetch(context.Background(), dataset.FetchRequest{URL: srv.URL})
	require.ErrorContains(t, err, "limiter closed")
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil, nil)
	req := dataset.FetchRequest{
		URL:     "https://example.org",
		Headers: http.Header{"Accept": {"application/json"}},
	}
	start := time.Unix(0, 0)
	var result dataset.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, start, &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	assert.Equal(t, "application/json", collyReq.Headers.Get("Accept"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"Content-Type": {"text/csv"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.org")},
	})
	assert.Equal(t, http.StatusCreated, result.StatusCode)
	assert.Equal(t, "body", string(result.Body))
	assert.Equal(t, "text/csv", result.Headers.Get("Content-Type"))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func TestCopyHeadersHandlesNil(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil, nil)
	collyReq := &colly.Request{Headers: &http.Header{}}
	f.copyHeaders(dataset.FetchRequest{}, collyReq)
	assert.Empty(t, *collyReq.Headers)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type countingWaiter struct {
	calls atomic.Int32
	err   error
}

func (w *countingWaiter) Wait(context.Context, string) error {
	w.calls.Add(1)
	return w.err
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
