package dataset

import (
	"context"
	"io"
	"net/http"
	"time"
)

// FetchRequest describes a single GET.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse carries the fully buffered result of a fetch.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Fetcher downloads remote resources. Non-2xx answers surface as *HTTPError.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator yields unique run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// BlobStore persists run artifacts outside the data directory.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher emits run notifications.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
