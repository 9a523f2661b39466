package dataset

import (
	"errors"
	"fmt"
	"net/http"
)

// Per-record failures end up in a record's metadata; the last two abort a run.
var (
	ErrLicenseRejected       = errors.New("license rejected")
	ErrDownloadFailed        = errors.New("download failed")
	ErrUnrecognizedFileType  = errors.New("unrecognized file type")
	ErrInvalidPayload        = errors.New("invalid payload")
	ErrConversionFailed      = errors.New("conversion failed")
	ErrValidationFailed      = errors.New("validation failed")
	ErrCacheUnavailable      = errors.New("cache unavailable")
	ErrRegistryUnavailable   = errors.New("registry unavailable")
	ErrConfigurationConflict = errors.New("configuration conflict")
)

// HTTPError is a definitive non-2xx answer from a remote server.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	kind := "Client Error"
	if e.StatusCode >= 500 {
		kind = "Server Error"
	}
	return fmt.Sprintf("%d %s: %s for url: %s", e.StatusCode, kind, http.StatusText(e.StatusCode), e.URL)
}
