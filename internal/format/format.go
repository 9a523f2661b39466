// Package format decides what kind of file a publisher served.
package format

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/JakeFAU/datagetter/internal/dataset"
)

var contentTypes = map[string]dataset.FileType{
	"application/json": dataset.FileTypeJSON,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": dataset.FileTypeXLSX,
	"text/csv": dataset.FileTypeCSV,
	"application/vnd.oasis.opendocument.spreadsheet": dataset.FileTypeODS,
}

// Resolve picks the payload kind from, in order: the Content-Type header, the filename in
// Content-Disposition, and the extension of the download URL. A filename in Content-Disposition
// is authoritative even when its extension is unsupported.
func Resolve(headers http.Header, downloadURL string) (dataset.FileType, error) {
	candidate := ""
	contentType := strings.ToLower(strings.TrimSpace(strings.Split(headers.Get("Content-Type"), ";")[0]))
	if kind, ok := contentTypes[contentType]; ok {
		return kind, nil
	}
	if filename := dispositionFilename(headers.Get("Content-Disposition")); filename != "" {
		candidate = extension(filename)
	}
	if candidate == "" {
		candidate = urlExtension(downloadURL)
	}
	if kind, ok := dataset.ParseFileType(candidate); ok {
		return kind, nil
	}
	return "", fmt.Errorf("%w: %q", dataset.ErrUnrecognizedFileType, candidate)
}

// CheckPayload rejects json payloads that do not parse, such as an HTML error page served with
// a 200 status.
func CheckPayload(kind dataset.FileType, body []byte) error {
	if kind != dataset.FileTypeJSON {
		return nil
	}
	if !json.Valid(body) {
		return fmt.Errorf("%w: body is not valid JSON", dataset.ErrInvalidPayload)
	}
	return nil
}

func dispositionFilename(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}

func urlExtension(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		return extension(path.Base(u.Path))
	}
	return extension(raw)
}

func extension(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return ""
	}
	return strings.ToLower(name[idx+1:])
}
