// Package dataset defines the registry record model and the interfaces shared by the getter pipeline.
package dataset

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// FileType is the normalised kind of a downloaded payload.
type FileType string

// Supported payload kinds.
const (
	FileTypeJSON FileType = "json"
	FileTypeXLSX FileType = "xlsx"
	FileTypeCSV  FileType = "csv"
	FileTypeODS  FileType = "ods"
)

// ParseFileType maps an extension (without the dot) onto a supported FileType.
func ParseFileType(ext string) (FileType, bool) {
	switch FileType(ext) {
	case FileTypeJSON, FileTypeXLSX, FileTypeCSV, FileTypeODS:
		return FileType(ext), true
	default:
		return "", false
	}
}

// Outcome names the terminal state a record reached in the pipeline.
type Outcome string

// Terminal pipeline states.
const (
	OutcomeRejectedLicense  Outcome = "rejected-license"
	OutcomeDownloadFailed   Outcome = "download-failed"
	OutcomeUnrecognizedType Outcome = "unrecognized-type"
	OutcomeConversionFailed Outcome = "conversion-failed"
	OutcomeConvertedInvalid Outcome = "converted-invalid"
	OutcomeClassified       Outcome = "classified"
	OutcomeSkipped          Outcome = "skipped"
	OutcomeFailed           Outcome = "failed"
)

// Tag marks membership of a classification set beyond "all".
type Tag string

// Classification tags.
const (
	TagValid                  Tag = "valid"
	TagAcceptableLicense      Tag = "acceptable_license"
	TagAcceptableLicenseValid Tag = "acceptable_license_valid"
)

// Metadata is the per-record state written under datagetter_metadata.
type Metadata struct {
	Downloaded           bool       `json:"downloads"`
	DownloadedAt         *time.Time `json:"datetime_downloaded,omitempty"`
	FileType             FileType   `json:"file_type,omitempty"`
	FileSize             int64      `json:"file_size,omitempty"`
	ConvertedPath        *string    `json:"json"`
	Valid                *bool      `json:"valid,omitempty"`
	AcceptableLicense    bool       `json:"acceptable_license"`
	Error                string     `json:"error,omitempty"`
	ValidationErrors     []string   `json:"validation_errors,omitempty"`
	ValidationErrorCount int        `json:"validation_error_count,omitempty"`
	Outcome              Outcome    `json:"outcome,omitempty"`
	Tags                 []Tag      `json:"tags,omitempty"`
}

// Converted returns the converted artifact path when one is recorded.
func (m Metadata) Converted() (string, bool) {
	if m.ConvertedPath == nil || *m.ConvertedPath == "" {
		return "", false
	}
	return *m.ConvertedPath, true
}

// SetConverted records the converted artifact path.
func (m *Metadata) SetConverted(path string) {
	m.ConvertedPath = &path
}

// ClearConverted drops the converted artifact reference.
func (m *Metadata) ClearConverted() {
	m.ConvertedPath = nil
}

// IsValid reports whether validation ran and passed.
func (m Metadata) IsValid() bool {
	return m.Valid != nil && *m.Valid
}

// SetValid records the validation verdict.
func (m *Metadata) SetValid(ok bool) {
	m.Valid = &ok
}

// HasTag reports whether the metadata carries tag.
func (m Metadata) HasTag(tag Tag) bool {
	return slices.Contains(m.Tags, tag)
}

// Record is one registry entry. Fields the getter does not interpret are kept verbatim so a
// snapshot round-trips everything the registry published.
type Record struct {
	Identifier      string
	License         string
	DownloadURL     string
	PublisherPrefix string
	Metadata        Metadata

	hasMetadata bool
	fields      map[string]json.RawMessage
}

// HasMetadata reports whether the record carried or has been given getter metadata.
func (r Record) HasMetadata() bool {
	return r.hasMetadata
}

// WithMetadata returns a copy of r carrying meta.
func (r Record) WithMetadata(meta Metadata) Record {
	r.Metadata = meta
	r.hasMetadata = true
	return r
}

type wireDistribution struct {
	DownloadURL string `json:"downloadURL"`
}

type wirePublisher struct {
	Prefix string `json:"prefix"`
}

const (
	keyIdentifier   = "identifier"
	keyLicense      = "license"
	keyDistribution = "distribution"
	keyPublisher    = "publisher"
	keyMetadata     = "datagetter_metadata"
)

// UnmarshalJSON decodes the fields the pipeline needs and retains the rest.
func (r *Record) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	out := Record{fields: fields}
	if raw, ok := fields[keyIdentifier]; ok {
		if err := json.Unmarshal(raw, &out.Identifier); err != nil {
			return fmt.Errorf("decode identifier: %w", err)
		}
	}
	if raw, ok := fields[keyLicense]; ok {
		// A null or non-string licence is treated as unknown and rejected later.
		_ = json.Unmarshal(raw, &out.License)
	}
	if raw, ok := fields[keyDistribution]; ok {
		var dist []wireDistribution
		if err := json.Unmarshal(raw, &dist); err == nil && len(dist) > 0 {
			out.DownloadURL = dist[0].DownloadURL
		}
	}
	if raw, ok := fields[keyPublisher]; ok {
		var pub wirePublisher
		if err := json.Unmarshal(raw, &pub); err == nil {
			out.PublisherPrefix = pub.Prefix
		}
	}
	if raw, ok := fields[keyMetadata]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &out.Metadata); err != nil {
			return fmt.Errorf("decode %s: %w", keyMetadata, err)
		}
		out.hasMetadata = true
	}
	*r = out
	return nil
}

// MarshalJSON writes the retained registry fields with the current metadata.
func (r Record) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(r.fields)+1)
	for k, v := range r.fields {
		fields[k] = v
	}
	if err := setIfMissing(fields, keyIdentifier, r.Identifier); err != nil {
		return nil, err
	}
	if err := setIfMissing(fields, keyLicense, r.License); err != nil {
		return nil, err
	}
	if r.DownloadURL != "" {
		if err := setIfMissing(fields, keyDistribution, []wireDistribution{{DownloadURL: r.DownloadURL}}); err != nil {
			return nil, err
		}
	}
	if r.PublisherPrefix != "" {
		if err := setIfMissing(fields, keyPublisher, wirePublisher{Prefix: r.PublisherPrefix}); err != nil {
			return nil, err
		}
	}
	if r.hasMetadata {
		raw, err := json.Marshal(r.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", keyMetadata, err)
		}
		fields[keyMetadata] = raw
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return data, nil
}

func setIfMissing(fields map[string]json.RawMessage, key string, value any) error {
	if _, ok := fields[key]; ok {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	fields[key] = raw
	return nil
}
