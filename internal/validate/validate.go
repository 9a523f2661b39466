// Package validate checks canonical JSON documents against the 360Giving package schema.
package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// DefaultMaxDetails bounds how many error strings a Result carries.
const DefaultMaxDetails = 20

// Result is the outcome of one validation. Count is the total number of violations; Errors holds
// at most the configured number of them.
type Result struct {
	Errors []string
	Count  int
}

// Valid reports whether the document had no violations.
func (r Result) Valid() bool {
	return r.Count == 0
}

// Validator compiles each schema once and reuses it across documents. Safe for concurrent use.
type Validator struct {
	maxDetails int

	mu      sync.Mutex
	schemas map[string]*gojsonschema.Schema
}

// New returns a Validator keeping up to maxDetails error strings per Result.
func New(maxDetails int) *Validator {
	if maxDetails <= 0 {
		maxDetails = DefaultMaxDetails
	}
	return &Validator{maxDetails: maxDetails, schemas: make(map[string]*gojsonschema.Schema)}
}

// Validate checks the document at docPath against the schema at schemaPath. A document that is
// not JSON at all is reported as a single violation. The returned error is reserved for problems
// with the schema or with reading the document.
func (v *Validator) Validate(ctx context.Context, docPath, schemaPath string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("validate canceled: %w", err)
	}
	schema, err := v.compiled(schemaPath)
	if err != nil {
		return Result{}, err
	}

	data, err := os.ReadFile(docPath) // #nosec G304 -- path comes from the data directory layout
	if err != nil {
		return Result{}, fmt.Errorf("read document: %w", err)
	}
	if !json.Valid(data) {
		return Result{Errors: []string{"document is not valid JSON"}, Count: 1}, nil
	}

	res, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return Result{Errors: []string{err.Error()}, Count: 1}, nil
	}
	if res.Valid() {
		return Result{}, nil
	}

	errs := res.Errors()
	out := Result{Count: len(errs)}
	for i, e := range errs {
		if i == v.maxDetails {
			break
		}
		out.Errors = append(out.Errors, e.String())
	}
	return out, nil
}

func (v *Validator) compiled(schemaPath string) (*gojsonschema.Schema, error) {
	abs, err := filepath.Abs(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("resolve schema path: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.schemas[abs]; ok {
		return s, nil
	}
	// A reference loader keeps relative $refs resolvable against the schema's own directory.
	s, err := gojsonschema.NewSchema(gojsonschema.NewReferenceLoader("file://" + filepath.ToSlash(abs)))
	if err != nil {
		return nil, fmt.Errorf("load schema %s: %w", schemaPath, err)
	}
	v.schemas[abs] = s
	return s, nil
}
