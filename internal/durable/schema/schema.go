// Package schema compiles JSON-Schema documents once and enforces them on
// every repository write. Schemas are embedded at build time (grounded on
// the roach88-nysm reference store's go:embed schema.sql pattern, adapted
// here to JSON Schema files) so the binary is self-contained; an on-disk
// _schema/ directory overlay is also supported for operators who want to
// customize schemas without a rebuild — overlay files shadow embedded ones
// by filename stem. Compilation and validation use
// github.com/santhosh-tekuri/jsonschema/v5.
package schema

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/forgeflow/core/internal/ferrors"
)

//go:embed schemas/*.schema.json
var embedded embed.FS

// ValidationError is one schema validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Validator compiles and caches schemas keyed by filename stem (e.g. "map"
// for map.schema.json).
type Validator struct {
	overlayDir string

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// New constructs a Validator. overlayDir, if non-empty, is checked first for
// <name>.schema.json before falling back to the embedded copy.
func New(overlayDir string) *Validator {
	return &Validator{overlayDir: overlayDir, schemas: map[string]*jsonschema.Schema{}}
}

// Validate compiles (and caches) the named schema, then validates doc
// against it, returning the list of validation errors (empty if valid).
func (v *Validator) Validate(doc any, schemaName string) ([]ValidationError, error) {
	compiled, err := v.compile(schemaName)
	if err != nil {
		return nil, err
	}

	// jsonschema only accepts decoded JSON values, so typed Go documents
	// are round-tripped through encoding/json first.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("schema: marshal document: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("schema: decode document: %w", err)
	}

	if err := compiled.Validate(generic); err != nil {
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			return flatten(verr), nil
		}
		return []ValidationError{{Message: err.Error()}}, nil
	}
	return nil, nil
}

// ValidateOrThrow validates doc and returns a SCHEMA_INVALID *ferrors.Error
// carrying the error list if validation fails.
func (v *Validator) ValidateOrThrow(doc any, schemaName string) error {
	errs, err := v.Validate(doc, schemaName)
	if err != nil {
		return err
	}
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return ferrors.New(ferrors.KindSchemaInvalid, strings.Join(msgs, "; "))
}

func (v *Validator) compile(name string) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if s, ok := v.schemas[name]; ok {
		return s, nil
	}

	compiler := jsonschema.NewCompiler()
	fileName := name + ".schema.json"
	resourceURL := "mem://" + fileName

	data, err := v.loadSchemaBytes(fileName)
	if err != nil {
		return nil, err
	}
	if err := compiler.AddResource(resourceURL, strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("schema: add resource %s: %w", name, err)
	}
	compiled, err := compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("schema: compile %s: %w", name, err)
	}
	v.schemas[name] = compiled
	return compiled, nil
}

// loadSchemaBytes checks the overlay directory first, then the embedded
// schemas directory.
func (v *Validator) loadSchemaBytes(fileName string) ([]byte, error) {
	if v.overlayDir != "" {
		overlayPath := filepath.Join(v.overlayDir, fileName)
		if data, err := os.ReadFile(overlayPath); err == nil {
			return data, nil
		}
	}
	data, err := fs.ReadFile(embedded, "schemas/"+fileName)
	if err != nil {
		return nil, fmt.Errorf("schema: no schema named %q: %w", fileName, err)
	}
	return data, nil
}

func flatten(verr *jsonschema.ValidationError) []ValidationError {
	var out []ValidationError
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, ValidationError{
				Field:   e.InstanceLocation,
				Message: e.Message,
			})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	return out
}
