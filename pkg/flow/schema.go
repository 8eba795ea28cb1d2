package flow

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// SchemaID is the identifier of the embedded catalog schema.
const SchemaID = "https://schemas.3leaps.dev/cvflow/v1.0.0/flows.schema.json"

//go:embed flows.schema.json
var catalogSchema []byte

// ErrSchemaViolation is wrapped by errors from ValidateSchema.
var ErrSchemaViolation = errors.New("flow catalog does not match schema")

// Compiled once from the embedded schema.
var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(SchemaID, bytes.NewReader(catalogSchema)); err != nil {
			schemaErr = fmt.Errorf("add flow schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(SchemaID)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile flow schema: %w", schemaErr)
		}
	})
	return schema, schemaErr
}

// ValidateSchema checks a raw catalog document against the embedded
// schema. It catches misspelled keys, which the typed decoder ignores.
func ValidateSchema(data []byte, path string) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}

	doc, err := genericDocument(data, path)
	if err != nil {
		return err
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	return nil
}

// genericDocument decodes data into the plain JSON value model the
// validator expects. YAML is normalized through a JSON round trip.
func genericDocument(data []byte, path string) (any, error) {
	var v any
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("parse flow catalog JSON: %w", err)
		}
		return v, nil
	}

	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse flow catalog YAML: %w", err)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize flow catalog: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("normalize flow catalog: %w", err)
	}
	return out, nil
}
