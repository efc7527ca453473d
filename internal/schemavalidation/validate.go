// Package schemavalidation checks JSON documents against the schemas
// embedded in the daemon.
package schemavalidation

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema names.
const (
	Config   = "config"
	Profiles = "profiles"
	FSEvent  = "fs-event"
)

var (
	ErrInvalidDocument = errors.New("invalid document")
	ErrUnknownSchema   = errors.New("unknown schema")
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func load() (map[string]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		entries, err := schemaFS.ReadDir("schemas")
		if err != nil {
			compileErr = err
			return
		}

		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft7
		urls := make(map[string]string)
		for _, e := range entries {
			data, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
			if err != nil {
				compileErr = err
				return
			}
			url := "overfloat://schemas/" + e.Name()
			if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
				compileErr = fmt.Errorf("add schema resource %s: %w", e.Name(), err)
				return
			}
			name := e.Name()[:len(e.Name())-len(".schema.json")]
			urls[name] = url
		}

		compiled = make(map[string]*jsonschema.Schema, len(urls))
		for name, url := range urls {
			s, err := compiler.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			compiled[name] = s
		}
	})
	return compiled, compileErr
}

// Names returns the names of every embedded schema.
func Names() ([]string, error) {
	schemas, err := load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(schemas))
	for n := range schemas {
		names = append(names, n)
	}
	return names, nil
}

// Validate checks that data is JSON matching the named schema. Failures
// wrap ErrInvalidDocument.
func Validate(name string, data []byte) error {
	schemas, err := load()
	if err != nil {
		return err
	}
	schema, ok := schemas[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSchema, name)
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDocument, name, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDocument, name, err)
	}
	return nil
}

// ValidateValue marshals v and validates it against the named schema.
func ValidateValue(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return Validate(name, data)
}
