// Package validate checks JSON documents against the embedded schemas of the
// task envelope and the migration request.
package validate

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemas embed.FS

// Schema names.
const (
	Task             = "task.json"
	MigrationRequest = "migration_request.json"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("document does not match schema")

var (
	mu       sync.Mutex
	compiled = map[string]*jsonschema.Schema{}
)

func load(name string) (*jsonschema.Schema, error) {
	mu.Lock()
	defer mu.Unlock()

	if schema, ok := compiled[name]; ok {
		return schema, nil
	}

	b, err := schemas.ReadFile("schemas/" + name)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	compiled[name] = schema
	return schema, nil
}

// JSON validates data against the named schema.
func JSON(name string, data []byte) error {
	schema, err := load(name)
	if err != nil {
		return err
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
