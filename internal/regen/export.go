package regen

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	schemaCacheMu sync.Mutex
	schemaCache   = make(map[string]*jsonschema.Schema)
)

// ExportJSON serializes a plan for external tooling.
func ExportJSON(plan Plan) ([]byte, error) {
	return json.MarshalIndent(plan, "", "  ")
}

// ValidatePlan checks an exported plan against the JSON schema shipped in
// docs/plan.schema.json.
func ValidatePlan(plan Plan, schemaPath string) error {
	schema, err := loadCompiledSchema(schemaPath)
	if err != nil {
		return fmt.Errorf("failed to compile plan schema: %w", err)
	}

	raw, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan for validation: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("failed to normalize plan for validation: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("plan schema validation failed: %w", err)
	}
	return nil
}

func loadCompiledSchema(schemaPath string) (*jsonschema.Schema, error) {
	abs, err := filepath.Abs(schemaPath)
	if err != nil {
		return nil, err
	}

	schemaCacheMu.Lock()
	if cached, ok := schemaCache[abs]; ok {
		schemaCacheMu.Unlock()
		return cached, nil
	}
	schemaCacheMu.Unlock()

	compiler := jsonschema.NewCompiler()
	compiled, err := compiler.Compile("file://" + filepath.ToSlash(abs))
	if err != nil {
		return nil, err
	}

	schemaCacheMu.Lock()
	schemaCache[abs] = compiled
	schemaCacheMu.Unlock()
	return compiled, nil
}
