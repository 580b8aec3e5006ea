package agent

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"

	"medscribe/internal/usage"
)

// JSONRequest asks a language model for output matching Schema.
type JSONRequest struct {
	SchemaName   string
	Instructions string
	Input        string
	Schema       map[string]any
}

// LLM is a language model able to return schema-constrained JSON.
type LLM interface {
	Provider() string
	GenerateJSON(ctx context.Context, req JSONRequest, out any) (usage.Call, error)
}

var (
	schemaMu    sync.Mutex
	schemaCache = map[string]map[string]any{}
)

// schemaFor reflects T into a strict JSON schema, once per name.
func schemaFor[T any](name string) (map[string]any, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	if s, ok := schemaCache[name]; ok {
		return s, nil
	}

	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var value T
	schemaJSON, err := json.Marshal(reflector.Reflect(value))
	if err != nil {
		return nil, err
	}
	var schema map[string]any
	if err := json.Unmarshal(schemaJSON, &schema); err != nil {
		return nil, err
	}
	delete(schema, "$schema")
	delete(schema, "$id")
	schemaCache[name] = schema
	return schema, nil
}
