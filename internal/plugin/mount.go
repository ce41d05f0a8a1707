package plugin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/felixgeelhaar/fsbridge/internal/provider"
	"github.com/felixgeelhaar/fsbridge/internal/tools"
)

// Mount registers every tool a plugin service describes into the registry.
// Calls are forwarded over RPC with JSON arguments; the plugin's payload is
// passed through untouched when it is valid JSON, wrapped otherwise.
func Mount(reg *tools.Registry, svc ToolService) error {
	specs, err := svc.Describe()
	if err != nil {
		return fmt.Errorf("mount plugin tools: %w", err)
	}

	for _, spec := range specs {
		schema, err := toSchema(spec)
		if err != nil {
			return err
		}
		name := spec.Name
		err = reg.Register(tools.Tool{
			Schema: schema,
			Run: func(_ context.Context, args tools.Args) (any, error) {
				argsJSON, err := json.Marshal(args)
				if err != nil {
					return nil, fmt.Errorf("encode args for %s: %w", name, err)
				}
				payload, err := svc.Call(name, string(argsJSON))
				if err != nil {
					return nil, err
				}
				if json.Valid([]byte(payload)) {
					return json.RawMessage(payload), nil
				}
				return map[string]string{"output": payload}, nil
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func toSchema(spec ToolSpec) (provider.ToolSchema, error) {
	schema := provider.ToolSchema{
		Name:        spec.Name,
		Description: spec.Description,
		Required:    spec.Required,
	}
	if spec.ParametersJSON != "" {
		if err := json.Unmarshal([]byte(spec.ParametersJSON), &schema.Parameters); err != nil {
			return schema, fmt.Errorf("tool %s: bad parameter schema: %w", spec.Name, err)
		}
	}
	return schema, nil
}
