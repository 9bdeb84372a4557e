package mcp

import (
	"encoding/json"
	"fmt"

	"anybutton/internal/button"
)

func getStringArg(args map[string]interface{}, key string) string {
	val, ok := args[key]
	if !ok || val == nil {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func getIntArg(args map[string]interface{}, key string, fallback int) int {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func getBoolArg(args map[string]interface{}, key string, fallback bool) bool {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	if b, ok := val.(bool); ok {
		return b
	}
	return fallback
}

// getVariablesArg accepts [{key, value}] as decoded from tool JSON.
func getVariablesArg(args map[string]interface{}, key string) ([]button.Variable, error) {
	val, ok := args[key]
	if !ok || val == nil {
		return []button.Variable{}, nil
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}
	var vars []button.Variable
	if err := json.Unmarshal(raw, &vars); err != nil {
		return nil, fmt.Errorf("%s must be an array of {key, value}: %w", key, err)
	}
	if vars == nil {
		vars = []button.Variable{}
	}
	return vars, nil
}

// requireArgs returns an error naming the first missing string argument.
func requireArgs(args map[string]interface{}, keys ...string) error {
	for _, k := range keys {
		if getStringArg(args, k) == "" {
			return fmt.Errorf("%s is required", k)
		}
	}
	return nil
}

func stringSchema(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}
