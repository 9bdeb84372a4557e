package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"anybutton/internal/button"
	"anybutton/internal/registry"
)

type ListButtonsTool struct {
	registry *registry.Registry
}

func (t *ListButtonsTool) Name() string { return "list-buttons" }
func (t *ListButtonsTool) Description() string {
	return `List every stored button definition in registry order.

Returns: {count, buttons: [{name, label, origin, location, style, actionType, action, variables}]}`
}
func (t *ListButtonsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ListButtonsTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	buttons, err := t.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"count": len(buttons), "buttons": buttons}, nil
}

type MatchingButtonsTool struct {
	registry *registry.Registry
	timeout  time.Duration
}

func (t *MatchingButtonsTool) Name() string { return "matching-buttons" }
func (t *MatchingButtonsTool) Description() string {
	return `Show which buttons would render on a URL.

Origins are ECMAScript regular expressions tested against the full URL. A
pattern that does not compile never matches and is listed under "invalid".`
}
func (t *MatchingButtonsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": stringSchema("Full page URL to test"),
		},
		"required": []string{"url"},
	}
}
func (t *MatchingButtonsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if err := requireArgs(args, "url"); err != nil {
		return nil, err
	}
	url := getStringArg(args, "url")
	buttons, err := t.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	matching := make([]button.Button, 0)
	invalid := make([]map[string]string, 0)
	for _, b := range buttons {
		m, err := button.CompileOrigin(b.Origin, t.timeout)
		if err != nil {
			invalid = append(invalid, map[string]string{"name": b.Name, "origin": b.Origin, "error": err.Error()})
			continue
		}
		if m.Match(url) {
			matching = append(matching, b)
		}
	}
	return map[string]interface{}{"url": url, "buttons": matching, "invalid": invalid}, nil
}

type SaveButtonTool struct {
	registry *registry.Registry
}

func (t *SaveButtonTool) Name() string { return "save-button" }
func (t *SaveButtonTool) Description() string {
	return `Create or replace a button.

Without replace, a name already in use gets an "(n)" suffix (the smallest n
not taken) and the stored name is returned. With replace, the existing button
is removed and the new one appended.

actionType is one of: url, js, shell. Placeholders "{key}" in action are
replaced with the text of the element each variable's selector finds.`
}
func (t *SaveButtonTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name":       stringSchema("Unique button name, also used as the rendered element id"),
			"label":      stringSchema("Visible button text"),
			"origin":     stringSchema("Regular expression tested against page URLs"),
			"location":   stringSchema("CSS selector of the container the button is appended to"),
			"style":      stringSchema("Inline style for the button element"),
			"actionType": map[string]interface{}{"type": "string", "enum": []string{"url", "js", "shell"}},
			"action":     stringSchema("URL, script or shell command template"),
			"variables": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"key":   stringSchema("Placeholder name without braces"),
						"value": stringSchema("CSS selector whose text fills the placeholder"),
					},
				},
			},
			"replace": map[string]interface{}{"type": "boolean", "description": "Replace a button with the same name"},
		},
		"required": []string{"name", "actionType"},
	}
}
func (t *SaveButtonTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	vars, err := getVariablesArg(args, "variables")
	if err != nil {
		return nil, err
	}
	b := button.Button{
		Name:       getStringArg(args, "name"),
		Label:      getStringArg(args, "label"),
		Origin:     getStringArg(args, "origin"),
		Location:   getStringArg(args, "location"),
		Style:      getStringArg(args, "style"),
		ActionType: button.ActionType(getStringArg(args, "actionType")),
		Action:     getStringArg(args, "action"),
		Variables:  vars,
	}
	stored, err := t.registry.Insert(ctx, b, getBoolArg(args, "replace", false))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"saved": stored, "renamed": stored.Name != b.Name}, nil
}

type DeleteButtonTool struct {
	registry *registry.Registry
}

func (t *DeleteButtonTool) Name() string { return "delete-button" }
func (t *DeleteButtonTool) Description() string {
	return "Delete the button with the given name."
}
func (t *DeleteButtonTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": stringSchema("Button name"),
		},
		"required": []string{"name"},
	}
}
func (t *DeleteButtonTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if err := requireArgs(args, "name"); err != nil {
		return nil, err
	}
	name := getStringArg(args, "name")
	if err := t.registry.Delete(ctx, name); err != nil {
		return nil, err
	}
	return map[string]interface{}{"deleted": name}, nil
}

type ImportButtonsTool struct {
	registry *registry.Registry
}

func (t *ImportButtonsTool) Name() string { return "import-buttons" }
func (t *ImportButtonsTool) Description() string {
	return `Import a JSON array of buttons. Each one replaces any button with the same
name. Nothing is written unless every element is a valid button.`
}
func (t *ImportButtonsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"data": stringSchema("JSON array of button objects, as produced by export-buttons"),
		},
		"required": []string{"data"},
	}
}
func (t *ImportButtonsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	var data []byte
	switch v := args["data"].(type) {
	case string:
		data = []byte(v)
	case nil:
		return nil, fmt.Errorf("data is required")
	default:
		// Already decoded by the transport.
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		data = raw
	}
	imported, err := t.registry.Import(ctx, data)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(imported))
	for _, b := range imported {
		names = append(names, b.Name)
	}
	return map[string]interface{}{"imported": len(imported), "names": names}, nil
}

type ExportButtonsTool struct {
	registry *registry.Registry
}

func (t *ExportButtonsTool) Name() string { return "export-buttons" }
func (t *ExportButtonsTool) Description() string {
	return "Export every button as an indented JSON array suitable for import-buttons."
}
func (t *ExportButtonsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ExportButtonsTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	data, err := t.registry.Export(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"data": string(data)}, nil
}
