package mcp

import (
	"context"
	"errors"

	"anybutton/internal/browser"
)

var errNoBrowser = errors.New("no browser host: start serve with browser.auto_start or a debugger_url")

type ListTabsTool struct {
	host  TabHost
	relay RelayTabs
}

func (t *ListTabsTool) Name() string { return "list-tabs" }
func (t *ListTabsTool) Description() string {
	return `List browser tabs hosting a button agent, and every tab ID with a live
relay connection (including tabs in other processes).`
}
func (t *ListTabsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ListTabsTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	tabs := []browser.TabInfo{}
	if t.host != nil {
		tabs = t.host.Tabs()
	}
	relayTabs := []string{}
	if t.relay != nil {
		relayTabs = t.relay.Tabs()
	}
	return map[string]interface{}{"tabs": tabs, "relay_tabs": relayTabs}, nil
}

type OpenTabTool struct {
	host TabHost
}

func (t *OpenTabTool) Name() string { return "open-tab" }
func (t *OpenTabTool) Description() string {
	return `Open a URL in a new browser tab with a button agent installed. Matching
buttons render as soon as the page loads and whenever their container appears.

Returns: {tab: {id, target_id, url, loads, created_at}}`
}
func (t *OpenTabTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": stringSchema("URL to open"),
		},
		"required": []string{"url"},
	}
}
func (t *OpenTabTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.host == nil {
		return nil, errNoBrowser
	}
	if err := requireArgs(args, "url"); err != nil {
		return nil, err
	}
	info, err := t.host.OpenTab(ctx, getStringArg(args, "url"))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"tab": info}, nil
}

type ClickButtonTool struct {
	host TabHost
}

func (t *ClickButtonTool) Name() string { return "click-button" }
func (t *ClickButtonTool) Description() string {
	return `Dispatch a matching button in a tab as if the user had clicked it.

Returns the outcome: the substituted action, whether it was escalated to the
relay, and the in-page error that caused a js escalation.`
}
func (t *ClickButtonTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"tab_id": stringSchema("Tab ID from open-tab or list-tabs"),
			"name":   stringSchema("Button name"),
		},
		"required": []string{"tab_id", "name"},
	}
}
func (t *ClickButtonTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.host == nil {
		return nil, errNoBrowser
	}
	if err := requireArgs(args, "tab_id", "name"); err != nil {
		return nil, err
	}
	out, err := t.host.Click(ctx, getStringArg(args, "tab_id"), getStringArg(args, "name"))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"outcome": out}, nil
}
