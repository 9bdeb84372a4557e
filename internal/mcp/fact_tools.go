package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"anybutton/internal/facts"
)

var errNoFacts = errors.New("fact engine disabled (facts.enable is false)")

type ReadFactsTool struct {
	engine *facts.Engine
}

func (t *ReadFactsTool) Name() string { return "read-facts" }
func (t *ReadFactsTool) Description() string {
	return `Read diagnostic facts recorded by page agents and the relay.

Predicates: button_rendered(Tab, Name), button_clicked(Tab, Name, Type),
escalation_sent(Tab, Kind), relay_report(Tab, Type, Message),
native_response(Tab, Payload), native_disconnect(Tab, Message), and the
derived script_failed(Tab, Message) and shell_requested(Tab, Name).

Either filter the recent buffer by predicate and tab_id, or pass a Mangle
query such as "script_failed(Tab, Msg)." to include derived facts.`
}
func (t *ReadFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": stringSchema("Only facts of this predicate"),
			"tab_id":    stringSchema("Only facts whose first argument is this tab"),
			"limit":     map[string]interface{}{"type": "integer", "description": "Most recent facts to return (default 50, max 500)"},
			"query":     stringSchema("Mangle atom query; overrides the other filters"),
		},
	}
}
func (t *ReadFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil || !t.engine.Ready() {
		return nil, errNoFacts
	}

	if q := strings.TrimSpace(getStringArg(args, "query")); q != "" {
		if !strings.HasSuffix(q, ".") {
			q += "."
		}
		results, err := t.engine.Query(ctx, q)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"query": q, "count": len(results), "results": results}, nil
	}

	limit := getIntArg(args, "limit", 50)
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	predicate := getStringArg(args, "predicate")
	tabID := getStringArg(args, "tab_id")
	out := selectRecentFacts(t.engine, tabID, predicate, limit)
	return map[string]interface{}{"count": len(out), "facts": out}, nil
}

// selectRecentFacts returns up to limit of the newest buffered facts in
// chronological order. Empty tabID or predicate means no filter.
func selectRecentFacts(engine *facts.Engine, tabID, predicate string, limit int) []facts.Fact {
	if engine == nil || limit <= 0 {
		return []facts.Fact{}
	}

	var source []facts.Fact
	if predicate != "" {
		source = engine.FactsByPredicate(predicate)
	} else {
		source = engine.Facts()
	}

	out := make([]facts.Fact, 0, min(limit, len(source)))
	for i := len(source) - 1; i >= 0 && len(out) < limit; i-- {
		f := source[i]
		if tabID != "" && (len(f.Args) == 0 || fmt.Sprintf("%v", f.Args[0]) != tabID) {
			continue
		}
		out = append(out, f)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
