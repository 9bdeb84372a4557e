package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	resourceMIMEJSON = "application/json"
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"anybutton://about",
			"AnyButton About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Server info and usage notes."),
		),
		s.handleAboutResource,
	)

	s.mcpServer.AddResource(
		mcp.NewResource(
			"anybutton://buttons",
			"Button Registry",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("The stored buttons as an import-ready JSON array."),
		),
		s.handleButtonsResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"anybutton://tab/{tabId}/facts{?predicate,limit}",
			"Tab Facts",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Recent diagnostic facts for one tab, optionally filtered by predicate."),
		),
		s.handleTabFactsResource,
	)
}

func jsonContents(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonContents(request.Params.URI, map[string]interface{}{
		"name":    s.cfg.Server.Name,
		"version": s.cfg.Server.Version,
		"notes": []string{
			"Buttons are edited with save-button, delete-button and import-buttons; agents read the registry once per page load.",
			"js actions run in the page first and are escalated to the relay only when the page refuses them.",
			"shell actions always go through the relay to the native helper " + s.cfg.Relay.NativeHost + ".",
		},
		"browser":      s.deps.Host != nil,
		"facts":        s.deps.Facts.Ready(),
		"timestamp_ms": time.Now().UnixMilli(),
	})
}

func (s *Server) handleButtonsResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	data, err := s.deps.Registry.Export(ctx)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: resourceMIMEJSON,
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleTabFactsResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	if !s.deps.Facts.Ready() {
		return nil, errNoFacts
	}

	tabID := argString(request.Params.Arguments["tabId"])
	if tabID == "" {
		return nil, fmt.Errorf("missing tabId")
	}
	predicate := argString(request.Params.Arguments["predicate"])
	limit, _ := strconv.Atoi(argString(request.Params.Arguments["limit"]))
	if limit <= 0 {
		limit = 25
	}
	if limit > 500 {
		limit = 500
	}

	out := selectRecentFacts(s.deps.Facts, tabID, predicate, limit)
	return jsonContents(request.Params.URI, map[string]interface{}{
		"tab_id":    tabID,
		"predicate": predicate,
		"limit":     limit,
		"count":     len(out),
		"facts":     out,
	})
}

// argString flattens a URI template argument, which arrives as a string or
// a one-element list.
func argString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case []string:
		if len(value) == 0 {
			return ""
		}
		return value[0]
	default:
		return fmt.Sprintf("%v", value)
	}
}
