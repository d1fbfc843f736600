package elemwatch

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/horosdom/kit"
)

// RegisterMCP registers the daemon tools on an MCP server.
func (d *Daemon) RegisterMCP(srv *mcp.Server) {
	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "elemwatch_await",
		Description: "Wait until an element matching a CSS or XPath selector is present in the document and describe it.",
		InputSchema: kit.InputSchema(map[string]any{
			"selector":       map[string]any{"type": "string", "description": "CSS selector, or XPath when it starts with / or ("},
			"mode":           map[string]any{"type": "string", "enum": []string{"observed", "polling"}},
			"interval_ms":    map[string]any{"type": "integer", "description": "Polling interval (polling mode)"},
			"max_iterations": map[string]any{"type": "integer", "description": "Polling attempts before giving up; 0 waits until timeout"},
			"timeout_ms":     map[string]any{"type": "integer", "description": "Overall timeout, default 30000"},
			"root":           map[string]any{"type": "string", "description": "Selector of the element to search under"},
		}, "selector"),
	}, d.awaitEndpoint(), kit.DecodeArgs[AwaitRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "elemwatch_insert",
		Description: "Append a sanitised HTML fragment to the first element matching a selector.",
		InputSchema: kit.InputSchema(map[string]any{
			"parent": map[string]any{"type": "string", "description": "Selector of the parent element"},
			"html":   map[string]any{"type": "string", "description": "HTML fragment; scripts and event handlers are stripped"},
		}, "parent", "html"),
	}, d.insertEndpoint(), kit.DecodeArgs[InsertRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "elemwatch_remove",
		Description: "Remove every element matching a selector.",
		InputSchema: kit.InputSchema(map[string]any{
			"selector": map[string]any{"type": "string"},
		}, "selector"),
	}, d.removeEndpoint(), kit.DecodeArgs[RemoveRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "elemwatch_stats",
		Description: "Registry, delivery and reload counters.",
		InputSchema: kit.InputSchema(map[string]any{}),
	}, d.statsEndpoint(), kit.DecodeArgs[struct{}]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "elemwatch_rules",
		Description: "List the registered watch rules.",
		InputSchema: kit.InputSchema(map[string]any{}),
	}, d.rulesEndpoint(), kit.DecodeArgs[struct{}]())
}
