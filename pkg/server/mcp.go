package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/toolforge/forge/pkg/auth"
	"github.com/toolforge/forge/pkg/version"
)

// handleMCP serves the MCP protocol (tools/list, tools/call) over a
// per-request server instance bound to a stateless streamable HTTP
// transport. The instance is built from the current promoted tool set and
// discarded when the response closes.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	if !s.mcpAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	tools, err := s.registry.ListPromoted(r.Context())
	if err != nil {
		slog.Error("Failed to list tools for MCP", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list tools")
		return
	}

	srv := mcpserver.NewMCPServer("forge", version.Version)
	for _, tool := range tools {
		schema, err := json.Marshal(tool.JSONSchema())
		if err != nil {
			slog.Warn("Skipping tool with unencodable schema", "tool", tool.Name, "error", err)
			continue
		}
		srv.AddTool(
			mcp.NewToolWithRawSchema(tool.Name, tool.Spec.Description, schema),
			s.mcpToolHandler(tool.Name),
		)
	}

	mcpserver.NewStreamableHTTPServer(srv, mcpserver.WithStateLess(true)).ServeHTTP(w, r)
}

// mcpAuthorized applies the fail-closed key rule: no configured key, no
// bearer header, or a mismatch in length or bytes all deny.
func (s *Server) mcpAuthorized(r *http.Request) bool {
	if s.mcpKey == "" {
		return false
	}
	return auth.SecureCompare(bearerToken(r), s.mcpKey)
}

// mcpToolHandler executes one registry tool on behalf of an MCP caller.
// MCP callers carry no end-user JWT, so tool requests go out unadorned.
func (s *Server) mcpToolHandler(toolName string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result := s.executor.Execute(ctx, toolName, request.GetArguments(), "")
		if result.Err != "" {
			return mcp.NewToolResultError(result.Err), nil
		}
		return mcp.NewToolResultText(stringifyResult(result.Body)), nil
	}
}

// stringifyResult renders a tool result body for the MCP text content
// block. Strings pass through; everything else is JSON.
func stringifyResult(body any) string {
	if s, ok := body.(string); ok {
		return s
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Sprintf("%v", body)
	}
	return string(data)
}
