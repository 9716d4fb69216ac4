package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/profilecoach/internal/coach"
	"github.com/kalambet/profilecoach/internal/profile"
	"github.com/kalambet/profilecoach/internal/update"
)

// ProfileReader reads the current profile. Implemented by *profile.Manager.
type ProfileReader interface {
	GetProfile() (profile.Profile, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Footprint FootprintQueue
	Profile   ProfileReader
}

// NewMCPServer creates an MCP server exposing the profile, an update checker
// and footprint submission.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"profilecoach",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("profilecoach: dating profile coach. Read the profile, dry-run profile_update payloads and add footprint material."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("get_profile",
			mcp.WithDescription("Return the current dating profile as JSON, or as a short plain-text summary."),
			mcp.WithString("format", mcp.Description("json (default) or summary"), mcp.Enum("json", "summary")),
		),
		mcpGetProfile(deps),
	)

	s.AddTool(
		mcp.NewTool("check_update",
			mcp.WithDescription("Normalize and validate a profile_update payload and show the profile it would produce. Nothing is saved."),
			mcp.WithString("payload", mcp.Description(`JSON object {"field","action","data"}`), mcp.Required()),
		),
		mcpCheckUpdate(deps),
	)

	s.AddTool(
		mcp.NewTool("add_footprint",
			mcp.WithDescription("Queue already-gathered material about the user for the coach to draw on."),
			mcp.WithString("source", mcp.Description("Where the material came from, e.g. linkedin"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Text, HTML, or base64 PDF"), mcp.Required()),
			mcp.WithString("kind", mcp.Description("text (default), html or pdf"), mcp.Enum("text", "html", "pdf")),
			mcp.WithString("title", mcp.Description("Optional title")),
		),
		mcpAddFootprint(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"user://profile",
			"User Profile",
			mcp.WithResourceDescription("Current dating profile as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceProfile(deps),
	)

	return s
}

func mcpGetProfile(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		p, err := deps.Profile.GetProfile()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get profile: %v", err)), nil
		}
		switch req.GetString("format", "json") {
		case "json":
		case "summary":
			return mcpText(profile.Summarize(p)), nil
		default:
			return mcpError(`format must be "json" or "summary"`), nil
		}
		b, err := json.Marshal(p)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal profile: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

// checkResult is the check_update response.
type checkResult struct {
	Valid   bool             `json:"valid"`
	Notice  string           `json:"notice,omitempty"`
	Coerced bool             `json:"coerced"`
	Update  *update.Raw      `json:"update,omitempty"`
	Preview *profile.Profile `json:"preview,omitempty"`
}

func mcpCheckUpdate(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		payload, err := req.RequireString("payload")
		if err != nil {
			return mcpError("payload is required"), nil
		}

		out := checkResult{Notice: coach.FormattingIssue}
		raw, err := update.ParseRaw([]byte(payload))
		if err == nil {
			res := update.Resolve(*raw)
			out.Coerced = res.WasCoerced
			if res.Valid() {
				current, err := deps.Profile.GetProfile()
				if err != nil {
					return mcpError(fmt.Sprintf("failed to get profile: %v", err)), nil
				}
				normalized := update.ToRaw(res.Update)
				out = checkResult{
					Valid:   true,
					Coerced: res.WasCoerced,
					Update:  &normalized,
					Preview: update.Materialize(&current, res.Update),
				}
			}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAddFootprint(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		source, err := req.RequireString("source")
		if err != nil {
			return mcpError("source is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		id, err := submitFootprint(deps.Footprint, FootprintRequest{
			Source:  source,
			Kind:    req.GetString("kind", ""),
			Title:   req.GetString("title", ""),
			Content: content,
		})
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpText(fmt.Sprintf("Queued footprint document %s", id)), nil
	}
}

func mcpResourceProfile(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		p, err := deps.Profile.GetProfile()
		if err != nil {
			return nil, fmt.Errorf("failed to get profile: %w", err)
		}

		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal profile: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
