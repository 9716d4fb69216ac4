package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/profilecoach/internal/ingest"
	"github.com/kalambet/profilecoach/internal/profile"
	"github.com/kalambet/profilecoach/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store, *profile.Manager) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	profiles := profile.NewManager(store)
	if err := profiles.SetField(profile.KeyBio, "Old bio."); err != nil {
		t.Fatal(err)
	}
	return MCPDeps{Footprint: store, Profile: profiles}, store, profiles
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// --- tests ---

func TestMCPTool_GetProfile(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)

	result, err := mcpGetProfile(deps)(context.Background(), makeCallToolRequest("get_profile", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	var p profile.Profile
	if err := json.Unmarshal([]byte(toolText(t, result)), &p); err != nil {
		t.Fatal(err)
	}
	if p.Bio != "Old bio." {
		t.Errorf("bio = %q", p.Bio)
	}
}

func TestMCPTool_GetProfile_Summary(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)

	result, err := mcpGetProfile(deps)(context.Background(), makeCallToolRequest("get_profile", map[string]any{"format": "summary"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := toolText(t, result); got != "Bio: Old bio." {
		t.Errorf("summary = %q", got)
	}

	result, _ = mcpGetProfile(deps)(context.Background(), makeCallToolRequest("get_profile", map[string]any{"format": "yaml"}))
	if !result.IsError {
		t.Error("expected error for unknown format")
	}
}

func TestMCPTool_CheckUpdate_AddKeepsOrderContiguous(t *testing.T) {
	deps, _, profiles := newTestMCPDeps(t)
	err := profiles.SetField(profile.KeyPromptAnswers, []profile.PromptAnswer{
		{ID: "a", PromptText: "Sunday", AnswerText: "Market", SortOrder: 7},
		{ID: "b", PromptText: "Green flag", AnswerText: "Curiosity", SortOrder: 7},
	})
	if err != nil {
		t.Fatal(err)
	}

	req := makeCallToolRequest("check_update", map[string]any{
		"payload": `{"field":"promptAnswers","action":"add","data":{"promptText":"Dealbreaker","answerText":"Rudeness"}}`,
	})
	result, err := mcpCheckUpdate(deps)(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got checkResult
	if err := json.Unmarshal([]byte(toolText(t, result)), &got); err != nil {
		t.Fatal(err)
	}
	if got.Preview == nil || len(got.Preview.PromptAnswers) != 3 {
		t.Fatalf("preview = %+v", got.Preview)
	}
	for i, a := range got.Preview.PromptAnswers {
		if a.SortOrder != i {
			t.Errorf("preview pos %d has sortOrder %d", i, a.SortOrder)
		}
	}
}

func TestMCPTool_CheckUpdate_Valid(t *testing.T) {
	deps, _, profiles := newTestMCPDeps(t)

	req := makeCallToolRequest("check_update", map[string]any{
		"payload": `{"field":"bio","action":"replace","data":{"text":"Loves bikes."}}`,
	})
	result, err := mcpCheckUpdate(deps)(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got checkResult
	if err := json.Unmarshal([]byte(toolText(t, result)), &got); err != nil {
		t.Fatal(err)
	}
	if !got.Valid || !got.Coerced {
		t.Errorf("valid = %v, coerced = %v", got.Valid, got.Coerced)
	}
	if got.Update == nil || got.Update.Data != "Loves bikes." {
		t.Errorf("normalized update = %+v", got.Update)
	}
	if got.Preview == nil || got.Preview.Bio != "Loves bikes." {
		t.Errorf("preview = %+v", got.Preview)
	}

	p, _ := profiles.GetProfile()
	if p.Bio != "Old bio." {
		t.Error("check_update must not change the profile")
	}
}

func TestMCPTool_CheckUpdate_Invalid(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)

	for _, payload := range []string{
		`{"field":"funFacts","action":"replace","data":{"foo":1}}`,
		`{"field":"photos","action":"replace","data":[]}`,
		`not json`,
	} {
		result, err := mcpCheckUpdate(deps)(context.Background(), makeCallToolRequest("check_update", map[string]any{"payload": payload}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var got checkResult
		if err := json.Unmarshal([]byte(toolText(t, result)), &got); err != nil {
			t.Fatal(err)
		}
		if got.Valid || got.Notice != "Formatting Issue" || got.Preview != nil {
			t.Errorf("payload %s: result = %+v", payload, got)
		}
	}
}

func TestMCPTool_CheckUpdate_MissingPayload(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)

	result, _ := mcpCheckUpdate(deps)(context.Background(), makeCallToolRequest("check_update", map[string]any{}))
	if !result.IsError {
		t.Error("expected IsError for missing payload")
	}
}

func TestMCPTool_AddFootprint(t *testing.T) {
	deps, store, _ := newTestMCPDeps(t)

	req := makeCallToolRequest("add_footprint", map[string]any{
		"source":  "linkedin",
		"kind":    "html",
		"title":   "Experience",
		"content": "<p>Designer</p>",
	})
	result, err := mcpAddFootprint(deps)(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	text := toolText(t, result)
	id := strings.TrimPrefix(text, "Queued footprint document ")
	doc, err := store.GetFootprintDoc(id)
	if err != nil {
		t.Fatalf("GetFootprintDoc(%q): %v", id, err)
	}
	if doc.Source != "linkedin" || doc.Kind != "html" || doc.Title != "Experience" {
		t.Errorf("doc = %+v", doc)
	}

	job, err := store.ClaimNextJob([]string{ingest.JobType})
	if err != nil || job == nil {
		t.Fatalf("expected queued extraction job, got %v, %v", job, err)
	}
}

func TestMCPTool_AddFootprint_Errors(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)

	tests := []map[string]any{
		{"content": "x"},
		{"source": "s"},
		{"source": "s", "content": "x", "kind": "docx"},
	}
	for _, args := range tests {
		result, _ := mcpAddFootprint(deps)(context.Background(), makeCallToolRequest("add_footprint", args))
		if !result.IsError {
			t.Errorf("args %v: expected IsError", args)
		}
	}
}

func TestMCPResource_Profile(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)

	contents, err := mcpResourceProfile(deps)(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "user://profile"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("len(contents) = %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if tc.MIMEType != "application/json" || !strings.Contains(tc.Text, "Old bio.") {
		t.Errorf("resource = %+v", tc)
	}
}

func TestNewMCPServer_ListsTools(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	s := NewMCPServer(deps)

	resp := s.HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"get_profile", "check_update", "add_footprint"} {
		if !strings.Contains(string(b), `"name":"`+name+`"`) {
			t.Errorf("tool %q not listed in %s", name, b)
		}
	}
}
