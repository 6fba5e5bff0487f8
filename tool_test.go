package rondo

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// echoTool declares a parameter schema with one required string field.
type echoTool struct{}

func (echoTool) Definitions() []ToolDescriptor {
	return []ToolDescriptor{{
		Name:        "echo",
		Description: "Echo text back",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {"text": {"type": "string"}},
			"required": ["text"]
		}`),
	}}
}

func (echoTool) Execute(_ context.Context, _ string, args json.RawMessage) (ToolResult, error) {
	var p struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return ToolResult{}, err
	}
	return ToolResult{Content: p.Text}, nil
}

// badSchemaTool carries a parameter schema that does not compile.
type badSchemaTool struct{}

func (badSchemaTool) Definitions() []ToolDescriptor {
	return []ToolDescriptor{{
		Name:       "loose",
		Parameters: json.RawMessage(`{"type": 42}`),
	}}
}

func (badSchemaTool) Execute(context.Context, string, json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: "ran anyway"}, nil
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(mockTool{}); err != nil {
		t.Fatal(err)
	}

	h, err := reg.Resolve("greet")
	if err != nil {
		t.Fatal(err)
	}
	if h.Descriptor.Name != "greet" {
		t.Errorf("Descriptor.Name = %q, want %q", h.Descriptor.Name, "greet")
	}
	if h.Descriptor.Origin != OriginLocal {
		t.Errorf("Descriptor.Origin = %q, want %q", h.Descriptor.Origin, OriginLocal)
	}

	out, err := h.Invoke(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "hello from greet" {
		t.Errorf("Invoke = %q, want %q", out, "hello from greet")
	}
}

func TestRegistryDuplicateRejected(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(mockTool{}); err != nil {
		t.Fatal(err)
	}
	err := reg.Register(mockTool{})
	if err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if KindOf(err) != KindInvalidRequest {
		t.Errorf("KindOf = %q, want %q", KindOf(err), KindInvalidRequest)
	}
}

func TestRegistryResolveUnknown(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Resolve("nonexistent")
	if err == nil {
		t.Fatal("expected error for unknown tool")
	}
	if KindOf(err) != KindToolUnknown {
		t.Errorf("KindOf = %q, want %q", KindOf(err), KindToolUnknown)
	}
}

func TestRegistryToolResultError(t *testing.T) {
	// A non-empty ToolResult.Error is a recoverable tool fault: the text
	// becomes the fault detail so callers can surface it to the model.
	reg := NewRegistry()
	if err := reg.Register(softErrTool{}); err != nil {
		t.Fatal(err)
	}
	h, err := reg.Resolve("flaky")
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.Invoke(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error from flaky tool")
	}
	if KindOf(err) != KindToolError {
		t.Errorf("KindOf = %q, want %q", KindOf(err), KindToolError)
	}
	if faultReason(err) != "backend offline" {
		t.Errorf("faultReason = %q, want %q", faultReason(err), "backend offline")
	}
}

func TestRegistryToolExecuteError(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(errTool{}); err != nil {
		t.Fatal(err)
	}
	h, err := reg.Resolve("fail")
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.Invoke(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error from fail tool")
	}
	if KindOf(err) != KindToolError {
		t.Errorf("KindOf = %q, want %q", KindOf(err), KindToolError)
	}
	if faultReason(err) != "tool broken" {
		t.Errorf("faultReason = %q, want %q", faultReason(err), "tool broken")
	}
}

func TestRegistrySchemaValidation(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(echoTool{}); err != nil {
		t.Fatal(err)
	}
	h, err := reg.Resolve("echo")
	if err != nil {
		t.Fatal(err)
	}

	out, err := h.Invoke(context.Background(), json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatal(err)
	}
	if out != "hi" {
		t.Errorf("Invoke = %q, want %q", out, "hi")
	}

	// A missing required property fails before the tool runs.
	_, err = h.Invoke(context.Background(), json.RawMessage(`{"count":1}`))
	if err == nil {
		t.Fatal("expected schema violation")
	}
	if KindOf(err) != KindToolError {
		t.Errorf("KindOf = %q, want %q", KindOf(err), KindToolError)
	}
	if !strings.Contains(faultReason(err), "invalid arguments") {
		t.Errorf("faultReason = %q, want invalid arguments detail", faultReason(err))
	}

	// So does a property of the wrong type.
	_, err = h.Invoke(context.Background(), json.RawMessage(`{"text":42}`))
	if KindOf(err) != KindToolError {
		t.Errorf("wrong type: KindOf = %q, want %q", KindOf(err), KindToolError)
	}

	// And arguments that are not JSON at all.
	_, err = h.Invoke(context.Background(), json.RawMessage(`{broken`))
	if KindOf(err) != KindToolError {
		t.Errorf("malformed args: KindOf = %q, want %q", KindOf(err), KindToolError)
	}
}

func TestRegistryBadSchemaFailsOpen(t *testing.T) {
	// A schema that does not compile disables validation for that tool
	// instead of blocking registration.
	reg := NewRegistry()
	if err := reg.Register(badSchemaTool{}); err != nil {
		t.Fatal(err)
	}
	h, err := reg.Resolve("loose")
	if err != nil {
		t.Fatal(err)
	}
	out, err := h.Invoke(context.Background(), json.RawMessage(`"anything"`))
	if err != nil {
		t.Fatal(err)
	}
	if out != "ran anyway" {
		t.Errorf("Invoke = %q, want %q", out, "ran anyway")
	}
}

func TestRegistryRemoteSource(t *testing.T) {
	src := &stubSource{name: "github", tools: []ToolDescriptor{
		{Name: "git_pr", Description: "List pull requests"},
	}}
	reg := NewRegistry()
	reg.RegisterSource(src, "pull", "repo")

	// Before Refresh the source's tools are not discoverable.
	if _, err := reg.Resolve("git_pr"); err == nil {
		t.Fatal("expected git_pr to be unknown before Refresh")
	}

	reg.Refresh(context.Background())

	h, err := reg.Resolve("git_pr")
	if err != nil {
		t.Fatal(err)
	}
	if h.Descriptor.Origin != "github" {
		t.Errorf("Origin = %q, want %q", h.Descriptor.Origin, "github")
	}

	out, err := h.Invoke(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "remote result from git_pr" {
		t.Errorf("Invoke = %q, want %q", out, "remote result from git_pr")
	}
	if len(src.called) != 1 || src.called[0] != "git_pr" {
		t.Errorf("source calls = %v, want [git_pr]", src.called)
	}
}

func TestRegistryRefreshFailureKeepsPrevious(t *testing.T) {
	src := &stubSource{name: "github", tools: []ToolDescriptor{
		{Name: "git_pr", Description: "List pull requests"},
	}}
	reg := NewRegistry()
	reg.RegisterSource(src)
	reg.Refresh(context.Background())

	src.listErr = errors.New("server gone")
	reg.Refresh(context.Background())

	// The previous catalog survives a failed refresh.
	if _, err := reg.Resolve("git_pr"); err != nil {
		t.Errorf("git_pr lost after failed refresh: %v", err)
	}
}

func TestRegistryCategories(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(mockTool{}); err != nil {
		t.Fatal(err)
	}
	reg.RegisterSource(&stubSource{name: "github"})
	reg.RegisterSource(&stubSource{name: "jira"})

	cats := reg.Categories()
	want := []string{"GENERAL", "GITHUB", "JIRA"}
	if len(cats) != len(want) {
		t.Fatalf("Categories = %v, want %v", cats, want)
	}
	for i := range want {
		if cats[i] != want[i] {
			t.Errorf("Categories[%d] = %q, want %q", i, cats[i], want[i])
		}
	}
}

func TestRegistryByCategory(t *testing.T) {
	src := &stubSource{name: "github", tools: []ToolDescriptor{
		{Name: "git_status"},
		{Name: "git_diff"},
	}}
	reg := NewRegistry()
	if err := reg.Register(mockTool{}); err != nil {
		t.Fatal(err)
	}
	reg.RegisterSource(src)
	reg.Refresh(context.Background())

	general := reg.ByCategory("GENERAL")
	if len(general) != 1 || general[0].Name != "greet" {
		t.Errorf("ByCategory(GENERAL) = %v, want [greet]", general)
	}

	// Lookup is case-insensitive and results are name-sorted.
	gh := reg.ByCategory("github")
	if len(gh) != 2 {
		t.Fatalf("ByCategory(github) = %v, want 2 tools", gh)
	}
	if gh[0].Name != "git_diff" || gh[1].Name != "git_status" {
		t.Errorf("ByCategory(github) order = [%s %s], want [git_diff git_status]", gh[0].Name, gh[1].Name)
	}
}

func TestRegistryMatchCategories(t *testing.T) {
	reg := NewRegistry(WithLocalKeywords("time", "date"))
	if err := reg.Register(mockTool{}); err != nil {
		t.Fatal(err)
	}
	reg.RegisterSource(&stubSource{name: "github"}, "pull request", "repo")

	tests := []struct {
		query string
		want  []string
	}{
		{"check my GitHub notifications", []string{"GITHUB"}},
		{"open the pull request", []string{"GITHUB"}},
		{"what time is it", []string{"GENERAL"}},
		{"what date is the repo release", []string{"GENERAL", "GITHUB"}},
		{"tell me a joke", nil},
	}
	for _, tt := range tests {
		got := reg.MatchCategories(tt.query)
		if len(got) != len(tt.want) {
			t.Errorf("MatchCategories(%q) = %v, want %v", tt.query, got, tt.want)
			continue
		}
		for i := range tt.want {
			if got[i] != tt.want[i] {
				t.Errorf("MatchCategories(%q)[%d] = %q, want %q", tt.query, i, got[i], tt.want[i])
			}
		}
	}
}

func TestRegistryFilterForQueryIntentFirst(t *testing.T) {
	src := &stubSource{name: "github", tools: []ToolDescriptor{
		{Name: "git_status"},
	}}
	reg := NewRegistry(WithLocalKeywords("hello"))
	if err := reg.Register(mockTool{}); err != nil {
		t.Fatal(err)
	}
	reg.RegisterSource(src)
	reg.Refresh(context.Background())

	// Intent category leads even when the query also matches GENERAL.
	got := reg.FilterForQuery("GITHUB", "hello there", 5)
	if len(got) != 2 {
		t.Fatalf("FilterForQuery = %v, want 2 tools", got)
	}
	if got[0].Name != "git_status" {
		t.Errorf("first tool = %q, want git_status (intent category first)", got[0].Name)
	}
	if got[1].Name != "greet" {
		t.Errorf("second tool = %q, want greet", got[1].Name)
	}
}

func TestRegistryFilterForQueryTruncates(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(mockTool{}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(multiTool{}); err != nil {
		t.Fatal(err)
	}

	got := reg.FilterForQuery("GENERAL", "anything", 2)
	if len(got) != 2 {
		t.Errorf("FilterForQuery max=2 returned %d tools", len(got))
	}
}

func TestRegistryFilterForQueryNoMatch(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterSource(&stubSource{name: "github", tools: []ToolDescriptor{{Name: "git_pr"}}})
	reg.Refresh(context.Background())

	// Unknown intent, query matches nothing: empty scope.
	got := reg.FilterForQuery("COOKING", "boil the pasta", 5)
	if len(got) != 0 {
		t.Errorf("FilterForQuery = %v, want empty", got)
	}
}

func TestRegistryFilterForQueryDeterministic(t *testing.T) {
	src := &stubSource{name: "github", tools: []ToolDescriptor{
		{Name: "git_status"}, {Name: "git_diff"}, {Name: "git_log"},
	}}
	reg := NewRegistry()
	if err := reg.Register(multiTool{}); err != nil {
		t.Fatal(err)
	}
	reg.RegisterSource(src)
	reg.Refresh(context.Background())

	first := reg.FilterForQuery("GITHUB", "show the github diff", 4)
	for i := 0; i < 10; i++ {
		again := reg.FilterForQuery("GITHUB", "show the github diff", 4)
		if len(again) != len(first) {
			t.Fatalf("run %d: length %d, want %d", i, len(again), len(first))
		}
		for j := range first {
			if again[j].Name != first[j].Name {
				t.Fatalf("run %d: tool[%d] = %q, want %q", i, j, again[j].Name, first[j].Name)
			}
		}
	}
}

func TestCategoryOf(t *testing.T) {
	if got := CategoryOf("github"); got != "GITHUB" {
		t.Errorf("CategoryOf(github) = %q, want GITHUB", got)
	}
	if got := CategoryOf("rondo-tools"); got != "RONDO-TOOLS" {
		t.Errorf("CategoryOf(rondo-tools) = %q, want RONDO-TOOLS", got)
	}
}
