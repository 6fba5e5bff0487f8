package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vessar/rondo/toolserver"
)

const maxFileContent = 8000

// registerFS adds the filesystem tools, all confined to root.
func registerFS(srv *toolserver.Server, root string) {
	srv.AddTool(toolserver.ToolHandler{
		Definition: toolserver.ToolDefinition{
			Name:        "fs_read",
			Description: "Read a file from the workspace. Returns the file content (truncated to 8000 chars if large).",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to the workspace"}},"required":["path"]}`),
		},
		Execute: func(_ context.Context, args json.RawMessage) toolserver.ToolCallResult {
			return fsRead(root, args)
		},
	})

	srv.AddTool(toolserver.ToolHandler{
		Definition: toolserver.ToolDefinition{
			Name:        "fs_write",
			Description: "Write content to a file in the workspace. Creates parent directories if needed.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to the workspace"},"content":{"type":"string","description":"Content to write"}},"required":["path","content"]}`),
		},
		Execute: func(_ context.Context, args json.RawMessage) toolserver.ToolCallResult {
			return fsWrite(root, args)
		},
	})

	srv.AddTool(toolserver.ToolHandler{
		Definition: toolserver.ToolDefinition{
			Name:        "fs_list",
			Description: "List a workspace directory. Directories end with a slash; files show their size.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory path relative to the workspace (default: workspace root)"}}}`),
		},
		Execute: func(_ context.Context, args json.RawMessage) toolserver.ToolCallResult {
			return fsList(root, args)
		},
	})
}

// resolvePath confines path to the workspace root.
func resolvePath(root, path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal not allowed: %s", path)
	}
	resolved := filepath.Join(root, path)
	if !strings.HasPrefix(resolved, root) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return resolved, nil
}

func fsRead(root string, args json.RawMessage) toolserver.ToolCallResult {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return toolserver.ErrorResult("invalid args: " + err.Error())
	}

	resolved, err := resolvePath(root, params.Path)
	if err != nil {
		return toolserver.ErrorResult(err.Error())
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return toolserver.ErrorResult("read error: " + err.Error())
	}
	content := string(data)
	if len(content) > maxFileContent {
		content = content[:maxFileContent] + "\n... (truncated)"
	}
	return toolserver.TextResult(content)
}

func fsWrite(root string, args json.RawMessage) toolserver.ToolCallResult {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return toolserver.ErrorResult("invalid args: " + err.Error())
	}

	resolved, err := resolvePath(root, params.Path)
	if err != nil {
		return toolserver.ErrorResult(err.Error())
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return toolserver.ErrorResult("mkdir error: " + err.Error())
	}
	if err := os.WriteFile(resolved, []byte(params.Content), 0644); err != nil {
		return toolserver.ErrorResult("write error: " + err.Error())
	}
	return toolserver.TextResult(fmt.Sprintf("Written %d bytes to %s", len(params.Content), params.Path))
}

func fsList(root string, args json.RawMessage) toolserver.ToolCallResult {
	var params struct {
		Path string `json:"path"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return toolserver.ErrorResult("invalid args: " + err.Error())
		}
	}
	if params.Path == "" {
		params.Path = "."
	}

	resolved, err := resolvePath(root, params.Path)
	if err != nil {
		return toolserver.ErrorResult(err.Error())
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return toolserver.ErrorResult("list error: " + err.Error())
	}
	if len(entries) == 0 {
		return toolserver.TextResult("(empty directory)")
	}

	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&b, "%s/\n", e.Name())
			continue
		}
		info, err := e.Info()
		if err != nil {
			fmt.Fprintf(&b, "%s\n", e.Name())
			continue
		}
		fmt.Fprintf(&b, "%s (%d bytes)\n", e.Name(), info.Size())
	}
	return toolserver.TextResult(strings.TrimRight(b.String(), "\n"))
}
