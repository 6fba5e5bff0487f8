package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/vessar/rondo/toolserver"
)

const (
	gitTimeout   = 15 * time.Second
	maxGitOutput = 8000

	defaultLogCount = 20
	maxLogCount     = 100
)

// registerGit adds read-only git tools running against the workspace
// repository.
func registerGit(srv *toolserver.Server, root string) {
	srv.AddTool(toolserver.ToolHandler{
		Definition: toolserver.ToolDefinition{
			Name:        "git_status",
			Description: "Show the working tree status of the workspace repository: current branch plus staged, changed, and untracked files.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
		},
		Execute: func(ctx context.Context, _ json.RawMessage) toolserver.ToolCallResult {
			return runGit(ctx, root, "status", "--branch", "--short")
		},
	})

	srv.AddTool(toolserver.ToolHandler{
		Definition: toolserver.ToolDefinition{
			Name:        "git_log",
			Description: "Show recent commits of the workspace repository, one line per commit.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"count":{"type":"integer","description":"Number of commits to show (default 20, max 100)"}}}`),
		},
		Execute: func(ctx context.Context, args json.RawMessage) toolserver.ToolCallResult {
			return gitLog(ctx, root, args)
		},
	})

	srv.AddTool(toolserver.ToolHandler{
		Definition: toolserver.ToolDefinition{
			Name:        "git_diff",
			Description: "Show uncommitted changes in the workspace repository, optionally limited to one path or to the staging area.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Limit the diff to this path (relative to the workspace)"},"staged":{"type":"boolean","description":"Diff the staging area instead of the working tree"}}}`),
		},
		Execute: func(ctx context.Context, args json.RawMessage) toolserver.ToolCallResult {
			return gitDiff(ctx, root, args)
		},
	})
}

func gitLog(ctx context.Context, root string, args json.RawMessage) toolserver.ToolCallResult {
	var params struct {
		Count int `json:"count"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return toolserver.ErrorResult("invalid args: " + err.Error())
		}
	}
	count := params.Count
	if count <= 0 {
		count = defaultLogCount
	}
	if count > maxLogCount {
		count = maxLogCount
	}
	return runGit(ctx, root, "log", "--oneline", "--decorate", "-n", strconv.Itoa(count))
}

func gitDiff(ctx context.Context, root string, args json.RawMessage) toolserver.ToolCallResult {
	var params struct {
		Path   string `json:"path"`
		Staged bool   `json:"staged"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return toolserver.ErrorResult("invalid args: " + err.Error())
		}
	}

	argv := []string{"diff"}
	if params.Staged {
		argv = append(argv, "--cached")
	}
	if params.Path != "" {
		if _, err := resolvePath(root, params.Path); err != nil {
			return toolserver.ErrorResult(err.Error())
		}
		argv = append(argv, "--", params.Path)
	}
	return runGit(ctx, root, argv...)
}

// runGit executes one git subcommand in root and formats the output as
// a tool result. git's own failures surface as tool errors with stderr
// attached.
func runGit(ctx context.Context, root string, args ...string) toolserver.ToolCallResult {
	cmdCtx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "git", append([]string{"-C", root}, args...)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if cmdCtx.Err() == context.DeadlineExceeded {
		return toolserver.ErrorResult(fmt.Sprintf("git %s timed out after %s", args[0], gitTimeout))
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return toolserver.ErrorResult("git " + args[0] + ": " + msg)
	}

	output := strings.TrimSpace(stdout.String())
	if output == "" {
		output = "(no output)"
	}
	if len(output) > maxGitOutput {
		output = output[:maxGitOutput] + "\n... (truncated)"
	}
	return toolserver.TextResult(output)
}
