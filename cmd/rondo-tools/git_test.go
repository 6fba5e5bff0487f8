package main

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// testRepo creates a git repository with one committed file. Tests skip
// when git is not installed.
func testRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	root := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", root}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
			"GIT_CONFIG_GLOBAL=/dev/null", "GIT_CONFIG_SYSTEM=/dev/null")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}

	run("init")
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("one\n"), 0644); err != nil {
		t.Fatal(err)
	}
	run("add", "a.txt")
	run("commit", "-m", "first")
	return root
}

func TestGitStatusClean(t *testing.T) {
	root := testRepo(t)

	res := runGit(context.Background(), root, "status", "--branch", "--short")
	if res.IsError {
		t.Fatalf("status failed: %s", resultText(t, res))
	}
	if !strings.Contains(resultText(t, res), "##") {
		t.Errorf("expected branch header, got: %q", resultText(t, res))
	}
}

func TestGitStatusUntracked(t *testing.T) {
	root := testRepo(t)
	if err := os.WriteFile(filepath.Join(root, "b.txt"), []byte("new\n"), 0644); err != nil {
		t.Fatal(err)
	}

	res := runGit(context.Background(), root, "status", "--branch", "--short")
	if !strings.Contains(resultText(t, res), "?? b.txt") {
		t.Errorf("expected untracked b.txt, got: %q", resultText(t, res))
	}
}

func TestGitLog(t *testing.T) {
	root := testRepo(t)

	res := gitLog(context.Background(), root, json.RawMessage(`{"count":5}`))
	if res.IsError {
		t.Fatalf("log failed: %s", resultText(t, res))
	}
	if !strings.Contains(resultText(t, res), "first") {
		t.Errorf("expected commit message, got: %q", resultText(t, res))
	}
}

func TestGitDiff(t *testing.T) {
	root := testRepo(t)
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("two\n"), 0644); err != nil {
		t.Fatal(err)
	}

	res := gitDiff(context.Background(), root, json.RawMessage(`{"path":"a.txt"}`))
	if res.IsError {
		t.Fatalf("diff failed: %s", resultText(t, res))
	}
	got := resultText(t, res)
	if !strings.Contains(got, "-one") || !strings.Contains(got, "+two") {
		t.Errorf("expected change lines, got: %q", got)
	}
}

func TestGitDiffStaged(t *testing.T) {
	root := testRepo(t)
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("three\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cmd := exec.Command("git", "-C", root, "add", "a.txt")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git add: %v\n%s", err, out)
	}

	res := gitDiff(context.Background(), root, json.RawMessage(`{"staged":true}`))
	if res.IsError {
		t.Fatalf("diff failed: %s", resultText(t, res))
	}
	if !strings.Contains(resultText(t, res), "+three") {
		t.Errorf("expected staged change, got: %q", resultText(t, res))
	}
}

func TestGitDiffCleanTree(t *testing.T) {
	root := testRepo(t)

	res := gitDiff(context.Background(), root, nil)
	if res.IsError {
		t.Fatalf("diff failed: %s", resultText(t, res))
	}
	if got := resultText(t, res); got != "(no output)" {
		t.Errorf("expected no output marker, got: %q", got)
	}
}

func TestGitDiffTraversalPath(t *testing.T) {
	root := testRepo(t)

	res := gitDiff(context.Background(), root, json.RawMessage(`{"path":"../outside"}`))
	if !res.IsError {
		t.Fatal("expected error for traversal path")
	}
}

func TestGitNotARepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	res := runGit(context.Background(), t.TempDir(), "status", "--branch", "--short")
	if !res.IsError {
		t.Fatal("expected error outside a repository")
	}
	if !strings.Contains(resultText(t, res), "git status:") {
		t.Errorf("unexpected error text: %q", resultText(t, res))
	}
}
