// Binary rondo-tools is a stdio tool server exposing filesystem and git
// tools confined to a workspace directory. A rondo client launches it as
// a child process and speaks newline-delimited JSON-RPC 2.0 over
// stdin/stdout; stdout carries the wire, diagnostics go to stderr.
//
// Usage in rondo.toml:
//
//	[[tools.servers]]
//	name = "filesystem"
//	command = "rondo-tools"
//	args = ["-root", "/home/me/notes"]
//	keywords = ["file", "folder", "repo", "commit"]
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/vessar/rondo/toolserver"
)

func main() {
	log.SetOutput(os.Stderr)

	root := flag.String("root", ".", "workspace directory the tools operate in")
	flag.Parse()

	abs, err := filepath.Abs(*root)
	if err != nil {
		log.Fatalf("rondo-tools: resolve root: %v", err)
	}
	if fi, err := os.Stat(abs); err != nil || !fi.IsDir() {
		log.Fatalf("rondo-tools: root is not a directory: %s", abs)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	srv := toolserver.NewServer("rondo-tools", "1.0.0")
	registerFS(srv, abs)
	registerGit(srv, abs)

	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("rondo-tools: %v", err)
	}
}
