// Package rondo is a conversational agent orchestrator for building
// tool-using LLM assistants in Go.
//
// It provides modular, interface-driven building blocks: LLM providers,
// embedding providers, conversation persistence with vector recall, a
// memory composer, a tool registry backed by local and remote tool
// servers, and a two-speed execution engine (one-shot and Plan+ReAct).
//
// # Quick Start
//
// Wire an Orchestrator from its collaborators:
//
//	provider := openaicompat.New(baseURL, apiKey)
//	embedding := openaicompat.NewEmbedding(baseURL, apiKey, embedModel, dims)
//	repo := sqlite.New("rondo.db")
//
//	registry := rondo.NewRegistry()
//	registry.Register(fetch.New())
//	registry.RegisterSource(fsClient, "file", "read", "directory")
//	registry.Refresh(ctx)
//
//	composer := rondo.NewComposer(repo, provider,
//		rondo.WithComposerCache(memcache.New()),
//		rondo.WithComposerEmbedding(embedding),
//	)
//	executor := rondo.NewExecutor(provider, registry)
//
//	orc := rondo.New(provider, repo, registry, composer, executor, model,
//		rondo.WithEmbedding(embedding),
//	)
//
//	ch := make(chan rondo.Chunk, 16)
//	go orc.Respond(ctx, rondo.Request{UserID: "u1", Text: "hello"}, ch)
//	for chunk := range ch { ... }
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider] — LLM backend (completion, tool calling, streaming)
//   - [EmbeddingProvider] — text-to-vector embedding
//   - [Repository] — conversation, message, and summary persistence with vector search
//   - [Cache] — ephemeral storage for composed context and tool results
//   - [Tool] — pluggable local capability for LLM function calling
//   - [RemoteSource] — external tool server (discovery and invocation)
//   - [Tracer] — span creation around turns, rounds, and tool calls
//
// # Included Implementations
//
// Providers: provider/openaicompat (OpenAI-compatible APIs), provider/gemini (Google Gemini).
// Storage: store/postgres (pgvector), store/sqlite (local, embedded).
// Cache: cache/redis, cache/memory.
// Tool servers: toolserver (line-delimited JSON-RPC over stdio), cmd/rondo-tools.
//
// See the cmd/rondo directory for a complete reference application.
package rondo
