// Binary rondo is a terminal chat client wired end to end: providers,
// store, cache, tool registry, tool servers, memory composer, executor,
// and orchestrator are all built here from configuration.
//
// Usage:
//
//	rondo                        # reads rondo.toml from the working dir
//	RONDO_CONFIG=cfg.toml rondo  # explicit config path
//
// Inside the chat, /new starts a fresh conversation and /quit exits.
// Ctrl-C aborts the answer in flight; at the prompt it exits.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/vessar/rondo"
	memcache "github.com/vessar/rondo/cache/memory"
	redcache "github.com/vessar/rondo/cache/redis"
	"github.com/vessar/rondo/internal/config"
	"github.com/vessar/rondo/observer"
	"github.com/vessar/rondo/provider/resolve"
	"github.com/vessar/rondo/store/postgres"
	"github.com/vessar/rondo/store/sqlite"
	"github.com/vessar/rondo/toolserver"
	"github.com/vessar/rondo/tools/clock"
	"github.com/vessar/rondo/tools/fetch"
	"github.com/vessar/rondo/tools/search"
)

func main() {
	log.SetOutput(os.Stderr)

	// 1. Load config
	cfg := config.Load(os.Getenv("RONDO_CONFIG"))

	level := slog.LevelWarn
	if os.Getenv("RONDO_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx := context.Background()

	// 2. Providers
	chatLLM := buildProvider(cfg)
	embedding, err := resolve.EmbeddingProvider(resolve.EmbeddingConfig{
		Provider:   cfg.Embedding.Provider,
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		BaseURL:    cfg.Embedding.BaseURL,
		Dimensions: cfg.Embedding.Dimensions,
	})
	if err != nil {
		log.Fatalf("embedding provider: %v", err)
	}

	// Limits wrap below observability so spans and metrics cover the
	// whole logical call, waits and retries included.
	if cfg.Limits.RPM > 0 || cfg.Limits.TPM > 0 {
		chatLLM = rondo.WithRateLimit(chatLLM, rondo.RPM(cfg.Limits.RPM), rondo.TPM(cfg.Limits.TPM))
	}
	if cfg.Limits.RetryAttempts > 0 {
		chatLLM = rondo.WithRetry(chatLLM,
			rondo.RetryMaxAttempts(cfg.Limits.RetryAttempts),
			rondo.RetryLogger(logger))
		embedding = rondo.WithEmbeddingRetry(embedding,
			rondo.RetryMaxAttempts(cfg.Limits.RetryAttempts),
			rondo.RetryLogger(logger))
	}

	// 3. Observer (opt-in via config)
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}

		var shutdown func(context.Context) error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			log.Fatalf("observer: init failed: %v", err)
		}
		defer shutdown(context.Background())

		chatLLM = observer.WrapProvider(chatLLM, cfg.LLM.Model, inst)
		embedding = observer.WrapEmbedding(embedding, cfg.Embedding.Model, inst)
	}

	// 4. Store
	var repo rondo.Repository
	switch cfg.Database.Driver {
	case "postgres":
		pool, perr := pgxpool.New(ctx, cfg.Database.URL)
		if perr != nil {
			log.Fatalf("postgres: %v", perr)
		}
		defer pool.Close()
		st := postgres.New(pool, postgres.WithEmbeddingDimension(cfg.Embedding.Dimensions))
		if err := st.Init(ctx); err != nil {
			log.Fatalf("postgres: init: %v", err)
		}
		repo = st
	default:
		st := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
		if err := st.Init(ctx); err != nil {
			log.Fatalf("sqlite: init: %v", err)
		}
		defer st.Close()
		repo = st
	}

	// 5. Cache
	var cache rondo.Cache
	if cfg.Cache.Backend == "redis" {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		})
		defer rdb.Close()
		cache = redcache.New(rdb)
	} else {
		cache = memcache.New()
	}

	// 6. Tools: local first, then external tool servers.
	registry := rondo.NewRegistry(
		rondo.WithRegistryLogger(logger),
		rondo.WithLocalKeywords("fetch", "url", "link", "website", "page", "time", "date", "today",
			"search", "news", "weather"))

	locals := []rondo.Tool{fetch.New(), clock.New()}
	if cfg.Tools.BraveAPIKey != "" {
		locals = append(locals, search.New(cfg.Tools.BraveAPIKey,
			search.WithEmbedding(embedding),
			search.WithLogger(logger)))
	}
	for _, tool := range locals {
		if inst != nil {
			tool = observer.WrapTool(tool, inst)
		}
		if err := registry.Register(tool); err != nil {
			log.Fatalf("registry: %v", err)
		}
	}

	clients := make([]*toolserver.Client, 0, len(cfg.Tools.Servers))
	for _, srv := range cfg.Tools.Servers {
		client := toolserver.NewClient(srv.Name, srv.Command, srv.Args,
			toolserver.WithClientCache(cache),
			toolserver.WithClientLogger(logger))
		clients = append(clients, client)
		registry.RegisterSource(client, srv.Keywords...)
	}
	defer func() {
		for _, c := range clients {
			_ = c.Close()
		}
	}()
	registry.Refresh(ctx)

	// 7. Composer, executor, orchestrator
	composer := rondo.NewComposer(repo, chatLLM,
		rondo.WithComposerCache(cache),
		rondo.WithComposerEmbedding(embedding),
		rondo.WithSummaryModel(cfg.Classifier.Model),
		rondo.WithComposerLogger(logger))

	execOpts := []rondo.ExecutorOption{rondo.WithExecutorLogger(logger)}
	orchOpts := []rondo.Option{
		rondo.WithLogger(logger),
		rondo.WithClassifierModel(cfg.Classifier.Model),
		rondo.WithEmbedding(embedding),
		rondo.WithDefaults(cfg.LLM.Temperature, cfg.LLM.MaxTokens),
	}
	if cfg.LLM.VisionModel != "" {
		orchOpts = append(orchOpts, rondo.WithVisionModel(cfg.LLM.VisionModel))
	}
	if inst != nil {
		tracer := observer.NewTracer()
		execOpts = append(execOpts, rondo.WithExecutorTracer(tracer))
		orchOpts = append(orchOpts,
			rondo.WithTracer(tracer),
			rondo.WithTurnObserver(observer.TurnObserver(inst)))
	}

	executor := rondo.NewExecutor(chatLLM, registry, execOpts...)
	orch := rondo.New(chatLLM, repo, registry, composer, executor, cfg.LLM.Model, orchOpts...)

	// 8. Chat loop
	if err := chat(ctx, orch, cfg); err != nil {
		log.Fatal(err)
	}
}

// buildProvider creates the chat provider, routing classifier-model
// requests to a second backend when the classifier section names one.
func buildProvider(cfg config.Config) rondo.Provider {
	chat, err := resolve.Provider(resolve.Config{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.BaseURL,
		TopP:     cfg.LLM.TopP,
		Thinking: cfg.LLM.Thinking,
	})
	if err != nil {
		log.Fatalf("provider: %v", err)
	}

	sameBackend := cfg.Classifier.Provider == cfg.LLM.Provider &&
		cfg.Classifier.BaseURL == cfg.LLM.BaseURL &&
		cfg.Classifier.APIKey == cfg.LLM.APIKey
	if sameBackend {
		return chat
	}

	classifier, err := resolve.Provider(resolve.Config{
		Provider: cfg.Classifier.Provider,
		APIKey:   cfg.Classifier.APIKey,
		Model:    cfg.Classifier.Model,
		BaseURL:  cfg.Classifier.BaseURL,
	})
	if err != nil {
		log.Fatalf("classifier provider: %v", err)
	}
	return &modelRouter{chat: chat, classifier: classifier, classifierModel: cfg.Classifier.Model}
}

// modelRouter sends requests for the classifier model to a dedicated
// provider and everything else to the chat provider. The orchestrator
// sees one Provider; the split is a wiring detail of this binary.
type modelRouter struct {
	chat            rondo.Provider
	classifier      rondo.Provider
	classifierModel string
}

func (m *modelRouter) pick(model string) rondo.Provider {
	if model == m.classifierModel {
		return m.classifier
	}
	return m.chat
}

func (m *modelRouter) Name() string { return m.chat.Name() }

func (m *modelRouter) Complete(ctx context.Context, req rondo.ChatRequest) (rondo.ChatResponse, error) {
	return m.pick(req.Model).Complete(ctx, req)
}

func (m *modelRouter) Stream(ctx context.Context, req rondo.ChatRequest, ch chan<- rondo.Chunk) (rondo.ChatResponse, error) {
	return m.pick(req.Model).Stream(ctx, req, ch)
}

func (m *modelRouter) HealthCheck(ctx context.Context) error {
	if err := m.chat.HealthCheck(ctx); err != nil {
		return err
	}
	return m.classifier.HealthCheck(ctx)
}

// chat runs the interactive loop: read a line, run a turn, render the
// streamed answer.
func chat(ctx context.Context, orch *rondo.Orchestrator, cfg config.Config) error {
	userID := os.Getenv("RONDO_USER")
	if userID == "" {
		userID = "local"
	}

	fmt.Printf("rondo — %s/%s (/new resets, /quit exits)\n", cfg.LLM.Provider, cfg.LLM.Model)

	var conversationID string
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for {
		fmt.Print("\nyou> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			conversationID = ""
			fmt.Println("started a new conversation")
			continue
		}

		conversationID = runTurn(ctx, orch, rondo.Request{
			ConversationID: conversationID,
			UserID:         userID,
			Text:           line,
		})
	}
}

// runTurn streams one answer to the terminal and returns the
// conversation id to continue with.
func runTurn(ctx context.Context, orch *rondo.Orchestrator, req rondo.Request) string {
	// Ctrl-C aborts the in-flight turn, not the program.
	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	ch := make(chan rondo.Chunk, 16)
	go func() {
		// The turn's outcome arrives as a terminal chunk; the mirrored
		// error return adds nothing here.
		_ = orch.Respond(turnCtx, req, ch)
	}()

	convID := req.ConversationID
	var answer strings.Builder
	for chunk := range ch {
		if chunk.ConversationID != "" {
			convID = chunk.ConversationID
		}
		switch {
		case chunk.Error != nil:
			fmt.Fprintf(os.Stderr, "error (%s): %s\n", chunk.Error.Category, chunk.Error.Detail)
		case chunk.Status != "":
			fmt.Printf("· %s\n", chunk.Status)
		case chunk.Content != "":
			answer.WriteString(chunk.Content)
		}
	}
	if answer.Len() > 0 {
		fmt.Println(RenderMarkdown(answer.String()))
	}
	return convID
}
