package rondo

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/unicode/norm"
)

// Tool defines an in-process capability with one or more tool functions.
type Tool interface {
	Definitions() []ToolDescriptor
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution. A non-empty Error marks
// a recoverable failure: the text is surfaced to the model, not the caller.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// RemoteSource is a connected tool server: a named catalog of tools whose
// execution is delegated over the server's stdio pair. toolserver.Client
// implements it.
type RemoteSource interface {
	// Name identifies the source. The registry derives the source's
	// category by upper-casing it.
	Name() string
	// ListTools returns the server's current tool catalog.
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	// CallTool invokes a tool and returns its text output.
	CallTool(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// CategoryGeneral is the category of all local tools.
const CategoryGeneral = "GENERAL"

// ToolHandle is a resolved, executable tool.
type ToolHandle struct {
	Descriptor ToolDescriptor
	invoke     func(ctx context.Context, args json.RawMessage) (string, error)
}

// Invoke executes the tool. Failures carry tool fault kinds; callers
// render them as synthetic role=tool error messages and continue.
func (h ToolHandle) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	return h.invoke(ctx, args)
}

// Registry holds the union of local tools and remote tools discovered
// from tool servers, and answers category and keyword queries. Lookups
// read an immutable snapshot; Refresh swaps it atomically.
type Registry struct {
	logger *slog.Logger

	mu       sync.Mutex // guards registration and Refresh
	locals   []Tool
	sources  []RemoteSource
	keywords map[string][]string // category → lowercased match words

	snap atomic.Pointer[registrySnapshot]
}

type registrySnapshot struct {
	// categories in presentation order: GENERAL first, then sources in
	// registration order.
	categories []string
	byCategory map[string][]ToolDescriptor
	local      map[string]localEntry
	remote     map[string]remoteEntry
}

type localEntry struct {
	tool   Tool
	def    ToolDescriptor
	schema *jsonschema.Schema // compiled parameter schema, nil when absent
}

type remoteEntry struct {
	source RemoteSource
	def    ToolDescriptor
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets a structured logger. Defaults to discard.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithLocalKeywords sets extra query-match words for the GENERAL category.
func WithLocalKeywords(words ...string) RegistryOption {
	return func(r *Registry) { r.keywords[CategoryGeneral] = lowerAll(words) }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger:   NopLogger(),
		keywords: map[string][]string{},
	}
	for _, o := range opts {
		o(r)
	}
	r.snap.Store(&registrySnapshot{
		categories: []string{CategoryGeneral},
		byCategory: map[string][]ToolDescriptor{},
		local:      map[string]localEntry{},
		remote:     map[string]remoteEntry{},
	})
	return r
}

// Register adds a local tool. Duplicate names are rejected.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.snap.Load()
	for _, d := range t.Definitions() {
		if _, exists := snap.local[d.Name]; exists {
			return Faultf(KindInvalidRequest, "registry.register", "duplicate tool name: %s", d.Name)
		}
	}
	r.locals = append(r.locals, t)
	r.snap.Store(r.build(snap.remote))
	return nil
}

// RegisterSource adds a tool server as a remote tool source. The server
// is not contacted until Refresh. The optional keywords extend query
// matching for the source's category beyond the category name itself.
func (r *Registry) RegisterSource(src RemoteSource, keywords ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, src)
	cat := CategoryOf(src.Name())
	r.keywords[cat] = append(r.keywords[cat], lowerAll(keywords)...)
	r.snap.Store(r.build(r.snap.Load().remote))
}

// CategoryOf derives a registry category from a tool source name.
func CategoryOf(sourceName string) string {
	return strings.ToUpper(sourceName)
}

// Refresh re-discovers every remote source's tool list and atomically
// replaces the remote catalog. A failing source keeps its previous
// tools; the error is logged, not returned.
func (r *Registry) Refresh(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.snap.Load()
	remote := make(map[string]remoteEntry, len(prev.remote))
	for _, src := range r.sources {
		defs, err := src.ListTools(ctx)
		if err != nil {
			r.logger.Warn("registry: refresh failed, keeping previous tools",
				"source", src.Name(), "error", err)
			for name, e := range prev.remote {
				if e.source.Name() == src.Name() {
					remote[name] = e
				}
			}
			continue
		}
		for _, d := range defs {
			d.Origin = src.Name()
			remote[d.Name] = remoteEntry{source: src, def: d}
		}
	}
	r.snap.Store(r.build(remote))
}

// build assembles a fresh snapshot from the current locals and the given
// remote catalog. Caller holds r.mu.
func (r *Registry) build(remote map[string]remoteEntry) *registrySnapshot {
	s := &registrySnapshot{
		categories: []string{CategoryGeneral},
		byCategory: map[string][]ToolDescriptor{},
		local:      map[string]localEntry{},
		remote:     remote,
	}
	for _, t := range r.locals {
		for _, d := range t.Definitions() {
			d.Origin = OriginLocal
			schema, err := compileSchema(d.Parameters)
			if err != nil {
				r.logger.Warn("registry: tool schema does not compile, skipping validation",
					"tool", d.Name, "error", err)
			}
			s.local[d.Name] = localEntry{tool: t, def: d, schema: schema}
			s.byCategory[CategoryGeneral] = append(s.byCategory[CategoryGeneral], d)
		}
	}
	for _, src := range r.sources {
		cat := CategoryOf(src.Name())
		s.categories = append(s.categories, cat)
		var defs []ToolDescriptor
		for _, e := range remote {
			if e.source.Name() == src.Name() {
				defs = append(defs, e.def)
			}
		}
		sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
		s.byCategory[cat] = defs
	}
	sort.Slice(s.byCategory[CategoryGeneral], func(i, j int) bool {
		return s.byCategory[CategoryGeneral][i].Name < s.byCategory[CategoryGeneral][j].Name
	})
	return s
}

// Resolve looks a tool up by name, local tools first, then the remote
// catalog. Local calls are checked against the tool's parameter schema
// before execution. Unknown names fail with KindToolUnknown.
func (r *Registry) Resolve(name string) (ToolHandle, error) {
	snap := r.snap.Load()
	if e, ok := snap.local[name]; ok {
		tool, schema := e.tool, e.schema
		return ToolHandle{Descriptor: e.def, invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
			if schema != nil {
				if err := validateArgs(schema, args); err != nil {
					return "", Faultf(KindToolError, "tool."+name, "invalid arguments: %v", err)
				}
			}
			res, err := tool.Execute(ctx, name, args)
			if err != nil {
				return "", WrapFault(KindToolError, "tool."+name, err)
			}
			if res.Error != "" {
				return "", Faultf(KindToolError, "tool."+name, "%s", res.Error)
			}
			return res.Content, nil
		}}, nil
	}
	if e, ok := snap.remote[name]; ok {
		src := e.source
		return ToolHandle{Descriptor: e.def, invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
			return src.CallTool(ctx, name, args)
		}}, nil
	}
	return ToolHandle{}, Faultf(KindToolUnknown, "registry.resolve", "unknown tool: %s", name)
}

// Categories returns GENERAL plus one category per remote source, in
// registration order.
func (r *Registry) Categories() []string {
	snap := r.snap.Load()
	out := make([]string, len(snap.categories))
	copy(out, snap.categories)
	return out
}

// ByCategory returns the descriptors in a category. GENERAL returns the
// local tools; a source category returns that server's tools.
func (r *Registry) ByCategory(cat string) []ToolDescriptor {
	snap := r.snap.Load()
	defs := snap.byCategory[strings.ToUpper(cat)]
	out := make([]ToolDescriptor, len(defs))
	copy(out, defs)
	return out
}

// MatchCategories returns the categories whose name or keywords appear
// in the given text, in category order. Matching folds the text to NFKC
// lowercase first.
func (r *Registry) MatchCategories(text string) []string {
	snap := r.snap.Load()
	folded := foldQuery(text)
	var out []string
	for _, cat := range snap.categories {
		if r.categoryMatches(cat, folded) {
			out = append(out, cat)
		}
	}
	return out
}

func (r *Registry) categoryMatches(cat, folded string) bool {
	if strings.Contains(folded, strings.ToLower(cat)) {
		return true
	}
	r.mu.Lock()
	words := r.keywords[cat]
	r.mu.Unlock()
	for _, w := range words {
		if strings.Contains(folded, w) {
			return true
		}
	}
	return false
}

// FilterForQuery selects the tool scope for a turn: the intent category's
// tools first, then tools from any category whose name or keywords appear
// in the query, deduplicated in first-seen order and truncated to max.
// Deterministic for identical registry state and query.
func (r *Registry) FilterForQuery(intent, query string, max int) []ToolDescriptor {
	snap := r.snap.Load()
	folded := foldQuery(query)
	intent = strings.ToUpper(intent)

	var cats []string
	if _, ok := snap.byCategory[intent]; ok {
		cats = append(cats, intent)
	}
	for _, cat := range snap.categories {
		if cat == intent {
			continue
		}
		if r.categoryMatches(cat, folded) {
			cats = append(cats, cat)
		}
	}

	seen := map[string]bool{}
	var out []ToolDescriptor
	for _, cat := range cats {
		for _, d := range snap.byCategory[cat] {
			if seen[d.Name] {
				continue
			}
			seen[d.Name] = true
			out = append(out, d)
			if len(out) == max {
				return out
			}
		}
	}
	return out
}

// compileSchema compiles a descriptor's parameter schema. An empty or
// null schema means the tool declares no parameters and skips validation.
func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// validateArgs checks call arguments against a compiled parameter
// schema. Absent arguments validate as an empty object.
func validateArgs(schema *jsonschema.Schema, args json.RawMessage) error {
	var doc any = map[string]any{}
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &doc); err != nil {
			return err
		}
	}
	return schema.Validate(doc)
}

// foldQuery normalizes free text for keyword matching.
func foldQuery(s string) string {
	return strings.ToLower(norm.NFKC.String(s))
}

func lowerAll(words []string) []string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = strings.ToLower(w)
	}
	return out
}
