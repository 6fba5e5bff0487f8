package toolserver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vessar/rondo"
)

// Cache TTLs. Discovery results are stable for a server's lifetime; call
// results age out by what kind of world the server touches.
const (
	DiscoveryTTL = 30 * time.Minute

	callTTLFilesystem = 120 * time.Second
	callTTLVCS        = 60 * time.Second
	callTTLNetwork    = 300 * time.Second
	callTTLDefault    = 60 * time.Second

	defaultCallTimeout    = 30 * time.Second
	defaultControlTimeout = 10 * time.Second
)

// Client supervises one external tool server subprocess and implements
// rondo.RemoteSource. All operations on the stdio pair are serialized:
// one in-flight frame at a time. A broken transport is reconnected at
// most once per operation.
type Client struct {
	name    string
	command string
	args    []string
	env     map[string]string
	dir     string

	cache          rondo.Cache // nil disables discovery and call caching
	logger         *slog.Logger
	callTimeout    time.Duration
	controlTimeout time.Duration

	mu     sync.Mutex // serializes connect/list/call/close
	tr     *transport
	closed bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientCache enables discovery and call result caching.
func WithClientCache(c rondo.Cache) ClientOption {
	return func(cl *Client) { cl.cache = c }
}

// WithClientLogger sets a structured logger. Defaults to discard.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(cl *Client) { cl.logger = l }
}

// WithClientEnv adds environment variables for the server process.
func WithClientEnv(env map[string]string) ClientOption {
	return func(cl *Client) { cl.env = env }
}

// WithClientDir sets the server process working directory.
func WithClientDir(dir string) ClientOption {
	return func(cl *Client) { cl.dir = dir }
}

// WithCallTimeout overrides the per-call timeout (default 30s).
func WithCallTimeout(d time.Duration) ClientOption {
	return func(cl *Client) { cl.callTimeout = d }
}

// NewClient creates a client for the tool server started by command.
// The name doubles as the registry category (upper-cased) and as the
// cache key scope; nothing is spawned until the first operation or an
// explicit Connect.
func NewClient(name, command string, args []string, opts ...ClientOption) *Client {
	cl := &Client{
		name:           name,
		command:        command,
		args:           args,
		logger:         rondo.NopLogger(),
		callTimeout:    defaultCallTimeout,
		controlTimeout: defaultControlTimeout,
	}
	for _, opt := range opts {
		opt(cl)
	}
	return cl
}

// Name implements rondo.RemoteSource.
func (c *Client) Name() string { return c.name }

// Connect spawns the server and performs the initialize handshake.
// Operations connect lazily, so calling Connect up front is optional but
// surfaces configuration errors early.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureLocked(ctx)
}

// Close terminates the server process. Idempotent; the client cannot be
// reused afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.tr != nil {
		c.tr.close()
		c.tr = nil
	}
	return nil
}

// ListTools implements rondo.RemoteSource. Results are cached for
// DiscoveryTTL; a hit bypasses the subprocess entirely.
func (c *Client) ListTools(ctx context.Context) ([]rondo.ToolDescriptor, error) {
	key := discoveryKey(c.name)
	if c.cache != nil {
		if raw, ok, err := c.cache.Get(ctx, key); err != nil {
			c.logger.Warn("toolserver: discovery cache read failed", "source", c.name, "error", err)
		} else if ok {
			var defs []rondo.ToolDescriptor
			if json.Unmarshal(raw, &defs) == nil {
				return defs, nil
			}
		}
	}

	raw, err := c.do(ctx, "tools/list", nil, c.controlTimeout)
	if err != nil {
		return nil, err
	}
	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, rondo.WrapFault(rondo.KindToolProtocol, "toolserver.tools/list", err)
	}
	defs := make([]rondo.ToolDescriptor, len(result.Tools))
	for i, t := range result.Tools {
		defs[i] = rondo.ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		}
	}

	if c.cache != nil {
		if data, err := json.Marshal(defs); err == nil {
			if err := c.cache.Set(ctx, key, data, DiscoveryTTL); err != nil {
				c.logger.Warn("toolserver: discovery cache write failed", "source", c.name, "error", err)
			}
		}
	}
	return defs, nil
}

// CallTool implements rondo.RemoteSource. Results are cached under the
// canonical (key-sorted) argument hash so equivalent invocations share an
// entry; error replies are never cached.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	key := callKey(c.name, name, args)
	ttl := callTTL(c.name)
	if c.cache != nil {
		if raw, ok, err := c.cache.Get(ctx, key); err != nil {
			c.logger.Warn("toolserver: call cache read failed", "source", c.name, "tool", name, "error", err)
		} else if ok {
			c.logger.Debug("toolserver: call cache hit", "source", c.name, "tool", name)
			return string(raw), nil
		}
	}

	params := toolCallParams{Name: name, Arguments: args}
	raw, err := c.do(ctx, "tools/call", params, c.callTimeout)
	if err != nil {
		return "", err
	}
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", rondo.WrapFault(rondo.KindToolProtocol, "toolserver.tools/call", err)
	}
	text := joinContent(result)
	if result.IsError {
		return "", rondo.Faultf(rondo.KindToolError, "toolserver.tools/call", "%s", text)
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, key, []byte(text), ttl); err != nil {
			c.logger.Warn("toolserver: call cache write failed", "source", c.name, "tool", name, "error", err)
		}
	}
	return text, nil
}

// do runs one serialized frame exchange, transparently reconnecting at
// most once when the transport is down or crashes mid-call.
func (c *Client) do(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLocked(ctx); err != nil {
		return nil, err
	}
	raw, err := c.tr.call(ctx, method, params, timeout)
	if err == nil || rondo.KindOf(err) != rondo.KindToolCrash {
		return raw, err
	}

	c.logger.Warn("toolserver: reconnecting after transport failure",
		"source", c.name, "method", method, "error", err)
	c.tr.close()
	c.tr = nil
	if cerr := c.ensureLocked(ctx); cerr != nil {
		return nil, err // report the original failure
	}
	return c.tr.call(ctx, method, params, timeout)
}

// ensureLocked connects and handshakes if needed. Caller holds c.mu.
func (c *Client) ensureLocked(ctx context.Context) error {
	if c.closed {
		return rondo.Faultf(rondo.KindToolCrash, "toolserver.connect", "client is closed")
	}
	if c.tr != nil && c.tr.alive() {
		return nil
	}
	if c.tr != nil {
		c.tr.close()
		c.tr = nil
	}

	// The child must outlive the request that spawned it.
	tr := newTransport(c.name, c.command, c.args, c.env, c.dir, c.logger)
	if err := tr.connect(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	raw, err := tr.call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: "rondo", Version: "1.0.0"},
	}, c.controlTimeout)
	if err != nil {
		tr.close()
		return err
	}
	var init initializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		tr.close()
		return rondo.WrapFault(rondo.KindToolProtocol, "toolserver.initialize", err)
	}
	tr.notify("notifications/initialized", nil)

	c.logger.Info("toolserver: connected",
		"source", c.name,
		"server", init.ServerInfo.Name,
		"version", init.ServerInfo.Version,
		"protocol", init.ProtocolVersion)
	c.tr = tr
	return nil
}

// --- cache keys ---

func discoveryKey(source string) string {
	return fmt.Sprintf("toolserver:%s:tools", source)
}

func callKey(source, tool string, args json.RawMessage) string {
	return fmt.Sprintf("toolserver:%s:call:%s:%s", source, tool, canonicalHash(args))
}

// canonicalHash hashes the key-sorted form of args, so argument objects
// that differ only in key order share a cache entry.
func canonicalHash(args json.RawMessage) string {
	canonical := []byte("{}")
	if len(args) > 0 {
		var v any
		if err := json.Unmarshal(args, &v); err == nil {
			if b, err := json.Marshal(v); err == nil {
				canonical = b
			}
		} else {
			canonical = args
		}
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// callTTL classifies the source by name: filesystem output changes when
// files do, version control when commits land, the network on its own
// schedule.
func callTTL(source string) time.Duration {
	s := strings.ToLower(source)
	switch {
	case strings.Contains(s, "file") || strings.Contains(s, "fs"):
		return callTTLFilesystem
	case strings.Contains(s, "git") || strings.Contains(s, "vcs"):
		return callTTLVCS
	case strings.Contains(s, "net") || strings.Contains(s, "http") ||
		strings.Contains(s, "web") || strings.Contains(s, "fetch") ||
		strings.Contains(s, "search"):
		return callTTLNetwork
	default:
		return callTTLDefault
	}
}

var _ rondo.RemoteSource = (*Client)(nil)
