package toolserver

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/vessar/rondo"
)

// fakeCache is an in-memory rondo.Cache for exercising the cache paths
// without a live backend.
type fakeCache struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
	gets int
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string][]byte)}
}

func (f *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeCache) Set(_ context.Context, key string, val []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	f.data[key] = val
	return nil
}

func (f *fakeCache) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func TestCanonicalHashKeyOrder(t *testing.T) {
	a := canonicalHash(json.RawMessage(`{"b":2,"a":1}`))
	b := canonicalHash(json.RawMessage(`{"a":1,"b":2}`))
	if a != b {
		t.Errorf("hashes differ for equivalent arguments: %s vs %s", a, b)
	}

	c := canonicalHash(json.RawMessage(`{"a":1,"b":3}`))
	if a == c {
		t.Error("hashes collide for different arguments")
	}
}

func TestCanonicalHashEmptyAndNil(t *testing.T) {
	if canonicalHash(nil) != canonicalHash(json.RawMessage(`{}`)) {
		t.Error("nil arguments should hash like the empty object")
	}
}

func TestCallTTLClasses(t *testing.T) {
	tests := []struct {
		source string
		want   time.Duration
	}{
		{"filesystem", callTTLFilesystem},
		{"fs", callTTLFilesystem},
		{"git", callTTLVCS},
		{"web-search", callTTLNetwork},
		{"fetch", callTTLNetwork},
		{"calculator", callTTLDefault},
	}
	for _, tt := range tests {
		if got := callTTL(tt.source); got != tt.want {
			t.Errorf("callTTL(%q) = %v, want %v", tt.source, got, tt.want)
		}
	}
}

func TestCallKeyScoping(t *testing.T) {
	args := json.RawMessage(`{"path":"/tmp"}`)
	k1 := callKey("fs", "read_file", args)
	k2 := callKey("fs", "list_dir", args)
	k3 := callKey("git", "read_file", args)
	if k1 == k2 || k1 == k3 {
		t.Error("call keys must be scoped by source and tool name")
	}
}

func TestListToolsCacheHit(t *testing.T) {
	cache := newFakeCache()
	defs := []rondo.ToolDescriptor{{Name: "read_file", Description: "Read a file"}}
	raw, _ := json.Marshal(defs)
	cache.data[discoveryKey("fs")] = raw

	// Command is bogus: a cache hit must bypass the subprocess entirely.
	cl := NewClient("fs", "/nonexistent/binary", nil, WithClientCache(cache))
	got, err := cl.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(got) != 1 || got[0].Name != "read_file" {
		t.Errorf("unexpected descriptors: %+v", got)
	}
}

func TestCallToolCacheHit(t *testing.T) {
	cache := newFakeCache()
	args := json.RawMessage(`{"path":"/etc/hosts"}`)
	cache.data[callKey("fs", "read_file", args)] = []byte("cached output")

	cl := NewClient("fs", "/nonexistent/binary", nil, WithClientCache(cache))
	got, err := cl.CallTool(context.Background(), "read_file", args)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got != "cached output" {
		t.Errorf("got %q, want %q", got, "cached output")
	}
}

func TestCallToolCacheHitIgnoresKeyOrder(t *testing.T) {
	cache := newFakeCache()
	cache.data[callKey("fs", "stat", json.RawMessage(`{"a":1,"b":2}`))] = []byte("hit")

	cl := NewClient("fs", "/nonexistent/binary", nil, WithClientCache(cache))
	got, err := cl.CallTool(context.Background(), "stat", json.RawMessage(`{"b":2,"a":1}`))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got != "hit" {
		t.Errorf("got %q, want cache hit despite key order", got)
	}
}

func TestClientClosedRejectsCalls(t *testing.T) {
	cl := NewClient("fs", "/nonexistent/binary", nil)
	if err := cl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := cl.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	_, err := cl.CallTool(context.Background(), "read_file", nil)
	if err == nil {
		t.Fatal("expected error on closed client")
	}
	if rondo.KindOf(err) != rondo.KindToolCrash {
		t.Errorf("kind = %v, want %v", rondo.KindOf(err), rondo.KindToolCrash)
	}
}

func TestProcessFrameCorrelation(t *testing.T) {
	tr := newTransport("fs", "true", nil, nil, "", rondo.NopLogger())
	ch := make(chan frameResult, 1)
	tr.pending[7] = ch

	tr.processFrame([]byte(`{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`))

	select {
	case fr := <-ch:
		if fr.err != nil {
			t.Fatalf("unexpected error: %v", fr.err)
		}
		if string(fr.resp.Result) != `{"ok":true}` {
			t.Errorf("result = %s", fr.resp.Result)
		}
	default:
		t.Fatal("expected correlated response")
	}
	if len(tr.pending) != 0 {
		t.Error("pending entry should be removed after delivery")
	}
}

func TestProcessFrameOrphanDropped(t *testing.T) {
	tr := newTransport("fs", "true", nil, nil, "", rondo.NopLogger())
	// No pending entry for id 9: the frame is drained and dropped.
	tr.processFrame([]byte(`{"jsonrpc":"2.0","id":9,"result":{}}`))
	if len(tr.pending) != 0 {
		t.Error("orphan frame must not create pending state")
	}
}

func TestProcessFrameMalformedPoisonsPending(t *testing.T) {
	tr := newTransport("fs", "true", nil, nil, "", rondo.NopLogger())
	ch := make(chan frameResult, 1)
	tr.pending[3] = ch

	tr.processFrame([]byte(`}garbage{`))

	select {
	case fr := <-ch:
		if fr.err == nil {
			t.Fatal("expected error after malformed frame")
		}
		if rondo.KindOf(fr.err) != rondo.KindToolProtocol {
			t.Errorf("kind = %v, want %v", rondo.KindOf(fr.err), rondo.KindToolProtocol)
		}
	default:
		t.Fatal("malformed frame must fail in-flight calls")
	}
}

func TestProcessFrameErrorReply(t *testing.T) {
	tr := newTransport("fs", "true", nil, nil, "", rondo.NopLogger())
	ch := make(chan frameResult, 1)
	tr.pending[4] = ch

	tr.processFrame([]byte(`{"jsonrpc":"2.0","id":4,"error":{"code":-32603,"message":"boom"}}`))

	fr := <-ch
	if fr.resp.Error == nil {
		t.Fatal("expected error object in frame")
	}
	if fr.resp.Error.Message != "boom" {
		t.Errorf("message = %q", fr.resp.Error.Message)
	}
}

func TestJoinContent(t *testing.T) {
	r := ToolCallResult{Content: []textContent{
		{Type: "text", Text: "line one"},
		{Type: "text", Text: ""},
		{Type: "text", Text: "line two"},
	}}
	if got := joinContent(r); got != "line one\nline two" {
		t.Errorf("joinContent = %q", got)
	}
}

var _ rondo.Cache = (*fakeCache)(nil)
