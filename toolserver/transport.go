package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vessar/rondo"
)

// frameResult is what a waiting call receives: either the correlated
// response frame or a transport-level failure.
type frameResult struct {
	resp response
	err  error
}

// transport owns one server subprocess and its stdio pair. It correlates
// responses to requests by id, so a request abandoned by a cancelled
// caller is still read off the wire and dropped instead of
// desynchronizing the stream.
type transport struct {
	name    string
	command string
	args    []string
	env     map[string]string
	dir     string
	logger  *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Scanner
	stderr  io.ReadCloser

	pending   map[int64]chan frameResult
	pendingMu sync.Mutex
	nextID    atomic.Int64

	connected atomic.Bool
	stopChan  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newTransport(name, command string, args []string, env map[string]string, dir string, logger *slog.Logger) *transport {
	return &transport{
		name:     name,
		command:  command,
		args:     args,
		env:      env,
		dir:      dir,
		logger:   logger,
		pending:  make(map[int64]chan frameResult),
		stopChan: make(chan struct{}),
	}
}

// connect starts the subprocess and the reader goroutines.
func (t *transport) connect(ctx context.Context) error {
	if t.command == "" {
		return rondo.Faultf(rondo.KindInvalidRequest, "toolserver.connect", "command is required")
	}

	t.process = exec.CommandContext(ctx, t.command, t.args...)
	t.process.Env = os.Environ()
	for k, v := range t.env {
		t.process.Env = append(t.process.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if t.dir != "" {
		t.process.Dir = t.dir
	}

	var err error
	t.stdin, err = t.process.StdinPipe()
	if err != nil {
		return rondo.WrapFault(rondo.KindToolCrash, "toolserver.connect", err)
	}
	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return rondo.WrapFault(rondo.KindToolCrash, "toolserver.connect", err)
	}
	t.stdout = bufio.NewScanner(stdout)
	t.stdout.Buffer(make([]byte, 1024*1024), 1024*1024) // 1MB frames
	t.stderr, _ = t.process.StderrPipe()

	if err := t.process.Start(); err != nil {
		return rondo.WrapFault(rondo.KindToolCrash, "toolserver.connect", err)
	}

	t.connected.Store(true)
	t.logger.Info("toolserver: process started",
		"source", t.name,
		"command", t.command,
		"pid", t.process.Process.Pid)

	t.wg.Add(1)
	go t.readLoop()
	if t.stderr != nil {
		t.wg.Add(1)
		go t.logStderr()
	}
	return nil
}

// close kills the subprocess and waits for the reader goroutines.
// Idempotent; safe on a transport that never connected.
func (t *transport) close() {
	t.closeOnce.Do(func() {
		t.connected.Store(false)
		close(t.stopChan)
		if t.stdin != nil {
			t.stdin.Close()
		}
		if t.process != nil && t.process.Process != nil {
			t.process.Process.Kill()
		}
		t.wg.Wait()
		if t.process != nil {
			t.process.Wait()
		}
		t.failPending(rondo.Faultf(rondo.KindToolCrash, "toolserver.close", "transport closed"))
	})
}

func (t *transport) alive() bool { return t.connected.Load() }

// call sends one frame and waits for the matching response, bounded by
// timeout. A caller that gives up leaves its id unregistered; the late
// response is read and dropped by the read loop.
func (t *transport) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	op := "toolserver." + method
	if !t.connected.Load() {
		return nil, rondo.Faultf(rondo.KindToolCrash, op, "not connected")
	}

	id := t.nextID.Add(1)
	req := request{JSONRPC: "2.0", ID: json.RawMessage(strconv.FormatInt(id, 10)), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, rondo.WrapFault(rondo.KindToolProtocol, op, err)
		}
		req.Params = raw
	}

	respChan := make(chan frameResult, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	data, _ := json.Marshal(req)
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return nil, rondo.WrapFault(rondo.KindToolCrash, op, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case fr := <-respChan:
		if fr.err != nil {
			return nil, fr.err
		}
		if fr.resp.Error != nil {
			return nil, rondo.Faultf(rondo.KindToolError, op, "server error %d: %s", fr.resp.Error.Code, fr.resp.Error.Message)
		}
		return fr.resp.Result, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, rondo.WrapFault(rondo.KindToolTimeout, op, ctx.Err())
		}
		return nil, rondo.WrapFault(rondo.KindToolError, op, ctx.Err())
	case <-timer.C:
		return nil, rondo.Faultf(rondo.KindToolTimeout, op, "no response after %s", timeout)
	case <-t.stopChan:
		return nil, rondo.Faultf(rondo.KindToolCrash, op, "transport closed")
	}
}

// notify sends a frame without expecting a response.
func (t *transport) notify(method string, params any) {
	if !t.connected.Load() {
		return
	}
	req := request{JSONRPC: "2.0", Method: method}
	if params != nil {
		if raw, err := json.Marshal(params); err == nil {
			req.Params = raw
		}
	}
	data, _ := json.Marshal(req)
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.logger.Warn("toolserver: notify failed", "source", t.name, "method", method, "error", err)
	}
}

// readLoop reads frames from the child's stdout until EOF or stop.
func (t *transport) readLoop() {
	defer t.wg.Done()
	defer t.connected.Store(false)

	for t.stdout.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}
		line := t.stdout.Bytes()
		if len(line) == 0 {
			continue
		}
		t.processFrame(line)
	}
	if err := t.stdout.Err(); err != nil {
		t.logger.Error("toolserver: stdout read failed", "source", t.name, "error", err)
	}
	// EOF: the child closed stdout or died. Whoever is waiting learns now.
	t.failPending(rondo.Faultf(rondo.KindToolCrash, "toolserver.read", "server closed its stdout"))
}

// processFrame correlates one response frame to its pending call. A frame
// that is not valid JSON poisons every in-flight call: after a garbled
// frame the id correlation cannot be trusted.
func (t *transport) processFrame(line []byte) {
	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		t.logger.Warn("toolserver: malformed frame", "source", t.name, "error", err)
		t.failPending(rondo.Faultf(rondo.KindToolProtocol, "toolserver.read", "malformed frame: %v", err))
		return
	}
	if len(resp.ID) == 0 || string(resp.ID) == "null" {
		return // server-side notification, ignored
	}
	id, err := strconv.ParseInt(string(resp.ID), 10, 64)
	if err != nil {
		t.logger.Warn("toolserver: unexpected response id", "source", t.name, "id", string(resp.ID))
		return
	}

	t.pendingMu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()
	if !ok {
		// Response to a cancelled or timed-out call: drained, dropped.
		t.logger.Debug("toolserver: dropped orphan response", "source", t.name, "id", id)
		return
	}
	select {
	case ch <- frameResult{resp: resp}:
	default:
	}
}

// failPending completes every in-flight call with err.
func (t *transport) failPending(err error) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for id, ch := range t.pending {
		select {
		case ch <- frameResult{err: err}:
		default:
		}
		delete(t.pending, id)
	}
}

// logStderr forwards the child's stderr lines to the structured log.
func (t *transport) logStderr() {
	defer t.wg.Done()
	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}
		if line := scanner.Text(); line != "" {
			t.logger.Debug("toolserver: server stderr", "source", t.name, "message", line)
		}
	}
}
