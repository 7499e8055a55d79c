// Package mcpclient is a hand-rolled stdio JSON-RPC client for MCP tool
// servers (C2). It intentionally does not depend on the official MCP Go
// SDK: the coordinator's MCP path mirrors the donor implementation's
// spawn → initialize → notifications/initialized → tools/list → tools/call
// → shutdown lifecycle exactly, one JSON-RPC line per request/response,
// serialized per server.
package mcpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jobop/agentcoord/core"
	"github.com/jobop/agentcoord/internal/domain"
)

const protocolVersion = "2024-11-05"

// Error kinds for the transport taxonomy's MCP members. Threaded through
// core.FrameworkError.Kind so callers can classify via errors.As without
// string-matching Error() text.
const (
	KindMCPSpawnError    = "mcp_spawn_error"
	KindMCPProtocolError = "mcp_protocol_error"
	KindMCPServerDown    = "mcp_server_down"
	KindMCPFramingError  = "mcp_framing_error"
)

type jsonrpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      *int64      `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// serverProcess is one spawned MCP server and its serialized stdio pipe.
type serverProcess struct {
	mu     sync.Mutex // serializes request/response pairs for this server
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
}

// Client manages the set of spawned MCP servers for one coordinator
// process. Safe for concurrent use; each named server serializes its own
// requests independently of the others.
type Client struct {
	nextID  int64 // JSON-RPC request id counter, shared by all servers of this client
	mu      sync.RWMutex
	servers map[string]*serverProcess
	entries map[string]domain.MCPServerEntry
	logger  core.Logger
}

// New builds an empty Client. Servers are spawned lazily via Discover.
func New(logger core.Logger) *Client {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Client{
		servers: make(map[string]*serverProcess),
		entries: make(map[string]domain.MCPServerEntry),
		logger:  logger,
	}
}

// KnownServers returns the last-discovered state of every MCP server this
// client has attempted, used by the executor to infer a tool's owning
// server when a tool_use step target carries no explicit "server:tool"
// prefix (§4.6).
func (c *Client) KnownServers() []domain.MCPServerEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.MCPServerEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	return out
}

// Discover spawns the named server if not already running, performs the
// initialize/initialized handshake, lists its tools, and returns the
// populated MCPServerEntry. On any failure the entry's State is Failed and
// the error is returned. A server whose spawn failed is left unregistered,
// so a later call spawns it again; a server that started but failed the
// handshake or tools/list stays registered, and a later call reuses it.
func (c *Client) Discover(ctx context.Context, name string, def domain.MCPServerEntry) (*domain.MCPServerEntry, error) {
	entry := def
	entry.Name = name

	proc, err := c.ensureStarted(name, def)
	if err != nil {
		entry.State = domain.MCPFailed
		c.recordEntry(entry)
		return &entry, fmt.Errorf("start mcp server %s: %w", name, err)
	}
	entry.State = domain.MCPRunning

	if err := c.initialize(ctx, proc); err != nil {
		entry.State = domain.MCPFailed
		c.recordEntry(entry)
		return &entry, fmt.Errorf("initialize mcp server %s: %w", name, err)
	}

	tools, err := c.listTools(ctx, proc)
	if err != nil {
		entry.State = domain.MCPFailed
		c.recordEntry(entry)
		return &entry, fmt.Errorf("list tools for mcp server %s: %w", name, err)
	}

	entry.State = domain.MCPListed
	entry.Tools = tools
	c.recordEntry(entry)
	c.logger.Info("mcp server tools discovered", map[string]interface{}{"server": name, "tool_count": len(tools)})
	return &entry, nil
}

func (c *Client) recordEntry(entry domain.MCPServerEntry) {
	c.mu.Lock()
	c.entries[entry.Name] = entry
	c.mu.Unlock()
}

func (c *Client) ensureStarted(name string, def domain.MCPServerEntry) (*serverProcess, error) {
	c.mu.RLock()
	if p, ok := c.servers[name]; ok {
		c.mu.RUnlock()
		return p, nil
	}
	c.mu.RUnlock()

	if def.Command == "" {
		return nil, &core.FrameworkError{Op: "mcpclient.ensureStarted", Kind: KindMCPSpawnError, ID: name, Message: "missing command"}
	}

	cmd := exec.Command(def.Command, def.Args...)
	cmd.Env = os.Environ()
	for k, v := range def.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &core.FrameworkError{Op: "mcpclient.ensureStarted", Kind: KindMCPSpawnError, ID: name, Message: "stdin pipe", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &core.FrameworkError{Op: "mcpclient.ensureStarted", Kind: KindMCPSpawnError, ID: name, Message: "stdout pipe", Err: err}
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, &core.FrameworkError{Op: "mcpclient.ensureStarted", Kind: KindMCPSpawnError, ID: name, Message: "exec", Err: err}
	}

	proc := &serverProcess{cmd: cmd, stdin: stdin, reader: bufio.NewReader(stdout)}

	c.mu.Lock()
	c.servers[name] = proc
	c.mu.Unlock()

	c.logger.Info("mcp server started", map[string]interface{}{"server": name, "pid": cmd.Process.Pid})
	return proc, nil
}

func (c *Client) initialize(ctx context.Context, proc *serverProcess) error {
	params := map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]interface{}{
			"roots":    map[string]interface{}{"listChanged": true},
			"sampling": map[string]interface{}{},
		},
		"clientInfo": map[string]interface{}{
			"name":    "agentcoord",
			"version": "1.0.0",
		},
	}
	if _, err := c.call(ctx, proc, "initialize", params); err != nil {
		return err
	}
	return c.notify(proc, "notifications/initialized", nil)
}

func (c *Client) listTools(ctx context.Context, proc *serverProcess) ([]domain.ToolDescriptor, error) {
	result, err := c.call(ctx, proc, "tools/list", map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("parse tools/list result: %w", err)
	}
	tools := make([]domain.ToolDescriptor, 0, len(parsed.Tools))
	for _, t := range parsed.Tools {
		tools = append(tools, domain.ToolDescriptor{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return tools, nil
}

// CallTool invokes one tool on a running server, returning its raw result.
func (c *Client) CallTool(ctx context.Context, server, tool string, arguments map[string]interface{}) (map[string]interface{}, error) {
	c.mu.RLock()
	proc, ok := c.servers[server]
	c.mu.RUnlock()
	if !ok {
		return nil, &core.FrameworkError{Op: "mcpclient.CallTool", Kind: KindMCPServerDown, ID: server, Message: "server not started"}
	}

	result, err := c.call(ctx, proc, "tools/call", map[string]interface{}{"name": tool, "arguments": arguments})
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(result, &out); err != nil {
		// Not every tool result is a JSON object; wrap the raw payload.
		return map[string]interface{}{"raw": string(result)}, nil
	}
	return out, nil
}

// call sends a JSON-RPC request and blocks for its matched response. Per-
// server mutex serializes the write-then-readline pair so concurrent
// callers of the same server never interleave frames. The mutex is held by
// the goroutine doing the I/O, so a caller whose ctx ends first does not
// free the pipe before its response line has been read.
func (c *Client) call(ctx context.Context, proc *serverProcess, method string, params interface{}) (json.RawMessage, error) {
	type result struct {
		resp jsonrpcResponse
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		proc.mu.Lock()
		defer proc.mu.Unlock()

		id := atomic.AddInt64(&c.nextID, 1)
		req := jsonrpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
		line, err := json.Marshal(req)
		if err != nil {
			ch <- result{err: &core.FrameworkError{Op: "mcpclient.call", Kind: KindMCPFramingError, Message: "marshal request", Err: err}}
			return
		}
		line = append(line, '\n')

		if _, err := proc.stdin.Write(line); err != nil {
			ch <- result{err: &core.FrameworkError{Op: "mcpclient.call", Kind: KindMCPServerDown, Message: "write request", Err: err}}
			return
		}
		respLine, err := proc.reader.ReadBytes('\n')
		if err != nil {
			ch <- result{err: &core.FrameworkError{Op: "mcpclient.call", Kind: KindMCPServerDown, Message: "read response", Err: err}}
			return
		}
		var resp jsonrpcResponse
		if err := json.Unmarshal(respLine, &resp); err != nil {
			ch <- result{err: &core.FrameworkError{Op: "mcpclient.call", Kind: KindMCPFramingError, Message: "parse response", Err: err}}
			return
		}
		ch <- result{resp: resp}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.resp.Error != nil {
			return nil, &core.FrameworkError{Op: "mcpclient.call", Kind: KindMCPProtocolError, Message: r.resp.Error.Message}
		}
		return r.resp.Result, nil
	}
}

// notify sends a JSON-RPC notification (no id, no response expected).
func (c *Client) notify(proc *serverProcess, method string, params interface{}) error {
	req := jsonrpcRequest{JSONRPC: "2.0", Method: method, Params: params}
	line, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	line = append(line, '\n')
	proc.mu.Lock()
	defer proc.mu.Unlock()
	_, err = proc.stdin.Write(line)
	return err
}

// CloseAll sends SIGTERM to every spawned server and waits briefly for
// exit, matching the donor's close_all_servers shutdown sweep.
func (c *Client) CloseAll(ctx context.Context) {
	c.mu.Lock()
	servers := c.servers
	c.servers = make(map[string]*serverProcess)
	c.mu.Unlock()

	for name, proc := range servers {
		c.closeOne(name, proc)
	}
}

func (c *Client) closeOne(name string, proc *serverProcess) {
	if proc.cmd.Process == nil {
		return
	}
	_ = proc.cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan error, 1)
	go func() { done <- proc.cmd.Wait() }()
	select {
	case <-done:
		c.logger.Info("mcp server stopped", map[string]interface{}{"server": name})
	case <-time.After(5 * time.Second):
		_ = proc.cmd.Process.Kill()
		c.logger.Warn("mcp server killed after grace period", map[string]interface{}{"server": name})
	}
}
