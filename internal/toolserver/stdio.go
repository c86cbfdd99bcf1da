package toolserver

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
	"time"
)

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
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

// StdioProcess implements Process over a JSON-RPC subprocess speaking
// newline-delimited JSON on stdin/stdout, grounded on the shape of
// mcp.StdioTransport.
type StdioProcess struct {
	config ServerConfig

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	scanner *bufio.Scanner

	pendingMu sync.Mutex
	pending   map[int64]chan jsonrpcResponse
	nextID    atomic.Int64

	connected atomic.Bool
	stopCh    chan struct{}
}

// NewStdioProcess builds a Process for cfg, not yet spawned.
func NewStdioProcess(cfg ServerConfig) *StdioProcess {
	return &StdioProcess{
		config:  cfg,
		pending: make(map[int64]chan jsonrpcResponse),
		stopCh:  make(chan struct{}),
	}
}

// Spawn starts the subprocess and its stdout read loop.
func (p *StdioProcess) Spawn() error {
	if p.config.Command == "" {
		return fmt.Errorf("toolserver: command required for stdio server %q", p.config.ID)
	}

	cmd := exec.Command(p.config.Command, p.config.Args...)
	cmd.Env = os.Environ()
	for k, v := range p.config.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if p.config.WorkDir != "" {
		cmd.Dir = p.config.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("toolserver: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("toolserver: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("toolserver: start %q: %w", p.config.Command, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)

	p.mu.Lock()
	p.cmd = cmd
	p.stdin = stdin
	p.scanner = scanner
	p.mu.Unlock()

	p.connected.Store(true)
	go p.readLoop(scanner)
	return nil
}

func (p *StdioProcess) readLoop(scanner *bufio.Scanner) {
	defer p.connected.Store(false)
	for scanner.Scan() {
		select {
		case <-p.stopCh:
			return
		default:
		}
		var resp jsonrpcResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			continue
		}
		p.pendingMu.Lock()
		if ch, ok := p.pending[resp.ID]; ok {
			select {
			case ch <- resp:
			default:
			}
			delete(p.pending, resp.ID)
		}
		p.pendingMu.Unlock()
	}
}

func (p *StdioProcess) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !p.connected.Load() {
		return nil, fmt.Errorf("toolserver: %q not connected", p.config.ID)
	}

	id := p.nextID.Add(1)
	req := jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Params = raw
	}

	respCh := make(chan jsonrpcResponse, 1)
	p.pendingMu.Lock()
	p.pending[id] = respCh
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	_, err = p.stdin.Write(append(data, '\n'))
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	timeout := p.config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, fmt.Errorf("toolserver: %s error %d: %s", method, resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("toolserver: %s timed out after %v", method, timeout)
	case <-p.stopCh:
		return nil, fmt.Errorf("toolserver: %q closed", p.config.ID)
	}
}

// Healthy pings the process with a cheap list-tools call.
func (p *StdioProcess) Healthy() bool {
	if !p.connected.Load() {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := p.call(ctx, "tools/list", nil)
	return err == nil
}

// ListTools calls the MCP tools/list method.
func (p *StdioProcess) ListTools() ([]Tool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	raw, err := p.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CallTool calls the MCP tools/call method.
func (p *StdioProcess) CallTool(name string, args map[string]any) (*CallResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeoutOrDefault())
	defer cancel()

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	raw, err := p.call(ctx, "tools/call", map[string]any{"name": name, "arguments": json.RawMessage(argsJSON)})
	if err != nil {
		return nil, err
	}
	var result CallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (p *StdioProcess) timeoutOrDefault() time.Duration {
	if p.config.Timeout > 0 {
		return p.config.Timeout
	}
	return 30 * time.Second
}

// Stop kills the subprocess and stops the read loop.
func (p *StdioProcess) Stop() error {
	if !p.connected.CompareAndSwap(true, false) {
		return nil
	}
	close(p.stopCh)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin != nil {
		p.stdin.Close()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}
