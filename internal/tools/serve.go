package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// JSON-RPC 2.0 error codes used for protocol failures. Tool failures are
// reported inside a successful response as a Result.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
)

// MethodList returns the tool descriptors.
const MethodList = "tools.list"

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Notification is a server-initiated message with no id, such as an idle
// advisory. Serve writes every value received on Registry.Notifications.
type Notification struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Notification
}

// Serve reads newline-delimited JSON-RPC requests from in and writes one
// response line per request to out. Requests run concurrently, so a slow
// spawn does not block other calls. Notifications (no id) get no response.
// Serve returns when in is exhausted or ctx is done, after in-flight calls
// finish.
func (r *Registry) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	var (
		wmu sync.Mutex
		wg  sync.WaitGroup
	)
	enc := json.NewEncoder(out)
	write := func(msg any) {
		wmu.Lock()
		defer wmu.Unlock()
		if err := enc.Encode(msg); err != nil {
			r.Logger.Error("write response failed", "error", err)
		}
	}
	defer wg.Wait()

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-r.Notifications:
			if !ok {
				r.Notifications = nil
				continue
			}
			write(rpcNotification{JSONRPC: "2.0", Notification: n})
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("read requests: %w", err)
					}
				default:
				}
				return nil
			}
			if len(line) == 0 {
				continue
			}
			var req rpcRequest
			if err := json.Unmarshal(line, &req); err != nil {
				write(rpcResponse{JSONRPC: "2.0", ID: json.RawMessage("null"), Error: &rpcError{Code: ErrCodeParse, Message: "parse error"}})
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if resp, ok := r.handleRPC(ctx, req); ok {
					write(resp)
				}
			}()
		}
	}
}

func (r *Registry) handleRPC(ctx context.Context, req rpcRequest) (rpcResponse, bool) {
	hasID := len(req.ID) > 0 && string(req.ID) != "null"
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if !hasID {
		resp.ID = json.RawMessage("null")
	}
	switch {
	case req.JSONRPC != "2.0" || req.Method == "":
		resp.Error = &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"}
	case req.Method == MethodList:
		resp.Result = map[string]any{"tools": r.List()}
	default:
		if _, known := r.tools[req.Method]; !known {
			resp.Error = &rpcError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
			break
		}
		resp.Result = r.Invoke(ctx, req.Method, req.Params)
	}
	return resp, hasID
}
