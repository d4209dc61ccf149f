package tools

import (
	"context"
	"errors"
	"fmt"
)

// JSON-RPC style error codes used by the MCP gateway.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeUnavailable    = -32004
	CodeBackendError   = -32006
)

const (
	MethodList = "tools/list"
	MethodCall = "tools/call"
)

var ErrToolNotFound = errors.New("tool not found")

type Request struct {
	ID     string         `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

type Response struct {
	ID     string    `json:"id"`
	Result any       `json:"result,omitempty"`
	Error  *RPCError `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Tool describes a callable tool and its JSON schema.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Toolset lists and invokes tools.
type Toolset interface {
	List(ctx context.Context) ([]Tool, error)
	Call(ctx context.Context, name string, args map[string]any) (any, error)
}

// ToolInvocationError reports a failed tool call.
type ToolInvocationError struct {
	Tool    string
	Code    int
	Message string
	Err     error
}

func (e *ToolInvocationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Message, e.Err)
	}
	return fmt.Sprintf("tool %s: %s (code %d)", e.Tool, e.Message, e.Code)
}

func (e *ToolInvocationError) Unwrap() error { return e.Err }

// Chain merges toolsets. Earlier toolsets win on name clashes.
type Chain []Toolset

func (c Chain) List(ctx context.Context) ([]Tool, error) {
	seen := make(map[string]bool)
	var out []Tool
	for _, ts := range c {
		list, err := ts.List(ctx)
		if err != nil {
			return out, err
		}
		for _, t := range list {
			if seen[t.Name] {
				continue
			}
			seen[t.Name] = true
			out = append(out, t)
		}
	}
	return out, nil
}

func (c Chain) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	for _, ts := range c {
		list, err := ts.List(ctx)
		if err != nil {
			continue
		}
		for _, t := range list {
			if t.Name == name {
				return ts.Call(ctx, name, args)
			}
		}
	}
	return nil, &ToolInvocationError{Tool: name, Code: CodeMethodNotFound, Message: "unknown tool", Err: ErrToolNotFound}
}
