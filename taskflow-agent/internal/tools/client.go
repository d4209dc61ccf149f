package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client talks to a remote MCP gateway over POST /mcp.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) List(ctx context.Context) ([]Tool, error) {
	var result struct {
		Tools []Tool `json:"tools"`
	}
	if err := c.do(ctx, Request{Method: MethodList}, &result); err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}
	return result.Tools, nil
}

// Call invokes name. Every failure is a *ToolInvocationError.
func (c *Client) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	var result any
	err := c.do(ctx, Request{
		Method: MethodCall,
		Params: map[string]any{"name": name, "arguments": args},
	}, &result)
	if err != nil {
		if rpcErr, ok := err.(*RPCError); ok {
			return nil, &ToolInvocationError{Tool: name, Code: rpcErr.Code, Message: rpcErr.Message}
		}
		return nil, &ToolInvocationError{Tool: name, Code: CodeUnavailable, Message: "gateway request failed", Err: err}
	}
	return result, nil
}

func (c *Client) do(ctx context.Context, rpc Request, out any) error {
	rpc.ID = uuid.NewString()
	payload, err := json.Marshal(rpc)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mcp", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return &RPCError{Code: CodeBackendError, Message: fmt.Sprintf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	var envelope struct {
		ID     string          `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return &RPCError{Code: CodeParseError, Message: fmt.Sprintf("decoding response: %v", err)}
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if len(envelope.Result) == 0 || out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return &RPCError{Code: CodeParseError, Message: fmt.Sprintf("decoding result: %v", err)}
	}
	return nil
}

func (e *RPCError) Error() string { return fmt.Sprintf("%s (code %d)", e.Message, e.Code) }
