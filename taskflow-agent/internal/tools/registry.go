package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/metrics"
)

// HandlerFunc runs a local tool.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// Registry holds in-process tools and serves them over the MCP protocol.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool), handlers: make(map[string]HandlerFunc)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.InputSchema == nil {
		t.InputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	r.tools[t.Name] = t
	r.handlers[t.Name] = h
}

func (r *Registry) List(context.Context) ([]Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &ToolInvocationError{Tool: name, Code: CodeMethodNotFound, Message: "unknown tool", Err: ErrToolNotFound}
	}
	if args == nil {
		args = map[string]any{}
	}
	result, err := h(ctx, args)
	if err != nil {
		if _, ok := err.(*ToolInvocationError); ok {
			return nil, err
		}
		return nil, &ToolInvocationError{Tool: name, Code: CodeInternal, Message: "tool failed", Err: err}
	}
	return result, nil
}

// Routes mounts POST /mcp and GET /tools/list on router.
func (r *Registry) Routes(router *mux.Router) {
	router.HandleFunc("/mcp", r.handleMCP).Methods(http.MethodPost)
	router.HandleFunc("/tools/list", r.handleList).Methods(http.MethodGet)
}

func (r *Registry) handleList(w http.ResponseWriter, req *http.Request) {
	tools, _ := r.List(req.Context())
	writeJSON(w, map[string]any{"tools": tools})
}

func (r *Registry) handleMCP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()

	var rpc Request
	if err := json.NewDecoder(req.Body).Decode(&rpc); err != nil {
		metrics.MCPRequestsTotal.WithLabelValues("", "error").Inc()
		writeJSON(w, Response{Error: &RPCError{Code: CodeParseError, Message: "Parse error"}})
		return
	}
	defer func() {
		metrics.MCPRequestDuration.WithLabelValues(rpc.Method).Observe(time.Since(start).Seconds())
	}()

	resp := r.dispatch(req.Context(), rpc)
	status := "success"
	if resp.Error != nil {
		status = "error"
	}
	metrics.MCPRequestsTotal.WithLabelValues(rpc.Method, status).Inc()
	writeJSON(w, resp)
}

func (r *Registry) dispatch(ctx context.Context, rpc Request) Response {
	switch rpc.Method {
	case MethodList:
		tools, _ := r.List(ctx)
		return Response{ID: rpc.ID, Result: map[string]any{"tools": tools}}
	case MethodCall:
		name, ok := rpc.Params["name"].(string)
		if !ok || name == "" {
			return Response{ID: rpc.ID, Error: &RPCError{Code: CodeInvalidParams, Message: "Invalid tool name"}}
		}
		args, _ := rpc.Params["arguments"].(map[string]any)
		result, err := r.Call(ctx, name, args)
		if err != nil {
			code := CodeInternal
			if tie, ok := err.(*ToolInvocationError); ok {
				code = tie.Code
			}
			log.Warn().Err(err).Str("tool", name).Msg("tool call failed")
			return Response{ID: rpc.ID, Error: &RPCError{Code: code, Message: err.Error()}}
		}
		return Response{ID: rpc.ID, Result: result}
	default:
		return Response{ID: rpc.ID, Error: &RPCError{Code: CodeMethodNotFound, Message: "Method not found"}}
	}
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}
