package tools

import (
	"context"
	"strings"

	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/retrieval"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/storage"
)

// DocumentStore is the part of retrieval.Pipeline exposed as tools.
type DocumentStore interface {
	Retrieve(ctx context.Context, q retrieval.Query) (retrieval.Result, error)
	Documents(ctx context.Context) ([]storage.Document, error)
}

// RegisterDocumentTools adds search_documents and list_documents to r.
func RegisterDocumentTools(r *Registry, store DocumentStore) {
	r.Register(Tool{
		Name:        "search_documents",
		Description: "Search ingested documents for passages relevant to a query",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "description": "Search query"},
				"top_k": map[string]any{"type": "integer", "description": "Number of passages to return"},
			},
			"required": []string{"query"},
		},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		query, _ := args["query"].(string)
		if strings.TrimSpace(query) == "" {
			return nil, &ToolInvocationError{Tool: "search_documents", Code: CodeInvalidParams, Message: "query is required"}
		}
		topK := 0
		if v, ok := args["top_k"].(float64); ok {
			topK = int(v)
		}
		res, err := store.Retrieve(ctx, retrieval.Query{Text: query, TopK: topK, Rerank: true})
		if err != nil {
			return nil, err
		}
		return res, nil
	})

	r.Register(Tool{
		Name:        "list_documents",
		Description: "List ingested documents",
	}, func(ctx context.Context, _ map[string]any) (any, error) {
		docs, err := store.Documents(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"documents": docs}, nil
	})
}
