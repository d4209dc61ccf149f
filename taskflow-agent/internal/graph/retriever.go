package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/metrics"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/retrieval"
)

const (
	noPassages     = "No documents found matching the query."
	maxPassageRune = 1200
	maxToolResult  = 4000
)

func (a *Agent) retrieve(ctx context.Context, iter int, query string) Step {
	step := Step{Iteration: iter, Action: ActionRetrieve, Query: query}
	if a.retriever == nil {
		step.Observation = "action failed: document retrieval is not configured"
		step.Failed = true
		metrics.AgentActionsTotal.WithLabelValues(string(ActionRetrieve), "error").Inc()
		return step
	}
	res, err := a.retriever.Retrieve(ctx, retrieval.Query{Text: query, TopK: a.topK, Rerank: true})
	if err != nil {
		step.Observation = "action failed: " + err.Error()
		step.Failed = true
		metrics.AgentActionsTotal.WithLabelValues(string(ActionRetrieve), "error").Inc()
		return step
	}
	step.Observation = formatPassages(res)
	step.Degraded = res.Degraded
	metrics.AgentActionsTotal.WithLabelValues(string(ActionRetrieve), "success").Inc()
	return step
}

func formatPassages(res retrieval.Result) string {
	if len(res.Documents) == 0 {
		return noPassages
	}
	var b strings.Builder
	for i, d := range res.Documents {
		name, _ := d.Metadata["filename"].(string)
		if name == "" {
			name = "unknown"
		}
		fmt.Fprintf(&b, "Document %d (%s, score %.3f):\n%s\n\n", i+1, name, d.Score, truncate(d.Content, maxPassageRune))
	}
	if res.Warning != "" {
		fmt.Fprintf(&b, "(%s)\n", res.Warning)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatToolResult(v any) string {
	var s string
	switch t := v.(type) {
	case nil:
		s = "(no result)"
	case string:
		s = t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			s = fmt.Sprint(t)
		} else {
			s = string(b)
		}
	}
	return truncate(s, maxToolResult)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
