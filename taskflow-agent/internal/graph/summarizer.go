package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/llm"
)

const systemPrompt = `You are a task assistant that answers questions using ingested documents and tools.
Reply with exactly one JSON object and nothing else:
{"action":"retrieve","query":"<search text>"} to search the documents,
{"action":"tool_call","tool":"<name>","arguments":{...}} to call a tool,
{"action":"finalize","answer":"<final answer>"} when you can answer.
Use observations from earlier steps. Do not repeat a failed action unchanged.`

// decision is the model's choice for one iteration.
type decision struct {
	Action    Action         `json:"action"`
	Query     string         `json:"query,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Answer    string         `json:"answer,omitempty"`
}

func buildMessages(st *state) []llm.Message {
	var sys strings.Builder
	sys.WriteString(systemPrompt)
	if len(st.tools) > 0 {
		sys.WriteString("\n\nAvailable tools:\n")
		for _, t := range st.tools {
			schema, _ := json.Marshal(t.InputSchema)
			fmt.Fprintf(&sys, "- %s: %s %s\n", t.Name, t.Description, schema)
		}
	} else {
		sys.WriteString("\n\nNo tools are available.")
	}

	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: sys.String()},
		{Role: llm.RoleUser, Content: st.query},
	}
	for _, step := range st.trace {
		if step.Decision != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: step.Decision})
		}
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: "Observation: " + step.Observation})
	}
	return msgs
}

// parseDecision extracts the JSON decision from a reply. Replies without one are
// not decisions.
func parseDecision(reply string) (decision, bool) {
	s := strings.TrimSpace(reply)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	i := strings.Index(s, "{")
	j := strings.LastIndex(s, "}")
	if i < 0 || j < i {
		return decision{}, false
	}
	var d decision
	if err := json.Unmarshal([]byte(s[i:j+1]), &d); err != nil {
		return decision{}, false
	}
	if d.Action == "" {
		return decision{}, false
	}
	d.Action = Action(strings.ToLower(string(d.Action)))
	return d, true
}

func composeMessages(st *state) []llm.Message {
	var ctxText strings.Builder
	for _, step := range st.trace {
		if step.Failed {
			continue
		}
		fmt.Fprintf(&ctxText, "%s\n\n", step.Observation)
	}
	prompt := fmt.Sprintf(
		"The user asked: %q.\n\nAnswer the question using the following findings:\n\n%s",
		st.query,
		ctxText.String(),
	)
	return []llm.Message{{Role: llm.RoleUser, Content: prompt}}
}

// finalize produces the answer. forwarded is the part of an inline answer already
// streamed while the decision was generated. A decision without an answer is composed
// from the trace with a streamed generation.
func (a *Agent) finalize(ctx context.Context, st *state, d decision, forwarded string, emit func(Event) bool) (string, error) {
	if d.Answer != "" {
		answer := critique(d.Answer, st)
		if rest := strings.TrimPrefix(answer, forwarded); rest != "" && !emit(Event{Type: EventToken, Content: rest}) {
			return "", context.Canceled
		}
		return answer, nil
	}

	answer, err := a.gen.Stream(ctx, composeMessages(st), func(tok string) error {
		if !emit(Event{Type: EventToken, Content: tok}) {
			return context.Canceled
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if n := note(answer, st); n != "" {
		if !emit(Event{Type: EventToken, Content: n}) {
			return "", context.Canceled
		}
		answer += n
	}
	return answer, nil
}
