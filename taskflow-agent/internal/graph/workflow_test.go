package graph

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/llm"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/rerank"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/retrieval"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/tools"
)

// scripted replies with the given texts in order, repeating the last one.
type scripted struct {
	mu      sync.Mutex
	replies []string
	calls   int
	streams int
	err     error
	seen    [][]llm.Message
}

func (s *scripted) Model() string { return "scripted" }

func (s *scripted) next(msgs []llm.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.seen = append(s.seen, msgs)
	if s.err != nil {
		return "", s.err
	}
	i := min(s.calls-1, len(s.replies)-1)
	return s.replies[i], nil
}

func (s *scripted) Generate(_ context.Context, msgs []llm.Message) (string, error) {
	return s.next(msgs)
}

func (s *scripted) Stream(ctx context.Context, msgs []llm.Message, onToken llm.TokenFunc) (string, error) {
	s.mu.Lock()
	s.streams++
	s.mu.Unlock()
	text, err := s.next(msgs)
	if err != nil {
		return "", err
	}
	var out strings.Builder
	for _, tok := range strings.SplitAfter(text, " ") {
		if err := ctx.Err(); err != nil {
			return out.String(), err
		}
		out.WriteString(tok)
		if onToken != nil {
			if err := onToken(tok); err != nil {
				return out.String(), err
			}
		}
	}
	return out.String(), nil
}

type staticRetriever struct {
	docs  []rerank.ScoredDocument
	err   error
	calls int
}

func (r *staticRetriever) Retrieve(_ context.Context, q retrieval.Query) (retrieval.Result, error) {
	r.calls++
	if r.err != nil {
		return retrieval.Result{}, r.err
	}
	return retrieval.Result{Documents: r.docs}, nil
}

func passages() *staticRetriever {
	return &staticRetriever{docs: []rerank.ScoredDocument{
		{Content: "The Q3 release ships on October 14.", Metadata: map[string]any{"filename": "roadmap.pdf"}, Score: 0.91},
	}}
}

func TestFinalizeOnFirstIteration(t *testing.T) {
	gen := &scripted{replies: []string{`{"action":"finalize","answer":"The release ships on October 14, per the roadmap."}`}}
	res := New(gen).Run(context.Background(), Request{Query: "when is the release?"})

	assert.Equal(t, StatusFinal, res.Status)
	assert.Equal(t, 1, res.Iterations)
	assert.NoError(t, res.Err)
	assert.Equal(t, "The release ships on October 14, per the roadmap.", res.Answer)
	assert.Empty(t, res.Trace)
}

func TestRetrieveThenFinalize(t *testing.T) {
	gen := &scripted{replies: []string{
		`{"action":"retrieve","query":"release date"}`,
		"```json\n{\"action\":\"finalize\",\"answer\":\"October 14, according to roadmap.pdf and the team plan.\"}\n```",
	}}
	r := passages()
	res := New(gen, WithRetriever(r)).Run(context.Background(), Request{Query: "when is the release?"})

	require.Equal(t, StatusFinal, res.Status)
	assert.Equal(t, 2, res.Iterations)
	require.Len(t, res.Trace, 1)
	assert.Equal(t, ActionRetrieve, res.Trace[0].Action)
	assert.Contains(t, res.Trace[0].Observation, "roadmap.pdf")

	// The second call sees the observation.
	last := gen.seen[1]
	assert.Contains(t, last[len(last)-1].Content, "October 14")
}

func TestPlainTextReplyIsFinal(t *testing.T) {
	gen := &scripted{replies: []string{"I could not find anything about that topic in the documents."}}
	res := New(gen).Run(context.Background(), Request{Query: "q"})
	assert.Equal(t, StatusFinal, res.Status)
	assert.Equal(t, "I could not find anything about that topic in the documents.", res.Answer)
}

func TestBudgetExhaustedAtMaxIterations(t *testing.T) {
	gen := &scripted{replies: []string{`{"action":"retrieve","query":"release"}`}}
	r := passages()
	res := New(gen, WithRetriever(r), WithMaxIterations(3)).Run(context.Background(), Request{Query: "q"})

	assert.Equal(t, StatusBudgetExceeded, res.Status)
	assert.ErrorIs(t, res.Err, ErrIterationBudgetExceeded)
	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, 3, gen.calls)
	assert.Len(t, res.Trace, 3)
	assert.Contains(t, res.Answer, "October 14")
}

func TestFinalizeOnLastIterationIsFinal(t *testing.T) {
	gen := &scripted{replies: []string{
		`{"action":"retrieve"}`,
		`{"action":"retrieve"}`,
		`{"action":"finalize","answer":"Found it after two searches in the roadmap document."}`,
	}}
	res := New(gen, WithRetriever(passages())).Run(context.Background(), Request{Query: "q", MaxIterations: 3})
	assert.Equal(t, StatusFinal, res.Status)
	assert.Equal(t, 3, res.Iterations)
	assert.NoError(t, res.Err)
}

func TestDefaultBudgetIsTen(t *testing.T) {
	gen := &scripted{replies: []string{`{"action":"retrieve"}`}}
	res := New(gen, WithRetriever(passages())).Run(context.Background(), Request{Query: "q"})
	assert.Equal(t, DefaultMaxIterations, res.Iterations)
	assert.Equal(t, StatusBudgetExceeded, res.Status)
}

func TestToolFailuresFinalizeEarly(t *testing.T) {
	gen := &scripted{replies: []string{`{"action":"tool_call","tool":"get_weather","arguments":{"city":"Pune"}}`}}
	reg := tools.NewRegistry()
	reg.Register(tools.Tool{Name: "get_weather"}, func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("weather service down")
	})

	res := New(gen, WithTools(reg)).Run(context.Background(), Request{Query: "weather?"})
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 3, res.Iterations)
	require.Len(t, res.Trace, 3)
	for _, step := range res.Trace {
		assert.True(t, step.Failed)
		assert.True(t, strings.HasPrefix(step.Observation, "action failed: "))
	}
	assert.Contains(t, res.Answer, "weather service down")
}

func TestFailureCounterResetsOnSuccess(t *testing.T) {
	gen := &scripted{replies: []string{
		`{"action":"tool_call","tool":"missing"}`,
		`{"action":"tool_call","tool":"missing"}`,
		`{"action":"retrieve"}`,
		`{"action":"tool_call","tool":"missing"}`,
		`{"action":"tool_call","tool":"missing"}`,
		`{"action":"finalize","answer":"Recovered and answered from the retrieved roadmap passage."}`,
	}}
	res := New(gen, WithRetriever(passages()), WithTools(tools.NewRegistry())).Run(context.Background(), Request{Query: "q"})
	assert.Equal(t, StatusFinal, res.Status)
	assert.Equal(t, 6, res.Iterations)
}

func TestGeneratorFailuresCountAsFailures(t *testing.T) {
	gen := &scripted{err: errors.New("connection refused")}
	res := New(gen, WithMaxFailures(1)).Run(context.Background(), Request{Query: "q"})
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 2, res.Iterations)
}

func TestIncludeRAGSeedsTrace(t *testing.T) {
	gen := &scripted{replies: []string{`{"action":"finalize","answer":"October 14 is the date in the roadmap document."}`}}
	r := passages()
	on := true
	res := New(gen, WithRetriever(r)).Run(context.Background(), Request{Query: "release?", IncludeRAG: &on})
	require.Equal(t, StatusFinal, res.Status)
	assert.Equal(t, 1, r.calls)
	require.Len(t, res.Trace, 1)
	assert.Equal(t, 0, res.Trace[0].Iteration)
	assert.Equal(t, 1, res.Iterations)
}

func TestFinalizeWithoutAnswerComposes(t *testing.T) {
	gen := &scripted{replies: []string{
		`{"action":"retrieve"}`,
		`{"action":"finalize"}`,
		"The release ships on October 14 according to the roadmap.",
	}}
	res := New(gen, WithRetriever(passages())).Run(context.Background(), Request{Query: "q"})
	assert.Equal(t, StatusFinal, res.Status)
	assert.Equal(t, "The release ships on October 14 according to the roadmap.", res.Answer)
	assert.Equal(t, 1, gen.streams)
}

func TestShortAnswerWithoutPassagesGetsNote(t *testing.T) {
	gen := &scripted{replies: []string{`{"action":"retrieve"}`, `{"action":"finalize","answer":"Unknown."}`}}
	res := New(gen, WithRetriever(&staticRetriever{})).Run(context.Background(), Request{Query: "q"})
	assert.True(t, strings.HasPrefix(res.Answer, "Unknown."))
	assert.Contains(t, res.Answer, "indexing more documents")
}

func TestUnknownActionIsAFailure(t *testing.T) {
	gen := &scripted{replies: []string{`{"action":"dance"}`}}
	res := New(gen, WithMaxFailures(0)).Run(context.Background(), Request{Query: "q"})
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Answer, `unknown action "dance"`)
}

func TestParseDecision(t *testing.T) {
	d, ok := parseDecision(`Sure! {"action":"TOOL_CALL","tool":"add_task","arguments":{"title":"x"}}`)
	require.True(t, ok)
	assert.Equal(t, ActionToolCall, d.Action)
	assert.Equal(t, "x", d.Arguments["title"])

	_, ok = parseDecision("just text")
	assert.False(t, ok)
	_, ok = parseDecision(`{"foo":1}`)
	assert.False(t, ok)
}
