package graph

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(ch <-chan Event) []Event {
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestStreamTokensThenDone(t *testing.T) {
	gen := &scripted{replies: []string{
		`{"action":"retrieve"}`,
		`{"action":"finalize"}`,
		"The release ships on October 14 according to the roadmap.",
	}}
	events := drain(New(gen, WithRetriever(passages())).Stream(context.Background(), Request{Query: "q"}))
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	require.Equal(t, EventDone, last.Type)
	require.NotNil(t, last.Result)
	assert.Equal(t, StatusFinal, last.Result.Status)

	assert.Equal(t, EventAction, events[0].Type)
	var text strings.Builder
	for _, ev := range events[1 : len(events)-1] {
		require.Equal(t, EventToken, ev.Type)
		text.WriteString(ev.Content)
	}
	assert.Equal(t, last.Result.Answer, text.String())
}

func TestStreamBudgetExceededReportsErrorThenDone(t *testing.T) {
	gen := &scripted{replies: []string{`{"action":"retrieve"}`}}
	events := drain(New(gen, WithRetriever(passages()), WithMaxIterations(2)).Stream(context.Background(), Request{Query: "q"}))

	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, EventError, events[len(events)-2].Type)
	assert.ErrorIs(t, events[len(events)-2].Err, ErrIterationBudgetExceeded)
	done := events[len(events)-1]
	assert.Equal(t, EventDone, done.Type)
	assert.Equal(t, StatusBudgetExceeded, done.Result.Status)
}

func TestStreamCancellationStopsModelCalls(t *testing.T) {
	gen := &scripted{replies: []string{`{"action":"retrieve"}`}}
	ctx, cancel := context.WithCancel(context.Background())
	ch := New(gen, WithRetriever(passages()), WithMaxIterations(100)).Stream(ctx, Request{Query: "q"})

	first := <-ch
	assert.Equal(t, EventAction, first.Type)
	cancel()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				gen.mu.Lock()
				calls := gen.calls
				gen.mu.Unlock()
				assert.Less(t, calls, 100)
				return
			}
			assert.NotEqual(t, EventDone, ev.Type)
		case <-timeout:
			t.Fatal("stream did not close after cancel")
		}
	}
}

func TestConcurrentRunsAreIndependent(t *testing.T) {
	a := New(&scripted{replies: []string{`{"action":"finalize","answer":"A long enough answer for every concurrent caller here."}`}})
	results := make(chan Result, 8)
	for i := 0; i < 8; i++ {
		go func() { results <- a.Run(context.Background(), Request{Query: "q"}) }()
	}
	for i := 0; i < 8; i++ {
		res := <-results
		assert.Equal(t, StatusFinal, res.Status)
		assert.Equal(t, 1, res.Iterations)
	}
}

func TestStreamInlineAnswerArrivesIncrementally(t *testing.T) {
	gen := &scripted{replies: []string{
		`{"action":"retrieve","query":"release date"}`,
		`{"action":"finalize","answer":"The Q3 release ships on October 14 according to the roadmap."}`,
	}}
	events := drain(New(gen, WithRetriever(passages())).Stream(context.Background(), Request{Query: "q"}))
	require.NotEmpty(t, events)

	done := events[len(events)-1]
	require.Equal(t, EventDone, done.Type)
	assert.Equal(t, StatusFinal, done.Result.Status)

	var tokens []string
	for _, ev := range events {
		if ev.Type == EventToken {
			tokens = append(tokens, ev.Content)
		}
	}
	assert.Greater(t, len(tokens), 1)
	assert.Equal(t, done.Result.Answer, strings.Join(tokens, ""))
	assert.Equal(t, "The Q3 release ships on October 14 according to the roadmap.", done.Result.Answer)

	gen.mu.Lock()
	defer gen.mu.Unlock()
	assert.Equal(t, 2, gen.streams)
}

func TestRunDoesNotStreamDecisions(t *testing.T) {
	gen := &scripted{replies: []string{`{"action":"finalize","answer":"A long enough answer that needs no extra note at all."}`}}
	res := New(gen).Run(context.Background(), Request{Query: "q"})
	assert.Equal(t, StatusFinal, res.Status)
	assert.Zero(t, gen.streams)
}

func feedAll(t *testing.T, tokens ...string) (string, []string) {
	t.Helper()
	var pieces []string
	w := &answerWatcher{emit: func(s string) error {
		pieces = append(pieces, s)
		return nil
	}}
	for _, tok := range tokens {
		require.NoError(t, w.feed(tok))
	}
	return w.forwarded.String(), pieces
}

func TestAnswerWatcherDecodesSplitEscapes(t *testing.T) {
	got, pieces := feedAll(t,
		`{"action":"FINALIZE",`, `"answer": "line one\`, `nline \"two\" \u00`, `e9 caf`, "\xc3", "\xa9", ` \ud83d`, `\ude00 end", "x":1}`)
	assert.Equal(t, "line one\nline \"two\" é café 😀 end", got)
	assert.Greater(t, len(pieces), 3)
}

func TestAnswerWatcherIgnoresOtherActions(t *testing.T) {
	got, pieces := feedAll(t, `{"action":"retrieve",`, `"query":"x","answer":"not final"}`)
	assert.Empty(t, got)
	assert.Empty(t, pieces)
}
