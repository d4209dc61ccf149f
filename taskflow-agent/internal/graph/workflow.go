package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/llm"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/logging"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/metrics"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/retrieval"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/tools"
)

const (
	DefaultMaxIterations = 10
	DefaultMaxFailures   = 2
)

var ErrIterationBudgetExceeded = errors.New("iteration budget exceeded")

type Status string

const (
	StatusFinal          Status = "final"
	StatusBudgetExceeded Status = "budget_exceeded"
	StatusFailed         Status = "failed"
	StatusCanceled       Status = "canceled"
)

type Action string

const (
	ActionRetrieve Action = "retrieve"
	ActionToolCall Action = "tool_call"
	ActionFinalize Action = "finalize"
)

// Retriever is the part of retrieval.Pipeline the agent uses.
type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) (retrieval.Result, error)
}

type Request struct {
	Query         string `json:"query"`
	MaxIterations int    `json:"maxIterations,omitempty"`
	IncludeRAG    *bool  `json:"includeRAG,omitempty"`
}

// Step is one entry of a run's trace.
type Step struct {
	Iteration   int            `json:"iteration"`
	Action      Action         `json:"action"`
	Query       string         `json:"query,omitempty"`
	Tool        string         `json:"tool,omitempty"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	Observation string         `json:"observation"`
	Failed      bool           `json:"failed,omitempty"`
	Degraded    bool           `json:"degraded,omitempty"`
	// Decision is the raw model reply that chose this step.
	Decision string `json:"-"`
}

// Result is a finished run. Err is set for budget exhaustion and cancellation.
type Result struct {
	Answer     string `json:"answer"`
	Status     Status `json:"status"`
	Iterations int    `json:"iterations"`
	Trace      []Step `json:"trace"`
	Err        error  `json:"-"`
}

// Agent runs the think/act loop. It holds no per-run state and is safe for concurrent use.
type Agent struct {
	gen           llm.Generator
	retriever     Retriever
	tools         tools.Toolset
	maxIterations int
	maxFailures   int
	includeRAG    bool
	topK          int
	logger        zerolog.Logger
}

type Option func(*Agent)

func WithRetriever(r Retriever) Option {
	return func(a *Agent) { a.retriever = r }
}

func WithTools(ts tools.Toolset) Option {
	return func(a *Agent) { a.tools = ts }
}

func WithMaxIterations(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

// WithMaxFailures sets how many consecutive failed actions are retried before the run gives up.
func WithMaxFailures(n int) Option {
	return func(a *Agent) {
		if n >= 0 {
			a.maxFailures = n
		}
	}
}

func WithIncludeRAG(v bool) Option {
	return func(a *Agent) { a.includeRAG = v }
}

func WithTopK(k int) Option {
	return func(a *Agent) {
		if k > 0 {
			a.topK = k
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

func New(gen llm.Generator, opts ...Option) *Agent {
	a := &Agent{
		gen:           gen,
		maxIterations: DefaultMaxIterations,
		maxFailures:   DefaultMaxFailures,
		topK:          retrieval.DefaultTopK,
		logger:        logging.Component("agent"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run executes a query to completion.
func (a *Agent) Run(ctx context.Context, req Request) Result {
	return a.run(ctx, req, func(Event) bool { return true }, false)
}

// state is the private trace of one run.
type state struct {
	query      string
	tools      []tools.Tool
	trace      []Step
	iterations int
	failures   int
}

func (s *state) record(step Step) {
	s.trace = append(s.trace, step)
	if step.Failed {
		s.failures++
	} else {
		s.failures = 0
	}
}

// run is the loop shared by Run and Stream. emit returns false once the consumer is gone.
func (a *Agent) run(ctx context.Context, req Request, emit func(Event) bool, streaming bool) Result {
	start := time.Now()
	maxIter := a.maxIterations
	if req.MaxIterations > 0 {
		maxIter = req.MaxIterations
	}
	includeRAG := a.includeRAG
	if req.IncludeRAG != nil {
		includeRAG = *req.IncludeRAG
	}

	st := &state{query: req.Query}
	st.tools = a.listTools(ctx)

	finish := func(res Result) Result {
		res.Iterations = st.iterations
		res.Trace = st.trace
		if res.Trace == nil {
			res.Trace = []Step{}
		}
		metrics.AgentIterations.WithLabelValues(string(res.Status)).Observe(float64(res.Iterations))
		a.logger.Info().
			Str("status", string(res.Status)).
			Int("iterations", res.Iterations).
			Dur("elapsed", time.Since(start)).
			Msg("agent run finished")
		return res
	}
	canceled := func() Result {
		return finish(Result{Status: StatusCanceled, Answer: partialAnswer(st), Err: ctx.Err()})
	}

	if includeRAG && a.retriever != nil {
		step := a.retrieve(ctx, 0, req.Query)
		st.record(step)
		if !emit(Event{Type: EventAction, Step: &step}) {
			return canceled()
		}
	}

	for st.iterations < maxIter {
		if ctx.Err() != nil {
			return canceled()
		}
		st.iterations++
		iter := st.iterations

		reply, forwarded, err := a.think(ctx, st, emit, streaming)
		if err != nil {
			if ctx.Err() != nil {
				return canceled()
			}
			st.record(Step{Iteration: iter, Observation: "action failed: " + err.Error(), Failed: true})
			metrics.AgentActionsTotal.WithLabelValues("think", "error").Inc()
			a.logger.Warn().Err(err).Int("iteration", iter).Msg("generation failed")
			if st.failures > a.maxFailures {
				return finish(Result{Status: StatusFailed, Answer: failureAnswer(st)})
			}
			continue
		}

		d, ok := parseDecision(reply)
		if !ok {
			// A plain-text reply is the answer.
			answer := critique(reply, st)
			if forwarded != "" {
				answer = critique(forwarded, st)
			}
			if rest := strings.TrimPrefix(answer, forwarded); rest != "" && !emit(Event{Type: EventToken, Content: rest}) {
				return canceled()
			}
			metrics.AgentActionsTotal.WithLabelValues(string(ActionFinalize), "success").Inc()
			return finish(Result{Status: StatusFinal, Answer: answer})
		}

		var step Step
		switch d.Action {
		case ActionFinalize:
			answer, err := a.finalize(ctx, st, d, forwarded, emit)
			if err != nil {
				if ctx.Err() != nil {
					return canceled()
				}
				st.record(Step{Iteration: iter, Action: ActionFinalize, Observation: "action failed: " + err.Error(), Failed: true, Decision: reply})
				if st.failures > a.maxFailures {
					return finish(Result{Status: StatusFailed, Answer: failureAnswer(st)})
				}
				continue
			}
			metrics.AgentActionsTotal.WithLabelValues(string(ActionFinalize), "success").Inc()
			return finish(Result{Status: StatusFinal, Answer: answer})
		case ActionRetrieve:
			q := d.Query
			if q == "" {
				q = req.Query
			}
			step = a.retrieve(ctx, iter, q)
		case ActionToolCall:
			step = a.callTool(ctx, iter, d.Tool, d.Arguments)
		default:
			step = Step{Iteration: iter, Action: d.Action, Observation: fmt.Sprintf("action failed: unknown action %q", d.Action), Failed: true}
		}
		step.Decision = reply
		if ctx.Err() != nil {
			return canceled()
		}
		st.record(step)
		if !emit(Event{Type: EventAction, Step: &step}) {
			return canceled()
		}
		if st.failures > a.maxFailures {
			a.logger.Warn().Int("failures", st.failures).Msg("too many consecutive failures, finalizing")
			return finish(Result{Status: StatusFailed, Answer: failureAnswer(st)})
		}
	}

	res := finish(Result{
		Status: StatusBudgetExceeded,
		Answer: partialAnswer(st),
		Err:    fmt.Errorf("%w: %d iterations", ErrIterationBudgetExceeded, maxIter),
	})
	return res
}

// think asks the generator for the next decision. When streaming, the answer of a
// finalize decision is forwarded as it is generated and also returned as forwarded.
func (a *Agent) think(ctx context.Context, st *state, emit func(Event) bool, streaming bool) (reply, forwarded string, err error) {
	msgs := buildMessages(st)
	if !streaming {
		reply, err = a.gen.Generate(ctx, msgs)
		return reply, "", err
	}
	w := &answerWatcher{emit: func(piece string) error {
		if !emit(Event{Type: EventToken, Content: piece}) {
			return context.Canceled
		}
		return nil
	}}
	reply, err = a.gen.Stream(ctx, msgs, w.feed)
	return reply, w.forwarded.String(), err
}

func (a *Agent) listTools(ctx context.Context) []tools.Tool {
	if a.tools == nil {
		return nil
	}
	list, err := a.tools.List(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("listing tools failed, continuing without tools")
		return nil
	}
	return list
}

func (a *Agent) callTool(ctx context.Context, iter int, name string, args map[string]any) Step {
	step := Step{Iteration: iter, Action: ActionToolCall, Tool: name, Arguments: args}
	if a.tools == nil {
		step.Observation = "action failed: no tools are configured"
		step.Failed = true
		metrics.AgentActionsTotal.WithLabelValues(string(ActionToolCall), "error").Inc()
		return step
	}
	out, err := a.tools.Call(ctx, name, args)
	if err != nil {
		step.Observation = "action failed: " + err.Error()
		step.Failed = true
		metrics.AgentActionsTotal.WithLabelValues(string(ActionToolCall), "error").Inc()
		return step
	}
	step.Observation = formatToolResult(out)
	metrics.AgentActionsTotal.WithLabelValues(string(ActionToolCall), "success").Inc()
	return step
}
