package graph

import (
	"fmt"
	"strings"
)

const shortAnswer = 50

// note flags short answers given without any retrieved support.
func note(answer string, st *state) string {
	if len(answer) >= shortAnswer || hasPassages(st) {
		return ""
	}
	for _, step := range st.trace {
		if step.Action == ActionRetrieve {
			return "\n\n(Note: result short; consider rephrasing your query or indexing more documents.)"
		}
	}
	return ""
}

func critique(answer string, st *state) string {
	return answer + note(answer, st)
}

func hasPassages(st *state) bool {
	for _, step := range st.trace {
		if step.Action == ActionRetrieve && !step.Failed && step.Observation != noPassages {
			return true
		}
	}
	return false
}

// partialAnswer summarises what a run found before it stopped.
func partialAnswer(st *state) string {
	var b strings.Builder
	fmt.Fprintf(&b, "No final answer after %d iterations.", st.iterations)
	found := false
	for _, step := range st.trace {
		if step.Failed || step.Observation == noPassages {
			continue
		}
		if !found {
			b.WriteString(" Findings so far:\n")
			found = true
		}
		fmt.Fprintf(&b, "\n[%s] %s\n", stepLabel(step), step.Observation)
	}
	return b.String()
}

// failureAnswer reports the failures that ended a run.
func failureAnswer(st *state) string {
	var b strings.Builder
	b.WriteString("Unable to complete the request; actions kept failing:\n")
	for _, step := range st.trace {
		if step.Failed {
			fmt.Fprintf(&b, "- %s: %s\n", stepLabel(step), step.Observation)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func stepLabel(s Step) string {
	switch {
	case s.Action == ActionToolCall && s.Tool != "":
		return "tool " + s.Tool
	case s.Action != "":
		return string(s.Action)
	default:
		return "think"
	}
}
