package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/graph"
)

type sseMessage struct {
	Type       string       `json:"type"`
	Message    string       `json:"message,omitempty"`
	Content    string       `json:"content,omitempty"`
	Step       *graph.Step  `json:"step,omitempty"`
	Status     graph.Status `json:"status,omitempty"`
	Iterations int          `json:"iterations,omitempty"`
	Answer     string       `json:"answer,omitempty"`
}

// handleAgentStream relays agent events as server-sent events and ends with [DONE].
// A client disconnect cancels the request context, which stops the run.
func (s *Server) handleAgentStream(w http.ResponseWriter, r *http.Request) {
	var req AgentQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query must not be empty")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(m sseMessage) {
		b, _ := json.Marshal(m)
		fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}

	send(sseMessage{Type: "connected", Message: "Starting Agent..."})
	for ev := range s.agent.Stream(r.Context(), s.agentRequest(req)) {
		switch ev.Type {
		case graph.EventToken:
			send(sseMessage{Type: "token", Content: ev.Content})
		case graph.EventAction:
			send(sseMessage{Type: "action", Step: ev.Step})
		case graph.EventError:
			send(sseMessage{Type: "error", Message: ev.Content})
		case graph.EventDone:
			send(sseMessage{Type: "done", Status: ev.Result.Status, Iterations: ev.Result.Iterations, Answer: ev.Result.Answer})
		}
	}
	if r.Context().Err() != nil {
		return
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}
