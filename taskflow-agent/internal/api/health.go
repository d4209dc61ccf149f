package api

import (
	"context"
	"net/http"

	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/models"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/rerank"
)

// Component is one entry of the health report.
type Component struct {
	Status string `json:"status"`
	Model  string `json:"model,omitempty"`
	Tier   string `json:"tier,omitempty"`
	Error  string `json:"error,omitempty"`
}

type Probe func(ctx context.Context) Component

type namedProbe struct {
	name  string
	probe Probe
}

// LifecycleProbe reports a model lifecycle.
func LifecycleProbe(status func() models.Status) Probe {
	return func(context.Context) Component {
		st := status()
		return Component{Status: rerank.HealthStatus(st), Model: st.Model, Tier: string(st.Tier), Error: st.Error}
	}
}

// PingProbe reports healthy when ping succeeds.
func PingProbe(ping func(ctx context.Context) error) Probe {
	return func(ctx context.Context) Component {
		if err := ping(ctx); err != nil {
			return Component{Status: rerank.StatusUnavailable, Error: err.Error()}
		}
		return Component{Status: rerank.StatusHealthy}
	}
}

// StaticProbe reports a fixed status, for components checked only on use.
func StaticProbe(status, model string) Probe {
	return func(context.Context) Component { return Component{Status: status, Model: model} }
}

var severity = map[string]int{
	rerank.StatusHealthy:      0,
	rerank.StatusDegraded:     1,
	rerank.StatusInitializing: 2,
	rerank.StatusUnavailable:  3,
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	overall := rerank.StatusHealthy
	components := make(map[string]Component, len(s.probes))
	for _, p := range s.probes {
		c := p.probe(r.Context())
		components[p.name] = c
		if severity[c.Status] > severity[overall] {
			overall = c.Status
		}
	}
	code := http.StatusOK
	if overall == rerank.StatusUnavailable {
		code = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, code, map[string]any{
		"status":     overall,
		"components": components,
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]string{"message": "EM TaskFlow API is running"})
}
