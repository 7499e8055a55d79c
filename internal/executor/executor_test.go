package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobop/agentcoord/internal/a2a"
	"github.com/jobop/agentcoord/internal/domain"
)

// recordingSink accumulates every emitted event, in order, for assertion.
type recordingSink struct {
	events []domain.Event
}

func (s *recordingSink) Emit(ev domain.Event) { s.events = append(s.events, ev) }

func (s *recordingSink) typesOf() []domain.EventType {
	out := make([]domain.EventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

type fakeAgents struct {
	byID map[string]*domain.AgentEntry
	all  []*domain.AgentEntry
}

func (f *fakeAgents) Lookup(agentID string) (*domain.AgentEntry, bool) {
	e, ok := f.byID[agentID]
	return e, ok
}
func (f *fakeAgents) Snapshot() []*domain.AgentEntry { return f.all }

type fakeServers struct{}

func (fakeServers) KnownServers() []domain.MCPServerEntry { return nil }

func newAgentServer(t *testing.T, recordBody func(map[string]interface{})) (*httptest.Server, *domain.AgentEntry) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if recordBody != nil {
			recordBody(body)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"result": map[string]interface{}{"ok": true}})
	}))
	entry := &domain.AgentEntry{AgentID: "agent-1", Endpoint: srv.URL, Protocol: domain.ProtocolA2A}
	return srv, entry
}

// contextDataOf digs the "data" part out of one captured tasks/send body.
func contextDataOf(body map[string]interface{}) map[string]interface{} {
	params, _ := body["params"].(map[string]interface{})
	message, _ := params["message"].(map[string]interface{})
	parts, _ := message["parts"].([]interface{})
	if len(parts) < 2 {
		return nil
	}
	part, _ := parts[1].(map[string]interface{})
	data, _ := part["data"].(map[string]interface{})
	return data
}

func TestExecute_ThreadsAllPriorResultsRegardlessOfDeclaredDependencies(t *testing.T) {
	var captured []map[string]interface{}
	srv, entry := newAgentServer(t, func(body map[string]interface{}) {
		captured = append(captured, contextDataOf(body))
	})
	defer srv.Close()

	agents := &fakeAgents{byID: map[string]*domain.AgentEntry{"agent-1": entry}, all: []*domain.AgentEntry{entry}}
	transport := a2a.New(&http.Client{Timeout: time.Second})
	exec := New(agents, fakeServers{}, transport, nil, nil, nil)

	p := &domain.Plan{
		Strategy: "multi_agent",
		Steps: []domain.PlanStep{
			{StepNumber: 1, Action: domain.ActionAgentCall, Target: "agent-1", Text: "step one"},
			{StepNumber: 2, Action: domain.ActionAgentCall, Target: "agent-1", Text: "step two", Dependencies: []int{}},
			{StepNumber: 3, Action: domain.ActionAgentCall, Target: "agent-1", Text: "step three", Dependencies: []int{1}},
		},
	}

	sink := &recordingSink{}
	records := exec.Execute(context.Background(), "task-1", "session-1", p, sink)
	require.Len(t, records, 3)
	for _, r := range records {
		assert.True(t, r.Success)
	}

	require.Len(t, captured, 3)
	assert.Nil(t, captured[0])

	prev2, _ := captured[1]["previous_results"].([]interface{})
	assert.Len(t, prev2, 1)

	// step 3 must see every prior record, not just its declared dependency.
	prev3, _ := captured[2]["previous_results"].([]interface{})
	assert.Len(t, prev3, 2, "step 3 must see both prior records even though it only declares dependency on step 1")
}

func TestExecute_SuppressesGenericStepCompletedForAgentCall(t *testing.T) {
	srv, entry := newAgentServer(t, nil)
	defer srv.Close()

	agents := &fakeAgents{byID: map[string]*domain.AgentEntry{"agent-1": entry}, all: []*domain.AgentEntry{entry}}
	transport := a2a.New(&http.Client{Timeout: time.Second})
	exec := New(agents, fakeServers{}, transport, nil, nil, nil)

	p := &domain.Plan{
		Strategy: "multi_agent",
		Steps:    []domain.PlanStep{{StepNumber: 1, Action: domain.ActionAgentCall, Target: "agent-1", Text: "go"}},
	}
	sink := &recordingSink{}
	exec.Execute(context.Background(), "task-1", "session-1", p, sink)

	for _, ev := range sink.events {
		assert.NotEqual(t, domain.EventStepCompleted, ev.Type, "agent_call steps must not emit a duplicate step_completed")
	}
	assert.Contains(t, sink.typesOf(), domain.EventAgentCallCompleted)
}

func TestFallback_NoAgentsAvailable(t *testing.T) {
	agents := &fakeAgents{byID: map[string]*domain.AgentEntry{}, all: nil}
	transport := a2a.New(&http.Client{Timeout: time.Second})
	exec := New(agents, fakeServers{}, transport, nil, nil, nil)

	sink := &recordingSink{}
	_, err := exec.Fallback(context.Background(), "task-1", "session-1", "do the thing", "plan_parse_error", sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_agents_available")
	assert.Contains(t, sink.typesOf(), domain.EventFallbackError)
}

func TestFallback_DispatchesFirstRegistryAgent(t *testing.T) {
	srv, entry := newAgentServer(t, nil)
	defer srv.Close()

	agents := &fakeAgents{byID: map[string]*domain.AgentEntry{"agent-1": entry}, all: []*domain.AgentEntry{entry}}
	transport := a2a.New(&http.Client{Timeout: time.Second})
	exec := New(agents, fakeServers{}, transport, nil, nil, nil)

	sink := &recordingSink{}
	record, err := exec.Fallback(context.Background(), "task-1", "session-1", "do the thing", "plan_parse_error", sink)
	require.NoError(t, err)
	assert.True(t, record.Success)
	assert.Contains(t, sink.typesOf(), domain.EventFallbackCompleted)
}
