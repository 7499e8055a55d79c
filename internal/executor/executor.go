// Package executor implements the Step Executor (C6): it walks a
// compiled Plan step by step, dispatches each step to an A2A agent or an
// MCP tool server, threads prior results into later steps, and emits
// lifecycle events. Sequential-with-dependency-threading shape follows
// pkg/orchestration/executor.go's PlanExecutor.Execute; per-collaborator
// circuit breaking is resilience.CircuitBreaker reused directly, one
// instance per agent ("agent:<id>") and one per MCP server
// ("mcp:<server>") (§4.6.1); LLM Envoy calls do not pass through a breaker.
package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jobop/agentcoord/core"
	"github.com/jobop/agentcoord/internal/a2a"
	"github.com/jobop/agentcoord/internal/domain"
	"github.com/jobop/agentcoord/internal/mcpclient"
	"github.com/jobop/agentcoord/internal/metrics"
	"github.com/jobop/agentcoord/resilience"
)

// AgentLookup resolves an agent_id to its current AgentEntry, and exposes
// the full registry snapshot for the fallback path's "first agent_id in
// the registry" rule (§4.6).
type AgentLookup interface {
	Lookup(agentID string) (*domain.AgentEntry, bool)
	Snapshot() []*domain.AgentEntry
}

// MCPServerLister exposes the MCP servers currently known, used to infer
// a tool's server when a tool_use step target has no "server:tool" colon.
type MCPServerLister interface {
	KnownServers() []domain.MCPServerEntry
}

// EventSink receives lifecycle events as the executor progresses. Aliased
// to domain.EventSink so the task manager's channel — which implements
// domain.EventSink directly — satisfies this without a second, distinct
// interface declaration Go would treat as a different type.
type EventSink = domain.EventSink

// Executor dispatches one compiled Plan's steps in order.
type Executor struct {
	agents  AgentLookup
	servers MCPServerLister
	a2a     *a2a.Transport
	mcp     *mcpclient.Client
	logger  core.Logger
	metrics *metrics.Registry

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker
}

// New builds an Executor. metricsRegistry may be nil (no-op).
func New(agents AgentLookup, servers MCPServerLister, transport *a2a.Transport, mcp *mcpclient.Client, logger core.Logger, metricsRegistry *metrics.Registry) *Executor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Executor{
		agents:   agents,
		servers:  servers,
		a2a:      transport,
		mcp:      mcp,
		logger:   logger,
		metrics:  metricsRegistry,
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
}

func (e *Executor) breakerFor(name string) *resilience.CircuitBreaker {
	e.breakersMu.Lock()
	defer e.breakersMu.Unlock()
	cb, ok := e.breakers[name]
	if !ok {
		cb = resilience.NewCircuitBreakerLegacy(5, 30*time.Second)
		e.breakers[name] = cb
	}
	return cb
}

// Execute walks every step of plan in increasing step_number order,
// threading every prior StepRecord into each step's context under
// previous_results — regardless of that step's declared Dependencies,
// which are advisory only (§4.6, §8's dependency-field-insensitivity
// property) — and returns the accumulated records.
func (e *Executor) Execute(ctx context.Context, taskID, sessionID string, plan *domain.Plan, sink EventSink) []domain.StepRecord {
	records := make([]domain.StepRecord, 0, len(plan.Steps))

	sink.Emit(domain.Event{Type: domain.EventExecutionStarted, TaskID: taskID, Timestamp: time.Now(),
		Data: map[string]any{"strategy": string(plan.Strategy), "total_steps": len(plan.Steps)}})

	for _, step := range plan.Steps {
		sink.Emit(domain.Event{
			Type: domain.EventStepStarted, TaskID: taskID, Timestamp: time.Now(),
			Data: map[string]any{"step_number": step.StepNumber, "step_description": step.Text, "action": string(step.Action), "target": step.Target},
		})

		record := e.executeStep(ctx, taskID, sessionID, step, records, sink)
		records = append(records, record)

		// A successful agent_call already emits its own agent_call_completed
		// signal; a generic step_completed there would duplicate it. A failed
		// agent_call emits no such signal, so it gets step_completed with
		// success=false and the error like every other failed step.
		if step.Action != domain.ActionAgentCall || !record.Success {
			data := map[string]any{"step_number": step.StepNumber, "action": string(step.Action), "target": step.Target, "success": record.Success, "duration": record.DurationMS}
			if record.Success {
				data["result"] = record.Result
			} else {
				data["error"] = record.Error
			}
			sink.Emit(domain.Event{Type: domain.EventStepCompleted, TaskID: taskID, Timestamp: time.Now(), Data: data})
		}
	}

	successful, failed := tally(records)
	sink.Emit(domain.Event{
		Type: domain.EventExecutionCompleted, TaskID: taskID, Timestamp: time.Now(),
		Data: map[string]any{"total_steps": len(records), "successful_steps": successful, "failed_steps": failed, "results": records},
	})
	return records
}

func tally(records []domain.StepRecord) (successful, failed int) {
	for _, r := range records {
		if r.Success {
			successful++
		} else {
			failed++
		}
	}
	return
}

func (e *Executor) executeStep(ctx context.Context, taskID, sessionID string, step domain.PlanStep, prior []domain.StepRecord, sink EventSink) (record domain.StepRecord) {
	start := time.Now()
	record = domain.StepRecord{StepNumber: step.StepNumber, Action: step.Action, Target: step.Target}
	defer func() {
		if r := recover(); r != nil {
			record.Success = false
			record.Result = nil
			record.Error = fmt.Sprintf("internal_panic: %v", r)
			record.DurationMS = time.Since(start).Milliseconds()
		}
	}()

	switch step.Action {
	case domain.ActionAgentCall:
		result, err := e.dispatchAgentCall(ctx, taskID, sessionID, step, prior, sink, start)
		if err != nil {
			record.Error = err.Error()
		} else {
			record.Success = true
			record.Result = result
		}
	case domain.ActionToolUse:
		result, err := e.dispatchToolUse(ctx, taskID, step, sink)
		if err != nil {
			record.Error = err.Error()
		} else {
			record.Success = true
			record.Result = result
		}
	case domain.ActionCoordinate:
		record.Success = true
		record.Result = map[string]any{
			"prior_result_count": len(prior),
			"description":        step.Text,
		}
	default:
		record.Error = fmt.Sprintf("Unknown action: %s", step.Action)
	}

	record.DurationMS = time.Since(start).Milliseconds()
	return record
}

// dispatchAgentCall issues one agent_call step and emits its own
// agent_call_completed (with result+duration) rather than relying on the
// generic step_completed emitted by Execute for other actions.
func (e *Executor) dispatchAgentCall(ctx context.Context, taskID, sessionID string, step domain.PlanStep, prior []domain.StepRecord, sink EventSink, start time.Time) (map[string]any, error) {
	entry, ok := e.agents.Lookup(step.Target)
	if !ok {
		return nil, fmt.Errorf("Agent not found")
	}

	cb := e.breakerFor("agent:" + entry.AgentID)
	if !cb.CanExecute() {
		return nil, fmt.Errorf("circuit_open: %s", entry.AgentID)
	}

	sink.Emit(domain.Event{
		Type: domain.EventAgentCallStarted, TaskID: taskID, Timestamp: time.Now(),
		Data: map[string]any{"step": step.StepNumber, "agent_id": entry.AgentID},
	})

	taskContext := map[string]interface{}{}
	if len(prior) > 0 {
		taskContext["previous_results"] = prior
	}

	result, err := e.a2a.Call(ctx, entry, step.Text, taskContext, sessionID)
	e.metrics.AgentCall(ctx)
	if err != nil {
		cb.RecordFailure()
		return nil, err
	}
	cb.RecordSuccess()

	sink.Emit(domain.Event{
		Type: domain.EventAgentCallCompleted, TaskID: taskID, Timestamp: time.Now(),
		Data: map[string]any{"step": step.StepNumber, "agent_id": entry.AgentID, "result": result.Result, "duration": time.Since(start).Milliseconds()},
	})
	return result.Result, nil
}

func (e *Executor) dispatchToolUse(ctx context.Context, taskID string, step domain.PlanStep, sink EventSink) (map[string]any, error) {
	server, tool, ok := strings.Cut(step.Target, ":")
	if !ok {
		server, ok = e.inferServer(step.Target)
		tool = step.Target
		if !ok {
			return nil, fmt.Errorf("could not infer MCP server for tool %q", step.Target)
		}
	}

	cb := e.breakerFor("mcp:" + server)
	if !cb.CanExecute() {
		return nil, fmt.Errorf("circuit_open: mcp:%s", server)
	}

	result, err := e.mcp.CallTool(ctx, server, tool, map[string]interface{}{"task": step.Text})
	e.metrics.MCPCall(ctx)
	if err != nil {
		cb.RecordFailure()
		return nil, err
	}
	cb.RecordSuccess()

	sink.Emit(domain.Event{
		Type: domain.EventMCPToolUsed, TaskID: taskID, Timestamp: time.Now(),
		Data: map[string]any{"step": step.StepNumber, "tool": step.Target},
	})
	return result, nil
}

func (e *Executor) inferServer(toolName string) (string, bool) {
	for _, srv := range e.servers.KnownServers() {
		for _, t := range srv.Tools {
			if t.Name == toolName {
				return srv.Name, true
			}
		}
	}
	return "", false
}

// Fallback implements the degraded path (§4.6): when plan compilation
// fails, pick the first agent_id in the registry and issue a single
// agent_call with the raw task description and empty previous_results,
// reporting the outcome under strategy tag fallback. If the registry is
// empty the task fails terminally with reason no_agents_available.
func (e *Executor) Fallback(ctx context.Context, taskID, sessionID, description, reason string, sink EventSink) (domain.StepRecord, error) {
	sink.Emit(domain.Event{Type: domain.EventFallbackStarted, TaskID: taskID, Timestamp: time.Now(),
		Data: map[string]any{"reason": reason}})

	agents := e.agents.Snapshot()
	if len(agents) == 0 {
		err := fmt.Errorf("no_agents_available")
		sink.Emit(domain.Event{Type: domain.EventFallbackError, TaskID: taskID, Timestamp: time.Now(),
			Data: map[string]any{"error": err.Error()}})
		return domain.StepRecord{}, err
	}
	entry := agents[0]

	sink.Emit(domain.Event{Type: domain.EventFallbackDecision, TaskID: taskID, Timestamp: time.Now(),
		Data: map[string]any{"target": entry.AgentID, "reason": reason}})

	start := time.Now()
	cb := e.breakerFor("agent:" + entry.AgentID)
	record := domain.StepRecord{StepNumber: 1, Action: domain.ActionAgentCall, Target: entry.AgentID}

	if !cb.CanExecute() {
		err := fmt.Errorf("circuit_open: %s", entry.AgentID)
		record.Error = err.Error()
		record.DurationMS = time.Since(start).Milliseconds()
		sink.Emit(domain.Event{Type: domain.EventFallbackError, TaskID: taskID, Timestamp: time.Now(),
			Data: map[string]any{"error": err.Error()}})
		return record, nil
	}

	sink.Emit(domain.Event{Type: domain.EventAgentCallStarted, TaskID: taskID, Timestamp: time.Now(),
		Data: map[string]any{"step": 1, "agent_id": entry.AgentID}})

	result, err := e.a2a.Call(ctx, entry, description, map[string]interface{}{}, sessionID)
	e.metrics.AgentCall(ctx)
	record.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		cb.RecordFailure()
		record.Error = err.Error()
		sink.Emit(domain.Event{Type: domain.EventFallbackError, TaskID: taskID, Timestamp: time.Now(),
			Data: map[string]any{"error": err.Error()}})
		return record, nil
	}
	cb.RecordSuccess()
	record.Success = true
	record.Result = result.Result

	sink.Emit(domain.Event{Type: domain.EventAgentCallCompleted, TaskID: taskID, Timestamp: time.Now(),
		Data: map[string]any{"step": 1, "agent_id": entry.AgentID, "result": result.Result, "duration": record.DurationMS}})
	sink.Emit(domain.Event{Type: domain.EventFallbackCompleted, TaskID: taskID, Timestamp: time.Now(),
		Data: map[string]any{"result": result.Result}})
	return record, nil
}

// CircuitBreakers returns the CircuitBreaker state of every collaborator
// the executor has dispatched to so far, keyed the same way breakerFor
// names them ("agent:<id>", "mcp:<server>"), for admin introspection.
func (e *Executor) CircuitBreakers() map[string]*resilience.CircuitBreaker {
	e.breakersMu.Lock()
	defer e.breakersMu.Unlock()
	out := make(map[string]*resilience.CircuitBreaker, len(e.breakers))
	for k, v := range e.breakers {
		out[k] = v
	}
	return out
}
