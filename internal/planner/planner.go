// Package planner implements the Plan Compiler (C5): it assembles a
// SystemContext snapshot from the agent registry and MCP capability
// cache, prompts the LLM Envoy, and normalizes the response into a
// validated domain.Plan. Call shape follows pkg/orchestration's
// router.Route usage in orchestrator.go — one blocking call that returns
// a plan object or a classified error.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jobop/agentcoord/core"
	"github.com/jobop/agentcoord/internal/domain"
	"github.com/jobop/agentcoord/internal/llmenvoy"
	"github.com/jobop/agentcoord/internal/metrics"
)

// ErrPlanParse is returned (wrapped) when the LLM response could not be
// turned into a usable plan, corresponding to the plan_parse_error kind
// in the error taxonomy (§7).
var ErrPlanParse = fmt.Errorf("plan_parse_error")

// SystemContextProvider supplies the live agent/tool snapshot the
// planner needs each call. registry.Registry and the MCP client satisfy
// narrower views of this through adapters in cmd/coordinator.
type SystemContextProvider interface {
	BuildSystemContext() domain.SystemContext
}

// Compiler turns one task description into a validated Plan.
type Compiler struct {
	envoy   *llmenvoy.Envoy
	context SystemContextProvider
	logger  core.Logger
	metrics *metrics.Registry
}

// New builds a Compiler. metricsRegistry may be nil (no-op).
func New(envoy *llmenvoy.Envoy, ctxProvider SystemContextProvider, logger core.Logger, metricsRegistry *metrics.Registry) *Compiler {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Compiler{envoy: envoy, context: ctxProvider, logger: logger, metrics: metricsRegistry}
}

// Compile prompts the LLM with the task description and current system
// context, streaming the response so sink receives llm_analysis_progress
// chunks as they arrive, then extracts the decision-JSON from the
// accumulated text and normalizes it into a Plan.
func (c *Compiler) Compile(ctx context.Context, taskID, description string, taskContext map[string]interface{}, sink domain.EventSink) (*domain.Plan, error) {
	sysCtx := c.context.BuildSystemContext()
	prompt := buildPrompt(description, sysCtx, taskContext)

	sink.Emit(domain.Event{Type: domain.EventLLMAnalysisStarted, TaskID: taskID, Timestamp: time.Now()})

	content, err := c.streamToCompletion(ctx, taskID, prompt, sink)
	if err != nil {
		return nil, fmt.Errorf("llm completion for plan: %w", err)
	}

	sink.Emit(domain.Event{Type: domain.EventLLMAnalysisCompleted, TaskID: taskID, Timestamp: time.Now(),
		Data: map[string]any{"analysis": content}})

	raw, structured := llmenvoy.ExtractDecision(content)
	normalized := llmenvoy.NormalizeDecision(raw)
	if !structured {
		c.logger.WarnWithContext(ctx, "plan compiler fell back to unstructured decision", map[string]interface{}{
			"description": description,
		})
	}

	plan, err := decisionToPlan(normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPlanParse, err.Error())
	}

	sink.Emit(domain.Event{Type: domain.EventLLMDecisionMade, TaskID: taskID, Timestamp: time.Now(),
		Data: map[string]any{"decision": plan}})
	return plan, nil
}

// streamToCompletion drives the envoy's stream_complete call, emitting one
// llm_analysis_progress event per content delta and returning the
// accumulated full text once the stream closes.
func (c *Compiler) streamToCompletion(ctx context.Context, taskID, prompt string, sink domain.EventSink) (string, error) {
	chunks, err := c.envoy.StreamComplete(ctx, prompt, &core.AIOptions{
		SystemPrompt: systemPrompt,
		Temperature:  0.3,
		MaxTokens:    1500,
	})
	c.metrics.LLMCall(ctx)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for chunk := range chunks {
		if chunk.Done {
			break
		}
		b.WriteString(chunk.Content)
		sink.Emit(domain.Event{Type: domain.EventLLMAnalysisProgress, TaskID: taskID, Timestamp: time.Now(),
			Data: map[string]any{"chunk": chunk.Content}})
	}
	return b.String(), nil
}

// buildPrompt assembles the analysis prompt: the task description, the
// available agents and MCP tools from sysCtx, any extra task context as
// JSON, and the JSON shape the LLM must answer with.
func buildPrompt(description string, sysCtx domain.SystemContext, taskContext map[string]interface{}) string {
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(description)
	b.WriteString("\n\nAvailable agents (agent_id -> capabilities):\n")
	for _, a := range sysCtx.AvailableAgents {
		fmt.Fprintf(&b, "- %s: %s\n", a.AgentID, strings.Join(a.Capabilities, ", "))
	}
	b.WriteString("\nAvailable MCP tools (server:tool):\n")
	for _, t := range sysCtx.AvailableMCPTools {
		fmt.Fprintf(&b, "- %s:%s — %s\n", t.Server, t.Tool, t.Description)
	}
	if len(taskContext) > 0 {
		if ctxJSON, err := json.Marshal(taskContext); err == nil {
			b.WriteString("\nAdditional context: ")
			b.Write(ctxJSON)
			b.WriteString("\n")
		}
	}
	b.WriteString("\nRespond with a single JSON object: {\"analysis\": string, \"execution_strategy\": " +
		"\"single_agent\"|\"multi_agent\"|\"mcp_tools\"|\"hybrid\", \"required_agents\": [string], " +
		"\"required_tools\": [string], \"execution_plan\": [{\"step\": int, \"action\": " +
		"\"agent_call\"|\"tool_use\"|\"coordination\", \"target\": string, \"task\": string, " +
		"\"dependencies\": [int]}], \"expected_deliverables\": [string]}.")
	return b.String()
}

const systemPrompt = "You are the planning stage of a multi-agent coordinator. Decide whether the " +
	"task needs one agent, several agents, MCP tools, or a combination, and emit a single " +
	"execution plan referencing only the agent_ids and server:tool pairs listed as available."

// decisionToPlan converts the normalized decision map into a domain.Plan.
// A direct_response shape (no execution_plan — e.g. the LLM just replies
// with a bare string) carries no steps to execute, so it is reported as a
// plan_parse_error rather than a zero-step success: the caller's fallback
// path (§4.6) is what actually dispatches work in that case.
func decisionToPlan(decision map[string]interface{}) (*domain.Plan, error) {
	approach, _ := decision["approach"].(string)

	plan := &domain.Plan{
		Analysis: stringField(decision, "analysis", "reasoning"),
	}

	if approach == "direct_response" {
		return nil, fmt.Errorf("decision is a direct_response with no execution_plan")
	}

	strategy, _ := decision["execution_strategy"].(string)
	switch domain.Strategy(strategy) {
	case domain.StrategySingleAgent, domain.StrategyMultiAgent, domain.StrategyMCPTools, domain.StrategyHybrid:
		plan.Strategy = domain.Strategy(strategy)
	default:
		plan.Strategy = domain.StrategyMultiAgent
	}

	plan.RequiredAgents = stringSliceField(decision, "required_agents")
	plan.RequiredTools = stringSliceField(decision, "required_tools")
	plan.ExpectedDeliverables = stringSliceField(decision, "expected_deliverables")

	stepsRaw, ok := decision["execution_plan"]
	if !ok {
		return nil, fmt.Errorf("decision missing execution_plan field")
	}
	stepsJSON, err := json.Marshal(stepsRaw)
	if err != nil {
		return nil, fmt.Errorf("re-marshal execution_plan: %w", err)
	}
	var rawSteps []struct {
		Step         int    `json:"step"`
		Action       string `json:"action"`
		Target       string `json:"target"`
		Task         string `json:"task"`
		Dependencies []int  `json:"dependencies"`
	}
	if err := json.Unmarshal(stepsJSON, &rawSteps); err != nil {
		return nil, fmt.Errorf("parse execution_plan: %w", err)
	}

	steps := make([]domain.PlanStep, 0, len(rawSteps))
	for _, s := range rawSteps {
		steps = append(steps, domain.PlanStep{
			StepNumber:   s.Step,
			Action:       domain.Action(s.Action),
			Target:       s.Target,
			Text:         s.Task,
			Dependencies: s.Dependencies,
		})
	}
	plan.Steps = steps

	return plan, nil
}

func stringField(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func stringSliceField(m map[string]interface{}, key string) []string {
	raw, ok := m[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
